// Copyright 2025 t-scheduler project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

// Package schedrpc is the message-passing boundary between the scheduler
// and the external fuzzing loop: a JSON-line protocol over a TCP or unix
// socket. The client never blocks the fuzzing loop; when the scheduler
// peer is unavailable it degrades to the mode-none constant factor.
package schedrpc

import (
	"fmt"
	"strings"

	"github.com/asiaccs2024-t-scheduler/reproducing-results/pkg/scheduler"
)

// request is one JSON line from the fuzzer to the scheduler.
type request struct {
	Method  string             `json:"method"` // submit, factor, bug, state, health
	Reports []scheduler.Report `json:"reports,omitempty"`
	BugID   string             `json:"bug_id,omitempty"`
}

// response is one JSON line back. Factor is present on every response so
// submit batches refresh the client's cached factor without extra round
// trips.
type response struct {
	Factor  float64             `json:"factor"`
	Healthy bool                `json:"healthy"`
	State   *scheduler.Snapshot `json:"state,omitempty"`
	Error   string              `json:"error,omitempty"`
}

// ParseAddr splits an endpoint spec into (network, address). Accepted
// forms: "tcp:host:port", "unix:/path", and bare "host:port" (tcp).
func ParseAddr(spec string) (network, addr string, err error) {
	switch {
	case strings.HasPrefix(spec, "tcp:"):
		return "tcp", strings.TrimPrefix(spec, "tcp:"), nil
	case strings.HasPrefix(spec, "unix:"):
		return "unix", strings.TrimPrefix(spec, "unix:"), nil
	case strings.Contains(spec, ":"):
		return "tcp", spec, nil
	}
	return "", "", fmt.Errorf("bad endpoint %q (want tcp:host:port, unix:/path or host:port)", spec)
}
