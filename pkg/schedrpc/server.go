// Copyright 2025 t-scheduler project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

package schedrpc

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"

	"github.com/asiaccs2024-t-scheduler/reproducing-results/pkg/scheduler"
)

// maxLineBytes bounds one request line. A batched submit of a few hundred
// reports with large edge sets stays well under this.
const maxLineBytes = 8 << 20

// Backend is the scheduler surface the server exposes over the wire.
type Backend interface {
	Submit(rep scheduler.Report)
	CorrectionFactor() float64
	ReportBug(bugID string)
	Snapshot() scheduler.Snapshot
}

// Server accepts fuzzer connections and serves the scheduler channel.
type Server struct {
	backend Backend
	ln      net.Listener
	logf    func(level int, msg string, args ...any)

	wg     sync.WaitGroup
	closed atomic.Bool

	connMu sync.Mutex
	conns  map[net.Conn]struct{}
}

// Listen binds the endpoint and returns a server ready to Serve.
func Listen(spec string, backend Backend, logf func(level int, msg string, args ...any)) (*Server, error) {
	network, addr, err := ParseAddr(spec)
	if err != nil {
		return nil, err
	}
	ln, err := net.Listen(network, addr)
	if err != nil {
		return nil, fmt.Errorf("failed to listen on %v: %w", spec, err)
	}
	return &Server{
		backend: backend,
		ln:      ln,
		logf:    logf,
		conns:   make(map[net.Conn]struct{}),
	}, nil
}

// Addr returns the bound listener address.
func (s *Server) Addr() net.Addr {
	return s.ln.Addr()
}

// Serve runs the accept loop until Close. Each connection gets its own
// goroutine; the fuzzer side keeps one persistent connection per worker.
func (s *Server) Serve() error {
	for {
		conn, err := s.ln.Accept()
		if err != nil {
			if s.closed.Load() {
				return nil
			}
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			return err
		}
		s.connMu.Lock()
		if s.closed.Load() {
			s.connMu.Unlock()
			conn.Close()
			return nil
		}
		s.conns[conn] = struct{}{}
		s.connMu.Unlock()

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handleConn(conn)
			s.connMu.Lock()
			delete(s.conns, conn)
			s.connMu.Unlock()
		}()
	}
}

func (s *Server) handleConn(conn net.Conn) {
	defer conn.Close()
	s.logf(1, "schedrpc: fuzzer connected from %v", conn.RemoteAddr())

	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 0, 64<<10), maxLineBytes)
	enc := json.NewEncoder(conn)

	for scanner.Scan() {
		if s.closed.Load() {
			return
		}
		var req request
		resp := response{Healthy: true}
		if err := json.Unmarshal(scanner.Bytes(), &req); err != nil {
			resp.Error = fmt.Sprintf("bad request: %v", err)
		} else {
			s.dispatch(&req, &resp)
		}
		resp.Factor = s.backend.CorrectionFactor()
		if err := enc.Encode(&resp); err != nil {
			s.logf(1, "schedrpc: write to %v failed: %v", conn.RemoteAddr(), err)
			return
		}
	}
	if err := scanner.Err(); err != nil && !s.closed.Load() {
		s.logf(1, "schedrpc: read from %v failed: %v", conn.RemoteAddr(), err)
	}
}

func (s *Server) dispatch(req *request, resp *response) {
	switch req.Method {
	case "submit":
		for _, rep := range req.Reports {
			s.backend.Submit(rep)
		}
	case "factor", "health":
		// Factor is attached to every response.
	case "bug":
		s.backend.ReportBug(req.BugID)
	case "state":
		snap := s.backend.Snapshot()
		resp.State = &snap
	default:
		resp.Error = fmt.Sprintf("unknown method %q", req.Method)
	}
}

// Close stops accepting connections, drops the persistent fuzzer
// connections and waits for in-flight handlers.
func (s *Server) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	err := s.ln.Close()
	s.connMu.Lock()
	for conn := range s.conns {
		conn.Close()
	}
	s.connMu.Unlock()
	s.wg.Wait()
	return err
}
