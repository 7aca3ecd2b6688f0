// Copyright 2025 t-scheduler project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

package export

import (
	"encoding/json"
	"fmt"
	"os"
)

// WriteState flushes the final scheduler state as JSON for reproducibility
// analysis. Written via a temp file and rename so a crash mid-write never
// leaves a truncated state file.
func WriteState(path string, state any) error {
	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal scheduler state: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("failed to write scheduler state: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to publish scheduler state: %w", err)
	}
	return nil
}
