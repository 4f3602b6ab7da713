// Package util writes small state files atomically.
package util

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"

	"github.com/natefinch/atomic"
	xdr "github.com/nullstyle/go-xdr/xdr3"
)

// Persist stores v XDR encoded, readable by the owner only. It may hold
// key material.
func Persist(filename string, v any) error {
	var w bytes.Buffer
	if _, err := xdr.Marshal(&w, v); err != nil {
		return fmt.Errorf("serializing %s: %w", filename, err)
	}
	if err := atomic.WriteFile(filename, &w); err != nil {
		return fmt.Errorf("writing %s: %w", filename, err)
	}
	return os.Chmod(filename, 0o600)
}

// Load decodes a file written by Persist. A missing file matches
// os.ErrNotExist.
func Load(filename string, v any) error {
	data, err := os.ReadFile(filename) //#nosec G304
	if err != nil {
		return fmt.Errorf("loading %s: %w", filename, err)
	}
	if _, err := xdr.Unmarshal(bytes.NewReader(data), v); err != nil {
		return fmt.Errorf("deserializing %s: %w", filename, err)
	}
	return nil
}

// WriteJSON replaces filename with the indented JSON encoding of v.
func WriteJSON(filename string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("serializing %s: %w", filename, err)
	}
	if err := atomic.WriteFile(filename, bytes.NewReader(append(data, '\n'))); err != nil {
		return fmt.Errorf("writing %s: %w", filename, err)
	}
	return nil
}
