// Package pidfile reads and writes the daemon's PID file. The file holds
// {"pid": N, "version": "..."}; older files containing only a bare integer
// are still accepted and report no version.
package pidfile

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// ErrNotExist is returned by Read when there is no PID file.
var ErrNotExist = errors.New("pid file does not exist")

// Info is the PID file payload. Version is nil for legacy files.
type Info struct {
	PID     int     `json:"pid"`
	Version *string `json:"version"`
}

// Write atomically records pid and version at path.
func Write(path string, pid int, version string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("creating pid file directory: %w", err)
	}
	data, err := json.Marshal(Info{PID: pid, Version: &version})
	if err != nil {
		return fmt.Errorf("encoding pid file: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), ".taskd-pid-*")
	if err != nil {
		return fmt.Errorf("creating temp pid file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("writing pid file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("closing pid file: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("renaming pid file: %w", err)
	}
	return nil
}

// Read parses the PID file at path.
func Read(path string) (Info, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return Info{}, ErrNotExist
		}
		return Info{}, fmt.Errorf("reading pid file: %w", err)
	}
	return Parse(data)
}

// Parse decodes either the JSON form or a bare integer.
func Parse(data []byte) (Info, error) {
	text := strings.TrimSpace(string(data))
	if text == "" {
		return Info{}, errors.New("pid file is empty")
	}

	if pid, err := strconv.Atoi(text); err == nil {
		if pid <= 0 {
			return Info{}, fmt.Errorf("invalid pid %d", pid)
		}
		return Info{PID: pid}, nil
	}

	var info Info
	if err := json.Unmarshal([]byte(text), &info); err != nil {
		return Info{}, fmt.Errorf("parsing pid file: %w", err)
	}
	if info.PID <= 0 {
		return Info{}, fmt.Errorf("invalid pid %d", info.PID)
	}
	return info, nil
}

// Remove deletes the PID file; a missing file is not an error.
func Remove(path string) error {
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("removing pid file: %w", err)
	}
	return nil
}
