package state

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// ErrLocked is returned when another run holds the namespace.
var ErrLocked = errors.New("state is locked by another run")

// Lock takes the run-level lock of ns in dir. The returned function releases it.
// A lock left behind by a crashed run must be removed by hand.
func Lock(dir, ns string) (func() error, error) {
	if err := checkNamespace(ns); err != nil {
		return nil, err
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create state directory: %w", err)
	}
	path := filepath.Join(dir, ns+".lock")
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if os.IsExist(err) {
		owner, _ := os.ReadFile(path)
		return nil, fmt.Errorf("%w: %s (pid %s)", ErrLocked, path, strings.TrimSpace(string(owner)))
	}
	if err != nil {
		return nil, fmt.Errorf("failed to create lock file: %w", err)
	}
	_, werr := f.WriteString(strconv.Itoa(os.Getpid()) + "\n")
	if cerr := f.Close(); werr == nil {
		werr = cerr
	}
	if werr != nil {
		os.Remove(path)
		return nil, fmt.Errorf("failed to write lock file: %w", werr)
	}
	return func() error {
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("failed to release lock: %w", err)
		}
		return nil
	}, nil
}
