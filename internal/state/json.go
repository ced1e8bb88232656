package state

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/natefinch/atomic"
)

// JSONStore keeps one JSON document per namespace in a directory. The ledger
// lives next to it in <namespace>.ledger, one id per line, so that losing the
// document never loses identifiers.
type JSONStore struct {
	dir    string
	logger *slog.Logger
}

// NewJSONStore creates a store writing <dir>/<namespace>.json.
func NewJSONStore(dir string, logger *slog.Logger) *JSONStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &JSONStore{dir: dir, logger: logger}
}

func (s *JSONStore) path(ns string) string {
	return filepath.Join(s.dir, ns+".json")
}

func (s *JSONStore) ledgerPath(ns string) string {
	return filepath.Join(s.dir, ns+".ledger")
}

// corruptFile is an unreadable state document.
type corruptFile struct {
	path  string
	cause error
}

func (e *corruptFile) Error() string {
	return fmt.Sprintf("%v: %s: %v", ErrCorrupt, e.path, e.cause)
}

func (e *corruptFile) Unwrap() error { return ErrCorrupt }

// Load returns the saved snapshot. A corrupt document is moved aside and the
// snapshot comes back with an empty cache but the full ledger.
func (s *JSONStore) Load(ctx context.Context, ns string) (*Snapshot, error) {
	snap, err := s.read(ns)
	var corrupt *corruptFile
	if errors.As(err, &corrupt) {
		return snap, s.quarantine(corrupt)
	}
	return snap, err
}

func (s *JSONStore) Peek(ctx context.Context, ns string) (*Snapshot, error) {
	return s.read(ns)
}

func (s *JSONStore) read(ns string) (*Snapshot, error) {
	if err := checkNamespace(ns); err != nil {
		return nil, err
	}
	ledger, err := s.readLedger(ns)
	if err != nil {
		return nil, err
	}
	cold := Empty()
	cold.Ledger = ledger

	path := s.path(ns)
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		s.logger.Info("No state file found, starting fresh.", "file", path)
		return cold, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read state file: %w", err)
	}

	snap := Empty()
	if err := json.Unmarshal(data, snap); err != nil {
		return cold, &corruptFile{path: path, cause: err}
	}
	if snap.Version != SchemaVersion {
		return cold, &corruptFile{path: path, cause: fmt.Errorf("unsupported version %d", snap.Version)}
	}
	if snap.Records == nil {
		snap.Records = Empty().Records
	}
	// Older documents carried the ledger inline.
	snap.Ledger = mergeLedger(ledger, snap.Ledger)
	return snap, nil
}

func (s *JSONStore) readLedger(ns string) ([]string, error) {
	data, err := os.ReadFile(s.ledgerPath(ns))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read ledger file: %w", err)
	}
	var ids []string
	for _, line := range strings.Split(string(data), "\n") {
		if id := strings.TrimSpace(line); id != "" {
			ids = append(ids, id)
		}
	}
	return ids, nil
}

// quarantine moves a corrupt document aside so the next save does not lose it.
func (s *JSONStore) quarantine(corrupt *corruptFile) error {
	aside := fmt.Sprintf("%s.corrupt-%d", corrupt.path, time.Now().Unix())
	if err := os.Rename(corrupt.path, aside); err != nil {
		s.logger.Warn("Failed to move corrupt state aside", "file", corrupt.path, "error", err)
		aside = ""
	}
	return fmt.Errorf("%w (moved to %q)", corrupt, aside)
}

// Save writes the ledger first, as the union of what is on disk and
// snap.Ledger, then the cache document.
func (s *JSONStore) Save(ctx context.Context, ns string, snap *Snapshot) error {
	if err := checkNamespace(ns); err != nil {
		return err
	}
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return fmt.Errorf("failed to create state directory: %w", err)
	}

	onDisk, err := s.readLedger(ns)
	if err != nil {
		return err
	}
	if ledger := mergeLedger(onDisk, snap.Ledger); len(ledger) > len(onDisk) {
		data := strings.Join(ledger, "\n") + "\n"
		if err := atomic.WriteFile(s.ledgerPath(ns), strings.NewReader(data)); err != nil {
			return fmt.Errorf("failed to write ledger file: %w", err)
		}
	}

	out := *snap
	out.Version = SchemaVersion
	out.SavedAt = time.Now().UTC()
	out.Ledger = nil
	data, err := json.MarshalIndent(&out, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal state: %w", err)
	}
	if err := atomic.WriteFile(s.path(ns), bytes.NewReader(data)); err != nil {
		return fmt.Errorf("failed to write state file: %w", err)
	}
	return nil
}

func (s *JSONStore) Close() error { return nil }
