package org

import (
	"bytes"
	"crypto/sha256"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"orgcal/internal/models"
)

// Result is what one Load call produced.
type Result struct {
	Files    []string
	Entries  []models.ScheduleEntry
	Problems []error
}

type parsed struct {
	sum      [sha256.Size]byte
	entries  []models.ScheduleEntry
	problems []error
}

// Loader reads org files. It remembers the checksum of every file and re-parses
// only files whose content changed since the previous Load.
type Loader struct {
	parser *Parser
	logger *slog.Logger

	mu   sync.Mutex
	memo map[string]parsed
}

// NewLoader creates a Loader.
func NewLoader(parser *Parser, logger *slog.Logger) *Loader {
	if logger == nil {
		logger = slog.Default()
	}
	return &Loader{parser: parser, logger: logger, memo: make(map[string]parsed)}
}

// Load expands paths and parses every org file found. Missing paths are logged
// and skipped. An identifier that appears in more than one heading is kept on the
// first and reported for the others.
func (l *Loader) Load(paths []string) (*Result, error) {
	files, err := ExpandPaths(paths)
	if err != nil {
		l.logger.Warn("Some org paths could not be read", "error", err)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	res := &Result{Files: files}
	seen := make(map[string]models.SourceLocation)
	for _, file := range files {
		p, err := l.parseFile(file)
		if err != nil {
			return nil, err
		}
		res.Problems = append(res.Problems, p.problems...)
		for _, e := range p.entries {
			if e.ID != "" {
				if prev, dup := seen[e.ID]; dup {
					res.Problems = append(res.Problems, &models.ValidationError{
						Entry: e.Source,
						Title: e.Title,
						Err:   fmt.Errorf("identifier %q already used at %s", e.ID, prev),
					})
					continue
				}
				seen[e.ID] = e.Source
			}
			res.Entries = append(res.Entries, e)
		}
	}
	return res, nil
}

func (l *Loader) parseFile(file string) (parsed, error) {
	data, err := os.ReadFile(file)
	if err != nil {
		return parsed{}, fmt.Errorf("failed to read org file: %w", err)
	}
	sum := sha256.Sum256(data)
	if p, ok := l.memo[file]; ok && p.sum == sum {
		l.logger.Debug("Org file unchanged, reusing parse", "file", file)
		return parsed{sum: sum, entries: cloneEntries(p.entries), problems: p.problems}, nil
	}

	entries, problems := l.parser.Parse(bytes.NewReader(data), file)
	l.logger.Debug("Parsed org file", "file", file, "entries", len(entries), "problems", len(problems))
	p := parsed{sum: sum, entries: entries, problems: problems}
	l.memo[file] = p
	return parsed{sum: sum, entries: cloneEntries(entries), problems: problems}, nil
}

// cloneEntries copies the slice so callers can assign identifiers without
// touching the memo.
func cloneEntries(in []models.ScheduleEntry) []models.ScheduleEntry {
	return append([]models.ScheduleEntry(nil), in...)
}

// ExpandPaths resolves a mixed list of files and directories to org files.
// Directories contribute their *.org files (not recursively). "~/" is expanded.
// The returned error joins every path that could not be used; the file list is
// still valid.
func ExpandPaths(paths []string) ([]string, error) {
	var (
		files []string
		errs  []error
	)
	seen := make(map[string]bool)
	add := func(f string) {
		if !seen[f] {
			seen[f] = true
			files = append(files, f)
		}
	}

	for _, p := range paths {
		p, err := ExpandHome(p)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		info, err := os.Stat(p)
		if err != nil {
			errs = append(errs, fmt.Errorf("org path %s: %w", p, err))
			continue
		}
		if !info.IsDir() {
			if filepath.Ext(p) != ".org" {
				errs = append(errs, fmt.Errorf("org path %s: only .org files are supported", p))
				continue
			}
			add(p)
			continue
		}
		matches, err := filepath.Glob(filepath.Join(p, "*.org"))
		if err != nil {
			errs = append(errs, fmt.Errorf("org path %s: %w", p, err))
			continue
		}
		sort.Strings(matches)
		for _, m := range matches {
			add(m)
		}
	}
	return files, errors.Join(errs...)
}

// ExpandHome replaces a leading "~" with the home directory.
func ExpandHome(p string) (string, error) {
	if p != "~" && !strings.HasPrefix(p, "~/") {
		return p, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to expand %s: %w", p, err)
	}
	return filepath.Join(home, strings.TrimPrefix(p, "~")), nil
}
