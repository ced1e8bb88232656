package org

import (
	"bytes"
	"fmt"
	"os"
	"slices"
	"sort"
	"strings"

	"github.com/natefinch/atomic"
)

// WriteIDs stores generated identifiers in the org file as ":ID:" properties so
// that later runs see the same identifiers. ids maps heading line numbers
// (1-based, as in models.SourceLocation) to identifiers. Headings that already
// have a property drawer get the ID added to it; the others get a new drawer
// after their planning line.
func WriteIDs(path string, ids map[int]string) error {
	if len(ids) == 0 {
		return nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read org file: %w", err)
	}
	lines := strings.Split(string(data), "\n")

	targets := make([]int, 0, len(ids))
	for line := range ids {
		targets = append(targets, line)
	}
	// bottom-up, so insertions do not shift the lines still to be processed
	sort.Sort(sort.Reverse(sort.IntSlice(targets)))

	for _, line := range targets {
		idx := line - 1
		if idx < 0 || idx >= len(lines) || !headlineRe.MatchString(strings.TrimRight(lines[idx], " \t\r")) {
			return fmt.Errorf("%s:%d is no longer a heading; file changed during sync", path, line)
		}
		lines = insertID(lines, idx, ids[line])
	}

	if err := atomic.WriteFile(path, bytes.NewReader([]byte(strings.Join(lines, "\n")))); err != nil {
		return fmt.Errorf("failed to write org file: %w", err)
	}
	return nil
}

func insertID(lines []string, head int, id string) []string {
	at := head + 1
	indent := ""
	for at < len(lines) {
		trimmed := strings.TrimSpace(lines[at])
		if m := planningRe.FindStringSubmatch(trimmed); m != nil && strings.HasPrefix(trimmed, m[1]) {
			indent = lines[at][:len(lines[at])-len(strings.TrimLeft(lines[at], " \t"))]
			at++
			continue
		}
		break
	}

	if at < len(lines) && strings.EqualFold(strings.TrimSpace(lines[at]), ":PROPERTIES:") {
		indent = lines[at][:len(lines[at])-len(strings.TrimLeft(lines[at], " \t"))]
		return slices.Insert(lines, at+1, indent+":ID:       "+id)
	}
	return slices.Insert(lines, at, indent+":PROPERTIES:", indent+":ID:       "+id, indent+":END:")
}
