package dpm

import (
	"context"
	"fmt"
)

// FileDiff is the unsynced change to one file.
type FileDiff struct {
	Filename string
	Diff     string
}

// Diff returns unified diffs of every pending main-workspace change against
// the latest committed version. With files given, only those are diffed.
func (s *DPMService) Diff(ctx context.Context, files []string) ([]*FileDiff, error) {
	ws, err := s.workspace()
	if err != nil {
		return nil, err
	}
	latest, err := s.LatestSnapshots()
	if err != nil {
		return nil, err
	}
	pending, err := s.pendingChanges(ctx, ws, latest, files)
	if err != nil {
		return nil, err
	}

	var diffs []*FileDiff
	for _, p := range pending {
		var before []byte
		fromName := "/dev/null"
		if v, ok := latest[p.Filename]; ok {
			if before, err = s.pkg.Snapshots.ReadAt(ctx, p.Filename, v); err != nil {
				return nil, fmt.Errorf("reading %s at %s: %w", p.Filename, v, err)
			}
			fromName = p.Filename + "@" + v.String()
		}
		toName := p.Filename
		if p.Deleted {
			toName = "/dev/null"
		}

		text, err := UnifiedDiff(before, p.Content, fromName, toName)
		if err != nil {
			return nil, err
		}
		if text == "" {
			continue
		}
		diffs = append(diffs, &FileDiff{Filename: p.Filename, Diff: text})
	}
	return diffs, nil
}

// GetHistory returns the most recent operations, ordered newest first.
func (s *DPMService) GetHistory(limit int) ([]*Operation, error) {
	ops, err := s.database.ListOperations(limit)
	if err != nil {
		return nil, fmt.Errorf("listing operations: %w", err)
	}
	return ops, nil
}
