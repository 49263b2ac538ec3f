package store

import (
	"context"
	"fmt"

	"github.com/roach88/busprobe/internal/ir"
)

// Mismatch is a stored event whose content no longer hashes to its digest.
type Mismatch struct {
	Seq      int64
	Stored   string
	Computed string
}

// Verify recomputes the digest of every stored event of a run and returns
// the rows that do not match. An empty result means the trace is intact.
func (s *Store) Verify(ctx context.Context, runID string) ([]Mismatch, error) {
	if _, err := s.ReadRun(ctx, runID); err != nil {
		return nil, err
	}
	rows, err := s.ReadEvents(ctx, runID)
	if err != nil {
		return nil, fmt.Errorf("verify %s: %w", runID, err)
	}

	var mismatches []Mismatch
	for _, row := range rows {
		ev, err := row.Event()
		if err != nil {
			return nil, fmt.Errorf("verify %s: event %d: %w", runID, row.Seq, err)
		}
		digest, err := ir.EventDigest(ev)
		if err != nil {
			return nil, fmt.Errorf("verify %s: event %d: %w", runID, row.Seq, err)
		}
		if digest != row.Digest {
			mismatches = append(mismatches, Mismatch{Seq: row.Seq, Stored: row.Digest, Computed: digest})
		}
	}
	return mismatches, nil
}
