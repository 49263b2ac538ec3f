package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/roach88/busprobe/internal/eventlog"
	"github.com/roach88/busprobe/internal/ir"
)

// WriteRun stores a run and its event history in one transaction.
// Uses ON CONFLICT DO NOTHING for idempotency - writing the same run id
// twice keeps the first write.
//
// Event args are serialized to canonical JSON and every event row carries
// its ir.EventDigest.
func (s *Store) WriteRun(ctx context.Context, run Run, history []eventlog.Record) error {
	errorsJSON, err := marshalStrings(run.Errors)
	if err != nil {
		return fmt.Errorf("write run: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("write run: begin: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	res, err := tx.ExecContext(ctx, `
		INSERT INTO runs
		(id, scenario, pass, failure_code, errors, digest, started_at, duration_ms)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO NOTHING
	`,
		run.ID,
		run.Scenario,
		boolToInt(run.Pass),
		run.FailureCode,
		errorsJSON,
		run.Digest,
		run.StartedAt.UTC().Format(time.RFC3339Nano),
		run.Duration.Milliseconds(),
	)
	if err != nil {
		return fmt.Errorf("write run: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		// Already stored.
		return nil
	}

	for _, rec := range history {
		if err := writeEvent(ctx, tx, run.ID, rec); err != nil {
			return fmt.Errorf("write run: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("write run: commit: %w", err)
	}
	return nil
}

func writeEvent(ctx context.Context, tx *sql.Tx, runID string, rec eventlog.Record) error {
	ev := rec.Event
	argsJSON, err := marshalArgs(ev.Args)
	if err != nil {
		return fmt.Errorf("event %d: %w", ev.Seq, err)
	}
	digest, err := ir.EventDigest(ev)
	if err != nil {
		return fmt.Errorf("event %d: %w", ev.Seq, err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO events
		(run_id, seq, kind, interface, member, path, sender, destination,
		 serial, reply_serial, error_name, args, consumed, forbidden, digest)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT DO NOTHING
	`,
		runID,
		ev.Seq,
		ev.Kind.String(),
		ev.Interface,
		ev.Member,
		ev.Path,
		ev.Sender,
		ev.Destination,
		ev.Serial,
		ev.ReplySerial,
		ev.ErrorName,
		argsJSON,
		boolToInt(rec.Consumed),
		boolToInt(rec.Forbidden),
		digest,
	)
	if err != nil {
		return fmt.Errorf("event %d: %w", ev.Seq, err)
	}
	return nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
