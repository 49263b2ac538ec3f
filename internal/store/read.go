package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

const runColumns = `id, scenario, pass, failure_code, errors, digest, started_at, duration_ms`

// ReadRuns returns stored runs, oldest first. An empty scenario returns runs
// of every scenario.
//
// Returns an empty slice (not nil) if nothing is stored.
func (s *Store) ReadRuns(ctx context.Context, scenario string) ([]Run, error) {
	query := `SELECT ` + runColumns + ` FROM runs`
	var args []any
	if scenario != "" {
		query += ` WHERE scenario = ?`
		args = append(args, scenario)
	}
	query += ` ORDER BY started_at ASC, id COLLATE BINARY ASC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query runs: %w", err)
	}
	defer rows.Close()

	runs := []Run{}
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate runs: %w", err)
	}
	return runs, nil
}

// ReadRun returns one run. Returns ErrRunNotFound if no run has the id.
func (s *Store) ReadRun(ctx context.Context, id string) (Run, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+runColumns+` FROM runs WHERE id = ?`, id)
	run, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Run{}, fmt.Errorf("read run %s: %w", id, ErrRunNotFound)
	}
	if err != nil {
		return Run{}, fmt.Errorf("read run %s: %w", id, err)
	}
	return run, nil
}

// ReadEvents returns the events of a run ordered by seq.
//
// Returns an empty slice (not nil) if the run has no events.
func (s *Store) ReadEvents(ctx context.Context, runID string) ([]EventRow, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT run_id, seq, kind, interface, member, path, sender, destination,
		       serial, reply_serial, error_name, args, consumed, forbidden, digest
		FROM events
		WHERE run_id = ?
		ORDER BY seq ASC
	`, runID)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer rows.Close()

	events := []EventRow{}
	for rows.Next() {
		var (
			ev                  EventRow
			argsJSON            string
			consumed, forbidden int
		)
		err := rows.Scan(
			&ev.RunID, &ev.Seq, &ev.Kind, &ev.Interface, &ev.Member, &ev.Path,
			&ev.Sender, &ev.Destination, &ev.Serial, &ev.ReplySerial, &ev.ErrorName,
			&argsJSON, &consumed, &forbidden, &ev.Digest,
		)
		if err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		ev.Args, err = unmarshalArgs(argsJSON)
		if err != nil {
			return nil, fmt.Errorf("event %d: %w", ev.Seq, err)
		}
		ev.Consumed = consumed != 0
		ev.Forbidden = forbidden != 0
		events = append(events, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate events: %w", err)
	}
	return events, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRun(row scanner) (Run, error) {
	var (
		run        Run
		pass       int
		errorsJSON string
		startedAt  string
		durationMS int64
	)
	err := row.Scan(
		&run.ID, &run.Scenario, &pass, &run.FailureCode,
		&errorsJSON, &run.Digest, &startedAt, &durationMS,
	)
	if err != nil {
		return Run{}, err
	}
	run.Pass = pass != 0
	run.Duration = time.Duration(durationMS) * time.Millisecond
	if run.Errors, err = unmarshalStrings(errorsJSON); err != nil {
		return Run{}, err
	}
	if run.StartedAt, err = time.Parse(time.RFC3339Nano, startedAt); err != nil {
		return Run{}, fmt.Errorf("parse started_at: %w", err)
	}
	return run, nil
}
