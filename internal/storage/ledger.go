package storage

import (
	"context"
	"database/sql"
	"time"
)

// Inbound execution statuses.
const (
	ExecInProgress = "in_progress"
	ExecCompleted  = "completed"
	ExecFailed     = "failed"
)

// InboundExecution is the effectively-once ledger row for one inbound
// message id.
type InboundExecution struct {
	MessageID       string
	Status          string
	StartedAt       time.Time
	FinishedAt      *time.Time
	ResultContent   string
	OutboundID      string
	OutboundSkipped bool
}

// BeginDecision is the outcome of a BeginInboundExecution gate.
type BeginDecision string

const (
	// BeginFresh means the caller owns the execution and should run the agent.
	BeginFresh BeginDecision = "fresh"
	// BeginCompleted means a prior delivery finished; re-emit its outbound
	// instead of re-running.
	BeginCompleted BeginDecision = "completed"
	// BeginBusy means another execution is in flight and not yet stale.
	BeginBusy BeginDecision = "busy"
)

// BeginInboundExecution claims the ledger entry for a message id. A prior
// in_progress row older than staleAfter is treated as a crashed run and
// taken over; failed rows are always retried.
func (s *Store) BeginInboundExecution(ctx context.Context, messageID string, staleAfter time.Duration) (BeginDecision, *InboundExecution, error) {
	now := s.now()
	decision := BeginFresh
	var existing *InboundExecution

	err := s.withTx(ctx, func(tx *sql.Tx) error {
		row := tx.QueryRowContext(ctx,
			`SELECT message_id, status, started_at, finished_at, result_content, outbound_id, outbound_skipped
			 FROM inbound_executions WHERE message_id = ?`, messageID)
		exec, err := scanInboundExecution(row)
		if err != nil && err != sql.ErrNoRows {
			return err
		}

		if exec != nil {
			switch exec.Status {
			case ExecCompleted:
				decision = BeginCompleted
				existing = exec
				return nil
			case ExecInProgress:
				if now.Sub(exec.StartedAt) < staleAfter {
					decision = BeginBusy
					existing = exec
					return nil
				}
			}
			_, err := tx.ExecContext(ctx,
				`UPDATE inbound_executions SET status = ?, started_at = ?, finished_at = NULL WHERE message_id = ?`,
				ExecInProgress, ms(now), messageID)
			return err
		}

		_, err = tx.ExecContext(ctx,
			`INSERT INTO inbound_executions (message_id, status, started_at) VALUES (?, ?, ?)`,
			messageID, ExecInProgress, ms(now))
		return err
	})
	if err != nil {
		return "", nil, err
	}
	return decision, existing, nil
}

// CompleteInboundExecution records a finished run with its result and the
// deterministic outbound id it published (or skipped).
func (s *Store) CompleteInboundExecution(ctx context.Context, messageID, resultContent, outboundID string, outboundSkipped bool) error {
	skipped := 0
	if outboundSkipped {
		skipped = 1
	}
	_, err := s.db.ExecContext(ctx,
		`UPDATE inbound_executions SET status = ?, finished_at = ?, result_content = ?, outbound_id = ?, outbound_skipped = ?
		 WHERE message_id = ?`,
		ExecCompleted, ms(s.now()), resultContent, outboundID, skipped, messageID)
	return err
}

// FailInboundExecution marks a run failed so a later delivery retries it.
func (s *Store) FailInboundExecution(ctx context.Context, messageID string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE inbound_executions SET status = ?, finished_at = ? WHERE message_id = ?`,
		ExecFailed, ms(s.now()), messageID)
	return err
}

// GetInboundExecution fetches a ledger row.
func (s *Store) GetInboundExecution(ctx context.Context, messageID string) (*InboundExecution, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT message_id, status, started_at, finished_at, result_content, outbound_id, outbound_skipped
		 FROM inbound_executions WHERE message_id = ?`, messageID)
	exec, err := scanInboundExecution(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return exec, nil
}

func scanInboundExecution(row rowScanner) (*InboundExecution, error) {
	var e InboundExecution
	var startedAt int64
	var finishedAt sql.NullInt64
	var skipped int
	if err := row.Scan(&e.MessageID, &e.Status, &startedAt, &finishedAt,
		&e.ResultContent, &e.OutboundID, &skipped); err != nil {
		return nil, err
	}
	e.StartedAt = fromMs(startedAt)
	e.FinishedAt = fromMsPtr(finishedAt)
	e.OutboundSkipped = skipped != 0
	return &e, nil
}
