// Package maintenance implements bounded retention pruning of old
// runs, their items and their log events (spec §4.7). Candidates are
// claimed in small batches with SELECT ... FOR UPDATE SKIP LOCKED so a
// prune job never blocks concurrent report ingestion or another prune
// worker, following the same leasing discipline as the ledger's queue
// drain.
package maintenance

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/lib/pq"
)

// Plan describes what Prune would do (or did, if DryRun is false).
type Plan struct {
	CandidateRunIDs []string
	RunsDeleted     int
	ItemsDeleted    int
	LogsDeleted     int
	DryRun          bool
}

// Pruner deletes old runs in small transactional batches.
type Pruner struct {
	db *sql.DB
}

// NewPruner builds a Pruner.
func NewPruner(db *sql.DB) *Pruner {
	return &Pruner{db: db}
}

const candidateQuery = `
SELECT r.id FROM runs r
WHERE r.created_at < $1
AND r.id NOT IN (
	SELECT id FROM (
		SELECT id, ROW_NUMBER() OVER (PARTITION BY device_id ORDER BY created_at DESC) AS rn
		FROM runs
	) ranked WHERE rn <= $2
)
ORDER BY r.created_at ASC
LIMIT $3
FOR UPDATE SKIP LOCKED`

// Prune deletes runs older than keepDays whose device already has at
// least keepRunsPerDevice more recent runs, processing batchSize rows
// per transaction until no candidates remain. DryRun deletes nothing
// and stops after the first batch, so it reports at most batchSize
// candidate run ids.
func (p *Pruner) Prune(ctx context.Context, keepDays, keepRunsPerDevice, batchSize int, dryRun bool) (Plan, error) {
	cutoff := time.Now().UTC().AddDate(0, 0, -keepDays)
	plan := Plan{DryRun: dryRun}

	for {
		ids, runsDeleted, itemsDeleted, logsDeleted, err := p.pruneBatch(ctx, cutoff, keepRunsPerDevice, batchSize, dryRun)
		if err != nil {
			return plan, err
		}
		plan.CandidateRunIDs = append(plan.CandidateRunIDs, ids...)
		plan.RunsDeleted += runsDeleted
		plan.ItemsDeleted += itemsDeleted
		plan.LogsDeleted += logsDeleted

		if len(ids) < batchSize || dryRun {
			break
		}
	}
	return plan, nil
}

func (p *Pruner) pruneBatch(ctx context.Context, cutoff time.Time, keepRunsPerDevice, batchSize int, dryRun bool) (ids []string, runsDeleted, itemsDeleted, logsDeleted int, err error) {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, 0, 0, 0, fmt.Errorf("maintenance: begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	rows, err := tx.QueryContext(ctx, candidateQuery, cutoff, keepRunsPerDevice, batchSize)
	if err != nil {
		return nil, 0, 0, 0, fmt.Errorf("maintenance: select candidates: %w", err)
	}
	for rows.Next() {
		var id string
		if scanErr := rows.Scan(&id); scanErr != nil {
			_ = rows.Close()
			return nil, 0, 0, 0, fmt.Errorf("maintenance: scan candidate: %w", scanErr)
		}
		ids = append(ids, id)
	}
	if closeErr := rows.Close(); closeErr != nil {
		return nil, 0, 0, 0, fmt.Errorf("maintenance: close candidate rows: %w", closeErr)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, 0, 0, fmt.Errorf("maintenance: iterate candidates: %w", err)
	}

	if len(ids) == 0 || dryRun {
		return ids, 0, 0, 0, nil
	}

	logRes, err := tx.ExecContext(ctx, `DELETE FROM log_events WHERE run_id = ANY($1)`, pq.Array(ids))
	if err != nil {
		return nil, 0, 0, 0, fmt.Errorf("maintenance: delete log_events: %w", err)
	}
	logsDeletedN, _ := logRes.RowsAffected()

	itemRes, err := tx.ExecContext(ctx, `DELETE FROM run_items WHERE run_id = ANY($1)`, pq.Array(ids))
	if err != nil {
		return nil, 0, 0, 0, fmt.Errorf("maintenance: delete run_items: %w", err)
	}
	itemsDeletedN, _ := itemRes.RowsAffected()

	runRes, err := tx.ExecContext(ctx, `DELETE FROM runs WHERE id = ANY($1)`, pq.Array(ids))
	if err != nil {
		return nil, 0, 0, 0, fmt.Errorf("maintenance: delete runs: %w", err)
	}
	runsDeletedN, _ := runRes.RowsAffected()

	if err := tx.Commit(); err != nil {
		return nil, 0, 0, 0, fmt.Errorf("maintenance: commit tx: %w", err)
	}
	return ids, int(runsDeletedN), int(itemsDeletedN), int(logsDeletedN), nil
}
