package repository

import (
	"context"
	"database/sql"
	"encoding/json"

	"github.com/shopmindai/pingpongbot/internal/apperr"
)

// FailedOperationsRepo records operations the retry harness gave up
// on, for operator triage. Nothing in the engine reads this table back.
type FailedOperationsRepo struct{}

func NewFailedOperationsRepo() *FailedOperationsRepo { return &FailedOperationsRepo{} }

// Record writes one dead-letter row, best-effort: callers should log
// rather than propagate a failure from this call.
func (r *FailedOperationsRepo) Record(ctx context.Context, q Querier, op string, groupID *int64, payload interface{}, lastErr error, attempts int) error {
	const selfOp = "FailedOperationsRepo.Record"

	payloadJSON, err := json.Marshal(payload)
	if err != nil {
		return apperr.New(apperr.Permanent, selfOp, err)
	}

	var lastErrText string
	if lastErr != nil {
		lastErrText = lastErr.Error()
	}

	_, err = q.ExecContext(ctx, `
		INSERT INTO failed_operations (op, group_id, payload, last_error, attempts, created_at)
		VALUES ($1, $2, $3, $4, $5, now())
	`, op, nullableInt64(groupID), payloadJSON, lastErrText, attempts)
	if err != nil {
		return apperr.New(apperr.Permanent, selfOp, err)
	}
	return nil
}

func nullableInt64(v *int64) sql.NullInt64 {
	if v == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: *v, Valid: true}
}
