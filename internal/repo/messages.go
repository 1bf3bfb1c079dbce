package repo

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"ladder/internal/domain"
)

// MarkProcessed records a consumed message id. It reports false when the id
// was already recorded, in which case the caller must not apply the message.
func (r Repo) MarkProcessed(ctx context.Context, q Querier, messageID, taskID string, at time.Time, envelope []byte) (bool, error) {
	res, err := r.q(q).ExecContext(ctx, `INSERT OR IGNORE INTO processed_messages(message_id,task_id,processed_at,envelope) VALUES (?,?,?,?)`,
		messageID, nullable(taskID), domain.FormatTime(at), envelope)
	if err != nil {
		return false, err
	}
	affected, _ := res.RowsAffected()
	return affected == 1, nil
}

func (r Repo) IsProcessed(ctx context.Context, q Querier, messageID string) (bool, error) {
	var n int
	if err := r.q(q).QueryRowContext(ctx, `SELECT count(*) FROM processed_messages WHERE message_id=?`, messageID).Scan(&n); err != nil {
		return false, err
	}
	return n > 0, nil
}

// ProcessedEnvelope returns the archived encoded message for messageID.
func (r Repo) ProcessedEnvelope(ctx context.Context, q Querier, messageID string) ([]byte, error) {
	var data []byte
	err := r.q(q).QueryRowContext(ctx, `SELECT envelope FROM processed_messages WHERE message_id=?`, messageID).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.NotFoundError{Kind: "message", ID: messageID}
	}
	return data, err
}
