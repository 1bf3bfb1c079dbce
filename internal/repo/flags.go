package repo

import (
	"context"
	"time"

	"ladder/internal/domain"
)

// InsertReviewFlag stores f unless (category, maker) already has a flag
// after since, and reports whether it was stored.
func (r Repo) InsertReviewFlag(ctx context.Context, q Querier, f domain.ReviewFlag, since time.Time) (bool, error) {
	res, err := r.q(q).ExecContext(ctx, `INSERT INTO authority_review_flags(category,maker_id,count,flagged_at)
		SELECT ?,?,?,? WHERE NOT EXISTS (
			SELECT 1 FROM authority_review_flags WHERE category=? AND maker_id=? AND flagged_at>?)`,
		f.Category, f.MakerID, f.Count, domain.FormatTime(f.FlaggedAt),
		f.Category, f.MakerID, domain.FormatTime(since))
	if err != nil {
		return false, err
	}
	affected, _ := res.RowsAffected()
	return affected == 1, nil
}

func (r Repo) ListReviewFlags(ctx context.Context, q Querier) ([]domain.ReviewFlag, error) {
	rows, err := r.q(q).QueryContext(ctx, `SELECT category,maker_id,count,flagged_at FROM authority_review_flags ORDER BY flagged_at ASC, category ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.ReviewFlag
	for rows.Next() {
		var f domain.ReviewFlag
		var at string
		if err := rows.Scan(&f.Category, &f.MakerID, &f.Count, &at); err != nil {
			return nil, err
		}
		t, err := time.Parse(domain.TimeLayout, at)
		if err != nil {
			return nil, err
		}
		f.FlaggedAt = t
		res = append(res, f)
	}
	return res, rows.Err()
}
