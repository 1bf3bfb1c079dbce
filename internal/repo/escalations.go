package repo

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"ladder/internal/domain"
)

const escalationColumns = `id,issue_id,task_id,session_id,origin_id,category,required_level,urgency,issue,recommendation,impact,attempts_json,chain_json,holder_id,holder_deadline,status,opened_at,closed_at,resolution_id,version`

func scanEscalation(row rowScanner) (domain.Escalation, error) {
	var e domain.Escalation
	var taskID, sessionID, rec, impact, attempts, chain, closed, resolution sql.NullString
	var deadline, opened string
	err := row.Scan(&e.ID, &e.IssueID, &taskID, &sessionID, &e.OriginID, &e.Category, &e.RequiredLevel, &e.Urgency,
		&e.Issue, &rec, &impact, &attempts, &chain, &e.HolderID, &deadline, &e.Status, &opened, &closed, &resolution, &e.Version)
	if err == sql.ErrNoRows {
		return e, ErrNotFound
	}
	if err != nil {
		return e, err
	}
	e.TaskID = taskID.String
	e.SessionID = sessionID.String
	e.Recommendation = rec.String
	e.Impact = impact.String
	e.ResolutionID = resolution.String
	if e.AttemptsMade, err = unmarshalStrings(attempts); err != nil {
		return e, err
	}
	if e.Chain, err = unmarshalStrings(chain); err != nil {
		return e, err
	}
	if e.HolderDeadline, err = domain.ParseTime(deadline); err != nil {
		return e, err
	}
	if e.OpenedAt, err = domain.ParseTime(opened); err != nil {
		return e, err
	}
	if e.ClosedAt, err = parseNullTime(closed); err != nil {
		return e, err
	}
	return e, nil
}

func (r Repo) InsertEscalation(ctx context.Context, q Querier, e domain.Escalation) error {
	attempts, err := marshalJSON(e.AttemptsMade)
	if err != nil {
		return err
	}
	chain, err := marshalJSON(e.Chain)
	if err != nil {
		return err
	}
	_, err = r.q(q).ExecContext(ctx, `INSERT INTO escalations(`+escalationColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		e.ID, e.IssueID, nullable(e.TaskID), nullable(e.SessionID), e.OriginID, e.Category, e.RequiredLevel, e.Urgency,
		e.Issue, nullable(e.Recommendation), nullable(e.Impact), attempts, chain, e.HolderID,
		domain.FormatTime(e.HolderDeadline), e.Status, domain.FormatTime(e.OpenedAt), nullableTime(e.ClosedAt),
		nullable(e.ResolutionID), e.Version)
	return err
}

// UpdateEscalation writes holder, chain and status when the stored version
// equals expected. A mismatch returns a ConflictError.
func (r Repo) UpdateEscalation(ctx context.Context, q Querier, e domain.Escalation, expected int) error {
	q = r.q(q)
	chain, err := marshalJSON(e.Chain)
	if err != nil {
		return err
	}
	res, err := q.ExecContext(ctx, `UPDATE escalations SET chain_json=?,holder_id=?,holder_deadline=?,status=?,closed_at=?,resolution_id=?,version=? WHERE id=? AND version=?`,
		chain, e.HolderID, domain.FormatTime(e.HolderDeadline), e.Status, nullableTime(e.ClosedAt),
		nullable(e.ResolutionID), e.Version, e.ID, expected)
	if err != nil {
		return err
	}
	affected, _ := res.RowsAffected()
	if affected == 1 {
		return nil
	}
	var actual int
	err = q.QueryRowContext(ctx, `SELECT version FROM escalations WHERE id=?`, e.ID).Scan(&actual)
	if err == sql.ErrNoRows {
		return domain.NotFoundError{Kind: "escalation", ID: e.ID}
	}
	if err != nil {
		return err
	}
	return domain.ConflictError{Kind: "escalation", ID: e.ID, Expected: expected, Actual: actual}
}

// MarkUnresolved moves an active escalation to unresolved. It reports whether
// this call performed the transition, so the caller notifies exactly once.
func (r Repo) MarkUnresolved(ctx context.Context, q Querier, id string, at time.Time) (bool, error) {
	res, err := r.q(q).ExecContext(ctx, `UPDATE escalations SET status=?,closed_at=?,notified_at=?,version=version+1 WHERE id=? AND status IN ('open','in_progress')`,
		domain.EscalationUnresolved, domain.FormatTime(at), domain.FormatTime(at), id)
	if err != nil {
		return false, err
	}
	affected, _ := res.RowsAffected()
	return affected == 1, nil
}

func (r Repo) GetEscalation(ctx context.Context, q Querier, id string) (domain.Escalation, error) {
	e, err := scanEscalation(r.q(q).QueryRowContext(ctx, `SELECT `+escalationColumns+` FROM escalations WHERE id=?`, id))
	if err == ErrNotFound {
		return e, domain.NotFoundError{Kind: "escalation", ID: id}
	}
	return e, err
}

type EscalationFilters struct {
	Status    string
	HolderID  string
	OriginID  string
	TaskID    string
	SessionID string
	Category  string
	Active    bool
	Limit     int
}

func (r Repo) ListEscalations(ctx context.Context, q Querier, f EscalationFilters) ([]domain.Escalation, error) {
	var clauses []string
	var args []any
	if f.Status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, f.Status)
	}
	if f.Active {
		clauses = append(clauses, "status IN ('open','in_progress')")
	}
	if f.HolderID != "" {
		clauses = append(clauses, "holder_id=?")
		args = append(args, f.HolderID)
	}
	if f.OriginID != "" {
		clauses = append(clauses, "origin_id=?")
		args = append(args, f.OriginID)
	}
	if f.TaskID != "" {
		clauses = append(clauses, "task_id=?")
		args = append(args, f.TaskID)
	}
	if f.SessionID != "" {
		clauses = append(clauses, "session_id=?")
		args = append(args, f.SessionID)
	}
	if f.Category != "" {
		clauses = append(clauses, "category=?")
		args = append(args, f.Category)
	}
	where := ""
	if len(clauses) > 0 {
		where = "WHERE " + strings.Join(clauses, " AND ")
	}
	query := fmt.Sprintf(`SELECT %s FROM escalations %s ORDER BY seq ASC`, escalationColumns, where)
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	return r.queryEscalations(ctx, r.q(q), query, args...)
}

// ExpiredEscalations lists active escalations whose holder deadline is at or before now.
func (r Repo) ExpiredEscalations(ctx context.Context, q Querier, now time.Time) ([]domain.Escalation, error) {
	return r.queryEscalations(ctx, r.q(q), `SELECT `+escalationColumns+` FROM escalations
		WHERE status IN ('open','in_progress') AND holder_deadline <= ?
		ORDER BY holder_deadline ASC, seq ASC`, domain.FormatTime(now))
}

func (r Repo) queryEscalations(ctx context.Context, q Querier, query string, args ...any) ([]domain.Escalation, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Escalation
	for rows.Next() {
		e, err := scanEscalation(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	return res, rows.Err()
}
