package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"

	"ladder/internal/domain"
)

const taskColumns = `id,type,category,title,creator_id,assignee_id,status,priority,due_at,context_json,feedback,version,escalated_from,escalation_id,created_at,updated_at,completed_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(row rowScanner) (domain.Task, error) {
	var t domain.Task
	var assignee, due, ctxJSON, feedback, escFrom, escID, completed sql.NullString
	var created, updated string
	err := row.Scan(&t.ID, &t.Type, &t.Category, &t.Title, &t.CreatorID, &assignee, &t.Status, &t.Priority,
		&due, &ctxJSON, &feedback, &t.Version, &escFrom, &escID, &created, &updated, &completed)
	if err == sql.ErrNoRows {
		return t, ErrNotFound
	}
	if err != nil {
		return t, err
	}
	t.AssigneeID = assignee.String
	t.Feedback = feedback.String
	t.EscalatedFrom = domain.TaskStatus(escFrom.String)
	t.EscalationID = escID.String
	if t.DueAt, err = parseNullTime(due); err != nil {
		return t, err
	}
	if t.CompletedAt, err = parseNullTime(completed); err != nil {
		return t, err
	}
	if t.CreatedAt, err = domain.ParseTime(created); err != nil {
		return t, err
	}
	if t.UpdatedAt, err = domain.ParseTime(updated); err != nil {
		return t, err
	}
	if ctxJSON.Valid && ctxJSON.String != "" && ctxJSON.String != "null" {
		if err := json.Unmarshal([]byte(ctxJSON.String), &t.Context); err != nil {
			return t, fmt.Errorf("task %s context: %w", t.ID, err)
		}
	}
	return t, nil
}

func (r Repo) InsertTask(ctx context.Context, q Querier, t domain.Task) error {
	q = r.q(q)
	var ctxJSON any
	if len(t.Context) > 0 {
		s, err := marshalJSON(t.Context)
		if err != nil {
			return fmt.Errorf("marshal task context: %w", err)
		}
		ctxJSON = s
	}
	_, err := q.ExecContext(ctx, `INSERT INTO tasks(`+taskColumns+`,priority_rank) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		t.ID, t.Type, t.Category, t.Title, t.CreatorID, nullable(t.AssigneeID), t.Status, t.Priority,
		nullableTime(t.DueAt), ctxJSON, nullable(t.Feedback), t.Version, nullable(string(t.EscalatedFrom)),
		nullable(t.EscalationID), domain.FormatTime(t.CreatedAt), domain.FormatTime(t.UpdatedAt),
		nullableTime(t.CompletedAt), t.Priority.Rank())
	if err != nil {
		return err
	}
	for _, dep := range t.DependsOn {
		if _, err := q.ExecContext(ctx, `INSERT OR IGNORE INTO task_deps(task_id,depends_on_task_id) VALUES (?,?)`, t.ID, dep); err != nil {
			return err
		}
	}
	for _, c := range t.Collaborators {
		if _, err := q.ExecContext(ctx, `INSERT OR IGNORE INTO task_collaborators(task_id,agent_id) VALUES (?,?)`, t.ID, c); err != nil {
			return err
		}
	}
	return nil
}

// UpdateTask writes the mutable task fields when the stored version equals
// expected, and returns a ConflictError otherwise. t.Version is written as-is.
func (r Repo) UpdateTask(ctx context.Context, q Querier, t domain.Task, expected int) error {
	q = r.q(q)
	res, err := q.ExecContext(ctx, `UPDATE tasks SET assignee_id=?,status=?,priority=?,priority_rank=?,feedback=?,version=?,escalated_from=?,escalation_id=?,updated_at=?,completed_at=? WHERE id=? AND version=?`,
		nullable(t.AssigneeID), t.Status, t.Priority, t.Priority.Rank(), nullable(t.Feedback), t.Version,
		nullable(string(t.EscalatedFrom)), nullable(t.EscalationID), domain.FormatTime(t.UpdatedAt),
		nullableTime(t.CompletedAt), t.ID, expected)
	if err != nil {
		return err
	}
	affected, _ := res.RowsAffected()
	if affected == 1 {
		return nil
	}
	var actual int
	err = q.QueryRowContext(ctx, `SELECT version FROM tasks WHERE id=?`, t.ID).Scan(&actual)
	if err == sql.ErrNoRows {
		return domain.NotFoundError{Kind: "task", ID: t.ID}
	}
	if err != nil {
		return err
	}
	return domain.ConflictError{Kind: "task", ID: t.ID, Expected: expected, Actual: actual}
}

func (r Repo) GetTask(ctx context.Context, q Querier, id string) (domain.Task, error) {
	q = r.q(q)
	t, err := scanTask(q.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id=?`, id))
	if err == ErrNotFound {
		return t, domain.NotFoundError{Kind: "task", ID: id}
	}
	if err != nil {
		return t, err
	}
	if t.DependsOn, err = r.listColumn(ctx, q, `SELECT depends_on_task_id FROM task_deps WHERE task_id=? ORDER BY depends_on_task_id`, id); err != nil {
		return t, err
	}
	if t.Collaborators, err = r.listColumn(ctx, q, `SELECT agent_id FROM task_collaborators WHERE task_id=? ORDER BY agent_id`, id); err != nil {
		return t, err
	}
	return t, nil
}

func (r Repo) listColumn(ctx context.Context, q Querier, query string, args ...any) ([]string, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

// TaskExists reports whether id names a stored task.
func (r Repo) TaskExists(ctx context.Context, q Querier, id string) (bool, error) {
	var n int
	if err := r.q(q).QueryRowContext(ctx, `SELECT count(*) FROM tasks WHERE id=?`, id).Scan(&n); err != nil {
		return false, err
	}
	return n > 0, nil
}

// PendingDependencies lists dependencies of taskID that are not completed.
func (r Repo) PendingDependencies(ctx context.Context, q Querier, taskID string) ([]string, error) {
	return r.listColumn(ctx, r.q(q), `SELECT d.depends_on_task_id FROM task_deps d
		JOIN tasks dep ON dep.id=d.depends_on_task_id
		WHERE d.task_id=? AND dep.status != 'completed'
		ORDER BY d.depends_on_task_id`, taskID)
}

type TaskFilters struct {
	Status     string
	AssigneeID string
	CreatorID  string
	Category   string
	Limit      int
}

func (r Repo) ListTasks(ctx context.Context, q Querier, f TaskFilters) ([]domain.Task, error) {
	var clauses []string
	var args []any
	if f.Status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, f.Status)
	}
	if f.AssigneeID != "" {
		clauses = append(clauses, "assignee_id=?")
		args = append(args, f.AssigneeID)
	}
	if f.CreatorID != "" {
		clauses = append(clauses, "creator_id=?")
		args = append(args, f.CreatorID)
	}
	if f.Category != "" {
		clauses = append(clauses, "category=?")
		args = append(args, f.Category)
	}
	where := ""
	if len(clauses) > 0 {
		where = "WHERE " + strings.Join(clauses, " AND ")
	}
	query := `SELECT ` + taskColumns + ` FROM tasks ` + where + ` ORDER BY seq ASC`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	return r.queryTasks(ctx, r.q(q), query, args...)
}

// ReadyTasks returns created tasks whose dependencies are all completed and
// that are targeted at agentID or unassigned, ordered by priority rank, due
// time with missing due times last, then creation sequence.
func (r Repo) ReadyTasks(ctx context.Context, q Querier, agentID string) ([]domain.Task, error) {
	query := `SELECT ` + taskColumns + ` FROM tasks
		WHERE status='created'
		AND (assignee_id IS NULL OR assignee_id=?)
		AND NOT EXISTS (
			SELECT 1 FROM task_deps d
			JOIN tasks dep ON dep.id=d.depends_on_task_id
			WHERE d.task_id=tasks.id AND dep.status != 'completed'
		)
		ORDER BY priority_rank ASC,
			CASE WHEN due_at IS NULL THEN 1 ELSE 0 END,
			due_at ASC,
			seq ASC`
	return r.queryTasks(ctx, r.q(q), query, agentID)
}

func (r Repo) queryTasks(ctx context.Context, q Querier, query string, args ...any) ([]domain.Task, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	var res []domain.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		res = append(res, t)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, err
	}
	rows.Close()
	for i := range res {
		if res[i].DependsOn, err = r.listColumn(ctx, q, `SELECT depends_on_task_id FROM task_deps WHERE task_id=? ORDER BY depends_on_task_id`, res[i].ID); err != nil {
			return nil, err
		}
		if res[i].Collaborators, err = r.listColumn(ctx, q, `SELECT agent_id FROM task_collaborators WHERE task_id=? ORDER BY agent_id`, res[i].ID); err != nil {
			return nil, err
		}
	}
	return res, nil
}

func (r Repo) CountTasksByStatus(ctx context.Context, q Querier) (map[string]int, error) {
	rows, err := r.q(q).QueryContext(ctx, `SELECT status, count(*) FROM tasks GROUP BY status`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := map[string]int{}
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, err
		}
		res[status] = count
	}
	return res, rows.Err()
}
