package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"ladder/internal/domain"
)

const decisionColumns = `id,ts,maker_id,category,verdict,reasoning,actions_json,approval_chain_json,escalated,escalation_id,task_id,proposal_refs_json`

func scanDecision(row rowScanner) (domain.Decision, error) {
	var d domain.Decision
	var ts, actions string
	var chain, refs, escID, taskID sql.NullString
	var escalated int
	err := row.Scan(&d.ID, &ts, &d.MakerID, &d.Category, &d.Verdict, &d.Reasoning, &actions, &chain, &escalated, &escID, &taskID, &refs)
	if err == sql.ErrNoRows {
		return d, ErrNotFound
	}
	if err != nil {
		return d, err
	}
	if d.Timestamp, err = domain.ParseTime(ts); err != nil {
		return d, err
	}
	if err := json.Unmarshal([]byte(actions), &d.Actions); err != nil {
		return d, fmt.Errorf("decision %s actions: %w", d.ID, err)
	}
	if d.ApprovalChain, err = unmarshalStrings(chain); err != nil {
		return d, err
	}
	if d.ProposalRefs, err = unmarshalStrings(refs); err != nil {
		return d, err
	}
	d.Escalated = escalated == 1
	d.EscalationID = escID.String
	d.TaskID = taskID.String
	return d, nil
}

func (r Repo) InsertDecision(ctx context.Context, q Querier, d domain.Decision) error {
	actions := d.Actions
	if actions == nil {
		actions = []domain.DecisionAction{}
	}
	actionsJSON, err := marshalJSON(actions)
	if err != nil {
		return err
	}
	chain := d.ApprovalChain
	if chain == nil {
		chain = []string{}
	}
	chainJSON, err := marshalJSON(chain)
	if err != nil {
		return err
	}
	var refs any
	if len(d.ProposalRefs) > 0 {
		s, err := marshalJSON(d.ProposalRefs)
		if err != nil {
			return err
		}
		refs = s
	}
	_, err = r.q(q).ExecContext(ctx, `INSERT INTO decisions(`+decisionColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?,?,?)`,
		d.ID, domain.FormatTime(d.Timestamp), d.MakerID, d.Category, d.Verdict, d.Reasoning, actionsJSON, chainJSON,
		boolInt(d.Escalated), nullable(d.EscalationID), nullable(d.TaskID), refs)
	return err
}

func (r Repo) GetDecision(ctx context.Context, q Querier, id string) (domain.Decision, error) {
	d, err := scanDecision(r.q(q).QueryRowContext(ctx, `SELECT `+decisionColumns+` FROM decisions WHERE id=?`, id))
	if err == ErrNotFound {
		return d, domain.NotFoundError{Kind: "decision", ID: id}
	}
	return d, err
}

type DecisionFilters struct {
	Category  string
	MakerID   string
	Escalated *bool
	TaskID    string
	Since     time.Time
	Until     time.Time
	Limit     int
}

// ListDecisions returns decisions in ascending time order.
func (r Repo) ListDecisions(ctx context.Context, q Querier, f DecisionFilters) ([]domain.Decision, error) {
	where, args := decisionWhere(f)
	query := `SELECT ` + decisionColumns + ` FROM decisions ` + where + ` ORDER BY ts ASC, seq ASC`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.q(q).QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Decision
	for rows.Next() {
		d, err := scanDecision(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, d)
	}
	return res, rows.Err()
}

// CountDecisions counts decisions matching f, ignoring Limit.
func (r Repo) CountDecisions(ctx context.Context, q Querier, f DecisionFilters) (int, error) {
	where, args := decisionWhere(f)
	var n int
	err := r.q(q).QueryRowContext(ctx, `SELECT count(*) FROM decisions `+where, args...).Scan(&n)
	return n, err
}

func decisionWhere(f DecisionFilters) (string, []any) {
	var clauses []string
	var args []any
	if f.Category != "" {
		clauses = append(clauses, "category=?")
		args = append(args, f.Category)
	}
	if f.MakerID != "" {
		clauses = append(clauses, "maker_id=?")
		args = append(args, f.MakerID)
	}
	if f.Escalated != nil {
		clauses = append(clauses, "escalated=?")
		args = append(args, boolInt(*f.Escalated))
	}
	if f.TaskID != "" {
		clauses = append(clauses, "task_id=?")
		args = append(args, f.TaskID)
	}
	if !f.Since.IsZero() {
		clauses = append(clauses, "ts>=?")
		args = append(args, domain.FormatTime(f.Since))
	}
	if !f.Until.IsZero() {
		clauses = append(clauses, "ts<=?")
		args = append(args, domain.FormatTime(f.Until))
	}
	if len(clauses) == 0 {
		return "", nil
	}
	return "WHERE " + strings.Join(clauses, " AND "), args
}
