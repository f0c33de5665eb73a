package repo

import (
	"context"
	"database/sql"

	"procureline/internal/domain"
)

const taskColumns = `id,request_public_id,approver_id,task_order,status,decided_at,comment`

func scanTask(scan func(dest ...any) error) (domain.ApprovalTask, error) {
	var t domain.ApprovalTask
	var decided, comment sql.NullString
	if err := scan(&t.ID, &t.PublicID, &t.ApproverID, &t.Order, &t.Status, &decided, &comment); err != nil {
		return t, err
	}
	t.DecidedAt = stringPtr(decided)
	t.Comment = stringPtr(comment)
	return t, nil
}

func (r Repo) InsertTask(ctx context.Context, tx *sql.Tx, t domain.ApprovalTask) error {
	_, err := r.conn(tx).ExecContext(ctx, `INSERT INTO approval_tasks(`+taskColumns+`) VALUES (?,?,?,?,?,?,?)`,
		t.ID, t.PublicID, t.ApproverID, t.Order, string(t.Status), nullableStringPtr(t.DecidedAt), nullableStringPtr(t.Comment))
	return err
}

func (r Repo) GetTask(ctx context.Context, tx *sql.Tx, id string) (domain.ApprovalTask, error) {
	row := r.conn(tx).QueryRowContext(ctx, `SELECT `+taskColumns+` FROM approval_tasks WHERE id=?`, id)
	t, err := scanTask(row.Scan)
	if err == sql.ErrNoRows {
		return t, ErrNotFound
	}
	return t, err
}

// ListTasks returns a request's tasks by order, then approver.
func (r Repo) ListTasks(ctx context.Context, tx *sql.Tx, publicID string) ([]domain.ApprovalTask, error) {
	rows, err := r.conn(tx).QueryContext(ctx, `SELECT `+taskColumns+` FROM approval_tasks WHERE request_public_id=? ORDER BY task_order, approver_id`, publicID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.ApprovalTask
	for rows.Next() {
		t, err := scanTask(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, t)
	}
	return res, rows.Err()
}

// DecideTask records a decision on a task that is still pending.
func (r Repo) DecideTask(ctx context.Context, tx *sql.Tx, id string, status domain.TaskStatus, decidedAt string, comment *string) error {
	res, err := r.conn(tx).ExecContext(ctx, `UPDATE approval_tasks SET status=?, decided_at=?, comment=? WHERE id=? AND status='pending'`,
		string(status), decidedAt, nullableStringPtr(comment), id)
	return affectedOrErr(res, err, ErrStale)
}

// OmitPendingTasks marks every other pending task of the request as omitted.
// A non-zero order restricts it to that order group.
func (r Repo) OmitPendingTasks(ctx context.Context, tx *sql.Tx, publicID, exceptID string, order int, decidedAt string) (int64, error) {
	query := `UPDATE approval_tasks SET status='omitted', decided_at=? WHERE request_public_id=? AND status='pending' AND id<>?`
	args := []any{decidedAt, publicID, exceptID}
	if order > 0 {
		query += ` AND task_order=?`
		args = append(args, order)
	}
	res, err := r.conn(tx).ExecContext(ctx, query, args...)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (r Repo) DeleteTasks(ctx context.Context, tx *sql.Tx, publicID string) error {
	_, err := r.conn(tx).ExecContext(ctx, `DELETE FROM approval_tasks WHERE request_public_id=?`, publicID)
	return err
}

// ActionableTask is a pending task at the lowest pending order of a request
// that is still awaiting approval.
type ActionableTask struct {
	Task        domain.ApprovalTask `json:"task"`
	RequesterID string              `json:"requester_id"`
	RequestDate string              `json:"request_date"`
	Urgent      bool                `json:"urgent"`
}

// ActionableTasks lists actionable tasks; an empty approverID lists all of them.
func (r Repo) ActionableTasks(ctx context.Context, tx *sql.Tx, approverID string) ([]ActionableTask, error) {
	query := `SELECT t.id,t.request_public_id,t.approver_id,t.task_order,t.status,t.decided_at,t.comment, r.requester_id, r.request_date, r.urgent
FROM approval_tasks t JOIN requests r ON r.public_id=t.request_public_id
WHERE t.status='pending' AND r.status=?
  AND t.task_order=(SELECT MIN(p.task_order) FROM approval_tasks p WHERE p.request_public_id=t.request_public_id AND p.status='pending')`
	args := []any{string(domain.StatusPendingApproval)}
	if approverID != "" {
		query += ` AND t.approver_id=?`
		args = append(args, approverID)
	}
	query += ` ORDER BY r.urgent DESC, r.created_at, t.request_public_id`
	rows, err := r.conn(tx).QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []ActionableTask
	for rows.Next() {
		var at ActionableTask
		var urgent int
		var decided, comment sql.NullString
		t := &at.Task
		if err := rows.Scan(&t.ID, &t.PublicID, &t.ApproverID, &t.Order, &t.Status, &decided, &comment, &at.RequesterID, &at.RequestDate, &urgent); err != nil {
			return nil, err
		}
		t.DecidedAt = stringPtr(decided)
		t.Comment = stringPtr(comment)
		at.Urgent = urgent != 0
		res = append(res, at)
	}
	return res, rows.Err()
}
