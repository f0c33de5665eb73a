package repo

import (
	"context"
	"database/sql"

	"procureline/internal/domain"
)

const userColumns = `id,display_name,role,department_id,coordinator_id,created_at`

func scanUser(scan func(dest ...any) error) (domain.User, error) {
	var u domain.User
	var dept, coord sql.NullString
	if err := scan(&u.ID, &u.DisplayName, &u.Role, &dept, &coord, &u.CreatedAt); err != nil {
		return u, err
	}
	u.DepartmentID = stringPtr(dept)
	u.CoordinatorID = stringPtr(coord)
	return u, nil
}

// UpsertUser inserts or replaces a user row; created_at is kept on update.
func (r Repo) UpsertUser(ctx context.Context, tx *sql.Tx, u domain.User) error {
	_, err := r.conn(tx).ExecContext(ctx, `INSERT INTO users(`+userColumns+`) VALUES (?,?,?,?,?,?)
ON CONFLICT(id) DO UPDATE SET display_name=excluded.display_name, role=excluded.role,
  department_id=excluded.department_id, coordinator_id=excluded.coordinator_id`,
		u.ID, u.DisplayName, string(u.Role), nullableStringPtr(u.DepartmentID), nullableStringPtr(u.CoordinatorID), u.CreatedAt)
	return err
}

func (r Repo) GetUser(ctx context.Context, tx *sql.Tx, id string) (domain.User, error) {
	row := r.conn(tx).QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE id=?`, id)
	u, err := scanUser(row.Scan)
	if err == sql.ErrNoRows {
		return u, ErrNotFound
	}
	return u, err
}

// ListUsers returns users ordered by creation, optionally filtered by role.
func (r Repo) ListUsers(ctx context.Context, tx *sql.Tx, role domain.Role) ([]domain.User, error) {
	query := `SELECT ` + userColumns + ` FROM users`
	var args []any
	if role != "" {
		query += ` WHERE role=?`
		args = append(args, string(role))
	}
	query += ` ORDER BY created_at, id`
	rows, err := r.conn(tx).QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.User
	for rows.Next() {
		u, err := scanUser(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, u)
	}
	return res, rows.Err()
}

// FirstAdministrator returns the earliest created administrator.
func (r Repo) FirstAdministrator(ctx context.Context, tx *sql.Tx) (domain.User, error) {
	row := r.conn(tx).QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE role='administrator' ORDER BY created_at, id LIMIT 1`)
	u, err := scanUser(row.Scan)
	if err == sql.ErrNoRows {
		return u, ErrNotFound
	}
	return u, err
}

func (r Repo) UpsertDepartment(ctx context.Context, tx *sql.Tx, d domain.Department) error {
	_, err := r.conn(tx).ExecContext(ctx, `INSERT INTO departments(id,name,created_at) VALUES (?,?,?)
ON CONFLICT(id) DO UPDATE SET name=excluded.name`, d.ID, d.Name, d.CreatedAt)
	return err
}

func (r Repo) GetDepartment(ctx context.Context, tx *sql.Tx, id string) (domain.Department, error) {
	var d domain.Department
	err := r.conn(tx).QueryRowContext(ctx, `SELECT id,name,created_at FROM departments WHERE id=?`, id).Scan(&d.ID, &d.Name, &d.CreatedAt)
	if err == sql.ErrNoRows {
		return d, ErrNotFound
	}
	return d, err
}

// SetDepartmentApprovers replaces the designated approvers, keeping the given order.
func (r Repo) SetDepartmentApprovers(ctx context.Context, tx *sql.Tx, departmentID string, userIDs []string) error {
	q := r.conn(tx)
	if _, err := q.ExecContext(ctx, `DELETE FROM department_approvers WHERE department_id=?`, departmentID); err != nil {
		return err
	}
	for i, id := range userIDs {
		if _, err := q.ExecContext(ctx, `INSERT INTO department_approvers(department_id,user_id,position) VALUES (?,?,?)`, departmentID, id, i); err != nil {
			return err
		}
	}
	return nil
}

// DepartmentApprovers returns the designated approvers in configured order.
func (r Repo) DepartmentApprovers(ctx context.Context, tx *sql.Tx, departmentID string) ([]domain.User, error) {
	rows, err := r.conn(tx).QueryContext(ctx, `SELECT u.id,u.display_name,u.role,u.department_id,u.coordinator_id,u.created_at
FROM department_approvers da JOIN users u ON u.id=da.user_id
WHERE da.department_id=? ORDER BY da.position, u.id`, departmentID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.User
	for rows.Next() {
		u, err := scanUser(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, u)
	}
	return res, rows.Err()
}

func (r Repo) UpsertProvider(ctx context.Context, tx *sql.Tx, p domain.Provider) error {
	_, err := r.conn(tx).ExecContext(ctx, `INSERT INTO providers(id,name,tax_id,created_at) VALUES (?,?,?,?)
ON CONFLICT(id) DO UPDATE SET name=excluded.name, tax_id=excluded.tax_id`, p.ID, p.Name, nullable(p.TaxID), p.CreatedAt)
	return err
}

func (r Repo) GetProvider(ctx context.Context, tx *sql.Tx, id string) (domain.Provider, error) {
	var p domain.Provider
	var taxID sql.NullString
	err := r.conn(tx).QueryRowContext(ctx, `SELECT id,name,tax_id,created_at FROM providers WHERE id=?`, id).Scan(&p.ID, &p.Name, &taxID, &p.CreatedAt)
	if err == sql.ErrNoRows {
		return p, ErrNotFound
	}
	p.TaxID = taxID.String
	return p, err
}
