// Package identity resolves users, departments and their designated approvers
// for the approval engine.
package identity

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"procureline/internal/domain"
	"procureline/internal/repo"
)

// Lookup is the read side consumed by the engine.
type Lookup interface {
	GetUser(ctx context.Context, id string) (domain.User, error)
	GetDepartmentApprovers(ctx context.Context, departmentID string) ([]domain.User, error)
	// GetFirstAdministrator returns ok=false when no administrator exists.
	GetFirstAdministrator(ctx context.Context) (domain.User, bool, error)
}

// Directory is the SQL backed Lookup.
type Directory struct {
	Repo repo.Repo
}

func (d Directory) GetUser(ctx context.Context, id string) (domain.User, error) {
	u, err := d.Repo.GetUser(ctx, nil, id)
	if err != nil {
		return u, fmt.Errorf("user %s: %w", id, err)
	}
	return u, nil
}

func (d Directory) GetDepartmentApprovers(ctx context.Context, departmentID string) ([]domain.User, error) {
	return d.Repo.DepartmentApprovers(ctx, nil, departmentID)
}

func (d Directory) GetFirstAdministrator(ctx context.Context) (domain.User, bool, error) {
	u, err := d.Repo.FirstAdministrator(ctx, nil)
	if errors.Is(err, repo.ErrNotFound) {
		return domain.User{}, false, nil
	}
	if err != nil {
		return domain.User{}, false, err
	}
	return u, true, nil
}

// txLookup reads through an open transaction.
type txLookup struct {
	repo repo.Repo
	tx   *sql.Tx
}

// WithTx returns a Lookup that reads inside tx.
func WithTx(r repo.Repo, tx *sql.Tx) Lookup {
	return txLookup{repo: r, tx: tx}
}

func (l txLookup) GetUser(ctx context.Context, id string) (domain.User, error) {
	u, err := l.repo.GetUser(ctx, l.tx, id)
	if err != nil {
		return u, fmt.Errorf("user %s: %w", id, err)
	}
	return u, nil
}

func (l txLookup) GetDepartmentApprovers(ctx context.Context, departmentID string) ([]domain.User, error) {
	return l.repo.DepartmentApprovers(ctx, l.tx, departmentID)
}

func (l txLookup) GetFirstAdministrator(ctx context.Context) (domain.User, bool, error) {
	u, err := l.repo.FirstAdministrator(ctx, l.tx)
	if errors.Is(err, repo.ErrNotFound) {
		return domain.User{}, false, nil
	}
	if err != nil {
		return domain.User{}, false, err
	}
	return u, true, nil
}
