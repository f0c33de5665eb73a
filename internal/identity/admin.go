package identity

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"procureline/internal/domain"
	"procureline/internal/engine/auth"
	"procureline/internal/events"
	"procureline/internal/repo"
)

// Invalidator is implemented by Cache.
type Invalidator interface {
	InvalidateUser(id string)
	InvalidateDepartment(id string)
}

// Admin performs directory mutations. Each call is one transaction that also
// appends a directory.changed event, then invalidates the cache.
type Admin struct {
	DB     *sql.DB
	Repo   repo.Repo
	Events events.Writer
	Cache  Invalidator
	Now    func() time.Time
}

func (a Admin) now() string {
	if a.Now == nil {
		return time.Now().UTC().Format(time.RFC3339)
	}
	return a.Now().UTC().Format(time.RFC3339)
}

// authorize requires an administrator actor once any administrator exists.
// An empty directory can be bootstrapped by anyone.
func (a Admin) authorize(ctx context.Context, tx *sql.Tx, actorID string) error {
	if _, err := a.Repo.FirstAdministrator(ctx, tx); errors.Is(err, repo.ErrNotFound) {
		return nil
	} else if err != nil {
		return err
	}
	actor, err := WithTx(a.Repo, tx).GetUser(ctx, actorID)
	if errors.Is(err, repo.ErrNotFound) {
		return auth.ForbiddenError{Capability: auth.CapAdminister}
	}
	if err != nil {
		return err
	}
	return auth.RequireAdministrator(actor)
}

func (a Admin) UpsertUser(ctx context.Context, actorID string, u domain.User) (domain.User, error) {
	u.ID = strings.TrimSpace(u.ID)
	u.DisplayName = strings.TrimSpace(u.DisplayName)
	if u.ID == "" {
		return u, domain.ValidationError{Field: "id", Reason: "required"}
	}
	if u.DisplayName == "" {
		return u, domain.ValidationError{Field: "display_name", Reason: "required"}
	}
	if !u.Role.Valid() {
		return u, domain.ValidationError{Field: "role", Reason: fmt.Sprintf("unknown role %q", u.Role)}
	}
	if u.CoordinatorID != nil && *u.CoordinatorID == u.ID {
		return u, domain.ValidationError{Field: "coordinator_id", Reason: "user cannot coordinate themselves"}
	}

	tx, err := a.DB.BeginTx(ctx, nil)
	if err != nil {
		return u, err
	}
	defer tx.Rollback()
	if err := a.authorize(ctx, tx, actorID); err != nil {
		return u, err
	}
	if u.DepartmentID != nil {
		if _, err := a.Repo.GetDepartment(ctx, tx, *u.DepartmentID); errors.Is(err, repo.ErrNotFound) {
			return u, domain.ValidationError{Field: "department_id", Reason: "unknown department " + *u.DepartmentID}
		} else if err != nil {
			return u, err
		}
	}
	if u.CoordinatorID != nil {
		if _, err := a.Repo.GetUser(ctx, tx, *u.CoordinatorID); errors.Is(err, repo.ErrNotFound) {
			return u, domain.ValidationError{Field: "coordinator_id", Reason: "unknown user " + *u.CoordinatorID}
		} else if err != nil {
			return u, err
		}
	}
	if existing, err := a.Repo.GetUser(ctx, tx, u.ID); err == nil {
		u.CreatedAt = existing.CreatedAt
	} else if !errors.Is(err, repo.ErrNotFound) {
		return u, err
	} else {
		u.CreatedAt = a.now()
	}
	if err := a.Repo.UpsertUser(ctx, tx, u); err != nil {
		return u, err
	}
	if err := a.Events.Append(ctx, tx, events.DirectoryChanged, events.EntityUser, u.ID, actorOrSelf(actorID, u.ID), events.EventPayload{
		"role": u.Role, "department_id": u.DepartmentID, "coordinator_id": u.CoordinatorID,
	}); err != nil {
		return u, err
	}
	if err := tx.Commit(); err != nil {
		return u, err
	}
	if a.Cache != nil {
		a.Cache.InvalidateUser(u.ID)
	}
	return u, nil
}

func actorOrSelf(actorID, self string) string {
	if actorID == "" {
		return self
	}
	return actorID
}

func (a Admin) UpsertDepartment(ctx context.Context, actorID string, d domain.Department) (domain.Department, error) {
	d.ID = strings.TrimSpace(d.ID)
	if d.ID == "" {
		return d, domain.ValidationError{Field: "id", Reason: "required"}
	}
	if strings.TrimSpace(d.Name) == "" {
		d.Name = d.ID
	}
	tx, err := a.DB.BeginTx(ctx, nil)
	if err != nil {
		return d, err
	}
	defer tx.Rollback()
	if err := a.authorize(ctx, tx, actorID); err != nil {
		return d, err
	}
	if existing, err := a.Repo.GetDepartment(ctx, tx, d.ID); err == nil {
		d.CreatedAt = existing.CreatedAt
	} else if errors.Is(err, repo.ErrNotFound) {
		d.CreatedAt = a.now()
	} else {
		return d, err
	}
	if err := a.Repo.UpsertDepartment(ctx, tx, d); err != nil {
		return d, err
	}
	if err := a.Events.Append(ctx, tx, events.DirectoryChanged, events.EntityDepartment, d.ID, actorID, events.EventPayload{"name": d.Name}); err != nil {
		return d, err
	}
	if err := tx.Commit(); err != nil {
		return d, err
	}
	if a.Cache != nil {
		a.Cache.InvalidateDepartment(d.ID)
	}
	return d, nil
}

// SetDepartmentApprovers replaces a department's designated approvers. Every
// user must exist and hold the approver role.
func (a Admin) SetDepartmentApprovers(ctx context.Context, actorID, departmentID string, userIDs []string) error {
	tx, err := a.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := a.authorize(ctx, tx, actorID); err != nil {
		return err
	}
	if _, err := a.Repo.GetDepartment(ctx, tx, departmentID); err != nil {
		return fmt.Errorf("department %s: %w", departmentID, err)
	}
	lookup := WithTx(a.Repo, tx)
	seen := map[string]bool{}
	var ids []string
	for _, id := range userIDs {
		id = strings.TrimSpace(id)
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		u, err := lookup.GetUser(ctx, id)
		if errors.Is(err, repo.ErrNotFound) {
			return domain.ValidationError{Field: "approvers", Reason: "unknown user " + id}
		}
		if err != nil {
			return err
		}
		if u.Role != domain.RoleApprover {
			return domain.ValidationError{Field: "approvers", Reason: fmt.Sprintf("user %s has role %s, approver required", id, u.Role)}
		}
		ids = append(ids, id)
	}
	if err := a.Repo.SetDepartmentApprovers(ctx, tx, departmentID, ids); err != nil {
		return err
	}
	if err := a.Events.Append(ctx, tx, events.DirectoryChanged, events.EntityDepartment, departmentID, actorID, events.EventPayload{"approvers": ids}); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	if a.Cache != nil {
		a.Cache.InvalidateDepartment(departmentID)
	}
	return nil
}

func (a Admin) UpsertProvider(ctx context.Context, actorID string, p domain.Provider) (domain.Provider, error) {
	p.ID = strings.TrimSpace(p.ID)
	p.Name = strings.TrimSpace(p.Name)
	if p.ID == "" {
		return p, domain.ValidationError{Field: "id", Reason: "required"}
	}
	if p.Name == "" {
		return p, domain.ValidationError{Field: "name", Reason: "required"}
	}
	tx, err := a.DB.BeginTx(ctx, nil)
	if err != nil {
		return p, err
	}
	defer tx.Rollback()
	if err := a.authorize(ctx, tx, actorID); err != nil {
		return p, err
	}
	if existing, err := a.Repo.GetProvider(ctx, tx, p.ID); err == nil {
		p.CreatedAt = existing.CreatedAt
	} else if errors.Is(err, repo.ErrNotFound) {
		p.CreatedAt = a.now()
	} else {
		return p, err
	}
	if err := a.Repo.UpsertProvider(ctx, tx, p); err != nil {
		return p, err
	}
	if err := a.Events.Append(ctx, tx, events.DirectoryChanged, events.EntityProvider, p.ID, actorID, events.EventPayload{"name": p.Name}); err != nil {
		return p, err
	}
	return p, tx.Commit()
}

// CreateAPIKey issues a key for userID and returns the plaintext once.
func (a Admin) CreateAPIKey(ctx context.Context, actorID, userID, name string) (domain.APIKey, string, error) {
	tx, err := a.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.APIKey{}, "", err
	}
	defer tx.Rollback()
	if err := a.authorize(ctx, tx, actorID); err != nil {
		return domain.APIKey{}, "", err
	}
	if _, err := a.Repo.GetUser(ctx, tx, userID); err != nil {
		return domain.APIKey{}, "", fmt.Errorf("user %s: %w", userID, err)
	}
	secret := "pl_" + strings.ReplaceAll(uuid.NewString()+uuid.NewString(), "-", "")
	key := domain.APIKey{
		ID:        uuid.NewString(),
		UserID:    userID,
		Name:      name,
		KeyHash:   repo.HashAPIKey(secret),
		CreatedAt: a.now(),
	}
	if err := a.Repo.InsertAPIKey(ctx, tx, key); err != nil {
		return domain.APIKey{}, "", err
	}
	if err := a.Events.Append(ctx, tx, events.DirectoryChanged, events.EntityUser, userID, actorID, events.EventPayload{"api_key_id": key.ID}); err != nil {
		return domain.APIKey{}, "", err
	}
	if err := tx.Commit(); err != nil {
		return domain.APIKey{}, "", err
	}
	return key, secret, nil
}

// ListAPIKeys returns userID's keys. Administrators may list any user's keys,
// or all keys with an empty userID; everyone else sees only their own.
func (a Admin) ListAPIKeys(ctx context.Context, actorID, userID string) ([]domain.APIKey, error) {
	actor, err := a.Repo.GetUser(ctx, nil, actorID)
	if err != nil {
		return nil, fmt.Errorf("actor %s: %w", actorID, err)
	}
	if !actor.IsAdmin() {
		if userID != "" && userID != actor.ID {
			return nil, auth.ForbiddenError{Capability: auth.CapAdminister}
		}
		userID = actor.ID
	}
	return a.Repo.ListAPIKeys(ctx, userID)
}

// RevokeAPIKey deletes a key. Administrator only.
func (a Admin) RevokeAPIKey(ctx context.Context, actorID, keyID string) error {
	tx, err := a.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := a.authorize(ctx, tx, actorID); err != nil {
		return err
	}
	if err := a.Repo.DeleteAPIKey(ctx, tx, keyID); err != nil {
		return err
	}
	if err := a.Events.Append(ctx, tx, events.DirectoryChanged, events.EntityUser, "", actorID, events.EventPayload{"revoked_api_key_id": keyID}); err != nil {
		return err
	}
	return tx.Commit()
}
