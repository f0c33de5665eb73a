package engine

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"procureline/internal/domain"
	"procureline/internal/identity"
	"procureline/internal/repo"
)

// Reasons recorded on chain entries.
const (
	ReasonDepartment    = "department_approver"
	ReasonSelfApproval  = "self_approval"
	ReasonAdminSelf     = "administrator_self"
	ReasonCoordinator   = "coordinator"
	ReasonFallbackAdmin = "fallback_administrator"
)

// ChainEntry is one approval slot. Entries sharing an order are parallel
// peers: the first decision at that order settles it.
type ChainEntry struct {
	ApproverID   string `json:"approver_id"`
	Order        int    `json:"order"`
	AutoApproved bool   `json:"auto_approved"`
	Reason       string `json:"reason"`
}

// ResolveChain computes who must sign off on a request from requester.
func ResolveChain(ctx context.Context, lookup identity.Lookup, requester domain.User, log *zap.Logger) ([]ChainEntry, error) {
	if log == nil {
		log = zap.NewNop()
	}
	var chain []ChainEntry
	order := 1

	if requester.DepartmentID != nil {
		approvers, err := lookup.GetDepartmentApprovers(ctx, *requester.DepartmentID)
		if err != nil {
			return nil, fmt.Errorf("department approvers: %w", err)
		}
		if self, ok := selfApproval(requester, approvers, order); ok {
			chain = append(chain, self)
		} else {
			for _, a := range approvers {
				if a.ID == requester.ID {
					continue
				}
				chain = append(chain, ChainEntry{ApproverID: a.ID, Order: order, Reason: ReasonDepartment})
			}
		}
		if len(chain) > 0 {
			order++
		}
	}

	second, ok, err := secondTier(ctx, lookup, requester, order, log)
	if err != nil {
		return nil, err
	}
	if ok && !inChain(chain, second.ApproverID) {
		chain = append(chain, second)
	}
	log.Debug("approval chain resolved",
		zap.String("requester_id", requester.ID),
		zap.Int("slots", len(chain)))
	return chain, nil
}

// selfApproval is the named branch for a requester who is a designated
// approver of their own department: order 1 is theirs and pre-approved.
func selfApproval(requester domain.User, approvers []domain.User, order int) (ChainEntry, bool) {
	for _, a := range approvers {
		if a.ID == requester.ID {
			return ChainEntry{ApproverID: requester.ID, Order: order, AutoApproved: true, Reason: ReasonSelfApproval}, true
		}
	}
	return ChainEntry{}, false
}

func secondTier(ctx context.Context, lookup identity.Lookup, requester domain.User, order int, log *zap.Logger) (ChainEntry, bool, error) {
	if requester.IsAdmin() {
		return ChainEntry{ApproverID: requester.ID, Order: order, AutoApproved: true, Reason: ReasonAdminSelf}, true, nil
	}
	if requester.CoordinatorID != nil && *requester.CoordinatorID != "" {
		coord, err := lookup.GetUser(ctx, *requester.CoordinatorID)
		switch {
		case err == nil:
			if coord.Role == domain.RoleAdministrator || coord.Role == domain.RoleApprover {
				return ChainEntry{ApproverID: coord.ID, Order: order, Reason: ReasonCoordinator}, true, nil
			}
		case errors.Is(err, repo.ErrNotFound):
			log.Warn("coordinator not found, using fallback administrator",
				zap.String("requester_id", requester.ID),
				zap.String("coordinator_id", *requester.CoordinatorID))
		default:
			return ChainEntry{}, false, fmt.Errorf("coordinator: %w", err)
		}
	}
	admin, ok, err := lookup.GetFirstAdministrator(ctx)
	if err != nil {
		return ChainEntry{}, false, fmt.Errorf("first administrator: %w", err)
	}
	if !ok {
		log.Warn("no administrator available for second-tier approval", zap.String("requester_id", requester.ID))
		return ChainEntry{}, false, nil
	}
	return ChainEntry{ApproverID: admin.ID, Order: order, Reason: ReasonFallbackAdmin}, true, nil
}

func inChain(chain []ChainEntry, userID string) bool {
	for _, c := range chain {
		if c.ApproverID == userID {
			return true
		}
	}
	return false
}
