package engine

import (
	"fmt"

	"procureline/internal/domain"
)

// InitialStatus derives the creation status from the resolved chain.
func InitialStatus(chain []ChainEntry) domain.RequestStatus {
	if len(chain) == 0 {
		return domain.StatusNoApproval
	}
	return domain.StatusPendingApproval
}

// settledStatus applies the completion rule to a freshly created chain: a
// chain whose every slot is auto-satisfied has nothing left to wait for.
func settledStatus(chain []ChainEntry) domain.RequestStatus {
	status := InitialStatus(chain)
	if status != domain.StatusPendingApproval {
		return status
	}
	for _, c := range chain {
		if !c.AutoApproved {
			return status
		}
	}
	return domain.StatusApproved
}

// ensureTransition validates a request status edge. Overrides may reach
// EN_PROCESO or PENDIENTE_APROBACION from anywhere.
func ensureTransition(from, to domain.RequestStatus, override bool) error {
	if from == to {
		return NotActionableError{Reason: fmt.Sprintf("request is already %s", from)}
	}
	if override {
		if to == domain.StatusInProgress || to == domain.StatusPendingApproval {
			return nil
		}
		return ValidationError{Field: "status", Reason: fmt.Sprintf("override target must be %s or %s", domain.StatusInProgress, domain.StatusPendingApproval)}
	}
	switch from {
	case domain.StatusDraft, domain.StatusRejected:
		switch to {
		case domain.StatusPendingApproval, domain.StatusNoApproval, domain.StatusApproved:
			return nil
		}
	case domain.StatusPendingApproval:
		if to == domain.StatusApproved || to == domain.StatusRejected {
			return nil
		}
	case domain.StatusNoApproval, domain.StatusApproved:
		if to == domain.StatusInProgress || to == domain.StatusClosed {
			return nil
		}
	case domain.StatusInProgress:
		if to == domain.StatusClosed {
			return nil
		}
	}
	return NotActionableError{Reason: fmt.Sprintf("invalid request status transition %s -> %s", from, to)}
}
