package auth

import (
	"fmt"

	"procureline/internal/domain"
)

// Capability names reported in ForbiddenError.
const (
	CapEdit       = "request.edit"
	CapDecide     = "request.decide"
	CapDelete     = "request.delete"
	CapSubmit     = "request.submit"
	CapOverride   = "request.override_status"
	CapClose      = "request.close"
	CapReceive    = "reception.record"
	CapView       = "request.view"
	CapAdminister = "directory.administer"
)

// ForbiddenError indicates the actor lacks a capability.
type ForbiddenError struct {
	Capability string
}

func (e ForbiddenError) Error() string {
	return fmt.Sprintf("capability %s required", e.Capability)
}

// Capabilities is what one actor may do to one request right now.
type Capabilities struct {
	CanView     bool `json:"can_view"`
	CanEdit     bool `json:"can_edit"`
	CanDecide   bool `json:"can_decide"`
	CanDelete   bool `json:"can_delete"`
	CanSubmit   bool `json:"can_submit"`
	CanOverride bool `json:"can_override"`
	CanClose    bool `json:"can_close"`
	CanReceive  bool `json:"can_receive"`
}

// Require returns ForbiddenError when cap is not granted.
func (c Capabilities) Require(capability string) error {
	ok := false
	switch capability {
	case CapView:
		ok = c.CanView
	case CapEdit:
		ok = c.CanEdit
	case CapDecide:
		ok = c.CanDecide
	case CapDelete:
		ok = c.CanDelete
	case CapSubmit:
		ok = c.CanSubmit
	case CapOverride:
		ok = c.CanOverride
	case CapClose:
		ok = c.CanClose
	case CapReceive:
		ok = c.CanReceive
	}
	if !ok {
		return ForbiddenError{Capability: capability}
	}
	return nil
}

// Actionable returns the pending tasks sharing the lowest pending order.
func Actionable(tasks []domain.ApprovalTask) []domain.ApprovalTask {
	lowest := 0
	for _, t := range tasks {
		if t.Status == domain.TaskPending && (lowest == 0 || t.Order < lowest) {
			lowest = t.Order
		}
	}
	if lowest == 0 {
		return nil
	}
	var out []domain.ApprovalTask
	for _, t := range tasks {
		if t.Status == domain.TaskPending && t.Order == lowest {
			out = append(out, t)
		}
	}
	return out
}

// MayDecide reports whether actor may decide task, ignoring whether the task
// is currently actionable.
func MayDecide(actor domain.User, task domain.ApprovalTask) bool {
	return actor.IsAdmin() || actor.ID == task.ApproverID
}

// PendingEquivalent reports statuses in which a request awaits approval.
func PendingEquivalent(s domain.RequestStatus) bool {
	return s == domain.StatusPendingApproval || s == domain.StatusNoApproval
}

// Editable reports statuses in which the requester owns the request.
func Editable(s domain.RequestStatus) bool {
	return s == domain.StatusDraft || s == domain.StatusRejected
}

// Receivable reports statuses that accept receptions.
func Receivable(s domain.RequestStatus) bool {
	switch s {
	case domain.StatusApproved, domain.StatusNoApproval, domain.StatusInProgress:
		return true
	}
	return false
}

// Resolve computes every capability of actor on req in one place.
func Resolve(actor domain.User, req domain.PurchaseRequest, tasks []domain.ApprovalTask) Capabilities {
	admin := actor.IsAdmin()
	owner := actor.ID == req.RequesterID

	actionableApprover := false
	if req.Status == domain.StatusPendingApproval {
		for _, t := range Actionable(tasks) {
			if t.ApproverID == actor.ID {
				actionableApprover = true
				break
			}
		}
	}
	involved := false
	for _, t := range tasks {
		if t.ApproverID == actor.ID {
			involved = true
			break
		}
	}

	var c Capabilities
	c.CanView = admin || owner || involved
	c.CanEdit = admin || actionableApprover || (owner && Editable(req.Status))
	c.CanDecide = req.Status == domain.StatusPendingApproval && (admin || actionableApprover)
	if admin {
		c.CanDelete = !PendingEquivalent(req.Status)
	} else {
		c.CanDelete = owner && Editable(req.Status)
	}
	c.CanSubmit = (admin || owner) && Editable(req.Status)
	c.CanOverride = admin
	c.CanClose = admin && Receivable(req.Status)
	c.CanReceive = (admin || owner) && Receivable(req.Status)
	return c
}

// RequireAdministrator gates directory and invoice administration.
func RequireAdministrator(actor domain.User) error {
	if !actor.IsAdmin() {
		return ForbiddenError{Capability: CapAdminister}
	}
	return nil
}
