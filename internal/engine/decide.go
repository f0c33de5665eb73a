package engine

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"procureline/internal/domain"
	"procureline/internal/engine/auth"
	"procureline/internal/events"
	"procureline/internal/repo"
)

const (
	DecisionApprove = "approve"
	DecisionReject  = "reject"
)

type DecideOptions struct {
	PublicID string
	TaskID   string
	ActorID  string
	Decision string
	Comment  string
}

type DecideResult struct {
	PublicID   string                `json:"public_id"`
	TaskID     string                `json:"task_id"`
	Decision   string                `json:"decision"`
	NewStatus  domain.RequestStatus  `json:"new_status"`
	Omitted    int64                 `json:"omitted"`
	Actionable []domain.ApprovalTask `json:"actionable"`
}

// Decide approves or rejects the task. Only tasks in the lowest pending order
// group are actionable; the first decision in a group omits its peers.
func (e Engine) Decide(ctx context.Context, opts DecideOptions) (DecideResult, error) {
	decision := strings.ToLower(strings.TrimSpace(opts.Decision))
	if decision != DecisionApprove && decision != DecisionReject {
		return DecideResult{}, ValidationError{Field: "decision", Reason: "must be approve or reject"}
	}
	actor, err := e.actor(ctx, opts.ActorID)
	if err != nil {
		return DecideResult{}, err
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return DecideResult{}, err
	}
	defer tx.Rollback()

	req, tasks, caps, err := e.loadForActor(ctx, tx, opts.PublicID, actor)
	if err != nil {
		return DecideResult{}, err
	}
	var task *domain.ApprovalTask
	for i := range tasks {
		if tasks[i].ID == opts.TaskID {
			task = &tasks[i]
			break
		}
	}
	if task == nil {
		return DecideResult{}, fmt.Errorf("approval task %s on %s: %w", opts.TaskID, opts.PublicID, repo.ErrNotFound)
	}
	if req.Status != domain.StatusPendingApproval {
		return DecideResult{}, NotActionableError{Reason: fmt.Sprintf("request is %s", req.Status)}
	}
	if task.Status != domain.TaskPending {
		return DecideResult{}, ConflictError{Entity: "approval_task", ID: task.ID}
	}
	if actionable := auth.Actionable(tasks); len(actionable) > 0 && actionable[0].Order != task.Order {
		return DecideResult{}, NotActionableError{Reason: fmt.Sprintf("task order %d waits for order %d", task.Order, actionable[0].Order)}
	}
	if err := caps.Require(auth.CapDecide); err != nil {
		return DecideResult{}, err
	}
	if !auth.MayDecide(actor, *task) {
		return DecideResult{}, auth.ForbiddenError{Capability: auth.CapDecide}
	}

	now := e.now().Format(time.RFC3339)
	comment := optional(opts.Comment)
	taskStatus := domain.TaskApproved
	if decision == DecisionReject {
		taskStatus = domain.TaskRejected
	}
	if err := e.Repo.DecideTask(ctx, tx, task.ID, taskStatus, now, comment); err != nil {
		return DecideResult{}, conflictOn(err, "approval_task", task.ID)
	}

	res := DecideResult{PublicID: req.PublicID, TaskID: task.ID, Decision: decision, NewStatus: req.Status}
	var rejection *string
	if decision == DecisionReject {
		res.Omitted, err = e.Repo.OmitPendingTasks(ctx, tx, req.PublicID, task.ID, 0, now)
		if err != nil {
			return DecideResult{}, err
		}
		res.NewStatus = domain.StatusRejected
		rejection = comment
	} else {
		res.Omitted, err = e.Repo.OmitPendingTasks(ctx, tx, req.PublicID, task.ID, task.Order, now)
		if err != nil {
			return DecideResult{}, err
		}
		if !pendingAfter(tasks, task.Order) {
			res.NewStatus = domain.StatusApproved
		}
	}
	if res.NewStatus != req.Status {
		if err := ensureTransition(req.Status, res.NewStatus, false); err != nil {
			return DecideResult{}, err
		}
	}
	// The version bump also serializes decisions that leave the status alone.
	if err := e.Repo.UpdateRequestStatus(ctx, tx, req.ID, req.Version, res.NewStatus, rejection, now); err != nil {
		return DecideResult{}, conflictOn(err, "request", req.PublicID)
	}
	if err := e.events().Append(ctx, tx, events.TaskDecided, events.EntityTask, task.ID, actor.ID, events.EventPayload{
		"public_id": req.PublicID, "decision": decision, "order": task.Order, "omitted": res.Omitted,
	}); err != nil {
		return DecideResult{}, err
	}
	if res.NewStatus != req.Status {
		if err := e.events().Append(ctx, tx, events.RequestStatus, events.EntityRequest, req.PublicID, actor.ID, events.EventPayload{
			"from": req.Status, "to": res.NewStatus,
		}); err != nil {
			return DecideResult{}, err
		}
	}
	after, err := e.Repo.ListTasks(ctx, tx, req.PublicID)
	if err != nil {
		return DecideResult{}, err
	}
	if err := tx.Commit(); err != nil {
		return DecideResult{}, err
	}
	if res.NewStatus == domain.StatusPendingApproval {
		res.Actionable = auth.Actionable(after)
	}
	e.Metrics.Decision(decision)
	e.log().Info("approval decision recorded",
		zap.String("public_id", req.PublicID),
		zap.String("task_id", task.ID),
		zap.String("actor_id", actor.ID),
		zap.String("decision", decision),
		zap.String("status", string(res.NewStatus)))
	return res, nil
}

func pendingAfter(tasks []domain.ApprovalTask, order int) bool {
	for _, t := range tasks {
		if t.Status == domain.TaskPending && t.Order > order {
			return true
		}
	}
	return false
}

// OverrideStatus lets an administrator force EN_PROCESO or
// PENDIENTE_APROBACION. Approval tasks are not touched.
func (e Engine) OverrideStatus(ctx context.Context, publicID, actorID string, target domain.RequestStatus, comment string) (domain.PurchaseRequest, error) {
	actor, err := e.actor(ctx, actorID)
	if err != nil {
		return domain.PurchaseRequest{}, err
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.PurchaseRequest{}, err
	}
	defer tx.Rollback()
	req, _, caps, err := e.loadForActor(ctx, tx, publicID, actor)
	if err != nil {
		return domain.PurchaseRequest{}, err
	}
	if err := caps.Require(auth.CapOverride); err != nil {
		return domain.PurchaseRequest{}, err
	}
	if err := ensureTransition(req.Status, target, true); err != nil {
		return domain.PurchaseRequest{}, err
	}
	if err := e.setStatus(ctx, tx, &req, target, actor.ID, events.EventPayload{"override": true, "comment": comment}); err != nil {
		return domain.PurchaseRequest{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.PurchaseRequest{}, err
	}
	e.log().Warn("request status overridden", zap.String("public_id", publicID), zap.String("actor_id", actor.ID), zap.String("status", string(target)))
	return req, nil
}

// CloseRequest closes an approved or in-progress request administratively.
func (e Engine) CloseRequest(ctx context.Context, publicID, actorID, comment string) (domain.PurchaseRequest, error) {
	actor, err := e.actor(ctx, actorID)
	if err != nil {
		return domain.PurchaseRequest{}, err
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.PurchaseRequest{}, err
	}
	defer tx.Rollback()
	req, _, caps, err := e.loadForActor(ctx, tx, publicID, actor)
	if err != nil {
		return domain.PurchaseRequest{}, err
	}
	if err := ensureTransition(req.Status, domain.StatusClosed, false); err != nil {
		return domain.PurchaseRequest{}, err
	}
	if err := caps.Require(auth.CapClose); err != nil {
		return domain.PurchaseRequest{}, err
	}
	if err := e.setStatus(ctx, tx, &req, domain.StatusClosed, actor.ID, events.EventPayload{"comment": comment}); err != nil {
		return domain.PurchaseRequest{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.PurchaseRequest{}, err
	}
	return req, nil
}

// setStatus writes a status change and its event; req is updated in place.
func (e Engine) setStatus(ctx context.Context, tx *sql.Tx, req *domain.PurchaseRequest, to domain.RequestStatus, actorID string, extra events.EventPayload) error {
	now := e.now().Format(time.RFC3339)
	if err := e.Repo.UpdateRequestStatus(ctx, tx, req.ID, req.Version, to, req.RejectionComment, now); err != nil {
		return conflictOn(err, "request", req.PublicID)
	}
	payload := events.EventPayload{"from": req.Status, "to": to}
	for k, v := range extra {
		payload[k] = v
	}
	if err := e.events().Append(ctx, tx, events.RequestStatus, events.EntityRequest, req.PublicID, actorID, payload); err != nil {
		return err
	}
	req.Status = to
	req.Version++
	req.UpdatedAt = now
	return nil
}

// PendingApprovals lists tasks the actor can decide now. Administrators see
// every actionable task.
func (e Engine) PendingApprovals(ctx context.Context, actorID string) ([]repo.ActionableTask, error) {
	actor, err := e.actor(ctx, actorID)
	if err != nil {
		return nil, err
	}
	filter := actor.ID
	if actor.IsAdmin() {
		filter = ""
	}
	return e.Repo.ActionableTasks(ctx, nil, filter)
}
