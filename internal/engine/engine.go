package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"procureline/internal/config"
	"procureline/internal/domain"
	"procureline/internal/engine/auth"
	"procureline/internal/events"
	"procureline/internal/identity"
	"procureline/internal/metrics"
	"procureline/internal/repo"
)

const dateLayout = "2006-01-02"

type Engine struct {
	DB       *sql.DB
	Repo     repo.Repo
	Events   events.Writer
	Identity identity.Lookup
	Config   *config.Config
	// Risk overrides the configured Kraljic risk metric.
	Risk    RiskSource
	Metrics *metrics.Metrics
	Log     *zap.Logger
	Now     func() time.Time
}

// New wires an engine over db. A nil lookup reads the directory uncached.
func New(db *sql.DB, cfg *config.Config, lookup identity.Lookup) Engine {
	r := repo.Repo{DB: db}
	if lookup == nil {
		lookup = identity.Directory{Repo: r}
	}
	return Engine{
		DB:       db,
		Repo:     r,
		Events:   events.Writer{},
		Identity: lookup,
		Config:   cfg,
		Log:      zap.NewNop(),
		Now:      time.Now,
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now().UTC()
	}
	return time.Now().UTC()
}

func (e Engine) log() *zap.Logger {
	if e.Log == nil {
		return zap.NewNop()
	}
	return e.Log
}

func (e Engine) lookup() identity.Lookup {
	if e.Identity == nil {
		return identity.Directory{Repo: e.Repo}
	}
	return e.Identity
}

func (e Engine) settings() config.Settings {
	if e.Config == nil {
		return config.Default().Settings
	}
	return e.Config.Settings
}

func (e Engine) analysisConfig() config.Analysis {
	if e.Config == nil {
		return config.Default().Analysis
	}
	return e.Config.Analysis
}

func (e Engine) events() events.Writer {
	w := e.Events
	if w.Now == nil {
		w.Now = e.now
	}
	return w
}

// actor resolves the calling user.
func (e Engine) actor(ctx context.Context, id string) (domain.User, error) {
	if strings.TrimSpace(id) == "" {
		return domain.User{}, ValidationError{Field: "actor_id", Reason: "required"}
	}
	u, err := e.lookup().GetUser(ctx, id)
	if errors.Is(err, repo.ErrNotFound) {
		return u, ValidationError{Field: "actor_id", Reason: "unknown user " + id}
	}
	return u, err
}

func conflictOn(err error, entity, id string) error {
	if errors.Is(err, repo.ErrStale) {
		return ConflictError{Entity: entity, ID: id}
	}
	return err
}

// ItemInput describes a requested line.
type ItemInput struct {
	Description        string
	Specifications     string
	Quantity           float64
	Observations       string
	Priority           string
	ImageRef           string
	EstimatedUnitPrice *decimal.Decimal
}

func buildItems(requestID string, in []ItemInput) ([]domain.RequestItem, bool, error) {
	if len(in) == 0 {
		return nil, false, ValidationError{Field: "items", Reason: "at least one item is required"}
	}
	urgent := false
	items := make([]domain.RequestItem, 0, len(in))
	for i, it := range in {
		field := fmt.Sprintf("items[%d]", i)
		desc := strings.TrimSpace(it.Description)
		if desc == "" {
			return nil, false, ValidationError{Field: field + ".description", Reason: "required"}
		}
		if !(it.Quantity > 0) {
			return nil, false, ValidationError{Field: field + ".quantity", Reason: "must be greater than zero"}
		}
		priority := strings.ToLower(strings.TrimSpace(it.Priority))
		switch priority {
		case "":
			priority = domain.PriorityNormal
		case domain.PriorityNormal, domain.PriorityUrgent:
		default:
			return nil, false, ValidationError{Field: field + ".priority", Reason: "must be normal or urgent"}
		}
		if it.EstimatedUnitPrice != nil && it.EstimatedUnitPrice.IsNegative() {
			return nil, false, ValidationError{Field: field + ".estimated_unit_price", Reason: "must not be negative"}
		}
		urgent = urgent || priority == domain.PriorityUrgent
		item := domain.RequestItem{
			ID:                 uuid.NewString(),
			RequestID:          requestID,
			Description:        desc,
			Specifications:     strings.TrimSpace(it.Specifications),
			Quantity:           it.Quantity,
			Observations:       it.Observations,
			Priority:           priority,
			EstimatedUnitPrice: it.EstimatedUnitPrice,
		}
		if ref := strings.TrimSpace(it.ImageRef); ref != "" {
			item.ImageRef = &ref
		}
		items = append(items, item)
	}
	return items, urgent, nil
}

func normalizeDate(field, in string, fallback time.Time) (string, error) {
	if strings.TrimSpace(in) == "" {
		return fallback.Format(dateLayout), nil
	}
	d, err := time.Parse(dateLayout, strings.TrimSpace(in))
	if err != nil {
		return "", ValidationError{Field: field, Reason: "must be YYYY-MM-DD"}
	}
	return d.Format(dateLayout), nil
}

func normalizeType(in string) (domain.RequestType, error) {
	switch domain.RequestType(strings.ToLower(strings.TrimSpace(in))) {
	case "", domain.TypePurchase:
		return domain.TypePurchase, nil
	case domain.TypeService:
		return domain.TypeService, nil
	}
	return "", ValidationError{Field: "type", Reason: "must be purchase or service"}
}

func (e Engine) ensureProvider(ctx context.Context, tx *sql.Tx, providerID *string) error {
	if providerID == nil {
		return nil
	}
	if _, err := e.Repo.GetProvider(ctx, tx, *providerID); errors.Is(err, repo.ErrNotFound) {
		return ValidationError{Field: "provider_id", Reason: "unknown provider " + *providerID}
	} else if err != nil {
		return err
	}
	return nil
}

func optional(s string) *string {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	return &s
}

// CreateRequestOptions are parameters for creating a purchase request.
type CreateRequestOptions struct {
	RequesterID string
	ProviderID  string
	RequestDate string
	Type        string
	Notes       string
	Items       []ItemInput
	// Draft stores the request as BORRADOR; chain and duplicate checks run on Submit.
	Draft bool
}

// CreateResult reports a created or resubmitted request.
type CreateResult struct {
	Request           domain.PurchaseRequest `json:"request"`
	Chain             []ChainEntry           `json:"chain"`
	Tasks             []domain.ApprovalTask  `json:"tasks"`
	InitialStatus     domain.RequestStatus   `json:"initial_status"`
	Status            domain.RequestStatus   `json:"status"`
	DuplicateWarnings []DuplicateMatch       `json:"duplicate_warnings"`
}

// CreateRequest validates items, runs the duplicate guard, resolves the
// approval chain and stores request, items and tasks in one transaction.
func (e Engine) CreateRequest(ctx context.Context, opts CreateRequestOptions) (CreateResult, error) {
	now := e.now()
	requestID := uuid.NewString()
	items, urgent, err := buildItems(requestID, opts.Items)
	if err != nil {
		return CreateResult{}, err
	}
	reqType, err := normalizeType(opts.Type)
	if err != nil {
		return CreateResult{}, err
	}
	reqDate, err := normalizeDate("request_date", opts.RequestDate, now)
	if err != nil {
		return CreateResult{}, err
	}
	requester, err := e.lookup().GetUser(ctx, opts.RequesterID)
	if errors.Is(err, repo.ErrNotFound) {
		return CreateResult{}, ValidationError{Field: "requester_id", Reason: "unknown user " + opts.RequesterID}
	}
	if err != nil {
		return CreateResult{}, err
	}

	res := CreateResult{DuplicateWarnings: []DuplicateMatch{}, Tasks: []domain.ApprovalTask{}}
	status := domain.StatusDraft
	res.InitialStatus = status
	if !opts.Draft {
		dup, err := e.checkDuplicates(ctx, requester.ID, items, now, "")
		if err != nil {
			return CreateResult{}, err
		}
		res.DuplicateWarnings = append(res.DuplicateWarnings, dup.Matches...)
		chain, err := ResolveChain(ctx, e.lookup(), requester, e.log())
		if err != nil {
			return CreateResult{}, err
		}
		res.Chain = chain
		res.InitialStatus = InitialStatus(chain)
		// An all auto-approved chain reports PENDIENTE_APROBACION but is stored
		// APROBADA: no task would ever become actionable.
		status = settledStatus(chain)
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return CreateResult{}, err
	}
	defer tx.Rollback()

	req := domain.PurchaseRequest{
		ID:            requestID,
		RequesterID:   requester.ID,
		ProviderID:    optional(opts.ProviderID),
		RequestDate:   reqDate,
		Type:          reqType,
		Urgent:        urgent,
		Status:        status,
		CoordinatorID: requester.CoordinatorID,
		Notes:         strings.TrimSpace(opts.Notes),
		Version:       1,
		CreatedAt:     now.Format(time.RFC3339),
		UpdatedAt:     now.Format(time.RFC3339),
	}
	if err := e.ensureProvider(ctx, tx, req.ProviderID); err != nil {
		return CreateResult{}, err
	}
	prefix := initials(requester)
	seq, err := e.Repo.NextPublicSeq(ctx, tx, prefix)
	if err != nil {
		return CreateResult{}, fmt.Errorf("next public id: %w", err)
	}
	req.PublicID = formatPublicID(prefix, seq)
	if err := e.Repo.InsertRequest(ctx, tx, req, prefix, seq); err != nil {
		return CreateResult{}, fmt.Errorf("insert request: %w", err)
	}
	if err := e.Repo.InsertItems(ctx, tx, items); err != nil {
		return CreateResult{}, fmt.Errorf("insert items: %w", err)
	}
	tasks, err := e.insertChain(ctx, tx, req.PublicID, res.Chain, now)
	if err != nil {
		return CreateResult{}, err
	}
	if err := e.events().Append(ctx, tx, events.RequestCreated, events.EntityRequest, req.PublicID, requester.ID, events.EventPayload{
		"initial_status": res.InitialStatus,
		"status":         status,
		"items":          len(items),
		"chain":          res.Chain,
	}); err != nil {
		return CreateResult{}, err
	}
	if len(res.DuplicateWarnings) > 0 {
		if err := e.events().Append(ctx, tx, events.DuplicateWarned, events.EntityRequest, req.PublicID, requester.ID, events.EventPayload{
			"matches": res.DuplicateWarnings,
		}); err != nil {
			return CreateResult{}, err
		}
	}
	if err := tx.Commit(); err != nil {
		return CreateResult{}, err
	}

	req.Items = items
	res.Request = req
	res.Tasks = tasks
	res.Status = status
	e.Metrics.RequestCreated(string(status))
	e.log().Info("purchase request created",
		zap.String("public_id", req.PublicID),
		zap.String("actor_id", requester.ID),
		zap.String("status", string(status)),
		zap.Int("chain", len(res.Chain)),
		zap.Int("duplicate_warnings", len(res.DuplicateWarnings)))
	return res, nil
}

// checkDuplicates runs the guard and converts a block into an error.
func (e Engine) checkDuplicates(ctx context.Context, requesterID string, items []domain.RequestItem, asOf time.Time, excludeID string) (DuplicateResult, error) {
	guard := DuplicateGuard{Repo: e.Repo, Settings: e.settings()}
	res, err := guard.Check(ctx, requesterID, items, asOf, excludeID)
	if err != nil {
		return res, fmt.Errorf("duplicate check: %w", err)
	}
	switch {
	case res.ShouldBlock:
		e.Metrics.DuplicateOutcome("blocked")
		e.log().Warn("duplicate request blocked", zap.String("actor_id", requesterID), zap.Int("matches", len(res.Matches)))
		return res, DuplicateBlockedError{Matches: res.Matches}
	case res.IsDuplicate:
		e.Metrics.DuplicateOutcome("warned")
		e.log().Info("duplicate request warning", zap.String("actor_id", requesterID), zap.Int("matches", len(res.Matches)))
	default:
		e.Metrics.DuplicateOutcome("clean")
	}
	return res, nil
}

func (e Engine) insertChain(ctx context.Context, tx *sql.Tx, publicID string, chain []ChainEntry, now time.Time) ([]domain.ApprovalTask, error) {
	tasks := make([]domain.ApprovalTask, 0, len(chain))
	stamp := now.Format(time.RFC3339)
	for _, c := range chain {
		t := domain.ApprovalTask{
			ID:         uuid.NewString(),
			PublicID:   publicID,
			ApproverID: c.ApproverID,
			Order:      c.Order,
			Status:     domain.TaskPending,
		}
		if c.AutoApproved {
			t.Status = domain.TaskApproved
			t.DecidedAt = &stamp
			reason := c.Reason
			t.Comment = &reason
		}
		if err := e.Repo.InsertTask(ctx, tx, t); err != nil {
			return nil, fmt.Errorf("insert approval task: %w", err)
		}
		tasks = append(tasks, t)
	}
	return tasks, nil
}

// loadForActor reads a request and its tasks inside tx and resolves the
// actor's capabilities on it.
func (e Engine) loadForActor(ctx context.Context, tx *sql.Tx, publicID string, actor domain.User) (domain.PurchaseRequest, []domain.ApprovalTask, auth.Capabilities, error) {
	req, err := e.Repo.GetRequest(ctx, tx, publicID)
	if err != nil {
		return req, nil, auth.Capabilities{}, fmt.Errorf("request %s: %w", publicID, err)
	}
	tasks, err := e.Repo.ListTasks(ctx, tx, publicID)
	if err != nil {
		return req, nil, auth.Capabilities{}, err
	}
	return req, tasks, auth.Resolve(actor, req, tasks), nil
}

// Submit sends a draft or rejected request back through approval with a
// freshly resolved chain. The previous tasks are replaced.
func (e Engine) Submit(ctx context.Context, publicID, actorID string) (CreateResult, error) {
	actor, err := e.actor(ctx, actorID)
	if err != nil {
		return CreateResult{}, err
	}
	req, err := e.Repo.GetRequest(ctx, nil, publicID)
	if err != nil {
		return CreateResult{}, fmt.Errorf("request %s: %w", publicID, err)
	}
	requester, err := e.lookup().GetUser(ctx, req.RequesterID)
	if err != nil {
		return CreateResult{}, err
	}
	now := e.now()
	res := CreateResult{DuplicateWarnings: []DuplicateMatch{}}
	if auth.Editable(req.Status) {
		dup, err := e.checkDuplicates(ctx, requester.ID, req.Items, now, req.ID)
		if err != nil {
			return CreateResult{}, err
		}
		res.DuplicateWarnings = append(res.DuplicateWarnings, dup.Matches...)
	}
	chain, err := ResolveChain(ctx, e.lookup(), requester, e.log())
	if err != nil {
		return CreateResult{}, err
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return CreateResult{}, err
	}
	defer tx.Rollback()
	current, _, caps, err := e.loadForActor(ctx, tx, publicID, actor)
	if err != nil {
		return CreateResult{}, err
	}
	if !auth.Editable(current.Status) {
		return CreateResult{}, NotActionableError{Reason: fmt.Sprintf("request is %s; only %s or %s requests can be submitted", current.Status, domain.StatusDraft, domain.StatusRejected)}
	}
	if err := caps.Require(auth.CapSubmit); err != nil {
		return CreateResult{}, err
	}
	status := settledStatus(chain)
	if err := ensureTransition(current.Status, status, false); err != nil {
		return CreateResult{}, err
	}
	if err := e.Repo.DeleteTasks(ctx, tx, publicID); err != nil {
		return CreateResult{}, err
	}
	tasks, err := e.insertChain(ctx, tx, publicID, chain, now)
	if err != nil {
		return CreateResult{}, err
	}
	if err := e.Repo.UpdateRequestStatus(ctx, tx, current.ID, current.Version, status, nil, now.Format(time.RFC3339)); err != nil {
		return CreateResult{}, conflictOn(err, "request", publicID)
	}
	if err := e.events().Append(ctx, tx, events.RequestSubmitted, events.EntityRequest, publicID, actor.ID, events.EventPayload{
		"from": current.Status, "status": status, "chain": chain,
	}); err != nil {
		return CreateResult{}, err
	}
	if err := tx.Commit(); err != nil {
		return CreateResult{}, err
	}
	current.Status = status
	current.Version++
	current.RejectionComment = nil
	res.Request = current
	res.Chain = chain
	res.Tasks = tasks
	res.InitialStatus = InitialStatus(chain)
	res.Status = status
	e.log().Info("purchase request submitted", zap.String("public_id", publicID), zap.String("actor_id", actor.ID), zap.String("status", string(status)))
	return res, nil
}

// UpdateRequestOptions carries an edit. Nil fields are left unchanged; a
// non-nil Items replaces every item.
type UpdateRequestOptions struct {
	PublicID    string
	ActorID     string
	Version     *int
	ProviderID  *string
	RequestDate *string
	Type        *string
	Notes       *string
	Items       []ItemInput
}

// UpdateRequest edits header fields and items under the edit capability.
func (e Engine) UpdateRequest(ctx context.Context, opts UpdateRequestOptions) (domain.PurchaseRequest, error) {
	actor, err := e.actor(ctx, opts.ActorID)
	if err != nil {
		return domain.PurchaseRequest{}, err
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.PurchaseRequest{}, err
	}
	defer tx.Rollback()
	req, _, caps, err := e.loadForActor(ctx, tx, opts.PublicID, actor)
	if err != nil {
		return domain.PurchaseRequest{}, err
	}
	if err := caps.Require(auth.CapEdit); err != nil {
		return domain.PurchaseRequest{}, err
	}
	if opts.Version != nil && *opts.Version != req.Version {
		return domain.PurchaseRequest{}, ConflictError{Entity: "request", ID: req.PublicID}
	}
	changed := []string{}
	if opts.ProviderID != nil {
		req.ProviderID = optional(*opts.ProviderID)
		if err := e.ensureProvider(ctx, tx, req.ProviderID); err != nil {
			return domain.PurchaseRequest{}, err
		}
		changed = append(changed, "provider_id")
	}
	if opts.RequestDate != nil {
		if req.RequestDate, err = normalizeDate("request_date", *opts.RequestDate, e.now()); err != nil {
			return domain.PurchaseRequest{}, err
		}
		changed = append(changed, "request_date")
	}
	if opts.Type != nil {
		if req.Type, err = normalizeType(*opts.Type); err != nil {
			return domain.PurchaseRequest{}, err
		}
		changed = append(changed, "type")
	}
	if opts.Notes != nil {
		req.Notes = strings.TrimSpace(*opts.Notes)
		changed = append(changed, "notes")
	}
	if opts.Items != nil {
		n, err := e.Repo.CountReceptions(ctx, tx, req.ID)
		if err != nil {
			return domain.PurchaseRequest{}, err
		}
		if n > 0 {
			return domain.PurchaseRequest{}, NotActionableError{Reason: "items cannot be replaced after receptions were recorded"}
		}
		items, urgent, err := buildItems(req.ID, opts.Items)
		if err != nil {
			return domain.PurchaseRequest{}, err
		}
		if err := e.Repo.DeleteItems(ctx, tx, req.ID); err != nil {
			return domain.PurchaseRequest{}, err
		}
		if err := e.Repo.InsertItems(ctx, tx, items); err != nil {
			return domain.PurchaseRequest{}, err
		}
		req.Items = items
		req.Urgent = urgent
		changed = append(changed, "items")
	}
	if len(changed) == 0 {
		return req, nil
	}
	if err := e.Repo.UpdateRequestHeader(ctx, tx, req, e.now().Format(time.RFC3339)); err != nil {
		return domain.PurchaseRequest{}, conflictOn(err, "request", req.PublicID)
	}
	if err := e.events().Append(ctx, tx, events.RequestUpdated, events.EntityRequest, req.PublicID, actor.ID, events.EventPayload{"fields": changed}); err != nil {
		return domain.PurchaseRequest{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.PurchaseRequest{}, err
	}
	req.Version++
	return req, nil
}

// DeleteRequest removes a request with its items and tasks.
func (e Engine) DeleteRequest(ctx context.Context, publicID, actorID string) error {
	actor, err := e.actor(ctx, actorID)
	if err != nil {
		return err
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	req, _, caps, err := e.loadForActor(ctx, tx, publicID, actor)
	if err != nil {
		return err
	}
	if actor.IsAdmin() && auth.PendingEquivalent(req.Status) {
		return NotActionableError{Reason: fmt.Sprintf("request is %s and cannot be deleted while awaiting approval", req.Status)}
	}
	if err := caps.Require(auth.CapDelete); err != nil {
		return err
	}
	n, err := e.Repo.CountReceptions(ctx, tx, req.ID)
	if err != nil {
		return err
	}
	if n > 0 {
		return NotActionableError{Reason: "request has receptions"}
	}
	if err := e.Repo.DeleteRequest(ctx, tx, req.ID); err != nil {
		return err
	}
	if err := e.events().Append(ctx, tx, events.RequestDeleted, events.EntityRequest, publicID, actor.ID, events.EventPayload{"status": req.Status}); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	e.log().Info("purchase request deleted", zap.String("public_id", publicID), zap.String("actor_id", actor.ID))
	return nil
}

// RequestView is a request with its derived state as seen by one actor.
type RequestView struct {
	Request        domain.PurchaseRequest        `json:"request"`
	Tasks          []domain.ApprovalTask         `json:"tasks"`
	Actionable     []domain.ApprovalTask         `json:"actionable"`
	Receptions     map[string][]domain.Reception `json:"receptions"`
	Progress       []ItemProgress                `json:"progress"`
	RequestPercent int                           `json:"request_percent"`
	Capabilities   auth.Capabilities             `json:"capabilities"`
}

func (e Engine) GetRequest(ctx context.Context, publicID, actorID string) (RequestView, error) {
	actor, err := e.actor(ctx, actorID)
	if err != nil {
		return RequestView{}, err
	}
	req, tasks, caps, err := e.loadForActor(ctx, nil, publicID, actor)
	if err != nil {
		return RequestView{}, err
	}
	if err := caps.Require(auth.CapView); err != nil {
		return RequestView{}, err
	}
	receptions, err := e.Repo.ListReceptions(ctx, nil, req.ID)
	if err != nil {
		return RequestView{}, err
	}
	progress := progressAll(req.Items, receptions)
	return RequestView{
		Request:        req,
		Tasks:          tasks,
		Actionable:     auth.Actionable(tasks),
		Receptions:     receptions,
		Progress:       progress,
		RequestPercent: RequestProgress(progress),
		Capabilities:   caps,
	}, nil
}

// ListRequests returns every request for administrators and the actor's own
// requests otherwise.
func (e Engine) ListRequests(ctx context.Context, actorID string, status domain.RequestStatus, limit int) ([]domain.PurchaseRequest, error) {
	actor, err := e.actor(ctx, actorID)
	if err != nil {
		return nil, err
	}
	f := repo.RequestFilters{Status: status, Limit: limit}
	if !actor.IsAdmin() {
		f.RequesterID = actor.ID
	}
	return e.Repo.ListRequests(ctx, nil, f)
}
