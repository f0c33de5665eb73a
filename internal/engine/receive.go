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

	"procureline/internal/domain"
	"procureline/internal/engine/auth"
	"procureline/internal/events"
	"procureline/internal/repo"
)

type ReceptionOptions struct {
	ItemID          string
	ActorID         string
	Quantity        float64
	Date            string
	InvoicePrefix   string
	InvoiceNumber   string
	ActualUnitPrice *decimal.Decimal
	Comment         string
}

type ReceptionResult struct {
	Reception      domain.Reception     `json:"reception"`
	Received       float64              `json:"received"`
	ItemPercent    int                  `json:"item_percent"`
	RequestPercent int                  `json:"request_percent"`
	OverReceived   bool                 `json:"over_received"`
	Status         domain.RequestStatus `json:"status"`
}

// RecordReception appends a delivery against an item. The first reception
// moves the request to EN_PROCESO and full fulfillment closes it.
func (e Engine) RecordReception(ctx context.Context, opts ReceptionOptions) (ReceptionResult, error) {
	if !(opts.Quantity > 0) {
		return ReceptionResult{}, ValidationError{Field: "quantity", Reason: "must be greater than zero"}
	}
	if opts.ActualUnitPrice != nil && opts.ActualUnitPrice.IsNegative() {
		return ReceptionResult{}, ValidationError{Field: "actual_unit_price", Reason: "must not be negative"}
	}
	now := e.now()
	date, err := normalizeDate("date", opts.Date, now)
	if err != nil {
		return ReceptionResult{}, err
	}
	actor, err := e.actor(ctx, opts.ActorID)
	if err != nil {
		return ReceptionResult{}, err
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return ReceptionResult{}, err
	}
	defer tx.Rollback()

	item, err := e.Repo.GetItem(ctx, tx, opts.ItemID)
	if err != nil {
		return ReceptionResult{}, fmt.Errorf("item %s: %w", opts.ItemID, err)
	}
	req, err := e.Repo.GetRequestByID(ctx, tx, item.RequestID)
	if err != nil {
		return ReceptionResult{}, err
	}
	tasks, err := e.Repo.ListTasks(ctx, tx, req.PublicID)
	if err != nil {
		return ReceptionResult{}, err
	}
	if !auth.Receivable(req.Status) {
		return ReceptionResult{}, NotActionableError{Reason: fmt.Sprintf("request is %s and does not accept receptions", req.Status)}
	}
	if err := auth.Resolve(actor, req, tasks).Require(auth.CapReceive); err != nil {
		return ReceptionResult{}, err
	}

	rc := domain.Reception{
		ID:              uuid.NewString(),
		ItemID:          item.ID,
		Quantity:        opts.Quantity,
		Date:            date,
		RecordedBy:      actor.ID,
		ActualUnitPrice: opts.ActualUnitPrice,
		Comment:         strings.TrimSpace(opts.Comment),
		CreatedAt:       now.Format(time.RFC3339),
	}
	if number := strings.TrimSpace(opts.InvoiceNumber); number != "" {
		price, err := e.invoicePrice(ctx, tx, strings.TrimSpace(opts.InvoicePrefix), number, item, opts.ActualUnitPrice)
		if err != nil {
			return ReceptionResult{}, err
		}
		prefix := strings.TrimSpace(opts.InvoicePrefix)
		rc.InvoicePrefix = &prefix
		rc.InvoiceNumber = &number
		rc.ActualUnitPrice = price
	}
	if err := e.Repo.InsertReception(ctx, tx, rc); err != nil {
		return ReceptionResult{}, fmt.Errorf("insert reception: %w", err)
	}

	receptions, err := e.Repo.ListReceptions(ctx, tx, req.ID)
	if err != nil {
		return ReceptionResult{}, err
	}
	progress := progressAll(req.Items, receptions)
	res := ReceptionResult{Reception: rc, RequestPercent: RequestProgress(progress), Status: req.Status}
	for _, p := range progress {
		if p.ItemID == item.ID {
			res.Received = p.Received
			res.ItemPercent = p.Percent
			res.OverReceived = p.OverReceived
		}
	}
	if err := e.events().Append(ctx, tx, events.ReceptionRecorded, events.EntityReception, rc.ID, actor.ID, events.EventPayload{
		"public_id": req.PublicID, "item_id": item.ID, "quantity": rc.Quantity,
		"item_percent": res.ItemPercent, "request_percent": res.RequestPercent, "over_received": res.OverReceived,
	}); err != nil {
		return ReceptionResult{}, err
	}

	next := req.Status
	if next == domain.StatusApproved || next == domain.StatusNoApproval {
		next = domain.StatusInProgress
	}
	if fullyReceived(progress) {
		next = domain.StatusClosed
	}
	if next != req.Status {
		if err := e.setStatus(ctx, tx, &req, next, actor.ID, events.EventPayload{"reception_id": rc.ID}); err != nil {
			return ReceptionResult{}, err
		}
		res.Status = next
	}
	if err := tx.Commit(); err != nil {
		return ReceptionResult{}, err
	}
	e.Metrics.Reception(res.OverReceived)
	fields := []zap.Field{
		zap.String("public_id", req.PublicID),
		zap.String("item_id", item.ID),
		zap.String("actor_id", actor.ID),
		zap.Int("request_percent", res.RequestPercent),
		zap.String("status", string(res.Status)),
	}
	if res.OverReceived {
		e.log().Warn("item over-received", fields...)
	} else {
		e.log().Info("reception recorded", fields...)
	}
	return res, nil
}

// invoicePrice checks the invoice exists and returns the actual price: the
// given one, else the invoice line matching the item description.
func (e Engine) invoicePrice(ctx context.Context, tx *sql.Tx, prefix, number string, item domain.RequestItem, given *decimal.Decimal) (*decimal.Decimal, error) {
	inv, err := e.Repo.GetInvoiceByRef(ctx, tx, prefix, number)
	if errors.Is(err, repo.ErrNotFound) {
		return nil, ValidationError{Field: "invoice", Reason: fmt.Sprintf("unknown invoice %s", invoiceRef(&prefix, &number))}
	}
	if err != nil {
		return nil, err
	}
	if given != nil {
		return given, nil
	}
	for _, line := range inv.Lines {
		if sameText(line.Description, item.Description) {
			p := line.UnitPrice
			return &p, nil
		}
	}
	return nil, nil
}

type LinkInvoiceOptions struct {
	ReceptionID     string
	ActorID         string
	InvoicePrefix   string
	InvoiceNumber   string
	ActualUnitPrice *decimal.Decimal
}

// LinkReceptionInvoice attaches an invoice to a reception recorded without one.
func (e Engine) LinkReceptionInvoice(ctx context.Context, opts LinkInvoiceOptions) (domain.Reception, error) {
	number := strings.TrimSpace(opts.InvoiceNumber)
	prefix := strings.TrimSpace(opts.InvoicePrefix)
	if number == "" {
		return domain.Reception{}, ValidationError{Field: "invoice_number", Reason: "required"}
	}
	actor, err := e.actor(ctx, opts.ActorID)
	if err != nil {
		return domain.Reception{}, err
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Reception{}, err
	}
	defer tx.Rollback()
	rc, err := e.Repo.GetReception(ctx, tx, opts.ReceptionID)
	if err != nil {
		return domain.Reception{}, fmt.Errorf("reception %s: %w", opts.ReceptionID, err)
	}
	item, err := e.Repo.GetItem(ctx, tx, rc.ItemID)
	if err != nil {
		return domain.Reception{}, err
	}
	req, err := e.Repo.GetRequestByID(ctx, tx, item.RequestID)
	if err != nil {
		return domain.Reception{}, err
	}
	if !actor.IsAdmin() && actor.ID != req.RequesterID {
		return domain.Reception{}, auth.ForbiddenError{Capability: auth.CapReceive}
	}
	if rc.HasInvoice() {
		return domain.Reception{}, NotActionableError{Reason: "reception already linked to invoice " + invoiceRef(rc.InvoicePrefix, rc.InvoiceNumber)}
	}
	given := opts.ActualUnitPrice
	if given == nil {
		given = rc.ActualUnitPrice
	}
	price, err := e.invoicePrice(ctx, tx, prefix, number, item, given)
	if err != nil {
		return domain.Reception{}, err
	}
	if err := e.Repo.LinkReceptionInvoice(ctx, tx, rc.ID, prefix, number, price); err != nil {
		return domain.Reception{}, err
	}
	if err := e.events().Append(ctx, tx, events.ReceptionLinked, events.EntityReception, rc.ID, actor.ID, events.EventPayload{
		"public_id": req.PublicID, "invoice": invoiceRef(&prefix, &number),
	}); err != nil {
		return domain.Reception{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Reception{}, err
	}
	rc.InvoicePrefix = &prefix
	rc.InvoiceNumber = &number
	if price != nil {
		rc.ActualUnitPrice = price
	}
	return rc, nil
}

type InvoiceLineInput struct {
	Description string
	Quantity    decimal.Decimal
	UnitPrice   decimal.Decimal
}

type InvoiceOptions struct {
	ActorID    string
	ProviderID string
	Prefix     string
	Number     string
	IssueDate  string
	Lines      []InvoiceLineInput
}

// CreateInvoice records a purchase invoice. Tax is derived from the
// configured IVA percentage and rounded to cents.
func (e Engine) CreateInvoice(ctx context.Context, opts InvoiceOptions) (domain.Invoice, error) {
	actor, err := e.actor(ctx, opts.ActorID)
	if err != nil {
		return domain.Invoice{}, err
	}
	if err := auth.RequireAdministrator(actor); err != nil {
		return domain.Invoice{}, err
	}
	inv := domain.Invoice{
		ID:         uuid.NewString(),
		ProviderID: strings.TrimSpace(opts.ProviderID),
		Prefix:     strings.TrimSpace(opts.Prefix),
		Number:     strings.TrimSpace(opts.Number),
		CreatedAt:  e.now().Format(time.RFC3339),
	}
	if inv.Number == "" {
		return domain.Invoice{}, ValidationError{Field: "number", Reason: "required"}
	}
	if inv.ProviderID == "" {
		return domain.Invoice{}, ValidationError{Field: "provider_id", Reason: "required"}
	}
	if len(opts.Lines) == 0 {
		return domain.Invoice{}, ValidationError{Field: "lines", Reason: "at least one line is required"}
	}
	if inv.IssueDate, err = normalizeDate("issue_date", opts.IssueDate, e.now()); err != nil {
		return domain.Invoice{}, err
	}
	for i, l := range opts.Lines {
		field := fmt.Sprintf("lines[%d]", i)
		if strings.TrimSpace(l.Description) == "" {
			return domain.Invoice{}, ValidationError{Field: field + ".description", Reason: "required"}
		}
		if !l.Quantity.IsPositive() {
			return domain.Invoice{}, ValidationError{Field: field + ".quantity", Reason: "must be greater than zero"}
		}
		if l.UnitPrice.IsNegative() {
			return domain.Invoice{}, ValidationError{Field: field + ".unit_price", Reason: "must not be negative"}
		}
		line := domain.InvoiceLine{
			ID:          uuid.NewString(),
			InvoiceID:   inv.ID,
			Description: strings.TrimSpace(l.Description),
			Quantity:    l.Quantity,
			UnitPrice:   l.UnitPrice,
		}
		inv.Lines = append(inv.Lines, line)
		inv.Subtotal = inv.Subtotal.Add(line.Amount())
	}
	inv.Subtotal = inv.Subtotal.Round(2)
	inv.Tax = inv.Subtotal.Mul(e.settings().IVA()).Div(hundred).Round(2)
	inv.Total = inv.Subtotal.Add(inv.Tax)

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Invoice{}, err
	}
	defer tx.Rollback()
	if err := e.ensureProvider(ctx, tx, &inv.ProviderID); err != nil {
		return domain.Invoice{}, err
	}
	if _, err := e.Repo.GetInvoiceByRef(ctx, tx, inv.Prefix, inv.Number); err == nil {
		return domain.Invoice{}, ConflictError{Entity: "invoice", ID: invoiceRef(&inv.Prefix, &inv.Number)}
	} else if !errors.Is(err, repo.ErrNotFound) {
		return domain.Invoice{}, err
	}
	if err := e.Repo.InsertInvoice(ctx, tx, inv); err != nil {
		return domain.Invoice{}, fmt.Errorf("insert invoice: %w", err)
	}
	if err := e.events().Append(ctx, tx, events.InvoiceCreated, events.EntityInvoice, inv.ID, actor.ID, events.EventPayload{
		"ref": invoiceRef(&inv.Prefix, &inv.Number), "total": inv.Total.String(),
	}); err != nil {
		return domain.Invoice{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Invoice{}, err
	}
	return inv, nil
}

func (e Engine) GetInvoice(ctx context.Context, id string) (domain.Invoice, error) {
	inv, err := e.Repo.GetInvoice(ctx, nil, id)
	if err != nil {
		return inv, fmt.Errorf("invoice %s: %w", id, err)
	}
	return inv, nil
}

// GetTraceability reports invoice coverage and price variance of a request.
func (e Engine) GetTraceability(ctx context.Context, publicID, actorID string) (Traceability, error) {
	actor, err := e.actor(ctx, actorID)
	if err != nil {
		return Traceability{}, err
	}
	req, _, caps, err := e.loadForActor(ctx, nil, publicID, actor)
	if err != nil {
		return Traceability{}, err
	}
	if err := caps.Require(auth.CapView); err != nil {
		return Traceability{}, err
	}
	receptions, err := e.Repo.ListReceptions(ctx, nil, req.ID)
	if err != nil {
		return Traceability{}, err
	}
	return Trace(req.PublicID, req.Items, receptions), nil
}

// GetKraljicMatrix classifies products received between start and end
// (inclusive, YYYY-MM-DD).
func (e Engine) GetKraljicMatrix(ctx context.Context, actorID, start, end string) (KraljicMatrix, error) {
	actor, err := e.actor(ctx, actorID)
	if err != nil {
		return KraljicMatrix{}, err
	}
	if err := auth.RequireAdministrator(actor); err != nil {
		return KraljicMatrix{}, err
	}
	now := e.now()
	if end, err = normalizeDate("end", end, now); err != nil {
		return KraljicMatrix{}, err
	}
	if start, err = normalizeDate("start", start, now.AddDate(-1, 0, 0)); err != nil {
		return KraljicMatrix{}, err
	}
	if start > end {
		return KraljicMatrix{}, ValidationError{Field: "start", Reason: "must not be after end"}
	}
	lines, err := e.Repo.SpendBetween(ctx, nil, start, end)
	if err != nil {
		return KraljicMatrix{}, err
	}
	risk := e.Risk
	if risk == nil {
		risk = RiskSourceFor(e.analysisConfig())
	}
	m := Classify(AggregateSpend(lines), risk)
	m.Start, m.End = start, end
	return m, nil
}
