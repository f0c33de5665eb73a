package server

import (
	"encoding/json"
	"strconv"
	"strings"

	"github.com/shopspring/decimal"

	"procureline/internal/config"
	"procureline/internal/domain"
	"procureline/internal/engine"
)

// Request payloads. Money travels as decimal strings.

type ItemRequest struct {
	Description        string  `json:"description"`
	Specifications     string  `json:"specifications,omitempty"`
	Quantity           float64 `json:"quantity" exclusiveMinimum:"0"`
	Observations       string  `json:"observations,omitempty"`
	Priority           string  `json:"priority,omitempty" enum:"normal,urgent"`
	ImageRef           string  `json:"image_ref,omitempty"`
	EstimatedUnitPrice *string `json:"estimated_unit_price,omitempty" example:"125.50"`
}

type CreateRequestRequest struct {
	ProviderID  string        `json:"provider_id,omitempty"`
	RequestDate string        `json:"request_date,omitempty" example:"2025-03-10"`
	Type        string        `json:"type,omitempty" enum:"purchase,service"`
	Notes       string        `json:"notes,omitempty"`
	Draft       bool          `json:"draft,omitempty"`
	Items       []ItemRequest `json:"items" minItems:"1"`
}

type UpdateRequestRequest struct {
	Version     *int          `json:"version,omitempty"`
	ProviderID  *string       `json:"provider_id,omitempty"`
	RequestDate *string       `json:"request_date,omitempty"`
	Type        *string       `json:"type,omitempty" enum:"purchase,service"`
	Notes       *string       `json:"notes,omitempty"`
	Items       []ItemRequest `json:"items,omitempty"`
}

type DecisionRequest struct {
	Decision string `json:"decision" enum:"approve,reject"`
	Comment  string `json:"comment,omitempty"`
}

type StatusOverrideRequest struct {
	Status  string `json:"status" enum:"EN_PROCESO,PENDIENTE_APROBACION"`
	Comment string `json:"comment,omitempty"`
}

type CloseRequestRequest struct {
	Comment string `json:"comment,omitempty"`
}

type ReceptionRequest struct {
	Quantity        float64 `json:"quantity" exclusiveMinimum:"0"`
	Date            string  `json:"date,omitempty" example:"2025-03-10"`
	InvoicePrefix   string  `json:"invoice_prefix,omitempty"`
	InvoiceNumber   string  `json:"invoice_number,omitempty"`
	ActualUnitPrice *string `json:"actual_unit_price,omitempty"`
	Comment         string  `json:"comment,omitempty"`
}

type LinkInvoiceRequest struct {
	InvoicePrefix   string  `json:"invoice_prefix,omitempty"`
	InvoiceNumber   string  `json:"invoice_number"`
	ActualUnitPrice *string `json:"actual_unit_price,omitempty"`
}

type InvoiceLineRequest struct {
	Description string `json:"description"`
	Quantity    string `json:"quantity" example:"2"`
	UnitPrice   string `json:"unit_price" example:"130.00"`
}

type CreateInvoiceRequest struct {
	ProviderID string               `json:"provider_id"`
	Prefix     string               `json:"prefix,omitempty"`
	Number     string               `json:"number"`
	IssueDate  string               `json:"issue_date,omitempty"`
	Lines      []InvoiceLineRequest `json:"lines" minItems:"1"`
}

type UserRequest struct {
	DisplayName   string  `json:"display_name"`
	Role          string  `json:"role" enum:"requester,approver,administrator"`
	DepartmentID  *string `json:"department_id,omitempty"`
	CoordinatorID *string `json:"coordinator_id,omitempty"`
}

type DepartmentRequest struct {
	Name string `json:"name,omitempty"`
}

type ApproversRequest struct {
	Approvers []string `json:"approvers"`
}

type ProviderRequest struct {
	Name  string `json:"name"`
	TaxID string `json:"tax_id,omitempty"`
}

type CreateAPIKeyRequest struct {
	UserID string `json:"user_id"`
	Name   string `json:"name,omitempty"`
}

type DevLoginRequest struct {
	UserID string `json:"user_id"`
}

// Responses

type CreateAPIKeyResponse struct {
	Key    domain.APIKey `json:"key"`
	Secret string        `json:"secret"`
}

type DevLoginResponse struct {
	Token string `json:"token"`
}

type WhoAmIResponse struct {
	User   domain.User `json:"user"`
	Source string      `json:"source"`
}

type EventResponse struct {
	ID         int64          `json:"id"`
	TS         string         `json:"ts"`
	Type       string         `json:"type"`
	EntityKind string         `json:"entity_kind"`
	EntityID   string         `json:"entity_id,omitempty"`
	ActorID    string         `json:"actor_id"`
	Payload    map[string]any `json:"payload,omitempty"`
}

type paginatedEvents struct {
	Items      []EventResponse `json:"items"`
	NextCursor string          `json:"next_cursor,omitempty"`
}

type ConfigResponse struct {
	Settings config.Settings `json:"settings"`
	Analysis config.Analysis `json:"analysis"`
	Webhooks int             `json:"webhooks"`
}

// Mapping

func parseDecimal(field string, raw *string) (*decimal.Decimal, error) {
	if raw == nil || strings.TrimSpace(*raw) == "" {
		return nil, nil
	}
	d, err := decimal.NewFromString(strings.TrimSpace(*raw))
	if err != nil {
		return nil, engine.ValidationError{Field: field, Reason: "must be a decimal number"}
	}
	return &d, nil
}

func itemInputs(items []ItemRequest) ([]engine.ItemInput, error) {
	if items == nil {
		return nil, nil
	}
	out := make([]engine.ItemInput, 0, len(items))
	for i, it := range items {
		price, err := parseDecimal("items["+strconv.Itoa(i)+"].estimated_unit_price", it.EstimatedUnitPrice)
		if err != nil {
			return nil, err
		}
		out = append(out, engine.ItemInput{
			Description:        it.Description,
			Specifications:     it.Specifications,
			Quantity:           it.Quantity,
			Observations:       it.Observations,
			Priority:           it.Priority,
			ImageRef:           it.ImageRef,
			EstimatedUnitPrice: price,
		})
	}
	return out, nil
}

func invoiceLines(lines []InvoiceLineRequest) ([]engine.InvoiceLineInput, error) {
	out := make([]engine.InvoiceLineInput, 0, len(lines))
	for i, l := range lines {
		field := "lines[" + strconv.Itoa(i) + "]"
		qty, err := parseDecimal(field+".quantity", &l.Quantity)
		if err != nil {
			return nil, err
		}
		price, err := parseDecimal(field+".unit_price", &l.UnitPrice)
		if err != nil {
			return nil, err
		}
		if qty == nil || price == nil {
			return nil, engine.ValidationError{Field: field, Reason: "quantity and unit_price are required"}
		}
		out = append(out, engine.InvoiceLineInput{Description: l.Description, Quantity: *qty, UnitPrice: *price})
	}
	return out, nil
}

func eventResponse(e domain.Event) EventResponse {
	return EventResponse{
		ID:         e.ID,
		TS:         e.TS,
		Type:       e.Type,
		EntityKind: e.EntityKind,
		EntityID:   e.EntityID,
		ActorID:    e.ActorID,
		Payload:    decodeJSONMap(e.Payload),
	}
}

func configResponse(cfg *config.Config) ConfigResponse {
	if cfg == nil {
		cfg = config.Default()
	}
	return ConfigResponse{Settings: cfg.Settings, Analysis: cfg.Analysis, Webhooks: len(cfg.Webhooks)}
}

func decodeJSONMap(raw string) map[string]any {
	if raw == "" {
		return nil
	}
	var obj map[string]any
	if err := json.Unmarshal([]byte(raw), &obj); err != nil {
		return nil
	}
	return obj
}

func nonNilSlice[T any](in []T) []T {
	if in == nil {
		return []T{}
	}
	return in
}
