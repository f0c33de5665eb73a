package domain

import "github.com/shopspring/decimal"

type Role string

const (
	RoleRequester     Role = "requester"
	RoleApprover      Role = "approver"
	RoleAdministrator Role = "administrator"
)

func (r Role) Valid() bool {
	switch r {
	case RoleRequester, RoleApprover, RoleAdministrator:
		return true
	}
	return false
}

type User struct {
	ID            string  `json:"id"`
	DisplayName   string  `json:"display_name"`
	Role          Role    `json:"role"`
	DepartmentID  *string `json:"department_id,omitempty"`
	CoordinatorID *string `json:"coordinator_id,omitempty"`
	CreatedAt     string  `json:"created_at"`
}

func (u User) IsAdmin() bool { return u.Role == RoleAdministrator }

type Department struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	CreatedAt string `json:"created_at"`
}

type Provider struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	TaxID     string `json:"tax_id,omitempty"`
	CreatedAt string `json:"created_at"`
}

// RequestStatus values are persisted verbatim.
type RequestStatus string

const (
	StatusDraft           RequestStatus = "BORRADOR"
	StatusPendingApproval RequestStatus = "PENDIENTE_APROBACION"
	StatusNoApproval      RequestStatus = "EN_APROBACION"
	StatusApproved        RequestStatus = "APROBADA"
	StatusRejected        RequestStatus = "RECHAZADA"
	StatusInProgress      RequestStatus = "EN_PROCESO"
	StatusClosed          RequestStatus = "CERRADA"
)

type RequestType string

const (
	TypePurchase RequestType = "purchase"
	TypeService  RequestType = "service"
)

const (
	PriorityNormal = "normal"
	PriorityUrgent = "urgent"
)

type PurchaseRequest struct {
	ID               string        `json:"id"`
	PublicID         string        `json:"public_id"`
	RequesterID      string        `json:"requester_id"`
	ProviderID       *string       `json:"provider_id,omitempty"`
	RequestDate      string        `json:"request_date"`
	Type             RequestType   `json:"type"`
	Urgent           bool          `json:"urgent"`
	Status           RequestStatus `json:"status"`
	CoordinatorID    *string       `json:"coordinator_id,omitempty"`
	RejectionComment *string       `json:"rejection_comment,omitempty"`
	Notes            string        `json:"notes,omitempty"`
	Version          int           `json:"version"`
	CreatedAt        string        `json:"created_at"`
	UpdatedAt        string        `json:"updated_at"`
	Items            []RequestItem `json:"items,omitempty"`
}

type RequestItem struct {
	ID                 string           `json:"id"`
	RequestID          string           `json:"request_id"`
	Description        string           `json:"description"`
	Specifications     string           `json:"specifications,omitempty"`
	Quantity           float64          `json:"quantity"`
	Observations       string           `json:"observations,omitempty"`
	Priority           string           `json:"priority"`
	ImageRef           *string          `json:"image_ref,omitempty"`
	EstimatedUnitPrice *decimal.Decimal `json:"estimated_unit_price,omitempty"`
}

type TaskStatus string

const (
	TaskPending  TaskStatus = "pending"
	TaskApproved TaskStatus = "approved"
	TaskRejected TaskStatus = "rejected"
	TaskOmitted  TaskStatus = "omitted"
)

type ApprovalTask struct {
	ID         string     `json:"id"`
	PublicID   string     `json:"public_id"`
	ApproverID string     `json:"approver_id"`
	Order      int        `json:"order"`
	Status     TaskStatus `json:"status"`
	DecidedAt  *string    `json:"decided_at,omitempty"`
	Comment    *string    `json:"comment,omitempty"`
}

type Reception struct {
	ID              string           `json:"id"`
	ItemID          string           `json:"item_id"`
	Quantity        float64          `json:"quantity"`
	Date            string           `json:"date"`
	RecordedBy      string           `json:"recorded_by"`
	InvoicePrefix   *string          `json:"invoice_prefix,omitempty"`
	InvoiceNumber   *string          `json:"invoice_number,omitempty"`
	ActualUnitPrice *decimal.Decimal `json:"actual_unit_price,omitempty"`
	Comment         string           `json:"comment,omitempty"`
	CreatedAt       string           `json:"created_at"`
}

// HasInvoice reports whether the reception is traceable to an invoice.
func (r Reception) HasInvoice() bool {
	return r.InvoiceNumber != nil && *r.InvoiceNumber != ""
}

type InvoiceLine struct {
	ID          string          `json:"id"`
	InvoiceID   string          `json:"invoice_id"`
	Description string          `json:"description"`
	Quantity    decimal.Decimal `json:"quantity"`
	UnitPrice   decimal.Decimal `json:"unit_price"`
}

func (l InvoiceLine) Amount() decimal.Decimal {
	return l.Quantity.Mul(l.UnitPrice)
}

type Invoice struct {
	ID         string          `json:"id"`
	ProviderID string          `json:"provider_id"`
	Prefix     string          `json:"prefix"`
	Number     string          `json:"number"`
	IssueDate  string          `json:"issue_date"`
	Subtotal   decimal.Decimal `json:"subtotal"`
	Tax        decimal.Decimal `json:"tax"`
	Total      decimal.Decimal `json:"total"`
	CreatedAt  string          `json:"created_at"`
	Lines      []InvoiceLine   `json:"lines,omitempty"`
}

type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload_json"`
}

// APIKey binds a hashed key to a user for service integrations.
type APIKey struct {
	ID        string `json:"id"`
	UserID    string `json:"user_id"`
	Name      string `json:"name,omitempty"`
	KeyHash   string `json:"-"`
	CreatedAt string `json:"created_at"`
}

// ValidationError reports a rejected input field.
type ValidationError struct {
	Field  string
	Reason string
}

func (e ValidationError) Error() string {
	if e.Field == "" {
		return e.Reason
	}
	return e.Field + ": " + e.Reason
}
