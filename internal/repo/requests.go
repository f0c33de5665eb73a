package repo

import (
	"context"
	"database/sql"
	"strings"

	"github.com/shopspring/decimal"

	"procureline/internal/domain"
)

const requestColumns = `id,public_id,requester_id,provider_id,request_date,type,urgent,status,coordinator_id,rejection_comment,COALESCE(notes,''),version,created_at,updated_at`

func scanRequest(scan func(dest ...any) error) (domain.PurchaseRequest, error) {
	var req domain.PurchaseRequest
	var provider, coord, rejection sql.NullString
	var urgent int
	err := scan(&req.ID, &req.PublicID, &req.RequesterID, &provider, &req.RequestDate, &req.Type, &urgent,
		&req.Status, &coord, &rejection, &req.Notes, &req.Version, &req.CreatedAt, &req.UpdatedAt)
	if err != nil {
		return req, err
	}
	req.Urgent = urgent != 0
	req.ProviderID = stringPtr(provider)
	req.CoordinatorID = stringPtr(coord)
	req.RejectionComment = stringPtr(rejection)
	return req, nil
}

// NextPublicSeq returns the next sequence number for a public id prefix.
// Call it inside the transaction that inserts the request.
func (r Repo) NextPublicSeq(ctx context.Context, tx *sql.Tx, prefix string) (int, error) {
	var seq int
	err := r.conn(tx).QueryRowContext(ctx, `SELECT COALESCE(MAX(id_seq),0)+1 FROM requests WHERE id_prefix=?`, prefix).Scan(&seq)
	return seq, err
}

func (r Repo) InsertRequest(ctx context.Context, tx *sql.Tx, req domain.PurchaseRequest, prefix string, seq int) error {
	_, err := r.conn(tx).ExecContext(ctx, `INSERT INTO requests(id,public_id,id_prefix,id_seq,requester_id,provider_id,request_date,type,urgent,status,coordinator_id,rejection_comment,notes,version,created_at,updated_at)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		req.ID, req.PublicID, prefix, seq, req.RequesterID, nullableStringPtr(req.ProviderID), req.RequestDate, string(req.Type),
		boolInt(req.Urgent), string(req.Status), nullableStringPtr(req.CoordinatorID), nullableStringPtr(req.RejectionComment),
		nullable(req.Notes), req.Version, req.CreatedAt, req.UpdatedAt)
	return err
}

func boolInt(v bool) int {
	if v {
		return 1
	}
	return 0
}

// InsertItems appends items to a request in slice order.
func (r Repo) InsertItems(ctx context.Context, tx *sql.Tx, items []domain.RequestItem) error {
	q := r.conn(tx)
	for i, it := range items {
		_, err := q.ExecContext(ctx, `INSERT INTO request_items(id,request_id,position,description,specifications,quantity,observations,priority,image_ref,estimated_unit_price)
VALUES (?,?,?,?,?,?,?,?,?,?)`,
			it.ID, it.RequestID, i, it.Description, nullable(it.Specifications), it.Quantity, nullable(it.Observations),
			it.Priority, nullableStringPtr(it.ImageRef), nullableDecimal(it.EstimatedUnitPrice))
		if err != nil {
			return err
		}
	}
	return nil
}

func (r Repo) DeleteItems(ctx context.Context, tx *sql.Tx, requestID string) error {
	_, err := r.conn(tx).ExecContext(ctx, `DELETE FROM request_items WHERE request_id=?`, requestID)
	return err
}

func (r Repo) ListItems(ctx context.Context, tx *sql.Tx, requestID string) ([]domain.RequestItem, error) {
	rows, err := r.conn(tx).QueryContext(ctx, `SELECT id,request_id,description,COALESCE(specifications,''),quantity,COALESCE(observations,''),priority,image_ref,estimated_unit_price
FROM request_items WHERE request_id=? ORDER BY position`, requestID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.RequestItem
	for rows.Next() {
		it, err := scanItem(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, it)
	}
	return res, rows.Err()
}

func scanItem(scan func(dest ...any) error) (domain.RequestItem, error) {
	var it domain.RequestItem
	var image sql.NullString
	var price decimal.NullDecimal
	if err := scan(&it.ID, &it.RequestID, &it.Description, &it.Specifications, &it.Quantity, &it.Observations, &it.Priority, &image, &price); err != nil {
		return it, err
	}
	it.ImageRef = stringPtr(image)
	it.EstimatedUnitPrice = decimalPtr(price)
	return it, nil
}

func (r Repo) GetItem(ctx context.Context, tx *sql.Tx, id string) (domain.RequestItem, error) {
	row := r.conn(tx).QueryRowContext(ctx, `SELECT id,request_id,description,COALESCE(specifications,''),quantity,COALESCE(observations,''),priority,image_ref,estimated_unit_price
FROM request_items WHERE id=?`, id)
	it, err := scanItem(row.Scan)
	if err == sql.ErrNoRows {
		return it, ErrNotFound
	}
	return it, err
}

// GetRequest loads a request with its items by public id.
func (r Repo) GetRequest(ctx context.Context, tx *sql.Tx, publicID string) (domain.PurchaseRequest, error) {
	return r.getRequest(ctx, tx, `public_id=?`, publicID)
}

func (r Repo) GetRequestByID(ctx context.Context, tx *sql.Tx, id string) (domain.PurchaseRequest, error) {
	return r.getRequest(ctx, tx, `id=?`, id)
}

func (r Repo) getRequest(ctx context.Context, tx *sql.Tx, where string, arg string) (domain.PurchaseRequest, error) {
	row := r.conn(tx).QueryRowContext(ctx, `SELECT `+requestColumns+` FROM requests WHERE `+where, arg)
	req, err := scanRequest(row.Scan)
	if err == sql.ErrNoRows {
		return req, ErrNotFound
	}
	if err != nil {
		return req, err
	}
	req.Items, err = r.ListItems(ctx, tx, req.ID)
	return req, err
}

type RequestFilters struct {
	RequesterID string
	Status      domain.RequestStatus
	Limit       int
}

// ListRequests returns requests newest first, without items.
func (r Repo) ListRequests(ctx context.Context, tx *sql.Tx, f RequestFilters) ([]domain.PurchaseRequest, error) {
	clauses := []string{"1=1"}
	var args []any
	if f.RequesterID != "" {
		clauses = append(clauses, "requester_id=?")
		args = append(args, f.RequesterID)
	}
	if f.Status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, string(f.Status))
	}
	query := `SELECT ` + requestColumns + ` FROM requests WHERE ` + strings.Join(clauses, " AND ") + ` ORDER BY created_at DESC, id DESC`
	if f.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, f.Limit)
	}
	rows, err := r.conn(tx).QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.PurchaseRequest
	for rows.Next() {
		req, err := scanRequest(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, req)
	}
	return res, rows.Err()
}

// UpdateRequestStatus moves a request to status if its version still matches.
// The version is bumped; ErrStale when another writer got there first.
func (r Repo) UpdateRequestStatus(ctx context.Context, tx *sql.Tx, id string, version int, status domain.RequestStatus, rejection *string, now string) error {
	res, err := r.conn(tx).ExecContext(ctx, `UPDATE requests SET status=?, rejection_comment=?, version=version+1, updated_at=?
WHERE id=? AND version=?`, string(status), nullableStringPtr(rejection), now, id, version)
	return affectedOrErr(res, err, ErrStale)
}

// UpdateRequestHeader rewrites editable header fields under the version check.
func (r Repo) UpdateRequestHeader(ctx context.Context, tx *sql.Tx, req domain.PurchaseRequest, now string) error {
	res, err := r.conn(tx).ExecContext(ctx, `UPDATE requests SET provider_id=?, request_date=?, type=?, urgent=?, coordinator_id=?, notes=?, version=version+1, updated_at=?
WHERE id=? AND version=?`,
		nullableStringPtr(req.ProviderID), req.RequestDate, string(req.Type), boolInt(req.Urgent), nullableStringPtr(req.CoordinatorID),
		nullable(req.Notes), now, req.ID, req.Version)
	return affectedOrErr(res, err, ErrStale)
}

func (r Repo) DeleteRequest(ctx context.Context, tx *sql.Tx, id string) error {
	res, err := r.conn(tx).ExecContext(ctx, `DELETE FROM requests WHERE id=?`, id)
	return affectedOrErr(res, err, ErrNotFound)
}

// RecentItem is a prior item considered by the duplicate guard.
type RecentItem struct {
	PublicID       string
	Description    string
	Specifications string
	CreatedAt      string
}

// RecentItemsByRequester lists items of the requester's requests created at or
// after since. Rejected requests and excludeID are skipped.
func (r Repo) RecentItemsByRequester(ctx context.Context, tx *sql.Tx, requesterID, since, excludeID string) ([]RecentItem, error) {
	rows, err := r.conn(tx).QueryContext(ctx, `SELECT r.public_id, i.description, COALESCE(i.specifications,''), r.created_at
FROM request_items i JOIN requests r ON r.id=i.request_id
WHERE r.requester_id=? AND r.created_at>=? AND r.status<>? AND r.id<>?
ORDER BY r.created_at, r.public_id, i.position`, requesterID, since, string(domain.StatusRejected), excludeID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []RecentItem
	for rows.Next() {
		var it RecentItem
		if err := rows.Scan(&it.PublicID, &it.Description, &it.Specifications, &it.CreatedAt); err != nil {
			return nil, err
		}
		res = append(res, it)
	}
	return res, rows.Err()
}
