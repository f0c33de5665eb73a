package repo

import (
	"context"
	"database/sql"

	"github.com/shopspring/decimal"

	"procureline/internal/domain"
)

const receptionColumns = `id,item_id,quantity,date,recorded_by,invoice_prefix,invoice_number,actual_unit_price,COALESCE(comment,''),created_at`

func scanReception(scan func(dest ...any) error) (domain.Reception, error) {
	var rc domain.Reception
	var prefix, number sql.NullString
	var price decimal.NullDecimal
	if err := scan(&rc.ID, &rc.ItemID, &rc.Quantity, &rc.Date, &rc.RecordedBy, &prefix, &number, &price, &rc.Comment, &rc.CreatedAt); err != nil {
		return rc, err
	}
	rc.InvoicePrefix = stringPtr(prefix)
	rc.InvoiceNumber = stringPtr(number)
	rc.ActualUnitPrice = decimalPtr(price)
	return rc, nil
}

func (r Repo) InsertReception(ctx context.Context, tx *sql.Tx, rc domain.Reception) error {
	_, err := r.conn(tx).ExecContext(ctx, `INSERT INTO receptions(id,item_id,quantity,date,recorded_by,invoice_prefix,invoice_number,actual_unit_price,comment,created_at)
VALUES (?,?,?,?,?,?,?,?,?,?)`,
		rc.ID, rc.ItemID, rc.Quantity, rc.Date, rc.RecordedBy, nullableStringPtr(rc.InvoicePrefix), nullableStringPtr(rc.InvoiceNumber),
		nullableDecimal(rc.ActualUnitPrice), nullable(rc.Comment), rc.CreatedAt)
	return err
}

func (r Repo) GetReception(ctx context.Context, tx *sql.Tx, id string) (domain.Reception, error) {
	row := r.conn(tx).QueryRowContext(ctx, `SELECT `+receptionColumns+` FROM receptions WHERE id=?`, id)
	rc, err := scanReception(row.Scan)
	if err == sql.ErrNoRows {
		return rc, ErrNotFound
	}
	return rc, err
}

// LinkReceptionInvoice sets the invoice reference and actual price of a
// reception. Only these columns may change after insert.
func (r Repo) LinkReceptionInvoice(ctx context.Context, tx *sql.Tx, id, prefix, number string, price *decimal.Decimal) error {
	res, err := r.conn(tx).ExecContext(ctx, `UPDATE receptions SET invoice_prefix=?, invoice_number=?, actual_unit_price=COALESCE(?, actual_unit_price) WHERE id=?`,
		nullable(prefix), nullable(number), nullableDecimal(price), id)
	return affectedOrErr(res, err, ErrNotFound)
}

// ListReceptions returns every reception of a request's items keyed by item id.
func (r Repo) ListReceptions(ctx context.Context, tx *sql.Tx, requestID string) (map[string][]domain.Reception, error) {
	rows, err := r.conn(tx).QueryContext(ctx, `SELECT rc.id,rc.item_id,rc.quantity,rc.date,rc.recorded_by,rc.invoice_prefix,rc.invoice_number,rc.actual_unit_price,COALESCE(rc.comment,''),rc.created_at
FROM receptions rc JOIN request_items i ON i.id=rc.item_id
WHERE i.request_id=? ORDER BY rc.date, rc.created_at, rc.id`, requestID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := map[string][]domain.Reception{}
	for rows.Next() {
		rc, err := scanReception(rows.Scan)
		if err != nil {
			return nil, err
		}
		res[rc.ItemID] = append(res[rc.ItemID], rc)
	}
	return res, rows.Err()
}

func (r Repo) CountReceptions(ctx context.Context, tx *sql.Tx, requestID string) (int, error) {
	var n int
	err := r.conn(tx).QueryRowContext(ctx, `SELECT COUNT(*) FROM receptions rc JOIN request_items i ON i.id=rc.item_id WHERE i.request_id=?`, requestID).Scan(&n)
	return n, err
}

// SpendLine is one received quantity inside an analysis window.
type SpendLine struct {
	Description        string
	Quantity           float64
	ActualUnitPrice    *decimal.Decimal
	EstimatedUnitPrice *decimal.Decimal
	ProviderID         string
}

// SpendBetween lists receptions dated within [start, end] with the supplier
// taken from the linked invoice, falling back to the request's provider.
func (r Repo) SpendBetween(ctx context.Context, tx *sql.Tx, start, end string) ([]SpendLine, error) {
	rows, err := r.conn(tx).QueryContext(ctx, `SELECT i.description, rc.quantity, rc.actual_unit_price, i.estimated_unit_price,
  COALESCE(inv.provider_id, rq.provider_id, '')
FROM receptions rc
JOIN request_items i ON i.id=rc.item_id
JOIN requests rq ON rq.id=i.request_id
LEFT JOIN invoices inv ON inv.prefix=COALESCE(rc.invoice_prefix,'') AND inv.number=rc.invoice_number
WHERE rc.date>=? AND rc.date<=?
ORDER BY rc.date, rc.id`, start, end)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []SpendLine
	for rows.Next() {
		var line SpendLine
		var actual, estimated decimal.NullDecimal
		if err := rows.Scan(&line.Description, &line.Quantity, &actual, &estimated, &line.ProviderID); err != nil {
			return nil, err
		}
		line.ActualUnitPrice = decimalPtr(actual)
		line.EstimatedUnitPrice = decimalPtr(estimated)
		res = append(res, line)
	}
	return res, rows.Err()
}
