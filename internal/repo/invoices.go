package repo

import (
	"context"
	"database/sql"

	"procureline/internal/domain"
)

// InsertInvoice stores the header and its lines. Amounts are stored as
// decimal strings.
func (r Repo) InsertInvoice(ctx context.Context, tx *sql.Tx, inv domain.Invoice) error {
	q := r.conn(tx)
	_, err := q.ExecContext(ctx, `INSERT INTO invoices(id,provider_id,prefix,number,issue_date,subtotal,tax,total,created_at) VALUES (?,?,?,?,?,?,?,?,?)`,
		inv.ID, inv.ProviderID, inv.Prefix, inv.Number, inv.IssueDate, inv.Subtotal.String(), inv.Tax.String(), inv.Total.String(), inv.CreatedAt)
	if err != nil {
		return err
	}
	for i, line := range inv.Lines {
		_, err := q.ExecContext(ctx, `INSERT INTO invoice_items(id,invoice_id,position,description,quantity,unit_price) VALUES (?,?,?,?,?,?)`,
			line.ID, inv.ID, i, line.Description, line.Quantity.String(), line.UnitPrice.String())
		if err != nil {
			return err
		}
	}
	return nil
}

func (r Repo) GetInvoice(ctx context.Context, tx *sql.Tx, id string) (domain.Invoice, error) {
	return r.getInvoice(ctx, tx, `id=?`, id)
}

// GetInvoiceByRef looks an invoice up by its prefix and number.
func (r Repo) GetInvoiceByRef(ctx context.Context, tx *sql.Tx, prefix, number string) (domain.Invoice, error) {
	return r.getInvoice(ctx, tx, `prefix=? AND number=?`, prefix, number)
}

func (r Repo) getInvoice(ctx context.Context, tx *sql.Tx, where string, args ...any) (domain.Invoice, error) {
	q := r.conn(tx)
	var inv domain.Invoice
	err := q.QueryRowContext(ctx, `SELECT id,provider_id,prefix,number,issue_date,subtotal,tax,total,created_at FROM invoices WHERE `+where, args...).
		Scan(&inv.ID, &inv.ProviderID, &inv.Prefix, &inv.Number, &inv.IssueDate, &inv.Subtotal, &inv.Tax, &inv.Total, &inv.CreatedAt)
	if err == sql.ErrNoRows {
		return inv, ErrNotFound
	}
	if err != nil {
		return inv, err
	}
	rows, err := q.QueryContext(ctx, `SELECT id,invoice_id,description,quantity,unit_price FROM invoice_items WHERE invoice_id=? ORDER BY position`, inv.ID)
	if err != nil {
		return inv, err
	}
	defer rows.Close()
	for rows.Next() {
		var line domain.InvoiceLine
		if err := rows.Scan(&line.ID, &line.InvoiceID, &line.Description, &line.Quantity, &line.UnitPrice); err != nil {
			return inv, err
		}
		inv.Lines = append(inv.Lines, line)
	}
	return inv, rows.Err()
}
