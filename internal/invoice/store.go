package invoice

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/noah-isme/pos-billing/internal/billing"
	"github.com/noah-isme/pos-billing/internal/common"
	"github.com/noah-isme/pos-billing/internal/customer"
)

var (
	// ErrNotFound is returned when an invoice id is unknown.
	ErrNotFound = errors.New("invoice not found")
	// ErrUnknownAccount is returned when an existing account id does not resolve.
	ErrUnknownAccount = errors.New("unknown customer account")
	// ErrAlreadySaved is returned by Create when the submission id was stored
	// before. The invoice argument is filled with the stored invoice.
	ErrAlreadySaved = errors.New("invoice already saved for submission")
)

// Invoice is a persisted invoice with its lines.
type Invoice struct {
	ID           string             `json:"id"`
	Number       string             `json:"number"`
	AccountID    string             `json:"accountId"`
	Customer     billing.Customer   `json:"customer"`
	PriceBook    billing.PriceBook  `json:"priceBook"`
	BillingMode  billing.Mode       `json:"billingMode"`
	GSTRate      decimal.Decimal    `json:"gstRate"`
	Lines        []billing.LineItem `json:"lines"`
	Totals       billing.Totals     `json:"totals"`
	SendEmail    bool               `json:"sendEmail"`
	CashierID    string             `json:"cashierId,omitempty"`
	SubmissionID string             `json:"submissionId,omitempty"`
	CreatedAt    time.Time          `json:"createdAt"`
}

// Store persists invoices. Create fills ID, Number, AccountID and CreatedAt,
// and returns ErrAlreadySaved for a repeated non-empty SubmissionID.
type Store interface {
	Create(ctx context.Context, inv *Invoice) error
	Get(ctx context.Context, id string) (Invoice, error)
}

// PGStore writes invoices to Postgres in a single transaction.
type PGStore struct {
	Pool *pgxpool.Pool
}

// Create implements Store.
func (s PGStore) Create(ctx context.Context, inv *Invoice) (err error) {
	tx, err := s.Pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("begin invoice tx: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
		}
	}()

	if inv.SubmissionID != "" {
		var existing pgtype.UUID
		err = tx.QueryRow(ctx, `SELECT id FROM invoices WHERE submission_id = $1`, inv.SubmissionID).Scan(&existing)
		if err == nil {
			return s.loadSaved(ctx, tx, existing, inv)
		}
		if !errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("find submission: %w", err)
		}
	}

	accountID, err := resolveAccount(ctx, customer.PGRepository{DB: tx}, inv.Customer)
	if err != nil {
		return err
	}
	inv.AccountID = accountID

	var seq int64
	if err = tx.QueryRow(ctx, `SELECT nextval('invoice_number_seq')`).Scan(&seq); err != nil {
		return fmt.Errorf("next invoice number: %w", err)
	}
	inv.Number = FormatNumber(seq)

	var (
		id        pgtype.UUID
		createdAt pgtype.Timestamptz
	)
	err = tx.QueryRow(ctx, `
INSERT INTO invoices (number, account_id, customer_name, customer_email, customer_phone,
    price_book, billing_mode, gst_rate, subtotal, total_gst, grand_total, send_email, cashier_id, submission_id)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
ON CONFLICT (submission_id) DO NOTHING
RETURNING id, created_at`,
		inv.Number, common.ToUUID(accountID), inv.Customer.Name, inv.Customer.Email, inv.Customer.Phone,
		string(inv.PriceBook), string(inv.BillingMode), common.ToNumeric(inv.GSTRate),
		common.ToNumeric(inv.Totals.Subtotal), common.ToNumeric(inv.Totals.TotalGST), common.ToNumeric(inv.Totals.GrandTotal),
		inv.SendEmail, common.ToText(inv.CashierID), common.ToText(inv.SubmissionID),
	).Scan(&id, &createdAt)
	if errors.Is(err, pgx.ErrNoRows) {
		// a concurrent save with the same submission id committed first
		return s.loadSaved(ctx, tx, pgtype.UUID{}, inv)
	}
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23503" {
			return ErrUnknownAccount
		}
		return fmt.Errorf("insert invoice: %w", err)
	}
	inv.ID = common.UUIDString(id)
	inv.CreatedAt = createdAt.Time

	batch := &pgx.Batch{}
	for i, line := range inv.Lines {
		batch.Queue(`
INSERT INTO invoice_lines (invoice_id, position, product_id, product_name, product_code,
    unit_price, quantity, gst_applicable, gst_amount, total)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
			id, i+1, line.ProductID, line.ProductName, line.ProductCode,
			common.ToNumeric(line.UnitPrice), line.Quantity, line.GSTApplicable,
			common.ToNumeric(line.GSTAmount), common.ToNumeric(line.Total))
	}
	if err = tx.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("insert invoice lines: %w", err)
	}
	if err = tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit invoice: %w", err)
	}
	return nil
}

type rowQuerier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// loadSaved copies the invoice stored for inv.SubmissionID into inv and
// returns ErrAlreadySaved. When id is not valid it is looked up first.
func (s PGStore) loadSaved(ctx context.Context, q rowQuerier, id pgtype.UUID, inv *Invoice) error {
	if !id.Valid {
		if err := q.QueryRow(ctx, `SELECT id FROM invoices WHERE submission_id = $1`, inv.SubmissionID).Scan(&id); err != nil {
			return fmt.Errorf("find submission: %w", err)
		}
	}
	saved, err := s.Get(ctx, common.UUIDString(id))
	if err != nil {
		return err
	}
	*inv = saved
	return ErrAlreadySaved
}

type accountResolver interface {
	Exists(ctx context.Context, id string) (bool, error)
	FindByContact(ctx context.Context, email, phone string) (string, bool, error)
	Create(ctx context.Context, a customer.Account) (string, error)
}

// resolveAccount picks the account an invoice is billed to: the chosen
// account, else the first contact match, else a new account.
func resolveAccount(ctx context.Context, repo accountResolver, c billing.Customer) (string, error) {
	if c.ExistingAccountID != "" {
		ok, err := repo.Exists(ctx, c.ExistingAccountID)
		if err != nil {
			return "", err
		}
		if !ok {
			return "", ErrUnknownAccount
		}
		return c.ExistingAccountID, nil
	}
	id, ok, err := repo.FindByContact(ctx, c.Email, customer.NormalizePhone(c.Phone))
	if err != nil {
		return "", err
	}
	if ok {
		return id, nil
	}
	return repo.Create(ctx, customer.Account{Name: c.Name, Email: c.Email, Phone: customer.NormalizePhone(c.Phone)})
}

// Get implements Store.
func (s PGStore) Get(ctx context.Context, id string) (Invoice, error) {
	uid := common.ToUUID(id)
	if !uid.Valid {
		return Invoice{}, ErrNotFound
	}
	var (
		inv                   Invoice
		accountID             pgtype.UUID
		rate, sub, gst, grand pgtype.Numeric
		cashier, submission   pgtype.Text
		createdAt             pgtype.Timestamptz
		priceBook, mode       string
	)
	err := s.Pool.QueryRow(ctx, `
SELECT number, account_id, customer_name, customer_email, customer_phone, price_book, billing_mode,
    gst_rate, subtotal, total_gst, grand_total, send_email, cashier_id, submission_id, created_at
FROM invoices WHERE id = $1`, uid).Scan(
		&inv.Number, &accountID, &inv.Customer.Name, &inv.Customer.Email, &inv.Customer.Phone,
		&priceBook, &mode, &rate, &sub, &gst, &grand, &inv.SendEmail, &cashier, &submission, &createdAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Invoice{}, ErrNotFound
	}
	if err != nil {
		return Invoice{}, fmt.Errorf("get invoice: %w", err)
	}
	inv.ID = common.UUIDString(uid)
	inv.AccountID = common.UUIDString(accountID)
	inv.Customer.ExistingAccountID = inv.AccountID
	inv.PriceBook = billing.PriceBook(priceBook)
	inv.BillingMode = billing.Mode(mode)
	inv.GSTRate = common.FromNumeric(rate)
	inv.Totals = billing.Totals{Subtotal: common.FromNumeric(sub), TotalGST: common.FromNumeric(gst), GrandTotal: common.FromNumeric(grand)}
	inv.CashierID = cashier.String
	inv.SubmissionID = submission.String
	inv.CreatedAt = createdAt.Time

	rows, err := s.Pool.Query(ctx, `
SELECT product_id, product_name, product_code, unit_price, quantity, gst_applicable, gst_amount, total
FROM invoice_lines WHERE invoice_id = $1 ORDER BY position`, uid)
	if err != nil {
		return Invoice{}, fmt.Errorf("get invoice lines: %w", err)
	}
	defer rows.Close()
	inv.Lines = make([]billing.LineItem, 0)
	for rows.Next() {
		var (
			line                 billing.LineItem
			price, amount, total pgtype.Numeric
		)
		if err := rows.Scan(&line.ProductID, &line.ProductName, &line.ProductCode, &price, &line.Quantity,
			&line.GSTApplicable, &amount, &total); err != nil {
			return Invoice{}, err
		}
		line.UnitPrice = common.FromNumeric(price)
		line.GSTAmount = common.FromNumeric(amount)
		line.Total = common.FromNumeric(total)
		inv.Lines = append(inv.Lines, line)
	}
	return inv, rows.Err()
}

// FormatNumber renders an invoice sequence value as its display number.
func FormatNumber(seq int64) string {
	return fmt.Sprintf("INV-%06d", seq)
}
