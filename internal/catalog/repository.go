package catalog

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/shopspring/decimal"

	"github.com/noah-isme/pos-billing/internal/billing"
	"github.com/noah-isme/pos-billing/internal/common"
)

// Repository is the storage contract behind Service.
type Repository interface {
	Search(ctx context.Context, term string, priceBook billing.PriceBook, limit int) ([]billing.ProductRef, error)
	Get(ctx context.Context, productID string, priceBook billing.PriceBook) (billing.ProductRef, error)
}

// PGRepository reads products priced in a price book.
type PGRepository struct {
	DB common.DBTX
}

const searchProductsSQL = `
SELECT p.id, p.name, p.code, e.unit_price, p.gst_applicable
FROM products p
JOIN price_book_entries e ON e.product_id = p.id
JOIN price_books b ON b.id = e.price_book_id
WHERE b.name = $1
  AND p.active
  AND (lower(p.code) = lower($2::text) OR p.name ILIKE '%' || $3::text || '%' OR p.code ILIKE $3::text || '%')
ORDER BY (lower(p.code) = lower($2::text)) DESC, p.name ASC
LIMIT $4`

const getProductSQL = `
SELECT p.id, p.name, p.code, e.unit_price, p.gst_applicable
FROM products p
JOIN price_book_entries e ON e.product_id = p.id
JOIN price_books b ON b.id = e.price_book_id
WHERE b.name = $1 AND p.id = $2 AND p.active`

// Search matches term against product code and name.
func (r PGRepository) Search(ctx context.Context, term string, priceBook billing.PriceBook, limit int) ([]billing.ProductRef, error) {
	rows, err := r.DB.Query(ctx, searchProductsSQL, string(priceBook), term, escapeLike(term), limit)
	if err != nil {
		return nil, fmt.Errorf("search products: %w", err)
	}
	defer rows.Close()

	out := make([]billing.ProductRef, 0)
	for rows.Next() {
		ref, err := scanProduct(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, ref)
	}
	return out, rows.Err()
}

// Get loads one product priced in priceBook.
func (r PGRepository) Get(ctx context.Context, productID string, priceBook billing.PriceBook) (billing.ProductRef, error) {
	id := common.ToUUID(productID)
	if !id.Valid {
		return billing.ProductRef{}, ErrNotFound
	}
	ref, err := scanProduct(r.DB.QueryRow(ctx, getProductSQL, string(priceBook), id))
	if errors.Is(err, pgx.ErrNoRows) {
		return billing.ProductRef{}, ErrNotFound
	}
	if err != nil {
		return billing.ProductRef{}, fmt.Errorf("get product: %w", err)
	}
	return ref, nil
}

// ProductInput describes a product and its price per price book.
type ProductInput struct {
	Name          string
	Code          string
	GSTApplicable bool
	Prices        map[billing.PriceBook]decimal.Decimal
}

// EnsurePriceBook creates the price book if missing and returns its id.
func (r PGRepository) EnsurePriceBook(ctx context.Context, name billing.PriceBook) (string, error) {
	var id pgtype.UUID
	err := r.DB.QueryRow(ctx, `
INSERT INTO price_books (name) VALUES ($1)
ON CONFLICT (name) DO UPDATE SET name = EXCLUDED.name
RETURNING id`, string(name)).Scan(&id)
	if err != nil {
		return "", fmt.Errorf("ensure price book %s: %w", name, err)
	}
	return common.UUIDString(id), nil
}

// UpsertProduct creates or updates a product by code and sets its prices.
func (r PGRepository) UpsertProduct(ctx context.Context, in ProductInput) (string, error) {
	code := strings.TrimSpace(in.Code)
	if code == "" || strings.TrimSpace(in.Name) == "" {
		return "", errors.New("upsert product: name and code are required")
	}
	var id pgtype.UUID
	err := r.DB.QueryRow(ctx, `
INSERT INTO products (name, code, gst_applicable) VALUES ($1, $2, $3)
ON CONFLICT (code) DO UPDATE SET name = EXCLUDED.name, gst_applicable = EXCLUDED.gst_applicable
RETURNING id`, strings.TrimSpace(in.Name), code, in.GSTApplicable).Scan(&id)
	if err != nil {
		return "", fmt.Errorf("upsert product %s: %w", code, err)
	}
	for pb, price := range in.Prices {
		if price.IsNegative() {
			return "", fmt.Errorf("upsert product %s: %w", code, billing.ErrNegativePrice)
		}
		bookID, err := r.EnsurePriceBook(ctx, pb)
		if err != nil {
			return "", err
		}
		if _, err := r.DB.Exec(ctx, `
INSERT INTO price_book_entries (price_book_id, product_id, unit_price) VALUES ($1, $2, $3)
ON CONFLICT (price_book_id, product_id) DO UPDATE SET unit_price = EXCLUDED.unit_price`,
			common.ToUUID(bookID), id, common.ToNumeric(price)); err != nil {
			return "", fmt.Errorf("price product %s in %s: %w", code, pb, err)
		}
	}
	return common.UUIDString(id), nil
}

func scanProduct(row pgx.Row) (billing.ProductRef, error) {
	var (
		id    pgtype.UUID
		price pgtype.Numeric
		ref   billing.ProductRef
	)
	if err := row.Scan(&id, &ref.Name, &ref.Code, &price, &ref.GSTApplicable); err != nil {
		return billing.ProductRef{}, err
	}
	ref.ID = common.UUIDString(id)
	ref.UnitPrice = common.FromNumeric(price)
	return ref, nil
}

func escapeLike(term string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(term)
}
