package customer

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"

	"github.com/noah-isme/pos-billing/internal/common"
)

// Account is a billed customer record.
type Account struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Email string `json:"email,omitempty"`
	Phone string `json:"phone,omitempty"`
}

// Repository is the storage contract behind Service.
type Repository interface {
	SearchByName(ctx context.Context, prefix string, limit int) ([]Account, error)
	FindByContact(ctx context.Context, email, phone string) (string, bool, error)
}

// PGRepository stores accounts in Postgres. It also runs inside invoice
// transactions through common.DBTX.
type PGRepository struct {
	DB common.DBTX
}

// SearchByName matches names containing prefix, prefix matches first.
func (r PGRepository) SearchByName(ctx context.Context, prefix string, limit int) ([]Account, error) {
	rows, err := r.DB.Query(ctx, `
SELECT id, name, coalesce(email, ''), coalesce(phone, '')
FROM accounts
WHERE name ILIKE '%' || $1::text || '%'
ORDER BY (name ILIKE $1::text || '%') DESC, name ASC
LIMIT $2`, escapeLike(prefix), limit)
	if err != nil {
		return nil, fmt.Errorf("search accounts: %w", err)
	}
	defer rows.Close()
	out := make([]Account, 0)
	for rows.Next() {
		var (
			id pgtype.UUID
			a  Account
		)
		if err := rows.Scan(&id, &a.Name, &a.Email, &a.Phone); err != nil {
			return nil, err
		}
		a.ID = common.UUIDString(id)
		out = append(out, a)
	}
	return out, rows.Err()
}

// FindByContact returns the oldest account matching email (case-insensitive)
// or phone. Email matches win over phone matches.
func (r PGRepository) FindByContact(ctx context.Context, email, phone string) (string, bool, error) {
	var id pgtype.UUID
	err := r.DB.QueryRow(ctx, `
SELECT id FROM accounts
WHERE ($1::text <> '' AND lower(email) = lower($1::text))
   OR ($2::text <> '' AND phone = $2::text)
ORDER BY ($1::text <> '' AND lower(email) = lower($1::text)) DESC, created_at ASC
LIMIT 1`, email, phone).Scan(&id)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("find account: %w", err)
	}
	return common.UUIDString(id), true, nil
}

// Exists reports whether an account id is known.
func (r PGRepository) Exists(ctx context.Context, id string) (bool, error) {
	uid := common.ToUUID(id)
	if !uid.Valid {
		return false, nil
	}
	var found bool
	if err := r.DB.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM accounts WHERE id = $1)`, uid).Scan(&found); err != nil {
		return false, fmt.Errorf("account exists: %w", err)
	}
	return found, nil
}

// Create inserts a new account and returns its id.
func (r PGRepository) Create(ctx context.Context, a Account) (string, error) {
	var id pgtype.UUID
	err := r.DB.QueryRow(ctx, `
INSERT INTO accounts (name, email, phone) VALUES ($1, $2, $3)
RETURNING id`, strings.TrimSpace(a.Name), common.ToText(a.Email), common.ToText(a.Phone)).Scan(&id)
	if err != nil {
		return "", fmt.Errorf("create account: %w", err)
	}
	return common.UUIDString(id), nil
}

func escapeLike(term string) string {
	return strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`).Replace(term)
}
