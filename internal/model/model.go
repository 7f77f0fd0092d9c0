// Package model defines the core domain records shared across the
// simulation core. All ledger amounts are integer cents — never float64
// for money.
package model

import "time"

// Table names each identify one whole-collection blob in the key-value
// store. The layout is flat: one JSON-encoded sequence per key.
const (
	TableSession      = "session"
	TableProfiles     = "user-profiles"
	TableRoles        = "user-roles"
	TableInvestments  = "investments"
	TableOrders       = "orders"
	TableTransactions = "transactions"
)

// Session is the current authenticated identity. Exactly one session is
// persisted at a time; it is owned by the session manager and read-only
// everywhere else.
type Session struct {
	UserID    string            `json:"user_id"`
	Email     string            `json:"email"`
	IssuedAt  time.Time         `json:"issued_at"`
	ExpiresAt time.Time         `json:"expires_at"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// Expired reports whether the session has passed its expiry at the given
// instant.
func (s *Session) Expired(now time.Time) bool {
	return !s.ExpiresAt.IsZero() && now.After(s.ExpiresAt)
}

// UserProfile is created once at sign-up and mutated by settings edits.
// ID and Email are unique by caller discipline.
type UserProfile struct {
	ID          string    `json:"id"`
	Email       string    `json:"email"`
	FullName    string    `json:"full_name"`
	Country     string    `json:"country"`
	KYCVerified bool      `json:"kyc_verified"`
	AvatarURL   string    `json:"avatar_url,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// UserRole is created paired with a UserProfile at sign-up.
type UserRole struct {
	UserID              string    `json:"user_id"`
	Role                string    `json:"role"`
	KYCStatus           string    `json:"kyc_status"`
	AccreditationStatus string    `json:"accreditation_status"`
	UpdatedAt           time.Time `json:"updated_at"`
}

// Investment is a user's net token position in one asset. Conceptually
// unique per (UserID, PropertyID): the order engine upserts it, never
// appends a second row for the same pair.
type Investment struct {
	UserID                string `json:"user_id"`
	PropertyID            string `json:"property_id"`
	TokensOwned           int64  `json:"tokens_owned"`
	InvestmentAmountCents int64  `json:"investment_amount_cents"`
}

// Order statuses and sides.
const (
	OrderStatusPaid   = "paid"
	OrderStatusFailed = "failed"

	SideBuy  = "buy"
	SideSell = "sell"
)

// Order is an immutable record of an executed buy or sell. Once appended
// it is never modified or deleted.
type Order struct {
	ID               string    `json:"id"`
	UserID           string    `json:"user_id"`
	PropertyID       string    `json:"property_id"`
	Tokens           int64     `json:"tokens"`
	UnitPriceCents   int64     `json:"unit_price_cents"`
	GrossAmountCents int64     `json:"gross_amount_cents"`
	Status           string    `json:"status"`
	TxType           string    `json:"tx_type"`
	CreatedAt        time.Time `json:"created_at"`
}

// Transaction is a write-only audit record of cash movement. It is never
// read back into any balance computation.
type Transaction struct {
	ID          string    `json:"id"`
	UserID      string    `json:"user_id"`
	AmountCents int64     `json:"amount_cents"` // signed: +inflow, -outflow
	Kind        string    `json:"kind"`
	Reference   string    `json:"reference,omitempty"` // order ID for trade movements
	CreatedAt   time.Time `json:"created_at"`
}
