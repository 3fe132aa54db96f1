package models

import (
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// OrderStatus represents a state in the sell-order lifecycle.
type OrderStatus string

// All order states.
const (
	StatusActive    OrderStatus = "ACTIVE"
	StatusCompleted OrderStatus = "COMPLETED"
	StatusCancelled OrderStatus = "CANCELLED"
)

// Fixed-point scales for persisted amounts.
const (
	AmountDecimals = 6
	RateDecimals   = 2
	TotalDecimals  = 2
)

// UserProfile stores the onboarding data of a marketplace account. Subject is
// the authenticated identity the profile belongs to.
type UserProfile struct {
	ID        uuid.UUID `gorm:"type:uuid;primaryKey"`
	Subject   string    `gorm:"size:128;uniqueIndex"`
	FirstName string    `gorm:"size:128"`
	LastName  string    `gorm:"size:128"`
	Address   string    `gorm:"size:512"`
	Age       int
	PAN       string `gorm:"size:16"`
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Complete reports whether every onboarding field has been provided.
func (p *UserProfile) Complete() bool {
	if p == nil {
		return false
	}
	for _, field := range []string{p.FirstName, p.LastName, p.Address, p.PAN} {
		if strings.TrimSpace(field) == "" {
			return false
		}
	}
	return p.Age > 0
}

// DisplayName is the seller name shown to buyers.
func (p *UserProfile) DisplayName() string {
	if p == nil {
		return ""
	}
	return strings.TrimSpace(p.FirstName + " " + p.LastName)
}

// Order is a sell order backed by an escrow lock. LockTxHash is unique so a
// single lock can back at most one order. LockBlock and LockTxIndex locate the
// lock transaction on its ledger.
type Order struct {
	ID            uuid.UUID   `gorm:"type:uuid;primaryKey"`
	SellerID      uuid.UUID   `gorm:"type:uuid;index"`
	Seller        UserProfile `gorm:"foreignKey:SellerID"`
	SellerSubject string      `gorm:"size:128;index"`
	WalletAddress string      `gorm:"size:42;index"`
	AmountUnits   int64       `gorm:"not null"`
	RateCents     int64       `gorm:"not null"`
	TotalCents    int64       `gorm:"not null"`
	Status        OrderStatus `gorm:"size:16;index"`
	ExpiresAt     time.Time   `gorm:"index"`
	LockTxHash    string      `gorm:"size:66;uniqueIndex"`
	LockBlock     uint64
	LockTxIndex   uint64
	SettleTxHash  string      `gorm:"size:66;index"`
	BuyerAddress  string      `gorm:"size:42"`
	CreatedAt     time.Time   `gorm:"index"`
	UpdatedAt     time.Time
}

// OrderEvent is the audit trail of order mutations.
type OrderEvent struct {
	ID        uuid.UUID `gorm:"type:uuid;primaryKey"`
	OrderID   uuid.UUID `gorm:"type:uuid;index"`
	Actor     string    `gorm:"size:128;index"`
	Action    string    `gorm:"size:64"`
	Details   string    `gorm:"type:text"`
	CreatedAt time.Time
}

// IdempotencyKey stores request idempotency metadata.
type IdempotencyKey struct {
	Key       string `gorm:"primaryKey;size:128"`
	RequestID string `gorm:"size:64"`
	Method    string `gorm:"size:8"`
	Path      string `gorm:"size:255"`
	Status    int
	Response  string `gorm:"type:text"`
	CreatedAt time.Time
}

// AutoMigrate performs all schema migrations for the service.
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(
		&UserProfile{},
		&Order{},
		&OrderEvent{},
		&IdempotencyKey{},
	)
}
