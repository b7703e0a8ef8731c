package gormstore

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// User carries the materialized balance. The column is a cache of the
// transaction sum; it is only ever written through Append.
type User struct {
	UserID    string    `gorm:"primaryKey"`
	Balance   int64     `gorm:"not null;default:0"`
	CreatedAt time.Time `gorm:"not null"`
}

func (User) TableName() string { return "users" }

// CreditTransaction mirrors the append-only credit_transactions table.
type CreditTransaction struct {
	TransactionID  string         `gorm:"type:uuid;primaryKey"`
	UserID         string         `gorm:"not null;index:idx_transactions_user_created,priority:1"`
	Kind           string         `gorm:"not null"`
	Amount         int64          `gorm:"not null"`
	BalanceAfter   int64          `gorm:"not null"`
	GenerationID   *string        `gorm:"index"`
	IdempotencyKey string         `gorm:"not null;index:uniq_transaction_idem,unique"`
	Metadata       datatypes.JSON `gorm:"not null"`
	CreatedAt      time.Time      `gorm:"not null;index:idx_transactions_user_created,priority:2"`
}

func (CreditTransaction) TableName() string { return "credit_transactions" }

func (transaction *CreditTransaction) BeforeCreate(tx *gorm.DB) error {
	if transaction.TransactionID == "" {
		transaction.TransactionID = uuid.NewString()
	}
	return nil
}

// Generation mirrors the generations table.
type Generation struct {
	GenerationID       string         `gorm:"type:uuid;primaryKey"`
	UserID             string         `gorm:"not null;index"`
	ModelID            string         `gorm:"not null"`
	Status             string         `gorm:"not null"`
	CreditsUsed        int64          `gorm:"not null"`
	Refunded           bool           `gorm:"not null;default:false"`
	DebitTransactionID string         `gorm:"not null"`
	TaskID             string         `gorm:""`
	Prompt             string         `gorm:""`
	Options            datatypes.JSON `gorm:"not null"`
	ResultRefs         datatypes.JSON `gorm:""`
	ErrorMessage       string         `gorm:""`
	CreatedAt          time.Time      `gorm:"not null"`
}

func (Generation) TableName() string { return "generations" }

// RedemptionCode mirrors the redemption_codes table.
type RedemptionCode struct {
	CodeID    string     `gorm:"type:uuid;primaryKey"`
	Code      string     `gorm:"not null;index:uniq_codes_code,unique"`
	Credits   int64      `gorm:"not null"`
	MaxUses   int64      `gorm:"not null"`
	UsedCount int64      `gorm:"not null;default:0"`
	IsActive  bool       `gorm:"not null;default:true"`
	ExpiresAt *time.Time `gorm:""`
	CreatedAt time.Time  `gorm:"not null"`
}

func (RedemptionCode) TableName() string { return "redemption_codes" }

// PaymentEvent mirrors the payment_events dedupe table.
type PaymentEvent struct {
	ChargeID      string    `gorm:"primaryKey"`
	UserID        string    `gorm:"not null"`
	Amount        int64     `gorm:"not null"`
	Processed     bool      `gorm:"not null;default:false"`
	TransactionID *string   `gorm:""`
	CreatedAt     time.Time `gorm:"not null"`
}

func (PaymentEvent) TableName() string { return "payment_events" }
