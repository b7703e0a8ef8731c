package ledger

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
)

// Credits is a non-negative credit balance.
type Credits int64

// SignedCredits is a transaction amount; negative for deductions.
type SignedCredits int64

// PositiveCredits is a strictly positive credit amount.
type PositiveCredits int64

// UserID identifies a ledger account owner.
type UserID struct {
	value string
}

// GenerationID identifies a generation job.
type GenerationID struct {
	value string
}

// TransactionID identifies a ledger transaction.
type TransactionID struct {
	value string
}

// ChargeID is the payment gateway's unique charge reference.
type ChargeID struct {
	value string
}

// IdempotencyKey scopes duplicate detection for transaction writes.
type IdempotencyKey struct {
	value string
}

// MetadataJSON stores arbitrary request metadata.
type MetadataJSON struct {
	value string
}

// NewCredits validates a non-negative balance amount.
func NewCredits(raw int64) (Credits, error) {
	if raw < 0 {
		return 0, fmt.Errorf("%w: must not be negative", ErrInvalidCredits)
	}
	return Credits(raw), nil
}

// Int64 returns the raw amount.
func (amount Credits) Int64() int64 {
	return int64(amount)
}

// NewSignedCredits validates a non-zero transaction amount.
func NewSignedCredits(raw int64) (SignedCredits, error) {
	if raw == 0 {
		return 0, fmt.Errorf("%w: must not be zero", ErrInvalidCredits)
	}
	return SignedCredits(raw), nil
}

// Int64 returns the raw amount.
func (amount SignedCredits) Int64() int64 {
	return int64(amount)
}

// NewPositiveCredits validates a strictly positive amount.
func NewPositiveCredits(raw int64) (PositiveCredits, error) {
	if raw <= 0 {
		return 0, fmt.Errorf("%w: must be greater than zero", ErrInvalidCredits)
	}
	return PositiveCredits(raw), nil
}

// Int64 returns the raw amount.
func (amount PositiveCredits) Int64() int64 {
	return int64(amount)
}

// Signed returns the amount as a positive signed transaction amount.
func (amount PositiveCredits) Signed() SignedCredits {
	return SignedCredits(amount)
}

// Negated returns the amount as a negative signed transaction amount.
func (amount PositiveCredits) Negated() SignedCredits {
	return SignedCredits(-amount)
}

// NewUserID validates and normalizes a user id.
func NewUserID(raw string) (UserID, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return UserID{}, fmt.Errorf("%w: empty value", ErrInvalidUserID)
	}
	return UserID{value: trimmed}, nil
}

// String returns the normalized identifier.
func (id UserID) String() string {
	return id.value
}

// NewGenerationID validates and normalizes a generation id.
func NewGenerationID(raw string) (GenerationID, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return GenerationID{}, fmt.Errorf("%w: empty value", ErrInvalidGenerationID)
	}
	return GenerationID{value: trimmed}, nil
}

// String returns the normalized identifier.
func (id GenerationID) String() string {
	return id.value
}

// NewTransactionID validates and normalizes a transaction id.
func NewTransactionID(raw string) (TransactionID, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return TransactionID{}, fmt.Errorf("%w: empty value", ErrInvalidTransactionID)
	}
	return TransactionID{value: trimmed}, nil
}

// String returns the normalized identifier.
func (id TransactionID) String() string {
	return id.value
}

// NewChargeID validates and normalizes a payment charge reference.
func NewChargeID(raw string) (ChargeID, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return ChargeID{}, fmt.Errorf("%w: empty value", ErrInvalidChargeID)
	}
	return ChargeID{value: trimmed}, nil
}

// String returns the normalized reference.
func (id ChargeID) String() string {
	return id.value
}

// NewIdempotencyKey validates and normalizes an idempotency key.
func NewIdempotencyKey(raw string) (IdempotencyKey, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return IdempotencyKey{}, fmt.Errorf("%w: empty value", ErrInvalidIdempotencyKey)
	}
	return IdempotencyKey{value: trimmed}, nil
}

// String returns the normalized key.
func (key IdempotencyKey) String() string {
	return key.value
}

// NewMetadataJSON validates metadata string (defaulting to "{}" for empty inputs).
func NewMetadataJSON(raw string) (MetadataJSON, error) {
	normalized := strings.TrimSpace(raw)
	if normalized == "" {
		normalized = "{}"
	}
	if !json.Valid([]byte(normalized)) {
		return MetadataJSON{}, fmt.Errorf("%w: must be valid json", ErrInvalidMetadataJSON)
	}
	return MetadataJSON{value: normalized}, nil
}

// String returns the normalized JSON blob.
func (metadata MetadataJSON) String() string {
	return metadata.value
}

// TransactionKind enumerates ledger transaction kinds.
type TransactionKind string

const (
	KindDeduction  TransactionKind = "deduction"
	KindRefund     TransactionKind = "refund"
	KindTopup      TransactionKind = "topup"
	KindRedemption TransactionKind = "redemption"
	KindAdjustment TransactionKind = "adjustment"
)

// String returns the stored kind value.
func (kind TransactionKind) String() string {
	return string(kind)
}

// ParseTransactionKind validates a stored kind value.
func ParseTransactionKind(raw string) (TransactionKind, error) {
	switch TransactionKind(raw) {
	case KindDeduction, KindRefund, KindTopup, KindRedemption, KindAdjustment:
		return TransactionKind(raw), nil
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidTransactionKind, raw)
}

// A single immutable line in the ledger.
type Transaction struct {
	TransactionID  string
	UserID         string
	Kind           TransactionKind
	Amount         SignedCredits
	BalanceAfter   Credits
	GenerationID   string
	IdempotencyKey string
	MetadataJSON   string
	CreatedUnixUTC int64
}

// TransactionInput describes a transaction to append.
type TransactionInput struct {
	UserID         UserID
	Kind           TransactionKind
	Amount         SignedCredits
	GenerationID   string
	IdempotencyKey IdempotencyKey
	MetadataJSON   MetadataJSON
	CreatedUnixUTC int64
}

// GenerationStatus defines the job lifecycle.
type GenerationStatus string

const (
	GenerationPending    GenerationStatus = "pending"
	GenerationProcessing GenerationStatus = "processing"
	GenerationCompleted  GenerationStatus = "completed"
	GenerationFailed     GenerationStatus = "failed"
)

// String returns the stored status value.
func (status GenerationStatus) String() string {
	return string(status)
}

// Terminal reports whether the status accepts no further transitions.
func (status GenerationStatus) Terminal() bool {
	return status == GenerationCompleted || status == GenerationFailed
}

// ParseGenerationStatus validates a stored status value.
func ParseGenerationStatus(raw string) (GenerationStatus, error) {
	switch GenerationStatus(raw) {
	case GenerationPending, GenerationProcessing, GenerationCompleted, GenerationFailed:
		return GenerationStatus(raw), nil
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidGenerationStatus, raw)
}

// Generation is a credit-debited job row linked 1:1 to its deduction.
type Generation struct {
	GenerationID       string
	UserID             string
	ModelID            string
	Status             GenerationStatus
	CreditsUsed        PositiveCredits
	Refunded           bool
	DebitTransactionID string
	TaskID             string
	Prompt             string
	OptionsJSON        string
	ResultRefsJSON     string
	ErrorMessage       string
	CreatedUnixUTC     int64
}

// StatusEventKind enumerates inbound provider status events.
type StatusEventKind string

const (
	StatusEventProcessing StatusEventKind = "processing"
	StatusEventCompleted  StatusEventKind = "completed"
	StatusEventFailed     StatusEventKind = "failed"
)

// ParseStatusEventKind validates an inbound status event kind.
func ParseStatusEventKind(raw string) (StatusEventKind, error) {
	switch StatusEventKind(raw) {
	case StatusEventProcessing, StatusEventCompleted, StatusEventFailed:
		return StatusEventKind(raw), nil
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidStatusEvent, raw)
}

// StatusEvent is a provider status delivery, regardless of transport.
// The same event may arrive more than once.
type StatusEvent struct {
	Kind           StatusEventKind
	TaskID         string
	ResultRefsJSON string
	ErrorMessage   string
}

// GenerationPatch carries the columns written by a status transition.
type GenerationPatch struct {
	TaskID         *string
	ResultRefsJSON *string
	ErrorMessage   *string
}

// RedemptionCode is a shared-use credit voucher.
type RedemptionCode struct {
	CodeID           string
	Code             string
	Credits          PositiveCredits
	MaxUses          int64
	UsedCount        int64
	IsActive         bool
	ExpiresAtUnixUTC int64
}

// PaymentEvent deduplicates gateway payment confirmations by charge id.
type PaymentEvent struct {
	ChargeID       string
	UserID         string
	Amount         PositiveCredits
	Processed      bool
	TransactionID  string
	CreatedUnixUTC int64
}

// AdjustMode selects how an admin adjustment is applied.
type AdjustMode string

const (
	AdjustModeAdd AdjustMode = "add"
	AdjustModeSet AdjustMode = "set"
)

// ParseAdjustMode validates an adjustment mode.
func ParseAdjustMode(raw string) (AdjustMode, error) {
	switch AdjustMode(raw) {
	case AdjustModeAdd, AdjustModeSet:
		return AdjustMode(raw), nil
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidAdjustMode, raw)
}

// Store is the persistence contract used by Service. Every method that
// mutates state must be a single atomic conditional operation; Append is the
// only write primitive for the balance.
type Store interface {
	WithTx(ctx context.Context, fn func(ctx context.Context, txStore Store) error) error
	EnsureUser(ctx context.Context, userID UserID) error
	Append(ctx context.Context, input TransactionInput) (Transaction, error)
	GetBalance(ctx context.Context, userID UserID) (Credits, error)
	SumTransactions(ctx context.Context, userID UserID) (int64, error)
	ListTransactions(ctx context.Context, userID UserID, beforeUnixUTC int64, limit int) ([]Transaction, error)
	CreateGeneration(ctx context.Context, generation Generation) error
	GetGeneration(ctx context.Context, generationID GenerationID) (Generation, error)
	UpdateGenerationStatus(ctx context.Context, generationID GenerationID, from, to GenerationStatus, patch GenerationPatch) error
	MarkGenerationRefunded(ctx context.Context, generationID GenerationID) error
	CreatePaymentEvent(ctx context.Context, event PaymentEvent) error
	MarkPaymentEventProcessed(ctx context.Context, chargeID ChargeID, transactionID string) error
	CreateRedemptionCode(ctx context.Context, code RedemptionCode) error
	GetRedemptionCode(ctx context.Context, code string) (RedemptionCode, error)
	ConsumeRedemptionCode(ctx context.Context, code string, nowUnixUTC int64) (RedemptionCode, error)
}
