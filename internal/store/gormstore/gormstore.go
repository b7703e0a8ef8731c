package gormstore

import (
	"context"
	"errors"
	"time"

	"github.com/MarkoPoloResearchLab/genledger/pkg/ledger"
	gosqlite "github.com/glebarez/go-sqlite"
	"github.com/jackc/pgx/v5/pgconn"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	constraintTransactionIdempotencyKey = "uniq_transaction_idem"
	constraintPaymentEventPrimary       = "payment_events_pkey"
	constraintRedemptionCodeUnique      = "uniq_codes_code"
	constraintGenerationPrimary         = "generations_pkey"
	defaultMetadataJSON                 = "{}"
	pgUniqueViolationCode               = "23505"
	pgSerializationFailureCode          = "40001"
	pgDeadlockDetectedCode              = "40P01"
	sqliteConstraintCode                = 19
	sqliteBusyCode                      = 5
	sqliteLockedCode                    = 6
	dialectPostgres                     = "postgres"
	errorOperationStore                 = "store"
	errorSubjectUser                    = "user"
	errorSubjectBalance                 = "balance"
	errorSubjectTransaction             = "transaction"
	errorSubjectGeneration              = "generation"
	errorSubjectPaymentEvent            = "payment_event"
	errorSubjectRedemptionCode          = "redemption_code"
	errorCodeCreate                     = "create"
	errorCodeConflict                   = "conflict"
	errorCodeConsume                    = "consume"
	errorCodeDuplicate                  = "duplicate"
	errorCodeGet                        = "get"
	errorCodeInsert                     = "insert"
	errorCodeInsufficient               = "insufficient"
	errorCodeInvalid                    = "invalid"
	errorCodeList                       = "list"
	errorCodeLookup                     = "lookup"
	errorCodeMarkProcessed              = "mark_processed"
	errorCodeMarkRefunded               = "mark_refunded"
	errorCodeSum                        = "sum"
	errorCodeUpdateBalance              = "update_balance"
	errorCodeUpdateStatus               = "update_status"
)

// Store implements ledger.Store using GORM.
type Store struct {
	db *gorm.DB
}

// New returns a Store backed by gorm.DB.
func New(db *gorm.DB) *Store {
	return &Store{db: db}
}

// Migrate creates the schema. Postgres deployments run managed migrations;
// sqlite relies on AutoMigrate.
func (store *Store) Migrate() error {
	return store.db.AutoMigrate(&User{}, &CreditTransaction{}, &Generation{}, &RedemptionCode{}, &PaymentEvent{})
}

// WithTx executes fn within a transaction.
func (store *Store) WithTx(ctx context.Context, fn func(ctx context.Context, txStore ledger.Store) error) error {
	return store.db.WithContext(ctx).Transaction(func(transaction *gorm.DB) error {
		return fn(ctx, &Store{db: transaction})
	})
}

func (store *Store) EnsureUser(ctx context.Context, userID ledger.UserID) error {
	user := User{UserID: userID.String(), CreatedAt: time.Now().UTC()}
	err := store.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(&user).Error
	if err != nil && !isUniqueViolation(err) {
		return wrapStoreError(errorSubjectUser, errorCodeCreate, classifyConflict(err))
	}
	return nil
}

// Append is the only write primitive touching the balance. The guard
// "balance + amount >= 0" and the balance update are one conditional UPDATE,
// so two concurrent deductions against a balance that can satisfy only one
// resolve with exactly one winner.
func (store *Store) Append(ctx context.Context, input ledger.TransactionInput) (ledger.Transaction, error) {
	result := store.db.WithContext(ctx).
		Model(&User{}).
		Where("user_id = ? AND balance + ? >= 0", input.UserID.String(), input.Amount.Int64()).
		UpdateColumn("balance", gorm.Expr("balance + ?", input.Amount.Int64()))
	if result.Error != nil {
		return ledger.Transaction{}, wrapStoreError(errorSubjectBalance, errorCodeUpdateBalance, classifyConflict(result.Error))
	}
	if result.RowsAffected == 0 {
		var count int64
		if err := store.db.WithContext(ctx).Model(&User{}).Where("user_id = ?", input.UserID.String()).Count(&count).Error; err != nil {
			return ledger.Transaction{}, wrapStoreError(errorSubjectUser, errorCodeLookup, err)
		}
		if count == 0 {
			return ledger.Transaction{}, wrapStoreError(errorSubjectUser, errorCodeLookup, ledger.ErrUnknownUser)
		}
		return ledger.Transaction{}, wrapStoreError(errorSubjectBalance, errorCodeInsufficient, ledger.ErrInsufficientCredits)
	}

	// The UPDATE above holds the row lock for the rest of the enclosing
	// transaction, so this read-back is stable.
	var user User
	if err := store.db.WithContext(ctx).Where("user_id = ?", input.UserID.String()).Take(&user).Error; err != nil {
		return ledger.Transaction{}, wrapStoreError(errorSubjectUser, errorCodeGet, err)
	}

	var generationID *string
	if input.GenerationID != "" {
		value := input.GenerationID
		generationID = &value
	}
	createdAt := time.Unix(input.CreatedUnixUTC, 0).UTC()
	if input.CreatedUnixUTC == 0 {
		createdAt = time.Now().UTC()
	}
	row := CreditTransaction{
		UserID:         input.UserID.String(),
		Kind:           input.Kind.String(),
		Amount:         input.Amount.Int64(),
		BalanceAfter:   user.Balance,
		GenerationID:   generationID,
		IdempotencyKey: input.IdempotencyKey.String(),
		Metadata:       datatypesJSON(input.MetadataJSON.String()),
		CreatedAt:      createdAt,
	}
	err := store.db.WithContext(ctx).Create(&row).Error
	if isIdempotencyConflict(err) {
		return ledger.Transaction{}, wrapStoreError(errorSubjectTransaction, errorCodeDuplicate, ledger.ErrDuplicateTransaction)
	}
	if err != nil {
		return ledger.Transaction{}, wrapStoreError(errorSubjectTransaction, errorCodeInsert, classifyConflict(err))
	}
	transaction, err := mapTransaction(row)
	if err != nil {
		return ledger.Transaction{}, wrapStoreError(errorSubjectTransaction, errorCodeInvalid, err)
	}
	return transaction, nil
}

func (store *Store) GetBalance(ctx context.Context, userID ledger.UserID) (ledger.Credits, error) {
	var user User
	err := store.db.WithContext(ctx).Where("user_id = ?", userID.String()).Take(&user).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return 0, wrapStoreError(errorSubjectUser, errorCodeGet, ledger.ErrUnknownUser)
		}
		return 0, wrapStoreError(errorSubjectUser, errorCodeGet, err)
	}
	balance, err := ledger.NewCredits(user.Balance)
	if err != nil {
		return 0, wrapStoreError(errorSubjectBalance, errorCodeInvalid, err)
	}
	return balance, nil
}

func (store *Store) SumTransactions(ctx context.Context, userID ledger.UserID) (int64, error) {
	var sum sqlSum
	err := store.db.WithContext(ctx).
		Model(&CreditTransaction{}).
		Select("coalesce(sum(amount),0) as total").
		Where("user_id = ?", userID.String()).
		Scan(&sum).Error
	if err != nil {
		return 0, wrapStoreError(errorSubjectTransaction, errorCodeSum, err)
	}
	return sum.Total, nil
}

func (store *Store) ListTransactions(ctx context.Context, userID ledger.UserID, beforeUnixUTC int64, limit int) ([]ledger.Transaction, error) {
	before := time.Unix(beforeUnixUTC, 0).UTC()
	if beforeUnixUTC == 0 {
		before = time.Now().UTC().Add(time.Second)
	}

	var rows []CreditTransaction
	err := store.db.WithContext(ctx).
		Where("user_id = ? AND created_at < ?", userID.String(), before).
		Order("created_at DESC, transaction_id DESC").
		Limit(limit).
		Find(&rows).Error
	if err != nil {
		return nil, wrapStoreError(errorSubjectTransaction, errorCodeList, err)
	}

	transactions := make([]ledger.Transaction, 0, len(rows))
	for _, row := range rows {
		transaction, err := mapTransaction(row)
		if err != nil {
			return nil, wrapStoreError(errorSubjectTransaction, errorCodeInvalid, err)
		}
		transactions = append(transactions, transaction)
	}
	return transactions, nil
}

func (store *Store) CreateGeneration(ctx context.Context, generation ledger.Generation) error {
	model := Generation{
		GenerationID:       generation.GenerationID,
		UserID:             generation.UserID,
		ModelID:            generation.ModelID,
		Status:             generation.Status.String(),
		CreditsUsed:        generation.CreditsUsed.Int64(),
		Refunded:           generation.Refunded,
		DebitTransactionID: generation.DebitTransactionID,
		TaskID:             generation.TaskID,
		Prompt:             generation.Prompt,
		Options:            datatypesJSON(generation.OptionsJSON),
		ResultRefs:         datatypesJSON(generation.ResultRefsJSON),
		ErrorMessage:       generation.ErrorMessage,
		CreatedAt:          time.Unix(generation.CreatedUnixUTC, 0).UTC(),
	}
	err := store.db.WithContext(ctx).Create(&model).Error
	if isUniqueViolation(err) {
		return wrapStoreError(errorSubjectGeneration, errorCodeDuplicate, ledger.ErrDuplicateGeneration)
	}
	if err != nil {
		return wrapStoreError(errorSubjectGeneration, errorCodeCreate, classifyConflict(err))
	}
	return nil
}

func (store *Store) GetGeneration(ctx context.Context, generationID ledger.GenerationID) (ledger.Generation, error) {
	query := store.db.WithContext(ctx)
	// Row locks are a postgres concern; sqlite serializes writers.
	if store.db.Dialector.Name() == dialectPostgres {
		query = query.Clauses(clause.Locking{Strength: "UPDATE"})
	}
	var model Generation
	err := query.Where("generation_id = ?", generationID.String()).Take(&model).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ledger.Generation{}, wrapStoreError(errorSubjectGeneration, errorCodeGet, ledger.ErrUnknownGeneration)
		}
		return ledger.Generation{}, wrapStoreError(errorSubjectGeneration, errorCodeGet, classifyConflict(err))
	}
	generation, err := mapGeneration(model)
	if err != nil {
		return ledger.Generation{}, wrapStoreError(errorSubjectGeneration, errorCodeInvalid, err)
	}
	return generation, nil
}

func (store *Store) UpdateGenerationStatus(ctx context.Context, generationID ledger.GenerationID, from, to ledger.GenerationStatus, patch ledger.GenerationPatch) error {
	updates := map[string]interface{}{"status": to.String()}
	if patch.TaskID != nil {
		updates["task_id"] = *patch.TaskID
	}
	if patch.ResultRefsJSON != nil {
		updates["result_refs"] = datatypesJSON(*patch.ResultRefsJSON)
	}
	if patch.ErrorMessage != nil {
		updates["error_message"] = *patch.ErrorMessage
	}
	result := store.db.WithContext(ctx).
		Model(&Generation{}).
		Where("generation_id = ? AND status = ?", generationID.String(), from.String()).
		Updates(updates)
	if result.Error != nil {
		return wrapStoreError(errorSubjectGeneration, errorCodeUpdateStatus, classifyConflict(result.Error))
	}
	if result.RowsAffected == 0 {
		return wrapStoreError(errorSubjectGeneration, errorCodeConflict, ledger.ErrStatusConflict)
	}
	return nil
}

// MarkGenerationRefunded is the refund gate: the eligibility predicate and
// the flag flip are one compare-and-set, so a second refund attempt affects
// zero rows.
func (store *Store) MarkGenerationRefunded(ctx context.Context, generationID ledger.GenerationID) error {
	result := store.db.WithContext(ctx).
		Model(&Generation{}).
		Where("generation_id = ? AND status = ? AND refunded = ?", generationID.String(), ledger.GenerationFailed.String(), false).
		UpdateColumn("refunded", true)
	if result.Error != nil {
		return wrapStoreError(errorSubjectGeneration, errorCodeMarkRefunded, classifyConflict(result.Error))
	}
	if result.RowsAffected == 0 {
		return wrapStoreError(errorSubjectGeneration, errorCodeMarkRefunded, ledger.ErrRefundNotEligible)
	}
	return nil
}

func (store *Store) CreatePaymentEvent(ctx context.Context, event ledger.PaymentEvent) error {
	createdAt := time.Unix(event.CreatedUnixUTC, 0).UTC()
	if event.CreatedUnixUTC == 0 {
		createdAt = time.Now().UTC()
	}
	model := PaymentEvent{
		ChargeID:  event.ChargeID,
		UserID:    event.UserID,
		Amount:    event.Amount.Int64(),
		Processed: event.Processed,
		CreatedAt: createdAt,
	}
	err := store.db.WithContext(ctx).Create(&model).Error
	if isUniqueViolation(err) {
		return wrapStoreError(errorSubjectPaymentEvent, errorCodeDuplicate, ledger.ErrDuplicatePayment)
	}
	if err != nil {
		return wrapStoreError(errorSubjectPaymentEvent, errorCodeCreate, classifyConflict(err))
	}
	return nil
}

func (store *Store) MarkPaymentEventProcessed(ctx context.Context, chargeID ledger.ChargeID, transactionID string) error {
	result := store.db.WithContext(ctx).
		Model(&PaymentEvent{}).
		Where("charge_id = ?", chargeID.String()).
		Updates(map[string]interface{}{"processed": true, "transaction_id": transactionID})
	if result.Error != nil {
		return wrapStoreError(errorSubjectPaymentEvent, errorCodeMarkProcessed, classifyConflict(result.Error))
	}
	if result.RowsAffected == 0 {
		return wrapStoreError(errorSubjectPaymentEvent, errorCodeMarkProcessed, ledger.ErrUnknownPayment)
	}
	return nil
}

func (store *Store) CreateRedemptionCode(ctx context.Context, code ledger.RedemptionCode) error {
	var expiresAt *time.Time
	if code.ExpiresAtUnixUTC != 0 {
		value := time.Unix(code.ExpiresAtUnixUTC, 0).UTC()
		expiresAt = &value
	}
	model := RedemptionCode{
		CodeID:    code.CodeID,
		Code:      code.Code,
		Credits:   code.Credits.Int64(),
		MaxUses:   code.MaxUses,
		UsedCount: code.UsedCount,
		IsActive:  code.IsActive,
		ExpiresAt: expiresAt,
		CreatedAt: time.Now().UTC(),
	}
	err := store.db.WithContext(ctx).Create(&model).Error
	if isUniqueViolation(err) {
		return wrapStoreError(errorSubjectRedemptionCode, errorCodeDuplicate, ledger.ErrDuplicateCode)
	}
	if err != nil {
		return wrapStoreError(errorSubjectRedemptionCode, errorCodeCreate, classifyConflict(err))
	}
	return nil
}

func (store *Store) GetRedemptionCode(ctx context.Context, code string) (ledger.RedemptionCode, error) {
	var model RedemptionCode
	err := store.db.WithContext(ctx).Where("code = ?", code).Take(&model).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ledger.RedemptionCode{}, wrapStoreError(errorSubjectRedemptionCode, errorCodeGet, ledger.ErrUnknownCode)
		}
		return ledger.RedemptionCode{}, wrapStoreError(errorSubjectRedemptionCode, errorCodeGet, err)
	}
	record, err := mapRedemptionCode(model)
	if err != nil {
		return ledger.RedemptionCode{}, wrapStoreError(errorSubjectRedemptionCode, errorCodeInvalid, err)
	}
	return record, nil
}

// ConsumeRedemptionCode increments used_count behind a single conditional
// UPDATE so a code with maxUses=k admits exactly k winners under concurrency.
// A zero-row result is re-read to classify the rejection.
func (store *Store) ConsumeRedemptionCode(ctx context.Context, code string, nowUnixUTC int64) (ledger.RedemptionCode, error) {
	at := time.Unix(nowUnixUTC, 0).UTC()
	result := store.db.WithContext(ctx).
		Model(&RedemptionCode{}).
		Where("code = ? AND is_active = ? AND used_count < max_uses AND (expires_at IS NULL OR expires_at > ?)", code, true, at).
		UpdateColumn("used_count", gorm.Expr("used_count + 1"))
	if result.Error != nil {
		return ledger.RedemptionCode{}, wrapStoreError(errorSubjectRedemptionCode, errorCodeConsume, classifyConflict(result.Error))
	}
	if result.RowsAffected == 0 {
		record, err := store.GetRedemptionCode(ctx, code)
		if err != nil {
			return ledger.RedemptionCode{}, err
		}
		return ledger.RedemptionCode{}, wrapStoreError(errorSubjectRedemptionCode, errorCodeConsume, classifyCodeRejection(record, nowUnixUTC))
	}
	record, err := store.GetRedemptionCode(ctx, code)
	if err != nil {
		return ledger.RedemptionCode{}, err
	}
	return record, nil
}

func classifyCodeRejection(record ledger.RedemptionCode, nowUnixUTC int64) error {
	if !record.IsActive {
		return ledger.ErrCodeInactive
	}
	if record.ExpiresAtUnixUTC != 0 && record.ExpiresAtUnixUTC <= nowUnixUTC {
		return ledger.ErrCodeExpired
	}
	return ledger.ErrCodeExhausted
}

func wrapStoreError(subject string, code string, err error) error {
	return ledger.WrapError(errorOperationStore, subject, code, err)
}

type sqlSum struct {
	Total int64
}

func mapTransaction(row CreditTransaction) (ledger.Transaction, error) {
	kind, err := ledger.ParseTransactionKind(row.Kind)
	if err != nil {
		return ledger.Transaction{}, err
	}
	amount, err := ledger.NewSignedCredits(row.Amount)
	if err != nil {
		return ledger.Transaction{}, err
	}
	balanceAfter, err := ledger.NewCredits(row.BalanceAfter)
	if err != nil {
		return ledger.Transaction{}, err
	}
	generationID := ""
	if row.GenerationID != nil {
		generationID = *row.GenerationID
	}
	return ledger.Transaction{
		TransactionID:  row.TransactionID,
		UserID:         row.UserID,
		Kind:           kind,
		Amount:         amount,
		BalanceAfter:   balanceAfter,
		GenerationID:   generationID,
		IdempotencyKey: row.IdempotencyKey,
		MetadataJSON:   string(row.Metadata),
		CreatedUnixUTC: row.CreatedAt.Unix(),
	}, nil
}

func mapGeneration(model Generation) (ledger.Generation, error) {
	status, err := ledger.ParseGenerationStatus(model.Status)
	if err != nil {
		return ledger.Generation{}, err
	}
	creditsUsed, err := ledger.NewPositiveCredits(model.CreditsUsed)
	if err != nil {
		return ledger.Generation{}, err
	}
	return ledger.Generation{
		GenerationID:       model.GenerationID,
		UserID:             model.UserID,
		ModelID:            model.ModelID,
		Status:             status,
		CreditsUsed:        creditsUsed,
		Refunded:           model.Refunded,
		DebitTransactionID: model.DebitTransactionID,
		TaskID:             model.TaskID,
		Prompt:             model.Prompt,
		OptionsJSON:        string(model.Options),
		ResultRefsJSON:     string(model.ResultRefs),
		ErrorMessage:       model.ErrorMessage,
		CreatedUnixUTC:     model.CreatedAt.Unix(),
	}, nil
}

func mapRedemptionCode(model RedemptionCode) (ledger.RedemptionCode, error) {
	credits, err := ledger.NewPositiveCredits(model.Credits)
	if err != nil {
		return ledger.RedemptionCode{}, err
	}
	var expiresAtUnixUTC int64
	if model.ExpiresAt != nil {
		expiresAtUnixUTC = model.ExpiresAt.Unix()
	}
	return ledger.RedemptionCode{
		CodeID:           model.CodeID,
		Code:             model.Code,
		Credits:          credits,
		MaxUses:          model.MaxUses,
		UsedCount:        model.UsedCount,
		IsActive:         model.IsActive,
		ExpiresAtUnixUTC: expiresAtUnixUTC,
	}, nil
}

func datatypesJSON(raw string) datatypes.JSON {
	if raw == "" {
		return datatypes.JSON([]byte(defaultMetadataJSON))
	}
	return datatypes.JSON([]byte(raw))
}

func isIdempotencyConflict(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgUniqueViolationCode && pgErr.ConstraintName == constraintTransactionIdempotencyKey
	}
	return isSQLiteConstraint(err)
}

func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgUniqueViolationCode
	}
	return isSQLiteConstraint(err)
}

func isSQLiteConstraint(err error) bool {
	var sqliteErr *gosqlite.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.Code()&0xFF == sqliteConstraintCode
	}
	return false
}

// classifyConflict maps lost-race driver errors onto ErrStorageConflict so
// the engine can retry them transparently.
func classifyConflict(err error) error {
	if err == nil {
		return nil
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		if pgErr.Code == pgSerializationFailureCode || pgErr.Code == pgDeadlockDetectedCode {
			return ledger.ErrStorageConflict
		}
	}
	var sqliteErr *gosqlite.Error
	if errors.As(err, &sqliteErr) {
		code := sqliteErr.Code() & 0xFF
		if code == sqliteBusyCode || code == sqliteLockedCode {
			return ledger.ErrStorageConflict
		}
	}
	return err
}
