// Package pgstore implements ledger.Store directly on pgx for deployments
// that manage their Postgres schema outside GORM.
package pgstore

import (
	"context"
	_ "embed"
	"errors"

	"github.com/MarkoPoloResearchLab/genledger/pkg/ledger"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// schemaSQL holds the idempotent DDL for this store. The statements in this
// file assume its constraint names.
//
//go:embed schema.sql
var schemaSQL string

const (
	constraintTransactionIdempotencyKey = "uniq_transaction_idem"
	constraintPaymentEventPrimary       = "payment_events_pkey"
	constraintRedemptionCodeUnique      = "uniq_codes_code"
	constraintGenerationPrimary         = "generations_pkey"
	pgUniqueViolationCode               = "23505"
	pgSerializationFailureCode          = "40001"
	pgDeadlockDetectedCode              = "40P01"
	errorOperationStore                 = "store"
	errorSubjectUser                    = "user"
	errorSubjectBalance                 = "balance"
	errorSubjectTransaction             = "transaction"
	errorSubjectGeneration              = "generation"
	errorSubjectPaymentEvent            = "payment_event"
	errorSubjectRedemptionCode          = "redemption_code"
	errorSubjectSchema                  = "schema"
	errorCodeBegin                      = "begin"
	errorCodeCommit                     = "commit"
	errorCodeConflict                   = "conflict"
	errorCodeConsume                    = "consume"
	errorCodeCreate                     = "create"
	errorCodeDuplicate                  = "duplicate"
	errorCodeGet                        = "get"
	errorCodeInsert                     = "insert"
	errorCodeInsufficient               = "insufficient"
	errorCodeInvalid                    = "invalid"
	errorCodeList                       = "list"
	errorCodeLookup                     = "lookup"
	errorCodeMarkProcessed              = "mark_processed"
	errorCodeMarkRefunded               = "mark_refunded"
	errorCodeMigrate                    = "migrate"
	errorCodeSum                        = "sum"
	errorCodeUpdateBalance              = "update_balance"
	errorCodeUpdateStatus               = "update_status"

	sqlEnsureUser = `
		insert into users(user_id, balance, created_at) values($1, 0, now())
		on conflict (user_id) do nothing
	`

	sqlApplyBalanceDelta = `
		update users set balance = balance + $2
		where user_id = $1 and balance + $2 >= 0
	`

	sqlUserExists = `select count(*) from users where user_id = $1`

	sqlSelectBalance = `select balance from users where user_id = $1`

	sqlInsertTransaction = `
		insert into credit_transactions(
			transaction_id, user_id, kind, amount, balance_after, generation_id, idempotency_key, metadata, created_at
		)
		values(
			gen_random_uuid()::text, $1, $2, $3, $4,
			nullif($5,''), $6,
			coalesce(nullif($7,''),'{}')::jsonb,
			to_timestamp($8)
		)
		returning transaction_id::text, extract(epoch from created_at)::bigint
	`

	sqlSumTransactions = `
		select coalesce(sum(amount),0) from credit_transactions where user_id = $1
	`

	sqlListTransactionsBefore = `
		select
			transaction_id::text,
			user_id,
			kind,
			amount,
			balance_after,
			coalesce(generation_id::text,''),
			idempotency_key,
			coalesce(metadata::text,'{}'),
			extract(epoch from created_at)::bigint
		from credit_transactions
		where user_id = $1 and created_at < to_timestamp($2)
		order by created_at desc, transaction_id desc
		limit $3
	`

	sqlInsertGeneration = `
		insert into generations(
			generation_id, user_id, model_id, status, credits_used, refunded,
			debit_transaction_id, task_id, prompt, options, result_refs, error_message, created_at
		)
		values(
			$1, $2, $3, $4, $5, false, $6, $7, $8,
			coalesce(nullif($9,''),'{}')::jsonb,
			coalesce(nullif($10,''),'{}')::jsonb,
			$11, to_timestamp($12)
		)
	`

	sqlSelectGeneration = `
		select
			generation_id::text, user_id, model_id, status, credits_used, refunded,
			debit_transaction_id::text, coalesce(task_id,''), coalesce(prompt,''),
			coalesce(options::text,'{}'), coalesce(result_refs::text,''), coalesce(error_message,''),
			extract(epoch from created_at)::bigint
		from generations
		where generation_id = $1
		for update
	`

	sqlUpdateGenerationStatus = `
		update generations
		set status = $3,
			task_id = coalesce($4, task_id),
			result_refs = coalesce(nullif($5,'')::jsonb, result_refs),
			error_message = coalesce($6, error_message)
		where generation_id = $1 and status = $2
	`

	sqlMarkGenerationRefunded = `
		update generations set refunded = true
		where generation_id = $1 and status = 'failed' and refunded = false
	`

	sqlInsertPaymentEvent = `
		insert into payment_events(charge_id, user_id, amount, processed, created_at)
		values($1, $2, $3, $4, to_timestamp($5))
	`

	sqlMarkPaymentEventProcessed = `
		update payment_events set processed = true, transaction_id = $2
		where charge_id = $1
	`

	sqlInsertRedemptionCode = `
		insert into redemption_codes(code_id, code, credits, max_uses, used_count, is_active, expires_at, created_at)
		values($1, $2, $3, $4, $5, $6, to_timestamp(nullif($7,0)), now())
	`

	sqlSelectRedemptionCode = `
		select code_id::text, code, credits, max_uses, used_count, is_active,
			coalesce(extract(epoch from expires_at)::bigint,0)
		from redemption_codes
		where code = $1
	`

	sqlConsumeRedemptionCode = `
		update redemption_codes set used_count = used_count + 1
		where code = $1 and is_active and used_count < max_uses
			and (expires_at is null or expires_at > to_timestamp($2))
		returning code_id::text, code, credits, max_uses, used_count, is_active,
			coalesce(extract(epoch from expires_at)::bigint,0)
	`
)

// querier is satisfied by both pgxpool.Pool and pgx.Tx.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Store implements ledger.Store using a pgx connection pool.
type Store struct {
	pool *pgxpool.Pool
	db   querier
}

// New returns a Store backed by a pgx pool.
func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool, db: pool}
}

// Migrate applies the embedded schema. Every statement is idempotent, so
// running it against an existing database is safe.
func (store *Store) Migrate(ctx context.Context) error {
	if _, err := store.db.Exec(ctx, schemaSQL); err != nil {
		return wrapStoreError(errorSubjectSchema, errorCodeMigrate, err)
	}
	return nil
}

// WithTx executes fn within a database transaction. Nested calls reuse the
// active transaction.
func (store *Store) WithTx(ctx context.Context, fn func(ctx context.Context, txStore ledger.Store) error) error {
	if store.pool == nil {
		return fn(ctx, store)
	}
	tx, err := store.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return wrapStoreError(errorSubjectTransaction, errorCodeBegin, err)
	}
	transactionStore := &Store{db: tx}
	if err := fn(ctx, transactionStore); err != nil {
		_ = tx.Rollback(ctx)
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return wrapStoreError(errorSubjectTransaction, errorCodeCommit, classifyConflict(err))
	}
	return nil
}

func (store *Store) EnsureUser(ctx context.Context, userID ledger.UserID) error {
	_, err := store.db.Exec(ctx, sqlEnsureUser, userID.String())
	if err != nil {
		return wrapStoreError(errorSubjectUser, errorCodeCreate, classifyConflict(err))
	}
	return nil
}

func (store *Store) Append(ctx context.Context, input ledger.TransactionInput) (ledger.Transaction, error) {
	tag, err := store.db.Exec(ctx, sqlApplyBalanceDelta, input.UserID.String(), input.Amount.Int64())
	if err != nil {
		return ledger.Transaction{}, wrapStoreError(errorSubjectBalance, errorCodeUpdateBalance, classifyConflict(err))
	}
	if tag.RowsAffected() == 0 {
		var count int64
		if err := store.db.QueryRow(ctx, sqlUserExists, input.UserID.String()).Scan(&count); err != nil {
			return ledger.Transaction{}, wrapStoreError(errorSubjectUser, errorCodeLookup, err)
		}
		if count == 0 {
			return ledger.Transaction{}, wrapStoreError(errorSubjectUser, errorCodeLookup, ledger.ErrUnknownUser)
		}
		return ledger.Transaction{}, wrapStoreError(errorSubjectBalance, errorCodeInsufficient, ledger.ErrInsufficientCredits)
	}
	var balanceAfter int64
	if err := store.db.QueryRow(ctx, sqlSelectBalance, input.UserID.String()).Scan(&balanceAfter); err != nil {
		return ledger.Transaction{}, wrapStoreError(errorSubjectUser, errorCodeGet, err)
	}
	var transactionID string
	var createdUnixUTC int64
	err = store.db.QueryRow(ctx, sqlInsertTransaction,
		input.UserID.String(),
		input.Kind.String(),
		input.Amount.Int64(),
		balanceAfter,
		input.GenerationID,
		input.IdempotencyKey.String(),
		input.MetadataJSON.String(),
		input.CreatedUnixUTC,
	).Scan(&transactionID, &createdUnixUTC)
	if isIdempotencyConflict(err) {
		return ledger.Transaction{}, wrapStoreError(errorSubjectTransaction, errorCodeDuplicate, ledger.ErrDuplicateTransaction)
	}
	if err != nil {
		return ledger.Transaction{}, wrapStoreError(errorSubjectTransaction, errorCodeInsert, classifyConflict(err))
	}
	balance, err := ledger.NewCredits(balanceAfter)
	if err != nil {
		return ledger.Transaction{}, wrapStoreError(errorSubjectBalance, errorCodeInvalid, err)
	}
	return ledger.Transaction{
		TransactionID:  transactionID,
		UserID:         input.UserID.String(),
		Kind:           input.Kind,
		Amount:         input.Amount,
		BalanceAfter:   balance,
		GenerationID:   input.GenerationID,
		IdempotencyKey: input.IdempotencyKey.String(),
		MetadataJSON:   input.MetadataJSON.String(),
		CreatedUnixUTC: createdUnixUTC,
	}, nil
}

func (store *Store) GetBalance(ctx context.Context, userID ledger.UserID) (ledger.Credits, error) {
	var balanceValue int64
	err := store.db.QueryRow(ctx, sqlSelectBalance, userID.String()).Scan(&balanceValue)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, wrapStoreError(errorSubjectUser, errorCodeGet, ledger.ErrUnknownUser)
		}
		return 0, wrapStoreError(errorSubjectUser, errorCodeGet, err)
	}
	balance, err := ledger.NewCredits(balanceValue)
	if err != nil {
		return 0, wrapStoreError(errorSubjectBalance, errorCodeInvalid, err)
	}
	return balance, nil
}

func (store *Store) SumTransactions(ctx context.Context, userID ledger.UserID) (int64, error) {
	var sum int64
	if err := store.db.QueryRow(ctx, sqlSumTransactions, userID.String()).Scan(&sum); err != nil {
		return 0, wrapStoreError(errorSubjectTransaction, errorCodeSum, err)
	}
	return sum, nil
}

func (store *Store) ListTransactions(ctx context.Context, userID ledger.UserID, beforeUnixUTC int64, limit int) ([]ledger.Transaction, error) {
	rows, err := store.db.Query(ctx, sqlListTransactionsBefore, userID.String(), beforeUnixUTC, limit)
	if err != nil {
		return nil, wrapStoreError(errorSubjectTransaction, errorCodeList, err)
	}
	defer rows.Close()
	transactions, err := scanTransactions(rows)
	if err != nil {
		return nil, wrapStoreError(errorSubjectTransaction, errorCodeInvalid, err)
	}
	return transactions, nil
}

func (store *Store) CreateGeneration(ctx context.Context, generation ledger.Generation) error {
	_, err := store.db.Exec(ctx, sqlInsertGeneration,
		generation.GenerationID,
		generation.UserID,
		generation.ModelID,
		generation.Status.String(),
		generation.CreditsUsed.Int64(),
		generation.DebitTransactionID,
		generation.TaskID,
		generation.Prompt,
		generation.OptionsJSON,
		generation.ResultRefsJSON,
		generation.ErrorMessage,
		generation.CreatedUnixUTC,
	)
	if isConstraintViolation(err, constraintGenerationPrimary) {
		return wrapStoreError(errorSubjectGeneration, errorCodeDuplicate, ledger.ErrDuplicateGeneration)
	}
	if err != nil {
		return wrapStoreError(errorSubjectGeneration, errorCodeCreate, classifyConflict(err))
	}
	return nil
}

func (store *Store) GetGeneration(ctx context.Context, generationID ledger.GenerationID) (ledger.Generation, error) {
	var (
		idValue            string
		userValue          string
		modelValue         string
		statusValue        string
		creditsUsedValue   int64
		refundedValue      bool
		debitTransactionID string
		taskIDValue        string
		promptValue        string
		optionsValue       string
		resultRefsValue    string
		errorMessageValue  string
		createdUnixUTC     int64
	)
	err := store.db.QueryRow(ctx, sqlSelectGeneration, generationID.String()).Scan(
		&idValue,
		&userValue,
		&modelValue,
		&statusValue,
		&creditsUsedValue,
		&refundedValue,
		&debitTransactionID,
		&taskIDValue,
		&promptValue,
		&optionsValue,
		&resultRefsValue,
		&errorMessageValue,
		&createdUnixUTC,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ledger.Generation{}, wrapStoreError(errorSubjectGeneration, errorCodeGet, ledger.ErrUnknownGeneration)
		}
		return ledger.Generation{}, wrapStoreError(errorSubjectGeneration, errorCodeGet, classifyConflict(err))
	}
	status, err := ledger.ParseGenerationStatus(statusValue)
	if err != nil {
		return ledger.Generation{}, wrapStoreError(errorSubjectGeneration, errorCodeInvalid, err)
	}
	creditsUsed, err := ledger.NewPositiveCredits(creditsUsedValue)
	if err != nil {
		return ledger.Generation{}, wrapStoreError(errorSubjectGeneration, errorCodeInvalid, err)
	}
	return ledger.Generation{
		GenerationID:       idValue,
		UserID:             userValue,
		ModelID:            modelValue,
		Status:             status,
		CreditsUsed:        creditsUsed,
		Refunded:           refundedValue,
		DebitTransactionID: debitTransactionID,
		TaskID:             taskIDValue,
		Prompt:             promptValue,
		OptionsJSON:        optionsValue,
		ResultRefsJSON:     resultRefsValue,
		ErrorMessage:       errorMessageValue,
		CreatedUnixUTC:     createdUnixUTC,
	}, nil
}

func (store *Store) UpdateGenerationStatus(ctx context.Context, generationID ledger.GenerationID, from, to ledger.GenerationStatus, patch ledger.GenerationPatch) error {
	tag, err := store.db.Exec(ctx, sqlUpdateGenerationStatus,
		generationID.String(),
		from.String(),
		to.String(),
		patch.TaskID,
		patch.ResultRefsJSON,
		patch.ErrorMessage,
	)
	if err != nil {
		return wrapStoreError(errorSubjectGeneration, errorCodeUpdateStatus, classifyConflict(err))
	}
	if tag.RowsAffected() == 0 {
		return wrapStoreError(errorSubjectGeneration, errorCodeConflict, ledger.ErrStatusConflict)
	}
	return nil
}

func (store *Store) MarkGenerationRefunded(ctx context.Context, generationID ledger.GenerationID) error {
	tag, err := store.db.Exec(ctx, sqlMarkGenerationRefunded, generationID.String())
	if err != nil {
		return wrapStoreError(errorSubjectGeneration, errorCodeMarkRefunded, classifyConflict(err))
	}
	if tag.RowsAffected() == 0 {
		return wrapStoreError(errorSubjectGeneration, errorCodeMarkRefunded, ledger.ErrRefundNotEligible)
	}
	return nil
}

func (store *Store) CreatePaymentEvent(ctx context.Context, event ledger.PaymentEvent) error {
	_, err := store.db.Exec(ctx, sqlInsertPaymentEvent,
		event.ChargeID,
		event.UserID,
		event.Amount.Int64(),
		event.Processed,
		event.CreatedUnixUTC,
	)
	if isConstraintViolation(err, constraintPaymentEventPrimary) {
		return wrapStoreError(errorSubjectPaymentEvent, errorCodeDuplicate, ledger.ErrDuplicatePayment)
	}
	if err != nil {
		return wrapStoreError(errorSubjectPaymentEvent, errorCodeCreate, classifyConflict(err))
	}
	return nil
}

func (store *Store) MarkPaymentEventProcessed(ctx context.Context, chargeID ledger.ChargeID, transactionID string) error {
	tag, err := store.db.Exec(ctx, sqlMarkPaymentEventProcessed, chargeID.String(), transactionID)
	if err != nil {
		return wrapStoreError(errorSubjectPaymentEvent, errorCodeMarkProcessed, classifyConflict(err))
	}
	if tag.RowsAffected() == 0 {
		return wrapStoreError(errorSubjectPaymentEvent, errorCodeMarkProcessed, ledger.ErrUnknownPayment)
	}
	return nil
}

func (store *Store) CreateRedemptionCode(ctx context.Context, code ledger.RedemptionCode) error {
	_, err := store.db.Exec(ctx, sqlInsertRedemptionCode,
		code.CodeID,
		code.Code,
		code.Credits.Int64(),
		code.MaxUses,
		code.UsedCount,
		code.IsActive,
		code.ExpiresAtUnixUTC,
	)
	if isConstraintViolation(err, constraintRedemptionCodeUnique) {
		return wrapStoreError(errorSubjectRedemptionCode, errorCodeDuplicate, ledger.ErrDuplicateCode)
	}
	if err != nil {
		return wrapStoreError(errorSubjectRedemptionCode, errorCodeCreate, classifyConflict(err))
	}
	return nil
}

func (store *Store) GetRedemptionCode(ctx context.Context, code string) (ledger.RedemptionCode, error) {
	record, err := scanRedemptionCode(store.db.QueryRow(ctx, sqlSelectRedemptionCode, code))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ledger.RedemptionCode{}, wrapStoreError(errorSubjectRedemptionCode, errorCodeGet, ledger.ErrUnknownCode)
		}
		return ledger.RedemptionCode{}, wrapStoreError(errorSubjectRedemptionCode, errorCodeGet, err)
	}
	return record, nil
}

func (store *Store) ConsumeRedemptionCode(ctx context.Context, code string, nowUnixUTC int64) (ledger.RedemptionCode, error) {
	record, err := scanRedemptionCode(store.db.QueryRow(ctx, sqlConsumeRedemptionCode, code, nowUnixUTC))
	if err == nil {
		return record, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return ledger.RedemptionCode{}, wrapStoreError(errorSubjectRedemptionCode, errorCodeConsume, classifyConflict(err))
	}
	rejected, err := store.GetRedemptionCode(ctx, code)
	if err != nil {
		return ledger.RedemptionCode{}, err
	}
	return ledger.RedemptionCode{}, wrapStoreError(errorSubjectRedemptionCode, errorCodeConsume, classifyCodeRejection(rejected, nowUnixUTC))
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

func scanRedemptionCode(row pgx.Row) (ledger.RedemptionCode, error) {
	var (
		codeIDValue      string
		codeValue        string
		creditsValue     int64
		maxUsesValue     int64
		usedCountValue   int64
		isActiveValue    bool
		expiresAtUnixUTC int64
	)
	if err := row.Scan(&codeIDValue, &codeValue, &creditsValue, &maxUsesValue, &usedCountValue, &isActiveValue, &expiresAtUnixUTC); err != nil {
		return ledger.RedemptionCode{}, err
	}
	credits, err := ledger.NewPositiveCredits(creditsValue)
	if err != nil {
		return ledger.RedemptionCode{}, err
	}
	return ledger.RedemptionCode{
		CodeID:           codeIDValue,
		Code:             codeValue,
		Credits:          credits,
		MaxUses:          maxUsesValue,
		UsedCount:        usedCountValue,
		IsActive:         isActiveValue,
		ExpiresAtUnixUTC: expiresAtUnixUTC,
	}, nil
}

func scanTransactions(rows pgx.Rows) ([]ledger.Transaction, error) {
	transactions := make([]ledger.Transaction, 0, 32)
	for rows.Next() {
		var (
			transactionIDValue string
			userIDValue        string
			kindValue          string
			amountValue        int64
			balanceAfterValue  int64
			generationIDValue  string
			idempotencyValue   string
			metadataValue      string
			createdUnixUTC     int64
		)
		if err := rows.Scan(
			&transactionIDValue,
			&userIDValue,
			&kindValue,
			&amountValue,
			&balanceAfterValue,
			&generationIDValue,
			&idempotencyValue,
			&metadataValue,
			&createdUnixUTC,
		); err != nil {
			return nil, err
		}
		kind, err := ledger.ParseTransactionKind(kindValue)
		if err != nil {
			return nil, err
		}
		amount, err := ledger.NewSignedCredits(amountValue)
		if err != nil {
			return nil, err
		}
		balanceAfter, err := ledger.NewCredits(balanceAfterValue)
		if err != nil {
			return nil, err
		}
		transactions = append(transactions, ledger.Transaction{
			TransactionID:  transactionIDValue,
			UserID:         userIDValue,
			Kind:           kind,
			Amount:         amount,
			BalanceAfter:   balanceAfter,
			GenerationID:   generationIDValue,
			IdempotencyKey: idempotencyValue,
			MetadataJSON:   metadataValue,
			CreatedUnixUTC: createdUnixUTC,
		})
	}
	return transactions, rows.Err()
}

func wrapStoreError(subject string, code string, err error) error {
	return ledger.WrapError(errorOperationStore, subject, code, err)
}

func isIdempotencyConflict(err error) bool {
	return isConstraintViolation(err, constraintTransactionIdempotencyKey)
}

func isConstraintViolation(err error, constraintName string) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgUniqueViolationCode && pgErr.ConstraintName == constraintName
	}
	return false
}

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
	return err
}
