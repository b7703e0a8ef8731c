package gormstore

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"testing"

	"github.com/MarkoPoloResearchLab/genledger/pkg/ledger"
	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

// The sqlite tests run sequentially on purpose; a shared file database with
// parallel writers would only exercise the driver's lock contention.

func newTestStore(test *testing.T) *Store {
	test.Helper()
	databasePath := filepath.Join(test.TempDir(), "genledger_test.db")
	db, err := gorm.Open(sqlite.Open(databasePath), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		test.Fatalf("open sqlite: %v", err)
	}
	store := New(db)
	if err := store.Migrate(); err != nil {
		test.Fatalf("migrate: %v", err)
	}
	return store
}

func seedUser(test *testing.T, store *Store, userID ledger.UserID, balance int64) {
	test.Helper()
	ctx := context.Background()
	if err := store.EnsureUser(ctx, userID); err != nil {
		test.Fatalf("ensure user: %v", err)
	}
	if balance == 0 {
		return
	}
	input := ledger.TransactionInput{
		UserID:         userID,
		Kind:           ledger.KindTopup,
		Amount:         mustSigned(test, balance),
		IdempotencyKey: mustKey(test, "seed:"+userID.String()),
		CreatedUnixUTC: 1000,
	}
	if _, err := store.Append(ctx, input); err != nil {
		test.Fatalf("seed append: %v", err)
	}
}

func TestEnsureUserIsIdempotent(test *testing.T) {
	store := newTestStore(test)
	ctx := context.Background()
	userID := mustUser(test, "ensure-user")

	if err := store.EnsureUser(ctx, userID); err != nil {
		test.Fatalf("first ensure: %v", err)
	}
	if err := store.EnsureUser(ctx, userID); err != nil {
		test.Fatalf("second ensure: %v", err)
	}
	balance, err := store.GetBalance(ctx, userID)
	if err != nil {
		test.Fatalf("balance: %v", err)
	}
	if balance.Int64() != 0 {
		test.Fatalf("expected zero starting balance, got %d", balance.Int64())
	}
}

func TestAppendUpdatesBalanceAndRecordsBalanceAfter(test *testing.T) {
	store := newTestStore(test)
	ctx := context.Background()
	userID := mustUser(test, "append-user")
	seedUser(test, store, userID, 100)

	debit, err := store.Append(ctx, ledger.TransactionInput{
		UserID:         userID,
		Kind:           ledger.KindDeduction,
		Amount:         mustSigned(test, -40),
		GenerationID:   "gen-1",
		IdempotencyKey: mustKey(test, "debit:gen-1"),
		CreatedUnixUTC: 1010,
	})
	if err != nil {
		test.Fatalf("append: %v", err)
	}
	if debit.BalanceAfter.Int64() != 60 {
		test.Fatalf("expected balance_after 60, got %d", debit.BalanceAfter.Int64())
	}
	if debit.TransactionID == "" {
		test.Fatalf("expected generated transaction id")
	}
	balance, err := store.GetBalance(ctx, userID)
	if err != nil {
		test.Fatalf("balance: %v", err)
	}
	if balance.Int64() != 60 {
		test.Fatalf("expected balance 60, got %d", balance.Int64())
	}
}

func TestAppendRejectsOverdraw(test *testing.T) {
	store := newTestStore(test)
	ctx := context.Background()
	userID := mustUser(test, "overdraw-user")
	seedUser(test, store, userID, 30)

	_, err := store.Append(ctx, ledger.TransactionInput{
		UserID:         userID,
		Kind:           ledger.KindDeduction,
		Amount:         mustSigned(test, -40),
		IdempotencyKey: mustKey(test, "debit:overdraw"),
		CreatedUnixUTC: 1010,
	})
	if !errors.Is(err, ledger.ErrInsufficientCredits) {
		test.Fatalf("expected ErrInsufficientCredits, got %v", err)
	}
	balance, err := store.GetBalance(ctx, userID)
	if err != nil {
		test.Fatalf("balance: %v", err)
	}
	if balance.Int64() != 30 {
		test.Fatalf("expected untouched balance 30, got %d", balance.Int64())
	}
}

func TestAppendUnknownUser(test *testing.T) {
	store := newTestStore(test)

	_, err := store.Append(context.Background(), ledger.TransactionInput{
		UserID:         mustUser(test, "ghost-user"),
		Kind:           ledger.KindTopup,
		Amount:         mustSigned(test, 10),
		IdempotencyKey: mustKey(test, "topup:ghost"),
		CreatedUnixUTC: 1000,
	})
	if !errors.Is(err, ledger.ErrUnknownUser) {
		test.Fatalf("expected ErrUnknownUser, got %v", err)
	}
}

func TestAppendRejectsDuplicateIdempotencyKey(test *testing.T) {
	store := newTestStore(test)
	ctx := context.Background()
	userID := mustUser(test, "idem-user")
	seedUser(test, store, userID, 0)

	input := ledger.TransactionInput{
		UserID:         userID,
		Kind:           ledger.KindTopup,
		Amount:         mustSigned(test, 50),
		IdempotencyKey: mustKey(test, "topup:once"),
		CreatedUnixUTC: 1000,
	}
	if _, err := store.Append(ctx, input); err != nil {
		test.Fatalf("first append: %v", err)
	}
	_, err := store.Append(ctx, input)
	if !errors.Is(err, ledger.ErrDuplicateTransaction) {
		test.Fatalf("expected ErrDuplicateTransaction, got %v", err)
	}
	balance, err := store.GetBalance(ctx, userID)
	if err != nil {
		test.Fatalf("balance: %v", err)
	}
	if balance.Int64() != 50 {
		test.Fatalf("expected single credit of 50, got %d", balance.Int64())
	}
}

func TestWithTxRollsBackOnError(test *testing.T) {
	store := newTestStore(test)
	ctx := context.Background()
	userID := mustUser(test, "rollback-user")
	seedUser(test, store, userID, 100)

	sentinel := errors.New("settlement aborted")
	err := store.WithTx(ctx, func(ctx context.Context, txStore ledger.Store) error {
		if _, err := txStore.Append(ctx, ledger.TransactionInput{
			UserID:         userID,
			Kind:           ledger.KindDeduction,
			Amount:         mustSigned(test, -60),
			IdempotencyKey: mustKey(test, "debit:rollback"),
			CreatedUnixUTC: 1010,
		}); err != nil {
			return err
		}
		return sentinel
	})
	if !errors.Is(err, sentinel) {
		test.Fatalf("expected sentinel error, got %v", err)
	}

	balance, err := store.GetBalance(ctx, userID)
	if err != nil {
		test.Fatalf("balance: %v", err)
	}
	if balance.Int64() != 100 {
		test.Fatalf("expected rollback to restore 100, got %d", balance.Int64())
	}
	sum, err := store.SumTransactions(ctx, userID)
	if err != nil {
		test.Fatalf("sum: %v", err)
	}
	if sum != 100 {
		test.Fatalf("expected transaction log sum 100, got %d", sum)
	}
}

func TestGenerationStatusTransitionGuard(test *testing.T) {
	store := newTestStore(test)
	ctx := context.Background()
	userID := mustUser(test, "gen-user")
	seedUser(test, store, userID, 100)

	generation := testGeneration(test, "gen-guard", userID.String(), 40)
	if err := store.CreateGeneration(ctx, generation); err != nil {
		test.Fatalf("create generation: %v", err)
	}
	if err := store.CreateGeneration(ctx, generation); !errors.Is(err, ledger.ErrDuplicateGeneration) {
		test.Fatalf("expected ErrDuplicateGeneration, got %v", err)
	}

	generationID := mustGeneration(test, "gen-guard")
	taskID := "task-7"
	err := store.UpdateGenerationStatus(ctx, generationID, ledger.GenerationPending, ledger.GenerationProcessing, ledger.GenerationPatch{TaskID: &taskID})
	if err != nil {
		test.Fatalf("to processing: %v", err)
	}

	// Stale transition: the row is no longer pending.
	err = store.UpdateGenerationStatus(ctx, generationID, ledger.GenerationPending, ledger.GenerationFailed, ledger.GenerationPatch{})
	if !errors.Is(err, ledger.ErrStatusConflict) {
		test.Fatalf("expected ErrStatusConflict, got %v", err)
	}

	loaded, err := store.GetGeneration(ctx, generationID)
	if err != nil {
		test.Fatalf("get generation: %v", err)
	}
	if loaded.Status != ledger.GenerationProcessing || loaded.TaskID != taskID {
		test.Fatalf("unexpected generation state: %+v", loaded)
	}
}

func TestGenerationCompletedWithoutResultRefs(test *testing.T) {
	store := newTestStore(test)
	ctx := context.Background()
	userID := mustUser(test, "no-refs-user")
	seedUser(test, store, userID, 100)

	generation := testGeneration(test, "gen-no-refs", userID.String(), 40)
	if err := store.CreateGeneration(ctx, generation); err != nil {
		test.Fatalf("create generation: %v", err)
	}

	// A completion callback may carry no result refs; nil patch fields must
	// leave the stored columns untouched.
	generationID := mustGeneration(test, "gen-no-refs")
	err := store.UpdateGenerationStatus(ctx, generationID, ledger.GenerationPending, ledger.GenerationCompleted, ledger.GenerationPatch{})
	if err != nil {
		test.Fatalf("to completed: %v", err)
	}

	loaded, err := store.GetGeneration(ctx, generationID)
	if err != nil {
		test.Fatalf("get generation: %v", err)
	}
	if loaded.Status != ledger.GenerationCompleted {
		test.Fatalf("expected completed, got %s", loaded.Status)
	}
	if loaded.ErrorMessage != "" {
		test.Fatalf("expected empty error message, got %q", loaded.ErrorMessage)
	}
}

func TestMarkGenerationRefundedIsCompareAndSet(test *testing.T) {
	store := newTestStore(test)
	ctx := context.Background()
	userID := mustUser(test, "refund-user")
	seedUser(test, store, userID, 100)

	generation := testGeneration(test, "gen-refund", userID.String(), 40)
	if err := store.CreateGeneration(ctx, generation); err != nil {
		test.Fatalf("create generation: %v", err)
	}
	generationID := mustGeneration(test, "gen-refund")

	// Not refundable while pending.
	if err := store.MarkGenerationRefunded(ctx, generationID); !errors.Is(err, ledger.ErrRefundNotEligible) {
		test.Fatalf("expected ErrRefundNotEligible for pending, got %v", err)
	}

	message := "provider error"
	if err := store.UpdateGenerationStatus(ctx, generationID, ledger.GenerationPending, ledger.GenerationFailed, ledger.GenerationPatch{ErrorMessage: &message}); err != nil {
		test.Fatalf("to failed: %v", err)
	}
	if err := store.MarkGenerationRefunded(ctx, generationID); err != nil {
		test.Fatalf("first refund mark: %v", err)
	}
	if err := store.MarkGenerationRefunded(ctx, generationID); !errors.Is(err, ledger.ErrRefundNotEligible) {
		test.Fatalf("expected ErrRefundNotEligible on second mark, got %v", err)
	}
}

func TestPaymentEventDeduplication(test *testing.T) {
	store := newTestStore(test)
	ctx := context.Background()

	event := ledger.PaymentEvent{
		ChargeID:       "ch_100",
		UserID:         "payment-user",
		Amount:         mustPositive(test, 500),
		CreatedUnixUTC: 1000,
	}
	if err := store.CreatePaymentEvent(ctx, event); err != nil {
		test.Fatalf("create payment event: %v", err)
	}
	if err := store.CreatePaymentEvent(ctx, event); !errors.Is(err, ledger.ErrDuplicatePayment) {
		test.Fatalf("expected ErrDuplicatePayment, got %v", err)
	}

	chargeID := mustCharge(test, "ch_100")
	if err := store.MarkPaymentEventProcessed(ctx, chargeID, "txn-1"); err != nil {
		test.Fatalf("mark processed: %v", err)
	}
	missing := mustCharge(test, "ch_missing")
	if err := store.MarkPaymentEventProcessed(ctx, missing, "txn-2"); !errors.Is(err, ledger.ErrUnknownPayment) {
		test.Fatalf("expected ErrUnknownPayment, got %v", err)
	}
}

func TestRedemptionCodeConsumeClassification(test *testing.T) {
	store := newTestStore(test)
	ctx := context.Background()

	code := ledger.RedemptionCode{
		CodeID:   "code-1",
		Code:     "WELCOME",
		Credits:  mustPositive(test, 25),
		MaxUses:  2,
		IsActive: true,
	}
	if err := store.CreateRedemptionCode(ctx, code); err != nil {
		test.Fatalf("create code: %v", err)
	}
	if err := store.CreateRedemptionCode(ctx, code); !errors.Is(err, ledger.ErrDuplicateCode) {
		test.Fatalf("expected ErrDuplicateCode, got %v", err)
	}

	first, err := store.ConsumeRedemptionCode(ctx, "WELCOME", 1000)
	if err != nil {
		test.Fatalf("first consume: %v", err)
	}
	if first.UsedCount != 1 {
		test.Fatalf("expected used count 1, got %d", first.UsedCount)
	}
	second, err := store.ConsumeRedemptionCode(ctx, "WELCOME", 1000)
	if err != nil {
		test.Fatalf("second consume: %v", err)
	}
	if second.UsedCount != 2 {
		test.Fatalf("expected used count 2, got %d", second.UsedCount)
	}
	if _, err := store.ConsumeRedemptionCode(ctx, "WELCOME", 1000); !errors.Is(err, ledger.ErrCodeExhausted) {
		test.Fatalf("expected ErrCodeExhausted, got %v", err)
	}

	expired := ledger.RedemptionCode{
		CodeID:           "code-2",
		Code:             "OLD",
		Credits:          mustPositive(test, 10),
		MaxUses:          5,
		IsActive:         true,
		ExpiresAtUnixUTC: 500,
	}
	if err := store.CreateRedemptionCode(ctx, expired); err != nil {
		test.Fatalf("create expired code: %v", err)
	}
	if _, err := store.ConsumeRedemptionCode(ctx, "OLD", 1000); !errors.Is(err, ledger.ErrCodeExpired) {
		test.Fatalf("expected ErrCodeExpired, got %v", err)
	}

	inactive := ledger.RedemptionCode{
		CodeID:   "code-3",
		Code:     "PAUSED",
		Credits:  mustPositive(test, 10),
		MaxUses:  5,
		IsActive: false,
	}
	if err := store.CreateRedemptionCode(ctx, inactive); err != nil {
		test.Fatalf("create inactive code: %v", err)
	}
	if _, err := store.ConsumeRedemptionCode(ctx, "PAUSED", 1000); !errors.Is(err, ledger.ErrCodeInactive) {
		test.Fatalf("expected ErrCodeInactive, got %v", err)
	}

	if _, err := store.ConsumeRedemptionCode(ctx, "MISSING", 1000); !errors.Is(err, ledger.ErrUnknownCode) {
		test.Fatalf("expected ErrUnknownCode, got %v", err)
	}
}

func TestListTransactionsOrderAndCutoff(test *testing.T) {
	store := newTestStore(test)
	ctx := context.Background()
	userID := mustUser(test, "list-user")
	seedUser(test, store, userID, 0)

	for index := 0; index < 3; index++ {
		_, err := store.Append(ctx, ledger.TransactionInput{
			UserID:         userID,
			Kind:           ledger.KindTopup,
			Amount:         mustSigned(test, 10),
			IdempotencyKey: mustKey(test, fmt.Sprintf("topup:list-%d", index)),
			CreatedUnixUTC: int64(1000 + index*10),
		})
		if err != nil {
			test.Fatalf("append %d: %v", index, err)
		}
	}

	transactions, err := store.ListTransactions(ctx, userID, 1021, 10)
	if err != nil {
		test.Fatalf("list: %v", err)
	}
	if len(transactions) != 3 {
		test.Fatalf("expected 3 transactions, got %d", len(transactions))
	}
	if transactions[0].CreatedUnixUTC != 1020 || transactions[2].CreatedUnixUTC != 1000 {
		test.Fatalf("expected newest-first, got %+v", transactions)
	}

	window, err := store.ListTransactions(ctx, userID, 1015, 10)
	if err != nil {
		test.Fatalf("list with cutoff: %v", err)
	}
	if len(window) != 2 {
		test.Fatalf("expected 2 transactions before cutoff, got %d", len(window))
	}

	capped, err := store.ListTransactions(ctx, userID, 1021, 1)
	if err != nil {
		test.Fatalf("list with limit: %v", err)
	}
	if len(capped) != 1 || capped[0].CreatedUnixUTC != 1020 {
		test.Fatalf("expected single newest transaction, got %+v", capped)
	}

	sum, err := store.SumTransactions(ctx, userID)
	if err != nil {
		test.Fatalf("sum: %v", err)
	}
	balance, err := store.GetBalance(ctx, userID)
	if err != nil {
		test.Fatalf("balance: %v", err)
	}
	if sum != balance.Int64() {
		test.Fatalf("expected balance %d to equal log sum %d", balance.Int64(), sum)
	}
}

// --- helpers ---

func testGeneration(test *testing.T, generationID string, userID string, cost int64) ledger.Generation {
	test.Helper()
	return ledger.Generation{
		GenerationID:       generationID,
		UserID:             userID,
		ModelID:            "video-fast",
		Status:             ledger.GenerationPending,
		CreditsUsed:        mustPositive(test, cost),
		DebitTransactionID: "txn-debit",
		Prompt:             "a red fox",
		OptionsJSON:        `{"duration":"5s"}`,
		CreatedUnixUTC:     1000,
	}
}

func mustUser(test *testing.T, raw string) ledger.UserID {
	test.Helper()
	value, err := ledger.NewUserID(raw)
	if err != nil {
		test.Fatalf("user id: %v", err)
	}
	return value
}

func mustGeneration(test *testing.T, raw string) ledger.GenerationID {
	test.Helper()
	value, err := ledger.NewGenerationID(raw)
	if err != nil {
		test.Fatalf("generation id: %v", err)
	}
	return value
}

func mustCharge(test *testing.T, raw string) ledger.ChargeID {
	test.Helper()
	value, err := ledger.NewChargeID(raw)
	if err != nil {
		test.Fatalf("charge id: %v", err)
	}
	return value
}

func mustKey(test *testing.T, raw string) ledger.IdempotencyKey {
	test.Helper()
	value, err := ledger.NewIdempotencyKey(raw)
	if err != nil {
		test.Fatalf("idempotency key: %v", err)
	}
	return value
}

func mustSigned(test *testing.T, raw int64) ledger.SignedCredits {
	test.Helper()
	value, err := ledger.NewSignedCredits(raw)
	if err != nil {
		test.Fatalf("signed credits: %v", err)
	}
	return value
}

func mustPositive(test *testing.T, raw int64) ledger.PositiveCredits {
	test.Helper()
	value, err := ledger.NewPositiveCredits(raw)
	if err != nil {
		test.Fatalf("positive credits: %v", err)
	}
	return value
}
