package ledger

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// Service contains the settlement logic over a Store. It holds no state of
// its own beyond dependencies; every mutation happens inside a single store
// transaction built from atomic conditional writes.
type Service struct {
	store  Store
	nowFn  func() int64
	logger OperationLogger
}

// NewService wires a Service.
func NewService(store Store, now func() int64, options ...ServiceOption) (*Service, error) {
	if store == nil {
		return nil, fmt.Errorf("%w: store dependency is nil", ErrInvalidServiceConfig)
	}
	if now == nil {
		return nil, fmt.Errorf("%w: clock dependency is nil", ErrInvalidServiceConfig)
	}
	service := &Service{store: store, nowFn: now}
	for _, option := range options {
		if option != nil {
			option(service)
		}
	}
	return service, nil
}

// Balance returns the materialized balance for the user.
func (service *Service) Balance(ctx context.Context, userID UserID) (Credits, error) {
	if err := service.store.EnsureUser(ctx, userID); err != nil {
		return 0, err
	}
	return service.store.GetBalance(ctx, userID)
}

// ListTransactions lists ledger transactions for a user before a cutoff time.
func (service *Service) ListTransactions(ctx context.Context, userID UserID, beforeUnixUTC int64, limit int) ([]Transaction, error) {
	if err := service.store.EnsureUser(ctx, userID); err != nil {
		return nil, err
	}
	return service.store.ListTransactions(ctx, userID, beforeUnixUTC, limit)
}

// Authorize deducts the job cost and creates the pending generation row in
// one storage transaction. Two concurrent calls against a balance that can
// satisfy only one resolve with exactly one winner; the loser gets
// ErrInsufficientCredits and no state change.
func (service *Service) Authorize(ctx context.Context, userID UserID, modelID string, cost PositiveCredits, optionsJSON MetadataJSON, prompt string) (Generation, error) {
	if strings.TrimSpace(modelID) == "" {
		return Generation{}, fmt.Errorf("%w: empty value", ErrInvalidModelID)
	}
	generationID := uuid.NewString()
	debitKey, err := NewIdempotencyKey(idempotencyPrefixDebit + generationID)
	if err != nil {
		return Generation{}, err
	}
	var generation Generation
	operationError := service.withConflictRetry(ctx, func(ctx context.Context, transactionStore Store) error {
		if err := transactionStore.EnsureUser(ctx, userID); err != nil {
			return err
		}
		nowUnixUTC := service.nowFn()
		debit, err := transactionStore.Append(ctx, TransactionInput{
			UserID:         userID,
			Kind:           KindDeduction,
			Amount:         cost.Negated(),
			GenerationID:   generationID,
			IdempotencyKey: debitKey,
			MetadataJSON:   optionsJSON,
			CreatedUnixUTC: nowUnixUTC,
		})
		if err != nil {
			return err
		}
		generation = Generation{
			GenerationID:       generationID,
			UserID:             userID.String(),
			ModelID:            modelID,
			Status:             GenerationPending,
			CreditsUsed:        cost,
			DebitTransactionID: debit.TransactionID,
			Prompt:             prompt,
			OptionsJSON:        optionsJSON.String(),
			CreatedUnixUTC:     nowUnixUTC,
		}
		return transactionStore.CreateGeneration(ctx, generation)
	})
	service.logOperation(ctx, OperationLog{
		Operation:      operationAuthorize,
		UserID:         userID,
		GenerationID:   generationID,
		Amount:         cost.Negated(),
		IdempotencyKey: debitKey,
		Error:          operationError,
	})
	if operationError != nil {
		return Generation{}, operationError
	}
	return generation, nil
}

// VerifyBalance replays the transaction log and compares the sum against the
// materialized balance. Both reads share one storage transaction so a write
// landing between them cannot surface as false drift. The cached column is a
// derived view; any divergence is an integrity failure.
func (service *Service) VerifyBalance(ctx context.Context, userID UserID) (Credits, error) {
	var balance Credits
	err := service.store.WithTx(ctx, func(ctx context.Context, transactionStore Store) error {
		current, err := transactionStore.GetBalance(ctx, userID)
		if err != nil {
			return err
		}
		sum, err := transactionStore.SumTransactions(ctx, userID)
		if err != nil {
			return err
		}
		if current.Int64() != sum {
			return WrapError("verify", "balance", "mismatch", fmt.Errorf("%w: balance=%d sum=%d", ErrBalanceMismatch, current.Int64(), sum))
		}
		balance = current
		return nil
	})
	if err != nil {
		return 0, err
	}
	return balance, nil
}

// withConflictRetry runs fn in a store transaction, retrying transparently
// when the atomic operation loses a storage race.
func (service *Service) withConflictRetry(ctx context.Context, fn func(ctx context.Context, transactionStore Store) error) error {
	var lastErr error
	for attempt := 0; attempt <= storageConflictRetries; attempt++ {
		lastErr = service.store.WithTx(ctx, fn)
		if !errors.Is(lastErr, ErrStorageConflict) {
			return lastErr
		}
	}
	return lastErr
}

func (service *Service) logOperation(ctx context.Context, entry OperationLog) {
	if service.logger == nil {
		return
	}
	if entry.Status == "" {
		if entry.Error != nil {
			entry.Status = operationStatusError
		} else {
			entry.Status = operationStatusOK
		}
	}
	service.logger.LogOperation(ctx, entry)
}
