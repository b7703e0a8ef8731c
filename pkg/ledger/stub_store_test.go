package ledger

import (
	"context"
	"fmt"
	"sync"
	"testing"
)

// stubStore is an in-memory Store. The mutex spans whole transactions so the
// concurrency tests exercise the same one-writer-at-a-time guarantee the real
// stores get from conditional UPDATEs.
type stubStore struct {
	mu    sync.Mutex
	state *stubState
}

type stubState struct {
	balances     map[string]int64
	transactions []Transaction
	idempotency  map[string]struct{}
	generations  map[string]Generation
	payments     map[string]PaymentEvent
	codes        map[string]RedemptionCode
	nextTxn      int
}

func newStubStore() *stubStore {
	return &stubStore{
		state: &stubState{
			balances:    make(map[string]int64),
			idempotency: make(map[string]struct{}),
			generations: make(map[string]Generation),
			payments:    make(map[string]PaymentEvent),
			codes:       make(map[string]RedemptionCode),
		},
	}
}

func (store *stubStore) WithTx(ctx context.Context, fn func(ctx context.Context, txStore Store) error) error {
	store.mu.Lock()
	defer store.mu.Unlock()
	return fn(ctx, &stubTxStore{state: store.state})
}

func (store *stubStore) EnsureUser(ctx context.Context, userID UserID) error {
	store.mu.Lock()
	defer store.mu.Unlock()
	return store.state.ensureUser(userID)
}

func (store *stubStore) Append(ctx context.Context, input TransactionInput) (Transaction, error) {
	store.mu.Lock()
	defer store.mu.Unlock()
	return store.state.append(input)
}

func (store *stubStore) GetBalance(ctx context.Context, userID UserID) (Credits, error) {
	store.mu.Lock()
	defer store.mu.Unlock()
	return store.state.getBalance(userID)
}

func (store *stubStore) SumTransactions(ctx context.Context, userID UserID) (int64, error) {
	store.mu.Lock()
	defer store.mu.Unlock()
	return store.state.sumTransactions(userID)
}

func (store *stubStore) ListTransactions(ctx context.Context, userID UserID, beforeUnixUTC int64, limit int) ([]Transaction, error) {
	store.mu.Lock()
	defer store.mu.Unlock()
	return store.state.listTransactions(userID, beforeUnixUTC, limit)
}

func (store *stubStore) CreateGeneration(ctx context.Context, generation Generation) error {
	store.mu.Lock()
	defer store.mu.Unlock()
	return store.state.createGeneration(generation)
}

func (store *stubStore) GetGeneration(ctx context.Context, generationID GenerationID) (Generation, error) {
	store.mu.Lock()
	defer store.mu.Unlock()
	return store.state.getGeneration(generationID)
}

func (store *stubStore) UpdateGenerationStatus(ctx context.Context, generationID GenerationID, from, to GenerationStatus, patch GenerationPatch) error {
	store.mu.Lock()
	defer store.mu.Unlock()
	return store.state.updateGenerationStatus(generationID, from, to, patch)
}

func (store *stubStore) MarkGenerationRefunded(ctx context.Context, generationID GenerationID) error {
	store.mu.Lock()
	defer store.mu.Unlock()
	return store.state.markGenerationRefunded(generationID)
}

func (store *stubStore) CreatePaymentEvent(ctx context.Context, event PaymentEvent) error {
	store.mu.Lock()
	defer store.mu.Unlock()
	return store.state.createPaymentEvent(event)
}

func (store *stubStore) MarkPaymentEventProcessed(ctx context.Context, chargeID ChargeID, transactionID string) error {
	store.mu.Lock()
	defer store.mu.Unlock()
	return store.state.markPaymentEventProcessed(chargeID, transactionID)
}

func (store *stubStore) CreateRedemptionCode(ctx context.Context, code RedemptionCode) error {
	store.mu.Lock()
	defer store.mu.Unlock()
	return store.state.createRedemptionCode(code)
}

func (store *stubStore) GetRedemptionCode(ctx context.Context, code string) (RedemptionCode, error) {
	store.mu.Lock()
	defer store.mu.Unlock()
	return store.state.getRedemptionCode(code)
}

func (store *stubStore) ConsumeRedemptionCode(ctx context.Context, code string, nowUnixUTC int64) (RedemptionCode, error) {
	store.mu.Lock()
	defer store.mu.Unlock()
	return store.state.consumeRedemptionCode(code, nowUnixUTC)
}

// test inspection helpers

func (store *stubStore) transactionsFor(userID string) []Transaction {
	store.mu.Lock()
	defer store.mu.Unlock()
	out := make([]Transaction, 0, len(store.state.transactions))
	for _, transaction := range store.state.transactions {
		if transaction.UserID == userID {
			out = append(out, transaction)
		}
	}
	return out
}

func (store *stubStore) generationCount() int {
	store.mu.Lock()
	defer store.mu.Unlock()
	return len(store.state.generations)
}

func (store *stubStore) mustPaymentEvent(test *testing.T, chargeID string) PaymentEvent {
	test.Helper()
	store.mu.Lock()
	defer store.mu.Unlock()
	event, ok := store.state.payments[chargeID]
	if !ok {
		test.Fatalf("payment event %s not found", chargeID)
	}
	return event
}

func (store *stubStore) deactivateCode(code string) {
	store.mu.Lock()
	defer store.mu.Unlock()
	record := store.state.codes[code]
	record.IsActive = false
	store.state.codes[code] = record
}

func (store *stubStore) corruptBalance(userID string, balance int64) {
	store.mu.Lock()
	defer store.mu.Unlock()
	store.state.balances[userID] = balance
}

// stubTxStore shares state with the parent while the transaction mutex is
// held. Nested WithTx calls reuse it directly.
type stubTxStore struct {
	state *stubState
}

func (tx *stubTxStore) WithTx(ctx context.Context, fn func(ctx context.Context, txStore Store) error) error {
	return fn(ctx, tx)
}

func (tx *stubTxStore) EnsureUser(ctx context.Context, userID UserID) error {
	return tx.state.ensureUser(userID)
}

func (tx *stubTxStore) Append(ctx context.Context, input TransactionInput) (Transaction, error) {
	return tx.state.append(input)
}

func (tx *stubTxStore) GetBalance(ctx context.Context, userID UserID) (Credits, error) {
	return tx.state.getBalance(userID)
}

func (tx *stubTxStore) SumTransactions(ctx context.Context, userID UserID) (int64, error) {
	return tx.state.sumTransactions(userID)
}

func (tx *stubTxStore) ListTransactions(ctx context.Context, userID UserID, beforeUnixUTC int64, limit int) ([]Transaction, error) {
	return tx.state.listTransactions(userID, beforeUnixUTC, limit)
}

func (tx *stubTxStore) CreateGeneration(ctx context.Context, generation Generation) error {
	return tx.state.createGeneration(generation)
}

func (tx *stubTxStore) GetGeneration(ctx context.Context, generationID GenerationID) (Generation, error) {
	return tx.state.getGeneration(generationID)
}

func (tx *stubTxStore) UpdateGenerationStatus(ctx context.Context, generationID GenerationID, from, to GenerationStatus, patch GenerationPatch) error {
	return tx.state.updateGenerationStatus(generationID, from, to, patch)
}

func (tx *stubTxStore) MarkGenerationRefunded(ctx context.Context, generationID GenerationID) error {
	return tx.state.markGenerationRefunded(generationID)
}

func (tx *stubTxStore) CreatePaymentEvent(ctx context.Context, event PaymentEvent) error {
	return tx.state.createPaymentEvent(event)
}

func (tx *stubTxStore) MarkPaymentEventProcessed(ctx context.Context, chargeID ChargeID, transactionID string) error {
	return tx.state.markPaymentEventProcessed(chargeID, transactionID)
}

func (tx *stubTxStore) CreateRedemptionCode(ctx context.Context, code RedemptionCode) error {
	return tx.state.createRedemptionCode(code)
}

func (tx *stubTxStore) GetRedemptionCode(ctx context.Context, code string) (RedemptionCode, error) {
	return tx.state.getRedemptionCode(code)
}

func (tx *stubTxStore) ConsumeRedemptionCode(ctx context.Context, code string, nowUnixUTC int64) (RedemptionCode, error) {
	return tx.state.consumeRedemptionCode(code, nowUnixUTC)
}

// state logic

func (state *stubState) ensureUser(userID UserID) error {
	if _, ok := state.balances[userID.String()]; !ok {
		state.balances[userID.String()] = 0
	}
	return nil
}

func (state *stubState) append(input TransactionInput) (Transaction, error) {
	if _, exists := state.idempotency[input.IdempotencyKey.String()]; exists {
		return Transaction{}, ErrDuplicateTransaction
	}
	balance, ok := state.balances[input.UserID.String()]
	if !ok {
		return Transaction{}, ErrUnknownUser
	}
	next := balance + input.Amount.Int64()
	if next < 0 {
		return Transaction{}, ErrInsufficientCredits
	}
	state.balances[input.UserID.String()] = next
	state.idempotency[input.IdempotencyKey.String()] = struct{}{}
	state.nextTxn++

	balanceAfter, err := NewCredits(next)
	if err != nil {
		return Transaction{}, err
	}
	transaction := Transaction{
		TransactionID:  fmt.Sprintf("txn-%d", state.nextTxn),
		UserID:         input.UserID.String(),
		Kind:           input.Kind,
		Amount:         input.Amount,
		BalanceAfter:   balanceAfter,
		GenerationID:   input.GenerationID,
		IdempotencyKey: input.IdempotencyKey.String(),
		MetadataJSON:   input.MetadataJSON.String(),
		CreatedUnixUTC: input.CreatedUnixUTC,
	}
	state.transactions = append(state.transactions, transaction)
	return transaction, nil
}

func (state *stubState) getBalance(userID UserID) (Credits, error) {
	balance, ok := state.balances[userID.String()]
	if !ok {
		return 0, ErrUnknownUser
	}
	return NewCredits(balance)
}

func (state *stubState) sumTransactions(userID UserID) (int64, error) {
	var sum int64
	for _, transaction := range state.transactions {
		if transaction.UserID == userID.String() {
			sum += transaction.Amount.Int64()
		}
	}
	return sum, nil
}

func (state *stubState) listTransactions(userID UserID, beforeUnixUTC int64, limit int) ([]Transaction, error) {
	out := make([]Transaction, 0, limit)
	for index := len(state.transactions) - 1; index >= 0 && len(out) < limit; index-- {
		transaction := state.transactions[index]
		if transaction.UserID != userID.String() {
			continue
		}
		if transaction.CreatedUnixUTC >= beforeUnixUTC {
			continue
		}
		out = append(out, transaction)
	}
	return out, nil
}

func (state *stubState) createGeneration(generation Generation) error {
	if _, exists := state.generations[generation.GenerationID]; exists {
		return ErrDuplicateGeneration
	}
	state.generations[generation.GenerationID] = generation
	return nil
}

func (state *stubState) getGeneration(generationID GenerationID) (Generation, error) {
	generation, ok := state.generations[generationID.String()]
	if !ok {
		return Generation{}, ErrUnknownGeneration
	}
	return generation, nil
}

func (state *stubState) updateGenerationStatus(generationID GenerationID, from, to GenerationStatus, patch GenerationPatch) error {
	generation, ok := state.generations[generationID.String()]
	if !ok || generation.Status != from {
		return ErrStatusConflict
	}
	generation.Status = to
	if patch.TaskID != nil {
		generation.TaskID = *patch.TaskID
	}
	if patch.ResultRefsJSON != nil {
		generation.ResultRefsJSON = *patch.ResultRefsJSON
	}
	if patch.ErrorMessage != nil {
		generation.ErrorMessage = *patch.ErrorMessage
	}
	state.generations[generationID.String()] = generation
	return nil
}

func (state *stubState) markGenerationRefunded(generationID GenerationID) error {
	generation, ok := state.generations[generationID.String()]
	if !ok || generation.Status != GenerationFailed || generation.Refunded {
		return ErrRefundNotEligible
	}
	generation.Refunded = true
	state.generations[generationID.String()] = generation
	return nil
}

func (state *stubState) createPaymentEvent(event PaymentEvent) error {
	if _, exists := state.payments[event.ChargeID]; exists {
		return ErrDuplicatePayment
	}
	state.payments[event.ChargeID] = event
	return nil
}

func (state *stubState) markPaymentEventProcessed(chargeID ChargeID, transactionID string) error {
	event, ok := state.payments[chargeID.String()]
	if !ok {
		return ErrUnknownPayment
	}
	event.Processed = true
	event.TransactionID = transactionID
	state.payments[chargeID.String()] = event
	return nil
}

func (state *stubState) createRedemptionCode(code RedemptionCode) error {
	if _, exists := state.codes[code.Code]; exists {
		return ErrDuplicateCode
	}
	state.codes[code.Code] = code
	return nil
}

func (state *stubState) getRedemptionCode(code string) (RedemptionCode, error) {
	record, ok := state.codes[code]
	if !ok {
		return RedemptionCode{}, ErrUnknownCode
	}
	return record, nil
}

func (state *stubState) consumeRedemptionCode(code string, nowUnixUTC int64) (RedemptionCode, error) {
	record, ok := state.codes[code]
	if !ok {
		return RedemptionCode{}, ErrUnknownCode
	}
	if !record.IsActive {
		return RedemptionCode{}, ErrCodeInactive
	}
	if record.ExpiresAtUnixUTC != 0 && record.ExpiresAtUnixUTC <= nowUnixUTC {
		return RedemptionCode{}, ErrCodeExpired
	}
	if record.UsedCount >= record.MaxUses {
		return RedemptionCode{}, ErrCodeExhausted
	}
	record.UsedCount++
	state.codes[code] = record
	return record, nil
}
