package ledger

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// Adjust applies an admin credit adjustment through the same append-only
// path as every other mutation. Mode add appends the signed amount as-is;
// mode set reads the balance inside the transaction and appends the delta.
// A set that matches the current balance appends nothing and returns a zero
// Transaction.
func (service *Service) Adjust(ctx context.Context, userID UserID, amount int64, mode AdjustMode) (Transaction, error) {
	var adjustment Transaction
	operationError := service.withConflictRetry(ctx, func(ctx context.Context, transactionStore Store) error {
		if err := transactionStore.EnsureUser(ctx, userID); err != nil {
			return err
		}
		delta := amount
		if mode == AdjustModeSet {
			target, err := NewCredits(amount)
			if err != nil {
				return err
			}
			balance, err := transactionStore.GetBalance(ctx, userID)
			if err != nil {
				return err
			}
			delta = target.Int64() - balance.Int64()
			if delta == 0 {
				adjustment = Transaction{}
				return nil
			}
		}
		signed, err := NewSignedCredits(delta)
		if err != nil {
			return err
		}
		adjustKey, err := NewIdempotencyKey(idempotencyPrefixAdjust + uuid.NewString())
		if err != nil {
			return err
		}
		metadata, err := NewMetadataJSON(fmt.Sprintf(`{"mode":%q}`, mode))
		if err != nil {
			return err
		}
		adjustment, err = transactionStore.Append(ctx, TransactionInput{
			UserID:         userID,
			Kind:           KindAdjustment,
			Amount:         signed,
			IdempotencyKey: adjustKey,
			MetadataJSON:   metadata,
			CreatedUnixUTC: service.nowFn(),
		})
		return err
	})
	service.logOperation(ctx, OperationLog{
		Operation: operationAdjust,
		UserID:    userID,
		Amount:    adjustment.Amount,
		Error:     operationError,
	})
	if operationError != nil {
		return Transaction{}, operationError
	}
	return adjustment, nil
}

// CreateCode registers a redemption code with a fixed use budget.
func (service *Service) CreateCode(ctx context.Context, rawCode string, credits PositiveCredits, maxUses int64, expiresAtUnixUTC int64) (RedemptionCode, error) {
	code := strings.TrimSpace(rawCode)
	if code == "" {
		return RedemptionCode{}, fmt.Errorf("%w: empty value", ErrInvalidCode)
	}
	if maxUses <= 0 {
		return RedemptionCode{}, fmt.Errorf("%w: max uses must be greater than zero", ErrInvalidCode)
	}
	record := RedemptionCode{
		CodeID:           uuid.NewString(),
		Code:             code,
		Credits:          credits,
		MaxUses:          maxUses,
		IsActive:         true,
		ExpiresAtUnixUTC: expiresAtUnixUTC,
	}
	if err := service.store.CreateRedemptionCode(ctx, record); err != nil {
		return RedemptionCode{}, err
	}
	return record, nil
}
