package ledger

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// TopupResult reports the outcome of a payment-confirmation delivery.
// AlreadyApplied is a success: webhook redelivery must not re-credit.
type TopupResult struct {
	AlreadyApplied bool
	Transaction    Transaction
}

// Refund reverses a failed generation's debit exactly once. The eligibility
// check and the refunded flag flip are one compare-and-set; a second call
// fails with ErrRefundNotEligible and credits nothing.
func (service *Service) Refund(ctx context.Context, generationID GenerationID) (Transaction, error) {
	var refund Transaction
	var userID UserID
	operationError := service.withConflictRetry(ctx, func(ctx context.Context, transactionStore Store) error {
		generation, err := transactionStore.GetGeneration(ctx, generationID)
		if err != nil {
			return err
		}
		if generation.Status != GenerationFailed || generation.Refunded {
			return WrapError(operationRefund, "generation", "not_eligible", ErrRefundNotEligible)
		}
		if err := transactionStore.MarkGenerationRefunded(ctx, generationID); err != nil {
			return err
		}
		userID, err = NewUserID(generation.UserID)
		if err != nil {
			return err
		}
		refundKey, err := NewIdempotencyKey(idempotencyPrefixRefund + generationID.String())
		if err != nil {
			return err
		}
		refund, err = transactionStore.Append(ctx, TransactionInput{
			UserID:         userID,
			Kind:           KindRefund,
			Amount:         generation.CreditsUsed.Signed(),
			GenerationID:   generationID.String(),
			IdempotencyKey: refundKey,
			CreatedUnixUTC: service.nowFn(),
		})
		return err
	})
	service.logOperation(ctx, OperationLog{
		Operation:    operationRefund,
		UserID:       userID,
		GenerationID: generationID.String(),
		Amount:       refund.Amount,
		Error:        operationError,
	})
	if operationError != nil {
		return Transaction{}, operationError
	}
	return refund, nil
}

// ApplyTopup credits a confirmed payment at most once per charge id.
// Redelivered webhooks short-circuit on the payment-event unique constraint
// and report AlreadyApplied without touching the balance.
func (service *Service) ApplyTopup(ctx context.Context, chargeID ChargeID, userID UserID, amount PositiveCredits) (TopupResult, error) {
	var result TopupResult
	operationError := service.withConflictRetry(ctx, func(ctx context.Context, transactionStore Store) error {
		if err := transactionStore.EnsureUser(ctx, userID); err != nil {
			return err
		}
		nowUnixUTC := service.nowFn()
		err := transactionStore.CreatePaymentEvent(ctx, PaymentEvent{
			ChargeID:       chargeID.String(),
			UserID:         userID.String(),
			Amount:         amount,
			CreatedUnixUTC: nowUnixUTC,
		})
		if errors.Is(err, ErrDuplicatePayment) {
			result = TopupResult{AlreadyApplied: true}
			return nil
		}
		if err != nil {
			return err
		}
		topupKey, keyErr := NewIdempotencyKey(idempotencyPrefixTopup + chargeID.String())
		if keyErr != nil {
			return keyErr
		}
		topup, appendErr := transactionStore.Append(ctx, TransactionInput{
			UserID:         userID,
			Kind:           KindTopup,
			Amount:         amount.Signed(),
			IdempotencyKey: topupKey,
			CreatedUnixUTC: nowUnixUTC,
		})
		if appendErr != nil {
			return appendErr
		}
		result = TopupResult{Transaction: topup}
		return transactionStore.MarkPaymentEventProcessed(ctx, chargeID, topup.TransactionID)
	})
	service.logOperation(ctx, OperationLog{
		Operation: operationTopup,
		UserID:    userID,
		Amount:    amount.Signed(),
		Error:     operationError,
	})
	if operationError != nil {
		return TopupResult{}, operationError
	}
	return result, nil
}

// Redeem atomically consumes one use of a shared code and credits its value.
// N codes with maxUses=k hit by more than k concurrent callers resolve with
// exactly k winners; losers see ErrCodeExhausted.
func (service *Service) Redeem(ctx context.Context, userID UserID, rawCode string) (Transaction, error) {
	code := strings.TrimSpace(rawCode)
	if code == "" {
		return Transaction{}, fmt.Errorf("%w: empty value", ErrInvalidCode)
	}
	var redemption Transaction
	operationError := service.withConflictRetry(ctx, func(ctx context.Context, transactionStore Store) error {
		if err := transactionStore.EnsureUser(ctx, userID); err != nil {
			return err
		}
		nowUnixUTC := service.nowFn()
		consumed, err := transactionStore.ConsumeRedemptionCode(ctx, code, nowUnixUTC)
		if err != nil {
			return err
		}
		redeemKey, keyErr := NewIdempotencyKey(fmt.Sprintf("%s%s:%d", idempotencyPrefixRedeem, consumed.CodeID, consumed.UsedCount))
		if keyErr != nil {
			return keyErr
		}
		redemption, err = transactionStore.Append(ctx, TransactionInput{
			UserID:         userID,
			Kind:           KindRedemption,
			Amount:         consumed.Credits.Signed(),
			IdempotencyKey: redeemKey,
			CreatedUnixUTC: nowUnixUTC,
		})
		return err
	})
	service.logOperation(ctx, OperationLog{
		Operation: operationRedeem,
		UserID:    userID,
		Amount:    redemption.Amount,
		Error:     operationError,
	})
	if operationError != nil {
		return Transaction{}, operationError
	}
	return redemption, nil
}
