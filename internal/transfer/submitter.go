package transfer

import (
	"context"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/MarkoPoloResearchLab/banksync/internal/gateway"
)

const (
	reasonMissingDestination = "missing destination"
	reasonInvalidAmount      = "invalid amount"
	reasonAmountNotPositive  = "amount must be positive"
	reasonAmountNotWhole     = "amount must be whole"
)

// Gateway is the slice of the API client the submitter needs.
type Gateway interface {
	SubmitTransfer(ctx context.Context, destination string, amount int64, idempotencyKey string) (gateway.TransferResult, error)
}

// Receipt reports an accepted transfer.
type Receipt struct {
	Amount           int64
	DestinationLabel string
}

// Submitter validates and submits transfers. It never retries on failure and
// never mutates the account view itself; a refresh callback fires exactly
// once per accepted transfer so the single writer can refetch.
type Submitter struct {
	gateway Gateway
	refresh func(ctx context.Context) error
	keyFn   func() string
	logger  *zap.Logger
}

// SubmitterOption configures a Submitter instance.
type SubmitterOption func(*Submitter)

// WithRefresh wires the post-success refresh trigger.
func WithRefresh(refresh func(ctx context.Context) error) SubmitterOption {
	return func(submitter *Submitter) {
		submitter.refresh = refresh
	}
}

// WithKeyFn overrides idempotency key generation.
func WithKeyFn(keyFn func() string) SubmitterOption {
	return func(submitter *Submitter) {
		submitter.keyFn = keyFn
	}
}

// WithLogger wires a structured logger.
func WithLogger(logger *zap.Logger) SubmitterOption {
	return func(submitter *Submitter) {
		submitter.logger = logger
	}
}

// NewSubmitter wires a Submitter.
func NewSubmitter(apiGateway Gateway, options ...SubmitterOption) (*Submitter, error) {
	if apiGateway == nil {
		return nil, fmt.Errorf("gateway dependency is nil")
	}
	submitter := &Submitter{
		gateway: apiGateway,
		keyFn:   func() string { return fmt.Sprintf("transfer:%s", uuid.NewString()) },
		logger:  zap.NewNop(),
	}
	for _, option := range options {
		if option != nil {
			option(submitter)
		}
	}
	return submitter, nil
}

// Submit validates the inputs in order, first failure wins, and only then
// issues the network call. A resubmission after a transport failure may
// double the transfer; the attached idempotency key exists so the transfer
// service can dedupe, but the decision to resubmit stays with the caller.
func (submitter *Submitter) Submit(ctx context.Context, destination string, amountText string) (Receipt, error) {
	trimmedDestination := strings.TrimSpace(destination)
	if trimmedDestination == "" {
		return Receipt{}, &ValidationError{Reason: reasonMissingDestination}
	}
	parsed, err := strconv.ParseFloat(strings.TrimSpace(amountText), 64)
	if err != nil || math.IsNaN(parsed) || math.IsInf(parsed, 0) {
		return Receipt{}, &ValidationError{Reason: reasonInvalidAmount}
	}
	if parsed <= 0 {
		return Receipt{}, &ValidationError{Reason: reasonAmountNotPositive}
	}
	if parsed != math.Trunc(parsed) || parsed > math.MaxInt64 {
		return Receipt{}, &ValidationError{Reason: reasonAmountNotWhole}
	}
	amount := int64(parsed)

	result, err := submitter.gateway.SubmitTransfer(ctx, trimmedDestination, amount, submitter.keyFn())
	if err != nil {
		return Receipt{}, err
	}

	if submitter.refresh != nil {
		if refreshErr := submitter.refresh(ctx); refreshErr != nil {
			// The transfer is accepted; a failed refresh leaves the previous
			// valid view intact rather than failing the submission.
			submitter.logger.Warn("post-transfer refresh failed", zap.Error(refreshErr))
		}
	}

	return Receipt{
		Amount:           result.Amount,
		DestinationLabel: destinationLabel(result),
	}, nil
}

func destinationLabel(result gateway.TransferResult) string {
	if result.ToAccountNumber == "" {
		return result.To
	}
	return fmt.Sprintf("%s (%s)", result.To, result.ToAccountNumber)
}
