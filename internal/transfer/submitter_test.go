package transfer

import (
	"context"
	"errors"
	"testing"

	"github.com/MarkoPoloResearchLab/banksync/internal/gateway"
)

const (
	testDestination = "acc123"
	fixedKey        = "transfer:fixed"
)

type stubGateway struct {
	calls  int
	result gateway.TransferResult
	err    error

	lastDestination string
	lastAmount      int64
	lastKey         string
}

func (stub *stubGateway) SubmitTransfer(ctx context.Context, destination string, amount int64, idempotencyKey string) (gateway.TransferResult, error) {
	stub.calls++
	stub.lastDestination = destination
	stub.lastAmount = amount
	stub.lastKey = idempotencyKey
	return stub.result, stub.err
}

func mustSubmitter(test *testing.T, stub *stubGateway, options ...SubmitterOption) *Submitter {
	test.Helper()
	options = append(options, WithKeyFn(func() string { return fixedKey }))
	submitter, err := NewSubmitter(stub, options...)
	if err != nil {
		test.Fatalf("submitter init failed: %v", err)
	}
	return submitter
}

func TestSubmitRejectsInvalidInputBeforeAnyNetworkCall(test *testing.T) {
	test.Parallel()
	testCases := []struct {
		name        string
		destination string
		amountText  string
		wantReason  string
	}{
		{name: "empty destination", destination: "   ", amountText: "100", wantReason: reasonMissingDestination},
		{name: "empty amount", destination: testDestination, amountText: "", wantReason: reasonInvalidAmount},
		{name: "non-numeric amount", destination: testDestination, amountText: "abc", wantReason: reasonInvalidAmount},
		{name: "zero amount", destination: testDestination, amountText: "0", wantReason: reasonAmountNotPositive},
		{name: "negative amount", destination: testDestination, amountText: "-5", wantReason: reasonAmountNotPositive},
		{name: "fractional amount", destination: testDestination, amountText: "3.5", wantReason: reasonAmountNotWhole},
	}
	for _, testCase := range testCases {
		testCase := testCase
		test.Run(testCase.name, func(test *testing.T) {
			test.Parallel()
			stub := &stubGateway{}
			submitter := mustSubmitter(test, stub)

			_, err := submitter.Submit(context.Background(), testCase.destination, testCase.amountText)
			if !errors.Is(err, ErrValidation) {
				test.Fatalf("expected validation failure, got %v", err)
			}
			var validationError *ValidationError
			if !errors.As(err, &validationError) {
				test.Fatalf("expected ValidationError, got %T", err)
			}
			if validationError.Reason != testCase.wantReason {
				test.Fatalf("expected reason %q, got %q", testCase.wantReason, validationError.Reason)
			}
			if stub.calls != 0 {
				test.Fatalf("expected zero network calls, got %d", stub.calls)
			}
		})
	}
}

func TestSubmitTriggersExactlyOneRefreshOnSuccess(test *testing.T) {
	test.Parallel()
	stub := &stubGateway{result: gateway.TransferResult{Amount: 1000, To: "bob", ToAccountNumber: "987654321012"}}
	refreshCalls := 0
	submitter := mustSubmitter(test, stub, WithRefresh(func(ctx context.Context) error {
		refreshCalls++
		return nil
	}))

	receipt, err := submitter.Submit(context.Background(), " acc123 ", "1000")
	if err != nil {
		test.Fatalf("submit failed: %v", err)
	}
	if stub.calls != 1 {
		test.Fatalf("expected one transfer call, got %d", stub.calls)
	}
	if refreshCalls != 1 {
		test.Fatalf("expected one refresh, got %d", refreshCalls)
	}
	if stub.lastDestination != testDestination {
		test.Fatalf("expected trimmed destination %q, got %q", testDestination, stub.lastDestination)
	}
	if stub.lastAmount != 1000 {
		test.Fatalf("expected amount 1000, got %d", stub.lastAmount)
	}
	if stub.lastKey != fixedKey {
		test.Fatalf("expected idempotency key %q, got %q", fixedKey, stub.lastKey)
	}
	if receipt.Amount != 1000 || receipt.DestinationLabel != "bob (987654321012)" {
		test.Fatalf("unexpected receipt: %+v", receipt)
	}
}

func TestSubmitSurfacesTransportErrorWithoutRefresh(test *testing.T) {
	test.Parallel()
	stub := &stubGateway{err: &gateway.TransportError{Cause: errors.New("connection refused")}}
	refreshCalls := 0
	submitter := mustSubmitter(test, stub, WithRefresh(func(ctx context.Context) error {
		refreshCalls++
		return nil
	}))

	_, err := submitter.Submit(context.Background(), testDestination, "1000")
	if !errors.Is(err, gateway.ErrTransport) {
		test.Fatalf("expected transport failure, got %v", err)
	}
	if refreshCalls != 0 {
		test.Fatalf("expected no refresh after failure, got %d", refreshCalls)
	}
	if stub.calls != 1 {
		test.Fatalf("expected single attempt with no automatic retry, got %d", stub.calls)
	}
}

func TestSubmitSurfacesServerRejectionVerbatim(test *testing.T) {
	test.Parallel()
	stub := &stubGateway{err: &gateway.RequestError{Status: 400, Message: "Insufficient balance"}}
	submitter := mustSubmitter(test, stub)

	_, err := submitter.Submit(context.Background(), testDestination, "1000")
	var requestError *gateway.RequestError
	if !errors.As(err, &requestError) {
		test.Fatalf("expected RequestError, got %v", err)
	}
	if requestError.Message != "Insufficient balance" {
		test.Fatalf("expected verbatim server message, got %q", requestError.Message)
	}
}
