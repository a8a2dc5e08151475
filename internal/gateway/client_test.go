package gateway

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

const (
	testSessionToken = "session-token-1"
	testAdminSecret  = "operator-secret"
	detailMessage    = "Insufficient balance"
)

type stubSessionReader struct {
	token   string
	present bool
	err     error
}

func (reader *stubSessionReader) Get(ctx context.Context) (string, bool, error) {
	return reader.token, reader.present, reader.err
}

func mustClient(test *testing.T, baseURL string, options ...ClientOption) *Client {
	test.Helper()
	client, err := NewClient(baseURL, options...)
	if err != nil {
		test.Fatalf("client init failed: %v", err)
	}
	return client
}

func TestClientAttachesSessionHeaderOnlyWhenPresent(test *testing.T) {
	test.Parallel()
	testCases := []struct {
		name       string
		reader     *stubSessionReader
		wantHeader string
	}{
		{name: "session present", reader: &stubSessionReader{token: testSessionToken, present: true}, wantHeader: testSessionToken},
		{name: "session absent", reader: &stubSessionReader{}, wantHeader: ""},
	}
	for _, testCase := range testCases {
		testCase := testCase
		test.Run(testCase.name, func(test *testing.T) {
			test.Parallel()
			var observedHeader string
			server := httptest.NewServer(http.HandlerFunc(func(writer http.ResponseWriter, request *http.Request) {
				observedHeader = request.Header.Get(sessionHeaderName)
				writer.Header().Set(contentTypeHeaderName, contentTypeJSON)
				_, _ = writer.Write([]byte(`{"username":"alice","balance":100}`))
			}))
			test.Cleanup(server.Close)

			client := mustClient(test, server.URL, WithSessionReader(testCase.reader))
			account, err := client.Me(context.Background())
			if err != nil {
				test.Fatalf("request failed: %v", err)
			}
			if observedHeader != testCase.wantHeader {
				test.Fatalf("expected session header %q, got %q", testCase.wantHeader, observedHeader)
			}
			if account.Username != "alice" {
				test.Fatalf("unexpected account decode: %+v", account)
			}
		})
	}
}

func TestClientSurfacesServerDetailOnRejection(test *testing.T) {
	test.Parallel()
	testCases := []struct {
		name        string
		status      int
		body        string
		wantMessage string
	}{
		{name: "detail field used verbatim", status: http.StatusBadRequest, body: `{"detail":"` + detailMessage + `"}`, wantMessage: detailMessage},
		{name: "missing detail falls back", status: http.StatusInternalServerError, body: `{}`, wantMessage: genericRejectionMessage},
		{name: "malformed rejection body falls back", status: http.StatusBadGateway, body: `not-json`, wantMessage: genericRejectionMessage},
	}
	for _, testCase := range testCases {
		testCase := testCase
		test.Run(testCase.name, func(test *testing.T) {
			test.Parallel()
			server := httptest.NewServer(http.HandlerFunc(func(writer http.ResponseWriter, request *http.Request) {
				writer.WriteHeader(testCase.status)
				_, _ = writer.Write([]byte(testCase.body))
			}))
			test.Cleanup(server.Close)

			client := mustClient(test, server.URL)
			_, err := client.Me(context.Background())
			if !errors.Is(err, ErrRequestRejected) {
				test.Fatalf("expected request rejection, got %v", err)
			}
			var requestError *RequestError
			if !errors.As(err, &requestError) {
				test.Fatalf("expected RequestError, got %T", err)
			}
			if requestError.Status != testCase.status {
				test.Fatalf("expected status %d, got %d", testCase.status, requestError.Status)
			}
			if requestError.Message != testCase.wantMessage {
				test.Fatalf("expected message %q, got %q", testCase.wantMessage, requestError.Message)
			}
		})
	}
}

func TestClientReturnsTransportErrorWhenServerUnreachable(test *testing.T) {
	test.Parallel()
	server := httptest.NewServer(http.HandlerFunc(func(writer http.ResponseWriter, request *http.Request) {}))
	server.Close()

	client := mustClient(test, server.URL)
	_, err := client.Me(context.Background())
	if !errors.Is(err, ErrTransport) {
		test.Fatalf("expected transport failure, got %v", err)
	}
	var transportError *TransportError
	if !errors.As(err, &transportError) {
		test.Fatalf("expected TransportError, got %T", err)
	}
	if transportError.Cause == nil {
		test.Fatalf("expected wrapped cause")
	}
}

func TestClientDecodesMalformedSuccessBodyAsEmptyObject(test *testing.T) {
	test.Parallel()
	server := httptest.NewServer(http.HandlerFunc(func(writer http.ResponseWriter, request *http.Request) {
		_, _ = writer.Write([]byte(`<<broken`))
	}))
	test.Cleanup(server.Close)

	client := mustClient(test, server.URL)
	account, err := client.Me(context.Background())
	if err != nil {
		test.Fatalf("lenient decode should not fail the call, got %v", err)
	}
	if account != (Account{}) {
		test.Fatalf("expected zero account, got %+v", account)
	}
}

func TestNotificationsAcceptsBothSnapshotShapes(test *testing.T) {
	test.Parallel()
	testCases := []struct {
		name string
		body string
	}{
		{name: "bare array", body: `[{"id":7,"message":"older","created_at":"2026-01-02T03:04:05Z"}]`},
		{name: "items envelope", body: `{"items":[{"id":"7","message":"older","created_at":"2026-01-02T03:04:05Z"}]}`},
	}
	for _, testCase := range testCases {
		testCase := testCase
		test.Run(testCase.name, func(test *testing.T) {
			test.Parallel()
			server := httptest.NewServer(http.HandlerFunc(func(writer http.ResponseWriter, request *http.Request) {
				_, _ = writer.Write([]byte(testCase.body))
			}))
			test.Cleanup(server.Close)

			client := mustClient(test, server.URL)
			snapshot, err := client.Notifications(context.Background())
			if err != nil {
				test.Fatalf("snapshot fetch failed: %v", err)
			}
			if len(snapshot) != 1 {
				test.Fatalf("expected one notification, got %d", len(snapshot))
			}
			if snapshot[0].ID != "7" || snapshot[0].Message != "older" {
				test.Fatalf("unexpected notification: %+v", snapshot[0])
			}
			if snapshot[0].CreatedUnixUTC == 0 {
				test.Fatalf("expected parsed timestamp")
			}
		})
	}
}

func TestClientAttachesAdminSecretHeader(test *testing.T) {
	test.Parallel()
	var observedSecret string
	server := httptest.NewServer(http.HandlerFunc(func(writer http.ResponseWriter, request *http.Request) {
		observedSecret = request.Header.Get(adminSecretHeaderName)
		_, _ = writer.Write([]byte(`{"total_users":3}`))
	}))
	test.Cleanup(server.Close)

	client := mustClient(test, server.URL, WithAdminSecret(testAdminSecret))
	stats, err := client.FetchAdminStats(context.Background())
	if err != nil {
		test.Fatalf("stats fetch failed: %v", err)
	}
	if observedSecret != testAdminSecret {
		test.Fatalf("expected admin secret header, got %q", observedSecret)
	}
	if stats.TotalUsers != 3 {
		test.Fatalf("unexpected stats decode: %+v", stats)
	}
}
