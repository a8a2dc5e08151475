package notify

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/MarkoPoloResearchLab/banksync/pkg/feed"
)

const stateWaitTimeout = 2 * time.Second

type scriptedChannel struct {
	messages  chan []byte
	closed    chan struct{}
	closeOnce sync.Once
	pingErr   error
	pingCount atomic.Int64
	onClose   func()
}

func newScriptedChannel() *scriptedChannel {
	return &scriptedChannel{
		messages: make(chan []byte, 16),
		closed:   make(chan struct{}),
	}
}

func (channel *scriptedChannel) push(payload string) {
	channel.messages <- []byte(payload)
}

func (channel *scriptedChannel) Read() ([]byte, error) {
	select {
	case payload := <-channel.messages:
		return payload, nil
	case <-channel.closed:
		return nil, &ChannelError{Cause: errors.New("connection dropped")}
	}
}

func (channel *scriptedChannel) Ping() error {
	channel.pingCount.Add(1)
	return channel.pingErr
}

func (channel *scriptedChannel) Close() error {
	channel.closeOnce.Do(func() {
		close(channel.closed)
		if channel.onClose != nil {
			channel.onClose()
		}
	})
	return nil
}

type scriptedDialer struct {
	mu        sync.Mutex
	script    []error
	dialCount int
	openCount int
	maxOpen   int
	channels  []*scriptedChannel
}

func (dialer *scriptedDialer) Dial(_ context.Context, _ string) (Channel, error) {
	dialer.mu.Lock()
	defer dialer.mu.Unlock()
	dialer.dialCount++
	if len(dialer.script) > 0 {
		nextErr := dialer.script[0]
		dialer.script = dialer.script[1:]
		if nextErr != nil {
			return nil, nextErr
		}
	}
	channel := newScriptedChannel()
	dialer.openCount++
	if dialer.openCount > dialer.maxOpen {
		dialer.maxOpen = dialer.openCount
	}
	channel.onClose = func() {
		dialer.mu.Lock()
		dialer.openCount--
		dialer.mu.Unlock()
	}
	dialer.channels = append(dialer.channels, channel)
	return channel, nil
}

func (dialer *scriptedDialer) dials() int {
	dialer.mu.Lock()
	defer dialer.mu.Unlock()
	return dialer.dialCount
}

func (dialer *scriptedDialer) lastChannel() *scriptedChannel {
	dialer.mu.Lock()
	defer dialer.mu.Unlock()
	if len(dialer.channels) == 0 {
		return nil
	}
	return dialer.channels[len(dialer.channels)-1]
}

type scriptedSnapshots struct {
	fetch func(ctx context.Context) ([]feed.Notification, error)
}

func (snapshots *scriptedSnapshots) Notifications(ctx context.Context) ([]feed.Notification, error) {
	if snapshots.fetch == nil {
		return nil, nil
	}
	return snapshots.fetch(ctx)
}

type scriptedSessions struct {
	token   string
	present bool
}

func (sessions *scriptedSessions) Get(context.Context) (string, bool, error) {
	return sessions.token, sessions.present, nil
}

func fastBackoff() *Backoff {
	return NewBackoff(time.Millisecond, 10*time.Millisecond, WithJitter(zeroJitter))
}

func waitForState(test *testing.T, syncer *Syncer, want ChannelState) {
	test.Helper()
	deadline := time.Now().Add(stateWaitTimeout)
	for time.Now().Before(deadline) {
		if syncer.State() == want {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	test.Fatalf("state never reached %s, stuck at %s", want, syncer.State())
}

func waitForFeedLen(test *testing.T, syncer *Syncer, want int) {
	test.Helper()
	deadline := time.Now().Add(stateWaitTimeout)
	for time.Now().Before(deadline) {
		if len(syncer.Notifications()) == want {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	test.Fatalf("feed never reached %d entries, stuck at %d", want, len(syncer.Notifications()))
}

func startSyncer(test *testing.T, syncer *Syncer) <-chan error {
	test.Helper()
	runResult := make(chan error, 1)
	go func() {
		runResult <- syncer.Run(context.Background())
	}()
	return runResult
}

func TestSyncerStaysIdleWithoutSession(test *testing.T) {
	test.Parallel()

	dialer := &scriptedDialer{}
	syncer, err := NewSyncer(dialer, &scriptedSnapshots{}, &scriptedSessions{present: false}, WithBackoff(fastBackoff()))
	if err != nil {
		test.Fatalf("unexpected constructor error: %v", err)
	}
	runResult := startSyncer(test, syncer)

	time.Sleep(20 * time.Millisecond)
	if state := syncer.State(); state != StateIdle {
		test.Fatalf("expected Idle without a session, got %s", state)
	}
	if dials := dialer.dials(); dials != 0 {
		test.Fatalf("expected no dial attempts without a session, got %d", dials)
	}

	syncer.Close()
	if runErr := <-runResult; runErr != nil {
		test.Fatalf("unexpected run error: %v", runErr)
	}
	if state := syncer.State(); state != StateFailed {
		test.Fatalf("expected Failed after teardown, got %s", state)
	}
}

func TestSyncerKeepsRealtimeEventAheadOfLaterSnapshot(test *testing.T) {
	test.Parallel()

	releaseSnapshot := make(chan struct{})
	olderNotification, err := feed.NewNotification("n0", "older", time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC).Unix(), feed.SourceSnapshot)
	if err != nil {
		test.Fatalf("unexpected notification error: %v", err)
	}
	snapshots := &scriptedSnapshots{fetch: func(ctx context.Context) ([]feed.Notification, error) {
		<-releaseSnapshot
		return []feed.Notification{olderNotification}, nil
	}}

	dialer := &scriptedDialer{}
	syncer, err := NewSyncer(dialer, snapshots, &scriptedSessions{token: "token", present: true}, WithBackoff(fastBackoff()))
	if err != nil {
		test.Fatalf("unexpected constructor error: %v", err)
	}
	runResult := startSyncer(test, syncer)
	defer func() {
		syncer.Close()
		<-runResult
	}()

	waitForState(test, syncer, StateConnected)
	dialer.lastChannel().push(`{"type":"notification","id":"n1","message":"fresh"}`)
	waitForFeedLen(test, syncer, 1)

	close(releaseSnapshot)
	waitForFeedLen(test, syncer, 2)

	merged := syncer.Notifications()
	if merged[0].ID != "n1" || merged[1].ID != "n0" {
		test.Fatalf("expected [n1 n0], got [%s %s]", merged[0].ID, merged[1].ID)
	}
}

func TestSyncerDropsMalformedPayloadWithoutTransition(test *testing.T) {
	test.Parallel()

	dialer := &scriptedDialer{}
	syncer, err := NewSyncer(dialer, &scriptedSnapshots{}, &scriptedSessions{token: "token", present: true}, WithBackoff(fastBackoff()))
	if err != nil {
		test.Fatalf("unexpected constructor error: %v", err)
	}
	runResult := startSyncer(test, syncer)
	defer func() {
		syncer.Close()
		<-runResult
	}()

	waitForState(test, syncer, StateConnected)
	channel := dialer.lastChannel()
	channel.push(`{not even json`)
	channel.push(`"just a string"`)
	channel.push(`{"id":"n1","message":"valid"}`)
	waitForFeedLen(test, syncer, 1)

	if state := syncer.State(); state != StateConnected {
		test.Fatalf("malformed payloads must not drive transitions, got %s", state)
	}
	if merged := syncer.Notifications(); merged[0].ID != "n1" {
		test.Fatalf("expected the valid notification to land, got %q", merged[0].ID)
	}
}

func TestSyncerReconnectsAfterChannelDrop(test *testing.T) {
	test.Parallel()

	dialer := &scriptedDialer{}
	syncer, err := NewSyncer(dialer, &scriptedSnapshots{}, &scriptedSessions{token: "token", present: true}, WithBackoff(fastBackoff()))
	if err != nil {
		test.Fatalf("unexpected constructor error: %v", err)
	}
	runResult := startSyncer(test, syncer)
	defer func() {
		syncer.Close()
		<-runResult
	}()

	waitForState(test, syncer, StateConnected)
	firstChannel := dialer.lastChannel()
	_ = firstChannel.Close()

	deadline := time.Now().Add(stateWaitTimeout)
	for time.Now().Before(deadline) && dialer.dials() < 2 {
		time.Sleep(2 * time.Millisecond)
	}
	if dials := dialer.dials(); dials < 2 {
		test.Fatalf("expected a reconnect attempt, saw %d dials", dials)
	}
	waitForState(test, syncer, StateConnected)

	dialer.mu.Lock()
	maxOpen := dialer.maxOpen
	dialer.mu.Unlock()
	if maxOpen > 1 {
		test.Fatalf("expected at most one open channel at a time, saw %d", maxOpen)
	}
}

func TestSyncerRetriesAfterDialFailure(test *testing.T) {
	test.Parallel()

	dialer := &scriptedDialer{script: []error{fmt.Errorf("handshake refused"), nil}}
	syncer, err := NewSyncer(dialer, &scriptedSnapshots{}, &scriptedSessions{token: "token", present: true}, WithBackoff(fastBackoff()))
	if err != nil {
		test.Fatalf("unexpected constructor error: %v", err)
	}
	runResult := startSyncer(test, syncer)
	defer func() {
		syncer.Close()
		<-runResult
	}()

	waitForState(test, syncer, StateConnected)
	if dials := dialer.dials(); dials != 2 {
		test.Fatalf("expected exactly two dial attempts, got %d", dials)
	}
}

func TestSyncerCloseIsTerminal(test *testing.T) {
	test.Parallel()

	dialer := &scriptedDialer{}
	syncer, err := NewSyncer(dialer, &scriptedSnapshots{}, &scriptedSessions{token: "token", present: true}, WithBackoff(fastBackoff()))
	if err != nil {
		test.Fatalf("unexpected constructor error: %v", err)
	}
	runResult := startSyncer(test, syncer)

	waitForState(test, syncer, StateConnected)
	syncer.Close()
	if runErr := <-runResult; runErr != nil {
		test.Fatalf("unexpected run error: %v", runErr)
	}
	if state := syncer.State(); state != StateFailed {
		test.Fatalf("expected Failed after teardown, got %s", state)
	}

	dialsAtTeardown := dialer.dials()
	time.Sleep(50 * time.Millisecond)
	if dials := dialer.dials(); dials != dialsAtTeardown {
		test.Fatalf("expected no reconnect after teardown, dials went %d -> %d", dialsAtTeardown, dials)
	}
}

func TestSyncerPingFailureDoesNotDriveTransitions(test *testing.T) {
	test.Parallel()

	dialer := &scriptedDialer{}
	syncer, err := NewSyncer(
		dialer,
		&scriptedSnapshots{},
		&scriptedSessions{token: "token", present: true},
		WithBackoff(fastBackoff()),
		WithPingInterval(3*time.Millisecond),
	)
	if err != nil {
		test.Fatalf("unexpected constructor error: %v", err)
	}
	runResult := startSyncer(test, syncer)
	defer func() {
		syncer.Close()
		<-runResult
	}()

	waitForState(test, syncer, StateConnected)
	channel := dialer.lastChannel()
	channel.pingErr = fmt.Errorf("write timeout")

	deadline := time.Now().Add(stateWaitTimeout)
	for time.Now().Before(deadline) && channel.pingCount.Load() < 3 {
		time.Sleep(2 * time.Millisecond)
	}
	if pings := channel.pingCount.Load(); pings < 3 {
		test.Fatalf("expected liveness pings to keep firing, saw %d", pings)
	}
	if state := syncer.State(); state != StateConnected {
		test.Fatalf("ping failures must not drive transitions, got %s", state)
	}
	if dials := dialer.dials(); dials != 1 {
		test.Fatalf("ping failures must not force reconnects, saw %d dials", dials)
	}
}

func TestSyncerKeepsViewWhenSnapshotFails(test *testing.T) {
	test.Parallel()

	snapshots := &scriptedSnapshots{fetch: func(context.Context) ([]feed.Notification, error) {
		return nil, fmt.Errorf("backend unavailable")
	}}
	dialer := &scriptedDialer{}
	syncer, err := NewSyncer(dialer, snapshots, &scriptedSessions{token: "token", present: true}, WithBackoff(fastBackoff()))
	if err != nil {
		test.Fatalf("unexpected constructor error: %v", err)
	}
	runResult := startSyncer(test, syncer)
	defer func() {
		syncer.Close()
		<-runResult
	}()

	waitForState(test, syncer, StateConnected)
	dialer.lastChannel().push(`{"id":"n1","message":"still here"}`)
	waitForFeedLen(test, syncer, 1)

	if state := syncer.State(); state != StateConnected {
		test.Fatalf("snapshot failure must not drive transitions, got %s", state)
	}
}
