package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"

	"github.com/MarkoPoloResearchLab/banksync/pkg/feed"
)

// Metrics
var (
	connectAttemptsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "banksync_channel_connect_attempts_total",
		Help: "Push channel connection attempts, including reconnects",
	})
	droppedPayloadsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "banksync_channel_dropped_payloads_total",
		Help: "Malformed push payloads silently dropped",
	})
)

const (
	defaultPingInterval = 20 * time.Second
	eventBufferSize     = 64
)

// SnapshotFetcher fetches the point-in-time REST notification list.
type SnapshotFetcher interface {
	Notifications(ctx context.Context) ([]feed.Notification, error)
}

// SessionReader exposes the current session credential, if any.
type SessionReader interface {
	Get(ctx context.Context) (string, bool, error)
}

type eventKind int

const (
	eventPush eventKind = iota
	eventSnapshot
	eventChannelClosed
)

type syncEvent struct {
	kind     eventKind
	epoch    uint64
	payload  []byte
	snapshot []feed.Notification
	err      error
}

// Syncer owns the merged notification view. It reconciles one REST snapshot
// per connection with the realtime push stream, and drives the channel
// lifecycle: Idle, Connecting, Connected, Disconnected, and the terminal
// Failed reached only on explicit teardown. The state machine runs as a
// single task consuming a message channel; no two handlers for the same
// Syncer execute concurrently.
type Syncer struct {
	dialer       Dialer
	snapshots    SnapshotFetcher
	sessions     SessionReader
	backoff      *Backoff
	pingInterval time.Duration
	nowFn        func() int64
	logger       *zap.Logger
	onChange     func()

	mu      sync.Mutex
	state   ChannelState
	merged  *feed.Feed
	channel Channel

	events       chan syncEvent
	teardown     chan struct{}
	teardownOnce sync.Once
	done         chan struct{}
	started      bool
	epoch        uint64
}

// SyncerOption configures a Syncer instance.
type SyncerOption func(*Syncer)

// WithBackoff overrides the reconnect schedule.
func WithBackoff(backoff *Backoff) SyncerOption {
	return func(syncer *Syncer) {
		syncer.backoff = backoff
	}
}

// WithPingInterval overrides the liveness ping cadence.
func WithPingInterval(interval time.Duration) SyncerOption {
	return func(syncer *Syncer) {
		syncer.pingInterval = interval
	}
}

// WithClock overrides the arrival clock used by the merge.
func WithClock(now func() int64) SyncerOption {
	return func(syncer *Syncer) {
		syncer.nowFn = now
	}
}

// WithSyncLogger wires a structured logger.
func WithSyncLogger(logger *zap.Logger) SyncerOption {
	return func(syncer *Syncer) {
		syncer.logger = logger
	}
}

// WithOnChange wires a callback fired after every state or feed mutation so
// the read model can recompute.
func WithOnChange(onChange func()) SyncerOption {
	return func(syncer *Syncer) {
		syncer.onChange = onChange
	}
}

// NewSyncer wires a Syncer.
func NewSyncer(dialer Dialer, snapshots SnapshotFetcher, sessions SessionReader, options ...SyncerOption) (*Syncer, error) {
	if dialer == nil {
		return nil, fmt.Errorf("dialer dependency is nil")
	}
	if snapshots == nil {
		return nil, fmt.Errorf("snapshot fetcher dependency is nil")
	}
	if sessions == nil {
		return nil, fmt.Errorf("session reader dependency is nil")
	}
	syncer := &Syncer{
		dialer:       dialer,
		snapshots:    snapshots,
		sessions:     sessions,
		backoff:      NewBackoff(defaultBackoffBase, defaultBackoffCap),
		pingInterval: defaultPingInterval,
		nowFn:        func() int64 { return time.Now().UTC().Unix() },
		logger:       zap.NewNop(),
		state:        StateIdle,
		events:       make(chan syncEvent, eventBufferSize),
		teardown:     make(chan struct{}),
		done:         make(chan struct{}),
	}
	for _, option := range options {
		if option != nil {
			option(syncer)
		}
	}
	merged, err := feed.NewFeed(feed.DefaultCapacity, syncer.nowFn)
	if err != nil {
		return nil, err
	}
	syncer.merged = merged
	return syncer, nil
}

// State returns the current channel state.
func (syncer *Syncer) State() ChannelState {
	syncer.mu.Lock()
	defer syncer.mu.Unlock()
	return syncer.state
}

// Notifications returns the merged view, newest first.
func (syncer *Syncer) Notifications() []feed.Notification {
	syncer.mu.Lock()
	defer syncer.mu.Unlock()
	return syncer.merged.Notifications()
}

// Run drives the state machine until teardown or context cancellation. An
// absent session keeps the Syncer Idle permanently; anonymous users get no
// realtime feed.
func (syncer *Syncer) Run(ctx context.Context) error {
	syncer.mu.Lock()
	syncer.started = true
	syncer.mu.Unlock()
	defer close(syncer.done)

	select {
	case <-syncer.teardown:
		syncer.fail()
		return nil
	default:
	}

	session, present, err := syncer.sessions.Get(ctx)
	if err != nil {
		syncer.fail()
		return err
	}
	if !present {
		select {
		case <-ctx.Done():
		case <-syncer.teardown:
		}
		syncer.fail()
		return nil
	}

	for {
		syncer.setState(StateConnecting)
		connectAttemptsTotal.Inc()
		channel, dialErr := syncer.dialer.Dial(ctx, session)
		if dialErr != nil {
			syncer.logger.Debug("channel dial failed", zap.Error(dialErr))
			syncer.setState(StateDisconnected)
		} else {
			syncer.backoff.Reset()
			epoch := syncer.nextEpoch()
			syncer.setChannel(channel)
			syncer.setState(StateConnected)
			go syncer.readLoop(epoch, channel)
			go syncer.fetchSnapshot(ctx, epoch)
			if tornDown := syncer.consume(ctx, epoch); tornDown {
				return nil
			}
			syncer.setState(StateDisconnected)
		}

		select {
		case <-time.After(syncer.backoff.Next()):
		case <-syncer.teardown:
			syncer.fail()
			return nil
		case <-ctx.Done():
			syncer.fail()
			return nil
		}
	}
}

// Close tears the Syncer down: it synchronously transitions to Failed and
// closes the channel, so no second channel can open for the same logical
// session, then waits for the run task to finish.
func (syncer *Syncer) Close() {
	syncer.teardownOnce.Do(func() {
		syncer.fail()
		close(syncer.teardown)
	})
	syncer.mu.Lock()
	started := syncer.started
	syncer.mu.Unlock()
	if started {
		<-syncer.done
	}
}

func (syncer *Syncer) consume(ctx context.Context, epoch uint64) bool {
	ticker := time.NewTicker(syncer.pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-syncer.teardown:
			syncer.fail()
			return true
		case <-ctx.Done():
			syncer.fail()
			return true
		case <-ticker.C:
			// Liveness signal only; a failed ping never forces a transition.
			if channel := syncer.currentChannel(); channel != nil {
				_ = channel.Ping()
			}
		case event := <-syncer.events:
			if event.epoch != epoch {
				continue
			}
			switch event.kind {
			case eventPush:
				syncer.ingestPush(event.payload)
			case eventSnapshot:
				syncer.ingestSnapshot(event.snapshot, event.err)
			case eventChannelClosed:
				syncer.logger.Debug("channel closed", zap.Error(event.err))
				syncer.closeChannel()
				return false
			}
		}
	}
}

func (syncer *Syncer) readLoop(epoch uint64, channel Channel) {
	for {
		payload, err := channel.Read()
		if err != nil {
			syncer.emit(syncEvent{kind: eventChannelClosed, epoch: epoch, err: err})
			return
		}
		syncer.emit(syncEvent{kind: eventPush, epoch: epoch, payload: payload})
	}
}

func (syncer *Syncer) fetchSnapshot(ctx context.Context, epoch uint64) {
	snapshot, err := syncer.snapshots.Notifications(ctx)
	syncer.emit(syncEvent{kind: eventSnapshot, epoch: epoch, snapshot: snapshot, err: err})
}

func (syncer *Syncer) emit(event syncEvent) {
	select {
	case syncer.events <- event:
	case <-syncer.teardown:
	}
}

type pushPayload struct {
	ID        json.RawMessage `json:"id"`
	Message   string          `json:"message"`
	CreatedAt string          `json:"created_at"`
}

func (syncer *Syncer) ingestPush(payload []byte) {
	var decoded pushPayload
	if err := json.Unmarshal(payload, &decoded); err != nil {
		// A single bad message must never break the channel.
		droppedPayloadsTotal.Inc()
		syncer.logger.Debug("malformed push payload dropped", zap.Error(err))
		return
	}
	notification, err := feed.NewNotification(decodeLooseID(decoded.ID), decoded.Message, parsePushTime(decoded.CreatedAt), feed.SourcePush)
	if err != nil {
		droppedPayloadsTotal.Inc()
		return
	}
	syncer.mu.Lock()
	syncer.merged.Ingest(notification)
	syncer.mu.Unlock()
	syncer.notifyChange()
}

func (syncer *Syncer) ingestSnapshot(snapshot []feed.Notification, err error) {
	if err != nil {
		// Stale-but-consistent: the existing view stays intact.
		syncer.logger.Warn("snapshot fetch failed", zap.Error(err))
		return
	}
	syncer.mu.Lock()
	syncer.merged.Ingest(snapshot...)
	syncer.mu.Unlock()
	syncer.notifyChange()
}

func (syncer *Syncer) setState(state ChannelState) {
	syncer.mu.Lock()
	if syncer.state == StateFailed {
		syncer.mu.Unlock()
		return
	}
	syncer.state = state
	syncer.mu.Unlock()
	syncer.notifyChange()
}

func (syncer *Syncer) fail() {
	syncer.mu.Lock()
	syncer.state = StateFailed
	if syncer.channel != nil {
		_ = syncer.channel.Close()
		syncer.channel = nil
	}
	syncer.mu.Unlock()
	syncer.notifyChange()
}

func (syncer *Syncer) setChannel(channel Channel) {
	syncer.mu.Lock()
	syncer.channel = channel
	syncer.mu.Unlock()
}

func (syncer *Syncer) closeChannel() {
	syncer.mu.Lock()
	if syncer.channel != nil {
		_ = syncer.channel.Close()
		syncer.channel = nil
	}
	syncer.mu.Unlock()
}

func (syncer *Syncer) currentChannel() Channel {
	syncer.mu.Lock()
	defer syncer.mu.Unlock()
	return syncer.channel
}

func (syncer *Syncer) nextEpoch() uint64 {
	syncer.mu.Lock()
	defer syncer.mu.Unlock()
	syncer.epoch++
	return syncer.epoch
}

func (syncer *Syncer) notifyChange() {
	if syncer.onChange != nil {
		syncer.onChange()
	}
}

func decodeLooseID(raw json.RawMessage) string {
	trimmed := strings.TrimSpace(string(raw))
	if trimmed == "" || trimmed == "null" {
		return ""
	}
	if strings.HasPrefix(trimmed, `"`) {
		var value string
		if err := json.Unmarshal(raw, &value); err != nil {
			return ""
		}
		return value
	}
	var value json.Number
	if err := json.Unmarshal(raw, &value); err != nil {
		return ""
	}
	return value.String()
}

func parsePushTime(raw string) int64 {
	if raw == "" {
		return 0
	}
	parsed, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return 0
	}
	return parsed.Unix()
}
