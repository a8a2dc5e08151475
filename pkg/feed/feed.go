package feed

import (
	"fmt"
	"sort"
)

type entry struct {
	notification   Notification
	sequence       uint64
	arrivalUnixUTC int64
}

// Feed accumulates snapshot and push notifications into one deduplicated,
// newest-first, size-bounded view. It is not safe for concurrent use; the
// owning component serializes access.
type Feed struct {
	entries  []entry
	byID     map[string]struct{}
	nextSeq  uint64
	capacity int
	nowFn    func() int64
}

// NewFeed wires a Feed with the given capacity and clock.
func NewFeed(capacity int, now func() int64) (*Feed, error) {
	if capacity <= 0 {
		return nil, fmt.Errorf("%w: must be greater than zero", ErrInvalidCapacity)
	}
	if now == nil {
		return nil, fmt.Errorf("%w: clock dependency is nil", ErrInvalidCapacity)
	}
	return &Feed{
		byID:     map[string]struct{}{},
		capacity: capacity,
		nowFn:    now,
	}, nil
}

// Ingest folds notifications into the view. Entries without a server id are
// assigned a surrogate id strictly ordered after every previously seen one.
// Duplicates by id keep the first-seen copy. The view is re-sorted
// newest-first (server timestamp where present, arrival time otherwise) and
// truncated to capacity.
func (feed *Feed) Ingest(notifications ...Notification) {
	arrival := feed.nowFn()
	for _, notification := range notifications {
		feed.nextSeq++
		if notification.ID == "" {
			notification.ID = fmt.Sprintf("%s%d", surrogateIDPrefix, feed.nextSeq)
		}
		if _, seen := feed.byID[notification.ID]; seen {
			continue
		}
		feed.byID[notification.ID] = struct{}{}
		feed.entries = append(feed.entries, entry{
			notification:   notification,
			sequence:       feed.nextSeq,
			arrivalUnixUTC: arrival,
		})
	}
	feed.reorder()
	feed.truncate()
}

// Notifications returns the current view, newest first.
func (feed *Feed) Notifications() []Notification {
	view := make([]Notification, 0, len(feed.entries))
	for _, item := range feed.entries {
		view = append(view, item.notification)
	}
	return view
}

// Len returns the current view length.
func (feed *Feed) Len() int {
	return len(feed.entries)
}

func (feed *Feed) reorder() {
	sort.SliceStable(feed.entries, func(left int, right int) bool {
		leftKey := feed.entries[left].sortKey()
		rightKey := feed.entries[right].sortKey()
		if leftKey != rightKey {
			return leftKey > rightKey
		}
		return feed.entries[left].sequence > feed.entries[right].sequence
	})
}

func (feed *Feed) truncate() {
	if len(feed.entries) <= feed.capacity {
		return
	}
	for _, dropped := range feed.entries[feed.capacity:] {
		delete(feed.byID, dropped.notification.ID)
	}
	feed.entries = feed.entries[:feed.capacity]
}

func (item entry) sortKey() int64 {
	if item.notification.CreatedUnixUTC > 0 {
		return item.notification.CreatedUnixUTC
	}
	return item.arrivalUnixUTC
}

// Merge combines a point-in-time snapshot with a stream of push events into
// one feed, independent of I/O. The result carries no duplicate ids, is
// ordered newest-first, and holds at most capacity entries regardless of the
// interleaving that produced the inputs.
func Merge(snapshot []Notification, pushEvents []Notification, capacity int, now func() int64) ([]Notification, error) {
	merged, err := NewFeed(capacity, now)
	if err != nil {
		return nil, err
	}
	merged.Ingest(pushEvents...)
	merged.Ingest(snapshot...)
	return merged.Notifications(), nil
}
