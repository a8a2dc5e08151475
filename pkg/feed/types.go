package feed

import (
	"fmt"
	"strings"
)

// SourceTag records which side of the sync produced a notification.
type SourceTag string

const (
	SourceSnapshot SourceTag = "snapshot"
	SourcePush     SourceTag = "push"
)

// String returns the tag value.
func (tag SourceTag) String() string {
	return string(tag)
}

// Notification is a single immutable feed entry. An empty ID marks a
// synthetic realtime event; Ingest assigns it a local surrogate id.
type Notification struct {
	ID             string
	Message        string
	CreatedUnixUTC int64
	Source         SourceTag
}

// NewNotification validates and normalizes a notification.
func NewNotification(id string, message string, createdUnixUTC int64, source SourceTag) (Notification, error) {
	if source != SourceSnapshot && source != SourcePush {
		return Notification{}, fmt.Errorf("%w: %q", ErrInvalidSourceTag, source)
	}
	if createdUnixUTC < 0 {
		return Notification{}, fmt.Errorf("%w: negative timestamp", ErrInvalidTimestamp)
	}
	return Notification{
		ID:             strings.TrimSpace(id),
		Message:        message,
		CreatedUnixUTC: createdUnixUTC,
		Source:         source,
	}, nil
}

// HasServerID reports whether the notification carries a server-assigned id.
func (notification Notification) HasServerID() bool {
	return notification.ID != "" && !strings.HasPrefix(notification.ID, surrogateIDPrefix)
}
