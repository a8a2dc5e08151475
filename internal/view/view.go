package view

import (
	"sync"

	"github.com/MarkoPoloResearchLab/banksync/internal/gateway"
	"github.com/MarkoPoloResearchLab/banksync/internal/notify"
	"github.com/MarkoPoloResearchLab/banksync/pkg/feed"
)

// AccountView is the reconciled read model handed to the presentation layer.
// It is derived state only; it performs no I/O and has no failure mode of its
// own.
type AccountView struct {
	Account         gateway.Account
	Notifications   []feed.Notification
	ConnectionState notify.ChannelState
}

// Compose derives a view from the latest published inputs. The notification
// slice is copied so later feed mutations never show through a snapshot.
func Compose(account gateway.Account, notifications []feed.Notification, state notify.ChannelState) AccountView {
	copied := make([]feed.Notification, len(notifications))
	copy(copied, notifications)
	return AccountView{
		Account:         account,
		Notifications:   copied,
		ConnectionState: state,
	}
}

// Model collects the latest value published by each upstream component and
// recomputes the view on demand. Upstream components write through the
// Publish methods; the presentation layer reads through Snapshot.
type Model struct {
	mu            sync.Mutex
	account       gateway.Account
	notifications []feed.Notification
	state         notify.ChannelState
}

// NewModel starts with an empty account and an Idle channel.
func NewModel() *Model {
	return &Model{state: notify.StateIdle}
}

// PublishAccount replaces the account wholesale; accounts are never patched
// field by field.
func (model *Model) PublishAccount(account gateway.Account) {
	model.mu.Lock()
	model.account = account
	model.mu.Unlock()
}

// PublishNotifications replaces the merged notification list.
func (model *Model) PublishNotifications(notifications []feed.Notification) {
	model.mu.Lock()
	model.notifications = notifications
	model.mu.Unlock()
}

// PublishConnectionState records the push channel lifecycle state.
func (model *Model) PublishConnectionState(state notify.ChannelState) {
	model.mu.Lock()
	model.state = state
	model.mu.Unlock()
}

// Snapshot derives the current view.
func (model *Model) Snapshot() AccountView {
	model.mu.Lock()
	defer model.mu.Unlock()
	return Compose(model.account, model.notifications, model.state)
}
