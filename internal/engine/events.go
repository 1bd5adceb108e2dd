package engine

import (
	"encoding/json"
)

// Event is one item on the composed sync stream. The variant set is closed:
// the dispatcher switches exhaustively over these types, so adding a kind is
// a compile-time-checked change.
type Event interface {
	isEvent()
}

// RemoteUpdate carries a batch of remote operations pushed by the server.
type RemoteUpdate struct {
	Payload json.RawMessage
}

// RemoteAssetUpdate carries an asset upload/download notification.
type RemoteAssetUpdate struct {
	Payload json.RawMessage
}

// LocalChangeCheck signals that pending local operations should be pushed.
// Emitted by a level-triggered periodic check, not by individual edits.
type LocalChangeCheck struct{}

// PresenceUpdated carries the complete set of users currently online in the
// graph's session. The set replaces the previous one wholesale.
type PresenceUpdated struct {
	OnlineUsers []UserInfo
}

// PullRemoteUpdates requests an incremental pull from the remote, emitted by
// the rescheduling timer as a staleness bound.
type PullRemoteUpdates struct{}

// InjectPresenceInfo requests that the server re-inject authoritative user
// info, emitted when reported presence disagrees with materialized records.
type InjectPresenceInfo struct{}

func (RemoteUpdate) isEvent()      {}
func (RemoteAssetUpdate) isEvent() {}
func (LocalChangeCheck) isEvent()  {}
func (PresenceUpdated) isEvent()   {}
func (PullRemoteUpdates) isEvent() {}
func (InjectPresenceInfo) isEvent() {}

// UserInfo is one online user's attributes as reported in presence updates.
type UserInfo struct {
	ID     string `json:"user-uuid"`
	Name   string `json:"user-name"`
	Email  string `json:"user-email"`
	Avatar string `json:"user-avatar"`
}
