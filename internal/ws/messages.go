package ws

import (
	"encoding/json"
	"fmt"
)

// Request actions understood by the server.
const (
	ActionListGraphs            = "list-graphs"
	ActionDeleteGraph           = "delete-graph"
	ActionGetUsersInfo          = "get-users-info"
	ActionInjectUsersInfo       = "inject-users-info"
	ActionGrantAccess           = "grant-access"
	ActionQueryBlockVersions    = "query-block-content-versions"
	ActionRegisterDevice        = "register-device"
	ActionCalibrate             = "calibrate"
	ActionPushOps               = "push-ops"
	ActionPullUpdates           = "pull-updates"
	ActionUploadGraph           = "upload-graph"
	ActionBranchGraph           = "branch-graph"
	ActionRequestDownload       = "request-download"
	ActionWaitDownloadReady     = "wait-download-ready"
	ActionGetAssetURL           = "get-asset-url"
)

// Server-pushed (unsolicited) message kinds. These arrive carrying a req-id
// equal to the kind itself rather than a correlation id.
const (
	PushUpdates      = "push-updates"
	PushOnlineUsers  = "online-users-updated"
	PushAssetUploads = "push-asset-upload-updates"
)

// pushKinds routes incoming frames: any frame whose req-id matches one of
// these is unsolicited and goes to the push channel.
var pushKinds = map[string]bool{
	PushUpdates:      true,
	PushOnlineUsers:  true,
	PushAssetUploads: true,
}

// Push is an unsolicited server message.
type Push struct {
	Kind    string
	Payload json.RawMessage
}

// frame is the wire shape shared by requests, responses, and pushes.
// Requests carry action + req-id + arbitrary fields; responses echo the
// req-id with either a result or an ex-data error payload; pushes use the
// push kind as req-id.
type frame struct {
	ReqID  string          `json:"req-id"`
	Action string          `json:"action,omitempty"`
	Result json.RawMessage `json:"result,omitempty"`
	ExData json.RawMessage `json:"ex-data,omitempty"`
}

// ServerError is an error payload (ex-data) returned in place of a result.
type ServerError struct {
	Action string
	Data   json.RawMessage
}

// Error implements the error interface.
func (e *ServerError) Error() string {
	return fmt.Sprintf("server error for %s: %s", e.Action, string(e.Data))
}

// GraphInfo describes one remote graph as reported by list-graphs.
type GraphInfo struct {
	UUID          string `json:"graph-uuid"`
	Name          string `json:"graph-name"`
	SchemaVersion string `json:"schema-version"`
}

// UserInfo describes one user as reported by the server.
type UserInfo struct {
	ID     string `json:"user-uuid"`
	Name   string `json:"user-name"`
	Email  string `json:"user-email"`
	Avatar string `json:"user-avatar"`
}

// BlockVersion is one entry from query-block-content-versions.
type BlockVersion struct {
	BlockUUID string `json:"block-uuid"`
	Version   int64  `json:"version"`
}
