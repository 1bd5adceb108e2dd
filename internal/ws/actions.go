package ws

import (
	"context"
	"encoding/json"
	"fmt"
)

// ListGraphs returns the remote graphs visible to the configured token.
func (c *Client) ListGraphs(ctx context.Context) ([]GraphInfo, error) {
	result, err := c.Do(ctx, ActionListGraphs, nil)
	if err != nil {
		return nil, err
	}
	var out struct {
		Graphs []GraphInfo `json:"graphs"`
	}
	if err := json.Unmarshal(result, &out); err != nil {
		return nil, fmt.Errorf("failed to decode list-graphs result: %w", err)
	}
	return out.Graphs, nil
}

// DeleteGraph removes a remote graph. The server refuses the delete when the
// reported schema version no longer matches.
func (c *Client) DeleteGraph(ctx context.Context, graphUUID, schemaVersion string) error {
	_, err := c.Do(ctx, ActionDeleteGraph, map[string]any{
		"graph-uuid":     graphUUID,
		"schema-version": schemaVersion,
	})
	return err
}

// GetUsersInfo returns the users with access to a graph.
func (c *Client) GetUsersInfo(ctx context.Context, graphUUID string) ([]UserInfo, error) {
	result, err := c.Do(ctx, ActionGetUsersInfo, map[string]any{
		"graph-uuid": graphUUID,
	})
	if err != nil {
		return nil, err
	}
	var out struct {
		Users []UserInfo `json:"users"`
	}
	if err := json.Unmarshal(result, &out); err != nil {
		return nil, fmt.Errorf("failed to decode get-users-info result: %w", err)
	}
	return out.Users, nil
}

// InjectUsersInfo asks the server to (re)send authoritative user info for
// the graph's current session.
func (c *Client) InjectUsersInfo(ctx context.Context, graphUUID string) error {
	_, err := c.Do(ctx, ActionInjectUsersInfo, map[string]any{
		"graph-uuid": graphUUID,
	})
	return err
}

// GrantAccess shares a graph with the target users or emails.
func (c *Client) GrantAccess(ctx context.Context, graphUUID string, targets []string) error {
	_, err := c.Do(ctx, ActionGrantAccess, map[string]any{
		"graph-uuid": graphUUID,
		"targets":    targets,
	})
	return err
}

// QueryBlockContentVersions returns server-side content versions for blocks.
func (c *Client) QueryBlockContentVersions(ctx context.Context, graphUUID string, blockUUIDs []string) ([]BlockVersion, error) {
	result, err := c.Do(ctx, ActionQueryBlockVersions, map[string]any{
		"graph-uuid":  graphUUID,
		"block-uuids": blockUUIDs,
	})
	if err != nil {
		return nil, err
	}
	var out struct {
		Versions []BlockVersion `json:"versions"`
	}
	if err := json.Unmarshal(result, &out); err != nil {
		return nil, fmt.Errorf("failed to decode block versions: %w", err)
	}
	return out.Versions, nil
}

// RegisterDevice registers this device UUID with the server. Idempotent on
// the server side.
func (c *Client) RegisterDevice(ctx context.Context, deviceUUID string) error {
	_, err := c.Do(ctx, ActionRegisterDevice, map[string]any{
		"device-uuid": deviceUUID,
	})
	return err
}

// CalibrateResult is the server's answer to a calibrate request, reported
// once per connection open.
type CalibrateResult struct {
	SchemaVersion string `json:"schema-version"`
	RemoteClock   int64  `json:"t"`
}

// Calibrate reports the remote graph's schema version and logical clock.
func (c *Client) Calibrate(ctx context.Context, graphUUID string) (*CalibrateResult, error) {
	result, err := c.Do(ctx, ActionCalibrate, map[string]any{
		"graph-uuid": graphUUID,
	})
	if err != nil {
		return nil, err
	}
	var out CalibrateResult
	if err := json.Unmarshal(result, &out); err != nil {
		return nil, fmt.Errorf("failed to decode calibrate result: %w", err)
	}
	return &out, nil
}

// PushOps uploads a batch of local operations. Returns the remote logical
// clock after the batch was applied.
func (c *Client) PushOps(ctx context.Context, graphUUID string, ops []json.RawMessage) (int64, error) {
	result, err := c.Do(ctx, ActionPushOps, map[string]any{
		"graph-uuid": graphUUID,
		"ops":        ops,
	})
	if err != nil {
		return 0, err
	}
	var out struct {
		RemoteClock int64 `json:"t"`
	}
	if err := json.Unmarshal(result, &out); err != nil {
		return 0, fmt.Errorf("failed to decode push-ops result: %w", err)
	}
	return out.RemoteClock, nil
}

// PullUpdates fetches remote operations since the given logical clock.
func (c *Client) PullUpdates(ctx context.Context, graphUUID string, since int64) (json.RawMessage, error) {
	return c.Do(ctx, ActionPullUpdates, map[string]any{
		"graph-uuid": graphUUID,
		"since-t":    since,
	})
}

// UploadGraph creates a new remote graph from a local snapshot reference.
func (c *Client) UploadGraph(ctx context.Context, graphName, snapshotKey string) (json.RawMessage, error) {
	return c.Do(ctx, ActionUploadGraph, map[string]any{
		"graph-name":   graphName,
		"snapshot-key": snapshotKey,
	})
}

// BranchGraph forks an existing remote graph.
func (c *Client) BranchGraph(ctx context.Context, graphUUID, branchName string) (json.RawMessage, error) {
	return c.Do(ctx, ActionBranchGraph, map[string]any{
		"graph-uuid":  graphUUID,
		"branch-name": branchName,
	})
}

// RequestDownload asks the server to prepare a full graph snapshot.
func (c *Client) RequestDownload(ctx context.Context, graphUUID string) (json.RawMessage, error) {
	return c.Do(ctx, ActionRequestDownload, map[string]any{
		"graph-uuid": graphUUID,
	})
}

// AssetURL returns a presigned URL for one asset transfer. action is
// "upload" or "download".
func (c *Client) AssetURL(ctx context.Context, graphUUID, assetUUID, action string) (string, error) {
	result, err := c.Do(ctx, ActionGetAssetURL, map[string]any{
		"graph-uuid": graphUUID,
		"asset-uuid": assetUUID,
		"method":     action,
	})
	if err != nil {
		return "", err
	}
	var out struct {
		URL string `json:"url"`
	}
	if err := json.Unmarshal(result, &out); err != nil {
		return "", fmt.Errorf("failed to decode asset url: %w", err)
	}
	return out.URL, nil
}

// WaitDownloadReady blocks until a previously requested snapshot is ready,
// returning its download location.
func (c *Client) WaitDownloadReady(ctx context.Context, downloadID string) (json.RawMessage, error) {
	return c.Do(ctx, ActionWaitDownloadReady, map[string]any{
		"download-id": downloadID,
	})
}
