package service

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"

	"github.com/pagegraph/pagesync/internal/graphdb"
	"github.com/pagegraph/pagesync/internal/ws"
)

// GetGraphs lists the remote graphs visible to the configured token.
func (s *Service) GetGraphs(ctx context.Context) ([]ws.GraphInfo, error) {
	client, err := s.provider.Acquire(ctx)
	if err != nil {
		return nil, err
	}
	return client.ListGraphs(ctx)
}

// GetUsersInfo returns the users with access to a graph and materializes
// their identity records locally for presence diffing.
func (s *Service) GetUsersInfo(ctx context.Context, graphUUID string) ([]ws.UserInfo, error) {
	client, err := s.provider.Acquire(ctx)
	if err != nil {
		return nil, err
	}
	users, err := client.GetUsersInfo(ctx, graphUUID)
	if err != nil {
		return nil, err
	}

	records := make([]graphdb.User, len(users))
	for i, u := range users {
		records[i] = graphdb.User{ID: u.ID, Name: u.Name, Email: u.Email, Avatar: u.Avatar}
	}
	if err := s.db.UpsertUsers(records); err != nil {
		return nil, fmt.Errorf("failed to materialize users: %w", err)
	}
	return users, nil
}

// GetBlockContentVersions queries server-side content versions for blocks.
func (s *Service) GetBlockContentVersions(ctx context.Context, graphUUID string, blockUUIDs []string) ([]ws.BlockVersion, error) {
	client, err := s.provider.Acquire(ctx)
	if err != nil {
		return nil, err
	}
	return client.QueryBlockContentVersions(ctx, graphUUID, blockUUIDs)
}

// DeleteGraph removes a remote graph. Deleting the graph this database is
// bound to additionally stops the loop and wipes the local sync metadata;
// deleting any other graph leaves local state untouched.
func (s *Service) DeleteGraph(ctx context.Context, graphUUID string) error {
	active, err := s.db.GraphUUID()
	if err != nil {
		return fmt.Errorf("failed to read graph identifier: %w", err)
	}

	schemaVersion := ""
	if graphUUID == active {
		if schemaVersion, err = s.db.SchemaVersion(); err != nil {
			return fmt.Errorf("failed to read schema version: %w", err)
		}
	}

	client, err := s.provider.Acquire(ctx)
	if err != nil {
		return err
	}
	if err := client.DeleteGraph(ctx, graphUUID, schemaVersion); err != nil {
		return err
	}

	if graphUUID == active {
		if err := s.Stop(ctx); err != nil {
			s.logger.Printf("stop after delete failed: %v", err)
		}
		if err := s.db.DeleteSyncMetadata(); err != nil {
			return fmt.Errorf("failed to wipe sync metadata: %w", err)
		}
		s.logger.Printf("deleted active graph %s, local sync metadata wiped", graphUUID)
	}
	return nil
}

// GrantAccess shares a graph with the target users or emails.
func (s *Service) GrantAccess(ctx context.Context, graphUUID string, targets []string) error {
	client, err := s.provider.Acquire(ctx)
	if err != nil {
		return err
	}
	return client.GrantAccess(ctx, graphUUID, targets)
}

// UploadGraph creates a new remote graph from a local snapshot reference.
func (s *Service) UploadGraph(ctx context.Context, graphName, snapshotKey string) (json.RawMessage, error) {
	client, err := s.provider.Acquire(ctx)
	if err != nil {
		return nil, err
	}
	return client.UploadGraph(ctx, graphName, snapshotKey)
}

// BranchGraph forks an existing remote graph.
func (s *Service) BranchGraph(ctx context.Context, graphUUID, branchName string) (json.RawMessage, error) {
	client, err := s.provider.Acquire(ctx)
	if err != nil {
		return nil, err
	}
	return client.BranchGraph(ctx, graphUUID, branchName)
}

// RequestDownload asks the server to prepare a full graph snapshot.
func (s *Service) RequestDownload(ctx context.Context, graphUUID string) (json.RawMessage, error) {
	client, err := s.provider.Acquire(ctx)
	if err != nil {
		return nil, err
	}
	return client.RequestDownload(ctx, graphUUID)
}

// WaitDownloadReady blocks until a requested snapshot is ready.
func (s *Service) WaitDownloadReady(ctx context.Context, downloadID string) (json.RawMessage, error) {
	client, err := s.provider.Acquire(ctx)
	if err != nil {
		return nil, err
	}
	return client.WaitDownloadReady(ctx, downloadID)
}

// DownloadFromS3 fetches a prepared snapshot from its presigned URL into
// dest. Byte transfer only; importing the snapshot is the application's job.
func (s *Service) DownloadFromS3(ctx context.Context, url, dest string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("snapshot download returned %s", resp.Status)
	}

	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return fmt.Errorf("failed to create destination directory: %w", err)
	}
	tmp := dest + ".part"
	out, err := os.Create(tmp)
	if err != nil {
		return fmt.Errorf("failed to create snapshot file: %w", err)
	}
	if _, err := io.Copy(out, resp.Body); err != nil {
		out.Close()
		os.Remove(tmp)
		return fmt.Errorf("failed to write snapshot: %w", err)
	}
	if err := out.Close(); err != nil {
		os.Remove(tmp)
		return err
	}
	if err := os.Rename(tmp, dest); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to move snapshot into place: %w", err)
	}
	return nil
}
