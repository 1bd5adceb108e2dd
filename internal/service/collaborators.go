package service

import (
	"context"
	"encoding/json"
	"fmt"
	"log"

	"github.com/pagegraph/pagesync/internal/device"
	"github.com/pagegraph/pagesync/internal/engine"
	"github.com/pagegraph/pagesync/internal/graphdb"
	"github.com/pagegraph/pagesync/internal/ws"
)

// pushBatch bounds how many pending ops one push takes off the queue.
const pushBatch = 100

// storeAdapter exposes graphdb.DB through the engine's Store interface,
// converting the user record shape at the boundary.
type storeAdapter struct {
	db *graphdb.DB
}

func (s *storeAdapter) PendingOpCount() (int64, error)    { return s.db.PendingOpCount() }
func (s *storeAdapter) PendingAssetCount() (int64, error) { return s.db.PendingAssetCount() }

func (s *storeAdapter) SetRemoteSchemaVersion(v string) error {
	return s.db.SetRemoteSchemaVersion(v)
}

func (s *storeAdapter) Clocks() (int64, int64, error) { return s.db.Clocks() }

func (s *storeAdapter) UsersByIDs(ids []string) ([]engine.UserInfo, error) {
	users, err := s.db.UsersByIDs(ids)
	if err != nil {
		return nil, err
	}
	out := make([]engine.UserInfo, len(users))
	for i, u := range users {
		out[i] = engine.UserInfo{ID: u.ID, Name: u.Name, Email: u.Email, Avatar: u.Avatar}
	}
	return out, nil
}

// updateBatch is the wire shape of a remote update: the ops plus the remote
// logical clock range they cover.
type updateBatch struct {
	SinceT int64             `json:"since-t"`
	T      int64             `json:"t"`
	Ops    []json.RawMessage `json:"ops"`
	Users  []ws.UserInfo     `json:"users,omitempty"`
}

// remoteApplier merges remote update batches into the local database.
type remoteApplier struct {
	db     *graphdb.DB
	logger *log.Logger
}

// Apply decodes a batch and advances the remote clock. A batch whose since-t
// is ahead of our recorded remote clock has a gap in front of it: applying it
// would silently skip operations, so the applier demands a full pull instead.
func (a *remoteApplier) Apply(ctx context.Context, graphUUID string, payload json.RawMessage) error {
	var batch updateBatch
	if err := json.Unmarshal(payload, &batch); err != nil {
		return fmt.Errorf("failed to decode update batch: %w", err)
	}

	_, remote, err := a.db.Clocks()
	if err != nil {
		return fmt.Errorf("failed to read clocks: %w", err)
	}
	if batch.SinceT > remote {
		return fmt.Errorf("update starts at t=%d but local remote clock is %d: %w",
			batch.SinceT, remote, engine.ErrNeedsFullPull)
	}
	if batch.T <= remote {
		// Already seen; pushes echo back through the push stream.
		return nil
	}

	if len(batch.Users) > 0 {
		users := make([]graphdb.User, len(batch.Users))
		for i, u := range batch.Users {
			users[i] = graphdb.User{ID: u.ID, Name: u.Name, Email: u.Email, Avatar: u.Avatar}
		}
		if err := a.db.UpsertUsers(users); err != nil {
			return fmt.Errorf("failed to materialize users: %w", err)
		}
	}

	a.logger.Printf("applied %d remote ops, t %d -> %d", len(batch.Ops), remote, batch.T)
	if err := a.db.SetRemoteClock(batch.T); err != nil {
		return fmt.Errorf("failed to advance remote clock: %w", err)
	}
	return nil
}

// opsPusher uploads queued local operations.
type opsPusher struct {
	db        *graphdb.DB
	provider  *ws.Provider
	graphUUID string
	logger    *log.Logger
}

// Push uploads the oldest queued batch. Ops are deleted only after the server
// acknowledges them: a failed push leaves the batch queued under its original
// ids, so edits enqueued during the failure still sort behind it on retry,
// and a crash mid-push re-sends rather than loses the batch.
func (p *opsPusher) Push(ctx context.Context) error {
	ops, err := p.db.PeekPendingOps(pushBatch)
	if err != nil {
		return fmt.Errorf("failed to read pending ops: %w", err)
	}
	if len(ops) == 0 {
		return nil
	}

	payloads := make([]json.RawMessage, len(ops))
	for i, op := range ops {
		payloads[i] = json.RawMessage(op.Payload)
	}

	client, err := p.provider.Acquire(ctx)
	if err != nil {
		return err
	}
	t, err := client.PushOps(ctx, p.graphUUID, payloads)
	if err != nil {
		return err
	}

	ids := make([]int64, len(ops))
	for i, op := range ops {
		ids[i] = op.ID
	}
	if err := p.db.DeletePendingOps(ids); err != nil {
		return fmt.Errorf("failed to clear acknowledged ops: %w", err)
	}

	p.logger.Printf("pushed %d ops, remote t=%d", len(ops), t)
	if err := p.db.SetRemoteClock(t); err != nil {
		return fmt.Errorf("failed to record remote clock: %w", err)
	}
	if _, err := p.db.BumpLocalClock(); err != nil {
		return fmt.Errorf("failed to bump local clock: %w", err)
	}
	return nil
}

// dataPuller fetches remote updates.
type dataPuller struct {
	db        *graphdb.DB
	provider  *ws.Provider
	applier   *remoteApplier
	graphUUID string
	logger    *log.Logger
}

func (p *dataPuller) Pull(ctx context.Context) error {
	_, remote, err := p.db.Clocks()
	if err != nil {
		return fmt.Errorf("failed to read clocks: %w", err)
	}
	return p.pullSince(ctx, remote)
}

// FullPull re-fetches from the beginning of the remote history, the fallback
// when incremental application cannot proceed.
func (p *dataPuller) FullPull(ctx context.Context) error {
	p.logger.Printf("full pull requested")
	return p.pullSince(ctx, 0)
}

func (p *dataPuller) pullSince(ctx context.Context, since int64) error {
	client, err := p.provider.Acquire(ctx)
	if err != nil {
		return err
	}
	payload, err := client.PullUpdates(ctx, p.graphUUID, since)
	if err != nil {
		return err
	}
	return p.applier.Apply(ctx, p.graphUUID, payload)
}

// migrator synthesizes local migration ops when local and remote schema
// versions diverge within the same major.
type migrator struct {
	db     *graphdb.DB
	logger *log.Logger
}

func (m *migrator) InjectMigrationOps(ctx context.Context) error {
	local, err := m.db.SchemaVersion()
	if err != nil {
		return fmt.Errorf("failed to read schema version: %w", err)
	}
	remote, err := m.db.RemoteSchemaVersion()
	if err != nil {
		return fmt.Errorf("failed to read remote schema version: %w", err)
	}
	if local == remote || remote == "" {
		return nil
	}

	payload, err := json.Marshal(map[string]string{"from": local, "to": remote})
	if err != nil {
		return fmt.Errorf("failed to encode migration op: %w", err)
	}
	if err := m.db.EnqueueOp("schema-migration", payload); err != nil {
		return fmt.Errorf("failed to enqueue migration op: %w", err)
	}
	m.logger.Printf("queued schema migration %s -> %s", local, remote)
	return nil
}

// sessionOpener performs the per-loop connection bring-up: device
// registration and clock calibration.
type sessionOpener struct {
	db       *graphdb.DB
	provider *ws.Provider
	logger   *log.Logger
}

func (o *sessionOpener) OpenSession(ctx context.Context, graphUUID string) (string, error) {
	client, err := o.provider.Acquire(ctx)
	if err != nil {
		return "", err
	}

	deviceID, err := device.EnsureRegistered(ctx, client, o.db)
	if err != nil {
		return "", err
	}
	o.logger.Printf("device %s registered", deviceID)

	cal, err := client.Calibrate(ctx, graphUUID)
	if err != nil {
		return "", fmt.Errorf("failed to calibrate: %w", err)
	}
	return cal.SchemaVersion, nil
}

// presenceInjector asks the server to re-send authoritative user info.
type presenceInjector struct {
	provider *ws.Provider
}

func (i *presenceInjector) InjectPresence(ctx context.Context, graphUUID string) error {
	client, err := i.provider.Acquire(ctx)
	if err != nil {
		return err
	}
	return client.InjectUsersInfo(ctx, graphUUID)
}

// wsURLSource resolves asset transfers to presigned URLs over the socket.
type wsURLSource struct {
	provider  *ws.Provider
	graphUUID string
}

func (u *wsURLSource) AssetURL(ctx context.Context, assetUUID, action string) (string, error) {
	client, err := u.provider.Acquire(ctx)
	if err != nil {
		return "", err
	}
	return client.AssetURL(ctx, u.graphUUID, assetUUID, action)
}
