package graphdb

import (
	"path/filepath"
	"testing"
)

// setupTestDB creates a temporary database for testing.
func setupTestDB(t *testing.T) *DB {
	t.Helper()

	dbPath := filepath.Join(t.TempDir(), "graph.db")
	db, err := Open(dbPath)
	if err != nil {
		t.Fatalf("failed to open test database: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	if err := db.InitSchema(); err != nil {
		t.Fatalf("failed to initialize schema: %v", err)
	}
	return db
}

func TestMetadataRoundTrip(t *testing.T) {
	db := setupTestDB(t)

	// Unset keys read as empty.
	got, err := db.GraphUUID()
	if err != nil {
		t.Fatalf("GraphUUID: %v", err)
	}
	if got != "" {
		t.Errorf("expected empty graph uuid, got %q", got)
	}

	if err := db.SetGraphUUID("8f14e45f-ceea-467f-9c0e-0d5ad4b0e001"); err != nil {
		t.Fatalf("SetGraphUUID: %v", err)
	}
	if err := db.SetSchemaVersion("v3.2"); err != nil {
		t.Fatalf("SetSchemaVersion: %v", err)
	}
	if err := db.SetRemoteSchemaVersion("v3.5"); err != nil {
		t.Fatalf("SetRemoteSchemaVersion: %v", err)
	}

	tests := []struct {
		name string
		get  func() (string, error)
		want string
	}{
		{"graph uuid", db.GraphUUID, "8f14e45f-ceea-467f-9c0e-0d5ad4b0e001"},
		{"schema version", db.SchemaVersion, "v3.2"},
		{"remote schema version", db.RemoteSchemaVersion, "v3.5"},
	}
	for _, tt := range tests {
		got, err := tt.get()
		if err != nil {
			t.Errorf("%s: %v", tt.name, err)
			continue
		}
		if got != tt.want {
			t.Errorf("%s: got %q, want %q", tt.name, got, tt.want)
		}
	}

	// Overwrite replaces, not duplicates.
	if err := db.SetRemoteSchemaVersion("v3.6"); err != nil {
		t.Fatalf("SetRemoteSchemaVersion overwrite: %v", err)
	}
	got, err = db.RemoteSchemaVersion()
	if err != nil {
		t.Fatalf("RemoteSchemaVersion: %v", err)
	}
	if got != "v3.6" {
		t.Errorf("expected v3.6 after overwrite, got %q", got)
	}
}

func TestLogicalClocks(t *testing.T) {
	db := setupTestDB(t)

	local, remote, err := db.Clocks()
	if err != nil {
		t.Fatalf("Clocks: %v", err)
	}
	if local != 0 || remote != 0 {
		t.Errorf("fresh clocks should be zero, got local=%d remote=%d", local, remote)
	}

	for i := int64(1); i <= 3; i++ {
		got, err := db.BumpLocalClock()
		if err != nil {
			t.Fatalf("BumpLocalClock: %v", err)
		}
		if got != i {
			t.Errorf("bump %d: got %d", i, got)
		}
	}

	if err := db.SetRemoteClock(42); err != nil {
		t.Fatalf("SetRemoteClock: %v", err)
	}

	local, remote, err = db.Clocks()
	if err != nil {
		t.Fatalf("Clocks: %v", err)
	}
	if local != 3 {
		t.Errorf("local clock: got %d, want 3", local)
	}
	if remote != 42 {
		t.Errorf("remote clock: got %d, want 42", remote)
	}
}

func TestPendingOps(t *testing.T) {
	db := setupTestDB(t)

	n, err := db.PendingOpCount()
	if err != nil {
		t.Fatalf("PendingOpCount: %v", err)
	}
	if n != 0 {
		t.Errorf("expected 0 pending ops, got %d", n)
	}

	if err := db.EnqueueOp("update-block", []byte(`{"block":"b1"}`)); err != nil {
		t.Fatalf("EnqueueOp: %v", err)
	}
	if err := db.EnqueueOp("move-block", []byte(`{"block":"b2"}`)); err != nil {
		t.Fatalf("EnqueueOp: %v", err)
	}
	if err := db.EnqueueOp("delete-block", []byte(`{"block":"b3"}`)); err != nil {
		t.Fatalf("EnqueueOp: %v", err)
	}

	n, err = db.PendingOpCount()
	if err != nil {
		t.Fatalf("PendingOpCount: %v", err)
	}
	if n != 3 {
		t.Errorf("expected 3 pending ops, got %d", n)
	}

	// Peek preserves insertion order and leaves the queue untouched.
	ops, err := db.PeekPendingOps(2)
	if err != nil {
		t.Fatalf("PeekPendingOps: %v", err)
	}
	if len(ops) != 2 {
		t.Fatalf("expected 2 ops, got %d", len(ops))
	}
	if ops[0].Kind != "update-block" || ops[1].Kind != "move-block" {
		t.Errorf("unexpected op order: %s, %s", ops[0].Kind, ops[1].Kind)
	}
	n, err = db.PendingOpCount()
	if err != nil {
		t.Fatalf("PendingOpCount: %v", err)
	}
	if n != 3 {
		t.Errorf("expected 3 pending ops after peek, got %d", n)
	}

	// Delete drains exactly the acknowledged ids.
	if err := db.DeletePendingOps([]int64{ops[0].ID, ops[1].ID}); err != nil {
		t.Fatalf("DeletePendingOps: %v", err)
	}
	n, err = db.PendingOpCount()
	if err != nil {
		t.Fatalf("PendingOpCount: %v", err)
	}
	if n != 1 {
		t.Errorf("expected 1 pending op after delete, got %d", n)
	}
	rest, err := db.PeekPendingOps(10)
	if err != nil {
		t.Fatalf("PeekPendingOps: %v", err)
	}
	if len(rest) != 1 || rest[0].Kind != "delete-block" {
		t.Errorf("unexpected remainder: %+v", rest)
	}
}

func TestPendingAssets(t *testing.T) {
	db := setupTestDB(t)

	if err := db.EnqueueAsset("a-1", "upload", "/tmp/a1.png"); err != nil {
		t.Fatalf("EnqueueAsset: %v", err)
	}
	if err := db.EnqueueAsset("a-2", "download", ""); err != nil {
		t.Fatalf("EnqueueAsset: %v", err)
	}

	n, err := db.PendingAssetCount()
	if err != nil {
		t.Fatalf("PendingAssetCount: %v", err)
	}
	if n != 2 {
		t.Errorf("expected 2 pending assets, got %d", n)
	}

	assets, err := db.TakePendingAssets(10)
	if err != nil {
		t.Fatalf("TakePendingAssets: %v", err)
	}
	if len(assets) != 2 {
		t.Fatalf("expected 2 assets, got %d", len(assets))
	}
	if assets[0].AssetUUID != "a-1" || assets[0].Action != "upload" {
		t.Errorf("unexpected first asset: %+v", assets[0])
	}

	n, err = db.PendingAssetCount()
	if err != nil {
		t.Fatalf("PendingAssetCount: %v", err)
	}
	if n != 0 {
		t.Errorf("expected 0 pending assets after take, got %d", n)
	}
}

func TestUsers(t *testing.T) {
	db := setupTestDB(t)

	users := []User{
		{ID: "u1", Name: "Ada", Email: "ada@example.com", Avatar: "https://cdn/a.png"},
		{ID: "u2", Name: "Grace", Email: "grace@example.com"},
	}
	if err := db.UpsertUsers(users); err != nil {
		t.Fatalf("UpsertUsers: %v", err)
	}

	got, err := db.UsersByIDs([]string{"u1", "u2", "u3"})
	if err != nil {
		t.Fatalf("UsersByIDs: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 users, got %d", len(got))
	}
	if got[0].Name != "Ada" || got[1].Name != "Grace" {
		t.Errorf("unexpected users: %+v", got)
	}

	// Upsert updates in place.
	if err := db.UpsertUsers([]User{{ID: "u1", Name: "Ada L.", Email: "ada@example.com"}}); err != nil {
		t.Fatalf("UpsertUsers update: %v", err)
	}
	got, err = db.UsersByIDs([]string{"u1"})
	if err != nil {
		t.Fatalf("UsersByIDs: %v", err)
	}
	if len(got) != 1 || got[0].Name != "Ada L." {
		t.Errorf("expected updated name, got %+v", got)
	}
}

func TestDeleteSyncMetadata(t *testing.T) {
	db := setupTestDB(t)

	if err := db.SetGraphUUID("g-1"); err != nil {
		t.Fatal(err)
	}
	if err := db.SetSchemaVersion("v3.2"); err != nil {
		t.Fatal(err)
	}
	if err := db.SetDeviceUUID("d-1"); err != nil {
		t.Fatal(err)
	}
	if err := db.EnqueueOp("update-block", nil); err != nil {
		t.Fatal(err)
	}
	if err := db.UpsertUsers([]User{{ID: "u1", Name: "Ada"}}); err != nil {
		t.Fatal(err)
	}

	if err := db.DeleteSyncMetadata(); err != nil {
		t.Fatalf("DeleteSyncMetadata: %v", err)
	}

	uuid, err := db.GraphUUID()
	if err != nil {
		t.Fatal(err)
	}
	if uuid != "" {
		t.Errorf("graph uuid should be cleared, got %q", uuid)
	}

	n, err := db.PendingOpCount()
	if err != nil {
		t.Fatal(err)
	}
	if n != 0 {
		t.Errorf("pending ops should be cleared, got %d", n)
	}

	// Device identity survives a graph wipe.
	device, err := db.DeviceUUID()
	if err != nil {
		t.Fatal(err)
	}
	if device != "d-1" {
		t.Errorf("device uuid should survive, got %q", device)
	}
}
