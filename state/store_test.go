package state

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/gurre/sitestack/integration/mock"
	"github.com/gurre/sitestack/resource"
)

func sampleSnapshot() Snapshot {
	snap := NewSnapshot("example.org")
	snap.Serial = 3
	snap.LastRunID = "01J00000000000000000000000"
	snap.Put(Resource{
		Address:    "bucket.site",
		Kind:       resource.KindBucket,
		PhysicalID: "example.org",
		ARN:        "arn:aws:s3:::example.org",
		Attributes: map[string]string{"name": "example.org", "region": "us-east-1"},
		Outputs:    map[string]string{"regional_domain_name": "example.org.s3.us-east-1.amazonaws.com"},
		Status:     StatusApplied,
	})
	snap.Outputs = map[string]string{"bucket_name": "example.org"}
	return snap
}

func TestMemoryStore_SaveLoad(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	snap := sampleSnapshot()
	if err := store.Save(ctx, snap); err != nil {
		t.Fatalf("failed to save state: %v", err)
	}

	loaded, err := store.Load(ctx)
	if err != nil {
		t.Fatalf("failed to load state: %v", err)
	}
	if loaded.Lineage != snap.Lineage {
		t.Errorf("Lineage mismatch: got %s, want %s", loaded.Lineage, snap.Lineage)
	}
	if loaded.Serial != snap.Serial {
		t.Errorf("Serial mismatch: got %d, want %d", loaded.Serial, snap.Serial)
	}
	r, ok := loaded.Get("bucket.site")
	if !ok {
		t.Fatal("expected bucket.site to be recorded")
	}
	if r.PhysicalID != "example.org" {
		t.Errorf("PhysicalID mismatch: got %s, want example.org", r.PhysicalID)
	}
	if store.Saves() != 1 {
		t.Errorf("expected 1 save, got %d", store.Saves())
	}
}

func TestMemoryStore_SaveIsolatesCaller(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	snap := sampleSnapshot()
	if err := store.Save(ctx, snap); err != nil {
		t.Fatalf("failed to save state: %v", err)
	}
	// Mutating the caller's copy must not leak into the store
	snap.Resources["bucket.site"].Attributes["name"] = "changed"
	snap.Remove("bucket.site")

	loaded, _ := store.Load(ctx)
	r, ok := loaded.Get("bucket.site")
	if !ok {
		t.Fatal("expected bucket.site to survive caller mutation")
	}
	if r.Attributes["name"] != "example.org" {
		t.Errorf("expected stored attribute to be unchanged, got %s", r.Attributes["name"])
	}
}

func TestMemoryStore_EmptyState(t *testing.T) {
	store := NewMemoryStore()

	snap, err := store.Load(context.Background())
	if err != nil {
		t.Fatalf("failed to load empty state: %v", err)
	}
	if !snap.IsEmpty() {
		t.Error("expected empty snapshot")
	}
	if snap.Lineage != "" {
		t.Errorf("expected empty lineage, got %s", snap.Lineage)
	}
}

func TestFileStore_SaveLoad(t *testing.T) {
	tmpDir := t.TempDir()
	uri := "file://" + filepath.Join(tmpDir, "nested", "dir", "state.json")

	store, err := NewFileStore(uri)
	if err != nil {
		t.Fatalf("failed to create file store: %v", err)
	}

	ctx := context.Background()
	snap := sampleSnapshot()
	if err := store.Save(ctx, snap); err != nil {
		t.Fatalf("failed to save state: %v", err)
	}

	if _, err := os.Stat(store.Path()); err != nil {
		t.Fatalf("expected state file to exist: %v", err)
	}
	if _, err := os.Stat(store.Path() + ".tmp"); !os.IsNotExist(err) {
		t.Error("expected temporary file to be renamed away")
	}

	loaded, err := store.Load(ctx)
	if err != nil {
		t.Fatalf("failed to load state: %v", err)
	}
	if loaded.Domain != "example.org" {
		t.Errorf("Domain mismatch: got %s, want example.org", loaded.Domain)
	}
	r, _ := loaded.Get("bucket.site")
	if r.Kind != resource.KindBucket {
		t.Errorf("Kind mismatch: got %s, want %s", r.Kind, resource.KindBucket)
	}
	if r.Output("regional_domain_name") != "example.org.s3.us-east-1.amazonaws.com" {
		t.Errorf("unexpected output: %s", r.Output("regional_domain_name"))
	}
}

func TestFileStore_MissingFile(t *testing.T) {
	uri := "file://" + filepath.Join(t.TempDir(), "missing.json")
	store, err := NewFileStore(uri)
	if err != nil {
		t.Fatalf("failed to create file store: %v", err)
	}

	snap, err := store.Load(context.Background())
	if err != nil {
		t.Fatalf("expected missing file to load as empty state, got: %v", err)
	}
	if !snap.IsEmpty() {
		t.Error("expected empty snapshot")
	}
}

func TestFileStore_CorruptFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.json")
	if err := os.WriteFile(path, []byte("{not json"), 0644); err != nil {
		t.Fatalf("failed to write file: %v", err)
	}
	store, err := NewFileStore("file://" + path)
	if err != nil {
		t.Fatalf("failed to create file store: %v", err)
	}
	if _, err := store.Load(context.Background()); err == nil {
		t.Error("expected error for corrupt state file")
	}
}

func TestFileStore_NewerVersionRejected(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.json")
	if err := os.WriteFile(path, []byte(`{"version": 99, "resources": {}}`), 0644); err != nil {
		t.Fatalf("failed to write file: %v", err)
	}
	store, _ := NewFileStore("file://" + path)
	if _, err := store.Load(context.Background()); err == nil {
		t.Error("expected error for newer state version")
	}
}

func TestFileStore_InvalidURI(t *testing.T) {
	testCases := []string{
		"http://example.com/state.json",
		"file://relative/state.json",
	}
	for _, uri := range testCases {
		t.Run(uri, func(t *testing.T) {
			if _, err := NewFileStore(uri); err == nil {
				t.Errorf("expected error for URI: %s", uri)
			}
		})
	}
}

func TestS3Store_SaveLoad(t *testing.T) {
	acct := mock.NewAccount()
	acct.AddBucket("state-bucket")

	store, err := NewS3Store(acct.S3(), "s3://state-bucket/sites/example.org.json")
	if err != nil {
		t.Fatalf("failed to create S3 store: %v", err)
	}

	ctx := context.Background()
	snap := sampleSnapshot()
	if err := store.Save(ctx, snap); err != nil {
		t.Fatalf("failed to save state: %v", err)
	}
	if _, ok := acct.Object("state-bucket", "sites/example.org.json"); !ok {
		t.Fatal("expected state object to be written")
	}

	loaded, err := store.Load(ctx)
	if err != nil {
		t.Fatalf("failed to load state: %v", err)
	}
	if loaded.Lineage != snap.Lineage {
		t.Errorf("Lineage mismatch: got %s, want %s", loaded.Lineage, snap.Lineage)
	}
	if loaded.Outputs["bucket_name"] != "example.org" {
		t.Errorf("expected bucket_name output, got %v", loaded.Outputs)
	}
}

func TestS3Store_MissingObject(t *testing.T) {
	acct := mock.NewAccount()
	acct.AddBucket("state-bucket")

	store, err := NewS3Store(acct.S3(), "s3://state-bucket/absent.json")
	if err != nil {
		t.Fatalf("failed to create S3 store: %v", err)
	}
	snap, err := store.Load(context.Background())
	if err != nil {
		t.Fatalf("expected missing object to load as empty state, got: %v", err)
	}
	if !snap.IsEmpty() {
		t.Error("expected empty snapshot")
	}
}

func TestS3Store_MissingBucket(t *testing.T) {
	acct := mock.NewAccount()
	store, err := NewS3Store(acct.S3(), "s3://no-such-bucket/state.json")
	if err != nil {
		t.Fatalf("failed to create S3 store: %v", err)
	}
	if _, err := store.Load(context.Background()); err == nil {
		t.Error("expected error when the state bucket does not exist")
	}
}

func TestNewStore(t *testing.T) {
	acct := mock.NewAccount()

	s, err := NewStore("s3://bucket/key.json", acct.S3())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, ok := s.(*S3Store); !ok {
		t.Errorf("expected *S3Store, got %T", s)
	}

	s, err = NewStore("file://"+filepath.Join(t.TempDir(), "s.json"), nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, ok := s.(*FileStore); !ok {
		t.Errorf("expected *FileStore, got %T", s)
	}

	if _, err := NewStore("s3://bucket/key.json", nil); err == nil {
		t.Error("expected error for s3 store without client")
	}
	if _, err := NewStore("gs://bucket/key.json", nil); err == nil {
		t.Error("expected error for unsupported scheme")
	}
	if _, err := NewStore("s3://bucket", acct.S3()); err == nil {
		t.Error("expected error for s3 URI without key")
	}
}

func TestParseS3URI(t *testing.T) {
	bucket, key, err := ParseS3URI("s3://journal-bucket/runs/example.org")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if bucket != "journal-bucket" || key != "runs/example.org" {
		t.Errorf("got bucket=%s key=%s", bucket, key)
	}

	if _, _, err := ParseS3URI("file:///tmp/x"); err == nil {
		t.Error("expected error for non-s3 scheme")
	}
	if _, _, err := ParseS3URI("s3:///key"); err == nil {
		t.Error("expected error for missing bucket")
	}
}
