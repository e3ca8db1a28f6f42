package storage

import (
	"context"
	"os"
	"testing"
)

func TestMemoryStoreRoundTrip(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	if err := s.SetAttr(ctx, "actor1", BucketTrust, "peer1", []byte(`{"x":1}`)); err != nil {
		t.Fatalf("SetAttr: %v", err)
	}

	a, ok, err := s.GetAttr(ctx, "actor1", BucketTrust, "peer1")
	if err != nil || !ok {
		t.Fatalf("GetAttr: ok=%v err=%v", ok, err)
	}
	if string(a.Data) != `{"x":1}` {
		t.Fatalf("GetAttr data = %q", a.Data)
	}

	if err := s.DeleteAttr(ctx, "actor1", BucketTrust, "peer1"); err != nil {
		t.Fatalf("DeleteAttr: %v", err)
	}
	if _, ok, _ := s.GetAttr(ctx, "actor1", BucketTrust, "peer1"); ok {
		t.Fatal("expected attr to be gone after delete")
	}
}

func TestMemoryStoreCascadeDeleteBucket(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	_ = s.SetAttr(ctx, "actor1", BucketSubscriptions, "sub1", []byte("a"))
	_ = s.SetAttr(ctx, "actor1", BucketSubscriptions, "sub2", []byte("b"))

	if err := s.DeleteBucket(ctx, "actor1", BucketSubscriptions); err != nil {
		t.Fatalf("DeleteBucket: %v", err)
	}

	b, err := s.GetBucket(ctx, "actor1", BucketSubscriptions)
	if err != nil {
		t.Fatalf("GetBucket: %v", err)
	}
	if len(b) != 0 {
		t.Fatalf("expected empty bucket after cascade delete, got %d entries", len(b))
	}
}

func TestFileStoreSurvivesReopen(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	fs1, err := NewFileStore(dir)
	if err != nil {
		t.Fatalf("NewFileStore: %v", err)
	}
	if err := fs1.SetAttr(ctx, "actor1", BucketCircuitBreaker, "cb:peer1", []byte(`{"state":"closed"}`)); err != nil {
		t.Fatalf("SetAttr: %v", err)
	}
	if err := fs1.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	fs2, err := NewFileStore(dir)
	if err != nil {
		t.Fatalf("reopen NewFileStore: %v", err)
	}
	defer fs2.Close()

	a, ok, err := fs2.GetAttr(ctx, "actor1", BucketCircuitBreaker, "cb:peer1")
	if err != nil || !ok {
		t.Fatalf("GetAttr after reopen: ok=%v err=%v", ok, err)
	}
	if string(a.Data) != `{"state":"closed"}` {
		t.Fatalf("GetAttr after reopen data = %q", a.Data)
	}
}

func TestFileStoreSnapshotTruncatesWAL(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	fs, err := NewFileStore(dir)
	if err != nil {
		t.Fatalf("NewFileStore: %v", err)
	}
	defer fs.Close()

	_ = fs.SetAttr(ctx, "actor1", BucketTrust, "p1", []byte("v1"))
	if err := fs.Snapshot(); err != nil {
		t.Fatalf("Snapshot: %v", err)
	}

	info, err := os.Stat(dir + "/attrs.wal")
	if err != nil {
		t.Fatalf("stat wal: %v", err)
	}
	if info.Size() != 0 {
		t.Fatalf("expected WAL truncated after snapshot, size=%d", info.Size())
	}

	a, ok, _ := fs.GetAttr(ctx, "actor1", BucketTrust, "p1")
	if !ok || string(a.Data) != "v1" {
		t.Fatalf("value lost across snapshot: ok=%v data=%q", ok, a.Data)
	}
}
