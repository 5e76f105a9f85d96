package blob

import (
	"bytes"
	"context"
	"testing"
)

func eachStore(t *testing.T, run func(t *testing.T, store Store)) {
	t.Helper()

	t.Run("memory", func(t *testing.T) {
		run(t, NewMemoryStore(nil))
	})
	t.Run("sqlite", func(t *testing.T) {
		store, err := NewSQLiteStore(t.TempDir(), nil)
		if err != nil {
			t.Fatalf("NewSQLiteStore: %v", err)
		}
		t.Cleanup(func() { _ = store.Close() })
		run(t, store)
	})
}

func TestPutGet_RoundTrip(t *testing.T) {
	eachStore(t, func(t *testing.T, store Store) {
		ctx := context.Background()
		ptr := Pointer{Bucket: "previews", Key: "ws/prj_a/job_1.png"}
		in := &Blob{
			Bytes:        []byte("png-bytes"),
			ContentType:  "image/png",
			CacheControl: "max-age=60",
			Metadata:     map[string]string{"width": "512"},
		}

		if err := store.Put(ctx, ptr, in); err != nil {
			t.Fatalf("Put: %v", err)
		}
		got, err := store.Get(ctx, ptr)
		if err != nil {
			t.Fatalf("Get: %v", err)
		}
		if got == nil || !bytes.Equal(got.Bytes, in.Bytes) {
			t.Fatalf("Get bytes = %v, want %v", got, in.Bytes)
		}
		if got.ContentType != in.ContentType || got.CacheControl != in.CacheControl {
			t.Errorf("headers = %s/%s, want %s/%s", got.ContentType, got.CacheControl, in.ContentType, in.CacheControl)
		}
		if got.Metadata["width"] != "512" {
			t.Errorf("metadata = %v, want width=512", got.Metadata)
		}
		if got.UpdatedAt.IsZero() {
			t.Error("UpdatedAt not set")
		}
	})
}

func TestPut_Overwrites(t *testing.T) {
	eachStore(t, func(t *testing.T, store Store) {
		ctx := context.Background()
		ptr := Pointer{Bucket: "previews", Key: "k"}

		_ = store.Put(ctx, ptr, &Blob{Bytes: []byte("first"), ContentType: "text/plain"})
		if err := store.Put(ctx, ptr, &Blob{Bytes: []byte("second"), ContentType: "text/plain"}); err != nil {
			t.Fatalf("Put overwrite: %v", err)
		}

		got, _ := store.Get(ctx, ptr)
		if string(got.Bytes) != "second" {
			t.Errorf("bytes after overwrite = %q, want second", got.Bytes)
		}
	})
}

func TestGet_MissingAndDelete(t *testing.T) {
	eachStore(t, func(t *testing.T, store Store) {
		ctx := context.Background()
		ptr := Pointer{Bucket: "previews", Key: "gone"}

		got, err := store.Get(ctx, ptr)
		if err != nil || got != nil {
			t.Errorf("Get missing = %v err=%v, want nil", got, err)
		}

		_ = store.Put(ctx, ptr, &Blob{Bytes: []byte("x"), ContentType: "text/plain"})
		if err := store.Delete(ctx, ptr); err != nil {
			t.Fatalf("Delete: %v", err)
		}
		got, _ = store.Get(ctx, ptr)
		if got != nil {
			t.Errorf("Get after delete = %v, want nil", got)
		}
	})
}

func TestSQLite_ChunksLargeBlobs(t *testing.T) {
	store, err := NewSQLiteStore(t.TempDir(), nil)
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	defer store.Close()

	ctx := context.Background()
	big := make([]byte, chunkSize*2+123)
	for i := range big {
		big[i] = byte(i)
	}
	ptr := Pointer{Bucket: "exports", Key: "big.bin"}
	if err := store.Put(ctx, ptr, &Blob{Bytes: big, ContentType: "application/octet-stream"}); err != nil {
		t.Fatalf("Put: %v", err)
	}

	var chunks int
	if err := store.db.QueryRow(
		`SELECT COUNT(*) FROM blob_chunks WHERE bucket = ? AND key = ?`, ptr.Bucket, ptr.Key,
	).Scan(&chunks); err != nil {
		t.Fatalf("count chunks: %v", err)
	}
	if chunks != 3 {
		t.Errorf("chunks = %d, want 3", chunks)
	}

	got, err := store.Get(ctx, ptr)
	if err != nil || !bytes.Equal(got.Bytes, big) {
		t.Errorf("large blob round trip failed (err %v, %d bytes)", err, len(got.Bytes))
	}
}
