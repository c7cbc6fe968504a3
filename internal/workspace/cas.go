package workspace

import (
	"context"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"

	digest "github.com/opencontainers/go-digest"
)

// BlobStore is a content-addressed store of file contents, laid out as
// <dir>/<algorithm>/<encoded>. It backs snapshot restore and replay.
type BlobStore struct {
	dir string
}

// NewBlobStore opens (or lazily creates) a blob store rooted at dir.
func NewBlobStore(dir string) *BlobStore {
	return &BlobStore{dir: dir}
}

func (s *BlobStore) blobPath(d digest.Digest) string {
	return filepath.Join(s.dir, string(d.Algorithm()), d.Encoded())
}

// Has reports whether the store already holds a blob.
func (s *BlobStore) Has(d digest.Digest) bool {
	_, err := os.Stat(s.blobPath(d))
	return err == nil
}

// Get returns the contents of a stored blob.
func (s *BlobStore) Get(d digest.Digest) ([]byte, error) {
	data, err := os.ReadFile(s.blobPath(d))
	if err != nil {
		return nil, fmt.Errorf("blob %s: %w", d, err)
	}
	return data, nil
}

// put copies src into the store under d. Writes go through a temp file
// and a rename so a crash never leaves a truncated blob.
func (s *BlobStore) put(d digest.Digest, src string) error {
	if s.Has(d) {
		return nil
	}
	dst := s.blobPath(d)
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return err
	}
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	tmp, err := os.CreateTemp(filepath.Dir(dst), ".blob-*")
	if err != nil {
		return err
	}
	if _, err := io.Copy(tmp, in); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	return os.Rename(tmp.Name(), dst)
}

// Capture stores the content of every file in the snapshot, keyed by
// digest. Already-present blobs are skipped, so capturing successive
// snapshots costs only the delta.
func (w *Workspace) Capture(ctx context.Context, snap *Snapshot, store *BlobStore) error {
	for _, rel := range snap.Paths() {
		if err := ctx.Err(); err != nil {
			return err
		}
		full, err := w.Resolve(rel)
		if err != nil {
			return err
		}
		if err := store.put(snap.Files[rel].Digest, full); err != nil {
			return fmt.Errorf("capture %s: %w", rel, err)
		}
	}
	return nil
}

// Restore rewrites the tree to match the snapshot exactly: files not
// in the snapshot are removed, differing or missing files are
// materialized from the blob store, and exec bits are reapplied.
func (w *Workspace) Restore(ctx context.Context, snap *Snapshot, store *BlobStore) error {
	current, err := w.Snapshot(ctx)
	if err != nil {
		return err
	}
	for _, rel := range current.Paths() {
		if _, ok := snap.Files[rel]; !ok {
			if err := w.Remove(rel); err != nil {
				return fmt.Errorf("restore: remove %s: %w", rel, err)
			}
		}
	}
	for _, rel := range snap.Paths() {
		if err := ctx.Err(); err != nil {
			return err
		}
		want := snap.Files[rel]
		if have, ok := current.Files[rel]; ok && have == want {
			continue
		}
		data, err := store.Get(want.Digest)
		if err != nil {
			return fmt.Errorf("restore %s: %w", rel, err)
		}
		var mode fs.FileMode = 0o644
		if want.Exec {
			mode = 0o755
		}
		if err := w.WriteFile(rel, data, mode); err != nil {
			return err
		}
		// WriteFile leaves the old mode on files that already existed.
		full, err := w.Resolve(rel)
		if err != nil {
			return err
		}
		if err := os.Chmod(full, mode); err != nil {
			return err
		}
	}
	return nil
}
