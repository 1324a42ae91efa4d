// Package blobstore implements the content-addressed blob pool: a
// directory of whole-file blobs named by their hex SHA-1 checksum.
//
// Grounded on atlassian-git-lob's core/storage.go temp-file-then-rename
// write discipline (StoreLOBDataInBaseDir), simplified because spec.md's
// Non-goals rule out chunked/delta blobs -- see DESIGN.md "Dropped teacher
// code".
package blobstore

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/sinbad-tools/foldersync/fserrors"
)

// Pool is a content-addressed store rooted at Dir, e.g. <root>/objects.
type Pool struct {
	Dir string
}

// Open returns a Pool rooted at dir, creating dir if necessary.
func Open(dir string) (*Pool, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create blob pool dir %s: %w", dir, err)
	}
	return &Pool{Dir: dir}, nil
}

func (p *Pool) path(checksum string) string {
	return filepath.Join(p.Dir, checksum)
}

// Contains reports whether a blob exists for checksum.
func (p *Pool) Contains(checksum string) bool {
	_, err := os.Stat(p.path(checksum))
	return err == nil
}

// Read opens a streaming reader for the blob at checksum. The caller must
// Close it. Returns a NotFound-flavored *fserrors.IntegrityError-free error
// (os.ErrNotExist wrapped) when absent, per spec.md §4.2.
func (p *Pool) Read(checksum string) (io.ReadCloser, error) {
	f, err := os.Open(p.path(checksum))
	if err != nil {
		return nil, fmt.Errorf("read blob %s: %w", checksum, err)
	}
	return f, nil
}

// Writer is a scoped handle for inserting one blob. Call Close on success;
// call Abort on failure. Failing to call either leaks the temp file.
type Writer struct {
	pool     *Pool
	checksum string
	tmp      *os.File
	closed   bool
}

// Write begins inserting a new blob for checksum. The pool guarantees that
// after a successful Close, Contains(checksum) is true and the blob holds
// exactly the bytes written; after Abort (or any failure before Close),
// Contains(checksum) is false and no partial file remains at the final
// name -- spec.md §4.2's atomicity guarantee, and invariant 4 in §8.
func (p *Pool) Write(checksum string) (*Writer, error) {
	tmp, err := os.CreateTemp(p.Dir, "tmp-"+checksum+"-*")
	if err != nil {
		return nil, fmt.Errorf("create temp file for blob %s: %w", checksum, err)
	}
	return &Writer{pool: p, checksum: checksum, tmp: tmp}, nil
}

func (w *Writer) Write(b []byte) (int, error) {
	return w.tmp.Write(b)
}

// Close fsyncs the temp file and renames it into place under its final
// checksum-named path, matching the "stream to a temporary file in the
// same directory, fsync-then-rename on success" policy from spec.md §4.2.
func (w *Writer) Close() error {
	if w.closed {
		return nil
	}
	w.closed = true
	if err := w.tmp.Sync(); err != nil {
		w.tmp.Close()
		os.Remove(w.tmp.Name())
		return fmt.Errorf("fsync blob %s: %w", w.checksum, err)
	}
	if err := w.tmp.Close(); err != nil {
		os.Remove(w.tmp.Name())
		return fmt.Errorf("close blob %s: %w", w.checksum, err)
	}
	if err := os.Rename(w.tmp.Name(), w.pool.path(w.checksum)); err != nil {
		os.Remove(w.tmp.Name())
		return fmt.Errorf("rename blob %s into place: %w", w.checksum, err)
	}
	return nil
}

// Abort discards the in-progress write, guaranteeing no partial file is
// left at the blob's final name.
func (w *Writer) Abort() error {
	if w.closed {
		return nil
	}
	w.closed = true
	w.tmp.Close()
	return os.Remove(w.tmp.Name())
}

// WriteFromReader is a convenience that copies n bytes from r into a new
// blob for checksum, verifying the transferred length, aborting on any
// error so partial writes never linger.
func (p *Pool) WriteFromReader(checksum string, r io.Reader, n int64) (err error) {
	w, err := p.Write(checksum)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			w.Abort()
		}
	}()

	copied, err := io.CopyN(w, r, n)
	if err != nil {
		return fmt.Errorf("copy blob %s data: %w", checksum, err)
	}
	if copied != n {
		return fserrors.NewIntegrityError(checksum, fmt.Sprintf("expected %d bytes, copied %d", n, copied))
	}
	return w.Close()
}
