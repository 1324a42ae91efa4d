package blobstore

import (
	"bytes"
	"errors"
	"io"
	"os"
	"strings"
	"testing"
)

func TestWriteThenReadBack(t *testing.T) {
	dir := t.TempDir()
	p, err := Open(dir)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	const checksum = "da39a3ee5e6b4b0d3255bfef95601890afd80709"
	if p.Contains(checksum) {
		t.Fatalf("expected blob to be absent before write")
	}
	if err := p.WriteFromReader(checksum, strings.NewReader(""), 0); err != nil {
		t.Fatalf("WriteFromReader: %v", err)
	}
	if !p.Contains(checksum) {
		t.Fatalf("expected blob to exist after write")
	}

	rc, err := p.Read(checksum)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	defer rc.Close()
	var buf bytes.Buffer
	if _, err := io.Copy(&buf, rc); err != nil {
		t.Fatalf("copy: %v", err)
	}
	if buf.Len() != 0 {
		t.Fatalf("expected empty blob contents, got %d bytes", buf.Len())
	}
}

// TestFailedWriteLeavesNoPartialFile exercises invariant 4 from spec.md §8:
// after a failed write, Contains(checksum) is false.
func TestFailedWriteLeavesNoPartialFile(t *testing.T) {
	dir := t.TempDir()
	p, err := Open(dir)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	const checksum = "bbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb"

	// Declare a larger size than the reader actually provides; WriteFromReader
	// should fail the copy and abort.
	err = p.WriteFromReader(checksum, strings.NewReader("short"), 100)
	if err == nil {
		t.Fatalf("expected error for short read")
	}
	if p.Contains(checksum) {
		t.Fatalf("expected no blob present after failed write")
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("ReadDir: %v", err)
	}
	for _, e := range entries {
		if e.Name() == checksum {
			t.Fatalf("found blob file that should have been aborted")
		}
		if strings.Contains(e.Name(), "tmp-") {
			t.Fatalf("leaked temp file: %s", e.Name())
		}
	}
}

func TestReadMissingBlobErrors(t *testing.T) {
	dir := t.TempDir()
	p, err := Open(dir)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	_, err = p.Read("cccccccccccccccccccccccccccccccccccccccc")
	if err == nil {
		t.Fatalf("expected error reading missing blob")
	}
	if !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("expected wrapped os.ErrNotExist, got %v", err)
	}
}

func TestAbortRemovesTempFile(t *testing.T) {
	dir := t.TempDir()
	p, err := Open(dir)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	w, err := p.Write("dddddddddddddddddddddddddddddddddddddddd")
	if err != nil {
		t.Fatalf("Write: %v", err)
	}
	w.Write([]byte("partial"))
	if err := w.Abort(); err != nil {
		t.Fatalf("Abort: %v", err)
	}
	entries, _ := os.ReadDir(dir)
	if len(entries) != 0 {
		t.Fatalf("expected empty dir after abort, found %v", entries)
	}
}
