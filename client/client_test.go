package client

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/sinbad-tools/foldersync/ignore"
)

func TestLastSyncRoundTrips(t *testing.T) {
	root := t.TempDir()
	if err := os.MkdirAll(filepath.Join(root, ignore.PrivateDirName), 0o755); err != nil {
		t.Fatalf("MkdirAll: %v", err)
	}
	c := New(root)

	if _, has, err := c.readLastSync(); err != nil || has {
		t.Fatalf("expected no prior last_sync, got has=%v err=%v", has, err)
	}

	if err := c.writeLastSync(7); err != nil {
		t.Fatalf("writeLastSync: %v", err)
	}

	n, has, err := c.readLastSync()
	if err != nil {
		t.Fatalf("readLastSync: %v", err)
	}
	if !has || n != 7 {
		t.Fatalf("expected last_sync = 7, got %d (has=%v)", n, has)
	}
}

func TestReadLastSyncRejectsGarbage(t *testing.T) {
	root := t.TempDir()
	if err := os.MkdirAll(filepath.Join(root, ignore.PrivateDirName), 0o755); err != nil {
		t.Fatalf("MkdirAll: %v", err)
	}
	c := New(root)
	if err := os.WriteFile(c.lastSyncPath(), []byte("not a number"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	if _, _, err := c.readLastSync(); err == nil {
		t.Fatalf("expected malformed last_sync to error")
	}
}

func TestLoadIgnoreFilterDefaultsToNoneWhenMissing(t *testing.T) {
	root := t.TempDir()
	c := New(root)

	filter, err := c.loadIgnoreFilter()
	if err != nil {
		t.Fatalf("loadIgnoreFilter: %v", err)
	}
	if filter.Skip("anything.txt") {
		t.Fatalf("expected an empty filter to skip nothing but the private dir")
	}
	if !filter.Skip(ignore.PrivateDirName) {
		t.Fatalf("expected the private dir to always be skipped")
	}
}

func TestLoadIgnoreFilterReadsRepoFile(t *testing.T) {
	root := t.TempDir()
	if err := os.WriteFile(filepath.Join(root, ignore.DefaultIgnoreFileName), []byte("*.tmp\n"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	c := New(root)

	filter, err := c.loadIgnoreFilter()
	if err != nil {
		t.Fatalf("loadIgnoreFilter: %v", err)
	}
	if !filter.Skip("x.tmp") {
		t.Fatalf("expected *.tmp rule to skip x.tmp")
	}
	if filter.Skip("y.txt") {
		t.Fatalf("expected y.txt to survive the filter")
	}
}
