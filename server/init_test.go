package server

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/sinbad-tools/foldersync/fserrors"
)

func TestInitLaysOutFreshRoot(t *testing.T) {
	root := t.TempDir()
	if err := Init(root); err != nil {
		t.Fatalf("Init: %v", err)
	}

	for _, want := range []string{
		filepath.Join(root, objectsDirName),
		filepath.Join(root, versionsDirName),
		filepath.Join(root, versionsDirName, "0"),
	} {
		if _, err := os.Stat(want); err != nil {
			t.Fatalf("expected %s to exist: %v", want, err)
		}
	}

	m, err := loadVersion(root, 0)
	if err != nil {
		t.Fatalf("loadVersion(0): %v", err)
	}
	if m.Len() != 0 {
		t.Fatalf("expected version 0 to be empty, got %d items", m.Len())
	}
}

func TestInitIsIdempotent(t *testing.T) {
	root := t.TempDir()
	if err := Init(root); err != nil {
		t.Fatalf("first Init: %v", err)
	}
	if err := Init(root); err != nil {
		t.Fatalf("second Init should be a no-op, got: %v", err)
	}
}

func TestLatestVersionErrorsWithoutInit(t *testing.T) {
	root := t.TempDir()
	if err := os.MkdirAll(filepath.Join(root, versionsDirName), 0o755); err != nil {
		t.Fatalf("MkdirAll: %v", err)
	}

	_, err := latestVersion(root)
	if err == nil {
		t.Fatalf("expected an error for an empty versions directory")
	}
	if !fserrors.IsIntegrityError(err) {
		t.Fatalf("expected an IntegrityError, got %T: %v", err, err)
	}
}

func TestLatestVersionPicksHighestNumber(t *testing.T) {
	root := t.TempDir()
	if err := Init(root); err != nil {
		t.Fatalf("Init: %v", err)
	}
	for _, n := range []string{"1", "2", "10"} {
		if err := os.WriteFile(filepath.Join(root, versionsDirName, n), nil, 0o644); err != nil {
			t.Fatalf("WriteFile %s: %v", n, err)
		}
	}

	n, err := latestVersion(root)
	if err != nil {
		t.Fatalf("latestVersion: %v", err)
	}
	if n != 10 {
		t.Fatalf("expected latest version 10, got %d", n)
	}
}
