// Package server implements the server half of a sync session: the
// six-state machine from spec.md §4.7 (Await-sync, Request-upload,
// Receive-meta, Fetch-missing, Reconcile, Finish).
//
// Grounded on original_source/magicfolder/server.py's server_sync for
// control flow, and on atlassian-git-lob's git-lob-serve/serve.go for the
// guarded per-session dispatch loop (RunSession plays the role of Serve,
// recovering panics and turning any session error into a best-effort
// `error` message before closing, mirroring server.py's
// try_except_send_remote context manager).
//
// Per spec.md §9's REDESIGN FLAG, there is exactly one reconciliation path
// here, not two: Reconcile always runs the §4.6 merge against the
// ancestor, client, and server bags. When the client was already
// up-to-date, ancestor == server bag, and the merge degenerates to
// server.py's original fast path (new version only if client_bag differs
// from server_bag) without a separate assertion-based branch.
package server

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"runtime/debug"
	"strconv"

	"github.com/dustin/go-humanize"
	"github.com/gofrs/flock"
	"github.com/sirupsen/logrus"

	"github.com/sinbad-tools/foldersync/blobstore"
	"github.com/sinbad-tools/foldersync/fserrors"
	"github.com/sinbad-tools/foldersync/internal/flog"
	"github.com/sinbad-tools/foldersync/item"
	"github.com/sinbad-tools/foldersync/manifest"
	"github.com/sinbad-tools/foldersync/merge"
	"github.com/sinbad-tools/foldersync/wire"
)

const (
	versionsDirName = "versions"
	objectsDirName  = "objects"
	lockFileName    = ".lock"
)

// Init lays out a fresh server root per spec.md §6: objects/, versions/,
// and an empty version 0 -- the same shape as server.py's server_init.
func Init(root string) error {
	if err := os.MkdirAll(filepath.Join(root, objectsDirName), 0o755); err != nil {
		return fmt.Errorf("create objects dir: %w", err)
	}
	versionsDir := filepath.Join(root, versionsDirName)
	if err := os.MkdirAll(versionsDir, 0o755); err != nil {
		return fmt.Errorf("create versions dir: %w", err)
	}
	zero := filepath.Join(versionsDir, "0")
	if _, err := os.Stat(zero); err == nil {
		return nil
	}
	f, err := os.Create(zero)
	if err != nil {
		return fmt.Errorf("create version 0: %w", err)
	}
	return f.Close()
}

// RunSession drives one full sync session over ch against the server root
// at root. It never lets a panic or session error escape uncommunicated:
// any failure is logged, formatted, and sent to the client as `error`
// before the channel is closed, per spec.md §7's propagation rule.
func RunSession(root string, ch *wire.Channel) (err error) {
	sessionLog := flog.WithField("session", ch.SessionID())

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic during sync session: %v\n%s", r, debug.Stack())
		}
		if err != nil {
			sessionLog.Errorf("session failed: %v", err)
			if sendErr := ch.Send("error", err.Error()); sendErr != nil {
				sessionLog.Errorf("failed to notify client of error: %v", sendErr)
			}
		}
		ch.Close()
	}()

	pool, openErr := blobstore.Open(filepath.Join(root, objectsDirName))
	if openErr != nil {
		return fmt.Errorf("open blob pool: %w", openErr)
	}

	tag, payload, recvErr := ch.Recv()
	if recvErr != nil {
		return fmt.Errorf("await sync: %w", recvErr)
	}

	switch tag {
	case "stream_latest_version":
		return initialCheckout(root, pool, ch)
	case "sync", "merge":
		var remoteBase int
		if jsonErr := json.Unmarshal(payload, &remoteBase); jsonErr != nil {
			return fserrors.NewProtocolError("int payload for "+tag, string(payload))
		}
		return mergeSync(root, pool, ch, remoteBase, sessionLog)
	default:
		return fserrors.NewProtocolError("sync, merge or stream_latest_version", tag)
	}
}

func latestVersion(root string) (int, error) {
	entries, err := os.ReadDir(filepath.Join(root, versionsDirName))
	if err != nil {
		return 0, fmt.Errorf("list versions: %w", err)
	}
	latest := -1
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		n, convErr := strconv.Atoi(e.Name())
		if convErr != nil {
			continue
		}
		if n > latest {
			latest = n
		}
	}
	if latest < 0 {
		return 0, fserrors.NewIntegrityError(versionsDirName, "no version files found; did you run init?")
	}
	return latest, nil
}

func loadVersion(root string, n int) (*manifest.Manifest, error) {
	f, err := os.Open(filepath.Join(root, versionsDirName, strconv.Itoa(n)))
	if err != nil {
		return nil, fmt.Errorf("open version %d: %w", n, err)
	}
	defer f.Close()
	return manifest.Read(f)
}

// writeVersion atomically replaces versions/<n>, matching the
// temp-file-then-fsync-then-rename discipline this module uses everywhere
// else a file must appear whole or not at all.
func writeVersion(root string, n int, m *manifest.Manifest) error {
	dir := filepath.Join(root, versionsDirName)
	tmp, err := os.CreateTemp(dir, "version-*")
	if err != nil {
		return fmt.Errorf("create temp version file: %w", err)
	}
	tmpName := tmp.Name()

	if err := manifest.WriteManifest(tmp, m); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("write version %d: %w", n, err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("fsync version %d: %w", n, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("close version %d: %w", n, err)
	}
	if err := os.Rename(tmpName, filepath.Join(dir, strconv.Itoa(n))); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("rename version %d into place: %w", n, err)
	}
	return nil
}

// initialCheckout serves a client with no prior sync (spec.md §4.8
// "Initial checkout"): send the latest version number, then every file's
// metadata and bytes, terminate with done, then wait for quit/bye.
func initialCheckout(root string, pool *blobstore.Pool, ch *wire.Channel) error {
	n, err := latestVersion(root)
	if err != nil {
		return err
	}
	m, err := loadVersion(root, n)
	if err != nil {
		return err
	}

	if err := ch.Send("version_number", n); err != nil {
		return err
	}

	for _, it := range m.Sorted() {
		if err := sendFile(ch, pool, it); err != nil {
			return err
		}
	}
	if err := ch.Send("done", nil); err != nil {
		return err
	}

	tag, _, err := ch.Recv()
	if err != nil {
		return err
	}
	if tag != "quit" {
		return fserrors.NewProtocolError("quit", tag)
	}
	return ch.Send("bye", nil)
}

// mergeSync serves a client that already has a prior sync point (spec.md
// §4.8 "Merge" mode): Request-upload through Reconcile run under the
// versions-directory advisory lock; Finish runs after the lock is
// released, per spec.md §5's shared-resource policy.
func mergeSync(root string, pool *blobstore.Pool, ch *wire.Channel, remoteBase int, sessionLog *logrus.Entry) error {
	lock := flock.New(filepath.Join(root, versionsDirName, lockFileName))
	if err := lock.Lock(); err != nil {
		return fmt.Errorf("acquire versions lock: %w", err)
	}

	currentVersion, err := reconcile(root, pool, ch, remoteBase, sessionLog)

	if unlockErr := lock.Unlock(); unlockErr != nil {
		sessionLog.Errorf("failed to release versions lock: %v", unlockErr)
	}
	if err != nil {
		return err
	}

	if err := ch.Send("sync_complete", currentVersion); err != nil {
		return err
	}
	tag, _, err := ch.Recv()
	if err != nil {
		return err
	}
	if tag != "quit" {
		return fserrors.NewProtocolError("quit", tag)
	}
	return ch.Send("bye", nil)
}

// reconcile runs Request-upload, Receive-meta, Fetch-missing and Reconcile
// (spec.md §4.7 states 2-5) and returns the version now current on the
// server.
func reconcile(root string, pool *blobstore.Pool, ch *wire.Channel, remoteBase int, sessionLog *logrus.Entry) (int, error) {
	latest, err := latestVersion(root)
	if err != nil {
		return 0, err
	}
	serverBag, err := loadVersion(root, latest)
	if err != nil {
		return 0, err
	}

	var ancestor *manifest.Manifest
	switch {
	case remoteBase == latest:
		ancestor = serverBag
	case remoteBase == 0:
		ancestor = manifest.New()
	default:
		ancestor, err = loadVersion(root, remoteBase)
		if err != nil {
			return 0, err
		}
	}

	if err := ch.Send("waiting_for_files", nil); err != nil {
		return 0, err
	}

	// Receive-meta and Fetch-missing are interleaved message-for-message
	// rather than run as two separate passes: the client waits for a
	// continue/data response to every file_meta before sending its next one
	// (see syncit/client.py's merge_versions), so the server must answer
	// each meta as it arrives instead of collecting them all first.
	var clientItems []item.FileItem
	for {
		tag, payload, err := ch.Recv()
		if err != nil {
			return 0, err
		}
		if tag == "done" {
			break
		}
		if tag != "file_meta" {
			return 0, fserrors.NewProtocolError("file_meta or done", tag)
		}
		var fi item.FileItem
		if err := json.Unmarshal(payload, &fi); err != nil {
			return 0, fserrors.NewProtocolError("FileItem payload", string(payload))
		}
		clientItems = append(clientItems, fi)

		if pool.Contains(fi.Checksum) {
			if err := ch.Send("continue", nil); err != nil {
				return 0, err
			}
			continue
		}
		if err := ch.Send("data", fi.Checksum); err != nil {
			return 0, err
		}
		w, err := pool.Write(fi.Checksum)
		if err != nil {
			return 0, err
		}
		if err := ch.RecvStream(w, fi.Size); err != nil {
			w.Abort()
			return 0, err
		}
		if err := w.Close(); err != nil {
			return 0, err
		}
		sessionLog.Debugf("received %s (%s)", fi.Path, humanize.Bytes(uint64(fi.Size)))
	}
	clientBag, err := manifest.FromSlice(clientItems)
	if err != nil {
		return 0, err
	}

	result := merge.Merge(ancestor, clientBag, serverBag)
	for _, conflict := range result.Conflicts {
		sessionLog.Warnf("conflict on %s: server's version was superseded by the client's", conflict.Path)
	}

	currentVersion := latest
	if !result.New.Equal(serverBag) {
		currentVersion = latest + 1
		if err := writeVersion(root, currentVersion, result.New); err != nil {
			return 0, err
		}
		sessionLog.Infof("wrote version %d (%s, %d files)", currentVersion,
			humanize.Bytes(uint64(totalSize(result.New))), result.New.Len())
	}

	newPaths := result.New.Paths()
	for _, fi := range clientBag.Sorted() {
		if _, stillPresent := newPaths[fi.Path]; !stillPresent {
			if err := ch.Send("file_remove", fi); err != nil {
				return 0, err
			}
		}
	}
	for _, fi := range result.New.Sorted() {
		if clientItem, ok := clientBag.Get(fi.Path); ok && clientItem.Equal(fi) {
			continue
		}
		if err := sendFile(ch, pool, fi); err != nil {
			return 0, err
		}
	}

	return currentVersion, nil
}

func totalSize(m *manifest.Manifest) int64 {
	var total int64
	for _, it := range m.Sorted() {
		total += it.Size
	}
	return total
}

func sendFile(ch *wire.Channel, pool *blobstore.Pool, it item.FileItem) error {
	if err := ch.Send("file_begin", it); err != nil {
		return err
	}
	r, err := pool.Read(it.Checksum)
	if err != nil {
		return fmt.Errorf("read blob %s: %w", it.Checksum, err)
	}
	defer r.Close()
	return ch.SendStream(r, it.Size)
}
