// Package client implements the client half of a sync session: Initial
// checkout (no prior sync) or Merge mode (a prior last_sync exists),
// per spec.md §4.8.
//
// Grounded on original_source/syncit/client.py's Client.sync/
// receive_full_version/merge_versions. Local state (last_sync, the stat
// cache) lives under ignore.PrivateDirName, matching client.py's
// self.private_path convention, renamed to this module's private
// directory. The ignore file, ignore.DefaultIgnoreFileName, is read from
// the root of the working tree.
package client

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/sinbad-tools/foldersync/fserrors"
	"github.com/sinbad-tools/foldersync/ignore"
	"github.com/sinbad-tools/foldersync/internal/flog"
	"github.com/sinbad-tools/foldersync/item"
	"github.com/sinbad-tools/foldersync/scan"
	"github.com/sinbad-tools/foldersync/wire"
)

const lastSyncFileName = "last_sync"

// Client drives one sync session against a connected server for the
// working tree rooted at Root.
type Client struct {
	Root string
}

// New returns a Client rooted at root.
func New(root string) *Client {
	return &Client{Root: root}
}

func (c *Client) privateDir() string {
	return filepath.Join(c.Root, ignore.PrivateDirName)
}

func (c *Client) lastSyncPath() string {
	return filepath.Join(c.privateDir(), lastSyncFileName)
}

func (c *Client) statCachePath() string {
	return filepath.Join(c.privateDir(), scan.CacheFileName)
}

func (c *Client) readLastSync() (int, bool, error) {
	raw, err := os.ReadFile(c.lastSyncPath())
	if os.IsNotExist(err) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("read last_sync: %w", err)
	}
	n, err := strconv.Atoi(strings.TrimSpace(string(raw)))
	if err != nil {
		return 0, false, fserrors.NewIntegrityError(c.lastSyncPath(), "malformed last_sync file")
	}
	return n, true, nil
}

func (c *Client) writeLastSync(n int) error {
	return os.WriteFile(c.lastSyncPath(), []byte(strconv.Itoa(n)+"\n"), 0o644)
}

// Sync runs one session over ch: initial checkout if this root has never
// synced before, otherwise merge mode, then quit/bye. Matches
// client.py's Client.sync.
func (c *Client) Sync(ctx context.Context, ch *wire.Channel) error {
	lastSync, hasSynced, err := c.readLastSync()
	if err != nil {
		return err
	}

	if hasSynced {
		if err := c.mergeSync(ctx, ch, lastSync); err != nil {
			return err
		}
	} else {
		if err := os.MkdirAll(c.privateDir(), 0o755); err != nil {
			return fmt.Errorf("create private dir: %w", err)
		}
		if err := c.initialCheckout(ch); err != nil {
			return err
		}
	}

	if err := ch.Send("quit", nil); err != nil {
		return err
	}
	tag, _, err := ch.Recv()
	if err != nil {
		return err
	}
	if tag != "bye" {
		return fserrors.NewProtocolError("bye", tag)
	}
	return nil
}

// initialCheckout implements spec.md §4.8's Initial checkout mode: request
// the latest version, then receive every file_begin + stream until done,
// writing files into the working tree (creating intermediate
// directories), then persist last_sync.
func (c *Client) initialCheckout(ch *wire.Channel) error {
	if err := ch.Send("stream_latest_version", nil); err != nil {
		return err
	}

	tag, payload, err := ch.Recv()
	if err != nil {
		return err
	}
	if tag != "version_number" {
		return fserrors.NewProtocolError("version_number", tag)
	}
	var version int
	if err := json.Unmarshal(payload, &version); err != nil {
		return fserrors.NewProtocolError("int payload for version_number", string(payload))
	}

	for {
		tag, payload, err := ch.Recv()
		if err != nil {
			return err
		}
		if tag == "done" {
			break
		}
		if tag != "file_begin" {
			return fserrors.NewProtocolError("file_begin or done", tag)
		}
		var fi item.FileItem
		if err := json.Unmarshal(payload, &fi); err != nil {
			return fserrors.NewProtocolError("FileItem payload", string(payload))
		}
		if err := c.receiveFile(ch, fi); err != nil {
			return err
		}
	}

	return c.writeLastSync(version)
}

// mergeSync implements spec.md §4.8's Merge mode: scan the working tree,
// send its metadata, satisfy any data requests, then apply the server's
// reconciliation instructions (file_begin/file_remove) until
// sync_complete.
func (c *Client) mergeSync(ctx context.Context, ch *wire.Channel, lastSync int) error {
	if err := ch.Send("merge", lastSync); err != nil {
		return err
	}
	tag, _, err := ch.Recv()
	if err != nil {
		return err
	}
	if tag != "waiting_for_files" {
		return fserrors.NewProtocolError("waiting_for_files", tag)
	}

	filter, err := c.loadIgnoreFilter()
	if err != nil {
		return err
	}
	cache := scan.LoadStatCache(c.statCachePath())
	result, err := scan.Scan(ctx, c.Root, filter, cache)
	if err != nil {
		return fmt.Errorf("scan working tree: %w", err)
	}

	for _, fi := range result.Items {
		if err := ch.Send("file_meta", fi); err != nil {
			return err
		}
		respTag, _, err := ch.Recv()
		if err != nil {
			return err
		}
		switch respTag {
		case "continue":
			continue
		case "data":
			if err := c.sendFileData(ch, fi); err != nil {
				return err
			}
		default:
			return fserrors.NewProtocolError("continue or data", respTag)
		}
	}

	if err := ch.Send("done", nil); err != nil {
		return err
	}

	var newSync int
	for {
		tag, payload, err := ch.Recv()
		if err != nil {
			return err
		}
		switch tag {
		case "sync_complete":
			if err := json.Unmarshal(payload, &newSync); err != nil {
				return fserrors.NewProtocolError("int payload for sync_complete", string(payload))
			}
		case "file_begin":
			var fi item.FileItem
			if err := json.Unmarshal(payload, &fi); err != nil {
				return fserrors.NewProtocolError("FileItem payload", string(payload))
			}
			if err := c.receiveFile(ch, fi); err != nil {
				return err
			}
			continue
		case "file_remove":
			var fi item.FileItem
			if err := json.Unmarshal(payload, &fi); err != nil {
				return fserrors.NewProtocolError("FileItem payload", string(payload))
			}
			if err := os.Remove(filepath.Join(c.Root, filepath.FromSlash(fi.Path))); err != nil && !os.IsNotExist(err) {
				return fmt.Errorf("remove %s: %w", fi.Path, err)
			}
			continue
		default:
			return fserrors.NewProtocolError("file_begin, file_remove or sync_complete", tag)
		}
		break
	}

	if newSync < lastSync {
		return fserrors.NewProtocolError("sync_complete >= last_sync", strconv.Itoa(newSync))
	}

	if err := result.Cache.Save(c.statCachePath()); err != nil {
		flog.Errorf("failed to save stat cache: %v", err)
	}
	return c.writeLastSync(newSync)
}

func (c *Client) loadIgnoreFilter() (*ignore.Filter, error) {
	f, err := os.Open(filepath.Join(c.Root, ignore.DefaultIgnoreFileName))
	if os.IsNotExist(err) {
		return ignore.None(), nil
	}
	if err != nil {
		return nil, fmt.Errorf("open ignore file: %w", err)
	}
	defer f.Close()
	return ignore.Compile(f)
}

func (c *Client) receiveFile(ch *wire.Channel, fi item.FileItem) error {
	fullPath := filepath.Join(c.Root, filepath.FromSlash(fi.Path))
	if err := os.MkdirAll(filepath.Dir(fullPath), 0o755); err != nil {
		return fmt.Errorf("create parent dir for %s: %w", fi.Path, err)
	}
	f, err := os.Create(fullPath)
	if err != nil {
		return fmt.Errorf("create %s: %w", fi.Path, err)
	}
	defer f.Close()
	return ch.RecvStream(f, fi.Size)
}

func (c *Client) sendFileData(ch *wire.Channel, fi item.FileItem) error {
	f, err := os.Open(filepath.Join(c.Root, filepath.FromSlash(fi.Path)))
	if err != nil {
		return fmt.Errorf("open %s: %w", fi.Path, err)
	}
	defer f.Close()
	return ch.SendStream(f, fi.Size)
}
