// Package merge implements the three-way merge that reconciles a common
// ancestor manifest, the client's current scan, and the server's latest
// manifest.
//
// Grounded directly on original_source/magicfolder/server.py's
// calculate_merge; the decision tables in the doc comment on Merge are
// carried over from that function's own docstring, translated case by
// case into Go map/set operations.
package merge

import (
	"github.com/sinbad-tools/foldersync/item"
	"github.com/sinbad-tools/foldersync/manifest"
)

// Result is the outcome of a three-way merge: the reconciled manifest plus
// the set of server-side items that lost their paths to a client-side
// conflict and must be surfaced to the caller (spec.md §9 "Conflict
// surfacing" -- merge computes the set, the caller decides what to do with
// it).
type Result struct {
	New       *manifest.Manifest
	Conflicts []item.FileItem
}

// Merge computes new and conflicts from old (the common ancestor), client
// (the client's current scan), and server (the server's current latest).
//
// If a path is NOT in old:
//
//	client \ server |   absent    |   present
//	absent          | impossible  | take server
//	present         | take client | conflict: take client, server -> conflicts
//
// If a path IS in old (unchanged means equal to old by (checksum,size,path)):
//
//	client \ server | unchanged | absent (removed) | changed
//	unchanged       | take old  | drop              | take server
//	absent(removed) | drop      | drop              | take server (server wins over client delete)
//	changed         | take client | take client (client wins over server delete) | conflict: take client, server -> conflicts
//
// Equality ignores Mtime. Merge is pure: no I/O, deterministic in its three
// inputs, and the result does not depend on item ordering within any input
// manifest.
func Merge(old, client, server *manifest.Manifest) Result {
	newTree := manifest.New()
	var conflicts []item.FileItem

	oldPaths := old.Paths()
	clientPaths := client.Paths()
	serverPaths := server.Paths()

	// Paths absent from old: new on client, new on server, or new on both.
	for p := range clientPaths {
		if _, inOld := oldPaths[p]; inOld {
			continue
		}
		clientItem, _ := client.Get(p)
		if serverItem, inServer := server.Get(p); inServer {
			// new on both -- conflict, client wins the path
			newTree.Put(clientItem)
			conflicts = append(conflicts, serverItem)
		} else {
			// new on client only
			newTree.Put(clientItem)
		}
	}
	for p := range serverPaths {
		if _, inOld := oldPaths[p]; inOld {
			continue
		}
		if _, inClient := clientPaths[p]; inClient {
			continue // handled above
		}
		serverItem, _ := server.Get(p)
		newTree.Put(serverItem)
	}

	// Paths present in old: the full nine-cell table.
	for p := range oldPaths {
		oldItem, _ := old.Get(p)
		clientItem, clientHas := client.Get(p)
		serverItem, serverHas := server.Get(p)

		clientUnchanged := clientHas && clientItem.Equal(oldItem)
		serverUnchanged := serverHas && serverItem.Equal(oldItem)

		switch {
		case clientUnchanged && serverUnchanged:
			newTree.Put(oldItem)
		case clientUnchanged && !serverHas:
			// removed on server, client untouched -- drop
		case clientUnchanged && serverHas && !serverUnchanged:
			newTree.Put(serverItem)

		case !clientHas && serverUnchanged:
			// removed on client, server untouched -- drop
		case !clientHas && !serverHas:
			// removed on both -- drop
		case !clientHas && serverHas && !serverUnchanged:
			// removed on client but changed on server -- server's change wins
			newTree.Put(serverItem)

		case !clientUnchanged && clientHas && serverUnchanged:
			newTree.Put(clientItem)
		case !clientUnchanged && clientHas && !serverHas:
			// client changed, server deleted -- client's change wins
			newTree.Put(clientItem)
		case !clientUnchanged && clientHas && serverHas && !serverUnchanged:
			// changed on both -- conflict, client wins the path
			newTree.Put(clientItem)
			conflicts = append(conflicts, serverItem)
		}
	}

	return Result{New: newTree, Conflicts: conflicts}
}
