// Package manifest implements the version-index format: a textual,
// line-oriented, path-sorted encoding of a set of item.FileItems.
//
// Grounded on original_source/magicfolder/checksum.py's
// file_item_to_string/string_to_file_item/write_version_file, including
// the Latin-1-through-JSON byte-preserving string quoting spec.md §9
// requires.
package manifest

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/sinbad-tools/foldersync/fserrors"
	"github.com/sinbad-tools/foldersync/item"
)

// Manifest is a set of FileItems with unique paths. It carries both a
// by-path map (for O(1) merge lookups) and derives a sorted slice on
// demand for the codec's write path, per spec.md §9's "two views without
// duplicating ownership".
type Manifest struct {
	byPath map[string]item.FileItem
}

// New returns an empty Manifest.
func New() *Manifest {
	return &Manifest{byPath: make(map[string]item.FileItem)}
}

// FromSlice builds a Manifest from items, in any order. A duplicate path is
// a programming error, matching write_version_file's assumption that
// callers never pass one -- the original aborts via dict overwrite
// silently, but foldersync surfaces it since silent overwrite would hide a
// scanner or protocol bug.
func FromSlice(items []item.FileItem) (*Manifest, error) {
	m := New()
	for _, it := range items {
		if _, exists := m.byPath[it.Path]; exists {
			return nil, fserrors.NewIntegrityError(it.Path, "duplicate path in manifest")
		}
		m.byPath[it.Path] = it
	}
	return m, nil
}

// Put inserts or replaces the item at its path.
func (m *Manifest) Put(it item.FileItem) {
	m.byPath[it.Path] = it
}

// Get looks up an item by path.
func (m *Manifest) Get(path string) (item.FileItem, bool) {
	it, ok := m.byPath[path]
	return it, ok
}

// Len returns the number of items.
func (m *Manifest) Len() int {
	return len(m.byPath)
}

// Paths returns the set of paths present.
func (m *Manifest) Paths() map[string]struct{} {
	out := make(map[string]struct{}, len(m.byPath))
	for p := range m.byPath {
		out[p] = struct{}{}
	}
	return out
}

// Sorted returns the items ordered by path ascending, byte-wise -- the
// order the codec writes in.
func (m *Manifest) Sorted() []item.FileItem {
	out := make([]item.FileItem, 0, len(m.byPath))
	for _, it := range m.byPath {
		out = append(out, it)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out
}

// Equal reports whether two manifests contain the same items, ignoring
// Mtime, regardless of insertion order.
func (m *Manifest) Equal(o *Manifest) bool {
	if m.Len() != o.Len() {
		return false
	}
	for p, it := range m.byPath {
		oit, ok := o.byPath[p]
		if !ok || !it.Equal(oit) {
			return false
		}
	}
	return true
}

var lineRe = regexp.MustCompile(`^("(?:[^"\\]|\\.)*")\s+(\d+)\s+("(?:[^"\\]|\\.)*")\s*$`)

// latin1JSONQuote encodes s (treated as an opaque byte string) as a JSON
// string in which every byte becomes the Unicode code point of the same
// value (<= 0xFF), so non-UTF-8 byte sequences round-trip losslessly. This
// mirrors jstr_dump's decode('latin-1') step before json.dumps.
func latin1JSONQuote(s string) (string, error) {
	runes := make([]rune, len(s))
	for i := 0; i < len(s); i++ {
		runes[i] = rune(s[i])
	}
	b, err := json.Marshal(string(runes))
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// latin1JSONUnquote reverses latin1JSONQuote: unmarshal the JSON string,
// then re-encode each code point (expected <= 0xFF) back to a raw byte.
func latin1JSONUnquote(quoted string) (string, error) {
	var s string
	if err := json.Unmarshal([]byte(quoted), &s); err != nil {
		return "", err
	}
	buf := make([]byte, 0, len(s))
	for _, r := range s {
		buf = append(buf, byte(r))
	}
	return string(buf), nil
}

// Write encodes items in path-ascending order to w, one line per item:
//
//	"<checksum>" <size,right-justified,>=10 cols> "<path>"
func Write(w io.Writer, items []item.FileItem) error {
	sorted := make([]item.FileItem, len(items))
	copy(sorted, items)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Path < sorted[j].Path })

	bw := bufio.NewWriter(w)
	for _, it := range sorted {
		checksumQ, err := latin1JSONQuote(it.Checksum)
		if err != nil {
			return fmt.Errorf("encode checksum for %s: %w", it.Path, err)
		}
		pathQ, err := latin1JSONQuote(it.Path)
		if err != nil {
			return fmt.Errorf("encode path for %s: %w", it.Path, err)
		}
		if _, err := fmt.Fprintf(bw, "%s %10d %s\n", checksumQ, it.Size, pathQ); err != nil {
			return err
		}
	}
	return bw.Flush()
}

// WriteManifest is a convenience wrapper over Write for a Manifest value.
func WriteManifest(w io.Writer, m *Manifest) error {
	return Write(w, m.Sorted())
}

// Read parses a version-index stream into a Manifest. Mtime is left unset
// on every item, matching string_to_file_item's FileItem(..., None).
func Read(r io.Reader) (*Manifest, error) {
	m := New()
	scanner := bufio.NewScanner(r)
	// version-index lines can carry long paths; grow the buffer generously.
	buf := make([]byte, 0, 64*1024)
	scanner.Buffer(buf, 8*1024*1024)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := scanner.Text()
		if strings.TrimSpace(line) == "" {
			continue
		}
		it, err := parseLine(line)
		if err != nil {
			return nil, fmt.Errorf("version-index line %d: %w", lineNo, err)
		}
		if _, exists := m.byPath[it.Path]; exists {
			return nil, fserrors.NewIntegrityError(it.Path, "duplicate path in version-index")
		}
		m.byPath[it.Path] = it
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return m, nil
}

func parseLine(line string) (item.FileItem, error) {
	match := lineRe.FindStringSubmatch(line)
	if match == nil {
		return item.FileItem{}, fserrors.NewIntegrityError("", fmt.Sprintf("malformed version-index line: %q", line))
	}
	checksum, err := latin1JSONUnquote(match[1])
	if err != nil {
		return item.FileItem{}, fmt.Errorf("decode checksum: %w", err)
	}
	size, err := strconv.ParseInt(match[2], 10, 64)
	if err != nil {
		return item.FileItem{}, fmt.Errorf("decode size: %w", err)
	}
	path, err := latin1JSONUnquote(match[3])
	if err != nil {
		return item.FileItem{}, fmt.Errorf("decode path: %w", err)
	}
	return item.FileItem{Checksum: checksum, Size: size, Path: path}, nil
}
