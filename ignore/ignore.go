// Package ignore compiles a list of ignore rules into a path predicate.
//
// Grounded on original_source/magicfolder/checksum.py's parse_ignore_file:
// three rule shapes (`*suffix`, `prefix*`, `literal`), matched against the
// last path component.
package ignore

import (
	"bufio"
	"io"
	"path"
	"strings"
)

// PrivateDirName is the fixed directory reserved by foldersync for its own
// bookkeeping (stat cache, last_sync pointer). It is always skipped by the
// scanner regardless of any rule.
const PrivateDirName = ".foldersync"

// DefaultIgnoreFileName is the fixed filename at the repo root holding
// optional ignore rules.
const DefaultIgnoreFileName = ".foldersyncignore"

// rule matches the last path component of a candidate path.
type rule func(lastComponent string) bool

func suffixRule(suffix string) rule {
	return func(name string) bool { return strings.HasSuffix(name, suffix) }
}

func prefixRule(prefix string) rule {
	return func(name string) bool { return strings.HasPrefix(name, prefix) }
}

func literalRule(literal string) rule {
	return func(name string) bool { return name == literal }
}

func compileRule(line string) rule {
	switch {
	case strings.HasPrefix(line, "*"):
		return suffixRule(line[1:])
	case strings.HasSuffix(line, "*"):
		return prefixRule(line[:len(line)-1])
	default:
		return literalRule(line)
	}
}

// Filter is a compiled path predicate: Skip reports whether a path
// component (directory or file name) should be excluded from a scan.
type Filter struct {
	rules []rule
}

// Skip reports whether name -- the last component of a path -- matches any
// compiled rule.
func (f *Filter) Skip(name string) bool {
	if name == PrivateDirName {
		return true
	}
	for _, r := range f.rules {
		if r(name) {
			return true
		}
	}
	return false
}

// SkipPath applies Skip to the last path component of a slash-separated
// repo-relative path, for callers that have a full path rather than a bare
// component.
func (f *Filter) SkipPath(p string) bool {
	return f.Skip(path.Base(p))
}

// Compile builds a Filter from newline-delimited rule text. Blank lines are
// ignored; each remaining line is whitespace-trimmed before compiling, per
// spec.md §4.3.
func Compile(r io.Reader) (*Filter, error) {
	var rules []rule
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		rules = append(rules, compileRule(line))
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return &Filter{rules: rules}, nil
}

// None returns a Filter that only ever excludes PrivateDirName -- used when
// no ignore file is present.
func None() *Filter {
	return &Filter{}
}
