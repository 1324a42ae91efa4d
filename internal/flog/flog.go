// Package flog is foldersync's process-wide logging sink.
//
// Grounded on atlassian-git-lob's log.go (a package-level Logf/LogDebugf/
// LogErrorf trio gated on verbosity flags), but backed by
// github.com/sirupsen/logrus instead of hand-wrapping the stdlib log
// package -- logging has no correctness role here (spec.md §9), so the
// only thing worth reproducing from the teacher is the shape of the API
// its callers already expect: leveled, printf-style, safe to call before
// any configuration happens.
package flog

import (
	"io"
	"os"
	"sync"

	"github.com/sirupsen/logrus"
)

var (
	mu  sync.Mutex
	log = logrus.New()
)

func init() {
	log.SetOutput(os.Stderr)
	log.SetLevel(logrus.InfoLevel)
	log.SetFormatter(&logrus.TextFormatter{
		FullTimestamp: true,
	})
}

// SetVerbose switches the sink between Info and Debug level, mirroring the
// teacher's GlobalOptions.Verbose gate.
func SetVerbose(verbose bool) {
	mu.Lock()
	defer mu.Unlock()
	if verbose {
		log.SetLevel(logrus.DebugLevel)
	} else {
		log.SetLevel(logrus.InfoLevel)
	}
}

// SetOutput redirects the sink, e.g. to a debug.log file under the server
// root (spec.md §6).
func SetOutput(w io.Writer) {
	mu.Lock()
	defer mu.Unlock()
	log.SetOutput(w)
}

// WithField returns an entry pre-populated with one structured field, e.g.
// a session id.
func WithField(key string, value interface{}) *logrus.Entry {
	return log.WithField(key, value)
}

func Debugf(format string, args ...interface{}) { log.Debugf(format, args...) }
func Infof(format string, args ...interface{})  { log.Infof(format, args...) }
func Errorf(format string, args ...interface{}) { log.Errorf(format, args...) }
func Warnf(format string, args ...interface{})  { log.Warnf(format, args...) }
