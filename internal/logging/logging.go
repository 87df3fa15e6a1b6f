// Package logging configures commonlog for the proxy.
//
// Stdout carries the LSP stream, so logs go to an append-only file. When the
// file cannot be opened, logs go to stderr instead.
package logging

import (
	"fmt"
	"os"

	"github.com/tliron/commonlog"
	_ "github.com/tliron/commonlog/simple"
)

// Configure sets up logging at verbosity (0 notice, 1 info, 2 debug) to the
// file at path. It returns the destination actually used ("" for stderr) and
// the error that forced the stderr fallback, if any.
func Configure(verbosity int, path string) (string, error) {
	if path == "" {
		commonlog.Configure(verbosity, nil)
		return "", nil
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		commonlog.Configure(verbosity, nil)
		return "", fmt.Errorf("open log file: %w", err)
	}
	f.Close()
	commonlog.Configure(verbosity, &path)
	return path, nil
}

// SetVerbosity changes the level of every logger.
func SetVerbosity(verbosity int) {
	commonlog.SetMaxLevel(commonlog.VerbosityToMaxLevel(verbosity))
}
