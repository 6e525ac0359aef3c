// Package common provides the shared logging infrastructure for the hub.
// The logger routes error-level output to stderr and everything else to
// stdout so containerized deployments can treat the two streams differently.
package common

import (
	"bytes"
	"os"

	"github.com/sirupsen/logrus"
)

// OutputSplitter routes formatted log lines to stdout or stderr based on
// their level. It operates on the final formatted output and matches the
// text formatter's level=error marker; JSON-formatted lines, whose level
// field is written differently, all go to stdout.
type OutputSplitter struct{}

// Write sends lines containing "level=error" to stderr and everything else
// to stdout.
func (splitter *OutputSplitter) Write(p []byte) (n int, err error) {
	if bytes.Contains(p, []byte("level=error")) {
		return os.Stderr.Write(p)
	}
	return os.Stdout.Write(p)
}

// Logger is the global logger instance for the hub. All services use this
// logger so output handling and field conventions stay uniform.
var Logger = logrus.New()

func init() {
	Logger.SetOutput(&OutputSplitter{})
}
