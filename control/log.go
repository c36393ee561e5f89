// control/log.go
// Author: momentics <momentics@gmail.com>
//
// Structured logging wiring via charmbracelet/log. One logger per Device,
// passed down explicitly through constructors — no package-level
// singleton.

package control

import (
	"os"

	"github.com/charmbracelet/log"
)

// NewLogger builds the default structured logger for a Device: text output
// to stderr at Info level. Fatal paths log one structured record at
// Error level; routine lifecycle transitions log at Debug/Info.
func NewLogger(name string) *log.Logger {
	l := log.NewWithOptions(os.Stderr, log.Options{
		ReportTimestamp: true,
		Prefix:          name,
	})
	l.SetLevel(log.InfoLevel)
	return l
}

// LogSite logs a single fatal structured record carrying a stable site
// identifier plus the context an api.Error already accumulated. Each
// fatal path emits the record once; callers get the typed error.
func LogSite(l *log.Logger, site string, err error, fields ...any) {
	args := append([]any{"site", site, "err", err}, fields...)
	l.Error("fatal transport error", args...)
}
