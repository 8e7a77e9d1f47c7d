package cmdutil

import (
	"io"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
)

// NewLogger creates a logfmt logger writing to w, filtered to ll.
func NewLogger(w io.Writer, ll LogLevel, program string) log.Logger {
	l := log.NewLogfmtLogger(log.NewSyncWriter(w))
	l = level.NewFilter(l, ll.FilterOption())
	return log.With(l, "ts", log.DefaultTimestamp, "caller", log.DefaultCaller, "program", program)
}
