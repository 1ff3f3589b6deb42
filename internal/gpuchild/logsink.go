package gpuchild

import (
	"fmt"
	"sort"
	"strings"

	"github.com/breeze-rmm/gpuhost/internal/ipc"
	"github.com/breeze-rmm/gpuhost/internal/logging"
)

// hostLogSink forwards child log records to the host as OnLogMessage.
func hostLogSink(conn *ipc.Conn, pid int) logging.Sink {
	return func(e logging.Entry) error {
		return conn.Send(ipc.TypeOnLogMessage, ipc.OnLogMessage{
			Severity: ipc.SeverityFromLevel(e.Level),
			Header:   fmt.Sprintf("[%d:%s]", pid, e.Component),
			Message:  formatEntry(e),
		})
	}
}

// formatEntry renders the message followed by its fields in key order.
func formatEntry(e logging.Entry) string {
	keys := make([]string, 0, len(e.Fields))
	for k := range e.Fields {
		if k != logging.KeyComponent {
			keys = append(keys, k)
		}
	}
	if len(keys) == 0 {
		return e.Message
	}
	sort.Strings(keys)

	var b strings.Builder
	b.WriteString(e.Message)
	for _, k := range keys {
		fmt.Fprintf(&b, " %s=%v", k, e.Fields[k])
	}
	return b.String()
}
