// Package logfmt provides a tab-delimited logrus.Formatter so that
// mccache's structured debug/info records stay stable and greppable,
// both for operators and for tests that assert on emitted fields.
package logfmt

import (
	"bytes"
	"fmt"
	"sort"
	"time"

	"github.com/sirupsen/logrus"
)

// Formatter renders a logrus.Entry as:
//
//	<RFC3339 time>\t<LEVEL>\t<message>\t<key=value>\t<key=value>...
//
// Field order is deterministic (alphabetical) so line-diffing tests
// never flake on map iteration order.
type Formatter struct {
	TimestampFormat string
}

var _ logrus.Formatter = (*Formatter)(nil)

func (f *Formatter) Format(e *logrus.Entry) ([]byte, error) {
	ts := f.TimestampFormat
	if ts == "" {
		ts = time.RFC3339Nano
	}

	var buf bytes.Buffer
	buf.WriteString(e.Time.Format(ts))
	buf.WriteByte('\t')
	buf.WriteString(fmt.Sprintf("%-5s", levelName(e.Level)))
	buf.WriteByte('\t')
	buf.WriteString(e.Message)

	keys := make([]string, 0, len(e.Data))
	for k := range e.Data {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		buf.WriteByte('\t')
		fmt.Fprintf(&buf, "%s=%v", k, e.Data[k])
	}
	buf.WriteByte('\n')
	return buf.Bytes(), nil
}

func levelName(l logrus.Level) string {
	switch l {
	case logrus.PanicLevel:
		return "PANIC"
	case logrus.FatalLevel:
		return "FATAL"
	case logrus.ErrorLevel:
		return "ERROR"
	case logrus.WarnLevel:
		return "WARN"
	case logrus.InfoLevel:
		return "INFO"
	case logrus.DebugLevel:
		return "DEBUG"
	case logrus.TraceLevel:
		return "TRACE"
	default:
		return "UNKNOWN"
	}
}
