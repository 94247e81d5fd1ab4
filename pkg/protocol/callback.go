package protocol

import (
	"bytes"
	"encoding/json"
	"strings"
)

// Messages handed to the error callback
const (
	MsgMissingDates = "No startDate or endDate provided"
	MsgNoData       = "Failed to find any data in that range"
	MsgEngineFailed = "Failed to query data engine"
)

// Invocation is a script call ready to be evaluated by the chart surface
type Invocation struct {
	RequestID string `json:"requestId"`
	Callback  string `json:"callback"`
	Success   bool   `json:"success"`
	Script    string `json:"script"`
}

var jsEscaper = strings.NewReplacer(
	`\`, `\\`,
	`'`, `\'`,
	"\n", `\n`,
	"\r", `\r`,
	"\u2028", `\u2028`,
	"\u2029", `\u2029`,
)

// EscapeJS escapes s for embedding in a single-quoted script string literal
func EscapeJS(s string) string {
	return jsEscaper.Replace(s)
}

// CompactPayload validates an engine payload and strips insignificant whitespace
func CompactPayload(payload []byte) ([]byte, error) {
	var buf bytes.Buffer
	if err := json.Compact(&buf, payload); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// FormatSuccess builds callback('<json>','<args>'). args is passed through as is.
func FormatSuccess(callback string, payload []byte, args string) string {
	var sb strings.Builder
	sb.Grow(len(callback) + len(payload) + len(args) + 8)
	sb.WriteString(callback)
	sb.WriteString("('")
	sb.WriteString(EscapeJS(string(payload)))
	sb.WriteString("','")
	sb.WriteString(args)
	sb.WriteString("')")
	return sb.String()
}

// FormatError builds callback('<message>')
func FormatError(callback, message string) string {
	return callback + "('" + EscapeJS(message) + "')"
}
