// Package stream decodes the backend's token stream wire format: newline
// delimited "tag:payload" records where only data records carry events.
package stream

import (
	"bufio"
	"bytes"
	"io"

	"github.com/tidwall/gjson"

	"chatclient/internal/metrics"
)

// Decoder reads discrete events off a raw chunked byte stream. A trailing
// partial line is buffered across reads and never emitted; individual
// malformed records are skipped rather than failing the stream.
type Decoder struct {
	r *bufio.Reader
}

// NewDecoder wraps a byte-chunk source.
func NewDecoder(r io.Reader) *Decoder {
	return &Decoder{r: bufio.NewReader(r)}
}

// Next returns the next decoded event. It returns io.EOF when the underlying
// source ends; an unterminated final line is discarded, not emitted.
func (d *Decoder) Next() (Event, error) {
	for {
		line, err := d.r.ReadBytes('\n')
		if err != nil {
			// Partial trailing line (no newline before EOF) is dropped.
			return Event{}, err
		}

		ev, ok := decodeRecord(bytes.TrimRight(line, "\r\n"))
		if !ok {
			continue
		}
		metrics.EventsDecoded.WithLabelValues(ev.Type).Inc()
		return ev, nil
	}
}

// decodeRecord parses a single "tag:payload" record. Only data records with
// a well-formed JSON payload carrying a type field produce events.
func decodeRecord(line []byte) (Event, bool) {
	if len(line) == 0 {
		return Event{}, false
	}

	tag, payload, found := bytes.Cut(line, []byte(":"))
	if !found || string(tag) != "data" {
		return Event{}, false
	}

	payload = bytes.TrimSpace(payload)
	if !gjson.ValidBytes(payload) {
		metrics.RecordsSkipped.Inc()
		return Event{}, false
	}

	typ := gjson.GetBytes(payload, "type").String()
	if typ == "" {
		metrics.RecordsSkipped.Inc()
		return Event{}, false
	}

	ev := Event{Type: typ}

	switch typ {
	case EventTextDelta:
		ev.Delta = gjson.GetBytes(payload, "delta").String()

	case EventReasoningStart:
		ev.RunID = gjson.GetBytes(payload, "id").String()

	case EventReasoningDelta:
		ev.RunID = gjson.GetBytes(payload, "id").String()
		ev.Delta = gjson.GetBytes(payload, "delta").String()

	case EventReasoningEnd, EventReasoningFinish:
		ev.RunID = gjson.GetBytes(payload, "id").String()

	case EventToolInputStart:
		ev.CallID = callID(payload)
		ev.ToolName = gjson.GetBytes(payload, "toolName").String()

	case EventToolInputAvailable:
		ev.CallID = callID(payload)
		ev.Input = rawField(payload, "input")

	case EventToolOutputAvailable:
		ev.CallID = callID(payload)
		ev.Output = rawField(payload, "output")

	case EventToolCall:
		ev.CallID = callID(payload)
		ev.ToolName = gjson.GetBytes(payload, "toolName").String()
		ev.Input = rawField(payload, "args")

	case EventToolResult:
		ev.CallID = callID(payload)
		ev.Output = rawField(payload, "result")
	}

	return ev, true
}

// callID accepts both current and legacy spellings of the invocation id.
func callID(payload []byte) string {
	if id := gjson.GetBytes(payload, "toolCallId"); id.Exists() {
		return id.String()
	}
	return gjson.GetBytes(payload, "callId").String()
}

func rawField(payload []byte, field string) []byte {
	res := gjson.GetBytes(payload, field)
	if !res.Exists() {
		return nil
	}
	return []byte(res.Raw)
}
