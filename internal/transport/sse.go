package transport

import (
	"bytes"
	"encoding/json"
	"io"
	"iter"

	sse "github.com/tmaxmax/go-sse"
)

// maxSSEEvent bounds a single event of an event stream.
const maxSSEEvent = 16 << 20

// sseEvent is one dispatched server-sent event.
type sseEvent struct {
	Event string
	Data  string
	ID    string
}

// readEvents ranges over the events of a text/event-stream body. Events
// without data are skipped and unnamed events are reported as "message".
func readEvents(r io.Reader) iter.Seq2[sseEvent, error] {
	return func(yield func(sseEvent, error) bool) {
		for ev, err := range sse.Read(r, &sse.ReadConfig{MaxEventSize: maxSSEEvent}) {
			if err != nil {
				yield(sseEvent{}, err)
				return
			}
			if ev.Data == "" {
				continue
			}
			name := ev.Type
			if name == "" {
				name = "message"
			}
			if !yield(sseEvent{Event: name, Data: ev.Data, ID: ev.LastEventID}, nil) {
				return
			}
		}
	}
}

// sseReader pulls events one at a time from a stream.
type sseReader struct {
	next func() (sseEvent, error, bool)
	stop func()
}

func newSSEReader(r io.Reader) *sseReader {
	next, stop := iter.Pull2(readEvents(r))
	return &sseReader{next: next, stop: stop}
}

// Next returns the next event, or io.EOF at end of stream.
func (r *sseReader) Next() (sseEvent, error) {
	ev, err, ok := r.next()
	if !ok {
		return sseEvent{}, io.EOF
	}
	return ev, err
}

// Close releases the reader. It does not close the underlying stream.
func (r *sseReader) Close() { r.stop() }

// writeSSE writes a single event frame. Data spanning several lines is
// split over several data fields, which readers join back with newlines.
func writeSSE(w io.Writer, event string, data []byte) error {
	m := &sse.Message{Type: sse.Type(event)}
	m.AppendData(string(data))
	_, err := m.WriteTo(w)
	return err
}

// singleLine returns b with insignificant JSON whitespace removed when it
// spans several lines, so it can be framed by a newline.
func singleLine(b []byte) []byte {
	if !bytes.ContainsAny(b, "\r\n") {
		return b
	}
	var buf bytes.Buffer
	if err := json.Compact(&buf, b); err != nil {
		return b
	}
	return buf.Bytes()
}
