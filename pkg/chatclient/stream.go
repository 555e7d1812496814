package chatclient

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"

	"github.com/pkg/errors"
)

// Document is a source passage returned alongside an answer.
type Document struct {
	Title   string  `json:"title,omitempty"`
	Source  string  `json:"source,omitempty"`
	URL     string  `json:"url,omitempty"`
	Snippet string  `json:"snippet,omitempty"`
	Score   float64 `json:"score,omitempty"`
}

// Event is one line of the chat stream. Fragments arrive as content or
// token; the stream ends with a done marker or an error event.
type Event struct {
	Type      string     `json:"type,omitempty"`
	Content   string     `json:"content,omitempty"`
	Token     string     `json:"token,omitempty"`
	Done      bool       `json:"done,omitempty"`
	Error     bool       `json:"error,omitempty"`
	Message   string     `json:"message,omitempty"`
	Documents []Document `json:"documents,omitempty"`
}

func (e Event) Fragment() string {
	if e.Content != "" {
		return e.Content
	}
	return e.Token
}

func (e Event) IsDone() bool { return e.Done || e.Type == "done" }

func (e Event) IsError() bool { return e.Error || e.Type == "error" }

// ErrMalformedEvent is returned for a stream line that is not a JSON object.
var ErrMalformedEvent = errors.New("malformed stream event")

// StreamReader decodes a newline-delimited JSON event stream.
type StreamReader struct {
	r *bufio.Reader
}

func NewStreamReader(r io.Reader) *StreamReader {
	return &StreamReader{r: bufio.NewReader(r)}
}

// Next returns the next event, skipping blank lines. It returns io.EOF at a
// clean end of stream and ErrMalformedEvent for a line that does not decode;
// the reader stays usable after a malformed line.
func (s *StreamReader) Next() (Event, error) {
	for {
		line, err := s.r.ReadBytes('\n')
		if err != nil && err != io.EOF {
			// a line cut short by a broken connection is not an event
			return Event{}, errors.Wrap(err, "read stream")
		}
		line = bytes.TrimSpace(line)
		if len(line) == 0 {
			if err != nil {
				return Event{}, err
			}
			continue
		}
		var ev Event
		if uerr := json.Unmarshal(line, &ev); uerr != nil {
			return Event{}, errors.Wrapf(ErrMalformedEvent, "%q", truncate(line, 80))
		}
		// A final line without a trailing newline is still an event; the
		// read error resurfaces on the next call.
		return ev, nil
	}
}

// Process calls fn for every event until a done or error event, the end of
// the stream, or ctx is cancelled. Malformed lines are skipped; the first one
// is returned once the stream ends, unless an error event arrived later.
func (s *StreamReader) Process(ctx context.Context, fn func(Event)) error {
	var malformed error
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		ev, err := s.Next()
		if err == io.EOF {
			return malformed
		}
		if errors.Is(err, ErrMalformedEvent) {
			if malformed == nil {
				malformed = err
			}
			continue
		}
		if err != nil {
			return err
		}
		fn(ev)
		if ev.IsError() {
			return nil
		}
		if ev.IsDone() {
			return malformed
		}
	}
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
