package translate

import (
	"bufio"
	"errors"
	"io"
	"strings"

	"github.com/tidwall/gjson"
)

// ConversationIDFields are checked in order; the first non-empty string wins.
var ConversationIDFields = []string{"conversationId", "conversation_id"}

// Event is one useful upstream data payload. ConversationID is only set on
// the first event of a stream that carries one.
type Event struct {
	Content        string
	ConversationID string
}

// Reader turns an upstream event stream into Events. Payloads that are not
// JSON objects are counted and skipped.
type Reader struct {
	br       *bufio.Reader
	convSeen bool
	skipped  int
	done     bool
}

func NewReader(r io.Reader) *Reader {
	return &Reader{br: bufio.NewReaderSize(r, 32*1024)}
}

// Next returns the next Event, or io.EOF once the stream is exhausted.
func (r *Reader) Next() (Event, error) {
	for !r.done {
		line, err := r.br.ReadString('\n')
		if err != nil {
			if !errors.Is(err, io.EOF) {
				return Event{}, err
			}
			r.done = true
		}
		if ev, ok := r.parseLine(line); ok {
			return ev, nil
		}
	}
	return Event{}, io.EOF
}

// Skipped reports how many data payloads were dropped as malformed.
func (r *Reader) Skipped() int {
	return r.skipped
}

func (r *Reader) parseLine(line string) (Event, bool) {
	line = strings.TrimRight(line, "\r\n")
	payload, ok := strings.CutPrefix(line, "data:")
	if !ok {
		return Event{}, false
	}
	payload = strings.TrimSpace(payload)
	if payload == "" || payload == "[DONE]" {
		return Event{}, false
	}
	if !gjson.Valid(payload) {
		r.skipped++
		return Event{}, false
	}
	doc := gjson.Parse(payload)
	if !doc.IsObject() {
		r.skipped++
		return Event{}, false
	}

	var ev Event
	if !r.convSeen {
		for _, field := range ConversationIDFields {
			v := doc.Get(field)
			if v.Type == gjson.String && v.Str != "" {
				ev.ConversationID = v.Str
				r.convSeen = true
				break
			}
		}
	}
	if c := doc.Get("content"); c.Type == gjson.String {
		ev.Content = c.Str
	}
	if ev.Content == "" && ev.ConversationID == "" {
		return Event{}, false
	}
	return ev, true
}

// Collect drains r into the concatenated content and the conversation id.
func Collect(r *Reader) (content string, conversationID string, err error) {
	var b strings.Builder
	for {
		ev, err := r.Next()
		if errors.Is(err, io.EOF) {
			return b.String(), conversationID, nil
		}
		if err != nil {
			return b.String(), conversationID, err
		}
		if ev.ConversationID != "" {
			conversationID = ev.ConversationID
		}
		b.WriteString(ev.Content)
	}
}
