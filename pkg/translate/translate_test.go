package translate

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"strings"
	"testing"
	"time"
)

func readAll(t *testing.T, r *Reader) []Event {
	t.Helper()
	var out []Event
	for {
		ev, err := r.Next()
		if errors.Is(err, io.EOF) {
			return out
		}
		if err != nil {
			t.Fatalf("next: %v", err)
		}
		out = append(out, ev)
	}
}

func TestReaderStreamingRoundTrip(t *testing.T) {
	src := "data: {\"content\":\"A\"}\n\ndata: {\"content\":\"B\"}\n\ndata: [DONE]\n\n"
	r := NewReader(strings.NewReader(src))
	var buf bytes.Buffer
	created := time.Unix(1760000000, 0)
	sw := NewStreamWriter(&buf, "chatcmpl-x", "wenxiaobai-base", created)
	for _, ev := range readAll(t, r) {
		if err := sw.Delta(ev.Content); err != nil {
			t.Fatalf("delta: %v", err)
		}
	}
	if err := sw.Stop(); err != nil {
		t.Fatalf("stop: %v", err)
	}

	frames := strings.Split(strings.TrimSuffix(buf.String(), "\n\n"), "\n\n")
	if len(frames) != 4 {
		t.Fatalf("expected 4 frames, got %d: %q", len(frames), buf.String())
	}
	for i, want := range []string{"A", "B"} {
		var c Chunk
		if err := json.Unmarshal([]byte(strings.TrimPrefix(frames[i], "data: ")), &c); err != nil {
			t.Fatalf("decode frame %d: %v", i, err)
		}
		if c.Object != "chat.completion.chunk" || c.ID != "chatcmpl-x" || c.Model != "wenxiaobai-base" || c.Created != 1760000000 {
			t.Fatalf("unexpected chunk envelope %+v", c)
		}
		if c.Choices[0].Delta.Content != want || c.Choices[0].FinishReason != nil {
			t.Fatalf("unexpected chunk %d: %+v", i, c.Choices[0])
		}
	}
	wantStop := `data: {"id":"chatcmpl-x","object":"chat.completion.chunk","created":1760000000,"model":"wenxiaobai-base","choices":[{"index":0,"delta":{},"finish_reason":"stop"}]}`
	if frames[2] != wantStop {
		t.Fatalf("unexpected stop frame:\n got %s\nwant %s", frames[2], wantStop)
	}
	if frames[3] != "data: [DONE]" {
		t.Fatalf("unexpected terminal frame %q", frames[3])
	}
	if sw.Chunks() != 2 {
		t.Fatalf("expected 2 content chunks, got %d", sw.Chunks())
	}
}

func TestCollectBuffered(t *testing.T) {
	src := "data: {\"content\":\"A\"}\n\ndata: {\"content\":\"B\"}\n\ndata: [DONE]\n\n"
	content, conv, err := Collect(NewReader(strings.NewReader(src)))
	if err != nil {
		t.Fatalf("collect: %v", err)
	}
	if content != "AB" || conv != "" {
		t.Fatalf("unexpected collect result %q %q", content, conv)
	}
	c := NewCompletion("chatcmpl-y", "m", time.Unix(5, 0), content)
	b, _ := json.Marshal(c)
	want := `{"id":"chatcmpl-y","object":"chat.completion","created":5,"model":"m","choices":[{"index":0,"message":{"role":"assistant","content":"AB"},"finish_reason":"stop"}],"usage":{"prompt_tokens":0,"completion_tokens":0,"total_tokens":0}}`
	if string(b) != want {
		t.Fatalf("unexpected completion:\n got %s\nwant %s", b, want)
	}
}

func TestReaderSkipsMalformedPayloads(t *testing.T) {
	src := strings.Join([]string{
		"event: message",
		`data: {"content":"A"}`,
		`data: {"content":`,
		"data: [1,2]",
		`data: {"content":"B"}`,
		"",
	}, "\n")
	r := NewReader(strings.NewReader(src))
	events := readAll(t, r)
	if len(events) != 2 || events[0].Content != "A" || events[1].Content != "B" {
		t.Fatalf("unexpected events %+v", events)
	}
	if r.Skipped() != 2 {
		t.Fatalf("expected 2 skipped payloads, got %d", r.Skipped())
	}
}

func TestReaderReportsConversationIDOnce(t *testing.T) {
	src := strings.Join([]string{
		`data: {"conversationId":"","content":""}`,
		`data: {"conversationId":"conv-1"}`,
		`data: {"conversationId":"conv-1","content":"hi"}`,
		`data: {"conversationId":"conv-2","content":"!"}`,
	}, "\r\n")
	events := readAll(t, NewReader(strings.NewReader(src)))
	if len(events) != 3 {
		t.Fatalf("expected 3 events, got %+v", events)
	}
	if events[0].ConversationID != "conv-1" || events[0].Content != "" {
		t.Fatalf("unexpected first event %+v", events[0])
	}
	for _, ev := range events[1:] {
		if ev.ConversationID != "" {
			t.Fatalf("conversation id reported twice: %+v", events)
		}
	}
	if events[1].Content != "hi" || events[2].Content != "!" {
		t.Fatalf("unexpected content %+v", events)
	}
}

func TestReaderConversationIDAlias(t *testing.T) {
	src := "data: {\"conversation_id\":\"c-9\",\"content\":\"x\"}\n"
	_, conv, err := Collect(NewReader(strings.NewReader(src)))
	if err != nil {
		t.Fatal(err)
	}
	if conv != "c-9" {
		t.Fatalf("expected alias to be honoured, got %q", conv)
	}
}

func TestReaderIgnoresNonStringContent(t *testing.T) {
	src := "data: {\"content\":{\"nested\":true}}\ndata: {\"content\":7}\ndata: {\"content\":\"ok\"}"
	content, _, err := Collect(NewReader(strings.NewReader(src)))
	if err != nil {
		t.Fatal(err)
	}
	if content != "ok" {
		t.Fatalf("unexpected content %q", content)
	}
}

type failingReader struct{ err error }

func (f failingReader) Read([]byte) (int, error) { return 0, f.err }

func TestReaderPropagatesReadErrors(t *testing.T) {
	boom := errors.New("reset")
	_, err := NewReader(failingReader{err: boom}).Next()
	if !errors.Is(err, boom) {
		t.Fatalf("expected read error, got %v", err)
	}
}

func TestNewChatIDPrefix(t *testing.T) {
	id := NewChatID()
	if !strings.HasPrefix(id, "chatcmpl-") || len(id) != len("chatcmpl-")+36 {
		t.Fatalf("unexpected chat id %q", id)
	}
}
