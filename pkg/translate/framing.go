package translate

import (
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/google/uuid"
)

const (
	objectChunk      = "chat.completion.chunk"
	objectCompletion = "chat.completion"
	finishStop       = "stop"
)

type Delta struct {
	Content string `json:"content,omitempty"`
}

type ChunkChoice struct {
	Index        int     `json:"index"`
	Delta        Delta   `json:"delta"`
	FinishReason *string `json:"finish_reason"`
}

type Chunk struct {
	ID      string        `json:"id"`
	Object  string        `json:"object"`
	Created int64         `json:"created"`
	Model   string        `json:"model"`
	Choices []ChunkChoice `json:"choices"`
}

type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type CompletionChoice struct {
	Index        int     `json:"index"`
	Message      Message `json:"message"`
	FinishReason string  `json:"finish_reason"`
}

type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

type Completion struct {
	ID      string             `json:"id"`
	Object  string             `json:"object"`
	Created int64              `json:"created"`
	Model   string             `json:"model"`
	Choices []CompletionChoice `json:"choices"`
	Usage   Usage              `json:"usage"`
}

func NewChatID() string {
	return "chatcmpl-" + uuid.NewString()
}

// NewCompletion wraps buffered content. Usage is always zero; the upstream
// does not report token counts.
func NewCompletion(id, model string, created time.Time, content string) Completion {
	return Completion{
		ID:      id,
		Object:  objectCompletion,
		Created: created.Unix(),
		Model:   model,
		Choices: []CompletionChoice{{
			Index:        0,
			Message:      Message{Role: "assistant", Content: content},
			FinishReason: finishStop,
		}},
	}
}

// StreamWriter frames deltas as OpenAI chunk events. If w can Flush, every
// event is flushed as soon as it is written.
type StreamWriter struct {
	w       io.Writer
	flusher interface{ Flush() }
	id      string
	model   string
	created int64
	chunks  int
}

func NewStreamWriter(w io.Writer, id, model string, created time.Time) *StreamWriter {
	f, _ := w.(interface{ Flush() })
	return &StreamWriter{w: w, flusher: f, id: id, model: model, created: created.Unix()}
}

// Delta writes one content chunk. Empty content is dropped.
func (s *StreamWriter) Delta(content string) error {
	if content == "" {
		return nil
	}
	if err := s.write(Chunk{
		ID:      s.id,
		Object:  objectChunk,
		Created: s.created,
		Model:   s.model,
		Choices: []ChunkChoice{{Index: 0, Delta: Delta{Content: content}}},
	}); err != nil {
		return err
	}
	s.chunks++
	return nil
}

// Stop writes the terminal chunk and the [DONE] marker.
func (s *StreamWriter) Stop() error {
	reason := finishStop
	if err := s.write(Chunk{
		ID:      s.id,
		Object:  objectChunk,
		Created: s.created,
		Model:   s.model,
		Choices: []ChunkChoice{{Index: 0, FinishReason: &reason}},
	}); err != nil {
		return err
	}
	if _, err := io.WriteString(s.w, "data: [DONE]\n\n"); err != nil {
		return err
	}
	s.flush()
	return nil
}

// Chunks reports how many content chunks were written.
func (s *StreamWriter) Chunks() int {
	return s.chunks
}

func (s *StreamWriter) write(c Chunk) error {
	b, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("encode chunk: %w", err)
	}
	if _, err := fmt.Fprintf(s.w, "data: %s\n\n", b); err != nil {
		return err
	}
	s.flush()
	return nil
}

func (s *StreamWriter) flush() {
	if s.flusher != nil {
		s.flusher.Flush()
	}
}
