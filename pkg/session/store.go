// Package session keeps the mapping from caller-visible session ids to the
// upstream conversation they are bound to.
package session

import (
	"context"
	"errors"
	"time"
)

var ErrClosed = errors.New("session store closed")

// State is the continuity record of one session. A session with no
// conversation id is new; the next upstream call starts a conversation.
type State struct {
	ConversationID string    `json:"conversation_id"`
	TurnIndex      int       `json:"turn_index"`
	UpdatedAt      time.Time `json:"updated_at,omitzero"`
}

func (s State) IsNew() bool {
	return s.ConversationID == ""
}

type Record struct {
	ID string `json:"session_id"`
	State
}

// Store is a durable keyed record store. Update must be atomic per id and
// must not serialize updates of different ids.
type Store interface {
	Get(ctx context.Context, id string) (State, error)
	Update(ctx context.Context, id string, fn func(State) State) (State, error)
	Delete(ctx context.Context, id string) error
	List(ctx context.Context) ([]Record, error)
}
