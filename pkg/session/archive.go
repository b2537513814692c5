package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/klauspost/compress/zstd"
	"github.com/lkarlslund/xiaobairouter/pkg/cache"
)

// Export writes every session as zstd-compressed JSON lines.
func Export(ctx context.Context, s Store, w io.Writer) (int, error) {
	records, err := s.List(ctx)
	if err != nil {
		return 0, err
	}
	zw, err := zstd.NewWriter(w)
	if err != nil {
		return 0, fmt.Errorf("create zstd writer: %w", err)
	}
	enc := json.NewEncoder(zw)
	for _, rec := range records {
		if err := enc.Encode(rec); err != nil {
			_ = zw.Close()
			return 0, fmt.Errorf("encode session %q: %w", rec.ID, err)
		}
	}
	if err := zw.Close(); err != nil {
		return 0, fmt.Errorf("flush zstd writer: %w", err)
	}
	return len(records), nil
}

// Import reads an Export stream and overwrites the listed sessions.
func Import(ctx context.Context, s Store, r io.Reader) (int, error) {
	zr, err := zstd.NewReader(r)
	if err != nil {
		return 0, fmt.Errorf("create zstd reader: %w", err)
	}
	defer zr.Close()
	dec := json.NewDecoder(zr)
	n := 0
	for {
		var rec Record
		err := dec.Decode(&rec)
		if errors.Is(err, io.EOF) {
			return n, nil
		}
		if err != nil {
			return n, fmt.Errorf("decode session record: %w", err)
		}
		if strings.TrimSpace(rec.ID) == "" {
			continue
		}
		st := rec.State
		if _, err := s.Update(ctx, rec.ID, func(State) State { return st }); err != nil {
			return n, err
		}
		n++
	}
}

type legacyEntry struct {
	ConversationID *string `json:"conversation_id"`
	TurnIndex      int     `json:"turn_index"`
}

// ImportLegacyJSON seeds the store from a flat sessions.json file
// ({id: {conversation_id, turn_index}}). Sessions already in the store win.
// A missing file imports nothing.
func ImportLegacyJSON(ctx context.Context, s Store, path string) (int, error) {
	if strings.TrimSpace(path) == "" {
		return 0, nil
	}
	var entries map[string]legacyEntry
	if err := cache.LoadJSON(path, &entries); err != nil {
		if errors.Is(err, cache.ErrNotFound) {
			return 0, nil
		}
		return 0, err
	}
	n := 0
	for id, e := range entries {
		imported := false
		_, err := s.Update(ctx, id, func(cur State) State {
			if !cur.IsNew() || cur.TurnIndex != 0 {
				return cur
			}
			imported = true
			next := State{TurnIndex: e.TurnIndex}
			if e.ConversationID != nil {
				next.ConversationID = *e.ConversationID
			}
			return next
		})
		if err != nil {
			return n, err
		}
		if imported {
			n++
		}
	}
	return n, nil
}
