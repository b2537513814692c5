package session

import (
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"
)

const DefaultSessionID = "default-session"

// Pointer names the session used by callers that do not supply one. It only
// moves through compare-and-swap so concurrent rotations of the same
// exhausted default collapse into one.
type Pointer struct {
	cur      atomic.Pointer[string]
	prefix   string
	seq      atomic.Uint64
	now      func() time.Time
	onRotate func(string) error
}

func NewPointer(initial string) *Pointer {
	initial = strings.TrimSpace(initial)
	if initial == "" {
		initial = DefaultSessionID
	}
	p := &Pointer{prefix: basePrefix(initial), now: time.Now}
	p.cur.Store(&initial)
	return p
}

// OnRotate registers a hook run after every successful rotation, typically
// to persist the new id. Hook errors are logged.
func (p *Pointer) OnRotate(fn func(string) error) {
	p.onRotate = fn
}

func (p *Pointer) Current() string {
	return *p.cur.Load()
}

// Rotate replaces observed with a fresh id. If another caller already moved
// the pointer, the current id is returned with rotated=false.
func (p *Pointer) Rotate(observed string) (current string, rotated bool) {
	old := p.cur.Load()
	if *old != observed {
		return *old, false
	}
	next := fmt.Sprintf("%s-%d", p.prefix, p.now().Unix())
	if next == observed {
		next = fmt.Sprintf("%s-%d-%d", p.prefix, p.now().Unix(), p.seq.Add(1))
	}
	if !p.cur.CompareAndSwap(old, &next) {
		return p.Current(), false
	}
	if p.onRotate != nil {
		if err := p.onRotate(next); err != nil {
			slog.Warn("persist default session failed", "session_id", next, "error", err)
		}
	}
	return next, true
}

// basePrefix strips a rotation suffix so that a restored
// "default-session-1760000000" keeps rotating as "default-session-<unix>".
func basePrefix(id string) string {
	if !strings.HasPrefix(id, DefaultSessionID) {
		return id
	}
	return DefaultSessionID
}
