package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/dgraph-io/badger/v4"
)

const (
	sessionPrefix  = "session/"
	defaultKey     = "meta/default-session"
	maxTxnAttempts = 32
)

type Config struct {
	// Path is the database directory. Ignored when InMemory is set.
	Path       string
	InMemory   bool
	SyncWrites bool
	Logger     *slog.Logger

	// GCInterval of zero disables value log GC.
	GCInterval     time.Duration
	GCDiscardRatio float64
}

func DefaultConfig(path string) Config {
	return Config{
		Path:           path,
		SyncWrites:     true,
		GCInterval:     10 * time.Minute,
		GCDiscardRatio: 0.5,
	}
}

func InMemoryConfig() Config {
	return Config{InMemory: true}
}

// BadgerStore persists one key per session. Read-modify-write runs in a
// badger transaction under a per-id lock.
type BadgerStore struct {
	db    *badger.DB
	locks keyLocks
	now   func() time.Time

	done      chan struct{}
	wg        sync.WaitGroup
	closeOnce sync.Once
}

type badgerLogger struct {
	logger *slog.Logger
}

func (l *badgerLogger) Errorf(format string, args ...any) {
	l.logger.Error(strings.TrimSpace(fmt.Sprintf(format, args...)))
}

func (l *badgerLogger) Warningf(format string, args ...any) {
	l.logger.Warn(strings.TrimSpace(fmt.Sprintf(format, args...)))
}

func (l *badgerLogger) Infof(format string, args ...any) {
	l.logger.Debug(strings.TrimSpace(fmt.Sprintf(format, args...)))
}

func (l *badgerLogger) Debugf(format string, args ...any) {
	l.logger.Debug(strings.TrimSpace(fmt.Sprintf(format, args...)))
}

func Open(cfg Config) (*BadgerStore, error) {
	var opts badger.Options
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if strings.TrimSpace(cfg.Path) == "" {
			return nil, errors.New("session store path is required")
		}
		if err := os.MkdirAll(cfg.Path, 0o700); err != nil {
			return nil, fmt.Errorf("create session store dir: %w", err)
		}
		opts = badger.DefaultOptions(cfg.Path)
	}
	opts = opts.WithSyncWrites(cfg.SyncWrites).WithNumVersionsToKeep(1)
	if cfg.Logger != nil {
		opts = opts.WithLogger(&badgerLogger{logger: cfg.Logger})
	} else {
		opts = opts.WithLogger(nil)
	}

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open session store: %w", err)
	}
	s := &BadgerStore{
		db:    db,
		locks: keyLocks{m: map[string]*keyLock{}},
		now:   time.Now,
		done:  make(chan struct{}),
	}
	if !cfg.InMemory && cfg.GCInterval > 0 {
		ratio := cfg.GCDiscardRatio
		if ratio <= 0 || ratio >= 1 {
			ratio = 0.5
		}
		s.wg.Add(1)
		go s.gcLoop(cfg.GCInterval, ratio)
	}
	return s, nil
}

func (s *BadgerStore) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.done)
		s.wg.Wait()
		err = s.db.Close()
	})
	return err
}

func (s *BadgerStore) Get(ctx context.Context, id string) (State, error) {
	if err := ctx.Err(); err != nil {
		return State{}, err
	}
	var st State
	err := s.db.View(func(txn *badger.Txn) error {
		var err error
		st, err = readState(txn, sessionKey(id))
		return err
	})
	if err != nil {
		return State{}, s.wrap("get", id, err)
	}
	return st, nil
}

func (s *BadgerStore) Update(ctx context.Context, id string, fn func(State) State) (State, error) {
	unlock := s.locks.lock(id)
	defer unlock()

	key := sessionKey(id)
	for attempt := 0; attempt < maxTxnAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return State{}, err
		}
		var next State
		err := s.db.Update(func(txn *badger.Txn) error {
			cur, err := readState(txn, key)
			if err != nil {
				return err
			}
			next = fn(cur)
			next.UpdatedAt = s.now().UTC()
			b, err := json.Marshal(next)
			if err != nil {
				return err
			}
			return txn.Set(key, b)
		})
		if errors.Is(err, badger.ErrConflict) {
			continue
		}
		if err != nil {
			return State{}, s.wrap("update", id, err)
		}
		return next, nil
	}
	return State{}, s.wrap("update", id, badger.ErrConflict)
}

func (s *BadgerStore) Delete(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	unlock := s.locks.lock(id)
	defer unlock()
	err := s.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(sessionKey(id))
	})
	return s.wrap("delete", id, err)
}

func (s *BadgerStore) List(ctx context.Context) ([]Record, error) {
	var out []Record
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(sessionPrefix)
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			item := it.Item()
			var st State
			if err := item.Value(func(v []byte) error { return json.Unmarshal(v, &st) }); err != nil {
				return fmt.Errorf("decode %s: %w", item.Key(), err)
			}
			out = append(out, Record{ID: strings.TrimPrefix(string(item.Key()), sessionPrefix), State: st})
		}
		return nil
	})
	if err != nil {
		return nil, s.wrap("list", "", err)
	}
	return out, nil
}

// DefaultSession returns the persisted default session id, or "" if none.
func (s *BadgerStore) DefaultSession(ctx context.Context) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	var id string
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(defaultKey))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		b, err := item.ValueCopy(nil)
		id = string(b)
		return err
	})
	if err != nil {
		return "", s.wrap("get", defaultKey, err)
	}
	return id, nil
}

func (s *BadgerStore) SetDefaultSession(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	err := s.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(defaultKey), []byte(id))
	})
	return s.wrap("set", defaultKey, err)
}

func (s *BadgerStore) gcLoop(interval time.Duration, ratio float64) {
	defer s.wg.Done()
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-s.done:
			return
		case <-t.C:
			for {
				if err := s.db.RunValueLogGC(ratio); err != nil {
					if !errors.Is(err, badger.ErrNoRewrite) {
						slog.Warn("session store value log gc failed", "error", err)
					}
					break
				}
			}
		}
	}
}

func (s *BadgerStore) wrap(op, id string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, badger.ErrDBClosed) {
		err = ErrClosed
	}
	if id == "" {
		return fmt.Errorf("session %s: %w", op, err)
	}
	return fmt.Errorf("session %s %q: %w", op, id, err)
}

func sessionKey(id string) []byte {
	return []byte(sessionPrefix + id)
}

func readState(txn *badger.Txn, key []byte) (State, error) {
	item, err := txn.Get(key)
	if errors.Is(err, badger.ErrKeyNotFound) {
		return State{}, nil
	}
	if err != nil {
		return State{}, err
	}
	var st State
	err = item.Value(func(v []byte) error {
		return json.Unmarshal(v, &st)
	})
	return st, err
}

type keyLock struct {
	mu   sync.Mutex
	refs int
}

type keyLocks struct {
	mu sync.Mutex
	m  map[string]*keyLock
}

func (l *keyLocks) lock(key string) func() {
	l.mu.Lock()
	kl, ok := l.m[key]
	if !ok {
		kl = &keyLock{}
		l.m[key] = kl
	}
	kl.refs++
	l.mu.Unlock()

	kl.mu.Lock()
	return func() {
		kl.mu.Unlock()
		l.mu.Lock()
		kl.refs--
		if kl.refs == 0 {
			delete(l.m, key)
		}
		l.mu.Unlock()
	}
}
