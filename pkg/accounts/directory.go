// Package accounts is the caller-credential directory: users, their API keys
// and the upstream access tokens each user has registered, plus usage and
// task bookkeeping.
package accounts

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/base64"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"golang.org/x/crypto/bcrypt"
	_ "modernc.org/sqlite"
)

var (
	ErrInvalidKey         = errors.New("invalid api key")
	ErrNoActiveToken      = errors.New("no active upstream token for user")
	ErrNotFound           = errors.New("not found")
	ErrInvalidCredentials = errors.New("invalid username or password")
)

const apiKeyPrefix = "wxb-"

const schema = `
CREATE TABLE IF NOT EXISTS users (
	id            INTEGER PRIMARY KEY AUTOINCREMENT,
	username      TEXT UNIQUE NOT NULL,
	password_hash TEXT NOT NULL,
	email         TEXT NOT NULL DEFAULT '',
	is_admin      INTEGER NOT NULL DEFAULT 0,
	is_active     INTEGER NOT NULL DEFAULT 1,
	created_at    INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS api_keys (
	id         INTEGER PRIMARY KEY AUTOINCREMENT,
	user_id    INTEGER NOT NULL REFERENCES users(id) ON DELETE CASCADE,
	api_key    TEXT UNIQUE NOT NULL,
	name       TEXT NOT NULL,
	is_active  INTEGER NOT NULL DEFAULT 1,
	created_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS tokens (
	id                 INTEGER PRIMARY KEY AUTOINCREMENT,
	user_id            INTEGER NOT NULL REFERENCES users(id) ON DELETE CASCADE,
	name               TEXT NOT NULL,
	token              TEXT NOT NULL,
	device_id          TEXT NOT NULL DEFAULT '',
	upstream_username  TEXT UNIQUE,
	balance            REAL NOT NULL DEFAULT 0,
	last_balance_check INTEGER NOT NULL DEFAULT 0,
	is_active          INTEGER NOT NULL DEFAULT 1,
	auto_task_enabled  INTEGER NOT NULL DEFAULT 0,
	api_calls_today    INTEGER NOT NULL DEFAULT 0,
	last_call_date     TEXT NOT NULL DEFAULT '',
	created_at         INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS usage_logs (
	id          INTEGER PRIMARY KEY AUTOINCREMENT,
	user_id     INTEGER NOT NULL,
	api_key_id  INTEGER NOT NULL,
	token_id    INTEGER NOT NULL,
	model       TEXT NOT NULL,
	session_id  TEXT NOT NULL DEFAULT '',
	request_id  TEXT NOT NULL DEFAULT '',
	status      INTEGER NOT NULL DEFAULT 0,
	created_at  INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS task_logs (
	id             INTEGER PRIMARY KEY AUTOINCREMENT,
	token_id       INTEGER NOT NULL,
	task_type      TEXT NOT NULL,
	task_id        TEXT NOT NULL,
	rewards_earned REAL NOT NULL DEFAULT 0,
	day            TEXT NOT NULL,
	created_at     INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_tokens_user ON tokens(user_id, is_active);
CREATE INDEX IF NOT EXISTS idx_task_logs_day ON task_logs(token_id, day);
`

type Config struct {
	Path        string
	BusyTimeout time.Duration
	// Location decides where the daily counters roll over. Defaults to time.Local.
	Location *time.Location
}

type Directory struct {
	db        *sql.DB
	loc       *time.Location
	now       func() time.Time
	closeOnce sync.Once
}

type User struct {
	ID        int64
	Username  string
	Email     string
	IsAdmin   bool
	IsActive  bool
	CreatedAt time.Time
}

type Token struct {
	ID               int64
	UserID           int64
	Name             string
	AccessToken      string
	DeviceID         string
	UpstreamUsername string
	Balance          float64
	LastBalanceCheck time.Time
	IsActive         bool
	AutoTask         bool
	CallsToday       int
	LastCallDate     string
	CreatedAt        time.Time
}

// Grant is what a valid API key resolves to.
type Grant struct {
	UserID   int64
	Username string
	APIKeyID int64
	Token    Token
}

func Open(cfg Config) (*Directory, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("accounts db path cannot be empty")
	}
	if cfg.BusyTimeout <= 0 {
		cfg.BusyTimeout = 5 * time.Second
	}
	if cfg.Location == nil {
		cfg.Location = time.Local
	}
	if err := os.MkdirAll(filepath.Dir(cfg.Path), 0o700); err != nil {
		return nil, fmt.Errorf("create accounts dir: %w", err)
	}
	dsn := fmt.Sprintf("%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(%d)&_pragma=synchronous(NORMAL)&_pragma=foreign_keys(ON)",
		cfg.Path, cfg.BusyTimeout.Milliseconds())
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open accounts db: %w", err)
	}
	// Single writer.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("init accounts schema: %w", err)
	}
	return &Directory{db: db, loc: cfg.Location, now: time.Now}, nil
}

func (d *Directory) Close() error {
	var err error
	d.closeOnce.Do(func() { err = d.db.Close() })
	return err
}

func (d *Directory) today() string {
	return d.now().In(d.loc).Format(time.DateOnly)
}

func (d *Directory) CreateUser(ctx context.Context, username, password, email string, isAdmin bool) (int64, error) {
	username = strings.TrimSpace(username)
	if username == "" || password == "" {
		return 0, errors.New("username and password are required")
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return 0, fmt.Errorf("hash password: %w", err)
	}
	res, err := d.db.ExecContext(ctx,
		`INSERT INTO users (username, password_hash, email, is_admin, created_at) VALUES (?, ?, ?, ?, ?)`,
		username, string(hash), strings.TrimSpace(email), isAdmin, d.now().Unix())
	if err != nil {
		return 0, fmt.Errorf("create user %q: %w", username, err)
	}
	return res.LastInsertId()
}

func (d *Directory) Authenticate(ctx context.Context, username, password string) (User, error) {
	var (
		u    User
		hash string
		at   int64
	)
	err := d.db.QueryRowContext(ctx,
		`SELECT id, username, email, is_admin, is_active, created_at, password_hash FROM users WHERE username = ?`,
		strings.TrimSpace(username)).Scan(&u.ID, &u.Username, &u.Email, &u.IsAdmin, &u.IsActive, &at, &hash)
	if errors.Is(err, sql.ErrNoRows) {
		return User{}, ErrInvalidCredentials
	}
	if err != nil {
		return User{}, fmt.Errorf("load user: %w", err)
	}
	if !u.IsActive || bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)) != nil {
		return User{}, ErrInvalidCredentials
	}
	u.CreatedAt = time.Unix(at, 0)
	return u, nil
}

func (d *Directory) UserByName(ctx context.Context, username string) (User, error) {
	var (
		u  User
		at int64
	)
	err := d.db.QueryRowContext(ctx,
		`SELECT id, username, email, is_admin, is_active, created_at FROM users WHERE username = ?`,
		strings.TrimSpace(username)).Scan(&u.ID, &u.Username, &u.Email, &u.IsAdmin, &u.IsActive, &at)
	if errors.Is(err, sql.ErrNoRows) {
		return User{}, ErrNotFound
	}
	if err != nil {
		return User{}, fmt.Errorf("load user: %w", err)
	}
	u.CreatedAt = time.Unix(at, 0)
	return u, nil
}

// CreateAPIKey issues a new "wxb-" key for userID.
func (d *Directory) CreateAPIKey(ctx context.Context, userID int64, name string) (string, error) {
	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return "", fmt.Errorf("generate api key: %w", err)
	}
	key := apiKeyPrefix + base64.RawURLEncoding.EncodeToString(raw)
	if strings.TrimSpace(name) == "" {
		name = "default"
	}
	if _, err := d.db.ExecContext(ctx,
		`INSERT INTO api_keys (user_id, api_key, name, created_at) VALUES (?, ?, ?, ?)`,
		userID, key, strings.TrimSpace(name), d.now().Unix()); err != nil {
		return "", fmt.Errorf("store api key: %w", err)
	}
	return key, nil
}

func (d *Directory) SetAPIKeyActive(ctx context.Context, key string, active bool) error {
	res, err := d.db.ExecContext(ctx, `UPDATE api_keys SET is_active = ? WHERE api_key = ?`, active, key)
	if err != nil {
		return fmt.Errorf("update api key: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

type NewToken struct {
	UserID           int64
	Name             string
	AccessToken      string
	DeviceID         string
	UpstreamUsername string
	AutoTask         bool
}

func (d *Directory) AddToken(ctx context.Context, t NewToken) (int64, error) {
	if strings.TrimSpace(t.AccessToken) == "" {
		return 0, errors.New("access token is required")
	}
	if strings.TrimSpace(t.Name) == "" {
		t.Name = "token"
	}
	var upstreamUser any
	if u := strings.TrimSpace(t.UpstreamUsername); u != "" {
		upstreamUser = u
	}
	res, err := d.db.ExecContext(ctx, `
		INSERT INTO tokens (user_id, name, token, device_id, upstream_username, auto_task_enabled, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		t.UserID, strings.TrimSpace(t.Name), strings.TrimSpace(t.AccessToken), strings.TrimSpace(t.DeviceID),
		upstreamUser, t.AutoTask, d.now().Unix())
	if err != nil {
		return 0, fmt.Errorf("store token: %w", err)
	}
	return res.LastInsertId()
}

func (d *Directory) SetTokenActive(ctx context.Context, tokenID int64, active bool) error {
	res, err := d.db.ExecContext(ctx, `UPDATE tokens SET is_active = ? WHERE id = ?`, active, tokenID)
	if err != nil {
		return fmt.Errorf("update token: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// ResolveAPIKey maps a caller key to its user and the user's best active
// upstream token: highest balance first, newest on ties.
func (d *Directory) ResolveAPIKey(ctx context.Context, key string) (Grant, error) {
	key = strings.TrimSpace(key)
	if !strings.HasPrefix(key, apiKeyPrefix) {
		return Grant{}, ErrInvalidKey
	}
	var g Grant
	err := d.db.QueryRowContext(ctx, `
		SELECT u.id, u.username, k.id
		FROM api_keys k JOIN users u ON u.id = k.user_id
		WHERE k.api_key = ? AND k.is_active = 1 AND u.is_active = 1`, key).Scan(&g.UserID, &g.Username, &g.APIKeyID)
	if errors.Is(err, sql.ErrNoRows) {
		return Grant{}, ErrInvalidKey
	}
	if err != nil {
		return Grant{}, fmt.Errorf("resolve api key: %w", err)
	}
	rows, err := d.db.QueryContext(ctx, tokenSelect+`
		WHERE user_id = ? AND is_active = 1
		ORDER BY balance DESC, created_at DESC, id DESC
		LIMIT 1`, g.UserID)
	if err != nil {
		return Grant{}, fmt.Errorf("load active token: %w", err)
	}
	tokens, err := scanTokens(rows)
	if err != nil {
		return Grant{}, err
	}
	if len(tokens) == 0 {
		return Grant{}, ErrNoActiveToken
	}
	g.Token = tokens[0]
	return g, nil
}

// RecordCall bumps the token's call counter, resetting it on a new day, and
// returns the count for today.
func (d *Directory) RecordCall(ctx context.Context, tokenID int64) (int, error) {
	today := d.today()
	var calls int
	err := d.db.QueryRowContext(ctx, `
		UPDATE tokens
		SET api_calls_today = CASE WHEN last_call_date = ? THEN api_calls_today + 1 ELSE 1 END,
		    last_call_date = ?
		WHERE id = ?
		RETURNING api_calls_today`, today, today, tokenID).Scan(&calls)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, ErrNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("record call: %w", err)
	}
	return calls, nil
}

func (d *Directory) UpdateBalance(ctx context.Context, tokenID int64, balance float64) error {
	_, err := d.db.ExecContext(ctx,
		`UPDATE tokens SET balance = ?, last_balance_check = ? WHERE id = ?`, balance, d.now().Unix(), tokenID)
	if err != nil {
		return fmt.Errorf("update balance: %w", err)
	}
	return nil
}

func (d *Directory) ActiveTokens(ctx context.Context) ([]Token, error) {
	rows, err := d.db.QueryContext(ctx, tokenSelect+` WHERE is_active = 1 ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list active tokens: %w", err)
	}
	return scanTokens(rows)
}

// TokensForUpkeep lists active tokens that opted into automatic tasks.
func (d *Directory) TokensForUpkeep(ctx context.Context) ([]Token, error) {
	rows, err := d.db.QueryContext(ctx, tokenSelect+` WHERE is_active = 1 AND auto_task_enabled = 1 ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list upkeep tokens: %w", err)
	}
	return scanTokens(rows)
}

func (d *Directory) Token(ctx context.Context, tokenID int64) (Token, error) {
	rows, err := d.db.QueryContext(ctx, tokenSelect+` WHERE id = ?`, tokenID)
	if err != nil {
		return Token{}, fmt.Errorf("load token: %w", err)
	}
	tokens, err := scanTokens(rows)
	if err != nil {
		return Token{}, err
	}
	if len(tokens) == 0 {
		return Token{}, ErrNotFound
	}
	return tokens[0], nil
}

func (d *Directory) LogTask(ctx context.Context, tokenID int64, kind, taskID string, rewards float64) error {
	_, err := d.db.ExecContext(ctx,
		`INSERT INTO task_logs (token_id, task_type, task_id, rewards_earned, day, created_at) VALUES (?, ?, ?, ?, ?, ?)`,
		tokenID, kind, taskID, rewards, d.today(), d.now().Unix())
	if err != nil {
		return fmt.Errorf("log task: %w", err)
	}
	return nil
}

// DailyTaskCounts returns today's completed task count per kind.
func (d *Directory) DailyTaskCounts(ctx context.Context, tokenID int64) (map[string]int, error) {
	rows, err := d.db.QueryContext(ctx,
		`SELECT task_type, COUNT(*) FROM task_logs WHERE token_id = ? AND day = ? GROUP BY task_type`,
		tokenID, d.today())
	if err != nil {
		return nil, fmt.Errorf("count tasks: %w", err)
	}
	defer rows.Close()
	out := map[string]int{}
	for rows.Next() {
		var (
			kind string
			n    int
		)
		if err := rows.Scan(&kind, &n); err != nil {
			return nil, fmt.Errorf("scan task count: %w", err)
		}
		out[kind] = n
	}
	return out, rows.Err()
}

type UsageEntry struct {
	UserID    int64
	APIKeyID  int64
	TokenID   int64
	Model     string
	SessionID string
	RequestID string
	Status    int
}

func (d *Directory) LogUsage(ctx context.Context, e UsageEntry) error {
	_, err := d.db.ExecContext(ctx, `
		INSERT INTO usage_logs (user_id, api_key_id, token_id, model, session_id, request_id, status, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		e.UserID, e.APIKeyID, e.TokenID, e.Model, e.SessionID, e.RequestID, e.Status, d.now().Unix())
	if err != nil {
		return fmt.Errorf("log usage: %w", err)
	}
	return nil
}

// UsageCount returns how many calls userID made since the given time.
func (d *Directory) UsageCount(ctx context.Context, userID int64, since time.Time) (int, error) {
	var n int
	err := d.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM usage_logs WHERE user_id = ? AND created_at >= ?`, userID, since.Unix()).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count usage: %w", err)
	}
	return n, nil
}

const tokenSelect = `
	SELECT id, user_id, name, token, device_id, COALESCE(upstream_username, ''), balance,
	       last_balance_check, is_active, auto_task_enabled, api_calls_today, last_call_date, created_at
	FROM tokens`

func scanTokens(rows *sql.Rows) ([]Token, error) {
	defer rows.Close()
	var out []Token
	for rows.Next() {
		var (
			t         Token
			checkedAt int64
			createdAt int64
		)
		if err := rows.Scan(&t.ID, &t.UserID, &t.Name, &t.AccessToken, &t.DeviceID, &t.UpstreamUsername,
			&t.Balance, &checkedAt, &t.IsActive, &t.AutoTask, &t.CallsToday, &t.LastCallDate, &createdAt); err != nil {
			return nil, fmt.Errorf("scan token: %w", err)
		}
		if checkedAt > 0 {
			t.LastBalanceCheck = time.Unix(checkedAt, 0)
		}
		t.CreatedAt = time.Unix(createdAt, 0)
		out = append(out, t)
	}
	return out, rows.Err()
}
