package accounts

import (
	"context"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openDir(t *testing.T) *Directory {
	t.Helper()
	d, err := Open(Config{Path: filepath.Join(t.TempDir(), "accounts.db"), Location: time.UTC})
	require.NoError(t, err)
	t.Cleanup(func() { _ = d.Close() })
	return d
}

func TestUserAuthentication(t *testing.T) {
	d := openDir(t)
	ctx := context.Background()
	id, err := d.CreateUser(ctx, "alice", "s3cret", "a@example.com", false)
	require.NoError(t, err)
	assert.Positive(t, id)

	u, err := d.Authenticate(ctx, "alice", "s3cret")
	require.NoError(t, err)
	assert.Equal(t, id, u.ID)
	assert.Equal(t, "a@example.com", u.Email)

	_, err = d.Authenticate(ctx, "alice", "wrong")
	assert.ErrorIs(t, err, ErrInvalidCredentials)
	_, err = d.Authenticate(ctx, "bob", "s3cret")
	assert.ErrorIs(t, err, ErrInvalidCredentials)

	_, err = d.CreateUser(ctx, "alice", "x", "", false)
	assert.Error(t, err, "usernames are unique")
}

func TestResolveAPIKeyPicksRichestToken(t *testing.T) {
	d := openDir(t)
	ctx := context.Background()
	uid, err := d.CreateUser(ctx, "alice", "pw", "", false)
	require.NoError(t, err)
	key, err := d.CreateAPIKey(ctx, uid, "laptop")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(key, "wxb-"))
	assert.Len(t, key, len("wxb-")+43)

	_, err = d.ResolveAPIKey(ctx, key)
	assert.ErrorIs(t, err, ErrNoActiveToken)

	poor, err := d.AddToken(ctx, NewToken{UserID: uid, Name: "poor", AccessToken: "tok-poor", DeviceID: "dev-1"})
	require.NoError(t, err)
	rich, err := d.AddToken(ctx, NewToken{UserID: uid, Name: "rich", AccessToken: "tok-rich"})
	require.NoError(t, err)
	require.NoError(t, d.UpdateBalance(ctx, poor, 3))
	require.NoError(t, d.UpdateBalance(ctx, rich, 40))

	g, err := d.ResolveAPIKey(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, uid, g.UserID)
	assert.Equal(t, "alice", g.Username)
	assert.Equal(t, rich, g.Token.ID)
	assert.Equal(t, "tok-rich", g.Token.AccessToken)
	assert.False(t, g.Token.LastBalanceCheck.IsZero())

	require.NoError(t, d.SetTokenActive(ctx, rich, false))
	g, err = d.ResolveAPIKey(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, poor, g.Token.ID)
	assert.Equal(t, "dev-1", g.Token.DeviceID)

	require.NoError(t, d.SetAPIKeyActive(ctx, key, false))
	_, err = d.ResolveAPIKey(ctx, key)
	assert.ErrorIs(t, err, ErrInvalidKey)

	_, err = d.ResolveAPIKey(ctx, "sk-not-ours")
	assert.ErrorIs(t, err, ErrInvalidKey)
	_, err = d.ResolveAPIKey(ctx, "wxb-unknown")
	assert.ErrorIs(t, err, ErrInvalidKey)
}

func TestRecordCallResetsDaily(t *testing.T) {
	d := openDir(t)
	ctx := context.Background()
	day := time.Date(2026, 10, 17, 10, 0, 0, 0, time.UTC)
	d.now = func() time.Time { return day }

	uid, err := d.CreateUser(ctx, "alice", "pw", "", false)
	require.NoError(t, err)
	tid, err := d.AddToken(ctx, NewToken{UserID: uid, AccessToken: "t"})
	require.NoError(t, err)

	for want := 1; want <= 3; want++ {
		n, err := d.RecordCall(ctx, tid)
		require.NoError(t, err)
		assert.Equal(t, want, n)
	}
	d.now = func() time.Time { return day.Add(24 * time.Hour) }
	n, err := d.RecordCall(ctx, tid)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	_, err = d.RecordCall(ctx, 999)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestTaskLogsCountPerDay(t *testing.T) {
	d := openDir(t)
	ctx := context.Background()
	day := time.Date(2026, 10, 17, 10, 0, 0, 0, time.UTC)
	d.now = func() time.Time { return day }

	uid, err := d.CreateUser(ctx, "alice", "pw", "", false)
	require.NoError(t, err)
	tid, err := d.AddToken(ctx, NewToken{UserID: uid, AccessToken: "t", AutoTask: true})
	require.NoError(t, err)
	other, err := d.AddToken(ctx, NewToken{UserID: uid, AccessToken: "t2"})
	require.NoError(t, err)

	require.NoError(t, d.LogTask(ctx, tid, "browse", "b1", 0.5))
	require.NoError(t, d.LogTask(ctx, tid, "browse", "b2", 0.5))
	require.NoError(t, d.LogTask(ctx, tid, "checkin", "c1", 2))

	counts, err := d.DailyTaskCounts(ctx, tid)
	require.NoError(t, err)
	assert.Equal(t, map[string]int{"browse": 2, "checkin": 1}, counts)

	d.now = func() time.Time { return day.Add(24 * time.Hour) }
	counts, err = d.DailyTaskCounts(ctx, tid)
	require.NoError(t, err)
	assert.Empty(t, counts)

	upkeep, err := d.TokensForUpkeep(ctx)
	require.NoError(t, err)
	require.Len(t, upkeep, 1)
	assert.Equal(t, tid, upkeep[0].ID)

	active, err := d.ActiveTokens(ctx)
	require.NoError(t, err)
	assert.Len(t, active, 2)
	assert.Equal(t, other, active[1].ID)
}

func TestUsageLog(t *testing.T) {
	d := openDir(t)
	ctx := context.Background()
	start := time.Now().Add(-time.Minute)
	require.NoError(t, d.LogUsage(ctx, UsageEntry{UserID: 1, APIKeyID: 2, TokenID: 3, Model: "wenxiaobai-base", Status: 200}))
	require.NoError(t, d.LogUsage(ctx, UsageEntry{UserID: 1, APIKeyID: 2, TokenID: 3, Model: "wenxiaobai-base", Status: 502}))
	n, err := d.UsageCount(ctx, 1, start)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestUpstreamUsernameUnique(t *testing.T) {
	d := openDir(t)
	ctx := context.Background()
	uid, err := d.CreateUser(ctx, "alice", "pw", "", false)
	require.NoError(t, err)
	_, err = d.AddToken(ctx, NewToken{UserID: uid, AccessToken: "a", UpstreamUsername: "138xxxx"})
	require.NoError(t, err)
	_, err = d.AddToken(ctx, NewToken{UserID: uid, AccessToken: "b", UpstreamUsername: "138xxxx"})
	assert.Error(t, err)
	// Tokens without an upstream username never collide.
	_, err = d.AddToken(ctx, NewToken{UserID: uid, AccessToken: "c"})
	require.NoError(t, err)
	_, err = d.AddToken(ctx, NewToken{UserID: uid, AccessToken: "d"})
	require.NoError(t, err)
}
