package store

import (
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"tpbinge-proxy/work/logger"
	"tpbinge-proxy/work/types"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newSQLite(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := OpenSQLite(filepath.Join(t.TempDir(), "sessions.db"), logger.New("ERROR"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestSQLiteCreateSessionRejectsDuplicate(t *testing.T) {
	s := newSQLite(t)

	_, err := s.CreateSession(&types.Session{
		DeviceID:  "dev-1",
		ExpiresAt: time.Now().Add(time.Hour),
	})
	require.NoError(t, err)

	_, err = s.CreateSession(&types.Session{
		DeviceID:  "dev-1",
		ExpiresAt: time.Now().Add(time.Hour),
	})
	assert.Error(t, err)
}

func TestSQLiteSessionSurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sessions.db")
	log := logger.New("ERROR")

	s, err := OpenSQLite(path, log)
	require.NoError(t, err)

	raw := json.RawMessage(`{"data":{"subscriberId":"sub-1"},"message":"ok"}`)
	_, err = s.CreateSession(&types.Session{
		DeviceID:     "dev-1",
		AnonymousID:  "anon-1",
		MobileNumber: "9876543210",
		LoginData: &types.LoginData{
			SubscriberID:          "sub-1",
			UserAuthenticateToken: "tok",
			BaID:                  "ba-1",
			Raw:                   raw,
		},
		ExpiresAt: time.Now().Add(time.Hour),
	})
	require.NoError(t, err)
	require.NoError(t, s.Close())

	reopened, err := OpenSQLite(path, log)
	require.NoError(t, err)
	defer reopened.Close()

	sess, ok := reopened.GetSession("dev-1")
	require.True(t, ok)
	assert.Equal(t, "anon-1", sess.AnonymousID)
	assert.Equal(t, "9876543210", sess.MobileNumber)
	require.NotNil(t, sess.LoginData)
	assert.Equal(t, "sub-1", sess.LoginData.SubscriberID)
	assert.Equal(t, "tok", sess.LoginData.UserAuthenticateToken)
	assert.JSONEq(t, string(raw), string(sess.LoginData.Raw))
	assert.True(t, sess.LoggedIn(time.Now()))
}

func TestSQLiteGetSessionLazyEviction(t *testing.T) {
	s := newSQLite(t)

	_, err := s.CreateSession(&types.Session{
		DeviceID:  "dev-1",
		ExpiresAt: time.Now().Add(-time.Minute),
	})
	require.NoError(t, err)

	_, ok := s.GetSession("dev-1")
	assert.False(t, ok)

	// the expired row was deleted, so the device id is reusable
	_, err = s.CreateSession(&types.Session{
		DeviceID:  "dev-1",
		ExpiresAt: time.Now().Add(time.Hour),
	})
	assert.NoError(t, err)
}

func TestSQLiteUpdateSessionMergesFields(t *testing.T) {
	s := newSQLite(t)

	_, err := s.CreateSession(&types.Session{
		DeviceID:     "dev-1",
		AnonymousID:  "anon-1",
		MobileNumber: "9876543210",
		ExpiresAt:    time.Now().Add(time.Hour),
	})
	require.NoError(t, err)

	updated, ok := s.UpdateSession("dev-1", SessionUpdate{MobileNumber: String("9123456789")})
	require.True(t, ok)
	assert.Equal(t, "9123456789", updated.MobileNumber)
	assert.Equal(t, "anon-1", updated.AnonymousID)
	assert.Nil(t, updated.LoginData)

	newExpiry := time.Now().Add(24 * time.Hour)
	updated, ok = s.UpdateSession("dev-1", SessionUpdate{
		LoginData: &types.LoginData{SubscriberID: "sub-1"},
		ExpiresAt: Time(newExpiry),
	})
	require.True(t, ok)
	assert.Equal(t, "9123456789", updated.MobileNumber)
	require.NotNil(t, updated.LoginData)
	assert.Equal(t, "sub-1", updated.LoginData.SubscriberID)
	assert.Equal(t, newExpiry.Unix(), updated.ExpiresAt.Unix())

	_, ok = s.UpdateSession("ghost", SessionUpdate{MobileNumber: String("9000000000")})
	assert.False(t, ok)
}

func TestSQLiteCachedURLUpsert(t *testing.T) {
	s := newSQLite(t)

	_, ok := s.GetCachedURL("ch-1")
	assert.False(t, ok)

	s.SetCachedURL("ch-1", "https://cdn.example.com/a.mpd?exp=1")
	s.SetCachedURL("ch-1", "https://cdn.example.com/b.mpd?exp=2")

	cached, ok := s.GetCachedURL("ch-1")
	require.True(t, ok)
	assert.Equal(t, "https://cdn.example.com/b.mpd?exp=2", cached.URL)
}

func TestSQLiteSweepExpired(t *testing.T) {
	s := newSQLite(t)

	_, err := s.CreateSession(&types.Session{
		DeviceID:  "stale",
		ExpiresAt: time.Now().Add(-time.Minute),
	})
	require.NoError(t, err)
	_, err = s.CreateSession(&types.Session{
		DeviceID:  "fresh",
		ExpiresAt: time.Now().Add(time.Hour),
	})
	require.NoError(t, err)

	assert.Equal(t, 1, s.SweepExpired())
	assert.Equal(t, 0, s.SweepExpired())

	_, ok := s.GetSession("fresh")
	assert.True(t, ok)
}

func TestSQLiteSessionGaugeFollowsLifecycle(t *testing.T) {
	s := newSQLite(t)
	base := sessionGauge()

	_, err := s.CreateSession(&types.Session{
		DeviceID:  "dev-1",
		ExpiresAt: time.Now().Add(time.Hour),
	})
	require.NoError(t, err)
	_, err = s.CreateSession(&types.Session{
		DeviceID:  "dev-2",
		ExpiresAt: time.Now().Add(-time.Minute),
	})
	require.NoError(t, err)
	assert.Equal(t, base+2, sessionGauge())

	// lazy eviction of the expired row decrements
	_, ok := s.GetSession("dev-2")
	require.False(t, ok)
	assert.Equal(t, base+1, sessionGauge())

	s.DeleteSession("dev-1")
	assert.Equal(t, base, sessionGauge())

	// the sweep subtracts exactly the rows it dropped
	_, err = s.CreateSession(&types.Session{
		DeviceID:  "dev-3",
		ExpiresAt: time.Now().Add(-time.Minute),
	})
	require.NoError(t, err)
	require.Equal(t, 1, s.SweepExpired())
	assert.Equal(t, base, sessionGauge())
}

func TestSQLiteDeleteSession(t *testing.T) {
	s := newSQLite(t)

	_, err := s.CreateSession(&types.Session{
		DeviceID:  "dev-1",
		ExpiresAt: time.Now().Add(time.Hour),
	})
	require.NoError(t, err)

	assert.True(t, s.DeleteSession("dev-1"))
	assert.False(t, s.DeleteSession("dev-1"))
}
