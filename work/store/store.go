package store

import (
	"time"

	"tpbinge-proxy/work/types"
)

// Store is the credential store contract: keyed lookup of per-device sessions and
// per-channel cached manifest URLs. The store is the only component that mutates
// either record family, and every implementation must serialize concurrent
// mutation of the same key (two UpdateSession calls for one device must never
// interleave their field merges) while leaving different keys free of any shared
// locking.
//
// Session expiry is enforced lazily on every read; the periodic sweep is a memory
// bound safeguard on top, not the correctness mechanism.
type Store interface {
	// CreateSession inserts a new session record. It fails when a session
	// already exists for the device id; callers check existence first, there
	// is no implicit upsert.
	CreateSession(s *types.Session) (*types.Session, error)

	// GetSession returns the session for the device id, evicting it and
	// reporting absence when its expiry has passed.
	GetSession(deviceID string) (*types.Session, bool)

	// UpdateSession merges the given fields into an existing session and
	// returns the updated record, or reports absence when none exists.
	UpdateSession(deviceID string, upd SessionUpdate) (*types.Session, bool)

	// DeleteSession removes the session, reporting whether one existed.
	DeleteSession(deviceID string) bool

	// GetCachedURL returns the cached manifest URL for a channel, if any.
	GetCachedURL(channelID string) (*types.CachedURL, bool)

	// SetCachedURL upserts the cached manifest URL for a channel and stamps
	// its update time.
	SetCachedURL(channelID, url string) *types.CachedURL

	// SweepExpired removes every session whose expiry has passed and returns
	// how many were dropped.
	SweepExpired() int

	// StartSweeper runs SweepExpired on the given interval until Close.
	StartSweeper(interval time.Duration)

	// Close releases the store's resources and stops its background sweeper.
	Close() error
}

// SessionUpdate names the session fields that may be merged independently into an
// existing record. Nil pointers leave the corresponding field untouched, so a
// retry can overwrite just the mobile number while a successful verification
// writes login data and a fresh expiry in one merge.
type SessionUpdate struct {
	MobileNumber *string
	LoginData    *types.LoginData
	ExpiresAt    *time.Time
}

// apply merges the update into a copy of the session.
func (u SessionUpdate) apply(s *types.Session) *types.Session {
	updated := *s
	if u.MobileNumber != nil {
		updated.MobileNumber = *u.MobileNumber
	}
	if u.LoginData != nil {
		updated.LoginData = u.LoginData
	}
	if u.ExpiresAt != nil {
		updated.ExpiresAt = *u.ExpiresAt
	}
	return &updated
}

// String returns a pointer to the given string, for SessionUpdate literals.
func String(s string) *string { return &s }

// Time returns a pointer to the given time, for SessionUpdate literals.
func Time(t time.Time) *time.Time { return &t }
