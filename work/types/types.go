package types

import (
	"encoding/json"
	"time"
)

// Session represents the full authentication state of a single device against the
// upstream provider. One session exists per device identifier at most, and the
// session moves through its lifecycle in place: created when a device first asks
// for an OTP, updated when the OTP is verified and the provider hands back login
// data, and removed on logout or expiry.
//
// A session counts as "logged in" only when LoginData is non-nil AND ExpiresAt is
// still in the future. Expiry is enforced lazily by the store on every read, so
// callers never see a stale logged-in session between background sweeps.
type Session struct {
	DeviceID     string     // locally generated device identifier, unique store key
	AnonymousID  string     // issued once by the provider at guest registration, never changes afterwards
	MobileNumber string     // subscriber mobile number, overwritten on OTP retry
	LoginData    *LoginData // provider login payload; nil means the device is not logged in
	CreatedAt    time.Time  // when the session record was first created
	ExpiresAt    time.Time  // hard expiry; the store evicts the record once this has passed
}

// LoggedIn reports whether the session holds a usable login at the given instant.
func (s *Session) LoggedIn(now time.Time) bool {
	return s != nil && s.LoginData != nil && s.ExpiresAt.After(now)
}

// Expired reports whether the session's hard expiry has passed.
func (s *Session) Expired(now time.Time) bool {
	return !s.ExpiresAt.IsZero() && s.ExpiresAt.Before(now)
}

// LoginData carries the provider's login response. The named fields are the only
// ones this application ever reads; everything else the provider returns is kept
// verbatim in Raw and never interpreted, so upstream payload changes don't break us.
type LoginData struct {
	SubscriberID            string `json:"subscriberId"`
	UserAuthenticateToken   string `json:"userAuthenticateToken"`
	DeviceAuthenticateToken string `json:"deviceAuthenticateToken"`
	BaID                    string `json:"baId"`
	DTHStatus               string `json:"dthStatus"`
	SubscriptionStatus      string `json:"subscriptionStatus"`
	BingeSubscriberID       string `json:"bingeSubscriberId,omitempty"`

	// Message is the provider's human readable login result, surfaced to the UI.
	Message string `json:"message,omitempty"`

	// Raw is the complete provider response body, stored as opaque passthrough.
	Raw json.RawMessage `json:"-"`
}

// CachedURL is the last resolved manifest URL for one channel. The URL carries its
// own expiry inside its query string (the CDN stamps an `exp` parameter, sometimes
// nested inside an `hdntl` token), so the record itself has no TTL of its own: it
// simply stops being reusable once the embedded expiry lapses and gets overwritten
// by the next successful resolution.
type CachedURL struct {
	ChannelID string    // channel identifier, unique cache key
	URL       string    // resolved manifest URL with CDN expiry embedded in its query
	UpdatedAt time.Time // when this entry was last written
}

// ChannelInfo is one read-only entry of the externally sourced channel catalog.
// The proxy never mutates catalog entries, it only filters and renders them.
type ChannelInfo struct {
	ID                  string   `json:"id"`
	Title               string   `json:"title"`
	TransparentImageURL string   `json:"transparentImageUrl"`
	Genres              []string `json:"genres"`
	Provider            string   `json:"provider,omitempty"`
}

// DeviceCredentials pairs the locally generated device identifier with the
// anonymous identifier the provider issued for it. Every unauthenticated upstream
// call carries both.
type DeviceCredentials struct {
	DeviceID    string
	AnonymousID string
}
