// Package auth drives the device session state machine:
//
//	Unregistered -> Registered -> OtpPending -> LoggedIn -> LoggedOut
//
// It composes the upstream client and the credential store; the HTTP layer
// above it only validates input and shapes responses.
package auth

import (
	"fmt"
	"time"

	"tpbinge-proxy/work/config"
	"tpbinge-proxy/work/logger"
	"tpbinge-proxy/work/metrics"
	"tpbinge-proxy/work/store"
	"tpbinge-proxy/work/types"
	"tpbinge-proxy/work/upstream"
	"tpbinge-proxy/work/utils"
)

// SessionError reports a request arriving for a device that has no usable
// session (never sent an OTP, or the session expired). Handlers map it to a
// 400/401 rather than a server fault.
type SessionError struct {
	DeviceID string
	Reason   string
}

func (e *SessionError) Error() string {
	return fmt.Sprintf("invalid session for device %s: %s", e.DeviceID, e.Reason)
}

// Orchestrator owns the login/logout flow for all devices.
type Orchestrator struct {
	config   *config.Config
	log      *logger.Logger
	store    store.Store
	upstream *upstream.Client
}

// New creates the orchestrator.
func New(cfg *config.Config, log *logger.Logger, st store.Store, up *upstream.Client) *Orchestrator {
	return &Orchestrator{
		config:   cfg,
		log:      log,
		store:    st,
		upstream: up,
	}
}

// SendOTP requests a one-time passcode for the mobile number. A device with no
// session is first registered upstream and given a fresh session in OtpPending
// state; an existing session just has its mobile number overwritten (retry).
// The returned device id is echoed to the caller so the client can bind
// subsequent requests to it.
func (o *Orchestrator) SendOTP(mobile, deviceID string) (message, boundDeviceID string, err error) {
	var session *types.Session
	if deviceID != "" {
		session, _ = o.store.GetSession(deviceID)
	}

	if session == nil {
		creds, err := o.upstream.RegisterGuestDevice()
		if err != nil {
			metrics.AuthAttempts.WithLabelValues("send_otp", "failure").Inc()
			return "", "", err
		}

		session, err = o.store.CreateSession(&types.Session{
			DeviceID:     creds.DeviceID,
			AnonymousID:  creds.AnonymousID,
			MobileNumber: mobile,
			ExpiresAt:    time.Now().Add(o.config.SessionTTL),
		})
		if err != nil {
			metrics.AuthAttempts.WithLabelValues("send_otp", "failure").Inc()
			return "", "", err
		}

		o.log.Info("registered new device %s for %s", creds.DeviceID, utils.MaskMobile(mobile))
	} else {
		// retry path: only the mobile number moves
		o.store.UpdateSession(deviceID, store.SessionUpdate{MobileNumber: store.String(mobile)})
		session.MobileNumber = mobile
	}

	creds := types.DeviceCredentials{DeviceID: session.DeviceID, AnonymousID: session.AnonymousID}
	message, err = o.upstream.SendOTP(mobile, creds)
	if err != nil {
		metrics.AuthAttempts.WithLabelValues("send_otp", "failure").Inc()
		return "", "", err
	}

	metrics.AuthAttempts.WithLabelValues("send_otp", "success").Inc()
	return message, session.DeviceID, nil
}

// VerifyOTP completes the login: validate the passcode, look up the
// subscriber, perform the provider login, and persist the login payload with a
// refreshed session window. The caller must have sent an OTP for this device
// first.
func (o *Orchestrator) VerifyOTP(mobile, otp, deviceID string) (*types.LoginData, error) {
	session, ok := o.store.GetSession(deviceID)
	if !ok || session.AnonymousID == "" {
		metrics.AuthAttempts.WithLabelValues("verify_otp", "failure").Inc()
		return nil, &SessionError{DeviceID: deviceID, Reason: "no pending OTP session"}
	}

	creds := types.DeviceCredentials{DeviceID: session.DeviceID, AnonymousID: session.AnonymousID}

	tokens, err := o.upstream.VerifyOTP(mobile, otp, creds)
	if err != nil {
		metrics.AuthAttempts.WithLabelValues("verify_otp", "failure").Inc()
		return nil, err
	}

	sub, err := o.upstream.GetSubscriberDetails(mobile, tokens.Token, creds)
	if err != nil {
		metrics.AuthAttempts.WithLabelValues("verify_otp", "failure").Inc()
		return nil, err
	}

	login, err := o.upstream.LoginUser(mobile, tokens.Token, tokens.DeviceToken, creds, sub)
	if err != nil {
		metrics.AuthAttempts.WithLabelValues("verify_otp", "failure").Inc()
		return nil, err
	}

	o.store.UpdateSession(deviceID, store.SessionUpdate{
		LoginData: login,
		ExpiresAt: store.Time(time.Now().Add(o.config.SessionTTL)),
	})

	metrics.AuthAttempts.WithLabelValues("verify_otp", "success").Inc()
	o.log.Info("device %s logged in for %s", deviceID, utils.MaskMobile(mobile))
	return login, nil
}

// Logout tears down the session. A device with no session or no login payload
// is already logged out and the call is a no-op success. When a provider-side
// logout fails the local session is deleted anyway: the user-visible goal is
// the local logout, and the remote teardown not confirming must not block it.
func (o *Orchestrator) Logout(deviceID string) (string, error) {
	if deviceID == "" {
		return "Already logged out", nil
	}

	session, ok := o.store.GetSession(deviceID)
	if !ok || session.LoginData == nil {
		return "Already logged out", nil
	}

	creds := types.DeviceCredentials{DeviceID: session.DeviceID, AnonymousID: session.AnonymousID}

	message, err := o.upstream.Logout(session.LoginData, creds)
	if err != nil {
		o.log.Warn("provider logout failed for device %s, deleting local session anyway: %v", deviceID, err)
		message = "Logged out"
	}

	o.store.DeleteSession(deviceID)

	metrics.AuthAttempts.WithLabelValues("logout", "success").Inc()
	return message, nil
}

// Status is a read-only probe: logged in iff a non-expired session with a
// login payload exists for the device.
func (o *Orchestrator) Status(deviceID string) bool {
	if deviceID == "" {
		return false
	}
	session, ok := o.store.GetSession(deviceID)
	return ok && session.LoggedIn(time.Now())
}

// AuthenticatedSession returns the device's session when it holds a usable
// login, for callers (playlist, manifest) that need the login payload itself.
func (o *Orchestrator) AuthenticatedSession(deviceID string) (*types.Session, bool) {
	if deviceID == "" {
		return nil, false
	}
	session, ok := o.store.GetSession(deviceID)
	if !ok || !session.LoggedIn(time.Now()) {
		return nil, false
	}
	return session, true
}
