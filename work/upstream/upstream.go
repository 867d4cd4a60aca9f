// Package upstream is the stateless request/response wrapper around the
// provider's account APIs: guest device registration, OTP generation and
// validation, subscriber lookup, login, logout, and the per-channel
// content-detail endpoint. Each operation is one outbound call with a fixed
// request shape; retry policy belongs to the caller.
package upstream

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"strings"
	"time"

	"tpbinge-proxy/work/client"
	"tpbinge-proxy/work/config"
	"tpbinge-proxy/work/logger"
	"tpbinge-proxy/work/types"
	"tpbinge-proxy/work/utils"

	"go.uber.org/ratelimit"
)

const (
	registerPath    = "/binge-mobile-services/pub/api/v1/user/guest/register"
	generateOTPPath = "/binge-mobile-services/pub/api/v1/user/authentication/generateOTP"
	validateOTPPath = "/binge-mobile-services/pub/api/v1/user/authentication/validateOTP"
	subscriberPath  = "/binge-mobile-services/api/v4/subscriber/details"
	newUserPath     = "/binge-mobile-services/api/v3/create/new/user"
	existUserPath   = "/binge-mobile-services/api/v3/update/exist/user"
	logoutPath      = "/binge-mobile-services/api/v2/logout/"
)

// Error reports a provider call that came back with a non-success status or a
// response that was missing an expected field. The provider's own message and
// body ride along for diagnostics and for surfacing to the UI.
type Error struct {
	Op         string // which provider operation failed
	StatusCode int    // HTTP status, 0 when the response shape was the problem
	Message    string // provider supplied message when available
	Body       string // raw response body for diagnostics
}

func (e *Error) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("upstream %s failed: status %d - %s", e.Op, e.StatusCode, e.Message)
	}
	return fmt.Sprintf("upstream %s failed: %s", e.Op, e.Message)
}

// OTPTokens are the two tokens the provider hands back on a successful OTP
// validation; both are needed for the subsequent login call.
type OTPTokens struct {
	Token       string // userAuthenticateToken
	DeviceToken string // deviceAuthenticateToken
}

// AccountDetails is the slice element of the subscriber lookup the login call
// branches on. Only the fields the login variants read are named.
type AccountDetails struct {
	DTHStatus         string `json:"dthStatus"`
	SubscriberID      string `json:"subscriberId"`
	BingeSubscriberID string `json:"bingeSubscriberId"`
	BaID              string `json:"baId"`
}

// SubscriberDetails is the provider's subscriber lookup response. Raw carries
// the complete body as opaque passthrough; AccountDetails is the only part this
// system interprets.
type SubscriberDetails struct {
	AccountDetails []AccountDetails
	Raw            json.RawMessage
}

// Account returns the first account entry, or a zero value when the subscriber
// has none (the "no DTH account" login branch).
func (sd *SubscriberDetails) Account() AccountDetails {
	if sd == nil || len(sd.AccountDetails) == 0 {
		return AccountDetails{}
	}
	return sd.AccountDetails[0]
}

// Client talks to the provider. All endpoints derive from the configured
// upstream base so the whole client can be pointed at a stub in tests. Outbound
// calls are paced by a leaky-bucket limiter; none of them retries.
type Client struct {
	config  *config.Config
	log     *logger.Logger
	http    *client.HeaderSettingClient
	limiter ratelimit.Limiter
}

// New creates the provider client.
func New(cfg *config.Config, log *logger.Logger, hsc *client.HeaderSettingClient) *Client {
	return &Client{
		config:  cfg,
		log:     log,
		http:    hsc,
		limiter: ratelimit.New(cfg.UpstreamRateLimit),
	}
}

// GenerateDeviceID builds a fresh numeric device identifier in the shape the
// provider expects: a random 3 digit prefix, the current Unix milliseconds, and
// a random 2 digit suffix.
func GenerateDeviceID() string {
	return fmt.Sprintf("%d%d%d", 100+rand.Intn(900), time.Now().UnixMilli(), 10+rand.Intn(90))
}

// RegisterGuestDevice registers a brand new device with the provider and
// returns the generated device id paired with the provider issued anonymous id.
func (c *Client) RegisterGuestDevice() (types.DeviceCredentials, error) {
	deviceID := GenerateDeviceID()

	req, err := c.newRequest(http.MethodPost, c.config.UpstreamBase+registerPath, nil)
	if err != nil {
		return types.DeviceCredentials{}, err
	}
	req.Header.Set("Authorization", "bearer undefined")
	req.Header.Set("Content-Length", "0")
	req.Header.Set("deviceid", deviceID)
	c.browserFetchHeaders(req)

	body, resp, err := c.do(req)
	if err != nil {
		return types.DeviceCredentials{}, err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return types.DeviceCredentials{}, &Error{Op: "register", StatusCode: resp.StatusCode, Message: resp.Status, Body: string(body)}
	}

	var parsed struct {
		Data struct {
			AnonymousID string `json:"anonymousId"`
		} `json:"data"`
	}
	if err := json.Unmarshal(body, &parsed); err != nil || parsed.Data.AnonymousID == "" {
		return types.DeviceCredentials{}, &Error{Op: "register", Message: "missing anonymous id in registration response", Body: string(body)}
	}

	c.log.Debug("registered guest device %s", deviceID)
	return types.DeviceCredentials{DeviceID: deviceID, AnonymousID: parsed.Data.AnonymousID}, nil
}

// SendOTP asks the provider to text a one-time passcode to the mobile number.
func (c *Client) SendOTP(mobile string, creds types.DeviceCredentials) (string, error) {
	req, err := c.newRequest(http.MethodPost, c.config.UpstreamBase+generateOTPPath, nil)
	if err != nil {
		return "", err
	}
	req.Header.Set("anonymousid", creds.AnonymousID)
	req.Header.Set("Content-Length", "0")
	req.Header.Set("deviceid", creds.DeviceID)
	req.Header.Set("mobilenumber", mobile)
	req.Header.Set("newotpflow", "4DOTP")
	req.Header.Set("platform", "BINGE_ANYWHERE")
	c.browserFetchHeaders(req)

	body, resp, err := c.do(req)
	if err != nil {
		return "", err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", &Error{Op: "sendOTP", StatusCode: resp.StatusCode, Message: messageFrom(body, resp.Status), Body: string(body)}
	}

	var parsed struct {
		Message string `json:"message"`
	}
	json.Unmarshal(body, &parsed)
	if parsed.Message == "" {
		parsed.Message = "OTP sent successfully"
	}

	c.log.Debug("OTP sent to %s for device %s", utils.MaskMobile(mobile), creds.DeviceID)
	return parsed.Message, nil
}

// VerifyOTP validates the passcode and returns the auth/device token pair.
// A response without a user token is a failure even on HTTP 200, reported with
// whatever reason the provider supplied.
func (c *Client) VerifyOTP(mobile, otp string, creds types.DeviceCredentials) (OTPTokens, error) {
	payload, _ := json.Marshal(map[string]string{
		"mobileNumber": mobile,
		"otp":          otp,
	})

	req, err := c.newRequest(http.MethodPost, c.config.UpstreamBase+validateOTPPath, bytes.NewReader(payload))
	if err != nil {
		return OTPTokens{}, err
	}
	req.Header.Set("anonymousid", creds.AnonymousID)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("deviceid", creds.DeviceID)
	req.Header.Set("platform", "BINGE_ANYWHERE")
	c.http.PortalHeaders(req)

	body, resp, err := c.do(req)
	if err != nil {
		return OTPTokens{}, err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return OTPTokens{}, &Error{Op: "verifyOTP", StatusCode: resp.StatusCode, Message: messageFrom(body, resp.Status), Body: string(body)}
	}

	var parsed struct {
		Data struct {
			UserAuthenticateToken   string `json:"userAuthenticateToken"`
			DeviceAuthenticateToken string `json:"deviceAuthenticateToken"`
		} `json:"data"`
		Message string `json:"message"`
	}
	if err := json.Unmarshal(body, &parsed); err != nil || parsed.Data.UserAuthenticateToken == "" {
		return OTPTokens{}, &Error{Op: "verifyOTP", Message: messageFrom(body, "OTP validation failed"), Body: string(body)}
	}

	return OTPTokens{
		Token:       parsed.Data.UserAuthenticateToken,
		DeviceToken: parsed.Data.DeviceAuthenticateToken,
	}, nil
}

// GetSubscriberDetails looks up the subscriber's account records. The body is
// kept verbatim in Raw; only accountDetails is interpreted.
func (c *Client) GetSubscriberDetails(mobile, token string, creds types.DeviceCredentials) (*SubscriberDetails, error) {
	req, err := c.newRequest(http.MethodGet, c.config.UpstreamBase+subscriberPath, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("anonymousid", creds.AnonymousID)
	req.Header.Set("Authorization", "bearer "+token)
	req.Header.Set("devicetype", "WEB")
	req.Header.Set("mobilenumber", mobile)
	req.Header.Set("platform", "BINGE_ANYWHERE")
	c.http.PortalHeaders(req)

	body, resp, err := c.do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &Error{Op: "subscriberDetails", StatusCode: resp.StatusCode, Message: messageFrom(body, resp.Status), Body: string(body)}
	}

	var parsed struct {
		Data struct {
			AccountDetails []AccountDetails `json:"accountDetails"`
		} `json:"data"`
	}
	json.Unmarshal(body, &parsed)

	return &SubscriberDetails{
		AccountDetails: parsed.Data.AccountDetails,
		Raw:            json.RawMessage(body),
	}, nil
}

// LoginUser performs the provider login. The endpoint and body branch on the
// subscriber's DTH status; the three variants below mirror the provider's own
// business logic and are forwarded faithfully, not reinterpreted.
func (c *Client) LoginUser(mobile, token, deviceToken string, creds types.DeviceCredentials, sub *SubscriberDetails) (*types.LoginData, error) {
	account := sub.Account()

	var (
		loginURL  string
		loginBody map[string]interface{}
	)

	switch {
	case account.DTHStatus == "":
		// subscriber has no DTH account at all
		loginURL = c.config.UpstreamBase + newUserPath
		loginBody = map[string]interface{}{
			"dthStatus":       "Non DTH User",
			"subscriberId":    mobile,
			"login":           "OTP",
			"mobileNumber":    mobile,
			"isPastBingeUser": false,
			"eulaChecked":     true,
			"packageId":       "",
		}
	case account.DTHStatus == "DTH Without Binge":
		loginURL = c.config.UpstreamBase + newUserPath
		loginBody = map[string]interface{}{
			"dthStatus":       "DTH Without Binge",
			"subscriberId":    account.SubscriberID,
			"login":           "OTP",
			"mobileNumber":    mobile,
			"baId":            nil,
			"isPastBingeUser": false,
			"eulaChecked":     true,
			"packageId":       "",
			"referenceId":     nil,
		}
	default:
		// existing binge user
		loginURL = c.config.UpstreamBase + existUserPath
		loginBody = map[string]interface{}{
			"dthStatus":          account.DTHStatus,
			"subscriberId":       account.SubscriberID,
			"bingeSubscriberId":  account.BingeSubscriberID,
			"baId":               account.BaID,
			"login":              "OTP",
			"mobileNumber":       mobile,
			"payment_return_url": c.config.PortalOrigin + "/subscription-transaction/status",
			"eulaChecked":        true,
			"packageId":          "",
		}
	}

	payload, _ := json.Marshal(loginBody)
	req, err := c.newRequest(http.MethodPost, loginURL, bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("anonymousid", creds.AnonymousID)
	req.Header.Set("Authorization", "bearer "+token)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("device", "WEB")
	req.Header.Set("deviceid", creds.DeviceID)
	req.Header.Set("devicename", "Web")
	req.Header.Set("devicetoken", deviceToken)
	req.Header.Set("platform", "WEB")
	c.http.PortalHeaders(req)

	body, resp, err := c.do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &Error{Op: "login", StatusCode: resp.StatusCode, Message: messageFrom(body, resp.Status), Body: string(body)}
	}

	var parsed struct {
		Data    types.LoginData `json:"data"`
		Message string          `json:"message"`
	}
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, &Error{Op: "login", Message: "malformed login response", Body: string(body)}
	}

	login := parsed.Data
	login.Message = parsed.Message
	login.Raw = json.RawMessage(body)
	return &login, nil
}

// Logout ends the provider-side session keyed by the login's account id. A nil
// login is answered locally with a canned message and no upstream call, which
// makes the operation idempotent.
func (c *Client) Logout(ld *types.LoginData, creds types.DeviceCredentials) (string, error) {
	if ld == nil {
		return "Already logged out", nil
	}

	req, err := c.newRequest(http.MethodPost, c.config.UpstreamBase+logoutPath+ld.BaID, nil)
	if err != nil {
		return "", err
	}
	req.Header.Set("Accept-Language", "en-US,en;q=0.9")
	req.Header.Set("Authorization", ld.UserAuthenticateToken)
	req.Header.Set("Cache-Control", "no-cache")
	req.Header.Set("Content-Length", "0")
	req.Header.Set("deviceid", creds.DeviceID)
	req.Header.Set("devicetoken", ld.DeviceAuthenticateToken)
	req.Header.Set("dthstatus", ld.DTHStatus)
	req.Header.Set("locale", "en")
	req.Header.Set("platform", "WEB")
	req.Header.Set("subscriberid", ld.SubscriberID)
	req.Header.Set("subscriptiontype", ld.SubscriptionStatus)
	req.Header.Set("x-authenticated-userid", "")
	c.http.PortalHeaders(req)

	body, resp, err := c.do(req)
	if err != nil {
		return "", err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", &Error{Op: "logout", StatusCode: resp.StatusCode, Message: messageFrom(body, resp.Status), Body: string(body)}
	}

	var parsed struct {
		Message string `json:"message"`
	}
	json.Unmarshal(body, &parsed)
	if parsed.Message == "" {
		parsed.Message = "Logged out successfully"
	}
	return parsed.Message, nil
}

// GetContentDetails fetches the channel's content record and returns the
// encrypted manifest pointer (dashPlayreadyPlayUrl) for the resolver to decrypt.
func (c *Client) GetContentDetails(channelID string, ld *types.LoginData) (string, error) {
	req, err := c.newRequest(http.MethodGet, c.config.ContentAPIBase+channelID, nil)
	if err != nil {
		return "", err
	}
	req.Header.Set("Authorization", "Bearer "+ld.UserAuthenticateToken)
	req.Header.Set("subscriberId", ld.SubscriberID)

	body, resp, err := c.do(req)
	if err != nil {
		return "", err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", &Error{Op: "contentDetails", StatusCode: resp.StatusCode, Message: messageFrom(body, resp.Status), Body: string(body)}
	}

	var parsed struct {
		Data struct {
			DashPlayreadyPlayURL string `json:"dashPlayreadyPlayUrl"`
		} `json:"data"`
	}
	if err := json.Unmarshal(body, &parsed); err != nil || parsed.Data.DashPlayreadyPlayURL == "" {
		return "", &Error{Op: "contentDetails", Message: "stream URL not found for channel " + channelID, Body: string(body)}
	}

	return parsed.Data.DashPlayreadyPlayURL, nil
}

// newRequest builds an outbound request; the rate limiter paces callers here so
// every operation is covered.
func (c *Client) newRequest(method, url string, body io.Reader) (*http.Request, error) {
	c.limiter.Take()

	req, err := http.NewRequest(method, url, body)
	if err != nil {
		return nil, fmt.Errorf("failed to build %s request: %w", method, err)
	}
	return req, nil
}

// browserFetchHeaders adds the cross-site fetch metadata the portal's own
// XHR calls carry on the unauthenticated endpoints.
func (c *Client) browserFetchHeaders(req *http.Request) {
	c.http.PortalHeaders(req)
	req.Header.Set("sec-fetch-dest", "empty")
	req.Header.Set("sec-fetch-mode", "cors")
	req.Header.Set("sec-fetch-site", "cross-site")
	req.Header.Set("x-requested-with", "XMLHttpRequest")
}

// do executes the request through the header-setting client and slurps the body.
func (c *Client) do(req *http.Request) ([]byte, *http.Response, error) {
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, nil, &Error{Op: req.Method + " " + req.URL.Path, Message: err.Error()}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, nil, &Error{Op: req.Method + " " + req.URL.Path, StatusCode: resp.StatusCode, Message: "failed to read response body"}
	}
	return body, resp, nil
}

// messageFrom pulls the provider's message field out of an error body, falling
// back to the given default. Provider errors usually carry a human readable
// message worth surfacing.
func messageFrom(body []byte, fallback string) string {
	var parsed struct {
		Message string `json:"message"`
	}
	if err := json.Unmarshal(body, &parsed); err == nil && strings.TrimSpace(parsed.Message) != "" {
		return parsed.Message
	}
	return fallback
}
