// Package handlers exposes the proxy's HTTP surface: the auth endpoints the
// login panel talks to, and the playlist/manifest endpoints media players pull
// from. JSON endpoints always answer JSON, success or failure; an internal
// error must never leak outward as a bare non-JSON 500.
package handlers

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"tpbinge-proxy/work/auth"
	"tpbinge-proxy/work/catalog"
	"tpbinge-proxy/work/logger"
	"tpbinge-proxy/work/metrics"
	"tpbinge-proxy/work/playlist"
	"tpbinge-proxy/work/resolver"

	"github.com/grafana/regexp"
)

var (
	// Indian mobile numbers: ten digits, first digit 6-9.
	mobilePattern = regexp.MustCompile(`^[6-9]\d{9}$`)
	// the provider issues 4 digit codes today but has used 6 in the past
	otpPattern = regexp.MustCompile(`^\d{4,6}$`)
)

// App bundles everything the handlers need. main wires one instance and hangs
// all routes off it.
type App struct {
	Logger   *logger.Logger
	Auth     *auth.Orchestrator
	Catalog  *catalog.Catalog
	Resolver *resolver.Resolver
	Playlist *playlist.Builder
}

type authResponse struct {
	Success     bool   `json:"success"`
	Message     string `json:"message,omitempty"`
	DeviceID    string `json:"deviceId,omitempty"`
	PlaylistURL string `json:"playlistUrl,omitempty"`
}

type statusResponse struct {
	IsLoggedIn  bool   `json:"isLoggedIn"`
	PlaylistURL string `json:"playlistUrl,omitempty"`
}

// deviceID pulls the device identifier from the X-Device-Id header, falling
// back to the `device` query parameter so external players that cannot set
// headers still bind to their session.
func deviceID(r *http.Request) string {
	if id := r.Header.Get("X-Device-Id"); id != "" {
		return id
	}
	return r.URL.Query().Get("device")
}

// requestBaseURL rebuilds the externally visible base URL from the request, so
// playlist links work no matter which hostname the proxy is reached on.
func requestBaseURL(r *http.Request) string {
	scheme := "http"
	if r.TLS != nil || r.Header.Get("X-Forwarded-Proto") == "https" {
		scheme = "https"
	}
	return scheme + "://" + r.Host
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(payload)
}

// failureStatus maps an internal error to the right HTTP status: session
// problems are the caller's fault, everything else is a server-side fault.
func failureStatus(err error) int {
	var sessErr *auth.SessionError
	if errors.As(err, &sessErr) {
		return http.StatusBadRequest
	}
	return http.StatusInternalServerError
}

// HandleAuthStatus reports whether the device is logged in. It never errors
// outward; any internal hiccup reads as "not logged in".
func HandleAuthStatus(app *App) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		resp := statusResponse{}
		if app.Auth.Status(deviceID(r)) {
			resp.IsLoggedIn = true
			resp.PlaylistURL = requestBaseURL(r) + "/api/playlist.m3u"
		}
		writeJSON(w, http.StatusOK, resp)
	}
}

// HandleSendOTP validates the mobile number and kicks off the OTP flow,
// registering the device first when it has no session yet.
func HandleSendOTP(app *App) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			Mobile string `json:"mobile"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			writeJSON(w, http.StatusBadRequest, authResponse{Success: false, Message: "Invalid request body"})
			return
		}
		if !mobilePattern.MatchString(body.Mobile) {
			writeJSON(w, http.StatusBadRequest, authResponse{Success: false, Message: "Invalid mobile number"})
			return
		}

		message, boundDevice, err := app.Auth.SendOTP(body.Mobile, deviceID(r))
		if err != nil {
			app.Logger.Error("send OTP failed: %v", err)
			writeJSON(w, failureStatus(err), authResponse{Success: false, Message: err.Error()})
			return
		}

		writeJSON(w, http.StatusOK, authResponse{
			Success:  true,
			Message:  message,
			DeviceID: boundDevice,
		})
	}
}

// HandleVerifyOTP validates input, completes the login, and hands the client
// its playlist URL.
func HandleVerifyOTP(app *App) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		device := r.Header.Get("X-Device-Id")
		if device == "" {
			writeJSON(w, http.StatusBadRequest, authResponse{Success: false, Message: "Device ID required"})
			return
		}

		var body struct {
			Mobile string `json:"mobile"`
			OTP    string `json:"otp"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			writeJSON(w, http.StatusBadRequest, authResponse{Success: false, Message: "Invalid request body"})
			return
		}
		if !mobilePattern.MatchString(body.Mobile) {
			writeJSON(w, http.StatusBadRequest, authResponse{Success: false, Message: "Invalid mobile number"})
			return
		}
		if !otpPattern.MatchString(body.OTP) {
			writeJSON(w, http.StatusBadRequest, authResponse{Success: false, Message: "Invalid OTP"})
			return
		}

		login, err := app.Auth.VerifyOTP(body.Mobile, body.OTP, device)
		if err != nil {
			app.Logger.Error("verify OTP failed for device %s: %v", device, err)
			writeJSON(w, failureStatus(err), authResponse{Success: false, Message: err.Error()})
			return
		}

		message := login.Message
		if message == "" {
			message = "Logged in successfully"
		}

		writeJSON(w, http.StatusOK, authResponse{
			Success:     true,
			Message:     message,
			PlaylistURL: requestBaseURL(r) + "/api/playlist.m3u",
		})
	}
}

// HandleLogout tears the session down. Calling it without a session is a
// success, as many times as the client likes.
func HandleLogout(app *App) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		message, err := app.Auth.Logout(deviceID(r))
		if err != nil {
			app.Logger.Error("logout failed: %v", err)
			writeJSON(w, http.StatusInternalServerError, authResponse{Success: false, Message: err.Error()})
			return
		}
		writeJSON(w, http.StatusOK, authResponse{Success: true, Message: message})
	}
}

// HandlePlaylist renders the entitlement playlist for the authenticated
// device. Unauthenticated requests get a plain text 401, matching what IPTV
// players expect from a playlist URL.
func HandlePlaylist(app *App) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		device := deviceID(r)

		session, ok := app.Auth.AuthenticatedSession(device)
		if !ok {
			http.Error(w, "Login required", http.StatusUnauthorized)
			return
		}

		channels, err := app.Catalog.Channels()
		if err != nil {
			app.Logger.Error("playlist generation failed: %v", err)
			http.Error(w, "Failed to generate playlist", http.StatusInternalServerError)
			return
		}
		skipIDs := app.Catalog.SkipIDs()

		userAgent := r.Header.Get("User-Agent")
		metrics.PlaylistRequests.WithLabelValues(playlist.PlayerFamily(userAgent)).Inc()

		doc := app.Playlist.Build(channels, skipIDs, requestBaseURL(r), userAgent, session.DeviceID)

		w.Header().Set("Content-Type", "audio/x-mpegurl")
		w.Header().Set("Content-Disposition", `attachment; filename="playlist.m3u"`)
		w.Write([]byte(doc))
	}
}

// HandleManifest resolves and proxies the channel's DASH manifest. CORS stays
// wide open because browser based players fetch manifests cross-origin.
func HandleManifest(app *App) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		channelID := r.URL.Query().Get("id")
		if channelID == "" {
			http.Error(w, "Missing content ID", http.StatusBadRequest)
			return
		}

		session, ok := app.Auth.AuthenticatedSession(deviceID(r))
		if !ok {
			http.Error(w, "Login required", http.StatusUnauthorized)
			return
		}

		mpdURL, err := app.Resolver.Resolve(channelID, session.LoginData)
		if err != nil {
			app.Logger.Error("manifest resolution failed for channel %s: %v", channelID, err)
			http.Error(w, "Failed to fetch MPD content", http.StatusInternalServerError)
			return
		}

		manifest, err := app.Resolver.FetchManifest(mpdURL, channelID)
		if err != nil {
			app.Logger.Error("manifest fetch failed for channel %s: %v", channelID, err)
			http.Error(w, "Failed to fetch MPD content", http.StatusInternalServerError)
			return
		}

		w.Header().Set("Content-Type", "application/dash+xml")
		w.Header().Set("Content-Disposition", fmt.Sprintf(`attachment; filename="tp%s.mpd"`, channelID))
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		w.Write([]byte(manifest))
	}
}
