package handlers

import (
	"crypto/aes"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"tpbinge-proxy/work/auth"
	"tpbinge-proxy/work/catalog"
	"tpbinge-proxy/work/client"
	"tpbinge-proxy/work/config"
	"tpbinge-proxy/work/logger"
	"tpbinge-proxy/work/middleware"
	"tpbinge-proxy/work/playlist"
	"tpbinge-proxy/work/resolver"
	"tpbinge-proxy/work/store"
	"tpbinge-proxy/work/upstream"

	"github.com/gorilla/mux"
	"github.com/klauspost/compress/gzip"
	"github.com/panjf2000/ants/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testAESKey = "aesEncryptionKey"

func encryptECB(t *testing.T, plaintext string) string {
	t.Helper()

	block, err := aes.NewCipher([]byte(testAESKey))
	require.NoError(t, err)

	bs := block.BlockSize()
	pad := bs - len(plaintext)%bs
	padded := make([]byte, len(plaintext)+pad)
	copy(padded, plaintext)
	for i := len(plaintext); i < len(padded); i++ {
		padded[i] = byte(pad)
	}

	ciphertext := make([]byte, len(padded))
	for i := 0; i < len(padded); i += bs {
		block.Encrypt(ciphertext[i:i+bs], padded[i:i+bs])
	}
	return base64.StdEncoding.EncodeToString(ciphertext)
}

// newTestRouter stands up the whole stack against one stub server playing the
// provider, the catalog origin, and the CDN at once.
func newTestRouter(t *testing.T) *mux.Router {
	t.Helper()

	stub := http.NewServeMux()
	srv := httptest.NewServer(stub)
	t.Cleanup(srv.Close)

	stub.HandleFunc("/binge-mobile-services/pub/api/v1/user/guest/register", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"data":{"anonymousId":"anon-1"}}`)
	})
	stub.HandleFunc("/binge-mobile-services/pub/api/v1/user/authentication/generateOTP", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"message":"OTP sent"}`)
	})
	stub.HandleFunc("/binge-mobile-services/pub/api/v1/user/authentication/validateOTP", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"data":{"userAuthenticateToken":"tok","deviceAuthenticateToken":"dtok"}}`)
	})
	stub.HandleFunc("/binge-mobile-services/api/v4/subscriber/details", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"data":{"accountDetails":[{"dthStatus":"Active","subscriberId":"sub-1","bingeSubscriberId":"b-1","baId":"ba-1"}]}}`)
	})
	stub.HandleFunc("/binge-mobile-services/api/v3/update/exist/user", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"data":{"subscriberId":"sub-1","baId":"ba-1","dthStatus":"Active"},"message":"Login successful"}`)
	})
	stub.HandleFunc("/binge-mobile-services/api/v2/logout/ba-1", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"message":"You have been logged out"}`)
	})
	stub.HandleFunc("/origin", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"data":{"list":[
			{"id":"101","title":"Star Sports","genres":["Sports"]},
			{"id":"102","title":"STB Only News","genres":["News"]},
			{"id":"103","title":"Free Channel","provider":"DistroTV"}
		]}}`)
	})
	stub.HandleFunc("/stb_only", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `["102"]`)
	})
	stub.HandleFunc("/content/101", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintf(w, `{"data":{"dashPlayreadyPlayUrl":"%s"}}`,
			encryptECB(t, fmt.Sprintf("%s/cdn/101/m.mpd?exp=%d", srv.URL, time.Now().Add(time.Hour).Unix())))
	})
	stub.HandleFunc("/cdn/101/m.mpd", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `<MPD><SegmentTemplate media="dash/seg_$Number$.m4s"/></MPD>`)
	})

	cfg := &config.Config{
		UpstreamBase:         srv.URL,
		ContentAPIBase:       srv.URL + "/content/",
		ChannelListAPI:       srv.URL + "/origin",
		STBOnlyAPI:           srv.URL + "/stb_only",
		LicenseAPI:           "https://license.example.com/keys",
		AESKey:               testAESKey,
		UserAgent:            "test-agent",
		PortalOrigin:         "https://portal.example.com",
		WatchOrigin:          "https://watch.example.com",
		SessionTTL:           24 * time.Hour,
		CatalogCacheDuration: time.Minute,
		CatalogRefreshRate:   time.Hour,
		UpstreamRateLimit:    100,
		StreamTimeout:        5 * time.Second,
	}

	log := logger.New("ERROR")
	hsc := client.NewHeaderSettingClient(cfg)

	pool, err := ants.NewPool(2)
	require.NoError(t, err)
	t.Cleanup(pool.Release)

	st := store.NewMemoryStore(log)
	t.Cleanup(func() { st.Close() })

	up := upstream.New(cfg, log, hsc)
	cat := catalog.New(cfg, log, hsc, pool)
	t.Cleanup(cat.Close)

	app := &App{
		Logger:   log,
		Auth:     auth.New(cfg, log, st, up),
		Catalog:  cat,
		Resolver: resolver.New(cfg, log, hsc, st, up),
		Playlist: playlist.NewBuilder(cfg),
	}

	router := mux.NewRouter()
	router.HandleFunc("/api/auth/status", HandleAuthStatus(app)).Methods("GET")
	router.HandleFunc("/api/auth/send-otp", HandleSendOTP(app)).Methods("POST")
	router.HandleFunc("/api/auth/verify-otp", HandleVerifyOTP(app)).Methods("POST")
	router.HandleFunc("/api/auth/logout", HandleLogout(app)).Methods("POST")
	router.HandleFunc("/api/playlist.m3u", middleware.Gzip(HandlePlaylist(app))).Methods("GET")
	router.HandleFunc("/api/manifest.mpd", middleware.Gzip(HandleManifest(app))).Methods("GET")
	return router
}

func doJSON(t *testing.T, router *mux.Router, method, target, device, body string) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()

	req := httptest.NewRequest(method, target, strings.NewReader(body))
	if device != "" {
		req.Header.Set("X-Device-Id", device)
	}

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	var parsed map[string]any
	if strings.Contains(rec.Header().Get("Content-Type"), "application/json") {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &parsed))
	}
	return rec, parsed
}

// login drives the OTP flow and returns the bound device id.
func login(t *testing.T, router *mux.Router) string {
	t.Helper()

	rec, resp := doJSON(t, router, "POST", "/api/auth/send-otp", "", `{"mobile":"9876543210"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, true, resp["success"])
	device, _ := resp["deviceId"].(string)
	require.NotEmpty(t, device)

	rec, resp = doJSON(t, router, "POST", "/api/auth/verify-otp", device, `{"mobile":"9876543210","otp":"1234"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, true, resp["success"])
	return device
}

func TestFullLoginFlow(t *testing.T) {
	router := newTestRouter(t)

	// fresh device is not logged in
	rec, resp := doJSON(t, router, "GET", "/api/auth/status", "nobody", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, false, resp["isLoggedIn"])

	device := login(t, router)

	rec, resp = doJSON(t, router, "GET", "/api/auth/status", device, "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, true, resp["isLoggedIn"])
	assert.Equal(t, "http://example.com/api/playlist.m3u", resp["playlistUrl"])

	// logout and the device reads as logged out again
	rec, resp = doJSON(t, router, "POST", "/api/auth/logout", device, "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, true, resp["success"])
	assert.Equal(t, "You have been logged out", resp["message"])

	rec, resp = doJSON(t, router, "GET", "/api/auth/status", device, "")
	assert.Equal(t, false, resp["isLoggedIn"])

	// a second logout is still a success
	rec, resp = doJSON(t, router, "POST", "/api/auth/logout", device, "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "Already logged out", resp["message"])
}

func TestSendOTPValidation(t *testing.T) {
	router := newTestRouter(t)

	rec, resp := doJSON(t, router, "POST", "/api/auth/send-otp", "", `{"mobile":"12345"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, false, resp["success"])

	rec, _ = doJSON(t, router, "POST", "/api/auth/send-otp", "", `not json`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestVerifyOTPValidation(t *testing.T) {
	router := newTestRouter(t)

	// the device header is mandatory on verification
	rec, resp := doJSON(t, router, "POST", "/api/auth/verify-otp", "", `{"mobile":"9876543210","otp":"1234"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "Device ID required", resp["message"])

	rec, _ = doJSON(t, router, "POST", "/api/auth/verify-otp", "dev-1", `{"mobile":"9876543210","otp":"12ab"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	// a device that never sent an OTP is the caller's mistake, not a server fault
	rec, _ = doJSON(t, router, "POST", "/api/auth/verify-otp", "ghost-device", `{"mobile":"9876543210","otp":"1234"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestPlaylistRequiresLogin(t *testing.T) {
	router := newTestRouter(t)

	rec, _ := doJSON(t, router, "GET", "/api/playlist.m3u", "nobody", "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Contains(t, rec.Body.String(), "Login required")
}

func TestPlaylistDelivery(t *testing.T) {
	router := newTestRouter(t)
	device := login(t, router)

	req := httptest.NewRequest("GET", "/api/playlist.m3u?device="+device, nil)
	req.Header.Set("User-Agent", "TiviMate/4.7.0")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "audio/x-mpegurl", rec.Header().Get("Content-Type"))
	assert.Contains(t, rec.Header().Get("Content-Disposition"), "playlist.m3u")

	doc := rec.Body.String()
	assert.True(t, strings.HasPrefix(doc, "#EXTM3U"))
	assert.Contains(t, doc, "Star Sports")
	assert.NotContains(t, doc, "STB Only News")
	assert.NotContains(t, doc, "Free Channel")
	assert.Contains(t, doc, "device="+device)
	assert.Contains(t, doc, "| X-Forwarded-For=59.178.74.184 |")
}

func TestPlaylistGzip(t *testing.T) {
	router := newTestRouter(t)
	device := login(t, router)

	req := httptest.NewRequest("GET", "/api/playlist.m3u?device="+device, nil)
	req.Header.Set("Accept-Encoding", "gzip")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "gzip", rec.Header().Get("Content-Encoding"))

	gz, err := gzip.NewReader(rec.Body)
	require.NoError(t, err)
	defer gz.Close()

	body, err := io.ReadAll(gz)
	require.NoError(t, err)
	assert.Contains(t, string(body), "#EXTM3U")
}

func TestManifestDelivery(t *testing.T) {
	router := newTestRouter(t)
	device := login(t, router)

	rec, _ := doJSON(t, router, "GET", "/api/manifest.mpd?id=101", device, "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/dash+xml", rec.Header().Get("Content-Type"))
	assert.Contains(t, rec.Header().Get("Content-Disposition"), "tp101.mpd")
	assert.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))

	// relative segment paths were rooted at the CDN manifest's directory
	assert.Contains(t, rec.Body.String(), `media="http`)
	assert.Contains(t, rec.Body.String(), "/cdn/101/dash/seg_$Number$.m4s")
}

func TestManifestValidation(t *testing.T) {
	router := newTestRouter(t)

	rec, _ := doJSON(t, router, "GET", "/api/manifest.mpd", "nobody", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec, _ = doJSON(t, router, "GET", "/api/manifest.mpd?id=101", "nobody", "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}
