package config

import (
	"encoding/json"
	"fmt"
	"log"
	"net/url"
	"os"
	"sync"
	"time"
)

// Config holds all application configuration values for the proxy server.
// It covers the listener, the upstream provider endpoints, the stream URL
// cipher, session lifetimes, and catalog caching behavior.
type Config struct {
	BaseURL              string        `json:"baseURL"`              // Public base URL of this proxy (used when building playlist stream links)
	ListenPort           int           `json:"listenPort"`           // TCP port the HTTP server binds to
	Debug                bool          `json:"debug"`                // Enable debug logging
	ObfuscateUrls        bool          `json:"obfuscateUrls"`        // Obfuscate resolved stream URLs in logs
	StoragePath          string        `json:"storagePath"`          // SQLite file for durable sessions; empty keeps everything in memory
	SessionTTL           time.Duration `json:"sessionTTL"`           // Lifetime of a device session from creation/login
	SweepInterval        time.Duration `json:"sweepInterval"`        // How often the store sweeps out expired sessions
	CatalogCacheDuration time.Duration `json:"catalogCacheDuration"` // How long the channel catalog and skip list stay cached
	CatalogRefreshRate   time.Duration `json:"catalogRefreshRate"`   // Interval for the background catalog warmup loop
	UpstreamRateLimit    int           `json:"upstreamRateLimit"`    // Max outbound provider calls per second
	WorkerThreads        int           `json:"workerThreads"`        // Worker pool size for background tasks
	StreamTimeout        time.Duration `json:"streamTimeout"`        // HTTP response header timeout for upstream calls

	UpstreamBase   string `json:"upstreamBase"`   // Provider API host (registration, OTP, login, logout)
	ContentAPIBase string `json:"contentAPIBase"` // Per channel content detail endpoint prefix, channel id is appended
	ChannelListAPI string `json:"channelListAPI"` // Third party endpoint serving the channel catalog
	STBOnlyAPI     string `json:"stbOnlyAPI"`     // Third party endpoint serving the set-top-box only exclusion list
	LicenseAPI     string `json:"licenseAPI"`     // DRM license endpoint referenced from playlist entries
	AESKey         string `json:"aesKey"`         // Fixed 16 byte key for decrypting provider stream pointers
	UserAgent      string `json:"userAgent"`      // Browser identity used for every upstream call
	PortalOrigin   string `json:"portalOrigin"`   // Provider web portal origin, sent as Origin/Referer on API calls
	WatchOrigin    string `json:"watchOrigin"`    // Provider watch portal origin, sent as Origin/Referer on CDN fetches
}

// ConfigFile represents the JSON file structure for marshaling/unmarshaling
// configuration. Duration fields are strings (e.g. "24h") and parsed on load.
type ConfigFile struct {
	BaseURL              string `json:"baseURL"`
	ListenPort           int    `json:"listenPort"`
	Debug                bool   `json:"debug"`
	ObfuscateUrls        bool   `json:"obfuscateUrls"`
	StoragePath          string `json:"storagePath"`
	SessionTTL           string `json:"sessionTTL"`           // Duration as string (e.g. "24h")
	SweepInterval        string `json:"sweepInterval"`        // Duration as string (e.g. "1h")
	CatalogCacheDuration string `json:"catalogCacheDuration"` // Duration as string (e.g. "30m")
	CatalogRefreshRate   string `json:"catalogRefreshRate"`   // Duration as string (e.g. "6h")
	UpstreamRateLimit    int    `json:"upstreamRateLimit"`
	WorkerThreads        int    `json:"workerThreads"`
	StreamTimeout        string `json:"streamTimeout"` // Duration as string (e.g. "30s")

	UpstreamBase   string `json:"upstreamBase"`
	ContentAPIBase string `json:"contentAPIBase"`
	ChannelListAPI string `json:"channelListAPI"`
	STBOnlyAPI     string `json:"stbOnlyAPI"`
	LicenseAPI     string `json:"licenseAPI"`
	AESKey         string `json:"aesKey"`
	UserAgent      string `json:"userAgent"`
	PortalOrigin   string `json:"portalOrigin"`
	WatchOrigin    string `json:"watchOrigin"`
}

var (
	configCache *Config      // Cached configuration instance (singleton)
	configMutex sync.RWMutex // Mutex for safe concurrent access to configCache
)

// LoadConfig loads the configuration from file or returns the cached instance.
//
// Process:
//   - Uses double-checked locking to avoid redundant reloads.
//   - Attempts to load from `/settings/config.json`.
//   - Falls back to default config if file is missing or invalid.
//   - Runs validation to ensure safe defaults.
//
// Returns:
//   - *Config: fully validated configuration object
func LoadConfig() *Config {
	configMutex.RLock()
	if configCache != nil {
		defer configMutex.RUnlock()
		return configCache
	}
	configMutex.RUnlock()

	configMutex.Lock()
	defer configMutex.Unlock()

	// Double-check under write lock
	if configCache != nil {
		return configCache
	}

	// Attempt to load from file
	configPath := "/settings/config.json"
	config, err := loadFromFile(configPath)
	if err != nil {
		log.Printf("Failed to load config from %s: %v", configPath, err)
		log.Printf("Falling back to default configuration...")
		config = getDefaultConfig()
	}

	// Ensure safe defaults for missing values
	validateAndSetDefaults(config)

	// Cache for future calls
	configCache = config

	if config.Debug {
		log.Printf("Configuration loaded:")
		log.Printf("  Upstream: %s", config.UpstreamBase)
		log.Printf("  Catalog: %s", obfuscateURL(config.ChannelListAPI))
		log.Printf("  Session TTL: %s", config.SessionTTL)
		log.Printf("  Storage: %s", storageLabel(config.StoragePath))
	}

	return config
}

// loadFromFile reads and parses the configuration from a JSON file.
func loadFromFile(path string) (*Config, error) {

	// read from the file
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	// unmarshal the config file
	var configFile ConfigFile
	if err := json.Unmarshal(data, &configFile); err != nil {
		return nil, fmt.Errorf("failed to parse config JSON: %w", err)
	}

	// convert to our settings
	return convertFromFile(&configFile)
}

// convertFromFile converts a ConfigFile to Config,
// parsing duration strings into time.Duration.
func convertFromFile(cf *ConfigFile) (*Config, error) {
	config := &Config{
		BaseURL:           cf.BaseURL,
		ListenPort:        cf.ListenPort,
		Debug:             cf.Debug,
		ObfuscateUrls:     cf.ObfuscateUrls,
		StoragePath:       cf.StoragePath,
		UpstreamRateLimit: cf.UpstreamRateLimit,
		WorkerThreads:     cf.WorkerThreads,
		UpstreamBase:      cf.UpstreamBase,
		ContentAPIBase:    cf.ContentAPIBase,
		ChannelListAPI:    cf.ChannelListAPI,
		STBOnlyAPI:        cf.STBOnlyAPI,
		LicenseAPI:        cf.LicenseAPI,
		AESKey:            cf.AESKey,
		UserAgent:         cf.UserAgent,
		PortalOrigin:      cf.PortalOrigin,
		WatchOrigin:       cf.WatchOrigin,
	}

	// Parse duration fields; empty strings keep the zero value and pick up
	// defaults in validateAndSetDefaults.
	var err error
	if cf.SessionTTL != "" {
		if config.SessionTTL, err = time.ParseDuration(cf.SessionTTL); err != nil {
			return nil, fmt.Errorf("invalid sessionTTL: %w", err)
		}
	}
	if cf.SweepInterval != "" {
		if config.SweepInterval, err = time.ParseDuration(cf.SweepInterval); err != nil {
			return nil, fmt.Errorf("invalid sweepInterval: %w", err)
		}
	}
	if cf.CatalogCacheDuration != "" {
		if config.CatalogCacheDuration, err = time.ParseDuration(cf.CatalogCacheDuration); err != nil {
			return nil, fmt.Errorf("invalid catalogCacheDuration: %w", err)
		}
	}
	if cf.CatalogRefreshRate != "" {
		if config.CatalogRefreshRate, err = time.ParseDuration(cf.CatalogRefreshRate); err != nil {
			return nil, fmt.Errorf("invalid catalogRefreshRate: %w", err)
		}
	}
	if cf.StreamTimeout != "" {
		if config.StreamTimeout, err = time.ParseDuration(cf.StreamTimeout); err != nil {
			return nil, fmt.Errorf("invalid streamTimeout: %w", err)
		}
	}

	return config, nil
}

// getDefaultConfig returns a baseline configuration
// with sensible defaults when no file is present.
func getDefaultConfig() *Config {
	return &Config{
		BaseURL:              "http://localhost:8080",
		ListenPort:           8080,
		Debug:                false,
		ObfuscateUrls:        false,
		StoragePath:          "", // in-memory sessions by default
		SessionTTL:           24 * time.Hour,
		SweepInterval:        time.Hour,
		CatalogCacheDuration: 30 * time.Minute,
		CatalogRefreshRate:   6 * time.Hour,
		UpstreamRateLimit:    10,
		WorkerThreads:        4,
		StreamTimeout:        30 * time.Second,
	}
}

// validateAndSetDefaults ensures all config values are valid,
// filling in defaults for missing/invalid ones.
func validateAndSetDefaults(config *Config) {
	if config.BaseURL == "" {
		config.BaseURL = "http://localhost:8080"
	}
	if config.ListenPort <= 0 {
		config.ListenPort = 8080
	}
	if config.SessionTTL <= 0 {
		config.SessionTTL = 24 * time.Hour
	}
	if config.SweepInterval <= 0 {
		config.SweepInterval = time.Hour
	}
	if config.CatalogCacheDuration <= 0 {
		config.CatalogCacheDuration = 30 * time.Minute
	}
	if config.CatalogRefreshRate <= 0 {
		config.CatalogRefreshRate = 6 * time.Hour
	}
	if config.UpstreamRateLimit <= 0 {
		config.UpstreamRateLimit = 10
	}
	if config.WorkerThreads <= 0 {
		config.WorkerThreads = 4
	}
	if config.StreamTimeout <= 0 {
		config.StreamTimeout = 30 * time.Second
	}
	if config.UpstreamBase == "" {
		config.UpstreamBase = "https://tb.tapi.videoready.tv"
	}
	if config.ContentAPIBase == "" {
		config.ContentAPIBase = "https://tb.tapi.videoready.tv/content-detail/api/partner/cdn/player/details/chotiluli/"
	}
	if config.ChannelListAPI == "" {
		config.ChannelListAPI = "https://tp.drmlive-01.workers.dev/origin"
	}
	if config.STBOnlyAPI == "" {
		config.STBOnlyAPI = "https://tp.drmlive-01.workers.dev/stb_only"
	}
	if config.LicenseAPI == "" {
		config.LicenseAPI = "https://tp.drmlive-01.workers.dev"
	}
	if config.AESKey == "" {
		config.AESKey = "aesEncryptionKey"
	}
	if config.UserAgent == "" {
		config.UserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/135.0.0.0 Safari/537.36"
	}
	if config.PortalOrigin == "" {
		config.PortalOrigin = "https://www.tataplaybinge.com"
	}
	if config.WatchOrigin == "" {
		config.WatchOrigin = "https://watch.tataplay.com"
	}
}

// ClearConfigCache resets the configCache to nil.
// Forces a reload on the next LoadConfig() call.
func ClearConfigCache() {
	configMutex.Lock()
	defer configMutex.Unlock()
	configCache = nil
}

// CreateExampleConfig creates an example config file on disk.
func CreateExampleConfig(path string) error {
	example := ConfigFile{
		BaseURL:              "http://localhost:8080",
		ListenPort:           8080,
		Debug:                false,
		ObfuscateUrls:        true,
		StoragePath:          "/settings/sessions.db",
		SessionTTL:           "24h",
		SweepInterval:        "1h",
		CatalogCacheDuration: "30m",
		CatalogRefreshRate:   "6h",
		UpstreamRateLimit:    10,
		WorkerThreads:        4,
		StreamTimeout:        "30s",
	}

	// setup the data properly
	data, err := json.MarshalIndent(example, "", "  ")
	if err != nil {
		return err
	}

	// write the config file
	return os.WriteFile(path, data, 0644)
}

// storageLabel describes the session backing store for log output.
func storageLabel(path string) string {
	if path == "" {
		return "memory"
	}
	return "sqlite (" + path + ")"
}

// obfuscateURL masks sensitive parts of a URL for logging.
//
// Example:
//
//	Input:  "http://example.com/secret/stream.m3u8?token=abc"
//	Output: "http://example.com/***?***"
func obfuscateURL(urlStr string) string {
	if urlStr == "" {
		return ""
	}
	u, err := url.Parse(urlStr)
	if err != nil {
		return "***OBFUSCATED***"
	}
	result := u.Scheme + "://" + u.Host
	if u.Path != "" && u.Path != "/" {
		result += "/***"
	}
	if u.RawQuery != "" {
		result += "?***"
	}
	return result
}
