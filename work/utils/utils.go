package utils

import (
	"net/url"
	"strings"

	"tpbinge-proxy/work/config"
)

// LogURL returns either the original URL or an obfuscated version for logging.
// Resolved stream URLs carry CDN auth tokens in their query strings, so debug
// logs must not leak them verbatim when obfuscation is turned on.
func LogURL(cfg *config.Config, url string) string {
	if cfg.ObfuscateUrls {
		return ObfuscateURL(url)
	}
	return url
}

// ObfuscateURL keeps the scheme and host of a URL and masks everything else.
func ObfuscateURL(urlStr string) string {
	if urlStr == "" {
		return ""
	}

	// Parse the URL
	u, err := url.Parse(urlStr)
	if err != nil {
		// If parsing fails, just obfuscate the whole thing
		return "***OBFUSCATED***"
	}

	// Keep scheme and host, obfuscate path and query
	result := u.Scheme + "://" + u.Host
	if u.Path != "" && u.Path != "/" {
		result += "/***"
	}
	if u.RawQuery != "" {
		result += "?***"
	}
	if u.Fragment != "" {
		result += "#***"
	}

	return result
}

// MaskMobile hides all but the last four digits of a mobile number for logs.
func MaskMobile(mobile string) string {
	if len(mobile) <= 4 {
		return mobile
	}
	return strings.Repeat("*", len(mobile)-4) + mobile[len(mobile)-4:]
}
