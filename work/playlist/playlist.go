// Package playlist renders the channel catalog into an M3U document that third
// party players (TiviMate, SparkleTV, Kodi-based players, VLC) can consume.
// Different player families parse the pipe-delimited header block after the
// stream URL with different delimiter punctuation, so the exact suffix is a
// per-player compatibility matrix, not a style choice.
package playlist

import (
	"fmt"
	"net/url"
	"strings"

	"tpbinge-proxy/work/config"
	"tpbinge-proxy/work/types"
)

// Player family names as they appear inside user-agent strings.
const (
	PlayerTiviMate  = "tivimate"
	PlayerSparkleTV = "sparkletv"
	PlayerGeneric   = "generic"
)

// excludedProvider marks catalog entries that are not part of the subscription
// entitlement and must never appear in the playlist.
const excludedProvider = "DistroTV"

// Builder renders playlists. It holds only configuration; all catalog data
// comes in per call, so one builder serves every request concurrently.
type Builder struct {
	config *config.Config
}

// NewBuilder creates a playlist builder.
func NewBuilder(cfg *config.Config) *Builder {
	return &Builder{config: cfg}
}

// PlayerFamily classifies a requesting player's user-agent string into one of
// the known header-format families.
func PlayerFamily(userAgent string) string {
	ua := strings.ToLower(userAgent)
	switch {
	case strings.Contains(ua, PlayerTiviMate):
		return PlayerTiviMate
	case strings.Contains(ua, PlayerSparkleTV):
		return PlayerSparkleTV
	default:
		return PlayerGeneric
	}
}

// HeaderSuffix returns the header block appended to every stream URL for the
// given player family. The three formats differ only in delimiter punctuation
// and must be reproduced exactly; players silently drop headers they fail to
// parse and then get rejected by the CDN.
func (b *Builder) HeaderSuffix(family string) string {
	switch family {
	case PlayerTiviMate:
		return "| X-Forwarded-For=59.178.74.184 | Origin=" + b.config.WatchOrigin + " | Referer=" + b.config.WatchOrigin + "/"
	case PlayerSparkleTV:
		return "|X-Forwarded-For=59.178.74.184|Origin=" + b.config.WatchOrigin + "|Referer=" + b.config.WatchOrigin + "/"
	default:
		return "|X-Forwarded-For=59.178.74.184&Origin=" + b.config.WatchOrigin + "&Referer=" + b.config.WatchOrigin + "/"
	}
}

// Build renders the playlist document. Channels are emitted in catalog order;
// entries in skipIDs and entries from the excluded provider are dropped. The
// caller's device id, when present, rides along on every stream URL so
// external players stay bound to their session.
func (b *Builder) Build(channels []types.ChannelInfo, skipIDs []string, baseURL, userAgent, deviceID string) string {
	skip := make(map[string]struct{}, len(skipIDs))
	for _, id := range skipIDs {
		skip[id] = struct{}{}
	}

	liveHeaders := b.HeaderSuffix(PlayerFamily(userAgent))

	deviceParam := ""
	if deviceID != "" {
		// percent-escape spaces; players treat + in a query literally
		deviceParam = "&device=" + strings.ReplaceAll(url.QueryEscape(deviceID), "+", "%20")
	}

	var out strings.Builder
	out.WriteString("#EXTM3U\n\n")

	for _, channel := range channels {
		if _, skipped := skip[channel.ID]; skipped {
			continue
		}
		if channel.Provider == excludedProvider {
			continue
		}

		genre := "General"
		if len(channel.Genres) > 0 {
			genre = channel.Genres[0]
		}
		for _, g := range channel.Genres {
			if g == "HD" {
				genre += ", HD"
				break
			}
		}

		licenseURL := fmt.Sprintf("%s?id=%s", b.config.LicenseAPI, channel.ID)
		streamURL := fmt.Sprintf("%s/api/manifest.mpd?id=%s%s%s", baseURL, channel.ID, deviceParam, liveHeaders)

		out.WriteString(fmt.Sprintf("#EXTINF:-1 tvg-id=\"ts%s\" tvg-logo=\"%s\" group-title=\"%s\",%s\n",
			channel.ID, channel.TransparentImageURL, genre, channel.Title))
		out.WriteString("#KODIPROP:inputstream.adaptive.license_type=clearkey\n")
		out.WriteString("#KODIPROP:inputstream.adaptive.license_key=" + licenseURL + "\n")
		out.WriteString("#KODIPROP:inputstream.adaptive.manifest_type=mpd\n")
		out.WriteString("#EXTVLCOPT:http-user-agent=" + b.config.UserAgent + "\n")
		out.WriteString(streamURL + "\n\n")
	}

	return out.String()
}
