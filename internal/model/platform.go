package model

import "strings"

type Platform string

const (
	PlatformFacebook  Platform = "facebook"
	PlatformInstagram Platform = "instagram"
	PlatformTwitter   Platform = "twitter"
	PlatformTikTok    Platform = "tiktok"
	PlatformYouTube   Platform = "youtube"
)

// Platforms is the fixed set of supported networks.
var Platforms = []Platform{
	PlatformFacebook,
	PlatformInstagram,
	PlatformTwitter,
	PlatformTikTok,
	PlatformYouTube,
}

func (p Platform) String() string { return string(p) }

func (p Platform) Valid() bool {
	for _, x := range Platforms {
		if p == x {
			return true
		}
	}
	return false
}

// DisplayName is used in user-facing messages.
func (p Platform) DisplayName() string {
	switch p {
	case PlatformFacebook:
		return "Facebook"
	case PlatformInstagram:
		return "Instagram"
	case PlatformTwitter:
		return "X (Twitter)"
	case PlatformTikTok:
		return "TikTok"
	case PlatformYouTube:
		return "YouTube"
	default:
		return string(p)
	}
}

// ParsePlatform normalizes input; "x" is accepted for twitter.
func ParsePlatform(s string) (Platform, bool) {
	switch p := Platform(strings.ToLower(strings.TrimSpace(s))); p {
	case "x":
		return PlatformTwitter, true
	default:
		return p, p.Valid()
	}
}
