package domain

import "strings"

// Platform identifies one social network.
type Platform string

const (
	PlatformFacebook  Platform = "facebook"
	PlatformInstagram Platform = "instagram"
	PlatformX         Platform = "x"
	PlatformYouTube   Platform = "youtube"
	PlatformTikTok    Platform = "tiktok"
	PlatformLinkedIn  Platform = "linkedin"
	PlatformPinterest Platform = "pinterest"
	PlatformThreads   Platform = "threads"
	PlatformBluesky   Platform = "bluesky"
)

var platformNames = map[Platform]string{
	PlatformFacebook:  "Facebook",
	PlatformInstagram: "Instagram",
	PlatformX:         "X (Twitter)",
	PlatformYouTube:   "YouTube",
	PlatformTikTok:    "TikTok",
	PlatformLinkedIn:  "LinkedIn",
	PlatformPinterest: "Pinterest",
	PlatformThreads:   "Threads",
	PlatformBluesky:   "Bluesky",
}

// HumanName returns the display name used in operator-facing error messages.
// Unknown platforms are title-cased.
func (p Platform) HumanName() string {
	if name, ok := platformNames[p]; ok {
		return name
	}
	s := string(p)
	if s == "" {
		return "Unknown platform"
	}
	return strings.ToUpper(s[:1]) + s[1:]
}

// KnownPlatforms lists every platform with a display name.
func KnownPlatforms() []Platform {
	return []Platform{
		PlatformFacebook, PlatformInstagram, PlatformX, PlatformYouTube, PlatformTikTok,
		PlatformLinkedIn, PlatformPinterest, PlatformThreads, PlatformBluesky,
	}
}
