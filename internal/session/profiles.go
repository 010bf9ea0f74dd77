package session

import (
	"github.com/streamweave/backend/internal/models"
)

var profiles = map[string]models.QualityProfile{
	"1080p60": {Name: "1080p60", BitrateKbps: 6000, FrameRate: 60},
	"720p60":  {Name: "720p60", BitrateKbps: 4000, FrameRate: 60},
	"480p30":  {Name: "480p30", BitrateKbps: 2000, FrameRate: 30},
	"360p30":  {Name: "360p30", BitrateKbps: 1000, FrameRate: 30},
}

// LookupProfile returns the named quality profile.
func LookupProfile(name string) (models.QualityProfile, bool) {
	p, ok := profiles[name]
	return p, ok
}

// AdaptiveProfile picks the best profile a client with the given bandwidth
// can sustain.
func AdaptiveProfile(bandwidthKbps int) models.QualityProfile {
	switch {
	case bandwidthKbps > 5000:
		return profiles["1080p60"]
	case bandwidthKbps > 3000:
		return profiles["720p60"]
	case bandwidthKbps > 1500:
		return profiles["480p30"]
	default:
		return profiles["360p30"]
	}
}
