package core

import (
	"fmt"
	"strings"
)

// Supports reports whether c can be received by an endpoint with caps.
// Mime type, clock rate and channel count must match. H264 additionally
// needs the same packetization mode.
func (caps RTPCapabilities) Supports(c CodecParameters) bool {
	for _, cc := range caps.Codecs {
		if codecMatches(cc, c) {
			return true
		}
	}
	return false
}

// Match returns the first capability matching c.
func (caps RTPCapabilities) Match(c CodecParameters) (CodecCapability, bool) {
	for _, cc := range caps.Codecs {
		if codecMatches(cc, c) {
			return cc, true
		}
	}
	return CodecCapability{}, false
}

func codecMatches(cc CodecCapability, c CodecParameters) bool {
	if !strings.EqualFold(cc.MimeType, c.MimeType) {
		return false
	}
	if cc.ClockRate != c.ClockRate {
		return false
	}
	if cc.Channels != 0 && c.Channels != 0 && cc.Channels != c.Channels {
		return false
	}
	if strings.EqualFold(c.MimeType, "video/H264") {
		return paramString(cc.Parameters, "packetization-mode") == paramString(c.Parameters, "packetization-mode")
	}
	return true
}

func paramString(params map[string]any, key string) string {
	v, ok := params[key]
	if !ok {
		// RFC 6184 default
		if key == "packetization-mode" {
			return "0"
		}
		return ""
	}
	switch t := v.(type) {
	case float64:
		return fmt.Sprintf("%g", t)
	default:
		return fmt.Sprint(t)
	}
}
