package rtc

import (
	"fmt"
	"slices"
	"strconv"
	"strings"

	"github.com/dkeye/cordis/internal/core"
	"github.com/pion/webrtc/v4"
)

// DefaultCodecs is the codec set every router offers.
func DefaultCodecs() []core.CodecCapability {
	return []core.CodecCapability{
		{
			Kind:                 core.KindAudio,
			MimeType:             webrtc.MimeTypeOpus,
			PreferredPayloadType: 111,
			ClockRate:            48000,
			Channels:             2,
			Parameters:           map[string]any{"minptime": 10, "useinbandfec": 1},
		},
		{
			Kind:                 core.KindVideo,
			MimeType:             webrtc.MimeTypeVP8,
			PreferredPayloadType: 96,
			ClockRate:            90000,
			Parameters:           map[string]any{"x-google-start-bitrate": 1000},
		},
		{
			Kind:                 core.KindVideo,
			MimeType:             webrtc.MimeTypeH264,
			PreferredPayloadType: 102,
			ClockRate:            90000,
			Parameters: map[string]any{
				"packetization-mode":      1,
				"profile-level-id":        "42e01f",
				"level-asymmetry-allowed": 1,
			},
		},
	}
}

var videoFeedback = []webrtc.RTCPFeedback{
	{Type: webrtc.TypeRTCPFBNACK},
	{Type: webrtc.TypeRTCPFBNACK, Parameter: "pli"},
	{Type: webrtc.TypeRTCPFBCCM, Parameter: "fir"},
	{Type: webrtc.TypeRTCPFBGoogREMB},
}

func codecType(kind core.MediaKind) webrtc.RTPCodecType {
	if kind == core.KindVideo {
		return webrtc.RTPCodecTypeVideo
	}
	return webrtc.RTPCodecTypeAudio
}

// fmtpLine renders codec parameters as an SDP fmtp value with sorted keys.
func fmtpLine(params map[string]any) string {
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	slices.Sort(keys)

	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		var v string
		switch t := params[k].(type) {
		case float64:
			v = strconv.FormatFloat(t, 'f', -1, 64)
		default:
			v = fmt.Sprint(t)
		}
		parts = append(parts, k+"="+v)
	}
	return strings.Join(parts, ";")
}

func pionCapability(c core.CodecCapability) webrtc.RTPCodecCapability {
	out := webrtc.RTPCodecCapability{
		MimeType:    c.MimeType,
		ClockRate:   c.ClockRate,
		Channels:    c.Channels,
		SDPFmtpLine: fmtpLine(c.Parameters),
	}
	if c.Kind == core.KindVideo {
		out.RTCPFeedback = videoFeedback
	}
	return out
}

func registerCodecs(m *webrtc.MediaEngine, codecs []core.CodecCapability) error {
	for _, c := range codecs {
		params := webrtc.RTPCodecParameters{
			RTPCodecCapability: pionCapability(c),
			PayloadType:        webrtc.PayloadType(c.PreferredPayloadType),
		}
		if err := m.RegisterCodec(params, codecType(c.Kind)); err != nil {
			return fmt.Errorf("register %s: %w", c.MimeType, err)
		}
	}
	return nil
}

func codecParameters(c core.CodecCapability) core.CodecParameters {
	return core.CodecParameters{
		MimeType:    c.MimeType,
		PayloadType: c.PreferredPayloadType,
		ClockRate:   c.ClockRate,
		Channels:    c.Channels,
		Parameters:  c.Parameters,
	}
}
