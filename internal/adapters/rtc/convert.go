package rtc

import (
	"fmt"

	"github.com/dkeye/cordis/internal/core"
	"github.com/pion/webrtc/v4"
)

func toICEParameters(p core.ICEParameters) webrtc.ICEParameters {
	return webrtc.ICEParameters{
		UsernameFragment: p.UsernameFragment,
		Password:         p.Password,
		ICELite:          p.ICELite,
	}
}

func fromICECandidates(cands []webrtc.ICECandidate) []core.ICECandidate {
	out := make([]core.ICECandidate, 0, len(cands))
	for _, c := range cands {
		out = append(out, core.ICECandidate{
			Foundation: c.Foundation,
			Priority:   c.Priority,
			IP:         c.Address,
			Port:       c.Port,
			Protocol:   c.Protocol.String(),
			Type:       c.Typ.String(),
		})
	}
	return out
}

func parseDTLSRole(s string) (webrtc.DTLSRole, error) {
	switch s {
	case "", "auto":
		return webrtc.DTLSRoleAuto, nil
	case "client":
		return webrtc.DTLSRoleClient, nil
	case "server":
		return webrtc.DTLSRoleServer, nil
	default:
		return 0, fmt.Errorf("%w: role %q", ErrInvalidDTLSParameters, s)
	}
}

func toDTLSParameters(p core.DTLSParameters) (webrtc.DTLSParameters, error) {
	if len(p.Fingerprints) == 0 {
		return webrtc.DTLSParameters{}, fmt.Errorf("%w: no fingerprints", ErrInvalidDTLSParameters)
	}
	role, err := parseDTLSRole(p.Role)
	if err != nil {
		return webrtc.DTLSParameters{}, err
	}
	out := webrtc.DTLSParameters{Role: role}
	for _, f := range p.Fingerprints {
		out.Fingerprints = append(out.Fingerprints, webrtc.DTLSFingerprint{Algorithm: f.Algorithm, Value: f.Value})
	}
	return out, nil
}

func fromDTLSParameters(p webrtc.DTLSParameters) core.DTLSParameters {
	out := core.DTLSParameters{Role: p.Role.String()}
	for _, f := range p.Fingerprints {
		out.Fingerprints = append(out.Fingerprints, core.DTLSFingerprint{Algorithm: f.Algorithm, Value: f.Value})
	}
	return out
}
