package mediaflow

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/pion/sdp/v3"

	"github.com/wirecall/callcore/pkg/callerr"
)

// SessionParams carries everything needed to render a single
// audio/data m-section offer or answer (§4.7). Exactly one audio
// m-section and, when DataChan is set, one application m-section are
// emitted; conferencing/multi-stream SDP is out of scope.
type SessionParams struct {
	Offerer bool

	ICEUfrag, ICEPwd string
	ICELite          bool

	Setup       DTLSSetup
	Fingerprint Fingerprint

	Mid        string
	Codecs     []Codec
	Candidates []Candidate

	DataChan bool
}

// RemoteDescription is everything post_sdp_decode needs to pull out of
// a parsed offer or answer (§4.7).
type RemoteDescription struct {
	ICEUfrag, ICEPwd string
	ICELite          bool

	Setup       DTLSSetup
	Fingerprint Fingerprint

	Mid        string
	RTCPMux    bool
	Candidates []Candidate

	HasDataChan bool
}

func setupAttrValue(s DTLSSetup) string {
	switch s {
	case SetupActive:
		return "active"
	case SetupPassive:
		return "passive"
	default:
		return "actpass"
	}
}

// marshalCandidate renders one ICE candidate attribute value in the
// RFC 5245 / RFC 8839 wire form pion/ice also emits.
func marshalCandidate(c Candidate) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s %d %s %d %s %d typ %s",
		c.Foundation, c.Component, c.Proto, c.Priority,
		c.Address, c.Port, c.Type)
	if c.Type != CandHost {
		fmt.Fprintf(&b, " raddr %s rport %d", c.RelatedAddress, c.RelatedPort)
	}
	if c.Proto == ProtoTCP && c.TCPType != "" {
		fmt.Fprintf(&b, " tcptype %s", c.TCPType)
	}
	return b.String()
}

// GenerateOffer renders a single audio (plus optional data channel)
// m-section offer, following the reference implementation's
// mediaflow_generate_offer.
func GenerateOffer(p SessionParams) (string, error) {
	return generateSDP(p, true)
}

// GenerateAnswer renders the answer counterpart.
func GenerateAnswer(p SessionParams) (string, error) {
	return generateSDP(p, false)
}

func generateSDP(p SessionParams, offer bool) (string, error) {
	sess := sdp.NewJSEPSessionDescription(false)
	if p.ICELite {
		sess.WithValueAttribute(sdp.AttrKeyICELite, sdp.AttrKeyICELite)
	}
	if offer {
		sess.WithPropertyAttribute("x-OFFER")
	} else {
		sess.WithPropertyAttribute("x-ANSWER")
	}

	audio := sdp.NewJSEPMediaDescription("audio", []string{}).
		WithValueAttribute(sdp.AttrKeyConnectionSetup, setupAttrValue(p.Setup)).
		WithValueAttribute(sdp.AttrKeyMID, p.Mid).
		WithICECredentials(p.ICEUfrag, p.ICEPwd).
		WithPropertyAttribute(sdp.AttrKeyRTCPMux).
		WithPropertyAttribute(sdp.AttrKeyRTCPRsize).
		WithFingerprint(string(p.Fingerprint.Algo), p.Fingerprint.Digest)

	for _, c := range p.Codecs {
		audio = audio.WithCodec(
			uint8(c.PayloadType), c.Name, uint32(c.ClockRate), uint16(c.Channels), c.FmtpLine)
	}

	for _, c := range p.Candidates {
		audio = audio.WithValueAttribute("candidate", marshalCandidate(c))
	}
	if p.ICELite {
		audio = audio.WithPropertyAttribute("end-of-candidates")
	}

	sess.WithMedia(audio)

	if p.DataChan {
		data := (&sdp.MediaDescription{
			MediaName: sdp.MediaName{
				Media:   "application",
				Port:    sdp.RangedPort{Value: 9},
				Protos:  []string{"UDP", "DTLS", "SCTP"},
				Formats: []string{"webrtc-datachannel"},
			},
			ConnectionInformation: &sdp.ConnectionInformation{
				NetworkType: "IN",
				AddressType: "IP4",
				Address:     &sdp.Address{Address: "0.0.0.0"},
			},
		}).
			WithValueAttribute(sdp.AttrKeyConnectionSetup, setupAttrValue(p.Setup)).
			WithValueAttribute(sdp.AttrKeyMID, "data").
			WithICECredentials(p.ICEUfrag, p.ICEPwd).
			WithValueAttribute("sctp-port", "5000").
			WithFingerprint(string(p.Fingerprint.Algo), p.Fingerprint.Digest)
		sess.WithMedia(data)
	}

	raw, err := sess.Marshal()
	if err != nil {
		return "", callerr.Wrap(callerr.KindProtocol, "mediaflow.generateSDP", err)
	}
	return string(raw), nil
}

// ParseRemote decodes a received offer or answer, corresponding to
// post_sdp_decode in the reference implementation: it must run after
// a successful Unmarshal and pulls out everything the rest of
// Mediaflow needs to proceed.
func ParseRemote(raw string) (*RemoteDescription, error) {
	var sess sdp.SessionDescription
	if err := sess.Unmarshal([]byte(raw)); err != nil {
		return nil, callerr.Wrap(callerr.KindProtocol, "mediaflow.ParseRemote", err)
	}

	if len(sess.MediaDescriptions) == 0 {
		return nil, callerr.New(callerr.KindProtocol, "mediaflow.ParseRemote")
	}

	var audio *sdp.MediaDescription
	var hasData bool
	for _, m := range sess.MediaDescriptions {
		if m.MediaName.Media == "audio" && audio == nil {
			audio = m
		}
		if m.MediaName.Media == "application" {
			hasData = true
		}
	}
	if audio == nil {
		return nil, callerr.New(callerr.KindProtocol, "mediaflow.ParseRemote: no audio m-section")
	}
	if len(audio.MediaName.Formats) == 0 || audio.MediaName.Port.Value == 0 {
		return nil, callerr.New(callerr.KindProtocol, "mediaflow.ParseRemote: disabled m-line")
	}

	out := &RemoteDescription{HasDataChan: hasData}

	out.ICEUfrag = mediaOrSessionAttr(audio, &sess, "ice-ufrag")
	out.ICEPwd = mediaOrSessionAttr(audio, &sess, "ice-pwd")
	if out.ICEUfrag == "" || out.ICEPwd == "" {
		return nil, callerr.New(callerr.KindProtocol, "mediaflow.ParseRemote: missing ice-ufrag/ice-pwd")
	}

	if _, ok := mediaOrSessionAttrOK(&sess, "ice-lite"); ok {
		out.ICELite = true
	}

	if mid, ok := audio.Attribute("mid"); ok {
		out.Mid = mid
	}

	if _, ok := audio.Attribute("rtcp-mux"); !ok {
		return nil, callerr.New(callerr.KindProtocol, "mediaflow.ParseRemote: no rtcp-mux -- rejecting")
	}
	out.RTCPMux = true

	fp := mediaOrSessionAttr(audio, &sess, "fingerprint")
	if fp == "" {
		return nil, callerr.New(callerr.KindProtocol, "mediaflow.ParseRemote: no fingerprint")
	}
	parsed, err := ParseFingerprintAttr(fp)
	if err != nil {
		return nil, err
	}
	out.Fingerprint = parsed

	if setup, ok := audio.Attribute("setup"); ok {
		out.Setup = ParseSetupAttr(setup)
	} else {
		out.Setup = SetupActPass
	}

	for _, a := range audio.Attributes {
		if a.Key != "candidate" {
			continue
		}
		c, err := unmarshalCandidate(a.Value)
		if err != nil {
			continue
		}
		out.Candidates = append(out.Candidates, c)
	}

	return out, nil
}

// HasStreamChangeMarker reports whether a received offer carries the
// stream-change attribute, telling the caller an UPDATE only needs its
// media pipeline reset rather than a full ICE/DTLS re-gather.
func HasStreamChangeMarker(raw string) bool {
	var sess sdp.SessionDescription
	if err := sess.Unmarshal([]byte(raw)); err != nil {
		return false
	}
	if _, ok := sess.Attribute(StreamChangeMarker); ok {
		return true
	}
	for _, m := range sess.MediaDescriptions {
		if _, ok := m.Attribute(StreamChangeMarker); ok {
			return true
		}
	}
	return false
}

func mediaOrSessionAttr(m *sdp.MediaDescription, s *sdp.SessionDescription, key string) string {
	if v, ok := m.Attribute(key); ok {
		return v
	}
	if v, ok := s.Attribute(key); ok {
		return v
	}
	return ""
}

func mediaOrSessionAttrOK(s *sdp.SessionDescription, key string) (string, bool) {
	return s.Attribute(key)
}

// unmarshalCandidate parses one `a=candidate` value into a Candidate,
// mirroring the subset of RFC 8839 the pion/ice wire form uses.
func unmarshalCandidate(value string) (Candidate, error) {
	fields := strings.Fields(value)
	if len(fields) < 8 {
		return Candidate{}, callerr.New(callerr.KindProtocol, "mediaflow.unmarshalCandidate")
	}

	component, err := strconv.Atoi(fields[1])
	if err != nil {
		return Candidate{}, callerr.Wrap(callerr.KindProtocol, "mediaflow.unmarshalCandidate", err)
	}
	priority, err := strconv.Atoi(fields[3])
	if err != nil {
		return Candidate{}, callerr.Wrap(callerr.KindProtocol, "mediaflow.unmarshalCandidate", err)
	}
	port, err := strconv.Atoi(fields[5])
	if err != nil {
		return Candidate{}, callerr.Wrap(callerr.KindProtocol, "mediaflow.unmarshalCandidate", err)
	}

	c := Candidate{
		Foundation: fields[0],
		Component:  component,
		Priority:   uint32(priority),
		Address:    fields[4],
		Port:       port,
	}
	if strings.EqualFold(fields[2], "tcp") {
		c.Proto = ProtoTCP
	}

	for i := 7; i+1 < len(fields); i += 2 {
		switch fields[i] {
		case "typ":
			switch fields[i+1] {
			case "host":
				c.Type = CandHost
			case "srflx":
				c.Type = CandServerReflexive
			case "prflx":
				c.Type = CandPeerReflexive
			case "relay":
				c.Type = CandRelay
			}
		case "raddr":
			c.RelatedAddress = fields[i+1]
		case "rport":
			if rp, err := strconv.Atoi(fields[i+1]); err == nil {
				c.RelatedPort = rp
			}
		case "tcptype":
			c.TCPType = fields[i+1]
		}
	}

	return c, nil
}
