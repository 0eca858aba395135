// Package mediaflow owns the per-call media transport: one UDP
// socket multiplexing STUN, DTLS and SRTP, SDP offer/answer
// generation, and the RTP/RTCP/data-channel send and receive paths.
package mediaflow

import "fmt"

// SDPState tracks the offer/answer exchange. The offer/answer methods
// set it directly: a call made in an unexpected state is logged and
// still sets the state, so it can move backward (a stream-change
// offer restarts the exchange on a Done Mediaflow). ICE-readiness and
// crypto-readiness are tracked separately and latch true once reached
// (see State).
type SDPState int

const (
	SDPIdle SDPState = iota
	SDPGenOffer
	SDPHaveOffer
	SDPDone
)

func (s SDPState) String() string {
	switch s {
	case SDPIdle:
		return "idle"
	case SDPGenOffer:
		return "gen-offer"
	case SDPHaveOffer:
		return "have-offer"
	case SDPDone:
		return "done"
	default:
		return "unknown"
	}
}

// State is the embedded triple (sdp_state, ice_ready, crypto_ready)
// describing how far along a Mediaflow's negotiation is.
type State struct {
	SDP         SDPState
	ICEReady    bool
	CryptoReady bool
}

func (s State) Ready() bool { return s.SDP == SDPDone && s.ICEReady && s.CryptoReady }

func (s State) String() string {
	return fmt.Sprintf("sdp=%s ice=%v crypto=%v", s.SDP, s.ICEReady, s.CryptoReady)
}

// DTLSSetup mirrors the SDP `a=setup` attribute.
type DTLSSetup int

const (
	SetupActPass DTLSSetup = iota
	SetupActive
	SetupPassive
)

func (s DTLSSetup) String() string {
	switch s {
	case SetupActive:
		return "active"
	case SetupPassive:
		return "passive"
	default:
		return "actpass"
	}
}

// FingerprintAlgo names the hash used for the DTLS fingerprint.
// SHA-1 is accepted on receive for interop; SHA-256 is always sent.
type FingerprintAlgo string

const (
	FingerprintSHA1   FingerprintAlgo = "sha-1"
	FingerprintSHA256 FingerprintAlgo = "sha-256"
)

// CandidateType is the ICE candidate type, narrowed to what this
// system gathers/emits.
type CandidateType int

const (
	CandHost CandidateType = iota
	CandServerReflexive
	CandPeerReflexive
	CandRelay
)

func (c CandidateType) String() string {
	switch c {
	case CandHost:
		return "host"
	case CandServerReflexive:
		return "srflx"
	case CandPeerReflexive:
		return "prflx"
	case CandRelay:
		return "relay"
	default:
		return "unknown"
	}
}

// NetProto is the candidate transport protocol.
type NetProto int

const (
	ProtoUDP NetProto = iota
	ProtoTCP
)

func (p NetProto) String() string {
	if p == ProtoTCP {
		return "tcp"
	}
	return "udp"
}

// Candidate mirrors one ICE candidate attribute line.
type Candidate struct {
	Foundation string
	Component  int
	Proto      NetProto
	Priority   uint32
	Address    string
	Port       int
	Type       CandidateType
	TCPType    string // only meaningful when Proto == ProtoTCP

	// RelatedAddress/RelatedPort are set for srflx/relay/prflx
	// candidates, naming the base they were derived from.
	RelatedAddress string
	RelatedPort    int
}

// CandidatePair is a local/remote pair under connectivity checking.
type CandidatePair struct {
	Local, Remote Candidate
	Selected      bool
	Failed        bool
}

// MediaType distinguishes audio/video/data m-sections.
type MediaType int

const (
	MediaAudio MediaType = iota
	MediaVideo
	MediaData
)

func (m MediaType) String() string {
	switch m {
	case MediaAudio:
		return "audio"
	case MediaVideo:
		return "video"
	case MediaData:
		return "application"
	default:
		return "unknown"
	}
}

// Codec describes one negotiable payload format.
type Codec struct {
	PayloadType int
	Name        string
	ClockRate   int
	Channels    int
	FmtpLine    string
}

// StreamChangeMarker is the SDP attribute an UPDATE can carry to
// signal that only the media pipeline needs resetting, not a full
// ICE/DTLS re-gather (see Ecall UPDATE handling).
const StreamChangeMarker = "x-streamchange"

// RFC5764 demultiplexing byte ranges (ClassifyPacket in demux.go).
const (
	stunByteLow  = 0
	stunByteHigh = 1
	dtlsByteLow  = 20
	dtlsByteHigh = 63
	rtpByteLow   = 128
	rtpByteHigh  = 191
	rtcpTypeLow  = 192
	rtcpTypeHigh = 223
)
