package mediaflow

// PacketKind is the result of classifying one datagram read off the
// call's single UDP socket.
type PacketKind int

const (
	PacketUnknown PacketKind = iota
	PacketSTUN
	PacketDTLS
	PacketRTP
	PacketRTCP
)

func (k PacketKind) String() string {
	switch k {
	case PacketSTUN:
		return "stun"
	case PacketDTLS:
		return "dtls"
	case PacketRTP:
		return "rtp"
	case PacketRTCP:
		return "rtcp"
	default:
		return "unknown"
	}
}

// ClassifyPacket implements the RFC 5764 §5.1.2 demultiplexing rule:
// the first byte alone separates STUN/DTLS/RTP-or-RTCP; telling RTP
// from RTCP additionally requires the second byte (the RTCP packet
// type field, offset by 128: PT 64..95 on the wire reads as 192..223
// in the second byte).
func ClassifyPacket(buf []byte) PacketKind {
	if len(buf) == 0 {
		return PacketUnknown
	}

	b0 := buf[0]
	switch {
	case b0 <= stunByteHigh:
		return PacketSTUN
	case b0 >= dtlsByteLow && b0 <= dtlsByteHigh:
		return PacketDTLS
	case b0 >= rtpByteLow && b0 <= rtpByteHigh:
		if len(buf) < 2 {
			return PacketRTP
		}
		if buf[1] >= rtcpTypeLow && buf[1] <= rtcpTypeHigh {
			return PacketRTCP
		}
		return PacketRTP
	default:
		return PacketUnknown
	}
}
