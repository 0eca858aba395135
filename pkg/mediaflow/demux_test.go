package mediaflow

import "testing"

func TestClassifyPacket(t *testing.T) {
	cases := []struct {
		name string
		buf  []byte
		want PacketKind
	}{
		{"stun-low", []byte{0x00, 0x01}, PacketSTUN},
		{"stun-high", []byte{0x01, 0x02}, PacketSTUN},
		{"dtls-low", []byte{20, 0}, PacketDTLS},
		{"dtls-high", []byte{63, 0}, PacketDTLS},
		{"rtp", []byte{0x80, 111}, PacketRTP}, // PT 111, not an RTCP type
		{"rtcp-sr", []byte{0x80, 200}, PacketRTCP},
		{"rtcp-rr", []byte{0x81, 201}, PacketRTCP},
		{"rtcp-boundary-low", []byte{0x80, 192}, PacketRTCP},
		{"rtcp-boundary-high", []byte{0x80, 223}, PacketRTCP},
		{"rtp-just-below-rtcp", []byte{0x80, 191}, PacketRTP},
		{"empty", []byte{}, PacketUnknown},
		{"single-byte-rtp-range", []byte{0x80}, PacketRTP},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := ClassifyPacket(tc.buf); got != tc.want {
				t.Errorf("ClassifyPacket(%v) = %s, want %s", tc.buf, got, tc.want)
			}
		})
	}
}
