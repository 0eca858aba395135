package econn

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	props := NewProps()
	props.Set(PropVideoSend, "true")
	props.Set(PropAudioCBR, "false")

	msgs := []*Message{
		{
			Type:         MsgSetup,
			SessIDSender: "abcde",
			Resp:         false,
			SrcUserID:    "alice",
			SrcClientID:  "c1",
			DestUserID:   "bob",
			DestClientID: "c2",
			SDP:          "v=0\r\n...",
			Props:        props,
		},
		{Type: MsgCancel, SessIDSender: "abcde"},
		{Type: MsgHangup, SessIDSender: "abcde", Resp: true},
		{Type: MsgPropSync, SessIDSender: "abcde", Props: props},
		{Type: MsgAlert, SessIDSender: "abcde", AlertLevel: 1, AlertDescr: "oops", Transient: true},
	}

	for _, m := range msgs {
		raw, err := Encode(m)
		require.NoError(t, err)

		got, err := Decode(raw, time.Time{}, time.Time{})
		require.NoError(t, err)

		assert.Equal(t, m.Type, got.Type)
		assert.Equal(t, m.SessIDSender, got.SessIDSender)
		assert.Equal(t, m.Resp, got.Resp)
		assert.Equal(t, m.SDP, got.SDP)
		if m.Props != nil {
			require.NotNil(t, got.Props)
			assert.Equal(t, m.Props.Keys(), got.Props.Keys())
			for _, k := range m.Props.Keys() {
				want, _ := m.Props.Get(k)
				have, _ := got.Props.Get(k)
				assert.Equal(t, want, have)
			}
		}
	}
}

func TestDecodeVersionMismatch(t *testing.T) {
	raw := []byte(`{"version":"1.0","type":"CANCEL","sessid":"x","resp":false}`)
	_, err := Decode(raw, time.Time{}, time.Time{})
	require.Error(t, err)
	var protoErr *ProtocolError
	assert.ErrorAs(t, err, &protoErr)
}

func TestDecodeUnsupportedType(t *testing.T) {
	raw := []byte(`{"version":"3.0","type":"FROBNICATE","sessid":"x","resp":false}`)
	_, err := Decode(raw, time.Time{}, time.Time{})
	require.Error(t, err)
	var unsupported *UnsupportedTypeError
	assert.ErrorAs(t, err, &unsupported)
}

func TestDecodeComputesAge(t *testing.T) {
	sent := time.Now()
	recv := sent.Add(2 * time.Second)
	raw, err := Encode(&Message{Type: MsgCancel, SessIDSender: "x"})
	require.NoError(t, err)

	got, err := Decode(raw, recv, sent)
	require.NoError(t, err)
	assert.Equal(t, 2*time.Second, got.Age)
}

func TestDecodeAgeClampedToZero(t *testing.T) {
	// send time after recv time (clock skew) must clamp to 0, never go negative.
	recv := time.Now()
	sent := recv.Add(5 * time.Second)
	raw, err := Encode(&Message{Type: MsgCancel, SessIDSender: "x"})
	require.NoError(t, err)

	got, err := Decode(raw, recv, sent)
	require.NoError(t, err)
	assert.Equal(t, time.Duration(0), got.Age)
}

func TestPropsOrderRoundTrips(t *testing.T) {
	props := NewProps()
	props.Set("z", "1")
	props.Set("a", "2")
	props.Set("m", "3")

	raw, err := Encode(&Message{Type: MsgPropSync, SessIDSender: "s", Props: props})
	require.NoError(t, err)

	got, err := Decode(raw, time.Time{}, time.Time{})
	require.NoError(t, err)

	assert.Equal(t, []string{"z", "a", "m"}, got.Props.Keys())
}

// Decode accepts an envelope with an unknown top-level key; the key is
// dropped and does not survive a re-encode.
func TestDecodeAcceptsUnknownEnvelopeKeys(t *testing.T) {
	raw := []byte(`{"version":"3.0","type":"CANCEL","sessid":"x","resp":false,"from_the_future":"42"}`)
	m, err := Decode(raw, time.Time{}, time.Time{})
	require.NoError(t, err)
	assert.Equal(t, MsgCancel, m.Type)
}
