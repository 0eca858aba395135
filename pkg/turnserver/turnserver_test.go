package turnserver

import (
	"net"
	"testing"

	"github.com/pion/turn/v4"
	"github.com/stretchr/testify/require"
)

func TestRelayGeneratorNoAddressUsesNoneGenerator(t *testing.T) {
	gen := relayGenerator("")
	_, ok := gen.(*turn.RelayAddressGeneratorNone)
	require.True(t, ok)
}

func TestRelayGeneratorWithAddressUsesStaticGenerator(t *testing.T) {
	gen := relayGenerator("203.0.113.9")
	static, ok := gen.(*turn.RelayAddressGeneratorStatic)
	require.True(t, ok)
	require.Equal(t, "203.0.113.9", static.Address)
	require.True(t, static.RelayAddress.Equal(net.ParseIP("203.0.113.9")))
}

func TestNewRejectsNoListeners(t *testing.T) {
	_, err := New(Conf{Realm: "test"}, nil)
	require.Error(t, err)
}

func TestNewRejectsTLSWithoutConfig(t *testing.T) {
	_, err := New(Conf{Realm: "test", TLSAddr: "127.0.0.1:0"}, nil)
	require.Error(t, err)
}

func TestNewBuildsUDPListener(t *testing.T) {
	conf := Conf{
		Realm:       "test",
		UDPAddr:     "127.0.0.1:0",
		Credentials: []Credentials{{Username: "alice", Password: "secret"}},
	}
	srv, err := New(conf, nil)
	require.NoError(t, err)
	defer srv.Close()

	require.Len(t, srv.packets, 1)
}
