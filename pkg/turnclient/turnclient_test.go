package turnclient

import (
	"net"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestIsPrivateIPv4(t *testing.T) {
	cases := []struct {
		addr    string
		private bool
	}{
		{"10.0.0.1", true},
		{"172.16.0.1", true},
		{"172.31.255.255", true},
		{"172.32.0.1", false},
		{"192.168.1.1", true},
		{"203.0.113.5", false},
		{"8.8.8.8", false},
	}
	for _, c := range cases {
		got := isPrivateIPv4(net.ParseIP(c.addr))
		require.Equalf(t, c.private, got, "address %s", c.addr)
	}
}

func TestIsPrivateIPv4RejectsIPv6(t *testing.T) {
	require.False(t, isPrivateIPv4(net.ParseIP("::1")))
}

// fakeStreamConn is a minimal net.Conn double recording what was
// written, standing in for a dialed TCP/TLS connection in tests that
// don't need a real socket.
type fakeStreamConn struct {
	net.Conn
	written []byte
	remote  net.Addr
}

func (f *fakeStreamConn) Write(p []byte) (int, error) {
	f.written = append(f.written, p...)
	return len(p), nil
}
func (f *fakeStreamConn) RemoteAddr() net.Addr { return f.remote }

func TestStreamPacketConnWriteToIgnoresAddrArgument(t *testing.T) {
	inner := &fakeStreamConn{remote: &net.TCPAddr{IP: net.ParseIP("203.0.113.1"), Port: 3478}}
	spc := newStreamPacketConn(inner)

	n, err := spc.WriteTo([]byte("hello"), &net.UDPAddr{IP: net.ParseIP("1.2.3.4"), Port: 9})
	require.NoError(t, err)
	require.Equal(t, 5, n)
	require.Equal(t, "hello", string(inner.written))
}

func TestStreamPacketConnReadFromUsesDialedPeerAsAddr(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	spc := newStreamPacketConn(client)

	go func() {
		_, _ = server.Write([]byte("abc"))
	}()

	buf := make([]byte, 16)
	n, addr, err := spc.ReadFrom(buf)
	require.NoError(t, err)
	require.Equal(t, "abc", string(buf[:n]))
	require.Equal(t, client.RemoteAddr(), addr)
}
