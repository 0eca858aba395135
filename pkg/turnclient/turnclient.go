// Package turnclient wraps pion/turn/v4's client to implement the
// TURN relay path (§4.5): one allocation per server/protocol
// combination, permissions created for every remote candidate outside
// the RFC 1918 private ranges, and channel binding for peers the
// agent exchanges enough packets with to be worth the savings. No
// example in the retrieval corpus exercises a TURN client directly
// (only a server, in examples/ice-proxy); this package is grounded on
// pion/turn/v4's published client API rather than an in-tree example.
package turnclient

import (
	"crypto/tls"
	"net"
	"sync"
	"time"

	"github.com/pion/logging"
	"github.com/pion/turn/v4"

	"github.com/wirecall/callcore/pkg/callerr"
)

// firstChannelNumber is the lowest value in the channel-number range
// a TURN client may bind (RFC 5766 §11).
const firstChannelNumber = 0x4000

// lastChannelNumber is the highest value in that range.
const lastChannelNumber = 0x7FFF

// Conf carries the server address and long-term credential this
// client allocates with.
type Conf struct {
	ServerAddr string // host:port of the TURN server
	Username   string
	Password   string
	Realm      string

	// Protocol selects udp (default), tcp, or tls (over tcp).
	Protocol string

	// TLSConf is required when Protocol is "tls"; it is passed
	// straight to tls.Dial.
	TLSConf *tls.Config

	RTO time.Duration
}

var DefaultConf = Conf{Protocol: "udp", RTO: 200 * time.Millisecond}

// Client owns one TURN allocation and the permissions/channel
// bindings built on top of it.
type Client struct {
	mu sync.Mutex

	log logging.LeveledLogger

	turnClient *turn.Client
	relayConn  net.PacketConn

	conn net.Conn // only set for tcp/tls long-lived connections

	channels map[string]uint16 // remote addr -> bound channel number
	nextChan uint16
}

// New dials the configured TURN server and performs one Allocate,
// returning a Client ready to create permissions.
func New(conf Conf, factory logging.LoggerFactory) (*Client, error) {
	if factory == nil {
		factory = logging.NewDefaultLoggerFactory()
	}
	if conf.RTO == 0 {
		conf.RTO = DefaultConf.RTO
	}

	var netConn net.Conn // only set for tcp/tls, closed alongside the client
	var packetConn net.PacketConn
	var err error
	switch conf.Protocol {
	case "tls":
		if conf.TLSConf == nil {
			return nil, callerr.New(callerr.KindNotSupported, "turnclient.New: tls protocol requires Conf.TLSConf")
		}
		// TCP/TLS carries STUN/TURN messages as a framed,
		// single-peer stream (RFC 5766 §2.1); streamPacketConn
		// gives the client the PacketConn shape it expects while
		// every datagram is addressed to the one dialed server.
		netConn, err = tls.Dial("tcp", conf.ServerAddr, conf.TLSConf)
		if err == nil {
			packetConn = newStreamPacketConn(netConn)
		}
	case "tcp":
		netConn, err = net.Dial("tcp", conf.ServerAddr)
		if err == nil {
			packetConn = newStreamPacketConn(netConn)
		}
	default:
		packetConn, err = net.ListenPacket("udp", "")
	}
	if err != nil {
		return nil, callerr.Wrap(callerr.KindTransportClosed, "turnclient.New", err)
	}

	turnClient, err := turn.NewClient(&turn.ClientConfig{
		STUNServerAddr: conf.ServerAddr,
		TURNServerAddr: conf.ServerAddr,
		Conn:           packetConn,
		Username:       conf.Username,
		Password:       conf.Password,
		Realm:          conf.Realm,
		RTO:            conf.RTO,
		LoggerFactory:  factory,
	})
	if err != nil {
		_ = packetConn.Close()
		return nil, callerr.Wrap(callerr.KindProtocol, "turnclient.New", err)
	}

	if err := turnClient.Listen(); err != nil {
		turnClient.Close()
		_ = packetConn.Close()
		return nil, callerr.Wrap(callerr.KindProtocol, "turnclient.New", err)
	}

	relayConn, err := turnClient.Allocate()
	if err != nil {
		turnClient.Close()
		_ = packetConn.Close()
		return nil, callerr.Wrap(callerr.KindProtocol, "turnclient.New", err)
	}

	return &Client{
		log:        factory.NewLogger("turnclient"),
		turnClient: turnClient,
		relayConn:  relayConn,
		conn:       netConn,
		channels:   make(map[string]uint16),
		nextChan:   firstChannelNumber,
	}, nil
}

// RelayedAddr is the relayed transport address (the relay candidate)
// to advertise.
func (c *Client) RelayedAddr() net.Addr {
	return c.relayConn.LocalAddr()
}

// isPrivateIPv4 reports whether ip falls in one of the RFC 1918
// ranges; permissions are skipped for such peers per §4.5, since a
// relay is never needed to reach them.
func isPrivateIPv4(ip net.IP) bool {
	v4 := ip.To4()
	if v4 == nil {
		return false
	}
	switch {
	case v4[0] == 10:
		return true
	case v4[0] == 172 && v4[1] >= 16 && v4[1] <= 31:
		return true
	case v4[0] == 192 && v4[1] == 168:
		return true
	default:
		return false
	}
}

// CreatePermission installs a permission for peer if it is not a
// private-range address; a no-op otherwise.
func (c *Client) CreatePermission(peer *net.UDPAddr) error {
	if isPrivateIPv4(peer.IP) {
		return nil
	}

	pc, ok := c.relayConn.(*turn.UDPConn)
	if !ok {
		return callerr.New(callerr.KindNotSupported, "turnclient.CreatePermission")
	}
	if err := pc.CreatePermission(peer); err != nil {
		return callerr.Wrap(callerr.KindProtocol, "turnclient.CreatePermission", err)
	}
	return nil
}

// BindChannel binds a numeric channel (0x4000-0x7FFF) to peer so
// subsequent sends use the 4-byte ChannelData header instead of a
// full Send-indication. Rebinding an already-bound peer is a no-op.
func (c *Client) BindChannel(peer *net.UDPAddr) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	key := peer.String()
	if _, ok := c.channels[key]; ok {
		return nil
	}
	if c.nextChan > lastChannelNumber {
		return callerr.New(callerr.KindAlreadyExists, "turnclient.BindChannel: channel space exhausted")
	}

	pc, ok := c.relayConn.(*turn.UDPConn)
	if !ok {
		return callerr.New(callerr.KindNotSupported, "turnclient.BindChannel")
	}
	if _, err := pc.Bind(peer); err != nil {
		return callerr.Wrap(callerr.KindProtocol, "turnclient.BindChannel", err)
	}

	c.channels[key] = c.nextChan
	c.nextChan++
	return nil
}

// Send writes p to peer over the relay, using the bound channel if
// one exists or plain Send-indication encapsulation otherwise.
func (c *Client) Send(p []byte, peer net.Addr) (int, error) {
	return c.relayConn.WriteTo(p, peer)
}

// Receive reads one relayed datagram, decapsulating Data indications
// or ChannelData as appropriate.
func (c *Client) Receive(p []byte) (n int, from net.Addr, err error) {
	n, from, err = c.relayConn.ReadFrom(p)
	if err != nil {
		return 0, nil, callerr.Wrap(callerr.KindTransportClosed, "turnclient.Receive", err)
	}
	return n, from, nil
}

// Close tears down the allocation and underlying connection.
func (c *Client) Close() error {
	_ = c.relayConn.Close()
	c.turnClient.Close()
	if c.conn != nil {
		_ = c.conn.Close()
	}
	return nil
}

// streamPacketConn adapts a single dialed net.Conn (tcp or tls) to
// the net.PacketConn shape pion/turn/v4's client expects, since the
// TCP/TLS TURN transport never has more than one peer: the server it
// is already connected to.
type streamPacketConn struct {
	net.Conn
}

func newStreamPacketConn(c net.Conn) *streamPacketConn {
	return &streamPacketConn{Conn: c}
}

func (s *streamPacketConn) ReadFrom(p []byte) (int, net.Addr, error) {
	n, err := s.Conn.Read(p)
	return n, s.Conn.RemoteAddr(), err
}

func (s *streamPacketConn) WriteTo(p []byte, _ net.Addr) (int, error) {
	return s.Conn.Write(p)
}
