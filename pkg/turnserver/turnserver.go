// Package turnserver configures and runs the relay server (§4.9):
// UDP, TCP and TLS-over-TCP listeners sharing one set of long-term
// credentials and one relay address generator. pion/turn/v4's Server
// already implements the Allocate/Refresh/CreatePermission/
// ChannelBind/Send STUN-method dispatch and the RFC 5766 error-code
// semantics (even/odd relayed ports, lifetime clamping, permission
// and channel expiry) internally, so this package is a configuration
// and lifecycle wrapper around it rather than a protocol
// implementation, grounded on examples/ice-proxy/turn.go.
package turnserver

import (
	"crypto/tls"
	"net"

	"github.com/pion/logging"
	"github.com/pion/turn/v4"

	"github.com/wirecall/callcore/pkg/callerr"
)

// Credentials is one long-term username/password pair this server
// accepts, scoped to Realm.
type Credentials struct {
	Username string
	Password string
}

// Conf configures the listeners and relay address generation.
type Conf struct {
	Realm       string
	Credentials []Credentials

	UDPAddr string // e.g. ":3478"; empty disables the UDP listener
	TCPAddr string // e.g. ":3478"; empty disables the TCP listener
	TLSAddr string // e.g. ":5349"; empty disables the TLS listener
	TLSConf *tls.Config

	// RelayAddress is the address advertised in XOR-RELAYED-ADDRESS;
	// on a multi-homed host this is usually the public IP.
	RelayAddress string
}

// Server owns the listeners and the underlying pion/turn/v4 Server.
type Server struct {
	log logging.LeveledLogger

	inner   *turn.Server
	packets []net.PacketConn
	streams []net.Listener
}

// New builds listeners for every configured address and starts the
// relay server. Call Close to release everything.
func New(conf Conf, factory logging.LoggerFactory) (*Server, error) {
	if factory == nil {
		factory = logging.NewDefaultLoggerFactory()
	}

	creds := make(map[string][]byte, len(conf.Credentials))
	for _, c := range conf.Credentials {
		creds[c.Username] = turn.GenerateAuthKey(c.Username, conf.Realm, c.Password)
	}
	authHandler := func(username, realm string, _ net.Addr) ([]byte, bool) {
		key, ok := creds[username]
		return key, ok
	}

	s := &Server{log: factory.NewLogger("turnserver")}

	var packetConfigs []turn.PacketConnConfig
	var listenerConfigs []turn.ListenerConfig

	if conf.UDPAddr != "" {
		conn, err := net.ListenPacket("udp4", conf.UDPAddr)
		if err != nil {
			return nil, callerr.Wrap(callerr.KindTransportClosed, "turnserver.New", err)
		}
		s.packets = append(s.packets, conn)
		packetConfigs = append(packetConfigs, turn.PacketConnConfig{
			PacketConn:            conn,
			RelayAddressGenerator: relayGenerator(conf.RelayAddress),
		})
	}

	if conf.TCPAddr != "" {
		ln, err := net.Listen("tcp4", conf.TCPAddr)
		if err != nil {
			s.closeAll()
			return nil, callerr.Wrap(callerr.KindTransportClosed, "turnserver.New", err)
		}
		s.streams = append(s.streams, ln)
		listenerConfigs = append(listenerConfigs, turn.ListenerConfig{
			Listener:              ln,
			RelayAddressGenerator: relayGenerator(conf.RelayAddress),
		})
	}

	if conf.TLSAddr != "" {
		if conf.TLSConf == nil {
			s.closeAll()
			return nil, callerr.New(callerr.KindInvalidArg, "turnserver.New: TLSAddr set without TLSConf")
		}
		tcpLn, err := net.Listen("tcp4", conf.TLSAddr)
		if err != nil {
			s.closeAll()
			return nil, callerr.Wrap(callerr.KindTransportClosed, "turnserver.New", err)
		}
		tlsLn := tls.NewListener(tcpLn, conf.TLSConf)
		s.streams = append(s.streams, tlsLn)
		listenerConfigs = append(listenerConfigs, turn.ListenerConfig{
			Listener:              tlsLn,
			RelayAddressGenerator: relayGenerator(conf.RelayAddress),
		})
	}

	if len(packetConfigs) == 0 && len(listenerConfigs) == 0 {
		return nil, callerr.New(callerr.KindInvalidArg, "turnserver.New: no listener addresses configured")
	}

	inner, err := turn.NewServer(turn.ServerConfig{
		Realm:             conf.Realm,
		AuthHandler:       authHandler,
		PacketConnConfigs: packetConfigs,
		ListenerConfigs:   listenerConfigs,
		LoggerFactory:     factory,
	})
	if err != nil {
		s.closeAll()
		return nil, callerr.Wrap(callerr.KindProtocol, "turnserver.New", err)
	}
	s.inner = inner

	return s, nil
}

// relayGenerator picks the static generator when a public relay
// address is configured, falling back to RelayAddressGeneratorNone
// (relay IP == listener IP) otherwise -- mirroring the two variants
// seen across examples/ice-proxy/turn.go and misc.go.
func relayGenerator(addr string) turn.RelayAddressGenerator {
	if addr == "" {
		return &turn.RelayAddressGeneratorNone{Address: "0.0.0.0"}
	}
	return &turn.RelayAddressGeneratorStatic{
		RelayAddress: net.ParseIP(addr),
		Address:      addr,
	}
}

func (s *Server) closeAll() {
	for _, c := range s.packets {
		_ = c.Close()
	}
	for _, l := range s.streams {
		_ = l.Close()
	}
}

// Close stops accepting new allocations and releases every listener.
func (s *Server) Close() error {
	if s.inner != nil {
		if err := s.inner.Close(); err != nil {
			return callerr.Wrap(callerr.KindTransportClosed, "turnserver.Close", err)
		}
	}
	return nil
}
