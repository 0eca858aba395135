// Package icelite implements the single-port ICE-lite STUN responder
// (§4.3): a server-reflexive-only peer that never gathers or pings
// candidates itself, but answers Binding requests from the remote
// full-ICE agent, validates short-term message-integrity, and latches
// the first address that sends a properly authenticated request as
// the selected peer. It corresponds to src/media/icelite.c in the
// reference implementation, built here on pion/stun/v3 rather than a
// hand-rolled codec.
package icelite

import (
	"net"
	"sync"
	"time"

	"github.com/pion/logging"
	"github.com/pion/stun/v3"

	"github.com/wirecall/callcore/pkg/callerr"
)

// peerTimeout is the no-traffic freshness window after which a
// latched peer is dropped and the responder reverts to accepting any
// authenticated request as a new candidate peer (§4.3).
const peerTimeout = 10 * time.Second

// Conf tunes the responder; zero value is not valid, use DefaultConf.
type Conf struct {
	// RequireUseCandidate, when true, only latches a peer from a
	// request carrying USE-CANDIDATE; when false (compatibility
	// mode) any authenticated Binding request latches its source.
	RequireUseCandidate bool
}

var DefaultConf = Conf{RequireUseCandidate: false}

// Handler receives responder events.
type Handler interface {
	// PeerLatched fires the first time (or after a re-latch
	// following a freshness timeout) a remote address is selected.
	PeerLatched(r *Responder, addr net.Addr)
	// PeerLost fires when the latched peer goes quiet for longer
	// than the freshness window.
	PeerLost(r *Responder, addr net.Addr)
}

// Socket is the minimal packet transport the responder drives; a
// net.PacketConn (or mediaflow's demultiplexed STUN sub-socket)
// satisfies it.
type Socket interface {
	ReadFrom(p []byte) (n int, addr net.Addr, err error)
	WriteTo(p []byte, addr net.Addr) (n int, err error)
}

// Responder is a single ICE-lite Binding responder bound to one local
// ufrag/password pair, usually shared with the Mediaflow's SDP
// credentials for the same call.
type Responder struct {
	mu sync.Mutex

	log  logging.LeveledLogger
	conf Conf

	localUfrag, localPwd string

	conn Socket

	handler Handler

	peer      net.Addr
	lastSeen  time.Time
	haveLease bool
}

// New builds a Responder bound to conn, authenticating requests whose
// USERNAME begins with "<localUfrag>:" and whose MESSAGE-INTEGRITY
// checks out against localPwd as a short-term credential.
func New(conn Socket, localUfrag, localPwd string, conf Conf, handler Handler, factory logging.LoggerFactory) *Responder {
	if factory == nil {
		factory = logging.NewDefaultLoggerFactory()
	}
	return &Responder{
		log:        factory.NewLogger("icelite"),
		conf:       conf,
		localUfrag: localUfrag,
		localPwd:   localPwd,
		conn:       conn,
		handler:    handler,
	}
}

// Peer returns the currently latched remote address, or nil if none
// is latched yet or the last one timed out.
func (r *Responder) Peer() net.Addr {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.haveLease && time.Since(r.lastSeen) > peerTimeout {
		return nil
	}
	if !r.haveLease {
		return nil
	}
	return r.peer
}

// HandleSTUN processes one inbound datagram already classified as
// STUN by the caller's demultiplexer (RFC 5764 §5.1.2). It returns
// nil if the datagram was not a STUN Binding request it should
// respond to (malformed, wrong method, USERNAME missing or not for
// this ufrag) -- those are silently dropped per the responder's
// tolerance for stray traffic, mirroring icelite_run in the reference
// implementation. A request whose MESSAGE-INTEGRITY fails the check
// is not answered and returns an Authentication error.
func (r *Responder) HandleSTUN(data []byte, from net.Addr) error {
	msg := &stun.Message{Raw: append([]byte(nil), data...)}
	if err := msg.Decode(); err != nil {
		return nil
	}
	if msg.Type != stun.BindingRequest {
		return nil
	}

	r.mu.Lock()
	localUfrag, localPwd := r.localUfrag, r.localPwd
	r.mu.Unlock()

	var username stun.Username
	if err := username.GetFrom(msg); err != nil {
		return nil
	}
	if !hasUfragPrefix(string(username), localUfrag) {
		return nil
	}

	integrity := stun.NewShortTermIntegrity(localPwd)
	if err := integrity.Check(msg); err != nil {
		return callerr.Wrap(callerr.KindAuthentication, "icelite.HandleSTUN", err)
	}

	useCandidate := msg.Contains(stun.AttrUseCandidate)
	if r.conf.RequireUseCandidate && !useCandidate {
		return nil
	}

	r.latch(from)

	return r.reply(msg, from)
}

func (r *Responder) reply(req *stun.Message, from net.Addr) error {
	udpAddr, ok := from.(*net.UDPAddr)
	ip, port := net.IPv4zero, 0
	if ok {
		ip, port = udpAddr.IP, udpAddr.Port
	}

	r.mu.Lock()
	localPwd := r.localPwd
	r.mu.Unlock()

	resp, err := stun.Build(
		echoTransaction(req.TransactionID),
		stun.BindingSuccess,
		&stun.XORMappedAddress{IP: ip, Port: port},
		stun.NewShortTermIntegrity(localPwd),
		stun.Fingerprint,
	)
	if err != nil {
		return callerr.Wrap(callerr.KindProtocol, "icelite.reply", err)
	}

	_, err = r.conn.WriteTo(resp.Raw, from)
	if err != nil {
		return callerr.Wrap(callerr.KindTransportClosed, "icelite.reply", err)
	}
	return nil
}

func (r *Responder) latch(from net.Addr) {
	r.mu.Lock()
	stale := r.haveLease && time.Since(r.lastSeen) > peerTimeout
	first := !r.haveLease || stale
	sameAddr := r.haveLease && !stale && addrEqual(r.peer, from)
	if !first && !sameAddr {
		// A fresh peer is already latched; another address neither
		// replaces it nor refreshes its freshness timer.
		r.mu.Unlock()
		return
	}

	r.peer = from
	r.lastSeen = time.Now()
	r.haveLease = true
	handler := r.handler
	r.mu.Unlock()

	if handler == nil || sameAddr {
		return
	}
	if first {
		handler.PeerLatched(r, from)
	}
}

// CheckFreshness should be called periodically (driven by the owning
// loop's timer) to detect a latched peer going quiet.
func (r *Responder) CheckFreshness() {
	r.mu.Lock()
	if !r.haveLease || time.Since(r.lastSeen) <= peerTimeout {
		r.mu.Unlock()
		return
	}
	lost := r.peer
	r.haveLease = false
	handler := r.handler
	r.mu.Unlock()

	if handler != nil {
		handler.PeerLost(r, lost)
	}
}

// echoTransaction is a Setter that copies a request's transaction ID
// onto the response being built; it must run before the
// MessageIntegrity/Fingerprint setters in the Build chain so their
// header recomputation picks up the right transaction ID.
type echoTransaction [stun.TransactionIDSize]byte

func (t echoTransaction) AddTo(m *stun.Message) error {
	m.TransactionID = t
	return nil
}

func hasUfragPrefix(username, localUfrag string) bool {
	if len(username) <= len(localUfrag)+1 {
		return false
	}
	return username[:len(localUfrag)] == localUfrag && username[len(localUfrag)] == ':'
}

func addrEqual(a, b net.Addr) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.String() == b.String()
}
