// Package ecall binds one econn signaling connection to one mediaflow
// media transport, and is the layer an application host actually talks
// to: it creates/destroys Mediaflows in step with the Econn lifecycle,
// drives SDP offer/answer through it, and surfaces the call-level
// event set (incoming, answered, established, closed) rather than the
// lower-level signaling and media events.
package ecall

import (
	"net"
	"sync"
	"time"

	"github.com/pion/logging"
	"github.com/pion/rtcp"
	"github.com/pion/rtp"

	"github.com/wirecall/callcore/internal/loop"
	"github.com/wirecall/callcore/pkg/callerr"
	"github.com/wirecall/callcore/pkg/econn"
	"github.com/wirecall/callcore/pkg/mediaflow"
)

// Mid is the fixed media-stream identifier this stack negotiates; one
// audio m-section per call, matching Mediaflow's single-stream scope.
const Mid = "audio"

// Conf bundles the Econn and Mediaflow tunables an Ecall passes down
// when constructing either.
type Conf struct {
	Econn     econn.Conf
	Mediaflow mediaflow.Conf
}

// DefaultConf chains both layers' defaults.
var DefaultConf = Conf{Econn: econn.DefaultConf, Mediaflow: mediaflow.DefaultConf}

// SocketFactory opens the UDP socket (or TURN-relayed equivalent) a
// new Mediaflow should bind to. Supplied by the host so Ecall never
// has to know about port ranges or relay selection directly.
type SocketFactory func() (mediaflow.PacketConn, error)

// Transport sends one signaling message to the peer; Ecall forwards
// this straight to the Econn it owns.
type Transport = econn.Transport

// Handler receives the application-facing call events of §6: each
// callback runs on the goroutine that produced the event (the caller
// of RecvMessage, ReceivePacket or ICEConnected, or a DTLS or data
// channel goroutine Mediaflow starts) and must not block.
type Handler interface {
	IncomingCall(call *Ecall, hasVideo bool)
	MissedCall(call *Ecall, age time.Duration)
	Answered(call *Ecall)
	MediaEstablished(call *Ecall)
	AudioEstablished(call *Ecall)
	DataChannelEstablished(call *Ecall)
	PropertySync(call *Ecall, props *econn.Props)
	Closed(call *Ecall, err error, metrics Metrics)
}

// Ecall is the per-call orchestrator: one Econn, and a Mediaflow that
// is torn down and recreated across UPDATE unless the remote SDP
// carries the x-streamchange marker.
type Ecall struct {
	mu sync.Mutex

	userIDSelf, clientID string
	userIDRemote         string

	conf    Conf
	sockets SocketFactory
	handler Handler
	loop    *loop.Loop
	log     logging.LeveledLogger

	econn *econn.Econn
	mf    *mediaflow.Mediaflow

	localProps  *econn.Props
	remoteProps *econn.Props

	startTime  time.Time
	answerTime time.Time
	estabTime  time.Time

	dir econn.Dir

	pendingOffer  bool
	pendingAnswer bool

	// DTLS can only start once both prerequisites are true: the
	// host's ICE layer has a selected pair (iceReady), and the remote
	// SDP has been processed so the peer fingerprint/setup are known
	// (remoteKnown). Which one completes first isn't fixed -- it
	// depends on whether the host's ICE layer can select a pair
	// using candidates carried in the SDP the peer already sent, or
	// needs a later round trip -- so Ecall tracks both independently
	// and starts DTLS once whichever is still outstanding completes.
	iceReady      bool
	iceRemoteAddr net.Addr
	remoteKnown   bool
	dtlsStarted   bool

	closeOnce sync.Once
}

// New allocates an Ecall ready to either Start an outgoing call or
// receive an incoming SETUP through its Econn's RecvMessage. sockets
// is called once per Mediaflow (initial negotiation, and again on
// every UPDATE that isn't a stream-change-only UPDATE).
func New(userIDSelf, clientID string, conf Conf, transp Transport, sockets SocketFactory, handler Handler, l *loop.Loop, factory logging.LoggerFactory) (*Ecall, error) {
	if userIDSelf == "" || clientID == "" {
		return nil, callerr.New(callerr.KindInvalidArg, "ecall.New")
	}
	if sockets == nil || handler == nil {
		return nil, callerr.New(callerr.KindInvalidArg, "ecall.New")
	}
	if conf.Econn.TimeoutSetup == 0 {
		conf = DefaultConf
	}
	if factory == nil {
		factory = logging.NewDefaultLoggerFactory()
	}

	call := &Ecall{
		userIDSelf: userIDSelf,
		clientID:   clientID,
		conf:       conf,
		sockets:    sockets,
		handler:    handler,
		loop:       l,
		log:        factory.NewLogger("ecall"),
		localProps: econn.NewProps(),
	}

	ec, err := econn.New(userIDSelf, clientID, conf.Econn, transp, econnSink{call}, l, factory)
	if err != nil {
		return nil, err
	}
	call.econn = ec

	return call, nil
}

// Econn exposes the underlying signaling connection, e.g. so the host
// can forward transport-level acks or call RecvMessage.
func (e *Ecall) Econn() *econn.Econn { return e.econn }

// Start begins an outgoing call: allocates a Mediaflow, generates an
// offer (parked until ICE gathering completes if necessary), then
// sends SETUP once the offer is ready.
func (e *Ecall) Start(props *econn.Props) error {
	e.mu.Lock()
	e.dir = econn.DirOutgoing
	e.startTime = time.Now()
	if props != nil {
		e.localProps = props
	}
	e.mu.Unlock()

	mf, err := e.newMediaflow(true)
	if err != nil {
		return err
	}

	e.mu.Lock()
	e.mf = mf
	e.pendingOffer = true
	e.resetHandshakeLocked(false)
	e.mu.Unlock()

	return nil
}

// newMediaflow allocates and wires a fresh Mediaflow bound to a newly
// opened socket, installing a mediaflowSink adapter as its Handler.
func (e *Ecall) newMediaflow(offerer bool) (*mediaflow.Mediaflow, error) {
	conn, err := e.sockets()
	if err != nil {
		return nil, callerr.Wrap(callerr.KindTransportClosed, "ecall.newMediaflow", err)
	}
	mf, err := mediaflow.New(conn, offerer, e.userIDSelf+"."+e.clientID, e.conf.Mediaflow, mediaflowSink{e}, nil)
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	return mf, nil
}

// --- econn event handling (via econnSink) ---------------------------

// hasVideoProp reports the peer's videosend toggle (§4.8 has_video),
// defaulting to false when the SETUP/UPDATE carried no property bag.
func hasVideoProp(props *econn.Props) bool {
	if props == nil {
		return false
	}
	return props.GetOr(econn.PropVideoSend, "false") == "true"
}

func (e *Ecall) onIncoming(conn *econn.Econn, msgTime time.Time, userID, clientID string, sdp string, props *econn.Props) {
	e.mu.Lock()
	e.dir = econn.DirIncoming
	e.userIDRemote = userID
	if props != nil {
		e.remoteProps = props
	}
	e.mu.Unlock()

	mf, err := e.newMediaflow(false)
	if err != nil {
		e.log.Warnf("incoming: mediaflow alloc failed: %v", err)
		conn.Close(err)
		return
	}

	if _, err := mf.HandleOffer(sdp); err != nil {
		e.log.Warnf("incoming: handle_offer failed: %v", err)
		conn.Close(err)
		return
	}

	e.mu.Lock()
	e.mf = mf
	e.pendingAnswer = true
	e.resetHandshakeLocked(true)
	e.mu.Unlock()
	e.maybeStartDTLS()

	e.handler.IncomingCall(e, hasVideoProp(props))
}

func (e *Ecall) onMissedCall(conn *econn.Econn, msgTime time.Time, userID, clientID string, age time.Duration) {
	e.handler.MissedCall(e, age)
}

// onAnswered fires once the peer has answered our outgoing SETUP
// (reset==false), or once a glare loss requires us to answer with a
// freshly generated SDP (reset==true), mirroring the conflict
// resolution rule in the signaling state machine.
func (e *Ecall) onAnswered(conn *econn.Econn, reset bool, sdp string, props *econn.Props) {
	e.mu.Lock()
	if props != nil {
		e.remoteProps = props
	}
	mf := e.mf
	e.mu.Unlock()

	if reset {
		// We lost glare: our outgoing offer is moot, answer the
		// peer's instead using the same SDP state machine an
		// incoming call would.
		if mf != nil {
			mf.Close(nil)
		}
		newMf, err := e.newMediaflow(false)
		if err != nil {
			conn.Close(err)
			return
		}
		if _, err := newMf.HandleOffer(sdp); err != nil {
			conn.Close(err)
			return
		}
		e.mu.Lock()
		e.mf = newMf
		e.pendingAnswer = true
		e.resetHandshakeLocked(true)
		e.mu.Unlock()
		e.maybeStartDTLS()
		e.handler.IncomingCall(e, hasVideoProp(props))
		return
	}

	if mf == nil {
		conn.Close(callerr.New(callerr.KindProtocol, "ecall.onAnswered"))
		return
	}
	if _, err := mf.HandleAnswer(sdp); err != nil {
		conn.Close(err)
		return
	}

	e.mu.Lock()
	e.answerTime = time.Now()
	e.remoteKnown = true
	e.mu.Unlock()
	e.maybeStartDTLS()
	e.handler.Answered(e)
}

func (e *Ecall) onUpdateReq(conn *econn.Econn, userID, clientID, sdp string, props *econn.Props, shouldReset bool) {
	if mediaflow.HasStreamChangeMarker(sdp) {
		// stream-change-only UPDATE: reset the existing media
		// pipeline's SDP state without tearing down ICE/DTLS.
		e.mu.Lock()
		mf := e.mf
		local := e.localProps
		e.mu.Unlock()
		if mf == nil {
			conn.Close(callerr.New(callerr.KindProtocol, "ecall.onUpdateReq"))
			return
		}
		if _, err := mf.HandleOffer(sdp); err != nil {
			conn.Close(err)
			return
		}
		answer, err := mf.GenerateAnswer(Mid, nil, nil, true)
		if err != nil {
			conn.Close(err)
			return
		}
		if err := conn.UpdateResp(answer, local); err != nil {
			conn.Close(err)
		}
		return
	}

	// Full UPDATE: tear down and reallocate the Mediaflow.
	e.mu.Lock()
	old := e.mf
	e.mu.Unlock()
	if old != nil {
		old.Close(nil)
	}

	mf, err := e.newMediaflow(false)
	if err != nil {
		conn.Close(err)
		return
	}
	if _, err := mf.HandleOffer(sdp); err != nil {
		conn.Close(err)
		return
	}

	e.mu.Lock()
	e.mf = mf
	e.pendingAnswer = true
	e.resetHandshakeLocked(true)
	if props != nil {
		e.remoteProps = props
	}
	e.mu.Unlock()
	e.maybeStartDTLS()
}

func (e *Ecall) onUpdateResp(conn *econn.Econn, sdp string, props *econn.Props) {
	e.mu.Lock()
	mf := e.mf
	if props != nil {
		e.remoteProps = props
	}
	e.mu.Unlock()
	if mf == nil {
		return
	}
	if _, err := mf.HandleAnswer(sdp); err != nil {
		conn.Close(err)
		return
	}
	e.mu.Lock()
	e.remoteKnown = true
	e.mu.Unlock()
	e.maybeStartDTLS()
}

func (e *Ecall) onAlert(conn *econn.Econn, level uint32, descr string) {
	e.log.Infof("alert level=%d descr=%q", level, descr)
}

func (e *Ecall) onEconnClosed(conn *econn.Econn, err error, msgTime time.Time) {
	e.mu.Lock()
	mf := e.mf
	e.mf = nil
	e.mu.Unlock()

	// Snapshot the metrics before mf.Close tears anything down and
	// before e.mf is gone -- buildMetrics reads Mediaflow state live,
	// so a closed call would otherwise always report zero/empty stats.
	metrics := e.buildMetrics(mf, err)

	if mf != nil {
		mf.Close(err)
	}

	e.closeOnce.Do(func() {
		e.handler.Closed(e, err, metrics)
	})
}

// --- mediaflow event handling (via mediaflowSink) --------------------

func (e *Ecall) onGatheringDone(mf *mediaflow.Mediaflow) {
	e.mu.Lock()
	sdp := e.drainPendingLocked(mf)
	e.mu.Unlock()
	if sdp != nil {
		e.sendPendingSDP(sdp)
	}
	e.checkMediaEstablished(mf)
}

// drainPendingLocked generates the parked offer/answer now that ICE
// gathering has completed, corresponding to AsyncOffer/AsyncAnswer in
// the component design. Must hold e.mu.
func (e *Ecall) drainPendingLocked(mf *mediaflow.Mediaflow) *pendingSDP {
	switch {
	case e.pendingOffer:
		e.pendingOffer = false
		offer, err := mf.GenerateOffer(Mid, nil, nil, true)
		if err != nil {
			return nil
		}
		return &pendingSDP{offer: true, sdp: offer}
	case e.pendingAnswer:
		e.pendingAnswer = false
		answer, err := mf.GenerateAnswer(Mid, nil, nil, true)
		if err != nil {
			return nil
		}
		return &pendingSDP{offer: false, sdp: answer}
	}
	return nil
}

type pendingSDP struct {
	offer bool
	sdp   string
}

func (e *Ecall) sendPendingSDP(p *pendingSDP) {
	e.mu.Lock()
	props := e.localProps
	e.mu.Unlock()

	if p.offer {
		if err := e.econn.Start(p.sdp, props); err != nil {
			e.econn.Close(err)
		}
		return
	}
	if err := e.econn.Answer(p.sdp, props); err != nil {
		e.econn.Close(err)
	}
}

func (e *Ecall) onCryptoEstablished(mf *mediaflow.Mediaflow) {
	e.checkMediaEstablished(mf)
}

func (e *Ecall) checkMediaEstablished(mf *mediaflow.Mediaflow) {
	if !mf.State().Ready() {
		return
	}
	e.mu.Lock()
	already := !e.estabTime.IsZero()
	if !already {
		e.estabTime = time.Now()
	}
	e.mu.Unlock()
	if !already {
		e.handler.MediaEstablished(e)
		e.handler.AudioEstablished(e)
	}
}

func (e *Ecall) onRTPPacket(mf *mediaflow.Mediaflow, media mediaflow.MediaType, pkt *rtp.Packet) {
	// Decoded audio frames are handed to the out-of-scope audio
	// engine by a collaborator installed on top of Ecall; this layer
	// only needs media flowing to know a call is actually up.
}

func (e *Ecall) onRTCPPacket(mf *mediaflow.Mediaflow, media mediaflow.MediaType, pkt rtcp.Packet) {
}

func (e *Ecall) onDataChannelEstablished(mf *mediaflow.Mediaflow) {
	e.econn.SetDataChanEstablished()
	e.handler.DataChannelEstablished(e)

	e.mu.Lock()
	local := e.localProps
	e.mu.Unlock()
	if local != nil && local.Len() > 0 {
		_ = e.econn.SendPropSync(false, local)
	}
}

// onMediaflowClosed handles a Mediaflow closing on its own (e.g. a
// dead socket): it's routed through Econn.End so the close handler
// still fires exactly once, from onEconnClosed.
func (e *Ecall) onMediaflowClosed(mf *mediaflow.Mediaflow, err error) {
	if err != nil {
		e.econn.SetError(err)
		e.econn.End()
	}
}

// --- application-facing API ------------------------------------------

// End terminates the call from the local side.
func (e *Ecall) End() {
	e.econn.End()
}

// ReceivePacket forwards one datagram read by the host off the socket
// the active Mediaflow owns; Ecall doesn't run its own socket read
// loop; the host reads and dispatches here so multiple calls sharing
// a process can each route to their own Ecall. A no-op once the
// Mediaflow has already been torn down (e.g. a packet arriving just
// after Close).
func (e *Ecall) ReceivePacket(buf []byte, from net.Addr) error {
	e.mu.Lock()
	mf := e.mf
	e.mu.Unlock()
	if mf == nil {
		return nil
	}
	return mf.ReceivePacket(buf, from)
}

// ICEConnected marks ICE readiness on the currently active Mediaflow
// once the host's ICE layer (icelite or trickleice, owned by the host
// alongside the socket SocketFactory returns) has a selected
// candidate pair. It's a no-op if no Mediaflow is currently active.
// The DTLS client/server role isn't a host decision, so this only
// takes the address the selected pair resolved to.
//
// DTLS doesn't necessarily start here: StartDTLS also needs the
// remote fingerprint and setup attribute from a processed SDP
// (remoteKnown), which this call doesn't guarantee has happened
// yet. If it has, this is what starts the handshake; otherwise
// onAnswered/onIncoming/onUpdateReq/onUpdateResp starts it once the
// remote SDP arrives.
func (e *Ecall) ICEConnected(remoteAddr net.Addr) {
	e.mu.Lock()
	e.iceReady = true
	e.iceRemoteAddr = remoteAddr
	mf := e.mf
	e.mu.Unlock()
	if mf != nil {
		mf.SetICEReady()
	}
	e.maybeStartDTLS()
}

// maybeStartDTLS starts the handshake exactly once per Mediaflow, as
// soon as both prerequisites -- ICE readiness and a known remote
// description -- are true, and ICEConnected has supplied an actual
// address to dial. DTLS blocks for the handshake, so it runs on its
// own goroutine rather than whichever caller's goroutine satisfied
// the second prerequisite.
func (e *Ecall) maybeStartDTLS() {
	e.mu.Lock()
	if !e.iceReady || !e.remoteKnown || e.dtlsStarted || e.mf == nil || e.iceRemoteAddr == nil {
		e.mu.Unlock()
		return
	}
	e.dtlsStarted = true
	mf := e.mf
	remote := e.iceRemoteAddr
	e.mu.Unlock()

	go func() {
		if err := mf.StartDTLS(remote, mf.WeAreActive()); err != nil {
			e.econn.Close(err)
		}
	}()
}

// resetHandshakeLocked clears the per-Mediaflow DTLS prerequisites
// when a fresh Mediaflow replaces the old one (new socket, new ICE
// session required from the host); remoteKnown is set true
// immediately instead when the caller already has a processed remote
// description (e.g. an incoming offer). Must hold e.mu.
func (e *Ecall) resetHandshakeLocked(remoteKnown bool) {
	e.iceReady = false
	e.iceRemoteAddr = nil
	e.remoteKnown = remoteKnown
	e.dtlsStarted = false
}

// SendPropSync pushes a properties update over the established data
// channel; a no-op (but still records the new local set) before the
// data channel is up.
func (e *Ecall) SendPropSync(props *econn.Props) error {
	e.mu.Lock()
	e.localProps = props
	e.mu.Unlock()
	if !e.econn.CanSendPropSync() {
		return nil
	}
	return e.econn.SendPropSync(false, props)
}

// RemoteProps returns the last PROPSYNC or SETUP/UPDATE properties
// bag received from the peer.
func (e *Ecall) RemoteProps() *econn.Props {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.remoteProps
}

// econnSink adapts Ecall to econn.Handler without colliding with
// mediaflow.Handler's differently-shaped Closed method on the same
// receiver.
type econnSink struct{ e *Ecall }

func (s econnSink) Incoming(conn *econn.Econn, msgTime time.Time, userID, clientID string, sdp string, props *econn.Props) {
	s.e.onIncoming(conn, msgTime, userID, clientID, sdp, props)
}
func (s econnSink) MissedCall(conn *econn.Econn, msgTime time.Time, userID, clientID string, age time.Duration) {
	s.e.onMissedCall(conn, msgTime, userID, clientID, age)
}
func (s econnSink) Answered(conn *econn.Econn, reset bool, sdp string, props *econn.Props) {
	s.e.onAnswered(conn, reset, sdp, props)
}
func (s econnSink) UpdateReq(conn *econn.Econn, userID, clientID, sdp string, props *econn.Props, shouldReset bool) {
	s.e.onUpdateReq(conn, userID, clientID, sdp, props, shouldReset)
}
func (s econnSink) UpdateResp(conn *econn.Econn, sdp string, props *econn.Props) {
	s.e.onUpdateResp(conn, sdp, props)
}
func (s econnSink) Alert(conn *econn.Econn, level uint32, descr string) {
	s.e.onAlert(conn, level, descr)
}
func (s econnSink) Closed(conn *econn.Econn, err error, msgTime time.Time) {
	s.e.onEconnClosed(conn, err, msgTime)
}

// mediaflowSink is the equivalent adapter to mediaflow.Handler.
type mediaflowSink struct{ e *Ecall }

func (s mediaflowSink) GatheringDone(mf *mediaflow.Mediaflow)     { s.e.onGatheringDone(mf) }
func (s mediaflowSink) CryptoEstablished(mf *mediaflow.Mediaflow) { s.e.onCryptoEstablished(mf) }
func (s mediaflowSink) RTPPacket(mf *mediaflow.Mediaflow, media mediaflow.MediaType, pkt *rtp.Packet) {
	s.e.onRTPPacket(mf, media, pkt)
}
func (s mediaflowSink) RTCPPacket(mf *mediaflow.Mediaflow, media mediaflow.MediaType, pkt rtcp.Packet) {
	s.e.onRTCPPacket(mf, media, pkt)
}
func (s mediaflowSink) DataChannelEstablished(mf *mediaflow.Mediaflow) {
	s.e.onDataChannelEstablished(mf)
}
func (s mediaflowSink) Closed(mf *mediaflow.Mediaflow, err error) { s.e.onMediaflowClosed(mf, err) }
