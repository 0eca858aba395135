package mediaflow

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"math/big"
	"net"
	"sync"
	"time"

	"github.com/pion/datachannel"
	"github.com/pion/dtls/v3"
	"github.com/pion/logging"
	"github.com/pion/randutil"
	"github.com/pion/rtcp"
	"github.com/pion/rtp"
	"github.com/pion/sctp"
	"github.com/pion/srtp/v3"

	"github.com/wirecall/callcore/pkg/callerr"
)

// turnHeadroom is the byte overhead a TURN Send/ChannelData
// encapsulation adds on top of the raw UDP payload. Any MTU-sized
// buffer this package hands to the network layer reserves this much
// leading space so a relayed send never needs a second allocation.
const turnHeadroom = 36

// receiveMTU bounds a single inbound datagram; large enough for any
// RTP/RTCP packet this stack produces plus TURN encapsulation.
const receiveMTU = 1500

// PacketConn is the minimal socket interface Mediaflow drives; a UDP
// connection satisfies it directly, and a TURN relay connection can
// wrap one transparently.
type PacketConn interface {
	ReadFrom(p []byte) (n int, addr net.Addr, err error)
	WriteTo(p []byte, addr net.Addr) (n int, err error)
	Close() error
}

// RTPSender abstracts an SRTP-protected outbound stream.
type RTPSender interface {
	Send(pkt *rtp.Packet) error
	SendRTCP(pkt rtcp.Packet) error
}

// Handler receives events the Mediaflow reports as negotiation and
// media progress (§4.7, §4.8).
type Handler interface {
	GatheringDone(mf *Mediaflow)
	CryptoEstablished(mf *Mediaflow)
	RTPPacket(mf *Mediaflow, media MediaType, pkt *rtp.Packet)
	RTCPPacket(mf *Mediaflow, media MediaType, pkt rtcp.Packet)
	DataChannelEstablished(mf *Mediaflow)
	Closed(mf *Mediaflow, err error)
}

// Conf holds the timer values the reference implementation hardcodes;
// callers may still use DefaultConf unchanged. Mediaflow itself reads
// neither field: StartDTLS runs the handshake without a timeout of its
// own, and ICE gathering belongs to the host's ICE layer.
type Conf struct {
	DTLSHandshakeTimeout time.Duration
	ICEGatherTimeout     time.Duration
}

// DefaultConf matches the reference implementation's constants.
var DefaultConf = Conf{
	DTLSHandshakeTimeout: 10 * time.Second,
	ICEGatherTimeout:     5 * time.Second,
}

// Mediaflow owns one UDP socket multiplexed between STUN, DTLS and
// SRTP/SRTCP (RFC 5764 §5.1.2), the SDP offer/answer exchange, and the
// resulting RTP/RTCP send and receive paths for a single audio stream
// plus an optional reliable data channel. It corresponds to struct
// mediaflow in the reference implementation, generalized from its
// re/baresip primitives to the pion stack.
type Mediaflow struct {
	mu sync.Mutex

	log logging.LeveledLogger
	tag string

	conf Conf

	conn PacketConn

	state State

	offerer bool
	cname   string

	localUfrag, localPwd string
	localSetup           DTLSSetup
	localCert            tls.Certificate
	localFingerprint     Fingerprint

	remote *RemoteDescription

	remoteAddr net.Addr

	dtlsEP   *demuxEndpoint
	dtlsConn *dtls.Conn

	rtpEP        *demuxEndpoint
	rtcpEP       *demuxEndpoint
	srtpSession  *srtp.SessionSRTP
	srtcpSession *srtp.SessionSRTCP
	rtpWrite     *srtp.WriteStreamSRTP
	rtcpWrite    *srtp.WriteStreamSRTCP

	localSSRC   uint32
	weAreActive bool

	sctpAssoc   *sctp.Association
	dataChannel *datachannel.DataChannel

	audioStats RTPStreamStats
	rtcpAgg    RTCPAggregator

	handler Handler

	rtcpMux bool

	closed   bool
	closeErr error
}

// demuxEndpoint adapts the classify-then-route packets Mediaflow
// reads off its single UDP socket into the net.Conn shape
// srtp.NewSessionSRTP expects: Write sends back out over the shared
// socket to the selected remote address, Read is fed by whichever of
// RTP/RTCP ReceivePacket routes here.
type demuxEndpoint struct {
	conn   PacketConn
	remote net.Addr
	in     chan []byte
	closed chan struct{}
}

func newDemuxEndpoint(conn PacketConn, remote net.Addr) *demuxEndpoint {
	return &demuxEndpoint{conn: conn, remote: remote, in: make(chan []byte, 64), closed: make(chan struct{})}
}

func (e *demuxEndpoint) deliver(buf []byte) {
	cp := make([]byte, len(buf))
	copy(cp, buf)
	select {
	case e.in <- cp:
	case <-e.closed:
	default:
		// drop rather than block the socket read loop on backpressure
	}
}

func (e *demuxEndpoint) Read(p []byte) (int, error) {
	select {
	case buf := <-e.in:
		n := copy(p, buf)
		return n, nil
	case <-e.closed:
		return 0, net.ErrClosed
	}
}

func (e *demuxEndpoint) Write(p []byte) (int, error) { return e.conn.WriteTo(p, e.remote) }
func (e *demuxEndpoint) Close() error {
	select {
	case <-e.closed:
	default:
		close(e.closed)
	}
	return nil
}
func (e *demuxEndpoint) LocalAddr() net.Addr                { return nil }
func (e *demuxEndpoint) RemoteAddr() net.Addr               { return e.remote }
func (e *demuxEndpoint) SetDeadline(t time.Time) error      { return nil }
func (e *demuxEndpoint) SetReadDeadline(t time.Time) error  { return nil }
func (e *demuxEndpoint) SetWriteDeadline(t time.Time) error { return nil }

// New builds a Mediaflow bound to conn, ready to generate or receive
// an SDP offer. cname seeds the RTCP SDES CNAME for outgoing reports.
func New(conn PacketConn, offerer bool, cname string, conf Conf, handler Handler, factory logging.LoggerFactory) (*Mediaflow, error) {
	if conn == nil {
		return nil, callerr.New(callerr.KindInvalidArg, "mediaflow.New")
	}
	if handler == nil {
		return nil, callerr.New(callerr.KindInvalidArg, "mediaflow.New")
	}
	if conf == (Conf{}) {
		conf = DefaultConf
	}
	if factory == nil {
		factory = logging.NewDefaultLoggerFactory()
	}

	ufrag, pwd, err := generateICECredentials()
	if err != nil {
		return nil, callerr.Wrap(callerr.KindInvalidArg, "mediaflow.New", err)
	}

	cert, x509Cert, err := generateSelfSignedCert()
	if err != nil {
		return nil, callerr.Wrap(callerr.KindInvalidArg, "mediaflow.New", err)
	}
	fp, err := LocalFingerprint(x509Cert)
	if err != nil {
		return nil, err
	}

	return &Mediaflow{
		log:              factory.NewLogger("mediaflow"),
		conf:             conf,
		conn:             conn,
		offerer:          offerer,
		cname:            cname,
		localUfrag:       ufrag,
		localPwd:         pwd,
		localSetup:       SetupActPass,
		localCert:        cert,
		localFingerprint: fp,
		handler:          handler,
	}, nil
}

// generateSelfSignedCert mirrors the reference implementation's use of
// a throwaway self-signed certificate purely to key the DTLS
// handshake; only the fingerprint, not the CA chain, is ever verified
// (§4.7).
func generateSelfSignedCert() (tls.Certificate, *x509.Certificate, error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return tls.Certificate{}, nil, err
	}

	serial, err := rand.Int(rand.Reader, big.NewInt(1<<62))
	if err != nil {
		return tls.Certificate{}, nil, err
	}

	tpl := &x509.Certificate{
		SerialNumber: serial,
		Subject:      pkix.Name{CommonName: "callcore"},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(365 * 24 * time.Hour),
	}

	der, err := x509.CreateCertificate(rand.Reader, tpl, tpl, &key.PublicKey, key)
	if err != nil {
		return tls.Certificate{}, nil, err
	}

	x509Cert, err := x509.ParseCertificate(der)
	if err != nil {
		return tls.Certificate{}, nil, err
	}

	return tls.Certificate{Certificate: [][]byte{der}, PrivateKey: key}, x509Cert, nil
}

// State returns a snapshot of negotiation progress.
func (mf *Mediaflow) State() State {
	mf.mu.Lock()
	defer mf.mu.Unlock()
	return mf.state
}

// WeAreActive reports the DTLS client/server role implied by the
// already-negotiated a=setup attribute (true means StartDTLS should
// dial as a client). Only meaningful once a remote description has
// been processed; the ICE layer has no way to know this on its own,
// since it's purely an SDP-negotiated value.
func (mf *Mediaflow) WeAreActive() bool {
	mf.mu.Lock()
	defer mf.mu.Unlock()
	return mf.localSetup == SetupActive
}

// LocalSessionParams returns the fields needed to call GenerateOffer
// or GenerateAnswer, filled in from this Mediaflow's own identity.
func (mf *Mediaflow) LocalSessionParams(mid string, codecs []Codec, candidates []Candidate, dataChan bool) SessionParams {
	mf.mu.Lock()
	defer mf.mu.Unlock()

	return SessionParams{
		Offerer:     mf.offerer,
		ICEUfrag:    mf.localUfrag,
		ICEPwd:      mf.localPwd,
		Setup:       mf.localSetup,
		Fingerprint: mf.localFingerprint,
		Mid:         mid,
		Codecs:      codecs,
		Candidates:  candidates,
		DataChan:    dataChan,
	}
}

// GenerateOffer advances SDP state Idle -> GenOffer and renders the
// local offer, mirroring mediaflow_generate_offer.
func (mf *Mediaflow) GenerateOffer(mid string, codecs []Codec, candidates []Candidate, dataChan bool) (string, error) {
	mf.mu.Lock()
	if mf.state.SDP != SDPIdle {
		mf.log.Warnf("generate offer called in state %s", mf.state.SDP)
	}
	mf.state.SDP = SDPGenOffer
	mf.offerer = true
	mf.mu.Unlock()

	return GenerateOffer(mf.LocalSessionParams(mid, codecs, candidates, dataChan))
}

// GenerateAnswer advances SDP state HaveOffer -> Done.
func (mf *Mediaflow) GenerateAnswer(mid string, codecs []Codec, candidates []Candidate, dataChan bool) (string, error) {
	mf.mu.Lock()
	if mf.state.SDP != SDPHaveOffer {
		mf.log.Warnf("generate answer called in state %s", mf.state.SDP)
	}
	mf.state.SDP = SDPDone
	mf.offerer = false
	mf.mu.Unlock()

	return GenerateAnswer(mf.LocalSessionParams(mid, codecs, candidates, dataChan))
}

// HandleOffer parses a received offer and runs post-decode crypto
// negotiation, mirroring mediaflow_handle_offer / post_sdp_decode.
func (mf *Mediaflow) HandleOffer(raw string) (*RemoteDescription, error) {
	return mf.handleRemote(raw, SDPIdle, SDPHaveOffer, false)
}

// HandleAnswer parses a received answer.
func (mf *Mediaflow) HandleAnswer(raw string) (*RemoteDescription, error) {
	return mf.handleRemote(raw, SDPGenOffer, SDPDone, true)
}

func (mf *Mediaflow) handleRemote(raw string, expect, next SDPState, weInitiated bool) (*RemoteDescription, error) {
	remote, err := ParseRemote(raw)
	if err != nil {
		return nil, err
	}

	mf.mu.Lock()
	if mf.state.SDP != expect {
		mf.log.Warnf("handle remote sdp called in state %s", mf.state.SDP)
	}
	mf.state.SDP = next
	mf.remote = remote
	mf.rtcpMux = remote.RTCPMux
	mf.weAreActive = weInitiated && remote.Setup != SetupActive
	if remote.Setup == SetupActive {
		mf.localSetup = SetupPassive
	} else if remote.Setup == SetupPassive {
		mf.localSetup = SetupActive
	} else {
		mf.localSetup = DeriveSetup(remote.Setup)
	}
	mf.mu.Unlock()

	return remote, nil
}

// ReceivePacket classifies and routes one datagram read from the
// socket: STUN to the ICE layer (handled upstream by trickleice or
// icelite, not here), DTLS to the handshake state machine, and
// RTP/RTCP through SRTP unprotect into the Handler callbacks. It
// implements the RFC 5764 §5.1.2 demultiplexing rule.
func (mf *Mediaflow) ReceivePacket(buf []byte, from net.Addr) error {
	switch ClassifyPacket(buf) {
	case PacketDTLS:
		return mf.receiveDTLS(buf)
	case PacketRTP:
		return mf.receiveRTP(buf)
	case PacketRTCP:
		return mf.receiveRTCP(buf)
	case PacketSTUN:
		// STUN connectivity checks are owned by the ICE layer
		// (icelite/trickleice); Mediaflow only demuxes.
		return nil
	default:
		mf.log.Debugf("mediaflow: unclassifiable packet of %d bytes from %s", len(buf), from)
		return nil
	}
}

// receiveDTLS feeds a classified DTLS datagram to the handshake
// connection; dtls.Conn drives its own state machine off Read, so
// this only has to deliver the bytes once a handshake is in flight.
func (mf *Mediaflow) receiveDTLS(buf []byte) error {
	mf.mu.Lock()
	ep := mf.dtlsEP
	mf.mu.Unlock()
	if ep == nil {
		return callerr.New(callerr.KindInvalidArg, "mediaflow.receiveDTLS: handshake not started")
	}
	ep.deliver(buf)
	return nil
}

func (mf *Mediaflow) receiveRTP(buf []byte) error {
	mf.mu.Lock()
	ep := mf.rtpEP
	mf.mu.Unlock()
	if ep == nil {
		return callerr.New(callerr.KindInvalidArg, "mediaflow.receiveRTP: crypto not established")
	}
	ep.deliver(buf)
	return nil
}

func (mf *Mediaflow) receiveRTCP(buf []byte) error {
	mf.mu.Lock()
	ep := mf.rtcpEP
	mf.mu.Unlock()
	if ep == nil {
		return callerr.New(callerr.KindInvalidArg, "mediaflow.receiveRTCP: crypto not established")
	}
	ep.deliver(buf)
	return nil
}

// acceptRTPStreams accepts the remote audio stream the first time its
// SSRC is seen and fans its packets into the Handler; the remote SSRC
// isn't known until then, so this uses AcceptStream rather than
// OpenReadStream.
func (mf *Mediaflow) acceptRTPStreams(session *srtp.SessionSRTP) {
	for {
		readStream, ssrc, err := session.AcceptStream()
		if err != nil {
			return
		}
		go mf.readRTP(readStream, ssrc)
	}
}

func (mf *Mediaflow) readRTP(readStream *srtp.ReadStreamSRTP, ssrc uint32) {
	buf := make([]byte, receiveMTU)
	for {
		n, hdr, err := readStream.ReadRTP(buf)
		if err != nil {
			return
		}
		mf.audioStats.AddPacket(hdr.SequenceNumber, n)
		pkt := &rtp.Packet{Header: *hdr, Payload: append([]byte(nil), buf[:n]...)}
		mf.handler.RTPPacket(mf, MediaAudio, pkt)
	}
}

// pumpRTCPRead drains decrypted RTCP reports the remote side sends
// about our own outbound SSRC (receiver/sender reports key off the
// sender's SSRC, not a freshly-seen one, so OpenReadStream is correct
// here unlike the RTP side).
func (mf *Mediaflow) pumpRTCPRead(rtcpSession *srtp.SessionSRTCP, ssrc uint32) {
	readStream, err := rtcpSession.OpenReadStream(ssrc)
	if err != nil {
		mf.log.Warnf("mediaflow: open SRTCP read stream for ssrc %d: %v", ssrc, err)
		return
	}

	buf := make([]byte, receiveMTU)
	for {
		n, err := readStream.Read(buf)
		if err != nil {
			return
		}
		pkts, err := rtcp.Unmarshal(buf[:n])
		if err != nil {
			continue
		}
		for _, pkt := range pkts {
			mf.observeRTCP(pkt)
			mf.handler.RTCPPacket(mf, MediaAudio, pkt)
		}
	}
}

// observeRTCP folds a received report into the aggregator. Both
// report kinds carry reception blocks describing what the peer
// received from us, so both feed the uplink loss sample.
func (mf *Mediaflow) observeRTCP(pkt rtcp.Packet) {
	switch p := pkt.(type) {
	case *rtcp.ReceiverReport:
		for _, r := range p.Reports {
			mf.rtcpAgg.AddLossSample(false, float64(r.FractionLost)/256.0)
		}
	case *rtcp.SenderReport:
		for _, r := range p.Reports {
			mf.rtcpAgg.AddLossSample(false, float64(r.FractionLost)/256.0)
		}
	}
}

// SendRTP encrypts and writes one outbound audio packet to the
// selected candidate pair's remote address. The allocation leaves
// turnHeadroom bytes of leading slack in the backing array before the
// payload, so a relayed send can still prepend TURN Send-Indication
// framing in place when the candidate pair runs over TURN.
func (mf *Mediaflow) SendRTP(pkt *rtp.Packet) error {
	mf.mu.Lock()
	write := mf.rtpWrite
	mf.mu.Unlock()
	if write == nil {
		return callerr.New(callerr.KindInvalidArg, "mediaflow.SendRTP: crypto not established")
	}

	buf := make([]byte, turnHeadroom+len(pkt.Payload))
	copy(buf[turnHeadroom:], pkt.Payload)
	payload := buf[turnHeadroom:]

	if _, err := write.WriteRTP(&pkt.Header, payload); err != nil {
		return callerr.Wrap(callerr.KindTransportClosed, "mediaflow.SendRTP", err)
	}
	return nil
}

// StartDTLS runs the DTLS handshake over a demultiplexed endpoint
// fed by ReceivePacket, then derives the SRTP/SRTCP sessions from the
// completed handshake. weAreActive selects client vs server role,
// following the negotiated a=setup attribute (§4.7).
func (mf *Mediaflow) StartDTLS(remote net.Addr, weAreActive bool) error {
	mf.mu.Lock()
	mf.remoteAddr = remote
	mf.weAreActive = weAreActive
	remoteDesc := mf.remote
	cert := mf.localCert
	ep := newDemuxEndpoint(mf.conn, remote)
	mf.dtlsEP = ep
	mf.mu.Unlock()

	if remoteDesc == nil {
		return callerr.New(callerr.KindProtocol, "mediaflow.StartDTLS: no remote description")
	}

	dtlsConf := &dtls.Config{
		Certificates:           []tls.Certificate{cert},
		SRTPProtectionProfiles: []dtls.SRTPProtectionProfile{dtls.SRTP_AES128_CM_HMAC_SHA1_80},
		InsecureSkipVerify:     true,
		LoggerFactory:          logging.NewDefaultLoggerFactory(),
	}

	var (
		conn *dtls.Conn
		err  error
	)
	if weAreActive {
		conn, err = dtls.Client(ep, dtlsConf)
	} else {
		conn, err = dtls.Server(ep, dtlsConf)
	}
	if err != nil {
		return callerr.Wrap(callerr.KindAuthentication, "mediaflow.StartDTLS", err)
	}

	if err := mf.establishCrypto(conn, remoteDesc); err != nil {
		return err
	}
	return nil
}

// establishCrypto verifies the remote fingerprint against the
// completed DTLS handshake and derives the SRTP/SRTCP sessions keyed
// from it, mirroring handle_dtls_srtp in the reference implementation.
func (mf *Mediaflow) establishCrypto(conn *dtls.Conn, remote *RemoteDescription) error {
	state := conn.ConnectionState()
	if len(state.PeerCertificates) == 0 {
		return callerr.New(callerr.KindAuthentication, "mediaflow.establishCrypto: no peer certificate")
	}
	peerCert, err := x509.ParseCertificate(state.PeerCertificates[0])
	if err != nil {
		return callerr.Wrap(callerr.KindAuthentication, "mediaflow.establishCrypto", err)
	}
	if err := VerifyFingerprint(remote.Fingerprint, peerCert); err != nil {
		return err
	}

	mf.mu.Lock()
	remoteAddr := mf.remoteAddr
	weAreActive := mf.weAreActive
	mf.mu.Unlock()

	rtpEP := newDemuxEndpoint(mf.conn, remoteAddr)
	rtcpEP := newDemuxEndpoint(mf.conn, remoteAddr)

	srtpConf := &srtp.Config{Profile: srtp.ProtectionProfileAes128CmHmacSha1_80}
	if err := srtpConf.ExtractSessionKeysFromDTLS(conn, weAreActive); err != nil {
		return callerr.Wrap(callerr.KindProtocol, "mediaflow.establishCrypto", err)
	}

	srtpSession, err := srtp.NewSessionSRTP(rtpEP, srtpConf)
	if err != nil {
		return callerr.Wrap(callerr.KindProtocol, "mediaflow.establishCrypto", err)
	}
	srtcpSession, err := srtp.NewSessionSRTCP(rtcpEP, srtpConf)
	if err != nil {
		return callerr.Wrap(callerr.KindProtocol, "mediaflow.establishCrypto", err)
	}

	rtpWrite, err := srtpSession.OpenWriteStream()
	if err != nil {
		return callerr.Wrap(callerr.KindProtocol, "mediaflow.establishCrypto", err)
	}
	rtcpWrite, err := srtcpSession.OpenWriteStream()
	if err != nil {
		return callerr.Wrap(callerr.KindProtocol, "mediaflow.establishCrypto", err)
	}

	ssrc := randutil.NewMathRandomGenerator().Uint32()

	mf.mu.Lock()
	mf.dtlsConn = conn
	mf.rtpEP = rtpEP
	mf.rtcpEP = rtcpEP
	mf.srtpSession = srtpSession
	mf.srtcpSession = srtcpSession
	mf.rtpWrite = rtpWrite
	mf.rtcpWrite = rtcpWrite
	mf.localSSRC = ssrc
	mf.state.CryptoReady = true
	mf.mu.Unlock()

	go mf.acceptRTPStreams(srtpSession)
	go mf.pumpRTCPRead(srtcpSession, ssrc)
	if remote.HasDataChan {
		go mf.establishDataChannel()
	}

	mf.handler.CryptoEstablished(mf)
	return nil
}

// establishDataChannel negotiates a single reliable-ordered SCTP
// stream over the already-completed DTLS connection and opens it as a
// data channel, the way pion/webrtc's sctptransport.go layers
// pion/sctp and pion/datachannel over a dtlstransport's connection.
// The DTLS client/server role decides SCTP association role too: the
// active side drives the association and opens stream 0, the passive
// side accepts both.
func (mf *Mediaflow) establishDataChannel() {
	mf.mu.Lock()
	conn := mf.dtlsConn
	active := mf.weAreActive
	mf.mu.Unlock()
	if conn == nil {
		return
	}

	sctpConf := sctp.Config{
		NetConn:       conn,
		LoggerFactory: logging.NewDefaultLoggerFactory(),
	}

	var assoc *sctp.Association
	var err error
	if active {
		assoc, err = sctp.Client(sctpConf)
	} else {
		assoc, err = sctp.Server(sctpConf)
	}
	if err != nil {
		mf.log.Warnf("mediaflow: sctp association: %v", err)
		return
	}

	dcConf := &datachannel.Config{Label: "data"}

	var stream *sctp.Stream
	var dc *datachannel.DataChannel
	if active {
		stream, err = assoc.OpenStream(0, sctp.PayloadTypeWebRTCBinary)
		if err == nil {
			dc, err = datachannel.Dial(stream, dcConf)
		}
	} else {
		stream, err = assoc.AcceptStream()
		if err == nil {
			dc, err = datachannel.Accept(stream, dcConf)
		}
	}
	if err != nil {
		mf.log.Warnf("mediaflow: data channel open: %v", err)
		_ = assoc.Close()
		return
	}

	mf.mu.Lock()
	if mf.closed {
		mf.mu.Unlock()
		_ = dc.Close()
		_ = assoc.Close()
		return
	}
	mf.sctpAssoc = assoc
	mf.dataChannel = dc
	mf.mu.Unlock()

	mf.handler.DataChannelEstablished(mf)
}

// DataChannel returns the established data channel, or nil if none was
// negotiated or the handshake hasn't completed yet.
func (mf *Mediaflow) DataChannel() *datachannel.DataChannel {
	mf.mu.Lock()
	defer mf.mu.Unlock()
	return mf.dataChannel
}

// SetICEReady marks the ICE layer as having a selected candidate
// pair and reports GatheringDone; Mediaflow itself does not run
// connectivity checks (see pkg/icelite and pkg/trickleice). This is
// the signal Ecall waits for to generate and send whichever of the
// offer/answer is still pending, which is why it fires independent of
// DTLS/SRTP progress: the offerer's crypto can't establish until its
// offer has actually been sent, so gating this on full readiness
// would deadlock the initial SETUP.
func (mf *Mediaflow) SetICEReady() {
	mf.mu.Lock()
	mf.state.ICEReady = true
	mf.mu.Unlock()
	mf.handler.GatheringDone(mf)
}

// Close tears down the socket and reports err to the Handler exactly
// once.
func (mf *Mediaflow) Close(err error) {
	mf.mu.Lock()
	if mf.closed {
		mf.mu.Unlock()
		return
	}
	mf.closed = true
	mf.closeErr = err
	dc := mf.dataChannel
	assoc := mf.sctpAssoc
	_ = mf.conn.Close()
	mf.mu.Unlock()

	if dc != nil {
		_ = dc.Close()
	}
	if assoc != nil {
		_ = assoc.Close()
	}

	mf.handler.Closed(mf, err)
}

// Stats returns the current audio RTP and RTCP aggregate snapshots,
// used to fill the §6 metrics JSON.
func (mf *Mediaflow) Stats() (Snapshot, RTCPAggregates) {
	return mf.audioStats.Snapshot(), mf.rtcpAgg.Snapshot()
}

const iceCredRunes = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

func generateICECredentials() (ufrag, pwd string, err error) {
	u, err := randutil.GenerateCryptoRandomString(8, iceCredRunes)
	if err != nil {
		return "", "", err
	}
	p, err := randutil.GenerateCryptoRandomString(24, iceCredRunes)
	if err != nil {
		return "", "", err
	}
	return u, p, nil
}
