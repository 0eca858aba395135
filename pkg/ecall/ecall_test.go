package ecall

import (
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/wirecall/callcore/pkg/econn"
	"github.com/wirecall/callcore/pkg/mediaflow"
)

// wireTransport hands a Send call straight to the peer's Econn, the
// same lossless loopback transport pkg/econn's own tests use.
type wireTransport struct {
	selfUserID, selfClientID string
	peer                     *econn.Econn
}

func (w *wireTransport) Send(msg *econn.Message) error {
	w.peer.RecvMessage(w.selfUserID, w.selfClientID, msg)
	return nil
}

// callHolder lets a socketFactory closure reach back into the Ecall
// it belongs to once New has returned it, and reports each opened
// socket's local address to the test.
type callHolder struct {
	call *Ecall
	addr chan net.Addr
}

// newUDPSocketFactory opens a real loopback UDP socket per Mediaflow
// and pumps every datagram it reads into the owning Ecall's
// ReceivePacket, standing in for the host's own socket read loop.
func newUDPSocketFactory(h *callHolder) SocketFactory {
	return func() (mediaflow.PacketConn, error) {
		conn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.ParseIP("127.0.0.1")})
		if err != nil {
			return nil, err
		}
		h.addr <- conn.LocalAddr()
		go func() {
			buf := make([]byte, 1500)
			for {
				n, addr, err := conn.ReadFrom(buf)
				if err != nil {
					return
				}
				cp := make([]byte, n)
				copy(cp, buf[:n])
				_ = h.call.ReceivePacket(cp, addr)
			}
		}()
		return conn, nil
	}
}

// recordingHandler captures every Handler callback for assertions,
// plus single-slot channels a test can block on.
type recordingHandler struct {
	mu sync.Mutex

	incoming   int
	answered   int
	mediaEstab int
	audioEstab int
	dataChan   int
	closed     int
	closeErr   error

	incomingCh chan struct{}
	answeredCh chan struct{}
	mediaCh    chan struct{}
	dataCh     chan struct{}
	closedCh   chan struct{}
}

func newRecordingHandler() *recordingHandler {
	return &recordingHandler{
		incomingCh: make(chan struct{}, 1),
		answeredCh: make(chan struct{}, 1),
		mediaCh:    make(chan struct{}, 1),
		dataCh:     make(chan struct{}, 1),
		closedCh:   make(chan struct{}, 1),
	}
}

func notify(ch chan struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}

func (h *recordingHandler) IncomingCall(call *Ecall, hasVideo bool) {
	h.mu.Lock()
	h.incoming++
	h.mu.Unlock()
	notify(h.incomingCh)
}

func (h *recordingHandler) MissedCall(call *Ecall, age time.Duration) {}

func (h *recordingHandler) Answered(call *Ecall) {
	h.mu.Lock()
	h.answered++
	h.mu.Unlock()
	notify(h.answeredCh)
}

func (h *recordingHandler) MediaEstablished(call *Ecall) {
	h.mu.Lock()
	h.mediaEstab++
	h.mu.Unlock()
	notify(h.mediaCh)
}

func (h *recordingHandler) AudioEstablished(call *Ecall) {
	h.mu.Lock()
	h.audioEstab++
	h.mu.Unlock()
}

func (h *recordingHandler) DataChannelEstablished(call *Ecall) {
	h.mu.Lock()
	h.dataChan++
	h.mu.Unlock()
	notify(h.dataCh)
}

func (h *recordingHandler) PropertySync(call *Ecall, props *econn.Props) {}

func (h *recordingHandler) Closed(call *Ecall, err error, metrics Metrics) {
	h.mu.Lock()
	h.closed++
	h.closeErr = err
	h.mu.Unlock()
	notify(h.closedCh)
}

func waitFor(t *testing.T, ch chan struct{}, what string) {
	t.Helper()
	select {
	case <-ch:
	case <-time.After(10 * time.Second):
		t.Fatalf("timed out waiting for %s", what)
	}
}

// TestTwoSidedCallEstablishesMedia drives a full outgoing/incoming
// call across two real Ecalls talking over real loopback UDP
// sockets: SETUP/ANSWER over the signaling transport, then a real
// DTLS handshake and SRTP/SCTP establishment once each side reports
// its (faked) ICE layer ready.
func TestTwoSidedCallEstablishesMedia(t *testing.T) {
	ha := newRecordingHandler()
	hb := newRecordingHandler()

	aHolder := &callHolder{addr: make(chan net.Addr, 4)}
	bHolder := &callHolder{addr: make(chan net.Addr, 4)}

	ta := &wireTransport{selfUserID: "alice", selfClientID: "c1"}
	tb := &wireTransport{selfUserID: "bob", selfClientID: "c2"}

	callA, err := New("alice", "c1", DefaultConf, ta, newUDPSocketFactory(aHolder), ha, nil, nil)
	require.NoError(t, err)
	callB, err := New("bob", "c2", DefaultConf, tb, newUDPSocketFactory(bHolder), hb, nil, nil)
	require.NoError(t, err)

	aHolder.call = callA
	bHolder.call = callB
	ta.peer = callB.Econn()
	tb.peer = callA.Econn()

	require.NoError(t, callA.Start(econn.NewProps()))

	var aAddr net.Addr
	select {
	case aAddr = <-aHolder.addr:
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for alice's socket")
	}

	// Alice's ICE layer reports its local gathering complete; this is
	// enough to release her parked offer even though bob's address
	// (needed later, once her handshake actually starts) isn't known
	// yet.
	callA.ICEConnected(nil)

	waitFor(t, hb.incomingCh, "bob's incoming call")

	var bAddr net.Addr
	select {
	case bAddr = <-bHolder.addr:
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for bob's socket")
	}

	// Bob accepts: his ICE layer selects a pair using alice's address,
	// which he already has from the processed offer.
	callB.ICEConnected(aAddr)

	waitFor(t, ha.answeredCh, "alice's Answered callback")

	// Alice's ICE layer now resolves the pair to bob's address, the
	// second prerequisite her handshake was waiting on.
	callA.ICEConnected(bAddr)

	waitFor(t, ha.mediaCh, "alice's MediaEstablished callback")
	waitFor(t, hb.mediaCh, "bob's MediaEstablished callback")
	waitFor(t, ha.dataCh, "alice's DataChannelEstablished callback")
	waitFor(t, hb.dataCh, "bob's DataChannelEstablished callback")

	ha.mu.Lock()
	audioEstab := ha.audioEstab
	ha.mu.Unlock()
	require.Equal(t, 1, audioEstab)

	callA.End()
	waitFor(t, ha.closedCh, "alice's Closed callback")
	waitFor(t, hb.closedCh, "bob's Closed callback")
}

func TestNewRejectsMissingArgs(t *testing.T) {
	h := newRecordingHandler()
	_, err := New("", "c1", DefaultConf, &wireTransport{}, func() (mediaflow.PacketConn, error) { return nil, nil }, h, nil, nil)
	require.Error(t, err)

	_, err = New("alice", "c1", DefaultConf, &wireTransport{}, nil, h, nil, nil)
	require.Error(t, err)

	_, err = New("alice", "c1", DefaultConf, &wireTransport{}, func() (mediaflow.PacketConn, error) { return nil, nil }, nil, nil, nil)
	require.Error(t, err)
}

func TestSendPropSyncBeforeDataChannelIsNoop(t *testing.T) {
	h := newRecordingHandler()
	holder := &callHolder{addr: make(chan net.Addr, 1)}
	call, err := New("alice", "c1", DefaultConf, &wireTransport{}, newUDPSocketFactory(holder), h, nil, nil)
	require.NoError(t, err)
	holder.call = call

	props := econn.NewProps()
	props.Set("videosend", "true")

	// No data channel exists yet (the call hasn't even been started),
	// so this only records the local set rather than trying to send.
	require.NoError(t, call.SendPropSync(props))
	require.Nil(t, call.RemoteProps())
}
