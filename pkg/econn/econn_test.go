package econn

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wirecall/callcore/pkg/callerr"
)

// wireTransport hands a Send call straight to the peer's RecvMessage,
// simulating a lossless, order-preserving signaling backend.
type wireTransport struct {
	selfUserID, selfClientID string
	peer                     *Econn
}

func (w *wireTransport) Send(msg *Message) error {
	w.peer.RecvMessage(w.selfUserID, w.selfClientID, msg)
	return nil
}

// queueTransport records sent messages without delivering them.
type queueTransport struct {
	sent []*Message
}

func (q *queueTransport) Send(msg *Message) error {
	q.sent = append(q.sent, msg)
	return nil
}

// recordingHandler captures every callback invocation for assertions.
type recordingHandler struct {
	mu sync.Mutex

	incoming   []string
	missed     []string
	answered   []bool // reset value
	updateReq  int
	updateResp int
	alerts     []string
	closedErr  []error
	closed     int
}

func (h *recordingHandler) Incoming(conn *Econn, msgTime time.Time, userID, clientID, sdp string, props *Props) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.incoming = append(h.incoming, userID)
}

func (h *recordingHandler) MissedCall(conn *Econn, msgTime time.Time, userID, clientID string, age time.Duration) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.missed = append(h.missed, userID)
}

func (h *recordingHandler) Answered(conn *Econn, reset bool, sdp string, props *Props) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.answered = append(h.answered, reset)
	if reset {
		// simulate the application feeding a fresh answer synchronously
		go func() {
			_ = conn.Answer("v=0 answer-sdp", NewProps())
		}()
	}
}

func (h *recordingHandler) UpdateReq(conn *Econn, userID, clientID, sdp string, props *Props, shouldReset bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.updateReq++
}

func (h *recordingHandler) UpdateResp(conn *Econn, sdp string, props *Props) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.updateResp++
}

func (h *recordingHandler) Alert(conn *Econn, level uint32, descr string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.alerts = append(h.alerts, descr)
}

func (h *recordingHandler) Closed(conn *Econn, err error, msgTime time.Time) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed++
	h.closedErr = append(h.closedErr, err)
}

func newPair(t *testing.T) (a, b *Econn, ha, hb *recordingHandler) {
	t.Helper()
	ha = &recordingHandler{}
	hb = &recordingHandler{}

	ta := &wireTransport{selfUserID: "alice", selfClientID: "c1"}
	tb := &wireTransport{selfUserID: "bob", selfClientID: "c2"}

	var err error
	a, err = New("alice", "c1", DefaultConf, ta, ha, nil, nil)
	require.NoError(t, err)
	b, err = New("bob", "c2", DefaultConf, tb, hb, nil, nil)
	require.NoError(t, err)

	ta.peer = b
	tb.peer = a

	return a, b, ha, hb
}

func TestHappyOneLegCall(t *testing.T) {
	a, b, ha, hb := newPair(t)

	require.NoError(t, a.Start("offer-sdp", NewProps()))

	assert.Equal(t, StatePendingOutgoing, a.State())
	require.Len(t, hb.incoming, 1)
	assert.Equal(t, StatePendingIncoming, b.State())

	require.NoError(t, b.Answer("answer-sdp", NewProps()))
	assert.Equal(t, StateAnswered, b.State())
	require.Len(t, ha.answered, 1)
	assert.False(t, ha.answered[0])
	assert.Equal(t, StateAnswered, a.State())

	a.SetDataChanEstablished()
	b.SetDataChanEstablished()
	assert.Equal(t, StateDataChanEstablished, a.State())
	assert.Equal(t, StateDataChanEstablished, b.State())

	a.End()
	assert.Equal(t, StateTerminating, a.State())
	assert.Equal(t, StateTerminating, b.State())
	assert.Equal(t, 1, ha.closed)
	assert.Equal(t, 1, hb.closed)
	assert.Equal(t, callerr.KindNone, callerr.KindOf(hb.closedErr[0]))
}

func TestGlareAliceLosesToBob(t *testing.T) {
	// "bob" > "alice" lexicographically, so bob is the winner.
	a, b, _, _ := newPair(t)

	// Both SETUPs must be in flight before either is delivered; the
	// loopback transport would otherwise hand alice's SETUP to bob
	// before bob calls Start, leaving bob in PendingIncoming.
	ta, tb := a.transp, b.transp
	qa, qb := &queueTransport{}, &queueTransport{}
	a.transp, b.transp = qa, qb

	require.NoError(t, a.Start("alice-offer", NewProps()))
	require.NoError(t, b.Start("bob-offer", NewProps()))

	a.transp, b.transp = ta, tb
	require.Len(t, qa.sent, 1)
	require.Len(t, qb.sent, 1)
	b.RecvMessage("alice", "c1", qa.sent[0])
	a.RecvMessage("bob", "c2", qb.sent[0])

	assert.Equal(t, StateConflictResolution, a.State())
	assert.Equal(t, StatePendingOutgoing, b.State())

	// recordingHandler.Answered kicked off conn.Answer asynchronously
	// for the loser; give it a moment.
	require.Eventually(t, func() bool {
		return a.State() == StateAnswered
	}, time.Second, time.Millisecond)

	assert.Equal(t, StateAnswered, b.State())
}

func TestCrossTalkSessionMismatchDropped(t *testing.T) {
	a, b, _, hb := newPair(t)

	require.NoError(t, a.Start("offer", NewProps()))
	require.NoError(t, b.Answer("answer", NewProps()))
	a.SetDataChanEstablished()
	b.SetDataChanEstablished()

	before := a.State()

	// a stray UPDATE with a session id that doesn't match the latched
	// remote session must be silently dropped.
	bogus := &Message{Type: MsgUpdate, SessIDSender: "xxxxx", SDP: "evil"}
	a.RecvMessage("bob", "c2", bogus)

	assert.Equal(t, before, a.State())
	assert.GreaterOrEqual(t, a.DropCount(), 1)
	_ = hb
	_ = b
}

func TestSetupTimeoutClosesWithTimeout(t *testing.T) {
	ha := &recordingHandler{}
	conf := Conf{TimeoutSetup: 20 * time.Millisecond, TimeoutTerm: time.Second}
	a, err := New("alice", "c1", conf, &noopTransport{}, ha, nil, nil)
	require.NoError(t, err)

	require.NoError(t, a.Start("offer", NewProps()))

	require.Eventually(t, func() bool {
		return a.State() == StateTerminating
	}, time.Second, time.Millisecond)
	require.Len(t, ha.closedErr, 1)
	assert.Equal(t, callerr.KindTimeout, callerr.KindOf(ha.closedErr[0]))
}

type noopTransport struct{}

func (noopTransport) Send(msg *Message) error { return nil }

func TestMissedCallFiresOnStaleSetup(t *testing.T) {
	a, b, _, hb := newPair(t)
	_ = a

	conf := Conf{TimeoutSetup: 30 * time.Second, TimeoutTerm: 5 * time.Second}
	_ = conf

	msg := &Message{
		Type:         MsgSetup,
		SessIDSender: "zzzzz",
		SDP:          "late-offer",
		Age:          time.Minute, // > Tp (30s default)
	}
	b.RecvMessage("alice", "c1", msg)

	require.Len(t, hb.missed, 1)
	assert.Empty(t, hb.incoming)
}
