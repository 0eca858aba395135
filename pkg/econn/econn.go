// Package econn implements the signaling state machine that
// negotiates a 1:1 media session: SETUP/CANCEL/UPDATE/HANGUP/PROPSYNC
// exchange, Tp/Tt timers, and glare (simultaneous-offer) resolution.
package econn

import (
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/pion/logging"

	"github.com/wirecall/callcore/internal/loop"
	"github.com/wirecall/callcore/pkg/callerr"
)

// Conf holds the two timers that bound an Econn's lifetime outside of
// steady state.
type Conf struct {
	// TimeoutSetup (Tp) bounds an outstanding SETUP/UPDATE request.
	TimeoutSetup time.Duration
	// TimeoutTerm (Tt) bounds the wait for a HANGUP response.
	TimeoutTerm time.Duration
}

// DefaultConf matches the reference timers: 30s to set up, 5s grace
// on termination.
var DefaultConf = Conf{
	TimeoutSetup: 30 * time.Second,
	TimeoutTerm:  5 * time.Second,
}

// Transport sends a signaling Message to the peer. Econn never
// retries a failed send; it treats it as a fatal error for the
// in-flight operation.
type Transport interface {
	Send(msg *Message) error
}

// Handler receives the call-level events an Econn produces. All
// methods are invoked on the owning Loop; implementations must not
// block and must not call back into the Econn that invoked them
// other than through methods explicitly documented as callback-safe.
type Handler interface {
	// Incoming reports a freshly-arrived SETUP request.
	Incoming(conn *Econn, msgTime time.Time, userID, clientID string, sdp string, props *Props)
	// MissedCall reports a SETUP request whose age exceeds Tp: the
	// call has already timed out on the sender's side.
	MissedCall(conn *Econn, msgTime time.Time, userID, clientID string, age time.Duration)
	// Answered reports that the peer answered (reset==false) or that
	// a glare loss requires a fresh answer to be generated and sent
	// (reset==true).
	Answered(conn *Econn, reset bool, sdp string, props *Props)
	// UpdateReq reports an incoming UPDATE request.
	UpdateReq(conn *Econn, userID, clientID, sdp string, props *Props, shouldReset bool)
	// UpdateResp reports the peer's answer to our UPDATE request.
	UpdateResp(conn *Econn, sdp string, props *Props)
	// Alert reports a received ALERT message.
	Alert(conn *Econn, level uint32, descr string)
	// Closed reports the Econn's terminal close, exactly once.
	Closed(conn *Econn, err error, msgTime time.Time)
}

// Econn is the per-peer signaling state machine. The zero value is
// not usable; construct with New.
type Econn struct {
	mu sync.Mutex

	userIDSelf string
	clientID   string

	userIDRemote   string
	clientIDRemote string

	sessIDLocal  string
	sessIDRemote string

	state State
	dir   Dir

	// conflict: 0 = no glare seen, 1 = we won, -1 = we lost.
	conflict int

	conf Conf

	transp  Transport
	handler Handler
	loop    *loop.Loop
	log     logging.LeveledLogger

	tmr    *time.Timer
	tmrGen uint64

	setupErr error
	err      error

	dropCount int
}

// New allocates an Econn for one logical peer connection. transp and
// handler must be non-nil; l may be nil, in which case callbacks run
// directly on the calling goroutine (suitable for tests).
func New(userIDSelf, clientID string, conf Conf, transp Transport, handler Handler, l *loop.Loop, factory logging.LoggerFactory) (*Econn, error) {
	if userIDSelf == "" || clientID == "" {
		return nil, callerr.New(callerr.KindInvalidArg, "econn.New")
	}
	if transp == nil || handler == nil {
		return nil, callerr.New(callerr.KindInvalidArg, "econn.New")
	}
	if conf.TimeoutSetup == 0 {
		conf = DefaultConf
	}
	if factory == nil {
		factory = logging.NewDefaultLoggerFactory()
	}

	return &Econn{
		userIDSelf:  userIDSelf,
		clientID:    clientID,
		sessIDLocal: randSessID(),
		state:       StateIdle,
		dir:         DirUnknown,
		conf:        conf,
		transp:      transp,
		handler:     handler,
		loop:        l,
		log:         factory.NewLogger("econn"),
	}, nil
}

func randSessID() string {
	const alphabet = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"
	b := make([]byte, 5)
	for i := range b {
		b[i] = alphabet[rand.Intn(len(alphabet))]
	}
	return string(b)
}

// State returns the current state. Safe to call from any goroutine.
func (c *Econn) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Dir returns the call direction.
func (c *Econn) Dir() Dir {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.dir
}

// SessIDLocal returns the locally generated session id.
func (c *Econn) SessIDLocal() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessIDLocal
}

// SessIDRemote returns the latched remote session id, empty if none.
func (c *Econn) SessIDRemote() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessIDRemote
}

// UserIDRemote returns the latched remote user id, empty if none.
func (c *Econn) UserIDRemote() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.userIDRemote
}

// ClientIDRemote returns the latched remote client id, empty if none.
func (c *Econn) ClientIDRemote() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.clientIDRemote
}

func (c *Econn) setState(s State) {
	c.log.Debugf("state: %s -> %s", c.state, s)
	c.state = s
}

func (c *Econn) post(fn func()) {
	if c.loop != nil {
		c.loop.Post(fn)
		return
	}
	fn()
}

// --- timers -----------------------------------------------------

func (c *Econn) startSetupTimer() {
	c.stopTimer()
	c.tmrGen++
	gen := c.tmrGen
	c.tmr = time.AfterFunc(c.conf.TimeoutSetup, func() {
		c.post(func() { c.onSetupTimeout(gen) })
	})
}

func (c *Econn) startTermTimer() {
	c.stopTimer()
	c.tmrGen++
	gen := c.tmrGen
	c.tmr = time.AfterFunc(c.conf.TimeoutTerm, func() {
		c.post(func() { c.onTermTimeout(gen) })
	})
}

func (c *Econn) startCancelTimer() {
	c.stopTimer()
	c.tmrGen++
	gen := c.tmrGen
	c.tmr = time.AfterFunc(time.Millisecond, func() {
		c.post(func() { c.onCancelTimeout(gen) })
	})
}

func (c *Econn) stopTimer() {
	if c.tmr != nil {
		c.tmr.Stop()
		c.tmr = nil
	}
	c.tmrGen++
}

func (c *Econn) onSetupTimeout(gen uint64) {
	c.mu.Lock()
	if gen != c.tmrGen {
		c.mu.Unlock()
		return
	}
	c.log.Infof("setup timeout in state %s", c.state)
	c.mu.Unlock()
	c.closeLocked(callerr.New(callerr.KindTimeout, "econn.setup"), time.Time{})
}

func (c *Econn) onTermTimeout(gen uint64) {
	c.mu.Lock()
	if gen != c.tmrGen {
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()
	c.closeLocked(c.err, time.Time{})
}

func (c *Econn) onCancelTimeout(gen uint64) {
	c.mu.Lock()
	if gen != c.tmrGen {
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()
	c.closeLocked(c.err, time.Time{})
}

// --- close --------------------------------------------------------

// Close tears the Econn down immediately: stops timers, transitions
// to Terminating, and invokes the close handler exactly once. It is
// the only path that ever calls Closed.
func (c *Econn) Close(err error) {
	c.closeLocked(err, time.Time{})
}

func (c *Econn) closeLocked(err error, msgTime time.Time) {
	c.mu.Lock()
	if c.handler == nil {
		c.mu.Unlock()
		return // already closed
	}
	c.stopTimer()
	c.setupErr = err

	if c.state == StatePendingOutgoing {
		_ = c.sendCancel()
	}
	c.setState(StateTerminating)

	handler := c.handler
	c.handler = nil
	c.mu.Unlock()

	handler.Closed(c, err, msgTime)
}

// --- sending --------------------------------------------------------

func (c *Econn) sendSetup(resp bool, sdp string, props *Props, update bool) error {
	mtype := MsgSetup
	if update {
		mtype = MsgUpdate
	}
	msg := &Message{
		Type:         mtype,
		SessIDSender: c.sessIDLocal,
		Resp:         resp,
		SDP:          sdp,
		Props:        props,
	}
	if err := c.transp.Send(msg); err != nil {
		c.setupErr = err
		c.setState(StateTerminating)
		return callerr.Wrap(callerr.KindTransportClosed, "econn.sendSetup", err)
	}
	return nil
}

func (c *Econn) sendCancel() error {
	msg := &Message{Type: MsgCancel, SessIDSender: c.sessIDLocal}
	return c.transp.Send(msg)
}

func (c *Econn) sendHangup(resp bool) error {
	msg := &Message{Type: MsgHangup, SessIDSender: c.sessIDLocal, Resp: resp}
	return c.transp.Send(msg)
}

// Start begins an outgoing call by sending a SETUP request and
// arming Tp.
func (c *Econn) Start(sdp string, props *Props) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch c.state {
	case StateIdle, StatePendingOutgoing:
	default:
		return callerr.New(callerr.KindProtocol, "econn.Start")
	}

	c.setState(StatePendingOutgoing)
	c.dir = DirOutgoing

	if err := c.sendSetup(false, sdp, props, false); err != nil {
		return err
	}
	c.startSetupTimer()
	return nil
}

// Answer answers an incoming call (or a glare loss requiring a fresh
// answer) by sending a SETUP response.
func (c *Econn) Answer(sdp string, props *Props) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state != StatePendingIncoming && c.state != StateConflictResolution {
		return callerr.New(callerr.KindProtocol, "econn.Answer")
	}

	c.stopTimer()

	if err := c.sendSetup(true, sdp, props, false); err != nil {
		return err
	}
	c.setState(StateAnswered)
	return nil
}

// UpdateReq begins re-negotiation by sending an UPDATE request.
func (c *Econn) UpdateReq(sdp string, props *Props) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch c.state {
	case StateAnswered, StateDataChanEstablished:
	default:
		return callerr.New(callerr.KindProtocol, "econn.UpdateReq")
	}

	c.setState(StateUpdateSent)
	if err := c.sendSetup(false, sdp, props, true); err != nil {
		return err
	}
	c.startSetupTimer()
	return nil
}

// UpdateResp answers a pending UPDATE request.
func (c *Econn) UpdateResp(sdp string, props *Props) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state != StateUpdateRecv {
		return callerr.New(callerr.KindProtocol, "econn.UpdateResp")
	}

	c.stopTimer()
	if err := c.sendSetup(true, sdp, props, true); err != nil {
		return err
	}
	c.setState(StateAnswered)
	return nil
}

// End gracefully terminates the call from the local side, sending
// CANCEL or HANGUP depending on how far along the call is.
func (c *Econn) End() {
	c.mu.Lock()

	c.log.Infof("end (state=%s)", c.state)

	switch c.state {
	case StateUpdateRecv, StatePendingIncoming:
		c.setState(StateTerminating)
		c.startCancelTimer()

	case StateUpdateSent, StatePendingOutgoing, StateAnswered, StateConflictResolution:
		if err := c.sendCancel(); err != nil {
			c.log.Warnf("end: send_cancel failed: %v", err)
		}
		c.setState(StateTerminating)
		c.startCancelTimer()

	case StateDataChanEstablished:
		// Enter HangupSent and release the lock before sending, so a
		// transport that delivers the peer's HANGUP response
		// synchronously can re-enter RecvMessage and close this Econn.
		c.setState(StateHangupSent)
		c.startTermTimer()
		c.mu.Unlock()
		err := c.sendHangup(false)
		c.mu.Lock()
		if err != nil {
			c.log.Warnf("end: send_hangup failed: %v", err)
			c.err = callerr.Wrap(callerr.KindTransportClosed, "econn.End", err)
		}

	case StateTerminating:
		// already on the way down

	default:
		c.setState(StateTerminating)
		c.startTermTimer()
	}

	c.mu.Unlock()
}

// CanSendPropSync reports whether a PROPSYNC may be sent right now.
func (c *Econn) CanSendPropSync() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state == StateDataChanEstablished
}

// SendPropSync sends a properties bag over the (already established)
// data channel.
func (c *Econn) SendPropSync(resp bool, props *Props) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state != StateDataChanEstablished {
		return callerr.New(callerr.KindProtocol, "econn.SendPropSync")
	}
	if props == nil {
		return callerr.New(callerr.KindInvalidArg, "econn.SendPropSync")
	}

	msg := &Message{
		Type:         MsgPropSync,
		SessIDSender: c.sessIDLocal,
		Resp:         resp,
		Props:        props,
	}
	if err := c.transp.Send(msg); err != nil {
		return callerr.Wrap(callerr.KindTransportClosed, "econn.SendPropSync", err)
	}
	return nil
}

// SendAlert sends a transient ALERT message.
func (c *Econn) SendAlert(level uint32, descr string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	msg := &Message{
		Type:         MsgAlert,
		SessIDSender: c.sessIDLocal,
		Transient:    true,
		AlertLevel:   level,
		AlertDescr:   descr,
	}
	if err := c.transp.Send(msg); err != nil {
		return callerr.Wrap(callerr.KindTransportClosed, "econn.SendAlert", err)
	}
	return nil
}

// SetDataChanEstablished transitions Answered -> DataChanEstablished
// once the data channel has opened.
func (c *Econn) SetDataChanEstablished() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state == StateAnswered {
		c.setState(StateDataChanEstablished)
	} else {
		c.log.Warnf("set_datachan_established: illegal state %s", c.state)
	}
}

// SetError records an error to be reported on the eventual close.
func (c *Econn) SetError(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.err = err
}

func iswinner(userIDSelf, clientIDSelf, userIDRemote, clientIDRemote string) bool {
	self := userIDSelf + "." + clientIDSelf
	remote := userIDRemote + "." + clientIDRemote
	return strings.Compare(self, remote) > 0
}

// --- receive --------------------------------------------------------

// RecvMessage dispatches an incoming signaling message. Must be
// called on the loop.
func (c *Econn) RecvMessage(userIDSender, clientIDSender string, msg *Message) {
	if msg == nil {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	switch msg.Type {
	case MsgSetup:
		c.recvSetup(userIDSender, clientIDSender, msg)
	case MsgUpdate:
		c.recvUpdate(userIDSender, clientIDSender, msg)
	case MsgCancel:
		c.recvCancel(clientIDSender, msg)
	case MsgHangup:
		c.recvHangup(msg)
	case MsgAlert:
		c.recvAlert(userIDSender, clientIDSender, msg)
	case MsgPing:
		// Receive-side dispatch for PING is intentionally left a
		// no-op: the upstream protocol never nailed down what a
		// peer should do on receipt (open question carried forward,
		// not guessed at).
		c.log.Debugf("ping received from %s.%s (no-op)", userIDSender, clientIDSender)
	case MsgReject:
		// parsed for wire compatibility only; no state transition.
	default:
		c.log.Warnf("recv: message type %s not handled here", msg.Type)
	}
}

// recvSetup latches the remote identity (first message wins) before
// dispatching to the request/response handler.
func (c *Econn) recvSetup(userIDSender, clientIDSender string, msg *Message) {
	if !c.latchRemote(userIDSender, clientIDSender) {
		return
	}

	if msg.IsRequest() {
		c.handleSetupRequest(userIDSender, clientIDSender, msg)
	} else {
		c.handleSetupResponse(userIDSender, clientIDSender, msg)
	}
}

// latchRemote enforces invariant 1: at most one remote (user,client)
// ever appears. Returns false (and drops the message) on mismatch.
func (c *Econn) latchRemote(userID, clientID string) bool {
	if c.userIDRemote != "" {
		if !strings.EqualFold(c.userIDRemote, userID) {
			c.dropCount++
			c.log.Infof("recv: remote userid already set to %q, dropping message from %q",
				c.userIDRemote, userID)
			return false
		}
	} else {
		c.userIDRemote = userID
	}

	if c.clientIDRemote != "" {
		if !strings.EqualFold(c.clientIDRemote, clientID) {
			c.dropCount++
			c.log.Infof("recv: remote clientid already set to %q, dropping message from %q",
				c.clientIDRemote, clientID)
			return false
		}
	} else {
		c.clientIDRemote = clientID
	}
	return true
}

func (c *Econn) handleSetupRequest(userIDSender, clientIDSender string, msg *Message) {
	switch c.state {
	case StateIdle:
		// fall through below

	case StatePendingOutgoing:
		winner := iswinner(c.userIDSelf, c.clientID, userIDSender, clientIDSender)
		c.log.Infof("conflict: is_winner=%v", winner)

		c.sessIDRemote = msg.SessIDSender

		if winner {
			c.conflict = 1
			// We keep our outgoing SETUP and wait for a fresh
			// SETUP-resp; the loser's request is simply dropped.
			return
		}

		c.conflict = -1
		c.setState(StateConflictResolution)

		handler, props, sdp := c.handler, msg.Props, msg.SDP
		c.mu.Unlock()
		handler.Answered(c, true, sdp, props)
		c.mu.Lock()
		return

	default:
		c.log.Warnf("recv_setup: ignoring SETUP request in state %s", c.state)
		return
	}

	c.setState(StatePendingIncoming)
	c.dir = DirIncoming
	c.sessIDRemote = msg.SessIDSender
	c.startSetupTimer()

	if msg.Age > c.conf.TimeoutSetup {
		handler, age, mt := c.handler, msg.Age, msg.Time
		c.mu.Unlock()
		handler.MissedCall(c, mt, userIDSender, clientIDSender, age)
		c.mu.Lock()
		return
	}

	handler, mt, sdp, props := c.handler, msg.Time, msg.SDP, msg.Props
	c.mu.Unlock()
	handler.Incoming(c, mt, userIDSender, clientIDSender, sdp, props)
	c.mu.Lock()
}

func (c *Econn) handleSetupResponse(userIDSender, clientIDSender string, msg *Message) {
	if c.state != StatePendingOutgoing && c.state != StateConflictResolution {
		// Exception to "messages from self are ignored": a SETUP
		// response from the same user on another client terminates
		// a local PendingIncoming (picked up elsewhere).
		if strings.EqualFold(userIDSender, c.userIDSelf) && c.state == StatePendingIncoming {
			c.mu.Unlock()
			c.closeLocked(callerr.New(callerr.KindCancelled, "econn.pickedUpElsewhere"), msg.Time)
			c.mu.Lock()
			return
		}
		c.log.Infof("recv_setup: ignoring SETUP(r) in state %s", c.state)
		return
	}

	c.stopTimer()
	c.setState(StateAnswered)
	c.sessIDRemote = msg.SessIDSender

	handler, sdp, props := c.handler, msg.SDP, msg.Props
	c.mu.Unlock()
	handler.Answered(c, false, sdp, props)
	c.mu.Lock()
}

func (c *Econn) recvUpdate(userIDSender, clientIDSender string, msg *Message) {
	if !strings.EqualFold(c.sessIDRemote, msg.SessIDSender) {
		c.log.Warnf("recv_update: remote sessid mismatch (%s vs %s)", c.sessIDRemote, msg.SessIDSender)
		c.dropCount++
		return
	}

	if msg.IsRequest() {
		c.handleUpdateRequest(userIDSender, clientIDSender, msg)
	} else {
		c.handleUpdateResponse(userIDSender, clientIDSender, msg)
	}
}

func (c *Econn) handleUpdateRequest(userIDSender, clientIDSender string, msg *Message) {
	if !strings.EqualFold(c.clientIDRemote, clientIDSender) {
		c.log.Warnf("ignoring UPDATE-req from wrong client (expected %s got %s)", c.clientIDRemote, clientIDSender)
		return
	}

	shouldReset := false

	switch c.state {
	case StateAnswered, StateDataChanEstablished:
		c.setState(StateUpdateRecv)

	case StateUpdateSent:
		winner := iswinner(c.userIDSelf, c.clientID, userIDSender, clientIDSender)
		c.log.Infof("update conflict: is_winner=%v", winner)
		if winner {
			return
		}
		c.setState(StateUpdateRecv)
		shouldReset = true

	default:
		c.log.Warnf("recv_update: ignoring UPDATE request in state %s", c.state)
		return
	}

	c.startSetupTimer()

	handler, sdp, props := c.handler, msg.SDP, msg.Props
	c.mu.Unlock()
	handler.UpdateReq(c, userIDSender, clientIDSender, sdp, props, shouldReset)
	c.mu.Lock()
}

func (c *Econn) handleUpdateResponse(userIDSender, clientIDSender string, msg *Message) {
	if !strings.EqualFold(c.clientIDRemote, clientIDSender) {
		c.log.Warnf("ignoring UPDATE-resp from wrong client (expected %s got %s)", c.clientIDRemote, clientIDSender)
		return
	}

	if c.state != StateUpdateSent {
		c.log.Infof("recv_update: ignoring UPDATE(r) in state %s", c.state)
		return
	}

	c.stopTimer()
	c.setState(StateAnswered)

	handler, sdp, props := c.handler, msg.SDP, msg.Props
	c.mu.Unlock()
	handler.UpdateResp(c, sdp, props)
	c.mu.Lock()
}

func (c *Econn) recvCancel(clientIDSender string, msg *Message) {
	if !strings.EqualFold(clientIDSender, c.clientIDRemote) {
		c.log.Infof("recv_cancel: clientid mismatch (remote=%s sender=%s)", c.clientIDRemote, clientIDSender)
		return
	}

	switch c.state {
	case StatePendingIncoming, StateAnswered, StateDataChanEstablished:
	default:
		c.log.Infof("recv_cancel: ignoring CANCEL in state %s", c.state)
		return
	}

	if !strings.EqualFold(c.sessIDRemote, msg.SessIDSender) {
		c.log.Warnf("recv_cancel: remote sessid mismatch")
		return
	}

	c.setState(StateTerminating)
	err := c.err
	if err == nil {
		err = callerr.New(callerr.KindCancelled, "econn.recvCancel")
	}
	mt := msg.Time
	c.mu.Unlock()
	c.closeLocked(err, mt)
	c.mu.Lock()
}

func (c *Econn) recvHangup(msg *Message) {
	if !strings.EqualFold(c.sessIDRemote, msg.SessIDSender) {
		c.log.Warnf("recv_hangup: remote sessid mismatch (%s vs %s)", c.sessIDRemote, msg.SessIDSender)
		return
	}

	if c.state != StateDataChanEstablished && c.state != StateHangupSent {
		c.log.Warnf("recv_hangup: ignoring HANGUP in state %s", c.state)
		return
	}

	c.setState(StateHangupRecv)

	if msg.IsRequest() {
		if err := c.sendHangup(true); err != nil {
			c.log.Warnf("send_hangup failed: %v", err)
		}
	}

	c.setState(StateTerminating)
	err := c.err
	mt := msg.Time
	c.mu.Unlock()
	c.closeLocked(err, mt)
	c.mu.Lock()
}

func (c *Econn) recvAlert(userIDSender, clientIDSender string, msg *Message) {
	handler := c.handler
	level, descr := msg.AlertLevel, msg.AlertDescr
	c.mu.Unlock()
	handler.Alert(c, level, descr)
	c.mu.Lock()
	_ = userIDSender
	_ = clientIDSender
}

// DropCount reports how many messages were dropped due to a session
// or identity mismatch, for diagnostics (§8 scenario 3).
func (c *Econn) DropCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.dropCount
}
