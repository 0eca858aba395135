// Package trickleice wraps pion/ice/v4's full Agent to implement the
// trickle-ICE candidate gatherer and connectivity checker the remote
// side of a call drives against an icelite responder, or against
// another full agent when both ends support it (§4.4). It
// generalizes Gatherer/ICETransport from the reference webrtc stack
// (internal/ice/gatherer.go, icetransport.go) to a single type built
// directly on the Agent, since this module has no PeerConnection/mux
// layering to thread candidates through.
package trickleice

import (
	"context"
	"net"
	"sync"
	"time"

	"github.com/pion/ice/v4"
	"github.com/pion/logging"

	"github.com/wirecall/callcore/pkg/callerr"
	"github.com/wirecall/callcore/pkg/mediaflow"
)

// Role mirrors the ICE controlling/controlled role (§4.4): ties are
// broken by lexicographic comparison of (userID, clientID); a remote
// peer known to be ice-lite always forces the local role to
// controlling, since ice-lite never initiates checks.
type Role int

const (
	RoleControlled Role = iota
	RoleControlling
)

// Conf tunes the agent; DefaultConf matches the reference
// implementation's gathering budget.
type Conf struct {
	PortMin, PortMax  uint16
	ConnectionTimeout time.Duration
	KeepaliveInterval time.Duration
	GatherTimeout     time.Duration
	STUNServerURL     string // gather-STUN server for srflx candidates
	TURNServerURL     string // TURN server for relay candidates
	TURNUsername      string
	TURNPassword      string
}

var DefaultConf = Conf{
	ConnectionTimeout: 30 * time.Second,
	KeepaliveInterval: 2 * time.Second,
	GatherTimeout:     5 * time.Second,
}

// Handler receives gathering and connectivity events.
type Handler interface {
	LocalCandidate(a *Agent, c mediaflow.Candidate)
	GatheringDone(a *Agent)
	SelectedPairChange(a *Agent, local, remote mediaflow.Candidate)
	ConnectionStateChange(a *Agent, connected bool)
}

// Agent drives one call's trickle-ICE candidate gathering and
// connectivity checking, wrapping a single pion/ice/v4 Agent.
type Agent struct {
	mu sync.Mutex

	log     logging.LeveledLogger
	conf    Conf
	handler Handler

	role Role

	agent *ice.Agent
	conn  *ice.Conn
}

// New builds and starts gathering on a fresh ice.Agent. localUserID/
// localClientID and remoteUserID/remoteClientID decide the default
// controlling role by lexicographic comparison when remoteIsLite is
// false; remoteIsLite forces RoleControlling regardless.
func New(conf Conf, localUserID, localClientID, remoteUserID, remoteClientID string, remoteIsLite bool, handler Handler, factory logging.LoggerFactory) (*Agent, error) {
	if factory == nil {
		factory = logging.NewDefaultLoggerFactory()
	}

	role := decideRole(localUserID, localClientID, remoteUserID, remoteClientID, remoteIsLite)

	var urls []*ice.URL
	if conf.STUNServerURL != "" {
		u, err := ice.ParseURL(conf.STUNServerURL)
		if err != nil {
			return nil, callerr.Wrap(callerr.KindInvalidArg, "trickleice.New", err)
		}
		urls = append(urls, u)
	}
	if conf.TURNServerURL != "" {
		u, err := ice.ParseURL(conf.TURNServerURL)
		if err != nil {
			return nil, callerr.Wrap(callerr.KindInvalidArg, "trickleice.New", err)
		}
		u.Username = conf.TURNUsername
		u.Password = conf.TURNPassword
		urls = append(urls, u)
	}

	agentConf := &ice.AgentConfig{
		Trickle:           true,
		Urls:              urls,
		PortMin:           conf.PortMin,
		PortMax:           conf.PortMax,
		ConnectionTimeout: &conf.ConnectionTimeout,
		KeepaliveInterval: &conf.KeepaliveInterval,
		LoggerFactory:     factory,
		NetworkTypes: []ice.NetworkType{
			ice.NetworkTypeUDP4, ice.NetworkTypeUDP6,
			ice.NetworkTypeTCP4, ice.NetworkTypeTCP6,
		},
	}

	iceAgent, err := ice.NewAgent(agentConf)
	if err != nil {
		return nil, callerr.Wrap(callerr.KindProtocol, "trickleice.New", err)
	}

	a := &Agent{
		log:     factory.NewLogger("trickleice"),
		conf:    conf,
		handler: handler,
		role:    role,
		agent:   iceAgent,
	}

	if err := iceAgent.OnCandidate(func(c ice.Candidate) {
		if c == nil {
			if a.handler != nil {
				a.handler.GatheringDone(a)
			}
			return
		}
		if a.handler != nil {
			a.handler.LocalCandidate(a, candidateFromICE(c))
		}
	}); err != nil {
		return nil, callerr.Wrap(callerr.KindProtocol, "trickleice.New", err)
	}

	if err := iceAgent.OnConnectionStateChange(func(s ice.ConnectionState) {
		if a.handler != nil {
			a.handler.ConnectionStateChange(a, s == ice.ConnectionStateConnected)
		}
	}); err != nil {
		return nil, callerr.Wrap(callerr.KindProtocol, "trickleice.New", err)
	}

	if err := iceAgent.OnSelectedCandidatePairChange(func(local, remote ice.Candidate) {
		if a.handler != nil {
			a.handler.SelectedPairChange(a, candidateFromICE(local), candidateFromICE(remote))
		}
	}); err != nil {
		return nil, callerr.Wrap(callerr.KindProtocol, "trickleice.New", err)
	}

	if err := iceAgent.GatherCandidates(); err != nil {
		return nil, callerr.Wrap(callerr.KindProtocol, "trickleice.New", err)
	}

	return a, nil
}

// decideRole picks the default controlling/controlled role (§4.4):
// an ice-lite remote never initiates checks, so the local side must
// control; otherwise ties are broken by lexicographic comparison of
// (userID, clientID), reusing the same ordering rule spec.md's glare
// resolution already establishes.
func decideRole(localUserID, localClientID, remoteUserID, remoteClientID string, remoteIsLite bool) Role {
	if remoteIsLite || localUserID+localClientID < remoteUserID+remoteClientID {
		return RoleControlling
	}
	return RoleControlled
}

// Role reports the agent's controlling/controlled role.
func (a *Agent) Role() Role {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.role
}

// LocalCredentials returns the local ufrag/password to place in the
// outgoing SDP.
func (a *Agent) LocalCredentials() (ufrag, pwd string, err error) {
	ufrag, pwd, err = a.agent.GetLocalUserCredentials()
	if err != nil {
		return "", "", callerr.Wrap(callerr.KindProtocol, "trickleice.LocalCredentials", err)
	}
	return ufrag, pwd, nil
}

// AddRemoteCandidate feeds one trickled or SDP-carried remote
// candidate into the connectivity checker.
func (a *Agent) AddRemoteCandidate(c mediaflow.Candidate) error {
	iceCand, err := candidateToICE(c)
	if err != nil {
		return callerr.Wrap(callerr.KindInvalidArg, "trickleice.AddRemoteCandidate", err)
	}
	if err := a.agent.AddRemoteCandidate(iceCand); err != nil {
		return callerr.Wrap(callerr.KindProtocol, "trickleice.AddRemoteCandidate", err)
	}
	return nil
}

// Connect dials or accepts depending on role, blocking until a
// candidate pair is selected and ready to carry DTLS/SRTP.
func (a *Agent) Connect(ctx context.Context, remoteUfrag, remotePwd string) (net.Conn, error) {
	a.mu.Lock()
	role := a.role
	agent := a.agent
	a.mu.Unlock()

	var conn *ice.Conn
	var err error
	if role == RoleControlling {
		conn, err = agent.Dial(ctx, remoteUfrag, remotePwd)
	} else {
		conn, err = agent.Accept(ctx, remoteUfrag, remotePwd)
	}
	if err != nil {
		return nil, callerr.Wrap(callerr.KindTimeout, "trickleice.Connect", err)
	}

	a.mu.Lock()
	a.conn = conn
	a.mu.Unlock()

	return conn, nil
}

// Close releases the agent and any established connection.
func (a *Agent) Close() error {
	a.mu.Lock()
	conn := a.conn
	agent := a.agent
	a.mu.Unlock()

	if conn != nil {
		_ = conn.Close()
	}
	if err := agent.Close(); err != nil {
		return callerr.Wrap(callerr.KindTransportClosed, "trickleice.Close", err)
	}
	return nil
}

func candidateFromICE(c ice.Candidate) mediaflow.Candidate {
	out := mediaflow.Candidate{
		Foundation: c.Foundation(),
		Component:  int(c.Component()),
		Priority:   c.Priority(),
		Address:    c.Address(),
		Port:       c.Port(),
		Type:       candTypeFromICE(c.Type()),
	}
	if c.NetworkType().IsTCP() {
		out.Proto = mediaflow.ProtoTCP
	}
	if rel := c.RelatedAddress(); rel != nil {
		out.RelatedAddress = rel.Address
		out.RelatedPort = rel.Port
	}
	return out
}

func candTypeFromICE(t ice.CandidateType) mediaflow.CandidateType {
	switch t {
	case ice.CandidateTypeServerReflexive:
		return mediaflow.CandServerReflexive
	case ice.CandidateTypePeerReflexive:
		return mediaflow.CandPeerReflexive
	case ice.CandidateTypeRelay:
		return mediaflow.CandRelay
	default:
		return mediaflow.CandHost
	}
}

func candidateToICE(c mediaflow.Candidate) (ice.Candidate, error) {
	typ := ice.CandidateTypeHost
	switch c.Type {
	case mediaflow.CandServerReflexive:
		typ = ice.CandidateTypeServerReflexive
	case mediaflow.CandPeerReflexive:
		typ = ice.CandidateTypePeerReflexive
	case mediaflow.CandRelay:
		typ = ice.CandidateTypeRelay
	}

	network := "udp"
	if c.Proto == mediaflow.ProtoTCP {
		network = "tcp"
	}

	config := ice.CandidateConfig{
		Network:    network,
		Address:    c.Address,
		Port:       c.Port,
		Component:  uint16(c.Component),
		Priority:   c.Priority,
		Foundation: c.Foundation,
	}

	switch typ {
	case ice.CandidateTypeHost:
		return ice.NewCandidateHost(&config)
	case ice.CandidateTypeServerReflexive:
		config.RelAddr = c.RelatedAddress
		config.RelPort = c.RelatedPort
		return ice.NewCandidateServerReflexive(&config)
	case ice.CandidateTypePeerReflexive:
		config.RelAddr = c.RelatedAddress
		config.RelPort = c.RelatedPort
		return ice.NewCandidatePeerReflexive(&config)
	case ice.CandidateTypeRelay:
		config.RelAddr = c.RelatedAddress
		config.RelPort = c.RelatedPort
		return ice.NewCandidateRelay(&config)
	default:
		return nil, callerr.New(callerr.KindInvalidArg, "trickleice.candidateToICE")
	}
}
