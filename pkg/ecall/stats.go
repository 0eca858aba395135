package ecall

import (
	"time"

	"github.com/wirecall/callcore/pkg/callerr"
	"github.com/wirecall/callcore/pkg/econn"
	"github.com/wirecall/callcore/pkg/mediaflow"
)

// CoreVersion identifies this build in the close-time metrics JSON;
// hosts that embed this module may override it at link time with
// -ldflags -X, but the default is always a valid string.
var CoreVersion = "0.0.0-dev"

// Metrics is the §6 close-time report: a flat summary of how the call
// negotiated and performed, independent of any particular logging or
// telemetry backend.
type Metrics struct {
	Version         string `json:"version"`
	ProtocolVersion string `json:"protocol_version"`
	Direction       string `json:"direction"`
	Answered        bool   `json:"answered"`

	EstabTimeMs      int64   `json:"estab_time_ms"`
	AudioSetupTimeMs int64   `json:"audio_setup_time_ms"`
	MediaTimeS       float64 `json:"media_time_s"`

	DTLS  bool `json:"dtls"`
	ICE   bool `json:"ice"`
	Video bool `json:"video"`

	Crypto string `json:"crypto"`

	LocalCand  string `json:"local_cand"`
	RemoteCand string `json:"remote_cand"`

	ErrorKind string `json:"error_kind,omitempty"`

	mediaflow.RTCPAggregates
}

// buildMetrics assembles the close-time report from the timestamps
// this Ecall has accumulated plus a snapshot of the Mediaflow it was
// using, passed in by the caller since e.mf is typically already nil
// by the time a call closes. Safe to call with a nil Mediaflow (call
// closed before media ever started).
func (e *Ecall) buildMetrics(mf *mediaflow.Mediaflow, closeErr error) Metrics {
	e.mu.Lock()
	dir := e.dir
	startTime := e.startTime
	answerTime := e.answerTime
	estabTime := e.estabTime
	e.mu.Unlock()

	m := Metrics{
		Version:         CoreVersion,
		ProtocolVersion: econn.ProtoVersion,
		Direction:       dir.String(),
		Answered:        !answerTime.IsZero(),
	}

	if !estabTime.IsZero() && !startTime.IsZero() {
		m.EstabTimeMs = estabTime.Sub(startTime).Milliseconds()
	}
	if !estabTime.IsZero() && !answerTime.IsZero() {
		m.AudioSetupTimeMs = estabTime.Sub(answerTime).Milliseconds()
	}
	if !estabTime.IsZero() {
		m.MediaTimeS = time.Since(estabTime).Seconds()
	}

	if mf != nil {
		state := mf.State()
		m.DTLS = state.CryptoReady
		m.ICE = state.ICEReady
		m.Crypto = "AES_CM_128_HMAC_SHA1_80"

		_, agg := mf.Stats()
		m.RTCPAggregates = agg
	}

	if closeErr != nil {
		m.ErrorKind = callerr.KindOf(closeErr).String()
	}

	return m
}
