package mediaflow

import "sync"

// reorderThreshold marks a small backward step in the unsigned 16-bit
// sequence delta: a delta at or above it means the packet is at most
// 100 behind the highest seen, and one packet is taken back out of the
// loss estimate. Every delta from 0x8000 up counts as a reorder, never
// as tens of thousands of lost packets (§8 boundary behavior).
const reorderThreshold = 0xff9c

// RTPStreamStats accumulates per-SSRC receive statistics: packet/byte
// counts and a wrap-safe estimate of lost packets derived from
// sequence-number deltas.
type RTPStreamStats struct {
	mu sync.Mutex

	haveBase   bool
	baseSeq    uint16
	highestSeq uint16
	cycles     uint32

	packets uint64
	bytes   uint64
	lost    uint64
	reorder uint64
}

// AddPacket records one received packet with the given 16-bit
// sequence number and payload length in bytes.
func (s *RTPStreamStats) AddPacket(seq uint16, size int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.packets++
	s.bytes += uint64(size)

	if !s.haveBase {
		s.haveBase = true
		s.baseSeq = seq
		s.highestSeq = seq
		return
	}

	delta := seq - s.highestSeq // unsigned wraparound arithmetic

	switch {
	case delta == 0:
		// duplicate of the highest seen; nothing to do.
	case delta < 0x8000:
		// forward progress: delta-1 packets were skipped (lost,
		// pending later arrival) unless this is a wrap.
		if seq < s.highestSeq {
			s.cycles++
		}
		if delta > 1 {
			s.lost += uint64(delta - 1)
		}
		s.highestSeq = seq
	default:
		// delta >= 0x8000 means seq looks "behind" highestSeq by
		// unsigned arithmetic. delta >= reorderThreshold is a small
		// backward step (seq is only a few packets behind) -- a
		// genuine reorder, so pull it back out of the lost estimate.
		// A smaller delta here is a much larger backward jump; still
		// counted only as reorder, never assumed to recover
		// previously lost packets (per the boundary behavior, it must
		// never be misread as tens of thousands of new losses either).
		if delta >= reorderThreshold && s.lost > 0 {
			s.lost--
		}
		s.reorder++
	}
}

// Snapshot is a point-in-time copy of the counters.
type Snapshot struct {
	Packets        uint64
	Bytes          uint64
	EstimatedLost  uint64
	ReorderedCount uint64
	ExtendedHigh   uint32
}

// Snapshot returns the current counters.
func (s *RTPStreamStats) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	return Snapshot{
		Packets:        s.packets,
		Bytes:          s.bytes,
		EstimatedLost:  s.lost,
		ReorderedCount: s.reorder,
		ExtendedHigh:   s.cycles<<16 | uint32(s.highestSeq),
	}
}

// RTCPAggregates holds the round-trip-time and loss aggregates
// carried in the close-time metrics JSON (§6).
type RTCPAggregates struct {
	AvgRTTMs    float64
	MaxRTTMs    float64
	AvgLossDown float64 // fraction, downlink (what we received)
	AvgLossUp   float64 // fraction, uplink (what the peer reported receiving)

	PacketsSent, PacketsRecv uint64
	BytesSent, BytesRecv     uint64

	VideoBitrateMinBps uint32
	VideoBitrateMaxBps uint32
}

// RTCPAggregator folds periodic sender/receiver report samples into
// running min/max/average statistics.
type RTCPAggregator struct {
	mu sync.Mutex

	rttSamples     int
	rttSum, rttMax float64

	lossDownSamples int
	lossDownSum     float64
	lossUpSamples   int
	lossUpSum       float64

	agg RTCPAggregates
}

// AddRTTSample records one round-trip-time sample, in milliseconds.
func (a *RTCPAggregator) AddRTTSample(ms float64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.rttSamples++
	a.rttSum += ms
	if ms > a.rttMax {
		a.rttMax = ms
	}
}

// AddLossSample records one fractional-loss sample in the given
// direction (down = received from peer, up = peer's report of us).
func (a *RTCPAggregator) AddLossSample(down bool, fraction float64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if down {
		a.lossDownSamples++
		a.lossDownSum += fraction
	} else {
		a.lossUpSamples++
		a.lossUpSum += fraction
	}
}

// AddBytes accumulates sent/received byte and packet counters.
func (a *RTCPAggregator) AddBytes(sentBytes, recvBytes uint64, sentPkts, recvPkts uint64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.agg.BytesSent += sentBytes
	a.agg.BytesRecv += recvBytes
	a.agg.PacketsSent += sentPkts
	a.agg.PacketsRecv += recvPkts
}

// SetVideoBitrateRange tracks the observed REMB-derived bitrate
// range over the call, if video is present.
func (a *RTCPAggregator) SetVideoBitrateRange(bps uint32) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.agg.VideoBitrateMinBps == 0 || bps < a.agg.VideoBitrateMinBps {
		a.agg.VideoBitrateMinBps = bps
	}
	if bps > a.agg.VideoBitrateMaxBps {
		a.agg.VideoBitrateMaxBps = bps
	}
}

// Snapshot returns the finalized aggregates for the metrics JSON.
func (a *RTCPAggregator) Snapshot() RTCPAggregates {
	a.mu.Lock()
	defer a.mu.Unlock()

	out := a.agg
	if a.rttSamples > 0 {
		out.AvgRTTMs = a.rttSum / float64(a.rttSamples)
	}
	out.MaxRTTMs = a.rttMax
	if a.lossDownSamples > 0 {
		out.AvgLossDown = a.lossDownSum / float64(a.lossDownSamples)
	}
	if a.lossUpSamples > 0 {
		out.AvgLossUp = a.lossUpSum / float64(a.lossUpSamples)
	}
	return out
}
