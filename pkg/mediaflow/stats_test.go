package mediaflow

import "testing"

func TestRTPStreamStatsInOrder(t *testing.T) {
	var s RTPStreamStats
	for i := uint16(0); i < 10; i++ {
		s.AddPacket(i, 100)
	}
	snap := s.Snapshot()
	if snap.Packets != 10 {
		t.Fatalf("packets = %d, want 10", snap.Packets)
	}
	if snap.EstimatedLost != 0 {
		t.Fatalf("lost = %d, want 0", snap.EstimatedLost)
	}
}

func TestRTPStreamStatsDetectsLoss(t *testing.T) {
	var s RTPStreamStats
	s.AddPacket(0, 100)
	s.AddPacket(5, 100) // 4 packets missing (1,2,3,4)
	snap := s.Snapshot()
	if snap.EstimatedLost != 4 {
		t.Fatalf("lost = %d, want 4", snap.EstimatedLost)
	}
}

func TestRTPStreamStatsLargeBackwardDeltaIsReorderNotLoss(t *testing.T) {
	var s RTPStreamStats
	s.AddPacket(1000, 100)
	// seq = 900, so the unsigned delta seq - 1000 is 0xff9c: seq is 100
	// behind by wraparound, and per the boundary behavior this must
	// never be read as ~65435 lost packets.
	seq := uint16(1000 + 0xff9c)
	s.AddPacket(seq, 100)

	snap := s.Snapshot()
	if snap.EstimatedLost > 100 {
		t.Fatalf("lost = %d, a large backward delta must be treated as reorder not loss", snap.EstimatedLost)
	}
}

func TestRTCPAggregatorAverages(t *testing.T) {
	var a RTCPAggregator
	a.AddRTTSample(10)
	a.AddRTTSample(30)
	a.AddLossSample(true, 0.1)
	a.AddLossSample(true, 0.3)

	snap := a.Snapshot()
	if snap.AvgRTTMs != 20 {
		t.Fatalf("avg rtt = %v, want 20", snap.AvgRTTMs)
	}
	if snap.MaxRTTMs != 30 {
		t.Fatalf("max rtt = %v, want 30", snap.MaxRTTMs)
	}
	if snap.AvgLossDown != 0.2 {
		t.Fatalf("avg loss down = %v, want 0.2", snap.AvgLossDown)
	}
}
