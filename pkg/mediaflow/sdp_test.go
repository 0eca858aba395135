package mediaflow

import "testing"

func testParams() SessionParams {
	return SessionParams{
		Offerer:  true,
		ICEUfrag: "ufrag1", ICEPwd: "password12345678",
		Setup:       SetupActPass,
		Fingerprint: Fingerprint{Algo: FingerprintSHA256, Digest: "AA:BB:CC:DD"},
		Mid:         "audio",
		Codecs: []Codec{
			{PayloadType: 111, Name: "opus", ClockRate: 48000, Channels: 2, FmtpLine: "minptime=10"},
		},
		Candidates: []Candidate{
			{Foundation: "1", Component: 1, Proto: ProtoUDP, Priority: 2130706431,
				Address: "10.0.0.1", Port: 50000, Type: CandHost},
		},
	}
}

func TestGenerateOfferParseRemoteRoundTrip(t *testing.T) {
	offer, err := GenerateOffer(testParams())
	if err != nil {
		t.Fatal(err)
	}

	remote, err := ParseRemote(offer)
	if err != nil {
		t.Fatalf("ParseRemote: %v", err)
	}

	if remote.ICEUfrag != "ufrag1" || remote.ICEPwd != "password12345678" {
		t.Fatalf("ice credentials not round-tripped: %+v", remote)
	}
	if remote.Fingerprint.Digest != "AA:BB:CC:DD" {
		t.Fatalf("fingerprint not round-tripped: %+v", remote.Fingerprint)
	}
	if !remote.RTCPMux {
		t.Fatal("rtcp-mux must be present")
	}
	if len(remote.Candidates) != 1 || remote.Candidates[0].Address != "10.0.0.1" {
		t.Fatalf("candidate not round-tripped: %+v", remote.Candidates)
	}
}

func TestParseRemoteRejectsMissingRTCPMux(t *testing.T) {
	p := testParams()
	raw, err := GenerateOffer(p)
	if err != nil {
		t.Fatal(err)
	}
	// crude mutation: strip the rtcp-mux attribute line
	mutated := ""
	for _, line := range splitLines(raw) {
		if line == "a=rtcp-mux" {
			continue
		}
		mutated += line + "\r\n"
	}
	if _, err := ParseRemote(mutated); err == nil {
		t.Fatal("expected rejection of an SDP missing rtcp-mux")
	}
}

func splitLines(s string) []string {
	var lines []string
	start := 0
	for i := 0; i < len(s); i++ {
		if s[i] == '\n' {
			line := s[start:i]
			if len(line) > 0 && line[len(line)-1] == '\r' {
				line = line[:len(line)-1]
			}
			lines = append(lines, line)
			start = i + 1
		}
	}
	return lines
}

func TestParseRemoteRejectsMissingFingerprint(t *testing.T) {
	p := testParams()
	p.Fingerprint = Fingerprint{}
	raw, err := GenerateOffer(p)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := ParseRemote(raw); err == nil {
		t.Fatal("expected rejection of an SDP missing a fingerprint")
	}
}
