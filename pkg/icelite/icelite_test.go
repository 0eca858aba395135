package icelite

import (
	"net"
	"testing"

	"github.com/pion/stun/v3"
)

type fakeSocket struct {
	written []byte
	to      net.Addr
}

func (f *fakeSocket) ReadFrom(p []byte) (int, net.Addr, error) { return 0, nil, nil }

func (f *fakeSocket) WriteTo(p []byte, addr net.Addr) (int, error) {
	f.written = append([]byte(nil), p...)
	f.to = addr
	return len(p), nil
}

type fakeHandler struct {
	latched []net.Addr
}

func (h *fakeHandler) PeerLatched(r *Responder, addr net.Addr) { h.latched = append(h.latched, addr) }
func (h *fakeHandler) PeerLost(r *Responder, addr net.Addr)    {}

// useCandidateFlag is a minimal Setter for the zero-length
// USE-CANDIDATE attribute (RFC 8445 §16.1), which pion/stun carries
// the type constant for but has no dedicated attribute struct for
// since it is an ICE extension rather than a base RFC 5389 one.
type useCandidateFlag struct{}

func (useCandidateFlag) AddTo(m *stun.Message) error {
	m.Add(stun.AttrUseCandidate, nil)
	return nil
}

func buildBindingRequest(t *testing.T, ufrag, pwd string, useCandidate bool) *stun.Message {
	t.Helper()
	setters := []stun.Setter{
		stun.TransactionID,
		stun.BindingRequest,
		stun.NewUsername(ufrag + ":remote"),
	}
	if useCandidate {
		setters = append(setters, useCandidateFlag{})
	}
	setters = append(setters, stun.NewShortTermIntegrity(pwd), stun.Fingerprint)

	msg, err := stun.Build(setters...)
	if err != nil {
		t.Fatalf("stun.Build: %v", err)
	}
	return msg
}

func TestHandleSTUNAuthenticatesAndLatchesPeer(t *testing.T) {
	sock := &fakeSocket{}
	handler := &fakeHandler{}
	r := New(sock, "ufragLocal", "password1234", DefaultConf, handler, nil)

	req := buildBindingRequest(t, "ufragLocal", "password1234", false)
	from := &net.UDPAddr{IP: net.ParseIP("203.0.113.5"), Port: 40000}

	if err := r.HandleSTUN(req.Raw, from); err != nil {
		t.Fatalf("HandleSTUN: %v", err)
	}

	if len(handler.latched) != 1 || handler.latched[0].String() != from.String() {
		t.Fatalf("peer not latched: %+v", handler.latched)
	}

	resp := &stun.Message{Raw: sock.written}
	if err := resp.Decode(); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.Type != stun.BindingSuccess {
		t.Fatalf("expected BindingSuccess, got %v", resp.Type)
	}
}

func TestHandleSTUNRejectsBadIntegrity(t *testing.T) {
	sock := &fakeSocket{}
	handler := &fakeHandler{}
	r := New(sock, "ufragLocal", "password1234", DefaultConf, handler, nil)

	req := buildBindingRequest(t, "ufragLocal", "wrongpassword", false)
	from := &net.UDPAddr{IP: net.ParseIP("203.0.113.5"), Port: 40000}

	if err := r.HandleSTUN(req.Raw, from); err == nil {
		t.Fatal("expected integrity check to fail")
	}
	if len(handler.latched) != 0 {
		t.Fatal("peer must not latch on failed integrity")
	}
}

func TestHandleSTUNRequiresUseCandidateWhenConfigured(t *testing.T) {
	sock := &fakeSocket{}
	handler := &fakeHandler{}
	r := New(sock, "ufragLocal", "password1234", Conf{RequireUseCandidate: true}, handler, nil)

	req := buildBindingRequest(t, "ufragLocal", "password1234", false)
	from := &net.UDPAddr{IP: net.ParseIP("203.0.113.5"), Port: 40000}

	if err := r.HandleSTUN(req.Raw, from); err != nil {
		t.Fatalf("HandleSTUN: %v", err)
	}
	if len(handler.latched) != 0 {
		t.Fatal("must not latch without USE-CANDIDATE when required")
	}

	req2 := buildBindingRequest(t, "ufragLocal", "password1234", true)
	if err := r.HandleSTUN(req2.Raw, from); err != nil {
		t.Fatalf("HandleSTUN: %v", err)
	}
	if len(handler.latched) != 1 {
		t.Fatal("must latch once USE-CANDIDATE is present")
	}
}
