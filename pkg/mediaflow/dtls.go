package mediaflow

import (
	"crypto/x509"
	"fmt"
	"strings"

	"github.com/pion/dtls/v3"

	"github.com/wirecall/callcore/pkg/callerr"
)

// Fingerprint is a parsed `a=fingerprint` attribute value.
type Fingerprint struct {
	Algo   FingerprintAlgo
	Digest string // colon-separated hex, as it appears on the wire
}

// String renders the attribute value (without the `fingerprint:`
// prefix), e.g. "sha-256 AA:BB:...".
func (f Fingerprint) String() string {
	return fmt.Sprintf("%s %s", f.Algo, f.Digest)
}

// ParseFingerprintAttr parses an `a=fingerprint` attribute value of
// the form "<algo> <hex:digest>". SHA-1 and SHA-256 are the only
// algorithms this system understands; anything else is a Protocol
// error.
func ParseFingerprintAttr(attr string) (Fingerprint, error) {
	parts := strings.Fields(attr)
	if len(parts) != 2 {
		return Fingerprint{}, callerr.New(callerr.KindProtocol, "mediaflow.ParseFingerprintAttr")
	}

	algo := FingerprintAlgo(strings.ToLower(parts[0]))
	switch algo {
	case FingerprintSHA1, FingerprintSHA256:
	default:
		return Fingerprint{}, callerr.New(callerr.KindProtocol, "mediaflow.ParseFingerprintAttr")
	}

	return Fingerprint{Algo: algo, Digest: strings.ToUpper(parts[1])}, nil
}

// LocalFingerprint always computes the SHA-256 fingerprint of cert:
// SHA-1 is only ever accepted on receive, per the component design.
func LocalFingerprint(cert *x509.Certificate) (Fingerprint, error) {
	digest, err := dtls.Fingerprint(cert, dtls.HashAlgorithmSHA256)
	if err != nil {
		return Fingerprint{}, callerr.Wrap(callerr.KindInvalidArg, "mediaflow.LocalFingerprint", err)
	}
	return Fingerprint{Algo: FingerprintSHA256, Digest: strings.ToUpper(digest)}, nil
}

// VerifyFingerprint reports whether remote's decoded fingerprint
// byte-matches peerCert's digest under remote's own algorithm. A
// mismatch (or an unparseable certificate) must close the Mediaflow
// with Authentication before any RTP is accepted (§4.7, §8 scenario 4).
func VerifyFingerprint(remote Fingerprint, peerCert *x509.Certificate) error {
	algo := dtls.HashAlgorithmSHA256
	if remote.Algo == FingerprintSHA1 {
		algo = dtls.HashAlgorithmSHA1
	}

	digest, err := dtls.Fingerprint(peerCert, algo)
	if err != nil {
		return callerr.Wrap(callerr.KindAuthentication, "mediaflow.VerifyFingerprint", err)
	}

	if !strings.EqualFold(digest, remote.Digest) {
		return callerr.New(callerr.KindAuthentication, "mediaflow.VerifyFingerprint")
	}
	return nil
}

// DeriveSetup decides our local `a=setup` attribute and DTLS role
// from the remote's. An offer always carries actpass locally; on
// answer (or once we've seen the remote's attribute) we resolve to a
// concrete role: remote active => we are passive, and vice versa.
// actpass on both sides (malformed/ambiguous) resolves to us being
// active, matching the reference implementation's fallback.
func DeriveSetup(remote DTLSSetup) DTLSSetup {
	switch remote {
	case SetupActive:
		return SetupPassive
	case SetupPassive:
		return SetupActive
	default:
		return SetupActive
	}
}

// ParseSetupAttr parses an SDP `a=setup` value.
func ParseSetupAttr(v string) DTLSSetup {
	switch strings.ToLower(v) {
	case "active":
		return SetupActive
	case "passive":
		return SetupPassive
	default:
		return SetupActPass
	}
}

// SRTPKeys is the TX/RX key+salt material split out of the DTLS
// keying material export, per RFC 5764 §4.2.
type SRTPKeys struct {
	TXKey, TXSalt []byte
	RXKey, RXSalt []byte
}

// SplitSRTPKeys splits the exported keying material into TX/RX
// halves. The layout on the wire is always
// [client_key][server_key][client_salt][server_salt]; which half is
// "ours" to transmit with depends on the negotiated DTLS role: the
// active side used the client key to transmit (it ran the DTLS
// client), the passive side used the server key.
func SplitSRTPKeys(material []byte, keyLen, saltLen int, weAreActive bool) (SRTPKeys, error) {
	want := 2*keyLen + 2*saltLen
	if len(material) < want {
		return SRTPKeys{}, callerr.New(callerr.KindProtocol, "mediaflow.SplitSRTPKeys")
	}

	clientKey := material[:keyLen]
	serverKey := material[keyLen : 2*keyLen]
	clientSalt := material[2*keyLen : 2*keyLen+saltLen]
	serverSalt := material[2*keyLen+saltLen : 2*keyLen+2*saltLen]

	if weAreActive {
		return SRTPKeys{
			TXKey: clientKey, TXSalt: clientSalt,
			RXKey: serverKey, RXSalt: serverSalt,
		}, nil
	}
	return SRTPKeys{
		TXKey: serverKey, TXSalt: serverSalt,
		RXKey: clientKey, RXSalt: clientSalt,
	}, nil
}
