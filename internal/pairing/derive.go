package pairing

import (
	"crypto/ecdsa"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"

	"github.com/cribcall/monitor-server-go/internal/protocol"
)

// protocolInfo is the HKDF info string; bumping it invalidates pairing
// compatibility with older builds.
const protocolInfo = "cribcall-pairing-v1"

const (
	derivedBytes    = 32
	codeBytes       = 3
	pairingKeyBytes = derivedBytes - codeBytes
)

// Derived is the output of the numeric-comparison key derivation: a 6-digit
// comparison code both sides display, and a 29-byte pairing key that never
// crosses the wire.
type Derived struct {
	ComparisonCode string
	PairingKey     []byte
}

// Derive computes the ECDH shared secret between the local identity private
// key and the peer's identity public key, expands it with HKDF-SHA256, and
// splits the result into comparison code and pairing key. ECDH symmetry
// guarantees both sides derive identical values.
func Derive(local *ecdsa.PrivateKey, peer *ecdsa.PublicKey) (*Derived, error) {
	ecdhPriv, err := local.ECDH()
	if err != nil {
		return nil, fmt.Errorf("convert identity key for ECDH: %w", err)
	}
	ecdhPub, err := peer.ECDH()
	if err != nil {
		return nil, fmt.Errorf("convert peer key for ECDH: %w", err)
	}

	secret, err := ecdhPriv.ECDH(ecdhPub)
	if err != nil {
		return nil, fmt.Errorf("compute shared secret: %w", err)
	}

	kdf := hkdf.New(sha256.New, secret, nil, []byte(protocolInfo))
	out := make([]byte, derivedBytes)
	if _, err := io.ReadFull(kdf, out); err != nil {
		return nil, fmt.Errorf("expand pairing secret: %w", err)
	}

	// first 3 bytes as a 24-bit big-endian integer, mod 1e6, zero-padded
	n := binary.BigEndian.Uint32([]byte{0, out[0], out[1], out[2]})
	code := fmt.Sprintf("%06d", n%1_000_000)

	return &Derived{
		ComparisonCode: code,
		PairingKey:     out[codeBytes:],
	}, nil
}

// Transcript binds the pairing confirmation to the session and both
// certificate fingerprints. Both sides canonicalize it independently before
// computing the HMAC.
type Transcript struct {
	SessionID             string `json:"sessionId"`
	RemoteDeviceID        string `json:"remoteDeviceId"`
	RemoteCertFingerprint string `json:"remoteCertFingerprint"`
	HostCertFingerprint   string `json:"hostCertFingerprint"`
}

// AuthTag computes HMAC-SHA256 over the canonical JSON transcript with the
// pairing key.
func AuthTag(pairingKey []byte, tr Transcript) ([]byte, error) {
	canon, err := protocol.Canonicalize(tr)
	if err != nil {
		return nil, fmt.Errorf("canonicalize transcript: %w", err)
	}
	mac := hmac.New(sha256.New, pairingKey)
	mac.Write(canon)
	return mac.Sum(nil), nil
}

// VerifyAuthTag recomputes the expected tag and compares in constant time.
func VerifyAuthTag(pairingKey []byte, tr Transcript, tag []byte) (bool, error) {
	expected, err := AuthTag(pairingKey, tr)
	if err != nil {
		return false, err
	}
	return hmac.Equal(expected, tag), nil
}
