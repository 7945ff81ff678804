package identity

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/hex"
	"fmt"
	"math/big"
	"time"
)

// Curve is the named curve used for identity keys. Both sides of a pairing
// must use the same curve so the ECDH shared secret agrees.
var Curve = elliptic.P256()

const certValidity = 10 * 365 * 24 * time.Hour

// Identity is the local device's keypair and self-signed certificate.
// Immutable once created; the fingerprint is the SHA-256 of the DER
// certificate and is the sole basis for trust decisions.
type Identity struct {
	DeviceID       string
	DeviceName     string
	PrivateKey     *ecdsa.PrivateKey
	CertificateDER []byte
	Fingerprint    string
}

// Generate creates a fresh identity with a self-signed certificate.
func Generate(deviceID, deviceName string) (*Identity, error) {
	key, err := ecdsa.GenerateKey(Curve, rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate identity key: %w", err)
	}

	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return nil, fmt.Errorf("generate certificate serial: %w", err)
	}

	now := time.Now()
	template := x509.Certificate{
		SerialNumber: serial,
		Subject: pkix.Name{
			CommonName:   deviceID,
			Organization: []string{"cribcall"},
		},
		NotBefore:             now.Add(-time.Hour),
		NotAfter:              now.Add(certValidity),
		KeyUsage:              x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth, x509.ExtKeyUsageClientAuth},
		BasicConstraintsValid: true,
		DNSNames:              []string{deviceID},
	}

	der, err := x509.CreateCertificate(rand.Reader, &template, &template, &key.PublicKey, key)
	if err != nil {
		return nil, fmt.Errorf("create identity certificate: %w", err)
	}

	return &Identity{
		DeviceID:       deviceID,
		DeviceName:     deviceName,
		PrivateKey:     key,
		CertificateDER: der,
		Fingerprint:    FingerprintDER(der),
	}, nil
}

// FingerprintDER returns the lowercase hex SHA-256 of a DER certificate.
func FingerprintDER(der []byte) string {
	sum := sha256.Sum256(der)
	return hex.EncodeToString(sum[:])
}

// PublicKey returns the identity's ECDSA public key.
func (id *Identity) PublicKey() *ecdsa.PublicKey {
	return &id.PrivateKey.PublicKey
}

// PublicKeyDER returns the PKIX DER encoding of the identity public key,
// the form exchanged during pairing.
func (id *Identity) PublicKeyDER() ([]byte, error) {
	der, err := x509.MarshalPKIXPublicKey(&id.PrivateKey.PublicKey)
	if err != nil {
		return nil, fmt.Errorf("marshal identity public key: %w", err)
	}
	return der, nil
}

// TLSCertificate returns the identity as a tls.Certificate for use by the
// transport backends.
func (id *Identity) TLSCertificate() tls.Certificate {
	return tls.Certificate{
		Certificate: [][]byte{id.CertificateDER},
		PrivateKey:  id.PrivateKey,
	}
}

// ParsePublicKeyDER parses a PKIX DER public key and checks it is an ECDSA
// key on the identity curve.
func ParsePublicKeyDER(der []byte) (*ecdsa.PublicKey, error) {
	pub, err := x509.ParsePKIXPublicKey(der)
	if err != nil {
		return nil, fmt.Errorf("parse peer public key: %w", err)
	}
	ecPub, ok := pub.(*ecdsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("peer public key is %T, want ECDSA", pub)
	}
	if ecPub.Curve != Curve {
		return nil, fmt.Errorf("peer public key uses curve %s, want %s", ecPub.Curve.Params().Name, Curve.Params().Name)
	}
	return ecPub, nil
}
