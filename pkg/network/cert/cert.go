// Package cert issues and checks the self-signed Ed25519 certificates that
// bind a QUIC connection to a validator's network key.
package cert

import (
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/base32"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/eigerco/approval-voting/internal/crypto/ed25519"
)

// DNSNamePrefix is prepended to the encoded public key in the certificate's
// only DNS name.
const DNSNamePrefix = "v"

const dnsNameLength = 53

var ErrInvalidCertificate = errors.New("invalid certificate")

var base32Encoding = base32.NewEncoding("abcdefghijklmnopqrstuvwxyz234567").WithPadding(base32.NoPadding)

// EncodePubKeyToDNS encodes an Ed25519 public key into a DNS name.
func EncodePubKeyToDNS(pubKey ed25519.PublicKey) string {
	return DNSNamePrefix + base32Encoding.EncodeToString(pubKey)
}

// Generate creates a self-signed certificate for key, valid from now for
// the given period and usable on both ends of a connection.
func Generate(key ed25519.PrivateKey, validity time.Duration) (*tls.Certificate, error) {
	pub, ok := key.Public().(ed25519.PublicKey)
	if !ok {
		return nil, fmt.Errorf("%w: not an Ed25519 key", ErrInvalidCertificate)
	}
	dnsName := EncodePubKeyToDNS(pub)

	serialNumber, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return nil, fmt.Errorf("failed to generate serial number: %w", err)
	}

	now := time.Now()
	template := &x509.Certificate{
		SerialNumber: serialNumber,
		Subject:      pkix.Name{CommonName: dnsName},
		DNSNames:     []string{dnsName},
		NotBefore:    now,
		NotAfter:     now.Add(validity),
		KeyUsage:     x509.KeyUsageDigitalSignature,
		ExtKeyUsage: []x509.ExtKeyUsage{
			x509.ExtKeyUsageServerAuth,
			x509.ExtKeyUsageClientAuth,
		},
		SignatureAlgorithm:    x509.PureEd25519,
		PublicKeyAlgorithm:    x509.Ed25519,
		BasicConstraintsValid: true,
	}

	der, err := x509.CreateCertificate(rand.Reader, template, template, pub, key)
	if err != nil {
		return nil, fmt.Errorf("failed to create certificate: %w", err)
	}
	leaf, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, fmt.Errorf("failed to parse certificate: %w", err)
	}

	return &tls.Certificate{
		Certificate: [][]byte{der},
		PrivateKey:  key,
		Leaf:        leaf,
	}, nil
}

// Validate checks that c is a current Ed25519 certificate whose single DNS
// name encodes its own public key.
func Validate(c *x509.Certificate) error {
	if c.SignatureAlgorithm != x509.PureEd25519 {
		return fmt.Errorf("%w: signature algorithm is not Ed25519", ErrInvalidCertificate)
	}
	pub, err := PeerKey(c)
	if err != nil {
		return err
	}

	if len(c.DNSNames) != 1 {
		return fmt.Errorf("%w: want exactly one DNS name, got %d", ErrInvalidCertificate, len(c.DNSNames))
	}
	dnsName := c.DNSNames[0]
	if len(dnsName) != dnsNameLength || !strings.HasPrefix(dnsName, DNSNamePrefix) {
		return fmt.Errorf("%w: malformed DNS name %q", ErrInvalidCertificate, dnsName)
	}
	if dnsName != EncodePubKeyToDNS(pub) {
		return fmt.Errorf("%w: DNS name does not match public key", ErrInvalidCertificate)
	}

	now := time.Now()
	if now.Before(c.NotBefore) {
		return fmt.Errorf("%w: certificate is not yet valid", ErrInvalidCertificate)
	}
	if now.After(c.NotAfter) {
		return fmt.Errorf("%w: certificate has expired", ErrInvalidCertificate)
	}
	return nil
}

// PeerKey extracts the Ed25519 public key from c.
func PeerKey(c *x509.Certificate) (ed25519.PublicKey, error) {
	pub, ok := c.PublicKey.(ed25519.PublicKey)
	if !ok {
		return nil, fmt.Errorf("%w: public key is not Ed25519", ErrInvalidCertificate)
	}
	return pub, nil
}

// TLSConfig builds the TLS 1.3 configuration shared by the listening and
// dialing sides. Chain verification is replaced by Validate on the peer's
// leaf certificate.
func TLSConfig(c *tls.Certificate, protocols []string) *tls.Config {
	return &tls.Config{
		Certificates:       []tls.Certificate{*c},
		NextProtos:         protocols,
		ClientAuth:         tls.RequireAnyClientCert,
		MinVersion:         tls.VersionTLS13,
		InsecureSkipVerify: true,
		VerifyPeerCertificate: func(rawCerts [][]byte, _ [][]*x509.Certificate) error {
			if len(rawCerts) == 0 {
				return fmt.Errorf("%w: no peer certificate", ErrInvalidCertificate)
			}
			leaf, err := x509.ParseCertificate(rawCerts[0])
			if err != nil {
				return fmt.Errorf("%w: %v", ErrInvalidCertificate, err)
			}
			return Validate(leaf)
		},
	}
}
