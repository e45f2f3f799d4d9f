// Package tlsconf secures the daemon's TCP listener with a key derived from
// the shared token, so no certificates need distributing.
//
// Server and client derive the same ECDSA P-256 key from the token. The
// server wraps it in a throwaway self-signed certificate; the client ignores
// the chain and accepts the server only if its public key equals the one it
// derived itself. A client holding the wrong token fails the handshake before
// any RPC is sent.
//
//	HKDF-SHA256(ikm=token, salt="shotpipe-tls-v1", info="p256-scalar") → 40 bytes
//	→ reduced into [1, N-1] → P-256 private scalar
package tlsconf

import (
	"bytes"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"errors"
	"fmt"
	"io"
	"math/big"
	"time"

	"golang.org/x/crypto/hkdf"
	"google.golang.org/grpc/credentials"
)

// ServerName is the name the self-signed certificate is issued to.
const ServerName = "shotpipe"

// ErrKeyMismatch means the server proved a key derived from a different token.
var ErrKeyMismatch = errors.New("tlsconf: server key does not match token")

// Server returns a listener config presenting the key derived from token.
// ALPN offers h2 and http/1.1 so gRPC and the HTTP gateway share the port.
func Server(token string) (*tls.Config, error) {
	key, err := deriveKey(token)
	if err != nil {
		return nil, err
	}
	der, err := selfSigned(key)
	if err != nil {
		return nil, fmt.Errorf("tlsconf: certificate: %w", err)
	}
	return &tls.Config{
		Certificates: []tls.Certificate{{Certificate: [][]byte{der}, PrivateKey: key}},
		NextProtos:   []string{"h2", "http/1.1"},
		MinVersion:   tls.VersionTLS13,
	}, nil
}

// Client returns a dial config that only accepts a server proving the key
// derived from token.
func Client(token string) (*tls.Config, error) {
	key, err := deriveKey(token)
	if err != nil {
		return nil, err
	}
	want, err := x509.MarshalPKIXPublicKey(&key.PublicKey)
	if err != nil {
		return nil, fmt.Errorf("tlsconf: %w", err)
	}
	return &tls.Config{
		// The chain is self-signed; VerifyPeerCertificate pins the key instead.
		InsecureSkipVerify: true, //nolint:gosec
		ServerName:         ServerName,
		MinVersion:         tls.VersionTLS13,
		VerifyPeerCertificate: func(rawCerts [][]byte, _ [][]*x509.Certificate) error {
			if len(rawCerts) == 0 {
				return errors.New("tlsconf: server sent no certificate")
			}
			cert, err := x509.ParseCertificate(rawCerts[0])
			if err != nil {
				return fmt.Errorf("tlsconf: parse server certificate: %w", err)
			}
			got, err := x509.MarshalPKIXPublicKey(cert.PublicKey)
			if err != nil {
				return fmt.Errorf("tlsconf: %w", err)
			}
			if !bytes.Equal(got, want) {
				return ErrKeyMismatch
			}
			return nil
		},
	}, nil
}

// ClientCredentials wraps Client for grpc.WithTransportCredentials.
func ClientCredentials(token string) (credentials.TransportCredentials, error) {
	cfg, err := Client(token)
	if err != nil {
		return nil, err
	}
	return credentials.NewTLS(cfg), nil
}

func deriveKey(token string) (*ecdsa.PrivateKey, error) {
	if token == "" {
		return nil, errors.New("tlsconf: empty token")
	}
	// 8 bytes over the scalar size keeps the modular bias negligible.
	buf := make([]byte, 40)
	r := hkdf.New(sha256.New, []byte(token), []byte("shotpipe-tls-v1"), []byte("p256-scalar"))
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, fmt.Errorf("tlsconf: hkdf: %w", err)
	}

	n := elliptic.P256().Params().N
	k := new(big.Int).SetBytes(buf)
	k.Mod(k, new(big.Int).Sub(n, big.NewInt(1)))
	k.Add(k, big.NewInt(1))

	key, err := ecdsa.ParseRawPrivateKey(elliptic.P256(), k.FillBytes(make([]byte, 32)))
	if err != nil {
		return nil, fmt.Errorf("tlsconf: derive key: %w", err)
	}
	return key, nil
}

// selfSigned issues a fresh certificate for key. Only the key is checked by
// clients, so serial and validity are arbitrary.
func selfSigned(key *ecdsa.PrivateKey) ([]byte, error) {
	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return nil, err
	}
	now := time.Now()
	tmpl := &x509.Certificate{
		SerialNumber:          serial,
		Subject:               pkix.Name{CommonName: ServerName},
		DNSNames:              []string{ServerName},
		NotBefore:             now.Add(-time.Hour),
		NotAfter:              now.AddDate(10, 0, 0),
		KeyUsage:              x509.KeyUsageDigitalSignature,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
	}
	return x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
}
