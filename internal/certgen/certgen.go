// Package certgen generates the short-lived, self-signed TLS credential
// a seeder presents over its QUIC listener. No third-party
// certificate-generation library appears anywhere in the retrieved
// pack, so this one ambient concern is built on crypto/tls and
// crypto/x509 directly rather than against an ecosystem library.
package certgen

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"fmt"
	"math/big"
	"net"
	"time"
)

// Credential is a ready-to-use TLS certificate plus the PEM-encoded
// certificate bytes suitable for handoff over the introducer's
// get_cert/send_cert rendezvous.
type Credential struct {
	TLSCert tls.Certificate
	CertPEM []byte
}

// Generate builds a self-signed ECDSA certificate valid for the given
// public IP, usable as both the seeder's own TLS credential and the
// bytes sent to the leecher for verification.
func Generate(publicIP string) (*Credential, error) {
	priv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("certgen: generate key: %w", err)
	}

	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return nil, fmt.Errorf("certgen: generate serial: %w", err)
	}

	template := x509.Certificate{
		SerialNumber: serial,
		Subject:      pkix.Name{CommonName: publicIP},
		NotBefore:    time.Now().Add(-time.Minute),
		NotAfter:     time.Now().Add(24 * time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature | x509.KeyUsageCertSign,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		IsCA:         true,
		BasicConstraintsValid: true,
	}

	if ip := net.ParseIP(publicIP); ip != nil {
		template.IPAddresses = []net.IP{ip}
	} else {
		template.DNSNames = []string{publicIP}
	}

	derBytes, err := x509.CreateCertificate(rand.Reader, &template, &template, &priv.PublicKey, priv)
	if err != nil {
		return nil, fmt.Errorf("certgen: create certificate: %w", err)
	}

	certPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: derBytes})
	keyBytes, err := x509.MarshalECPrivateKey(priv)
	if err != nil {
		return nil, fmt.Errorf("certgen: marshal key: %w", err)
	}
	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: keyBytes})

	tlsCert, err := tls.X509KeyPair(certPEM, keyPEM)
	if err != nil {
		return nil, fmt.Errorf("certgen: load key pair: %w", err)
	}

	return &Credential{TLSCert: tlsCert, CertPEM: certPEM}, nil
}

// TrustedConfig builds a TLS client config that only trusts the exact
// certificate bytes handed over by the introducer, never a system root
// store — the seeder's credential is self-signed and per-attempt.
func TrustedConfig(certPEM []byte, alpn string) (*tls.Config, error) {
	block, _ := pem.Decode(certPEM)
	if block == nil {
		return nil, fmt.Errorf("certgen: no PEM block in certificate bytes")
	}
	cert, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("certgen: parse certificate: %w", err)
	}

	pool := x509.NewCertPool()
	pool.AddCert(cert)

	return &tls.Config{
		RootCAs:    pool,
		NextProtos: []string{alpn},
	}, nil
}
