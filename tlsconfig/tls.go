// Package tlsconfig builds TLS settings for the inbound listener and for
// outbound SMTP STARTTLS.
package tlsconfig

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"errors"
	"fmt"
	"math/big"
	"os"
	"strings"
	"time"

	"postguard/internal/audit"
	"postguard/internal/config"
)

// ErrTLSDisabled is returned by LoadTLSConfig when SMTP_TLS_DISABLE=true.
var ErrTLSDisabled = errors.New("tls disabled")

// LoadTLSConfig returns the server TLS configuration. Certificates come from
// SMTP_TLS_CERT and SMTP_TLS_KEY; when those are unset an ephemeral
// self-signed certificate is generated for the configured hostname.
func LoadTLSConfig() (*tls.Config, error) {
	if config.Bool("SMTP_TLS_DISABLE", false) {
		return nil, ErrTLSDisabled
	}

	logger := audit.Logger("tls")
	certFile := strings.TrimSpace(os.Getenv("SMTP_TLS_CERT"))
	keyFile := strings.TrimSpace(os.Getenv("SMTP_TLS_KEY"))

	var (
		cert tls.Certificate
		err  error
	)
	if certFile != "" && keyFile != "" {
		cert, err = tls.LoadX509KeyPair(certFile, keyFile)
		if err != nil {
			return nil, fmt.Errorf("load key pair: %w", err)
		}
	} else {
		logger.Warn("SMTP_TLS_CERT or SMTP_TLS_KEY not set; using ephemeral certificate")
		cert, err = ephemeralCertificate(config.Hostname())
		if err != nil {
			return nil, fmt.Errorf("ephemeral certificate: %w", err)
		}
	}

	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		GetCertificate: func(*tls.ClientHelloInfo) (*tls.Certificate, error) {
			return &cert, nil
		},
		MinVersion: tls.VersionTLS12,
	}, nil
}

// ClientConfig returns the configuration used for outbound STARTTLS to
// serverName. SMTP_TLS_CA adds a PEM bundle of extra trusted roots.
func ClientConfig(serverName string) (*tls.Config, error) {
	conf := &tls.Config{
		ServerName: serverName,
		MinVersion: tls.VersionTLS12,
	}
	caFile := strings.TrimSpace(os.Getenv("SMTP_TLS_CA"))
	if caFile == "" {
		return conf, nil
	}

	data, err := os.ReadFile(caFile)
	if err != nil {
		return nil, fmt.Errorf("read SMTP_TLS_CA: %w", err)
	}
	pool, err := x509.SystemCertPool()
	if err != nil || pool == nil {
		pool = x509.NewCertPool()
	}
	if !pool.AppendCertsFromPEM(data) {
		return nil, fmt.Errorf("SMTP_TLS_CA %s: no certificates found", caFile)
	}
	conf.RootCAs = pool
	return conf, nil
}

func ephemeralCertificate(host string) (tls.Certificate, error) {
	priv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return tls.Certificate{}, err
	}
	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 62))
	if err != nil {
		return tls.Certificate{}, err
	}

	now := time.Now()
	template := &x509.Certificate{
		SerialNumber:          serial,
		Subject:               pkix.Name{CommonName: host},
		DNSNames:              []string{host},
		NotBefore:             now.Add(-time.Hour),
		NotAfter:              now.Add(365 * 24 * time.Hour),
		KeyUsage:              x509.KeyUsageDigitalSignature,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
	}
	der, err := x509.CreateCertificate(rand.Reader, template, template, &priv.PublicKey, priv)
	if err != nil {
		return tls.Certificate{}, err
	}
	return tls.Certificate{Certificate: [][]byte{der}, PrivateKey: priv}, nil
}
