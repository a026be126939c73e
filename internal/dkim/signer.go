// Package dkim signs outbound messages before they are handed to a transport.
package dkim

import (
	"bytes"
	"crypto"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"os"
	"strings"

	msgauthdkim "github.com/emersion/go-msgauth/dkim"

	"postguard/internal/email"
)

// DefaultHeaderKeys are the header fields covered by the signature.
var DefaultHeaderKeys = []string{
	"from",
	"to",
	"subject",
	"date",
	"mime-version",
	"content-type",
	"message-id",
}

var (
	errNoSelector = errors.New("dkim: selector is required")
	errNoKey      = errors.New("dkim: private key is required")
)

// Options configures a Signer.
type Options struct {
	// Domain overrides the domain taken from the envelope sender.
	Domain     string
	Selector   string
	Key        crypto.Signer
	HeaderKeys []string
}

// Signer applies DKIM signatures to messages. A nil *Signer passes messages
// through unchanged.
type Signer struct {
	opts Options
}

// New validates opts and returns a Signer.
func New(opts Options) (*Signer, error) {
	opts.Selector = strings.TrimSpace(opts.Selector)
	opts.Domain = strings.ToLower(strings.TrimSpace(opts.Domain))
	if opts.Selector == "" {
		return nil, errNoSelector
	}
	if opts.Key == nil {
		return nil, errNoKey
	}
	if len(opts.HeaderKeys) == 0 {
		opts.HeaderKeys = DefaultHeaderKeys
	}
	return &Signer{opts: opts}, nil
}

// Selector returns the configured DKIM selector string.
func (s *Signer) Selector() string {
	if s == nil {
		return ""
	}
	return s.opts.Selector
}

// Domain returns the configured DKIM signing domain, if any.
func (s *Signer) Domain() string {
	if s == nil {
		return ""
	}
	return s.opts.Domain
}

// LoadFromEnv builds a Signer from SMTP_DKIM_SELECTOR, SMTP_DKIM_DOMAIN and
// either SMTP_DKIM_KEY_PATH or SMTP_DKIM_PRIVATE_KEY. It returns a nil Signer
// and no error when none of them are set.
func LoadFromEnv() (*Signer, error) {
	selector := strings.TrimSpace(os.Getenv("SMTP_DKIM_SELECTOR"))
	keyPath := strings.TrimSpace(os.Getenv("SMTP_DKIM_KEY_PATH"))
	inlineKey := os.Getenv("SMTP_DKIM_PRIVATE_KEY")
	domain := strings.TrimSpace(os.Getenv("SMTP_DKIM_DOMAIN"))

	if selector == "" && keyPath == "" && inlineKey == "" && domain == "" {
		return nil, nil
	}

	var pemData []byte
	switch {
	case inlineKey != "":
		pemData = []byte(inlineKey)
	case keyPath != "":
		data, err := os.ReadFile(keyPath)
		if err != nil {
			return nil, fmt.Errorf("dkim: read private key: %w", err)
		}
		pemData = data
	default:
		return nil, errNoKey
	}

	key, err := ParsePrivateKey(pemData)
	if err != nil {
		return nil, fmt.Errorf("dkim: parse private key: %w", err)
	}
	return New(Options{Domain: domain, Selector: selector, Key: key})
}

// Sign returns message with a DKIM-Signature header prepended. Messages that
// already carry a signature are returned untouched.
func (s *Signer) Sign(message []byte, from string) ([]byte, error) {
	if s == nil {
		return message, nil
	}
	if hasSignature(message) {
		return message, nil
	}

	domain := s.opts.Domain
	if domain == "" {
		d, err := email.Domain(from)
		if err != nil {
			return nil, fmt.Errorf("dkim: unable to determine signing domain: %w", err)
		}
		domain = d
	}

	opts := &msgauthdkim.SignOptions{
		Domain:                 domain,
		Selector:               s.opts.Selector,
		Signer:                 s.opts.Key,
		HeaderCanonicalization: msgauthdkim.CanonicalizationRelaxed,
		BodyCanonicalization:   msgauthdkim.CanonicalizationRelaxed,
		HeaderKeys:             s.opts.HeaderKeys,
	}

	var signed bytes.Buffer
	if err := msgauthdkim.Sign(&signed, bytes.NewReader(normalizeLineEndings(message)), opts); err != nil {
		return nil, fmt.Errorf("dkim: signing failed: %w", err)
	}
	return signed.Bytes(), nil
}

// ParsePrivateKey returns the first PKCS#1 or PKCS#8 private key in pemData.
func ParsePrivateKey(pemData []byte) (crypto.Signer, error) {
	for {
		block, rest := pem.Decode(pemData)
		if block == nil {
			break
		}
		switch block.Type {
		case "RSA PRIVATE KEY":
			key, err := x509.ParsePKCS1PrivateKey(block.Bytes)
			if err != nil {
				return nil, err
			}
			return key, nil
		case "PRIVATE KEY":
			key, err := x509.ParsePKCS8PrivateKey(block.Bytes)
			if err != nil {
				return nil, err
			}
			if signer, ok := key.(crypto.Signer); ok {
				return signer, nil
			}
			return nil, errors.New("unsupported private key type in PKCS#8 container")
		}
		pemData = rest
	}
	return nil, errors.New("no private key found in PEM data")
}

func hasSignature(message []byte) bool {
	headers := message
	if end := bytes.Index(message, []byte("\n\n")); end >= 0 {
		headers = message[:end]
	}
	if end := bytes.Index(headers, []byte("\r\n\r\n")); end >= 0 {
		headers = headers[:end]
	}
	upper := bytes.ToUpper(headers)
	return bytes.HasPrefix(upper, []byte("DKIM-SIGNATURE:")) || bytes.Contains(upper, []byte("\nDKIM-SIGNATURE:"))
}

func normalizeLineEndings(data []byte) []byte {
	if bytes.Contains(data, []byte("\r\n")) || !bytes.Contains(data, []byte("\n")) {
		return data
	}
	return bytes.ReplaceAll(data, []byte("\n"), []byte("\r\n"))
}
