// Package email parses and inspects envelope addresses.
package email

import (
	"errors"
	"fmt"
	"net/mail"
	"sort"
	"strings"
)

var (
	// ErrInvalidCommand indicates the SMTP command lacks an address portion.
	ErrInvalidCommand = errors.New("invalid SMTP command")
	// ErrInvalidAddress indicates the address failed validation.
	ErrInvalidAddress = errors.New("invalid email address")
)

// ParseCommandAddress extracts and normalises the address portion from a SMTP command line.
// It accepts commands such as "MAIL FROM:<user@example.com>" and "RCPT TO:<user@example.com>".
// ESMTP parameters after the closing bracket, such as SIZE=1024, are ignored.
func ParseCommandAddress(line string) (string, error) {
	if strings.ContainsAny(line, "\r\n") {
		return "", fmt.Errorf("%w: unexpected newline", ErrInvalidCommand)
	}

	_, arg, ok := strings.Cut(line, ":")
	if !ok {
		return "", fmt.Errorf("%w: missing ':' separator", ErrInvalidCommand)
	}

	addr := strings.TrimSpace(arg)
	if strings.HasPrefix(addr, "<") {
		if end := strings.Index(addr, ">"); end > 0 {
			addr = addr[1:end]
		}
	} else if sp := strings.IndexByte(addr, ' '); sp > 0 {
		addr = addr[:sp]
	}
	addr = strings.Trim(addr, "<>")
	if addr == "" {
		return "", fmt.Errorf("%w: empty address", ErrInvalidAddress)
	}

	parsed, err := mail.ParseAddress(addr)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidAddress, err)
	}

	return strings.ToLower(parsed.Address), nil
}

// Domain returns the lower-cased domain component of an email address.
func Domain(address string) (string, error) {
	address = strings.Trim(strings.TrimSpace(address), "<>")
	at := strings.LastIndex(address, "@")
	if at == -1 || at == len(address)-1 {
		return "", fmt.Errorf("%w: missing domain", ErrInvalidAddress)
	}

	domain := address[at+1:]
	domain = strings.TrimSuffix(domain, ".")
	domain = strings.TrimSpace(domain)
	if domain == "" {
		return "", fmt.Errorf("%w: empty domain", ErrInvalidAddress)
	}
	if strings.ContainsAny(domain, " \t") {
		return "", fmt.Errorf("%w: whitespace in domain", ErrInvalidAddress)
	}

	return strings.ToLower(domain), nil
}

// GroupByDomain buckets recipients by domain so each destination is contacted
// once. Domains are returned sorted. Addresses without a valid domain are
// reported in invalid.
func GroupByDomain(recipients []string) (domains []string, byDomain map[string][]string, invalid []string) {
	byDomain = make(map[string][]string)
	for _, rcpt := range recipients {
		domain, err := Domain(rcpt)
		if err != nil {
			invalid = append(invalid, rcpt)
			continue
		}
		if _, seen := byDomain[domain]; !seen {
			domains = append(domains, domain)
		}
		byDomain[domain] = append(byDomain[domain], rcpt)
	}
	sort.Strings(domains)
	return domains, byDomain, invalid
}
