package config

import (
	"net"
	"os"
	"strings"
)

const (
	defaultListenAddr      = ":2525"
	defaultMaxMessageBytes = 10 << 20
	defaultMaxRecipients   = 100
)

// AllowedNetworks returns CIDR blocks from SMTP_ALLOW_NETWORKS. Bare IPs are
// treated as single-host networks.
func AllowedNetworks() []*net.IPNet {
	var result []*net.IPNet
	for _, part := range splitList(os.Getenv("SMTP_ALLOW_NETWORKS")) {
		if !strings.Contains(part, "/") {
			if ip := net.ParseIP(part); ip != nil {
				bits := len(ip) * 8
				if v4 := ip.To4(); v4 != nil {
					ip, bits = v4, 32
				}
				result = append(result, &net.IPNet{IP: ip, Mask: net.CIDRMask(bits, bits)})
			}
			continue
		}
		if _, network, err := net.ParseCIDR(part); err == nil {
			result = append(result, network)
		}
	}
	return result
}

// AllowedHosts returns exact hostnames from SMTP_ALLOW_HOSTS.
func AllowedHosts() []string {
	return lowerList(os.Getenv("SMTP_ALLOW_HOSTS"))
}

// LocalDomains returns the sender domains accepted for relay, from
// SMTP_LOCAL_DOMAINS.
func LocalDomains() []string {
	return lowerList(os.Getenv("SMTP_LOCAL_DOMAINS"))
}

// RequireSenderDomain reports whether SMTP_REQUIRE_LOCAL_DOMAIN is enabled.
func RequireSenderDomain() bool {
	return Bool("SMTP_REQUIRE_LOCAL_DOMAIN", true)
}

// ListenAddr is the SMTP intake address, SMTP_LISTEN_ADDR.
func ListenAddr() string {
	return String("SMTP_LISTEN_ADDR", defaultListenAddr)
}

// MaxMessageBytes limits the DATA section of a single message.
func MaxMessageBytes() int64 {
	return int64(Int("SMTP_MAX_MESSAGE_BYTES", defaultMaxMessageBytes))
}

// MaxRecipients limits RCPT commands per transaction.
func MaxRecipients() int {
	return Int("SMTP_MAX_RECIPIENTS", defaultMaxRecipients)
}

func splitList(value string) []string {
	var out []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func lowerList(value string) []string {
	parts := splitList(value)
	for i := range parts {
		parts[i] = strings.ToLower(parts[i])
	}
	return parts
}
