package main

import (
	"context"
	"net"
	"strings"
	"time"

	"postguard/internal/config"
	"postguard/internal/email"
)

const maxCommandSummary = 120

var lookupAddr = net.DefaultResolver.LookupAddr

// connAllowed applies SMTP_ALLOW_NETWORKS and SMTP_ALLOW_HOSTS. With neither
// set only loopback clients may relay.
func connAllowed(addr net.Addr) bool {
	ip := remoteIP(addr)
	if ip == nil {
		return false
	}
	networks := config.AllowedNetworks()
	hosts := config.AllowedHosts()
	if len(networks) == 0 && len(hosts) == 0 {
		return ip.IsLoopback()
	}
	for _, network := range networks {
		if network.Contains(ip) {
			return true
		}
	}
	if len(hosts) == 0 {
		return false
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	names, err := lookupAddr(ctx, ip.String())
	if err != nil {
		return false
	}
	for _, name := range names {
		name = strings.ToLower(strings.TrimSuffix(name, "."))
		for _, host := range hosts {
			if name == host {
				return true
			}
		}
	}
	return false
}

func remoteIP(addr net.Addr) net.IP {
	switch a := addr.(type) {
	case *net.TCPAddr:
		return a.IP
	case nil:
		return nil
	default:
		host, _, err := net.SplitHostPort(addr.String())
		if err != nil {
			return nil
		}
		return net.ParseIP(host)
	}
}

// senderAllowed enforces SMTP_REQUIRE_LOCAL_DOMAIN against SMTP_LOCAL_DOMAINS.
func senderAllowed(from string) bool {
	if !config.RequireSenderDomain() {
		return true
	}
	local := config.LocalDomains()
	if len(local) == 0 {
		return true
	}
	domain, err := email.Domain(from)
	if err != nil {
		return false
	}
	for _, d := range local {
		if d == domain {
			return true
		}
	}
	return false
}

// overridePort replaces the port of addr, or appends one when addr has none.
func overridePort(addr, port string) string {
	port = strings.TrimPrefix(port, ":")
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		host = addr
	}
	return net.JoinHostPort(host, port)
}

// summarizeCommand trims a command line for audit logging.
func summarizeCommand(line string) string {
	line = strings.TrimSpace(line)
	if len(line) > maxCommandSummary {
		return line[:maxCommandSummary-3] + "..."
	}
	return line
}
