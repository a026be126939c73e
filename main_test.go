package main

import (
	"context"
	"errors"
	"net"
	"strings"
	"testing"
)

func TestOverridePort(t *testing.T) {
	tests := []struct {
		addr     string
		port     string
		expected string
	}{
		{":8080", "9090", ":9090"},
		{"127.0.0.1:8080", "9090", "127.0.0.1:9090"},
		{"0.0.0.0:8080", ":9090", "0.0.0.0:9090"},
		{"localhost", "9090", "localhost:9090"},
		{"[::1]:8080", "9090", "[::1]:9090"},
	}

	for _, tt := range tests {
		if got := overridePort(tt.addr, tt.port); got != tt.expected {
			t.Fatalf("overridePort(%q, %q) = %q, want %q", tt.addr, tt.port, got, tt.expected)
		}
	}
}

func TestSummarizeCommand(t *testing.T) {
	long := strings.Repeat("A", 200)
	if got := summarizeCommand("  " + long + "  "); len(got) != 120 || !strings.HasSuffix(got, "...") {
		t.Fatalf("expected truncated summary, got %q (len=%d)", got, len(got))
	}
	if got := summarizeCommand("NOOP"); got != "NOOP" {
		t.Fatalf("expected NOOP, got %q", got)
	}
}

func stubLookupAddr(t *testing.T, names map[string][]string) {
	t.Helper()
	original := lookupAddr
	t.Cleanup(func() { lookupAddr = original })
	lookupAddr = func(_ context.Context, addr string) ([]string, error) {
		if n, ok := names[addr]; ok {
			return n, nil
		}
		return nil, errors.New("no PTR record")
	}
}

func TestConnAllowed(t *testing.T) {
	stubLookupAddr(t, map[string][]string{"198.51.100.4": {"relay.example.com."}})

	t.Setenv("SMTP_ALLOW_HOSTS", "example.com")
	t.Setenv("SMTP_ALLOW_NETWORKS", "")
	allowed := connAllowed(&net.TCPAddr{IP: net.ParseIP("203.0.113.10"), Port: 25, Zone: ""})
	if allowed {
		t.Fatalf("expected connection to be blocked without matching host")
	}
	t.Setenv("SMTP_ALLOW_NETWORKS", "203.0.113.0/24")
	if !connAllowed(&net.TCPAddr{IP: net.ParseIP("203.0.113.10")}) {
		t.Fatalf("expected connection within network to be allowed")
	}

	t.Setenv("SMTP_ALLOW_HOSTS", "relay.example.com")
	if !connAllowed(&net.TCPAddr{IP: net.ParseIP("198.51.100.4")}) {
		t.Fatalf("expected connection from allowed host to be allowed")
	}
}

func TestConnAllowedDefaultsToLoopback(t *testing.T) {
	t.Setenv("SMTP_ALLOW_HOSTS", "")
	t.Setenv("SMTP_ALLOW_NETWORKS", "")

	if !connAllowed(&net.TCPAddr{IP: net.ParseIP("127.0.0.1")}) {
		t.Fatalf("expected loopback to be allowed")
	}
	if connAllowed(&net.TCPAddr{IP: net.ParseIP("192.0.2.1")}) {
		t.Fatalf("expected remote client to be refused")
	}
	if connAllowed(nil) {
		t.Fatalf("expected nil address to be refused")
	}
}

func TestSenderAllowed(t *testing.T) {
	t.Setenv("SMTP_REQUIRE_LOCAL_DOMAIN", "true")
	t.Setenv("SMTP_LOCAL_DOMAINS", "example.com")

	if !senderAllowed("app@example.com") {
		t.Fatalf("expected local sender to be allowed")
	}
	if senderAllowed("spoof@elsewhere.test") {
		t.Fatalf("expected foreign sender to be refused")
	}

	t.Setenv("SMTP_REQUIRE_LOCAL_DOMAIN", "false")
	if !senderAllowed("spoof@elsewhere.test") {
		t.Fatalf("expected any sender when the check is disabled")
	}
}
