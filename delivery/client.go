package delivery

import (
	"context"
	"fmt"
	"net"
	"net/smtp"
	"time"

	"postguard/internal/config"
	"postguard/tlsconfig"
)

const (
	dialTimeout    = 30 * time.Second
	sessionTimeout = 2 * time.Minute
)

// smtpPort is overridden in tests.
var smtpPort = "25"

// Deliver runs one SMTP session against host, handing data to every
// recipient in to. A rejected recipient fails the whole session so the
// message is retried as a unit.
func Deliver(ctx context.Context, host string, from string, to []string, data []byte) error {
	if len(to) == 0 {
		return fmt.Errorf("no recipients")
	}

	addr := net.JoinHostPort(host, smtpPort)
	dialer := &net.Dialer{Timeout: dialTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}
	defer conn.Close()

	deadline := time.Now().Add(sessionTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := conn.SetDeadline(deadline); err != nil {
		return fmt.Errorf("set deadline: %w", err)
	}

	// Unblock the session when ctx ends before the deadline.
	stop := context.AfterFunc(ctx, func() { _ = conn.SetDeadline(time.Now()) })
	defer stop()

	client, err := smtp.NewClient(conn, host)
	if err != nil {
		return fmt.Errorf("new client: %w", err)
	}
	defer client.Close()

	helo := config.Hostname()
	if err := client.Hello(helo); err != nil {
		return fmt.Errorf("helo: %w", err)
	}

	if ok, _ := client.Extension("STARTTLS"); ok {
		tlsConf, err := tlsconfig.ClientConfig(host)
		if err != nil {
			return fmt.Errorf("tls config: %w", err)
		}
		if err := client.StartTLS(tlsConf); err != nil {
			return fmt.Errorf("starttls: %w", err)
		}
	}

	if err := client.Mail(from); err != nil {
		return fmt.Errorf("mail from: %w", err)
	}
	for _, rcpt := range to {
		if err := client.Rcpt(rcpt); err != nil {
			return fmt.Errorf("rcpt to %s: %w", rcpt, err)
		}
	}
	w, err := client.Data()
	if err != nil {
		return fmt.Errorf("data start: %w", err)
	}
	if _, err := w.Write(data); err != nil {
		return fmt.Errorf("data write: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("data close: %w", err)
	}

	if err := client.Quit(); err != nil {
		return fmt.Errorf("quit: %w", err)
	}

	return nil
}
