package delivery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"postguard/internal/dkim"
	"postguard/internal/email"
	"postguard/queue"
)

// ErrNoRecipients is returned for messages without a deliverable recipient.
var ErrNoRecipients = errors.New("delivery: no valid recipients")

// SMTPTransport delivers messages directly to each recipient domain's MX
// hosts. It satisfies resilience.Transport.
type SMTPTransport struct {
	signer *dkim.Signer
	logger *slog.Logger
}

// NewSMTPTransport returns a transport that signs with signer when it is
// non-nil.
func NewSMTPTransport(signer *dkim.Signer, logger *slog.Logger) *SMTPTransport {
	if logger == nil {
		logger = slog.Default()
	}
	return &SMTPTransport{signer: signer, logger: logger}
}

// Send signs msg and delivers it to every recipient domain. Failures from
// individual domains are joined; the send succeeds only when every domain
// accepted the message.
func (t *SMTPTransport) Send(ctx context.Context, msg queue.Message) error {
	domains, byDomain, invalid := email.GroupByDomain(msg.To)
	for _, rcpt := range invalid {
		t.logger.Warn("skipping recipient without domain", "message_id", msg.ID, "rcpt", rcpt)
	}
	if len(domains) == 0 {
		return ErrNoRecipients
	}

	data, err := t.signer.Sign(msg.Payload.Bytes(), msg.From)
	if err != nil {
		return fmt.Errorf("sign %s: %w", msg.ID, err)
	}

	var errs []error
	for _, domain := range domains {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := DeliverMessage(ctx, domain, msg.From, byDomain[domain], data); err != nil {
			errs = append(errs, err)
			continue
		}
		t.logger.Debug("domain accepted message", "message_id", msg.ID, "domain", domain, "recipients", len(byDomain[domain]))
	}
	return errors.Join(errs...)
}
