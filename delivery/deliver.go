package delivery

import (
	"context"
	"fmt"
)

var deliverFunc = Deliver

// DeliverMessage resolves the MX hosts of domain and tries each in turn until
// one accepts the message for all recipients.
func DeliverMessage(ctx context.Context, domain, from string, to []string, data []byte) error {
	mxRecords, err := ResolveMX(ctx, domain)
	if err != nil {
		return fmt.Errorf("MX lookup failed for %s: %w", domain, err)
	}
	if len(mxRecords) == 0 {
		return fmt.Errorf("MX lookup failed for %s: no MX records", domain)
	}
	var lastErr error
	for _, mx := range mxRecords {
		err = deliverFunc(ctx, mx.Host, from, to, data)
		if err == nil {
			return nil
		}
		lastErr = err
		if ctx.Err() != nil {
			break
		}
	}
	return fmt.Errorf("delivery to %s failed: %w", domain, lastErr)
}
