package delivery

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"errors"
	"io"
	"log/slog"
	"net"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"postguard/internal/dkim"
	"postguard/queue"
)

type sentEnvelope struct {
	host string
	to   []string
	data string
}

func newRecordingMX(t *testing.T, fail map[string]error) *[]sentEnvelope {
	t.Helper()
	var (
		mu   sync.Mutex
		sent []sentEnvelope
	)
	stubMX(t, func(ctx context.Context, domain string) ([]*net.MX, error) {
		return []*net.MX{{Host: "mx." + domain, Pref: 10}}, nil
	}, func(ctx context.Context, host, from string, to []string, data []byte) error {
		if err, ok := fail[host]; ok {
			return err
		}
		mu.Lock()
		sent = append(sent, sentEnvelope{host: host, to: to, data: string(data)})
		mu.Unlock()
		return nil
	})
	return &sent
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestSMTPTransportGroupsRecipients(t *testing.T) {
	sent := newRecordingMX(t, nil)
	transport := NewSMTPTransport(nil, quietLogger())

	msg := queue.NewMessage("sender@example.com",
		[]string{"a@one.test", "b@two.test", "c@one.test"}, []byte("Subject: x\r\n\r\nBody\r\n"))
	require.NoError(t, transport.Send(context.Background(), msg))

	require.Len(t, *sent, 2)
	assert.Equal(t, "mx.one.test", (*sent)[0].host)
	assert.Equal(t, []string{"a@one.test", "c@one.test"}, (*sent)[0].to)
	assert.Equal(t, "mx.two.test", (*sent)[1].host)
}

func TestSMTPTransportJoinsDomainFailures(t *testing.T) {
	refused := errors.New("421 try later")
	sent := newRecordingMX(t, map[string]error{"mx.two.test": refused})
	transport := NewSMTPTransport(nil, quietLogger())

	msg := queue.NewMessage("sender@example.com", []string{"a@one.test", "b@two.test"}, []byte("Body"))
	err := transport.Send(context.Background(), msg)

	assert.ErrorIs(t, err, refused)
	assert.Len(t, *sent, 1)
}

func TestSMTPTransportNoRecipients(t *testing.T) {
	newRecordingMX(t, nil)
	transport := NewSMTPTransport(nil, quietLogger())

	err := transport.Send(context.Background(), queue.NewMessage("sender@example.com", []string{"broken"}, []byte("Body")))
	assert.ErrorIs(t, err, ErrNoRecipients)
}

func TestSMTPTransportSigns(t *testing.T) {
	key, err := rsa.GenerateKey(rand.Reader, 1024)
	require.NoError(t, err)
	signer, err := dkim.New(dkim.Options{Selector: "mail", Key: key})
	require.NoError(t, err)

	sent := newRecordingMX(t, nil)
	transport := NewSMTPTransport(signer, quietLogger())

	msg := queue.NewMessage("sender@example.com", []string{"a@one.test"}, []byte("From: sender@example.com\r\nSubject: x\r\n\r\nBody\r\n"))
	require.NoError(t, transport.Send(context.Background(), msg))

	require.Len(t, *sent, 1)
	assert.True(t, strings.HasPrefix((*sent)[0].data, "DKIM-Signature:"))
}

func TestSMTPTransportCanceled(t *testing.T) {
	sent := newRecordingMX(t, nil)
	transport := NewSMTPTransport(nil, quietLogger())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := transport.Send(ctx, queue.NewMessage("sender@example.com", []string{"a@one.test"}, []byte("Body")))
	assert.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, *sent)
}
