package main

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/textproto"
	"strings"
	"sync"
	"time"

	"postguard/internal/audit"
	"postguard/internal/config"
	"postguard/internal/email"
	"postguard/internal/metrics"
	"postguard/queue"
	"postguard/resilience"
)

const sessionTimeout = 15 * time.Minute

// sender is the part of *resilience.Engine the intake needs.
type sender interface {
	SendWithRetry(ctx context.Context, msg queue.Message) resilience.Result
}

// server accepts SMTP sessions and hands each accepted message to the
// delivery engine on its own goroutine.
type server struct {
	engine   sender
	logger   *slog.Logger
	tls      *tls.Config
	hostname string
	maxBytes int64
	maxRcpts int

	// unsent receives messages whose delivery was cut short by shutdown so
	// they are not lost with the process.
	unsent func(queue.PendingDelivery)

	// deliveries bounds in-flight SendWithRetry calls; it is canceled only
	// after the shutdown grace period.
	deliveries context.Context
	wg         sync.WaitGroup
}

func newServer(deliveries context.Context, engine sender, tlsConf *tls.Config, unsent func(queue.PendingDelivery), logger *slog.Logger) *server {
	return &server{
		engine:     engine,
		unsent:     unsent,
		logger:     logger,
		tls:        tlsConf,
		hostname:   config.Hostname(),
		maxBytes:   config.MaxMessageBytes(),
		maxRcpts:   config.MaxRecipients(),
		deliveries: deliveries,
	}
}

// serve accepts connections until ln is closed.
func (s *server) serve(ln net.Listener) error {
	for {
		conn, err := ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			s.logger.Warn("accept error", "err", err)
			time.Sleep(50 * time.Millisecond)
			continue
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handleSession(conn)
		}()
	}
}

// wait blocks until sessions and deliveries finish or timeout elapses.
func (s *server) wait(timeout time.Duration) bool {
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return true
	case <-time.After(timeout):
		return false
	}
}

func (s *server) dispatch(msg queue.Message) {
	metrics.MessagesAccepted.Add(1)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		res := s.engine.SendWithRetry(s.deliveries, msg)
		args := []any{
			"message_id", msg.ID,
			"status", res.Status.String(),
			"attempts", res.Attempts,
			"queued", res.Queued,
		}
		if res.Err != nil {
			args = append(args, "err", res.Err)
		}
		if res.Delivered() {
			s.logger.Info("message delivered", args...)
			return
		}
		s.logger.Warn("message not delivered", args...)
		// Queued messages are written out with the rest of the queue.
		if res.Status == resilience.StatusCanceled && !res.Queued && s.unsent != nil {
			p := queue.PendingDelivery{Message: msg, EnqueuedAt: msg.CreatedAt}
			if res.Err != nil {
				p.LastError = res.Err.Error()
			}
			s.unsent(p)
		}
	}()
}

type session struct {
	srv    *server
	conn   net.Conn
	tp     *textproto.Conn
	remote string
	isTLS  bool

	from string
	to   []string
}

func (s *server) handleSession(conn net.Conn) {
	metrics.IncSessions()
	defer metrics.DecSessions()
	defer conn.Close()

	sess := &session{srv: s, conn: conn, tp: textproto.NewConn(conn), remote: conn.RemoteAddr().String()}
	_, sess.isTLS = conn.(*tls.Conn)

	if !connAllowed(conn.RemoteAddr()) {
		s.logger.Warn("connection refused by allowlist", "remote", sess.remote)
		sess.reply(554, "Access denied")
		return
	}

	sess.reply(220, s.hostname+" ESMTP ready")
	for {
		if err := sess.conn.SetDeadline(time.Now().Add(sessionTimeout)); err != nil {
			return
		}
		line, err := sess.tp.ReadLine()
		if err != nil {
			if !errors.Is(err, io.EOF) {
				s.logger.Debug("session ended", "remote", sess.remote, "err", err)
			}
			return
		}
		audit.Log("%s > %s", sess.remote, summarizeCommand(line))
		if !sess.handle(line) {
			return
		}
	}
}

func (sess *session) reply(code int, msg string) {
	_ = sess.tp.PrintfLine("%d %s", code, msg)
}

func (sess *session) reset() {
	sess.from = ""
	sess.to = nil
}

// handle runs one command and reports whether the session continues.
func (sess *session) handle(line string) bool {
	verb, _, _ := strings.Cut(strings.TrimSpace(line), " ")
	verb = strings.ToUpper(verb)
	if i := strings.IndexByte(verb, ':'); i >= 0 {
		verb = verb[:i]
	}

	switch verb {
	case "HELO":
		sess.reset()
		sess.reply(250, sess.srv.hostname)
	case "EHLO":
		sess.reset()
		lines := []string{sess.srv.hostname, "PIPELINING", "8BITMIME", fmt.Sprintf("SIZE %d", sess.srv.maxBytes)}
		if sess.srv.tls != nil && !sess.isTLS {
			lines = append(lines, "STARTTLS")
		}
		for i, l := range lines {
			sep := "-"
			if i == len(lines)-1 {
				sep = " "
			}
			_ = sess.tp.PrintfLine("250%s%s", sep, l)
		}
	case "STARTTLS":
		return sess.startTLS()
	case "MAIL":
		sess.mail(line)
	case "RCPT":
		sess.rcpt(line)
	case "DATA":
		return sess.data()
	case "RSET":
		sess.reset()
		sess.reply(250, "OK")
	case "NOOP":
		sess.reply(250, "OK")
	case "QUIT":
		sess.reply(221, "Bye")
		return false
	default:
		sess.reply(502, "Command not implemented")
	}
	return true
}

func (sess *session) startTLS() bool {
	if sess.srv.tls == nil || sess.isTLS {
		sess.reply(454, "TLS not available")
		return true
	}
	sess.reply(220, "Ready to start TLS")
	tlsConn := tls.Server(sess.conn, sess.srv.tls)
	if err := tlsConn.Handshake(); err != nil {
		sess.srv.logger.Warn("tls handshake failed", "remote", sess.remote, "err", err)
		return false
	}
	sess.conn = tlsConn
	sess.tp = textproto.NewConn(tlsConn)
	sess.isTLS = true
	sess.reset()
	return true
}

func (sess *session) mail(line string) {
	if sess.from != "" {
		sess.reply(503, "Sender already specified")
		return
	}
	addr, err := email.ParseCommandAddress(line)
	if err != nil {
		sess.reply(501, "Invalid sender address")
		return
	}
	if !senderAllowed(addr) {
		sess.reply(550, "Sender domain not permitted")
		return
	}
	sess.from = addr
	sess.to = nil
	sess.reply(250, "Sender OK")
}

func (sess *session) rcpt(line string) {
	if sess.from == "" {
		sess.reply(503, "Need MAIL command first")
		return
	}
	if len(sess.to) >= sess.srv.maxRcpts {
		sess.reply(452, "Too many recipients")
		return
	}
	addr, err := email.ParseCommandAddress(line)
	if err != nil {
		sess.reply(501, "Invalid recipient address")
		return
	}
	sess.to = append(sess.to, addr)
	sess.reply(250, "Recipient OK")
}

func (sess *session) data() bool {
	if sess.from == "" || len(sess.to) == 0 {
		sess.reply(503, "Need sender and recipient before DATA")
		return true
	}
	sess.reply(354, "End with <CR><LF>.<CR><LF>")

	var buf bytes.Buffer
	limit := sess.srv.maxBytes
	body := sess.tp.DotReader()
	n, err := io.Copy(&buf, io.LimitReader(body, limit+1))
	if err != nil {
		sess.reply(554, "Read error")
		return false
	}
	if n > limit {
		// Consume the rest so the session stays in sync.
		if _, err := io.Copy(io.Discard, body); err != nil {
			return false
		}
		sess.reply(552, "Message exceeds size limit")
		sess.reset()
		return true
	}

	msg := queue.NewMessage(sess.from, sess.to, buf.Bytes())
	sess.reply(250, "Message accepted as "+msg.ID)
	sess.srv.logger.Info("message accepted",
		"message_id", msg.ID, "from", msg.From, "recipients", len(msg.To), "bytes", msg.Payload.Len())
	sess.srv.dispatch(msg)
	sess.reset()
	return true
}
