// Package storage writes messages the delivery engine gave up on to disk so
// an operator can inspect or resend them.
package storage

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"postguard/queue"
)

var errInvalidID = errors.New("invalid identifier")

// Record is the JSON sidecar written next to each spooled message.
type Record struct {
	ID         string    `json:"id"`
	From       string    `json:"from"`
	To         []string  `json:"to"`
	Reason     string    `json:"reason"`
	Attempts   int       `json:"attempts"`
	LastError  string    `json:"last_error,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
	EnqueuedAt time.Time `json:"enqueued_at"`
	DroppedAt  time.Time `json:"dropped_at"`
}

// Spool stores dropped messages under dir/<yyyy-mm-dd>/.
type Spool struct {
	dir string
	now func() time.Time
}

func NewSpool(dir string) *Spool {
	return &Spool{dir: dir, now: time.Now}
}

// Dir returns the spool root.
func (s *Spool) Dir() string {
	return s.dir
}

// Save writes the raw message as <id>_<rcpt-hash>.eml and its metadata as a
// .json file with the same stem. It returns the path of the .eml file.
func (s *Spool) Save(p queue.PendingDelivery, reason string) (string, error) {
	safeID, err := sanitizeComponent(p.Message.ID)
	if err != nil {
		return "", err
	}
	now := s.now().UTC()

	dir := filepath.Join(s.dir, now.Format("2006-01-02"))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	stem := filepath.Join(dir, fmt.Sprintf("%s_%s", safeID, hashRecipients(p.Message.To)))

	rec := Record{
		ID:         p.Message.ID,
		From:       p.Message.From,
		To:         p.Message.To,
		Reason:     reason,
		Attempts:   p.Attempts,
		LastError:  p.LastError,
		CreatedAt:  p.Message.CreatedAt,
		EnqueuedAt: p.EnqueuedAt,
		DroppedAt:  now,
	}
	meta, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return "", err
	}

	if err := os.WriteFile(stem+".eml", p.Message.Payload.Bytes(), 0o600); err != nil {
		return "", err
	}
	if err := os.WriteFile(stem+".json", meta, 0o600); err != nil {
		return "", err
	}
	return stem + ".eml", nil
}

// Load reads a spooled message back from the path returned by Save.
func Load(emlPath string) (Record, []byte, error) {
	data, err := os.ReadFile(emlPath)
	if err != nil {
		return Record{}, nil, err
	}
	meta, err := os.ReadFile(strings.TrimSuffix(emlPath, ".eml") + ".json")
	if err != nil {
		return Record{}, nil, err
	}
	var rec Record
	if err := json.Unmarshal(meta, &rec); err != nil {
		return Record{}, nil, fmt.Errorf("decode %s: %w", emlPath, err)
	}
	return rec, data, nil
}

func sanitizeComponent(v string) (string, error) {
	if strings.ContainsAny(v, "/\\") || strings.Contains(v, "..") {
		return "", errInvalidID
	}
	v = strings.TrimSpace(v)
	if v == "" {
		return "", fmt.Errorf("%w: empty", errInvalidID)
	}
	return v, nil
}

func hashRecipients(addrs []string) string {
	h := sha256.New()
	for _, addr := range addrs {
		h.Write([]byte(strings.ToLower(strings.TrimSpace(addr))))
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil)[:8])
}
