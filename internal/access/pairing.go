package access

import (
	"context"
	"crypto/rand"
	"fmt"
	"log/slog"
	"math/big"
	"sync"
	"time"

	"chatrelay/internal/domain"
)

const (
	pairingCodeLength = 6
	pairingCodeTTL    = 10 * time.Minute
	defaultTTLDays    = 30
)

// PairingService is the trust hook behind the DM "pairing" policy. The
// policy evaluator is intentionally permissive for that mode; this service
// holds the actual authorization state. Unpaired senders are issued a
// one-time code which an operator approves out of band (the `pair` CLI
// command).
//
// Codes go through the code store when one is wired, so approval can happen
// from a separate process; without one they live in memory and expire with
// the process.
type PairingService struct {
	store   domain.PairingStore
	codes   domain.PairingCodeStore // may be nil
	ttlDays int
	logger  *slog.Logger

	mu      sync.Mutex
	pending map[string]pendingCode // "transport:userID" -> code
}

type pendingCode struct {
	Code      string
	ExpiresAt time.Time
}

func NewPairingService(store domain.PairingStore, codes domain.PairingCodeStore, ttlDays int, logger *slog.Logger) *PairingService {
	if ttlDays <= 0 {
		ttlDays = defaultTTLDays
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &PairingService{
		store:   store,
		codes:   codes,
		ttlDays: ttlDays,
		logger:  logger,
		pending: make(map[string]pendingCode),
	}
}

// IsPaired reports whether the sender has an unexpired pairing.
func (ps *PairingService) IsPaired(ctx context.Context, transport, userID string) (bool, error) {
	if ps.store == nil {
		return true, nil
	}
	return ps.store.IsPaired(ctx, transport, userID)
}

// IssueCode mints (or returns the still-valid existing) one-time code for an
// unpaired sender.
func (ps *PairingService) IssueCode(ctx context.Context, transport, userID string) string {
	if ps.codes != nil {
		if code, ok, err := ps.codes.CodeFor(ctx, transport, userID); err == nil && ok {
			return code
		}
		code := randomCode(pairingCodeLength)
		if err := ps.codes.SaveCode(ctx, transport, userID, code, time.Now().Add(pairingCodeTTL)); err != nil {
			ps.logger.Error("pairing code persist failed", "transport", transport, "user", userID, "err", err)
		}
		ps.logger.Info("pairing code issued", "transport", transport, "user", userID)
		return code
	}

	key := transport + ":" + userID
	ps.mu.Lock()
	defer ps.mu.Unlock()
	if pc, ok := ps.pending[key]; ok && time.Now().Before(pc.ExpiresAt) {
		return pc.Code
	}
	code := randomCode(pairingCodeLength)
	ps.pending[key] = pendingCode{Code: code, ExpiresAt: time.Now().Add(pairingCodeTTL)}
	ps.logger.Info("pairing code issued", "transport", transport, "user", userID)
	return code
}

// Approve pairs the sender whose pending code matches. Returns false when no
// pending code matches or it expired.
func (ps *PairingService) Approve(ctx context.Context, code string) (bool, error) {
	now := time.Now()
	var transport, userID string

	if ps.codes != nil {
		t, u, ok, err := ps.codes.FindCode(ctx, code)
		if err != nil {
			return false, err
		}
		if !ok {
			return false, nil
		}
		transport, userID = t, u
		defer func() { _ = ps.codes.DeleteCode(ctx, code) }()
	} else {
		ps.mu.Lock()
		var key string
		for k, pc := range ps.pending {
			if now.After(pc.ExpiresAt) {
				delete(ps.pending, k)
				continue
			}
			if pc.Code == code {
				key = k
				break
			}
		}
		if key == "" {
			ps.mu.Unlock()
			return false, nil
		}
		delete(ps.pending, key)
		ps.mu.Unlock()

		var ok bool
		transport, userID, ok = splitKey(key)
		if !ok {
			return false, fmt.Errorf("malformed pending key %q", key)
		}
	}

	if ps.store != nil {
		expires := now.AddDate(0, 0, ps.ttlDays)
		if err := ps.store.SavePairing(ctx, transport, userID, expires); err != nil {
			return false, err
		}
	}
	ps.logger.Info("user paired", "transport", transport, "user", userID)
	return true, nil
}

// Revoke removes an existing pairing.
func (ps *PairingService) Revoke(ctx context.Context, transport, userID string) error {
	if ps.store == nil {
		return nil
	}
	return ps.store.RevokePairing(ctx, transport, userID)
}

// Pending returns the number of outstanding unexpired in-memory codes.
func (ps *PairingService) Pending() int {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	n := 0
	now := time.Now()
	for _, pc := range ps.pending {
		if now.Before(pc.ExpiresAt) {
			n++
		}
	}
	return n
}

func splitKey(key string) (transport, userID string, ok bool) {
	for i := 0; i < len(key); i++ {
		if key[i] == ':' {
			return key[:i], key[i+1:], key[i+1:] != ""
		}
	}
	return "", "", false
}

func randomCode(length int) string {
	code := make([]byte, length)
	for i := range code {
		n, err := rand.Int(rand.Reader, big.NewInt(10))
		if err != nil {
			code[i] = '0'
			continue
		}
		code[i] = byte('0') + byte(n.Int64())
	}
	return string(code)
}
