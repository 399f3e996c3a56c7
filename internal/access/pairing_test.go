package access

import (
	"context"
	"testing"
	"time"
)

type fakePairingStore struct {
	paired map[string]time.Time
}

func newFakePairingStore() *fakePairingStore {
	return &fakePairingStore{paired: make(map[string]time.Time)}
}

func (f *fakePairingStore) IsPaired(ctx context.Context, transport, userID string) (bool, error) {
	exp, ok := f.paired[transport+":"+userID]
	if !ok {
		return false, nil
	}
	return time.Now().Before(exp), nil
}

func (f *fakePairingStore) SavePairing(ctx context.Context, transport, userID string, expiresAt time.Time) error {
	f.paired[transport+":"+userID] = expiresAt
	return nil
}

func (f *fakePairingStore) RevokePairing(ctx context.Context, transport, userID string) error {
	delete(f.paired, transport+":"+userID)
	return nil
}

func TestPairingIssueAndApprove(t *testing.T) {
	ctx := context.Background()
	store := newFakePairingStore()
	svc := NewPairingService(store, nil, 30, nil)

	paired, err := svc.IsPaired(ctx, "telegram", "100")
	if err != nil || paired {
		t.Fatalf("new user should be unpaired, got paired=%v err=%v", paired, err)
	}

	code := svc.IssueCode(ctx, "telegram", "100")
	if len(code) != pairingCodeLength {
		t.Fatalf("code length %d, want %d", len(code), pairingCodeLength)
	}

	// Re-issuing before expiry returns the same code.
	if again := svc.IssueCode(ctx, "telegram", "100"); again != code {
		t.Errorf("re-issue minted a new code: %s vs %s", again, code)
	}

	ok, err := svc.Approve(ctx, code)
	if err != nil || !ok {
		t.Fatalf("Approve = %v, %v", ok, err)
	}
	paired, err = svc.IsPaired(ctx, "telegram", "100")
	if err != nil || !paired {
		t.Fatalf("user should be paired after approval, got %v, %v", paired, err)
	}

	// A consumed code cannot be approved twice.
	ok, err = svc.Approve(ctx, code)
	if err != nil || ok {
		t.Errorf("second approval of the same code must fail, got %v, %v", ok, err)
	}
}

func TestPairingApproveUnknownCode(t *testing.T) {
	svc := NewPairingService(newFakePairingStore(), nil, 30, nil)
	ok, err := svc.Approve(context.Background(), "000000")
	if err != nil || ok {
		t.Errorf("unknown code must not pair, got %v, %v", ok, err)
	}
}

func TestPairingRevoke(t *testing.T) {
	ctx := context.Background()
	store := newFakePairingStore()
	svc := NewPairingService(store, nil, 30, nil)

	code := svc.IssueCode(ctx, "telegram", "7")
	if ok, _ := svc.Approve(ctx, code); !ok {
		t.Fatal("approve failed")
	}
	if err := svc.Revoke(ctx, "telegram", "7"); err != nil {
		t.Fatalf("Revoke: %v", err)
	}
	if paired, _ := svc.IsPaired(ctx, "telegram", "7"); paired {
		t.Error("user still paired after revoke")
	}
}

func TestPairingNilStoreIsPermissive(t *testing.T) {
	svc := NewPairingService(nil, nil, 0, nil)
	paired, err := svc.IsPaired(context.Background(), "telegram", "1")
	if err != nil || !paired {
		t.Errorf("nil store should report paired, got %v, %v", paired, err)
	}
}

func TestPairingDistinctUsersDistinctCodes(t *testing.T) {
	ctx := context.Background()
	svc := NewPairingService(newFakePairingStore(), nil, 30, nil)
	a := svc.IssueCode(ctx, "telegram", "1")
	b := svc.IssueCode(ctx, "telegram", "2")
	if a == b {
		// 1-in-a-million collision; treat as failure to keep the invariant
		// visible.
		t.Errorf("two users received the same code %s", a)
	}
	if svc.Pending() != 2 {
		t.Errorf("Pending() = %d, want 2", svc.Pending())
	}
}
