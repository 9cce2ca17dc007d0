package policy

import (
	"context"
	"math/big"
	"sync"
	"testing"
	"time"

	xerrors "prim-wallet/internal/errors"
)

const testWallet = "0x1111111111111111111111111111111111111111"

func testEngine(t *testing.T, now *time.Time) (*Engine, *MemoryStore) {
	t.Helper()
	store := NewMemoryStore()
	engine := NewEngine(store, WithClock(func() time.Time { return *now }))
	return engine, store
}

func putPolicy(t *testing.T, engine *Engine, p *SpendingPolicy) {
	t.Helper()
	p.WalletAddress = testWallet
	if err := engine.Put(context.Background(), p); err != nil {
		t.Fatalf("put policy: %v", err)
	}
}

func TestReserveWithoutPolicyAllows(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	engine, _ := testEngine(t, &now)

	if err := engine.Reserve(context.Background(), testWallet, big.NewInt(5_000_000), "dns.prim.sh"); err != nil {
		t.Fatalf("expected allow, got %v", err)
	}
}

func TestReserveMaxPerTx(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	engine, _ := testEngine(t, &now)
	putPolicy(t, engine, &SpendingPolicy{MaxPerTx: big.NewInt(1_000_000)})

	if err := engine.Reserve(context.Background(), testWallet, big.NewInt(1_000_000), "dns.prim.sh"); err != nil {
		t.Fatalf("cap is inclusive, got %v", err)
	}
	err := engine.Reserve(context.Background(), testWallet, big.NewInt(1_000_001), "dns.prim.sh")
	if xerrors.CodeOf(err) != xerrors.CodeExceedsPolicy {
		t.Fatalf("expected policy violation, got %v", err)
	}
}

func TestReserveHoldsDailyBudget(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	engine, _ := testEngine(t, &now)
	putPolicy(t, engine, &SpendingPolicy{MaxPerDay: big.NewInt(2_000_000)})

	ctx := context.Background()
	amount := big.NewInt(1_500_000)

	if err := engine.Reserve(ctx, testWallet, amount, "llm.prim.sh"); err != nil {
		t.Fatalf("first reserve: %v", err)
	}

	// 1.5 held of a 2.0 cap: another 1.5 must be denied.
	err := engine.Reserve(ctx, testWallet, amount, "llm.prim.sh")
	if xerrors.CodeOf(err) != xerrors.CodeExceedsPolicy {
		t.Fatalf("expected daily cap violation, got %v", err)
	}

	// 0.5 still fits next to the held 1.5.
	if err := engine.Reserve(ctx, testWallet, big.NewInt(500_000), "llm.prim.sh"); err != nil {
		t.Fatalf("remaining budget rejected: %v", err)
	}
}

func TestReleaseRestoresBudget(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	engine, store := testEngine(t, &now)
	putPolicy(t, engine, &SpendingPolicy{MaxPerDay: big.NewInt(2_000_000)})

	ctx := context.Background()
	amount := big.NewInt(1_500_000)

	if err := engine.Reserve(ctx, testWallet, amount, "llm.prim.sh"); err != nil {
		t.Fatalf("reserve: %v", err)
	}
	if err := engine.Release(ctx, testWallet, amount); err != nil {
		t.Fatalf("release: %v", err)
	}

	// The rejected payment never consumed budget: 1.5 fits again.
	if err := engine.Reserve(ctx, testWallet, amount, "llm.prim.sh"); err != nil {
		t.Fatalf("budget not restored: %v", err)
	}

	p, err := store.Get(ctx, testWallet)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if p.DailySpent.Cmp(amount) != 0 {
		t.Fatalf("daily spent = %s, want %s", p.DailySpent, amount)
	}
}

func TestReleaseClampsAtZero(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	engine, store := testEngine(t, &now)
	putPolicy(t, engine, &SpendingPolicy{MaxPerDay: big.NewInt(2_000_000)})

	ctx := context.Background()
	if err := engine.Reserve(ctx, testWallet, big.NewInt(500_000), "llm.prim.sh"); err != nil {
		t.Fatalf("reserve: %v", err)
	}

	// The window rolls, the counter resets, then the stale refund
	// arrives. The counter must not go negative.
	now = now.Add(25 * time.Hour)
	if err := engine.Release(ctx, testWallet, big.NewInt(500_000)); err != nil {
		t.Fatalf("release: %v", err)
	}

	p, err := store.Get(ctx, testWallet)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if p.DailySpent.Sign() != 0 {
		t.Fatalf("daily spent = %s, want 0", p.DailySpent)
	}
}

func TestDailyWindowRollsLazily(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	engine, store := testEngine(t, &now)
	putPolicy(t, engine, &SpendingPolicy{MaxPerDay: big.NewInt(1_000_000)})

	ctx := context.Background()
	if err := engine.Reserve(ctx, testWallet, big.NewInt(1_000_000), "dns.prim.sh"); err != nil {
		t.Fatalf("reserve: %v", err)
	}
	if err := engine.Reserve(ctx, testWallet, big.NewInt(1), "dns.prim.sh"); err == nil {
		t.Fatal("cap should be exhausted")
	}

	// Cross the boundary: the counter resets on the next reservation.
	now = now.Add(25 * time.Hour)
	if err := engine.Reserve(ctx, testWallet, big.NewInt(1_000_000), "dns.prim.sh"); err != nil {
		t.Fatalf("expected fresh budget after window roll, got %v", err)
	}

	p, err := store.Get(ctx, testWallet)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if p.DailySpent.Cmp(big.NewInt(1_000_000)) != 0 {
		t.Fatalf("expected counter 1000000 after roll, got %s", p.DailySpent)
	}
	if p.DailyResetAt <= now.Unix() {
		t.Fatalf("reset boundary %d not advanced past now %d", p.DailyResetAt, now.Unix())
	}
}

func TestReserveAllowedPrimitives(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	engine, _ := testEngine(t, &now)
	putPolicy(t, engine, &SpendingPolicy{AllowedPrimitives: []string{"dns.prim.sh", "mail.prim.sh"}})

	ctx := context.Background()
	if err := engine.Reserve(ctx, testWallet, big.NewInt(1), "DNS.prim.sh"); err != nil {
		t.Fatalf("allowlist must be case insensitive: %v", err)
	}
	err := engine.Reserve(ctx, testWallet, big.NewInt(1), "vps.prim.sh")
	if xerrors.CodeOf(err) != xerrors.CodeExceedsPolicy {
		t.Fatalf("expected allowlist violation, got %v", err)
	}
}

func TestConcurrentReservationsCannotBreachDailyCap(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	engine, store := testEngine(t, &now)
	// Two 0.8 payments each pass max_per_tx but together exceed the 1.0/day cap.
	putPolicy(t, engine, &SpendingPolicy{
		MaxPerTx:  big.NewInt(900_000),
		MaxPerDay: big.NewInt(1_000_000),
	})

	ctx := context.Background()
	amount := big.NewInt(800_000)

	var wg sync.WaitGroup
	results := make(chan error, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results <- engine.Reserve(ctx, testWallet, amount, "llm.prim.sh")
		}()
	}
	wg.Wait()
	close(results)

	var succeeded, denied int
	for err := range results {
		if err == nil {
			succeeded++
		} else if xerrors.CodeOf(err) == xerrors.CodeExceedsPolicy {
			denied++
		} else {
			t.Fatalf("unexpected reserve error: %v", err)
		}
	}
	if succeeded != 1 || denied != 1 {
		t.Fatalf("expected exactly one reservation to win, got %d success / %d denied", succeeded, denied)
	}

	p, err := store.Get(ctx, testWallet)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if p.DailySpent.Cmp(p.MaxPerDay) > 0 {
		t.Fatalf("daily counter %s breached cap %s", p.DailySpent, p.MaxPerDay)
	}
}

func TestPutPreservesRunningCounter(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	engine, _ := testEngine(t, &now)
	putPolicy(t, engine, &SpendingPolicy{MaxPerDay: big.NewInt(2_000_000)})

	ctx := context.Background()
	if err := engine.Reserve(ctx, testWallet, big.NewInt(700_000), "llm.prim.sh"); err != nil {
		t.Fatalf("reserve: %v", err)
	}

	// Editing the caps must not reset spent budget.
	putPolicy(t, engine, &SpendingPolicy{MaxPerDay: big.NewInt(3_000_000)})
	p, err := engine.Get(ctx, testWallet)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if p.DailySpent.Cmp(big.NewInt(700_000)) != 0 {
		t.Fatalf("policy edit reset the daily counter: %s", p.DailySpent)
	}
}
