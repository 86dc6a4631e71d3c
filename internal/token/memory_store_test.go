package token

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"vncproxy/internal/clock"
)

var epoch = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

func newTestStore(t *testing.T, policy Policy) (*MemoryStore, *clock.FakeClock) {
	t.Helper()
	clk := clock.Fake(epoch)
	st := NewMemoryStore(policy, clk)
	t.Cleanup(func() { st.Close() })
	return st, clk
}

func consoleToken(value string) Token {
	return Token{
		Value:  value,
		Target: Target{Host: "10.0.0.5", Port: 5900},
		TTL:    300 * time.Second,
	}
}

func TestValidateWithinTTL(t *testing.T) {
	ctx := context.Background()
	st, clk := newTestStore(t, Reusable)

	if err := st.Register(ctx, consoleToken("abc123")); err != nil {
		t.Fatalf("Register: %v", err)
	}

	clk.Advance(299 * time.Second)
	desc, err := st.ValidateAndConsume(ctx, "abc123")
	if err != nil {
		t.Fatalf("ValidateAndConsume at 299s: %v", err)
	}
	if desc.Target != (Target{Host: "10.0.0.5", Port: 5900}) {
		t.Fatalf("target = %+v", desc.Target)
	}
	if want := epoch.Add(300 * time.Second); !desc.ExpiresAt.Equal(want) {
		t.Fatalf("ExpiresAt = %v, want %v", desc.ExpiresAt, want)
	}
}

func TestValidateAtAndAfterExpiry(t *testing.T) {
	ctx := context.Background()
	st, clk := newTestStore(t, Reusable)
	st.Register(ctx, consoleToken("abc123"))

	clk.Advance(300 * time.Second)
	if _, err := st.ValidateAndConsume(ctx, "abc123"); !errors.Is(err, ErrTokenExpired) {
		t.Fatalf("at issued_at+ttl: err = %v, want ErrTokenExpired", err)
	}

	clk.Advance(time.Second)
	if _, err := st.ValidateAndConsume(ctx, "abc123"); !errors.Is(err, ErrTokenExpired) {
		t.Fatalf("at 301s: err = %v, want ErrTokenExpired", err)
	}
}

func TestValidateUnknown(t *testing.T) {
	st, _ := newTestStore(t, Reusable)
	for _, value := range []string{"", "nope"} {
		if _, err := st.ValidateAndConsume(context.Background(), value); !errors.Is(err, ErrTokenNotFound) {
			t.Fatalf("ValidateAndConsume(%q) err = %v, want ErrTokenNotFound", value, err)
		}
	}
}

func TestReusablePolicyAllowsRepeatValidation(t *testing.T) {
	ctx := context.Background()
	st, _ := newTestStore(t, Reusable)
	st.Register(ctx, consoleToken("abc123"))

	for i := 0; i < 3; i++ {
		if _, err := st.ValidateAndConsume(ctx, "abc123"); err != nil {
			t.Fatalf("validation %d: %v", i, err)
		}
	}
	if st.Len() != 1 {
		t.Fatalf("Len = %d, want 1", st.Len())
	}
}

func TestSingleUsePolicyDeletesOnFirstUse(t *testing.T) {
	ctx := context.Background()
	st, _ := newTestStore(t, SingleUse)
	st.Register(ctx, consoleToken("abc123"))

	if _, err := st.ValidateAndConsume(ctx, "abc123"); err != nil {
		t.Fatalf("first validation: %v", err)
	}
	if _, err := st.ValidateAndConsume(ctx, "abc123"); !errors.Is(err, ErrTokenNotFound) {
		t.Fatalf("second validation err = %v, want ErrTokenNotFound", err)
	}
	if st.Len() != 0 {
		t.Fatalf("Len = %d, want 0", st.Len())
	}
}

func TestRegisterDuplicate(t *testing.T) {
	ctx := context.Background()
	st, clk := newTestStore(t, Reusable)
	st.Register(ctx, consoleToken("abc123"))

	other := consoleToken("abc123")
	other.Target.Host = "10.0.0.99"
	if err := st.Register(ctx, other); !errors.Is(err, ErrDuplicateToken) {
		t.Fatalf("Register duplicate err = %v, want ErrDuplicateToken", err)
	}

	// The active session's routing was not overwritten.
	desc, _ := st.ValidateAndConsume(ctx, "abc123")
	if desc.Target.Host != "10.0.0.5" {
		t.Fatalf("routing overwritten: %+v", desc.Target)
	}

	clk.Advance(300 * time.Second)
	if err := st.Register(ctx, other); err != nil {
		t.Fatalf("Register after expiry: %v", err)
	}
	desc, err := st.ValidateAndConsume(ctx, "abc123")
	if err != nil || desc.Target.Host != "10.0.0.99" {
		t.Fatalf("after re-register: desc=%+v err=%v", desc, err)
	}
	if st.Len() != 1 {
		t.Fatalf("Len = %d, want 1", st.Len())
	}
}

func TestRegisterInvalid(t *testing.T) {
	st, _ := newTestStore(t, Reusable)
	cases := map[string]Token{
		"empty value": {Target: Target{Host: "h", Port: 5900}},
		"empty host":  {Value: "v", Target: Target{Port: 5900}},
		"port zero":   {Value: "v", Target: Target{Host: "h"}},
		"port high":   {Value: "v", Target: Target{Host: "h", Port: 70000}},
		"ttl < 0":     {Value: "v", Target: Target{Host: "h", Port: 5900}, TTL: -time.Second},
	}
	for name, tok := range cases {
		if err := st.Register(context.Background(), tok); !errors.Is(err, ErrInvalidToken) {
			t.Errorf("%s: err = %v, want ErrInvalidToken", name, err)
		}
	}
}

func TestRegisterDefaultTTL(t *testing.T) {
	ctx := context.Background()
	st, clk := newTestStore(t, Reusable)
	st.Register(ctx, Token{Value: "v", Target: Target{Host: "h", Port: 5900}})

	clk.Advance(299 * time.Second)
	if _, err := st.ValidateAndConsume(ctx, "v"); err != nil {
		t.Fatalf("before default ttl: %v", err)
	}
	clk.Advance(time.Second)
	if _, err := st.ValidateAndConsume(ctx, "v"); !errors.Is(err, ErrTokenExpired) {
		t.Fatalf("at default ttl: err = %v", err)
	}
}

func TestRevoke(t *testing.T) {
	ctx := context.Background()
	st, _ := newTestStore(t, Reusable)
	st.Register(ctx, consoleToken("abc123"))

	if err := st.Revoke(ctx, "abc123"); err != nil {
		t.Fatalf("Revoke: %v", err)
	}
	if err := st.Revoke(ctx, "abc123"); !errors.Is(err, ErrTokenNotFound) {
		t.Fatalf("second Revoke err = %v", err)
	}
	if _, err := st.ValidateAndConsume(ctx, "abc123"); !errors.Is(err, ErrTokenNotFound) {
		t.Fatalf("validate after revoke err = %v", err)
	}
}

func TestSweepRemovesOnlyExpired(t *testing.T) {
	ctx := context.Background()
	st, clk := newTestStore(t, Reusable)

	for i := 0; i < 10; i++ {
		tok := consoleToken(fmt.Sprintf("short-%d", i))
		tok.TTL = 10 * time.Second
		st.Register(ctx, tok)
	}
	for i := 0; i < 5; i++ {
		st.Register(ctx, consoleToken(fmt.Sprintf("long-%d", i)))
	}

	clk.Advance(10 * time.Second)
	removed, err := st.Sweep(ctx, clk.Now())
	if err != nil {
		t.Fatalf("Sweep: %v", err)
	}
	if removed != 10 {
		t.Fatalf("removed = %d, want 10", removed)
	}
	if st.Len() != 5 {
		t.Fatalf("Len = %d, want 5", st.Len())
	}
	if _, err := st.ValidateAndConsume(ctx, "short-0"); !errors.Is(err, ErrTokenNotFound) {
		t.Fatalf("swept token err = %v, want ErrTokenNotFound", err)
	}
	if _, err := st.ValidateAndConsume(ctx, "long-4"); err != nil {
		t.Fatalf("live token: %v", err)
	}
}

// Concurrent validations, registrations and sweeps must each see a whole
// entry or a clean not-found/expired. Run with -race.
func TestConcurrentValidateAndSweep(t *testing.T) {
	ctx := context.Background()
	st, clk := newTestStore(t, Reusable)

	for i := 0; i < 200; i++ {
		tok := consoleToken(fmt.Sprintf("tok-%d", i))
		if i%2 == 0 {
			tok.TTL = time.Second
		}
		st.Register(ctx, tok)
	}

	var wg sync.WaitGroup
	errs := make(chan error, 64)
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for i := 0; i < 200; i++ {
				desc, err := st.ValidateAndConsume(ctx, fmt.Sprintf("tok-%d", i))
				switch {
				case err == nil:
					if desc.Target.Port != 5900 || desc.Target.Host != "10.0.0.5" {
						errs <- fmt.Errorf("torn read: %+v", desc)
						return
					}
				case errors.Is(err, ErrTokenExpired), errors.Is(err, ErrTokenNotFound):
				default:
					errs <- err
					return
				}
			}
		}(g)
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		clk.Advance(time.Second)
		for i := 0; i < 5; i++ {
			st.Sweep(ctx, clk.Now())
		}
	}()
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Error(err)
	}
	if st.Len() != 100 {
		t.Fatalf("Len = %d, want 100", st.Len())
	}
}

func TestFingerprintHidesValue(t *testing.T) {
	fp := Fingerprint("abc123-secret")
	if strings.Contains(fp, "abc123") || len(fp) != 12 {
		t.Fatalf("Fingerprint = %q", fp)
	}
	if Fingerprint("abc123-secret") != fp {
		t.Fatal("Fingerprint not deterministic")
	}
}

func TestParsePolicy(t *testing.T) {
	for in, want := range map[string]Policy{"": Reusable, "reusable": Reusable, "Single-Use": SingleUse} {
		got, err := ParsePolicy(in)
		if err != nil || got != want {
			t.Errorf("ParsePolicy(%q) = %v, %v", in, got, err)
		}
	}
	if _, err := ParsePolicy("sometimes"); err == nil {
		t.Error("ParsePolicy accepted an unknown policy")
	}
}

func TestRegisterDetachesMetadata(t *testing.T) {
	ctx := context.Background()
	st, _ := newTestStore(t, Reusable)

	tok := consoleToken("abc123")
	tok.Metadata = map[string]string{"instance": "vm-1"}
	st.Register(ctx, tok)
	tok.Metadata["instance"] = "vm-2"

	desc, _ := st.ValidateAndConsume(ctx, "abc123")
	if desc.Metadata["instance"] != "vm-1" {
		t.Fatalf("stored metadata follows caller map: %v", desc.Metadata)
	}
	desc.Metadata["instance"] = "vm-3"
	if again, _ := st.ValidateAndConsume(ctx, "abc123"); again.Metadata["instance"] != "vm-1" {
		t.Fatalf("descriptor shares stored map: %v", again.Metadata)
	}
}
