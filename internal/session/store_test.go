package session

import (
	"testing"
	"time"
)

func TestCreateAndValidate(t *testing.T) {
	store := NewStore(time.Hour, 5, time.Minute)
	token, err := store.Create("10.0.0.1")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if len(token) != 64 {
		t.Fatalf("expected 32-byte hex token, got %d chars", len(token))
	}
	if err := store.Validate(token, "10.0.0.1"); err != nil {
		t.Fatalf("validate: %v", err)
	}
}

func TestValidateRejectsUnknownToken(t *testing.T) {
	store := NewStore(time.Hour, 5, time.Minute)
	if err := store.Validate("bogus", "10.0.0.1"); err == nil {
		t.Fatalf("unknown token accepted")
	}
}

func TestValidateRejectsAddressChange(t *testing.T) {
	store := NewStore(time.Hour, 5, time.Minute)
	token, _ := store.Create("10.0.0.1")
	if err := store.Validate(token, "10.0.0.2"); err == nil {
		t.Fatalf("address change accepted")
	}
	// the session is invalidated, not just refused
	if err := store.Validate(token, "10.0.0.1"); err == nil {
		t.Fatalf("session survived address mismatch")
	}
}

func TestValidateExpiresSessions(t *testing.T) {
	store := NewStore(time.Hour, 5, time.Minute)
	token, _ := store.Create("10.0.0.1")

	now := time.Now()
	store.now = func() time.Time { return now.Add(25 * time.Hour) }
	if err := store.Validate(token, "10.0.0.1"); err == nil {
		t.Fatalf("expired session accepted")
	}
}

func TestAttemptWindow(t *testing.T) {
	store := NewStore(time.Hour, 5, 15*time.Minute)
	addr := "10.0.0.1"
	for i := 0; i < 5; i++ {
		if !store.AllowAttempt(addr) {
			t.Fatalf("attempt %d refused early", i)
		}
		store.RecordFailure(addr)
	}
	if store.AllowAttempt(addr) {
		t.Fatalf("sixth attempt inside window allowed")
	}

	// the window slides: old failures age out
	now := time.Now()
	store.now = func() time.Time { return now.Add(16 * time.Minute) }
	if !store.AllowAttempt(addr) {
		t.Fatalf("attempt refused after window passed")
	}
}

func TestClearFailures(t *testing.T) {
	store := NewStore(time.Hour, 2, 15*time.Minute)
	addr := "10.0.0.1"
	store.RecordFailure(addr)
	store.RecordFailure(addr)
	if store.AllowAttempt(addr) {
		t.Fatalf("limit not enforced")
	}
	store.ClearFailures(addr)
	if !store.AllowAttempt(addr) {
		t.Fatalf("failures not cleared")
	}
}

func TestRevoke(t *testing.T) {
	store := NewStore(time.Hour, 5, time.Minute)
	token, _ := store.Create("10.0.0.1")
	store.Revoke(token)
	if err := store.Validate(token, "10.0.0.1"); err == nil {
		t.Fatalf("revoked session accepted")
	}
}
