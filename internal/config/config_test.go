package config

import (
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("CORPUSHUB_TOKEN_SECRET", "test-secret")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.ListenAddr != ":8080" {
		t.Fatalf("listen addr = %q", cfg.ListenAddr)
	}
	if cfg.TokenTTL != 15*time.Minute {
		t.Fatalf("token ttl = %v", cfg.TokenTTL)
	}
	if cfg.LockoutThreshold != 5 {
		t.Fatalf("lockout threshold = %d", cfg.LockoutThreshold)
	}
	if len(cfg.LockoutExempt) != 1 || cfg.LockoutExempt[0] != "public" {
		t.Fatalf("lockout exempt = %v", cfg.LockoutExempt)
	}
	if !cfg.ProtectedInstall {
		t.Fatal("protected install must default on")
	}
	if len(cfg.ReservedSubjects) != 1 || cfg.ReservedSubjects[0] != "public" {
		t.Fatalf("reserved subjects = %v", cfg.ReservedSubjects)
	}
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("CORPUSHUB_TOKEN_SECRET", "test-secret")
	t.Setenv("CORPUSHUB_LISTEN_ADDR", ":9100")
	t.Setenv("CORPUSHUB_LOCKOUT_THRESHOLD", "3")
	t.Setenv("CORPUSHUB_LOCKOUT_EXEMPT", "public,demo")
	t.Setenv("CORPUSHUB_TOKEN_TTL", "1h")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.ListenAddr != ":9100" || cfg.LockoutThreshold != 3 || cfg.TokenTTL != time.Hour {
		t.Fatalf("overrides not applied: %+v", cfg)
	}
	if len(cfg.LockoutExempt) != 2 {
		t.Fatalf("lockout exempt = %v", cfg.LockoutExempt)
	}
}

func TestLoadRejectsMissingSecret(t *testing.T) {
	t.Setenv("CORPUSHUB_TOKEN_SECRET", "")
	if _, err := Load(); err == nil {
		t.Fatal("expected error for missing token secret")
	}
}

func TestLoadRejectsBadKnobs(t *testing.T) {
	t.Setenv("CORPUSHUB_TOKEN_SECRET", "test-secret")
	t.Setenv("CORPUSHUB_LOCKOUT_THRESHOLD", "0")
	if _, err := Load(); err == nil {
		t.Fatal("expected error for zero lockout threshold")
	}
}
