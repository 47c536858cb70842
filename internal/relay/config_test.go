package relay

import (
	"testing"
	"time"
)

func TestValidateFillsListen(t *testing.T) {
	cfg := Config{}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("zero config rejected: %v", err)
	}
	if cfg.Listen != DefaultListen {
		t.Fatalf("listen %q, want %q", cfg.Listen, DefaultListen)
	}
}

func TestValidateKeepsExplicitListen(t *testing.T) {
	cfg := Config{Listen: "127.0.0.1:9999"}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}
	if cfg.Listen != "127.0.0.1:9999" {
		t.Fatalf("listen %q", cfg.Listen)
	}
}

func TestValidateRejectsNegatives(t *testing.T) {
	bad := []Config{
		{RegisterTimeout: -time.Second},
		{HandshakeTimeout: -time.Second},
		{MaxInflight: -1},
		{RegisterRate: -0.5},
	}
	for i, cfg := range bad {
		if err := cfg.Validate(); err == nil {
			t.Errorf("config %d accepted", i)
		}
	}
}

func TestValidateRequiresBurstWithRate(t *testing.T) {
	cfg := Config{RegisterRate: 2}
	if err := cfg.Validate(); err == nil {
		t.Fatal("rate without burst accepted")
	}
	cfg = Config{RegisterRate: 2, RegisterBurst: 4}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("rate with burst rejected: %v", err)
	}
}
