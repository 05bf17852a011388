package main

import (
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/healthvault/healthvault/internal/config"
)

func TestDecodeSigningKey(t *testing.T) {
	valid := strings.Repeat("ab", 32)
	tests := []struct {
		name    string
		in      string
		wantLen int
		wantErr bool
	}{
		{"empty selects jwks", "", 0, false},
		{"valid hex", valid, 32, false},
		{"invalid hex", "zz" + valid[2:], 0, true},
		{"too short", "abcd", 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			key, err := decodeSigningKey(tt.in)
			if (err != nil) != tt.wantErr {
				t.Fatalf("decodeSigningKey() error = %v, wantErr %v", err, tt.wantErr)
			}
			if len(key) != tt.wantLen {
				t.Errorf("key length = %d, want %d", len(key), tt.wantLen)
			}
		})
	}
}

func TestNewLogger_Level(t *testing.T) {
	tests := []struct {
		level string
		want  zerolog.Level
	}{
		{"debug", zerolog.DebugLevel},
		{"WARN", zerolog.WarnLevel},
		{"", zerolog.InfoLevel},
		{"chatty", zerolog.InfoLevel},
	}
	for _, tt := range tests {
		t.Run(tt.level, func(t *testing.T) {
			logger := newLogger(&config.Config{Env: "production", LogLevel: tt.level})
			if got := logger.GetLevel(); got != tt.want {
				t.Errorf("level = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestRetryPolicy(t *testing.T) {
	cfg := &config.Config{
		RetryMaxAttempts: 4,
		RetryBaseDelay:   100 * time.Millisecond,
		RetryMaxDelay:    2 * time.Second,
		RetryMultiplier:  3,
		RetryJitter:      0.1,
		CallTimeout:      5 * time.Second,
	}
	p := retryPolicy(cfg)
	if p.MaxAttempts != 4 || p.BaseDelay != 100*time.Millisecond || p.Multiplier != 3 || p.CallTimeout != 5*time.Second {
		t.Errorf("unexpected policy %+v", p)
	}
	if d := p.Delay(2, nil); d != 300*time.Millisecond {
		t.Errorf("second delay = %v, want 300ms", d)
	}
}

func TestPoolConfig(t *testing.T) {
	pc := poolConfig(&config.Config{DatabaseURL: "postgres://x", DBMaxConns: 10, DBMinConns: 1, DBSchema: "healthvault"})
	if pc.URL != "postgres://x" || pc.MaxConns != 10 || pc.MinConns != 1 || pc.Schema != "healthvault" {
		t.Errorf("unexpected pool config %+v", pc)
	}
}
