package main

import (
	"testing"
)

func TestConfigFor(t *testing.T) {
	tests := []struct {
		name    string
		preset  string
		wantErr bool
	}{
		{name: "default preset", preset: "default"},
		{name: "empty means default", preset: ""},
		{name: "compact preset", preset: "compact"},
		{name: "throughput preset", preset: "throughput"},
		{name: "unknown preset", preset: "turbo", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := configFor(tt.preset)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("configFor(%q) expected error, got nil", tt.preset)
				}
				return
			}
			if err != nil {
				t.Fatalf("configFor(%q): %v", tt.preset, err)
			}
			if cfg == nil || cfg.BlockSize == 0 {
				t.Fatalf("configFor(%q) returned incomplete config: %+v", tt.preset, cfg)
			}
		})
	}
}

func TestHumanBytes(t *testing.T) {
	tests := []struct {
		n    int64
		want string
	}{
		{0, "0 B"},
		{512, "512 B"},
		{1 << 10, "1.0 KiB"},
		{1536, "1.5 KiB"},
		{1 << 20, "1.0 MiB"},
		{3 << 29, "1.50 GiB"},
	}
	for _, tt := range tests {
		if got := humanBytes(tt.n); got != tt.want {
			t.Errorf("humanBytes(%d) = %q, want %q", tt.n, got, tt.want)
		}
	}
}

func TestStressSmoke(t *testing.T) {
	preset = "compact"
	quiet = true
	defer func() { preset = "default"; quiet = false }()

	if err := runStress(2, 500, 64, 8, false); err != nil {
		t.Fatalf("stress run failed: %v", err)
	}
}
