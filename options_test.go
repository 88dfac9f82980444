package deferred

import (
	"errors"
	"testing"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("DefaultConfig().Validate() = %v", err)
	}
	if cfg.Workers != 4 || cfg.JobSlots != 32 {
		t.Errorf("workers/slots = %d/%d, want 4/32", cfg.Workers, cfg.JobSlots)
	}
	if cfg.VertexRingSize != 128<<20 || cfg.ConstantRingSize != 32<<20 {
		t.Errorf("ring sizes = %d/%d", cfg.VertexRingSize, cfg.ConstantRingSize)
	}
	if cfg.FramesInFlight != 8 || cfg.ReclaimLag != 6 {
		t.Errorf("pacing = %d/%d, want 8/6", cfg.FramesInFlight, cfg.ReclaimLag)
	}
	if cfg.SmallThreshold != 32 {
		t.Errorf("SmallThreshold = %d, want 32", cfg.SmallThreshold)
	}
	if !cfg.CopyBindings {
		t.Error("CopyBindings should default to true")
	}
}

func TestOptions(t *testing.T) {
	cfg := DefaultConfig()
	for _, opt := range []Option{
		WithWorkers(2),
		WithJobSlots(6),
		WithRingSizes(1000, 2048),
		WithFramePacing(3, 2),
		WithSmallConstants(64, 2, 8),
		WithoutBindingCopy(),
		WithStrictReclaim(),
	} {
		opt(&cfg)
	}

	want := Config{
		Workers:          2,
		JobSlots:         6,
		VertexRingSize:   1000,
		ConstantRingSize: 2048,
		FramesInFlight:   3,
		ReclaimLag:       2,
		SmallThreshold:   64,
		SmallLevels:      2,
		SmallBuckets:     8,
		CopyBindings:     false,
		StrictReclaim:    true,
	}
	if cfg != want {
		t.Errorf("config = %+v, want %+v", cfg, want)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("Validate() = %v", err)
	}

	WithConfig(DefaultConfig())(&cfg)
	if cfg != DefaultConfig() {
		t.Error("WithConfig did not replace the configuration")
	}
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"no workers", func(c *Config) { c.Workers = 0 }},
		{"fewer slots than workers", func(c *Config) { c.JobSlots = c.Workers - 1 }},
		{"empty vertex ring", func(c *Config) { c.VertexRingSize = 0 }},
		{"unaligned constant ring", func(c *Config) { c.ConstantRingSize = 1000 }},
		{"no frames in flight", func(c *Config) { c.FramesInFlight = 0 }},
		{"lag equals frames", func(c *Config) { c.ReclaimLag = c.FramesInFlight }},
		{"negative lag", func(c *Config) { c.ReclaimLag = -1 }},
		{"no small levels", func(c *Config) { c.SmallLevels = 0 }},
		{"too many buckets", func(c *Config) { c.SmallBuckets = 65 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(&cfg)
			if err := cfg.Validate(); !errors.Is(err, ErrInvalidConfig) {
				t.Errorf("Validate() = %v, want ErrInvalidConfig", err)
			}
		})
	}
}
