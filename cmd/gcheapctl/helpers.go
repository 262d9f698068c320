package main

import (
	"fmt"

	"github.com/joshuapare/gcheap"
)

// configFor maps a preset name to a heap configuration.
func configFor(name string) (*gcheap.Config, error) {
	switch name {
	case "default", "":
		cfg := gcheap.ConfigDefault
		return &cfg, nil
	case "compact":
		cfg := gcheap.ConfigCompact
		return &cfg, nil
	case "throughput":
		cfg := gcheap.ConfigThroughput
		return &cfg, nil
	}
	return nil, fmt.Errorf("unknown config preset %q (want default, compact, or throughput)", name)
}

// humanBytes renders a byte count with a binary unit suffix.
func humanBytes(n int64) string {
	switch {
	case n < 1<<10:
		return fmt.Sprintf("%d B", n)
	case n < 1<<20:
		return fmt.Sprintf("%.1f KiB", float64(n)/(1<<10))
	case n < 1<<30:
		return fmt.Sprintf("%.1f MiB", float64(n)/(1<<20))
	}
	return fmt.Sprintf("%.2f GiB", float64(n)/(1<<30))
}
