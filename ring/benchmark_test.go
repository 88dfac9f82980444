package ring

import (
	"testing"

	"github.com/gogpu/deferred/backend/software"
)

// =============================================================================
// Allocator Benchmarks
// =============================================================================

// BenchmarkMapData_Frame benchmarks 64 vertex allocations followed by a
// frame swap and reclaim, the steady-state pattern of one frame.
func BenchmarkMapData_Frame(b *testing.B) {
	a, err := New(software.NewDevice(), Config{Kind: KindVertex, Capacity: 1 << 20, FramesInFlight: 4})
	if err != nil {
		b.Fatal(err)
	}
	defer a.Destroy()

	b.ReportAllocs()
	b.ResetTimer()

	for i := 0; i < b.N; i++ {
		slot := i % 4
		for range 64 {
			if _, err := a.MapData(240); err != nil {
				b.Fatal(err)
			}
		}
		if err := a.SwapFrame(slot); err != nil {
			b.Fatal(err)
		}
		if err := a.FreeOldFrame((slot + 2) % 4); err != nil {
			b.Fatal(err)
		}
	}
}

// BenchmarkSmallPool_Map benchmarks claiming small constant blocks with a
// reset every 32 claims.
func BenchmarkSmallPool_Map(b *testing.B) {
	p, err := NewSmallPool(software.NewDevice(), SmallConfig{})
	if err != nil {
		b.Fatal(err)
	}
	defer p.Destroy()

	b.ReportAllocs()
	b.ResetTimer()

	for i := 0; i < b.N; i++ {
		if i%32 == 0 {
			p.Reset()
		}
		if _, err := p.Map(16, 0); err != nil {
			b.Fatal(err)
		}
	}
}
