package jobs

import (
	"testing"

	"github.com/gogpu/deferred/backend/software"
)

// BenchmarkSubmitExecute benchmarks a round trip of one recorded job.
func BenchmarkSubmitExecute(b *testing.B) {
	s, err := New(software.NewDevice(), Config{Workers: 4, Slots: 32})
	if err != nil {
		b.Fatal(err)
	}
	defer func() { _ = s.Close() }()

	noop := func(*Recorder, uint64, uint32) {}

	b.ReportAllocs()
	b.ResetTimer()

	for i := 0; i < b.N; i++ {
		h, err := s.Submit(noop, 0, 0, RecordCommands)
		if err != nil {
			b.Fatal(err)
		}
		if err := s.Execute(h); err != nil {
			b.Fatal(err)
		}
	}
}

// BenchmarkSubmitBatch benchmarks filling every slot and waiting in order.
func BenchmarkSubmitBatch(b *testing.B) {
	s, err := New(software.NewDevice(), Config{Workers: 4, Slots: 32})
	if err != nil {
		b.Fatal(err)
	}
	defer func() { _ = s.Close() }()

	noop := func(*Recorder, uint64, uint32) {}
	handles := make([]Handle, 0, 32)

	b.ReportAllocs()
	b.ResetTimer()

	for i := 0; i < b.N; i++ {
		handles = handles[:0]
		for range 32 {
			h, err := s.Submit(noop, 0, 0, RecordCommands)
			if err != nil {
				b.Fatal(err)
			}
			handles = append(handles, h)
		}
		for _, h := range handles {
			if err := s.Execute(h); err != nil {
				b.Fatal(err)
			}
		}
	}
}
