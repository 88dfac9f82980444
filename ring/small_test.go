package ring

import (
	"bytes"
	"errors"
	"sync"
	"testing"

	"github.com/gogpu/deferred/backend/software"
)

func newTestSmallPool(t *testing.T, cfg SmallConfig) (*software.Device, *SmallPool) {
	t.Helper()
	dev := software.NewDevice()
	p, err := NewSmallPool(dev, cfg)
	if err != nil {
		t.Fatalf("NewSmallPool failed: %v", err)
	}
	t.Cleanup(p.Destroy)
	return dev, p
}

func TestSmallPool_Defaults(t *testing.T) {
	dev, p := newTestSmallPool(t, SmallConfig{})

	if p.Levels() != DefaultSmallLevels {
		t.Errorf("Levels() = %d, want %d", p.Levels(), DefaultSmallLevels)
	}
	if p.MaxBucketSize() != 63*16 {
		t.Errorf("MaxBucketSize() = %d, want %d", p.MaxBucketSize(), 63*16)
	}
	_, buffers, _ := dev.Counts()
	if want := DefaultSmallLevels*(DefaultSmallBuckets-1) + 1; buffers != want {
		t.Errorf("created %d buffers, want %d", buffers, want)
	}
}

func TestSmallPool_SearchesUpward(t *testing.T) {
	_, p := newTestSmallPool(t, SmallConfig{})

	tests := []struct {
		size       uint64
		wantBucket int
	}{
		{1, 1},
		{16, 2},  // bucket 1 taken
		{17, 3},  // rounds to 32, bucket 2 taken
		{100, 7}, // rounds to 112
		{33, 4},
	}
	for _, tt := range tests {
		b, err := p.Map(tt.size, 0)
		if err != nil {
			t.Fatalf("Map(%d) failed: %v", tt.size, err)
		}
		if b.Bucket != tt.wantBucket {
			t.Errorf("Map(%d) bucket = %d, want %d", tt.size, b.Bucket, tt.wantBucket)
		}
		if b.Buffer.Size() < tt.size {
			t.Errorf("Map(%d) buffer size %d too small", tt.size, b.Buffer.Size())
		}
		if uint64(len(b.Data)) != tt.size {
			t.Errorf("Map(%d) data length = %d", tt.size, len(b.Data))
		}
	}

	// Level 1 is independent of level 0.
	b, _ := p.Map(1, 1)
	if b.Bucket != 1 {
		t.Errorf("level 1 bucket = %d, want 1", b.Bucket)
	}
}

func TestSmallPool_Fallback(t *testing.T) {
	_, p := newTestSmallPool(t, SmallConfig{Buckets: 4})

	for want := 1; want < 4; want++ {
		b, err := p.Map(16, 0)
		if err != nil {
			t.Fatal(err)
		}
		if b.Bucket != want {
			t.Fatalf("bucket = %d, want %d", b.Bucket, want)
		}
	}

	b, err := p.Map(16, 0)
	if err != nil {
		t.Fatal(err)
	}
	if !b.Fallback() {
		t.Errorf("exhausted level returned bucket %d, want fallback", b.Bucket)
	}
	if b.Buffer.Size() != DefaultSmallFallback {
		t.Errorf("fallback size = %d, want %d", b.Buffer.Size(), DefaultSmallFallback)
	}

	big, err := p.Map(49, 1)
	if err != nil {
		t.Fatal(err)
	}
	if !big.Fallback() {
		t.Error("size above the largest bucket should use the fallback")
	}

	st := p.Stats()
	if st.Hits != 3 || st.Fallbacks != 2 {
		t.Errorf("Stats = %+v, want 3 hits 2 fallbacks", st)
	}
}

func TestSmallPool_FallbackBlocksDisjoint(t *testing.T) {
	_, p := newTestSmallPool(t, SmallConfig{})

	a, err := p.Map(2000, 0)
	if err != nil {
		t.Fatal(err)
	}
	b, err := p.Map(2000, 0)
	if err != nil {
		t.Fatal(err)
	}
	if !a.Fallback() || !b.Fallback() {
		t.Fatalf("Fallback() = %v, %v; want true, true", a.Fallback(), b.Fallback())
	}
	if a.Offset%ConstantAlignment != 0 || b.Offset%ConstantAlignment != 0 {
		t.Errorf("fallback offsets %d, %d not aligned to %d", a.Offset, b.Offset, ConstantAlignment)
	}
	if b.Offset < a.Offset+a.Size {
		t.Fatalf("fallback blocks overlap: [%d, %d) and [%d, %d)", a.Offset, a.Offset+a.Size, b.Offset, b.Offset+b.Size)
	}

	for i := range a.Data {
		a.Data[i] = 0xAA
	}
	for i := range b.Data {
		b.Data[i] = 0xBB
	}
	if a.Data[0] != 0xAA {
		t.Errorf("a.Data[0] = %#x after writing b, want 0xaa", a.Data[0])
	}
	if err := p.Unmap(b); err != nil {
		t.Fatal(err)
	}
	if err := p.Unmap(a); err != nil {
		t.Fatal(err)
	}

	buf := a.Buffer.(*software.Buffer)
	gotA, err := buf.Read(a.Offset, a.Size)
	if err != nil {
		t.Fatal(err)
	}
	gotB, err := buf.Read(b.Offset, b.Size)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(gotA, bytes.Repeat([]byte{0xAA}, int(a.Size))) {
		t.Errorf("GPU copy of a starts with %#x, want 0xaa", gotA[0])
	}
	if !bytes.Equal(gotB, bytes.Repeat([]byte{0xBB}, int(b.Size))) {
		t.Errorf("GPU copy of b starts with %#x, want 0xbb", gotB[0])
	}
}

func TestSmallPool_FallbackExhausted(t *testing.T) {
	_, p := newTestSmallPool(t, SmallConfig{Buckets: 2, FallbackSize: 512})

	for i := range 2 {
		b, err := p.Map(100, 0)
		if err != nil {
			t.Fatalf("Map #%d failed: %v", i, err)
		}
		if want := uint64(i) * ConstantAlignment; b.Offset != want {
			t.Errorf("Map #%d offset = %d, want %d", i, b.Offset, want)
		}
	}
	if _, err := p.Map(100, 0); !errors.Is(err, ErrExhausted) {
		t.Fatalf("third fallback error = %v, want ErrExhausted", err)
	}

	p.Reset()
	b, err := p.Map(100, 0)
	if err != nil {
		t.Fatalf("Map after Reset failed: %v", err)
	}
	if b.Offset != 0 {
		t.Errorf("offset after Reset = %d, want 0", b.Offset)
	}
}

func TestSmallPool_Errors(t *testing.T) {
	_, p := newTestSmallPool(t, SmallConfig{})

	if _, err := p.Map(0, 0); !errors.Is(err, ErrInvalidSize) {
		t.Errorf("Map(0) error = %v, want ErrInvalidSize", err)
	}
	if _, err := p.Map(DefaultSmallFallback+1, 0); !errors.Is(err, ErrTooLarge) {
		t.Errorf("Map(%d) error = %v, want ErrTooLarge", DefaultSmallFallback+1, err)
	}
	if _, err := p.Map(16, DefaultSmallLevels); !errors.Is(err, ErrInvalidLevel) {
		t.Errorf("Map level %d error = %v, want ErrInvalidLevel", DefaultSmallLevels, err)
	}
}

func TestSmallPool_Reset(t *testing.T) {
	_, p := newTestSmallPool(t, SmallConfig{})

	if _, err := p.Map(16, 2); err != nil {
		t.Fatal(err)
	}
	if p.Claimed(2) == 0 {
		t.Fatal("Claimed(2) = 0 after Map")
	}
	p.Reset()
	if p.Claimed(2) != 0 {
		t.Errorf("Claimed(2) = %#x after Reset, want 0", p.Claimed(2))
	}
	b, _ := p.Map(16, 2)
	if b.Bucket != 1 {
		t.Errorf("bucket after Reset = %d, want 1", b.Bucket)
	}
}

func TestSmallPool_UnmapUploads(t *testing.T) {
	_, p := newTestSmallPool(t, SmallConfig{})

	b, err := p.Map(20, 0)
	if err != nil {
		t.Fatal(err)
	}
	want := []byte("0123456789abcdefghij")
	copy(b.Data, want)
	if err := p.Unmap(b); err != nil {
		t.Fatalf("Unmap failed: %v", err)
	}

	got, err := b.Buffer.(*software.Buffer).Read(0, 20)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, want) {
		t.Errorf("buffer holds %q, want %q", got, want)
	}
}

func TestSmallPool_ConcurrentClaims(t *testing.T) {
	_, p := newTestSmallPool(t, SmallConfig{})

	const n = DefaultSmallBuckets - 1
	var wg sync.WaitGroup
	buckets := make(chan int, n)
	for range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			b, err := p.Map(16, 0)
			if err != nil {
				t.Error(err)
				return
			}
			buckets <- b.Bucket
		}()
	}
	wg.Wait()
	close(buckets)

	seen := make(map[int]bool)
	for b := range buckets {
		if b < 0 {
			t.Fatal("concurrent claim fell back while buckets were free")
		}
		if seen[b] {
			t.Fatalf("bucket %d claimed twice", b)
		}
		seen[b] = true
	}
	if len(seen) != n {
		t.Errorf("claimed %d distinct buckets, want %d", len(seen), n)
	}
}
