package wal

import (
	"fmt"
	"math/rand"
	"sync/atomic"
	"testing"

	"github.com/vergedb/verge/pkg/types"
)

func pushN(b *AtomicLogBuffer, from, to types.LogID) {
	for id := from; id < to; id++ {
		b.Push(id, Record{Msg: []byte(fmt.Sprintf("str_%d", id))})
	}
}

func checkIterator(t *testing.T, b *AtomicLogBuffer, from, to, expected types.LogID) {
	t.Helper()
	it := b.Iterator(from, to)
	for ; it.Valid(); it.Next() {
		want := fmt.Sprintf("str_%d", from)
		if got := string(it.Msg()); got != want {
			t.Fatalf("at %d: got %q, want %q", from, got, want)
		}
		from++
	}
	if from != expected {
		t.Fatalf("iterator stopped at %d, want %d", from, expected)
	}
}

func TestBufferReadWrite(t *testing.T) {
	b := NewAtomicLogBuffer(0)
	pushN(b, 0, 1000)
	checkIterator(t, b, 200, 1000, 1000)
	checkIterator(t, b, 200, 1500, 1000)
	checkIterator(t, b, 200, 800, 801)

	it := b.Iterator(1200, 1800)
	if it.Valid() {
		t.Fatal("iterator past the head must be invalid")
	}
}

func TestBufferOverflowEvictsTail(t *testing.T) {
	b := NewAtomicLogBuffer(128)
	pushN(b, 0, 1000)
	// early ids have been evicted; the reader must fall back to the WAL
	it := b.Iterator(100, 1800)
	if it.Valid() {
		t.Fatal("evicted range must be invalid")
	}
	if b.FirstLogID() <= 100 {
		t.Fatalf("firstLogID = %d, want > 100", b.FirstLogID())
	}
}

func TestBufferResetThenPush(t *testing.T) {
	b := NewAtomicLogBuffer(1 << 20)
	pushN(b, 0, maxNodeLength+1)

	b.Reset()
	if b.seek(0) != nil || b.seek(maxNodeLength) != nil {
		t.Fatal("reset buffer must not serve old ids")
	}

	// next push starts a fresh chain
	id := types.LogID(maxNodeLength + 1)
	b.Push(id, Record{Msg: []byte("fresh")})
	if b.FirstLogID() != id || b.LastLogID() != id {
		t.Fatalf("fresh chain bounds = [%d, %d], want [%d, %d]",
			b.FirstLogID(), b.LastLogID(), id, id)
	}
	if b.seek(id) == nil {
		t.Fatal("fresh push must be seekable")
	}

	b.Push(id+1, Record{Msg: []byte("more")})
	if b.seek(id+1) == nil {
		t.Fatal("subsequent push must be seekable")
	}
}

func TestBufferIteratorsSurviveReset(t *testing.T) {
	b := NewAtomicLogBuffer(1 << 20)
	pushN(b, 0, 100)
	it := b.Iterator(10, 50)
	if !it.Valid() {
		t.Fatal("iterator should start valid")
	}
	b.Reset()
	// the pre-reset iterator observes deleted markers and stops
	for it.Valid() {
		it.Next()
	}
}

func TestBufferSingleWriterMultiReader(t *testing.T) {
	if testing.Short() {
		t.Skip("concurrency soak")
	}
	b := NewAtomicLogBuffer(100 * 1024)
	const total = 200000
	var writePoint atomic.Int64

	done := make(chan struct{})
	go func() {
		defer close(done)
		for id := types.LogID(0); id < total; id++ {
			b.Push(id, Record{Msg: []byte(fmt.Sprintf("str_%d", id))})
			writePoint.Store(id)
		}
	}()

	errs := make(chan error, 4)
	for r := 0; r < 4; r++ {
		go func(seed int64) {
			rng := rand.New(rand.NewSource(seed))
			var err error
			for times := 0; times < 2000; times++ {
				wp := writePoint.Load() - 1
				if wp < 1 {
					continue
				}
				first := b.FirstLogID()
				if first < 0 || first >= wp {
					continue
				}
				start := first + rng.Int63n(wp-first)
				it := b.Iterator(start, start+rng.Int63n(500))
				num := start
				for ; it.Valid(); it.Next() {
					want := fmt.Sprintf("str_%d", num)
					if got := string(it.Msg()); got != want {
						err = fmt.Errorf("at %d: got %q, want %q", num, got, want)
						break
					}
					if it.LogID() != num {
						err = fmt.Errorf("log id %d, want %d", it.LogID(), num)
						break
					}
					num++
				}
				if err != nil {
					break
				}
			}
			errs <- err
		}(int64(r))
	}

	<-done
	for r := 0; r < 4; r++ {
		if err := <-errs; err != nil {
			t.Fatal(err)
		}
	}
}
