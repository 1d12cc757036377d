package unboundedchan

import (
	"testing"
	"time"
)

// A burst written with no reader attached must never block the sender,
// and every value must come out in order once a reader appears.
func TestBurstThenDrain(t *testing.T) {
	uc := New[int]()

	const n = 1000
	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < n; i++ {
			uc.In() <- i
		}
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("sender blocked with no reader attached")
	}

	for i := 0; i < n; i++ {
		got := <-uc.Out()
		if got != i {
			t.Fatalf("value %d arrived as %d, order lost", i, got)
		}
	}
	close(uc.In())
	if _, ok := <-uc.Out(); ok {
		t.Error("output still open after input close and full drain")
	}
}

func TestCloseFlushesBacklog(t *testing.T) {
	uc := New[string]()
	words := []string{"start", "chunk", "chunk", "stop"}
	for _, w := range words {
		uc.In() <- w
	}
	close(uc.In())

	var got []string
	for w := range uc.Out() {
		got = append(got, w)
	}
	if len(got) != len(words) {
		t.Fatalf("drained %d values after close, want %d", len(got), len(words))
	}
	for i, w := range words {
		if got[i] != w {
			t.Errorf("value %d = %q, want %q", i, got[i], w)
		}
	}
}

func TestInterleavedProducerConsumer(t *testing.T) {
	uc := New[int]()
	const n = 50
	go func() {
		for i := 0; i < n; i++ {
			uc.In() <- i
			if i%7 == 0 {
				time.Sleep(time.Millisecond)
			}
		}
		close(uc.In())
	}()

	sum := 0
	for v := range uc.Out() {
		sum += v
	}
	if want := n * (n - 1) / 2; sum != want {
		t.Errorf("values summed to %d, want %d", sum, want)
	}
}
