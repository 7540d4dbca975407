package playout_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/MrWong99/switchboard/pkg/audio"
	"github.com/MrWong99/switchboard/pkg/audio/playout"
)

// sendLog records frames delivered by a Player.
type sendLog struct {
	mu     sync.Mutex
	frames []audio.AudioFrame
	gate   chan struct{} // if non-nil, each send waits for a value
	inSend chan struct{} // if non-nil, signalled when a send starts
}

func (l *sendLog) send(ctx context.Context, f audio.AudioFrame) error {
	if l.inSend != nil {
		select {
		case l.inSend <- struct{}{}:
		default:
		}
	}
	if l.gate != nil {
		select {
		case <-l.gate:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.frames = append(l.frames, f)
	return nil
}

func (l *sendLog) seqs() []uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]uint64, len(l.frames))
	for i, f := range l.frames {
		out[i] = f.Seq
	}
	return out
}

func frame(seq uint64) audio.AudioFrame {
	return audio.AudioFrame{Data: []byte{byte(seq)}, Seq: seq, Encoding: audio.EncodingMuLaw, SampleRate: 8000, Channels: 1}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

func TestPlayer_PreservesOrder(t *testing.T) {
	t.Parallel()

	log := &sendLog{}
	p := playout.New(log.send, playout.WithInterval(0))
	t.Cleanup(func() { _ = p.Close() })

	ctx := context.Background()
	for i := uint64(1); i <= 5; i++ {
		if err := p.Enqueue(ctx, "t1", frame(i)); err != nil {
			t.Fatalf("Enqueue: %v", err)
		}
	}
	waitFor(t, func() bool { return len(log.seqs()) == 5 })
	for i, seq := range log.seqs() {
		if seq != uint64(i+1) {
			t.Errorf("position %d: got seq %d", i, seq)
		}
	}
}

func TestPlayer_MarkFiresAfterFrames(t *testing.T) {
	t.Parallel()

	log := &sendLog{}
	done := make(chan string, 1)
	var sentAtMark int
	p := playout.New(log.send,
		playout.WithInterval(0),
		playout.WithOnDone(func(turnID string) {
			sentAtMark = len(log.seqs())
			done <- turnID
		}),
	)
	t.Cleanup(func() { _ = p.Close() })

	ctx := context.Background()
	for i := uint64(1); i <= 3; i++ {
		if err := p.Enqueue(ctx, "t1", frame(i)); err != nil {
			t.Fatalf("Enqueue: %v", err)
		}
	}
	if err := p.Mark("t1"); err != nil {
		t.Fatalf("Mark: %v", err)
	}

	select {
	case id := <-done:
		if id != "t1" {
			t.Errorf("OnDone turn = %q, want t1", id)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("OnDone not called")
	}
	if sentAtMark != 3 {
		t.Errorf("frames sent before marker = %d, want 3", sentAtMark)
	}
}

func TestPlayer_PurgeDropsQueuedFrames(t *testing.T) {
	t.Parallel()

	log := &sendLog{gate: make(chan struct{}), inSend: make(chan struct{}, 1)}
	var doneCalls []string
	var mu sync.Mutex
	p := playout.New(log.send,
		playout.WithInterval(0),
		playout.WithOnDone(func(id string) {
			mu.Lock()
			doneCalls = append(doneCalls, id)
			mu.Unlock()
		}),
	)
	t.Cleanup(func() { _ = p.Close() })

	ctx := context.Background()
	for i := uint64(1); i <= 5; i++ {
		if err := p.Enqueue(ctx, "old", frame(i)); err != nil {
			t.Fatalf("Enqueue: %v", err)
		}
	}
	_ = p.Mark("old")

	// Frame 1 is now in flight and blocked on the gate.
	<-log.inSend

	purged := make(chan int, 1)
	go func() { purged <- p.Purge("old") }()

	select {
	case <-purged:
		t.Fatal("Purge returned while a send was in flight")
	case <-time.After(50 * time.Millisecond):
	}

	log.gate <- struct{}{}
	var dropped int
	select {
	case dropped = <-purged:
	case <-time.After(2 * time.Second):
		t.Fatal("Purge did not return")
	}
	if dropped != 4 {
		t.Errorf("dropped = %d, want 4", dropped)
	}

	if err := p.Enqueue(ctx, "old", frame(6)); !errors.Is(err, playout.ErrPurged) {
		t.Errorf("Enqueue after purge: err = %v, want ErrPurged", err)
	}
	if err := p.Mark("old"); !errors.Is(err, playout.ErrPurged) {
		t.Errorf("Mark after purge: err = %v, want ErrPurged", err)
	}

	close(log.gate)
	if err := p.Enqueue(ctx, "new", frame(100)); err != nil {
		t.Fatalf("Enqueue new turn: %v", err)
	}
	waitFor(t, func() bool { return len(log.seqs()) == 2 })

	got := log.seqs()
	if got[0] != 1 || got[1] != 100 {
		t.Errorf("send log = %v, want [1 100]", got)
	}
	mu.Lock()
	defer mu.Unlock()
	if len(doneCalls) != 0 {
		t.Errorf("OnDone fired for purged marker: %v", doneCalls)
	}
}

func TestPlayer_PurgeKeepsOtherTurns(t *testing.T) {
	t.Parallel()

	log := &sendLog{gate: make(chan struct{}), inSend: make(chan struct{}, 1)}
	p := playout.New(log.send, playout.WithInterval(0))
	t.Cleanup(func() { _ = p.Close() })

	ctx := context.Background()
	_ = p.Enqueue(ctx, "a", frame(1))
	<-log.inSend
	_ = p.Enqueue(ctx, "b", frame(2))
	_ = p.Enqueue(ctx, "a", frame(3))
	_ = p.Enqueue(ctx, "b", frame(4))

	// Release the in-flight send only once frame 3 has left the queue.
	go func() {
		for p.Len() != 2 {
			time.Sleep(time.Millisecond)
		}
		close(log.gate)
	}()
	if n := p.Purge("a"); n != 1 {
		t.Errorf("dropped = %d, want 1", n)
	}

	waitFor(t, func() bool { return len(log.seqs()) == 3 })
	got := log.seqs()
	want := []uint64{1, 2, 4}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("send log = %v, want %v", got, want)
		}
	}
}

func TestPlayer_EnqueueBlocksWhenFull(t *testing.T) {
	t.Parallel()

	log := &sendLog{gate: make(chan struct{}), inSend: make(chan struct{}, 1)}
	p := playout.New(log.send, playout.WithInterval(0), playout.WithCapacity(2))
	t.Cleanup(func() { _ = p.Close() })

	bg := context.Background()
	_ = p.Enqueue(bg, "t", frame(1))
	<-log.inSend
	_ = p.Enqueue(bg, "t", frame(2))
	_ = p.Enqueue(bg, "t", frame(3))

	ctx, cancel := context.WithTimeout(bg, 30*time.Millisecond)
	defer cancel()
	if err := p.Enqueue(ctx, "t", frame(4)); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Enqueue on full queue: err = %v, want DeadlineExceeded", err)
	}

	// A purge wakes blocked writers of the purged turn with ErrPurged.
	errCh := make(chan error, 1)
	go func() { errCh <- p.Enqueue(bg, "t", frame(5)) }()
	time.Sleep(20 * time.Millisecond)
	go func() { log.gate <- struct{}{} }()
	p.Purge("t")
	select {
	case err := <-errCh:
		if !errors.Is(err, playout.ErrPurged) {
			t.Errorf("blocked Enqueue: err = %v, want ErrPurged", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("blocked Enqueue not released by Purge")
	}
}

func TestPlayer_Pacing(t *testing.T) {
	t.Parallel()

	log := &sendLog{}
	p := playout.New(log.send, playout.WithInterval(10*time.Millisecond))
	t.Cleanup(func() { _ = p.Close() })

	start := time.Now()
	for i := uint64(1); i <= 5; i++ {
		_ = p.Enqueue(context.Background(), "t", frame(i))
	}
	waitFor(t, func() bool { return len(log.seqs()) == 5 })
	// Five frames need at least four full intervals between them.
	if elapsed := time.Since(start); elapsed < 40*time.Millisecond {
		t.Errorf("5 paced frames took %v, want >= 40ms", elapsed)
	}
}

func TestPlayer_Close(t *testing.T) {
	t.Parallel()

	log := &sendLog{}
	p := playout.New(log.send)
	if err := p.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := p.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
	if err := p.Enqueue(context.Background(), "t", frame(1)); !errors.Is(err, playout.ErrClosed) {
		t.Errorf("Enqueue after Close: err = %v, want ErrClosed", err)
	}
	if err := p.Mark("t"); !errors.Is(err, playout.ErrClosed) {
		t.Errorf("Mark after Close: err = %v, want ErrClosed", err)
	}
}

func TestPlayer_SendErrorReported(t *testing.T) {
	t.Parallel()

	boom := errors.New("boom")
	errs := make(chan error, 1)
	p := playout.New(
		func(context.Context, audio.AudioFrame) error { return boom },
		playout.WithInterval(0),
		playout.WithOnError(func(err error) { errs <- err }),
	)
	t.Cleanup(func() { _ = p.Close() })

	_ = p.Enqueue(context.Background(), "t", frame(1))
	select {
	case err := <-errs:
		if !errors.Is(err, boom) {
			t.Errorf("OnError got %v, want boom", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("OnError not called")
	}
}
