package sched

import (
	"sync"
	"testing"
	"time"
)

type recorder struct {
	mu    sync.Mutex
	fired []string
	ch    chan string
}

func newRecorder() *recorder {
	return &recorder{ch: make(chan string, 16)}
}

func (r *recorder) fire(s string) {
	r.mu.Lock()
	r.fired = append(r.fired, s)
	r.mu.Unlock()
	r.ch <- s
}

func (r *recorder) next(t *testing.T) string {
	t.Helper()
	select {
	case s := <-r.ch:
		return s
	case <-time.After(5 * time.Second):
		t.Fatal("timeout never fired")
		return ""
	}
}

func TestTimeoutsFireInDeadlineOrder(t *testing.T) {
	r := newRecorder()
	w := NewTimeouts(r.fire)
	go w.Run()
	defer w.Stop()

	now := time.Now()
	w.Add(now.Add(60*time.Millisecond), "c")
	w.Add(now.Add(20*time.Millisecond), "a")
	w.Add(now.Add(40*time.Millisecond), "b")

	for _, want := range []string{"a", "b", "c"} {
		if got := r.next(t); got != want {
			t.Errorf("fired %q, want %q", got, want)
		}
	}
	if w.Fired() != 3 || w.Len() != 0 {
		t.Errorf("Fired = %d, Len = %d", w.Fired(), w.Len())
	}
}

func TestTimeoutsEarlierRegistrationWakesWorker(t *testing.T) {
	r := newRecorder()
	w := NewTimeouts(r.fire)
	go w.Run()
	defer w.Stop()

	w.Add(time.Now().Add(time.Hour), "late")
	time.Sleep(5 * time.Millisecond)
	start := time.Now()
	w.Add(time.Now().Add(10*time.Millisecond), "soon")

	if got := r.next(t); got != "soon" {
		t.Fatalf("fired %q", got)
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Errorf("early registration fired after %s", elapsed)
	}
}

func TestTimeoutsCancel(t *testing.T) {
	r := newRecorder()
	w := NewTimeouts(r.fire)
	go w.Run()
	defer w.Stop()

	cancelled := w.Add(time.Now().Add(10*time.Millisecond), "cancelled")
	w.Add(time.Now().Add(30*time.Millisecond), "kept")
	if !w.Cancel(cancelled) {
		t.Fatal("Cancel of a pending timeout returned false")
	}
	if w.Cancel(cancelled) {
		t.Error("second Cancel returned true")
	}

	if got := r.next(t); got != "kept" {
		t.Errorf("fired %q, want kept", got)
	}
}

func TestTimeoutsCancelAfterFire(t *testing.T) {
	r := newRecorder()
	w := NewTimeouts(r.fire)
	go w.Run()
	defer w.Stop()

	to := w.Add(time.Now(), "now")
	r.next(t)
	if w.Cancel(to) {
		t.Error("Cancel after fire returned true")
	}
}
