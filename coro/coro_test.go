package coro

import (
	"testing"
	"time"
)

func TestPingPong(t *testing.T) {
	sw := NewGoroutines()
	worker := NewContext()
	proc := NewContext()

	var trace []int
	sw.InitStack(proc, func(data any) {
		n := data.(int)
		for i := 0; i < n; i++ {
			trace = append(trace, i)
			if sig := sw.Switch(proc, worker, Yield); sig != Resume {
				t.Errorf("process resumed with %s", sig)
			}
		}
		sw.Exit(worker, Exit)
	}, 3)

	yields := 0
	for {
		sig := sw.Switch(worker, proc, Resume)
		if sig == Exit {
			break
		}
		if sig != Yield {
			t.Fatalf("worker got %s", sig)
		}
		yields++
	}
	if yields != 3 || len(trace) != 3 {
		t.Errorf("yields = %d, trace = %v", yields, trace)
	}
	if sw.Switches() != 8 {
		t.Errorf("Switches = %d, want 8", sw.Switches())
	}
}

// TestResumeBeforePark hands the baton to a process that has not parked
// yet; the signal must wait in the slot.
func TestResumeBeforePark(t *testing.T) {
	sw := NewGoroutines()
	worker := NewContext()
	proc := NewContext()
	parked := make(chan struct{})

	sw.InitStack(proc, func(any) {
		close(parked)
		time.Sleep(10 * time.Millisecond)
		if sig := sw.Switch(proc, worker, Suspend); sig != Resume {
			t.Errorf("resumed with %s", sig)
		}
		sw.Exit(worker, Exit)
	}, nil)

	proc.baton <- Resume
	<-parked
	// The process is still running; the wake arrives before it parks.
	proc.baton <- Resume

	if sig := <-worker.baton; sig != Suspend {
		t.Fatalf("worker got %s, want suspend", sig)
	}
	if sig := <-worker.baton; sig != Exit {
		t.Errorf("worker got %s, want exit", sig)
	}
}

func TestAbortBeforeStart(t *testing.T) {
	sw := NewGoroutines()
	proc := NewContext()
	ran := make(chan struct{}, 1)
	sw.InitStack(proc, func(any) { ran <- struct{}{} }, nil)
	sw.Abort(proc)

	select {
	case <-ran:
		t.Error("aborted entry ran")
	case <-time.After(20 * time.Millisecond):
	}
	if !proc.Started() {
		t.Error("context not marked started")
	}
}

func TestSignalString(t *testing.T) {
	for sig, want := range map[Signal]string{Resume: "resume", Collect: "collect", Signal(42): "signal(42)"} {
		if got := sig.String(); got != want {
			t.Errorf("%d.String() = %q, want %q", sig, got, want)
		}
	}
}
