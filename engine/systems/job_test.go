package systems

import (
	"errors"
	"io"
	"sync/atomic"
	"testing"

	"github.com/spaghettifunk/lumen/engine/core"
)

func init() {
	core.SetLogOutput(io.Discard)
}

func TestNewJobSystemRejectsBadSizes(t *testing.T) {
	if _, err := NewJobSystem(0, 1); !errors.Is(err, ErrNoWorkers) {
		t.Errorf("expected ErrNoWorkers, got %v", err)
	}
	if _, err := NewJobSystem(1, -1); !errors.Is(err, ErrNegativeChannelSize) {
		t.Errorf("expected ErrNegativeChannelSize, got %v", err)
	}
}

func TestRunAll(t *testing.T) {
	js, err := NewJobSystem(3, 0)
	if err != nil {
		t.Fatal(err)
	}
	defer js.Shutdown()

	var ran, completed, failed atomic.Int32
	boom := errors.New("boom")
	jobs := make([]Job, 10)
	for i := range jobs {
		jobs[i] = Job{
			Name: "job",
			Run: func() error {
				ran.Add(1)
				if i%4 == 0 {
					return boom
				}
				return nil
			},
			OnComplete: func() { completed.Add(1) },
			OnFailure:  func(error) { failed.Add(1) },
		}
	}

	err = js.RunAll(jobs)
	if !errors.Is(err, boom) {
		t.Fatalf("expected joined failures, got %v", err)
	}
	if ran.Load() != 10 || completed.Load() != 7 || failed.Load() != 3 {
		t.Errorf("ran %d, completed %d, failed %d", ran.Load(), completed.Load(), failed.Load())
	}
}

func TestShutdownTwice(t *testing.T) {
	js, err := NewJobSystem(2, 4)
	if err != nil {
		t.Fatal(err)
	}
	var n atomic.Int32
	for i := 0; i < 4; i++ {
		js.Submit(Job{Name: "count", Run: func() error { n.Add(1); return nil }})
	}
	js.Shutdown()
	js.Shutdown()
	if n.Load() != 4 {
		t.Errorf("ran %d of 4 queued jobs", n.Load())
	}
}
