package collectors

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/smazurov/workerctl/internal/metrics"
	"github.com/smazurov/workerctl/pkg/sfu"
)

type fakeSampler struct {
	pid int

	mu    sync.Mutex
	usage sfu.WorkerResourceUsage
	err   error
	calls int
}

func (f *fakeSampler) Pid() int { return f.pid }

func (f *fakeSampler) GetResourceUsage(context.Context) (*sfu.WorkerResourceUsage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	u := f.usage
	return &u, nil
}

func (f *fakeSampler) set(u sfu.WorkerResourceUsage) {
	f.mu.Lock()
	f.usage = u
	f.mu.Unlock()
}

func staticSource(samplers ...*fakeSampler) *[]Sampler {
	list := make([]Sampler, len(samplers))
	for i, s := range samplers {
		list[i] = s
	}
	return &list
}

func TestUsageCollectorRecordsSamples(t *testing.T) {
	w := &fakeSampler{pid: 91001, usage: sfu.WorkerResourceUsage{
		Utime: 1500, Stime: 500, Maxrss: 2048, Nvcsw: 10, Nivcsw: 3,
	}}
	list := staticSource(w)
	c := NewUsageCollector(func() []Sampler { return *list }, time.Second)

	clock := time.Unix(1000, 0)
	c.now = func() time.Time { return clock }

	c.Collect(context.Background())
	got := metrics.GetWorkerUsage(w.pid)
	if got == nil {
		t.Fatal("no usage recorded")
	}
	if got.UserSeconds != 1.5 || got.SystemSeconds != 0.5 || got.MaxRSSKiB != 2048 || got.Load != 0 {
		t.Errorf("unexpected first sample: %+v", got)
	}
	if got.VoluntarySwitches != 10 || got.ForcedSwitches != 3 {
		t.Errorf("unexpected switches: %+v", got)
	}

	w.set(sfu.WorkerResourceUsage{Utime: 2500, Stime: 1000, Maxrss: 4096})
	clock = clock.Add(2 * time.Second)
	c.Collect(context.Background())

	got = metrics.GetWorkerUsage(w.pid)
	if got.Load != 0.75 {
		t.Errorf("Load = %v, want 0.75", got.Load)
	}
	if got.MaxRSSKiB != 4096 {
		t.Errorf("MaxRSSKiB = %d", got.MaxRSSKiB)
	}

	*list = nil
	c.Collect(context.Background())
	if metrics.GetWorkerUsage(w.pid) != nil {
		t.Error("usage of a gone worker must be dropped")
	}
}

func TestUsageCollectorSkipsFailedWorkers(t *testing.T) {
	bad := &fakeSampler{pid: 91002, err: errors.New("channel closed")}
	good := &fakeSampler{pid: 91003, usage: sfu.WorkerResourceUsage{Utime: 10}}
	list := staticSource(bad, good)
	c := NewUsageCollector(func() []Sampler { return *list }, time.Second)

	c.Collect(context.Background())

	if metrics.GetWorkerUsage(bad.pid) != nil {
		t.Error("failed sample must not be recorded")
	}
	if metrics.GetWorkerUsage(good.pid) == nil {
		t.Error("healthy worker should still be sampled")
	}
	metrics.DeleteWorkerUsage(good.pid)
}

func TestUsageCollectorStartStop(t *testing.T) {
	w := &fakeSampler{pid: 91004}
	list := staticSource(w)
	c := NewUsageCollector(func() []Sampler { return *list }, 10*time.Millisecond)

	c.Start(context.Background())
	deadline := time.Now().Add(2 * time.Second)
	for {
		w.mu.Lock()
		calls := w.calls
		w.mu.Unlock()
		if calls >= 2 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("collector did not tick")
		}
		time.Sleep(5 * time.Millisecond)
	}
	c.Stop()
	metrics.DeleteWorkerUsage(w.pid)

	if _, ok := metrics.GetAllWorkerUsage()[w.pid]; ok {
		t.Error("usage should be deleted")
	}
}
