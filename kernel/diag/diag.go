// Package diag records scheduler dispatch histograms and emits them as a
// pprof-format profile, so developer tooling can load a scheduler run
// into `go tool pprof` instead
// of eyeballing log lines. This is purely a diagnostics aid: nothing in
// the kernel's dispatch path depends on it being wired up.
//
// Grounded on the teacher's own github.com/google/pprof dependency, which
// the teacher declares but never calls from its kernel code; this package
// gives it a concrete caller by using google/pprof/profile to build a
// synthetic non-CPU profile (samples keyed by scheduler entity label
// rather than a call stack) the way tools outside the corpus commonly do
// for custom histograms.
package diag

import (
	"fmt"
	"io"
	"sort"
	"sync"

	"github.com/google/pprof/profile"

	"kestrel/sched"
)

// dispatchBucket accumulates one entity label's dispatch count and total
// time spent Running, measured in RTC units (nanoseconds).
type dispatchBucket struct {
	count      int64
	totalRTCNs int64
	maxRTCNs   int64
}

// Recorder accumulates per-entity dispatch histograms across a scheduler
// run. It is safe for concurrent use, since RecordDispatch is typically
// called from whatever goroutine just finished a KernelTask.Poll or a
// process quantum.
type Recorder struct {
	mu      sync.Mutex
	buckets map[string]*dispatchBucket
}

// NewRecorder returns an empty histogram recorder.
func NewRecorder() *Recorder {
	return &Recorder{buckets: make(map[string]*dispatchBucket)}
}

// Label formats a scheduler entity as the histogram key this package
// groups samples by: kind plus numeric ID, e.g. "process:7" or
// "kernel-task:3".
func Label(e sched.Entity) string {
	kind := "process"
	if e.Kind == sched.KindKernelTask {
		kind = "kernel-task"
	}
	return fmt.Sprintf("%s:%d", kind, e.ID)
}

// RecordDispatch records one dispatch of the entity named by label that
// spent durationNs nanoseconds in the Running state.
func (r *Recorder) RecordDispatch(label string, durationNs uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok := r.buckets[label]
	if !ok {
		b = &dispatchBucket{}
		r.buckets[label] = b
	}
	b.count++
	d := int64(durationNs)
	b.totalRTCNs += d
	if d > b.maxRTCNs {
		b.maxRTCNs = d
	}
}

// WriteProfile builds a pprof profile with one sample per recorded entity
// label (value[0] = dispatch count, value[1] = total RTC nanoseconds
// spent Running, value[2] = the longest single run in RTC nanoseconds)
// and writes it gzip-compressed to w, in the standard
// pprof-proto wire format `go tool pprof` reads directly.
func (r *Recorder) WriteProfile(w io.Writer) error {
	r.mu.Lock()
	labels := make([]string, 0, len(r.buckets))
	for l := range r.buckets {
		labels = append(labels, l)
	}
	sort.Strings(labels)

	fn := &profile.Function{ID: 1, Name: "scheduler-dispatch", SystemName: "scheduler-dispatch"}
	loc := &profile.Location{ID: 1, Line: []profile.Line{{Function: fn}}}

	samples := make([]*profile.Sample, 0, len(labels))
	for _, label := range labels {
		b := r.buckets[label]
		samples = append(samples, &profile.Sample{
			Location: []*profile.Location{loc},
			Value:    []int64{b.count, b.totalRTCNs, b.maxRTCNs},
			Label:    map[string][]string{"entity": {label}},
		})
	}
	r.mu.Unlock()

	p := &profile.Profile{
		SampleType: []*profile.ValueType{
			{Type: "dispatches", Unit: "count"},
			{Type: "rtc", Unit: "nanoseconds"},
			{Type: "max_rtc", Unit: "nanoseconds"},
		},
		Sample:     samples,
		Location:   []*profile.Location{loc},
		Function:   []*profile.Function{fn},
		PeriodType: &profile.ValueType{Type: "dispatch", Unit: "count"},
		Period:     1,
	}
	return p.Write(w)
}

// Reset clears all recorded buckets, for reuse across scheduler runs
// within the same test process.
func (r *Recorder) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.buckets = make(map[string]*dispatchBucket)
}
