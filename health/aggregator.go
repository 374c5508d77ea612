package health

import (
	"os"
	"path/filepath"
	"runtime"
	"time"

	"github.com/howardjong/AgentPrice-sub003/status"
)

type StatusSource interface {
	Snapshot() []status.ProviderStatus
}

type MemoryReader func() MemoryReading

type FilesystemProbe func() bool

// Report is a snapshot stamped with the time it was taken.
type Report struct {
	Snapshot
	GeneratedAt time.Time `json:"generatedAt"`
}

// Aggregator gathers live inputs and hands them to Compute.
type Aggregator struct {
	source      StatusSource
	credentials map[string]bool
	required    []string
	readMemory  MemoryReader
	probeFS     FilesystemProbe
	threshold   float64
	now         func() time.Time
}

type Option func(*Aggregator)

func WithCredentials(credentials map[string]bool, required []string) Option {
	return func(a *Aggregator) {
		a.credentials = make(map[string]bool, len(credentials))
		for k, v := range credentials {
			a.credentials[k] = v
		}
		a.required = append([]string(nil), required...)
	}
}

func WithMemoryReader(r MemoryReader) Option {
	return func(a *Aggregator) {
		if r != nil {
			a.readMemory = r
		}
	}
}

func WithFilesystemProbe(p FilesystemProbe) Option {
	return func(a *Aggregator) {
		if p != nil {
			a.probeFS = p
		}
	}
}

func WithMemoryThreshold(threshold float64) Option {
	return func(a *Aggregator) { a.threshold = threshold }
}

func WithClock(now func() time.Time) Option {
	return func(a *Aggregator) {
		if now != nil {
			a.now = now
		}
	}
}

func NewAggregator(source StatusSource, opts ...Option) *Aggregator {
	a := &Aggregator{
		source:     source,
		readMemory: RuntimeMemory,
		probeFS:    func() bool { return true },
		threshold:  DefaultMemoryThreshold,
		now:        func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Report never fails. A panicking memory reader or probe degrades to an
// unavailable reading.
func (a *Aggregator) Report() Report {
	var providers []status.ProviderStatus
	if a.source != nil {
		providers = a.source.Snapshot()
	}
	snap := Compute(Inputs{
		Providers:       providers,
		Memory:          safeMemory(a.readMemory),
		MemoryThreshold: a.threshold,
		Credentials:     a.credentials,
		Required:        a.required,
		FilesystemReady: safeProbe(a.probeFS),
	})
	return Report{Snapshot: snap, GeneratedAt: a.now()}
}

// RuntimeMemory reads heap usage from the Go runtime.
func RuntimeMemory() MemoryReading {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	return MemoryReading{
		HeapUsed:  ms.HeapAlloc,
		HeapTotal: ms.HeapSys,
		Available: ms.HeapSys > 0,
	}
}

// DirProbe reports whether dir exists and accepts a write.
func DirProbe(dir string) FilesystemProbe {
	return func() bool {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return false
		}
		f, err := os.CreateTemp(dir, ".probe-*")
		if err != nil {
			return false
		}
		name := f.Name()
		_ = f.Close()
		_ = os.Remove(filepath.Clean(name))
		return true
	}
}

func safeMemory(r MemoryReader) (out MemoryReading) {
	defer func() {
		if recover() != nil {
			out = MemoryReading{}
		}
	}()
	if r == nil {
		return MemoryReading{}
	}
	return r()
}

func safeProbe(p FilesystemProbe) (ok bool) {
	defer func() {
		if recover() != nil {
			ok = false
		}
	}()
	if p == nil {
		return false
	}
	return p()
}
