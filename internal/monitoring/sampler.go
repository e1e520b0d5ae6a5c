package monitoring

import (
	"context"
	"os"
	"runtime"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/v3/process"
)

// ProcessSample holds one measurement of the server process.
type ProcessSample struct {
	CPUPercent  float64
	MemoryBytes uint64
	Goroutines  int
	Timestamp   time.Time
}

// Sampler periodically measures the server process and logs the result.
// Measure once, query many times: every component reads the same
// snapshot instead of hitting procfs itself.
type Sampler struct {
	proc   *process.Process
	logger zerolog.Logger

	mu     sync.RWMutex
	sample ProcessSample

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewSampler builds a sampler for the current process.
func NewSampler(logger zerolog.Logger) (*Sampler, error) {
	proc, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		return nil, err
	}
	return &Sampler{
		proc:   proc,
		logger: logger.With().Str("component", "sampler").Logger(),
	}, nil
}

// Start begins periodic sampling until Stop is called.
func (s *Sampler) Start(interval time.Duration) {
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer RecoverPanic(s.logger, "sampler", nil)

		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		s.update()
		for {
			select {
			case <-ticker.C:
				s.update()
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop halts sampling and waits for the goroutine to exit.
func (s *Sampler) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
}

// Sample returns the most recent measurement.
func (s *Sampler) Sample() ProcessSample {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.sample
}

func (s *Sampler) update() {
	sample := ProcessSample{
		Goroutines: runtime.NumGoroutine(),
		Timestamp:  time.Now(),
	}
	if cpu, err := s.proc.CPUPercent(); err == nil {
		sample.CPUPercent = cpu
	} else {
		s.logger.Warn().Err(err).Msg("Failed to read CPU usage")
	}
	if mem, err := s.proc.MemoryInfo(); err == nil {
		sample.MemoryBytes = mem.RSS
	} else {
		s.logger.Warn().Err(err).Msg("Failed to read memory usage")
	}

	s.mu.Lock()
	s.sample = sample
	s.mu.Unlock()

	s.logger.Debug().
		Float64("cpu_percent", sample.CPUPercent).
		Uint64("memory_bytes", sample.MemoryBytes).
		Int("goroutines", sample.Goroutines).
		Msg("Process sampled")
}
