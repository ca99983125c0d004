package backpressure

import (
	"context"
	"fmt"
	"math"
	"os"
	"runtime/debug"
	"sync"

	"github.com/shirou/gopsutil/v4/mem"
	"github.com/shirou/gopsutil/v4/process"

	"beacon/internal/config"
)

// Sampler reports current memory usage against its limit.
// A zero limit means unlimited.
type Sampler interface {
	Sample(ctx context.Context) (usage uint64, limit uint64, err error)
}

// NewSampler builds the configured sampler.
// Params: cfg backpressure section.
// Returns: sampler or error for unknown source.
func NewSampler(cfg config.BackpressureConfig) (Sampler, error) {
	switch cfg.Source {
	case "", "process":
		return NewProcessSampler(cfg.MemoryLimit), nil
	case "host":
		return HostSampler{}, nil
	default:
		return nil, fmt.Errorf("unsupported backpressure source %q", cfg.Source)
	}
}

// ProcessSampler reports this process RSS against a configured or runtime memory limit.
type ProcessSampler struct {
	limit uint64

	once    sync.Once
	proc    *process.Process
	procErr error
}

// NewProcessSampler creates a process RSS sampler.
// Params: limit bytes; zero falls back to GOMEMLIMIT.
// Returns: process sampler.
func NewProcessSampler(limit uint64) *ProcessSampler {
	return &ProcessSampler{limit: limit}
}

// Sample reads process RSS.
// Params: ctx sampling context.
// Returns: RSS bytes, limit bytes (0 when unlimited), read error.
func (s *ProcessSampler) Sample(ctx context.Context) (uint64, uint64, error) {
	limit := s.limit
	if limit == 0 {
		limit = runtimeMemoryLimit()
	}
	if limit == 0 {
		return 0, 0, nil
	}

	s.once.Do(func() {
		s.proc, s.procErr = process.NewProcessWithContext(ctx, int32(os.Getpid()))
	})
	if s.procErr != nil {
		return 0, limit, fmt.Errorf("open process: %w", s.procErr)
	}

	info, err := s.proc.MemoryInfoWithContext(ctx)
	if err != nil {
		return 0, limit, fmt.Errorf("read process memory: %w", err)
	}
	return info.RSS, limit, nil
}

// runtimeMemoryLimit returns GOMEMLIMIT when set.
// Params: none.
// Returns: limit bytes or 0 when unlimited.
func runtimeMemoryLimit() uint64 {
	limit := debug.SetMemoryLimit(-1)
	if limit <= 0 || limit == math.MaxInt64 {
		return 0
	}
	return uint64(limit)
}

// HostSampler reports host used memory against host total.
type HostSampler struct{}

// Sample reads host virtual memory statistics.
// Params: ctx sampling context.
// Returns: used bytes, total bytes, read error.
func (HostSampler) Sample(ctx context.Context) (uint64, uint64, error) {
	stat, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		return 0, 0, fmt.Errorf("read host memory: %w", err)
	}
	return stat.Used, stat.Total, nil
}
