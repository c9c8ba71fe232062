// Copyright 2026 The Proxycap Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package health periodically probes the proxy engine and restarts it
// when it stops responding.
package health

import (
	"context"
	"errors"
	"fmt"
	"net"
	"runtime"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"
)

// Defaults for the supervision loop.
const (
	DefaultInterval     = 30 * time.Second
	DefaultMaxRestarts  = 3
	DefaultRestartDelay = 5 * time.Second

	probeTimeout  = 5 * time.Second
	settleDelay   = 2 * time.Second
	historyCap    = 50
	trendWindow   = 3
	trendMinDelta = 10 << 20 // 10 MiB
)

// Engine is the controllable surface the supervisor watches.
type Engine interface {
	Running() bool
	HTTPPort() int
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
}

// Sample is one probe round.
type Sample struct {
	TimestampMS int64 `json:"timestamp"`

	// Reachable: a TCP connect to the engine port completed in time.
	Reachable bool `json:"proxyReachable"`
	// Listening: the port did not refuse outright.
	Listening bool `json:"portListening"`
	// RunFlag: the engine's self-reported run state.
	RunFlag bool `json:"storageWritable"`

	Healthy   bool   `json:"healthy"`
	HeapBytes uint64 `json:"heapBytes"`
	SysBytes  uint64 `json:"sysBytes"`
}

// Trend values for memory over the last samples.
const (
	TrendIncreasing = "increasing"
	TrendDecreasing = "decreasing"
	TrendStable     = "stable"
)

// Report is the supervisor's externally visible state.
type Report struct {
	Healthy         bool    `json:"healthy"`
	Degraded        bool    `json:"degraded"`
	UptimePercent   float64 `json:"uptimePercent"`
	MemoryTrend     string  `json:"memoryTrend"`
	RestartAttempts int     `json:"restartAttempts"`
	MaxRestarts     int     `json:"maxRestarts"`
	SampleCount     int     `json:"sampleCount"`
	LastSample      *Sample `json:"lastSample,omitempty"`
}

// Options configure a Supervisor. Zero values take the defaults above.
type Options struct {
	Engine       Engine
	Logger       *zap.Logger
	Interval     time.Duration
	MaxRestarts  int
	RestartDelay time.Duration
	SettleDelay  time.Duration

	// OnChange fires once per healthy<->unhealthy edge, never on steady
	// state.
	OnChange func(healthy bool)
}

// Supervisor runs the probe ticker and the restart policy.
type Supervisor struct {
	engine       Engine
	logger       *zap.Logger
	interval     time.Duration
	maxRestarts  int
	restartDelay time.Duration
	settleDelay  time.Duration
	onChange     func(bool)

	mu       sync.Mutex
	history  []Sample
	healthy  bool
	seeded   bool
	attempts int
	degraded bool

	started  bool
	stopOnce sync.Once
	stop     chan struct{}
	done     chan struct{}
}

// New builds a Supervisor; Start begins probing.
func New(opts Options) (*Supervisor, error) {
	if opts.Engine == nil {
		return nil, errors.New("health: engine is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Supervisor{
		engine:       opts.Engine,
		logger:       logger,
		interval:     opts.Interval,
		maxRestarts:  opts.MaxRestarts,
		restartDelay: opts.RestartDelay,
		settleDelay:  opts.SettleDelay,
		onChange:     opts.OnChange,
		stop:         make(chan struct{}),
		done:         make(chan struct{}),
	}
	if s.interval <= 0 {
		s.interval = DefaultInterval
	}
	if s.maxRestarts <= 0 {
		s.maxRestarts = DefaultMaxRestarts
	}
	if s.restartDelay <= 0 {
		s.restartDelay = DefaultRestartDelay
	}
	if s.settleDelay <= 0 {
		s.settleDelay = settleDelay
	}
	return s, nil
}

// Start launches the ticker loop. Calling Start twice is a bug.
func (s *Supervisor) Start() {
	s.mu.Lock()
	s.started = true
	s.mu.Unlock()
	go s.loop()
}

// Stop halts probing. Safe to call more than once, and before Start.
func (s *Supervisor) Stop() {
	s.stopOnce.Do(func() { close(s.stop) })
	s.mu.Lock()
	started := s.started
	s.mu.Unlock()
	if started {
		<-s.done
	}
}

func (s *Supervisor) loop() {
	defer close(s.done)
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			s.CheckNow()
		}
	}
}

// CheckNow runs one probe round immediately and applies the restart
// policy on a healthy-to-unhealthy transition.
func (s *Supervisor) CheckNow() Sample {
	sample := s.probe()

	s.mu.Lock()
	s.history = append(s.history, sample)
	if len(s.history) > historyCap {
		s.history = s.history[len(s.history)-historyCap:]
	}

	prev, seeded := s.healthy, s.seeded
	s.healthy, s.seeded = sample.Healthy, true

	// The very first sample is a baseline, not an edge.
	edge := seeded && prev != sample.Healthy

	var restart bool
	if sample.Healthy {
		s.attempts = 0
		s.degraded = false
	} else {
		s.attempts++
		if s.attempts <= s.maxRestarts {
			restart = true
		} else {
			s.degraded = true
			s.logger.Error("restart budget exhausted; operator intervention required",
				zap.Int("attempts", s.attempts))
		}
	}
	onChange := s.onChange
	s.mu.Unlock()

	if edge && onChange != nil {
		onChange(sample.Healthy)
	}
	if restart {
		s.restartEngine()
	}
	return sample
}

func (s *Supervisor) probe() Sample {
	var sample Sample
	sample.TimestampMS = time.Now().UnixMilli()
	addr := fmt.Sprintf("127.0.0.1:%d", s.engine.HTTPPort())

	// One dial yields both signals: a completed connect proves the port
	// is occupied and the acceptor responsive, so Reachable and Listening
	// are not probed separately.
	conn, err := net.DialTimeout("tcp", addr, probeTimeout)
	if err == nil {
		sample.Reachable = true
		sample.Listening = true
		conn.Close()
	} else {
		// A refusal proves nothing is listening; other failures leave the
		// occupancy question open.
		sample.Listening = !errors.Is(err, syscall.ECONNREFUSED)
	}

	sample.RunFlag = s.engine.Running()
	sample.Healthy = sample.Reachable && sample.Listening && sample.RunFlag

	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)
	sample.HeapBytes = mem.HeapAlloc
	sample.SysBytes = mem.Sys
	return sample
}

func (s *Supervisor) restartEngine() {
	s.logger.Warn("engine unhealthy; scheduling restart",
		zap.Duration("delay", s.restartDelay))
	time.Sleep(s.restartDelay)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := s.engine.Stop(ctx); err != nil {
		s.logger.Warn("stop during restart", zap.Error(err))
	}
	time.Sleep(s.settleDelay)
	if err := s.engine.Start(ctx); err != nil {
		s.logger.Error("restart failed", zap.Error(err))
		return
	}
	s.logger.Info("engine restarted")
}

// Report summarizes the probe history.
func (s *Supervisor) Report() Report {
	s.mu.Lock()
	defer s.mu.Unlock()

	r := Report{
		Healthy:         s.healthy,
		Degraded:        s.degraded,
		RestartAttempts: s.attempts,
		MaxRestarts:     s.maxRestarts,
		SampleCount:     len(s.history),
		MemoryTrend:     memoryTrend(s.history),
	}
	if n := len(s.history); n > 0 {
		last := s.history[n-1]
		r.LastSample = &last

		var up int
		for _, sample := range s.history {
			if sample.Healthy {
				up++
			}
		}
		r.UptimePercent = 100 * float64(up) / float64(n)
	}
	return r
}

// memoryTrend compares the newest sample with the one trendWindow-1
// rounds back, using a threshold so GC noise reads as stable.
func memoryTrend(history []Sample) string {
	if len(history) < trendWindow {
		return TrendStable
	}
	newest := history[len(history)-1].HeapBytes
	oldest := history[len(history)-trendWindow].HeapBytes
	switch {
	case newest > oldest && newest-oldest > trendMinDelta:
		return TrendIncreasing
	case oldest > newest && oldest-newest > trendMinDelta:
		return TrendDecreasing
	}
	return TrendStable
}
