package health

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// checkInterval is how often the background loop re-probes while the
// manager is running.
const checkInterval = 30 * time.Second

// Manager holds the registered probes and answers health queries by
// running them on demand. A background loop re-probes periodically so
// failures surface in the logs even when nobody polls the endpoints.
type Manager struct {
	mu       sync.RWMutex
	checkers map[string]Checker
	running  bool
	stop     chan struct{}
	logger   *zap.Logger
}

func NewManager(logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		checkers: make(map[string]Checker),
		stop:     make(chan struct{}),
		logger:   logger,
	}
}

// RegisterChecker adds a probe. Names must be non-empty and unique.
func (m *Manager) RegisterChecker(c Checker) error {
	name := c.Name()
	if name == "" {
		return fmt.Errorf("checker name cannot be empty")
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.checkers[name]; ok {
		return fmt.Errorf("checker %s already registered", name)
	}
	m.checkers[name] = c

	m.logger.Info("Health checker registered",
		zap.String("checker", name),
		zap.Bool("critical", c.IsCritical()),
		zap.Duration("timeout", c.Timeout()),
	)
	return nil
}

// Report runs every probe and aggregates. A critical failure makes the
// service unhealthy and not ready; anything less keeps it ready but
// marks it degraded. Liveness only goes false when nothing is
// registered at all.
func (m *Manager) Report(ctx context.Context) Report {
	m.mu.RLock()
	checkers := make([]Checker, 0, len(m.checkers))
	for _, c := range m.checkers {
		checkers = append(checkers, c)
	}
	m.mu.RUnlock()

	rep := Report{
		Timestamp:  time.Now(),
		Components: make(map[string]CheckResult, len(checkers)),
	}

	if len(checkers) == 0 {
		rep.Status = StatusUnknown
		rep.Message = "no health checks registered"
		return rep
	}

	criticalDown, degraded := 0, 0
	for _, c := range checkers {
		res := runCheck(ctx, c)
		rep.Components[c.Name()] = res

		switch {
		case res.Status == StatusUnhealthy && res.Critical:
			criticalDown++
		case res.Status == StatusUnhealthy || res.Status == StatusDegraded:
			degraded++
		}
	}

	rep.Live = true
	switch {
	case criticalDown > 0:
		rep.Status = StatusUnhealthy
		rep.Message = fmt.Sprintf("%d critical component(s) failing", criticalDown)
	case degraded > 0:
		rep.Status = StatusDegraded
		rep.Ready = true
		rep.Message = fmt.Sprintf("%d component(s) degraded", degraded)
	default:
		rep.Status = StatusHealthy
		rep.Ready = true
		rep.Message = fmt.Sprintf("all %d components healthy", len(checkers))
	}
	return rep
}

func (m *Manager) IsReady(ctx context.Context) bool {
	return m.Report(ctx).Ready
}

func (m *Manager) IsLive(ctx context.Context) bool {
	return m.Report(ctx).Live
}

// Start launches the background probe loop. Calling it twice is a
// no-op.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.running {
		return nil
	}
	m.running = true

	go m.loop()
	m.logger.Info("Health manager started", zap.Duration("interval", checkInterval))
	return nil
}

func (m *Manager) Stop() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.running {
		return nil
	}
	close(m.stop)
	m.running = false
	m.logger.Info("Health manager stopped")
	return nil
}

func (m *Manager) loop() {
	ticker := time.NewTicker(checkInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.stop:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), checkInterval)
			rep := m.Report(ctx)
			cancel()

			if rep.Status == StatusHealthy {
				continue
			}
			for name, res := range rep.Components {
				if res.Status == StatusHealthy {
					continue
				}
				m.logger.Warn("Component unhealthy",
					zap.String("component", name),
					zap.String("status", res.Status.String()),
					zap.String("message", res.Message),
					zap.String("error", res.Error),
				)
			}
		}
	}
}

// runCheck bounds one probe by its own timeout and stamps the fields
// the aggregate relies on, so a sloppy Checker cannot misreport them.
func runCheck(ctx context.Context, c Checker) CheckResult {
	cctx, cancel := context.WithTimeout(ctx, c.Timeout())
	defer cancel()

	started := time.Now()
	res := c.Check(cctx)
	res.Component = c.Name()
	res.Critical = c.IsCritical()
	res.Duration = time.Since(started)
	res.Timestamp = started
	return res
}
