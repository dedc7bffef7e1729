package pubsubd

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

// ModuleRunner is one long-running part of the daemon.
type ModuleRunner struct {
	Name string
	Run  func(ctx context.Context) error
}

// Supervisor runs the daemon's modules side by side.
type Supervisor struct {
	Logger *zap.Logger
	// ShutdownTimeout bounds how long stopping modules may take once the
	// context is done. Zero waits for as long as they need.
	ShutdownTimeout time.Duration
}

// Run starts every module and blocks until ctx is done or one of them fails.
// A failure stops the rest. Errors from every failed module are joined.
func (s Supervisor) Run(ctx context.Context, modules []ModuleRunner) error {
	if len(modules) == 0 {
		return errors.New("no modules enabled")
	}
	logger := s.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var (
		mu      sync.Mutex
		running = map[string]struct{}{}
		errs    []error
		wg      sync.WaitGroup
	)
	failed := make(chan struct{}, len(modules))

	for _, m := range modules {
		running[m.Name] = struct{}{}
		wg.Add(1)
		go func(m ModuleRunner) {
			defer wg.Done()
			log := logger.With(zap.String("module", m.Name))
			log.Info("starting module")
			err := m.Run(ctx)

			mu.Lock()
			delete(running, m.Name)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", m.Name, err))
			}
			mu.Unlock()

			if err != nil {
				log.Error("module exited", zap.Error(err))
				failed <- struct{}{}
				return
			}
			log.Info("module stopped")
		}(m)
	}

	select {
	case <-ctx.Done():
		logger.Info("shutdown requested")
	case <-failed:
	}
	cancel()

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	var timeout <-chan time.Time
	if s.ShutdownTimeout > 0 {
		timer := time.NewTimer(s.ShutdownTimeout)
		defer timer.Stop()
		timeout = timer.C
	}

	select {
	case <-done:
	case <-timeout:
		mu.Lock()
		names := make([]string, 0, len(running))
		for name := range running {
			names = append(names, name)
		}
		mu.Unlock()
		sort.Strings(names)
		logger.Warn("modules did not stop in time", zap.Strings("modules", names), zap.Duration("timeout", s.ShutdownTimeout))
		mu.Lock()
		errs = append(errs, fmt.Errorf("shutdown timed out waiting for %s", strings.Join(names, ", ")))
		mu.Unlock()
	}

	mu.Lock()
	defer mu.Unlock()
	return errors.Join(errs...)
}
