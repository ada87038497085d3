package lifecycle

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/agentdiff/agentdiff/internal/logging"
)

// Manager starts registered components in dependency order and stops them in
// reverse, with a per-component shutdown timeout.
type Manager struct {
	components      []Component
	dependencies    map[Component][]Component
	running         map[Component]bool
	started         []Component
	shutdownTimeout time.Duration
	mu              sync.RWMutex
	regMu           sync.Mutex
	logger          *logging.Logger
}

// NewManager creates a lifecycle manager with a 30-second shutdown timeout.
func NewManager() *Manager {
	return &Manager{
		dependencies:    make(map[Component][]Component),
		running:         make(map[Component]bool),
		shutdownTimeout: 30 * time.Second,
		logger:          logging.GetLogger("lifecycle"),
	}
}

// Register adds a component. Dependencies must already be registered; a
// component starts only after all its dependencies and stops before them.
func (m *Manager) Register(component Component, dependsOn ...Component) error {
	m.regMu.Lock()
	defer m.regMu.Unlock()

	if component == nil {
		return fmt.Errorf("cannot register nil component")
	}
	if component.Name() == "" {
		return fmt.Errorf("component must have a non-empty name")
	}
	for _, c := range m.components {
		if c == component {
			return fmt.Errorf("component %s is already registered", component.Name())
		}
	}
	for _, dep := range dependsOn {
		if !m.isRegistered(dep) {
			return fmt.Errorf("dependency %s is not registered", dep.Name())
		}
	}
	if m.wouldCreateCycle(component, dependsOn) {
		return fmt.Errorf("registering %s would create a circular dependency", component.Name())
	}

	m.components = append(m.components, component)
	m.dependencies[component] = dependsOn
	m.running[component] = false

	m.logger.Debug("Registered component %s with %d dependencies", component.Name(), len(dependsOn))
	return nil
}

func (m *Manager) isRegistered(c Component) bool {
	for _, registered := range m.components {
		if registered == c {
			return true
		}
	}
	return false
}

func (m *Manager) wouldCreateCycle(component Component, dependencies []Component) bool {
	visited := make(map[Component]bool)
	var dfs func(deps []Component) bool
	dfs = func(deps []Component) bool {
		for _, dep := range deps {
			if dep == component {
				return true
			}
			if visited[dep] {
				continue
			}
			visited[dep] = true
			if dfs(m.dependencies[dep]) {
				return true
			}
		}
		return false
	}
	return dfs(dependencies)
}

// Start starts all components in dependency order. On failure, components
// started so far are stopped in reverse order and the error is returned.
func (m *Manager) Start(ctx context.Context) error {
	m.regMu.Lock()
	defer m.regMu.Unlock()

	m.started = nil
	for _, component := range m.topologicalSort() {
		m.logger.Info("Starting %s", component.Name())
		startTime := time.Now()

		if err := component.Start(ctx); err != nil {
			m.logger.Error("Failed to start %s: %v", component.Name(), err)
			m.rollback()
			return fmt.Errorf("initialization failed for %s: %w", component.Name(), err)
		}

		m.mu.Lock()
		m.running[component] = true
		m.started = append(m.started, component)
		m.mu.Unlock()

		m.logger.Info("%s started (took %dms)", component.Name(), time.Since(startTime).Milliseconds())
	}

	m.logger.Info("All components started")
	return nil
}

func (m *Manager) topologicalSort() []Component {
	visited := make(map[Component]bool)
	var sorted []Component
	var dfs func(c Component)
	dfs = func(c Component) {
		visited[c] = true
		for _, dep := range m.dependencies[c] {
			if !visited[dep] {
				dfs(dep)
			}
		}
		sorted = append(sorted, c)
	}
	for _, component := range m.components {
		if !visited[component] {
			dfs(component)
		}
	}
	return sorted
}

// rollback stops components started during a failed startup, in reverse
// order, with a short per-component timeout.
func (m *Manager) rollback() {
	for i := len(m.started) - 1; i >= 0; i-- {
		component := m.started[i]
		m.logger.Debug("Rolling back: stopping %s", component.Name())

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := component.Stop(ctx); err != nil {
			m.logger.Warn("Error stopping %s during rollback: %v", component.Name(), err)
		}
		cancel()

		m.mu.Lock()
		m.running[component] = false
		m.mu.Unlock()
	}
}

// Stop stops all started components in reverse order. Shutdown errors are
// logged but never fail the operation.
func (m *Manager) Stop(ctx context.Context) error {
	m.regMu.Lock()
	defer m.regMu.Unlock()

	m.logger.Info("Stopping all components")

	for i := len(m.started) - 1; i >= 0; i-- {
		component := m.started[i]
		if !m.IsRunning(component) {
			continue
		}

		m.logger.Info("Stopping %s", component.Name())
		startTime := time.Now()

		componentCtx, cancel := context.WithTimeout(ctx, m.shutdownTimeout)
		err := component.Stop(componentCtx)
		cancel()

		if err != nil {
			if err == context.DeadlineExceeded {
				m.logger.Warn("Component %s exceeded grace period (%dms), forcing termination",
					component.Name(), m.shutdownTimeout.Milliseconds())
			} else {
				m.logger.Error("Error stopping %s: %v", component.Name(), err)
			}
		} else {
			m.logger.Info("%s stopped (took %dms)", component.Name(), time.Since(startTime).Milliseconds())
		}

		m.mu.Lock()
		m.running[component] = false
		m.mu.Unlock()
	}

	m.logger.Info("All components stopped")
	return nil
}

// IsRunning reports whether the component has started and not yet stopped.
func (m *Manager) IsRunning(component Component) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	running, exists := m.running[component]
	return exists && running
}

// SetShutdownTimeout sets the per-component grace period for Stop.
func (m *Manager) SetShutdownTimeout(timeout time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.shutdownTimeout = timeout
}
