package docker

import (
	"context"
	"fmt"

	"github.com/whaletrack-dev/api/pkg/config"
	"github.com/whaletrack-dev/api/pkg/logging"
	"github.com/whaletrack-dev/api/pkg/updates"
	"go.uber.org/zap"
)

// Manager aggregates container listings across every configured Docker
// environment. It implements the orchestrator's container source.
type Manager struct {
	clients map[string]*Client
	order   []string
}

// NewManager connects to every configured environment. Environments that
// cannot be reached at startup are skipped with a warning; at least one
// must connect.
func NewManager(ctx context.Context, environments []config.Environment) (*Manager, error) {
	m := &Manager{clients: make(map[string]*Client)}

	for _, env := range environments {
		c, err := Connect(ctx, env.Name, env.Host)
		if err != nil {
			logging.Logger.Warn("Skipping unreachable docker environment",
				zap.String("environment", env.Name),
				zap.Error(err))
			continue
		}
		m.clients[env.Name] = c
		m.order = append(m.order, env.Name)
	}

	if len(m.clients) == 0 {
		return nil, fmt.Errorf("no docker environment reachable")
	}
	return m, nil
}

// NewManagerWithClients builds a manager over existing clients, used by tests
func NewManagerWithClients(clients []*Client) *Manager {
	m := &Manager{clients: make(map[string]*Client)}
	for _, c := range clients {
		m.clients[c.name] = c
		m.order = append(m.order, c.name)
	}
	return m
}

// ListCurrent returns the containers that exist right now, scoped to one
// environment when scope is non-empty
func (m *Manager) ListCurrent(ctx context.Context, scope string) (updates.Snapshot, error) {
	names := m.order
	if scope != "" {
		if _, ok := m.clients[scope]; !ok {
			return updates.Snapshot{}, fmt.Errorf("unknown environment %q", scope)
		}
		names = []string{scope}
	}

	combined := updates.Snapshot{UnusedImages: map[string]int{}}
	for _, name := range names {
		snap, err := m.clients[name].snapshot(ctx)
		if err != nil {
			return updates.Snapshot{}, err
		}
		combined.Containers = append(combined.Containers, snap.Containers...)
		combined.Stacks = append(combined.Stacks, snap.Stacks...)
		for env, count := range snap.UnusedImages {
			combined.UnusedImages[env] = count
		}
		combined.Environments = append(combined.Environments, name)
	}
	return combined, nil
}

// Close releases every environment's connection
func (m *Manager) Close() {
	for _, c := range m.clients {
		if err := c.Close(); err != nil {
			logging.Logger.Warn("Failed to close docker client",
				zap.String("environment", c.name),
				zap.Error(err))
		}
	}
}
