package config

import (
	"os"
	"sync"

	"gopkg.in/yaml.v2"
)

// TenantsConfig holds a map of tenant-scoped config overrides, decoded from
// a separate tenants.yaml so per-tenant webhook destinations and ops
// allowances don't require redeploying the global config.
type TenantsConfig struct {
	Tenants map[string]Config `yaml:"tenants"`
}

// Manager resolves the effective config for a tenant: the global config with
// that tenant's overrides layered on top.
type Manager struct {
	globalConfig  *Config
	tenantConfigs map[string]Config
	mu            sync.RWMutex
}

// NewManager loads the global config and, if present, a tenant overrides
// file. A missing tenants file is not an error — tenants simply inherit the
// global config verbatim.
func NewManager(masterPath, tenantsPath string) (*Manager, error) {
	master, err := LoadConfig(masterPath)
	if err != nil {
		master = &Config{}
	}
	master.applyEnvOverrides()

	f, err := os.Open(tenantsPath)
	if err != nil {
		if os.IsNotExist(err) {
			return &Manager{globalConfig: master, tenantConfigs: make(map[string]Config)}, nil
		}
		return nil, err
	}
	defer f.Close()

	var tc TenantsConfig
	if err := yaml.NewDecoder(f).Decode(&tc); err != nil {
		return nil, err
	}

	return &Manager{
		globalConfig:  master,
		tenantConfigs: tc.Tenants,
	}, nil
}

// Get returns the effective config for tenantID: the global config with that
// tenant's webhook destinations and ops tokens layered on top, when present.
func (m *Manager) Get(tenantID string) *Config {
	m.mu.RLock()
	defer m.mu.RUnlock()

	effective := *m.globalConfig

	if override, ok := m.tenantConfigs[tenantID]; ok {
		if len(override.Webhook.Destinations) > 0 {
			effective.Webhook = override.Webhook
		}
		if len(override.Ops.Tokens) > 0 {
			effective.Ops = override.Ops
		}
		if override.Evidence.Store != "" {
			effective.Evidence = override.Evidence
		}
	}

	return &effective
}
