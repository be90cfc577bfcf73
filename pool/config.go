package pool

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"time"
)

// descriptorConfig is the JSON wire shape for one server entry. Durations are
// expressed in seconds to keep hand-edited config files readable.
type descriptorConfig struct {
	Type                      string            `json:"type,omitempty"`
	Command                   string            `json:"command"`
	Args                      []string          `json:"args,omitempty"`
	Env                       map[string]string `json:"env,omitempty"`
	WorkingDir                string            `json:"working_dir,omitempty"`
	Enabled                   *bool             `json:"enabled,omitempty"`
	HealthCheckIntervalSecond float64           `json:"health_check_interval_seconds,omitempty"`
	StartupTimeoutSeconds     float64           `json:"startup_timeout_seconds,omitempty"`
	CallTimeoutSeconds        float64           `json:"call_timeout_seconds,omitempty"`
	QueueSize                 int               `json:"queue_size,omitempty"`
	MaxRestarts               int               `json:"max_restarts,omitempty"`
	MaxInflight               int               `json:"max_inflight,omitempty"`
	BackoffBaseSeconds        float64           `json:"backoff_base_seconds,omitempty"`
	BackoffCapSeconds         float64           `json:"backoff_cap_seconds,omitempty"`
}

type descriptorFile struct {
	Servers map[string]descriptorConfig `json:"mcp_servers"`
}

// LoadDescriptorsFile reads a server configuration file and returns the
// descriptors sorted by id. Entries default to enabled; defaults for omitted
// tuning fields are applied when the manager starts the server.
func LoadDescriptorsFile(path string) ([]Descriptor, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read servers file: %w", err)
	}
	var file descriptorFile
	if err := json.Unmarshal(b, &file); err != nil {
		return nil, fmt.Errorf("parse servers file %s: %w", path, err)
	}

	descs := make([]Descriptor, 0, len(file.Servers))
	for id, cfg := range file.Servers {
		if cfg.Command == "" {
			return nil, fmt.Errorf("server %q has no command", id)
		}
		enabled := true
		if cfg.Enabled != nil {
			enabled = *cfg.Enabled
		}
		descs = append(descs, Descriptor{
			ID:                  id,
			Type:                cfg.Type,
			Command:             cfg.Command,
			Args:                cfg.Args,
			Env:                 cfg.Env,
			WorkingDir:          cfg.WorkingDir,
			Enabled:             enabled,
			HealthCheckInterval: secondsToDuration(cfg.HealthCheckIntervalSecond),
			StartupTimeout:      secondsToDuration(cfg.StartupTimeoutSeconds),
			CallTimeout:         secondsToDuration(cfg.CallTimeoutSeconds),
			QueueSize:           cfg.QueueSize,
			MaxRestarts:         cfg.MaxRestarts,
			MaxInflight:         cfg.MaxInflight,
			BackoffBase:         secondsToDuration(cfg.BackoffBaseSeconds),
			BackoffCap:          secondsToDuration(cfg.BackoffCapSeconds),
		})
	}
	sort.Slice(descs, func(i, j int) bool { return descs[i].ID < descs[j].ID })
	return descs, nil
}

func secondsToDuration(s float64) time.Duration {
	if s <= 0 {
		return 0
	}
	return time.Duration(s * float64(time.Second))
}
