package task

import "strings"

// Plugin identifiers compiled into the agent.
const (
	PluginSetVariables = "rageta.setvariables"
	PluginCleanup      = "rageta.cleanup"
)

// Task ids served by agent plugins.
const (
	SetVariablesTaskID = "5f0f3d4e-7a51-4c1b-9c42-2bd7f0b5e8a1"
	CleanupTaskID      = "a8d1b6c2-3e94-4f77-8f0d-6c9e1b2a4d53"
)

// PluginRegistry maps task ids to the ordered plugins implementing them.
type PluginRegistry struct {
	plugins map[string][]string
}

func NewPluginRegistry(plugins map[string][]string) *PluginRegistry {
	r := &PluginRegistry{plugins: make(map[string][]string, len(plugins))}
	for id, p := range plugins {
		r.plugins[strings.ToLower(id)] = p
	}

	return r
}

// DefaultPlugins is the registry of plugins shipped with the agent.
func DefaultPlugins() *PluginRegistry {
	return NewPluginRegistry(map[string][]string{
		SetVariablesTaskID: {PluginSetVariables},
		CleanupTaskID:      {PluginCleanup},
	})
}

func (r *PluginRegistry) GetPluginsForTask(id string) []string {
	return r.plugins[strings.ToLower(id)]
}
