package job

import (
	"fmt"
	"os"
	"runtime"
	"sort"
	"strings"

	"github.com/raffis/rageta-agent/internal/config"
	"github.com/raffis/rageta-agent/internal/execution"
	v1 "github.com/raffis/rageta-agent/pkg/apis/agent/v1"
)

const (
	VariableAgentID             = "Agent.Id"
	VariableAgentName           = "Agent.Name"
	VariableAgentOS             = "Agent.OS"
	VariableAgentPool           = "Agent.Pool"
	VariableAgentRootDirectory  = "Agent.RootDirectory"
	VariableAgentWorkFolder     = "Agent.WorkFolder"
	VariableAgentToolsDirectory = "Agent.ToolsDirectory"
	VariableAgentTempDirectory  = "Agent.TempDirectory"
	VariableSystemJobID         = "System.JobId"
	VariableSystemPlanID        = "System.PlanId"
	VariableSystemTimelineID    = "System.TimelineId"
	VariableSystemJobName       = "System.JobDisplayName"
	VariableSystemServerURI     = "System.CollectionUri"
	VariableSystemDebug         = "System.Debug"
)

var agentOS = map[string]string{
	"linux":   "Linux",
	"darwin":  "Darwin",
	"windows": "Windows_NT",
}

// seedVariables writes the read-only agent variables followed by the variables of the message.
// Message variables can not override agent variables; every rejected variable is returned.
func seedVariables(vars *execution.Variables, msg *v1.JobRequestMessage, settings *config.Settings) []error {
	osName, ok := agentOS[runtime.GOOS]
	if !ok {
		osName = runtime.GOOS
	}

	agent := map[string]string{
		VariableAgentID:             settings.AgentID,
		VariableAgentName:           settings.AgentName,
		VariableAgentOS:             osName,
		VariableAgentPool:           settings.Pool,
		VariableAgentRootDirectory:  settings.Root,
		VariableAgentWorkFolder:     settings.WorkDir,
		VariableAgentToolsDirectory: settings.ToolsDir,
		VariableAgentTempDirectory:  os.TempDir(),
		VariableSystemJobID:         msg.JobID,
		VariableSystemPlanID:        msg.PlanID,
		VariableSystemTimelineID:    msg.TimelineID,
		VariableSystemJobName:       msg.JobDisplayName,
	}

	if settings.ServerURL != "" {
		agent[VariableSystemServerURI] = settings.ServerURL
	}

	var errs []error
	for name, value := range agent {
		if err := vars.Set(name, value, execution.AsReadOnly()); err != nil {
			errs = append(errs, err)
		}
	}

	names := make([]string, 0, len(msg.Variables))
	for name := range msg.Variables {
		names = append(names, name)
	}

	sort.Strings(names)
	for _, name := range names {
		value := msg.Variables[name]

		var opts []execution.VariableOption
		if value.IsSecret {
			opts = append(opts, execution.AsSecret())
		}

		if value.IsReadOnly {
			opts = append(opts, execution.AsReadOnly())
		}

		if err := vars.Set(name, value.Value, opts...); err != nil {
			errs = append(errs, err)
		}
	}

	return errs
}

// expandResources replaces variable references in the resources of the message.
func expandResources(vars *execution.Variables, msg *v1.JobRequestMessage) {
	for i := range msg.Resources.Endpoints {
		endpoint := &msg.Resources.Endpoints[i]
		endpoint.Data = vars.ExpandMap(endpoint.Data)
	}

	for i := range msg.Resources.Repositories {
		repo := &msg.Resources.Repositories[i]
		repo.Properties = vars.ExpandMap(repo.Properties)
	}

	for i := range msg.Resources.Containers {
		c := &msg.Resources.Containers[i]
		c.Image = vars.Expand(c.Image)
		c.Options = vars.Expand(c.Options)
		c.Environment = vars.ExpandMap(c.Environment)
		c.Ports = expandSlice(vars, c.Ports)
		c.Volumes = expandSlice(vars, c.Volumes)
	}
}

func expandSlice(vars *execution.Variables, values []string) []string {
	if values == nil {
		return nil
	}

	result := make([]string, len(values))
	for i, value := range values {
		result[i] = vars.Expand(value)
	}

	return result
}

// rewriteServerURL replaces the base url of the system connection with serverURL in every
// endpoint, repository and non secret variable of the message. Returns whether anything changed.
func rewriteServerURL(msg *v1.JobRequestMessage, serverURL string) bool {
	system, ok := msg.Endpoint(v1.SystemConnectionEndpoint)
	if !ok || system.URL == "" {
		return false
	}

	from := strings.TrimSuffix(system.URL, "/")
	to := strings.TrimSuffix(serverURL, "/")
	if strings.EqualFold(from, to) {
		return false
	}

	changed := false
	rewrite := func(value string) string {
		if rewritten, ok := replaceBase(value, from, to); ok {
			changed = true
			return rewritten
		}

		return value
	}

	for i := range msg.Resources.Endpoints {
		msg.Resources.Endpoints[i].URL = rewrite(msg.Resources.Endpoints[i].URL)
	}

	for i := range msg.Resources.Repositories {
		msg.Resources.Repositories[i].URL = rewrite(msg.Resources.Repositories[i].URL)
	}

	for name, value := range msg.Variables {
		if value.IsSecret {
			continue
		}

		value.Value = rewrite(value.Value)
		msg.Variables[name] = value
	}

	return changed
}

// replaceBase swaps the prefix from of value with to. The prefix must end at a path boundary.
func replaceBase(value, from, to string) (string, bool) {
	if len(value) < len(from) || !strings.EqualFold(value[:len(from)], from) {
		return value, false
	}

	rest := value[len(from):]
	if rest != "" && !strings.HasPrefix(rest, "/") && !strings.HasPrefix(rest, "?") {
		return value, false
	}

	return to + rest, true
}

// validateWorkDirectory creates dir if missing and checks it is writable.
func validateWorkDirectory(dir string) error {
	if dir == "" {
		return fmt.Errorf("%w: no work directory configured", ErrWorkDirectory)
	}

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("%w: %w", ErrWorkDirectory, err)
	}

	f, err := os.CreateTemp(dir, ".probe-*")
	if err != nil {
		return fmt.Errorf("%w: %w", ErrWorkDirectory, err)
	}

	name := f.Name()
	if err := f.Close(); err != nil {
		return fmt.Errorf("%w: %w", ErrWorkDirectory, err)
	}

	return os.Remove(name)
}
