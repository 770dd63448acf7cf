package task

import (
	"fmt"
	"slices"
	"sort"
	"strings"
)

// Handler kinds as named in a task definition.
const (
	KindNode            = "Node"
	KindNode10          = "Node10"
	KindNode16          = "Node16"
	KindNode20          = "Node20"
	KindPowerShell3     = "PowerShell3"
	KindPowerShell      = "PowerShell"
	KindAzurePowerShell = "AzurePowerShell"
	KindPowerShellExe   = "PowerShellExe"
	KindProcess         = "Process"
	KindAgentPlugin     = "AgentPlugin"
)

// HandlerBase holds the fields every handler declares.
type HandlerBase struct {
	Target           string   `json:"target"`
	ArgumentFormat   string   `json:"argumentFormat,omitempty"`
	WorkingDirectory string   `json:"workingDirectory,omitempty"`
	Platforms        []string `json:"platforms,omitempty"`
}

func (h HandlerBase) Base() HandlerBase { return h }

func (h HandlerBase) sealed() {}

// PreferredOn reports whether the handler pins itself to platform.
func (h HandlerBase) PreferredOn(platform string) bool {
	for _, p := range h.Platforms {
		if strings.EqualFold(p, platform) {
			return true
		}
	}

	return false
}

// HandlerData is one execution technology a task offers. The set of implementations is closed.
type HandlerData interface {
	Kind() string
	// Priority orders candidates, lower wins.
	Priority() int
	Base() HandlerBase
	PreferredOn(platform string) bool
	sealed()
}

// NodeHandler runs a script with an in-agent script runtime.
type NodeHandler struct {
	HandlerBase
	Runtime string
}

func (h NodeHandler) Kind() string { return h.Runtime }

func (h NodeHandler) Priority() int {
	switch h.Runtime {
	case KindNode20:
		return 1
	case KindNode16:
		return 2
	case KindNode10:
		return 3
	default:
		return 4
	}
}

type PowerShell3Handler struct{ HandlerBase }

func (PowerShell3Handler) Kind() string  { return KindPowerShell3 }
func (PowerShell3Handler) Priority() int { return 5 }

type PowerShellExeHandler struct{ HandlerBase }

func (PowerShellExeHandler) Kind() string  { return KindPowerShellExe }
func (PowerShellExeHandler) Priority() int { return 6 }

// LegacyPowerShellHandler covers the PowerShell and AzurePowerShell handlers superseded by PowerShell3.
type LegacyPowerShellHandler struct {
	HandlerBase
	Azure bool
}

func (h LegacyPowerShellHandler) Kind() string {
	if h.Azure {
		return KindAzurePowerShell
	}

	return KindPowerShell
}

func (h LegacyPowerShellHandler) Priority() int {
	if h.Azure {
		return 8
	}

	return 7
}

type ProcessHandler struct{ HandlerBase }

func (ProcessHandler) Kind() string  { return KindProcess }
func (ProcessHandler) Priority() int { return 9 }

// AgentPluginHandler runs compiled in agent plugins, always on the host.
type AgentPluginHandler struct{ HandlerBase }

func (AgentPluginHandler) Kind() string  { return KindAgentPlugin }
func (AgentPluginHandler) Priority() int { return 0 }

// NewHandlerData maps a handler kind of a task definition to its variant.
func NewHandlerData(kind string, base HandlerBase) (HandlerData, error) {
	switch kind {
	case KindNode, KindNode10, KindNode16, KindNode20:
		return NodeHandler{HandlerBase: base, Runtime: kind}, nil
	case KindPowerShell3:
		return PowerShell3Handler{base}, nil
	case KindPowerShell:
		return LegacyPowerShellHandler{HandlerBase: base}, nil
	case KindAzurePowerShell:
		return LegacyPowerShellHandler{HandlerBase: base, Azure: true}, nil
	case KindPowerShellExe:
		return PowerShellExeHandler{base}, nil
	case KindProcess:
		return ProcessHandler{base}, nil
	case KindAgentPlugin:
		return AgentPluginHandler{base}, nil
	}

	return nil, fmt.Errorf("unknown handler `%s`", kind)
}

// IsScript reports whether the handler runs a process which can be started inside a container.
func IsScript(h HandlerData) bool {
	switch h.(type) {
	case NodeHandler, PowerShell3Handler, PowerShellExeHandler, ProcessHandler:
		return true
	}

	return false
}

type SelectOptions struct {
	// Platform the handler runs on, the container OS for container targets.
	Platform            string
	ContainerTarget     bool
	PreferScriptHandler bool
}

// SelectHandler picks the handler to run. PowerShell3 supersedes the legacy PowerShell handlers.
// Candidates are ordered by preference for the platform first and priority second. On container
// targets without script handler preference the script runtime wins over PowerShell3.
func SelectHandler(candidates []HandlerData, opts SelectOptions) (HandlerData, error) {
	hasV3 := slices.ContainsFunc(candidates, func(h HandlerData) bool {
		_, ok := h.(PowerShell3Handler)
		return ok
	})

	hasNode := slices.ContainsFunc(candidates, func(h HandlerData) bool {
		_, ok := h.(NodeHandler)
		return ok
	})

	demoteV3 := opts.ContainerTarget && !opts.PreferScriptHandler && hasNode

	var eligible []HandlerData
	for _, h := range candidates {
		switch h.(type) {
		case LegacyPowerShellHandler:
			if hasV3 {
				continue
			}
		case PowerShell3Handler:
			if demoteV3 {
				continue
			}
		}

		eligible = append(eligible, h)
	}

	if len(eligible) == 0 {
		return nil, ErrNoCompatibleHandler
	}

	sort.SliceStable(eligible, func(i, j int) bool {
		pi, pj := eligible[i].PreferredOn(opts.Platform), eligible[j].PreferredOn(opts.Platform)
		if pi != pj {
			return pi
		}

		return eligible[i].Priority() < eligible[j].Priority()
	})

	return eligible[0], nil
}
