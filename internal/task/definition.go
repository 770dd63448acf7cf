package task

import (
	"fmt"
	"sort"
	"strings"

	v1 "github.com/raffis/rageta-agent/pkg/apis/agent/v1"
	"sigs.k8s.io/yaml"
)

// Stage is the job phase a task execution belongs to.
type Stage string

const (
	StagePreJob  Stage = "PreJob"
	StageMain    Stage = "Main"
	StagePostJob Stage = "PostJob"
)

const (
	InputTypeFilePath         = "filePath"
	InputTypeSecureFile       = "secureFile"
	inputTypeConnectedService = "connectedService"
)

type InputDefinition struct {
	Name         string `json:"name"`
	Type         string `json:"type,omitempty"`
	DefaultValue string `json:"defaultValue,omitempty"`
}

// ReferencesCredentials reports whether the input carries a service endpoint or secure file id.
func (i InputDefinition) ReferencesCredentials() bool {
	return strings.HasPrefix(i.Type, inputTypeConnectedService) || i.Type == InputTypeSecureFile
}

// Definition is a loaded task.json.
type Definition struct {
	ID           string
	Name         string
	Version      string
	FriendlyName string
	Inputs       []InputDefinition
	Restrictions *v1.TaskRestrictions
	PreJob       []HandlerData
	Main         []HandlerData
	PostJob      []HandlerData
	// Directory the task package has been extracted to.
	Directory string
}

// Handlers returns the candidates of a stage.
func (d *Definition) Handlers(stage Stage) []HandlerData {
	switch stage {
	case StagePreJob:
		return d.PreJob
	case StagePostJob:
		return d.PostJob
	default:
		return d.Main
	}
}

func (d *Definition) HasStage(stage Stage) bool {
	return len(d.Handlers(stage)) > 0
}

func (d *Definition) Input(name string) (InputDefinition, bool) {
	for _, input := range d.Inputs {
		if strings.EqualFold(input.Name, name) {
			return input, true
		}
	}

	return InputDefinition{}, false
}

type definitionFile struct {
	ID               string                 `json:"id"`
	Name             string                 `json:"name"`
	Version          string                 `json:"version"`
	FriendlyName     string                 `json:"friendlyName,omitempty"`
	Inputs           []InputDefinition      `json:"inputs,omitempty"`
	Restrictions     *v1.TaskRestrictions   `json:"restrictions,omitempty"`
	PreJobExecution  map[string]HandlerBase `json:"prejobexecution,omitempty"`
	Execution        map[string]HandlerBase `json:"execution,omitempty"`
	PostJobExecution map[string]HandlerBase `json:"postjobexecution,omitempty"`
}

// ParseDefinition decodes a task.json document.
func ParseDefinition(b []byte) (*Definition, error) {
	var f definitionFile
	if err := yaml.Unmarshal(b, &f); err != nil {
		return nil, fmt.Errorf("invalid task definition: %w", err)
	}

	def := &Definition{
		ID:           f.ID,
		Name:         f.Name,
		Version:      f.Version,
		FriendlyName: f.FriendlyName,
		Inputs:       f.Inputs,
		Restrictions: f.Restrictions,
	}

	var err error
	if def.PreJob, err = handlers(f.PreJobExecution); err != nil {
		return nil, err
	}

	if def.Main, err = handlers(f.Execution); err != nil {
		return nil, err
	}

	if def.PostJob, err = handlers(f.PostJobExecution); err != nil {
		return nil, err
	}

	return def, nil
}

func handlers(execution map[string]HandlerBase) ([]HandlerData, error) {
	kinds := make([]string, 0, len(execution))
	for kind := range execution {
		kinds = append(kinds, kind)
	}

	sort.Strings(kinds)

	var result []HandlerData
	for _, kind := range kinds {
		h, err := NewHandlerData(kind, execution[kind])
		if err != nil {
			return nil, fmt.Errorf("invalid task definition: %w", err)
		}

		result = append(result, h)
	}

	return result, nil
}
