/*
Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package v1

import (
	"fmt"
	"os"

	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"sigs.k8s.io/yaml"
)

// JobRequestMessage is the unit of work an agent receives from the server.
type JobRequestMessage struct {
	JobID          string                   `json:"jobId"`
	PlanID         string                   `json:"planId"`
	TimelineID     string                   `json:"timelineId,omitempty"`
	JobName        string                   `json:"jobName,omitempty"`
	JobDisplayName string                   `json:"jobDisplayName,omitempty"`
	RequestID      int64                    `json:"requestId,omitempty"`
	Timeout        metav1.Duration          `json:"timeout,omitempty"`
	Variables      map[string]VariableValue `json:"variables,omitempty"`
	Resources      JobResources             `json:"resources,omitempty"`

	// JobContainer references a container resource alias used as the job container.
	JobContainer string `json:"jobContainer,omitempty"`

	// JobSidecarContainers maps a network alias to a container resource alias.
	JobSidecarContainers map[string]string `json:"jobSidecarContainers,omitempty"`

	Steps []TaskStep `json:"steps,omitempty"`
	Hooks JobHooks   `json:"hooks,omitempty"`
}

type JobResources struct {
	Endpoints    []ServiceEndpoint    `json:"endpoints,omitempty"`
	Repositories []RepositoryResource `json:"repositories,omitempty"`
	SecureFiles  []SecureFile         `json:"secureFiles,omitempty"`
	Containers   []ContainerResource  `json:"containers,omitempty"`
}

// JobHooks are host scripts executed at the outer edges of the job.
type JobHooks struct {
	PreJob  *ScriptHook `json:"preJob,omitempty"`
	PostJob *ScriptHook `json:"postJob,omitempty"`
}

type ScriptHook struct {
	DisplayName string   `json:"displayName,omitempty"`
	Script      string   `json:"script"`
	Shell       []string `json:"shell,omitempty"`
}

type VariableValue struct {
	Value      string `json:"value"`
	IsSecret   bool   `json:"isSecret,omitempty"`
	IsReadOnly bool   `json:"isReadOnly,omitempty"`
}

const (
	// SystemConnectionEndpoint carries the access token used for the job connection.
	SystemConnectionEndpoint = "SystemVssConnection"

	AuthorizationSchemeUsernamePassword       = "UsernamePassword"
	AuthorizationSchemeServicePrincipal       = "ServicePrincipal"
	AuthorizationSchemeManagedServiceIdentity = "ManagedServiceIdentity"
	AuthorizationSchemeOAuth                  = "OAuth"
)

type ServiceEndpoint struct {
	ID            string                `json:"id"`
	Name          string                `json:"name"`
	Type          string                `json:"type,omitempty"`
	URL           string                `json:"url,omitempty"`
	Authorization EndpointAuthorization `json:"authorization,omitempty"`
	Data          map[string]string     `json:"data,omitempty"`
}

type EndpointAuthorization struct {
	Scheme     string            `json:"scheme,omitempty"`
	Parameters map[string]string `json:"parameters,omitempty"`
}

type RepositoryResource struct {
	Alias      string            `json:"alias"`
	Type       string            `json:"type,omitempty"`
	URL        string            `json:"url,omitempty"`
	Version    string            `json:"version,omitempty"`
	Properties map[string]string `json:"properties,omitempty"`
}

type SecureFile struct {
	ID   string `json:"id"`
	Name string `json:"name,omitempty"`
}

type ContainerResource struct {
	Alias       string            `json:"alias"`
	Image       string            `json:"image"`
	Endpoint    string            `json:"endpoint,omitempty"`
	Options     string            `json:"options,omitempty"`
	Environment map[string]string `json:"env,omitempty"`
	Ports       []string          `json:"ports,omitempty"`
	Volumes     []string          `json:"volumes,omitempty"`

	// MapDockerSocket mounts the host docker socket into the job container. Defaults to true.
	MapDockerSocket *bool `json:"mapDockerSocket,omitempty"`
}

type TaskReference struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	Version string `json:"version"`
}

type TaskStep struct {
	ID                      string            `json:"id"`
	Name                    string            `json:"name"`
	DisplayName             string            `json:"displayName,omitempty"`
	Reference               TaskReference     `json:"task"`
	Inputs                  map[string]string `json:"inputs,omitempty"`
	Environment             map[string]string `json:"env,omitempty"`
	Condition               string            `json:"condition,omitempty"`
	ContinueOnError         bool              `json:"continueOnError,omitempty"`
	Enabled                 *bool             `json:"enabled,omitempty"`
	Timeout                 metav1.Duration   `json:"timeout,omitempty"`
	RetryCountOnTaskFailure int               `json:"retryCountOnTaskFailure,omitempty"`
	Target                  *StepTarget       `json:"target,omitempty"`
}

// IsEnabled reports whether the step is enabled, steps are enabled unless set otherwise.
func (s TaskStep) IsEnabled() bool {
	return s.Enabled == nil || *s.Enabled
}

const (
	// TargetHost pins a step to the host even if the job runs in a container.
	TargetHost = "host"

	CommandsModeAny        = "any"
	CommandsModeRestricted = "restricted"
)

type StepTarget struct {
	Target            string                `json:"target,omitempty"`
	Commands          string                `json:"commands,omitempty"`
	SettableVariables *VariableRestrictions `json:"settableVariables,omitempty"`
}

// TaskRestrictions limits the logging commands and variables a task may use.
type TaskRestrictions struct {
	Commands          *CommandRestrictions  `json:"commands,omitempty"`
	SettableVariables *VariableRestrictions `json:"settableVariables,omitempty"`
}

type CommandRestrictions struct {
	Mode string `json:"mode,omitempty"`
}

type VariableRestrictions struct {
	Allowed []string `json:"allowed"`
}

func (m *JobRequestMessage) SetDefaults() {
	if m.Variables == nil {
		m.Variables = make(map[string]VariableValue)
	}

	if m.JobDisplayName == "" {
		m.JobDisplayName = m.JobName
	}

	for i := range m.Steps {
		if m.Steps[i].DisplayName == "" {
			m.Steps[i].DisplayName = m.Steps[i].Name
		}
	}
}

// Validate checks the references inside the message.
func (m *JobRequestMessage) Validate() error {
	if m.JobID == "" {
		return fmt.Errorf("%w: jobId is required", ErrInvalidMessage)
	}

	if m.JobContainer != "" {
		if _, ok := m.ContainerResource(m.JobContainer); !ok {
			return fmt.Errorf("%w: job container `%s` is not declared", ErrInvalidMessage, m.JobContainer)
		}
	}

	for network, alias := range m.JobSidecarContainers {
		if _, ok := m.ContainerResource(alias); !ok {
			return fmt.Errorf("%w: sidecar container `%s` (%s) is not declared", ErrInvalidMessage, alias, network)
		}
	}

	seen := make(map[string]struct{}, len(m.Steps))
	for _, step := range m.Steps {
		if step.ID == "" {
			return fmt.Errorf("%w: step `%s` has no id", ErrInvalidMessage, step.Name)
		}

		if _, ok := seen[step.ID]; ok {
			return fmt.Errorf("%w: duplicate step id `%s`", ErrInvalidMessage, step.ID)
		}

		seen[step.ID] = struct{}{}
	}

	return nil
}

func (m *JobRequestMessage) ContainerResource(alias string) (ContainerResource, bool) {
	for _, c := range m.Resources.Containers {
		if c.Alias == alias {
			return c, true
		}
	}

	return ContainerResource{}, false
}

func (m *JobRequestMessage) Endpoint(idOrName string) (ServiceEndpoint, bool) {
	for _, e := range m.Resources.Endpoints {
		if e.ID == idOrName || e.Name == idOrName {
			return e, true
		}
	}

	return ServiceEndpoint{}, false
}

// LoadMessage decodes a job request message from a YAML or JSON file.
func LoadMessage(path string) (*JobRequestMessage, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	msg := &JobRequestMessage{}
	if err := yaml.UnmarshalStrict(b, msg); err != nil {
		return nil, fmt.Errorf("failed to decode job message `%s`: %w", path, err)
	}

	msg.SetDefaults()
	return msg, msg.Validate()
}
