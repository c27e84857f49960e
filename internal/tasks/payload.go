// ABOUTME: Typed task payloads keyed by task type, validated when a task is created
// ABOUTME: Decode turns raw JSON into the variant for its type; Encode produces canonical JSON

package tasks

import (
	"bytes"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/2389/dockhand/internal/fault"
	"github.com/2389/dockhand/internal/store"
)

// Payload is the operation-specific body of a task.
type Payload interface {
	Type() store.TaskType
	Validate() error
}

// projectNamePattern follows Compose project naming rules.
var projectNamePattern = regexp.MustCompile(`^[a-z0-9][a-z0-9_-]*$`)

// containerNamePattern follows Docker container naming rules.
var containerNamePattern = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9_.-]*$`)

var restartPolicies = map[string]bool{
	"": true, "no": true, "always": true, "unless-stopped": true, "on-failure": true,
}

// typeAliases maps accepted alternate spellings to canonical task types.
var typeAliases = map[string]store.TaskType{
	"pull_image": store.TaskImagePull,
}

// ParseType normalizes and validates a task type string.
func ParseType(s string) (store.TaskType, error) {
	if t, ok := typeAliases[s]; ok {
		return t, nil
	}
	t := store.TaskType(s)
	if _, ok := newPayload(t); !ok {
		return "", fault.Validation("unknown task type %q", s)
	}
	return t, nil
}

// DockerCommand runs an arbitrary docker CLI invocation on the agent.
type DockerCommand struct {
	Command string   `json:"command"`
	Args    []string `json:"args,omitempty"`
}

func (DockerCommand) Type() store.TaskType { return store.TaskDockerCommand }

func (p DockerCommand) Validate() error {
	if strings.TrimSpace(p.Command) == "" {
		return fault.Validation("command is required")
	}
	return nil
}

// ImagePull pulls an image on the agent.
type ImagePull struct {
	Image    string `json:"image"`
	Platform string `json:"platform,omitempty"`
}

func (ImagePull) Type() store.TaskType { return store.TaskImagePull }

func (p ImagePull) Validate() error {
	return validateImageRef(p.Image)
}

// ContainerRun creates and starts a container.
type ContainerRun struct {
	Name          string            `json:"name,omitempty"`
	Image         string            `json:"image"`
	Ports         []string          `json:"ports,omitempty"`
	Volumes       []string          `json:"volumes,omitempty"`
	Env           map[string]string `json:"env,omitempty"`
	RestartPolicy string            `json:"restartPolicy,omitempty"`
	Command       []string          `json:"command,omitempty"`
}

func (ContainerRun) Type() store.TaskType { return store.TaskContainerRun }

func (p ContainerRun) Validate() error {
	if err := validateImageRef(p.Image); err != nil {
		return err
	}
	if p.Name != "" && !containerNamePattern.MatchString(p.Name) {
		return fault.Validation("invalid container name %q", p.Name)
	}
	if !restartPolicies[p.RestartPolicy] {
		return fault.Validation("invalid restart policy %q", p.RestartPolicy)
	}
	for _, port := range p.Ports {
		if port == "" || strings.Count(port, ":") > 2 {
			return fault.Validation("invalid port mapping %q", port)
		}
	}
	for _, v := range p.Volumes {
		if !strings.Contains(v, ":") {
			return fault.Validation("invalid volume mapping %q: expected source:target", v)
		}
	}
	return nil
}

// ContainerAction starts, stops, restarts, or removes an existing container.
// The action itself is carried by the task type.
type ContainerAction struct {
	Action        store.TaskType `json:"-"`
	ContainerID   string         `json:"containerId"`
	Force         bool           `json:"force,omitempty"`
	RemoveVolumes bool           `json:"removeVolumes,omitempty"`
}

func (p ContainerAction) Type() store.TaskType { return p.Action }

func (p ContainerAction) Validate() error {
	switch p.Action {
	case store.TaskContainerStart, store.TaskContainerStop, store.TaskContainerRestart, store.TaskContainerRemove:
	default:
		return fault.Validation("unknown container action %q", p.Action)
	}
	if p.ContainerID == "" {
		return fault.Validation("containerId is required")
	}
	if (p.Force || p.RemoveVolumes) && p.Action != store.TaskContainerRemove {
		return fault.Validation("force and removeVolumes only apply to container_remove")
	}
	return nil
}

// ComposeProject writes a Compose project to the agent without starting it.
// StackDeploy reuses this shape for single-step stack deployment.
type ComposeProject struct {
	Kind           store.TaskType `json:"-"`
	ProjectName    string         `json:"projectName"`
	ComposeContent string         `json:"composeContent"`
	EnvContent     string         `json:"envContent,omitempty"`
}

func (p ComposeProject) Type() store.TaskType {
	if p.Kind == "" {
		return store.TaskComposeCreateProject
	}
	return p.Kind
}

func (p ComposeProject) Validate() error {
	if err := validateProjectName(p.ProjectName); err != nil {
		return err
	}
	return ValidateComposeContent(p.ComposeContent)
}

// ComposeUp starts a previously created project.
type ComposeUp struct {
	ProjectName string `json:"projectName"`
	Pull        bool   `json:"pull,omitempty"`
}

func (ComposeUp) Type() store.TaskType { return store.TaskComposeUp }

func (p ComposeUp) Validate() error { return validateProjectName(p.ProjectName) }

// ComposeDown stops and removes a project.
type ComposeDown struct {
	ProjectName   string `json:"projectName"`
	RemoveVolumes bool   `json:"removeVolumes,omitempty"`
}

func (ComposeDown) Type() store.TaskType { return store.TaskComposeDown }

func (p ComposeDown) Validate() error { return validateProjectName(p.ProjectName) }

// newPayload returns a zero payload for t.
func newPayload(t store.TaskType) (Payload, bool) {
	switch t {
	case store.TaskDockerCommand:
		return &DockerCommand{}, true
	case store.TaskImagePull:
		return &ImagePull{}, true
	case store.TaskContainerRun:
		return &ContainerRun{}, true
	case store.TaskContainerStart, store.TaskContainerStop, store.TaskContainerRestart, store.TaskContainerRemove:
		return &ContainerAction{Action: t}, true
	case store.TaskComposeCreateProject, store.TaskStackDeploy:
		return &ComposeProject{Kind: t}, true
	case store.TaskComposeUp:
		return &ComposeUp{}, true
	case store.TaskComposeDown:
		return &ComposeDown{}, true
	}
	return nil, false
}

// Decode parses raw into the payload variant for t and validates it.
// Unknown fields are rejected so typos surface at creation time.
func Decode(t store.TaskType, raw json.RawMessage) (Payload, error) {
	p, ok := newPayload(t)
	if !ok {
		return nil, fault.Validation("unknown task type %q", t)
	}
	if len(bytes.TrimSpace(raw)) == 0 {
		raw = json.RawMessage("{}")
	}

	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(p); err != nil {
		return nil, fault.Validation("invalid %s payload: %v", t, err)
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return deref(p), nil
}

// Encode validates p and returns its canonical JSON form.
func Encode(p Payload) (json.RawMessage, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}
	data, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("encoding %s payload: %w", p.Type(), err)
	}
	return data, nil
}

// deref returns the value form of the pointers produced by newPayload so
// callers can type-switch on value types.
func deref(p Payload) Payload {
	switch v := p.(type) {
	case *DockerCommand:
		return *v
	case *ImagePull:
		return *v
	case *ContainerRun:
		return *v
	case *ContainerAction:
		return *v
	case *ComposeProject:
		return *v
	case *ComposeUp:
		return *v
	case *ComposeDown:
		return *v
	}
	return p
}

func validateImageRef(image string) error {
	if image == "" {
		return fault.Validation("image is required")
	}
	if strings.ContainsAny(image, " \t\n") {
		return fault.Validation("invalid image reference %q", image)
	}
	return nil
}

func validateProjectName(name string) error {
	if name == "" {
		return fault.Validation("projectName is required")
	}
	if !projectNamePattern.MatchString(name) {
		return fault.Validation("invalid project name %q: must be lowercase letters, digits, '_' or '-'", name)
	}
	return nil
}

// ValidateComposeContent checks that content is a YAML mapping with a
// non-empty services section. Full Compose validation is left to the agent.
func ValidateComposeContent(content string) error {
	if strings.TrimSpace(content) == "" {
		return fault.Validation("composeContent is required")
	}
	var doc map[string]any
	if err := yaml.Unmarshal([]byte(content), &doc); err != nil {
		return fault.Validation("composeContent is not valid YAML: %v", err)
	}
	services, ok := doc["services"].(map[string]any)
	if !ok || len(services) == 0 {
		return fault.Validation("composeContent must define at least one service")
	}
	return nil
}
