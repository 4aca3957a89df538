// Package deploy validates compose definitions and executes container
// and stack deployments through a seven-state lifecycle with rollback.
package deploy

import (
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// ComposeFile is the subset of the compose format DockMon deploys.
type ComposeFile struct {
	Services map[string]Service    `yaml:"services"`
	Networks map[string]yaml.Node  `yaml:"networks"`
	Volumes  map[string]VolumeSpec `yaml:"volumes"`
}

// Service is one deployable service definition.
type Service struct {
	Image         string       `yaml:"image"`
	Build         *BuildSpec   `yaml:"build"`
	ContainerName string       `yaml:"container_name"`
	Command       StringOrList `yaml:"command"`
	Entrypoint    StringOrList `yaml:"entrypoint"`
	User          string       `yaml:"user"`
	Ports         []string     `yaml:"ports"`
	Environment   KeyValues    `yaml:"environment"`
	Volumes       []string     `yaml:"volumes"`
	Networks      NameList     `yaml:"networks"`
	NetworkMode   NetworkMode  `yaml:"network_mode"`
	Devices       DeviceList   `yaml:"devices"`
	ExtraHosts    ExtraHosts   `yaml:"extra_hosts"`
	CapAdd        []string     `yaml:"cap_add"`
	CapDrop       []string     `yaml:"cap_drop"`
	Privileged    bool         `yaml:"privileged"`
	Healthcheck   *Healthcheck `yaml:"healthcheck"`
	Restart       string       `yaml:"restart"`
	Labels        KeyValues    `yaml:"labels"`
	DependsOn     NameList     `yaml:"depends_on"`
	MemLimit      string       `yaml:"mem_limit"`
	CPUs          float64      `yaml:"cpus"`
	Deploy        *DeploySpec  `yaml:"deploy"`
}

// BuildSpec accepts both the short string form and the object form.
type BuildSpec struct {
	Context    string `yaml:"context"`
	Dockerfile string `yaml:"dockerfile"`
}

func (b *BuildSpec) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind == yaml.ScalarNode {
		b.Context = node.Value
		return nil
	}
	type plain BuildSpec
	return node.Decode((*plain)(b))
}

// VolumeSpec is a top-level named volume declaration.
type VolumeSpec struct {
	Driver   string `yaml:"driver"`
	External bool   `yaml:"external"`
}

// Healthcheck mirrors the compose healthcheck block.
type Healthcheck struct {
	Test        StringOrList `yaml:"test"`
	Interval    string       `yaml:"interval"`
	Timeout     string       `yaml:"timeout"`
	Retries     int          `yaml:"retries"`
	StartPeriod string       `yaml:"start_period"`
}

// DeploySpec carries the v3 resource limits that override v2 fields.
type DeploySpec struct {
	Resources struct {
		Limits       ResourceSpec `yaml:"limits"`
		Reservations ResourceSpec `yaml:"reservations"`
	} `yaml:"resources"`
}

// ResourceSpec holds v3-style cpu and memory settings.
type ResourceSpec struct {
	CPUs   string `yaml:"cpus"`
	Memory string `yaml:"memory"`
}

// StringOrList accepts a scalar or a sequence of scalars.
type StringOrList []string

func (s *StringOrList) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind == yaml.ScalarNode {
		*s = []string{node.Value}
		return nil
	}
	var list []string
	if err := node.Decode(&list); err != nil {
		return err
	}
	*s = list
	return nil
}

// KeyValues accepts both map form and "KEY=value" list form.
type KeyValues map[string]string

func (kv *KeyValues) UnmarshalYAML(node *yaml.Node) error {
	out := make(map[string]string)
	switch node.Kind {
	case yaml.MappingNode:
		var m map[string]string
		if err := node.Decode(&m); err != nil {
			return err
		}
		out = m
	case yaml.SequenceNode:
		var list []string
		if err := node.Decode(&list); err != nil {
			return err
		}
		for _, item := range list {
			k, v, _ := strings.Cut(item, "=")
			out[k] = v
		}
	default:
		return fmt.Errorf("expected map or list, got %s", node.Tag)
	}
	*kv = out
	return nil
}

// NameList accepts a sequence of names or a map whose keys are names
// (the long form of depends_on and networks).
type NameList []string

func (n *NameList) UnmarshalYAML(node *yaml.Node) error {
	switch node.Kind {
	case yaml.SequenceNode:
		var list []string
		if err := node.Decode(&list); err != nil {
			return err
		}
		*n = list
		return nil
	case yaml.MappingNode:
		var names []string
		for i := 0; i < len(node.Content); i += 2 {
			names = append(names, node.Content[i].Value)
		}
		*n = names
		return nil
	default:
		return fmt.Errorf("expected list or map, got %s", node.Tag)
	}
}

// ExtraHosts accepts the "host:ip" list form and the dict form.
type ExtraHosts []string

func (e *ExtraHosts) UnmarshalYAML(node *yaml.Node) error {
	switch node.Kind {
	case yaml.SequenceNode:
		var list []string
		if err := node.Decode(&list); err != nil {
			return err
		}
		*e = list
		return nil
	case yaml.MappingNode:
		var m map[string]string
		if err := node.Decode(&m); err != nil {
			return err
		}
		keys := make([]string, 0, len(m))
		for k := range m {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		var list []string
		for _, k := range keys {
			list = append(list, k+":"+m[k])
		}
		*e = list
		return nil
	default:
		return fmt.Errorf("expected list or map, got %s", node.Tag)
	}
}

// DeviceList rejects the scalar form; compose requires a list of
// "host:container" mappings.
type DeviceList []string

func (d *DeviceList) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind != yaml.SequenceNode {
		return errors.New("devices must be a list of host:container mappings")
	}
	var list []string
	if err := node.Decode(&list); err != nil {
		return err
	}
	*d = list
	return nil
}

// NetworkMode distinguishes an explicitly empty value from an absent
// key. Writing network_mode with an empty string is a configuration
// mistake, not a request for the default network.
type NetworkMode string

func (n *NetworkMode) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind != yaml.ScalarNode {
		return errors.New("network_mode must be a string")
	}
	if node.Tag == "!!null" {
		return nil
	}
	if node.Value == "" {
		return errors.New("network_mode must not be empty")
	}
	*n = NetworkMode(node.Value)
	return nil
}

// safeTags are the YAML tags a compose file may contain. Anything else
// (language-specific object tags, executable constructors) is rejected
// before decoding.
var safeTags = map[string]bool{
	"":            true,
	"!!str":       true,
	"!!int":       true,
	"!!float":     true,
	"!!bool":      true,
	"!!null":      true,
	"!!map":       true,
	"!!seq":       true,
	"!!merge":     true,
	"!!timestamp": true,
}

func checkTags(node *yaml.Node) error {
	if node == nil {
		return nil
	}
	if !safeTags[node.Tag] {
		return fmt.Errorf("unsafe YAML tag %q", node.Tag)
	}
	for _, child := range node.Content {
		if err := checkTags(child); err != nil {
			return err
		}
	}
	return nil
}

// portPattern matches "80", "8080:80", "127.0.0.1:8080:80", each with
// an optional "/tcp" or "/udp" suffix.
var portPattern = regexp.MustCompile(`^((\d{1,3}(\.\d{1,3}){3}):)?(\d+:)?\d+(-\d+)?(/(tcp|udp))?$`)

// ValidateCompose parses and validates a compose definition, returning
// the parsed file and the topological startup order of its services.
func ValidateCompose(content string) (*ComposeFile, []string, error) {
	var root yaml.Node
	if err := yaml.Unmarshal([]byte(content), &root); err != nil {
		return nil, nil, fmt.Errorf("parse yaml: %w", err)
	}
	if err := checkTags(&root); err != nil {
		return nil, nil, err
	}

	var cf ComposeFile
	if err := root.Decode(&cf); err != nil {
		return nil, nil, fmt.Errorf("decode compose: %w", err)
	}

	var errs []error
	if len(cf.Services) == 0 {
		errs = append(errs, errors.New("compose file defines no services"))
	}
	for name, svc := range cf.Services {
		if svc.Image == "" && svc.Build == nil {
			errs = append(errs, fmt.Errorf("service %q: needs image or build", name))
		}
		if svc.NetworkMode != "" && len(svc.Networks) > 0 {
			errs = append(errs, fmt.Errorf("service %q: network_mode and networks are mutually exclusive", name))
		}
		for _, p := range svc.Ports {
			if !portPattern.MatchString(p) {
				errs = append(errs, fmt.Errorf("service %q: invalid port mapping %q", name, p))
			}
		}
		for _, dep := range svc.DependsOn {
			if dep == name {
				errs = append(errs, fmt.Errorf("service %q: depends on itself", name))
			} else if _, ok := cf.Services[dep]; !ok {
				errs = append(errs, fmt.Errorf("service %q: depends on unknown service %q", name, dep))
			}
		}
	}
	if len(errs) > 0 {
		return nil, nil, errors.Join(errs...)
	}

	order, err := startupOrder(cf.Services)
	if err != nil {
		return nil, nil, err
	}
	return &cf, order, nil
}

// memoryBytes parses compose memory strings like "512m" or "1g".
func memoryBytes(s string) (int64, error) {
	s = strings.TrimSpace(strings.ToLower(s))
	if s == "" {
		return 0, nil
	}
	mult := int64(1)
	switch {
	case strings.HasSuffix(s, "k") || strings.HasSuffix(s, "kb"):
		mult = 1 << 10
	case strings.HasSuffix(s, "m") || strings.HasSuffix(s, "mb"):
		mult = 1 << 20
	case strings.HasSuffix(s, "g") || strings.HasSuffix(s, "gb"):
		mult = 1 << 30
	case strings.HasSuffix(s, "b"):
	}
	digits := strings.TrimRight(s, "kmgb")
	n, err := strconv.ParseInt(digits, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid memory value %q", s)
	}
	return n * mult, nil
}

// resources resolves the effective memory limit (bytes) and CPU count
// for a service. v3 deploy.resources.limits overrides the v2
// mem_limit/cpus fields.
func resources(svc Service) (memBytes int64, nanoCPUs int64, err error) {
	memStr := svc.MemLimit
	cpus := svc.CPUs
	if svc.Deploy != nil {
		if v := svc.Deploy.Resources.Limits.Memory; v != "" {
			memStr = v
		}
		if v := svc.Deploy.Resources.Limits.CPUs; v != "" {
			f, perr := strconv.ParseFloat(v, 64)
			if perr != nil {
				return 0, 0, fmt.Errorf("invalid cpus value %q", v)
			}
			cpus = f
		}
	}
	memBytes, err = memoryBytes(memStr)
	if err != nil {
		return 0, 0, err
	}
	return memBytes, int64(cpus * 1e9), nil
}
