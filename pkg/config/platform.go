package config

import (
	"encoding/json"
	"fmt"
	"os"
)

// ResourceManager is the batch system a platform submits pilots
// through (spec.md §6).
type ResourceManager string

const (
	ResourceManagerCCM     ResourceManager = "CCM"
	ResourceManagerCOBALT  ResourceManager = "COBALT"
	ResourceManagerFORK    ResourceManager = "FORK"
	ResourceManagerLSF     ResourceManager = "LSF"
	ResourceManagerPBSPRO  ResourceManager = "PBSPRO"
	ResourceManagerSLURM   ResourceManager = "SLURM"
	ResourceManagerTORQUE  ResourceManager = "TORQUE"
	ResourceManagerYARN    ResourceManager = "YARN"
)

// VirtenvMode controls how the agent's Python virtual environment is
// prepared before bootstrap.
type VirtenvMode string

const (
	VirtenvCreate   VirtenvMode = "create"
	VirtenvRecreate VirtenvMode = "recreate"
	VirtenvUse      VirtenvMode = "use"
	VirtenvUpdate   VirtenvMode = "update"
	VirtenvLocal    VirtenvMode = "local"
)

// SchemaEndpoint is either a concrete endpoint pair or an alias naming
// another schema in the same platform entry.
type SchemaEndpoint struct {
	JobManagerEndpoint string `json:"job_manager_endpoint,omitempty"`
	FilesystemEndpoint string `json:"filesystem_endpoint,omitempty"`
	Alias              string `json:"-"`
}

// UnmarshalJSON accepts either an endpoint object or a bare alias string.
func (s *SchemaEndpoint) UnmarshalJSON(data []byte) error {
	var alias string
	if err := json.Unmarshal(data, &alias); err == nil {
		s.Alias = alias
		return nil
	}
	type plain SchemaEndpoint
	var p plain
	if err := json.Unmarshal(data, &p); err != nil {
		return fmt.Errorf("schema entry is neither an alias string nor an endpoint object: %w", err)
	}
	*s = SchemaEndpoint(p)
	return nil
}

// SystemArchitecture describes SMT and slot exclusions for a platform.
type SystemArchitecture struct {
	SMT          int      `json:"smt"`
	Options      []string `json:"options,omitempty"`
	BlockedCores []int    `json:"blocked_cores,omitempty"`
	BlockedGPUs  []int    `json:"blocked_gpus,omitempty"`
}

// LaunchMethodConfig is the per-method block under launch_methods.
type LaunchMethodConfig struct {
	PreExecCached []string `json:"pre_exec_cached,omitempty"`
}

// LaunchMethods is the launch_methods block: a preference order plus
// per-method configuration.
type LaunchMethods struct {
	Order   []string                      `json:"order"`
	Methods map[string]LaunchMethodConfig `json:"-"`
}

// UnmarshalJSON splits the "order" key from the remaining per-method
// entries, since launch_methods is a flat object mixing both.
func (l *LaunchMethods) UnmarshalJSON(data []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	l.Methods = make(map[string]LaunchMethodConfig)
	for key, v := range raw {
		if key == "order" {
			if err := json.Unmarshal(v, &l.Order); err != nil {
				return fmt.Errorf("launch_methods.order: %w", err)
			}
			continue
		}
		var mc LaunchMethodConfig
		if err := json.Unmarshal(v, &mc); err != nil {
			return fmt.Errorf("launch_methods.%s: %w", key, err)
		}
		l.Methods[key] = mc
	}
	return nil
}

// Platform is one entry of the platform configuration file (spec.md §6).
type Platform struct {
	Schemas            []string                  `json:"schemas"`
	SchemaEndpoints    map[string]SchemaEndpoint  `json:"-"`
	DefaultQueue       string                     `json:"default_queue"`
	Project            string                     `json:"project"`
	ResourceManager    ResourceManager            `json:"resource_manager"`
	CoresPerNode       int                        `json:"cores_per_node"`
	GPUsPerNode        int                        `json:"gpus_per_node"`
	LFSPathPerNode     string                     `json:"lfs_path_per_node"`
	LFSSizePerNode     int64                      `json:"lfs_size_per_node"`
	MemPerNode         int64                      `json:"mem_per_node"`
	SystemArchitecture SystemArchitecture         `json:"system_architecture"`
	AgentScheduler     string                     `json:"agent_scheduler"`
	AgentSpawner       string                     `json:"agent_spawner"`
	AgentConfig        string                     `json:"agent_config"`
	LaunchMethods      LaunchMethods              `json:"launch_methods"`
	PreBootstrap0      []string                   `json:"pre_bootstrap_0,omitempty"`
	PreBootstrap1      []string                   `json:"pre_bootstrap_1,omitempty"`
	VirtenvMode        VirtenvMode                `json:"virtenv_mode"`
	PythonDist         string                     `json:"python_dist"`
	RPVersion          string                     `json:"rp_version"`
	DefaultRemoteWorkdir string                   `json:"default_remote_workdir"`
}

// UnmarshalJSON parses the fixed fields, then re-walks the raw object
// to pick out the per-schema endpoint blocks: each name listed in
// "schemas" appears again as its own top-level key on the same object,
// either an endpoint pair or an alias string to another schema.
func (p *Platform) UnmarshalJSON(data []byte) error {
	type plain Platform
	var pl plain
	if err := json.Unmarshal(data, &pl); err != nil {
		return err
	}
	*p = Platform(pl)

	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	p.SchemaEndpoints = make(map[string]SchemaEndpoint, len(p.Schemas))
	for _, name := range p.Schemas {
		v, ok := raw[name]
		if !ok {
			continue
		}
		var ep SchemaEndpoint
		if err := json.Unmarshal(v, &ep); err != nil {
			return fmt.Errorf("schema %q: %w", name, err)
		}
		p.SchemaEndpoints[name] = ep
	}
	return nil
}

// ResolveSchema follows a possible alias chain and returns the
// concrete endpoint pair for name.
func (p Platform) ResolveSchema(name string) (SchemaEndpoint, error) {
	seen := map[string]bool{}
	for {
		if seen[name] {
			return SchemaEndpoint{}, fmt.Errorf("schema %q resolves to an alias cycle", name)
		}
		seen[name] = true

		ep, ok := p.SchemaEndpoints[name]
		if !ok {
			return SchemaEndpoint{}, fmt.Errorf("schema %q not defined on this platform", name)
		}
		if ep.Alias == "" {
			return ep, nil
		}
		name = ep.Alias
	}
}

// PlatformFile is the top-level shape of the platform configuration
// file: a JSON object keyed by platform name.
type PlatformFile map[string]Platform

// LoadPlatformFile reads and parses a platform configuration file from
// path.
func LoadPlatformFile(path string) (PlatformFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read platform file: %w", err)
	}
	var pf PlatformFile
	if err := json.Unmarshal(data, &pf); err != nil {
		return nil, fmt.Errorf("parse platform file %s: %w", path, err)
	}
	return pf, nil
}

// Lookup returns the named platform entry, erroring if absent.
func (pf PlatformFile) Lookup(name string) (Platform, error) {
	p, ok := pf[name]
	if !ok {
		return Platform{}, fmt.Errorf("platform %q not found in configuration", name)
	}
	return p, nil
}
