package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Session is the agent's own bootstrap manifest: the local/dev
// counterpart to the client-supplied allocation and platform name,
// used when launching the agent directly (spec.md §6, "Environment
// variables honored by the agent"; this is the file form of the same
// bootstrap parameters for non-batch-system runs).
type Session struct {
	PilotID       string            `yaml:"pilot_id"`
	SessionID     string            `yaml:"session_id"`
	Platform      string            `yaml:"platform"`
	Sandbox       string            `yaml:"sandbox"`
	Cores         int               `yaml:"cores"`
	GPUs          int               `yaml:"gpus"`
	RuntimeLimit  int               `yaml:"runtime_minutes"`
	RaptorWorkers int               `yaml:"raptor_workers"`
	LogLevel      string            `yaml:"log_level"`
	Env           map[string]string `yaml:"env,omitempty"`
}

// LoadSession reads and parses a session manifest from path.
func LoadSession(path string) (Session, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Session{}, fmt.Errorf("read session file: %w", err)
	}
	var s Session
	if err := yaml.Unmarshal(data, &s); err != nil {
		return Session{}, fmt.Errorf("parse session file %s: %w", path, err)
	}
	if s.PilotID == "" {
		return Session{}, fmt.Errorf("session file %s: pilot_id is required", path)
	}
	return s, nil
}
