// Package config loads the agent's two external inputs: the
// platform.json resource-manager/launch-method catalog shared by a
// whole site (spec.md §6), and the per-run session manifest naming
// which platform, allocation and pilot this process is bootstrapping.
package config
