package sandbox

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Environment variable names the agent reads at boot to learn where
// each sandbox level lives on the local filesystem (spec.md §6,
// "Environment variables honored by the agent").
const (
	EnvClientSandbox  = "RADICAL_PILOT_CLIENT_SANDBOX"
	EnvSessionSandbox = "RADICAL_PILOT_SESSION_SANDBOX"
	EnvPilotSandbox   = "RADICAL_PILOT_PILOT_SANDBOX"
)

// Resolver turns a client://, session://, pilot:// or task:// URL into
// a concrete filesystem path, using sandbox roots fixed once at agent
// boot. A URL with no scheme is returned unchanged, since staging
// directives may also carry a bare absolute path.
type Resolver struct {
	clientSandbox  string
	sessionSandbox string
	pilotSandbox   string
}

// NewResolver builds a Resolver from explicit sandbox roots.
func NewResolver(clientSandbox, sessionSandbox, pilotSandbox string) *Resolver {
	return &Resolver{
		clientSandbox:  clientSandbox,
		sessionSandbox: sessionSandbox,
		pilotSandbox:   pilotSandbox,
	}
}

// NewResolverFromEnv builds a Resolver from the RADICAL_PILOT_*_SANDBOX
// environment variables set at agent boot.
func NewResolverFromEnv() (*Resolver, error) {
	client := os.Getenv(EnvClientSandbox)
	session := os.Getenv(EnvSessionSandbox)
	pilot := os.Getenv(EnvPilotSandbox)
	if pilot == "" {
		return nil, fmt.Errorf("%s is required and was not set", EnvPilotSandbox)
	}
	if session == "" {
		session = pilot
	}
	if client == "" {
		client = session
	}
	return NewResolver(client, session, pilot), nil
}

// TaskSandbox returns the sandbox directory owned by a single task.
func (r *Resolver) TaskSandbox(taskUID string) string {
	return filepath.Join(r.pilotSandbox, taskUID)
}

// Resolve turns rawURL into a filesystem path. taskUID scopes task://
// URLs to their owning task's sandbox; it may be empty when resolving
// a non-task:// URL.
func (r *Resolver) Resolve(rawURL, taskUID string) (string, error) {
	scheme, rest, ok := splitScheme(rawURL)
	if !ok {
		return rawURL, nil
	}

	var base string
	switch scheme {
	case "client":
		base = r.clientSandbox
	case "session":
		base = r.sessionSandbox
	case "pilot":
		base = r.pilotSandbox
	case "task":
		if taskUID == "" {
			return "", fmt.Errorf("task:// URL %q has no owning task in this context", rawURL)
		}
		base = r.TaskSandbox(taskUID)
	default:
		return "", fmt.Errorf("unresolvable sandbox scheme %q in %q", scheme, rawURL)
	}
	if base == "" {
		return "", fmt.Errorf("sandbox scheme %q has no configured root", scheme)
	}
	return filepath.Join(base, rest), nil
}

// splitScheme splits "scheme://rest" into its parts. A URL with no
// "://" separator is not a scheme-qualified sandbox reference.
func splitScheme(raw string) (scheme, rest string, ok bool) {
	idx := strings.Index(raw, "://")
	if idx < 0 {
		return "", raw, false
	}
	return raw[:idx], raw[idx+len("://"):], true
}
