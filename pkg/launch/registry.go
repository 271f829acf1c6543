package launch

import (
	"fmt"

	"github.com/radical-cybertools/rp-agent/pkg/config"
	"github.com/radical-cybertools/rp-agent/pkg/types"
)

// ErrNoApplicableMethod is returned when no method in the registry's
// configured order is applicable to a task, the LMUnavailable case in
// spec.md §4.3's failure modes.
var ErrNoApplicableMethod = fmt.Errorf("no applicable launch method")

// Registry selects a Method by platform config tag, mirroring the
// teacher's plugin-by-string pattern used for storage/scheduler/spawner
// selection.
type Registry struct {
	order   []string
	methods map[string]Method
}

// NewRegistry builds a registry restricted to the methods named in
// order, each looked up from the full method catalog by its Name().
// Per-method config (pre_exec_cached) is applied by the caller before
// registration, via pkg/agent's applyPreExecCached type switch over
// the concrete catalog types.
func NewRegistry(order []string, available ...Method) *Registry {
	catalog := make(map[string]Method, len(available))
	for _, m := range available {
		catalog[m.Name()] = m
	}
	r := &Registry{order: order, methods: make(map[string]Method)}
	for _, name := range order {
		if m, ok := catalog[name]; ok {
			r.methods[name] = m
		}
	}
	return r
}

// Select returns the first method in configured order whose Applicable
// check passes for desc on a platform using resource manager rm.
func (r *Registry) Select(desc types.TaskDescription, rm config.ResourceManager) (Method, error) {
	for _, name := range r.order {
		m, ok := r.methods[name]
		if !ok {
			continue
		}
		if m.Applicable(desc, rm) {
			return m, nil
		}
	}
	return nil, ErrNoApplicableMethod
}

// DefaultCatalog returns one instance of every launch method spec.md
// §4.4 requires, unconfigured (no pre_exec_cached applied). Callers
// typically assign platform.LaunchMethods.Methods[name].PreExecCached
// onto each method's exported PreExecList field before building a
// Registry.
func DefaultCatalog() []Method {
	return []Method{
		&SRUN{}, &MPIRUN{}, &MPIEXEC{}, &JSRUN{}, &APRUN{}, &PRTE{}, &SSH{}, &FORK{}, &FLUX{},
	}
}
