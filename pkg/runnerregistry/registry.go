// Package runnerregistry selects the concrete runner backend for a
// (TestType, EnvironmentType) pair (spec.md §4.4).
package runnerregistry

import (
	"fmt"

	"github.com/fenwicklabs/testkiln/pkg/runner"
	"github.com/fenwicklabs/testkiln/pkg/types"
)

// key identifies one registered backend slot.
type key struct {
	testType types.TestType
	envType  types.EnvironmentType
}

// Registry maps (TestType, EnvironmentType) pairs to a Runner. Most
// deployments register one runner per EnvironmentType and let it serve
// every TestType, using a wildcard test type; a specific (testType,
// envType) entry always takes precedence over the wildcard.
type Registry struct {
	exact    map[key]runner.Runner
	wildcard map[types.EnvironmentType]runner.Runner
}

// wildcardTestType is the sentinel matching any TestType.
const wildcardTestType = types.TestType("")

// New creates an empty Registry.
func New() *Registry {
	return &Registry{
		exact:    make(map[key]runner.Runner),
		wildcard: make(map[types.EnvironmentType]runner.Runner),
	}
}

// Register binds r to every test submitted against envType.
func (reg *Registry) Register(envType types.EnvironmentType, r runner.Runner) {
	reg.wildcard[envType] = r
}

// RegisterExact binds r to one specific (testType, envType) pair,
// overriding the wildcard registration for that combination.
func (reg *Registry) RegisterExact(testType types.TestType, envType types.EnvironmentType, r runner.Runner) {
	reg.exact[key{testType, envType}] = r
}

// Select returns the runner to use for a test running on env.
func (reg *Registry) Select(testType types.TestType, envType types.EnvironmentType) (runner.Runner, error) {
	if r, ok := reg.exact[key{testType, envType}]; ok {
		return r, nil
	}
	if r, ok := reg.wildcard[envType]; ok {
		return r, nil
	}
	return nil, fmt.Errorf("no runner registered for test type %q on environment type %q", testType, envType)
}
