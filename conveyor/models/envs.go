package models

import (
	"fmt"
	"maps"
	"slices"
)

type EnvVars []string

// ConstructEnvs merges environment maps into a []string{"KEY=value", ...}
// slice. Later maps override earlier ones; keys are sorted so the result is
// stable.
func ConstructEnvs(envs ...map[string]string) EnvVars {
	merged := map[string]string{}
	for _, env := range envs {
		maps.Copy(merged, env)
	}

	var out EnvVars
	for _, k := range slices.Sorted(maps.Keys(merged)) {
		out.AddEnv(k, merged[k])
	}
	return out
}

// Slice returns the EnvVars as a []string slice.
func (ev EnvVars) Slice() []string {
	return ev
}

// AddEnv adds a key=value string to the EnvVars.
func (ev *EnvVars) AddEnv(key, value string) {
	*ev = append(*ev, fmt.Sprintf("%s=%s", key, value))
}
