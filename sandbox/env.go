package sandbox

import "sort"

// Default allow-lists used when the configuration does not name one.
var (
	DefaultSubprocessAllowedEnvVars = []string{"PATH", "HOME", "USER", "TMPDIR", "TEMP", "TMP", "LANG", "LC_ALL"}
	DefaultContainerAllowedEnvVars  = []string{"LANG", "LC_ALL"}
)

// FilterEnvironment returns the entries of requested whose key is in allowed.
// Dropped keys are not an error. The host environment is never consulted.
func FilterEnvironment(requested map[string]string, allowed []string) map[string]string {
	allowSet := make(map[string]struct{}, len(allowed))
	for _, key := range allowed {
		allowSet[key] = struct{}{}
	}

	filtered := make(map[string]string, len(requested))
	for key, value := range requested {
		if _, ok := allowSet[key]; ok {
			filtered[key] = value
		}
	}

	return filtered
}

// envList renders env as KEY=VALUE pairs in key order. The result is never nil,
// so exec.Cmd does not fall back to inheriting the host environment.
func envList(env map[string]string) []string {
	keys := make([]string, 0, len(env))
	for key := range env {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	list := make([]string, 0, len(keys))
	for _, key := range keys {
		list = append(list, key+"="+env[key])
	}

	return list
}
