package factory

import (
	"os"
	"runtime"
	"sort"
	"strings"
)

var (
	unixEnvKeys    = []string{"HOME", "LOGNAME", "PATH", "SHELL", "TERM", "USER"}
	windowsEnvKeys = []string{
		"APPDATA", "HOMEDRIVE", "HOMEPATH", "LOCALAPPDATA", "PATH",
		"PROCESSOR_ARCHITECTURE", "SYSTEMDRIVE", "SYSTEMROOT", "TEMP",
		"USERNAME", "USERPROFILE",
	}
)

// DefaultEnvironment returns the inherited variables considered safe to pass
// to every spawned server. Values that look like shell functions are skipped.
func DefaultEnvironment() map[string]string {
	keys := unixEnvKeys
	if runtime.GOOS == "windows" {
		keys = windowsEnvKeys
	}
	env := make(map[string]string, len(keys))
	for _, k := range keys {
		v, ok := os.LookupEnv(k)
		if !ok || strings.HasPrefix(v, "()") {
			continue
		}
		env[k] = v
	}
	return env
}

// MergeEnv layers environments in increasing precedence: base first, then
// each of layers in order. The result is sorted by key.
func MergeEnv(base []string, layers ...map[string]string) []string {
	merged := make(map[string]string, len(base))
	// Keys are case-insensitive on windows; keep the first spelling seen.
	spelled := make(map[string]string, len(base))
	set := func(k, v string) {
		norm := k
		if runtime.GOOS == "windows" {
			norm = strings.ToUpper(k)
		}
		if s, ok := spelled[norm]; ok {
			k = s
		} else {
			spelled[norm] = k
		}
		merged[k] = v
	}
	for _, kv := range base {
		k, v, ok := strings.Cut(kv, "=")
		if !ok || k == "" {
			continue
		}
		set(k, v)
	}
	for _, layer := range layers {
		for k, v := range layer {
			set(k, v)
		}
	}
	out := make([]string, 0, len(merged))
	for k, v := range merged {
		out = append(out, k+"="+v)
	}
	sort.Strings(out)
	return out
}

// lookupEnv finds key in an environment list, honouring the last entry.
func lookupEnv(env []string, key string) string {
	val := ""
	for _, kv := range env {
		k, v, ok := strings.Cut(kv, "=")
		if !ok {
			continue
		}
		if k == key || (runtime.GOOS == "windows" && strings.EqualFold(k, key)) {
			val = v
		}
	}
	return val
}
