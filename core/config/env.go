package config

import (
	"os"
	"strings"
)

// GetEnv returns the value of k or d when it is unset or empty.
func GetEnv(k, d string) string {
	if v := env(k); v != "" {
		return v
	}
	return d
}

// SplitComma splits a comma separated list, trimming blanks and dropping
// empty entries.
func SplitComma(v string) []string {
	if v == "" {
		return nil
	}
	var out []string
	for _, p := range strings.Split(v, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

var env = os.Getenv
