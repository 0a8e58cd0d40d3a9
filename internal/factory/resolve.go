package factory

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"runtime"
	"strings"
)

// ErrNotFound reports that a command could not be located on PATH.
var ErrNotFound = errors.New("executable file not found in PATH")

// ResolveCommand locates command using the PATH (and on windows PATHEXT) of
// env rather than of the inspector itself, so the child sees the same
// executable a shell with that environment would run.
func ResolveCommand(command string, env []string) (string, error) {
	if command == "" {
		return "", errors.New("empty command")
	}
	exts := []string{""}
	if runtime.GOOS == "windows" {
		exts = windowsExts(lookupEnv(env, "PATHEXT"), command)
	}
	if strings.ContainsAny(command, `/\`) {
		for _, ext := range exts {
			if p := command + ext; isExecutable(p) {
				return p, nil
			}
		}
		return "", fmt.Errorf("%s: %w", command, fs.ErrNotExist)
	}
	for _, dir := range filepath.SplitList(lookupEnv(env, "PATH")) {
		if dir == "" {
			dir = "."
		}
		for _, ext := range exts {
			p := filepath.Join(dir, command+ext)
			if isExecutable(p) {
				if !filepath.IsAbs(p) {
					if abs, err := filepath.Abs(p); err == nil {
						p = abs
					}
				}
				return p, nil
			}
		}
	}
	return "", fmt.Errorf("%s: %w", command, ErrNotFound)
}

func windowsExts(pathext, command string) []string {
	if filepath.Ext(command) != "" {
		return []string{""}
	}
	if pathext == "" {
		pathext = ".COM;.EXE;.BAT;.CMD"
	}
	exts := []string{""}
	for _, e := range strings.Split(pathext, ";") {
		if e = strings.TrimSpace(e); e != "" {
			exts = append(exts, strings.ToLower(e))
		}
	}
	return exts
}

func isExecutable(path string) bool {
	fi, err := os.Stat(path)
	if err != nil || fi.IsDir() {
		return false
	}
	if runtime.GOOS == "windows" {
		return true
	}
	return fi.Mode()&0o111 != 0
}
