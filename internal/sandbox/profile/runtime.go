// Package profile holds the language runtime definitions an execution can select.
package profile

import (
	"fmt"
	"path"
	"sort"
	"strings"

	"fuzexec/internal/sandbox/spec"

	"github.com/google/shlex"
)

// SourcePlaceholder is replaced by the in-sandbox path of the source file.
const SourcePlaceholder = "{source}"

// Runtime defines how one language is launched inside the sandbox.
type Runtime struct {
	Language       string           `yaml:"language"`
	SourceFile     string           `yaml:"sourceFile"`
	Command        string           `yaml:"command"`
	Env            []string         `yaml:"env"`
	RootFS         string           `yaml:"rootfs"`
	Mounts         []spec.MountSpec `yaml:"mounts"`
	SeccompProfile string           `yaml:"seccompProfile"`
	AllowNetwork   bool             `yaml:"allowNetwork"`
}

// Args expands the command template for a source file located at sourcePath.
func (r Runtime) Args(sourcePath string) ([]string, error) {
	parts, err := shlex.Split(r.Command)
	if err != nil {
		return nil, fmt.Errorf("parse command for %s: %w", r.Language, err)
	}
	if len(parts) == 0 {
		return nil, fmt.Errorf("empty command for %s", r.Language)
	}
	for i, part := range parts {
		parts[i] = strings.ReplaceAll(part, SourcePlaceholder, sourcePath)
	}
	return parts, nil
}

// Repository resolves a language selector into a runtime.
type Repository interface {
	Get(language string) (Runtime, bool)
	Languages() []string
}

// LocalRepository serves runtimes loaded from configuration.
type LocalRepository struct {
	runtimes map[string]Runtime
}

// NewLocalRepository validates and indexes runtimes by language.
func NewLocalRepository(runtimes []Runtime) (*LocalRepository, error) {
	repo := &LocalRepository{runtimes: make(map[string]Runtime, len(runtimes))}
	for _, rt := range runtimes {
		key := normalize(rt.Language)
		if key == "" {
			return nil, fmt.Errorf("runtime language is required")
		}
		if _, exists := repo.runtimes[key]; exists {
			return nil, fmt.Errorf("duplicate runtime for %s", key)
		}
		if rt.SourceFile == "" || path.Base(rt.SourceFile) != rt.SourceFile || rt.SourceFile == "." || rt.SourceFile == ".." {
			return nil, fmt.Errorf("runtime %s: source file must be a plain file name", key)
		}
		if _, err := rt.Args(rt.SourceFile); err != nil {
			return nil, err
		}
		rt.Language = key
		repo.runtimes[key] = rt
	}
	return repo, nil
}

// Get returns the runtime for a language selector.
func (r *LocalRepository) Get(language string) (Runtime, bool) {
	rt, ok := r.runtimes[normalize(language)]
	return rt, ok
}

// Languages lists the configured selectors in sorted order.
func (r *LocalRepository) Languages() []string {
	out := make([]string, 0, len(r.runtimes))
	for key := range r.runtimes {
		out = append(out, key)
	}
	sort.Strings(out)
	return out
}

func normalize(language string) string {
	return strings.ToLower(strings.TrimSpace(language))
}
