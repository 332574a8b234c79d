// Package sandbox compiles and runs untrusted submissions inside
// disposable runtime containers and reports a typed outcome per testcase.
package sandbox

import (
	"path/filepath"
	"sort"
	"strings"

	"github.com/google/shlex"

	appErr "judgebox/pkg/errors"
)

const (
	containerWorkDir = "/work"

	sourceInputName = "input.txt"
	stdoutLogName   = "stdout.log"
	stderrLogName   = "stderr.log"
	compileLogName  = "compile.log"
)

// ExecutionProfile describes how one language is compiled and executed.
// CompileCmdTpl and RunCmdTpl may reference {src} and {bin}, which expand
// to the container paths of the source file and the build artifact.
type ExecutionProfile struct {
	Language         string          `yaml:"language"`
	RuntimeImage     string          `yaml:"runtimeImage"`
	SourceFileName   string          `yaml:"sourceFileName"`
	ArtifactFileName string          `yaml:"artifactFileName"`
	CompileCmdTpl    string          `yaml:"compileCommand"`
	RunCmdTpl        string          `yaml:"runCommand"`
	NeedsCompilation bool            `yaml:"needsCompilation"`
	TimeoutCeilingMs int64           `yaml:"timeoutCeilingMs"`
	Env              []string        `yaml:"env"`
	Isolation        IsolationPolicy `yaml:"isolation"`
}

// CompileCommand expands the compile template into an argv.
func (p ExecutionProfile) CompileCommand() ([]string, error) {
	if !p.NeedsCompilation {
		return nil, appErr.New(appErr.InvalidParams).WithMessage("language does not compile")
	}
	return expandCommand(p.CompileCmdTpl, p)
}

// RunCommand expands the run template into an argv.
func (p ExecutionProfile) RunCommand() ([]string, error) {
	return expandCommand(p.RunCmdTpl, p)
}

func (p ExecutionProfile) validate() error {
	if p.Language == "" {
		return appErr.ValidationError("language", "required")
	}
	if p.RuntimeImage == "" {
		return appErr.ValidationError("runtime_image", "required")
	}
	if p.SourceFileName == "" {
		return appErr.ValidationError("source_file_name", "required")
	}
	if strings.TrimSpace(p.RunCmdTpl) == "" {
		return appErr.ValidationError("run_command", "required")
	}
	if p.NeedsCompilation && strings.TrimSpace(p.CompileCmdTpl) == "" {
		return appErr.ValidationError("compile_command", "required when compilation is enabled")
	}
	if p.TimeoutCeilingMs <= 0 {
		return appErr.ValidationError("timeout_ceiling_ms", "must be positive")
	}
	return nil
}

func expandCommand(tpl string, p ExecutionProfile) ([]string, error) {
	if strings.TrimSpace(tpl) == "" {
		return nil, appErr.New(appErr.InvalidParams).WithMessage("command template is required")
	}
	expanded := tpl
	expanded = strings.ReplaceAll(expanded, "{src}", filepath.Join(containerWorkDir, p.SourceFileName))
	if strings.Contains(expanded, "{bin}") {
		if p.ArtifactFileName == "" {
			return nil, appErr.New(appErr.InvalidParams).WithMessage("command references {bin} but no artifact is configured")
		}
		expanded = strings.ReplaceAll(expanded, "{bin}", filepath.Join(containerWorkDir, p.ArtifactFileName))
	}
	fields, err := shlex.Split(expanded)
	if err != nil {
		return nil, appErr.Wrapf(err, appErr.InvalidParams, "parse command template failed")
	}
	if len(fields) == 0 {
		return nil, appErr.New(appErr.InvalidParams).WithMessage("command is empty after expansion")
	}
	return fields, nil
}

// Registry resolves language identifiers to execution profiles.
type Registry struct {
	profiles map[string]ExecutionProfile
}

// NewRegistry builds a registry from the given profiles. Profiles with the
// same language override earlier entries, so callers can layer config
// overrides on top of DefaultProfiles.
func NewRegistry(profiles ...ExecutionProfile) (*Registry, error) {
	r := &Registry{profiles: make(map[string]ExecutionProfile, len(profiles))}
	for _, p := range profiles {
		if err := p.validate(); err != nil {
			return nil, err
		}
		r.profiles[strings.ToLower(p.Language)] = p
	}
	return r, nil
}

// Get returns the profile for a language, or a LanguageNotSupported error.
func (r *Registry) Get(language string) (ExecutionProfile, error) {
	p, ok := r.profiles[strings.ToLower(strings.TrimSpace(language))]
	if !ok {
		return ExecutionProfile{}, appErr.Newf(appErr.LanguageNotSupported, "unsupported language: %s", language).
			WithDetail("language", language).
			WithDetail("supported", r.Languages())
	}
	return p, nil
}

// Languages lists the registered language identifiers in sorted order.
func (r *Registry) Languages() []string {
	out := make([]string, 0, len(r.profiles))
	for lang := range r.profiles {
		out = append(out, lang)
	}
	sort.Strings(out)
	return out
}

// DefaultProfiles returns the built-in language matrix. Deployments adjust
// images and limits through configuration; these are the working defaults.
func DefaultProfiles() []ExecutionProfile {
	iso := DefaultIsolation()
	return []ExecutionProfile{
		{
			Language:         "cpp",
			RuntimeImage:     "gcc:13",
			SourceFileName:   "main.cpp",
			ArtifactFileName: "main",
			CompileCmdTpl:    "g++ -O2 -std=c++17 -static -o {bin} {src}",
			RunCmdTpl:        "{bin}",
			NeedsCompilation: true,
			TimeoutCeilingMs: 10000,
			Isolation:        iso,
		},
		{
			Language:         "python",
			RuntimeImage:     "python:3.11-alpine",
			SourceFileName:   "main.py",
			RunCmdTpl:        "python3 {src}",
			NeedsCompilation: false,
			TimeoutCeilingMs: 15000,
			Isolation:        iso,
		},
		{
			Language:         "java",
			RuntimeImage:     "eclipse-temurin:17",
			SourceFileName:   "Main.java",
			ArtifactFileName: "Main.class",
			CompileCmdTpl:    "javac {src}",
			RunCmdTpl:        "java -XX:+UseSerialGC -Xss64m -cp /work Main",
			NeedsCompilation: true,
			TimeoutCeilingMs: 20000,
			Isolation:        iso,
		},
		{
			Language:         "javascript",
			RuntimeImage:     "node:20-alpine",
			SourceFileName:   "main.js",
			RunCmdTpl:        "node {src}",
			NeedsCompilation: false,
			TimeoutCeilingMs: 15000,
			Isolation:        iso,
		},
	}
}
