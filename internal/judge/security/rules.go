// Package security implements the static code gate that runs before any
// sandbox process is spawned.
package security

import (
	"fmt"
	"regexp"

	"judgebox/internal/judge/model"
)

// Finding types recorded on rule matches.
const (
	TypeForbiddenImport  = "forbidden_import"
	TypeForbiddenAPI     = "forbidden_api"
	TypeMaliciousPattern = "malicious_pattern"
	TypeNetworkAccess    = "network_access"
	TypeFileAccess       = "file_access"
	TypeDynamicCode      = "dynamic_code"
	TypeCodeTooLarge     = "code_too_large"
)

// Rule is one row of the deny-list table. Language "" applies to all
// languages. Adding a rule never requires touching validator control flow.
type Rule struct {
	Language string
	Pattern  *regexp.Regexp
	Type     string
	Severity model.Severity
	Message  string
}

// RawRule is the config-file form of a Rule, compiled at startup.
type RawRule struct {
	Language string `yaml:"language"`
	Pattern  string `yaml:"pattern"`
	Type     string `yaml:"type"`
	Severity string `yaml:"severity"`
	Message  string `yaml:"message"`
}

// Compile turns a RawRule into a Rule, validating pattern and severity.
func (r RawRule) Compile() (Rule, error) {
	re, err := regexp.Compile(r.Pattern)
	if err != nil {
		return Rule{}, fmt.Errorf("compile pattern %q: %w", r.Pattern, err)
	}
	severity := model.Severity(r.Severity)
	switch severity {
	case model.SeverityLow, model.SeverityMedium, model.SeverityHigh, model.SeverityCritical:
	default:
		return Rule{}, fmt.Errorf("unknown severity %q", r.Severity)
	}
	ruleType := r.Type
	if ruleType == "" {
		ruleType = TypeMaliciousPattern
	}
	return Rule{
		Language: r.Language,
		Pattern:  re,
		Type:     ruleType,
		Severity: severity,
		Message:  r.Message,
	}, nil
}

func rule(language, pattern, ruleType string, severity model.Severity, message string) Rule {
	return Rule{
		Language: language,
		Pattern:  regexp.MustCompile(pattern),
		Type:     ruleType,
		Severity: severity,
		Message:  message,
	}
}

// DefaultRules is the built-in deny-list. Patterns are deliberately narrow:
// a false negative slips past a gate the sandbox still backs up, while a
// false positive rejects a legitimate solution outright. Idioms common in
// judged code (std::remove, sys.stdin, process.stdin, java.io readers)
// must never match.
func DefaultRules() []Rule {
	return []Rule{
		// Any language.
		rule("", `:\(\)\s*\{\s*:\s*\|\s*:\s*&\s*\}`, TypeMaliciousPattern, model.SeverityCritical, "fork bomb"),
		rule("", `\brm\s+-[rRf]{2,}\s+/`, TypeMaliciousPattern, model.SeverityCritical, "recursive filesystem delete"),
		rule("", `/etc/(passwd|shadow|sudoers)`, TypeFileAccess, model.SeverityCritical, "host credential file access"),

		// C / C++.
		rule("cpp", `\bsystem\s*\(`, TypeForbiddenAPI, model.SeverityCritical, "shell command execution"),
		rule("cpp", `\b(fork|vfork|execve|execvp|execlp|execl|popen)\s*\(`, TypeForbiddenAPI, model.SeverityCritical, "process spawning"),
		rule("cpp", `#include\s*<(sys/socket|netinet/|arpa/inet)`, TypeNetworkAccess, model.SeverityHigh, "raw socket access"),
		rule("cpp", `\bfopen\s*\(\s*"/`, TypeFileAccess, model.SeverityHigh, "absolute path file access"),
		rule("cpp", `__asm__|\basm\s+volatile\b`, TypeForbiddenAPI, model.SeverityHigh, "inline assembly"),

		// Python.
		rule("python", `(?m)^\s*(import|from)\s+(os|subprocess|socket|shutil|ctypes|importlib|pty|multiprocessing)\b`, TypeForbiddenImport, model.SeverityCritical, "forbidden module import"),
		rule("python", `\b__import__\s*\(`, TypeDynamicCode, model.SeverityHigh, "dynamic import"),
		rule("python", `\beval\s*\(`, TypeDynamicCode, model.SeverityHigh, "dynamic code evaluation"),
		rule("python", `\bexec\s*\(`, TypeDynamicCode, model.SeverityHigh, "dynamic code execution"),
		rule("python", `\bopen\s*\(`, TypeFileAccess, model.SeverityHigh, "file access"),
		rule("python", `\bcompile\s*\(`, TypeDynamicCode, model.SeverityMedium, "code object compilation"),

		// Java.
		rule("java", `Runtime\s*\.\s*getRuntime\s*\(`, TypeForbiddenAPI, model.SeverityCritical, "runtime command execution"),
		rule("java", `\bProcessBuilder\b`, TypeForbiddenAPI, model.SeverityCritical, "process spawning"),
		rule("java", `java\s*\.\s*net\s*\.`, TypeNetworkAccess, model.SeverityHigh, "network access"),
		rule("java", `java\s*\.\s*io\s*\.\s*(File|RandomAccessFile)\b`, TypeFileAccess, model.SeverityHigh, "file access"),
		rule("java", `java\s*\.\s*nio\s*\.\s*file\b`, TypeFileAccess, model.SeverityHigh, "file access"),
		rule("java", `java\s*\.\s*lang\s*\.\s*reflect\b|\bsun\.misc\.Unsafe\b`, TypeForbiddenAPI, model.SeverityHigh, "reflection"),

		// JavaScript.
		rule("javascript", `require\s*\(\s*['"](fs|child_process|net|http|https|os|cluster|worker_threads|dgram|dns|tls|vm)['"]`, TypeForbiddenImport, model.SeverityCritical, "forbidden module require"),
		rule("javascript", `import\s+[^'"]*['"](fs|child_process|net|http|https|os|cluster|worker_threads|dgram|dns|tls|vm)['"]`, TypeForbiddenImport, model.SeverityCritical, "forbidden module import"),
		rule("javascript", `\bimport\s*\(`, TypeDynamicCode, model.SeverityHigh, "dynamic import"),
		rule("javascript", `\beval\s*\(`, TypeDynamicCode, model.SeverityHigh, "dynamic code evaluation"),
		rule("javascript", `new\s+Function\s*\(`, TypeDynamicCode, model.SeverityHigh, "function constructor"),
		rule("javascript", `process\s*\.\s*(kill|binding|dlopen)\b`, TypeForbiddenAPI, model.SeverityHigh, "process control"),
	}
}
