package security

import (
	"context"
	"fmt"
	"time"

	"judgebox/internal/judge/model"
	appErr "judgebox/pkg/errors"
	"judgebox/pkg/utils/logger"

	"go.uber.org/zap"
)

const defaultMaxCodeBytes = 64 * 1024

// Config controls the validator.
type Config struct {
	// MaxCodeBytes caps the source size; 0 uses the default (64 KiB).
	MaxCodeBytes int `yaml:"maxCodeBytes"`
	// ExtraRules are appended to the built-in deny-list.
	ExtraRules []RawRule `yaml:"extraRules"`
}

// Validator is the static pattern gate. It must run before any subprocess
// is spawned; a HIGH or CRITICAL finding blocks execution outright.
type Validator struct {
	rules        []Rule
	maxCodeBytes int
}

// NewValidator builds a validator from the built-in table plus config rules.
func NewValidator(cfg Config) (*Validator, error) {
	maxBytes := cfg.MaxCodeBytes
	if maxBytes <= 0 {
		maxBytes = defaultMaxCodeBytes
	}
	rules := DefaultRules()
	for _, raw := range cfg.ExtraRules {
		compiled, err := raw.Compile()
		if err != nil {
			return nil, fmt.Errorf("security rule: %w", err)
		}
		rules = append(rules, compiled)
	}
	return &Validator{rules: rules, maxCodeBytes: maxBytes}, nil
}

// Validate checks code against the size cap and the deny-list. All findings
// are returned as events regardless of severity; the error is non-nil only
// when a finding blocks execution.
func (v *Validator) Validate(ctx context.Context, code, language string) ([]model.SecurityEvent, error) {
	now := time.Now().Unix()

	if len(code) > v.maxCodeBytes {
		event := model.SecurityEvent{
			Timestamp: now,
			Type:      TypeCodeTooLarge,
			Severity:  model.SeverityHigh,
			Message:   "source exceeds maximum length",
			Details:   fmt.Sprintf("size=%d max=%d", len(code), v.maxCodeBytes),
		}
		v.logEvent(ctx, language, event)
		return []model.SecurityEvent{event}, appErr.Newf(appErr.CodeTooLarge, "source exceeds maximum length of %d bytes", v.maxCodeBytes).
			WithDetail("size", len(code)).
			WithDetail("max_bytes", v.maxCodeBytes)
	}

	var events []model.SecurityEvent
	var blocking *model.SecurityEvent
	for _, r := range v.rules {
		if r.Language != "" && r.Language != language {
			continue
		}
		match := r.Pattern.FindString(code)
		if match == "" {
			continue
		}
		event := model.SecurityEvent{
			Timestamp: now,
			Type:      r.Type,
			Severity:  r.Severity,
			Message:   r.Message,
			Details:   fmt.Sprintf("pattern=%s matched=%q", r.Pattern.String(), truncate(match, 120)),
		}
		events = append(events, event)
		v.logEvent(ctx, language, event)
		if blocking == nil && r.Severity.Blocking() {
			blocking = &events[len(events)-1]
		}
	}

	if blocking != nil {
		return events, appErr.SecurityError(language, blocking.Message).
			WithDetail("severity", string(blocking.Severity)).
			WithDetail("type", blocking.Type)
	}
	return events, nil
}

func (v *Validator) logEvent(ctx context.Context, language string, event model.SecurityEvent) {
	logger.Warn(ctx, "security finding",
		zap.String("language", language),
		zap.String("type", event.Type),
		zap.String("severity", string(event.Severity)),
		zap.String("message", event.Message),
		zap.String("details", event.Details),
	)
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max]
}
