// Package retention decides when the episodic part of a memory set has grown too large
// and folds the oldest, least important records into a single summary.
package retention

import (
	"strings"
	"time"

	"github.com/stellarlinkco/mnemos/internal/config"
	"github.com/stellarlinkco/mnemos/internal/errs"
)

// Trigger selects which thresholds are evaluated.
type Trigger string

const (
	TriggerCount  Trigger = "count"
	TriggerTime   Trigger = "time"
	TriggerToken  Trigger = "token"
	TriggerHybrid Trigger = "hybrid"
)

// Reason explains a ShouldCompress decision.
type Reason string

const (
	ReasonNotEnough Reason = "not_enough_memories"
	ReasonCount     Reason = "count_exceeded"
	ReasonTime      Reason = "time_exceeded"
	ReasonTokens    Reason = "token_limit_exceeded"
	ReasonNone      Reason = "no_trigger"
)

// Policy holds the compression thresholds. It is configuration, never persisted.
type Policy struct {
	Trigger                Trigger
	MaxEpisodicCount       int
	MaxAge                 time.Duration
	MaxTotalTokens         int
	MinToCompress          int
	PreserveRecentCount    int
	PreserveHighImportance bool
	ImportanceThreshold    float64
}

func DefaultPolicy() Policy {
	return Policy{
		Trigger:                TriggerHybrid,
		MaxEpisodicCount:       config.DefaultMaxEpisodicCount,
		MaxAge:                 time.Duration(config.DefaultMaxAgeHours * float64(time.Hour)),
		MaxTotalTokens:         config.DefaultMaxTotalTokens,
		MinToCompress:          config.DefaultMinToCompress,
		PreserveRecentCount:    config.DefaultPreserveRecentCount,
		PreserveHighImportance: true,
		ImportanceThreshold:    config.DefaultImportanceThreshold,
	}
}

// PolicyFromConfig converts the retention section of the config file.
func PolicyFromConfig(cfg config.RetentionConfig) Policy {
	trigger := Trigger(strings.ToLower(strings.TrimSpace(cfg.Trigger)))
	if trigger == "" {
		trigger = TriggerHybrid
	}
	return Policy{
		Trigger:                trigger,
		MaxEpisodicCount:       cfg.MaxEpisodicCount,
		MaxAge:                 time.Duration(cfg.MaxAgeHours * float64(time.Hour)),
		MaxTotalTokens:         cfg.MaxTotalTokens,
		MinToCompress:          cfg.MinToCompress,
		PreserveRecentCount:    cfg.PreserveRecentCount,
		PreserveHighImportance: cfg.PreserveHighImportance,
		ImportanceThreshold:    cfg.ImportanceThreshold,
	}
}

// Validate rejects malformed thresholds instead of clamping them.
func (p Policy) Validate() error {
	switch p.Trigger {
	case TriggerCount, TriggerTime, TriggerToken, TriggerHybrid:
	default:
		return errs.Validation("trigger", "unknown trigger %q", p.Trigger)
	}
	if p.MaxEpisodicCount < 0 {
		return errs.Validation("maxEpisodicCount", "must be non-negative, got %d", p.MaxEpisodicCount)
	}
	if p.MaxAge < 0 {
		return errs.Validation("maxAgeHours", "must be non-negative, got %s", p.MaxAge)
	}
	if p.MaxTotalTokens < 0 {
		return errs.Validation("maxTotalTokens", "must be non-negative, got %d", p.MaxTotalTokens)
	}
	if p.MinToCompress < 1 {
		return errs.Validation("minToCompress", "must be at least 1, got %d", p.MinToCompress)
	}
	if p.PreserveRecentCount < 0 {
		return errs.Validation("preserveRecentCount", "must be non-negative, got %d", p.PreserveRecentCount)
	}
	if p.ImportanceThreshold < 0 || p.ImportanceThreshold > 1 {
		return errs.Validation("importanceThreshold", "must be within [0,1], got %v", p.ImportanceThreshold)
	}
	return nil
}

func (p Policy) checks(t Trigger) bool {
	return p.Trigger == t || p.Trigger == TriggerHybrid
}
