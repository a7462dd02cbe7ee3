// Package rulestats maintains per-rule statistics and drives the one-way
// lifecycle: ACTIVE rules whose confidence erodes drop to COOLDOWN, and
// rules that stay below threshold long enough are DEPRECATED for good.
// There is no automatic resurrection; a deprecated rule only matters again
// if reflection proposes a fresh one.
package rulestats

import (
	"log"
	"os"
	"strconv"
	"time"

	"github.com/galaxyeye/browser4agi/internal/rule"
	"github.com/galaxyeye/browser4agi/internal/trace"
)

// #region config
// Config tunes confidence movement and lifecycle thresholds.
type Config struct {
	// Alpha is the EWMA weight of the newest outcome.
	Alpha float64

	// DecayRate multiplies the confidence of rules a cycle never used.
	DecayRate float64

	// CooldownThreshold is the confidence below which an active rule
	// enters cooldown.
	CooldownThreshold float64

	// DeprecateAfter is how many consecutive below-threshold cycles a
	// cooldown rule survives before deprecation.
	DeprecateAfter int
}

// DefaultConfig returns the built-in thresholds, with environment
// overrides RULESTATS_DECAY, RULESTATS_COOLDOWN_THRESHOLD and
// RULESTATS_DEPRECATE_AFTER.
func DefaultConfig() Config {
	cfg := Config{
		Alpha:             0.2,
		DecayRate:         0.95,
		CooldownThreshold: 0.3,
		DeprecateAfter:    3,
	}
	if v := os.Getenv("RULESTATS_DECAY"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil && f > 0 && f <= 1 {
			cfg.DecayRate = f
		}
	}
	if v := os.Getenv("RULESTATS_COOLDOWN_THRESHOLD"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil && f >= 0 && f < 1 {
			cfg.CooldownThreshold = f
		}
	}
	if v := os.Getenv("RULESTATS_DEPRECATE_AFTER"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.DeprecateAfter = n
		}
	}
	return cfg
}

// #endregion config

// #region update
// Update returns a new rule list with statistics and lifecycle state
// advanced by one cycle. A rule counts as used when the report's build
// trace attributes at least one node to it; the rule's outcome is the
// worst outcome of its attributed nodes. The input is never mutated.
func Update(rules []rule.Rule, report *trace.Report, cfg Config, now time.Time) []rule.Rule {
	outcomes := ruleOutcomes(report)

	out := make([]rule.Rule, len(rules))
	for i, r := range rules {
		out[i] = r.Clone()
		if r.Meta.Status == rule.StatusDeprecated {
			continue
		}
		m := &out[i].Meta

		outcome, used := outcomes[r.ID]
		switch {
		case used && outcome:
			m.SuccessCount++
			m.Confidence = m.Confidence*(1-cfg.Alpha) + cfg.Alpha
		case used:
			m.FailureCount++
			m.Confidence = m.Confidence * (1 - cfg.Alpha)
		default:
			m.Confidence *= cfg.DecayRate
		}
		m.LastUpdated = now

		advance(&out[i], cfg)
	}
	return out
}

// advance applies the one-way lifecycle transitions for one rule.
func advance(r *rule.Rule, cfg Config) {
	m := &r.Meta
	switch m.Status {
	case rule.StatusActive:
		if m.Confidence < cfg.CooldownThreshold {
			m.Status = rule.StatusCooldown
			m.BelowCount = 1
			log.Printf("[STATS] rule %s entered cooldown (confidence %.3f)", r.ID, m.Confidence)
		}
	case rule.StatusCooldown:
		if m.Confidence < cfg.CooldownThreshold {
			m.BelowCount++
			if m.BelowCount >= cfg.DeprecateAfter {
				m.Status = rule.StatusDeprecated
				log.Printf("[STATS] rule %s deprecated after %d below-threshold cycles", r.ID, m.BelowCount)
			}
		} else {
			m.BelowCount = 0
		}
	}
}

// ruleOutcomes maps each rule the build trace mentions to whether every
// node attributed to it succeeded.
func ruleOutcomes(report *trace.Report) map[string]bool {
	if report == nil {
		return nil
	}
	terminal := make(map[string]string, len(report.Events))
	for _, e := range report.Events {
		if e.Type != "start" {
			terminal[e.NodeID] = e.Type
		}
	}
	out := make(map[string]bool)
	for _, entry := range report.Build.Entries {
		if entry.AppliedRuleID == "" {
			continue
		}
		ok := terminal[entry.NodeID] == "succeeded"
		if prev, seen := out[entry.AppliedRuleID]; seen {
			out[entry.AppliedRuleID] = prev && ok
		} else {
			out[entry.AppliedRuleID] = ok
		}
	}
	return out
}

// #endregion update

// #region health
// Health summarizes the live rule population for status surfaces.
type Health struct {
	Active         int     `json:"active"`
	Cooldown       int     `json:"cooldown"`
	Deprecated     int     `json:"deprecated"`
	MeanConfidence float64 `json:"mean_confidence"`
}

// Summarize computes population health. Mean confidence covers active and
// cooldown rules only; a fully deprecated set reports zero.
func Summarize(rules []rule.Rule) Health {
	var h Health
	var sum float64
	for _, r := range rules {
		switch r.Meta.Status {
		case rule.StatusActive:
			h.Active++
			sum += r.Meta.Confidence
		case rule.StatusCooldown:
			h.Cooldown++
			sum += r.Meta.Confidence
		case rule.StatusDeprecated:
			h.Deprecated++
		}
	}
	if live := h.Active + h.Cooldown; live > 0 {
		h.MeanConfidence = sum / float64(live)
	}
	return h
}

// #endregion health
