package alerts

import (
	"context"
	"encoding/json"
	"fmt"
	"math/big"
	"strconv"
	"strings"

	"xrplalerts/internal/metrics"
	"xrplalerts/internal/models"
)

// ConfigSource supplies the candidate alert configs for one activity.
// Backed by the repository, optionally wrapped by the TTL cache.
type ConfigSource interface {
	ListCandidateAlertConfigs(ctx context.Context, activityType models.ActivityType, collectionID *int64) ([]models.AlertConfig, error)
}

// MatchResult is the evaluation outcome for one candidate config. Reasons
// records every positive and negative decision for observability.
type MatchResult struct {
	AlertConfigID int64    `json:"alert_config_id"`
	Matched       bool     `json:"matched"`
	Reasons       []string `json:"reasons"`
}

// Matcher evaluates committed activities against alert configurations.
type Matcher struct {
	source ConfigSource
}

func NewMatcher(source ConfigSource) *Matcher {
	return &Matcher{source: source}
}

// Match pairs an evaluation result with the config that produced it, so
// the dispatch path can enqueue without a second lookup.
type Match struct {
	Config models.AlertConfig
	Result MatchResult
}

// Evaluate runs every candidate config against the activity. An activity
// without an NFT reference matches nothing.
func (m *Matcher) Evaluate(ctx context.Context, detail models.ActivityDetail) ([]Match, error) {
	if detail.NFT == nil {
		return nil, nil
	}
	candidates, err := m.source.ListCandidateAlertConfigs(ctx, detail.Activity.ActivityType, detail.NFT.CollectionID)
	if err != nil {
		return nil, fmt.Errorf("list candidates: %w", err)
	}

	matches := make([]Match, 0, len(candidates))
	for _, cfg := range candidates {
		r := evaluate(cfg, detail)
		if r.Matched {
			metrics.MatchEvaluations.WithLabelValues("matched").Inc()
		} else {
			metrics.MatchEvaluations.WithLabelValues("rejected").Inc()
		}
		matches = append(matches, Match{Config: cfg, Result: r})
	}
	return matches, nil
}

// FindMatches returns one result per candidate config.
func (m *Matcher) FindMatches(ctx context.Context, detail models.ActivityDetail) ([]MatchResult, error) {
	matches, err := m.Evaluate(ctx, detail)
	if err != nil {
		return nil, err
	}
	if matches == nil {
		return nil, nil
	}
	results := make([]MatchResult, 0, len(matches))
	for _, m := range matches {
		results = append(results, m.Result)
	}
	return results, nil
}

// evaluate applies the conjunction of the four filter groups.
func evaluate(cfg models.AlertConfig, detail models.ActivityDetail) MatchResult {
	r := MatchResult{AlertConfigID: cfg.ID, Matched: true}
	fail := func(reason string) {
		r.Matched = false
		r.Reasons = append(r.Reasons, reason)
	}

	if !typeAllowed(cfg.ActivityTypes, detail.Activity.ActivityType) {
		fail(fmt.Sprintf("Activity type %s not in alert types", detail.Activity.ActivityType))
		return r
	}
	r.Reasons = append(r.Reasons, fmt.Sprintf("Activity type %s matches", detail.Activity.ActivityType))

	if cfg.CollectionID != nil {
		if detail.NFT.CollectionID == nil || *detail.NFT.CollectionID != *cfg.CollectionID {
			fail("Collection does not match")
			return r
		}
		r.Reasons = append(r.Reasons, "Collection matches")
	}

	if cfg.MinPriceDrops != "" || cfg.MaxPriceDrops != "" {
		if ok := evaluatePrice(cfg, detail.Activity.PriceDrops, &r); !ok {
			return r
		}
	}

	if len(cfg.TraitFilters) > 0 {
		evaluateTraits(cfg.TraitFilters, detail.NFT.Traits, &r)
	}
	return r
}

func typeAllowed(types []models.ActivityType, t models.ActivityType) bool {
	for _, candidate := range types {
		if candidate == t {
			return true
		}
	}
	return false
}

// evaluatePrice checks min ≤ price ≤ max with arbitrary precision; prices
// routinely exceed 64 bits and issued-currency values carry decimals.
func evaluatePrice(cfg models.AlertConfig, priceDrops string, r *MatchResult) bool {
	if priceDrops == "" {
		r.Matched = false
		r.Reasons = append(r.Reasons, "alert has price filters but activity has no price information")
		return false
	}
	price, ok := new(big.Rat).SetString(priceDrops)
	if !ok {
		r.Matched = false
		r.Reasons = append(r.Reasons, fmt.Sprintf("Activity price %q is not numeric", priceDrops))
		return false
	}
	if cfg.MinPriceDrops != "" {
		min, ok := new(big.Rat).SetString(cfg.MinPriceDrops)
		if !ok || price.Cmp(min) < 0 {
			r.Matched = false
			r.Reasons = append(r.Reasons, fmt.Sprintf("Price %s below minimum %s", priceDrops, cfg.MinPriceDrops))
			return false
		}
	}
	if cfg.MaxPriceDrops != "" {
		max, ok := new(big.Rat).SetString(cfg.MaxPriceDrops)
		if !ok || price.Cmp(max) > 0 {
			r.Matched = false
			r.Reasons = append(r.Reasons, fmt.Sprintf("Price %s above maximum %s", priceDrops, cfg.MaxPriceDrops))
			return false
		}
	}
	r.Reasons = append(r.Reasons, "Price within bounds")
	return true
}

func evaluateTraits(filters []models.TraitFilter, traitsJSON json.RawMessage, r *MatchResult) {
	traits := parseTraits(traitsJSON)
	if traits == nil {
		r.Matched = false
		r.Reasons = append(r.Reasons, "alert has trait filters but NFT has no traits")
		return
	}
	for _, f := range filters {
		actual, found := traits[f.TraitType]
		if !found {
			r.Matched = false
			r.Reasons = append(r.Reasons, fmt.Sprintf("Trait %s not present", f.TraitType))
			return
		}
		ok, reason := applyOperator(f, actual)
		r.Reasons = append(r.Reasons, reason)
		if !ok {
			r.Matched = false
			return
		}
	}
}

// parseTraits accepts both the canonical array form and the raw object
// form; returns nil when traits are absent or unparseable.
func parseTraits(raw json.RawMessage) map[string]interface{} {
	if len(raw) == 0 || string(raw) == "null" {
		return nil
	}
	var arr []struct {
		TraitType string      `json:"trait_type"`
		Type      string      `json:"type"`
		Name      string      `json:"name"`
		Value     interface{} `json:"value"`
	}
	if err := json.Unmarshal(raw, &arr); err == nil {
		out := make(map[string]interface{})
		for _, t := range arr {
			key := t.TraitType
			if key == "" {
				key = t.Type
			}
			if key == "" {
				key = t.Name
			}
			if key == "" || t.Value == nil {
				continue
			}
			// First matching key wins.
			if _, exists := out[key]; !exists {
				out[key] = t.Value
			}
		}
		return out
	}
	var obj map[string]interface{}
	if err := json.Unmarshal(raw, &obj); err == nil {
		return obj
	}
	return nil
}

func applyOperator(f models.TraitFilter, actual interface{}) (bool, string) {
	switch f.Operator {
	case models.OpEquals:
		if coerceString(actual) == coerceString(f.Value) {
			return true, fmt.Sprintf("Trait %s equals %v", f.TraitType, f.Value)
		}
		return false, fmt.Sprintf("Trait %s (%v) does not equal %v", f.TraitType, coerceString(actual), coerceString(f.Value))
	case models.OpNotEquals:
		if coerceString(actual) != coerceString(f.Value) {
			return true, fmt.Sprintf("Trait %s does not equal %v", f.TraitType, f.Value)
		}
		return false, fmt.Sprintf("Trait %s (%v) equals %v", f.TraitType, coerceString(actual), coerceString(f.Value))
	case models.OpGreaterThan, models.OpLessThan:
		a, aok := coerceNumber(actual)
		b, bok := coerceNumber(f.Value)
		if !aok || !bok {
			return false, fmt.Sprintf("Trait %s comparison is not numeric (%v vs %v)", f.TraitType, coerceString(actual), coerceString(f.Value))
		}
		if f.Operator == models.OpGreaterThan {
			if a > b {
				return true, fmt.Sprintf("Trait %s (%v) greater than %v", f.TraitType, coerceString(actual), coerceString(f.Value))
			}
			return false, fmt.Sprintf("Trait %s (%v) not greater than %v", f.TraitType, coerceString(actual), coerceString(f.Value))
		}
		if a < b {
			return true, fmt.Sprintf("Trait %s (%v) less than %v", f.TraitType, coerceString(actual), coerceString(f.Value))
		}
		return false, fmt.Sprintf("Trait %s (%v) not less than %v", f.TraitType, coerceString(actual), coerceString(f.Value))
	case models.OpContains:
		hay := strings.ToLower(coerceString(actual))
		needle := strings.ToLower(coerceString(f.Value))
		if strings.Contains(hay, needle) {
			return true, fmt.Sprintf("Trait %s contains %v", f.TraitType, f.Value)
		}
		return false, fmt.Sprintf("Trait %s (%v) does not contain %v", f.TraitType, coerceString(actual), coerceString(f.Value))
	default:
		return false, fmt.Sprintf("Unknown operator: %s", f.Operator)
	}
}

// coerceString renders JSON scalars the way users expect: integral floats
// without the trailing ".0" the decoder would otherwise give them.
func coerceString(v interface{}) string {
	switch x := v.(type) {
	case nil:
		return ""
	case string:
		return x
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(x)
	default:
		return fmt.Sprintf("%v", x)
	}
}

func coerceNumber(v interface{}) (float64, bool) {
	switch x := v.(type) {
	case float64:
		return x, true
	case int:
		return float64(x), true
	case int64:
		return float64(x), true
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(x), 64)
		if err != nil {
			return 0, false
		}
		return f, true
	default:
		return 0, false
	}
}
