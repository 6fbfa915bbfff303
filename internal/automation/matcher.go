package automation

import (
	"log/slog"
	"strings"
)

// Match returns every enabled rule whose trigger conditions hold for the
// event, preserving input order (rule priority = load order). It never
// short-circuits: a tenant may legitimately want both a public acknowledgment
// and a private DM fired from the same comment, as two separate rules.
//
// Time and manual triggers are never matched through this path; they have
// their own entry points.
func Match(rules []Rule, event *InboundEvent) []Rule {
	var matched []Rule
	for _, r := range rules {
		if !r.Enabled {
			continue
		}
		if !r.AppliesTo(event.Platform) {
			continue
		}
		if matchTrigger(&r, event) {
			matched = append(matched, r)
		}
	}
	return matched
}

func matchTrigger(r *Rule, event *InboundEvent) bool {
	switch r.Trigger {
	case TriggerComment:
		if event.Kind != KindComment {
			return false
		}
		// Empty word list matches every comment.
		if len(r.TriggerWords) == 0 {
			return true
		}
		return containsAnyWord(event.Text, r.TriggerWords)

	case TriggerKeyword:
		// Keyword rules match comments and messages alike, but an empty
		// word list is a misconfiguration that would otherwise match
		// everything; it never matches.
		if len(r.TriggerWords) == 0 {
			slog.Warn("keyword rule has no trigger words, never matches",
				"rule", r.ID, "tenant", r.TenantID)
			return false
		}
		return containsAnyWord(event.Text, r.TriggerWords)

	case TriggerTime, TriggerManual:
		return false

	default:
		// Unknown trigger types from a newer writer: no-match.
		return false
	}
}

// containsAnyWord does a case-insensitive substring check of each word
// against the text.
func containsAnyWord(text string, words []string) bool {
	lower := strings.ToLower(text)
	for _, w := range words {
		w = strings.TrimSpace(w)
		if w == "" {
			continue
		}
		if strings.Contains(lower, strings.ToLower(w)) {
			return true
		}
	}
	return false
}
