package automation

import (
	"testing"

	"github.com/google/uuid"
)

func mkRule(trigger TriggerType, words []string, platforms []Platform, enabled bool) Rule {
	return Rule{
		ID:               uuid.New(),
		TenantID:         uuid.New(),
		Enabled:          enabled,
		Trigger:          trigger,
		TriggerWords:     words,
		TriggerPlatforms: platforms,
		Action:           ActionSendDM,
	}
}

func commentEvent(text string, platform Platform) *InboundEvent {
	return &InboundEvent{
		TenantID: uuid.New(),
		AgentID:  uuid.New(),
		EventID:  "c1",
		Text:     text,
		Platform: platform,
		Kind:     KindComment,
	}
}

func TestMatch_Triggers(t *testing.T) {
	tests := []struct {
		name  string
		rule  Rule
		event *InboundEvent
		want  bool
	}{
		{
			"disabled rule never matches",
			mkRule(TriggerComment, nil, nil, false),
			commentEvent("hello", PlatformFacebook),
			false,
		},
		{
			"comment trigger with empty words matches any comment",
			mkRule(TriggerComment, nil, nil, true),
			commentEvent("anything at all", PlatformFacebook),
			true,
		},
		{
			"comment trigger requires comment kind",
			mkRule(TriggerComment, nil, nil, true),
			&InboundEvent{Text: "hi", Platform: PlatformTelegram, Kind: KindMessage, AuthorID: "u1"},
			false,
		},
		{
			"comment trigger word match is case-insensitive substring",
			mkRule(TriggerComment, []string{"REFUND"}, nil, true),
			commentEvent("I want a refund please", PlatformFacebook),
			true,
		},
		{
			"keyword trigger matches messages too",
			mkRule(TriggerKeyword, []string{"price"}, nil, true),
			&InboundEvent{Text: "what's the price?", Platform: PlatformInstagram, Kind: KindMessage, AuthorID: "u1"},
			true,
		},
		{
			"keyword trigger with empty words never matches",
			mkRule(TriggerKeyword, nil, nil, true),
			commentEvent("anything", PlatformFacebook),
			false,
		},
		{
			"platform filter excludes other platforms",
			mkRule(TriggerComment, nil, []Platform{PlatformInstagram}, true),
			commentEvent("hello", PlatformFacebook),
			false,
		},
		{
			"platform filter admits listed platform",
			mkRule(TriggerComment, nil, []Platform{PlatformInstagram, PlatformFacebook}, true),
			commentEvent("hello", PlatformFacebook),
			true,
		},
		{
			"time trigger never matches via event path",
			mkRule(TriggerTime, nil, nil, true),
			commentEvent("hello", PlatformFacebook),
			false,
		},
		{
			"manual trigger never matches via event path",
			mkRule(TriggerManual, nil, nil, true),
			commentEvent("hello", PlatformFacebook),
			false,
		},
		{
			"unknown trigger type is no-match",
			mkRule(TriggerType("carrier_pigeon"), nil, nil, true),
			commentEvent("hello", PlatformFacebook),
			false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Match([]Rule{tt.rule}, tt.event)
			if matched := len(got) == 1; matched != tt.want {
				t.Errorf("Match() = %d rules, want match=%v", len(got), tt.want)
			}
		})
	}
}

func TestMatch_AllMatchesReturnedInOrder(t *testing.T) {
	r1 := mkRule(TriggerKeyword, []string{"alpha"}, nil, true)
	r2 := mkRule(TriggerKeyword, []string{"bravo"}, nil, true)
	r3 := mkRule(TriggerKeyword, []string{"charlie"}, nil, true)
	rules := []Rule{r1, r2, r3}

	got := Match(rules, commentEvent("alpha bravo charlie", PlatformFacebook))
	if len(got) != 3 {
		t.Fatalf("got %d matches, want 3", len(got))
	}
	for i, want := range []uuid.UUID{r1.ID, r2.ID, r3.ID} {
		if got[i].ID != want {
			t.Errorf("match %d = %s, want %s (order must be preserved)", i, got[i].ID, want)
		}
	}
}

func TestMatch_DisjointWordsPartialMatch(t *testing.T) {
	r1 := mkRule(TriggerKeyword, []string{"refund"}, nil, true)
	r2 := mkRule(TriggerKeyword, []string{"shipping"}, nil, true)

	got := Match([]Rule{r1, r2}, commentEvent("where is my refund", PlatformFacebook))
	if len(got) != 1 || got[0].ID != r1.ID {
		t.Fatalf("got %d matches, want only the refund rule", len(got))
	}
}
