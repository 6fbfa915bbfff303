package automation

import "testing"

func TestRenderTemplate(t *testing.T) {
	event := &InboundEvent{
		Text:       "I want a refund please",
		AuthorName: "Sam",
		Platform:   PlatformFacebook,
	}

	tests := []struct {
		name     string
		template string
		want     string
	}{
		{"name placeholder", "We'll process your refund, {name}.", "We'll process your refund, Sam."},
		{"text placeholder", "You said: {text}", "You said: I want a refund please"},
		{"platform placeholder", "via {platform}", "via facebook"},
		{"unknown marker kept", "hello {nope}", "hello {nope}"},
		{"empty template falls back", "", DefaultReply},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := RenderTemplate(tt.template, event); got != tt.want {
				t.Errorf("RenderTemplate() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestRenderTemplate_MissingName(t *testing.T) {
	event := &InboundEvent{Text: "hi", Platform: PlatformWebsite}
	if got := RenderTemplate("Hi {name}!", event); got != "Hi there!" {
		t.Errorf("RenderTemplate() = %q, want fallback name", got)
	}
}

func TestEventValidate(t *testing.T) {
	base := func() *InboundEvent {
		return commentEvent("hello", PlatformFacebook)
	}

	t.Run("valid comment", func(t *testing.T) {
		if err := base().Validate(); err != nil {
			t.Fatalf("Validate() = %v, want nil", err)
		}
	})

	t.Run("comment without event id", func(t *testing.T) {
		e := base()
		e.EventID = ""
		if err := e.Validate(); err == nil {
			t.Fatal("Validate() = nil, want error")
		}
	})

	t.Run("message without author", func(t *testing.T) {
		e := base()
		e.Kind = KindMessage
		if err := e.Validate(); err == nil {
			t.Fatal("Validate() = nil, want error")
		}
	})

	t.Run("website message without author is fine", func(t *testing.T) {
		e := base()
		e.Kind = KindMessage
		e.Platform = PlatformWebsite
		if err := e.Validate(); err != nil {
			t.Fatalf("Validate() = %v, want nil", err)
		}
	})
}
