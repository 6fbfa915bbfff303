package automation

import "strings"

// DefaultReply is used when a rule has neither a template nor a usable AI
// response.
const DefaultReply = "Thanks for reaching out! We'll get back to you shortly."

// RenderTemplate substitutes event placeholders into a rule template.
// Supported markers: {name}, {text}, {platform}. Unknown markers are left
// as-is so a typo is visible to the tenant rather than silently eaten.
func RenderTemplate(template string, event *InboundEvent) string {
	if template == "" {
		return DefaultReply
	}
	name := event.AuthorName
	if name == "" {
		name = "there"
	}
	r := strings.NewReplacer(
		"{name}", name,
		"{text}", event.Text,
		"{platform}", string(event.Platform),
	)
	return r.Replace(template)
}
