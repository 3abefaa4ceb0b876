package render

import (
	"fmt"
	"testing"

	"github.com/sebdah/goldie/v2"
	"github.com/stretchr/testify/assert"

	"reminderd/internal/domain"
)

func TestRenderPlaceholders(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		body string
		vars map[string]string
		want string
	}{
		{"plain", "no placeholders", nil, "no placeholders"},
		{"simple", "Hi {{name}}!", map[string]string{"name": "Ana"}, "Hi Ana!"},
		{"underscore key", "{{item_count}} item(s)", map[string]string{"item_count": "2"}, "2 item(s)"},
		{"spaces left literal", "Hi {{ name }}!", map[string]string{"name": "Ana"}, "Hi {{ name }}!"},
		{"dotted key left literal", "{{user.name}}", map[string]string{"user.name": "Ana"}, "{{user.name}}"},
		{"unresolved becomes empty", "Hi {{name}}, {{unknown}}done", map[string]string{"name": "Ana"}, "Hi Ana, done"},
		{"repeated", "{{a}}{{a}}{{b}}", map[string]string{"a": "x", "b": "y"}, "xxy"},
		{"value not re-expanded", "{{a}}", map[string]string{"a": "{{b}}", "b": "nope"}, "{{b}}"},
		{"unterminated", "{{a", map[string]string{"a": "x"}, "{{a"},
		{"nil vars", "[{{a}}]", nil, "[]"},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tc.want, Render(tc.body, tc.vars))
		})
	}
}

func TestRendererOverrides(t *testing.T) {
	t.Parallel()
	r := NewRenderer("https://market.example/", map[domain.Kind]Template{
		domain.KindAbandonedCart: {Subject: "Still thinking, {{name}}?"},
	})
	c := r.Render(domain.KindAbandonedCart, map[string]string{"name": "Ana", "item_count": "2"})
	assert.Equal(t, "Still thinking, Ana?", c.Subject)
	assert.Equal(t, "https://market.example/cart", c.Link)
	assert.Equal(t, "Your cart is waiting", c.Title)

	r.Apply("https://other.example", nil)
	c = r.Render(domain.KindAbandonedCart, map[string]string{"name": "Ana", "item_count": "2"})
	assert.Equal(t, "You left 2 item(s) in your cart", c.Subject)
	assert.Equal(t, "https://other.example/cart", c.Link)
}

func TestRendererGolden(t *testing.T) {
	r := NewRenderer("https://market.example", nil)
	g := goldie.New(t,
		goldie.WithFixtureDir("testdata/golden"),
		goldie.WithNameSuffix(".golden"),
	)

	cases := []struct {
		name string
		kind domain.Kind
		vars map[string]string
	}{
		{"abandoned_cart", domain.KindAbandonedCart, map[string]string{"name": "Ana <Admin>", "item_count": "3"}},
		{"verification_reminder", domain.KindVerificationReminder, map[string]string{"name": "Bo", "missing": "id card, address"}},
	}
	for _, tc := range cases {
		c := r.Render(tc.kind, tc.vars)
		out := fmt.Sprintf("subject: %s\ntitle: %s\nmessage: %s\nlink: %s\nsms: %s\n--- html\n%s",
			c.Subject, c.Title, c.Message, c.Link, c.SMS, c.HTML)
		g.Assert(t, tc.name, []byte(out))
	}
}
