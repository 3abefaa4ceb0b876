// Package render fills notification templates.
//
// Render implements the marketplace placeholder syntax: every {{key}} is
// replaced with its value, and keys without a value become the empty string.
package render

import (
	"html"
	"regexp"
	"strings"
	"sync"

	"reminderd/internal/domain"
)

var placeholder = regexp.MustCompile(`\{\{(\w+)\}\}`)

// Render substitutes {{key}} placeholders, where key is letters, digits and
// underscores. Unresolved keys render as ""; anything else is left as is.
func Render(body string, vars map[string]string) string {
	if !strings.Contains(body, "{{") {
		return body
	}
	return placeholder.ReplaceAllStringFunc(body, func(m string) string {
		key := placeholder.FindStringSubmatch(m)[1]
		return vars[key]
	})
}

// Template is the set of bodies used for one notification kind.
type Template struct {
	Subject string `json:"subject" yaml:"subject"`
	Title   string `json:"title" yaml:"title"`
	Message string `json:"message" yaml:"message"`
	Link    string `json:"link" yaml:"link"`
	HTML    string `json:"html" yaml:"html"`
	SMS     string `json:"sms" yaml:"sms"`
}

// merge overlays non-empty fields of o onto t.
func (t Template) merge(o Template) Template {
	if o.Subject != "" {
		t.Subject = o.Subject
	}
	if o.Title != "" {
		t.Title = o.Title
	}
	if o.Message != "" {
		t.Message = o.Message
	}
	if o.Link != "" {
		t.Link = o.Link
	}
	if o.HTML != "" {
		t.HTML = o.HTML
	}
	if o.SMS != "" {
		t.SMS = o.SMS
	}
	return t
}

// Content is a rendered notification.
type Content struct {
	Subject string
	Title   string
	Message string
	Link    string
	HTML    string
	SMS     string
}

var defaults = map[domain.Kind]Template{
	domain.KindAbandonedCart: {
		Subject: "You left {{item_count}} item(s) in your cart",
		Title:   "Your cart is waiting",
		Message: "Hi {{name}}, you still have {{item_count}} item(s) in your cart.",
		Link:    "{{base_url}}/cart",
		HTML: "<p>Hi {{name}},</p>\n" +
			"<p>You still have {{item_count}} item(s) waiting in your cart.</p>\n" +
			"<p><a href=\"{{link}}\">Complete your booking</a></p>\n",
		SMS: "Hi {{name}}, you still have {{item_count}} item(s) in your cart: {{link}}",
	},
	domain.KindVerificationReminder: {
		Subject: "Complete your verification",
		Title:   "Verification incomplete",
		Message: "Your profile is missing: {{missing}}.",
		Link:    "{{base_url}}/account/verification",
		HTML: "<p>Hi {{name}},</p>\n" +
			"<p>Your profile is not verified yet. Still missing: {{missing}}.</p>\n" +
			"<p><a href=\"{{link}}\">Finish verification</a></p>\n",
		SMS: "Hi {{name}}, finish your verification ({{missing}}): {{link}}",
	},
}

// Renderer renders kinds with built-in templates overlaid by config overrides.
type Renderer struct {
	mu        sync.RWMutex
	baseURL   string
	overrides map[domain.Kind]Template
}

func NewRenderer(baseURL string, overrides map[domain.Kind]Template) *Renderer {
	r := &Renderer{}
	r.Apply(baseURL, overrides)
	return r
}

// Apply swaps the base URL and overrides (config reload).
func (r *Renderer) Apply(baseURL string, overrides map[domain.Kind]Template) {
	cp := make(map[domain.Kind]Template, len(overrides))
	for k, v := range overrides {
		cp[k] = v
	}
	r.mu.Lock()
	r.baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	r.overrides = cp
	r.mu.Unlock()
}

func (r *Renderer) template(kind domain.Kind) Template {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return defaults[kind].merge(r.overrides[kind])
}

// Render fills every body of kind. base_url and link are added to vars;
// values are HTML-escaped in the HTML body only.
func (r *Renderer) Render(kind domain.Kind, vars map[string]string) Content {
	t := r.template(kind)

	r.mu.RLock()
	base := r.baseURL
	r.mu.RUnlock()

	all := make(map[string]string, len(vars)+2)
	for k, v := range vars {
		all[k] = v
	}
	if _, ok := all["base_url"]; !ok {
		all["base_url"] = base
	}
	link := Render(t.Link, all)
	all["link"] = link

	escaped := make(map[string]string, len(all))
	for k, v := range all {
		escaped[k] = html.EscapeString(v)
	}

	return Content{
		Subject: Render(t.Subject, all),
		Title:   Render(t.Title, all),
		Message: Render(t.Message, all),
		Link:    link,
		HTML:    Render(t.HTML, escaped),
		SMS:     Render(t.SMS, all),
	}
}
