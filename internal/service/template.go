// internal/service/template.go
package service

import (
	"fmt"
	"net/url"
	"regexp"
	"strings"

	"github.com/unclebandit/mailreach-backend/internal/model"
)

// Placeholders look like {name} or {{name}}.
var templateVarPattern = regexp.MustCompile(`\{\{?(\w+)\}?\}?`)

var linkPattern = regexp.MustCompile(`<a\s+href=["']([^"']+)["']`)

// RenderTemplate substitutes recipient personalization variables into a
// subject or body template. Resolution order per variable: explicit field,
// lowercased field, derived first/last/full name or email, and finally the
// placeholder itself passes through unchanged.
func RenderTemplate(template string, rcpt model.Recipient) string {
	return templateVarPattern.ReplaceAllStringFunc(template, func(token string) string {
		name := templateVarPattern.FindStringSubmatch(token)[1]

		if v, ok := rcpt.Fields[name]; ok {
			return v
		}
		lower := strings.ToLower(name)
		for k, v := range rcpt.Fields {
			if strings.ToLower(k) == lower {
				return v
			}
		}

		switch lower {
		case "name", "firstname":
			if parts := strings.Fields(rcpt.DisplayName()); len(parts) > 0 {
				return parts[0]
			}
			return rcpt.DisplayName()
		case "lastname":
			parts := strings.Fields(rcpt.DisplayName())
			if len(parts) > 1 {
				return parts[len(parts)-1]
			}
			return ""
		case "fullname":
			return rcpt.DisplayName()
		case "email":
			return rcpt.Email
		}

		return token
	})
}

// InstrumentHTML converts the rendered body into the HTML actually sent:
// newlines become <br>, every hyperlink is rewritten through the
// click-tracking redirect carrying the original URL, and the open-tracking
// pixel is appended.
func InstrumentHTML(body, baseURL, trackingID string) string {
	clickURL := fmt.Sprintf("%s/api/track/click/%s", baseURL, trackingID)
	openURL := fmt.Sprintf("%s/api/track/open/%s", baseURL, trackingID)

	html := strings.ReplaceAll(body, "\n", "<br>")
	html = linkPattern.ReplaceAllStringFunc(html, func(tag string) string {
		// Escaped so a target carrying its own query survives the
		// redirect round-trip.
		original := linkPattern.FindStringSubmatch(tag)[1]
		return fmt.Sprintf(`<a href="%s?url=%s"`, clickURL, url.QueryEscape(original))
	})

	pixel := fmt.Sprintf(`<img src="%s" width="1" height="1" style="display:none;" />`, openURL)
	return html + pixel
}
