package email

import (
	"bytes"
	"fmt"
	"html/template"
)

var featuredTemplate = template.Must(template.New("listing_featured").Parse(`<!DOCTYPE html>
<html>
<head>
<meta charset="utf-8">
<meta name="viewport" content="width=device-width, initial-scale=1">
<title>Your listing is now featured</title>
</head>
<body style="font-family: -apple-system, BlinkMacSystemFont, 'Segoe UI', Roboto, sans-serif; margin: 0; padding: 0; background-color: #f5f5f5;">
<table role="presentation" style="width: 100%; border: 0; cellpadding: 0; cellspacing: 0;">
<tr><td style="padding: 40px 0; text-align: center;">
<table role="presentation" style="max-width: 480px; margin: 0 auto; background: #ffffff; border-radius: 8px; overflow: hidden;">
<tr><td style="padding: 32px 40px; text-align: center;">
<h1 style="margin: 0 0 16px; font-size: 24px; color: #1a1a1a;">{{.ListingName}} is now featured</h1>
<p style="margin: 0 0 24px; color: #666; font-size: 15px; line-height: 1.5;">
Thanks for subscribing. Your listing is highlighted in the directory{{if .PeriodEnd}} until {{.PeriodEnd}}{{if .EndsAtPeriodEnd}}. The subscription will not renew after that{{else}}, and renews automatically{{end}}{{end}}.
</p>
<a href="{{.ListingURL}}" style="display: inline-block; padding: 12px 32px; background: #2563eb; color: #ffffff; text-decoration: none; border-radius: 6px; font-size: 15px; font-weight: 500;">
View listing
</a>
</td></tr>
</table>
</td></tr>
</table>
</body>
</html>`))

// FeaturedData holds template data for the listing-featured confirmation.
type FeaturedData struct {
	ListingName     string
	ListingURL      string
	PeriodEnd       string // human-readable; empty when unknown
	EndsAtPeriodEnd bool   // cancel_at_period_end was already set
}

// RenderFeaturedEmail renders the confirmation sent after a successful checkout.
func RenderFeaturedEmail(data FeaturedData) (subject, html, text string, err error) {
	var buf bytes.Buffer
	if err := featuredTemplate.Execute(&buf, data); err != nil {
		return "", "", "", fmt.Errorf("render featured template: %w", err)
	}

	subject = fmt.Sprintf("%s is now featured", data.ListingName)
	text = fmt.Sprintf("%s is now featured in the directory.\n\nView it here: %s", data.ListingName, data.ListingURL)
	return subject, buf.String(), text, nil
}
