package mailer

import (
	"bytes"
	"embed"
	"fmt"
	htmltemplate "html/template"
	texttemplate "text/template"
)

//go:embed templates/*.tmpl
var templateFS embed.FS

// VerificationData fills the verification email.
type VerificationData struct {
	SiteName  string
	Username  string
	Link      string
	Code      string
	ExpiresIn string
}

// Renderer builds ready-to-send messages from the embedded templates.
type Renderer struct {
	siteName string
	html     *htmltemplate.Template
	text     *texttemplate.Template
}

// NewRenderer parses the embedded templates once.
func NewRenderer(siteName string) (*Renderer, error) {
	html, err := htmltemplate.ParseFS(templateFS, "templates/verification.html.tmpl")
	if err != nil {
		return nil, fmt.Errorf("mailer: parsing html template: %w", err)
	}
	text, err := texttemplate.ParseFS(templateFS, "templates/verification.txt.tmpl")
	if err != nil {
		return nil, fmt.Errorf("mailer: parsing text template: %w", err)
	}
	if siteName == "" {
		siteName = "Bot Catalog"
	}
	return &Renderer{siteName: siteName, html: html, text: text}, nil
}

// Verification renders the verify-your-email message for to.
func (r *Renderer) Verification(to string, data VerificationData) (Message, error) {
	data.SiteName = r.siteName

	var html, text bytes.Buffer
	if err := r.html.Execute(&html, data); err != nil {
		return Message{}, fmt.Errorf("mailer: rendering html body: %w", err)
	}
	if err := r.text.Execute(&text, data); err != nil {
		return Message{}, fmt.Errorf("mailer: rendering text body: %w", err)
	}

	return Message{
		To:      to,
		Subject: "Verify your email - " + r.siteName,
		HTML:    html.String(),
		Text:    text.String(),
	}, nil
}
