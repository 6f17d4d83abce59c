package delivery

import (
	"bytes"
	"fmt"
	"html/template"
	"strconv"
	"strings"
	texttemplate "text/template"
	"time"

	"github.com/go-mail/mail/v2"

	"eom-relay/internal/content"
)

const (
	readwiseSource = "eom-scraper"
	dateLayout     = "02/01/2006 15:04"
)

var funcs = template.FuncMap{
	"date": func(t time.Time) string {
		if t.IsZero() {
			return ""
		}
		return t.Format(dateLayout)
	},
}

var htmlTemplates = template.Must(template.New("email").Funcs(funcs).Parse(`
{{- define "head" -}}
<!DOCTYPE html>
<html lang="es">
<head>
<meta charset="utf-8">
<title>{{ .Title }}</title>
<style>
body { font-family: Georgia, serif; line-height: 1.6; max-width: 720px; margin: 0 auto; padding: 16px; color: #222; }
h1 { font-size: 1.6em; line-height: 1.2; }
.meta { color: #666; font-size: 0.9em; border-bottom: 1px solid #ddd; padding-bottom: 8px; margin-bottom: 16px; }
.notice { background: #fff4e5; border-left: 4px solid #f0a030; padding: 8px 12px; margin: 16px 0; }
.footer { color: #666; font-size: 0.85em; border-top: 1px solid #ddd; padding-top: 8px; margin-top: 24px; }
img { max-width: 100%; height: auto; }
</style>
</head>
<body>
<h1>{{ .Title }}</h1>
<div class="meta">
{{ .Site }}{{ with date .Published }} · {{ . }}{{ end }}{{ if .ReadMinutes }} · {{ .ReadMinutes }} min{{ end }}
</div>
{{- end -}}

{{- define "full" -}}
{{ template "head" . }}
<div class="content">
{{ .Body }}
</div>
<div class="footer">
<p>Original: <a href="{{ .URL }}">{{ .URL }}</a></p>
</div>
</body>
</html>
{{- end -}}

{{- define "preview" -}}
{{ template "head" . }}
<div class="notice">This article requires a subscription. Only the preview is included.</div>
<div class="content">
{{ .Body }}
</div>
<p><a href="{{ .URL }}">Read the full article on {{ .Site }}</a></p>
<div class="footer">
<p>Original: <a href="{{ .URL }}">{{ .URL }}</a></p>
</div>
</body>
</html>
{{- end -}}

{{- define "test" -}}
<!DOCTYPE html>
<html>
<body>
<h1>{{ .Title }}</h1>
<p>Mail delivery for {{ .Site }} is configured correctly.</p>
<p>Sent at {{ date .Published }}.</p>
</body>
</html>
{{- end -}}
`))

var textTemplate = texttemplate.Must(texttemplate.New("text").Funcs(texttemplate.FuncMap(funcs)).Parse(
	`{{ .Title }}
{{ .Site }}{{ with date .Published }} - {{ . }}{{ end }}

{{ if .Preview }}This article requires a subscription. Only the preview is included.

{{ end }}{{ .Text }}

{{ .URL }}
`))

type emailData struct {
	Title       string
	Site        string
	URL         string
	Published   time.Time
	ReadMinutes int
	Preview     bool
	Body        template.HTML
	Text        string
}

func newEmailData(article *content.Article, site string) emailData {
	return emailData{
		Title:       article.Title,
		Site:        site,
		URL:         article.URL,
		Published:   article.Published,
		ReadMinutes: article.ReadMinutes,
		Preview:     article.RequiresSubscription,
		// content.Transformer runs every body through CleanHTML.
		Body: template.HTML(article.HTML),
		Text: article.Text,
	}
}

func renderHTML(name string, data emailData) (string, error) {
	var buf bytes.Buffer
	if err := htmlTemplates.ExecuteTemplate(&buf, name, data); err != nil {
		return "", fmt.Errorf("failed to render %s template: %w", name, err)
	}
	return buf.String(), nil
}

func renderText(data emailData) (string, error) {
	var buf bytes.Buffer
	if err := textTemplate.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("failed to render text body: %w", err)
	}
	return buf.String(), nil
}

// composeArticle builds the message for one article. Open articles use the
// full template, subscription-only ones the preview template.
func (c *Channel) composeArticle(article *content.Article) (*mail.Message, error) {
	data := newEmailData(article, c.site)

	name := "full"
	if article.RequiresSubscription {
		name = "preview"
	}
	html, err := renderHTML(name, data)
	if err != nil {
		return nil, err
	}
	text, err := renderText(data)
	if err != nil {
		return nil, err
	}

	m := c.newMessage(c.cfg.SubjectPrefix + article.Title)
	m.SetHeader("X-Readwise-Source", readwiseSource)
	m.SetHeader("X-Article-URL", article.URL)
	m.SetHeader("X-Article-ID", strconv.FormatInt(article.ID, 10))
	m.SetBody("text/plain", text)
	m.AddAlternative("text/html", html)
	return m, nil
}

func (c *Channel) composeTest() (*mail.Message, error) {
	data := emailData{
		Title:     "Test Email",
		Site:      c.site,
		Published: c.now(),
	}
	html, err := renderHTML("test", data)
	if err != nil {
		return nil, err
	}

	m := c.newMessage(c.cfg.SubjectPrefix + data.Title)
	m.SetHeader("X-Readwise-Source", readwiseSource)
	m.SetBody("text/plain", fmt.Sprintf("Mail delivery for %s is configured correctly.\n", c.site))
	m.AddAlternative("text/html", html)
	return m, nil
}

func (c *Channel) newMessage(subject string) *mail.Message {
	m := mail.NewMessage()
	m.SetAddressHeader("From", c.cfg.FromEmail, c.cfg.FromName)
	m.SetHeader("To", c.cfg.Destination)
	m.SetHeader("Subject", strings.TrimSpace(subject))
	m.SetDateHeader("Date", c.now())
	return m
}
