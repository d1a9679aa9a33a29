package notifications

import (
	"bytes"
	"embed"
	"fmt"
	"html"
	"strings"
	"text/template"

	"github.com/microcosm-cc/bluemonday"
	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/extension"
	gmhtml "github.com/yuin/goldmark/renderer/html"
	"gopkg.in/yaml.v3"
)

//go:embed templates/*.md
var templateFS embed.FS

var templateFiles = map[Kind]string{
	KindOrderConfirmed: "templates/order_confirmed.md",
	KindInProduction:   "templates/in_production.md",
	KindShipped:        "templates/shipped.md",
}

type frontMatter struct {
	Subject   string `yaml:"subject"`
	Preheader string `yaml:"preheader"`
}

type mailTemplate struct {
	subject   *template.Template
	preheader *template.Template
	body      *template.Template
}

type templateData struct {
	Notification
	StoreName  string
	SupportURL string
	Greeting   string
}

// RendererConfig carries the store branding shared by every email.
type RendererConfig struct {
	From       string
	StoreName  string
	SupportURL string
}

// Renderer turns markdown templates with YAML front matter into sanitized HTML mail.
type Renderer struct {
	cfg       RendererConfig
	templates map[Kind]mailTemplate
	markdown  goldmark.Markdown
	policy    *bluemonday.Policy
}

// NewRenderer parses the embedded templates.
func NewRenderer(cfg RendererConfig) (*Renderer, error) {
	cfg.From = strings.TrimSpace(cfg.From)
	if cfg.From == "" {
		return nil, fmt.Errorf("notifications: from address is required")
	}
	if strings.TrimSpace(cfg.StoreName) == "" {
		cfg.StoreName = "Store"
	}
	templates := make(map[Kind]mailTemplate, len(templateFiles))
	for kind, file := range templateFiles {
		raw, err := templateFS.ReadFile(file)
		if err != nil {
			return nil, fmt.Errorf("notifications: read %s: %w", file, err)
		}
		tmpl, err := parseMailTemplate(string(kind), string(raw))
		if err != nil {
			return nil, fmt.Errorf("notifications: parse %s: %w", file, err)
		}
		templates[kind] = tmpl
	}
	return &Renderer{
		cfg:       cfg,
		templates: templates,
		markdown: goldmark.New(
			goldmark.WithExtensions(extension.Linkify),
			goldmark.WithRendererOptions(gmhtml.WithHardWraps()),
		),
		policy: newMailPolicy(),
	}, nil
}

func newMailPolicy() *bluemonday.Policy {
	policy := bluemonday.UGCPolicy()
	policy.RequireNoFollowOnLinks(true)
	policy.AddTargetBlankToFullyQualifiedLinks(true)
	return policy
}

func parseMailTemplate(name, raw string) (mailTemplate, error) {
	fm, body := splitFrontMatter(raw)
	var front frontMatter
	if strings.TrimSpace(fm) != "" {
		if err := yaml.Unmarshal([]byte(fm), &front); err != nil {
			return mailTemplate{}, fmt.Errorf("front matter: %w", err)
		}
	}
	if strings.TrimSpace(front.Subject) == "" {
		return mailTemplate{}, fmt.Errorf("subject is required")
	}
	subject, err := template.New(name + ".subject").Option("missingkey=error").Parse(front.Subject)
	if err != nil {
		return mailTemplate{}, err
	}
	preheader, err := template.New(name + ".preheader").Option("missingkey=error").Parse(front.Preheader)
	if err != nil {
		return mailTemplate{}, err
	}
	bodyTmpl, err := template.New(name + ".body").Option("missingkey=error").Parse(body)
	if err != nil {
		return mailTemplate{}, err
	}
	return mailTemplate{subject: subject, preheader: preheader, body: bodyTmpl}, nil
}

func splitFrontMatter(input string) (string, string) {
	input = strings.TrimLeft(input, "\ufeff")
	lines := strings.Split(input, "\n")
	if strings.TrimSpace(lines[0]) != "---" {
		return "", input
	}
	for i := 1; i < len(lines); i++ {
		if strings.TrimSpace(lines[i]) == "---" {
			fm := strings.Join(lines[1:i], "\n")
			body := strings.Join(lines[i+1:], "\n")
			return fm, strings.TrimLeft(body, "\n\r")
		}
	}
	return "", input
}

// Render produces the mail for a notification.
func (r *Renderer) Render(n Notification) (Mail, error) {
	tmpl, ok := r.templates[n.Kind]
	if !ok {
		return Mail{}, fmt.Errorf("notifications: unknown kind %q", n.Kind)
	}
	data := templateData{
		Notification: n,
		StoreName:    r.cfg.StoreName,
		SupportURL:   r.cfg.SupportURL,
		Greeting:     greeting(n.CustomerName),
	}
	subject, err := execute(tmpl.subject, data)
	if err != nil {
		return Mail{}, err
	}
	preheader, err := execute(tmpl.preheader, data)
	if err != nil {
		return Mail{}, err
	}
	text, err := execute(tmpl.body, data)
	if err != nil {
		return Mail{}, err
	}
	var converted bytes.Buffer
	if err := r.markdown.Convert([]byte(text), &converted); err != nil {
		return Mail{}, fmt.Errorf("notifications: render markdown: %w", err)
	}
	body := r.policy.Sanitize(converted.String())

	var htmlBody strings.Builder
	if preheader != "" {
		htmlBody.WriteString(`<span class="preheader">`)
		htmlBody.WriteString(html.EscapeString(preheader))
		htmlBody.WriteString("</span>\n")
	}
	htmlBody.WriteString(body)

	return Mail{
		Key:     n.DedupKey(),
		To:      strings.TrimSpace(n.Email),
		From:    r.cfg.From,
		Subject: strings.Join(strings.Fields(subject), " "),
		HTML:    htmlBody.String(),
		Text:    strings.TrimSpace(text),
		Kind:    n.Kind,
		OrderID: n.OrderID,
	}, nil
}

func execute(tmpl *template.Template, data templateData) (string, error) {
	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("notifications: execute %s: %w", tmpl.Name(), err)
	}
	return buf.String(), nil
}

func greeting(name string) string {
	fields := strings.Fields(name)
	if len(fields) == 0 {
		return "there"
	}
	return fields[0]
}
