package chat

import (
	"bytes"
	"context"
	"log/slog"
	"strings"
	"text/template"

	"github.com/hawkins-trichology/concierge/internal/actions"
	"github.com/hawkins-trichology/concierge/internal/domain"
)

// Persona names the business the assistant speaks for.
type Persona struct {
	PracticeName     string
	PractitionerName string
}

// CatalogLister reads the published catalog.
type CatalogLister interface {
	ListPublishedCatalog(ctx context.Context, category string, limit int) ([]domain.CatalogItem, error)
}

const promptCatalogLimit = 100

var systemPrompt = template.Must(template.New("system").Funcs(template.FuncMap{
	"price": formatItemPrice,
}).Parse(`You are {{.Persona.PractitionerName}}'s AI assistant for {{.Persona.PracticeName}}, a trichology and scalp health practice.

## Role
You reflect {{.Persona.PractitionerName}}'s professional and warm approach. Be evidence-based without sounding clinical, helpful without being pushy, and patient enough to ask clarifying questions.

## Expertise
Trichology and common scalp conditions, scalp assessment, treatments that protect skin health, consultation practice, ingredient science, and training for stylists and beauty professionals.

## Offerings
{{- if .Services}}

### Personal services
{{- range .Services}}
- {{.Title}}: {{.Description}}{{if .Duration}} ({{.Duration}}){{end}}{{if .PriceAmount}}, {{price .}}{{end}}
{{- end}}
{{- end}}
{{- if .Videos}}

### Video lessons (online)
{{- range .Videos}}
- {{.Title}}{{if .Level}} ({{.Level}}){{end}}: {{if .Duration}}{{.Duration}}, {{end}}{{price .}}. {{.Description}}
{{- end}}
{{- end}}
{{- if .Intensives}}

### In-person intensives
{{- range .Intensives}}
- {{.Title}}: {{if .Duration}}{{.Duration}}, {{end}}{{price .}}{{if .Location}}, {{.Location}}{{end}}. {{.Description}}{{if .UpcomingSessions}} {{.UpcomingSessions}} upcoming sessions.{{end}}
{{- end}}
{{- end}}
{{- if .Empty}}
The catalog is unavailable right now. Offer to take the visitor's details so the team can follow up.
{{- end}}

## Actions
With the visitor's permission you can save their contact details, submit a course enquiry, request a consultation booking with {{.Persona.PractitionerName}}, and look up the courses currently available. Only call an action once you have every required detail.

## Guidelines
- Be honest about what you do not know.
- For medical conditions, encourage a professional medical consultation.
- Never promise results or make exaggerated claims.
- Only collect personal information with clear consent.
- If unsure, suggest connecting with {{.Persona.PractitionerName}} directly.
- Keep replies to two or three short paragraphs in natural language.
- State prices clearly and accurately.
- Close with a clear next step when it helps.`))

// PromptBuilder renders the system instructions from the persona and the
// currently published catalog.
type PromptBuilder struct {
	persona Persona
	catalog CatalogLister
	logger  *slog.Logger
}

// NewPromptBuilder creates a PromptBuilder.
func NewPromptBuilder(persona Persona, catalog CatalogLister, logger *slog.Logger) *PromptBuilder {
	if logger == nil {
		logger = slog.Default()
	}
	return &PromptBuilder{persona: persona, catalog: catalog, logger: logger}
}

type promptData struct {
	Persona    Persona
	Services   []domain.CatalogItem
	Videos     []domain.CatalogItem
	Intensives []domain.CatalogItem
	Empty      bool
}

// Build renders the system prompt. Catalog read failures are logged and the
// prompt is rendered without offerings.
func (b *PromptBuilder) Build(ctx context.Context) string {
	data := promptData{Persona: b.persona}

	items, err := b.catalog.ListPublishedCatalog(ctx, "", promptCatalogLimit)
	if err != nil {
		b.logger.Warn("system prompt rendered without catalog", "error", err)
	}
	for _, item := range items {
		switch item.Category {
		case "service":
			data.Services = append(data.Services, item)
		case "video":
			data.Videos = append(data.Videos, item)
		case "intensive":
			data.Intensives = append(data.Intensives, item)
		}
	}
	data.Empty = len(data.Services)+len(data.Videos)+len(data.Intensives) == 0

	var buf bytes.Buffer
	if err := systemPrompt.Execute(&buf, data); err != nil {
		b.logger.Error("render system prompt", "error", err)
		return "You are the AI assistant for " + b.persona.PracticeName + "."
	}
	return strings.TrimSpace(buf.String())
}

func formatItemPrice(item domain.CatalogItem) string {
	if price := actions.FormatPrice(item.PriceAmount, item.Currency); price != "" {
		return price
	}
	return "price on request"
}
