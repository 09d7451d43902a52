// Package renderer defines the boundary to the HTML->PDF rendering engine.
// Per scope, the engine itself is an opaque bytes producer: this package
// only carries the interface the orchestrator depends on, plus a minimal
// reference implementation suitable for local runs and tests. Production
// deployments are expected to swap in a real templating/HTML-to-PDF engine
// behind the same interface.
package renderer

import (
	"bytes"
	"context"
	"fmt"
	"html/template"

	"github.com/ticketarc/ticketarc/internal/snapshot"
)

// Renderer turns a snapshot into PDF bytes for a named template variant.
// The template variant selects between document layouts (e.g. a compact
// vs. a full-transcript archive template); interpretation of the variant
// name is entirely up to the implementation.
type Renderer interface {
	Render(ctx context.Context, snap snapshot.Snapshot, templateVariant string) ([]byte, error)
}

// Reference is a minimal Renderer that emits a plain HTML document rather
// than a true PDF. It exists so ticketarc can be built and exercised
// end-to-end without an external rendering dependency; it is not a
// substitute for a real PDF engine and is swapped out by passing a
// different Renderer to the orchestrator in production wiring.
type Reference struct {
	tmpl *template.Template
}

// NewReference builds the reference renderer.
func NewReference() *Reference {
	return &Reference{tmpl: template.Must(template.New("ticket").Parse(referenceTemplate))}
}

// Render implements Renderer.
func (r *Reference) Render(_ context.Context, snap snapshot.Snapshot, templateVariant string) ([]byte, error) {
	var buf bytes.Buffer
	if err := r.tmpl.Execute(&buf, struct {
		Snapshot snapshot.Snapshot
		Variant  string
	}{Snapshot: snap, Variant: templateVariant}); err != nil {
		return nil, fmt.Errorf("renderer: execute template: %w", err)
	}
	return buf.Bytes(), nil
}

const referenceTemplate = `%PDF-1.4
% ticketarc reference renderer output (variant: {{.Variant}}) — not a real PDF
% Ticket {{.Snapshot.Number}}: {{.Snapshot.Title}}
% Owner: {{.Snapshot.Owner}}
{{range .Snapshot.Articles}}% Article {{.ID}} ({{.Sender}}): {{.Subject}}
{{end}}`
