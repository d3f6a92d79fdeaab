package app

import (
	"strings"

	"github.com/charmbracelet/glamour"

	"github.com/devitools/arandu/config"
)

// planRenderer renders the plan pane's markdown through glamour. The
// underlying term renderer is immutable, so resizing rebuilds it; the
// model owns one instance across frames and resizes it on window changes.
type planRenderer struct {
	tr    *glamour.TermRenderer
	opt   glamour.TermRendererOption
	width int
}

// newPlanRenderer creates a renderer wrapping at width, styled from the
// config theme. Unknown or empty themes detect the terminal background.
func newPlanRenderer(cfg *config.Config, width int) (*planRenderer, error) {
	opt := glamour.WithAutoStyle()
	if cfg != nil {
		switch cfg.Theme {
		case "dark", "light":
			opt = glamour.WithStandardStyle(cfg.Theme)
		}
	}
	tr, err := glamour.NewTermRenderer(opt, glamour.WithWordWrap(width))
	if err != nil {
		return nil, err
	}
	return &planRenderer{tr: tr, opt: opt, width: width}, nil
}

// Render returns the markdown formatted for the terminal, trailing
// newlines trimmed for pane framing. On a render failure the raw
// markdown comes back instead; the plan is still readable unstyled.
func (p *planRenderer) Render(markdown string) string {
	out, err := p.tr.Render(markdown)
	if err != nil {
		return markdown
	}
	return strings.TrimRight(out, "\n")
}

// Resize rebuilds the renderer for a new wrap width. No-op when unchanged.
func (p *planRenderer) Resize(width int) error {
	if width == p.width {
		return nil
	}
	tr, err := glamour.NewTermRenderer(p.opt, glamour.WithWordWrap(width))
	if err != nil {
		return err
	}
	p.tr = tr
	p.width = width
	return nil
}
