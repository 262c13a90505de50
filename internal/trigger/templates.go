package trigger

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/osteele/liquid"
	"go.uber.org/zap"

	"github.com/lalithlochan/herald/internal/model"
)

type TemplateStore interface {
	// GetTemplate returns nil, nil when no template has the slug.
	GetTemplate(ctx context.Context, slug string) (*model.Template, error)
}

// Renderer renders stored liquid templates, falling back to built-in
// content when a template is missing or broken.
type Renderer struct {
	engine *liquid.Engine
	store  TemplateStore
	cache  sync.Map // source -> *liquid.Template
	logger *zap.Logger
}

func NewRenderer(store TemplateStore, logger *zap.Logger) *Renderer {
	engine := liquid.NewEngine()

	// {{ name | first_name }}
	engine.RegisterFilter("first_name", func(s string) string {
		if f := strings.Fields(s); len(f) > 0 {
			return f[0]
		}
		return s
	})

	return &Renderer{engine: engine, store: store, logger: logger}
}

// Render returns the title and body for slug rendered with vars.
func (r *Renderer) Render(ctx context.Context, slug string, fallback model.Template, vars map[string]any) (string, string) {
	tpl := fallback
	stored, err := r.store.GetTemplate(ctx, slug)
	switch {
	case err != nil:
		r.logger.Warn("template lookup failed, using fallback", zap.String("slug", slug), zap.Error(err))
	case stored != nil:
		tpl = *stored
	}

	title, terr := r.renderString(tpl.Title, vars)
	body, berr := r.renderString(tpl.Body, vars)
	if terr != nil || berr != nil {
		r.logger.Warn("template render failed, using fallback",
			zap.String("slug", slug),
			zap.NamedError("title_error", terr),
			zap.NamedError("body_error", berr),
		)
		title, _ = r.renderString(fallback.Title, vars)
		body, _ = r.renderString(fallback.Body, vars)
	}
	return title, body
}

func (r *Renderer) renderString(source string, vars map[string]any) (string, error) {
	if cached, ok := r.cache.Load(source); ok {
		out, err := cached.(*liquid.Template).RenderString(vars)
		if err != nil {
			return "", fmt.Errorf("render: %w", err)
		}
		return out, nil
	}

	tpl, perr := r.engine.ParseString(source)
	if perr != nil {
		return "", fmt.Errorf("parse: %w", perr)
	}
	r.cache.Store(source, tpl)

	out, rerr := tpl.RenderString(vars)
	if rerr != nil {
		return "", fmt.Errorf("render: %w", rerr)
	}
	return out, nil
}
