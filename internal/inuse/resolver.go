// Package inuse finds the images referenced by active launch templates and
// launch configurations.
package inuse

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/yairfalse/amicull/internal/retention"
	"github.com/yairfalse/amicull/pkg/image"
)

var (
	// ErrNoTemplatesFound is returned when no source reports any template.
	// An empty in-use set would make every matching image deletable, so the
	// run must stop here.
	ErrNoTemplatesFound = errors.New("no launch templates or launch configurations found")

	// ErrNoTemplateImages is returned when templates exist but none of them
	// reference an image.
	ErrNoTemplateImages = errors.New("no images referenced by launch templates")
)

// TemplateSource lists templates of one kind.
type TemplateSource interface {
	// Name identifies the source in logs (e.g. "launch_template").
	Name() string

	ListTemplates(ctx context.Context) ([]image.Template, error)
}

// Resolver collects in-use image IDs across sources.
type Resolver struct {
	sources []TemplateSource
}

// NewResolver creates a resolver over the given sources.
func NewResolver(sources ...TemplateSource) *Resolver {
	return &Resolver{sources: sources}
}

// Resolve returns the set of image IDs referenced by any template in region.
// Sources are queried concurrently; the first failure cancels the rest.
func (r *Resolver) Resolve(ctx context.Context, region string) (retention.KeepSet, error) {
	results := make([][]image.Template, len(r.sources))

	g, gctx := errgroup.WithContext(ctx)
	for i, src := range r.sources {
		g.Go(func() error {
			templates, err := src.ListTemplates(gctx)
			if err != nil {
				return fmt.Errorf("list %s in %s: %w", src.Name(), region, err)
			}
			log.Debug().Str("source", src.Name()).Str("region", region).Int("count", len(templates)).Msg("templates listed")
			results[i] = templates
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	total := 0
	inUse := retention.NewKeepSet()
	for _, templates := range results {
		total += len(templates)
		for _, tpl := range templates {
			if tpl.ImageID == "" {
				log.Debug().Str("template", tpl.Name).Str("source", tpl.Source).Msg("template has no image reference")
				continue
			}
			inUse.Add(tpl.ImageID)
		}
	}

	if total == 0 {
		return nil, fmt.Errorf("%s: %w", region, ErrNoTemplatesFound)
	}
	if len(inUse) == 0 {
		return nil, fmt.Errorf("%s: %d templates: %w", region, total, ErrNoTemplateImages)
	}

	return inUse, nil
}
