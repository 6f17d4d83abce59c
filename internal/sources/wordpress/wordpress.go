package wordpress

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"eom-relay/internal/api"
	"eom-relay/internal/config"
	"eom-relay/internal/sources"
)

// paywallMarker is the class MemberPress wraps around the teaser it serves
// to anonymous readers of a premium post.
const paywallMarker = "mepr-unauthorized-excerpt"

type Source struct {
	client     *api.Client
	maxPerPage int
	log        zerolog.Logger
}

func New(cfg config.SourceConfig, logger zerolog.Logger) *Source {
	client := api.NewClient(api.Options{
		BaseURL: cfg.BaseURL,
		APIBase: cfg.APIBase,
		Timeout: cfg.Timeout(),
		Delay:   cfg.Delay(),
		Logger:  logger,
	})
	return NewWithClient(client, cfg.MaxPerPage, logger)
}

func NewWithClient(client *api.Client, maxPerPage int, logger zerolog.Logger) *Source {
	if maxPerPage <= 0 {
		maxPerPage = 100
	}
	return &Source{
		client:     client,
		maxPerPage: maxPerPage,
		log:        logger.With().Str("component", "wordpress").Logger(),
	}
}

func (s *Source) Name() string {
	return "wordpress"
}

func (s *Source) FetchSince(ctx context.Context, since time.Time, limit int) ([]api.Post, error) {
	s.log.Info().Time("since", since).Msg("Fetching posts")

	posts, err := s.client.Posts(ctx, api.PostsQuery{
		After:   since,
		PerPage: min(limit, s.maxPerPage),
	})
	if err != nil {
		return nil, classify(err)
	}

	s.log.Info().Int("count", len(posts)).Msg("Fetched posts")
	return posts, nil
}

func (s *Source) FetchRecent(ctx context.Context, limit int) ([]api.Post, error) {
	var all []api.Post

	for page := 1; len(all) < limit; page++ {
		perPage := min(limit-len(all), s.maxPerPage)

		posts, err := s.client.Posts(ctx, api.PostsQuery{PerPage: perPage, Page: page})
		if err != nil {
			if len(all) > 0 {
				// WordPress answers 400 for a page past the end.
				var statusErr *api.StatusError
				if errors.As(err, &statusErr) {
					break
				}
			}
			return nil, classify(err)
		}
		if len(posts) == 0 {
			break
		}

		all = append(all, posts...)

		if len(posts) < perPage {
			break
		}
	}

	if len(all) > limit {
		all = all[:limit]
	}
	s.log.Info().Int("count", len(all)).Msg("Fetched recent posts")
	return all, nil
}

func (s *Source) ClassifyAccess(post api.Post) api.Access {
	if strings.Contains(post.Content.Rendered, paywallMarker) {
		return api.AccessPremium
	}
	return api.AccessOpen
}

func (s *Source) HealthCheck(ctx context.Context) error {
	if err := s.client.HealthCheck(ctx); err != nil {
		return classify(err)
	}
	return nil
}

func classify(err error) error {
	var transportErr *api.TransportError
	if errors.As(err, &transportErr) {
		return fmt.Errorf("%w: %w", sources.ErrTransport, err)
	}
	return err
}

var _ sources.Source = (*Source)(nil)
