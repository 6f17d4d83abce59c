package sync

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"eom-relay/internal/api"
	"eom-relay/internal/content"
	"eom-relay/internal/sources"
)

// Transformer turns feed posts into deliverable articles.
type Transformer interface {
	ExtractMetadata(post api.Post, access api.Access) (content.Metadata, error)
	Render(meta content.Metadata) (*content.Article, error)
}

// Deliverer sends one article downstream.
type Deliverer interface {
	Deliver(ctx context.Context, article *content.Article, meta content.Metadata) error
}

// Phase is a step of one sync pass.
type Phase int

const (
	PhaseIdle Phase = iota
	PhaseFetching
	PhaseFiltering
	PhaseDelivering
	PhaseCommitting
	PhaseDone
	PhaseFailed
)

func (p Phase) String() string {
	switch p {
	case PhaseIdle:
		return "idle"
	case PhaseFetching:
		return "fetching"
	case PhaseFiltering:
		return "filtering"
	case PhaseDelivering:
		return "delivering"
	case PhaseCommitting:
		return "committing"
	case PhaseDone:
		return "done"
	case PhaseFailed:
		return "failed"
	}
	return fmt.Sprintf("phase(%d)", int(p))
}

type ItemStatus string

const (
	ItemDelivered ItemStatus = "delivered"
	ItemFailed    ItemStatus = "failed"
)

// ItemResult is the outcome of driving one candidate through render and
// delivery.
type ItemResult struct {
	PostID int64
	Title  string
	Status ItemStatus
	Err    error
}

// Report summarises one pass.
type Report struct {
	RunID string
	Phase Phase // PhaseDone or PhaseFailed once Run returns
	// FailedIn is the phase the pass was in when it failed.
	FailedIn Phase
	Since    time.Time

	Fetched    int // posts with an id returned by the feed
	Skipped    int // dropped while filtering
	Candidates int
	Attempted  int
	Delivered  int
	Trimmed    int
	Results    []ItemResult

	WatermarkAdvanced bool
	Saved             bool
}

const defaultRetention = 1000

type Options struct {
	ProcessOpen    bool
	ProcessPremium bool
	FetchLimit     int
	// Pacing is the minimum gap between two deliveries.
	Pacing    time.Duration
	Retention int
	// DryRun keeps the state file untouched at the end of the pass.
	DryRun bool
}

// Manager runs sync passes: fetch posts newer than the watermark, drop the
// ones already delivered, deliver the rest one at a time and commit the ids
// that made it.
type Manager struct {
	store       *Store
	source      sources.Source
	transformer Transformer
	deliverer   Deliverer
	opts        Options
	log         zerolog.Logger
	now         func() time.Time
}

func NewManager(store *Store, source sources.Source, transformer Transformer, deliverer Deliverer, opts Options, logger zerolog.Logger) *Manager {
	if opts.FetchLimit <= 0 {
		opts.FetchLimit = 100
	}
	if opts.Retention <= 0 {
		opts.Retention = defaultRetention
	}
	return &Manager{
		store:       store,
		source:      source,
		transformer: transformer,
		deliverer:   deliverer,
		opts:        opts,
		log:         logger.With().Str("component", "sync").Logger(),
		now:         time.Now,
	}
}

// Run performs one pass and persists the state exactly once at the end,
// whether the pass succeeded or not. The returned error is non-nil when the
// pass failed or the state could not be saved; the report is always set.
func (m *Manager) Run(ctx context.Context) (*Report, error) {
	report := &Report{RunID: uuid.NewString()}
	log := m.log.With().Str("run_id", report.RunID).Logger()

	log.Info().Str("source", m.source.Name()).Msg("Starting sync")

	err := m.pass(ctx, log, report)
	if err != nil {
		report.FailedIn = report.Phase
		report.Phase = PhaseFailed
		m.store.RecordRunOutcome(false)
		log.Error().Err(err).Stringer("phase", report.FailedIn).Msg("Sync failed")
	} else {
		report.Phase = PhaseDone
	}

	if m.opts.DryRun {
		log.Info().Msg("Dry run, state not saved")
	} else if saveErr := m.store.Save(); saveErr != nil {
		log.Error().Err(saveErr).Msg("Failed to save state")
		err = errors.Join(err, saveErr)
	} else {
		report.Saved = true
	}

	log.Info().
		Stringer("phase", report.Phase).
		Int("delivered", report.Delivered).
		Int("attempted", report.Attempted).
		Bool("watermark_advanced", report.WatermarkAdvanced).
		Msg("Sync finished")

	return report, err
}

func (m *Manager) pass(ctx context.Context, log zerolog.Logger, report *Report) error {
	fetchedAt := m.now().UTC()
	report.Since = m.store.LastCheck()

	m.enter(log, report, PhaseFetching)
	posts, err := m.source.FetchSince(ctx, report.Since, m.opts.FetchLimit)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		if errors.Is(err, sources.ErrTransport) {
			return fmt.Errorf("fetch posts: %w", err)
		}
		log.Warn().Err(err).Msg("Fetch failed, nothing to do this run")
		posts = nil
	}

	m.enter(log, report, PhaseFiltering)
	candidates := m.filter(log, report, posts)
	if len(candidates) == 0 {
		log.Info().Msg("No new articles to process")
		m.store.RecordRunOutcome(true)
		return nil
	}
	log.Info().Int("count", len(candidates)).Msg("Found new articles")

	m.enter(log, report, PhaseDelivering)
	delivered, err := m.deliverAll(ctx, log, report, candidates)
	if err != nil {
		// Deliveries that already went out are real; keep them so the next
		// pass does not send them again. The watermark stays put.
		m.commit(delivered)
		return err
	}

	m.enter(log, report, PhaseCommitting)
	m.commit(delivered)
	if len(delivered) == 0 {
		log.Warn().Int("attempted", report.Attempted).Msg("No article delivered, watermark unchanged")
		return nil
	}

	if fetchedAt.After(m.store.LastCheck()) {
		m.store.AdvanceWatermark(fetchedAt)
		report.WatermarkAdvanced = true
	} else {
		log.Warn().
			Time("fetched_at", fetchedAt).
			Time("last_check", m.store.LastCheck()).
			Msg("Clock is behind the watermark, not moving it back")
	}
	report.Trimmed = m.store.Trim(m.opts.Retention)
	m.store.RecordRunOutcome(true)
	return nil
}

func (m *Manager) enter(log zerolog.Logger, report *Report, phase Phase) {
	report.Phase = phase
	log.Debug().Stringer("phase", phase).Msg("Entering phase")
}

// filter keeps posts that have an id, were not delivered before, pass the
// content policy and have usable metadata. Feed order is preserved.
func (m *Manager) filter(log zerolog.Logger, report *Report, posts []api.Post) []content.Metadata {
	var candidates []content.Metadata
	seen := make(map[int64]struct{}, len(posts))

	for _, post := range posts {
		if post.ID == 0 {
			log.Debug().Str("link", post.Link).Msg("Skipping post without id")
			continue
		}
		report.Fetched++

		if _, dup := seen[post.ID]; dup || m.store.IsProcessed(post.ID) {
			log.Debug().Int64("post_id", post.ID).Msg("Post already processed, skipping")
			report.Skipped++
			continue
		}
		seen[post.ID] = struct{}{}

		access := m.source.ClassifyAccess(post)
		if !m.allowed(access) {
			log.Debug().Int64("post_id", post.ID).Str("access", string(access)).Msg("Post filtered by content policy")
			report.Skipped++
			continue
		}

		meta, err := m.transformer.ExtractMetadata(post, access)
		if err != nil {
			log.Warn().Err(err).Int64("post_id", post.ID).Msg("Skipping malformed post")
			report.Skipped++
			continue
		}
		candidates = append(candidates, meta)
	}

	report.Candidates = len(candidates)
	return candidates
}

func (m *Manager) allowed(access api.Access) bool {
	switch access {
	case api.AccessOpen:
		return m.opts.ProcessOpen
	case api.AccessPremium:
		return m.opts.ProcessPremium
	}
	return false
}

// deliverAll drives candidates through render and delivery one at a time.
// Item failures are recorded and skipped; only cancellation stops the loop.
func (m *Manager) deliverAll(ctx context.Context, log zerolog.Logger, report *Report, candidates []content.Metadata) ([]int64, error) {
	limit := rate.Inf
	if m.opts.Pacing > 0 {
		limit = rate.Every(m.opts.Pacing)
	}
	pacer := rate.NewLimiter(limit, 1)

	var delivered []int64
	for i, meta := range candidates {
		if err := pacer.Wait(ctx); err != nil {
			return delivered, err
		}

		itemLog := log.With().Int64("post_id", meta.ID).Logger()
		itemLog.Info().
			Int("n", i+1).
			Int("of", len(candidates)).
			Str("title", content.TextOf(meta.Title)).
			Msg("Processing article")

		report.Attempted++
		result := m.deliverOne(ctx, meta)
		report.Results = append(report.Results, result)

		if result.Status == ItemDelivered {
			delivered = append(delivered, meta.ID)
			report.Delivered++
			itemLog.Info().Msg("Article delivered")
		} else {
			itemLog.Error().Err(result.Err).Msg("Article not delivered")
		}
	}
	return delivered, nil
}

func (m *Manager) deliverOne(ctx context.Context, meta content.Metadata) ItemResult {
	result := ItemResult{PostID: meta.ID, Title: content.TextOf(meta.Title), Status: ItemFailed}

	article, err := m.transformer.Render(meta)
	if err != nil {
		result.Err = fmt.Errorf("render: %w", err)
		return result
	}
	if err := m.deliverer.Deliver(ctx, article, meta); err != nil {
		result.Err = fmt.Errorf("deliver: %w", err)
		return result
	}

	result.Status = ItemDelivered
	return result
}

func (m *Manager) commit(ids []int64) {
	for _, id := range ids {
		m.store.MarkProcessed(id)
	}
}
