package sync

import (
	"context"
	"errors"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"eom-relay/internal/api"
	"eom-relay/internal/content"
	"eom-relay/internal/sources"
)

type fakeSource struct {
	posts   []api.Post
	err     error
	premium map[int64]bool

	calls  int
	sinces []time.Time
}

func (f *fakeSource) Name() string { return "fake" }

func (f *fakeSource) FetchSince(_ context.Context, since time.Time, _ int) ([]api.Post, error) {
	f.calls++
	f.sinces = append(f.sinces, since)
	if f.err != nil {
		return nil, f.err
	}
	return f.posts, nil
}

func (f *fakeSource) FetchRecent(context.Context, int) ([]api.Post, error) { return f.posts, nil }

func (f *fakeSource) ClassifyAccess(post api.Post) api.Access {
	if f.premium[post.ID] {
		return api.AccessPremium
	}
	return api.AccessOpen
}

func (f *fakeSource) HealthCheck(context.Context) error { return nil }

type fakeDeliverer struct {
	fail      map[int64]bool
	delivered []int64
	onDeliver func(id int64)
}

func (f *fakeDeliverer) Deliver(_ context.Context, article *content.Article, _ content.Metadata) error {
	if f.onDeliver != nil {
		f.onDeliver(article.ID)
	}
	if f.fail[article.ID] {
		return errors.New("smtp: 451 try again later")
	}
	f.delivered = append(f.delivered, article.ID)
	return nil
}

// failRender makes Render fail for selected ids.
type failRender struct {
	*content.Transformer
	ids map[int64]bool
}

func (f failRender) Render(meta content.Metadata) (*content.Article, error) {
	if f.ids[meta.ID] {
		return nil, fmt.Errorf("boom")
	}
	return f.Transformer.Render(meta)
}

func posts(ids ...int64) []api.Post {
	out := make([]api.Post, len(ids))
	for i, id := range ids {
		out[i] = api.Post{
			ID:      id,
			DateGMT: "2025-06-19T10:00:00",
			Link:    fmt.Sprintf("https://elordenmundial.com/%d/", id),
			Title:   api.Rendered{Rendered: fmt.Sprintf("Post %d", id)},
			Content: api.Rendered{Rendered: "<p>Texto del artículo</p>"},
		}
	}
	return out
}

type harness struct {
	store     *Store
	path      string
	source    *fakeSource
	deliverer *fakeDeliverer
	manager   *Manager
	clock     time.Time
}

func newHarness(t *testing.T, opts Options) *harness {
	t.Helper()

	h := &harness{
		source:    &fakeSource{},
		deliverer: &fakeDeliverer{fail: map[int64]bool{}},
		clock:     t0,
	}
	h.store, h.path = newTestStore(t, WithClock(func() time.Time { return h.clock }))
	h.store.Load()

	if opts.Retention == 0 {
		opts.Retention = 1000
	}
	h.manager = NewManager(h.store, h.source, content.NewTransformer(zerolog.Nop()), h.deliverer, opts, zerolog.Nop())
	h.manager.now = func() time.Time { return h.clock }
	return h
}

func defaultOptions() Options {
	return Options{ProcessOpen: true, FetchLimit: 100}
}

func TestRunDeliversNewPosts(t *testing.T) {
	t.Parallel()

	h := newHarness(t, defaultOptions())
	h.store.MarkProcessed(2)
	h.source.posts = posts(1, 2, 3)
	h.clock = t0.Add(10 * time.Minute)

	report, err := h.manager.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, PhaseDone, report.Phase)
	assert.Equal(t, []int64{1, 3}, h.deliverer.delivered)
	assert.Equal(t, 2, report.Attempted)
	assert.Equal(t, 2, report.Delivered)
	assert.Equal(t, 1, report.Skipped)

	state := h.store.State()
	assert.ElementsMatch(t, []int64{1, 2, 3}, state.Processed.IDs())
	assert.Equal(t, 3, state.TotalProcessed, "id 2 was counted once, when it was first marked")
	assert.Equal(t, t0.Add(10*time.Minute), state.LastCheck)
	assert.Equal(t, t0.Add(10*time.Minute), state.LastSuccessfulRun)
	assert.Zero(t, state.ErrorCount)
	assert.True(t, report.WatermarkAdvanced)
	assert.True(t, report.Saved)
}

func TestRunAllDeliveriesFail(t *testing.T) {
	t.Parallel()

	h := newHarness(t, defaultOptions())
	h.source.posts = posts(4, 5)
	h.deliverer.fail = map[int64]bool{4: true, 5: true}
	h.clock = t0.Add(time.Hour)

	report, err := h.manager.Run(context.Background())
	require.NoError(t, err, "item failures do not fail the run")

	assert.Equal(t, PhaseDone, report.Phase)
	assert.Equal(t, 2, report.Attempted)
	assert.Zero(t, report.Delivered)
	for _, r := range report.Results {
		assert.Equal(t, ItemFailed, r.Status)
		assert.Error(t, r.Err)
	}

	state := h.store.State()
	assert.Zero(t, state.Processed.Len())
	assert.Equal(t, t0, state.LastCheck)
	assert.Zero(t, state.ErrorCount)
	assert.True(t, state.LastSuccessfulRun.IsZero())
	assert.False(t, report.WatermarkAdvanced)
}

func TestRunReplayIsIdempotent(t *testing.T) {
	t.Parallel()

	h := newHarness(t, defaultOptions())
	h.source.posts = posts(7, 8)

	_, err := h.manager.Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, []int64{7, 8}, h.deliverer.delivered)

	// Same feed answer, reloaded from disk.
	h.store.Load()
	h.clock = t0.Add(time.Minute)
	report, err := h.manager.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, []int64{7, 8}, h.deliverer.delivered, "nothing delivered twice")
	assert.Zero(t, report.Attempted)
	assert.Equal(t, 2, report.Skipped)
	assert.Equal(t, 2, h.store.State().TotalProcessed)
}

func TestRunFailedItemIsRetriedNextRun(t *testing.T) {
	t.Parallel()

	h := newHarness(t, defaultOptions())
	h.source.posts = posts(20)
	h.deliverer.fail[20] = true

	_, err := h.manager.Run(context.Background())
	require.NoError(t, err)
	assert.False(t, h.store.IsProcessed(20))

	h.store.Load()
	h.deliverer.fail[20] = false
	h.clock = t0.Add(30 * time.Minute)
	_, err = h.manager.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, []time.Time{t0, t0}, h.source.sinces, "second fetch starts from the same watermark")
	assert.Equal(t, []int64{20}, h.deliverer.delivered)
	assert.True(t, h.store.IsProcessed(20))
	assert.Equal(t, t0.Add(30*time.Minute), h.store.LastCheck())
}

func TestRunPartialFailure(t *testing.T) {
	t.Parallel()

	h := newHarness(t, defaultOptions())
	h.source.posts = posts(30, 31, 32)
	h.deliverer.fail[31] = true
	h.clock = t0.Add(5 * time.Minute)

	report, err := h.manager.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, []int64{30, 32}, h.deliverer.delivered)
	assert.False(t, h.store.IsProcessed(31))
	assert.True(t, report.WatermarkAdvanced)

	got := make([]ItemStatus, len(report.Results))
	for i, r := range report.Results {
		got[i] = r.Status
	}
	if diff := cmp.Diff(got, []ItemStatus{ItemDelivered, ItemFailed, ItemDelivered}); diff != "" {
		t.Fatalf("statuses (-got +want):\n%s", diff)
	}
}

func TestRunRenderFailureIsItemScoped(t *testing.T) {
	t.Parallel()

	h := newHarness(t, defaultOptions())
	h.manager.transformer = failRender{Transformer: content.NewTransformer(zerolog.Nop()), ids: map[int64]bool{41: true}}
	h.source.posts = posts(40, 41)

	report, err := h.manager.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, []int64{40}, h.deliverer.delivered)
	assert.Equal(t, 2, report.Attempted)
	require.Len(t, report.Results, 2)
	assert.ErrorContains(t, report.Results[1].Err, "render")
}

func TestRunSkipsMalformedPosts(t *testing.T) {
	t.Parallel()

	h := newHarness(t, defaultOptions())
	bad := posts(51)
	bad[0].DateGMT = ""
	bad[0].Date = "not a date"
	h.source.posts = append(append(posts(50), api.Post{Link: "https://x/no-id"}), bad...)

	report, err := h.manager.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, []int64{50}, h.deliverer.delivered)
	assert.Equal(t, 2, report.Fetched, "posts without id are not candidates")
	assert.Equal(t, 1, report.Skipped)
	assert.Equal(t, 1, report.Attempted)
}

func TestRunDuplicateIDsInOneFetch(t *testing.T) {
	t.Parallel()

	h := newHarness(t, defaultOptions())
	h.source.posts = posts(60, 60, 61)

	_, err := h.manager.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []int64{60, 61}, h.deliverer.delivered)
}

func TestRunContentPolicy(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		open    bool
		premium bool
		want    []int64
	}{
		{name: "open only", open: true, want: []int64{70, 72}},
		{name: "premium only", premium: true, want: []int64{71}},
		{name: "both", open: true, premium: true, want: []int64{70, 71, 72}},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			h := newHarness(t, Options{ProcessOpen: tt.open, ProcessPremium: tt.premium})
			h.source.posts = posts(70, 71, 72)
			h.source.premium = map[int64]bool{71: true}

			_, err := h.manager.Run(context.Background())
			require.NoError(t, err)
			assert.Equal(t, tt.want, h.deliverer.delivered)
		})
	}
}

func TestRunNoCandidates(t *testing.T) {
	t.Parallel()

	h := newHarness(t, defaultOptions())
	h.clock = t0.Add(time.Minute)

	report, err := h.manager.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, PhaseDone, report.Phase)
	assert.Equal(t, t0, h.store.LastCheck(), "watermark only moves after a commit")
	assert.Equal(t, t0.Add(time.Minute), h.store.State().LastSuccessfulRun)
	assert.FileExists(t, h.path)
}

func TestRunFetchErrors(t *testing.T) {
	t.Parallel()

	t.Run("transport failure fails the run", func(t *testing.T) {
		t.Parallel()

		h := newHarness(t, defaultOptions())
		h.source.err = fmt.Errorf("%w: dial tcp: connection refused", sources.ErrTransport)

		report, err := h.manager.Run(context.Background())
		require.Error(t, err)
		assert.ErrorIs(t, err, sources.ErrTransport)

		assert.Equal(t, PhaseFailed, report.Phase)
		assert.Equal(t, PhaseFetching, report.FailedIn)
		assert.Equal(t, 1, h.store.State().ErrorCount)
		assert.Equal(t, t0, h.store.LastCheck())
		assert.True(t, report.Saved, "state is saved on the failure path too")

		reloaded := NewStore(h.path, zerolog.Nop())
		assert.Equal(t, 1, reloaded.Load().ErrorCount)
	})

	t.Run("other fetch failure means nothing to do", func(t *testing.T) {
		t.Parallel()

		h := newHarness(t, defaultOptions())
		h.source.err = &api.StatusError{StatusCode: 502, Body: "bad gateway"}

		report, err := h.manager.Run(context.Background())
		require.NoError(t, err)
		assert.Equal(t, PhaseDone, report.Phase)
		assert.Zero(t, h.store.State().ErrorCount)
	})
}

func TestRunCancelledMidDelivery(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	h := newHarness(t, defaultOptions())
	h.source.posts = posts(80, 81, 82)
	h.deliverer.onDeliver = func(id int64) {
		if id == 80 {
			cancel()
		}
	}
	h.clock = t0.Add(time.Hour)

	report, err := h.manager.Run(ctx)
	require.ErrorIs(t, err, context.Canceled)

	assert.Equal(t, PhaseFailed, report.Phase)
	assert.Equal(t, PhaseDelivering, report.FailedIn)
	assert.Equal(t, []int64{80}, h.deliverer.delivered)
	assert.True(t, h.store.IsProcessed(80), "delivered before cancellation, so committed")
	assert.Equal(t, t0, h.store.LastCheck())
	assert.Equal(t, 1, h.store.State().ErrorCount)
}

func TestRunWatermarkNeverMovesBack(t *testing.T) {
	t.Parallel()

	h := newHarness(t, defaultOptions())
	h.store.AdvanceWatermark(t0.Add(time.Hour))
	h.source.posts = posts(90)
	h.clock = t0 // clock behind the stored watermark

	report, err := h.manager.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, []int64{90}, h.deliverer.delivered)
	assert.False(t, report.WatermarkAdvanced)
	assert.Equal(t, t0.Add(time.Hour), h.store.LastCheck())
}

func TestRunWatermarkMonotonicAcrossRuns(t *testing.T) {
	t.Parallel()

	h := newHarness(t, defaultOptions())
	var marks []time.Time

	batches := [][]api.Post{posts(1), nil, posts(2, 3), posts(3), posts(4)}
	h.deliverer.fail[4] = true

	for i, batch := range batches {
		h.clock = t0.Add(time.Duration(i+1) * time.Minute)
		h.source.posts = batch

		_, err := h.manager.Run(context.Background())
		require.NoError(t, err)
		marks = append(marks, h.store.LastCheck())
		h.store.Load()
	}

	for i := 1; i < len(marks); i++ {
		assert.False(t, marks[i].Before(marks[i-1]), "run %d moved the watermark back", i)
	}
	assert.Equal(t, marks[0], marks[1], "empty run keeps the watermark")
	assert.Equal(t, marks[2], marks[3], "replayed run keeps the watermark")
	assert.Equal(t, marks[3], marks[4], "failed-only run keeps the watermark")
}

func TestRunTrimsAfterCommit(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Options{ProcessOpen: true, Retention: 4})
	for id := int64(100); id < 110; id++ {
		h.store.MarkProcessed(id)
	}
	require.NoError(t, h.store.Save())
	h.store.Load()

	h.source.posts = posts(5, 6)
	h.clock = t0.Add(time.Minute)

	report, err := h.manager.Run(context.Background())
	require.NoError(t, err)

	ids := h.store.State().Processed.IDs()
	assert.Len(t, ids, 4)
	assert.Contains(t, ids, int64(5))
	assert.Contains(t, ids, int64(6))
	assert.Equal(t, 8, report.Trimmed)
}

func TestRunDefaultRetentionKeepsCommittedIDs(t *testing.T) {
	t.Parallel()

	store, _ := newTestStore(t)
	store.Load()
	source := &fakeSource{posts: posts(10, 11)}
	deliverer := &fakeDeliverer{}

	m := NewManager(store, source, content.NewTransformer(zerolog.Nop()), deliverer, Options{ProcessOpen: true}, zerolog.Nop())
	m.now = func() time.Time { return t0.Add(time.Minute) }

	report, err := m.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, []int64{10, 11}, store.State().Processed.IDs())
	assert.Zero(t, report.Trimmed)
	assert.Equal(t, defaultRetention, m.opts.Retention)
}

func TestRunDryRunLeavesStateFileUntouched(t *testing.T) {
	t.Parallel()

	opts := defaultOptions()
	opts.DryRun = true
	h := newHarness(t, opts)
	h.source.posts = posts(1)

	report, err := h.manager.Run(context.Background())
	require.NoError(t, err)

	assert.False(t, report.Saved)
	_, statErr := os.Stat(h.path)
	assert.ErrorIs(t, statErr, os.ErrNotExist)
}

func TestRunPacesDeliveries(t *testing.T) {
	t.Parallel()

	opts := defaultOptions()
	opts.Pacing = 50 * time.Millisecond
	h := newHarness(t, opts)
	h.source.posts = posts(1, 2, 3)

	start := time.Now()
	_, err := h.manager.Run(context.Background())
	require.NoError(t, err)

	assert.GreaterOrEqual(t, time.Since(start), 90*time.Millisecond)
	assert.Len(t, h.deliverer.delivered, 3)
}

func TestPhaseString(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "delivering", PhaseDelivering.String())
	assert.Equal(t, "failed", PhaseFailed.String())
	assert.Equal(t, "phase(42)", Phase(42).String())
}
