package compose

import (
	"context"
	"errors"
	"fmt"
	"image"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/maauso/stockreel-api/internal/fetch"
	"github.com/maauso/stockreel-api/internal/ledger"
	"github.com/maauso/stockreel-api/internal/media"
	"github.com/maauso/stockreel-api/internal/pexels"
	"github.com/maauso/stockreel-api/internal/selector"
)

// mockSearch is a mock implementation of pexels.Client.
type mockSearch struct {
	mock.Mock
}

func (m *mockSearch) Search(ctx context.Context, params pexels.SearchParams) ([]pexels.Candidate, error) {
	args := m.Called(ctx, params)
	if c := args.Get(0); c != nil {
		return c.([]pexels.Candidate), args.Error(1)
	}
	return nil, args.Error(1)
}

// fakeFetcher writes a small file per fetch.
type fakeFetcher struct {
	dir   string
	calls atomic.Int32
	// fail decides, per call number starting at 1, whether the fetch fails.
	fail func(call int32) bool
}

func (f *fakeFetcher) Fetch(_ context.Context, url, filename string) (string, error) {
	n := f.calls.Add(1)
	if f.fail != nil && f.fail(n) {
		return "", fmt.Errorf("%w: %s: status 404", fetch.ErrAssetFetch, url)
	}
	path := filepath.Join(f.dir, filename)
	if err := os.WriteFile(path, []byte(url), 0o644); err != nil {
		return "", err
	}
	return path, nil
}

func (f *fakeFetcher) Release(path string, remove bool) error {
	if !remove {
		return nil
	}
	return f.Remove(path)
}

func (f *fakeFetcher) Remove(path string) error {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

type effectCall struct {
	src  string
	clip media.Clip
	spec media.EffectSpec
}

// fakeProcessor stands in for the encoder. Every output it reports is also
// written to disk.
type fakeProcessor struct {
	fg media.Clip

	mu          sync.Mutex
	effects     []effectCall
	timelines   []media.Timeline
	concatOpts  []media.ConcatOptions
	composited  []media.EncodeParams
	fadeCalls   int
	failFirstFx bool
	compositeErr error
}

func (p *fakeProcessor) Probe(_ context.Context, path string) (media.Clip, error) {
	if path == p.fg.Path {
		return p.fg, nil
	}
	return media.Clip{Path: path, Duration: 6, Size: media.Size{W: 1280, H: 720}, FPS: 25}, nil
}

func (p *fakeProcessor) ApplyEffects(_ context.Context, clip media.Clip, spec media.EffectSpec, dst string) (media.Clip, error) {
	p.mu.Lock()
	p.effects = append(p.effects, effectCall{src: clip.Path, clip: clip, spec: spec})
	if spec.FadeIn > 0 {
		p.fadeCalls++
		if p.failFirstFx && p.fadeCalls == 1 {
			p.mu.Unlock()
			return media.Clip{}, errors.New("exit status 1")
		}
	}
	p.mu.Unlock()

	if err := os.WriteFile(dst, []byte("fx"), 0o644); err != nil {
		return media.Clip{}, err
	}
	return media.Clip{Path: dst, Duration: clip.Duration, Size: clip.Size, FPS: spec.FPS}, nil
}

func (p *fakeProcessor) Concatenate(_ context.Context, tl media.Timeline, dst string, opts media.ConcatOptions) (media.Clip, error) {
	p.mu.Lock()
	p.timelines = append(p.timelines, tl)
	p.concatOpts = append(p.concatOpts, opts)
	p.mu.Unlock()

	if err := os.WriteFile(dst, []byte("joined"), 0o644); err != nil {
		return media.Clip{}, err
	}
	d := tl.Duration()
	if opts.Length > 0 {
		d = opts.Length
	}
	return media.Clip{Path: dst, Duration: d, Size: tl.Canvas()}, nil
}

func (p *fakeProcessor) Composite(_ context.Context, _, _ media.Clip, _ media.ChromaKey, dst string, enc media.EncodeParams) error {
	p.mu.Lock()
	p.composited = append(p.composited, enc)
	p.mu.Unlock()

	// partial output, as a failed encoder would leave behind
	if err := os.WriteFile(dst, []byte("out"), 0o644); err != nil {
		return err
	}
	return p.compositeErr
}

func (p *fakeProcessor) ExtractFrame(context.Context, string, float64) (image.Image, error) {
	return image.NewRGBA(image.Rect(0, 0, 1, 1)), nil
}

func stockCandidates(n int, duration float64) []pexels.Candidate {
	out := make([]pexels.Candidate, n)
	for i := range out {
		id := fmt.Sprint(i + 1)
		out[i] = pexels.Candidate{ID: id, URL: "https://videos.example/" + id + ".mp4", Duration: duration, Width: 1280, Height: 720}
	}
	return out
}

type harness struct {
	search    *mockSearch
	fetcher   *fakeFetcher
	processor *fakeProcessor
	ledger    *ledger.MemoryLedger
	workDir   string
	outDir    string
	deps      Deps
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		search:    new(mockSearch),
		fetcher:   &fakeFetcher{dir: t.TempDir()},
		processor: &fakeProcessor{fg: media.Clip{Path: "fg.mp4", Duration: 10, Size: media.Size{W: 1920, H: 1080}, FPS: 30, HasAudio: true}},
		ledger:    ledger.NewMemoryLedger(),
		workDir:   t.TempDir(),
		outDir:    t.TempDir(),
	}
	h.deps = Deps{
		Search:    h.search,
		Selector:  selector.New(h.ledger, selector.WithSeed(7)),
		Fetcher:   h.fetcher,
		Processor: h.processor,
		WorkDir:   h.workDir,
	}
	return h
}

func (h *harness) output() string {
	return filepath.Join(h.outDir, "renders", "result.mp4")
}

func (h *harness) assertCleanedUp(t *testing.T) {
	t.Helper()
	for _, dir := range []string{h.workDir, h.fetcher.dir} {
		entries, err := os.ReadDir(dir)
		require.NoError(t, err)
		assert.Empty(t, entries, "expected %s to be empty", dir)
	}
}

func TestChroma_Success(t *testing.T) {
	h := newHarness(t)
	h.search.On("Search", mock.Anything, pexels.SearchParams{
		Query: "city traffic", MinDuration: 5, MaxDuration: 60, MaxVideos: 10,
	}).Return(stockCandidates(4, 6), nil)

	var stages []Stage
	err := NewChromaCompositor(h.deps).Composite(context.Background(), ChromaRequest{
		ForegroundPath: "fg.mp4",
		Term:           "city traffic",
		OutputPath:     h.output(),
		Transition:     1,
		Effect:         "contrast",
		OnStage:        func(s Stage) { stages = append(stages, s) },
	})
	require.NoError(t, err)

	assert.Equal(t, []Stage{
		StageLoadForeground, StageSelectBackground, StageFetchAndProcessClips,
		StageConcatenateBackground, StageBuildMask, StageApplyMask,
		StageComposite, StageEncode, StageCleanup,
	}, stages)
	assert.FileExists(t, h.output())
	h.assertCleanedUp(t)
	h.search.AssertExpectations(t)

	// two 6s clips cover the 10s foreground
	require.Len(t, h.processor.timelines, 1)
	assert.Len(t, h.processor.timelines[0].Clips, 2)
	assert.Equal(t, 10.0, h.processor.concatOpts[0].Length)
	for _, call := range h.processor.effects {
		assert.Equal(t, 1080, call.spec.Target.H)
		assert.Equal(t, media.ScaleMatchHeight, call.spec.Scale)
		assert.Equal(t, media.ContrastFactor, call.spec.Factor)
		assert.Equal(t, 30.0, call.spec.FPS)
		// 720p backgrounds are scaled up to the 1080p foreground
		assert.Contains(t, call.spec.Filter(call.clip), "scale=-2:1080,")
	}

	require.Len(t, h.processor.composited, 1)
	enc := h.processor.composited[0]
	assert.Equal(t, "libx264", enc.VideoCodec)
	assert.Equal(t, 30.0, enc.FPS)

	assert.Equal(t, 1, h.ledger.Len())
}

func TestChroma_FadeWidensTarget(t *testing.T) {
	h := newHarness(t)
	h.search.On("Search", mock.Anything, mock.Anything).Return(stockCandidates(4, 6), nil)

	err := NewChromaCompositor(h.deps).Composite(context.Background(), ChromaRequest{
		ForegroundPath: "fg.mp4",
		Term:           "beach",
		OutputPath:     h.output(),
		Transition:     1,
		Effect:         "fade",
	})
	require.NoError(t, err)

	// 10s + 2*1s needs 12s of footage
	require.Len(t, h.processor.timelines, 1)
	assert.Len(t, h.processor.timelines[0].Clips, 2)

	var fades int
	for _, call := range h.processor.effects {
		if call.spec.FadeIn > 0 {
			fades++
		}
	}
	assert.Equal(t, 1, fades)
}

func TestChroma_NoCandidates(t *testing.T) {
	h := newHarness(t)
	h.search.On("Search", mock.Anything, mock.Anything).Return(nil, fmt.Errorf("%w: status 500", pexels.ErrUpstreamSearch))

	var stages []Stage
	err := NewChromaCompositor(h.deps).Composite(context.Background(), ChromaRequest{
		ForegroundPath: "fg.mp4",
		Term:           "nothing",
		OutputPath:     h.output(),
		OnStage:        func(s Stage) { stages = append(stages, s) },
	})

	var se *StageError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, StageSelectBackground, se.Stage)
	assert.ErrorIs(t, err, ErrNoSuitableCandidates)
	assert.False(t, IsRecoverable(err))
	assert.Equal(t, StageCleanup, stages[len(stages)-1])
	assert.NoFileExists(t, h.output())
	h.assertCleanedUp(t)
}

func TestChroma_SkipsFailedClip(t *testing.T) {
	h := newHarness(t)
	h.fetcher.fail = func(call int32) bool { return call == 1 }
	h.search.On("Search", mock.Anything, mock.Anything).Return(stockCandidates(4, 6), nil)

	err := NewChromaCompositor(h.deps).Composite(context.Background(), ChromaRequest{
		ForegroundPath: "fg.mp4",
		Term:           "forest",
		OutputPath:     h.output(),
	})
	require.NoError(t, err)

	require.Len(t, h.processor.timelines, 1)
	assert.Len(t, h.processor.timelines[0].Clips, 1)
	// the single clip is still stretched to the foreground length
	assert.Equal(t, 10.0, h.processor.concatOpts[0].Length)
	assert.FileExists(t, h.output())
}

func TestChroma_AllClipsFail(t *testing.T) {
	h := newHarness(t)
	h.fetcher.fail = func(int32) bool { return true }
	h.search.On("Search", mock.Anything, mock.Anything).Return(stockCandidates(4, 6), nil)

	err := NewChromaCompositor(h.deps).Composite(context.Background(), ChromaRequest{
		ForegroundPath: "fg.mp4",
		Term:           "forest",
		OutputPath:     h.output(),
	})

	var se *StageError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, StageFetchAndProcessClips, se.Stage)
	assert.ErrorIs(t, err, ErrAssetFetch)
	assert.Empty(t, h.processor.timelines)
	h.assertCleanedUp(t)
}

func TestChroma_InvalidKeyColor(t *testing.T) {
	h := newHarness(t)
	h.search.On("Search", mock.Anything, mock.Anything).Return(stockCandidates(4, 6), nil)

	err := NewChromaCompositor(h.deps).Composite(context.Background(), ChromaRequest{
		ForegroundPath: "fg.mp4",
		Term:           "forest",
		OutputPath:     h.output(),
		ChromaColor:    "#GG0000",
	})

	var se *StageError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, StageBuildMask, se.Stage)
	assert.ErrorIs(t, err, media.ErrInvalidColor)
	assert.ErrorIs(t, err, ErrComposition)
}

func TestChroma_EncodeFailureRemovesOutput(t *testing.T) {
	h := newHarness(t)
	h.processor.compositeErr = errors.New("exit status 1")
	h.search.On("Search", mock.Anything, mock.Anything).Return(stockCandidates(4, 6), nil)

	err := NewChromaCompositor(h.deps).Composite(context.Background(), ChromaRequest{
		ForegroundPath: "fg.mp4",
		Term:           "forest",
		OutputPath:     h.output(),
	})

	var se *StageError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, StageEncode, se.Stage)
	assert.ErrorIs(t, err, ErrEncode)
	assert.NoFileExists(t, h.output())
	h.assertCleanedUp(t)
}

func TestChroma_Cancelled(t *testing.T) {
	h := newHarness(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	var stages []Stage
	err := NewChromaCompositor(h.deps).Composite(ctx, ChromaRequest{
		ForegroundPath: "fg.mp4",
		Term:           "forest",
		OutputPath:     h.output(),
		OnStage:        func(s Stage) { stages = append(stages, s) },
	})

	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, []Stage{StageCleanup}, stages)
	h.search.AssertNotCalled(t, "Search", mock.Anything, mock.Anything)
	h.assertCleanedUp(t)
}

func TestChroma_KeepDownloads(t *testing.T) {
	h := newHarness(t)
	h.deps.KeepDownloads = true
	h.search.On("Search", mock.Anything, mock.Anything).Return(stockCandidates(4, 6), nil)

	err := NewChromaCompositor(h.deps).Composite(context.Background(), ChromaRequest{
		ForegroundPath: "fg.mp4",
		Term:           "forest",
		OutputPath:     h.output(),
	})
	require.NoError(t, err)

	entries, err := os.ReadDir(h.fetcher.dir)
	require.NoError(t, err)
	assert.Len(t, entries, 2)
}

// gatedProcessor parks the first background probe until gate is closed and
// then fails if the download is no longer on disk.
type gatedProcessor struct {
	*fakeProcessor
	probing chan struct{}
	gate    chan struct{}
	once    sync.Once
}

func (p *gatedProcessor) Probe(ctx context.Context, path string) (media.Clip, error) {
	if path != p.fg.Path {
		p.once.Do(func() { close(p.probing) })
		<-p.gate
		if _, err := os.Stat(path); err != nil {
			return media.Clip{}, err
		}
	}
	return p.fakeProcessor.Probe(ctx, path)
}

func TestChroma_ConcurrentRunsShareDownloads(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("video"))
	}))
	defer server.Close()

	downloads := t.TempDir()
	fetcher, err := fetch.New(downloads)
	require.NoError(t, err)

	search := new(mockSearch)
	search.On("Search", mock.Anything, mock.Anything).Return([]pexels.Candidate{
		{ID: "42", URL: server.URL + "/42.mp4", Duration: 12, Width: 1280, Height: 720},
	}, nil)
	sel := selector.New(ledger.NewMemoryLedger(), selector.WithSeed(1))
	fg := media.Clip{Path: "fg.mp4", Duration: 10, Size: media.Size{W: 1920, H: 1080}, FPS: 30}

	deps := func(proc media.Processor) Deps {
		return Deps{Search: search, Selector: sel, Fetcher: fetcher, Processor: proc, WorkDir: t.TempDir()}
	}
	request := func(name string) ChromaRequest {
		return ChromaRequest{
			ForegroundPath: "fg.mp4",
			Term:           "city traffic",
			OutputPath:     filepath.Join(t.TempDir(), name+".mp4"),
		}
	}

	gated := &gatedProcessor{
		fakeProcessor: &fakeProcessor{fg: fg},
		probing:       make(chan struct{}),
		gate:          make(chan struct{}),
	}
	errB := make(chan error, 1)
	go func() {
		errB <- NewChromaCompositor(deps(gated)).Composite(context.Background(), request("b"))
	}()
	<-gated.probing

	// run A fetches the same asset and finishes while B still needs it
	err = NewChromaCompositor(deps(&fakeProcessor{fg: fg})).Composite(context.Background(), request("a"))
	require.NoError(t, err)
	assert.FileExists(t, filepath.Join(downloads, "chroma_bg_city_traffic_42.mp4"))

	close(gated.gate)
	require.NoError(t, <-errB)

	entries, err := os.ReadDir(downloads)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestMontage_Success(t *testing.T) {
	h := newHarness(t)
	h.search.On("Search", mock.Anything, pexels.SearchParams{
		Query: "mountains", MinDuration: 5, MaxDuration: 30, MaxVideos: 6,
	}).Return(stockCandidates(8, 10), nil)

	var stages []Stage
	err := NewMontageCompositor(h.deps).Composite(context.Background(), MontageRequest{
		Term:            "mountains",
		NVideos:         3,
		OutputPath:      h.output(),
		Transition:      1.5,
		ColorCorrection: true,
		OnStage:         func(s Stage) { stages = append(stages, s) },
	})
	require.NoError(t, err)

	assert.Equal(t, []Stage{
		StageSelectClips, StageFetchAndProcessMedia, StageConcatenate, StageEncode, StageCleanup,
	}, stages)
	h.search.AssertExpectations(t)

	require.Len(t, h.processor.timelines, 1)
	tl := h.processor.timelines[0]
	assert.Len(t, tl.Clips, 3)
	assert.Equal(t, 1.5, tl.Transition)

	opts := h.processor.concatOpts[0]
	assert.Zero(t, opts.Length)
	assert.Equal(t, 24.0, opts.Encode.FPS)
	assert.Equal(t, "slow", opts.Encode.Preset)
	assert.Equal(t, "15000k", opts.Encode.Bitrate)

	var fades int
	for _, call := range h.processor.effects {
		assert.Equal(t, DefaultMontageSize, call.spec.Target)
		assert.Equal(t, media.ScaleExact, call.spec.Scale)
		assert.Equal(t, media.ColorCorrectionFactor, call.spec.Factor)
		if call.spec.FadeIn > 0 {
			fades++
		}
	}
	assert.Equal(t, 1, fades)

	assert.FileExists(t, h.output())
	h.assertCleanedUp(t)
	assert.Equal(t, 1, h.ledger.Len())
}

func TestMontage_ReplacesFailedDownloads(t *testing.T) {
	h := newHarness(t)
	h.deps.MaxConcurrentClips = 1
	h.fetcher.fail = func(call int32) bool { return call == 2 }
	h.search.On("Search", mock.Anything, mock.Anything).Return(stockCandidates(8, 10), nil)

	err := NewMontageCompositor(h.deps).Composite(context.Background(), MontageRequest{
		Term:       "mountains",
		NVideos:    3,
		OutputPath: h.output(),
	})
	require.NoError(t, err)

	assert.Equal(t, int32(4), h.fetcher.calls.Load())
	require.Len(t, h.processor.timelines, 1)
	assert.Len(t, h.processor.timelines[0].Clips, 3)
}

func TestMontage_FadeMovesToNewFirstClip(t *testing.T) {
	h := newHarness(t)
	h.processor.failFirstFx = true
	h.search.On("Search", mock.Anything, mock.Anything).Return(stockCandidates(4, 10), nil)

	err := NewMontageCompositor(h.deps).Composite(context.Background(), MontageRequest{
		Term:       "rivers",
		NVideos:    2,
		OutputPath: h.output(),
		Transition: 1,
	})
	require.NoError(t, err)

	// slot 0 failed; the surviving clip is rendered again with the fade
	require.Len(t, h.processor.timelines, 1)
	clips := h.processor.timelines[0].Clips
	require.Len(t, clips, 1)
	assert.Contains(t, filepath.Base(clips[0].Path), "fx_00_")

	assert.Equal(t, 2, h.processor.fadeCalls)
	last := h.processor.effects[len(h.processor.effects)-1]
	assert.Equal(t, 1.0, last.spec.FadeIn)
}

// recordingLedger keeps every registered combination in order.
type recordingLedger struct {
	*ledger.MemoryLedger
	mu         sync.Mutex
	registered [][]string
}

func (l *recordingLedger) Register(ctx context.Context, ids []string) error {
	l.mu.Lock()
	l.registered = append(l.registered, append([]string(nil), ids...))
	l.mu.Unlock()
	return l.MemoryLedger.Register(ctx, ids)
}

func TestMontage_RepeatRunsPickFreshClips(t *testing.T) {
	h := newHarness(t)
	rec := &recordingLedger{MemoryLedger: h.ledger}
	h.deps.Selector = selector.New(rec, selector.WithSeed(3))
	h.search.On("Search", mock.Anything, mock.Anything).Return(stockCandidates(8, 10), nil)

	for range 2 {
		err := NewMontageCompositor(h.deps).Composite(context.Background(), MontageRequest{
			Term:       "mountains",
			NVideos:    3,
			OutputPath: h.output(),
		})
		require.NoError(t, err)
	}

	require.Len(t, rec.registered, 2)
	assert.Len(t, rec.registered[0], 3)
	assert.Len(t, rec.registered[1], 3)
	assert.NotEqual(t, ledger.Key(rec.registered[0]), ledger.Key(rec.registered[1]))
}

func TestMontageTarget(t *testing.T) {
	candidates := []pexels.Candidate{{Duration: 30}, {Duration: 5}, {Duration: 12}, {Duration: 8}}

	// the two longest plus the shortest; no pair of clips reaches it
	assert.Equal(t, 30.0+12+5, montageTarget(candidates, 3))
	assert.Equal(t, 5.0, montageTarget(candidates, 1))
	assert.Equal(t, 30.0+12+8+5, montageTarget(candidates, 10))
	assert.Zero(t, montageTarget(nil, 3))
}

func TestWithReplacements(t *testing.T) {
	candidates := stockCandidates(4, 10)
	sel := selector.Result{AssetIDs: []string{"3", "1"}, URLs: []string{"u3", "u1"}, Durations: []float64{10, 10}, Fresh: true}

	out := withReplacements(sel, candidates)
	assert.Equal(t, []string{"3", "1", "2", "4"}, out.AssetIDs)
	assert.Equal(t, "u3", out.URLs[0])
	assert.Equal(t, candidates[1].URL, out.URLs[2])
	assert.True(t, out.Fresh)
	assert.Len(t, sel.AssetIDs, 2)
}

func TestMontage_Defaults(t *testing.T) {
	req := MontageRequest{MaxDuration: 2, MinDuration: 4, Transition: -1}.withDefaults()

	assert.Equal(t, 1, req.NVideos)
	assert.Equal(t, DefaultMontageSize, req.Size)
	assert.Equal(t, 4, req.MaxDuration)
	assert.Zero(t, req.Transition)
	assert.Equal(t, DefaultMontageFPS, req.FPS)
}

func TestAssetFilename(t *testing.T) {
	assert.Equal(t, "chroma_bg_city_traffic_42.mp4", assetFilename("chroma_bg", "city  traffic", "42"))
	assert.Equal(t, "montage_ocean_7.mp4", assetFilename("montage", "ocean", "7"))
}

func TestIsRecoverable(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"fetch", fmt.Errorf("asset 1: %w", ErrAssetFetch), true},
		{"processing", fmt.Errorf("%w: asset 1", ErrClipProcessing), true},
		{"upstream", fmt.Errorf("%w: status 503", ErrUpstreamSearch), true},
		{"encode", ErrEncode, false},
		{"stage", stageErr(StageFetchAndProcessClips, ErrAssetFetch), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsRecoverable(tt.err))
		})
	}
}
