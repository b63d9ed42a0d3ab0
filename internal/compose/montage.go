package compose

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/samber/lo"

	"github.com/maauso/stockreel-api/internal/media"
	"github.com/maauso/stockreel-api/internal/pexels"
	"github.com/maauso/stockreel-api/internal/selector"
)

// Montage defaults.
const (
	DefaultMontageClips       = 5
	DefaultMontageMinDuration = 5
	DefaultMontageMaxDuration = 30
	DefaultMontageTransition  = 1.5
	DefaultMontageFPS         = 24
)

// DefaultMontageSize is the montage frame when none is requested.
var DefaultMontageSize = media.Size{W: 1920, H: 1080}

// MontageRequest describes one montage run.
type MontageRequest struct {
	Term            string
	NVideos         int
	OutputPath      string
	Size            media.Size
	MinDuration     int     // seconds, per clip
	MaxDuration     int     // seconds, per clip
	Transition      float64 // crossfade seconds
	FPS             int
	ColorCorrection bool

	// OnStage, when set, is called as each stage starts.
	OnStage func(Stage) `json:"-"`
}

func (r MontageRequest) withDefaults() MontageRequest {
	if r.NVideos < 1 {
		r.NVideos = 1
	}
	if !r.Size.Valid() {
		r.Size = DefaultMontageSize
	}
	if r.MinDuration <= 0 {
		r.MinDuration = DefaultMontageMinDuration
	}
	if r.MaxDuration <= 0 {
		r.MaxDuration = DefaultMontageMaxDuration
	}
	if r.MaxDuration < r.MinDuration {
		r.MaxDuration = r.MinDuration
	}
	if r.Transition < 0 {
		r.Transition = 0
	}
	if r.FPS <= 0 {
		r.FPS = DefaultMontageFPS
	}
	return r
}

// MontageCompositor joins stock clips into a single crossfaded video.
type MontageCompositor struct {
	p pipeline
}

// NewMontageCompositor creates a MontageCompositor.
func NewMontageCompositor(d Deps) *MontageCompositor {
	return &MontageCompositor{p: newPipeline(d)}
}

// Composite selects a pool of twice the requested clip count, keeps the first
// NVideos that fetch and process cleanly, and encodes them with crossfades.
// Fewer clips are used, with a warning, when the pool runs short; the run
// fails only when none survive.
func (m *MontageCompositor) Composite(ctx context.Context, req MontageRequest) (err error) {
	req = req.withDefaults()
	p := &m.p
	logger := p.logger.With(slog.String("mode", "montage"), slog.String("term", req.Term))
	start := time.Now()

	r, err := p.startRun("montage")
	if err != nil {
		return stageErr(StageSelectClips, fmt.Errorf("%w: %w", ErrComposition, err))
	}
	defer func() {
		report(req.OnStage, StageCleanup)
		r.cleanup()
		if err != nil {
			logger.Error("montage failed", slog.String("error", err.Error()))
			return
		}
		logger.Info("montage finished",
			slog.String("output", req.OutputPath),
			slog.Duration("took", time.Since(start)),
		)
	}()

	// SelectClips
	if err := checkpoint(ctx, req.OnStage, StageSelectClips); err != nil {
		return err
	}
	poolSize := req.NVideos * 2
	candidates := p.search(ctx, pexels.SearchParams{
		Query:       req.Term,
		MinDuration: req.MinDuration,
		MaxDuration: req.MaxDuration,
		MaxVideos:   poolSize,
	})
	target := montageTarget(candidates, req.NVideos)
	sel := p.Selector.Select(ctx, candidates, target, poolSize)
	if sel.Empty() {
		return stageErr(StageSelectClips, fmt.Errorf("%w: term %q", ErrNoSuitableCandidates, req.Term))
	}
	logger.Info("montage clips selected",
		slog.Int("selected", sel.Len()),
		slog.Int("wanted", req.NVideos),
		slog.Float64("target", target),
		slog.Bool("fresh", sel.Fresh),
	)
	sel = withReplacements(sel, candidates)

	// FetchAndProcessClips
	if err := checkpoint(ctx, req.OnStage, StageFetchAndProcessMedia); err != nil {
		return err
	}
	sources, err := p.loadSources(ctx, r, sel, req.NVideos, "montage", req.Term)
	if err != nil {
		return stageErr(StageFetchAndProcessMedia, err)
	}
	specFor := func(slot int) media.EffectSpec {
		spec := media.EffectSpec{Target: req.Size, Scale: media.ScaleExact, FPS: float64(req.FPS)}
		if req.ColorCorrection {
			spec.Factor = media.ColorCorrectionFactor
		}
		if slot == 0 {
			spec.FadeIn = req.Transition
		}
		return spec
	}
	clips, err := p.applyEffects(ctx, r, sources, specFor)
	if err != nil {
		return stageErr(StageFetchAndProcessMedia, err)
	}
	if len(clips) == 0 {
		return stageErr(StageFetchAndProcessMedia, noClipsErr(r, sel.Len()))
	}
	if len(clips) < req.NVideos {
		logger.Warn("montage has fewer clips than requested",
			slog.Int("clips", len(clips)),
			slog.Int("wanted", req.NVideos),
		)
	}

	// Concatenate and Encode run as a single encoder pass.
	if err := checkpoint(ctx, req.OnStage, StageConcatenate); err != nil {
		return err
	}
	if err := checkpoint(ctx, req.OnStage, StageEncode); err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(req.OutputPath), 0o750); err != nil {
		return stageErr(StageEncode, fmt.Errorf("%w: create output dir: %w", ErrEncode, err))
	}
	enc := p.MontageEncode.Merge(media.MontageEncodeParams(float64(req.FPS)))
	enc.FPS = float64(req.FPS)
	_, err = p.Processor.Concatenate(ctx, media.Timeline{Clips: clips, Transition: req.Transition},
		req.OutputPath, media.ConcatOptions{Encode: enc})
	if err != nil {
		_ = os.Remove(req.OutputPath)
		if ctx.Err() != nil {
			return stageErr(StageEncode, ctx.Err())
		}
		return stageErr(StageEncode, fmt.Errorf("%w: %w", ErrEncode, err))
	}
	if err := ensureOutput(req.OutputPath); err != nil {
		return stageErr(StageEncode, err)
	}
	return nil
}

// montageTarget returns the duration the selector must cover for a montage of
// n clips. Fewer than n of the candidates can never reach it, and the n
// longest always do.
func montageTarget(candidates []pexels.Candidate, n int) float64 {
	if len(candidates) == 0 || n < 1 {
		return 0
	}
	durations := lo.Map(candidates, func(c pexels.Candidate, _ int) float64 { return c.Duration })
	sort.Sort(sort.Reverse(sort.Float64Slice(durations)))
	n = min(n, len(durations))
	return lo.Sum(durations[:n-1]) + durations[len(durations)-1]
}

// withReplacements appends the candidates sel did not pick, in search order,
// so failed downloads can be replaced. Only sel itself is in the ledger.
func withReplacements(sel selector.Result, candidates []pexels.Candidate) selector.Result {
	picked := lo.SliceToMap(sel.AssetIDs, func(id string) (string, struct{}) { return id, struct{}{} })
	out := selector.Result{
		AssetIDs:  append([]string(nil), sel.AssetIDs...),
		URLs:      append([]string(nil), sel.URLs...),
		Durations: append([]float64(nil), sel.Durations...),
		Fresh:     sel.Fresh,
	}
	for _, c := range candidates {
		if _, ok := picked[c.ID]; ok {
			continue
		}
		out.AssetIDs = append(out.AssetIDs, c.ID)
		out.URLs = append(out.URLs, c.URL)
		out.Durations = append(out.Durations, c.Duration)
	}
	return out
}
