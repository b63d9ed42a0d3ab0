package compose

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/maauso/stockreel-api/internal/media"
	"github.com/maauso/stockreel-api/internal/pexels"
)

// Background search bounds for chroma-key runs.
const (
	chromaMinClipSeconds = 5
	chromaMaxClipSeconds = 60
	chromaMaxClips       = 10
)

// ChromaRequest describes one chroma-key run.
type ChromaRequest struct {
	ForegroundPath string
	Term           string
	OutputPath     string
	ChromaColor    string  // #RRGGBB
	Threshold      int     // per-channel tolerance
	Transition     float64 // crossfade seconds between background clips
	Effect         string  // fade, contrast or none

	// OnStage, when set, is called as each stage starts.
	OnStage func(Stage) `json:"-"`
}

func (r ChromaRequest) withDefaults() ChromaRequest {
	if r.ChromaColor == "" {
		r.ChromaColor = media.DefaultKeyColor
	}
	if r.Threshold == 0 {
		r.Threshold = media.DefaultThreshold
	}
	if r.Transition < 0 {
		r.Transition = 0
	}
	return r
}

// ChromaCompositor replaces a foreground's key color with stock footage.
type ChromaCompositor struct {
	p pipeline
}

// NewChromaCompositor creates a ChromaCompositor.
func NewChromaCompositor(d Deps) *ChromaCompositor {
	return &ChromaCompositor{p: newPipeline(d)}
}

// Composite runs LoadForeground, SelectBackground,
// FetchAndProcessBackgroundClips, ConcatenateBackground, BuildMask,
// ApplyMask, Composite, Encode and Cleanup. Cleanup runs on every exit path.
// Individual background clips that fail are skipped; any other failure ends
// the run with a *StageError. Cancellation is observed between stages.
func (c *ChromaCompositor) Composite(ctx context.Context, req ChromaRequest) (err error) {
	req = req.withDefaults()
	p := &c.p
	logger := p.logger.With(slog.String("mode", "chroma_key"), slog.String("term", req.Term))
	start := time.Now()

	r, err := p.startRun("chroma")
	if err != nil {
		return stageErr(StageLoadForeground, fmt.Errorf("%w: %w", ErrComposition, err))
	}
	defer func() {
		report(req.OnStage, StageCleanup)
		r.cleanup()
		if err != nil {
			logger.Error("chroma key failed", slog.String("error", err.Error()))
			return
		}
		logger.Info("chroma key finished",
			slog.String("output", req.OutputPath),
			slog.Duration("took", time.Since(start)),
		)
	}()

	// LoadForeground
	if err := checkpoint(ctx, req.OnStage, StageLoadForeground); err != nil {
		return err
	}
	fg, err := p.Processor.Probe(ctx, req.ForegroundPath)
	if err != nil {
		return stageErr(StageLoadForeground, fmt.Errorf("%w: load foreground: %w", ErrComposition, err))
	}
	if fg.Duration <= 0 || !fg.Size.Valid() {
		return stageErr(StageLoadForeground, fmt.Errorf("%w: foreground has no usable video", ErrComposition))
	}
	effect := media.ParseEffect(req.Effect)
	logger.Info("foreground loaded",
		slog.Float64("duration", fg.Duration),
		slog.String("size", fg.Size.String()),
		slog.Float64("fps", fg.FPS),
		slog.String("effect", string(effect)),
	)

	// SelectBackground
	if err := checkpoint(ctx, req.OnStage, StageSelectBackground); err != nil {
		return err
	}
	target := fg.Duration
	if effect == media.EffectFade {
		target += 2 * req.Transition
	}
	candidates := p.search(ctx, pexels.SearchParams{
		Query:       req.Term,
		MinDuration: chromaMinClipSeconds,
		MaxDuration: chromaMaxClipSeconds,
		MaxVideos:   chromaMaxClips,
	})
	sel := p.Selector.Select(ctx, candidates, target, chromaMaxClips)
	if sel.Empty() {
		return stageErr(StageSelectBackground, fmt.Errorf("%w: term %q", ErrNoSuitableCandidates, req.Term))
	}
	logger.Info("background selected",
		slog.Int("clips", sel.Len()),
		slog.Float64("total", sel.Total()),
		slog.Float64("target", target),
		slog.Bool("fresh", sel.Fresh),
	)

	// FetchAndProcessBackgroundClips
	if err := checkpoint(ctx, req.OnStage, StageFetchAndProcessClips); err != nil {
		return err
	}
	sources, err := p.loadSources(ctx, r, sel, sel.Len(), "chroma_bg", req.Term)
	if err != nil {
		return stageErr(StageFetchAndProcessClips, err)
	}
	specFor := func(slot int) media.EffectSpec {
		spec := media.SpecFor(effect, slot, media.Size{H: fg.Size.H}, media.ScaleMatchHeight, req.Transition)
		spec.FPS = fg.FPS
		return spec
	}
	clips, err := p.applyEffects(ctx, r, sources, specFor)
	if err != nil {
		return stageErr(StageFetchAndProcessClips, err)
	}
	if len(clips) == 0 {
		return stageErr(StageFetchAndProcessClips, noClipsErr(r, sel.Len()))
	}

	// ConcatenateBackground
	if err := checkpoint(ctx, req.OnStage, StageConcatenateBackground); err != nil {
		return err
	}
	bg, err := p.Processor.Concatenate(ctx, media.Timeline{Clips: clips, Transition: req.Transition},
		filepath.Join(r.scratch, "background.mp4"),
		media.ConcatOptions{Length: fg.Duration, Encode: media.EncodeParams{FPS: fg.FPS}},
	)
	if err != nil {
		if ctx.Err() != nil {
			return stageErr(StageConcatenateBackground, ctx.Err())
		}
		return stageErr(StageConcatenateBackground, fmt.Errorf("%w: %w", ErrComposition, err))
	}

	// BuildMask
	if err := checkpoint(ctx, req.OnStage, StageBuildMask); err != nil {
		return err
	}
	key, err := media.NewChromaKey(req.ChromaColor, req.Threshold)
	if err != nil {
		return stageErr(StageBuildMask, fmt.Errorf("%w: %w", ErrComposition, err))
	}

	// ApplyMask, Composite and Encode run as a single encoder pass.
	for _, stage := range []Stage{StageApplyMask, StageComposite} {
		if err := checkpoint(ctx, req.OnStage, stage); err != nil {
			return err
		}
	}
	if err := checkpoint(ctx, req.OnStage, StageEncode); err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(req.OutputPath), 0o750); err != nil {
		return stageErr(StageEncode, fmt.Errorf("%w: create output dir: %w", ErrEncode, err))
	}
	enc := p.ChromaEncode.Merge(media.ChromaEncodeParams(fg.FPS))
	if err := p.Processor.Composite(ctx, fg, bg, key, req.OutputPath, enc); err != nil {
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

// checkpoint reports stage and stops the run if ctx is done.
func checkpoint(ctx context.Context, onStage func(Stage), stage Stage) error {
	if err := ctx.Err(); err != nil {
		return stageErr(stage, err)
	}
	report(onStage, stage)
	return nil
}

// noClipsErr builds the error for a run where every clip was skipped.
func noClipsErr(r *run, tried int) error {
	if last := r.lastSkip(); last != nil {
		return fmt.Errorf("all %d clips failed, last: %w", tried, last)
	}
	return fmt.Errorf("%w: no usable clips", ErrNoSuitableCandidates)
}
