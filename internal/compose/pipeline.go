// Package compose assembles finished videos from stock footage: a chroma-key
// mode that replaces a foreground's key color with fetched background clips,
// and a montage mode that joins fetched clips with crossfades.
package compose

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/maauso/stockreel-api/internal/media"
	"github.com/maauso/stockreel-api/internal/pexels"
	"github.com/maauso/stockreel-api/internal/selector"
)

// Fetcher downloads assets to local files. A fetched path stays on disk until
// it is released, even when another run releases the same asset.
type Fetcher interface {
	Fetch(ctx context.Context, url, filename string) (string, error)
	Release(path string, remove bool) error
	Remove(path string) error
}

// Deps are the collaborators shared by both compositors.
type Deps struct {
	Search    pexels.Client
	Selector  *selector.Selector
	Fetcher   Fetcher
	Processor media.Processor

	// WorkDir holds per-run scratch directories. Defaults to os.TempDir().
	WorkDir string
	// MaxConcurrentClips bounds per-clip fetch and processing. Defaults to 3.
	MaxConcurrentClips int
	// KeepDownloads leaves fetched assets in the download directory after a
	// run instead of deleting them.
	KeepDownloads bool

	// ChromaEncode and MontageEncode override fields of the default output
	// profiles.
	ChromaEncode  media.EncodeParams
	MontageEncode media.EncodeParams

	Logger *slog.Logger
}

// pipeline carries the shared per-clip machinery.
type pipeline struct {
	Deps
	logger *slog.Logger
}

func newPipeline(d Deps) pipeline {
	if d.MaxConcurrentClips <= 0 {
		d.MaxConcurrentClips = 3
	}
	if d.WorkDir == "" {
		d.WorkDir = os.TempDir()
	}
	logger := d.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return pipeline{Deps: d, logger: logger}
}

// run tracks the resources of one pipeline run so they can be released on
// every exit path.
type run struct {
	p       *pipeline
	scratch string

	mu        sync.Mutex
	downloads []string
	skipped   []error
}

func (p *pipeline) startRun(prefix string) (*run, error) {
	if err := os.MkdirAll(p.WorkDir, 0o750); err != nil {
		return nil, fmt.Errorf("create work dir: %w", err)
	}
	scratch, err := os.MkdirTemp(p.WorkDir, prefix+"-*")
	if err != nil {
		return nil, fmt.Errorf("create scratch dir: %w", err)
	}
	return &run{p: p, scratch: scratch}, nil
}

func (r *run) trackDownload(path string) {
	r.mu.Lock()
	r.downloads = append(r.downloads, path)
	r.mu.Unlock()
}

// skip records a per-clip failure that the run continues past.
func (r *run) skip(err error) {
	r.p.logger.Warn("skipping clip", slog.String("error", err.Error()))
	r.mu.Lock()
	r.skipped = append(r.skipped, err)
	r.mu.Unlock()
}

// lastSkip returns the most recent per-clip failure, if any.
func (r *run) lastSkip() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.skipped) == 0 {
		return nil
	}
	return r.skipped[len(r.skipped)-1]
}

// cleanup removes the scratch directory and releases every download. Unless
// downloads are kept, the last run holding an asset deletes it.
func (r *run) cleanup() {
	if err := os.RemoveAll(r.scratch); err != nil {
		r.p.logger.Warn("remove scratch dir", slog.String("path", r.scratch), slog.String("error", err.Error()))
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, path := range r.downloads {
		if err := r.p.Fetcher.Release(path, !r.p.KeepDownloads); err != nil {
			r.p.logger.Warn("remove download", slog.String("path", path), slog.String("error", err.Error()))
		}
	}
}

// search queries the index. Upstream failures are logged and reported as an
// empty pool.
func (p *pipeline) search(ctx context.Context, params pexels.SearchParams) []pexels.Candidate {
	candidates, err := p.Search.Search(ctx, params)
	if err != nil {
		p.logger.Warn("stock search failed, treating as no candidates",
			slog.String("query", params.Query),
			slog.String("error", err.Error()),
		)
		return nil
	}
	return candidates
}

// source is a selected asset on its way to becoming a timeline clip.
type source struct {
	id   string
	url  string
	path string
	clip media.Clip
}

// assetFilename names the download of asset id for term.
func assetFilename(prefix, term, id string) string {
	term = strings.Join(strings.Fields(term), "_")
	return fmt.Sprintf("%s_%s_%s.mp4", prefix, term, id)
}

// loadSources fetches and probes selected assets until want of them are
// usable, drawing replacements from the rest of sel as earlier ones fail.
// Each round runs in parallel up to MaxConcurrentClips and waits for all of
// its clips. The returned sources keep selection order.
func (p *pipeline) loadSources(ctx context.Context, r *run, sel selector.Result, want int, prefix, term string) ([]source, error) {
	var sources []source
	next := 0
	for len(sources) < want && next < sel.Len() {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		end := min(sel.Len(), next+want-len(sources))
		type result struct {
			src source
			err error
		}
		results := make([]result, end-next)

		var g errgroup.Group
		g.SetLimit(p.MaxConcurrentClips)
		for i := next; i < end; i++ {
			g.Go(func() error {
				src, err := p.loadOne(ctx, r, sel.AssetIDs[i], sel.URLs[i], prefix, term)
				results[i-next] = result{src: src, err: err}
				return nil
			})
		}
		_ = g.Wait()
		next = end

		if err := ctx.Err(); err != nil {
			return nil, err
		}
		for _, res := range results {
			if res.err != nil {
				r.skip(res.err)
				continue
			}
			sources = append(sources, res.src)
		}
	}
	return sources, nil
}

func (p *pipeline) loadOne(ctx context.Context, r *run, id, url, prefix, term string) (source, error) {
	path, err := p.Fetcher.Fetch(ctx, url, assetFilename(prefix, term, id))
	if err != nil {
		if errors.Is(err, ErrAssetFetch) {
			return source{}, fmt.Errorf("asset %s: %w", id, err)
		}
		return source{}, fmt.Errorf("%w: asset %s: %w", ErrAssetFetch, id, err)
	}
	r.trackDownload(path)

	clip, err := p.Processor.Probe(ctx, path)
	if err != nil {
		p.discard(path)
		return source{}, fmt.Errorf("%w: probe asset %s: %w", ErrClipProcessing, id, err)
	}
	if clip.Duration <= 0 || !clip.Size.Valid() {
		p.discard(path)
		return source{}, fmt.Errorf("%w: asset %s has no usable video", ErrClipProcessing, id)
	}
	return source{id: id, url: url, path: path, clip: clip}, nil
}

// discard deletes a corrupt download so the next fetch starts clean.
func (p *pipeline) discard(path string) {
	if err := p.Fetcher.Remove(path); err != nil {
		p.logger.Warn("remove corrupt download", slog.String("path", path), slog.String("error", err.Error()))
	}
}

// applyEffects renders every source through the spec for its slot in the
// final sequence. Clips that fail are dropped. When the first clip is dropped
// and slot 0 has its own spec (a fade-in), the new first clip is rendered
// again with it.
func (p *pipeline) applyEffects(ctx context.Context, r *run, sources []source, specFor func(slot int) media.EffectSpec) ([]media.Clip, error) {
	type rendered struct {
		slot int
		clip media.Clip
		err  error
	}
	results := make([]rendered, len(sources))

	var g errgroup.Group
	g.SetLimit(p.MaxConcurrentClips)
	for i, src := range sources {
		g.Go(func() error {
			clip, err := p.render(ctx, r, src, i, specFor(i))
			results[i] = rendered{slot: i, clip: clip, err: err}
			return nil
		})
	}
	_ = g.Wait()
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	ok := make([]rendered, 0, len(results))
	for _, res := range results {
		if res.err != nil {
			r.skip(res.err)
			continue
		}
		ok = append(ok, res)
	}

	for len(ok) > 0 && ok[0].slot != 0 && specFor(0) != specFor(ok[0].slot) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		first := ok[0]
		clip, err := p.render(ctx, r, sources[first.slot], 0, specFor(0))
		if err != nil {
			r.skip(err)
			ok = ok[1:]
			continue
		}
		ok[0].clip = clip
		ok[0].slot = 0
	}

	clips := make([]media.Clip, len(ok))
	for i, res := range ok {
		clips[i] = res.clip
	}
	return clips, nil
}

func (p *pipeline) render(ctx context.Context, r *run, src source, slot int, spec media.EffectSpec) (media.Clip, error) {
	dst := filepath.Join(r.scratch, fmt.Sprintf("fx_%02d_%s.mp4", slot, src.id))
	clip, err := p.Processor.ApplyEffects(ctx, src.clip, spec, dst)
	if err != nil {
		if ctx.Err() == nil {
			p.discard(src.path)
		}
		return media.Clip{}, fmt.Errorf("%w: asset %s: %w", ErrClipProcessing, src.id, err)
	}
	return clip, nil
}

// ensureOutput checks the output is a non-empty file and removes it otherwise.
func ensureOutput(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("%w: no output produced: %w", ErrEncode, err)
	}
	if info.Size() == 0 {
		_ = os.Remove(path)
		return fmt.Errorf("%w: empty output", ErrEncode)
	}
	return nil
}

func report(fn func(Stage), stage Stage) {
	if fn != nil {
		fn(stage)
	}
}
