package media

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"image/png"
	"log/slog"
	"os"
	"os/exec"
	"time"
)

// Static errors for media operations.
var (
	// ErrInvalidDimensions is returned when the provided dimensions are not positive.
	ErrInvalidDimensions = errors.New("invalid dimensions: width and height must be positive")
	// ErrNoClips is returned when a timeline has no clips.
	ErrNoClips = errors.New("no clips provided")
	// ErrInvalidDuration is returned when duration is not positive.
	ErrInvalidDuration = errors.New("invalid duration: must be positive")
	// ErrFFprobeExecution is returned when ffprobe command fails.
	ErrFFprobeExecution = errors.New("ffprobe execution failed")
)

// Compile-time check that FFmpegProcessor implements Processor.
var _ Processor = (*FFmpegProcessor)(nil)

// FFmpegProcessor implements Processor using the ffmpeg CLI.
type FFmpegProcessor struct {
	// ffmpegPath is the path to the ffmpeg binary. Defaults to "ffmpeg".
	ffmpegPath string
	// ffprobePath is the path to the ffprobe binary. Defaults to "ffprobe".
	ffprobePath string
	// intermediate is used for per-clip renders that are joined later.
	intermediate EncodeParams
	logger       *slog.Logger
}

// ProcessorOption configures an FFmpegProcessor.
type ProcessorOption func(*FFmpegProcessor)

// WithFFprobePath sets the ffprobe binary.
func WithFFprobePath(path string) ProcessorOption {
	return func(p *FFmpegProcessor) {
		if path != "" {
			p.ffprobePath = path
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) ProcessorOption {
	return func(p *FFmpegProcessor) {
		if l != nil {
			p.logger = l
		}
	}
}

// NewFFmpegProcessor creates a new FFmpegProcessor.
// If ffmpegPath is empty, it defaults to "ffmpeg" (found via PATH).
func NewFFmpegProcessor(ffmpegPath string, opts ...ProcessorOption) *FFmpegProcessor {
	if ffmpegPath == "" {
		ffmpegPath = "ffmpeg"
	}
	p := &FFmpegProcessor{
		ffmpegPath:  ffmpegPath,
		ffprobePath: "ffprobe",
		intermediate: EncodeParams{
			VideoCodec: "libx264",
			Preset:     "ultrafast",
		},
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Probe reads clip properties from the mp4 header, falling back to ffprobe
// for layouts the header reader does not handle.
func (p *FFmpegProcessor) Probe(ctx context.Context, path string) (Clip, error) {
	clip, err := probeMP4(path)
	if err == nil {
		return clip, nil
	}
	p.logger.Debug("mp4 header probe failed, using ffprobe",
		slog.String("path", path),
		slog.String("error", err.Error()),
	)
	return p.probeFFprobe(ctx, path)
}

// ApplyEffects renders one clip through its effect chain.
func (p *FFmpegProcessor) ApplyEffects(ctx context.Context, clip Clip, spec EffectSpec, dst string) (Clip, error) {
	if spec.Target.W < 0 || spec.Target.H < 0 {
		return Clip{}, fmt.Errorf("%w: %s", ErrInvalidDimensions, spec.Target)
	}

	args := []string{
		"-y",
		"-i", clip.Path,
		"-vf", spec.Filter(clip),
		"-c:v", p.intermediate.VideoCodec,
		"-preset", p.intermediate.Preset,
		"-crf", "18",
		"-pix_fmt", "yuv420p",
		"-an",
		dst,
	}
	if err := p.runFFmpeg(ctx, args); err != nil {
		_ = os.Remove(dst)
		return Clip{}, err
	}

	out, err := p.Probe(ctx, dst)
	if err != nil {
		_ = os.Remove(dst)
		return Clip{}, fmt.Errorf("probe processed clip: %w", err)
	}
	return out, nil
}

// Concatenate joins the timeline with xfade, or concat when there is no
// transition.
func (p *FFmpegProcessor) Concatenate(ctx context.Context, tl Timeline, dst string, opts ConcatOptions) (Clip, error) {
	if len(tl.Clips) == 0 {
		return Clip{}, ErrNoClips
	}
	if opts.Length < 0 {
		return Clip{}, fmt.Errorf("%w: length %.2f", ErrInvalidDuration, opts.Length)
	}

	args := []string{"-y"}
	for _, c := range tl.Clips {
		args = append(args, "-i", c.Path)
	}
	args = append(args,
		"-filter_complex", tl.filterGraph(opts),
		"-map", "[v]",
	)
	enc := opts.Encode.Merge(p.intermediate)
	args = append(args, enc.args(false)...)
	args = append(args, dst)

	start := time.Now()
	if err := p.runFFmpeg(ctx, args); err != nil {
		_ = os.Remove(dst)
		return Clip{}, err
	}
	p.logger.Debug("timeline rendered",
		slog.String("output", dst),
		slog.Int("clips", len(tl.Clips)),
		slog.Duration("took", time.Since(start)),
	)

	out, err := p.Probe(ctx, dst)
	if err != nil {
		_ = os.Remove(dst)
		return Clip{}, fmt.Errorf("probe joined timeline: %w", err)
	}
	return out, nil
}

// Composite overlays the keyed foreground on the background. The canvas is
// the larger of the two frames; both are centered on it.
func (p *FFmpegProcessor) Composite(ctx context.Context, fg, bg Clip, key ChromaKey, dst string, enc EncodeParams) error {
	if fg.Duration <= 0 {
		return fmt.Errorf("%w: foreground %.2f", ErrInvalidDuration, fg.Duration)
	}
	canvas := Size{
		W: even(max(fg.Size.W, bg.Size.W) + 1),
		H: even(max(fg.Size.H, bg.Size.H) + 1),
	}
	if !canvas.Valid() {
		return fmt.Errorf("%w: canvas %s", ErrInvalidDimensions, canvas)
	}

	graph := fmt.Sprintf(
		"[1:v]pad=%d:%d:(ow-iw)/2:(oh-ih)/2:black,setsar=1[bg];"+
			"[0:v]%s[fg];"+
			"[bg][fg]overlay=(W-w)/2:(H-h)/2:eof_action=pass,format=yuv420p[v]",
		canvas.W, canvas.H, key.FilterExpr(),
	)

	args := []string{
		"-y",
		"-i", fg.Path,
		"-i", bg.Path,
		"-filter_complex", graph,
		"-map", "[v]",
		"-map", "0:a?",
	}
	args = append(args, enc.args(true)...)
	args = append(args, "-t", formatFloat(fg.Duration), dst)

	if err := p.runFFmpeg(ctx, args); err != nil {
		_ = os.Remove(dst)
		return err
	}
	return nil
}

// ExtractFrame decodes a single frame as PNG through a pipe.
func (p *FFmpegProcessor) ExtractFrame(ctx context.Context, path string, at float64) (image.Image, error) {
	if at < 0 {
		at = 0
	}
	args := []string{
		"-ss", formatFloat(at),
		"-i", path,
		"-frames:v", "1",
		"-f", "image2pipe",
		"-vcodec", "png",
		"-",
	}
	out, err := p.runFFmpegOutput(ctx, args)
	if err != nil {
		return nil, err
	}
	img, err := png.Decode(bytes.NewReader(out))
	if err != nil {
		return nil, fmt.Errorf("decode frame: %w", err)
	}
	return img, nil
}

// runFFmpeg executes ffmpeg with the given arguments and returns an error
// containing stderr output if the command fails.
func (p *FFmpegProcessor) runFFmpeg(ctx context.Context, args []string) error {
	_, err := p.runFFmpegOutput(ctx, args)
	return err
}

// runFFmpegOutput is runFFmpeg that also returns stdout.
func (p *FFmpegProcessor) runFFmpegOutput(ctx context.Context, args []string) ([]byte, error) {
	// #nosec G204 - ffmpegPath is set by the application, not user input
	cmd := exec.CommandContext(ctx, p.ffmpegPath, append([]string{"-hide_banner", "-nostdin"}, args...)...)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("ffmpeg cancelled: %w", ctx.Err())
		}
		return nil, &FFmpegError{
			Args:   args,
			Stderr: stderr.String(),
			Err:    err,
		}
	}
	return stdout.Bytes(), nil
}

// FFmpegError represents an error from running ffmpeg, including the stderr output.
type FFmpegError struct {
	Args   []string
	Stderr string
	Err    error
}

func (e *FFmpegError) Error() string {
	return fmt.Sprintf("ffmpeg error: %v\nargs: %v\nstderr: %s", e.Err, e.Args, e.Stderr)
}

func (e *FFmpegError) Unwrap() error {
	return e.Err
}
