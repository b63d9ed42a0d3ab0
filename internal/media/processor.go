// Package media wraps the external encoder: probing clips, per-clip effects,
// timeline joins and the chroma-key composite. Pixel rules that must match
// the encoder graph (the chroma mask) are also implemented in Go for previews
// and tests.
package media

import (
	"context"
	"image"
)

// Processor defines the video operations the compositors depend on.
// Implementations should use ffmpeg or similar tools for media manipulation.
type Processor interface {
	// Probe reads duration, frame size, frame rate and audio presence.
	Probe(ctx context.Context, path string) (Clip, error)

	// ApplyEffects renders clip through spec into dst and returns the new clip.
	// Audio is dropped.
	ApplyEffects(ctx context.Context, clip Clip, spec EffectSpec, dst string) (Clip, error)

	// Concatenate joins the timeline into dst with crossfades, optionally
	// pinned to opts.Length.
	Concatenate(ctx context.Context, tl Timeline, dst string, opts ConcatOptions) (Clip, error)

	// Composite keys fg with key, overlays it centered on bg and encodes dst.
	// The output lasts exactly fg.Duration and carries fg's audio.
	Composite(ctx context.Context, fg, bg Clip, key ChromaKey, dst string, enc EncodeParams) error

	// ExtractFrame decodes the frame at the given time in seconds.
	ExtractFrame(ctx context.Context, path string, at float64) (image.Image, error)
}
