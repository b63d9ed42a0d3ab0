package media

import (
	"fmt"
	"strings"
)

// Effect is a per-clip transform variant.
type Effect string

// Supported effects.
const (
	EffectNone     Effect = "none"
	EffectFade     Effect = "fade"
	EffectContrast Effect = "contrast"
)

// ParseEffect maps a user-supplied name to an Effect. Unknown or empty names
// are EffectNone.
func ParseEffect(name string) Effect {
	switch Effect(strings.ToLower(strings.TrimSpace(name))) {
	case EffectFade:
		return EffectFade
	case EffectContrast:
		return EffectContrast
	default:
		return EffectNone
	}
}

// ScaleMode selects how a clip is fitted to its target size.
type ScaleMode int

const (
	// ScaleExact stretches to exactly the target box.
	ScaleExact ScaleMode = iota
	// ScaleMatchHeight scales to the target height, keeping the aspect ratio.
	ScaleMatchHeight
)

// Default color factors.
const (
	ContrastFactor        = 1.2
	ColorCorrectionFactor = 1.1
)

// EffectSpec describes the transforms applied to one clip.
type EffectSpec struct {
	Target Size
	Scale  ScaleMode
	// Factor multiplies every color channel when not 0 or 1.
	Factor float64
	// FadeIn is the fade-in length in seconds; 0 disables it.
	FadeIn float64
	// FPS resamples the clip when positive.
	FPS float64
}

// SpecFor returns the EffectSpec for clip index i of a sequence. Fades apply
// to the first clip only; crossfades between later clips come from the
// timeline overlap.
func SpecFor(e Effect, i int, target Size, mode ScaleMode, transition float64) EffectSpec {
	spec := EffectSpec{Target: target, Scale: mode}
	switch e {
	case EffectFade:
		if i == 0 {
			spec.FadeIn = transition
		}
	case EffectContrast:
		spec.Factor = ContrastFactor
	}
	return spec
}

// outputSize returns the frame size a clip of size in has after scaling.
// ScaleMatchHeight needs only a target height; ScaleExact needs both sides.
func (s EffectSpec) outputSize(in Size) Size {
	switch s.Scale {
	case ScaleMatchHeight:
		if s.Target.H <= 0 {
			return in
		}
		if !in.Valid() {
			return s.Target
		}
		w := int(float64(in.W)*float64(s.Target.H)/float64(in.H) + 0.5)
		return Size{W: even(w), H: even(s.Target.H)}
	default:
		if !s.Target.Valid() {
			return in
		}
		return Size{W: even(s.Target.W), H: even(s.Target.H)}
	}
}

// Filter returns the ffmpeg -vf chain that renders clip with s.
func (s EffectSpec) Filter(clip Clip) string {
	var parts []string

	out := s.outputSize(clip.Size)
	if out != clip.Size {
		if s.Scale == ScaleMatchHeight {
			parts = append(parts, fmt.Sprintf("scale=-2:%d", out.H))
		} else {
			parts = append(parts, fmt.Sprintf("scale=%d:%d", out.W, out.H))
		}
	}
	parts = append(parts, "setsar=1")

	if s.FPS > 0 {
		parts = append(parts, "fps="+formatFloat(s.FPS))
	}
	if s.Factor > 0 && s.Factor != 1 {
		f := formatFloat(s.Factor)
		parts = append(parts, fmt.Sprintf("colorchannelmixer=rr=%s:gg=%s:bb=%s", f, f, f))
	}
	if s.FadeIn > 0 {
		d := s.FadeIn
		if clip.Duration > 0 && d > clip.Duration {
			d = clip.Duration
		}
		parts = append(parts, "fade=t=in:st=0:d="+formatFloat(d))
	}
	parts = append(parts, "format=yuv420p")
	return strings.Join(parts, ",")
}
