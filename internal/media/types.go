package media

import (
	"fmt"
	"runtime"
	"strconv"
)

// Size is a frame size in pixels.
type Size struct {
	W int `json:"width" yaml:"width"`
	H int `json:"height" yaml:"height"`
}

// Valid reports whether both dimensions are positive.
func (s Size) Valid() bool { return s.W > 0 && s.H > 0 }

func (s Size) String() string { return fmt.Sprintf("%dx%d", s.W, s.H) }

// Clip is a local video file tagged with its probed properties. It is looked
// up by path and never mutated; effects produce a new Clip.
type Clip struct {
	Path     string
	Duration float64 // seconds
	Size     Size
	FPS      float64
	HasAudio bool
}

// EncodeParams is the fixed parameter contract handed to the encoder.
type EncodeParams struct {
	FPS        float64 `yaml:"fps"`
	VideoCodec string  `yaml:"video_codec"`
	AudioCodec string  `yaml:"audio_codec"`
	Preset     string  `yaml:"preset"`
	Bitrate    string  `yaml:"bitrate"`
	Threads    int     `yaml:"threads"`
}

// ChromaEncodeParams returns the output profile for chroma-key renders. The
// frame rate follows the foreground.
func ChromaEncodeParams(fps float64) EncodeParams {
	return EncodeParams{
		FPS:        fps,
		VideoCodec: "libx264",
		AudioCodec: "aac",
		Preset:     "medium",
		Bitrate:    "8000k",
		Threads:    runtime.NumCPU(),
	}
}

// MontageEncodeParams returns the output profile for montages.
func MontageEncodeParams(fps float64) EncodeParams {
	if fps <= 0 {
		fps = 24
	}
	return EncodeParams{
		FPS:        fps,
		VideoCodec: "libx264",
		AudioCodec: "aac",
		Preset:     "slow",
		Bitrate:    "15000k",
		Threads:    runtime.NumCPU(),
	}
}

// Merge returns p with zero fields filled from def.
func (p EncodeParams) Merge(def EncodeParams) EncodeParams {
	if p.FPS <= 0 {
		p.FPS = def.FPS
	}
	if p.VideoCodec == "" {
		p.VideoCodec = def.VideoCodec
	}
	if p.AudioCodec == "" {
		p.AudioCodec = def.AudioCodec
	}
	if p.Preset == "" {
		p.Preset = def.Preset
	}
	if p.Bitrate == "" {
		p.Bitrate = def.Bitrate
	}
	if p.Threads <= 0 {
		p.Threads = def.Threads
	}
	return p
}

// args returns the output-side ffmpeg arguments. Audio is dropped unless
// withAudio is set.
func (p EncodeParams) args(withAudio bool) []string {
	args := []string{}
	if p.FPS > 0 {
		args = append(args, "-r", formatFloat(p.FPS))
	}
	if p.VideoCodec != "" {
		args = append(args, "-c:v", p.VideoCodec)
	}
	if p.Preset != "" {
		args = append(args, "-preset", p.Preset)
	}
	if p.Bitrate != "" {
		args = append(args, "-b:v", p.Bitrate)
	}
	if p.Threads > 0 {
		args = append(args, "-threads", strconv.Itoa(p.Threads))
	}
	args = append(args, "-pix_fmt", "yuv420p")
	if withAudio && p.AudioCodec != "" {
		args = append(args, "-c:a", p.AudioCodec)
	} else {
		args = append(args, "-an")
	}
	return append(args, "-movflags", "+faststart")
}

// formatFloat renders seconds and rates for ffmpeg without exponent notation.
func formatFloat(f float64) string {
	return strconv.FormatFloat(f, 'f', -1, 64)
}

// even rounds n down to an even number, as yuv420p requires.
func even(n int) int {
	return n &^ 1
}
