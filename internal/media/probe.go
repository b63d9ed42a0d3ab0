package media

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"

	"github.com/Eyevinn/mp4ff/mp4"
	"github.com/tidwall/gjson"
)

// ErrNoVideoTrack is returned when a file holds no video stream.
var ErrNoVideoTrack = errors.New("no video track found")

// probeMP4 reads duration, size and frame rate from the moov box without
// touching the media data. Fragmented files are not handled here.
func probeMP4(path string) (Clip, error) {
	f, err := os.Open(path) // #nosec G304 - path is provided by trusted internal code
	if err != nil {
		return Clip{}, fmt.Errorf("open file: %w", err)
	}
	defer func() { _ = f.Close() }()

	file, err := mp4.DecodeFile(f, mp4.WithDecodeMode(mp4.DecModeLazyMdat))
	if err != nil {
		return Clip{}, fmt.Errorf("decode mp4: %w", err)
	}
	if file.IsFragmented() || file.Moov == nil || file.Moov.Mvhd == nil {
		return Clip{}, fmt.Errorf("unsupported mp4 layout")
	}

	clip := Clip{Path: path}
	if ts := file.Moov.Mvhd.Timescale; ts > 0 {
		clip.Duration = float64(file.Moov.Mvhd.Duration) / float64(ts)
	}

	video := false
	for _, trak := range file.Moov.Traks {
		if trak.Mdia == nil || trak.Mdia.Hdlr == nil {
			continue
		}
		switch trak.Mdia.Hdlr.HandlerType {
		case "soun":
			clip.HasAudio = true
		case "vide":
			if video {
				continue
			}
			video = true
			if trak.Tkhd != nil {
				clip.Size = Size{W: int(trak.Tkhd.Width >> 16), H: int(trak.Tkhd.Height >> 16)}
			}
			clip.FPS = trackFPS(trak)
		}
	}
	if !video {
		return Clip{}, ErrNoVideoTrack
	}
	if !clip.Size.Valid() || clip.Duration <= 0 {
		return Clip{}, fmt.Errorf("incomplete mp4 metadata")
	}
	return clip, nil
}

// trackFPS derives the average frame rate from the sample table.
func trackFPS(trak *mp4.TrakBox) float64 {
	if trak.Mdia.Mdhd == nil || trak.Mdia.Minf == nil || trak.Mdia.Minf.Stbl == nil || trak.Mdia.Minf.Stbl.Stts == nil {
		return 0
	}
	mdhd := trak.Mdia.Mdhd
	if mdhd.Duration == 0 || mdhd.Timescale == 0 {
		return 0
	}
	var samples uint64
	for _, n := range trak.Mdia.Minf.Stbl.Stts.SampleCount {
		samples += uint64(n)
	}
	return float64(samples) * float64(mdhd.Timescale) / float64(mdhd.Duration)
}

// probeFFprobe asks ffprobe for the same properties.
func (p *FFmpegProcessor) probeFFprobe(ctx context.Context, path string) (Clip, error) {
	// #nosec G204 - ffprobePath is set by the application, not user input
	cmd := exec.CommandContext(ctx, p.ffprobePath,
		"-v", "error",
		"-show_entries", "format=duration:stream=codec_type,width,height,avg_frame_rate",
		"-of", "json",
		path,
	)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return Clip{}, fmt.Errorf("ffprobe cancelled: %w", ctx.Err())
		}
		return Clip{}, fmt.Errorf("%w: %w, stderr: %s", ErrFFprobeExecution, err, stderr.String())
	}
	return parseProbeJSON(path, stdout.Bytes())
}

// parseProbeJSON reads ffprobe -of json output.
func parseProbeJSON(path string, data []byte) (Clip, error) {
	clip := Clip{Path: path}
	clip.Duration = gjson.GetBytes(data, "format.duration").Float()

	video := gjson.GetBytes(data, `streams.#(codec_type=="video")`)
	if !video.Exists() {
		return Clip{}, ErrNoVideoTrack
	}
	clip.Size = Size{W: int(video.Get("width").Int()), H: int(video.Get("height").Int())}
	clip.FPS = parseRate(video.Get("avg_frame_rate").String())
	clip.HasAudio = gjson.GetBytes(data, `streams.#(codec_type=="audio")`).Exists()

	if clip.Duration <= 0 {
		return Clip{}, fmt.Errorf("%w: %s", ErrInvalidDuration, path)
	}
	return clip, nil
}

// parseRate parses "30000/1001" or "25".
func parseRate(s string) float64 {
	num, den, ok := strings.Cut(s, "/")
	n, err := strconv.ParseFloat(num, 64)
	if err != nil {
		return 0
	}
	if !ok {
		return n
	}
	d, err := strconv.ParseFloat(den, 64)
	if err != nil || d == 0 {
		return 0
	}
	return n / d
}
