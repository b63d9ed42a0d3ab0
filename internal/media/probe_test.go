package media

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseProbeJSON(t *testing.T) {
	data := []byte(`{
  "streams": [
    {"codec_type": "audio"},
    {"codec_type": "video", "width": 1920, "height": 1080, "avg_frame_rate": "30000/1001"}
  ],
  "format": {"duration": "12.480000"}
}`)

	clip, err := parseProbeJSON("x.mp4", data)
	require.NoError(t, err)
	assert.Equal(t, "x.mp4", clip.Path)
	assert.Equal(t, Size{W: 1920, H: 1080}, clip.Size)
	assert.InDelta(t, 12.48, clip.Duration, 1e-9)
	assert.InDelta(t, 29.97, clip.FPS, 0.01)
	assert.True(t, clip.HasAudio)
}

func TestParseProbeJSON_NoVideo(t *testing.T) {
	_, err := parseProbeJSON("a.m4a", []byte(`{"streams":[{"codec_type":"audio"}],"format":{"duration":"3"}}`))
	assert.True(t, errors.Is(err, ErrNoVideoTrack))
}

func TestParseProbeJSON_NoDuration(t *testing.T) {
	_, err := parseProbeJSON("v.mp4", []byte(`{"streams":[{"codec_type":"video","width":2,"height":2}],"format":{}}`))
	assert.ErrorIs(t, err, ErrInvalidDuration)
}

func TestParseRate(t *testing.T) {
	assert.InDelta(t, 25.0, parseRate("25/1"), 1e-9)
	assert.InDelta(t, 24.0, parseRate("24"), 1e-9)
	assert.Zero(t, parseRate("0/0"))
	assert.Zero(t, parseRate("n/a"))
}

func TestEncodeParams(t *testing.T) {
	p := ChromaEncodeParams(29.97)
	args := p.args(true)
	assert.Subset(t, args, []string{"-r", "29.97", "-c:v", "libx264", "-preset", "medium", "-b:v", "8000k", "-c:a", "aac"})

	m := MontageEncodeParams(0)
	assert.InDelta(t, 24.0, m.FPS, 1e-9)
	assert.Equal(t, "slow", m.Preset)
	assert.Equal(t, "15000k", m.Bitrate)
	assert.Contains(t, m.args(false), "-an")

	merged := EncodeParams{Preset: "veryfast"}.Merge(m)
	assert.Equal(t, "veryfast", merged.Preset)
	assert.Equal(t, "15000k", merged.Bitrate)
}
