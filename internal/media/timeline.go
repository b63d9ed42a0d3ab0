package media

import (
	"fmt"
	"strings"

	"github.com/samber/lo"
)

// Timeline is an ordered sequence of clips joined with a crossfade of
// Transition seconds between neighbours.
type Timeline struct {
	Clips      []Clip
	Transition float64
}

// transition returns the overlap actually used: never negative and never more
// than half of the shortest clip, so every crossfade fits inside its clips.
func (t Timeline) transition() float64 {
	if len(t.Clips) < 2 || t.Transition <= 0 {
		return 0
	}
	shortest := lo.MinBy(t.Clips, func(a, b Clip) bool { return a.Duration < b.Duration }).Duration
	return min(t.Transition, shortest/2)
}

// Duration returns the length of the joined timeline.
func (t Timeline) Duration() float64 {
	total := lo.SumBy(t.Clips, func(c Clip) float64 { return c.Duration })
	if len(t.Clips) > 1 {
		total -= float64(len(t.Clips)-1) * t.transition()
	}
	return total
}

// Offsets returns the start time of each crossfade: for the join between clip
// i-1 and clip i it is the summed length of clips 0..i-1 minus i overlaps.
func (t Timeline) Offsets() []float64 {
	if len(t.Clips) < 2 {
		return nil
	}
	tr := t.transition()
	offsets := make([]float64, 0, len(t.Clips)-1)
	var acc float64
	for i := 1; i < len(t.Clips); i++ {
		acc += t.Clips[i-1].Duration
		offsets = append(offsets, acc-float64(i)*tr)
	}
	return offsets
}

// Canvas returns the smallest even frame that holds every clip.
func (t Timeline) Canvas() Size {
	var s Size
	for _, c := range t.Clips {
		s.W = max(s.W, c.Size.W)
		s.H = max(s.H, c.Size.H)
	}
	return Size{W: even(s.W + 1), H: even(s.H + 1)}
}

// ConcatOptions control how a timeline is rendered.
type ConcatOptions struct {
	// Length pins the output duration. The timeline is trimmed when longer
	// and its last frame held when shorter. 0 keeps the natural length.
	Length float64
	Encode EncodeParams
}

// filterGraph builds the -filter_complex graph joining every input into [v].
func (t Timeline) filterGraph(opts ConcatOptions) string {
	canvas := t.Canvas()
	fps := opts.Encode.FPS
	if fps <= 0 {
		fps = lo.MaxBy(t.Clips, func(a, b Clip) bool { return a.FPS > b.FPS }).FPS
	}
	if fps <= 0 {
		fps = 25
	}

	var b strings.Builder
	for i := range t.Clips {
		fmt.Fprintf(&b, "[%d:v]pad=%d:%d:(ow-iw)/2:(oh-ih)/2:black,setsar=1,fps=%s,format=yuv420p,settb=AVTB[p%d];",
			i, canvas.W, canvas.H, formatFloat(fps), i)
	}

	last := "p0"
	tr := t.transition()
	switch {
	case len(t.Clips) == 1:
		// nothing to join
	case tr == 0:
		for i := range t.Clips {
			fmt.Fprintf(&b, "[p%d]", i)
		}
		fmt.Fprintf(&b, "concat=n=%d:v=1:a=0[x];", len(t.Clips))
		last = "x"
	default:
		for i, off := range t.Offsets() {
			out := fmt.Sprintf("x%d", i+1)
			fmt.Fprintf(&b, "[%s][p%d]xfade=transition=fade:duration=%s:offset=%s[%s];",
				last, i+1, formatFloat(tr), formatFloat(off), out)
			last = out
		}
	}

	tail := []string{"null"}
	if opts.Length > 0 {
		if gap := opts.Length - t.Duration(); gap > 0 {
			tail = append(tail, "tpad=stop_mode=clone:stop_duration="+formatFloat(gap))
		}
		tail = append(tail, "trim=duration="+formatFloat(opts.Length), "setpts=PTS-STARTPTS")
	}
	fmt.Fprintf(&b, "[%s]%s[v]", last, strings.Join(tail, ","))
	return b.String()
}
