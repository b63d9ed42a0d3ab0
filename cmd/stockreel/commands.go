package main

import (
	"context"
	"encoding/json"
	"fmt"
	"image/png"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/urfave/cli/v2"

	"github.com/maauso/stockreel-api/internal/bootstrap"
	"github.com/maauso/stockreel-api/internal/compose"
	"github.com/maauso/stockreel-api/internal/config"
	"github.com/maauso/stockreel-api/internal/ledger"
	"github.com/maauso/stockreel-api/internal/media"
	"github.com/maauso/stockreel-api/internal/pexels"
	"github.com/maauso/stockreel-api/internal/selector"
)

func selectCommand() *cli.Command {
	return &cli.Command{
		Name:  "select",
		Usage: "Search Pexels and pick clips covering a target duration",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "term", Aliases: []string{"t"}, Required: true},
			&cli.Float64Flag{Name: "target", Usage: "seconds to cover", Required: true},
			&cli.IntFlag{Name: "max-clips", Value: 10},
			&cli.IntFlag{Name: "min-duration", Value: 5},
			&cli.IntFlag{Name: "max-duration", Value: 60},
			&cli.BoolFlag{Name: "dry-run", Usage: "do not register the selection in the ledger"},
		},
		Action: func(c *cli.Context) error {
			p, err := loadPipeline(c)
			if err != nil {
				return err
			}
			defer p.Close()

			candidates, err := p.Search.Search(c.Context, pexels.SearchParams{
				Query:       c.String("term"),
				MinDuration: c.Int("min-duration"),
				MaxDuration: c.Int("max-duration"),
				MaxVideos:   c.Int("max-clips"),
			})
			if err != nil {
				return err
			}

			sel := p.Selector
			if c.Bool("dry-run") {
				sel = selector.New(readOnlyLedger{p.Ledger}, selector.WithLogger(slog.Default()))
			}
			res := sel.Select(c.Context, candidates, c.Float64("target"), c.Int("max-clips"))
			return printSelection(c, len(candidates), res)
		},
	}
}

type selectionOutput struct {
	Candidates int          `json:"candidates"`
	Fresh      bool         `json:"fresh"`
	Total      float64      `json:"total_seconds"`
	Clips      []clipOutput `json:"clips"`
}

type clipOutput struct {
	ID       string  `json:"id"`
	URL      string  `json:"url"`
	Duration float64 `json:"duration"`
}

func printSelection(c *cli.Context, candidates int, res selector.Result) error {
	out := selectionOutput{
		Candidates: candidates,
		Fresh:      res.Fresh,
		Total:      res.Total(),
		Clips:      make([]clipOutput, 0, res.Len()),
	}
	for i, id := range res.AssetIDs {
		out.Clips = append(out.Clips, clipOutput{ID: id, URL: res.URLs[i], Duration: res.Durations[i]})
	}
	enc := json.NewEncoder(c.App.Writer)
	enc.SetIndent("", "  ")
	return enc.Encode(out)
}

// readOnlyLedger answers lookups and drops registrations.
type readOnlyLedger struct {
	ledger.Ledger
}

func (readOnlyLedger) Register(context.Context, []string) error { return nil }

func chromaCommand() *cli.Command {
	return &cli.Command{
		Name:  "chroma",
		Usage: "Replace the key color of a foreground video with stock footage",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "input", Aliases: []string{"i"}, Required: true, Usage: "foreground video"},
			&cli.StringFlag{Name: "term", Aliases: []string{"t"}, Required: true},
			&cli.StringFlag{Name: "output", Aliases: []string{"o"}, Required: true},
			&cli.StringFlag{Name: "color", Value: media.DefaultKeyColor},
			&cli.IntFlag{Name: "threshold", Value: media.DefaultThreshold},
			&cli.Float64Flag{Name: "transition", Value: 1.0},
			&cli.StringFlag{Name: "effect", Value: "fade", Usage: "fade, contrast or none"},
		},
		Action: func(c *cli.Context) error {
			if e := c.String("effect"); media.ParseEffect(e) == media.EffectNone && e != string(media.EffectNone) {
				return cli.Exit(fmt.Sprintf("unknown effect %q", e), 2)
			}
			p, err := loadPipeline(c)
			if err != nil {
				return err
			}
			defer p.Close()

			output, err := filepath.Abs(c.String("output"))
			if err != nil {
				return err
			}
			err = p.Chroma.Composite(c.Context, compose.ChromaRequest{
				ForegroundPath: c.String("input"),
				Term:           c.String("term"),
				OutputPath:     output,
				ChromaColor:    c.String("color"),
				Threshold:      c.Int("threshold"),
				Transition:     c.Float64("transition"),
				Effect:         c.String("effect"),
				OnStage:        logStage,
			})
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(c.App.Writer, output)
			return err
		},
	}
}

func montageCommand() *cli.Command {
	return &cli.Command{
		Name:  "montage",
		Usage: "Join stock clips for a term with crossfades",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "term", Aliases: []string{"t"}, Required: true},
			&cli.StringFlag{Name: "output", Aliases: []string{"o"}, Required: true},
			&cli.IntFlag{Name: "videos", Aliases: []string{"n"}, Value: compose.DefaultMontageClips},
			&cli.IntFlag{Name: "width", Value: compose.DefaultMontageSize.W},
			&cli.IntFlag{Name: "height", Value: compose.DefaultMontageSize.H},
			&cli.IntFlag{Name: "min-duration", Value: compose.DefaultMontageMinDuration},
			&cli.IntFlag{Name: "max-duration", Value: compose.DefaultMontageMaxDuration},
			&cli.Float64Flag{Name: "transition", Value: compose.DefaultMontageTransition},
			&cli.IntFlag{Name: "fps", Value: compose.DefaultMontageFPS},
			&cli.BoolFlag{Name: "color-correction", Value: true},
		},
		Action: func(c *cli.Context) error {
			p, err := loadPipeline(c)
			if err != nil {
				return err
			}
			defer p.Close()

			output, err := filepath.Abs(c.String("output"))
			if err != nil {
				return err
			}
			err = p.Montage.Composite(c.Context, compose.MontageRequest{
				Term:            c.String("term"),
				NVideos:         c.Int("videos"),
				OutputPath:      output,
				Size:            media.Size{W: c.Int("width"), H: c.Int("height")},
				MinDuration:     c.Int("min-duration"),
				MaxDuration:     c.Int("max-duration"),
				Transition:      c.Float64("transition"),
				FPS:             c.Int("fps"),
				ColorCorrection: c.Bool("color-correction"),
				OnStage:         logStage,
			})
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(c.App.Writer, output)
			return err
		},
	}
}

func logStage(s compose.Stage) {
	slog.Info("stage", slog.String("stage", string(s)))
}

func previewCommand() *cli.Command {
	return &cli.Command{
		Name:  "preview",
		Usage: "Render one foreground frame keyed over a solid color as PNG",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "input", Aliases: []string{"i"}, Required: true},
			&cli.StringFlag{Name: "output", Aliases: []string{"o"}, Value: "preview.png"},
			&cli.StringFlag{Name: "color", Value: media.DefaultKeyColor},
			&cli.IntFlag{Name: "threshold", Value: media.DefaultThreshold},
			&cli.Float64Flag{Name: "at", Usage: "frame time in seconds"},
			&cli.StringFlag{Name: "backdrop", Value: "#FF00FF"},
			&cli.IntFlag{Name: "width", Value: 640, Usage: "maximum width, 0 keeps the frame size"},
			&cli.StringFlag{Name: "ffmpeg", Value: "ffmpeg", EnvVars: []string{"FFMPEG_PATH"}},
		},
		Action: func(c *cli.Context) error {
			key, err := media.NewChromaKey(c.String("color"), c.Int("threshold"))
			if err != nil {
				return err
			}
			backdrop, err := media.ParseHexColor(c.String("backdrop"))
			if err != nil {
				return err
			}

			proc := media.NewFFmpegProcessor(c.String("ffmpeg"), media.WithLogger(slog.Default()))
			frame, err := proc.ExtractFrame(c.Context, c.String("input"), c.Float64("at"))
			if err != nil {
				return err
			}
			img := media.Thumbnail(key.Preview(frame, backdrop), c.Int("width"))

			f, err := os.Create(c.String("output"))
			if err != nil {
				return fmt.Errorf("create preview: %w", err)
			}
			if err := png.Encode(f, img); err != nil {
				_ = f.Close()
				return fmt.Errorf("encode preview: %w", err)
			}
			return f.Close()
		},
	}
}

func ledgerCommand() *cli.Command {
	flags := []cli.Flag{
		&cli.StringFlag{Name: "backend", Value: config.LedgerFile, EnvVars: []string{"LEDGER_BACKEND"}},
		&cli.StringFlag{
			Name:    "path",
			Value:   filepath.Join(os.TempDir(), "stockreel", "pexels_used_assets.json"),
			EnvVars: []string{"LEDGER_PATH"},
		},
		&cli.StringFlag{Name: "database-url", EnvVars: []string{"DATABASE_URL"}},
	}
	return &cli.Command{
		Name:  "ledger",
		Usage: "Inspect or extend the used-combination ledger",
		Subcommands: []*cli.Command{
			{
				Name:      "check",
				Usage:     "Report whether a combination of asset ids was used",
				ArgsUsage: "ID [ID...]",
				Flags:     flags,
				Action: func(c *cli.Context) error {
					return withLedger(c, func(l ledger.Ledger, ids []string) error {
						used, err := l.Contains(c.Context, ids)
						if err != nil {
							return err
						}
						state := "fresh"
						if used {
							state = "used"
						}
						_, err = fmt.Fprintf(c.App.Writer, "%s %s\n", ledger.Key(ids), state)
						return err
					})
				},
			},
			{
				Name:      "register",
				Usage:     "Mark a combination of asset ids as used",
				ArgsUsage: "ID [ID...]",
				Flags:     flags,
				Action: func(c *cli.Context) error {
					return withLedger(c, func(l ledger.Ledger, ids []string) error {
						if err := l.Register(c.Context, ids); err != nil {
							return err
						}
						_, err := fmt.Fprintf(c.App.Writer, "%s registered\n", ledger.Key(ids))
						return err
					})
				},
			},
		},
	}
}

func withLedger(c *cli.Context, fn func(ledger.Ledger, []string) error) error {
	ids := parseIDs(c.Args().Slice())
	if len(ids) == 0 {
		return cli.Exit("at least one asset id is required", 2)
	}
	l, closeLedger, err := bootstrap.OpenLedger(c.Context,
		strings.ToLower(c.String("backend")), c.String("path"), c.String("database-url"), slog.Default())
	if err != nil {
		return err
	}
	defer closeLedger()
	return fn(l, ids)
}

// parseIDs accepts ids as separate arguments or comma-separated.
func parseIDs(args []string) []string {
	var ids []string
	for _, a := range args {
		for _, id := range strings.Split(a, ",") {
			if id = strings.TrimSpace(id); id != "" {
				ids = append(ids, id)
			}
		}
	}
	return ids
}
