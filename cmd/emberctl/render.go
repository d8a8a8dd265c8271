package main

import (
	"context"
	"fmt"
	"io"
	"math"
	"os"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/nidhogg/ember/internal/avatar"
	"github.com/nidhogg/ember/internal/render"
	"github.com/nidhogg/ember/internal/store"
	"github.com/nidhogg/ember/internal/visual"
)

type renderOptions struct {
	state   avatar.State
	idle    bool
	hidden  bool
	seed    uint64
	format  string
	out     string
	width   int
	height  int
	db      string
	ciID    string
	timeout time.Duration
}

func newRenderCmd(logger func() *zap.Logger) *cobra.Command {
	opts := renderOptions{state: avatar.NewState()}
	cmd := &cobra.Command{
		Use:   "render",
		Short: "Render one frame from explicit state",
		Long: `Derives visual parameters from the given state and renders a single frame.
With --db and --ci the retained history marks of that CI are drawn as traces,
and its stored state is used unless state flags are given explicitly.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runRender(cmd, opts, logger())
		},
	}

	f := cmd.Flags()
	f.Float64Var(&opts.state.Engagement, "engagement", 0, "engagement in [0, 1]")
	f.Float64Var(&opts.state.Complexity, "complexity", 0, "complexity in [0, 1]")
	f.Float64Var(&opts.state.MoodValence, "mood", 0, "mood valence in [-1, 1]")
	f.StringVar(&opts.state.Style, "style", avatar.DefaultStyle, "palette name")
	f.BoolVar(&opts.idle, "idle", false, "render in ember mode")
	f.BoolVar(&opts.hidden, "hidden", false, "render as hidden")
	f.Uint64Var(&opts.seed, "seed", 0, "frame seed")
	f.StringVarP(&opts.format, "format", "f", string(render.Vector), "raster, vector or realtime")
	f.StringVarP(&opts.out, "out", "o", "-", "output file, - for stdout")
	f.IntVar(&opts.width, "width", render.DefaultSize.Width, "frame width")
	f.IntVar(&opts.height, "height", render.DefaultSize.Height, "frame height")
	f.StringVar(&opts.db, "db", "", "SQLite store to read marks from")
	f.StringVar(&opts.ciID, "ci", "", "CI id whose marks to draw")
	f.DurationVar(&opts.timeout, "timeout", 10*time.Second, "render timeout")
	return cmd
}

func runRender(cmd *cobra.Command, opts renderOptions, logger *zap.Logger) error {
	ctx, cancel := context.WithTimeout(cmd.Context(), opts.timeout)
	defer cancel()

	snap := avatar.Snapshot{CIID: opts.ciID, State: opts.state}
	var marks []avatar.HistoryMark

	if opts.db != "" {
		if opts.ciID == "" {
			return fmt.Errorf("--ci is required with --db")
		}
		db, err := store.OpenSQLite(opts.db, logger)
		if err != nil {
			return err
		}
		defer db.Close()

		stored, err := db.LoadState(ctx, opts.ciID)
		if err != nil {
			return fmt.Errorf("load %s: %w", opts.ciID, err)
		}
		if !stateFlagsChanged(cmd) {
			snap = stored
		}
		if marks, err = db.LoadMarks(ctx, opts.ciID); err != nil {
			return err
		}
	}
	if snap.CIID == "" {
		snap.CIID = "offline"
	}

	for _, c := range []struct {
		name      string
		v, lo, hi float64
	}{
		{"engagement", snap.State.Engagement, avatar.MinEngagement, avatar.MaxEngagement},
		{"complexity", snap.State.Complexity, avatar.MinComplexity, avatar.MaxComplexity},
		{"mood", snap.State.MoodValence, avatar.MinMoodValence, avatar.MaxMoodValence},
	} {
		if math.IsNaN(c.v) || math.IsInf(c.v, 0) {
			return avatar.Errorf(avatar.CodeInputRange, "--%s must be finite, got %v", c.name, c.v)
		}
		if c.v < c.lo || c.v > c.hi {
			return avatar.Errorf(avatar.CodeInputRange, "--%s %v outside [%v, %v]", c.name, c.v, c.lo, c.hi)
		}
	}
	if !render.KnownStyle(snap.State.Style) {
		return avatar.Errorf(avatar.CodeInputRange, "unknown style %q", snap.State.Style)
	}
	if opts.idle {
		snap.State.Mode = avatar.ModeEmber
	}
	if opts.hidden {
		snap.State.Visibility = avatar.Hidden
	}

	params := visual.NewMapper(visual.DefaultConfig()).Derive(snap, marks, opts.seed)
	reg := render.NewDefaultRegistry(render.Size{Width: opts.width, Height: opts.height})
	frame, err := reg.Render(ctx, render.Capability(opts.format), params)
	if err != nil {
		return err
	}

	var w io.Writer = cmd.OutOrStdout()
	if opts.out != "-" {
		f, err := os.Create(opts.out)
		if err != nil {
			return fmt.Errorf("create %s: %w", opts.out, err)
		}
		defer f.Close()
		w = f
	}
	if _, err := w.Write(frame.Data); err != nil {
		return fmt.Errorf("write frame: %w", err)
	}
	if opts.out != "-" {
		fmt.Fprintf(cmd.ErrOrStderr(), "wrote %s (%s, %d bytes)\n", opts.out, frame.MediaType, len(frame.Data))
	}
	return nil
}

func stateFlagsChanged(cmd *cobra.Command) bool {
	for _, name := range []string{"engagement", "complexity", "mood", "style"} {
		if cmd.Flags().Changed(name) {
			return true
		}
	}
	return false
}
