package main

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/spf13/cobra"

	"github.com/tamirms/eventload"
	"github.com/tamirms/eventload/container"
	"github.com/tamirms/eventload/internal/synth"
)

func newSynthCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "synth FILE",
		Short: "Write a container of synthetic event banks",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			v, err := newViper(cmd)
			if err != nil {
				return err
			}
			logger, err := newLogger(v, cmd.ErrOrStderr())
			if err != nil {
				return err
			}

			p := synth.Params{
				Banks:         v.GetInt("banks"),
				EventsPerBank: v.GetInt("events"),
				PulsesPerBank: v.GetInt("pulses"),
				MaxDetectorID: v.GetUint32("max-detector-id"),
				Seed:          v.GetUint32("seed"),
				Start:         time.Now().UTC().Truncate(time.Second),
				BadTofEvery:   v.GetInt("bad-tof-every"),
			}
			start := time.Now()
			banks, err := synth.Generate(p)
			if err != nil {
				return err
			}
			w := container.NewWriter()
			if err := synth.Write(w, eventload.DefaultTopEntry, p.Start, banks); err != nil {
				return err
			}
			if err := w.Finish(args[0]); err != nil {
				return fmt.Errorf("write %s: %w", args[0], err)
			}
			logger.Info("wrote synthetic run",
				slog.String("path", args[0]),
				slog.Int("banks", p.Banks),
				slog.Int("events", p.Banks*p.EventsPerBank),
				slog.Duration("elapsed", time.Since(start)))
			return nil
		},
	}
	f := cmd.Flags()
	f.Int("banks", 4, "number of banks")
	f.Int("events", 100_000, "events per bank")
	f.Int("pulses", 1000, "pulses per bank")
	f.Uint32("max-detector-id", 1<<20-1, "largest detector id; banks split the ids evenly")
	f.Uint32("seed", 0x1234, "hash seed")
	f.Int("bad-tof-every", 0, "corrupt the tof of every n-th event; 0 disables")
	return cmd
}
