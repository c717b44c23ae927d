package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/psantana5/crashguard/internal/logging"
	"github.com/psantana5/crashguard/internal/shutdown"
	"github.com/psantana5/crashguard/pkg/crashguard"
)

var (
	panicAfter time.Duration
	runFor     time.Duration
	faultKind  string
	faultRuns  uint64
)

var demoCmd = &cobra.Command{
	Use:   "demo",
	Short: "Run a sample application under crashguard",
	Long: `demo runs a small worker loop as the guarded instance and faults after
--panic-after for the first --crashes launches. The supervisor logs every
milestone, captures a snapshot per crash and relaunches when --restart is set.

Example:
  crashguard demo --restart --crashes 3
  crashguard demo --fault nil --snapshot gcore --panic-after 500ms
  crashguard demo --restart --max-restarts 5 --crashes 100`,
	RunE: runDemo,
}

func init() {
	rootCmd.AddCommand(demoCmd)

	demoCmd.Flags().DurationVar(&panicAfter, "panic-after", 2*time.Second, "how long each faulting launch works before it faults")
	demoCmd.Flags().DurationVar(&runFor, "run-for", 3*time.Second, "how long the final launch works before exiting cleanly")
	demoCmd.Flags().StringVar(&faultKind, "fault", "panic", "fault to induce: panic, nil or goroutine")
	demoCmd.Flags().Uint64Var(&faultRuns, "crashes", 1, "number of launches that fault")
	demoCmd.Flags().Bool("restart", false, "relaunch after a crash")
	demoCmd.Flags().String("snapshot", "", "snapshot provider: process, gcore or none")
	demoCmd.Flags().Int("max-restarts", 0, "maximum relaunches, 0 is unlimited")

	bindFlag(v, "restart_on_crash", demoCmd, "restart")
	bindFlag(v, "snapshot.provider", demoCmd, "snapshot")
	bindFlag(v, "max_restarts", demoCmd, "max-restarts")
}

func runDemo(cmd *cobra.Command, _ []string) error {
	log := logging.Component("demo")

	h := crashguard.New(cfg)
	h.OnUnhandledException(func(f *crashguard.Fault) {
		log.Error().Str("fault", f.Reason()).Msg("demo is about to crash")
	})
	h.OnCrash(func(r *crashguard.CrashReport) {
		ev := log.Warn().Int("launch", r.Launch).Str("reason", r.Reason)
		if r.Snapshot != nil {
			ev = ev.Str("snapshot", r.Snapshot.Path())
		} else if r.SnapshotErr != nil {
			ev = ev.AnErr("snapshot_error", r.SnapshotErr)
		}
		ev.Msg("demo crash report")
	})
	h.OnExit(func(r *crashguard.ExitReport) {
		log.Info().Int("launch", r.Launch).Str("reason", string(r.Reason)).
			Uint64("crashes", r.CrashCount).Msg("demo launch finished")
	})

	stop := shutdown.New(cfg.StopTimeout, log)
	ctx, cancel := stop.NotifyContext(cmd.Context())
	defer cancel()

	return h.Run(ctx, func(ctx context.Context) error {
		n := h.RestartCount()
		faulting := n < faultRuns
		d := runFor
		if faulting {
			d = panicAfter
		}
		log.Info().Uint64("restart_count", n).Bool("will_fault", faulting).Dur("for", d).Msg("demo working")

		ticker := time.NewTicker(500 * time.Millisecond)
		defer ticker.Stop()
		deadline := time.After(d)
		for {
			select {
			case <-ctx.Done():
				log.Info().Msg("demo stopped")
				return nil
			case <-ticker.C:
				log.Debug().Msg("tick")
			case <-deadline:
				if !faulting {
					log.Info().Msg("demo finished cleanly")
					return nil
				}
				induceFault(h, n)
			}
		}
	})
}

func induceFault(h *crashguard.Handler, n uint64) {
	switch faultKind {
	case "nil":
		var p *struct{ n uint64 }
		p.n = n
	case "goroutine":
		// the caller keeps ticking until the handshake ends the process
		h.Go(func() { panic(fmt.Sprintf("demo fault %d on a worker goroutine", n)) })
	default:
		panic(fmt.Sprintf("demo fault %d", n))
	}
}
