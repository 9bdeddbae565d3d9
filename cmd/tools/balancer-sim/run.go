package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"text/tabwriter"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/soltixdb/pgbalancer/internal/balancer"
	"github.com/soltixdb/pgbalancer/internal/config"
	"github.com/soltixdb/pgbalancer/internal/dispatch"
	"github.com/soltixdb/pgbalancer/internal/logging"
	"github.com/soltixdb/pgbalancer/internal/simulator"
	"github.com/soltixdb/pgbalancer/internal/watcher"
)

type runOptions struct {
	scenario string
	cycles   int
	mode     string
	watcher  bool
	json     bool
	verbose  bool
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "balancer-sim",
		Short:         "Run the balancer against a simulated cluster",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(newRunCmd())
	return root
}

func newRunCmd() *cobra.Command {
	opts := runOptions{}
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run balancer cycles and print the distribution score after each one",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
			defer stop()
			return runSim(ctx, cmd.OutOrStdout(), opts)
		},
	}
	flags := cmd.Flags()
	flags.StringVar(&opts.scenario, "scenario", "./configs/scenario.yaml", "Path to the scenario file")
	flags.IntVar(&opts.cycles, "cycles", 10, "Number of cycles to run")
	flags.StringVar(&opts.mode, "mode", config.ModeUpmap, "Balancer mode: crush-compat, upmap, reweight or none")
	flags.BoolVar(&opts.watcher, "watcher", false, "Run the latency watcher after each balancer cycle")
	flags.BoolVar(&opts.json, "json", false, "Print one JSON object per cycle")
	flags.BoolVarP(&opts.verbose, "verbose", "v", false, "Log balancer decisions to stderr")
	return cmd
}

func runSim(ctx context.Context, out io.Writer, opts runOptions) error {
	if opts.cycles < 1 {
		return fmt.Errorf("cycles must be at least 1, got %d", opts.cycles)
	}

	logger := logging.NewNop()
	if opts.verbose {
		logger = logging.NewWithWriter(os.Stderr, zerolog.DebugLevel)
	}

	s, err := simulator.LoadScenario(opts.scenario)
	if err != nil {
		return err
	}
	c := simulator.New(s, logger)
	d := dispatch.NewLocalDispatcher(c, logger)
	defer d.Close()

	b := balancer.New(balancer.Options{
		Settings:       config.NewSettings("/sim/balancer/", config.DefaultBalancerConfig(), nil),
		Provider:       c,
		Dispatcher:     d,
		CommandTimeout: 5 * time.Second,
	}, logger)
	if err := b.SetMode(ctx, opts.mode); err != nil {
		return err
	}

	var w *watcher.Watcher
	if opts.watcher {
		w = watcher.New(config.NewSettings("/sim/watcher/", config.DefaultWatcherConfig(), nil), c, d, 5*time.Second, nil, logger)
	}

	start, err := b.Evaluate(ctx, "")
	if err != nil {
		return err
	}

	if opts.json {
		enc := json.NewEncoder(out)
		if err := enc.Encode(simulator.CycleResult{Score: start.Score, Epoch: s.Epoch}); err != nil {
			return err
		}
		_, err = simulator.NewRunner(c, b, w, logger).Run(ctx, opts.cycles, func(res simulator.CycleResult) {
			_ = enc.Encode(res)
		})
		return err
	}

	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "CYCLE\tBALANCER\tWATCHER\tSCORE\tEPOCH\tAPPLIED")
	fmt.Fprintf(tw, "0\t-\t-\t%.6f\t%d\t0\n", start.Score, s.Epoch)
	_, err = simulator.NewRunner(c, b, w, logger).Run(ctx, opts.cycles, func(res simulator.CycleResult) {
		wo := res.Watcher
		if wo == "" {
			wo = "-"
		}
		fmt.Fprintf(tw, "%d\t%s\t%s\t%.6f\t%d\t%d\n", res.Cycle, res.Balancer, wo, res.Score, res.Epoch, res.Applied)
	})
	if ferr := tw.Flush(); err == nil {
		err = ferr
	}
	return err
}
