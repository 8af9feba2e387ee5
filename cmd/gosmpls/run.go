package main

import (
	"fmt"
	"log/slog"

	"github.com/iti/gosmpls"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
)

var (
	expFile      string
	scenarioFile string
	simFile      string
	traceFile    string
	metricsFile  string
	logJSON      string
	logLevel     string
	ticks        uint64
	tickNs       int64
	traceAll     bool
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run a simulation",
	Long: `Builds the topology, applies the experiment parameters and scenario,
and advances the clock for the requested number of ticks.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		var level slog.Level
		if err := level.UnmarshalText([]byte(logLevel)); err != nil {
			return fmt.Errorf("log level %q: %w", logLevel, err)
		}
		logger, closer, err := gosmpls.NewLogger(gosmpls.LogCfg{Level: level,
			Console: cmd.ErrOrStderr(), Prefix: "gosmpls", Path: logJSON})
		if err != nil {
			return err
		}
		defer closer.Close()

		inputs := []string{topoFile}
		for _, name := range []string{expFile, scenarioFile, simFile} {
			if name != "" {
				inputs = append(inputs, name)
			}
		}
		if err := gosmpls.CheckReadableFiles(inputs); err != nil {
			return err
		}
		outputs := make([]string, 0)
		for _, name := range []string{traceFile, metricsFile} {
			if name != "" {
				outputs = append(outputs, name)
			}
		}
		if err := gosmpls.CheckOutputFiles(outputs); err != nil {
			return err
		}

		simCfg := gosmpls.CreateSimCfg("gosmpls")
		if simFile != "" {
			if simCfg, err = gosmpls.ReadSimCfg(simFile, gosmpls.UseYAML(simFile), nil); err != nil {
				return err
			}
		}
		if cmd.Flags().Changed("ticks") || simCfg.Ticks == 0 {
			simCfg.Ticks = ticks
		}
		if cmd.Flags().Changed("tick") || simCfg.TickNs == 0 {
			simCfg.TickNs = tickNs
		}

		tc, err := gosmpls.ReadTopoCfg(topoFile, gosmpls.UseYAML(topoFile), nil)
		if err != nil {
			return err
		}
		var expCfg *gosmpls.ExpCfg
		if expFile != "" {
			if expCfg, err = gosmpls.ReadExpCfg(expFile, gosmpls.UseYAML(expFile), nil); err != nil {
				return err
			}
		}
		topo, err := gosmpls.BuildExperiment(tc, expCfg, simCfg.Protocol, logger)
		if err != nil {
			return err
		}

		sim := gosmpls.CreateSimulation(simCfg.Name, topo, simCfg.TickNs, logger)
		if scenarioFile != "" {
			sc, err := gosmpls.ReadScenarioCfg(scenarioFile, gosmpls.UseYAML(scenarioFile), nil)
			if err != nil {
				return err
			}
			if err := sim.LoadScenario(sc); err != nil {
				return err
			}
		}

		reg := prometheus.NewRegistry()
		rec, err := gosmpls.NewRecorder(reg, false)
		if err != nil {
			return err
		}
		if err := sim.Attach(rec); err != nil {
			return err
		}
		tm := gosmpls.CreateTraceManager(tc.Name, traceFile != "")
		sim.SetTrace(tm, traceAll)

		logger.Info("simulation starting", "topology", tc.Name, "ticks", simCfg.Ticks, "tick", simCfg.TickNs)
		runErr := sim.Run(simCfg.Ticks)

		if traceFile != "" {
			if err := tm.WriteToFile(traceFile); err != nil {
				return err
			}
		}
		if metricsFile != "" {
			if err := prometheus.WriteToTextfile(metricsFile, reg); err != nil {
				return err
			}
		}
		report(cmd, topo)
		return runErr
	},
}

// report prints per-node statistics
func report(cmd *cobra.Command, topo *gosmpls.Topology) {
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "%-16s %10s %10s %10s %10s %10s\n", "node", "generated", "received", "switched", "discarded", "retrans")
	for _, node := range topo.Nodes() {
		st := node.Stats()
		fmt.Fprintf(out, "%-16s %10d %10d %10d %10d %10d\n", node.Name(),
			st.Generated, st.Received, st.Switched, st.Discarded, st.Retransmitted)
	}
}

func init() {
	rootCmd.AddCommand(runCmd)

	runCmd.Flags().StringVarP(&expFile, "exp", "e", "", "experiment parameters")
	runCmd.Flags().StringVarP(&scenarioFile, "scenario", "s", "", "scripted link changes")
	runCmd.Flags().StringVar(&simFile, "sim", "", "run settings (ticks, tick length, protocol constants)")
	runCmd.Flags().StringVar(&traceFile, "trace", "", "write the event trace to this file")
	runCmd.Flags().BoolVar(&traceAll, "trace-all", false, "trace every element, not only those with the trace parameter set")
	runCmd.Flags().StringVar(&metricsFile, "metrics", "", "write Prometheus metrics to this file when the run ends")
	runCmd.Flags().StringVar(&logJSON, "log-json", "", "also write JSON logs to this file")
	runCmd.Flags().StringVar(&logLevel, "log-level", "info", "debug, info, warn or error")
	runCmd.Flags().Uint64VarP(&ticks, "ticks", "n", 1000, "number of ticks to run")
	runCmd.Flags().Int64Var(&tickNs, "tick", 100_000, "tick length in ns")
}
