package main

import (
	"os"

	"github.com/spf13/cobra"
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "gosmpls",
	Short: "MPLS domain simulator with grades of service",
	Long: `gosmpls runs a tick-synchronized simulation of an MPLS domain whose
routers distribute labels on demand, protect LSPs with backup paths and
recover lost packets through local retransmission.`,
	SilenceUsage: true,
}

// Execute adds all child commands to the root command and runs it
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&topoFile, "topo", "t", "", "topology description (.yaml or .json)")
	_ = rootCmd.MarkPersistentFlagRequired("topo")
}

var topoFile string
