package main

import (
	"fmt"

	"github.com/iti/gosmpls"
	"github.com/spf13/cobra"
)

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Check a topology description",
	Long:  `Reads the topology description and reports every configuration problem found in it.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := gosmpls.CheckReadableFiles([]string{topoFile}); err != nil {
			return err
		}
		tc, err := gosmpls.ReadTopoCfg(topoFile, gosmpls.UseYAML(topoFile), nil)
		if err != nil {
			return err
		}
		if _, err := gosmpls.BuildExperiment(tc, nil, gosmpls.DefaultProtocolCfg(), nil); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s: %d nodes, %d links, %d flows\n",
			tc.Name, len(tc.Nodes), len(tc.Links), len(tc.Traffic))
		return nil
	},
}

func init() {
	rootCmd.AddCommand(validateCmd)
}
