package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"go-net-flow/internal/models"
)

var validateCmd = &cobra.Command{
	Use:   "validate <file>...",
	Short: "Check net documents without running them",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		parser := models.NewNetParser()
		failed := 0
		for _, path := range args {
			net, err := parser.ParseFile(path)
			if err != nil {
				failed++
				fmt.Fprintf(cmd.ErrOrStderr(), "%s: %v\n", path, err)
				continue
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s: ok (net %s, %d tasks, %d sub-nets)\n",
				path, net.ID(), len(net.TaskIDs()), len(net.Decompositions()))
		}
		if failed > 0 {
			return fmt.Errorf("%d of %d documents invalid", failed, len(args))
		}
		return nil
	},
}
