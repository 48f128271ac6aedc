package cmd

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"
)

var (
	nodesTail    int
	nodesStopAll bool
)

// nodesCmd groups the local node commands
var nodesCmd = &cobra.Command{
	Use:   "nodes",
	Short: "Inspect and stop local nodes",
	Long: `Commands for the local nodes left running by a workflow, for example one
run with --no-teardown. They act on the runtime selected by --runtime.`,
}

var nodesListCmd = &cobra.Command{
	Use:   "list",
	Short: "List running local nodes",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		nodes, err := newNodeManager()
		if err != nil {
			return err
		}
		defer nodes.Close()

		names, err := nodes.Running(cmd.Context())
		if err != nil {
			return err
		}
		if len(names) == 0 {
			fmt.Fprintln(cmd.OutOrStdout(), "No running nodes")
			return nil
		}
		fmt.Fprintln(cmd.OutOrStdout(), strings.Join(names, "\n"))
		return nil
	},
}

var nodesLogsCmd = &cobra.Command{
	Use:   "logs <name>",
	Short: "Print the output of a local node",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		nodes, err := newNodeManager()
		if err != nil {
			return err
		}
		defer nodes.Close()

		out, err := nodes.Logs(cmd.Context(), args[0], nodesTail)
		if err != nil {
			return err
		}
		fmt.Fprint(cmd.OutOrStdout(), out)
		return nil
	},
}

var nodesStopCmd = &cobra.Command{
	Use:   "stop [name...]",
	Short: "Stop local nodes",
	RunE: func(cmd *cobra.Command, args []string) error {
		if len(args) == 0 && !nodesStopAll {
			return fmt.Errorf("name at least one node or pass --all")
		}

		nodes, err := newNodeManager()
		if err != nil {
			return err
		}
		defer nodes.Close()

		if nodesStopAll {
			return nodes.StopAll(cmd.Context())
		}
		for _, name := range args {
			logger.Info("Stopping node %s", name)
			if err := nodes.Stop(cmd.Context(), name); err != nil {
				return err
			}
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(nodesCmd)
	nodesCmd.AddCommand(nodesListCmd, nodesLogsCmd, nodesStopCmd)

	nodesLogsCmd.Flags().IntVar(&nodesTail, "tail", 100, "Number of lines to show, 0 for all")
	nodesStopCmd.Flags().BoolVar(&nodesStopAll, "all", false, "Stop every running node")
}
