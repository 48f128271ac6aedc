package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/davidroman0O/meroflow/pkg/config"
)

var initForce bool

// schemaCmd prints the JSON Schema of workflow files
var schemaCmd = &cobra.Command{
	Use:   "schema",
	Short: "Print the JSON Schema of workflow files",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		data, err := config.SchemaJSON()
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), string(data))
		return nil
	},
}

// initCmd writes a sample workflow
var initCmd = &cobra.Command{
	Use:   "init <output.yml>",
	Short: "Write a sample workflow file",
	Long: `Writes a two-node sample workflow that installs an application, creates a
context and invites the second node into it. Existing files are kept unless
--force is given.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		path := args[0]
		if _, err := os.Stat(path); err == nil && !initForce {
			return fmt.Errorf("%s already exists, use --force to overwrite it", path)
		}

		data, err := config.MarshalYAML(config.SampleWorkflow())
		if err != nil {
			return err
		}
		if err := os.WriteFile(path, data, 0o644); err != nil {
			return fmt.Errorf("failed to write %s: %w", path, err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Sample workflow written to %s\n", path)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(schemaCmd)
	rootCmd.AddCommand(initCmd)

	initCmd.Flags().BoolVar(&initForce, "force", false, "Overwrite an existing file")
}
