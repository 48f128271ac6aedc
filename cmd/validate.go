package cmd

import (
	"fmt"
	"io"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/davidroman0O/meroflow/pkg/config"
	"github.com/davidroman0O/meroflow/pkg/validate"
)

var (
	validateOverrides overrideFlags
	validateDryRun    bool
)

// validateCmd represents the validate command
var validateCmd = &cobra.Command{
	Use:   "validate <workflow.yml>",
	Short: "Check a workflow file without running it",
	Long: `Reports every structural problem in the workflow at once. With --dry-run
the variable flow is analysed as well and references to variables that no
step produces are listed as warnings.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		wf, err := loadWorkflow(args[0], validateOverrides)
		if err != nil {
			return err
		}
		return checkWorkflow(cmd.OutOrStdout(), wf, filepath.Dir(args[0]), validateDryRun)
	},
}

// checkWorkflow prints the validation report, and the dry-run analysis when
// asked to. Only validation issues make it fail; dry-run findings are
// warnings.
func checkWorkflow(out io.Writer, wf *config.WorkflowFile, workDir string, dryRun bool) error {
	wf.ApplyDefaults()
	for _, w := range wf.Warnings {
		fmt.Fprintf(out, "Warning: %s\n", w)
	}

	report := validate.Workflow(wf, validate.WithWorkDir(workDir))
	if !report.Valid() {
		fmt.Fprintf(out, "Workflow '%s' has %d issue(s):\n", wf.Name, len(report.Issues))
		for _, msg := range report.Messages() {
			fmt.Fprintf(out, "  - %s\n", msg)
		}
		return report.Err()
	}
	fmt.Fprintf(out, "Workflow '%s' is valid (%d top-level step(s))\n", wf.Name, len(wf.Steps))

	if !dryRun {
		return nil
	}
	dry := validate.DryRun(wf)
	fmt.Fprintf(out, "Produced: %s\n", listOrNone(dry.Produced))
	fmt.Fprintf(out, "Consumed: %s\n", listOrNone(dry.Consumed))
	for _, w := range dry.Warnings {
		fmt.Fprintf(out, "Warning: %s\n", w)
	}
	return nil
}

func listOrNone(names []string) string {
	if len(names) == 0 {
		return "(none)"
	}
	return strings.Join(names, ", ")
}

func init() {
	rootCmd.AddCommand(validateCmd)

	validateOverrides.register(validateCmd)
	validateCmd.Flags().BoolVar(&validateDryRun, "dry-run", false, "Also analyse which variables each step consumes and produces")
}
