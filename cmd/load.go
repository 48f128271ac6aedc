package cmd

import (
	"strings"

	"github.com/spf13/cobra"

	"github.com/davidroman0O/meroflow/errors"
	"github.com/davidroman0O/meroflow/pkg/config"
)

// overrideFlags are the workflow overrides shared by run and validate.
type overrideFlags struct {
	remoteNodes []string
	remoteAuth  []string
	sets        []string
	vars        []string
}

func (o *overrideFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringArrayVar(&o.remoteNodes, "remote-node", nil, "Remote node as name=url, replaces the url from the file")
	cmd.Flags().StringArrayVar(&o.remoteAuth, "remote-auth", nil, "Remote auth as name=none, name=user_password:user:secret or name=api_key:key")
	cmd.Flags().StringArrayVar(&o.sets, "set", nil, "Override a workflow setting, e.g. WaitTimeout=120")
	cmd.Flags().StringArrayVar(&o.vars, "var", nil, "Set a global variable as name=value")
}

// loadWorkflow reads path and applies the command-line overrides on top.
// CLI values replace the whole url or auth block of a remote node.
func loadWorkflow(path string, o overrideFlags) (*config.WorkflowFile, error) {
	wf, err := config.LoadWorkflowFile(path)
	if err != nil {
		return nil, err
	}

	urls, err := config.ParseRemoteNodeFlags(o.remoteNodes)
	if err != nil {
		return nil, err
	}
	auths, err := config.ParseRemoteAuthFlags(o.remoteAuth)
	if err != nil {
		return nil, err
	}
	if err := wf.ApplyRemoteOverrides(config.MergeRemoteOverrides(urls, auths)); err != nil {
		return nil, err
	}
	if err := wf.ApplySetOverrides(o.sets); err != nil {
		return nil, err
	}

	for _, assignment := range o.vars {
		name, raw, ok := strings.Cut(assignment, "=")
		name = strings.TrimSpace(name)
		if !ok || name == "" {
			return nil, errors.Newf(errors.ErrInvalidInput, "invalid --var %q, expected name=value", assignment)
		}
		if wf.Variables == nil {
			wf.Variables = map[string]any{}
		}
		wf.Variables[name] = config.ParseValue(raw)
	}
	return wf, nil
}
