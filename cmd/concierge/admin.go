package main

import (
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/rahul/concierge/internal/store"
	"github.com/rahul/concierge/pkg/config"
	"github.com/spf13/cobra"
)

func openStore(configPath string) (*store.Store, *config.Config, error) {
	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		return nil, nil, err
	}
	st, err := store.NewStore(cfg.Memory.Path)
	if err != nil {
		return nil, nil, fmt.Errorf("open store: %w", err)
	}
	return st, cfg, nil
}

func workflowsCmd(configPath *string) *cobra.Command {
	var (
		session  string
		statuses []string
		limit    int
	)

	cmd := &cobra.Command{
		Use:   "workflows",
		Short: "List recorded workflows",
		RunE: func(cmd *cobra.Command, args []string) error {
			st, _, err := openStore(*configPath)
			if err != nil {
				return err
			}
			defer st.Close()

			filter := store.WorkflowFilter{SessionID: session, Limit: limit}
			for _, s := range statuses {
				filter.Statuses = append(filter.Statuses, store.WorkflowStatus(strings.ToUpper(s)))
			}
			list, err := st.ListWorkflows(cmd.Context(), filter)
			if err != nil {
				return err
			}
			return printWorkflows(cmd.OutOrStdout(), list)
		},
	}
	cmd.Flags().StringVarP(&session, "session", "s", "", "Only workflows of this session (e.g. tg:12345)")
	cmd.Flags().StringSliceVar(&statuses, "status", nil, "Only these statuses (e.g. FAILED,ABORTED)")
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "Maximum number of workflows")
	return cmd
}

func printWorkflows(out io.Writer, list []*store.Workflow) error {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tSESSION\tSTATUS\tSTEPS\tUPDATED\tREQUEST")
	for _, wf := range list {
		fmt.Fprintf(w, "%s\t%s\t%s\t%d/%d\t%s\t%s\n",
			wf.ID, wf.SessionID, wf.Status, wf.StepCount, wf.MaxSteps,
			wf.UpdatedAt.Local().Format(time.DateTime), truncate(wf.OriginalRequest, 48))
	}
	return w.Flush()
}

func truncate(s string, n int) string {
	r := []rune(strings.ReplaceAll(s, "\n", " "))
	if len(r) <= n {
		return string(r)
	}
	return string(r[:n-1]) + "…"
}

func draftsCmd(configPath *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "drafts",
		Short: "Maintain pending-action drafts",
	}

	var olderThan time.Duration
	gc := &cobra.Command{
		Use:   "gc",
		Short: "Delete executed and cancelled drafts past the retention window",
		RunE: func(cmd *cobra.Command, args []string) error {
			st, cfg, err := openStore(*configPath)
			if err != nil {
				return err
			}
			defer st.Close()

			retention := cfg.Workflow.DraftRetention.Std()
			if olderThan > 0 {
				retention = olderThan
			}
			n, err := st.DeleteTerminalDrafts(cmd.Context(), time.Now().Add(-retention))
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "deleted %d drafts older than %s\n", n, retention)
			return nil
		},
	}
	gc.Flags().DurationVar(&olderThan, "older-than", 0, "Override workflow.draft_retention")

	cmd.AddCommand(gc)
	return cmd
}
