package cli

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/spf13/cobra"
)

// NewFlowCmd создаёт группу команд для управления flows.
func NewFlowCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "flow",
		Short: "Manage flows",
	}

	cmd.AddCommand(
		newFlowListCmd(clientFn, outputFn),
		newFlowCreateCmd(clientFn, outputFn),
		newFlowShowCmd(clientFn, outputFn),
		newFlowUpdateCmd(clientFn, outputFn),
		newFlowArchiveCmd(clientFn, outputFn),
	)

	return cmd
}

var flowHeaders = []string{"ID", "STATUS", "TRIGGERS", "TASK", "CREATED"}

func flowRow(f FlowResponse) []string {
	status := f.Status
	if f.Archived {
		status += " (archived)"
	}
	return []string{f.ID, status, strings.Join(f.Triggers, ","), truncate(f.Task, 60), f.CreatedAt}
}

func newFlowListCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	var opts ListFlowsOpts

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List flows",
		RunE: func(cmd *cobra.Command, args []string) error {
			client := clientFn()
			out := outputFn()

			flows, err := client.ListFlows(opts)
			if err != nil {
				return err
			}

			rows := make([][]string, len(flows))
			for i, f := range flows {
				rows[i] = flowRow(f)
			}

			out.Print(flowHeaders, rows, flows)
			return nil
		},
	}

	cmd.Flags().StringVar(&opts.AccountID, "account-id", "", "Filter by account ID")
	cmd.Flags().StringVar(&opts.Status, "status", "", "Filter by status (active, inactive)")
	cmd.Flags().IntVar(&opts.Limit, "limit", 0, "Maximum number of results")

	return cmd
}

func newFlowCreateCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	var req CreateFlowRequest
	var inactive bool

	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a new flow",
		RunE: func(cmd *cobra.Command, args []string) error {
			client := clientFn()
			out := outputFn()

			if inactive {
				active := false
				req.Active = &active
			}

			flow, err := client.CreateFlow(req)
			if err != nil {
				return err
			}

			out.Success(fmt.Sprintf("Flow created: %s", flow.ID))
			out.Print(flowHeaders, [][]string{flowRow(*flow)}, flow)
			return nil
		},
	}

	cmd.Flags().StringVar(&req.AccountID, "account-id", "", "Owner account ID (required)")
	cmd.Flags().StringVar(&req.Task, "task", "", "Task in natural language (required)")
	cmd.Flags().StringArrayVar(&req.Triggers, "trigger", nil, "Trigger expression, e.g. event.every|deploy| (repeatable)")
	cmd.Flags().BoolVar(&inactive, "inactive", false, "Create the flow switched off")
	cmd.MarkFlagRequired("account-id")
	cmd.MarkFlagRequired("task")

	return cmd
}

func newFlowShowCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	return &cobra.Command{
		Use:   "show ID",
		Short: "Show flow details",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := clientFn()
			out := outputFn()

			flow, err := client.GetFlow(args[0])
			if err != nil {
				return err
			}

			out.Detail([]Field{
				{"ID", flow.ID},
				{"Account", flow.AccountID},
				{"Status", flowRow(*flow)[1]},
				{"Triggers", strings.Join(flow.Triggers, ", ")},
				{"Task", flow.Task},
				{"Created", flow.CreatedAt},
				{"Updated", flow.UpdatedAt},
			}, flow)
			return nil
		},
	}
}

func newFlowUpdateCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	var task string
	var triggers []string
	var active string

	cmd := &cobra.Command{
		Use:   "update ID",
		Short: "Update a flow",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := clientFn()
			out := outputFn()

			req := UpdateFlowRequest{}
			if cmd.Flags().Changed("task") {
				req.Task = &task
			}
			if cmd.Flags().Changed("trigger") {
				req.Triggers = &triggers
			}
			if cmd.Flags().Changed("active") {
				b, err := strconv.ParseBool(active)
				if err != nil {
					return fmt.Errorf("invalid value for --active: %s", active)
				}
				status := "inactive"
				if b {
					status = "active"
				}
				req.Status = &status
			}

			flow, err := client.UpdateFlow(args[0], req)
			if err != nil {
				return err
			}

			out.Success("Flow updated")
			out.Print(flowHeaders, [][]string{flowRow(*flow)}, flow)
			return nil
		},
	}

	cmd.Flags().StringVar(&task, "task", "", "New task")
	cmd.Flags().StringArrayVar(&triggers, "trigger", nil, "Replace triggers (repeatable)")
	cmd.Flags().StringVar(&active, "active", "", "Set active status (true/false)")

	return cmd
}

func newFlowArchiveCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	return &cobra.Command{
		Use:     "archive ID",
		Aliases: []string{"delete"},
		Short:   "Archive a flow",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := clientFn()
			out := outputFn()

			if err := client.ArchiveFlow(args[0]); err != nil {
				return err
			}

			out.Success(fmt.Sprintf("Flow archived: %s", args[0]))
			return nil
		},
	}
}

// truncate обрезает строку до n символов для таблиц.
func truncate(s string, n int) string {
	r := []rune(strings.ReplaceAll(s, "\n", " "))
	if len(r) <= n {
		return string(r)
	}
	return string(r[:n-1]) + "…"
}
