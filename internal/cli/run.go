package cli

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"
)

// NewRunCmd создаёт группу команд для управления runs.
func NewRunCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Manage runs",
	}

	cmd.AddCommand(
		newRunListCmd(clientFn, outputFn),
		newRunStartCmd(clientFn, outputFn),
		newRunShowCmd(clientFn, outputFn),
		newRunStopCmd(clientFn, outputFn),
		newRunInputCmd(clientFn, outputFn),
		newRunGifCmd(clientFn, outputFn),
		newRunMessagesCmd(clientFn, outputFn),
	)

	return cmd
}

var runHeaders = []string{"ID", "FLOW_ID", "STATUS", "TRIGGER", "CREATED"}

func runRow(r RunResponse) []string {
	return []string{r.ID, r.FlowID, r.Status, r.TriggerType, r.CreatedAt}
}

func newRunListCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	var opts ListRunsOpts

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List runs",
		RunE: func(cmd *cobra.Command, args []string) error {
			client := clientFn()
			out := outputFn()

			runs, err := client.ListRuns(opts)
			if err != nil {
				return err
			}

			rows := make([][]string, len(runs))
			for i, r := range runs {
				rows[i] = runRow(r)
			}

			out.Print(runHeaders, rows, runs)
			return nil
		},
	}

	cmd.Flags().StringVar(&opts.FlowID, "flow-id", "", "Filter by flow ID")
	cmd.Flags().StringVar(&opts.Status, "status", "", "Filter by status (scheduled, running, waiting, waiting_for_children, completed, error)")
	cmd.Flags().IntVar(&opts.Limit, "limit", 0, "Maximum number of results")

	return cmd
}

func newRunStartCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	var req CreateRunRequest
	var wait bool
	var timeout time.Duration

	cmd := &cobra.Command{
		Use:   "start FLOW_ID",
		Short: "Start a new run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := clientFn()
			out := outputFn()

			job, err := client.CreateRun(args[0], req)
			if err != nil {
				return err
			}
			if !job.Queued {
				out.Success(fmt.Sprintf("Run already requested: job %s", job.JobID))
			} else {
				out.Success(fmt.Sprintf("Run requested: job %s", job.JobID))
			}

			if !wait {
				out.Print([]string{"JOB_ID", "NAME", "QUEUED"},
					[][]string{{job.JobID, job.Name, strconv.FormatBool(job.Queued)}}, job)
				return nil
			}

			run, err := client.WaitForRun(args[0], job.JobID, timeout)
			if err != nil {
				return err
			}

			out.Success(fmt.Sprintf("Run started: %s", run.ID))
			out.Print(runHeaders, [][]string{runRow(*run)}, run)
			return nil
		},
	}

	cmd.Flags().StringVar(&req.Input, "input", "", "Input for the agent")
	cmd.Flags().StringVar(&req.UserID, "user-id", "", "User who starts the run")
	cmd.Flags().StringVar(&req.IdempotencyKey, "idempotency-key", "", "Job ID; repeating a key does not start a second run")
	cmd.Flags().BoolVar(&wait, "wait", false, "Wait until the run is created")
	cmd.Flags().DurationVar(&timeout, "timeout", 30*time.Second, "How long --wait polls for the run")

	return cmd
}

func newRunShowCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	return &cobra.Command{
		Use:   "show ID",
		Short: "Show run details and its node tree",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := clientFn()
			out := outputFn()

			run, err := client.GetRun(args[0])
			if err != nil {
				return err
			}

			if out.jsonMode {
				out.JSON(run)
				return nil
			}

			out.Detail([]Field{
				{"ID", run.ID},
				{"Flow", run.FlowID},
				{"Status", run.Status},
				{"Trigger", run.TriggerType},
				{"Input", run.Input},
				{"Error", run.Error},
				{"Summary", run.Summary},
				{"GIF", run.GifURL},
				{"Started", run.StartedAt},
				{"Finished", run.FinishedAt},
			}, run)
			if len(run.Nodes) == 0 {
				return nil
			}
			fmt.Fprintln(out.w)

			rows := make([][]string, len(run.Nodes))
			for i, n := range run.Nodes {
				input := strings.Repeat("  ", n.ThreadLevel) + truncate(n.Input, 50)
				rows[i] = []string{n.ID, n.Status, strconv.Itoa(n.Steps), n.TriggerWait, input}
			}
			out.Table([]string{"NODE_ID", "STATUS", "STEPS", "WAITING_FOR", "INPUT"}, rows)
			return nil
		},
	}
}

func newRunStopCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	return &cobra.Command{
		Use:     "stop ID",
		Aliases: []string{"cancel"},
		Short:   "Stop a run",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := clientFn()
			out := outputFn()

			if _, err := client.StopRun(args[0]); err != nil {
				return err
			}

			out.Success(fmt.Sprintf("Stop requested: %s", args[0]))
			return nil
		},
	}
}

func newRunInputCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	var req UserInputRequest

	cmd := &cobra.Command{
		Use:   "input RUN_ID TEXT",
		Short: "Answer a question the agent asked",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := clientFn()
			out := outputFn()

			req.Input = args[1]
			if _, err := client.SendInput(args[0], req); err != nil {
				return err
			}

			out.Success(fmt.Sprintf("Input sent to run %s", args[0]))
			return nil
		},
	}

	cmd.Flags().StringVar(&req.NodeID, "node-id", "", "Node that asked (needed when several nodes wait)")
	cmd.Flags().StringVar(&req.UserID, "user-id", "", "User who answers")

	return cmd
}

func newRunGifCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	return &cobra.Command{
		Use:   "gif ID",
		Short: "Render a GIF from the run screenshots",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := clientFn()
			out := outputFn()

			if _, err := client.CreateGif(args[0]); err != nil {
				return err
			}

			out.Success(fmt.Sprintf("GIF requested for run %s; see gif_url in `run show`", args[0]))
			return nil
		},
	}
}

func newRunMessagesCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	var segment string

	cmd := &cobra.Command{
		Use:   "messages RUN_ID",
		Short: "Show the run message log",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := clientFn()
			out := outputFn()

			msgs, err := client.ListMessages(args[0], segment)
			if err != nil {
				return err
			}

			rows := make([][]string, len(msgs))
			for i, m := range msgs {
				var parts []string
				for _, b := range m.Blocks {
					if b.Type == "image" {
						parts = append(parts, "[image]")
						continue
					}
					parts = append(parts, b.Content)
				}
				rows[i] = []string{m.CreatedAt, m.Segment, m.Role, truncate(strings.Join(parts, " "), 80)}
			}

			out.Print([]string{"TIME", "SEGMENT", "ROLE", "CONTENT"}, rows, msgs)
			return nil
		},
	}

	cmd.Flags().StringVar(&segment, "segment", "", "Only this segment (agent, user)")

	return cmd
}
