package cli

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/spf13/cobra"
)

// NewEventCmd создаёт группу команд для отправки событий.
func NewEventCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "event",
		Short: "Send integration events",
	}

	cmd.AddCommand(newEventSendCmd(clientFn, outputFn))

	return cmd
}

func newEventSendCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	var req EventRequest
	var fields []string
	var dataJSON string

	cmd := &cobra.Command{
		Use:   "send EVENT_ID",
		Short: "Send an event to flows and waiting nodes",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := clientFn()
			out := outputFn()

			data, err := parseEventData(dataJSON, fields)
			if err != nil {
				return err
			}
			req.EventID = args[0]
			req.EventData = data

			job, err := client.SendEvent(req)
			if err != nil {
				return err
			}

			out.Success(fmt.Sprintf("Event %s accepted: job %s", req.EventID, job.JobID))
			return nil
		},
	}

	cmd.Flags().StringVar(&req.AccountID, "account-id", "", "Account the event belongs to (required)")
	cmd.Flags().StringVar(&req.UserID, "user-id", "", "User the event belongs to")
	cmd.Flags().StringArrayVar(&fields, "data", nil, "Event field as KEY=VALUE (repeatable)")
	cmd.Flags().StringVar(&dataJSON, "data-json", "", "Event data as a JSON object")
	cmd.MarkFlagRequired("account-id")

	return cmd
}

// parseEventData собирает данные события из JSON-объекта и пар KEY=VALUE.
// Пары перекрывают ключи JSON.
func parseEventData(dataJSON string, fields []string) (map[string]any, error) {
	data := make(map[string]any)
	if dataJSON != "" {
		if err := json.Unmarshal([]byte(dataJSON), &data); err != nil {
			return nil, fmt.Errorf("invalid --data-json: %w", err)
		}
	}

	for _, kv := range fields {
		key, value, ok := strings.Cut(kv, "=")
		if !ok || key == "" {
			return nil, fmt.Errorf("invalid data format %q, expected KEY=VALUE", kv)
		}
		data[key] = value
	}

	if len(data) == 0 {
		return nil, nil
	}
	return data, nil
}
