package jobs

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shaiso/navigator/internal/queue"
)

func TestJobIDs(t *testing.T) {
	runID := uuid.MustParse("11111111-1111-1111-1111-111111111111")
	nodeID := uuid.MustParse("22222222-2222-2222-2222-222222222222")

	assert.Equal(t, runID.String()+"-"+nodeID.String()+"-step-3", StepJobID(runID, nodeID, 3))
	assert.Equal(t, runID.String()+"-"+nodeID.String()+"-join-2", JoinJobID(runID, nodeID, 2))
	assert.Equal(t, runID.String()+"-"+nodeID.String()+"-process-trigger", TriggerJobID(runID, nodeID))
}

func TestDecode(t *testing.T) {
	tests := []struct {
		name    string
		data    string
		target  any
		wantErr bool
	}{
		{
			name:   "create-run",
			data:   `{"accountId":"11111111-1111-1111-1111-111111111111","flowId":"22222222-2222-2222-2222-222222222222","triggerType":"event"}`,
			target: &CreateRun{},
		},
		{
			name:    "create-run without flow",
			data:    `{"accountId":"11111111-1111-1111-1111-111111111111"}`,
			target:  &CreateRun{},
			wantErr: true,
		},
		{
			name:    "create-run bad trigger type",
			data:    `{"accountId":"11111111-1111-1111-1111-111111111111","flowId":"22222222-2222-2222-2222-222222222222","triggerType":"cron"}`,
			target:  &CreateRun{},
			wantErr: true,
		},
		{
			name:    "advance-node negative step",
			data:    `{"runId":"11111111-1111-1111-1111-111111111111","nodeId":"22222222-2222-2222-2222-222222222222","step":-1}`,
			target:  &AdvanceNode{},
			wantErr: true,
		},
		{
			name:   "process-event",
			data:   `{"user_id":"u","account_id":"11111111-1111-1111-1111-111111111111","event_id":"evt-1","event_data":{"a":1}}`,
			target: &ProcessEvent{},
		},
		{
			name:    "process-event with separator in id",
			data:    `{"account_id":"11111111-1111-1111-1111-111111111111","event_id":"a|b"}`,
			target:  &ProcessEvent{},
			wantErr: true,
		},
		{
			name:    "malformed json",
			data:    `{"runId":`,
			target:  &StopRun{},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			job := &queue.Job{Queue: queue.Flow, Name: "test", Data: json.RawMessage(tt.data), Timestamp: time.Now()}
			err := Decode(job, tt.target)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
		})
	}
}

type capturedJobs struct {
	jobs []*queue.Job
}

func (b *capturedJobs) Publish(_ context.Context, job *queue.Job, _ time.Duration) error {
	b.jobs = append(b.jobs, job)
	return nil
}

func (b *capturedJobs) Consume(ctx context.Context, _ queue.Name, _ int, _ func(context.Context, *queue.Job) error) error {
	<-ctx.Done()
	return ctx.Err()
}

func (b *capturedJobs) DeadLetter(context.Context, *queue.Job, string) error { return nil }

func TestGifOptions_AllowsNewRequestAfterProcessing(t *testing.T) {
	ctx := context.Background()
	backend := &capturedJobs{}
	ledger := queue.NewMemoryLedger()
	reg := queue.NewRegistry(queue.ClientConfig{Backend: backend, Ledger: ledger})
	w := queue.NewWorker(queue.WorkerConfig{Backend: backend, Ledger: ledger})
	w.Handle(QueueCreateGif, NameCreateGif, func(context.Context, *queue.Job) error { return nil })

	runID := uuid.New()
	payload := CreateGif{FlowID: uuid.New(), RunID: runID}

	added, err := reg.Add(ctx, QueueCreateGif, NameCreateGif, payload, GifOptions(runID))
	require.NoError(t, err)
	assert.True(t, added)

	// Пока job в очереди, повторный запрос схлопывается.
	added, err = reg.Add(ctx, QueueCreateGif, NameCreateGif, payload, GifOptions(runID))
	require.NoError(t, err)
	assert.False(t, added)

	require.Len(t, backend.jobs, 1)
	require.NoError(t, w.Process(ctx, backend.jobs[0]))

	added, err = reg.Add(ctx, QueueCreateGif, NameCreateGif, payload, GifOptions(runID))
	require.NoError(t, err)
	assert.True(t, added)
}
