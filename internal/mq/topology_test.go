package mq

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/shaiso/navigator/internal/queue"
)

func TestPickTier(t *testing.T) {
	tests := []struct {
		delay time.Duration
		want  time.Duration
		ok    bool
	}{
		{500 * time.Millisecond, 0, false},
		{time.Second, time.Second, true},
		{4 * time.Second, time.Second, true},
		{45 * time.Second, 30 * time.Second, true},
		{3 * time.Hour, time.Hour, true},
	}

	for _, tt := range tests {
		t.Run(tt.delay.String(), func(t *testing.T) {
			got, ok := pickTier(tt.delay)
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestQueueNames(t *testing.T) {
	assert.Equal(t, "navigator.flow", QueueName(queue.Flow))
	assert.Equal(t, "navigator.agent.delay.30s", delayQueueName(queue.Agent, 30*time.Second))
	assert.Contains(t, TopologyInfo(), "navigator.integrations")
}
