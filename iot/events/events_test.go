package events

import (
	"context"
	"errors"
	"testing"

	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSQS struct {
	inputs []*sqs.SendMessageInput
	err    error
}

func (f *fakeSQS) SendMessage(ctx context.Context, params *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.inputs = append(f.inputs, params)
	return &sqs.SendMessageOutput{}, nil
}

func TestSQSSink(t *testing.T) {
	client := &fakeSQS{}
	sink := NewSQSSinkWithClient(client, "https://sqs.eu-central-1.amazonaws.com/123/events")

	e := New(VerificationRequired, "alice@example.com", "alice@example.com")
	require.NoError(t, sink.Publish(context.Background(), e))
	require.Len(t, client.inputs, 1)
	assert.Equal(t, "https://sqs.eu-central-1.amazonaws.com/123/events", *client.inputs[0].QueueUrl)
	assert.Equal(t, string(VerificationRequired), *client.inputs[0].MessageAttributes["type"].StringValue)

	var decoded Event
	require.NoError(t, json.Unmarshal([]byte(*client.inputs[0].MessageBody), &decoded))
	assert.Equal(t, e.ID, decoded.ID)
	assert.Equal(t, "alice@example.com", decoded.UserID)

	client.err = errors.New("throttled")
	assert.Error(t, sink.Publish(context.Background(), e))
}

func TestFanoutAndRecorder(t *testing.T) {
	first, second := NewRecorder(4), NewRecorder(1)
	fanout := Fanout{LogSink{}, first, second}

	a := New(DeviceActivated, "alice", "dev1")
	b := New(DeviceRemoved, "alice", "dev1")
	err := fanout.Publish(context.Background(), a, b)
	assert.Error(t, err, "the second recorder overflows")

	got := first.Events()
	require.Len(t, got, 2)
	assert.Equal(t, DeviceActivated, got[0].Type)
	assert.Equal(t, DeviceRemoved, got[1].Type)
	assert.Empty(t, first.Events(), "events are drained")
	assert.Len(t, second.Events(), 1)
}

func TestKey(t *testing.T) {
	assert.Equal(t, "alice", New(JobScheduled, "alice", "dev1").Key())
	assert.Equal(t, "dev1", New(JobScheduled, "", "dev1").Key())
	assert.NotEqual(t, New(JobRemoved, "", "").ID, New(JobRemoved, "", "").ID)
}
