package sqs

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lalithlochan/herald/internal/apperr"
	"github.com/lalithlochan/herald/internal/events"
	"github.com/lalithlochan/herald/internal/memstore"
	"github.com/lalithlochan/herald/internal/model"
)

// fakeSQS serves one batch and records deletes and visibility changes.
type fakeSQS struct {
	batch      []types.Message
	receiveErr error
	deleted    []string
	retried    map[string]int32
}

func (f *fakeSQS) ReceiveMessage(context.Context, *sqs.ReceiveMessageInput, ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error) {
	if f.receiveErr != nil {
		return nil, f.receiveErr
	}
	batch := f.batch
	f.batch = nil
	return &sqs.ReceiveMessageOutput{Messages: batch}, nil
}

func (f *fakeSQS) DeleteMessage(_ context.Context, in *sqs.DeleteMessageInput, _ ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error) {
	f.deleted = append(f.deleted, aws.ToString(in.ReceiptHandle))
	return &sqs.DeleteMessageOutput{}, nil
}

func (f *fakeSQS) ChangeMessageVisibility(_ context.Context, in *sqs.ChangeMessageVisibilityInput, _ ...func(*sqs.Options)) (*sqs.ChangeMessageVisibilityOutput, error) {
	if f.retried == nil {
		f.retried = map[string]int32{}
	}
	f.retried[aws.ToString(in.ReceiptHandle)] = in.VisibilityTimeout
	return &sqs.ChangeMessageVisibilityOutput{}, nil
}

func message(handle, body string) types.Message {
	return types.Message{
		MessageId:     aws.String("msg-" + handle),
		ReceiptHandle: aws.String(handle),
		Body:          aws.String(body),
	}
}

// failingRecorder returns err for every callback.
type failingRecorder struct{ err error }

func (f failingRecorder) Record(context.Context, string, string, map[string]any) (*model.DeliveryLog, error) {
	return nil, f.err
}

func TestPoll_AppliesAndRejects(t *testing.T) {
	store := memstore.New()
	now := time.Now()
	l := &model.DeliveryLog{Token: "tok", Category: model.CategorySystem, Status: model.DeliverySent, SentAt: &now}
	if err := store.CreateDeliveryLog(context.Background(), l); err != nil {
		t.Fatalf("seed: %v", err)
	}

	fake := &fakeSQS{batch: []types.Message{
		message("ok", `{"logId":"`+l.ID.String()+`","event":"clicked","metadata":{"button":"cta"}}`),
		message("unknown-log", `{"logId":"`+uuid.NewString()+`","event":"opened"}`),
		message("bad-event", `{"logId":"`+l.ID.String()+`","event":"shared"}`),
		message("garbage", `not json`),
	}}
	c := newEventConsumer(fake, Config{QueueURL: "q"}, events.NewService(store, zap.NewNop()), zap.NewNop())

	outcomes, err := c.Poll(context.Background())
	if err != nil {
		t.Fatalf("Poll: %v", err)
	}

	want := []Outcome{OutcomeApplied, OutcomeRejected, OutcomeRejected, OutcomeRejected}
	if len(outcomes) != len(want) {
		t.Fatalf("got %d outcomes, want %d", len(outcomes), len(want))
	}
	for i := range want {
		if outcomes[i] != want[i] {
			t.Errorf("message %d: outcome %s, want %s", i, outcomes[i], want[i])
		}
	}
	if len(fake.deleted) != 4 {
		t.Errorf("expected all 4 messages deleted, got %v", fake.deleted)
	}

	got, _ := store.DeliveryLog(l.ID)
	if got.Status != model.DeliveryClicked || got.ClickedAt == nil || got.DeliveredAt == nil {
		t.Errorf("event not applied: %+v", got)
	}
}

func TestPoll_InfrastructureErrorLeavesMessage(t *testing.T) {
	tests := []struct {
		name string
		err  error
	}{
		{"store down", apperr.Infrastructure("apply event", errors.New("connection reset"))},
		{"schema behind", apperr.MigrationRequired(errors.New("column opened_at does not exist"))},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fake := &fakeSQS{batch: []types.Message{message("h1", `{"logId":"`+uuid.NewString()+`","event":"opened"}`)}}
			c := newEventConsumer(fake, Config{QueueURL: "q", RetryDelay: 45 * time.Second}, failingRecorder{tt.err}, zap.NewNop())

			outcomes, err := c.Poll(context.Background())
			if err != nil {
				t.Fatalf("Poll: %v", err)
			}
			if len(outcomes) != 1 || outcomes[0] != OutcomeRetry {
				t.Fatalf("expected retry, got %v", outcomes)
			}
			if len(fake.deleted) != 0 {
				t.Errorf("message should not be deleted, got %v", fake.deleted)
			}
			if fake.retried["h1"] != 45 {
				t.Errorf("visibility = %d, want 45", fake.retried["h1"])
			}
		})
	}
}

func TestPoll_ReceiveError(t *testing.T) {
	fake := &fakeSQS{receiveErr: errors.New("throttled")}
	c := newEventConsumer(fake, Config{QueueURL: "q"}, failingRecorder{}, zap.NewNop())

	if _, err := c.Poll(context.Background()); err == nil {
		t.Fatal("expected receive error")
	}
}

func TestStart_StopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	done := make(chan struct{})
	go func() {
		newEventConsumer(&fakeSQS{}, Config{QueueURL: "q"}, failingRecorder{}, zap.NewNop()).Start(ctx)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Start did not return after cancellation")
	}
}
