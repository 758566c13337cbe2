package alert

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/seedprice-pipeline/internal/broker"
	"github.com/JakeFAU/seedprice-pipeline/internal/pipeline"
)

type fakeMailer struct {
	sent []Message
	err  error
}

func (m *fakeMailer) Send(_ context.Context, msg Message) (string, error) {
	if m.err != nil {
		return "", m.err
	}
	m.sent = append(m.sent, msg)
	return "msg-1", nil
}

func alertJob() broker.Job {
	return broker.Job{ID: "detect:job-1:u1", Queue: pipeline.QueueAlert, Attempt: 1, MaxAttempts: 3}
}

func TestSenderHandle(t *testing.T) {
	t.Parallel()
	mailer := &fakeMailer{}
	s, err := NewSender(mailer, "https://seeds.example", nil)
	require.NoError(t, err)

	res, err := s.Handle(context.Background(), alertJob(), payload(okraDrop))
	require.NoError(t, err)
	require.Equal(t, pipeline.AlertResult{EmailSent: true, MessageID: "msg-1"}, res)
	require.Len(t, mailer.sent, 1)
	require.Equal(t, "uma@example.com", mailer.sent[0].To)
}

func TestSenderDeliveryErrorIsRetryable(t *testing.T) {
	t.Parallel()
	s, err := NewSender(&fakeMailer{err: errors.New("connection reset")}, "", nil)
	require.NoError(t, err)

	_, err = s.Handle(context.Background(), alertJob(), payload(okraDrop))
	require.Error(t, err)
	require.False(t, broker.IsPermanent(err))
}

func TestSenderHandlerDecodesPayload(t *testing.T) {
	t.Parallel()
	mailer := &fakeMailer{}
	s, err := NewSender(mailer, "", nil)
	require.NoError(t, err)

	job := alertJob()
	job.Payload, err = json.Marshal(payload(okraDrop))
	require.NoError(t, err)
	out, err := s.Handler()(context.Background(), job)
	require.NoError(t, err)
	require.Equal(t, pipeline.AlertResult{EmailSent: true, MessageID: "msg-1"}, out)

	job.Payload = json.RawMessage(`{"userId":"u1","email":"nope"}`)
	_, err = s.Handler()(context.Background(), job)
	require.True(t, broker.IsPermanent(err))
}

func TestNewSenderRequiresMailer(t *testing.T) {
	t.Parallel()
	_, err := NewSender(nil, "", nil)
	require.Error(t, err)
}
