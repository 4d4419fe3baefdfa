package sender

import (
	"context"
	"errors"

	"github.com/opd-ai/swarmchat/messaging"
)

// ErrNoQueue is returned by SendDurably when the Sender has no job queue.
var ErrNoQueue = errors.New("sender: no job queue configured")

// SendJob is a queued send. Retries reuse the timestamp stamped by the first
// attempt so receivers see one message.
type SendJob struct {
	Sender      *Sender
	Message     *messaging.Message
	Destination messaging.Destination
}

// Name implements jobqueue.Job.
func (j *SendJob) Name() string {
	return "send_" + j.Message.KindName()
}

// Execute implements jobqueue.Job.
func (j *SendJob) Execute(ctx context.Context) error {
	return j.Sender.Send(ctx, j.Message, j.Destination)
}

// SendDurably enqueues msg on the job queue. Failures are retried while
// messaging.IsRetryable reports them as transient. The channel carries the
// final result.
func (s *Sender) SendDurably(msg *messaging.Message, dest messaging.Destination) (string, <-chan error, error) {
	if s.queue == nil {
		return "", nil, ErrNoQueue
	}
	if msg.SentTimestamp == 0 {
		msg.SentTimestamp = s.now()
	}
	return s.queue.Enqueue(&SendJob{Sender: s, Message: msg, Destination: dest})
}
