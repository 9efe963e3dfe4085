package jobqueue

import (
	"context"
	"fmt"

	"github.com/ommanoj88/SEV-sub002/internal/pkg/notification"
)

// EmailEnqueuer satisfies notification.Mailer by queueing send_email jobs, so SMTP latency
// and outages never block billing operations.
type EmailEnqueuer struct {
	queue *Queue
}

// NewEmailEnqueuer registers a send_email handler that delivers through mailer.
func NewEmailEnqueuer(queue *Queue, mailer notification.Mailer) *EmailEnqueuer {
	queue.Register(JobTypeSendEmail, func(ctx context.Context, job *Job) error {
		payload, err := SendEmailJobPayloadFromMap(job.Payload)
		if err != nil {
			return fmt.Errorf("%w: bad payload: %v", ErrPermanent, err)
		}
		if payload.To == "" {
			return fmt.Errorf("%w: empty recipient", ErrPermanent)
		}
		return mailer.SendMail(payload.To, payload.Subject, payload.Body)
	})
	return &EmailEnqueuer{queue: queue}
}

func (e *EmailEnqueuer) SendMail(to string, subject string, body string) error {
	payload := SendEmailJobPayload{To: to, Subject: subject, Body: body}
	_, err := e.queue.EnqueueJob(context.Background(), JobTypeSendEmail, payload.ToMap())
	return err
}
