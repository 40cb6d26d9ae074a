package jobs

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/hibiken/asynq"
)

const (
	// QueueDefault is the default queue name for background jobs.
	QueueDefault = "default"
	// TaskTypeSendEmail is the task type for sending transactional emails.
	TaskTypeSendEmail = "mail:send"
	// TaskTypeOverdueSweep is the task type for the periodic overdue sweep.
	TaskTypeOverdueSweep = "invoices:overdue_sweep"
)

// SendEmailPayload describes the information required to send an email.
type SendEmailPayload struct {
	To      string `json:"to"`
	Subject string `json:"subject"`
	Body    string `json:"body"`
}

// NewSendEmailTask constructs an Asynq task.
func NewSendEmailTask(payload SendEmailPayload) (*asynq.Task, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskTypeSendEmail, data), nil
}

// HandleSendEmailTask processes TaskTypeSendEmail tasks.
func HandleSendEmailTask(ctx context.Context, t *asynq.Task) error {
	var payload SendEmailPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return asynq.SkipRetry
	}
	// Placeholder: integrate with the SMTP relay.
	slog.Info("send email", slog.String("to", payload.To), slog.String("subject", payload.Subject))
	return nil
}

// NewOverdueSweepTask constructs the overdue sweep task. The payload carries
// no data; the sweep always runs against the current clock. The uniqueness
// window keeps overlapping enqueues from running the sweep twice.
func NewOverdueSweepTask() *asynq.Task {
	return asynq.NewTask(TaskTypeOverdueSweep, nil,
		asynq.MaxRetry(3),
		asynq.Timeout(2*time.Minute),
		asynq.Unique(30*time.Minute))
}
