package usecase

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"contractor-dispatch/internal/domain"
	"contractor-dispatch/internal/metrics"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// DispatchPingAction tags push payloads so the mobile client opens the offer screen.
const DispatchPingAction = "dispatch_ping"

// Offer pairs a freshly created assignment with the token used to reach its contractor.
type Offer struct {
	Assignment *domain.JobAssignment
	Token      string
}

// PushFanout delivers offer notifications in the background. Callers never wait on it.
type PushFanout struct {
	gateway domain.NotificationGateway
	timeout time.Duration
	wg      sync.WaitGroup
	logger  *slog.Logger
	tracer  trace.Tracer
}

func NewPushFanout(gateway domain.NotificationGateway, timeout time.Duration, logger *slog.Logger) *PushFanout {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &PushFanout{
		gateway: gateway,
		timeout: timeout,
		logger:  logger.With("component", "push-fanout"),
		tracer:  otel.Tracer("contractor-dispatch-usecase"),
	}
}

// Notify starts one delivery per offer. Offers without a token are skipped.
func (f *PushFanout) Notify(ctx context.Context, job domain.Job, offers []Offer) {
	for _, o := range offers {
		if o.Token == "" {
			metrics.PushDeliveriesTotal.WithLabelValues("skipped").Inc()
			f.logger.Debug("no push token for contractor", "contractor_id", o.Assignment.ContractorID, "job_id", job.ID)
			continue
		}

		msg := BuildOfferMessage(job, o.Assignment)
		f.wg.Add(1)
		go func(o Offer) {
			defer f.wg.Done()
			f.deliver(ctx, o, msg)
		}(o)
	}
}

func (f *PushFanout) deliver(parent context.Context, o Offer, msg domain.PushMessage) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(parent), f.timeout)
	defer cancel()
	ctx, span := f.tracer.Start(ctx, "push.Deliver", trace.WithAttributes(
		attribute.String("assignment.id", o.Assignment.ID),
		attribute.String("contractor.id", o.Assignment.ContractorID),
	))
	defer span.End()

	if err := f.gateway.Deliver(ctx, o.Token, msg); err != nil {
		span.RecordError(err)
		metrics.PushDeliveriesTotal.WithLabelValues("failed").Inc()
		f.logger.Warn("failed to deliver offer notification",
			"assignment_id", o.Assignment.ID,
			"contractor_id", o.Assignment.ContractorID,
			"error", err,
		)
		return
	}
	metrics.PushDeliveriesTotal.WithLabelValues("sent").Inc()
}

// Drain waits for in-flight deliveries to finish.
func (f *PushFanout) Drain() {
	f.wg.Wait()
}

// BuildOfferMessage renders the push notification for one offer.
func BuildOfferMessage(job domain.Job, a *domain.JobAssignment) domain.PushMessage {
	jobType := job.Title
	if jobType == "" {
		jobType = "New"
	}
	window := a.ExpiresAt.Sub(a.OfferedAt)
	seconds := int(window.Round(time.Second).Seconds())

	return domain.PushMessage{
		Title: "New Job Alert!",
		Body: fmt.Sprintf("%s job %.1f miles away - $%.0f. Accept in %d:%02d!",
			jobType, a.DistanceMiles, job.EstimatedValue, seconds/60, seconds%60),
		Data: map[string]any{
			"assignmentId":     a.ID,
			"jobId":            a.JobID,
			"action":           DispatchPingAction,
			"expiresAt":        a.ExpiresAt.Format(time.RFC3339),
			"countdownSeconds": seconds,
		},
	}
}
