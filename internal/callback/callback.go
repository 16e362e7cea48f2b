// Package callback routes finished background jobs back to the session
// that started them. A job carries a serialized Address instead of a live
// connection, so delivery works even when the process that enqueued the
// job is long gone.
package callback

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/polymathlabs/polymath/internal/broadcast"
	"github.com/polymathlabs/polymath/internal/observability"
	"github.com/polymathlabs/polymath/internal/sessions"
	"github.com/polymathlabs/polymath/internal/workflow"
	"github.com/polymathlabs/polymath/pkg/models"
)

// Address identifies the conversation a job result should land in. The
// session id is the fast path; the key lets the courier rehydrate the
// session if it was pruned while the job ran.
type Address struct {
	SessionID  string `json:"session_id"`
	SessionKey string `json:"session_key,omitempty"`
}

// Encode serializes the address for storage on a job record.
func (a Address) Encode() (json.RawMessage, error) {
	if a.SessionID == "" && a.SessionKey == "" {
		return nil, errors.New("address requires a session id or key")
	}
	return json.Marshal(a)
}

// DecodeAddress parses a serialized address.
func DecodeAddress(raw json.RawMessage) (Address, error) {
	var addr Address
	if len(raw) == 0 {
		return addr, errors.New("empty callback address")
	}
	if err := json.Unmarshal(raw, &addr); err != nil {
		return addr, fmt.Errorf("decode callback address: %w", err)
	}
	if addr.SessionID == "" && addr.SessionKey == "" {
		return addr, errors.New("callback address names no session")
	}
	return addr, nil
}

// DeliveryError reports a callback that could not reach its session. The
// job stays terminal; the result simply has nowhere to go.
type DeliveryError struct {
	JobID string
	Cause error
}

func (e *DeliveryError) Error() string {
	return fmt.Sprintf("callback for job %s undeliverable: %v", e.JobID, e.Cause)
}

func (e *DeliveryError) Unwrap() error { return e.Cause }

// Courier appends job outcomes to session history and announces them on
// the broadcast hub. It implements workflow.Callback.
type Courier struct {
	store   sessions.Store
	hub     *broadcast.Hub
	logger  *observability.Logger
	metrics *observability.Metrics
}

// NewCourier creates a courier. logger may be nil.
func NewCourier(store sessions.Store, hub *broadcast.Hub, logger *observability.Logger, metrics *observability.Metrics) *Courier {
	if logger == nil {
		logger = observability.NopLogger()
	}
	return &Courier{store: store, hub: hub, logger: logger, metrics: metrics}
}

// Notify delivers a terminal job's outcome to its addressed session:
// exactly one system turn is appended, and subscribers on the session's
// event channel see a job_completed or job_failed event. A job with no
// callback address is silently skipped. An unroutable address is logged
// and counted; delivery is not retried.
func (c *Courier) Notify(ctx context.Context, job *workflow.Job, result string, failure error) {
	if len(job.Callback) == 0 {
		return
	}
	if err := c.deliver(ctx, job, result, failure); err != nil {
		c.count("undeliverable")
		c.logger.Error(ctx, "callback delivery failed",
			"job_id", job.ID,
			"workflow", job.Workflow,
			"error", err,
		)
		return
	}
	c.count("delivered")
}

func (c *Courier) deliver(ctx context.Context, job *workflow.Job, result string, failure error) error {
	addr, err := DecodeAddress(job.Callback)
	if err != nil {
		return &DeliveryError{JobID: job.ID, Cause: err}
	}

	session, err := c.resolve(ctx, addr)
	if err != nil {
		return &DeliveryError{JobID: job.ID, Cause: err}
	}

	content := result
	eventType := models.EventJobCompleted
	if failure != nil {
		content = fmt.Sprintf("Background %s job failed: %v", job.Workflow, failure)
		eventType = models.EventJobFailed
	}
	if strings.TrimSpace(content) == "" {
		content = fmt.Sprintf("Background %s job finished with no output.", job.Workflow)
	}

	msg := &models.Message{
		Role:     models.RoleSystem,
		Content:  content,
		Metadata: map[string]any{"job_id": job.ID, "workflow": job.Workflow},
	}
	if err := c.store.AppendMessage(ctx, session.ID, msg); err != nil {
		return &DeliveryError{JobID: job.ID, Cause: err}
	}

	c.hub.Publish(models.SessionEvent{
		Type:      eventType,
		SessionID: session.ID,
		JobID:     job.ID,
		Text:      content,
	})
	c.logger.Info(ctx, "callback delivered",
		"job_id", job.ID,
		"workflow", job.Workflow,
		"session_id", session.ID,
	)
	return nil
}

// resolve finds the addressed session, rehydrating it by key when the
// original record was pruned during a long-running job.
func (c *Courier) resolve(ctx context.Context, addr Address) (*models.Session, error) {
	if addr.SessionID != "" {
		session, err := c.store.Get(ctx, addr.SessionID)
		if err == nil {
			return session, nil
		}
		if !errors.Is(err, sessions.ErrNotFound) {
			return nil, err
		}
	}
	if addr.SessionKey == "" {
		return nil, sessions.ErrNotFound
	}
	return c.store.GetOrCreate(ctx, addr.SessionKey)
}

func (c *Courier) count(status string) {
	if c.metrics != nil {
		c.metrics.CallbackCounter.WithLabelValues(status).Inc()
	}
}
