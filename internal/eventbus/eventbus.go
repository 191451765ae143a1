// Package eventbus publishes read-only schedule/execution snapshots
// to NATS subjects so external collaborators (chart renderers,
// reporting tools named in spec §6) can subscribe without polling
// cmd/ccpmd. Adapted from the teacher's libs/go/core/natsctx, which
// injects/extracts W3C trace context over NATS headers; used only by
// the demo service, never by the synchronous core.
package eventbus

import (
	"context"
	"encoding/json"

	"github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
)

// Subjects this package publishes.
const (
	SubjectScheduleBuilt     = "ccpm.schedule.built"
	SubjectBufferConsumption = "ccpm.buffer.consumption.updated"
)

var propagator = propagation.TraceContext{}

// Publisher wraps a NATS connection with trace-context propagation.
type Publisher struct {
	nc *nats.Conn
}

// NewPublisher connects to the given NATS URL.
func NewPublisher(url string) (*Publisher, error) {
	nc, err := nats.Connect(url)
	if err != nil {
		return nil, err
	}
	return &Publisher{nc: nc}, nil
}

// Close drains and closes the underlying connection.
func (p *Publisher) Close() {
	_ = p.nc.Drain()
}

// Publish injects the current trace context into NATS headers and
// publishes a JSON-encoded payload on subject.
func (p *Publisher) Publish(ctx context.Context, subject string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	hdr := nats.Header{}
	propagator.Inject(ctx, propagation.HeaderCarrier(hdr))
	return p.nc.PublishMsg(&nats.Msg{Subject: subject, Data: data, Header: hdr})
}

// ScheduleBuiltEvent is published after a successful schedule().
type ScheduleBuiltEvent struct {
	ProjectedEnd    string `json:"projected_end"`
	CriticalChainID string `json:"critical_chain_id"`
	TaskCount       int    `json:"task_count"`
}

// BufferConsumptionEvent is published after each
// recalculate_network_from_progress() call, once per chain buffer.
type BufferConsumptionEvent struct {
	BufferID       string  `json:"buffer_id"`
	ChainID        string  `json:"chain_id"`
	ConsumptionPct float64 `json:"consumption_pct"`
	Zone           string  `json:"zone"`
}

// PublishScheduleBuilt publishes a schedule.built event, tracing the
// call the way the teacher's Subscribe wraps handlers in a consumer
// span — here the producer span, since this package never consumes.
func (p *Publisher) PublishScheduleBuilt(ctx context.Context, ev ScheduleBuiltEvent) error {
	tr := otel.Tracer("ccpm-eventbus")
	ctx, span := tr.Start(ctx, "eventbus.publish.schedule_built")
	defer span.End()
	return p.Publish(ctx, SubjectScheduleBuilt, ev)
}

// PublishBufferConsumption publishes a buffer.consumption.updated event.
func (p *Publisher) PublishBufferConsumption(ctx context.Context, ev BufferConsumptionEvent) error {
	tr := otel.Tracer("ccpm-eventbus")
	ctx, span := tr.Start(ctx, "eventbus.publish.buffer_consumption")
	defer span.End()
	return p.Publish(ctx, SubjectBufferConsumption, ev)
}
