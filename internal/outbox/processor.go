package outbox

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	domain "sentinal-e2ee/internal/domain/outbox"
	"sentinal-e2ee/internal/machine"
	"sentinal-e2ee/internal/transport/httpdto"
	"sentinal-e2ee/pkg/logger"

	"go.uber.org/zap"
)

// Transport carries requests to the homeserver: in-process or over HTTP.
type Transport interface {
	Send(ctx context.Context, req domain.OutgoingRequest) (json.RawMessage, error)
	Sync(ctx context.Context) (httpdto.SyncResponse, error)
}

// Device is the part of the machine the processor drives.
type Device interface {
	OutgoingRequests(ctx context.Context) ([]domain.OutgoingRequest, error)
	MarkRequestDispatched(id string) error
	MarkRequestAsSent(ctx context.Context, id string, kind domain.Kind, body json.RawMessage) (bool, error)
	ReceiveSyncChanges(ctx context.Context, changes machine.SyncChanges) ([]machine.ProcessedToDeviceEvent, error)
	PruneRequests(cutoff time.Time) int
}

// Processor pumps a device's outgoing requests through a transport and feeds
// sync responses back. Failed sends stay pending and are retried next batch.
type Processor struct {
	device    Device
	transport Transport
	interval  time.Duration
	log       *logger.Logger

	// OnEvents receives every processed to-device batch, if set.
	OnEvents func([]machine.ProcessedToDeviceEvent)

	// Retention is how long answered requests are kept so that a late
	// duplicate response is still recognised as answered.
	Retention time.Duration
	clock     func() time.Time
}

func NewProcessor(device Device, transport Transport, interval time.Duration, l *logger.Logger) *Processor {
	if l == nil {
		l = logger.NewNop()
	}
	return &Processor{device: device, transport: transport, interval: interval, log: l, Retention: DefaultRetention, clock: time.Now}
}

func (p *Processor) Run(ctx context.Context) {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.tick(ctx)
		}
	}
}

func (p *Processor) tick(ctx context.Context) {
	if _, err := p.ProcessBatch(ctx); err != nil {
		p.log.Ctx(ctx).Logger.Warn("outgoing batch failed", zap.Error(err))
	}
	if n := p.device.PruneRequests(p.clock().Add(-p.Retention)); n > 0 {
		p.log.Ctx(ctx).Logger.Debug("answered requests pruned", zap.Int("count", n))
	}
	events, err := p.SyncOnce(ctx)
	if err != nil {
		p.log.Ctx(ctx).Logger.Warn("sync failed", zap.Error(err))
		return
	}
	if p.OnEvents != nil && len(events) > 0 {
		p.OnEvents(events)
	}
}

// ProcessBatch sends every pending request once and returns how many were
// acknowledged. Trust problems reported while applying a response are
// collected into the returned error; they do not stop the batch.
func (p *Processor) ProcessBatch(ctx context.Context) (int, error) {
	requests, err := p.device.OutgoingRequests(ctx)
	if err != nil {
		return 0, err
	}

	resolved := 0
	var problems []error
	for _, req := range requests {
		if err := p.device.MarkRequestDispatched(req.ID); err != nil {
			continue
		}
		body, err := p.transport.Send(ctx, req)
		if err != nil {
			p.log.Ctx(ctx).Logger.Warn("request failed, will retry",
				zap.String("request_id", req.ID), zap.String("kind", string(req.Kind)), zap.Error(err))
			continue
		}
		ok, err := p.device.MarkRequestAsSent(ctx, req.ID, req.Kind, body)
		if ok {
			resolved++
		}
		if err != nil {
			problems = append(problems, err)
		}
	}
	return resolved, errors.Join(problems...)
}

// SyncOnce performs one sync and hands it to the device.
func (p *Processor) SyncOnce(ctx context.Context) ([]machine.ProcessedToDeviceEvent, error) {
	resp, err := p.transport.Sync(ctx)
	if err != nil {
		return nil, err
	}
	return p.device.ReceiveSyncChanges(ctx, ChangesFromSync(resp))
}

// ChangesFromSync converts the wire sync response into machine input.
func ChangesFromSync(resp httpdto.SyncResponse) machine.SyncChanges {
	return machine.SyncChanges{
		ToDeviceEvents: resp.ToDevice.Events,
		DeviceLists: machine.DeviceLists{
			Changed: resp.DeviceLists.Changed,
			Left:    resp.DeviceLists.Left,
		},
		OneTimeKeyCounts:   resp.DeviceOneTimeKeysCount,
		UnusedFallbackKeys: resp.DeviceUnusedFallbackKeyTypes,
	}
}
