package outbox

import (
	"context"
	"time"

	"sentinal-e2ee/pkg/logger"
)

const (
	DefaultInterval  = 2 * time.Second
	DefaultRetention = 10 * time.Minute
)

type Runner struct {
	processor *Processor
}

func NewRunner(processor *Processor) *Runner {
	return &Runner{processor: processor}
}

func (r *Runner) Start(ctx context.Context) {
	go r.processor.Run(ctx)
}

func DefaultProcessor(device Device, transport Transport, l *logger.Logger) *Processor {
	return NewProcessor(device, transport, DefaultInterval, l)
}

// Settle alternates sending and syncing until nothing is pending and a sync
// delivers no event, or rounds run out.
func (p *Processor) Settle(ctx context.Context, rounds int) error {
	var problems error
	for i := 0; i < rounds; i++ {
		resolved, err := p.ProcessBatch(ctx)
		if err != nil {
			problems = err
		}
		events, err := p.SyncOnce(ctx)
		if err != nil {
			return err
		}
		if p.OnEvents != nil && len(events) > 0 {
			p.OnEvents(events)
		}
		pending, err := p.device.OutgoingRequests(ctx)
		if err != nil {
			return err
		}
		if resolved == 0 && len(events) == 0 && len(pending) == 0 {
			break
		}
	}
	return problems
}
