package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"sentinal-e2ee/internal/domain/outbox"
	"sentinal-e2ee/internal/metrics"
	sentinal_errors "sentinal-e2ee/pkg/errors"
	"sentinal-e2ee/pkg/logger"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// ApplyFunc merges a response body into local state. It runs outside the
// ledger lock; an error leaves the request pending.
type ApplyFunc func(ctx context.Context, req outbox.OutgoingRequest, body json.RawMessage) error

// Ledger tracks every outgoing request of one device from creation until its
// response has been applied. Responses may arrive in any order; each request
// is resolved at most once.
type Ledger struct {
	mu       sync.Mutex
	entries  map[string]*outbox.OutgoingRequest
	order    []string
	inFlight map[string]struct{}
	clock    func() time.Time
	log      *logger.Logger
	metrics  *metrics.Metrics
}

func New(log *logger.Logger, m *metrics.Metrics) *Ledger {
	if log == nil {
		log = logger.NewNop()
	}
	if m == nil {
		m = metrics.New()
	}
	return &Ledger{
		entries:  make(map[string]*outbox.OutgoingRequest),
		inFlight: make(map[string]struct{}),
		clock:    time.Now,
		log:      log,
		metrics:  m,
	}
}

// Enqueue records a new request in the Created state. body may be a
// json.RawMessage, a []byte holding JSON, or any value json.Marshal accepts.
func (l *Ledger) Enqueue(kind outbox.Kind, body any) (outbox.OutgoingRequest, error) {
	if !kind.Valid() {
		return outbox.OutgoingRequest{}, fmt.Errorf("%w: request kind %q", sentinal_errors.ErrInvalidInput, kind)
	}
	raw, err := encodeBody(body)
	if err != nil {
		return outbox.OutgoingRequest{}, err
	}

	req := &outbox.OutgoingRequest{
		ID:        uuid.NewString(),
		Kind:      kind,
		Body:      raw,
		Status:    outbox.StatusCreated,
		CreatedAt: l.clock(),
	}

	l.mu.Lock()
	l.entries[req.ID] = req
	l.order = append(l.order, req.ID)
	l.mu.Unlock()

	l.metrics.RequestsCreated.WithLabelValues(string(kind)).Inc()
	l.metrics.RequestsPending.Inc()
	l.log.Logger.Debug("outgoing request created", zap.String("request_id", req.ID), zap.String("kind", string(kind)))
	return *req, nil
}

func encodeBody(body any) (json.RawMessage, error) {
	switch b := body.(type) {
	case json.RawMessage:
		return b, nil
	case []byte:
		return json.RawMessage(b), nil
	default:
		raw, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("encode request body: %w", err)
		}
		return raw, nil
	}
}

// Pending returns every request that is not yet acknowledged, oldest first.
func (l *Ledger) Pending() []outbox.OutgoingRequest {
	l.mu.Lock()
	defer l.mu.Unlock()

	out := make([]outbox.OutgoingRequest, 0, len(l.order))
	for _, id := range l.order {
		if req := l.entries[id]; req != nil && req.Pending() {
			out = append(out, *req)
		}
	}
	return out
}

// PendingOfKind is Pending filtered by kind.
func (l *Ledger) PendingOfKind(kind outbox.Kind) []outbox.OutgoingRequest {
	var out []outbox.OutgoingRequest
	for _, req := range l.Pending() {
		if req.Kind == kind {
			out = append(out, req)
		}
	}
	return out
}

func (l *Ledger) Get(id string) (outbox.OutgoingRequest, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	req, ok := l.entries[id]
	if !ok {
		return outbox.OutgoingRequest{}, false
	}
	return *req, true
}

// Dispatch marks a request as handed to the transport.
func (l *Ledger) Dispatch(id string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	req, ok := l.entries[id]
	if !ok {
		return &sentinal_errors.SequencingError{RequestID: id, Reason: sentinal_errors.SequencingUnknownRequest}
	}
	switch req.Status {
	case outbox.StatusAcknowledged:
		return &sentinal_errors.SequencingError{RequestID: id, Kind: string(req.Kind), Reason: sentinal_errors.SequencingAlreadyResolved}
	case outbox.StatusCreated:
		now := l.clock()
		req.Status = outbox.StatusSent
		req.SentAt = &now
	}
	return nil
}

// Resolve applies a response to the pending request id. It returns true only
// when the request was pending and apply succeeded; the request is then
// acknowledged and any later attempt returns false with a SequencingError.
func (l *Ledger) Resolve(ctx context.Context, id string, kind outbox.Kind, body json.RawMessage, apply ApplyFunc) (bool, error) {
	req, err := l.claim(id, kind)
	if err != nil {
		var seqErr *sentinal_errors.SequencingError
		if errors.As(err, &seqErr) {
			l.metrics.ResolutionRejected.WithLabelValues(string(seqErr.Reason)).Inc()
		}
		l.log.Ctx(ctx).Logger.Warn("ignoring response", zap.String("request_id", id), zap.String("kind", string(kind)), zap.Error(err))
		return false, err
	}

	var applyErr error
	if apply != nil {
		applyErr = apply(ctx, req, body)
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.inFlight, id)
	if applyErr != nil {
		return false, applyErr
	}

	entry := l.entries[id]
	now := l.clock()
	entry.Status = outbox.StatusAcknowledged
	entry.AcknowledgedAt = &now
	l.metrics.RequestsResolved.WithLabelValues(string(kind)).Inc()
	l.metrics.RequestsPending.Dec()
	return true, nil
}

func (l *Ledger) claim(id string, kind outbox.Kind) (outbox.OutgoingRequest, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	req, ok := l.entries[id]
	if !ok {
		return outbox.OutgoingRequest{}, &sentinal_errors.SequencingError{RequestID: id, Kind: string(kind), Reason: sentinal_errors.SequencingUnknownRequest}
	}
	if req.Kind != kind {
		return outbox.OutgoingRequest{}, &sentinal_errors.SequencingError{RequestID: id, Kind: string(kind), Reason: sentinal_errors.SequencingKindMismatch}
	}
	if !req.Pending() {
		return outbox.OutgoingRequest{}, &sentinal_errors.SequencingError{RequestID: id, Kind: string(kind), Reason: sentinal_errors.SequencingAlreadyResolved}
	}
	if _, busy := l.inFlight[id]; busy {
		return outbox.OutgoingRequest{}, &sentinal_errors.SequencingError{RequestID: id, Kind: string(kind), Reason: sentinal_errors.SequencingInFlight}
	}
	l.inFlight[id] = struct{}{}
	return *req, nil
}

// Prune forgets acknowledged requests older than cutoff. A late duplicate
// response for a pruned request is reported as unknown.
func (l *Ledger) Prune(cutoff time.Time) int {
	l.mu.Lock()
	defer l.mu.Unlock()

	removed := 0
	kept := l.order[:0]
	for _, id := range l.order {
		req := l.entries[id]
		if req.Status == outbox.StatusAcknowledged && req.AcknowledgedAt != nil && req.AcknowledgedAt.Before(cutoff) {
			delete(l.entries, id)
			removed++
			continue
		}
		kept = append(kept, id)
	}
	l.order = kept
	return removed
}
