package outbox

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"sentinal-e2ee/internal/domain/encryption"
	domain "sentinal-e2ee/internal/domain/outbox"
	"sentinal-e2ee/internal/machine"
	"sentinal-e2ee/internal/transport/httpdto"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeDevice struct {
	pending    []domain.OutgoingRequest
	dispatched []string
	answered   []string
	cutoffs    []time.Time
	synced     int
}

func (d *fakeDevice) OutgoingRequests(context.Context) ([]domain.OutgoingRequest, error) {
	return d.pending, nil
}

func (d *fakeDevice) MarkRequestDispatched(id string) error {
	d.dispatched = append(d.dispatched, id)
	return nil
}

func (d *fakeDevice) MarkRequestAsSent(_ context.Context, id string, _ domain.Kind, _ json.RawMessage) (bool, error) {
	d.answered = append(d.answered, id)
	return true, nil
}

func (d *fakeDevice) ReceiveSyncChanges(_ context.Context, changes machine.SyncChanges) ([]machine.ProcessedToDeviceEvent, error) {
	d.synced++
	out := make([]machine.ProcessedToDeviceEvent, 0, len(changes.ToDeviceEvents))
	for _, ev := range changes.ToDeviceEvents {
		out = append(out, machine.ProcessedToDeviceEvent{Event: ev, Type: ev.Type, Kind: machine.ProcessedPlainText})
	}
	return out, nil
}

func (d *fakeDevice) PruneRequests(cutoff time.Time) int {
	d.cutoffs = append(d.cutoffs, cutoff)
	return 1
}

type fakeTransport struct {
	failing map[string]bool
	sync    httpdto.SyncResponse
}

func (t *fakeTransport) Send(_ context.Context, req domain.OutgoingRequest) (json.RawMessage, error) {
	if t.failing[req.ID] {
		return nil, errors.New("connection reset")
	}
	return json.RawMessage(`{}`), nil
}

func (t *fakeTransport) Sync(context.Context) (httpdto.SyncResponse, error) {
	return t.sync, nil
}

func TestProcessBatchSkipsFailedSends(t *testing.T) {
	device := &fakeDevice{pending: []domain.OutgoingRequest{
		{ID: "one", Kind: domain.KindKeysQuery},
		{ID: "two", Kind: domain.KindKeysClaim},
		{ID: "three", Kind: domain.KindToDevice},
	}}
	transport := &fakeTransport{failing: map[string]bool{"two": true}}
	p := NewProcessor(device, transport, time.Second, nil)

	resolved, err := p.ProcessBatch(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, resolved)
	assert.Equal(t, []string{"one", "two", "three"}, device.dispatched)
	assert.Equal(t, []string{"one", "three"}, device.answered)
}

func TestTickPrunesAnsweredRequests(t *testing.T) {
	device := &fakeDevice{}
	var sync httpdto.SyncResponse
	sync.ToDevice.Events = []encryption.ToDeviceEvent{{Type: encryption.EventDummy, Sender: "@bob:example.org", Content: json.RawMessage(`{}`)}}
	p := NewProcessor(device, &fakeTransport{sync: sync}, time.Second, nil)

	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	p.clock = func() time.Time { return now }
	p.Retention = time.Hour
	var delivered []machine.ProcessedToDeviceEvent
	p.OnEvents = func(events []machine.ProcessedToDeviceEvent) { delivered = append(delivered, events...) }

	p.tick(context.Background())

	require.Len(t, device.cutoffs, 1)
	assert.Equal(t, now.Add(-time.Hour), device.cutoffs[0])
	assert.Equal(t, 1, device.synced)
	require.Len(t, delivered, 1)
	assert.Equal(t, encryption.EventDummy, delivered[0].Type)
}
