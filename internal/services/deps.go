package services

import (
	"encoding/json"

	"sentinal-e2ee/internal/config"
	"sentinal-e2ee/internal/domain/outbox"
	"sentinal-e2ee/internal/ledger"
	"sentinal-e2ee/internal/metrics"
	"sentinal-e2ee/internal/olm"
	"sentinal-e2ee/internal/repository"
	"sentinal-e2ee/internal/transport/httpdto"
	"sentinal-e2ee/pkg/logger"
)

// Deps is the per-device state shared by the key exchange services.
// Callers serialize access; the services take no locks of their own.
type Deps struct {
	Account *olm.Account
	Store   repository.CryptoStore
	Ledger  *ledger.Ledger
	Config  *config.Config
	Log     *logger.Logger
	Metrics *metrics.Metrics
}

type deviceRef struct {
	userID   string
	deviceID string
}

// pendingQueryUsers lists users covered by a KeysQuery that is still awaiting its response.
func pendingQueryUsers(l *ledger.Ledger) map[string]bool {
	out := make(map[string]bool)
	for _, req := range l.PendingOfKind(outbox.KindKeysQuery) {
		var body httpdto.KeysQueryRequest
		if err := json.Unmarshal(req.Body, &body); err != nil {
			continue
		}
		for user := range body.DeviceKeys {
			out[user] = true
		}
	}
	return out
}

// pendingClaimDevices lists devices named by a KeysClaim that is still awaiting its response.
func pendingClaimDevices(l *ledger.Ledger) map[deviceRef]bool {
	out := make(map[deviceRef]bool)
	for _, req := range l.PendingOfKind(outbox.KindKeysClaim) {
		var body httpdto.KeysClaimRequest
		if err := json.Unmarshal(req.Body, &body); err != nil {
			continue
		}
		for user, devices := range body.OneTimeKeys {
			for device := range devices {
				out[deviceRef{userID: user, deviceID: device}] = true
			}
		}
	}
	return out
}
