package repository

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"sentinal-e2ee/internal/domain/encryption"
	sentinal_errors "sentinal-e2ee/pkg/errors"

	"github.com/jackc/pgx/v5/pgconn"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// claimAttempts bounds how often ClaimKey retries after losing a race for
// the same row to another homeserver process.
const claimAttempts = 5

type OneTimeKeyModel struct {
	ID         uint                  `gorm:"primaryKey"`
	UserID     string                `gorm:"type:varchar(255);not null;uniqueIndex:uk_otk_device_key;index:idx_otk_claim"`
	DeviceID   string                `gorm:"type:varchar(255);not null;uniqueIndex:uk_otk_device_key;index:idx_otk_claim"`
	KeyID      string                `gorm:"type:varchar(255);not null;uniqueIndex:uk_otk_device_key"`
	Algorithm  string                `gorm:"type:varchar(64);not null;index:idx_otk_claim"`
	Key        encryption.OneTimeKey `gorm:"column:payload;type:text;serializer:json;not null"`
	UploadedAt time.Time             `gorm:"not null;autoCreateTime"`
}

func (OneTimeKeyModel) TableName() string {
	return "one_time_keys"
}

type FallbackKeyModel struct {
	ID        uint                  `gorm:"primaryKey"`
	UserID    string                `gorm:"type:varchar(255);not null;uniqueIndex:uk_fallback_device_alg"`
	DeviceID  string                `gorm:"type:varchar(255);not null;uniqueIndex:uk_fallback_device_alg"`
	Algorithm string                `gorm:"type:varchar(64);not null;uniqueIndex:uk_fallback_device_alg"`
	KeyID     string                `gorm:"type:varchar(255);not null"`
	Key       encryption.OneTimeKey `gorm:"column:payload;type:text;serializer:json;not null"`
	Used      bool                  `gorm:"not null"`
	UpdatedAt time.Time             `gorm:"not null;autoUpdateTime"`
}

func (FallbackKeyModel) TableName() string {
	return "fallback_keys"
}

// KeyStore keeps published one-time and fallback keys in a SQL database so
// several homeserver processes can hand them out without giving a key away
// twice.
type KeyStore struct {
	db *gorm.DB
}

func NewKeyStore(db *gorm.DB) *KeyStore {
	return &KeyStore{db: db}
}

// Migrate creates or updates the key tables.
func (s *KeyStore) Migrate(ctx context.Context) error {
	if err := s.db.WithContext(ctx).AutoMigrate(&OneTimeKeyModel{}, &FallbackKeyModel{}); err != nil {
		return fmt.Errorf("migrate key tables: %w", err)
	}
	return nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return errors.Is(err, gorm.ErrDuplicatedKey)
}

func (s *KeyStore) AddOneTimeKeys(ctx context.Context, userID, deviceID string, keys map[string]encryption.OneTimeKey) error {
	if len(keys) == 0 {
		return nil
	}
	ids := make([]string, 0, len(keys))
	for keyID := range keys {
		ids = append(ids, keyID)
	}
	sort.Strings(ids)

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing []OneTimeKeyModel
		if err := tx.Where("user_id = ? AND device_id = ? AND key_id IN ?", userID, deviceID, ids).
			Find(&existing).Error; err != nil {
			return err
		}
		held := make(map[string]string, len(existing))
		for _, m := range existing {
			held[m.KeyID] = m.Key.Key
		}

		var rows []OneTimeKeyModel
		for _, keyID := range ids {
			key := keys[keyID]
			if value, ok := held[keyID]; ok {
				if value != key.Key {
					return fmt.Errorf("%w: one-time key %s already uploaded with a different value", sentinal_errors.ErrConflict, keyID)
				}
				continue
			}
			alg, _ := encryption.SplitKeyID(keyID)
			rows = append(rows, OneTimeKeyModel{
				UserID:    userID,
				DeviceID:  deviceID,
				KeyID:     keyID,
				Algorithm: alg,
				Key:       key,
			})
		}
		if len(rows) == 0 {
			return nil
		}
		return tx.Create(&rows).Error
	})
	if isUniqueViolation(err) {
		return fmt.Errorf("%w: one-time key uploaded concurrently", sentinal_errors.ErrConflict)
	}
	return err
}

func (s *KeyStore) SetFallbackKeys(ctx context.Context, userID, deviceID string, keys map[string]encryption.OneTimeKey) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for keyID, key := range keys {
			alg, id := encryption.SplitKeyID(keyID)
			var current FallbackKeyModel
			err := tx.Where("user_id = ? AND device_id = ? AND algorithm = ?", userID, deviceID, alg).
				First(&current).Error
			switch {
			case err == nil && current.KeyID == id:
				continue
			case err != nil && !errors.Is(err, gorm.ErrRecordNotFound):
				return err
			}

			row := FallbackKeyModel{UserID: userID, DeviceID: deviceID, Algorithm: alg, KeyID: id, Key: key}
			if err := tx.Clauses(clause.OnConflict{
				Columns:   []clause.Column{{Name: "user_id"}, {Name: "device_id"}, {Name: "algorithm"}},
				DoUpdates: clause.AssignmentColumns([]string{"key_id", "payload", "used", "updated_at"}),
			}).Create(&row).Error; err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *KeyStore) ClaimKey(ctx context.Context, userID, deviceID, algorithm string) (string, encryption.OneTimeKey, error) {
	for attempt := 0; attempt < claimAttempts; attempt++ {
		var (
			keyID string
			key   encryption.OneTimeKey
			raced bool
		)
		err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			var row OneTimeKeyModel
			err := tx.Where("user_id = ? AND device_id = ? AND algorithm = ?", userID, deviceID, algorithm).
				Order("key_id ASC").
				First(&row).Error
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return s.claimFallback(tx, userID, deviceID, algorithm, &keyID, &key)
			}
			if err != nil {
				return err
			}

			res := tx.Where("id = ?", row.ID).Delete(&OneTimeKeyModel{})
			if res.Error != nil {
				return res.Error
			}
			if res.RowsAffected == 0 {
				raced = true
				return nil
			}
			keyID, key = row.KeyID, row.Key
			return nil
		})
		if err != nil {
			return "", encryption.OneTimeKey{}, err
		}
		if !raced {
			return keyID, key, nil
		}
	}
	return "", encryption.OneTimeKey{}, fmt.Errorf("claim key for %s/%s: too much contention", userID, deviceID)
}

func (s *KeyStore) claimFallback(tx *gorm.DB, userID, deviceID, algorithm string, keyID *string, key *encryption.OneTimeKey) error {
	var fb FallbackKeyModel
	err := tx.Where("user_id = ? AND device_id = ? AND algorithm = ?", userID, deviceID, algorithm).
		First(&fb).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return sentinal_errors.ErrNotFound
	}
	if err != nil {
		return err
	}
	if !fb.Used {
		if err := tx.Model(&FallbackKeyModel{}).Where("id = ?", fb.ID).Update("used", true).Error; err != nil {
			return err
		}
	}
	*keyID, *key = encryption.KeyID(algorithm, fb.KeyID), fb.Key
	return nil
}

func (s *KeyStore) CountOneTimeKeys(ctx context.Context, userID, deviceID string) (map[string]int, error) {
	var rows []struct {
		Algorithm string
		N         int
	}
	if err := s.db.WithContext(ctx).Model(&OneTimeKeyModel{}).
		Select("algorithm, count(*) AS n").
		Where("user_id = ? AND device_id = ?", userID, deviceID).
		Group("algorithm").
		Scan(&rows).Error; err != nil {
		return nil, err
	}
	counts := map[string]int{encryption.KeyAlgorithmSignedCurve25519: 0}
	for _, r := range rows {
		counts[r.Algorithm] = r.N
	}
	return counts, nil
}

func (s *KeyStore) UnusedFallbackTypes(ctx context.Context, userID, deviceID string) ([]string, error) {
	unused := []string{}
	if err := s.db.WithContext(ctx).Model(&FallbackKeyModel{}).
		Where("user_id = ? AND device_id = ? AND used = ?", userID, deviceID, false).
		Order("algorithm ASC").
		Pluck("algorithm", &unused).Error; err != nil {
		return nil, err
	}
	if unused == nil {
		unused = []string{}
	}
	return unused, nil
}

func (s *KeyStore) DeleteDeviceKeys(ctx context.Context, userID, deviceID string) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("user_id = ? AND device_id = ?", userID, deviceID).Delete(&OneTimeKeyModel{}).Error; err != nil {
			return err
		}
		return tx.Where("user_id = ? AND device_id = ?", userID, deviceID).Delete(&FallbackKeyModel{}).Error
	})
}
