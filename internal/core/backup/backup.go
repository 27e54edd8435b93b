// Package backup persists the last settled item collection so sessions can
// warm-start after a reload and read while offline.
package backup

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/cespare/xxhash/v2"

	"github.com/cartsync/cartsync/internal/core/models"
	"github.com/cartsync/cartsync/internal/core/observability/log"
)

// Storage keys. ItemsKey holds the serialized item array, TimestampKey an
// ISO-8601 timestamp of the last backup, ChecksumKey an xxhash of the item
// payload used to reject torn or tampered backups on restore.
const (
	ItemsKey     = "cartsync.items"
	TimestampKey = "cartsync.backup_at"
	ChecksumKey  = "cartsync.checksum"
)

// Store writes and reads collection backups through a KV.
type Store struct {
	kv     KV
	logger log.Log
	clock  func() time.Time
}

func NewStore(kv KV, logger log.Log) *Store {
	if logger == nil {
		logger = log.Provide()
	}
	return &Store{
		kv:     kv,
		logger: logger.With(log.String("component", "backup")),
		clock:  time.Now,
	}
}

// Backup serializes items plus a timestamp into the KV. Items should be the
// settled collection: callers exclude provisional rows before handing them
// over.
func (s *Store) Backup(items []models.Item) error {
	raw, err := json.Marshal(items)
	if err != nil {
		return fmt.Errorf("encode backup: %w", err)
	}
	if err = s.kv.Set(ItemsKey, raw); err != nil {
		return fmt.Errorf("write backup items: %w", err)
	}
	sum := strconv.FormatUint(xxhash.Sum64(raw), 16)
	if err = s.kv.Set(ChecksumKey, []byte(sum)); err != nil {
		return fmt.Errorf("write backup checksum: %w", err)
	}
	at := s.clock().UTC().Format(time.RFC3339Nano)
	if err = s.kv.Set(TimestampKey, []byte(at)); err != nil {
		return fmt.Errorf("write backup timestamp: %w", err)
	}
	s.logger.Debug("backup written", log.Int("items", len(items)))
	return nil
}

// Restore returns the last backup and its timestamp. A missing, malformed or
// checksum-mismatched backup is "no backup": an empty collection, a zero
// time and a nil error.
func (s *Store) Restore() ([]models.Item, time.Time, error) {
	raw, err := s.kv.Get(ItemsKey)
	if err != nil {
		if !errors.Is(err, ErrKeyNotFound) {
			s.logger.Warn("backup unreadable, treating as absent", log.Err(err))
		}
		return nil, time.Time{}, nil
	}

	if stored, err := s.kv.Get(ChecksumKey); err == nil {
		want := strconv.FormatUint(xxhash.Sum64(raw), 16)
		if string(stored) != want {
			s.logger.Warn("backup checksum mismatch, discarding",
				log.String("stored", string(stored)),
				log.String("computed", want))
			return nil, time.Time{}, nil
		}
	}

	var items []models.Item
	if err = json.Unmarshal(raw, &items); err != nil {
		s.logger.Warn("backup payload malformed, discarding", log.Err(err))
		return nil, time.Time{}, nil
	}

	var at time.Time
	if rawAt, err := s.kv.Get(TimestampKey); err == nil {
		if parsed, perr := time.Parse(time.RFC3339Nano, string(rawAt)); perr == nil {
			at = parsed
		}
	}
	return items, at, nil
}

// Clear drops the backup keys.
func (s *Store) Clear() error {
	return errors.Join(
		s.kv.Delete(ItemsKey),
		s.kv.Delete(ChecksumKey),
		s.kv.Delete(TimestampKey),
	)
}
