// Package analytics records audit events. Every write is best effort: a
// failed insert is logged and discarded so it can never abort the operation
// that produced it.
package analytics

import (
	"context"
	"encoding/json"

	log "github.com/sirupsen/logrus"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/lua-guard/keyserver/internal/models"
)

// Recorder writes events to the store.
type Recorder struct {
	db *gorm.DB
}

// NewRecorder constructs a Recorder.
func NewRecorder(db *gorm.DB) *Recorder {
	return &Recorder{db: db}
}

// Entry describes one event to record.
type Entry struct {
	Type      string
	UserID    *uint64
	HWID      string
	IP        string
	UserAgent string
	Metadata  map[string]any
}

// Record persists one event, swallowing any failure.
func (r *Recorder) Record(ctx context.Context, entry Entry) {
	if r == nil || r.db == nil || entry.Type == "" {
		return
	}

	row := models.Event{
		Type:      entry.Type,
		UserID:    entry.UserID,
		HWID:      entry.HWID,
		IP:        entry.IP,
		UserAgent: entry.UserAgent,
	}
	if len(entry.Metadata) > 0 {
		raw, errMarshal := json.Marshal(entry.Metadata)
		if errMarshal != nil {
			log.WithError(errMarshal).Warn("analytics: marshal metadata failed")
		} else {
			row.Metadata = datatypes.JSON(raw)
		}
	}

	if errCreate := r.db.WithContext(ctx).Create(&row).Error; errCreate != nil {
		log.WithError(errCreate).WithField("event", entry.Type).Warn("analytics: record event failed")
	}
}
