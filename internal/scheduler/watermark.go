package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jun/drivesync/internal/model"
	"github.com/jun/drivesync/internal/settings"
)

// WatermarkStore persists the last committed modification time under the
// "sync_watermark" settings key. It only ever moves forward.
type WatermarkStore struct {
	settings settings.Store
	now      func() time.Time
	mu       sync.Mutex
}

func NewWatermarkStore(s settings.Store) *WatermarkStore {
	return &WatermarkStore{settings: s, now: time.Now}
}

// Load returns the committed watermark, or the zero time if none exists.
func (w *WatermarkStore) Load(ctx context.Context) (time.Time, error) {
	var wm model.Watermark
	err := settings.GetJSON(ctx, w.settings, model.SettingsKeyWatermark, &wm)
	if errors.Is(err, settings.ErrNotFound) {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, fmt.Errorf("load watermark: %w", err)
	}
	return wm.ModifiedTime, nil
}

// Advance commits t if it is later than the stored watermark and reports
// whether it did.
func (w *WatermarkStore) Advance(ctx context.Context, t time.Time) (bool, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	current, err := w.Load(ctx)
	if err != nil {
		return false, err
	}
	if !t.After(current) {
		return false, nil
	}
	wm := model.Watermark{ModifiedTime: t.UTC(), UpdatedAt: w.now().UTC()}
	if err := settings.PutJSON(ctx, w.settings, model.SettingsKeyWatermark, wm); err != nil {
		return false, fmt.Errorf("save watermark: %w", err)
	}
	return true, nil
}
