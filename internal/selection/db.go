package selection

import (
	"context"
	"time"

	"calsync/pkg/exception"

	"github.com/benbjohnson/clock"
	"github.com/yanun0323/errors"
	"github.com/yanun0323/logs"
	"gorm.io/gorm"
)

const DefaultPollInterval = 15 * time.Second

// SelectedCalendar is a row of the selection table.
type SelectedCalendar struct {
	ID        string `gorm:"column:id;primaryKey"`
	Name      string `gorm:"column:name"`
	Owner     string `gorm:"column:owner"`
	Temporary bool   `gorm:"column:temporary"`
	Selected  bool   `gorm:"column:selected;index"`
	UpdatedAt time.Time
}

func (SelectedCalendar) TableName() string {
	return "selected_calendars"
}

// QueryFunc loads the current selection.
type QueryFunc func(ctx context.Context) ([]Calendar, error)

// GormQuery reads selected rows through gorm.
func GormQuery(db *gorm.DB) QueryFunc {
	return func(ctx context.Context) ([]Calendar, error) {
		var rows []SelectedCalendar
		if err := db.WithContext(ctx).Where("selected = ?", true).Order("id").Find(&rows).Error; err != nil {
			return nil, errors.Wrap(err, "query selected calendars")
		}
		cals := make([]Calendar, 0, len(rows))
		for _, row := range rows {
			cals = append(cals, Calendar{ID: row.ID, Name: row.Name, Owner: row.Owner, Temporary: row.Temporary})
		}
		return cals, nil
	}
}

// DBSource polls a query into a Store.
type DBSource struct {
	query    QueryFunc
	store    *Store
	clock    clock.Clock
	interval time.Duration
}

type DBSourceOption struct {
	Interval time.Duration
	Clock    clock.Clock
}

func NewDBSource(query QueryFunc, store *Store, opt DBSourceOption) (*DBSource, error) {
	if query == nil {
		return nil, exception.ErrSelectionNilDatabase
	}
	if store == nil {
		return nil, exception.ErrSelectionNilStore
	}
	if opt.Interval <= 0 {
		opt.Interval = DefaultPollInterval
	}
	if opt.Clock == nil {
		opt.Clock = clock.New()
	}
	return &DBSource{query: query, store: store, clock: opt.Clock, interval: opt.Interval}, nil
}

// Migrate creates the selection table.
func Migrate(db *gorm.DB) error {
	if db == nil {
		return exception.ErrSelectionNilDatabase
	}
	if err := db.AutoMigrate(&SelectedCalendar{}); err != nil {
		return errors.Wrap(err, "migrate selection table")
	}
	return nil
}

// Refresh runs the query once.
func (s *DBSource) Refresh(ctx context.Context) error {
	cals, err := s.query(ctx)
	if err != nil {
		return err
	}
	changed, err := s.store.ReplaceLayer(LayerDatabase, cals)
	if err != nil {
		return err
	}
	if changed {
		logs.Infof("selection: %d calendars selected in database", len(cals))
	}
	return nil
}

// Poll refreshes immediately and then on every interval until ctx is done.
// Failed refreshes keep the previous selection.
func (s *DBSource) Poll(ctx context.Context) error {
	ticker := s.clock.Ticker(s.interval)
	defer ticker.Stop()
	if err := s.Refresh(ctx); err != nil {
		logs.Warnf("selection: initial refresh failed, err: %+v", err)
	}
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := s.Refresh(ctx); err != nil {
				logs.Warnf("selection: refresh failed, err: %+v", err)
			}
		}
	}
}
