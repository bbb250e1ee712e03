package enforce

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"gorm.io/driver/mysql"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"gpuquota/internal/pkg/common/gormlog"
	"gpuquota/internal/pkg/model"
)

// stateRow maps enforcement_states. (cluster, user) is the primary key.
type stateRow struct {
	Cluster       string     `gorm:"column:cluster;primaryKey;size:128"`
	User          string     `gorm:"column:user;primaryKey;size:128"`
	FirstExceeded *time.Time `gorm:"column:first_exceeded"`
	LastStatus    string     `gorm:"column:last_status;size:16"`
	LastEvaluated time.Time  `gorm:"column:last_evaluated"`
}

func (stateRow) TableName() string { return "enforcement_states" }

func rowFromState(st model.EnforcementState) stateRow {
	return stateRow{
		Cluster:       st.Cluster,
		User:          st.User,
		FirstExceeded: st.FirstExceeded,
		LastStatus:    string(st.LastStatus),
		LastEvaluated: st.LastEvaluated,
	}
}

func (r stateRow) state() model.EnforcementState {
	return model.EnforcementState{
		Cluster:       r.Cluster,
		User:          r.User,
		FirstExceeded: r.FirstExceeded,
		LastStatus:    model.Status(r.LastStatus),
		LastEvaluated: r.LastEvaluated,
	}
}

// GormStore keeps enforcement state in a SQL table shared by every
// instance pointed at the same database.
type GormStore struct {
	db     *gorm.DB
	logger *slog.Logger
}

// OpenGormStore connects with the named driver ("mysql" or "postgres") and
// migrates the state table.
func OpenGormStore(driver, dsn string, logger *slog.Logger) (*GormStore, error) {
	var dialector gorm.Dialector
	switch driver {
	case "mysql":
		dialector = mysql.Open(dsn)
	case "postgres":
		dialector = postgres.Open(dsn)
	default:
		return nil, fmt.Errorf("%w: unsupported state driver %q", model.ErrInvalidConfig, driver)
	}
	db, err := gorm.Open(dialector, &gorm.Config{Logger: gormlog.New(logger)})
	if err != nil {
		return nil, fmt.Errorf("open %s state store: %w", driver, err)
	}
	return NewGormStore(db, logger)
}

// NewGormStore wraps an existing connection and migrates the state table.
func NewGormStore(db *gorm.DB, logger *slog.Logger) (*GormStore, error) {
	if err := db.AutoMigrate(&stateRow{}); err != nil {
		return nil, fmt.Errorf("migrate enforcement_states: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &GormStore{db: db, logger: logger}, nil
}

// Close closes the underlying connection pool.
func (s *GormStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func (s *GormStore) Get(ctx context.Context, cluster, user string) (*model.EnforcementState, error) {
	var row stateRow
	err := s.db.WithContext(ctx).
		Where("cluster = ? AND "+s.userColumn()+" = ?", cluster, user).
		Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	st := row.state()
	return &st, nil
}

// errStateRaced reports that another instance created the user's row
// between the locking read and the insert.
var errStateRaced = errors.New("enforcement state created concurrently")

const updateAttempts = 3

// Update locks an existing row with SELECT ... FOR UPDATE. A missing row
// cannot be locked, so the first state is inserted with ON CONFLICT DO
// NOTHING and the whole update is retried when another instance won the
// insert. fn may therefore run more than once.
func (s *GormStore) Update(ctx context.Context, cluster, user string, fn UpdateFunc) error {
	return retryRaced(updateAttempts, func() error { return s.update(ctx, cluster, user, fn) })
}

func retryRaced(attempts int, op func() error) error {
	var err error
	for range attempts {
		if err = op(); !errors.Is(err, errStateRaced) {
			return err
		}
	}
	return err
}

func (s *GormStore) update(ctx context.Context, cluster, user string, fn UpdateFunc) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var row stateRow
		var cur *model.EnforcementState
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("cluster = ? AND "+s.userColumn()+" = ?", cluster, user).
			Take(&row).Error
		switch {
		case errors.Is(err, gorm.ErrRecordNotFound):
		case err != nil:
			return err
		default:
			st := row.state()
			cur = &st
		}

		next, err := fn(cur)
		if err != nil {
			return err
		}
		if next == nil {
			if cur == nil {
				return nil
			}
			return tx.Where("cluster = ? AND "+s.userColumn()+" = ?", cluster, user).
				Delete(&stateRow{}).Error
		}
		next.Cluster, next.User = cluster, user
		nr := rowFromState(*next)
		if cur != nil {
			return tx.Save(&nr).Error
		}
		res := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&nr)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			s.logger.Debug("enforcement state created concurrently, retrying", "cluster", cluster, "user", user)
			return errStateRaced
		}
		return nil
	})
}

func (s *GormStore) Clear(ctx context.Context, cluster, user string) error {
	return s.db.WithContext(ctx).
		Where("cluster = ? AND "+s.userColumn()+" = ?", cluster, user).
		Delete(&stateRow{}).Error
}

func (s *GormStore) List(ctx context.Context, cluster string) ([]model.EnforcementState, error) {
	var rows []stateRow
	if err := s.db.WithContext(ctx).
		Where("cluster = ?", cluster).
		Order(s.userColumn()).
		Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]model.EnforcementState, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.state())
	}
	return out, nil
}

// userColumn quotes the user column, which is reserved in both dialects.
func (s *GormStore) userColumn() string {
	if s.db.Dialector.Name() == "postgres" {
		return `"user"`
	}
	return "`user`"
}
