package datastore

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gorm.io/driver/mysql"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/airlog/airlog/internal/conf"
	"github.com/airlog/airlog/internal/errors"
	"github.com/airlog/airlog/internal/logger"
	"github.com/airlog/airlog/internal/observability/metrics"
)

// ComponentDatastore is the error and log component of the catalog
const ComponentDatastore = "datastore"

// Store is the chunk catalog database
type Store struct {
	db       *gorm.DB
	dbType   string
	recorder metrics.Recorder
	log      logger.Logger
}

// Open connects to the catalog configured in cfg and migrates the schema.
// A nil recorder disables metrics.
func Open(cfg conf.CatalogSettings, recorder metrics.Recorder) (*Store, error) {
	if recorder == nil {
		recorder = metrics.NopRecorder{}
	}

	var (
		dialector gorm.Dialector
		info      string
	)
	switch cfg.Type {
	case "", "sqlite":
		path, err := prepareSQLitePath(cfg.Path)
		if err != nil {
			return nil, dbError(err, "open").Context("db_type", "sqlite").Context("path", cfg.Path).Build()
		}
		dialector = sqlite.Open(path + "?_busy_timeout=5000&_journal_mode=WAL")
		info = path
		cfg.Type = "sqlite"
	case "mysql":
		m := cfg.MySQL
		dsn := fmt.Sprintf("%s:%s@tcp(%s:%d)/%s?charset=utf8mb4&parseTime=True&loc=Local",
			m.Username, m.Password, m.Host, m.Port, m.Database)
		dialector = mysql.Open(dsn)
		info = fmt.Sprintf("%s@%s:%d/%s", m.Username, m.Host, m.Port, m.Database)
	default:
		return nil, errors.Newf("unsupported catalog type %q", cfg.Type).
			Component(ComponentDatastore).
			Category(errors.CategoryConfig).
			Build()
	}

	db, err := gorm.Open(dialector, &gorm.Config{Logger: NewGormLogger(DefaultSlowQueryThreshold, gormlogger.Warn)})
	if err != nil {
		recorder.RecordError(metrics.OpConnect, "database")
		return nil, dbError(err, "open").Context("db_type", cfg.Type).Context("database", info).Build()
	}

	s := &Store{db: db, dbType: cfg.Type, recorder: recorder, log: GetLogger().With(logger.String("db_type", cfg.Type))}
	if err := s.migrate(); err != nil {
		_ = s.Close()
		return nil, err
	}
	s.log.Info("chunk catalog opened", logger.String("database", info))
	return s, nil
}

func prepareSQLitePath(path string) (string, error) {
	if path == "" {
		path = "airlog.db"
	}
	path = conf.ExpandPath(path)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", err
	}
	return path, nil
}

func (s *Store) migrate() error {
	start := time.Now()
	err := s.db.AutoMigrate(&ChunkRecord{}, &HealthRecord{})
	s.observe(metrics.OpMigrate, start, err)
	if err != nil {
		return dbError(err, "migrate").Context("db_type", s.dbType).Build()
	}
	return nil
}

// InsertChunk records a finalized chunk. A chunk already catalogued under
// the same path is left untouched.
func (s *Store) InsertChunk(ctx context.Context, rec *ChunkRecord) error {
	start := time.Now()
	var existing int64
	err := s.db.WithContext(ctx).Model(&ChunkRecord{}).Where("path = ?", rec.Path).Count(&existing).Error
	if err == nil && existing == 0 {
		err = s.db.WithContext(ctx).Create(rec).Error
	}
	s.observe(metrics.OpChunkInsert, start, err)
	if err != nil {
		return dbError(err, metrics.OpChunkInsert).Context("path", rec.Path).Build()
	}
	return nil
}

// InsertHealth records a health event
func (s *Store) InsertHealth(ctx context.Context, rec *HealthRecord) error {
	start := time.Now()
	err := s.db.WithContext(ctx).Create(rec).Error
	s.observe(metrics.OpHealthInsert, start, err)
	if err != nil {
		return dbError(err, metrics.OpHealthInsert).Context("kind", rec.Kind).Build()
	}
	return nil
}

// ListChunks returns the chunks of an archive day (YYYY-MM-DD) in start order
func (s *Store) ListChunks(ctx context.Context, day string) ([]ChunkRecord, error) {
	start := time.Now()
	var out []ChunkRecord
	err := s.db.WithContext(ctx).Where("day = ?", day).Order("started_at ASC, id ASC").Find(&out).Error
	s.observe(metrics.OpChunkQuery, start, err)
	if err != nil {
		return nil, dbError(err, metrics.OpChunkQuery).Context("day", day).Build()
	}
	return out, nil
}

// CountChunks returns how many catalogued chunks of day carry the filename
// prefix, including chunks whose files were since removed
func (s *Store) CountChunks(ctx context.Context, day, prefix string) (int, error) {
	recs, err := s.ListChunks(ctx, day)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, r := range recs {
		if strings.HasPrefix(filepath.Base(r.Path), prefix+"_") {
			n++
		}
	}
	return n, nil
}

// ListHealth returns the health events of a session, oldest first. An
// empty sessionID returns the most recent limit events of any session.
func (s *Store) ListHealth(ctx context.Context, sessionID string, limit int) ([]HealthRecord, error) {
	q := s.db.WithContext(ctx).Model(&HealthRecord{})
	if sessionID != "" {
		q = q.Where("session_id = ?", sessionID)
	}
	if limit > 0 {
		q = q.Limit(limit)
	}
	var out []HealthRecord
	if err := q.Order("timestamp DESC, id DESC").Find(&out).Error; err != nil {
		return nil, dbError(err, "health_query").Build()
	}
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

// Close closes the underlying connection pool
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func (s *Store) observe(op string, start time.Time, err error) {
	s.recorder.RecordDuration(op, time.Since(start).Seconds())
	if err != nil {
		s.recorder.RecordOperation(op, metrics.StatusError)
		s.recorder.RecordError(op, "database")
		return
	}
	s.recorder.RecordOperation(op, metrics.StatusSuccess)
}

func dbError(err error, op string) *errors.ErrorBuilder {
	return errors.New(err).
		Component(ComponentDatastore).
		Category(errors.CategoryDatabase).
		Context("operation", op)
}

// GetLogger returns the datastore module logger
func GetLogger() logger.Logger {
	return logger.Global().Module(ComponentDatastore)
}
