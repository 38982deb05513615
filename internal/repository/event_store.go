// Package repository persists accepted and rejected detections in Postgres.
// Writes survive database credential rotation through a one-shot
// refresh-and-retry path; reads intentionally do not, a failed read
// surfaces to the caller who retries.
package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/rs/zerolog"
	"gorm.io/datatypes"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"anpr-webhook/internal/db"
	"anpr-webhook/internal/domain/event"
)

// CredentialSource supplies the current database password after a rotation.
// Implementations are expected to invalidate any cached copy and fetch fresh.
type CredentialSource interface {
	RefreshPassword(ctx context.Context) (string, error)
}

// ConnConfig holds everything needed to (re)build the connection handles.
type ConnConfig struct {
	WriteHost string
	WritePort int
	ReadHost  string
	ReadPort  int

	User     string
	Password string
	Database string
	SSLMode  string

	MaxConnections int
	MinConnections int
	QueryTimeout   time.Duration
	AppName        string
}

func (c ConnConfig) dsn(host string, port int, role string) string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s application_name=%s_%s",
		host, port, c.User, c.Password, c.Database, c.SSLMode, c.AppName, role,
	)
}

// EventStore owns the write and read connection handles for the lifetime of
// the process. The handle swap performed by RecreateConnections is atomic for
// new acquirers; operations already running on an old handle finish on it.
type EventStore struct {
	log   zerolog.Logger
	creds CredentialSource

	mu      sync.RWMutex
	cfg     ConnConfig
	writeDB *gorm.DB
	readDB  *gorm.DB

	open      func(dsn string) (*gorm.DB, error)
	reconnect func(ctx context.Context) error
}

func NewEventStore(ctx context.Context, cfg ConnConfig, creds CredentialSource, log zerolog.Logger) (*EventStore, error) {
	s := &EventStore{
		log:   log,
		creds: creds,
		cfg:   cfg,
	}
	s.open = s.openHandle
	s.reconnect = s.RecreateConnections

	writeDB, err := s.open(cfg.dsn(cfg.WriteHost, cfg.WritePort, "write"))
	if err != nil {
		return nil, fmt.Errorf("open write pool: %w", err)
	}
	readDB, err := s.open(cfg.dsn(cfg.ReadHost, cfg.ReadPort, "read"))
	if err != nil {
		closeHandle(writeDB)
		return nil, fmt.Errorf("open read pool: %w", err)
	}

	s.writeDB = writeDB
	s.readDB = readDB

	log.Info().
		Str("write_endpoint", fmt.Sprintf("%s:%d", cfg.WriteHost, cfg.WritePort)).
		Str("read_endpoint", fmt.Sprintf("%s:%d", cfg.ReadHost, cfg.ReadPort)).
		Msg("database connection pools created")
	return s, nil
}

func (s *EventStore) openHandle(dsn string) (*gorm.DB, error) {
	g, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, err
	}
	sqlDB, err := g.DB()
	if err != nil {
		return nil, err
	}
	sqlDB.SetMaxOpenConns(s.cfg.MaxConnections)
	sqlDB.SetMaxIdleConns(s.cfg.MinConnections)
	sqlDB.SetConnMaxLifetime(time.Hour)
	return g, nil
}

func closeHandle(g *gorm.DB) {
	if g == nil {
		return
	}
	if sqlDB, err := g.DB(); err == nil {
		// Close is idempotent; in-use connections finish before release.
		_ = sqlDB.Close()
	}
}

func (s *EventStore) write() *gorm.DB {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.writeDB
}

func (s *EventStore) read() *gorm.DB {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.readDB
}

func (s *EventStore) queryTimeout() time.Duration {
	if s.cfg.QueryTimeout > 0 {
		return s.cfg.QueryTimeout
	}
	return 10 * time.Second
}

// EnsureTables runs the idempotent migration statements on the write handle.
func (s *EventStore) EnsureTables(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 60*time.Second)
	defer cancel()
	return db.RunMigrations(s.write().WithContext(ctx))
}

// IsAuthError reports whether err is a database authentication failure, which
// is the class of errors that triggers the credential-refresh recovery path.
func IsAuthError(err error) bool {
	if err == nil {
		return false
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		// 28P01 invalid_password, 28000 invalid_authorization_specification.
		if pgErr.Code == "28P01" || pgErr.Code == "28000" {
			return true
		}
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "password authentication failed") ||
		strings.Contains(msg, "authentication failed")
}

// withAuthRetry runs one write attempt. On an auth error it refreshes the
// credential and retries exactly once; any other failure, or a failed
// refresh, surfaces immediately. Never more than one retry per logical write.
func (s *EventStore) withAuthRetry(ctx context.Context, op string, attempt func(ctx context.Context) error) error {
	err := attempt(ctx)
	if err == nil {
		return nil
	}
	if !IsAuthError(err) {
		return err
	}
	if !s.refreshCredentials(ctx, op, err) {
		return err
	}
	return attempt(ctx)
}

// refreshCredentials invalidates and refetches the database password, applies
// it, and rebuilds the pools. Returns false when recovery is unavailable or
// any step fails.
func (s *EventStore) refreshCredentials(ctx context.Context, op string, cause error) bool {
	if s.creds == nil {
		return false
	}

	s.log.Warn().Err(cause).Str("op", op).Msg("database auth error, refreshing credentials")

	password, err := s.creds.RefreshPassword(ctx)
	if err != nil {
		s.log.Error().Err(err).Msg("credential refresh failed")
		return false
	}

	s.mu.Lock()
	s.cfg.Password = password
	s.mu.Unlock()

	if err := s.reconnect(ctx); err != nil {
		s.log.Error().Err(err).Msg("pool recreation after credential refresh failed")
		return false
	}

	s.log.Info().Msg("database credentials refreshed and pools recreated")
	return true
}

// RecreateConnections closes the current pools and opens new ones with the
// current credentials. Safe to call while operations are in flight and
// idempotent when called repeatedly.
func (s *EventStore) RecreateConnections(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	closeHandle(s.writeDB)
	closeHandle(s.readDB)
	s.writeDB = nil
	s.readDB = nil

	writeDB, err := s.open(s.cfg.dsn(s.cfg.WriteHost, s.cfg.WritePort, "write"))
	if err != nil {
		return fmt.Errorf("recreate write pool: %w", err)
	}
	readDB, err := s.open(s.cfg.dsn(s.cfg.ReadHost, s.cfg.ReadPort, "read"))
	if err != nil {
		closeHandle(writeDB)
		return fmt.Errorf("recreate read pool: %w", err)
	}

	s.writeDB = writeDB
	s.readDB = readDB
	s.log.Info().Msg("connection pools recreated")
	return nil
}

// Close shuts both pools down.
func (s *EventStore) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	closeHandle(s.writeDB)
	closeHandle(s.readDB)
	s.writeDB = nil
	s.readDB = nil
	s.log.Info().Msg("connection pools closed")
}

type detectedPlate struct {
	ID                  int64 `gorm:"primaryKey"`
	Plate               string
	ImageURL            *string
	EvidenceURLs        datatypes.JSON `gorm:"type:jsonb"`
	CameraID            string
	CameraLocation      *string
	VehicleType         *string
	Direction           *string
	Confidence          float64
	CaptureTime         *time.Time
	CreatedAt           time.Time
	RawData             datatypes.JSONMap `gorm:"type:jsonb"`
	OCRCorrectionReport *string           `gorm:"column:ocr_correction_report"`
}

func (detectedPlate) TableName() string { return "detected_plates" }

type rejectedPlate struct {
	ID              int64 `gorm:"primaryKey"`
	CameraID        string
	RawPlateText    *string
	Confidence      float64
	RejectionReason string
	RejectionType   string
	Country         *string
	VehicleType     *string
	RawData         datatypes.JSONMap `gorm:"type:jsonb"`
	CreatedAt       time.Time
}

func (rejectedPlate) TableName() string { return "rejected_plates" }

// SaveEvent persists an accepted detection and returns its id.
func (s *EventStore) SaveEvent(ctx context.Context, ev *event.StoredEvent) (int64, error) {
	var id int64
	err := s.withAuthRetry(ctx, "save event", func(ctx context.Context) error {
		ctx, cancel := context.WithTimeout(ctx, s.queryTimeout())
		defer cancel()

		row := detectedPlate{
			Plate:       ev.Plate,
			CameraID:    ev.CameraID,
			Confidence:  ev.Confidence,
			CaptureTime: ev.CaptureTime,
			CreatedAt:   time.Now().UTC(),
		}
		if len(ev.ImageURLs) > 0 {
			row.ImageURL = &ev.ImageURLs[0]
			urls, err := marshalURLs(ev.ImageURLs)
			if err != nil {
				return err
			}
			row.EvidenceURLs = urls
		}
		if ev.VehicleType != "" {
			row.VehicleType = &ev.VehicleType
		}
		if ev.CorrectionReport != "" {
			row.OCRCorrectionReport = &ev.CorrectionReport
		}
		if len(ev.RawData) > 0 {
			row.RawData = datatypes.JSONMap(ev.RawData)
		}

		if err := s.write().WithContext(ctx).Create(&row).Error; err != nil {
			return err
		}
		id = row.ID
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("save event: %w", err)
	}

	s.log.Info().Int64("event_id", id).Str("plate", ev.Plate).Msg("event saved")
	ev.ID = id
	return id, nil
}

// SaveRejection persists a rejected detection audit row and returns its id.
func (s *EventStore) SaveRejection(ctx context.Context, rej *event.StoredRejection) (int64, error) {
	var id int64
	err := s.withAuthRetry(ctx, "save rejection", func(ctx context.Context) error {
		ctx, cancel := context.WithTimeout(ctx, s.queryTimeout())
		defer cancel()

		row := rejectedPlate{
			CameraID:        rej.CameraID,
			Confidence:      rej.Confidence,
			RejectionReason: rej.RejectionReason,
			RejectionType:   rej.RejectionType,
			CreatedAt:       time.Now().UTC(),
		}
		if rej.RawPlateText != "" {
			row.RawPlateText = &rej.RawPlateText
		}
		if rej.Country != "" {
			row.Country = &rej.Country
		}
		if rej.VehicleType != "" {
			row.VehicleType = &rej.VehicleType
		}
		if len(rej.RawData) > 0 {
			row.RawData = datatypes.JSONMap(rej.RawData)
		}

		if err := s.write().WithContext(ctx).Create(&row).Error; err != nil {
			return err
		}
		id = row.ID
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("save rejection: %w", err)
	}

	s.log.Info().Int64("rejection_id", id).Str("type", rej.RejectionType).Msg("rejection saved")
	rej.ID = id
	return id, nil
}

// RecentEvents returns the newest persisted events. Read-side queries are not
// wired to the credential-refresh path.
func (s *EventStore) RecentEvents(ctx context.Context, limit int) ([]event.EventRecord, error) {
	ctx, cancel := context.WithTimeout(ctx, s.queryTimeout())
	defer cancel()

	var rows []detectedPlate
	err := s.read().WithContext(ctx).
		Order("created_at DESC").
		Limit(limit).
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("recent events: %w", err)
	}
	return toRecords(rows), nil
}

// EventsByPlate returns the newest events for one normalized plate.
func (s *EventStore) EventsByPlate(ctx context.Context, plate string, limit int) ([]event.EventRecord, error) {
	ctx, cancel := context.WithTimeout(ctx, s.queryTimeout())
	defer cancel()

	var rows []detectedPlate
	err := s.read().WithContext(ctx).
		Where("plate = ?", plate).
		Order("created_at DESC").
		Limit(limit).
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("events by plate %s: %w", plate, err)
	}
	return toRecords(rows), nil
}

// Stats returns aggregate event counts.
func (s *EventStore) Stats(ctx context.Context) (event.Stats, error) {
	ctx, cancel := context.WithTimeout(ctx, s.queryTimeout())
	defer cancel()

	var stats event.Stats
	err := s.read().WithContext(ctx).Raw(`
		SELECT
			COUNT(*) AS total_events,
			COUNT(*) FILTER (WHERE created_at::date = CURRENT_DATE) AS events_today,
			COUNT(DISTINCT plate) FILTER (WHERE plate IS NOT NULL AND plate != '') AS unique_plates,
			COUNT(*) FILTER (WHERE created_at >= NOW() - INTERVAL '1 hour') AS events_last_hour
		FROM detected_plates
	`).Scan(&stats).Error
	if err != nil {
		return event.Stats{}, fmt.Errorf("event stats: %w", err)
	}
	return stats, nil
}

func marshalURLs(urls []string) (datatypes.JSON, error) {
	b, err := json.Marshal(urls)
	if err != nil {
		return nil, fmt.Errorf("marshal evidence urls: %w", err)
	}
	return datatypes.JSON(b), nil
}

func toRecords(rows []detectedPlate) []event.EventRecord {
	records := make([]event.EventRecord, 0, len(rows))
	for _, r := range rows {
		confidence := r.Confidence
		rec := event.EventRecord{
			ID:               r.ID,
			Plate:            r.Plate,
			Confidence:       &confidence,
			CaptureTime:      r.CaptureTime,
			CameraID:         r.CameraID,
			ImageURL:         r.ImageURL,
			VehicleType:      r.VehicleType,
			CreatedAt:        r.CreatedAt,
			CorrectionReport: r.OCRCorrectionReport,
		}
		if len(r.RawData) > 0 {
			rec.RawData = map[string]interface{}(r.RawData)
		}
		records = append(records, rec)
	}
	return records
}
