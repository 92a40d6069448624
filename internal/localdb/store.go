// Package localdb is a single-host job backend on SQLite, meant for local
// development and demos. Claims use a conditional update on the status
// column instead of row locks.
package localdb

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/yourorg/wpsentinel-worker/internal/model"
	"github.com/yourorg/wpsentinel-worker/internal/queue"
)

var (
	_ queue.Backend   = (*Store)(nil)
	_ queue.Submitter = (*Store)(nil)
	_ queue.Reclaimer = (*Store)(nil)
)

// Scan is a row in the scans table.
type Scan struct {
	ID                   string  `gorm:"primaryKey;type:text"`
	TargetURL            string  `gorm:"not null"`
	Status               string  `gorm:"not null;index:idx_scans_status_created,priority:1"`
	WorkerID             *string
	CreatedAt            time.Time `gorm:"index:idx_scans_status_created,priority:2"`
	StartedAt            *time.Time
	FinishedAt           *time.Time
	VulnerabilitiesCount *int
	Metadata             datatypes.JSON
	ErrorMessage         *string
}

func (Scan) TableName() string { return "scans" }

// ScanFinding is a row in the scan_findings table.
type ScanFinding struct {
	ID             uint   `gorm:"primaryKey"`
	ScanID         string `gorm:"not null;index"`
	Severity       string `gorm:"not null"`
	Title          string `gorm:"not null"`
	Description    *string
	Evidence       *string
	Recommendation *string
	CreatedAt      time.Time
}

func (ScanFinding) TableName() string { return "scan_findings" }

type Store struct {
	db       *gorm.DB
	sqlDB    *sql.DB
	workerID string
	now      func() time.Time
}

// Open opens (creating if needed) the SQLite database at path and migrates it.
func Open(path, workerID string) (*Store, error) {
	dsn := path + "?_busy_timeout=5000&_journal_mode=WAL"
	gdb, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, err
	}
	sqlDB, err := gdb.DB()
	if err != nil {
		return nil, err
	}
	// SQLite allows one writer; a single connection serializes claims.
	sqlDB.SetMaxOpenConns(1)

	if err := gdb.AutoMigrate(&Scan{}, &ScanFinding{}); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return &Store{db: gdb, sqlDB: sqlDB, workerID: workerID, now: func() time.Time { return time.Now().UTC() }}, nil
}

func (s *Store) Ping(ctx context.Context) error { return s.sqlDB.PingContext(ctx) }

func (s *Store) Close() { _ = s.sqlDB.Close() }

func (s *Store) Acquire(ctx context.Context) (queue.Session, error) {
	return &session{store: s}, nil
}

func (s *Store) Enqueue(ctx context.Context, targetURL string) (string, error) {
	row := Scan{ID: uuid.NewString(), TargetURL: targetURL, Status: string(model.StatusQueued), CreatedAt: s.now()}
	if err := s.db.WithContext(ctx).Create(&row).Error; err != nil {
		return "", fmt.Errorf("enqueue: %w", err)
	}
	return row.ID, nil
}

func (s *Store) RequeueStaleRunning(ctx context.Context, idleFor time.Duration) ([]string, error) {
	if idleFor <= 0 {
		return nil, nil
	}
	cutoff := s.now().Add(-idleFor)
	var ids []string
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Model(&Scan{}).
			Where("status = ? AND started_at < ?", model.StatusRunning, cutoff).
			Pluck("id", &ids).Error; err != nil {
			return err
		}
		if len(ids) == 0 {
			return nil
		}
		return tx.Model(&Scan{}).
			Where("id IN ? AND status = ?", ids, model.StatusRunning).
			Updates(map[string]any{
				"status":        model.StatusQueued,
				"started_at":    nil,
				"worker_id":     nil,
				"error_message": "re-queued: previous worker lost",
			}).Error
	})
	if err != nil {
		return nil, err
	}
	return ids, nil
}

// Status returns the stored status of a scan.
func (s *Store) Status(ctx context.Context, id string) (model.JobStatus, error) {
	var row Scan
	if err := s.db.WithContext(ctx).Select("status").First(&row, "id = ?", id).Error; err != nil {
		return "", err
	}
	return model.JobStatus(row.Status), nil
}

type session struct {
	store *Store
}

func (s *session) Release() {}

// Candidates lost to other claimers are retried for at most claimRounds
// listings; after that the queue counts as empty for this iteration.
const (
	claimBatch  = 5
	claimRounds = 3
)

func (s *session) ClaimNext(ctx context.Context) (*model.ScanJob, error) {
	db := s.store.db.WithContext(ctx)
	for round := 0; round < claimRounds; round++ {
		var candidates []Scan
		err := db.Where("status = ?", model.StatusQueued).
			Order("created_at ASC").
			Limit(claimBatch).
			Find(&candidates).Error
		if err != nil {
			return nil, fmt.Errorf("select queued: %w", err)
		}
		if len(candidates) == 0 {
			return nil, nil
		}
		for _, c := range candidates {
			res := db.Model(&Scan{}).
				Where("id = ? AND status = ?", c.ID, model.StatusQueued).
				Updates(map[string]any{
					"status":        model.StatusRunning,
					"started_at":    s.store.now(),
					"finished_at":   nil,
					"error_message": nil,
					"worker_id":     s.store.workerID,
				})
			if res.Error != nil {
				return nil, fmt.Errorf("claim %s: %w", c.ID, res.Error)
			}
			if res.RowsAffected == 1 {
				return &model.ScanJob{ID: c.ID, TargetURL: c.TargetURL}, nil
			}
		}
	}
	return nil, nil
}

func (s *session) InsertFinding(ctx context.Context, jobID string, f model.Finding) error {
	row := ScanFinding{
		ScanID:         jobID,
		Severity:       string(f.Severity),
		Title:          f.Title,
		Description:    nullableString(f.Description),
		Evidence:       nullableString(f.Evidence),
		Recommendation: nullableString(f.Recommendation),
	}
	if err := s.store.db.WithContext(ctx).Create(&row).Error; err != nil {
		return fmt.Errorf("insert finding: %w", err)
	}
	return nil
}

var openStatuses = []model.JobStatus{model.StatusQueued, model.StatusRunning}

// ownedOpen restricts a terminal update to open jobs that no other worker
// has claimed since.
const ownedOpen = "id = ? AND status IN ? AND (worker_id = ? OR worker_id IS NULL)"

func (s *session) MarkSucceeded(ctx context.Context, jobID string, vulnerabilities int, metrics model.ScanMetrics) error {
	meta, err := json.Marshal(metrics)
	if err != nil {
		return fmt.Errorf("encode metrics: %w", err)
	}
	err = s.store.db.WithContext(ctx).Model(&Scan{}).
		Where(ownedOpen, jobID, openStatuses, s.store.workerID).
		Updates(map[string]any{
			"status":                model.StatusSucceeded,
			"finished_at":           s.store.now(),
			"vulnerabilities_count": vulnerabilities,
			"metadata":              datatypes.JSON(meta),
		}).Error
	if err != nil {
		return fmt.Errorf("mark succeeded: %w", err)
	}
	return nil
}

func (s *session) MarkFailed(ctx context.Context, jobID, errMsg string) error {
	err := s.store.db.WithContext(ctx).Model(&Scan{}).
		Where(ownedOpen, jobID, openStatuses, s.store.workerID).
		Updates(map[string]any{
			"status":        model.StatusFailed,
			"finished_at":   s.store.now(),
			"error_message": errMsg,
		}).Error
	if err != nil {
		return fmt.Errorf("mark failed: %w", err)
	}
	return nil
}

func nullableString(v string) *string {
	if v == "" {
		return nil
	}
	return &v
}
