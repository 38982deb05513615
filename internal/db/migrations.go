package db

import (
	"fmt"

	"gorm.io/gorm"
)

// Both tables are shared with sibling webhook services, so every statement
// must stay idempotent.
var migrationStatements = []string{
	`CREATE TABLE IF NOT EXISTS detected_plates (
		id                    BIGSERIAL PRIMARY KEY,
		plate                 VARCHAR(20),
		image_url             VARCHAR(500),
		evidence_urls         JSONB,
		camera_id             VARCHAR(100),
		camera_location       VARCHAR(200),
		vehicle_type          VARCHAR(50),
		direction             VARCHAR(20),
		confidence            DECIMAL(6,4),
		capture_time          TIMESTAMPTZ,
		created_at            TIMESTAMPTZ NOT NULL DEFAULT now(),
		raw_data              JSONB,
		ocr_correction_report TEXT
	);`,
	`CREATE INDEX IF NOT EXISTS idx_detected_plates_plate ON detected_plates(plate);`,
	`CREATE INDEX IF NOT EXISTS idx_detected_plates_camera_id ON detected_plates(camera_id);`,
	`CREATE INDEX IF NOT EXISTS idx_detected_plates_created_at ON detected_plates(created_at);`,
	`CREATE INDEX IF NOT EXISTS idx_detected_plates_capture_time ON detected_plates(capture_time);`,
	`CREATE TABLE IF NOT EXISTS rejected_plates (
		id               BIGSERIAL PRIMARY KEY,
		camera_id        VARCHAR(100),
		raw_plate_text   VARCHAR(50),
		confidence       DECIMAL(5,2),
		rejection_reason TEXT NOT NULL,
		rejection_type   VARCHAR(50),
		country          VARCHAR(10),
		vehicle_type     VARCHAR(50),
		raw_data         JSONB,
		created_at       TIMESTAMPTZ NOT NULL DEFAULT now()
	);`,
	`CREATE INDEX IF NOT EXISTS idx_rejected_plates_camera
		ON rejected_plates(camera_id, created_at DESC);`,
	`CREATE INDEX IF NOT EXISTS idx_rejected_plates_type ON rejected_plates(rejection_type);`,
	`CREATE INDEX IF NOT EXISTS idx_rejected_plates_confidence ON rejected_plates(confidence);`,
}

func RunMigrations(db *gorm.DB) error {
	for i, stmt := range migrationStatements {
		if err := db.Exec(stmt).Error; err != nil {
			return fmt.Errorf("migration %d failed: %w", i+1, err)
		}
	}
	return nil
}
