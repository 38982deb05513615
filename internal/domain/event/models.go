package event

import (
	"encoding/json"
	"strconv"
	"strings"
	"time"
)

// PlateUnknown is the sentinel some camera firmwares send when no plate was read.
const PlateUnknown = "UNKNOWN"

// Confidence accepts both string and numeric JSON values, since different
// firmware versions disagree on the wire type. Unparseable values decode to 0.
type Confidence float64

func (c *Confidence) UnmarshalJSON(data []byte) error {
	s := strings.Trim(string(data), `"`)
	if s == "" || s == "null" {
		*c = 0
		return nil
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		*c = 0
		return nil
	}
	*c = Confidence(v)
	return nil
}

type WebhookPayload struct {
	InfoPlate InfoPlate `json:"infoplate"`
}

type InfoPlate struct {
	Plate      string         `json:"Plate"`
	DateHour   string         `json:"DateHour"`
	Confidence Confidence     `json:"confidence"`
	CamName    string         `json:"CamName"`
	Image      string         `json:"img"`
	Evidences  []EvidenceItem `json:"Evidences"`
}

type EvidenceItem struct {
	Evidence Evidence `json:"Evidence"`
}

type Evidence struct {
	Image string `json:"imgEV"`
}

// RawSnapshot is the payload minus image blobs, persisted for audit.
func (p InfoPlate) RawSnapshot() map[string]interface{} {
	return map[string]interface{}{
		"Plate":      p.Plate,
		"DateHour":   p.DateHour,
		"confidence": float64(p.Confidence),
		"CamName":    p.CamName,
	}
}

// StoredEvent is an accepted detection as persisted. Immutable once written.
type StoredEvent struct {
	ID               int64
	Plate            string
	Confidence       float64
	CaptureTime      *time.Time
	CameraID         string
	VehicleType      string
	ImageURLs        []string // primary first
	CorrectionReport string
	RawData          map[string]interface{}
}

// StoredRejection is a rejected detection as persisted when the deployment
// audits rejections (non-strict mode). Immutable once written.
type StoredRejection struct {
	ID              int64
	CameraID        string
	RawPlateText    string
	Confidence      float64
	RejectionReason string
	RejectionType   string
	Country         string
	VehicleType     string
	RawData         map[string]interface{}
}

// Rejection type classification values.
const (
	RejectionConfidence = "confidence"
	RejectionForeign    = "foreign_plate"
	RejectionFormat     = "format"
)

type CreatedEventDetail struct {
	EventID         *int64   `json:"event_id"`
	ImageURLs       []string `json:"image_urls"`
	NormalizedPlate string   `json:"normalized_plate"`
	OCRCorrections  int      `json:"ocr_corrections"`
}

type RejectionDetail struct {
	RawPlate        string  `json:"raw_plate"`
	Confidence      float64 `json:"confidence"`
	RejectionReason string  `json:"rejection_reason"`
}

// Response is the wire-level acknowledgment returned to the camera. It is
// always produced, including for rejected plates and infrastructure errors.
type Response struct {
	Status         string               `json:"status"`
	Error          string               `json:"error,omitempty"`
	EventsCreated  int                  `json:"events_created"`
	EventsRejected int                  `json:"events_rejected"`
	Plate          string               `json:"plate"`
	Confidence     float64              `json:"confidence"`
	CaptureTime    string               `json:"capture_time"`
	CameraName     string               `json:"camera_name"`
	TotalEvents    int64                `json:"total_events"`
	Timestamp      string               `json:"timestamp"`
	Events         []CreatedEventDetail `json:"events,omitempty"`
	Rejections     []RejectionDetail    `json:"rejections,omitempty"`
}

// EventRecord is a persisted event as returned by read queries.
type EventRecord struct {
	ID               int64                  `json:"id"`
	Plate            string                 `json:"plate"`
	Confidence       *float64               `json:"confidence,omitempty"`
	CaptureTime      *time.Time             `json:"capture_time,omitempty"`
	CameraID         string                 `json:"camera_id"`
	ImageURL         *string                `json:"image_url,omitempty"`
	VehicleType      *string                `json:"vehicle_type,omitempty"`
	CreatedAt        time.Time              `json:"created_at"`
	RawData          map[string]interface{} `json:"raw_data,omitempty"`
	CorrectionReport *string                `json:"ocr_correction_report,omitempty"`
}

// Stats are aggregate counts over persisted events.
type Stats struct {
	TotalEvents    int64 `json:"total_events"`
	EventsToday    int64 `json:"events_today"`
	UniquePlates   int64 `json:"unique_plates"`
	EventsLastHour int64 `json:"events_last_hour"`
}

var _ json.Unmarshaler = (*Confidence)(nil)
