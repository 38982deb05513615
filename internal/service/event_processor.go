package service

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"anpr-webhook/internal/domain/event"
	"anpr-webhook/internal/normalizer"
	"anpr-webhook/internal/storage"
)

// EventStore is the persistence capability the pipeline writes through.
type EventStore interface {
	SaveEvent(ctx context.Context, ev *event.StoredEvent) (int64, error)
	SaveRejection(ctx context.Context, rej *event.StoredRejection) (int64, error)
}

// captureTimeLayouts are tried in order after RFC3339. Cameras in the field
// ship several firmware generations with different timestamp formats.
var captureTimeLayouts = []string{
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"02/01/2006 15:04:05",
	"20060102150405",
}

// Processor runs one inbound webhook event end to end: normalize, branch
// accept/reject, upload evidence, persist, build the response.
type Processor struct {
	store         EventStore
	blobs         storage.Store
	policy        normalizer.Policy
	strictMode    bool
	uploadTimeout time.Duration
	log           zerolog.Logger

	totalEvents   atomic.Int64
	lastEventTime atomic.Pointer[time.Time]
}

func NewProcessor(store EventStore, blobs storage.Store, policy normalizer.Policy, strictMode bool, uploadTimeout time.Duration, log zerolog.Logger) *Processor {
	if uploadTimeout <= 0 {
		uploadTimeout = 30 * time.Second
	}
	return &Processor{
		store:         store,
		blobs:         blobs,
		policy:        policy,
		strictMode:    strictMode,
		uploadTimeout: uploadTimeout,
		log:           log,
	}
}

// TotalEvents is the number of accepted events since process start.
func (p *Processor) TotalEvents() int64 {
	return p.totalEvents.Load()
}

// LastEventTime is when the last event was accepted, nil before the first.
func (p *Processor) LastEventTime() *time.Time {
	return p.lastEventTime.Load()
}

// Process handles one webhook body. Validation rejections are not errors:
// they come back inside an ok-status response. A failed persist keeps the ok
// status but reports zero events created. Only an undecodable payload or a
// panic yields an error-status response, and the panic never escapes.
func (p *Processor) Process(ctx context.Context, body []byte, receivedAt time.Time) (eventID *int64, resp event.Response) {
	defer func() {
		if r := recover(); r != nil {
			p.log.Error().Interface("panic", r).Msg("panic processing event")
			eventID = nil
			resp = p.errorResponse(fmt.Sprintf("internal failure: %v", r))
		}
	}()

	var payload event.WebhookPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		p.log.Error().Err(err).Msg("malformed event payload")
		return nil, p.errorResponse(fmt.Sprintf("malformed payload: %v", err))
	}

	info := payload.InfoPlate
	plate := strings.TrimSpace(info.Plate)
	if strings.EqualFold(plate, event.PlateUnknown) {
		plate = ""
	}
	confidence := float64(info.Confidence)

	p.log.Info().
		Str("plate", plate).
		Float64("confidence", confidence).
		Str("camera", info.CamName).
		Int("evidences", len(info.Evidences)).
		Msg("event received")

	result := normalizer.Normalize(plate, confidence, "", "", p.policy)

	p.log.Info().
		Bool("valid", result.IsValid).
		Str("normalized", result.NormalizedPlate).
		Int("ocr_corrections", result.OCRCorrections).
		Msg("plate normalized")

	var created []event.CreatedEventDetail
	var rejected []event.RejectionDetail
	var persistFailed bool

	if !result.IsValid {
		rejected = append(rejected, p.handleRejection(ctx, info, plate, result))
	} else {
		detail, err := p.handleAccepted(ctx, info, plate, result, receivedAt)
		if err != nil {
			persistFailed = true
		} else {
			created = append(created, detail)
			eventID = detail.EventID
		}
	}

	if len(created) > 0 {
		p.totalEvents.Add(int64(len(created)))
		now := time.Now().UTC()
		p.lastEventTime.Store(&now)
	}

	resp = event.Response{
		Status:         "ok",
		EventsCreated:  len(created),
		Error:          persistFailureNote(persistFailed),
		EventsRejected: len(rejected),
		Plate:          plateOrUnknown(plate),
		Confidence:     result.Confidence,
		CaptureTime:    info.DateHour,
		CameraName:     info.CamName,
		TotalEvents:    p.totalEvents.Load(),
		Timestamp:      time.Now().UTC().Format(time.RFC3339),
		Events:         created,
		Rejections:     rejected,
	}
	return eventID, resp
}

// handleRejection classifies and audits one rejected detection. In strict
// mode the rejection is logged only; otherwise it lands in the audit table.
func (p *Processor) handleRejection(ctx context.Context, info event.InfoPlate, rawPlate string, result normalizer.Result) event.RejectionDetail {
	p.log.Warn().
		Str("plate", rawPlate).
		Str("reason", result.RejectionReason).
		Msg("plate rejected")

	if !p.strictMode {
		rejection := &event.StoredRejection{
			CameraID:        info.CamName,
			RawPlateText:    rawPlate,
			Confidence:      result.Confidence,
			RejectionReason: result.RejectionReason,
			RejectionType:   p.classifyRejection(result),
			RawData:         info.RawSnapshot(),
		}
		if _, err := p.store.SaveRejection(ctx, rejection); err != nil {
			p.log.Error().Err(err).Msg("failed to save rejection")
		}
	}

	return event.RejectionDetail{
		RawPlate:        rawPlate,
		Confidence:      result.Confidence,
		RejectionReason: result.RejectionReason,
	}
}

// handleAccepted uploads the evidence images and persists the event. A single
// failed upload is skipped, not fatal; a failed database write means the event
// was not created and must not be counted.
func (p *Processor) handleAccepted(ctx context.Context, info event.InfoPlate, rawPlate string, result normalizer.Result, receivedAt time.Time) (event.CreatedEventDetail, error) {
	var imageURLs []string

	// Primary image first: the persisted row references it directly.
	if url, ok := p.uploadImage(ctx, info.Image, "detection.jpg", result.NormalizedPlate); ok {
		imageURLs = append(imageURLs, url)
	}
	for idx, item := range info.Evidences {
		name := fmt.Sprintf("evidence_%d.jpg", idx+1)
		if url, ok := p.uploadImage(ctx, item.Evidence.Image, name, result.NormalizedPlate); ok {
			imageURLs = append(imageURLs, url)
		}
	}

	captureTime := parseCaptureTime(info.DateHour, receivedAt)
	stored := &event.StoredEvent{
		Plate:            result.NormalizedPlate,
		Confidence:       result.Confidence,
		CaptureTime:      &captureTime,
		CameraID:         info.CamName,
		VehicleType:      result.VehicleClass,
		ImageURLs:        imageURLs,
		CorrectionReport: correctionReport(rawPlate, result.NormalizedPlate, result.OCRCorrections),
		RawData:          info.RawSnapshot(),
	}

	id, err := p.store.SaveEvent(ctx, stored)
	if err != nil {
		p.log.Error().Err(err).Str("plate", result.NormalizedPlate).Msg("event not created")
		return event.CreatedEventDetail{}, err
	}

	return event.CreatedEventDetail{
		EventID:         &id,
		ImageURLs:       imageURLs,
		NormalizedPlate: result.NormalizedPlate,
		OCRCorrections:  result.OCRCorrections,
	}, nil
}

// uploadImage decodes one base64 image and saves it, bounded by the upload
// timeout. Failures are logged and reported as a skip.
func (p *Processor) uploadImage(ctx context.Context, b64, name, plate string) (string, bool) {
	data := decodeBase64Image(b64)
	if data == nil {
		return "", false
	}

	uploadCtx, cancel := context.WithTimeout(ctx, p.uploadTimeout)
	defer cancel()

	_, url, err := p.blobs.Save(uploadCtx, data, name, plate)
	if err != nil {
		p.log.Error().Err(err).Str("image", name).Msg("evidence upload failed, skipping image")
		return "", false
	}
	return url, true
}

// classifyRejection maps a normalization result to the coarse rejection type
// stored in the audit table. Every rejected read has IsDomestic false, so
// anything past the confidence gate lands on the foreign branch.
func (p *Processor) classifyRejection(result normalizer.Result) string {
	switch {
	case result.Confidence < p.policy.MinConfidencePercent/100.0:
		return event.RejectionConfidence
	case !result.IsDomestic:
		return event.RejectionForeign
	default:
		return event.RejectionFormat
	}
}

func persistFailureNote(failed bool) string {
	if failed {
		return "event not created"
	}
	return ""
}

// decodeBase64Image strips an optional data-URI prefix and decodes. Returns
// nil for empty or undecodable input.
func decodeBase64Image(b64 string) []byte {
	if b64 == "" {
		return nil
	}
	if idx := strings.Index(b64, ","); idx >= 0 {
		b64 = b64[idx+1:]
	}
	data, err := base64.StdEncoding.DecodeString(b64)
	if err != nil {
		return nil
	}
	return data
}

// parseCaptureTime parses the camera timestamp, falling back to the time the
// request was received when no known layout matches.
func parseCaptureTime(raw string, receivedAt time.Time) time.Time {
	if raw == "" {
		return receivedAt
	}
	if t, err := time.Parse(time.RFC3339, raw); err == nil {
		return t
	}
	for _, layout := range captureTimeLayouts {
		if t, err := time.Parse(layout, raw); err == nil {
			return t.UTC()
		}
	}
	return receivedAt
}

// correctionReport describes the character-position diffs between the raw
// and normalized plate. Empty when nothing was corrected.
func correctionReport(rawPlate, normalizedPlate string, corrections int) string {
	if corrections == 0 || rawPlate == "" || normalizedPlate == "" {
		return ""
	}

	cleaned := strings.ToUpper(strings.TrimSpace(rawPlate))
	cleaned = strings.ReplaceAll(cleaned, " ", "")
	cleaned = strings.ReplaceAll(cleaned, "-", "")
	if cleaned == normalizedPlate {
		return ""
	}

	var diffs []string
	for i := 0; i < len(cleaned) && i < len(normalizedPlate); i++ {
		if cleaned[i] != normalizedPlate[i] {
			diffs = append(diffs, fmt.Sprintf("pos%d: %c->%c", i, cleaned[i], normalizedPlate[i]))
		}
	}
	if len(diffs) == 0 {
		return ""
	}
	return fmt.Sprintf("%s -> %s (%d corr: %s)", cleaned, normalizedPlate, corrections, strings.Join(diffs, ", "))
}

func plateOrUnknown(plate string) string {
	if plate == "" {
		return "unknown"
	}
	return plate
}

func (p *Processor) errorResponse(msg string) event.Response {
	return event.Response{
		Status:    "error",
		Error:     msg,
		Plate:     "unknown",
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}
}

// HealthCheck reports pipeline counters plus evidence-store health.
func (p *Processor) HealthCheck(ctx context.Context) map[string]interface{} {
	health := map[string]interface{}{
		"processor":    "healthy",
		"total_events": p.TotalEvents(),
		"storage":      p.blobs.HealthCheck(ctx),
	}
	if t := p.LastEventTime(); t != nil {
		health["last_event_time"] = t.Format(time.RFC3339)
	}
	return health
}

// StorageHealth exposes the evidence store health for readiness checks.
func (p *Processor) StorageHealth(ctx context.Context) storage.Health {
	return p.blobs.HealthCheck(ctx)
}

// StorageURL returns a time-limited URL for a stored evidence image.
func (p *Processor) StorageURL(ctx context.Context, relativePath string, expiresIn time.Duration) (string, error) {
	return p.blobs.URL(ctx, relativePath, expiresIn)
}
