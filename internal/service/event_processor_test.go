package service

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"anpr-webhook/internal/domain/event"
	"anpr-webhook/internal/normalizer"
	"anpr-webhook/internal/storage"
)

type fakeStore struct {
	events     []*event.StoredEvent
	rejections []*event.StoredRejection
	eventErr   error
	nextID     int64
}

func (f *fakeStore) SaveEvent(_ context.Context, ev *event.StoredEvent) (int64, error) {
	if f.eventErr != nil {
		return 0, f.eventErr
	}
	f.nextID++
	f.events = append(f.events, ev)
	return f.nextID, nil
}

func (f *fakeStore) SaveRejection(_ context.Context, rej *event.StoredRejection) (int64, error) {
	f.rejections = append(f.rejections, rej)
	return int64(len(f.rejections)), nil
}

type fakeBlobs struct {
	saved   []string
	saveErr map[string]error
}

func (f *fakeBlobs) Save(_ context.Context, _ []byte, name, platePrefix string) (string, string, error) {
	if err := f.saveErr[name]; err != nil {
		return "", "", err
	}
	f.saved = append(f.saved, name)
	return name, fmt.Sprintf("https://store.example/%s/%s", platePrefix, name), nil
}

func (f *fakeBlobs) URL(_ context.Context, relativePath string, _ time.Duration) (string, error) {
	return "https://store.example/" + relativePath, nil
}

func (f *fakeBlobs) Delete(context.Context, string) (bool, error) { return true, nil }

func (f *fakeBlobs) HealthCheck(context.Context) storage.Health {
	return storage.Health{Type: "fake", Status: "healthy"}
}

func testPolicy() normalizer.Policy {
	return normalizer.Policy{MinConfidencePercent: 85, RejectForeign: true, MaxCorrections: 1}
}

func newTestProcessor(store *fakeStore, blobs *fakeBlobs, strict bool) *Processor {
	return NewProcessor(store, blobs, testPolicy(), strict, time.Second, zerolog.Nop())
}

func payloadBody(plate string, confidence string, evidences int) []byte {
	img := base64.StdEncoding.EncodeToString([]byte("jpeg-bytes"))
	body := fmt.Sprintf(`{"infoplate":{"Plate":%q,"DateHour":"2026-03-01T10:30:00","confidence":%s,"CamName":"cam-7","img":%q`, plate, confidence, img)
	if evidences > 0 {
		body += `,"Evidences":[`
		for i := 0; i < evidences; i++ {
			if i > 0 {
				body += ","
			}
			body += fmt.Sprintf(`{"Evidence":{"imgEV":%q}}`, img)
		}
		body += `]`
	}
	return []byte(body + "}}")
}

func TestProcessAcceptsValidPlate(t *testing.T) {
	store := &fakeStore{}
	blobs := &fakeBlobs{}
	p := newTestProcessor(store, blobs, false)

	id, resp := p.Process(context.Background(), payloadBody("ABC123", `"92.5"`, 2), time.Now())

	require.NotNil(t, id)
	assert.Equal(t, int64(1), *id)
	assert.Equal(t, "ok", resp.Status)
	assert.Equal(t, 1, resp.EventsCreated)
	assert.Equal(t, 0, resp.EventsRejected)
	assert.Equal(t, int64(1), resp.TotalEvents)

	require.Len(t, store.events, 1)
	ev := store.events[0]
	assert.Equal(t, "ABC123", ev.Plate)
	assert.Equal(t, "car", ev.VehicleType)
	assert.Equal(t, "cam-7", ev.CameraID)
	assert.InDelta(t, 0.925, ev.Confidence, 1e-9)
	require.NotNil(t, ev.CaptureTime)
	assert.Equal(t, 2026, ev.CaptureTime.Year())
	// primary plus two evidences, primary first
	require.Len(t, ev.ImageURLs, 3)
	assert.Contains(t, ev.ImageURLs[0], "detection.jpg")
	assert.Contains(t, ev.ImageURLs[1], "evidence_1.jpg")
	assert.Contains(t, ev.ImageURLs[2], "evidence_2.jpg")
	assert.Empty(t, ev.CorrectionReport)
}

func TestProcessCorrectsOCRAndReports(t *testing.T) {
	store := &fakeStore{}
	p := newTestProcessor(store, &fakeBlobs{}, false)

	_, resp := p.Process(context.Background(), payloadBody("A8C123", `95`, 0), time.Now())

	assert.Equal(t, 1, resp.EventsCreated)
	require.Len(t, store.events, 1)
	assert.Equal(t, "ABC123", store.events[0].Plate)
	assert.Contains(t, store.events[0].CorrectionReport, "A8C123 -> ABC123")
	assert.Contains(t, store.events[0].CorrectionReport, "pos1: 8->B")
	require.Len(t, resp.Events, 1)
	assert.Equal(t, 1, resp.Events[0].OCRCorrections)
}

func TestProcessRejectsLowConfidence(t *testing.T) {
	store := &fakeStore{}
	p := newTestProcessor(store, &fakeBlobs{}, false)

	id, resp := p.Process(context.Background(), payloadBody("ABC123", `40`, 0), time.Now())

	assert.Nil(t, id)
	assert.Equal(t, "ok", resp.Status)
	assert.Equal(t, 0, resp.EventsCreated)
	assert.Equal(t, 1, resp.EventsRejected)
	assert.Equal(t, int64(0), resp.TotalEvents)
	assert.Nil(t, p.LastEventTime())

	require.Len(t, store.rejections, 1)
	rej := store.rejections[0]
	assert.Equal(t, event.RejectionConfidence, rej.RejectionType)
	assert.Equal(t, "ABC123", rej.RawPlateText)
	assert.NotContains(t, rej.RawData, "img")
}

func TestProcessRejectionTypeClassification(t *testing.T) {
	// Anything past the confidence gate carries foreign_plate, the type the
	// sibling webhook services write for the same audit tables.
	store := &fakeStore{}
	p := newTestProcessor(store, &fakeBlobs{}, false)

	p.Process(context.Background(), payloadBody("QQQQQQQQ", `95`, 0), time.Now())
	p.Process(context.Background(), payloadBody("", `95`, 0), time.Now())
	p.Process(context.Background(), payloadBody("ABC123", `40`, 0), time.Now())

	require.Len(t, store.rejections, 3)
	assert.Equal(t, event.RejectionForeign, store.rejections[0].RejectionType)
	assert.Equal(t, event.RejectionForeign, store.rejections[1].RejectionType)
	assert.Equal(t, event.RejectionConfidence, store.rejections[2].RejectionType)
}

func TestProcessStrictModeSkipsRejectionAudit(t *testing.T) {
	store := &fakeStore{}
	p := newTestProcessor(store, &fakeBlobs{}, true)

	_, resp := p.Process(context.Background(), payloadBody("ABC123", `40`, 0), time.Now())

	assert.Equal(t, 1, resp.EventsRejected)
	assert.Empty(t, store.rejections)
}

func TestProcessUnknownPlateRejected(t *testing.T) {
	store := &fakeStore{}
	p := newTestProcessor(store, &fakeBlobs{}, false)

	_, resp := p.Process(context.Background(), payloadBody("UNKNOWN", `95`, 0), time.Now())

	assert.Equal(t, 1, resp.EventsRejected)
	assert.Equal(t, "unknown", resp.Plate)
}

func TestProcessMalformedBody(t *testing.T) {
	p := newTestProcessor(&fakeStore{}, &fakeBlobs{}, false)

	id, resp := p.Process(context.Background(), []byte("{not json"), time.Now())

	assert.Nil(t, id)
	assert.Equal(t, "error", resp.Status)
	assert.NotEmpty(t, resp.Error)
}

func TestProcessSkipsFailedUploads(t *testing.T) {
	store := &fakeStore{}
	blobs := &fakeBlobs{saveErr: map[string]error{"evidence_1.jpg": errors.New("bucket unavailable")}}
	p := newTestProcessor(store, blobs, false)

	_, resp := p.Process(context.Background(), payloadBody("ABC123", `95`, 2), time.Now())

	assert.Equal(t, 1, resp.EventsCreated)
	require.Len(t, store.events, 1)
	// primary and evidence_2 survive, evidence_1 is skipped
	assert.Len(t, store.events[0].ImageURLs, 2)
}

func TestProcessDatabaseFailureCountsNothing(t *testing.T) {
	store := &fakeStore{eventErr: errors.New("connection refused")}
	p := newTestProcessor(store, &fakeBlobs{}, false)

	id, resp := p.Process(context.Background(), payloadBody("ABC123", `95`, 0), time.Now())

	assert.Nil(t, id)
	assert.Equal(t, "ok", resp.Status)
	assert.Equal(t, 0, resp.EventsCreated)
	assert.Equal(t, "event not created", resp.Error)
	assert.Empty(t, resp.Events)
	assert.Equal(t, int64(0), resp.TotalEvents)
	assert.Equal(t, int64(0), p.TotalEvents())
	assert.Nil(t, p.LastEventTime())
	assert.Empty(t, store.events)
}

func TestProcessTotalEventsAccumulates(t *testing.T) {
	store := &fakeStore{}
	p := newTestProcessor(store, &fakeBlobs{}, false)

	for i := 0; i < 3; i++ {
		p.Process(context.Background(), payloadBody("ABC123", `95`, 0), time.Now())
	}
	_, resp := p.Process(context.Background(), payloadBody("ABC123", `40`, 0), time.Now())

	assert.Equal(t, int64(3), resp.TotalEvents)
	assert.Equal(t, int64(3), p.TotalEvents())
	assert.NotNil(t, p.LastEventTime())
}

func TestParseCaptureTime(t *testing.T) {
	fallback := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	cases := []struct {
		raw  string
		want time.Time
	}{
		{"2026-03-01T10:30:00Z", time.Date(2026, 3, 1, 10, 30, 0, 0, time.UTC)},
		{"2026-03-01T10:30:00", time.Date(2026, 3, 1, 10, 30, 0, 0, time.UTC)},
		{"2026-03-01 10:30:00", time.Date(2026, 3, 1, 10, 30, 0, 0, time.UTC)},
		{"01/03/2026 10:30:00", time.Date(2026, 3, 1, 10, 30, 0, 0, time.UTC)},
		{"20260301103000", time.Date(2026, 3, 1, 10, 30, 0, 0, time.UTC)},
		{"not a time", fallback},
		{"", fallback},
	}
	for _, tc := range cases {
		got := parseCaptureTime(tc.raw, fallback)
		assert.True(t, tc.want.Equal(got), "raw %q: got %v", tc.raw, got)
	}
}

func TestCorrectionReport(t *testing.T) {
	assert.Empty(t, correctionReport("ABC123", "ABC123", 0))
	assert.Empty(t, correctionReport("", "ABC123", 1))
	assert.Equal(t, "A8C123 -> ABC123 (1 corr: pos1: 8->B)", correctionReport("A8C123", "ABC123", 1))
	assert.Contains(t, correctionReport("a8c-123", "ABC123", 1), "pos1: 8->B")
}

func TestHealthCheck(t *testing.T) {
	p := newTestProcessor(&fakeStore{}, &fakeBlobs{}, false)
	h := p.HealthCheck(context.Background())
	assert.Equal(t, "healthy", h["processor"])
	assert.Equal(t, int64(0), h["total_events"])
}
