// Package reportlog implements the Report Server's per-area persistence
// layer: one JSON document per area code, guarded by an advisory file lock
// so concurrent report handlers never interleave a read-modify-write.
package reportlog

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"context"

	"github.com/gofrs/flock"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/wip-weather/wip-gateway/internal/core/domain"
	"github.com/wip-weather/wip-gateway/internal/core/ports"
)

// FileReportLog maintains one JSON document per area code at
// "<dir>/sensor_data_<area_code>.json", read-modify-written on every
// append and trimmed to the most recent retainPerArea reports.
type FileReportLog struct {
	dir           string
	retainPerArea int
	logger        *zap.Logger

	locksMu sync.Mutex
	locks   map[uint32]*flock.Flock
}

// New creates a FileReportLog rooted at dir, creating the directory if it
// does not already exist.
func New(dir string, retainPerArea int, logger *zap.Logger) (ports.ReportLog, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("reportlog: cannot create %s: %w", dir, err)
	}
	return &FileReportLog{
		dir:           dir,
		retainPerArea: retainPerArea,
		logger:        logger,
		locks:         make(map[uint32]*flock.Flock),
	}, nil
}

func (l *FileReportLog) lockFor(areaCode uint32) *flock.Flock {
	l.locksMu.Lock()
	defer l.locksMu.Unlock()

	if fl, ok := l.locks[areaCode]; ok {
		return fl
	}
	fl := flock.New(l.pathFor(areaCode) + ".lock")
	l.locks[areaCode] = fl
	return fl
}

func (l *FileReportLog) pathFor(areaCode uint32) string {
	return filepath.Join(l.dir, fmt.Sprintf("sensor_data_%06d.json", areaCode))
}

// reportRecord is one entry in a document's "reports" array.
type reportRecord struct {
	Timestamp   time.Time `json:"timestamp"`
	WeatherCode *uint16   `json:"weather_code,omitempty"`
	Temperature *int8     `json:"temperature,omitempty"`
	Pop         *uint8    `json:"pop,omitempty"`
	Alerts      []string  `json:"alerts,omitempty"`
	Disasters   []string  `json:"disasters,omitempty"`
	ReceivedAt  time.Time `json:"received_at"`
}

// areaDocument is the single JSON document persisted per area code.
type areaDocument struct {
	AreaCode     uint32         `json:"area_code"`
	CreatedAt    time.Time      `json:"created_at"`
	LastUpdated  time.Time      `json:"last_updated"`
	TotalReports int            `json:"total_reports"`
	Reports      []reportRecord `json:"reports"`
}

// Append merges report into its area's document with a read-modify-write,
// holding an exclusive file lock for the duration of the read, update, and
// write back.
func (l *FileReportLog) Append(ctx context.Context, report domain.SensorReport) error {
	tracer := otel.Tracer("reportlog")
	ctx, span := tracer.Start(ctx, "ReportLog.Append")
	defer span.End()
	span.SetAttributes(attribute.Int64("area_code", int64(report.AreaCode)))

	fl := l.lockFor(report.AreaCode)
	locked, err := fl.TryLockContext(ctx, 50*time.Millisecond)
	if err != nil {
		return fmt.Errorf("reportlog: lock failed for area %06d: %w", report.AreaCode, err)
	}
	if !locked {
		return fmt.Errorf("reportlog: could not acquire lock for area %06d", report.AreaCode)
	}
	defer fl.Unlock()

	path := l.pathFor(report.AreaCode)
	doc, err := l.loadDocument(path, report.AreaCode)
	if err != nil {
		return fmt.Errorf("reportlog: load failed: %w", err)
	}

	doc.Reports = append(doc.Reports, reportRecord{
		Timestamp:   report.Timestamp,
		WeatherCode: report.WeatherCode,
		Temperature: report.Temperature,
		Pop:         report.Pop,
		Alerts:      report.Alerts,
		Disasters:   report.Disasters,
		ReceivedAt:  report.ReceivedAt,
	})

	if l.retainPerArea > 0 && len(doc.Reports) > l.retainPerArea {
		doc.Reports = doc.Reports[len(doc.Reports)-l.retainPerArea:]
	}
	doc.TotalReports = len(doc.Reports)
	doc.LastUpdated = report.ReceivedAt

	if err := l.saveDocument(path, doc); err != nil {
		return fmt.Errorf("reportlog: save failed: %w", err)
	}
	return nil
}

// loadDocument reads the existing document at path, or starts a fresh one
// for areaCode if the file doesn't exist or is corrupt.
func (l *FileReportLog) loadDocument(path string, areaCode uint32) (*areaDocument, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return l.freshDocument(areaCode), nil
		}
		return nil, err
	}

	var doc areaDocument
	if err := json.Unmarshal(data, &doc); err != nil {
		l.logger.Warn("reportlog: corrupt document, starting fresh",
			zap.String("path", path), zap.Error(err))
		return l.freshDocument(areaCode), nil
	}
	return &doc, nil
}

func (l *FileReportLog) freshDocument(areaCode uint32) *areaDocument {
	now := time.Now()
	return &areaDocument{
		AreaCode:    areaCode,
		CreatedAt:   now,
		LastUpdated: now,
		Reports:     []reportRecord{},
	}
}

// saveDocument writes doc to path via a temp file and rename, so a crash
// mid-write never corrupts the previously-committed document.
func (l *FileReportLog) saveDocument(path string, doc *areaDocument) error {
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
