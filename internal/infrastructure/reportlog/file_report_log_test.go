package reportlog

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/wip-weather/wip-gateway/internal/core/domain"
)

func readDocument(t *testing.T, path string) areaDocument {
	t.Helper()
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	var doc areaDocument
	require.NoError(t, json.Unmarshal(data, &doc))
	return doc
}

func TestFileReportLog_AppendMergesIntoSingleAreaDocument(t *testing.T) {
	dir := t.TempDir()
	log, err := New(dir, 0, zap.NewNop())
	require.NoError(t, err)

	weatherCode := uint16(100)
	report := domain.SensorReport{
		AreaCode:    130010,
		Timestamp:   time.Now(),
		WeatherCode: &weatherCode,
		ReceivedAt:  time.Now(),
	}

	require.NoError(t, log.Append(context.Background(), report))
	require.NoError(t, log.Append(context.Background(), report))

	path := filepath.Join(dir, "sensor_data_130010.json")
	doc := readDocument(t, path)
	assert.Equal(t, uint32(130010), doc.AreaCode)
	assert.Equal(t, 2, doc.TotalReports)
	assert.Len(t, doc.Reports, 2)
	assert.False(t, doc.CreatedAt.IsZero())
	assert.False(t, doc.LastUpdated.IsZero())
}

func TestFileReportLog_RetentionTrimsOldestEntries(t *testing.T) {
	dir := t.TempDir()
	fileLog, err := New(dir, 3, zap.NewNop())
	require.NoError(t, err)

	for i := 0; i < 10; i++ {
		require.NoError(t, fileLog.Append(context.Background(), domain.SensorReport{
			AreaCode:   130010,
			Timestamp:  time.Now(),
			ReceivedAt: time.Now(),
		}))
	}

	path := filepath.Join(dir, "sensor_data_130010.json")
	doc := readDocument(t, path)
	assert.Equal(t, 3, doc.TotalReports)
	assert.Len(t, doc.Reports, 3)
}

func TestFileReportLog_CorruptDocumentStartsFresh(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "sensor_data_130010.json"), []byte("not json"), 0o644))

	fileLog, err := New(dir, 0, zap.NewNop())
	require.NoError(t, err)

	require.NoError(t, fileLog.Append(context.Background(), domain.SensorReport{
		AreaCode:   130010,
		Timestamp:  time.Now(),
		ReceivedAt: time.Now(),
	}))

	doc := readDocument(t, filepath.Join(dir, "sensor_data_130010.json"))
	assert.Equal(t, 1, doc.TotalReports)
}
