package main

import (
	"bytes"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/sells-group/goshawk-habitat/internal/model"
)

func TestFormatRunsList(t *testing.T) {
	now := time.Date(2025, 6, 15, 10, 30, 0, 0, time.UTC)
	runs := []model.Run{
		{
			ID:        "abc12345-6789-0000-0000-000000000000",
			Region:    "Williams Lake TSA",
			Status:    model.RunStatusComplete,
			Summary:   &model.RunSummary{QualifyingPatches: 14, SuitableAreaHa: 3120.5},
			CreatedAt: now,
			UpdatedAt: now.Add(2 * time.Minute),
		},
		{
			ID:        "def12345-6789-0000-0000-000000000000",
			Region:    "Quesnel TSA",
			Status:    model.RunStatusRunning,
			CreatedAt: now.Add(-1 * time.Hour),
			UpdatedAt: now.Add(-30 * time.Minute),
		},
	}

	var buf bytes.Buffer
	formatRunsList(&buf, runs)

	output := buf.String()
	assert.Contains(t, output, "REGION")
	assert.Contains(t, output, "SUITABLE_HA")
	assert.Contains(t, output, "Williams Lake TSA")
	assert.Contains(t, output, "complete")
	assert.Contains(t, output, "3120.5")
	assert.Contains(t, output, "Quesnel TSA")
	assert.Contains(t, output, "running")
	assert.Contains(t, output, "2025-06-15 10:30")
	assert.Contains(t, output, "abc12345")
	assert.NotContains(t, output, "abc12345-6789")
}

func TestFormatRunsList_LongRegion(t *testing.T) {
	runs := []model.Run{{ID: "x", Region: "A region name well beyond thirty characters", Status: model.RunStatusFailed}}
	var buf bytes.Buffer
	formatRunsList(&buf, runs)
	assert.Contains(t, buf.String(), "A region name well beyond t...")
}

func TestComputeRunStats(t *testing.T) {
	now := time.Now()
	runs := []model.Run{
		{Status: model.RunStatusComplete, CreatedAt: now, UpdatedAt: now.Add(10 * time.Second),
			Summary: &model.RunSummary{SuitableAreaHa: 100}},
		{Status: model.RunStatusComplete, CreatedAt: now, UpdatedAt: now.Add(30 * time.Second),
			Summary: &model.RunSummary{SuitableAreaHa: 300}},
		{Status: model.RunStatusFailed},
		{Status: model.RunStatusRunning},
	}

	s := computeRunStats(runs)
	assert.Equal(t, 4, s.Total)
	assert.Equal(t, 2, s.Complete)
	assert.Equal(t, 1, s.Failed)
	assert.Equal(t, 1, s.Running)
	assert.InDelta(t, 20, s.AvgDurSecs, 1e-9)
	assert.InDelta(t, 200, s.AvgSuitableHa, 1e-9)
	assert.InDelta(t, 300, s.MaxSuitableHa, 1e-9)

	var buf bytes.Buffer
	formatRunStats(&buf, s)
	assert.Contains(t, buf.String(), "Total runs:")
	assert.Contains(t, buf.String(), "200.0 ha")
}

func TestComputeRunStats_Empty(t *testing.T) {
	s := computeRunStats(nil)
	assert.Equal(t, runStats{}, s)
}

func TestFormatPatches(t *testing.T) {
	var buf bytes.Buffer
	formatPatches(&buf, []model.PatchRecord{
		{PatchID: 3, Cells: 2400, AreaHa: 216, SuitableHa: 180.5, MeanRank: 0.8124, AnchorRow: 10, AnchorCol: 42},
	})
	out := buf.String()
	assert.Contains(t, out, "PATCH")
	assert.Contains(t, out, "216.00")
	assert.Contains(t, out, "0.812")
	assert.Contains(t, out, "(10,42)")
}

func TestTruncateID(t *testing.T) {
	assert.Equal(t, "abc12345", truncateID("abc12345-6789"))
	assert.Equal(t, "short", truncateID("short"))
}
