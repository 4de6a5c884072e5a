package export

import (
	"bytes"
	"context"
	"encoding/csv"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"unsubscribe-engine/internal/config"
	"unsubscribe-engine/internal/models"
)

func sampleRecords() []models.AuditRecord {
	jobID := "job-1"
	status := 204
	errMsg := "unsubscribe endpoint server error (HTTP 503)"
	return []models.AuditRecord{
		{
			Timestamp:   time.Date(2026, 3, 14, 9, 30, 0, 0, time.UTC),
			JobID:       &jobID,
			Sender:      "Acme Deals",
			SenderEmail: "deals@acme.example",
			Action:      models.ActionSuccess,
			Method:      models.MethodOneClick,
			URLUsed:     "https://acme.example/unsub",
			HTTPStatus:  &status,
			DurationMS:  120,
			RetryNumber: 0,
		},
		{
			Timestamp:    time.Date(2026, 3, 14, 9, 31, 0, 0, time.UTC),
			Sender:       "News Digest",
			SenderEmail:  "digest@news.example",
			Action:       models.ActionFail,
			Method:       models.MethodOneClick,
			URLUsed:      "https://news.example/unsub",
			ErrorMessage: &errMsg,
			DurationMS:   950,
			RetryNumber:  1,
			DryRun:       true,
		},
	}
}

func TestWriteCSV(t *testing.T) {
	buf := &bytes.Buffer{}
	if err := WriteCSV(buf, sampleRecords()); err != nil {
		t.Fatalf("write csv: %v", err)
	}

	rows, err := csv.NewReader(buf).ReadAll()
	if err != nil {
		t.Fatalf("parse csv: %v", err)
	}
	if len(rows) != 3 {
		t.Fatalf("expected header plus 2 rows, got %d", len(rows))
	}
	if strings.Join(rows[0], ",") != strings.Join(Columns, ",") {
		t.Fatalf("unexpected header: %v", rows[0])
	}

	first := rows[1]
	if first[0] != "2026-03-14T09:30:00Z" {
		t.Fatalf("expected RFC3339 timestamp, got %q", first[0])
	}
	if first[1] != "job-1" || first[4] != "unsubscribe_success" || first[7] != "204" {
		t.Fatalf("unexpected first row: %v", first)
	}
	if first[8] != "" {
		t.Fatalf("expected empty error cell, got %q", first[8])
	}

	second := rows[2]
	if second[1] != "" {
		t.Fatalf("expected empty job_id for manual record, got %q", second[1])
	}
	if second[8] == "" || second[10] != "1" || second[11] != "true" {
		t.Fatalf("unexpected second row: %v", second)
	}
}

func TestWriteCSVEmpty(t *testing.T) {
	buf := &bytes.Buffer{}
	if err := WriteCSV(buf, nil); err != nil {
		t.Fatalf("write csv: %v", err)
	}
	rows, err := csv.NewReader(buf).ReadAll()
	if err != nil {
		t.Fatalf("parse csv: %v", err)
	}
	if len(rows) != 1 {
		t.Fatalf("expected header only, got %d rows", len(rows))
	}
}

func TestExportLocal(t *testing.T) {
	dir := t.TempDir()
	exp, err := New(context.Background(), config.Config{ExportDir: dir})
	if err != nil {
		t.Fatalf("new exporter: %v", err)
	}

	location, err := exp.Export(context.Background(), sampleRecords(), "")
	if err != nil {
		t.Fatalf("export: %v", err)
	}
	if !strings.HasPrefix(location, filepath.Join(dir, "audit")) {
		t.Fatalf("expected export under %s/audit, got %q", dir, location)
	}
	if !strings.HasSuffix(location, ".csv") {
		t.Fatalf("expected csv file, got %q", location)
	}

	data, err := os.ReadFile(location)
	if err != nil {
		t.Fatalf("read export: %v", err)
	}
	if !strings.HasPrefix(string(data), "timestamp,job_id,") {
		t.Fatalf("expected header at start of file, got %q", string(data[:40]))
	}
}

func TestExportS3Unconfigured(t *testing.T) {
	exp, err := New(context.Background(), config.Config{ExportDir: t.TempDir()})
	if err != nil {
		t.Fatalf("new exporter: %v", err)
	}
	if _, err := exp.Export(context.Background(), sampleRecords(), "s3"); err == nil {
		t.Fatalf("expected error for unconfigured s3 destination")
	}
}

func TestExportKey(t *testing.T) {
	ts := time.Date(2026, 3, 14, 9, 30, 45, 0, time.UTC)
	if got := ExportKey(ts); got != "audit/export-20260314-093045.csv" {
		t.Fatalf("unexpected key %q", got)
	}
}
