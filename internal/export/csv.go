// Package export renders audit history as CSV and delivers it to local
// disk or S3.
package export

import (
	"encoding/csv"
	"io"
	"strconv"
	"time"

	"unsubscribe-engine/internal/models"
)

// Columns is the audit export header, one column per audit field.
var Columns = []string{
	"timestamp",
	"job_id",
	"sender",
	"sender_email",
	"action",
	"method",
	"url_used",
	"http_status",
	"error_message",
	"duration_ms",
	"retry_number",
	"dry_run",
}

// WriteCSV streams audit records as CSV, header first. Nullable fields
// render as empty cells.
func WriteCSV(w io.Writer, records []models.AuditRecord) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(Columns); err != nil {
		return err
	}
	for _, rec := range records {
		row := []string{
			rec.Timestamp.UTC().Format(time.RFC3339),
			strDeref(rec.JobID),
			rec.Sender,
			rec.SenderEmail,
			string(rec.Action),
			rec.Method,
			rec.URLUsed,
			intDeref(rec.HTTPStatus),
			strDeref(rec.ErrorMessage),
			strconv.FormatInt(rec.DurationMS, 10),
			strconv.Itoa(rec.RetryNumber),
			strconv.FormatBool(rec.DryRun),
		}
		if err := cw.Write(row); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

func strDeref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func intDeref(n *int) string {
	if n == nil {
		return ""
	}
	return strconv.Itoa(*n)
}
