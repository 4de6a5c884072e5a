package executor

import (
	"context"
	"errors"
	"testing"

	"unsubscribe-engine/internal/models"
)

type stubSender struct {
	sent []MailMessage
	err  error
}

func (s *stubSender) Send(_ context.Context, msg MailMessage) error {
	if s.err != nil {
		return s.err
	}
	s.sent = append(s.sent, msg)
	return nil
}

func TestParseMailto(t *testing.T) {
	tests := []struct {
		name    string
		raw     string
		want    MailMessage
		wantErr bool
	}{
		{
			name: "bare address",
			raw:  "mailto:leave@list.example.com",
			want: MailMessage{
				To:      "leave@list.example.com",
				Subject: "Unsubscribe",
				Body:    "Please unsubscribe me from this mailing list.",
			},
		},
		{
			name: "subject and body",
			raw:  "mailto:leave@list.example.com?subject=Remove%20me&body=Stop%20sending",
			want: MailMessage{
				To:      "leave@list.example.com",
				Subject: "Remove me",
				Body:    "Stop sending",
			},
		},
		{
			name: "no scheme prefix",
			raw:  "leave@list.example.com?subject=Out",
			want: MailMessage{
				To:      "leave@list.example.com",
				Subject: "Out",
				Body:    "Please unsubscribe me from this mailing list.",
			},
		},
		{
			name:    "empty address",
			raw:     "mailto:?subject=Out",
			wantErr: true,
		},
		{
			name:    "blank",
			raw:     "  ",
			wantErr: true,
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got, err := ParseMailto(tc.raw)
			if tc.wantErr {
				if err == nil {
					t.Fatalf("ParseMailto(%q) succeeded: %+v", tc.raw, got)
				}
				return
			}
			if err != nil {
				t.Fatalf("ParseMailto(%q): %v", tc.raw, err)
			}
			if got != tc.want {
				t.Fatalf("ParseMailto(%q) = %+v, want %+v", tc.raw, got, tc.want)
			}
		})
	}
}

func TestMailtoAttempt(t *testing.T) {
	sender := &stubSender{}
	exec := NewMailto(sender)
	mailto := "mailto:leave@list.example.com?subject=Out"

	outcome := exec.Attempt(context.Background(), models.JobItem{UnsubscribeMailto: &mailto})
	if !outcome.Success {
		t.Fatalf("outcome = %+v, want success", outcome)
	}
	if len(sender.sent) != 1 || sender.sent[0].To != "leave@list.example.com" || sender.sent[0].Subject != "Out" {
		t.Fatalf("sent = %+v", sender.sent)
	}
}

func TestMailtoSendFailureIsSoft(t *testing.T) {
	exec := NewMailto(&stubSender{err: errors.New("relay down")})
	mailto := "mailto:leave@list.example.com"

	outcome := exec.Attempt(context.Background(), models.JobItem{UnsubscribeMailto: &mailto})
	if outcome.Success || outcome.ShouldStop {
		t.Fatalf("outcome = %+v, want soft failure", outcome)
	}
}

func TestMailtoMissingEndpoint(t *testing.T) {
	exec := NewMailto(&stubSender{})
	outcome := exec.Attempt(context.Background(), models.JobItem{})
	if outcome.Success {
		t.Fatal("missing mailto reported success")
	}
}
