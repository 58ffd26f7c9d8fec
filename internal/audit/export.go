package audit

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/csv"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/gowebpki/jcs"

	"github.com/opensource-finance/kestrel/internal/archive"
	"github.com/opensource-finance/kestrel/internal/domain"
)

// Export formats.
const (
	FormatJSON = "json"
	FormatCSV  = "csv"
)

// EmptyCSV is the CSV export of a case without events.
const EmptyCSV = "No audit trail found"

// ErrUnsupportedFormat is returned for export formats other than json and csv.
var ErrUnsupportedFormat = errors.New("unsupported export format")

// fieldOrder is the JSON field order of domain.AuditEvent.
var fieldOrder = []string{
	"id", "case_id", "sequence", "timestamp", "event_type", "user_id",
	"input_data", "retrieved_context", "llm_reasoning", "generated_output",
	"human_edits", "model_version", "confidence_score", "metadata",
}

// Export is a rendered audit trail.
type Export struct {
	CaseID      string `json:"case_id"`
	Format      string `json:"format"`
	ContentType string `json:"content_type"`
	Events      int    `json:"events"`
	Content     string `json:"content"`

	// Checksum is the SHA-256 of the canonical (RFC 8785) JSON form of the events.
	Checksum string `json:"checksum"`
}

// Export renders the trail of a case as json or csv.
func (l *Ledger) Export(ctx context.Context, caseID, format string) (*Export, error) {
	if format == "" {
		format = FormatJSON
	}
	events := l.Trail(ctx, caseID)
	if events == nil {
		events = []*domain.AuditEvent{}
	}

	raw, err := json.Marshal(events)
	if err != nil {
		return nil, fmt.Errorf("encode audit trail: %w", err)
	}
	checksum, err := Checksum(raw)
	if err != nil {
		return nil, err
	}

	out := &Export{CaseID: caseID, Format: format, Events: len(events), Checksum: checksum}

	switch format {
	case FormatJSON:
		var buf bytes.Buffer
		if err := json.Indent(&buf, raw, "", "  "); err != nil {
			return nil, fmt.Errorf("indent audit trail: %w", err)
		}
		out.Content = buf.String()
		out.ContentType = "application/json"
	case FormatCSV:
		content, err := renderCSV(events)
		if err != nil {
			return nil, err
		}
		out.Content = content
		out.ContentType = "text/csv"
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedFormat, format)
	}

	return out, nil
}

// Checksum returns "sha256:<hex>" of the canonical form of a JSON document.
func Checksum(doc []byte) (string, error) {
	canonical, err := jcs.Transform(doc)
	if err != nil {
		return "", fmt.Errorf("canonicalize audit trail: %w", err)
	}
	sum := sha256.Sum256(canonical)
	return "sha256:" + hex.EncodeToString(sum[:]), nil
}

// renderCSV writes a header of every event field and one record per event.
// Null values are empty cells; commas inside values become ";" and
// newlines are flattened.
func renderCSV(events []*domain.AuditEvent) (string, error) {
	if len(events) == 0 {
		return EmptyCSV, nil
	}

	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	if err := w.Write(fieldOrder); err != nil {
		return "", fmt.Errorf("write csv header: %w", err)
	}

	record := make([]string, len(fieldOrder))
	for _, e := range events {
		data, err := json.Marshal(e)
		if err != nil {
			return "", fmt.Errorf("encode audit event %s: %w", e.ID, err)
		}
		var row map[string]json.RawMessage
		if err := json.Unmarshal(data, &row); err != nil {
			return "", fmt.Errorf("decode audit event %s: %w", e.ID, err)
		}
		for i, f := range fieldOrder {
			record[i] = csvValue(row[f])
		}
		if err := w.Write(record); err != nil {
			return "", fmt.Errorf("write audit event %s: %w", e.ID, err)
		}
	}

	w.Flush()
	if err := w.Error(); err != nil {
		return "", fmt.Errorf("flush csv: %w", err)
	}
	return buf.String(), nil
}

var csvFlatten = strings.NewReplacer(",", ";", "\r\n", " ", "\n", " ", "\r", " ")

func csvValue(raw json.RawMessage) string {
	if len(raw) == 0 || string(raw) == "null" {
		return ""
	}
	var s string
	if raw[0] == '"' && json.Unmarshal(raw, &s) == nil {
		return csvFlatten.Replace(s)
	}
	return csvFlatten.Replace(string(raw))
}

// ArchiveResult reports where an export was written.
type ArchiveResult struct {
	Location string `json:"location"`
	Format   string `json:"format"`
	Events   int    `json:"events"`
	Checksum string `json:"checksum"`
}

// Archive renders an export and writes it through sink under
// {caseID}/audit-{timestamp}.{format}.
func (l *Ledger) Archive(ctx context.Context, sink archive.Sink, caseID, format string) (*ArchiveResult, error) {
	exp, err := l.Export(ctx, caseID, format)
	if err != nil {
		return nil, err
	}

	key := fmt.Sprintf("%s/audit-%s.%s", caseID, l.now().UTC().Format("20060102T150405Z"), exp.Format)
	loc, err := sink.Put(ctx, key, []byte(exp.Content), exp.ContentType)
	if err != nil {
		return nil, fmt.Errorf("archive audit trail of %s: %w", caseID, err)
	}

	return &ArchiveResult{Location: loc, Format: exp.Format, Events: exp.Events, Checksum: exp.Checksum}, nil
}
