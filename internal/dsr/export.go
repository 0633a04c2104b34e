package dsr

import (
	"bytes"
	"encoding/csv"
	"encoding/json"
	"encoding/xml"
	"fmt"
	"sort"
	"strings"
	"time"

	"custodia/internal/audit"
	dErrors "custodia/pkg/domain-errors"
)

// exportFields is the stable field order for csv headers and xml elements.
var exportFields = []string{
	"id",
	"timestamp",
	"principalId",
	"organizationId",
	"action",
	"status",
	"targetResourceType",
	"targetResourceId",
	"dataClassification",
	"retentionPolicy",
	"details",
	"hash",
	"hashAlgorithm",
	"signature",
	"signatureKeyId",
	"eventVersion",
	"correlationId",
	"archivedAt",
}

func eventToRecord(e *audit.Event) map[string]any {
	rec := map[string]any{
		"id":                 e.ID.String(),
		"timestamp":          e.Timestamp.UTC().Format(time.RFC3339Nano),
		"principalId":        e.PrincipalID,
		"organizationId":     e.OrganizationID,
		"action":             e.Action,
		"status":             string(e.Status),
		"targetResourceType": e.TargetResourceType,
		"targetResourceId":   e.TargetResourceID,
		"dataClassification": string(e.DataClassification),
		"retentionPolicy":    e.RetentionPolicy,
		"hash":               e.Hash,
		"hashAlgorithm":      e.HashAlgorithm,
		"signature":          e.Signature,
		"signatureKeyId":     e.SignatureKeyID,
		"eventVersion":       e.EventVersion,
		"correlationId":      e.CorrelationID,
	}
	if e.Details != nil {
		rec["details"] = map[string]any(e.Details)
	} else {
		rec["details"] = nil
	}
	if e.ArchivedAt != nil {
		rec["archivedAt"] = e.ArchivedAt.UTC().Format(time.RFC3339Nano)
	} else {
		rec["archivedAt"] = nil
	}
	return rec
}

func serialize(format ExportFormat, events []*audit.Event, metadata *ExportMetadata) ([]byte, error) {
	records := make([]map[string]any, 0, len(events))
	for _, e := range events {
		records = append(records, eventToRecord(e))
	}

	switch format {
	case FormatJSON:
		return serializeJSON(records, metadata)
	case FormatCSV:
		return serializeCSV(records)
	case FormatXML:
		return serializeXML(records, metadata)
	default:
		return nil, dErrors.Newf(dErrors.CodeUnsupportedFormat, "unsupported export format %q", format)
	}
}

func serializeJSON(records []map[string]any, metadata *ExportMetadata) ([]byte, error) {
	payload := struct {
		ExportMetadata *ExportMetadata  `json:"exportMetadata,omitempty"`
		AuditLogs      []map[string]any `json:"auditLogs"`
	}{
		ExportMetadata: metadata,
		AuditLogs:      records,
	}
	buf, err := json.MarshalIndent(payload, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshal json export: %w", err)
	}
	return buf, nil
}

// serializeCSV emits one row per record with RFC-4180 quoting. Nulls render
// as empty strings; the details bag is embedded as a JSON cell.
func serializeCSV(records []map[string]any) ([]byte, error) {
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)

	if err := w.Write(exportFields); err != nil {
		return nil, fmt.Errorf("write csv header: %w", err)
	}

	row := make([]string, len(exportFields))
	for _, rec := range records {
		for i, field := range exportFields {
			cell, err := csvCell(rec[field])
			if err != nil {
				return nil, err
			}
			row[i] = cell
		}
		if err := w.Write(row); err != nil {
			return nil, fmt.Errorf("write csv row: %w", err)
		}
	}

	w.Flush()
	if err := w.Error(); err != nil {
		return nil, fmt.Errorf("flush csv export: %w", err)
	}
	return buf.Bytes(), nil
}

func csvCell(v any) (string, error) {
	switch val := v.(type) {
	case nil:
		return "", nil
	case string:
		return val, nil
	case map[string]any:
		buf, err := json.Marshal(val)
		if err != nil {
			return "", fmt.Errorf("marshal csv detail cell: %w", err)
		}
		return string(buf), nil
	default:
		return fmt.Sprintf("%v", val), nil
	}
}

const xmlHeader = `<?xml version="1.0" encoding="UTF-8"?>` + "\n"

// serializeXML nests each record's fields under a fixed root. Text is
// entity-escaped; array values render as repeated singular-named elements.
func serializeXML(records []map[string]any, metadata *ExportMetadata) ([]byte, error) {
	var b strings.Builder
	b.WriteString(xmlHeader)
	b.WriteString("<auditLogExport>\n")

	if metadata != nil {
		b.WriteString("  <exportMetadata>\n")
		if metadata.EarliestRecord != nil {
			writeXMLElement(&b, "    ", "earliestRecord", metadata.EarliestRecord.UTC().Format(time.RFC3339Nano))
		}
		if metadata.LatestRecord != nil {
			writeXMLElement(&b, "    ", "latestRecord", metadata.LatestRecord.UTC().Format(time.RFC3339Nano))
		}
		writeXMLList(&b, "    ", "actionCategories", metadata.ActionCategories)
		writeXMLList(&b, "    ", "retentionPolicies", metadata.RetentionPolicies)
		b.WriteString("  </exportMetadata>\n")
	}

	b.WriteString("  <auditLogs>\n")
	for _, rec := range records {
		b.WriteString("    <auditLog>\n")
		for _, field := range exportFields {
			writeXMLValue(&b, "      ", field, rec[field])
		}
		b.WriteString("    </auditLog>\n")
	}
	b.WriteString("  </auditLogs>\n")
	b.WriteString("</auditLogExport>\n")
	return []byte(b.String()), nil
}

func writeXMLValue(b *strings.Builder, indent, name string, v any) {
	switch val := v.(type) {
	case nil:
		fmt.Fprintf(b, "%s<%s/>\n", indent, name)
	case map[string]any:
		fmt.Fprintf(b, "%s<%s>\n", indent, name)
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			writeXMLValue(b, indent+"  ", k, val[k])
		}
		fmt.Fprintf(b, "%s</%s>\n", indent, name)
	case []any:
		fmt.Fprintf(b, "%s<%s>\n", indent, name)
		child := singular(name)
		for _, item := range val {
			writeXMLValue(b, indent+"  ", child, item)
		}
		fmt.Fprintf(b, "%s</%s>\n", indent, name)
	default:
		writeXMLElement(b, indent, name, fmt.Sprintf("%v", val))
	}
}

func writeXMLList(b *strings.Builder, indent, name string, items []string) {
	fmt.Fprintf(b, "%s<%s>\n", indent, name)
	child := singular(name)
	for _, item := range items {
		writeXMLElement(b, indent+"  ", child, item)
	}
	fmt.Fprintf(b, "%s</%s>\n", indent, name)
}

func writeXMLElement(b *strings.Builder, indent, name, text string) {
	fmt.Fprintf(b, "%s<%s>", indent, name)
	xml.Escape(b, []byte(text))
	fmt.Fprintf(b, "</%s>\n", name)
}

// singular derives a child element name for array items.
func singular(name string) string {
	switch {
	case strings.HasSuffix(name, "ies"):
		return strings.TrimSuffix(name, "ies") + "y"
	case strings.HasSuffix(name, "s") && len(name) > 1:
		return strings.TrimSuffix(name, "s")
	default:
		return name + "Item"
	}
}
