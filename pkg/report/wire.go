package report

import (
	"strings"
	"time"
)

// Batch is the JSON document posted to the collector. Records are ordered
// oldest first and the collector accepts or rejects the batch as a whole.
type Batch struct {
	Project     string       `json:"project"`
	Environment string       `json:"environment"`
	ServerName  string       `json:"serverName,omitempty"`
	SentAt      time.Time    `json:"sentAt"`
	Records     []WireRecord `json:"records"`
}

// WireRecord is one record as the collector sees it. Field names reuse the
// names of the per-exception JSON the log appenders write to spool files.
type WireRecord struct {
	ID         string            `json:"id"`
	Timestamp  int64             `json:"timestamp"`
	OccurredAt time.Time         `json:"occurredAt"`
	Type       string            `json:"type"`
	Message    string            `json:"message"`
	LogMessage string            `json:"logMessage,omitempty"`
	Backtrace  string            `json:"backtrace,omitempty"`
	ErrorLevel string            `json:"errorLevel,omitempty"`
	Context    map[string]string `json:"context,omitempty"`
	Metadata   map[string]string `json:"metadata,omitempty"`
}

// NewBatch builds the wire form of records using the identity in cfg
func NewBatch(cfg Config, records []Record, sentAt time.Time) *Batch {
	b := &Batch{
		Project:     cfg.Project,
		Environment: cfg.Environment,
		ServerName:  cfg.ServerName,
		SentAt:      sentAt.UTC(),
		Records:     make([]WireRecord, 0, len(records)),
	}
	for _, r := range records {
		b.Records = append(b.Records, toWire(r))
	}
	return b
}

// IDs returns the record IDs in batch order
func (b *Batch) IDs() []string {
	ids := make([]string, len(b.Records))
	for i, r := range b.Records {
		ids[i] = r.ID
	}
	return ids
}

func toWire(r Record) WireRecord {
	w := WireRecord{
		ID:         r.ID,
		Timestamp:  r.OccurredAt.Unix(),
		OccurredAt: r.OccurredAt.UTC(),
		Type:       r.Title,
		Message:    r.Meta(MetaDescription),
		LogMessage: r.Message,
		Backtrace:  r.Meta(MetaBacktrace),
		ErrorLevel: r.Meta(MetaLevel),
		Context:    r.Context(),
	}
	// Errors reported without a description carry only the caller's message
	if w.Message == "" {
		w.Message = r.Message
	}

	for k, v := range r.Metadata {
		switch {
		case k == MetaDescription, k == MetaBacktrace, k == MetaLevel, strings.HasPrefix(k, MetaContextPrefix):
			continue
		}
		if w.Metadata == nil {
			w.Metadata = make(map[string]string)
		}
		w.Metadata[k] = v
	}
	return w
}
