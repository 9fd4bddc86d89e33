// Package spool moves error reports written to a directory by other
// processes into a reporter's queue.
//
// Each report is one JSON file named *.gec.json, the format the log appenders
// of other languages already write. Producers write to a temporary
// ".writing" name and rename when done, so a reader never sees half a file.
package spool

import (
	"time"

	"github.com/Cue/greplin-exception-catcher/pkg/report"
)

const (
	// Suffix marks a finished report file
	Suffix = ".gec.json"

	writingSuffix    = ".writing"
	processingSuffix = ".processing"

	// strikePrefix marks a file that could not be read; it is left for an operator
	strikePrefix = "_"
)

// Entry is one spooled report
type Entry struct {
	Project     string            `json:"project,omitempty"`
	Environment string            `json:"environment,omitempty"`
	ServerName  string            `json:"serverName,omitempty"`
	Type        string            `json:"type"`
	Message     string            `json:"message,omitempty"`
	LogMessage  string            `json:"logMessage,omitempty"`
	Backtrace   string            `json:"backtrace,omitempty"`
	ErrorLevel  string            `json:"errorLevel,omitempty"`
	Context     map[string]string `json:"context,omitempty"`
	Timestamp   int64             `json:"timestamp,omitempty"`
}

// EntryFromRecord converts a captured record to its spool form
func EntryFromRecord(r report.Record) Entry {
	return Entry{
		Type:       r.Title,
		Message:    r.Meta(report.MetaDescription),
		LogMessage: r.Message,
		Backtrace:  r.Meta(report.MetaBacktrace),
		ErrorLevel: r.Meta(report.MetaLevel),
		Context:    r.Context(),
		Timestamp:  r.OccurredAt.Unix(),
	}
}

// Record converts the entry to a queue record. The reporting identity
// (project, environment, server name) comes from the reporter that syncs it.
// fallback is used when the entry carries no timestamp.
func (e Entry) Record(fallback time.Time) report.Record {
	occurred := fallback
	if e.Timestamp > 0 {
		occurred = time.Unix(e.Timestamp, 0)
	}

	message := e.LogMessage
	if message == "" {
		message = e.Message
	}

	meta := make(map[string]string, len(e.Context)+3)
	if e.Message != "" {
		meta[report.MetaDescription] = e.Message
	}
	if e.Backtrace != "" {
		meta[report.MetaBacktrace] = e.Backtrace
	}
	if e.ErrorLevel != "" {
		meta[report.MetaLevel] = e.ErrorLevel
	}
	for k, v := range e.Context {
		meta[report.MetaContextPrefix+k] = v
	}

	return report.NewRecord(e.Type, message, occurred, meta)
}
