// Package report captures application errors into a bounded in-memory queue and
// synchronizes them to a greplin-exception-catcher collection server.
package report

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"reflect"
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// UnknownClassification is used when a fault cannot be classified
const UnknownClassification = "unknown"

// Well-known metadata keys
const (
	MetaDescription = "description"
	MetaBacktrace   = "backtrace"
	MetaCause       = "cause"
	MetaLevel       = "errorLevel"

	// MetaContextPrefix prefixes fields attached with WithField
	MetaContextPrefix = "context."
)

// Record is one captured error occurrence. Records are values: the queue hands
// out copies and nothing mutates Metadata after NewRecord returns.
type Record struct {
	ID         string            `json:"id"`
	OccurredAt time.Time         `json:"occurred_at"`
	Title      string            `json:"title"`
	Message    string            `json:"message"`
	Metadata   map[string]string `json:"metadata,omitempty"`
}

// NewRecord creates a record with a fresh ID. The metadata map is copied.
func NewRecord(title, message string, occurredAt time.Time, metadata map[string]string) Record {
	if title == "" {
		title = UnknownClassification
	}
	var meta map[string]string
	if len(metadata) > 0 {
		meta = maps.Clone(metadata)
	}
	return Record{
		ID:         uuid.NewString(),
		OccurredAt: occurredAt,
		Title:      title,
		Message:    message,
		Metadata:   meta,
	}
}

// Meta returns a metadata value, or "" if unset
func (r Record) Meta(key string) string {
	return r.Metadata[key]
}

// Context returns the fields that were attached with WithField, without prefix
func (r Record) Context() map[string]string {
	var out map[string]string
	for k, v := range r.Metadata {
		if name, ok := strings.CutPrefix(k, MetaContextPrefix); ok {
			if out == nil {
				out = make(map[string]string)
			}
			out[name] = v
		}
	}
	return out
}

// Fault is anything the reporter can capture: it only needs a kind and a
// human readable description.
type Fault interface {
	Classification() string
	Description() string
}

// FaultFromError adapts a Go error into a Fault using the default passthrough
// types. A nil error yields nil.
func FaultFromError(err error) Fault {
	if err == nil {
		return nil
	}
	return errorFault{err: err, pass: defaultPassthrough}
}

// errorFault classifies an error by the dynamic type of its root cause
type errorFault struct {
	err  error
	pass *passthroughSet
}

func (f errorFault) Classification() string {
	return fmt.Sprintf("%T", f.pass.root(f.err))
}

func (f errorFault) Description() string {
	return f.err.Error()
}

// cause returns the root error message when it differs from the outer one
func (f errorFault) cause() string {
	root := f.pass.root(f.err)
	if root == f.err {
		return ""
	}
	return root.Error()
}

// passthroughSet holds error types that only exist to wrap another error.
// Classification looks through them to the first meaningful cause.
type passthroughSet struct {
	mu    sync.RWMutex
	types map[reflect.Type]struct{}
}

var defaultPassthrough = newPassthroughSet(fmt.Errorf("%w", errors.New("")))

func newPassthroughSet(samples ...error) *passthroughSet {
	p := &passthroughSet{types: make(map[reflect.Type]struct{})}
	p.add(samples...)
	return p
}

func (p *passthroughSet) add(samples ...error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, s := range samples {
		if s != nil {
			p.types[reflect.TypeOf(s)] = struct{}{}
		}
	}
}

func (p *passthroughSet) clone() *passthroughSet {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return &passthroughSet{types: maps.Clone(p.types)}
}

func (p *passthroughSet) root(err error) error {
	p.mu.RLock()
	defer p.mu.RUnlock()

	// Bounded walk, a pathological Unwrap cycle must not hang capture
	for range 32 {
		if _, ok := p.types[reflect.TypeOf(err)]; !ok {
			return err
		}
		next := errors.Unwrap(err)
		if next == nil {
			return err
		}
		err = next
	}
	return err
}

// safeClassification never panics; misbehaving faults degrade to "unknown"
func safeClassification(f Fault) (title string) {
	if f == nil {
		return UnknownClassification
	}
	defer func() {
		if recover() != nil {
			title = UnknownClassification
		}
	}()
	title = f.Classification()
	if title == "" {
		title = UnknownClassification
	}
	return title
}

func safeDescription(f Fault) (desc string) {
	if f == nil {
		return ""
	}
	defer func() {
		if recover() != nil {
			desc = ""
		}
	}()
	return f.Description()
}

func safeCause(f Fault) (cause string) {
	ef, ok := f.(errorFault)
	if !ok {
		return ""
	}
	defer func() {
		if recover() != nil {
			cause = ""
		}
	}()
	return ef.cause()
}

type fieldsKey struct{}

// WithField returns a context carrying an extra field that ReportContext copies
// into the captured record.
func WithField(ctx context.Context, key, value string) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	fields := maps.Clone(Fields(ctx))
	if fields == nil {
		fields = make(map[string]string, 1)
	}
	fields[key] = value
	return context.WithValue(ctx, fieldsKey{}, fields)
}

// Fields returns the fields attached to ctx with WithField
func Fields(ctx context.Context) map[string]string {
	if ctx == nil {
		return nil
	}
	fields, _ := ctx.Value(fieldsKey{}).(map[string]string)
	return fields
}

// captureStack renders the caller's stack in the same shape as runtime/debug.Stack,
// leaving out frames that belong to this package and the runtime.
func captureStack(skip int) string {
	pcs := make([]uintptr, 64)
	n := runtime.Callers(skip+2, pcs)
	if n == 0 {
		return ""
	}

	var sb strings.Builder
	frames := runtime.CallersFrames(pcs[:n])
	for {
		frame, more := frames.Next()
		if !isInternalFrame(frame.Function) {
			fmt.Fprintf(&sb, "%s\n\t%s:%d\n", frame.Function, frame.File, frame.Line)
		}
		if !more || frame.Function == "main.main" {
			break
		}
	}
	return sb.String()
}

var packagePath = reflect.TypeOf(Record{}).PkgPath()

func isInternalFrame(function string) bool {
	if strings.HasPrefix(function, "runtime.") {
		return true
	}
	// Methods and functions of this package, but not its tests
	rest, ok := strings.CutPrefix(function, packagePath+".")
	return ok && !strings.HasPrefix(rest, "Test")
}
