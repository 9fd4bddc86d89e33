package report

import (
	"context"
	"sync"
)

var (
	shared     *Reporter
	sharedOnce sync.Once
)

// Shared returns the process-wide reporter, creating it with an empty
// configuration on first use. Prefer New and passing the reporter explicitly;
// Shared exists for code that cannot be handed one.
func Shared() *Reporter {
	sharedOnce.Do(func() {
		shared = New(Config{})
	})
	return shared
}

// SetShared installs r as the process-wide reporter. It only succeeds before
// the first call to Shared or SetShared.
func SetShared(r *Reporter) bool {
	if r == nil {
		return false
	}
	installed := false
	sharedOnce.Do(func() {
		shared = r
		installed = true
	})
	return installed
}

// ReportError captures err on the shared reporter
func ReportError(err error, message string) {
	Shared().Report(err, message)
}

// SyncErrors drains the shared reporter
func SyncErrors(ctx context.Context) (SyncResult, error) {
	return Shared().Sync(ctx)
}
