package memtier

import (
	"errors"
	"fmt"
	"strings"
)

// ConnectivityError reports a store that stayed unreachable after the
// client-layer retries were exhausted.
type ConnectivityError struct {
	Store string // "hot" or "cold"
	Err   error
}

func (e *ConnectivityError) Error() string {
	return fmt.Sprintf("%s store unreachable: %v", e.Store, e.Err)
}

func (e *ConnectivityError) Unwrap() error { return e.Err }

// QuotaExceededError reports an external-service or daily-pipeline
// budget being exhausted. It is never retried locally.
type QuotaExceededError struct {
	Scope string // "embedding", "analysis", or "consolidation"
	Limit int
	Err   error
}

func (e *QuotaExceededError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s quota exceeded: %v", e.Scope, e.Err)
	}
	return fmt.Sprintf("%s quota exceeded (limit %d)", e.Scope, e.Limit)
}

func (e *QuotaExceededError) Unwrap() error { return e.Err }

// ValidationError reports input rejected before any network call.
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string { return "validation: " + e.Reason }

func validationErrorf(format string, args ...any) *ValidationError {
	return &ValidationError{Reason: fmt.Sprintf(format, args...)}
}

// SchemaMismatchError reports one analysis-response entry that failed
// required-field validation. The record is dropped; the batch continues.
type SchemaMismatchError struct {
	RecordID string
	Field    string
	Reason   string
}

func (e *SchemaMismatchError) Error() string {
	return fmt.Sprintf("analysis response for record %q: field %s: %s", e.RecordID, e.Field, e.Reason)
}

// ItemEmbedError identifies a single batch item whose embedding failed
// after retries, so the caller can exclude exactly that item.
type ItemEmbedError struct {
	Index int
	Text  string
	Err   error
}

func (e *ItemEmbedError) Error() string {
	return fmt.Sprintf("embed item %d: %v", e.Index, e.Err)
}

func (e *ItemEmbedError) Unwrap() error { return e.Err }

// BatchEmbedError aggregates the per-item failures of one EmbedBatch
// call. The call's successful vectors are still returned alongside it.
type BatchEmbedError struct {
	Items []*ItemEmbedError
}

func (e *BatchEmbedError) Error() string {
	idxs := make([]string, len(e.Items))
	for i, item := range e.Items {
		idxs[i] = fmt.Sprintf("%d", item.Index)
	}
	return fmt.Sprintf("embedding failed for %d item(s) at [%s]", len(e.Items), strings.Join(idxs, " "))
}

// IsConnectivity reports whether err wraps a ConnectivityError.
func IsConnectivity(err error) bool {
	var ce *ConnectivityError
	return errors.As(err, &ce)
}

// IsQuotaExceeded reports whether err wraps a QuotaExceededError.
func IsQuotaExceeded(err error) bool {
	var qe *QuotaExceededError
	return errors.As(err, &qe)
}

// IsValidation reports whether err wraps a ValidationError.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}
