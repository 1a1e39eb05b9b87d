package backend

import (
	"errors"
	"strconv"
	"strings"
)

// DataStoreError is the numeric-code error shape the DataStore service
// surfaces, analogous to the teacher's common.Err string enum
// (pkg/common/err.go) but carrying the wire-level numeric prefix the real
// backend returns.
type DataStoreError struct {
	Code    int
	Message string
}

func (e *DataStoreError) Error() string {
	return "datastore: " + strconv.Itoa(e.Code) + ": " + e.Message
}

// transientDataStoreCodes are the numeric prefixes spec.md §4.1 classifies
// as transient.
var transientDataStoreCodes = map[int]bool{
	301: true, 302: true, 303: true, 304: true, 305: true, 306: true,
	500: true, 501: true, 502: true, 503: true, 504: true, 505: true,
}

// IsTransientDataStoreError classifies a DataStore error the way spec.md
// §4.1 requires. Open question (a) from spec.md §9: 503 is a documented
// "key not found" response upstream, but the source retries it anyway —
// kept here for fidelity; revisit if the backend's meaning of 503 changes.
func IsTransientDataStoreError(err error) bool {
	var dsErr *DataStoreError
	if errors.As(err, &dsErr) {
		return transientDataStoreCodes[dsErr.Code]
	}
	return false
}

// CoordinationError is the substring-classified error shape the
// coordination map surfaces.
type CoordinationError struct {
	Message string
}

func (e *CoordinationError) Error() string { return "coordination: " + e.Message }

var transientCoordinationSubstrings = []string{
	"TotalRequestsOverLimit",
	"InternalError",
	"RequestThrottled",
	"PartitionRequestsOverLimit",
	"Throttled",
	"Timeout",
}

// IsTransientCoordinationError classifies a coordination-map error by
// substring match per spec.md §4.1.
func IsTransientCoordinationError(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	for _, s := range transientCoordinationSubstrings {
		if strings.Contains(msg, s) {
			return true
		}
	}
	return false
}
