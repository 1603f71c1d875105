package keepsafe

import (
	"regexp"
	"strings"

	"github.com/google/uuid"
)

// Record is an untyped engine-level record: named fields mapped to values,
// always including a unique, stable "id". Typed shapes (finance accounts,
// certificates, contacts) are a caller concern.
type Record map[string]any

const recordIDField = "id"

var collectionNameRegex = regexp.MustCompile(`^[a-zA-Z0-9\-_.]+$`)

// validateCollectionName rejects empty, reserved and unsafe names. Names
// starting with a dot are reserved for engine-internal blobs.
func validateCollectionName(name string) error {
	if name == "" {
		return &ValidationError{Field: "collection", Reason: "collection name cannot be empty"}
	}
	if strings.HasPrefix(name, ".") {
		return &ValidationError{Field: "collection", Reason: "collection names starting with '.' are reserved"}
	}
	if len(name) > 200 || !collectionNameRegex.MatchString(name) {
		return &ValidationError{Field: "collection", Reason: "collection name contains invalid characters"}
	}
	return nil
}

// recordID extracts the id field of a record as a string, empty when absent.
func recordID(r Record) string {
	v, ok := r[recordIDField]
	if !ok {
		return ""
	}
	s, _ := v.(string)
	return s
}

func newRecordID() string {
	return uuid.NewString()
}

// cloneRecord makes a shallow copy of a record. Field values are assumed to
// be plain JSON scalars, slices or maps owned by the caller at Add time and
// by the cache afterwards.
func cloneRecord(r Record) Record {
	out := make(Record, len(r))
	for k, v := range r {
		out[k] = v
	}
	return out
}

func cloneRecords(records []Record) []Record {
	out := make([]Record, len(records))
	for i, r := range records {
		out[i] = cloneRecord(r)
	}
	return out
}
