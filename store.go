package keepsafe

import (
	"context"
	"errors"

	"southwinds.dev/keepsafe/persist"
)

// Get returns the records of a named collection in insertion order.
//
// A collection that has never been written yields an empty sequence, not an
// error. Records pass through the collection's registered migration before
// being returned, so callers always see the canonical shape; the persisted
// bytes are not rewritten by a read. Results are served from the decrypted
// cache after the first load, and every mutating operation rebuilds that
// cache before persisting, so a Get after Add/Update/Delete observes the
// write within the same session.
//
// Failure modes: ValidationError for a bad name, DecryptionError when the
// blob fails authentication, UnsupportedVersionError for a future blob
// format, PersistenceError when the backend cannot be read.
func (s *Session) Get(ctx context.Context, name string) ([]Record, error) {
	if err := validateCollectionName(name); err != nil {
		return nil, err
	}

	s.mu.RLock()
	if s.closed {
		s.mu.RUnlock()
		return nil, &ValidationError{Reason: "session is closed"}
	}
	records, cached := s.cache[name]
	migration, migrate := s.migrations[name]
	s.mu.RUnlock()

	if !cached {
		s.mu.Lock()
		var err error
		records, err = s.ensureLoadedLocked(ctx, name)
		migration, migrate = s.migrations[name]
		s.mu.Unlock()
		if err != nil {
			s.logAudit("get_records", err, map[string]interface{}{"collection": name})
			return nil, err
		}
	}

	out := cloneRecords(records)
	if migrate {
		for i := range out {
			out[i] = migration.normalize(out[i])
		}
	}
	return out, nil
}

// Add appends a record to a named collection, reseals the collection and
// persists it. A missing or empty id is assigned a fresh UUID; a duplicate
// id within the collection is a ValidationError. The stored record is a
// copy, so later caller mutations do not leak into the cache.
func (s *Session) Add(ctx context.Context, name string, record Record) error {
	if err := validateCollectionName(name); err != nil {
		return err
	}
	if record == nil {
		return &ValidationError{Field: "record", Reason: "record cannot be nil"}
	}
	if v, hasID := record[recordIDField]; hasID {
		if _, isString := v.(string); !isString {
			return &ValidationError{Field: "id", Reason: "record id must be a string"}
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return &ValidationError{Reason: "session is closed"}
	}

	records, err := s.ensureLoadedLocked(ctx, name)
	if err != nil {
		return err
	}

	rec := cloneRecord(record)
	id := recordID(rec)
	if id == "" {
		id = newRecordID()
		rec[recordIDField] = id
	}
	for _, existing := range records {
		if recordID(existing) == id {
			err = &ValidationError{Field: "id", Reason: "duplicate record id " + id}
			s.logAudit("add_record", err, map[string]interface{}{"collection": name})
			return err
		}
	}

	s.cache[name] = append(records, rec)
	if err = s.persistCollectionLocked(ctx, name); err != nil {
		s.logAudit("add_record", err, map[string]interface{}{"collection": name})
		return err
	}
	s.logAudit("add_record", nil, map[string]interface{}{"collection": name})
	return nil
}

// Update merges patch fields over the record with the given id, reseals and
// persists the collection. The id field itself cannot be patched. A missing
// id is a NotFoundError.
func (s *Session) Update(ctx context.Context, name string, id string, patch Record) error {
	if err := validateCollectionName(name); err != nil {
		return err
	}
	if id == "" {
		return &ValidationError{Field: "id", Reason: "record id cannot be empty"}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return &ValidationError{Reason: "session is closed"}
	}

	records, err := s.ensureLoadedLocked(ctx, name)
	if err != nil {
		return err
	}

	index := -1
	for i, existing := range records {
		if recordID(existing) == id {
			index = i
			break
		}
	}
	if index < 0 {
		err = &NotFoundError{Collection: name, ID: id}
		s.logAudit("update_record", err, map[string]interface{}{"collection": name})
		return err
	}

	merged := cloneRecord(records[index])
	for k, v := range patch {
		if k == recordIDField {
			continue
		}
		merged[k] = v
	}

	updated := cloneRecords(records)
	updated[index] = merged
	s.cache[name] = updated

	if err = s.persistCollectionLocked(ctx, name); err != nil {
		s.logAudit("update_record", err, map[string]interface{}{"collection": name})
		return err
	}
	s.logAudit("update_record", nil, map[string]interface{}{"collection": name})
	return nil
}

// Delete removes the record with the given id. Deleting an id that is not
// present is a no-op, not an error, and does not touch the backend.
func (s *Session) Delete(ctx context.Context, name string, id string) error {
	if err := validateCollectionName(name); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return &ValidationError{Reason: "session is closed"}
	}

	records, err := s.ensureLoadedLocked(ctx, name)
	if err != nil {
		return err
	}

	remaining := make([]Record, 0, len(records))
	for _, existing := range records {
		if recordID(existing) == id {
			continue
		}
		remaining = append(remaining, existing)
	}
	if len(remaining) == len(records) {
		return nil
	}

	s.cache[name] = remaining
	if err = s.persistCollectionLocked(ctx, name); err != nil {
		s.logAudit("delete_record", err, map[string]interface{}{"collection": name})
		return err
	}
	s.logAudit("delete_record", nil, map[string]interface{}{"collection": name})
	return nil
}

// ensureLoadedLocked returns the raw cached records for a collection,
// loading and decrypting the persisted blob on first access. Callers hold
// the write lock.
func (s *Session) ensureLoadedLocked(ctx context.Context, name string) ([]Record, error) {
	if records, ok := s.cache[name]; ok {
		return records, nil
	}

	data, err := s.store.ReadBlob(ctx, name)
	if errors.Is(err, persist.ErrBlobNotFound) {
		records := []Record{}
		s.cache[name] = records
		return records, nil
	}
	if err != nil {
		return nil, &PersistenceError{Op: "read", Name: name, Err: err}
	}

	blob, err := decodeBlob(data)
	if err != nil {
		return nil, annotateCollection(err, name)
	}
	records, err := openRecords(blob, s.masterKeyEnclave)
	if err != nil {
		return nil, annotateCollection(err, name)
	}

	s.cache[name] = records
	return records, nil
}

// persistCollectionLocked reseals the cached records of a collection under
// the session key and writes the blob. On failure the cache entry is
// dropped so the next read reflects the persisted state rather than the
// unwritten one.
func (s *Session) persistCollectionLocked(ctx context.Context, name string) error {
	data, err := sealAndEncode(s.cache[name], s.masterKeyEnclave)
	if err != nil {
		delete(s.cache, name)
		return err
	}
	err = s.withRetry(ctx, func() error {
		return s.store.WriteBlob(ctx, name, data)
	})
	if err != nil {
		delete(s.cache, name)
		return &PersistenceError{Op: "write", Name: name, Err: err}
	}
	return nil
}

func annotateCollection(err error, name string) error {
	var dec *DecryptionError
	if errors.As(err, &dec) && dec.Collection == "" {
		dec.Collection = name
	}
	return err
}
