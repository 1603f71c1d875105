package keepsafe

// The migration layer normalizes legacy record shapes into the current
// canonical view on the read path only. Normalization is data, not code:
// each collection declares an ordered fallback list per field, and the first
// populated source wins. Stored bytes are never rewritten by a read; a
// legacy record only loses its old shape when it is later saved through
// Add or Update.

// FieldFallback declares how one canonical field is resolved. Sources are
// tried in order (the canonical field name itself is usually first); when
// none is present and non-empty, Default applies.
type FieldFallback struct {
	Field   string
	Sources []string
	Default any
}

// Migration is the declared normalization for one collection.
type Migration struct {
	Fields []FieldFallback
}

// FinanceItemsMigration covers the legacy finance record shape: the current
// value historically lived in "balance" and before that in "amount", and
// early records carried no category at all.
var FinanceItemsMigration = Migration{
	Fields: []FieldFallback{
		{Field: "currentValue", Sources: []string{"currentValue", "balance", "amount"}, Default: ""},
		{Field: "type", Sources: []string{"type"}, Default: "other"},
	},
}

// normalize maps a raw stored record to its canonical view. Unknown and
// extra fields are preserved so newer builds never drop data written by
// older or future ones; only consumed legacy sources disappear from the
// view (not from storage).
func (m Migration) normalize(raw Record) Record {
	out := make(Record, len(raw))
	for k, v := range raw {
		out[k] = v
	}

	for _, f := range m.Fields {
		value := f.Default
		for _, src := range f.Sources {
			if v, ok := out[src]; ok && !isEmptyValue(v) {
				value = v
				break
			}
		}
		// Consumed legacy sources disappear from the canonical view;
		// the canonical field itself is reassigned below.
		for _, src := range f.Sources {
			if src != f.Field {
				delete(out, src)
			}
		}
		out[f.Field] = value
	}

	return out
}

func isEmptyValue(v any) bool {
	if v == nil {
		return true
	}
	s, ok := v.(string)
	return ok && s == ""
}
