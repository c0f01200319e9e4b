package models

// Row is one flat observation: dimension values, metric values and optional
// synthetic fields such as id, created_at and date.
type Row map[string]any

// Clone returns a shallow copy so callers can stamp fields without touching
// the source row.
func (r Row) Clone() Row {
	out := make(Row, len(r)+1)
	for k, v := range r {
		out[k] = v
	}
	return out
}

// HasAll reports whether every key is present in the row.
func (r Row) HasAll(keys []string) bool {
	for _, k := range keys {
		if _, ok := r[k]; !ok {
			return false
		}
	}
	return true
}
