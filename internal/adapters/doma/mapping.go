package doma

import (
	"encoding/json"
	"strings"

	"github.com/alejandrodnm/domasync/internal/domain"
)

// mapRecords convierte las filas crudas a domain.BackfillRecord.
// Las filas sin id o sin active se descartan y se cuentan.
func mapRecords(rows []json.RawMessage) ([]domain.BackfillRecord, int) {
	recs := make([]domain.BackfillRecord, 0, len(rows))
	skipped := 0
	for _, raw := range rows {
		rec, ok := mapRecord(raw)
		if !ok {
			skipped++
			continue
		}
		recs = append(recs, rec)
	}
	return recs, skipped
}

// mapRecord convierte una fila. El id puede venir como string o número.
func mapRecord(raw json.RawMessage) (domain.BackfillRecord, bool) {
	var r backfillRow
	if err := json.Unmarshal(raw, &r); err != nil || r.Active == nil {
		return domain.BackfillRecord{}, false
	}

	id := normalizeID(r.ID)
	if id == "" {
		return domain.BackfillRecord{}, false
	}

	row := make(json.RawMessage, len(raw))
	copy(row, raw)
	return domain.BackfillRecord{ID: id, Active: *r.Active, Raw: row}, true
}

func normalizeID(raw json.RawMessage) string {
	if len(raw) == 0 || string(raw) == "null" {
		return ""
	}
	var s string
	if json.Unmarshal(raw, &s) == nil {
		return strings.TrimSpace(s)
	}
	var n json.Number
	if json.Unmarshal(raw, &n) == nil {
		return n.String()
	}
	return ""
}
