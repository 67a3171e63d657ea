package doma

import "encoding/json"

// DTOs raw del API de Doma. Solo se usan dentro de este paquete.
// La conversión a domain se hace en mapping.go.

// backfillRow es una fila de GET /<collection>?since_seq=N. Solo id y active
// son obligatorios; el resto de campos se conservan en la fila cruda.
type backfillRow struct {
	ID     json.RawMessage `json:"id"`
	Active *bool           `json:"active"`
}

// pagedRows es la variante paginada que devuelven algunos endpoints.
type pagedRows struct {
	Data       []json.RawMessage `json:"data"`
	NextCursor string            `json:"next_cursor"`
}
