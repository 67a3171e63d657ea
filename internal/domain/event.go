package domain

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

// Tipos de evento conocidos del feed de Doma. Los tipos desconocidos pasan
// igualmente por el gate y llegan a los consumers sin cambios.
const (
	EventHello             = "hello"
	EventListingCreated    = "listing_created"
	EventListingFilled     = "listing_filled"
	EventListingCancelled  = "listing_cancelled"
	EventOfferCreated      = "offer_created"
	EventOfferAccepted     = "offer_accepted"
	EventOfferCancelled    = "offer_cancelled"
	EventTrade             = "trade"
	EventLeaderboardUpdate = "leaderboard_update"
)

// ErrMissingType se devuelve cuando un evento no tiene un campo "type" string.
var ErrMissingType = errors.New("event has no string type")

// Event es un evento del feed: un objeto JSON con "type", "seq" y "ts"
// opcionales, más campos específicos de cada tipo.
//
// El JSON original se conserva tal cual para que export/import y replay
// reproduzcan exactamente lo que llegó por el transport.
type Event struct {
	Type string
	Seq  *int64 // nil para eventos sin orden (p.ej. trade)
	TS   *int64 // timestamp del servidor en ms, si viene
	ID   string // id de la entidad, si el evento lo trae

	raw json.RawMessage
}

// eventHeader son los campos comunes que se leen al parsear.
type eventHeader struct {
	Type json.RawMessage `json:"type"`
	Seq  json.RawMessage `json:"seq"`
	TS   json.RawMessage `json:"ts"`
	ID   json.RawMessage `json:"id"`
}

// ParseEvent parsea un objeto JSON como Event.
// Falla si no es un objeto, si "type" no es string o si "seq"/"ts" no son enteros.
func ParseEvent(data []byte) (Event, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return Event{}, fmt.Errorf("domain.ParseEvent: not a JSON object")
	}

	var h eventHeader
	if err := json.Unmarshal(trimmed, &h); err != nil {
		return Event{}, fmt.Errorf("domain.ParseEvent: %w", err)
	}

	var ev Event
	if err := json.Unmarshal(h.Type, &ev.Type); err != nil || ev.Type == "" {
		return Event{}, fmt.Errorf("domain.ParseEvent: %w", ErrMissingType)
	}

	seq, err := optionalInt(h.Seq)
	if err != nil {
		return Event{}, fmt.Errorf("domain.ParseEvent: seq: %w", err)
	}
	ts, err := optionalInt(h.TS)
	if err != nil {
		return Event{}, fmt.Errorf("domain.ParseEvent: ts: %w", err)
	}
	ev.Seq, ev.TS = seq, ts

	// id puede venir como string o como número; se normaliza a string
	if len(h.ID) > 0 && string(h.ID) != "null" {
		var s string
		if json.Unmarshal(h.ID, &s) == nil {
			ev.ID = s
		} else {
			var n json.Number
			if json.Unmarshal(h.ID, &n) == nil {
				ev.ID = n.String()
			}
		}
	}

	var compact bytes.Buffer
	if err := json.Compact(&compact, trimmed); err != nil {
		return Event{}, fmt.Errorf("domain.ParseEvent: compact: %w", err)
	}
	ev.raw = compact.Bytes()
	return ev, nil
}

// NewEvent construye un evento a partir de su tipo y campos adicionales.
// Los campos "type", "seq" y "ts" de fields se ignoran; usar WithSeq/WithTS.
func NewEvent(typ string, fields map[string]any) Event {
	ev := Event{Type: typ}
	if id, ok := fields["id"]; ok {
		ev.ID = fmt.Sprint(id)
	}
	ev.raw = ev.build(fields)
	return ev
}

// WithSeq devuelve una copia del evento con el seq dado.
func (e Event) WithSeq(seq int64) Event {
	fields := e.fields()
	e.Seq = &seq
	e.raw = e.build(fields)
	return e
}

// WithTS devuelve una copia del evento con el timestamp dado (ms).
func (e Event) WithTS(ts int64) Event {
	fields := e.fields()
	e.TS = &ts
	e.raw = e.build(fields)
	return e
}

// SeqValue devuelve el seq y si el evento es secuenciado.
func (e Event) SeqValue() (int64, bool) {
	if e.Seq == nil {
		return 0, false
	}
	return *e.Seq, true
}

// Key es la identidad de dedup (type, id). Vacía si el evento no trae id.
func (e Event) Key() string {
	if e.ID == "" {
		return ""
	}
	return e.Type + ":" + e.ID
}

// Raw devuelve una copia del JSON original compactado.
func (e Event) Raw() json.RawMessage {
	out := make(json.RawMessage, len(e.raw))
	copy(out, e.raw)
	return out
}

// Decode decodifica el payload completo del evento en v.
func (e Event) Decode(v any) error {
	if len(e.raw) == 0 {
		return fmt.Errorf("domain.Event.Decode: empty event")
	}
	return json.Unmarshal(e.raw, v)
}

// MarshalJSON emite el JSON original.
func (e Event) MarshalJSON() ([]byte, error) {
	if len(e.raw) == 0 {
		return e.build(nil), nil
	}
	return e.raw, nil
}

// UnmarshalJSON parsea con las mismas reglas que ParseEvent.
func (e *Event) UnmarshalJSON(data []byte) error {
	ev, err := ParseEvent(data)
	if err != nil {
		return err
	}
	*e = ev
	return nil
}

// fields devuelve los campos del raw actual como mapa.
func (e Event) fields() map[string]any {
	out := map[string]any{}
	if len(e.raw) > 0 {
		dec := json.NewDecoder(bytes.NewReader(e.raw))
		dec.UseNumber()
		_ = dec.Decode(&out)
	}
	return out
}

// build serializa el header junto a fields. Las keys salen ordenadas
// (encoding/json ordena los mapas), así el resultado es determinista.
func (e Event) build(fields map[string]any) json.RawMessage {
	m := make(map[string]any, len(fields)+3)
	for k, v := range fields {
		m[k] = v
	}
	m["type"] = e.Type
	delete(m, "seq")
	delete(m, "ts")
	if e.Seq != nil {
		m["seq"] = *e.Seq
	}
	if e.TS != nil {
		m["ts"] = *e.TS
	}
	b, err := json.Marshal(m)
	if err != nil {
		// solo con valores no serializables en fields
		b, _ = json.Marshal(map[string]any{"type": e.Type})
	}
	return b
}

// optionalInt parsea un entero JSON opcional. null o ausente → nil.
func optionalInt(raw json.RawMessage) (*int64, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return nil, nil
	}
	if raw[0] == '"' {
		// json.Number acepta "3" entrecomillado
		return nil, fmt.Errorf("not a number: %s", raw)
	}
	var n json.Number
	if err := json.Unmarshal(raw, &n); err != nil {
		return nil, fmt.Errorf("not a number: %s", raw)
	}
	v, err := n.Int64()
	if err != nil {
		f, ferr := n.Float64()
		if ferr != nil || f != float64(int64(f)) {
			return nil, fmt.Errorf("not an integer: %s", raw)
		}
		v = int64(f)
	}
	return &v, nil
}
