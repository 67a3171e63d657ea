package domain

import (
	"encoding/json"
	"time"
)

// Decision es el resultado de pasar un evento por el SequenceGate.
type Decision int

const (
	// Applied: evento en orden (o sin seq). Se entrega a los consumers.
	Applied Decision = iota
	// Stale: seq ya aplicado. Se descarta sin tocar estado.
	Stale
	// GapDetected: faltan seqs intermedios. Se entrega igualmente y se lanza backfill.
	GapDetected
	// Ignored: mensajes de control (hello) que no pasan por el gate.
	Ignored
)

// String implementa fmt.Stringer.
func (d Decision) String() string {
	switch d {
	case Applied:
		return "applied"
	case Stale:
		return "stale"
	case GapDetected:
		return "gap"
	case Ignored:
		return "ignored"
	default:
		return "unknown"
	}
}

// Passes devuelve true si el evento llega a los consumers.
func (d Decision) Passes() bool {
	return d == Applied || d == GapDetected
}

// SequenceState es el estado observable del gate.
type SequenceState struct {
	LastAppliedSeq int64
	HighestSeen    int64
	GapInProgress  bool
}

// OptimisticKind es el tipo de acción local que generó un placeholder.
type OptimisticKind string

const (
	KindListing OptimisticKind = "listing"
	KindOffer   OptimisticKind = "offer"
	KindCancel  OptimisticKind = "cancel"
	KindBuy     OptimisticKind = "buy"
)

// OptimisticEntry es una mutación local especulativa pendiente de confirmar.
type OptimisticEntry struct {
	TempID    string
	Kind      OptimisticKind
	Match     func(Event) bool
	CreatedAt time.Time
	Timeout   time.Duration
}

// Warning es un aviso no fatal para mostrar al usuario (toast).
type Warning struct {
	TempID  string
	Kind    OptimisticKind
	Message string
	At      time.Time
}

// ManifestLine es una línea de un manifest de replay: el evento se despacha
// DelayMS milisegundos después del inicio.
type ManifestLine struct {
	DelayMS int64 `json:"delay_ms"`
	Event   Event `json:"event"`
}

// BackfillRecord es una fila devuelta por un endpoint de backfill.
// Raw conserva la fila completa para decodificarla como Listing u Offer.
type BackfillRecord struct {
	ID     string
	Active bool
	Raw    json.RawMessage
}

// Placeholder es la entidad local que se muestra mientras una acción optimista
// espera confirmación. Listing/Offer se insertan; TargetID oculta una entidad
// existente (cancel, buy).
type Placeholder struct {
	Kind     OptimisticKind
	Listing  *Listing
	Offer    *Offer
	TargetID string
}
