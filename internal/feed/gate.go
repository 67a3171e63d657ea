package feed

import (
	"github.com/alejandrodnm/domasync/internal/domain"
)

// SequenceGate decide por cada evento si se aplica, se descarta o abre un gap.
//
// No es seguro para uso concurrente: Feed serializa todas las llamadas.
type SequenceGate struct {
	lastApplied int64
	highestSeen int64
	gap         bool

	// seqs ya entregados por encima de lastApplied mientras hay un gap abierto
	ahead map[int64]struct{}

	checkpoint func(seq int64)
}

// NewSequenceGate crea un gate que continúa desde lastApplied.
// checkpoint (opcional) se llama cada vez que lastApplied avanza.
func NewSequenceGate(lastApplied int64, checkpoint func(seq int64)) *SequenceGate {
	if lastApplied < 0 {
		lastApplied = 0
	}
	return &SequenceGate{
		lastApplied: lastApplied,
		highestSeen: lastApplied,
		ahead:       make(map[int64]struct{}),
		checkpoint:  checkpoint,
	}
}

// Apply clasifica el evento y actualiza el estado del gate.
//
//   - sin seq: Applied (trade y similares no tienen orden).
//   - seq <= lastApplied: Stale, sin cambios.
//   - seq == lastApplied+1: Applied, lastApplied avanza.
//   - seq > lastApplied+1: GapDetected. El evento se entrega igualmente pero
//     lastApplied no pasa del hueco hasta que termine el backfill.
func (g *SequenceGate) Apply(ev domain.Event) domain.Decision {
	seq, ok := ev.SeqValue()
	if !ok {
		return domain.Applied
	}

	if seq <= g.lastApplied {
		return domain.Stale
	}
	if _, seen := g.ahead[seq]; seen {
		// ya entregado durante el gap: re-entrega idempotente
		return domain.Stale
	}

	if seq > g.highestSeen {
		g.highestSeen = seq
	}

	if seq == g.lastApplied+1 {
		g.advance(seq)
		return domain.Applied
	}

	g.ahead[seq] = struct{}{}
	g.gap = true
	return domain.GapDetected
}

// CompleteGap cierra el backfill que cubría hasta upTo (el mayor seq visto al
// lanzarlo). Si fue completo, lastApplied avanza hasta upTo y absorbe los seqs
// contiguos que ya llegaron; los que quedan por encima de un hueco nuevo
// siguen en ahead. Devuelve true si quedan huecos y hace falta otro backfill.
//
// Si falló, lastApplied no se mueve y el siguiente evento vuelve a detectar
// el hueco.
func (g *SequenceGate) CompleteGap(upTo int64, ok bool) bool {
	g.gap = false
	if !ok {
		return false
	}
	if upTo > g.lastApplied {
		for s := range g.ahead {
			if s <= upTo {
				delete(g.ahead, s)
			}
		}
		g.advance(upTo)
	}
	if len(g.ahead) > 0 {
		g.gap = true
		return true
	}
	return false
}

// State devuelve una copia del estado del gate.
func (g *SequenceGate) State() domain.SequenceState {
	return domain.SequenceState{
		LastAppliedSeq: g.lastApplied,
		HighestSeen:    g.highestSeen,
		GapInProgress:  g.gap,
	}
}

// Reset vuelve el gate a cero. Solo para sesiones de replay limpias.
func (g *SequenceGate) Reset() {
	g.lastApplied, g.highestSeen, g.gap = 0, 0, false
	g.ahead = make(map[int64]struct{})
}

// advance mueve lastApplied a seq y absorbe los seqs contiguos que ya
// llegaron por delante durante un gap.
func (g *SequenceGate) advance(seq int64) {
	g.lastApplied = seq
	for {
		next := g.lastApplied + 1
		if _, ok := g.ahead[next]; !ok {
			break
		}
		delete(g.ahead, next)
		g.lastApplied = next
	}
	if g.checkpoint != nil {
		g.checkpoint(g.lastApplied)
	}
}
