package feed

// backfill.go — reparación de gaps con fetch REST puntual.
//
// Lanza un goroutine por colección (listings, offers) y mergea lo que llegue
// por id de entidad, no por seq. Si una colección falla se mergean las demás
// y el gap se cierra igualmente: el siguiente gap o el refresh periódico
// vuelven a intentarlo.

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/alejandrodnm/domasync/internal/domain"
	"github.com/alejandrodnm/domasync/internal/ports"
)

// ErrBackfillInFlight indica que ya hay un backfill en curso.
var ErrBackfillInFlight = errors.New("backfill already in flight")

// Merger es el lado del estado local que recibe las filas del backfill.
type Merger interface {
	// MergeBackfill inserta ids nuevos y deja intactos los existentes.
	MergeBackfill(collection string, recs []domain.BackfillRecord) (int, error)
	// Mark devuelve la revisión actual del estado local.
	Mark() uint64
	// ReplaceCollection sustituye la colección autoritativa (full refresh).
	// Las entidades tocadas por eventos después de since se conservan.
	ReplaceCollection(collection string, recs []domain.BackfillRecord, since uint64) (int, error)
}

// BackfillResult resume un backfill o refresh.
type BackfillResult struct {
	FromSeq  int64
	UpToSeq  int64 // mayor seq visto al lanzar el backfill
	Merged   map[string]int   // colección → filas insertadas
	Failed   map[string]error // colección → error
	Duration time.Duration
}

// OK devuelve true si todas las colecciones se obtuvieron.
func (r BackfillResult) OK() bool { return len(r.Failed) == 0 }

// BackfillCoordinator coordina los backfills de gap y los full refresh.
type BackfillCoordinator struct {
	provider    ports.BackfillProvider
	merger      Merger
	collections []string
	timeout     time.Duration
	onComplete  func(upToSeq int64, ok bool)

	inFlight atomic.Bool
	runs     atomic.Int64
}

// NewBackfillCoordinator crea un coordinador. onComplete se llama al terminar
// cada backfill de gap (con éxito o no), ya con el slot liberado, para cerrar
// el gap en el gate.
func NewBackfillCoordinator(
	provider ports.BackfillProvider,
	merger Merger,
	collections []string,
	timeout time.Duration,
	onComplete func(upToSeq int64, ok bool),
) *BackfillCoordinator {
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &BackfillCoordinator{
		provider:    provider,
		merger:      merger,
		collections: collections,
		timeout:     timeout,
		onComplete:  onComplete,
	}
}

// InFlight devuelve true si hay un backfill en curso.
func (c *BackfillCoordinator) InFlight() bool { return c.inFlight.Load() }

// Runs devuelve cuántos backfills de gap se han lanzado.
func (c *BackfillCoordinator) Runs() int64 { return c.runs.Load() }

// TryAcquire reserva el único slot de backfill. Devuelve false si ya hay uno.
// Quien lo reserva debe llamar a Reconcile.
func (c *BackfillCoordinator) TryAcquire() bool {
	return c.inFlight.CompareAndSwap(false, true)
}

// Reconcile pide cada colección desde fromSeq y mergea los resultados. upToSeq
// es el mayor seq que el backfill cubre; lo que llegue por encima mientras
// está en curso necesita otro backfill.
// Requiere haber reservado el slot con TryAcquire; lo libera antes de avisar
// con onComplete, así onComplete puede lanzar el siguiente.
// Devuelve error solo si alguna colección falló; lo obtenido se mergea igual.
func (c *BackfillCoordinator) Reconcile(ctx context.Context, fromSeq, upToSeq int64) (BackfillResult, error) {
	c.runs.Add(1)

	slog.Info("backfill: reconciling gap", "since_seq", fromSeq, "up_to_seq", upToSeq, "collections", c.collections)

	res := c.fetchAll(ctx, fromSeq, c.merger.MergeBackfill)
	res.UpToSeq = upToSeq

	c.inFlight.Store(false)
	if c.onComplete != nil {
		c.onComplete(upToSeq, res.OK())
	}

	if !res.OK() {
		errs := make([]error, 0, len(res.Failed))
		for col, err := range res.Failed {
			errs = append(errs, fmt.Errorf("%s: %w", col, err))
		}
		slog.Warn("backfill: partial failure", "since_seq", fromSeq, "merged", res.Merged, "failed", len(res.Failed))
		return res, fmt.Errorf("feed.BackfillCoordinator.Reconcile: %w", errors.Join(errs...))
	}

	slog.Info("backfill: done", "since_seq", fromSeq, "merged", res.Merged, "duration", res.Duration.Round(time.Millisecond))
	return res, nil
}

// Refresh pide todas las colecciones completas y sustituye la parte
// autoritativa del estado local. Lo aplicado por eventos mientras el fetch
// estaba en curso es más nuevo que el snapshot y no se pisa. No toca el gate.
func (c *BackfillCoordinator) Refresh(ctx context.Context) (BackfillResult, error) {
	mark := c.merger.Mark()
	res := c.fetchAll(ctx, 0, func(collection string, recs []domain.BackfillRecord) (int, error) {
		return c.merger.ReplaceCollection(collection, recs, mark)
	})
	if !res.OK() {
		errs := make([]error, 0, len(res.Failed))
		for col, err := range res.Failed {
			errs = append(errs, fmt.Errorf("%s: %w", col, err))
		}
		return res, fmt.Errorf("feed.BackfillCoordinator.Refresh: %w", errors.Join(errs...))
	}
	slog.Debug("backfill: full refresh done", "rows", res.Merged)
	return res, nil
}

// fetchAll lanza un goroutine por colección y aplica apply a cada resultado.
func (c *BackfillCoordinator) fetchAll(
	ctx context.Context,
	fromSeq int64,
	apply func(collection string, recs []domain.BackfillRecord) (int, error),
) BackfillResult {
	start := time.Now()
	res := BackfillResult{
		FromSeq: fromSeq,
		Merged:  make(map[string]int),
		Failed:  make(map[string]error),
	}
	// sin provider (replay offline) no hay nada que pedir
	if c.provider == nil {
		return res
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	type fetchResult struct {
		collection string
		recs       []domain.BackfillRecord
		err        error
	}

	resultCh := make(chan fetchResult, len(c.collections))
	var wg sync.WaitGroup

	for _, col := range c.collections {
		col := col
		wg.Add(1)
		go func() {
			defer wg.Done()
			recs, err := c.provider.FetchSince(ctx, col, fromSeq)
			resultCh <- fetchResult{collection: col, recs: recs, err: err}
		}()
	}

	// Cerrar el canal cuando todos los goroutines terminen
	go func() {
		wg.Wait()
		close(resultCh)
	}()

	for r := range resultCh {
		if r.err != nil {
			res.Failed[r.collection] = r.err
			continue
		}
		n, err := apply(r.collection, r.recs)
		if err != nil {
			res.Failed[r.collection] = err
			continue
		}
		res.Merged[r.collection] = n
	}
	res.Duration = time.Since(start)
	return res
}
