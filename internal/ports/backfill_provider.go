package ports

import (
	"context"

	"github.com/alejandrodnm/domasync/internal/domain"
)

// BackfillProvider obtiene las filas de una colección posteriores a un seq.
type BackfillProvider interface {
	// FetchSince hace GET <collection>?since_seq=<sinceSeq>.
	// sinceSeq=0 devuelve la colección completa (full refresh).
	FetchSince(ctx context.Context, collection string, sinceSeq int64) ([]domain.BackfillRecord, error)
}
