package ports

import (
	"context"

	"github.com/alejandrodnm/domasync/internal/domain"
)

// Notifier muestra avisos no fatales al usuario.
type Notifier interface {
	// Warn presenta un aviso descartable (p.ej. "listing no confirmado").
	Warn(ctx context.Context, w domain.Warning) error
}
