package ports

import "context"

// Preferences es un almacén clave/valor para estado de cliente no crítico
// (cursor de seq, flag de captura, velocidad de replay). Se puede perder.
type Preferences interface {
	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key, value string) error
}
