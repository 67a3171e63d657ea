package ports

import "context"

// Transport entrega los mensajes crudos del feed en tiempo real.
type Transport interface {
	// Run conecta y entrega cada mensaje a onMessage hasta que ctx se cancele.
	// onState recibe true al conectar y false al perder la conexión.
	// Las reconexiones son responsabilidad del Transport.
	Run(ctx context.Context, onMessage func([]byte), onState func(connected bool)) error
}
