// Package ws implementa el transport en tiempo real sobre WebSocket.
package ws

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// Config configura el comportamiento del cliente.
type Config struct {
	// ReconnectDelay es la espera inicial antes de reconectar.
	ReconnectDelay time.Duration
	// MaxReconnectDelay es el tope del backoff exponencial.
	MaxReconnectDelay time.Duration
	// PingInterval es el intervalo entre pings.
	PingInterval time.Duration
	// ReadTimeout es el máximo sin recibir nada (mensaje o pong) antes de
	// dar la conexión por colgada.
	ReadTimeout time.Duration
	// WriteTimeout es el timeout de cada escritura.
	WriteTimeout time.Duration
	// HandshakeTimeout es el timeout del dial.
	HandshakeTimeout time.Duration
}

// DefaultConfig devuelve la configuración por defecto.
func DefaultConfig() Config {
	return Config{
		ReconnectDelay:    1 * time.Second,
		MaxReconnectDelay: 30 * time.Second,
		PingInterval:      20 * time.Second,
		ReadTimeout:       60 * time.Second,
		WriteTimeout:      10 * time.Second,
		HandshakeTimeout:  10 * time.Second,
	}
}

// Client es un transport WebSocket que reconecta solo.
// Implementa ports.Transport.
type Client struct {
	endpoint string
	cfg      Config

	// onConnect (opcional) devuelve el mensaje a enviar tras cada conexión,
	// p.ej. una suscripción con el último seq aplicado.
	onConnect func() []byte
}

// NewClient crea un cliente contra endpoint (ws:// o wss://).
func NewClient(endpoint string, cfg *Config) *Client {
	c := DefaultConfig()
	if cfg != nil {
		c = *cfg
	}
	if c.ReconnectDelay <= 0 {
		c.ReconnectDelay = time.Second
	}
	if c.MaxReconnectDelay < c.ReconnectDelay {
		c.MaxReconnectDelay = c.ReconnectDelay
	}
	return &Client{endpoint: endpoint, cfg: c}
}

// OnConnect registra el mensaje que se envía al (re)conectar.
func (c *Client) OnConnect(fn func() []byte) {
	c.onConnect = fn
}

// Run conecta y entrega los mensajes hasta que ctx se cancele. Ante cualquier
// error de lectura o dial reconecta con backoff exponencial. Solo devuelve
// error si el endpoint es inválido.
func (c *Client) Run(ctx context.Context, onMessage func([]byte), onState func(connected bool)) error {
	if c.endpoint == "" {
		return errors.New("ws.Run: empty endpoint")
	}
	if onState == nil {
		onState = func(bool) {}
	}

	delay := c.cfg.ReconnectDelay
	for {
		conn, err := c.dial(ctx)
		if err == nil {
			slog.Info("ws: connected", "endpoint", c.endpoint)
			onState(true)
			delay = c.cfg.ReconnectDelay

			err = c.serve(ctx, conn, onMessage)
			onState(false)
		}

		if ctx.Err() != nil {
			slog.Info("ws: stopped")
			return nil
		}
		slog.Warn("ws: connection lost, reconnecting", "err", err, "delay", delay)

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(delay):
		}
		delay *= 2
		if delay > c.cfg.MaxReconnectDelay {
			delay = c.cfg.MaxReconnectDelay
		}
	}
}

// dial establece la conexión.
func (c *Client) dial(ctx context.Context) (*websocket.Conn, error) {
	dialer := websocket.Dialer{
		HandshakeTimeout: c.cfg.HandshakeTimeout,
	}
	conn, _, err := dialer.DialContext(ctx, c.endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("websocket dial: %w", err)
	}
	return conn, nil
}

// serve lee mensajes de conn hasta que falle o ctx se cancele.
// Siempre cierra conn antes de volver.
func (c *Client) serve(ctx context.Context, conn *websocket.Conn, onMessage func([]byte)) error {
	done := make(chan struct{})
	var wg sync.WaitGroup
	defer func() {
		close(done)
		conn.Close()
		wg.Wait()
	}()

	if c.onConnect != nil {
		if msg := c.onConnect(); len(msg) > 0 {
			conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout))
			if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return fmt.Errorf("write subscribe: %w", err)
			}
		}
	}

	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(c.cfg.ReadTimeout))
	})

	wg.Add(1)
	go c.keepAlive(ctx, conn, done, &wg)

	for {
		conn.SetReadDeadline(time.Now().Add(c.cfg.ReadTimeout))
		_, msg, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("read: %w", err)
		}
		onMessage(msg)
	}
}

// keepAlive manda pings periódicos y cierra la conexión al cancelar ctx.
// Solo usa WriteControl y Close, que gorilla permite en paralelo al lector.
func (c *Client) keepAlive(ctx context.Context, conn *websocket.Conn, done <-chan struct{}, wg *sync.WaitGroup) {
	defer wg.Done()

	var tick <-chan time.Time
	if c.cfg.PingInterval > 0 {
		ticker := time.NewTicker(c.cfg.PingInterval)
		defer ticker.Stop()
		tick = ticker.C
	}

	for {
		select {
		case <-done:
			return
		case <-ctx.Done():
			conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(c.cfg.WriteTimeout))
			conn.Close()
			return
		case <-tick:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(c.cfg.WriteTimeout)); err != nil {
				slog.Debug("ws: ping failed", "err", err)
			}
		}
	}
}
