// Package server exposes a bus over HTTP: a websocket bridge at /ws that
// streams received frames as CBOR capture records and accepts records to send,
// plus Prometheus metrics at /metrics.
package server

import (
	"context"
	"errors"
	"log"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"

	"github.com/LoveWonYoung/ican/capture"
	"github.com/LoveWonYoung/ican/driver"
	"github.com/LoveWonYoung/ican/metrics"
	"github.com/LoveWonYoung/ican/receiver"
)

const (
	writeTimeout    = 5 * time.Second
	shutdownTimeout = 5 * time.Second
)

// Server bridges websocket clients to one bus. Frames from the receive loop
// go to every client; frames from any client go to the bus.
type Server struct {
	bus      driver.Sender
	loop     *receiver.Loop
	metrics  *metrics.Collector
	upgrader websocket.Upgrader
	router   chi.Router

	mu        sync.Mutex
	clients   map[*websocket.Conn]struct{}
	closing   chan struct{}
	closeOnce sync.Once
}

// New builds the HTTP surface. m may be nil, in which case /metrics serves an
// empty registry.
func New(bus driver.Sender, loop *receiver.Loop, m *metrics.Collector) *Server {
	s := &Server{
		bus:     bus,
		loop:    loop,
		metrics: m,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
		clients: make(map[*websocket.Conn]struct{}),
		closing: make(chan struct{}),
	}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Get("/ws", s.handleWS)
	r.Handle("/metrics", m.Handler())
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok\n"))
	})
	s.router = r
	return s
}

func (s *Server) Handler() http.Handler { return s.router }

// ListenAndServe serves on addr until ctx is done, then shuts down and
// disconnects every websocket client.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	return s.Serve(ctx, ln)
}

// Serve is ListenAndServe on an existing listener.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	srv.RegisterOnShutdown(s.closeClients)

	errCh := make(chan error, 1)
	go func() {
		log.Printf("[server] listening on %s", ln.Addr())
		errCh <- srv.Serve(ln)
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Printf("[server] shutdown error: %v", err)
			return err
		}
		log.Printf("[server] shutdown complete")
		return nil
	}
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	// subscribe before the handshake completes so the client sees every
	// frame received after its dial returns
	sub := s.loop.Subscribe("ws:" + r.RemoteAddr)
	defer sub.Cancel()

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("[server] upgrade %s: %v", r.RemoteAddr, err)
		return
	}
	s.track(conn, true)
	defer s.track(conn, false)
	s.metrics.ClientConnected()
	defer s.metrics.ClientDisconnected()
	log.Printf("[server] client %s connected", r.RemoteAddr)

	readDone := make(chan struct{})
	go func() {
		defer close(readDone)
		s.readLoop(conn)
	}()

	for {
		select {
		case f, ok := <-sub.C():
			if !ok {
				msg := websocket.FormatCloseMessage(websocket.CloseGoingAway, "bus closed")
				conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
				conn.Close()
				<-readDone
				return
			}
			data, err := capture.Marshal(f, time.Now())
			if err != nil {
				log.Printf("[server] encode %v: %v", f, err)
				continue
			}
			conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := conn.WriteMessage(websocket.BinaryMessage, data); err != nil {
				log.Printf("[server] client %s: write: %v", r.RemoteAddr, err)
				conn.Close()
				<-readDone
				return
			}
		case <-readDone:
			conn.Close()
			log.Printf("[server] client %s disconnected", r.RemoteAddr)
			return
		case <-s.closing:
			// closeClients may have run before this conn was tracked
			msg := websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down")
			conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
			conn.Close()
			<-readDone
			return
		}
	}
}

// readLoop forwards frames sent by a client to the bus until the connection
// fails or the bus is closed.
func (s *Server) readLoop(conn *websocket.Conn) {
	for {
		mt, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		if mt != websocket.BinaryMessage {
			continue
		}
		rec, err := capture.Unmarshal(data)
		if err != nil {
			log.Printf("[server] client %s: bad record: %v", conn.RemoteAddr(), err)
			continue
		}
		f, err := rec.Frame()
		if err != nil {
			log.Printf("[server] client %s: bad frame: %v", conn.RemoteAddr(), err)
			continue
		}
		if err := s.bus.Send(f); err != nil {
			s.metrics.SendFailed()
			log.Printf("[server] send %v: %v", f, err)
			if errors.Is(err, driver.ErrClosed) {
				return
			}
			continue
		}
		s.metrics.FrameSent()
	}
}

func (s *Server) track(conn *websocket.Conn, add bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if add {
		s.clients[conn] = struct{}{}
	} else {
		delete(s.clients, conn)
	}
}

func (s *Server) closeClients() {
	s.closeOnce.Do(func() { close(s.closing) })
	s.mu.Lock()
	defer s.mu.Unlock()
	msg := websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down")
	for conn := range s.clients {
		conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
		conn.Close()
	}
}
