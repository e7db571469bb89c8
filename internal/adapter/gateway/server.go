// Package gateway exposes the engine's request protocol over websocket. Each
// text message is one request; responses and bus events are written back as
// JSON messages on the same connection.
package gateway

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"warden/internal/domain"
)

// ErrRateLimited is passed to Handler.Reject when a connection sends faster
// than its request budget.
var ErrRateLimited = fmt.Errorf("request rate exceeded: %w", domain.ErrLimitReached)

const (
	sendBuffer   = 64
	writeTimeout = 5 * time.Second
	maxFrame     = 16 << 20
)

// Handler answers request frames.
type Handler interface {
	// Handle returns the response for one request frame.
	Handle(ctx context.Context, frame []byte) any
	// Reject returns the response for a frame that was not handled.
	Reject(frame []byte, err error) any
}

// Config configures a Server.
type Config struct {
	Addr           string
	Token          string
	AllowedOrigins []string
	RequestRate    float64
	RequestBurst   int
}

// EventFrame wraps a bus event forwarded to clients.
type EventFrame struct {
	Event domain.Event `json:"event"`
}

type clientConn struct {
	ws        *websocket.Conn
	sendCh    chan any
	done      chan struct{}
	closeOnce sync.Once
	limiter   *rate.Limiter
}

func (cc *clientConn) close() {
	cc.closeOnce.Do(func() { close(cc.done) })
}

// Server is a websocket front end for a Handler.
type Server struct {
	cfg     Config
	handler Handler
	bus     domain.EventBus
	logger  *slog.Logger

	httpSrv   *http.Server
	boundAddr string
	ready     chan struct{}
	clients   sync.Map // uint64 -> *clientConn
	nextID    atomic.Uint64
	stopOnce  sync.Once
	unsubAll  func()
	inflight  sync.WaitGroup
}

// New creates a server. bus may be nil, in which case no events are forwarded.
func New(cfg Config, handler Handler, bus domain.EventBus, logger *slog.Logger) *Server {
	return &Server{
		cfg:     cfg,
		handler: handler,
		bus:     bus,
		logger:  logger,
		ready:   make(chan struct{}),
	}
}

// Start listens on cfg.Addr and serves until ctx is done or Stop is called.
func (s *Server) Start(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleUpgrade)
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})

	listener, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("gateway listen: %w", err)
	}
	s.boundAddr = listener.Addr().String()
	s.httpSrv = &http.Server{Handler: mux, ReadHeaderTimeout: 10 * time.Second}

	if s.bus != nil {
		s.unsubAll = s.bus.SubscribeAll(func(_ context.Context, event domain.Event) {
			s.broadcast(EventFrame{Event: event})
		})
	}

	s.logger.Info("gateway started", "addr", s.boundAddr)
	close(s.ready)

	go func() {
		<-ctx.Done()
		s.Stop(context.Background())
	}()

	if err := s.httpSrv.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("gateway serve: %w", err)
	}
	s.inflight.Wait()
	return nil
}

// Ready is closed once the listener is bound.
func (s *Server) Ready() <-chan struct{} { return s.ready }

// BoundAddr returns the address the server bound to. Only valid after Ready.
func (s *Server) BoundAddr() string { return s.boundAddr }

// Stop closes every client connection and shuts the HTTP server down.
func (s *Server) Stop(ctx context.Context) error {
	var err error
	s.stopOnce.Do(func() {
		if s.unsubAll != nil {
			s.unsubAll()
		}
		s.clients.Range(func(key, value any) bool {
			cc := value.(*clientConn)
			cc.close()
			cc.ws.Close(websocket.StatusGoingAway, "server shutting down")
			s.clients.Delete(key)
			return true
		})
		if s.httpSrv != nil {
			shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
			defer cancel()
			err = s.httpSrv.Shutdown(shutdownCtx)
		}
	})
	return err
}

func (s *Server) authorized(r *http.Request) bool {
	if s.cfg.Token == "" {
		return true
	}
	token := r.URL.Query().Get("token")
	return subtle.ConstantTimeCompare([]byte(token), []byte(s.cfg.Token)) == 1
}

func (s *Server) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	if !s.authorized(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: s.cfg.AllowedOrigins,
	})
	if err != nil {
		s.logger.Warn("websocket accept failed", "error", err)
		return
	}
	ws.SetReadLimit(maxFrame)

	connID := s.nextID.Add(1)
	cc := &clientConn{
		ws:      ws,
		sendCh:  make(chan any, sendBuffer),
		done:    make(chan struct{}),
		limiter: rate.NewLimiter(rate.Limit(s.cfg.RequestRate), s.cfg.RequestBurst),
	}
	s.clients.Store(connID, cc)
	s.logger.Info("gateway client connected", "conn_id", connID, "remote", r.RemoteAddr)

	go s.writeLoop(cc)
	s.readLoop(r.Context(), cc)

	cc.close()
	s.clients.Delete(connID)
	ws.Close(websocket.StatusNormalClosure, "")
	s.logger.Info("gateway client disconnected", "conn_id", connID)
}

func (s *Server) readLoop(ctx context.Context, cc *clientConn) {
	var wg sync.WaitGroup
	defer wg.Wait()
	for {
		typ, frame, err := cc.ws.Read(ctx)
		if err != nil {
			return
		}
		if typ != websocket.MessageText {
			continue
		}
		if !cc.limiter.Allow() {
			s.send(cc, s.handler.Reject(frame, ErrRateLimited))
			continue
		}
		wg.Add(1)
		s.inflight.Add(1)
		go func() {
			defer wg.Done()
			defer s.inflight.Done()
			s.send(cc, s.handler.Handle(ctx, frame))
		}()
	}
}

// send queues a response, waiting for room unless the connection is gone.
func (s *Server) send(cc *clientConn, v any) {
	select {
	case cc.sendCh <- v:
	case <-cc.done:
	}
}

// broadcast queues an event on every connection, dropping it for clients
// whose queue is full.
func (s *Server) broadcast(v any) {
	s.clients.Range(func(_, value any) bool {
		cc := value.(*clientConn)
		select {
		case cc.sendCh <- v:
		default:
			s.logger.Warn("gateway: dropped event for slow client")
		}
		return true
	})
}

func (s *Server) writeLoop(cc *clientConn) {
	for {
		select {
		case <-cc.done:
			return
		case v := <-cc.sendCh:
			ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
			err := wsjson.Write(ctx, cc.ws, v)
			cancel()
			if err != nil {
				cc.close()
				return
			}
		}
	}
}
