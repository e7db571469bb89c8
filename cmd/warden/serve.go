package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"warden/internal/adapter/gateway"
	"warden/internal/domain"
	"warden/internal/infra/config"
	"warden/internal/plugin"
)

// maxRequestBytes bounds one request line on stdin.
const maxRequestBytes = 16 << 20

// request is one JSON line read from stdin.
type request struct {
	ID          json.RawMessage          `json:"id,omitempty"`
	Op          string                   `json:"op"`
	Path        string                   `json:"path,omitempty"`
	Limits      domain.ResourceLimits    `json:"limits"`
	Permissions domain.PluginPermissions `json:"permissions"`
	Config      json.RawMessage          `json:"config,omitempty"`
	Plugin      string                   `json:"plugin,omitempty"`
	Input       json.RawMessage          `json:"input,omitempty"`
	Type        domain.PluginType        `json:"type,omitempty"`
	Capability  domain.Capability        `json:"capability,omitempty"`
	Limit       int                      `json:"limit,omitempty"`
}

// response is one JSON line written to stdout.
type response struct {
	ID     json.RawMessage `json:"id,omitempty"`
	OK     bool            `json:"ok"`
	Result any             `json:"result,omitempty"`
	Error  *responseError  `json:"error,omitempty"`
}

type responseError struct {
	Code    domain.ErrorCode `json:"code"`
	Message string           `json:"message"`
}

// eventLine wraps a bus event streamed with --events.
type eventLine struct {
	Event domain.Event `json:"event"`
}

func (c *cli) newServeCmd() *cobra.Command {
	var (
		events bool
		listen string
	)
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve JSON-lines requests on stdin and write responses on stdout",
		Long: `Serve loads every plugin found under plugins.dirs, starts the configured
scheduler tasks and then answers one JSON request per line on stdin.

Operations: load, execute, unload, list, get, find, history, tasks.

  {"id":1,"op":"load","path":"echo.wasm","limits":{"max_execution_time_ms":500}}
  {"id":2,"op":"execute","plugin":"<id>","input":{"text":"hi"}}
  {"id":3,"op":"find","type":"transform"}

Requests are handled concurrently; match responses by id. The server stops
on EOF or SIGINT/SIGTERM and unloads every plugin.

With --listen (or gateway.addr) the same protocol is served over websocket
at ws://<addr>/ws instead of stdin, one request per text message. Events are
always forwarded to websocket clients.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return c.serve(ctx, events, listen)
		},
	}
	cmd.Flags().BoolVar(&events, "events", false, "stream engine events on stdout as {\"event\":...} lines")
	cmd.Flags().StringVar(&listen, "listen", "", "serve websocket clients on this address instead of stdin, e.g. 127.0.0.1:7070")
	return cmd
}

func (c *cli) serve(ctx context.Context, events bool, listen string) error {
	cfg, err := c.loadConfig()
	if err != nil {
		return err
	}
	if listen != "" {
		cfg.Gateway.Addr = listen
		if err := config.Validate(cfg); err != nil {
			return err
		}
	}
	eng, err := newEngine(ctx, cfg)
	if err != nil {
		return err
	}
	defer eng.Close(context.WithoutCancel(ctx))

	s := &server{eng: eng, enc: json.NewEncoder(c.stdout)}
	if events {
		unsubscribe := eng.bus.SubscribeAll(func(_ context.Context, e domain.Event) {
			s.write(eventLine{Event: e})
		})
		defer unsubscribe()
	}

	loaded, err := eng.mgr.LoadDirectories(ctx, cfg.Plugins.Dirs)
	if err != nil {
		return err
	}
	for name, id := range loaded {
		eng.logger.Info("plugin ready", "name", name, "id", id)
	}
	if err := eng.startScheduler(ctx); err != nil {
		return err
	}
	if cfg.Gateway.Addr != "" {
		gw := gateway.New(gatewayConfig(cfg.Gateway), s, eng.bus, eng.logger)
		return gw.Start(ctx)
	}
	return s.run(ctx, c.stdin)
}

func gatewayConfig(g config.GatewayConfig) gateway.Config {
	return gateway.Config{
		Addr:           g.Addr,
		Token:          g.Token,
		AllowedOrigins: g.AllowedOrigins,
		RequestRate:    g.RequestRate,
		RequestBurst:   g.RequestBurst,
	}
}

// server answers requests against one engine. Writes to enc are serialized.
type server struct {
	eng *engine

	mu  sync.Mutex
	enc *json.Encoder
}

func (s *server) write(v any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enc.Encode(v); err != nil {
		s.eng.logger.Warn("write response failed", "error", err)
	}
}

// run reads requests until EOF or cancellation and waits for in-flight
// requests to finish.
func (s *server) run(ctx context.Context, in io.Reader) error {
	lines := make(chan []byte)
	scanErr := make(chan error, 1)
	go func() {
		defer close(lines)
		sc := bufio.NewScanner(in)
		sc.Buffer(make([]byte, 0, 64<<10), maxRequestBytes)
		for sc.Scan() {
			line := append([]byte(nil), sc.Bytes()...)
			select {
			case lines <- line:
			case <-ctx.Done():
				return
			}
		}
		scanErr <- sc.Err()
	}()

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.eng.cfg.Engine.MaxConcurrentPlugins * 2)

	var readErr error
loop:
	for {
		select {
		case <-ctx.Done():
			break loop
		case line, ok := <-lines:
			if !ok {
				select {
				case readErr = <-scanErr:
				default:
				}
				break loop
			}
			if len(line) == 0 {
				continue
			}
			g.Go(func() error {
				s.write(s.handleLine(gctx, line))
				return nil
			})
		}
	}
	if err := g.Wait(); err != nil {
		return err
	}
	if readErr != nil {
		return fmt.Errorf("read requests: %w", readErr)
	}
	return nil
}

// Handle answers one websocket frame.
func (s *server) Handle(ctx context.Context, frame []byte) any {
	return s.handleLine(ctx, frame)
}

// Reject answers a frame the gateway refused to handle.
func (s *server) Reject(frame []byte, err error) any {
	var req struct {
		ID json.RawMessage `json:"id"`
	}
	_ = json.Unmarshal(frame, &req)
	return failure(req.ID, err)
}

func (s *server) handleLine(ctx context.Context, line []byte) response {
	var req request
	if err := json.Unmarshal(line, &req); err != nil {
		return failure(nil, fmt.Errorf("%w: malformed request: %v", domain.ErrInvalidInput, err))
	}
	result, err := s.handle(ctx, req)
	if err != nil {
		return failure(req.ID, err)
	}
	return response{ID: req.ID, OK: true, Result: result}
}

func failure(id json.RawMessage, err error) response {
	return response{ID: id, Error: &responseError{Code: domain.ErrorCodeOf(err), Message: err.Error()}}
}

func (s *server) handle(ctx context.Context, req request) (any, error) {
	mgr := s.eng.mgr
	switch req.Op {
	case "load":
		if req.Path == "" {
			return nil, fmt.Errorf("%w: load needs path", domain.ErrInvalidInput)
		}
		bin, err := os.ReadFile(req.Path)
		if err != nil {
			return nil, fmt.Errorf("read module: %w", err)
		}
		opts := []plugin.LoadOption{plugin.WithSource(req.Path)}
		if len(req.Config) > 0 {
			opts = append(opts, plugin.WithPluginConfig(req.Config))
		}
		id, err := mgr.Load(ctx, bin, req.Limits, req.Permissions, opts...)
		if err != nil {
			return nil, err
		}
		info, _ := mgr.Get(id)
		return info, nil

	case "execute":
		input := req.Input
		if len(input) == 0 {
			input = json.RawMessage("{}")
		}
		return mgr.Execute(ctx, req.Plugin, domain.PluginInput(input))

	case "unload":
		if err := mgr.Unload(ctx, req.Plugin); err != nil {
			return nil, err
		}
		return map[string]string{"unloaded": req.Plugin}, nil

	case "list":
		return mgr.List(), nil

	case "get":
		info, ok := mgr.Get(req.Plugin)
		if !ok {
			return nil, domain.NewSubSystemError("plugin", "Manager.Get", domain.ErrNotFound, req.Plugin)
		}
		return info, nil

	case "find":
		switch {
		case req.Type != "":
			return mgr.Registry().FindByType(req.Type), nil
		case req.Capability != "":
			return mgr.Registry().FindByCapability(req.Capability), nil
		default:
			return mgr.Registry().All(), nil
		}

	case "history":
		if s.eng.journal == nil {
			return nil, fmt.Errorf("%w: journal", domain.ErrDisabled)
		}
		return s.eng.journal.Recent(ctx, req.Plugin, req.Limit)

	case "tasks":
		if s.eng.sched == nil {
			return []any{}, nil
		}
		return s.eng.sched.Tasks(), nil

	default:
		return nil, fmt.Errorf("%w: unknown op %q", domain.ErrInvalidInput, req.Op)
	}
}
