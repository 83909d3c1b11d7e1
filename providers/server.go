// Package providers assembles the relay server: the hub, the optional
// Redis bridge, the websocket upgrade and the admin HTTP routes.
package providers

import (
	"net"

	"github.com/fasthttp/websocket"
	"github.com/gofiber/fiber/v3"
	json "github.com/goccy/go-json"
	"github.com/orchestra-mcp/realtime/config"
	"github.com/orchestra-mcp/realtime/src/bridge"
	"github.com/orchestra-mcp/realtime/src/hub"
	"github.com/rs/zerolog"
	"github.com/valyala/fasthttp"
)

// Server is a relay instance.
type Server struct {
	cfg      *config.RelayConfig
	logger   zerolog.Logger
	hub      *hub.Hub
	bridge   bridge.Bridge
	app      *fiber.App
	upgrader websocket.FastHTTPUpgrader
	http     *fasthttp.Server
	active   bool
}

// NewServer creates a relay server. Call Start before serving.
func NewServer(cfg *config.RelayConfig, logger zerolog.Logger) *Server {
	s := &Server{
		cfg:    cfg,
		logger: logger.With().Str("component", "relay").Logger(),
		hub: hub.New(logger, hub.Options{
			AdminRoles:     cfg.AdminRoles,
			MaxConnections: cfg.MaxConnections,
		}),
		app: fiber.New(fiber.Config{
			AppName:     "realtime-relay",
			JSONEncoder: json.Marshal,
			JSONDecoder: json.Unmarshal,
		}),
		upgrader: websocket.FastHTTPUpgrader{
			ReadBufferSize:  cfg.ReadBufferSize,
			WriteBufferSize: cfg.WriteBufferSize,
		},
	}
	s.RegisterRoutes(s.app)
	s.http = &fasthttp.Server{Handler: s.Handler(), Name: "realtime-relay"}
	return s
}

// Hub returns the relay hub.
func (s *Server) Hub() *hub.Hub { return s.hub }

// IsActive reports whether Start has run and Stop has not.
func (s *Server) IsActive() bool { return s.active }

// Start runs the hub event loop and, when enabled, the Redis bridge.
func (s *Server) Start() error {
	go s.hub.Run()

	if s.cfg.Redis {
		if err := s.initBridge(); err != nil {
			// Redis is optional: without it the relay runs standalone.
			s.logger.Warn().Err(err).Msg("redis bridge unavailable, running standalone")
		}
	}

	s.active = true
	s.logger.Info().Str("path", s.cfg.Path).Msg("relay started")
	return nil
}

func (s *Server) initBridge() error {
	cfg, err := bridge.RedisConfigFromEnv()
	if err != nil {
		return err
	}
	rb := bridge.NewRedisBridge(cfg, s.hub, s.logger)
	if err := rb.Start(); err != nil {
		return err
	}

	s.bridge = rb
	s.hub.SetBridge(rb)
	s.logger.Info().Str("redis_addr", cfg.Addr).Msg("redis bridge connected")
	return nil
}

// Handler routes websocket upgrades on the configured path and everything
// else to the admin routes.
func (s *Server) Handler() fasthttp.RequestHandler {
	upgrade := s.FastHTTPHandler()
	routes := s.app.Handler()
	return func(ctx *fasthttp.RequestCtx) {
		if string(ctx.Path()) == s.cfg.Path {
			upgrade(ctx)
			return
		}
		routes(ctx)
	}
}

// Serve accepts connections on ln until Stop.
func (s *Server) Serve(ln net.Listener) error {
	s.logger.Info().Str("addr", ln.Addr().String()).Msg("relay listening")
	return s.http.Serve(ln)
}

// ListenAndServe listens on the configured address.
func (s *Server) ListenAndServe() error {
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return err
	}
	return s.Serve(ln)
}

// Stop closes every client and shuts down the listener and the bridge.
func (s *Server) Stop() error {
	s.hub.Stop()
	err := s.http.Shutdown()
	if s.bridge != nil {
		if berr := s.bridge.Stop(); berr != nil {
			s.logger.Error().Err(berr).Msg("bridge stop error")
		}
		s.bridge = nil
	}
	s.active = false
	return err
}
