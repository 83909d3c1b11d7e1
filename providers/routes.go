package providers

import (
	"strings"
	"time"

	"github.com/fasthttp/websocket"
	"github.com/gofiber/fiber/v3"
	"github.com/google/uuid"
	"github.com/orchestra-mcp/realtime/src/bridge"
	"github.com/orchestra-mcp/realtime/src/codec"
	"github.com/orchestra-mcp/realtime/src/hub"
	"github.com/orchestra-mcp/realtime/src/transport"
	"github.com/valyala/fasthttp"
)

// RegisterRoutes registers the relay admin routes.
// The websocket upgrade is served by FastHTTPHandler since Fiber v3 does
// not expose *fasthttp.RequestCtx.
func (s *Server) RegisterRoutes(group fiber.Router) {
	group.Get("/ws/info", s.handleInfo)
	group.Get("/ws/clients", s.handleClients)
	group.Get("/ws/channels", s.handleChannels)
	group.Post("/ws/publish", s.handlePublish)
}

func (s *Server) handleInfo(c fiber.Ctx) error {
	info := fiber.Map{
		"websocket": true,
		"endpoint":  s.cfg.Path,
		"clients":   s.hub.ClientCount(),
		"channels":  len(s.hub.Channels()),
		"bridge":    s.bridge != nil && s.bridge.Available(),
	}
	if rb, ok := s.bridge.(*bridge.RedisBridge); ok {
		info["bridge_stats"] = rb.Stats()
	}
	return c.JSON(info)
}

// FastHTTPHandler returns a raw fasthttp handler for websocket upgrades.
// The handshake query carries the codec and the session params, e.g.
// user_id and role.
func (s *Server) FastHTTPHandler() fasthttp.RequestHandler {
	return func(ctx *fasthttp.RequestCtx) {
		upgrade := string(ctx.Request.Header.Peek("Upgrade"))
		if !strings.EqualFold(upgrade, "websocket") {
			ctx.SetStatusCode(fasthttp.StatusUpgradeRequired)
			ctx.SetBodyString(`{"error":"upgrade_required","message":"WebSocket upgrade required"}`)
			return
		}

		c, err := codec.ByName(string(ctx.QueryArgs().Peek("codec")))
		if err != nil {
			ctx.SetStatusCode(fasthttp.StatusBadRequest)
			ctx.SetBodyString(`{"error":"unknown_codec"}`)
			return
		}
		params := handshakeParams(ctx.QueryArgs())
		clientID := uuid.New().String()

		err = s.upgrader.Upgrade(ctx, func(ws *websocket.Conn) {
			s.keepalive(ws)
			client := hub.NewClient(clientID, transport.NewPacketConn(ws, c, s.cfg.WriteTimeout), s.hub, params)
			s.hub.Register(client)
			go client.WritePump()
			client.ReadPump()
		})
		if err != nil {
			s.logger.Error().Err(err).Msg("websocket upgrade failed")
		}
	}
}

func handshakeParams(args *fasthttp.Args) map[string]string {
	params := make(map[string]string)
	args.VisitAll(func(k, v []byte) {
		if key := string(k); key != "codec" {
			params[key] = string(v)
		}
	})
	return params
}

// keepalive pings the peer every PingInterval and drops it when no pong
// arrives within two intervals.
func (s *Server) keepalive(ws *websocket.Conn) {
	interval := s.cfg.PingInterval
	if interval <= 0 {
		return
	}
	wait := 2 * interval
	_ = ws.SetReadDeadline(time.Now().Add(wait))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(wait))
	})

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for range ticker.C {
			if err := ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(s.cfg.WriteTimeout)); err != nil {
				return
			}
		}
	}()
}
