package providers

import (
	"sort"

	"github.com/gofiber/fiber/v3"
	"github.com/orchestra-mcp/realtime/src/types"
	"github.com/samber/lo"
)

// publishRequest is the body of POST /ws/publish.
type publishRequest struct {
	Room  string        `json:"room"`
	Event string        `json:"event"`
	Data  types.Payload `json:"data"`
}

func (s *Server) handleClients(c fiber.Ctx) error {
	infos := lo.FilterMap(s.hub.ConnectedClients(), func(id string, _ int) (types.ClientInfo, bool) {
		info := s.hub.ClientInfo(id)
		if info == nil {
			return types.ClientInfo{}, false
		}
		sort.Strings(info.Channels)
		return *info, true
	})
	return c.JSON(fiber.Map{
		"clients": infos,
		"count":   len(infos),
	})
}

func (s *Server) handleChannels(c fiber.Ctx) error {
	channels := s.hub.Channels()
	names := lo.Keys(channels)
	sort.Strings(names)
	result := lo.Map(names, func(name string, _ int) fiber.Map {
		return fiber.Map{"channel": name, "subscribers": channels[name]}
	})
	return c.JSON(fiber.Map{"channels": result, "count": len(result)})
}

func (s *Server) handlePublish(c fiber.Ctx) error {
	var req publishRequest
	if err := c.Bind().JSON(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid_body", "message": err.Error()})
	}
	if req.Room == "" || req.Event == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid_body", "message": "room and event are required"})
	}
	if req.Data == nil {
		req.Data = types.Payload{}
	}
	s.hub.Publish(req.Room, req.Event, req.Data)
	return c.JSON(fiber.Map{"published": true, "room": req.Room, "event": req.Event})
}
