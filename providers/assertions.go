package providers

import (
	"github.com/orchestra-mcp/realtime/src/bridge"
	"github.com/orchestra-mcp/realtime/src/dedup"
	"github.com/orchestra-mcp/realtime/src/hub"
	"github.com/orchestra-mcp/realtime/src/pool"
	"github.com/orchestra-mcp/realtime/src/rooms"
	"github.com/orchestra-mcp/realtime/src/router"
	"github.com/orchestra-mcp/realtime/src/service"
	"github.com/orchestra-mcp/realtime/src/transport"
	"github.com/orchestra-mcp/realtime/src/types"
)

// Compile-time interface assertions.
var (
	_ bridge.Bridge          = (*bridge.RedisBridge)(nil)
	_ hub.MessageBridge      = (*bridge.RedisBridge)(nil)
	_ bridge.BroadcastTarget = (*hub.Hub)(nil)
	_ transport.Dialer       = (*transport.WSDialer)(nil)
	_ types.Conn             = (*transport.PacketConn)(nil)
	_ router.Transport       = (*transport.Connection)(nil)
	_ router.Deduper         = (*dedup.Deduplicator)(nil)
	_ rooms.Sender           = (*transport.Connection)(nil)
	_ rooms.Lifecycle        = (*transport.Connection)(nil)
	_ pool.Endpoint          = (*service.Session)(nil)
)
