package codec

import (
	"errors"
	"fmt"

	json "github.com/goccy/go-json"
	"github.com/orchestra-mcp/realtime/src/types"
	"github.com/vmihailenco/msgpack/v5"
)

// ErrUnknownCodec is returned by ByName for unsupported codec names.
var ErrUnknownCodec = errors.New("unknown codec")

// Codec encodes packets into websocket frames.
type Codec interface {
	Name() string
	// Binary reports whether frames are sent as binary websocket messages.
	Binary() bool
	Marshal(p types.Packet) ([]byte, error)
	Unmarshal(data []byte, p *types.Packet) error
}

// ByName returns the codec registered under name.
func ByName(name string) (Codec, error) {
	switch name {
	case "", "json":
		return JSON{}, nil
	case "msgpack":
		return MsgPack{}, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownCodec, name)
	}
}

// JSON encodes packets as JSON text frames.
type JSON struct{}

func (JSON) Name() string { return "json" }
func (JSON) Binary() bool { return false }

func (JSON) Marshal(p types.Packet) ([]byte, error) { return json.Marshal(p) }

func (JSON) Unmarshal(data []byte, p *types.Packet) error { return json.Unmarshal(data, p) }

// MsgPack encodes packets as msgpack binary frames.
type MsgPack struct{}

func (MsgPack) Name() string { return "msgpack" }
func (MsgPack) Binary() bool { return true }

func (MsgPack) Marshal(p types.Packet) ([]byte, error) { return msgpack.Marshal(p) }

func (MsgPack) Unmarshal(data []byte, p *types.Packet) error { return msgpack.Unmarshal(data, p) }
