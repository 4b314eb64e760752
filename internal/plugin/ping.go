package plugin

import (
	"context"
	"time"

	"github.com/lanlink/lanlinkd/internal/device"
	"github.com/lanlink/lanlinkd/internal/protocol"
)

// PingPlugin answers kdeconnect.ping probes. Pings carrying a message
// are user-visible notifications and are not answered; bare pings are
// echoed so reachability checks and keepalives complete.
type PingPlugin struct {
	dev device.Info
	out Sender
}

// NewPing is the ping plugin factory.
func NewPing() Plugin { return &PingPlugin{} }

func (p *PingPlugin) Name() string { return "ping" }

func (p *PingPlugin) Capabilities() Capabilities {
	return Capabilities{
		Incoming: []string{protocol.TypePing},
		Outgoing: []string{protocol.TypePing},
	}
}

func (p *PingPlugin) Init(dev device.Info, out Sender) error {
	p.dev = dev
	p.out = out
	return nil
}

type pingBody struct {
	Message string `json:"message,omitempty"`
	Echo    bool   `json:"echo,omitempty"`
}

func (p *PingPlugin) HandlePacket(pkt protocol.Packet) error {
	var body pingBody
	if err := pkt.UnmarshalBody(&body); err != nil {
		return err
	}
	if body.Message != "" || body.Echo {
		return nil
	}
	reply, err := protocol.New(protocol.TypePing, pingBody{Echo: true})
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return p.out.Send(ctx, reply)
}

func (p *PingPlugin) Shutdown() {}
