package daemon

import (
	"context"
	"encoding/json"
	"time"

	"go.uber.org/zap"

	"github.com/lanlink/lanlinkd/internal/device"
	"github.com/lanlink/lanlinkd/internal/ipc"
	"github.com/lanlink/lanlinkd/internal/protocol"
)

const controlTimeout = 30 * time.Second

// DeviceSummary is the device listing shape returned over the control
// socket.
type DeviceSummary struct {
	ID              string `json:"id"`
	Name            string `json:"name"`
	Type            string `json:"type"`
	ConnectionState string `json:"connection_state"`
	PairStatus      string `json:"pair_status"`
	Trusted         bool   `json:"trusted"`
	Host            string `json:"host,omitempty"`
	Fingerprint     string `json:"fingerprint,omitempty"`
	LastSeen        string `json:"last_seen,omitempty"`
}

func summarize(d device.Device) DeviceSummary {
	s := DeviceSummary{
		ID:              d.Info.ID,
		Name:            d.Info.Name,
		Type:            string(d.Info.Type),
		ConnectionState: string(d.ConnectionState),
		PairStatus:      string(d.PairStatus),
		Trusted:         d.Trusted,
		Host:            d.Host,
		Fingerprint:     d.CertFingerprint,
	}
	if !d.LastSeen.IsZero() {
		s.LastSeen = d.LastSeen.Format(time.RFC3339)
	}
	return s
}

// serveControl runs the unix-socket control server for the daemon's
// lifetime.
func (d *Daemon) serveControl(ctx context.Context) {
	defer d.wg.Done()
	path := ipc.SocketPath(d.cfg.SystemPaths.BaseDir)
	if err := ipc.Serve(ctx, path, d.handleControl); err != nil {
		d.logger.Error("control socket failed", zap.Error(err))
	}
}

func (d *Daemon) handleControl(req *ipc.Request) *ipc.Response {
	ctx, cancel := context.WithTimeout(context.Background(), controlTimeout)
	defer cancel()

	switch req.Command {
	case "devices":
		devs := d.Devices()
		out := make([]DeviceSummary, 0, len(devs))
		for _, dev := range devs {
			out = append(out, summarize(dev))
		}
		return ipc.Ok(out)

	case "connect":
		id := req.Args["device"]
		if id == "" {
			return ipc.Errorf("connect requires a device id")
		}
		if err := d.Connect(ctx, id); err != nil {
			return ipc.Errorf("%v", err)
		}
		return ipc.Ok(nil)

	case "disconnect":
		id := req.Args["device"]
		if id == "" {
			return ipc.Errorf("disconnect requires a device id")
		}
		if err := d.Disconnect(id); err != nil {
			return ipc.Errorf("%v", err)
		}
		return ipc.Ok(nil)

	case "pair":
		id := req.Args["device"]
		if id == "" {
			return ipc.Errorf("pair requires a device id")
		}
		if err := d.Pair(ctx, id); err != nil {
			return ipc.Errorf("%v", err)
		}
		return ipc.Ok(nil)

	case "confirm":
		id := req.Args["device"]
		if id == "" {
			return ipc.Errorf("confirm requires a device id")
		}
		accept := req.Args["accept"] != "false"
		if err := d.ConfirmPairing(id, accept); err != nil {
			return ipc.Errorf("%v", err)
		}
		return ipc.Ok(nil)

	case "unpair":
		id := req.Args["device"]
		if id == "" {
			return ipc.Errorf("unpair requires a device id")
		}
		if err := d.Unpair(id); err != nil {
			return ipc.Errorf("%v", err)
		}
		return ipc.Ok(nil)

	case "ping":
		id := req.Args["device"]
		if id == "" {
			return ipc.Errorf("ping requires a device id")
		}
		pkt := protocol.NewPingPacket()
		if msg := req.Args["message"]; msg != "" {
			var err error
			pkt, err = protocol.New(protocol.TypePing, map[string]string{"message": msg})
			if err != nil {
				return ipc.Errorf("%v", err)
			}
		}
		if err := d.SendPacket(ctx, id, pkt); err != nil {
			return ipc.Errorf("%v", err)
		}
		return ipc.Ok(nil)

	case "send":
		id := req.Args["device"]
		typ := req.Args["type"]
		if id == "" || typ == "" {
			return ipc.Errorf("send requires a device id and a packet type")
		}
		body := map[string]any{}
		if raw := req.Args["body"]; raw != "" {
			if err := json.Unmarshal([]byte(raw), &body); err != nil {
				return ipc.Errorf("body is not a JSON object: %v", err)
			}
		}
		pkt, err := protocol.New(typ, body)
		if err != nil {
			return ipc.Errorf("%v", err)
		}
		if err := d.SendPacket(ctx, id, pkt); err != nil {
			return ipc.Errorf("%v", err)
		}
		return ipc.Ok(nil)

	default:
		return ipc.Errorf("unknown command %q", req.Command)
	}
}
