// Package opcuadev exposes OPC-UA variable nodes as parameter handles.
package opcuadev

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/gopcua/opcua"
	"github.com/gopcua/opcua/ua"

	"github.com/banshee-data/sweeplab/internal/config"
	"github.com/banshee-data/sweeplab/internal/monitoring"
	"github.com/banshee-data/sweeplab/internal/param"
)

// NodeClient is the part of *opcua.Client the adapter uses.
type NodeClient interface {
	Read(ctx context.Context, req *ua.ReadRequest) (*ua.ReadResponse, error)
	Write(ctx context.Context, req *ua.WriteRequest) (*ua.WriteResponse, error)
	Close(ctx context.Context) error
}

// Device is one OPC-UA server whose nodes back instrument channels.
type Device struct {
	name   string
	client NodeClient
	nodes  map[string]*ua.NodeID
	log    monitoring.Logger
}

// Dial connects to the endpoint in spec.
func Dial(ctx context.Context, name string, spec *config.OPCUASpec, log monitoring.Logger) (*Device, error) {
	if spec == nil || spec.Endpoint == "" {
		return nil, fmt.Errorf("%s: no opcua endpoint", name)
	}
	opts := []opcua.Option{
		opcua.SecurityModeString(normalizeSecurityMode(spec.SecurityMode)),
		opcua.SecurityPolicy(normalizeSecurityPolicy(spec.SecurityPolicy)),
		opcua.ApplicationName("sweeplab"),
	}
	if spec.Username != "" {
		opts = append(opts, opcua.AuthUsername(spec.Username, spec.Password))
	} else {
		opts = append(opts, opcua.AuthAnonymous())
	}

	client, err := opcua.NewClient(spec.Endpoint, opts...)
	if err != nil {
		return nil, fmt.Errorf("opcua new client: %w", err)
	}
	if err := client.Connect(ctx); err != nil {
		return nil, fmt.Errorf("opcua connect %s: %w", spec.Endpoint, err)
	}
	d, err := New(name, client, spec.Nodes, log)
	if err != nil {
		if cerr := client.Close(ctx); cerr != nil {
			log.With("["+name+"]").Warnf("close after failed setup: %v", cerr)
		}
		return nil, err
	}
	d.log.Printf("connected to %s with %d nodes", spec.Endpoint, len(spec.Nodes))
	return d, nil
}

// New wraps an already connected client. nodes maps channel names to node
// ids such as "ns=2;s=Gate1".
func New(name string, client NodeClient, nodes map[string]string, log monitoring.Logger) (*Device, error) {
	d := &Device{
		name:   name,
		client: client,
		nodes:  make(map[string]*ua.NodeID, len(nodes)),
		log:    log.With("[" + name + "]"),
	}
	for ch, id := range nodes {
		nid, err := parseNodeID(id)
		if err != nil {
			return nil, fmt.Errorf("%w: %s channel %s: %v", param.ErrMapping, name, ch, err)
		}
		d.nodes[ch] = nid
	}
	return d, nil
}

// parseNodeID accepts only the explicit "[ns=<index>;]<i|s|g|b>=<id>" form.
// ua.ParseNodeID alone also accepts bare names.
func parseNodeID(id string) (*ua.NodeID, error) {
	rest := id
	if strings.HasPrefix(rest, "ns=") {
		ns, tail, ok := strings.Cut(rest[len("ns="):], ";")
		if !ok {
			return nil, fmt.Errorf("node id %q: missing identifier after namespace", id)
		}
		if _, err := strconv.ParseUint(ns, 10, 16); err != nil {
			return nil, fmt.Errorf("node id %q: invalid namespace %q", id, ns)
		}
		rest = tail
	}
	if len(rest) < 3 || rest[1] != '=' || !strings.ContainsRune("isgb", rune(rest[0])) {
		return nil, fmt.Errorf("node id %q: want i=, s=, g= or b= identifier", id)
	}
	nid, err := ua.ParseNodeID(id)
	if err != nil {
		return nil, fmt.Errorf("parse node id %q: %v", id, err)
	}
	return nid, nil
}

func (d *Device) Name() string { return d.name }

// Channels returns the channel names in sorted order.
func (d *Device) Channels() []string {
	out := make([]string, 0, len(d.nodes))
	for ch := range d.nodes {
		out = append(out, ch)
	}
	sort.Strings(out)
	return out
}

// Binding reads and writes the Value attribute of the channel's node.
func (d *Device) Binding(channel string) (param.Binding, error) {
	id, ok := d.nodes[channel]
	if !ok {
		return param.Binding{}, fmt.Errorf("%w: %s has no channel %q", param.ErrMapping, d.name, channel)
	}
	return param.Binding{
		Instrument: d.name,
		Channel:    channel,
		Get: func(ctx context.Context) (any, error) {
			return d.read(ctx, id)
		},
		Set: func(ctx context.Context, v any) error {
			return d.write(ctx, id, v)
		},
	}, nil
}

func (d *Device) read(ctx context.Context, id *ua.NodeID) (any, error) {
	resp, err := d.client.Read(ctx, &ua.ReadRequest{
		MaxAge:             2000,
		NodesToRead:        []*ua.ReadValueID{{NodeID: id, AttributeID: ua.AttributeIDValue}},
		TimestampsToReturn: ua.TimestampsToReturnBoth,
	})
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", id, err)
	}
	if resp == nil || len(resp.Results) == 0 {
		return nil, fmt.Errorf("read %s: empty result", id)
	}
	res := resp.Results[0]
	if res.Status != ua.StatusOK {
		return nil, fmt.Errorf("read %s: %w", id, res.Status)
	}
	if f, ok := variantToFloat(res.Value); ok {
		return f, nil
	}
	if res.Value == nil {
		return nil, fmt.Errorf("read %s: no value", id)
	}
	return res.Value.Value(), nil
}

func (d *Device) write(ctx context.Context, id *ua.NodeID, v any) error {
	if f, ok := param.AsFloat(v); ok {
		v = f
	}
	variant, err := ua.NewVariant(v)
	if err != nil {
		return fmt.Errorf("write %s: %w", id, err)
	}
	resp, err := d.client.Write(ctx, &ua.WriteRequest{
		NodesToWrite: []*ua.WriteValue{{
			NodeID:      id,
			AttributeID: ua.AttributeIDValue,
			Value: &ua.DataValue{
				EncodingMask: ua.DataValueValue,
				Value:        variant,
			},
		}},
	})
	if err != nil {
		return fmt.Errorf("write %s: %w", id, err)
	}
	if resp == nil || len(resp.Results) == 0 {
		return fmt.Errorf("write %s: empty result", id)
	}
	if resp.Results[0] != ua.StatusOK {
		return fmt.Errorf("write %s: %w", id, resp.Results[0])
	}
	return nil
}

// Close ends the session.
func (d *Device) Close() error {
	return d.client.Close(context.Background())
}

func variantToFloat(v *ua.Variant) (float64, bool) {
	if v == nil {
		return 0, false
	}
	return param.AsFloat(v.Value())
}

func normalizeSecurityMode(mode string) string {
	switch strings.ToLower(mode) {
	case "sign":
		return "Sign"
	case "signandencrypt", "signencrypt", "sign_and_encrypt", "sign+encrypt":
		return "SignAndEncrypt"
	default:
		return "None"
	}
}

func normalizeSecurityPolicy(policy string) string {
	if policy == "" {
		return "None"
	}
	return policy
}
