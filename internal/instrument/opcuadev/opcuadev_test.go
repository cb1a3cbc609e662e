package opcuadev

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/gopcua/opcua/ua"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/sweeplab/internal/monitoring"
	"github.com/banshee-data/sweeplab/internal/param"
)

// fakeServer holds node values keyed by node id string.
type fakeServer struct {
	mu       sync.Mutex
	values   map[string]any
	readOnly map[string]bool
	readErr  error
	closed   bool
}

func (f *fakeServer) Read(_ context.Context, req *ua.ReadRequest) (*ua.ReadResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.readErr != nil {
		return nil, f.readErr
	}
	resp := &ua.ReadResponse{}
	for _, n := range req.NodesToRead {
		v, ok := f.values[n.NodeID.String()]
		if !ok {
			resp.Results = append(resp.Results, &ua.DataValue{Status: ua.StatusBadNodeIDUnknown})
			continue
		}
		variant, err := ua.NewVariant(v)
		if err != nil {
			return nil, err
		}
		resp.Results = append(resp.Results, &ua.DataValue{EncodingMask: ua.DataValueValue, Value: variant, Status: ua.StatusOK})
	}
	return resp, nil
}

func (f *fakeServer) Write(_ context.Context, req *ua.WriteRequest) (*ua.WriteResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	resp := &ua.WriteResponse{}
	for _, w := range req.NodesToWrite {
		id := w.NodeID.String()
		if f.readOnly[id] {
			resp.Results = append(resp.Results, ua.StatusBadNotWritable)
			continue
		}
		f.values[id] = w.Value.Value.Value()
		resp.Results = append(resp.Results, ua.StatusOK)
	}
	return resp, nil
}

func (f *fakeServer) Close(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func newDevice(t *testing.T) (*Device, *fakeServer) {
	t.Helper()
	srv := &fakeServer{
		values: map[string]any{
			"ns=2;s=Gate1":   float64(0),
			"ns=2;s=Current": float32(1.5),
			"ns=2;s=Mode":    "dc",
		},
		readOnly: map[string]bool{"ns=2;s=Current": true},
	}
	d, err := New("plc", srv, map[string]string{
		"gate1":   "ns=2;s=Gate1",
		"current": "ns=2;s=Current",
		"mode":    "ns=2;s=Mode",
		"ghost":   "ns=2;s=Ghost",
	}, monitoring.Logger{Out: t.Logf})
	require.NoError(t, err)
	return d, srv
}

func handle(t *testing.T, d *Device, ch string) *param.Handle {
	t.Helper()
	b, err := d.Binding(ch)
	require.NoError(t, err)
	return param.NewHandle(param.Key{Terminal: ch, Parameter: "value"}, param.KindDynamic, b, nil)
}

func TestReadWrite(t *testing.T) {
	d, srv := newDevice(t)
	ctx := context.Background()
	assert.Equal(t, []string{"current", "gate1", "ghost", "mode"}, d.Channels())

	gate := handle(t, d, "gate1")
	require.NoError(t, gate.Set(ctx, 0.4))
	assert.Equal(t, 0.4, srv.values["ns=2;s=Gate1"])
	v, err := gate.GetFloat(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0.4, v)

	cur, err := handle(t, d, "current").GetFloat(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1.5, cur)

	mode, err := handle(t, d, "mode").Get(ctx)
	require.NoError(t, err)
	assert.Equal(t, "dc", mode)

	require.NoError(t, handle(t, d, "gate1").Set(ctx, 2))
	assert.Equal(t, 2.0, srv.values["ns=2;s=Gate1"], "integers are written as doubles")

	require.NoError(t, d.Close())
	assert.True(t, srv.closed)
}

func TestErrors(t *testing.T) {
	d, srv := newDevice(t)
	ctx := context.Background()

	err := handle(t, d, "current").Set(ctx, 3.0)
	assert.ErrorIs(t, err, ua.StatusBadNotWritable)

	_, err = handle(t, d, "ghost").Get(ctx)
	assert.ErrorIs(t, err, ua.StatusBadNodeIDUnknown)

	srv.readErr = errors.New("session closed")
	_, err = handle(t, d, "gate1").Get(ctx)
	assert.ErrorContains(t, err, "session closed")

	_, err = d.Binding("missing")
	assert.ErrorIs(t, err, param.ErrMapping)

	_, err = New("plc", srv, map[string]string{"x": "not a node id"}, monitoring.Logger{})
	assert.ErrorIs(t, err, param.ErrMapping)
}

func TestParseNodeID(t *testing.T) {
	for _, id := range []string{"ns=2;s=Gate1", "i=85", "ns=1;i=1001", "ns=3;g=5eac051c-c313-43d7-b790-24aa2c3cfd37", "ns=4;b=Z2F0ZQ=="} {
		_, err := parseNodeID(id)
		assert.NoError(t, err, id)
	}
	for _, id := range []string{"", "not a node id", "Gate1", "ns=2", "ns=x;s=Gate1", "ns=2;Gate1", "ns=2;q=Gate1", "s=", "ns=70000;i=1"} {
		_, err := parseNodeID(id)
		assert.Error(t, err, id)
	}
}

func TestSecurityNormalisation(t *testing.T) {
	assert.Equal(t, "None", normalizeSecurityMode(""))
	assert.Equal(t, "Sign", normalizeSecurityMode("SIGN"))
	assert.Equal(t, "SignAndEncrypt", normalizeSecurityMode("sign+encrypt"))
	assert.Equal(t, "None", normalizeSecurityPolicy(""))
	assert.Equal(t, "Basic256Sha256", normalizeSecurityPolicy("Basic256Sha256"))
}
