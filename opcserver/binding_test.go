package opcserver

import (
	"testing"
	"time"

	"github.com/gopcua/opcua/ua"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/guycorbaz/opcgw/config"
	"github.com/guycorbaz/opcgw/store"
	"github.com/guycorbaz/opcgw/types"
)

func bindingConfig() *config.Config {
	return &config.Config{
		OpcUa: config.OpcUaConfig{NamespaceURI: "urn:opcgw:test"},
		Applications: []config.ApplicationConfig{
			{
				ApplicationID:   "a1",
				ApplicationName: "Building",
				Devices: []config.DeviceConfig{
					{
						DeviceID:   "d1",
						DeviceName: "Sensor 01",
						Metrics: []config.MetricConfig{
							{Name: "temperature", ChirpstackName: "temp", Kind: "float", Unit: "°C", Writable: true},
							{Name: "count", ChirpstackName: "cnt", Kind: "int"},
							{Name: "enabled", ChirpstackName: "en", Kind: "bool", Writable: true, Command: "set_enabled"},
							{Name: "label", ChirpstackName: "lbl", Kind: "string"},
						},
						Commands: []config.CommandConfig{
							{Name: "set_enabled", FPort: 10, Confirmed: true},
						},
					},
				},
			},
		},
	}
}

func newBindingFixture(t *testing.T) (*Binding, *store.Store, map[string]Variable) {
	t.Helper()
	cfg := bindingConfig()
	st := store.New(cfg)
	b := NewBinding(cfg, st, nil, nil)

	vars := make(map[string]Variable)
	for _, v := range BuildSpace(cfg).Variables() {
		vars[v.BrowseName] = v
	}
	return b, st, vars
}

func TestReadNeverPopulated(t *testing.T) {
	b, st, vars := newBindingFixture(t)
	st.SetHealth(true, time.Millisecond)

	rr := b.Read(vars["temperature"])
	assert.Equal(t, float64(0), rr.Value)
	assert.Equal(t, ua.StatusUncertainNoCommunicationLastUsableValue, rr.Status)
	assert.Equal(t, st.CreatedAt(), rr.SourceTime)

	rr = b.Read(vars["count"])
	assert.Equal(t, int32(0), rr.Value)
	assert.NotEqual(t, ua.StatusOK, rr.Status)

	rr = b.Read(vars["enabled"])
	assert.Equal(t, false, rr.Value)

	rr = b.Read(vars["label"])
	assert.Equal(t, "", rr.Value)
}

func TestReadPopulatedGood(t *testing.T) {
	b, st, vars := newBindingFixture(t)
	st.SetHealth(true, time.Millisecond)

	require.NoError(t, st.Set("d1", "temp", types.FloatValue(1.5)))
	rr := b.Read(vars["temperature"])
	assert.Equal(t, 1.5, rr.Value)
	assert.Equal(t, ua.StatusOK, rr.Status)
	assert.False(t, rr.SourceTime.IsZero())

	require.NoError(t, st.Set("d1", "en", types.BoolValue(true)))
	rr = b.Read(vars["enabled"])
	assert.Equal(t, true, rr.Value)
	assert.Equal(t, ua.StatusOK, rr.Status)
}

func TestReadIntWidths(t *testing.T) {
	b, st, vars := newBindingFixture(t)
	st.SetHealth(true, time.Millisecond)

	require.NoError(t, st.Set("d1", "cnt", types.IntValue(7)))
	rr := b.Read(vars["count"])
	assert.Equal(t, int32(7), rr.Value)

	require.NoError(t, st.Set("d1", "cnt", types.IntValue(1<<40)))
	rr = b.Read(vars["count"])
	assert.Equal(t, int64(1<<40), rr.Value)
}

func TestReadStaleWhileUnreachable(t *testing.T) {
	b, st, vars := newBindingFixture(t)
	st.SetHealth(true, time.Millisecond)
	require.NoError(t, st.Set("d1", "temp", types.FloatValue(2.5)))

	st.SetHealth(false, 0)
	rr := b.Read(vars["temperature"])
	// Last-known value survives, but the status degrades.
	assert.Equal(t, 2.5, rr.Value)
	assert.Equal(t, ua.StatusUncertainLastUsableValue, rr.Status)
}

func TestWriteRoundTrip(t *testing.T) {
	b, st, vars := newBindingFixture(t)
	st.SetHealth(true, time.Millisecond)

	v := ua.MustVariant(7.0)
	status := b.Write(vars["temperature"], v)
	require.Equal(t, ua.StatusOK, status)

	rr := b.Read(vars["temperature"])
	assert.Equal(t, 7.0, rr.Value)
	assert.Equal(t, ua.StatusOK, rr.Status)

	// The next poll overwrites the client value.
	require.NoError(t, st.Set("d1", "temp", types.FloatValue(8.5)))
	rr = b.Read(vars["temperature"])
	assert.Equal(t, 8.5, rr.Value)
}

func TestWriteKindMismatch(t *testing.T) {
	b, st, vars := newBindingFixture(t)
	st.SetHealth(true, time.Millisecond)
	require.NoError(t, st.Set("d1", "temp", types.FloatValue(1.0)))

	status := b.Write(vars["temperature"], ua.MustVariant("x"))
	assert.Equal(t, ua.StatusBadTypeMismatch, status)

	// The store keeps the prior value.
	rr := b.Read(vars["temperature"])
	assert.Equal(t, 1.0, rr.Value)
}

func TestWriteNotWritable(t *testing.T) {
	b, _, vars := newBindingFixture(t)
	status := b.Write(vars["count"], ua.MustVariant(int64(3)))
	assert.Equal(t, ua.StatusBadNotWritable, status)
}

func TestWriteNoPayload(t *testing.T) {
	b, _, vars := newBindingFixture(t)
	status := b.Write(vars["temperature"], nil)
	assert.Equal(t, ua.StatusBadDataUnavailable, status)
}

func TestWriteCrossWidth(t *testing.T) {
	cfg := bindingConfig()
	cfg.Applications[0].Devices[0].Metrics[1].Writable = true
	st := store.New(cfg)
	b := NewBinding(cfg, st, nil, nil)

	var count Variable
	for _, v := range BuildSpace(cfg).Variables() {
		if v.BrowseName == "count" {
			count = v
		}
	}

	// An Int32 variant into a declared Int is accepted.
	require.Equal(t, ua.StatusOK, b.Write(count, ua.MustVariant(int32(5))))
	tv, err := st.Get("d1", "cnt")
	require.NoError(t, err)
	assert.Equal(t, types.IntValue(5), tv.Value)

	// A float into a declared Int is a kind mismatch.
	assert.Equal(t, ua.StatusBadTypeMismatch, b.Write(count, ua.MustVariant(5.5)))
}

func TestWriteFloat32IntoFloat(t *testing.T) {
	b, st, vars := newBindingFixture(t)

	require.Equal(t, ua.StatusOK, b.Write(vars["temperature"], ua.MustVariant(float32(2.5))))
	tv, err := st.Get("d1", "temp")
	require.NoError(t, err)
	assert.Equal(t, types.FloatValue(2.5), tv.Value)
}

func TestWriteEnqueuesCommand(t *testing.T) {
	b, st, vars := newBindingFixture(t)

	require.Equal(t, ua.StatusOK, b.Write(vars["enabled"], ua.MustVariant(true)))

	cmd, ok := st.DequeueCommand()
	require.True(t, ok)
	assert.Equal(t, "d1", cmd.DeviceID)
	assert.Equal(t, uint32(10), cmd.FPort)
	assert.True(t, cmd.Confirmed)
	assert.Equal(t, []byte{1}, cmd.Data)
}

func TestWriteWithoutCommandLeavesQueueEmpty(t *testing.T) {
	b, st, vars := newBindingFixture(t)

	require.Equal(t, ua.StatusOK, b.Write(vars["temperature"], ua.MustVariant(1.0)))
	_, ok := st.DequeueCommand()
	assert.False(t, ok)
}

func TestCoerceVariant(t *testing.T) {
	v, ok := coerceVariant(types.KindInt, ua.MustVariant(int16(9)))
	require.True(t, ok)
	assert.Equal(t, types.IntValue(9), v)

	v, ok = coerceVariant(types.KindInt, ua.MustVariant(uint32(9)))
	require.True(t, ok)
	assert.Equal(t, types.IntValue(9), v)

	_, ok = coerceVariant(types.KindInt, ua.MustVariant(true))
	assert.False(t, ok)

	_, ok = coerceVariant(types.KindBool, ua.MustVariant(int32(1)))
	assert.False(t, ok)

	v, ok = coerceVariant(types.KindString, ua.MustVariant("hello"))
	require.True(t, ok)
	assert.Equal(t, types.StringValue("hello"), v)
}

func TestEncodePayload(t *testing.T) {
	assert.Equal(t, []byte{1}, encodePayload(types.BoolValue(true)))
	assert.Equal(t, []byte{0}, encodePayload(types.BoolValue(false)))
	assert.Len(t, encodePayload(types.IntValue(1)), 8)
	assert.Len(t, encodePayload(types.FloatValue(1.5)), 8)
	assert.Equal(t, []byte("on"), encodePayload(types.StringValue("on")))
}

func TestKindFidelityAcrossAllVariables(t *testing.T) {
	b, st, vars := newBindingFixture(t)
	st.SetHealth(true, time.Millisecond)

	require.NoError(t, st.Set("d1", "temp", types.FloatValue(3.3)))
	require.NoError(t, st.Set("d1", "cnt", types.IntValue(3)))
	require.NoError(t, st.Set("d1", "en", types.BoolValue(true)))
	require.NoError(t, st.Set("d1", "lbl", types.StringValue("ok")))

	for name, v := range vars {
		rr := b.Read(v)
		switch v.Kind {
		case types.KindFloat:
			assert.IsType(t, float64(0), rr.Value, name)
		case types.KindInt:
			assert.IsType(t, int32(0), rr.Value, name)
		case types.KindBool:
			assert.IsType(t, false, rr.Value, name)
		case types.KindString:
			assert.IsType(t, "", rr.Value, name)
		}
	}
}
