package store

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/guycorbaz/opcgw/config"
	"github.com/guycorbaz/opcgw/errors"
	"github.com/guycorbaz/opcgw/types"
)

func testConfig() *config.Config {
	return &config.Config{
		Applications: []config.ApplicationConfig{
			{
				ApplicationID: "a1",
				Devices: []config.DeviceConfig{
					{
						DeviceID: "d1",
						Metrics: []config.MetricConfig{
							{Name: "temperature", ChirpstackName: "temp", Kind: "float"},
							{Name: "count", ChirpstackName: "cnt", Kind: "int"},
						},
					},
				},
			},
			{
				ApplicationID: "a2",
				Devices: []config.DeviceConfig{
					{
						DeviceID: "d2",
						Metrics: []config.MetricConfig{
							{Name: "enabled", ChirpstackName: "en", Kind: "bool"},
						},
					},
				},
			},
		},
	}
}

func TestKeysFixedAtStartup(t *testing.T) {
	s := New(testConfig())
	assert.Equal(t, 3, s.Keys())

	// Operations never add or remove keys.
	require.NoError(t, s.Set("d1", "temp", types.FloatValue(1.5)))
	assert.Error(t, s.Set("d1", "unknown", types.FloatValue(1)))
	_, err := s.Get("d9", "temp")
	assert.Error(t, err)
	assert.Equal(t, 3, s.Keys())
}

func TestGetBeforeFirstPoll(t *testing.T) {
	s := New(testConfig())

	tv, err := s.Get("d1", "temp")
	require.NoError(t, err)
	assert.Nil(t, tv.Value)
	assert.Equal(t, s.CreatedAt(), tv.At)
}

func TestSetAndGetRoundTrip(t *testing.T) {
	s := New(testConfig())

	before := time.Now()
	require.NoError(t, s.Set("d1", "temp", types.FloatValue(23.4)))

	tv, err := s.Get("d1", "temp")
	require.NoError(t, err)
	assert.Equal(t, types.FloatValue(23.4), tv.Value)
	assert.False(t, tv.At.Before(before))
}

func TestUnknownKey(t *testing.T) {
	s := New(testConfig())

	_, err := s.Get("d1", "nope")
	assert.ErrorIs(t, err, errors.ErrUnknownKey)

	err = s.Set("d1", "nope", types.FloatValue(1))
	assert.ErrorIs(t, err, errors.ErrUnknownKey)
}

func TestKindMismatch(t *testing.T) {
	s := New(testConfig())

	err := s.Set("d1", "temp", types.StringValue("x"))
	assert.ErrorIs(t, err, errors.ErrKindMismatch)

	err = s.Set("d2", "en", types.IntValue(1))
	assert.ErrorIs(t, err, errors.ErrKindMismatch)

	err = s.Set("d1", "temp", nil)
	assert.ErrorIs(t, err, errors.ErrKindMismatch)

	// A rejected write leaves the prior value untouched.
	require.NoError(t, s.Set("d1", "temp", types.FloatValue(5)))
	_ = s.Set("d1", "temp", types.BoolValue(true))
	tv, err := s.Get("d1", "temp")
	require.NoError(t, err)
	assert.Equal(t, types.FloatValue(5), tv.Value)
}

func TestKind(t *testing.T) {
	s := New(testConfig())

	k, err := s.Kind("d1", "cnt")
	require.NoError(t, err)
	assert.Equal(t, types.KindInt, k)

	_, err = s.Kind("d1", "nope")
	assert.ErrorIs(t, err, errors.ErrUnknownKey)
}

func TestHealthTransitions(t *testing.T) {
	s := New(testConfig())

	h := s.Health()
	assert.False(t, h.Reachable)
	assert.True(t, h.ProbedAt.IsZero())

	s.SetHealth(true, 15*time.Millisecond)
	h = s.Health()
	assert.True(t, h.Reachable)
	assert.Equal(t, 15*time.Millisecond, h.RoundTrip)
	assert.False(t, h.ProbedAt.IsZero())

	s.SetHealth(false, 0)
	assert.False(t, s.Health().Reachable)
}

func TestFailedPollDoesNotClobber(t *testing.T) {
	s := New(testConfig())
	require.NoError(t, s.Set("d1", "temp", types.FloatValue(1.0)))

	// An unreachable tick only updates health; values stay.
	s.SetHealth(false, 0)

	tv, err := s.Get("d1", "temp")
	require.NoError(t, err)
	assert.Equal(t, types.FloatValue(1.0), tv.Value)
}

func TestSnapshot(t *testing.T) {
	s := New(testConfig())
	require.NoError(t, s.Set("d2", "en", types.BoolValue(true)))

	snap := s.Snapshot()
	assert.Len(t, snap, 3)
	assert.Equal(t, types.BoolValue(true), snap[Key{DeviceID: "d2", MetricName: "en"}].Value)
}

func TestCommandQueueFIFO(t *testing.T) {
	s := New(testConfig())

	_, ok := s.DequeueCommand()
	assert.False(t, ok)

	require.NoError(t, s.EnqueueCommand(types.DeviceCommand{DeviceID: "d1", FPort: 10, Data: []byte{1}}))
	require.NoError(t, s.EnqueueCommand(types.DeviceCommand{DeviceID: "d1", FPort: 10, Data: []byte{2}}))

	cmd, ok := s.DequeueCommand()
	require.True(t, ok)
	assert.Equal(t, []byte{1}, cmd.Data)

	cmd, ok = s.DequeueCommand()
	require.True(t, ok)
	assert.Equal(t, []byte{2}, cmd.Data)

	_, ok = s.DequeueCommand()
	assert.False(t, ok)
}

func TestCommandQueueRejectsReservedPort(t *testing.T) {
	s := New(testConfig())
	err := s.EnqueueCommand(types.DeviceCommand{DeviceID: "d1", FPort: 0})
	require.Error(t, err)
	assert.True(t, errors.IsInvalid(err))
}

func TestCommandQueueBounded(t *testing.T) {
	s := New(testConfig())
	for i := 0; i < maxPendingCommands; i++ {
		require.NoError(t, s.EnqueueCommand(types.DeviceCommand{DeviceID: "d1", FPort: 1}))
	}
	err := s.EnqueueCommand(types.DeviceCommand{DeviceID: "d1", FPort: 1})
	assert.ErrorIs(t, err, errors.ErrQueueFull)
}

func TestConcurrentReadersAndWriters(t *testing.T) {
	s := New(testConfig())

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(2)
		go func(n int) {
			defer wg.Done()
			for j := 0; j < 200; j++ {
				_ = s.Set("d1", "temp", types.FloatValue(float64(n*1000+j)))
				s.SetHealth(j%2 == 0, time.Duration(j)*time.Millisecond)
			}
		}(i)
		go func() {
			defer wg.Done()
			for j := 0; j < 200; j++ {
				tv, err := s.Get("d1", "temp")
				require.NoError(t, err)
				if tv.Value != nil {
					// A reader sees a well-formed float, never a torn write.
					assert.Equal(t, types.KindFloat, tv.Value.Kind())
				}
				s.Health()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 3, s.Keys())
}

func TestManyMetricsKeyStability(t *testing.T) {
	cfg := &config.Config{}
	app := config.ApplicationConfig{ApplicationID: "a"}
	for i := 0; i < 10; i++ {
		dev := config.DeviceConfig{DeviceID: fmt.Sprintf("dev-%d", i)}
		for j := 0; j < 5; j++ {
			dev.Metrics = append(dev.Metrics, config.MetricConfig{
				Name:           fmt.Sprintf("m-%d", j),
				ChirpstackName: fmt.Sprintf("cs-%d", j),
				Kind:           "float",
			})
		}
		app.Devices = append(app.Devices, dev)
	}
	cfg.Applications = []config.ApplicationConfig{app}

	s := New(cfg)
	assert.Equal(t, 50, s.Keys())
}
