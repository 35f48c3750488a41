package sensors

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"veloride/engine/models"
)

func dataEvent(device string) models.SensorEvent {
	p := uint16(200)
	return models.Data(models.Reading{DeviceID: device, Kind: models.SensorPower, PowerWatts: &p})
}

func TestSubmitAndDrainPreservesOrder(t *testing.T) {
	s := New(8, nil)
	s.Submit(dataEvent("a"))
	s.Submit(models.ConnectionChanged("a", models.ConnConnected))
	s.Submit(dataEvent("b"))

	got := s.Drain()
	require.Len(t, got, 3)
	assert.Equal(t, models.EventData, got[0].Kind)
	assert.Equal(t, models.EventConnectionChanged, got[1].Kind)
	assert.Equal(t, "b", got[2].DeviceID)

	assert.Nil(t, s.Drain(), "second drain finds nothing")
}

func TestOverflowDropsOldestDataForDevice(t *testing.T) {
	s := New(2, nil)
	s.Submit(dataEvent("a"))
	s.Submit(dataEvent("b"))
	s.Submit(dataEvent("a")) // evicts the first "a" sample

	got := s.Drain()
	require.Len(t, got, 2)
	assert.Equal(t, "b", got[0].DeviceID)
	assert.Equal(t, "a", got[1].DeviceID)
	assert.Equal(t, uint64(1), s.Stats().Dropped)
}

func TestOverflowNeverDropsConnectionChanged(t *testing.T) {
	s := New(2, nil)
	s.Submit(models.ConnectionChanged("a", models.ConnConnected))
	s.Submit(models.ConnectionChanged("b", models.ConnConnected))

	// A full buffer of connection events still accepts another one.
	s.Submit(models.ConnectionChanged("c", models.ConnDisconnected))
	got := s.Drain()
	require.Len(t, got, 3)

	// But a Data event arriving into a full all-connection buffer is the
	// one discarded.
	s.Submit(models.ConnectionChanged("a", models.ConnConnected))
	s.Submit(models.ConnectionChanged("b", models.ConnConnected))
	s.Submit(dataEvent("a"))
	got = s.Drain()
	require.Len(t, got, 2)
	for _, ev := range got {
		assert.Equal(t, models.EventConnectionChanged, ev.Kind)
	}
}

func TestOverflowPrefersDataOverBookkeeping(t *testing.T) {
	s := New(2, nil)
	s.Submit(models.Discovered(models.SensorDesc{DeviceID: "x", Kind: models.SensorPower}))
	s.Submit(dataEvent("y"))
	s.Submit(models.TransportError("radio glitch"))

	got := s.Drain()
	require.Len(t, got, 2)
	assert.Equal(t, models.EventDiscovered, got[0].Kind)
	assert.Equal(t, models.EventError, got[1].Kind)
}

func TestConcurrentSubmit(t *testing.T) {
	s := New(DefaultCapacity, nil)
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			dev := fmt.Sprintf("dev-%d", n)
			for j := 0; j < 200; j++ {
				s.Submit(dataEvent(dev))
			}
		}(i)
	}
	wg.Wait()

	stats := s.Stats()
	assert.Equal(t, uint64(1600), stats.Submitted)
	assert.Equal(t, stats.Pending, int(stats.Submitted-stats.Dropped))
}
