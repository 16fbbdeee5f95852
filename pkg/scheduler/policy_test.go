package scheduler

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/psantana5/edgedash/pkg/models"
)

func endpoint(id string, jobs, completed int, hw *models.HardwareProfile) models.Endpoint {
	e := models.NewEndpoint(id, id)
	e.State = models.StateConnected
	for i := 0; i < jobs; i++ {
		e.AddJob(id + "-job")
	}
	e.CompletedCount = completed
	e.Hardware = hw
	return *e
}

func TestEveryPolicyReturnsMember(t *testing.T) {
	sets := [][]models.Endpoint{
		{endpoint("A", 0, 0, nil)},
		{endpoint("A", 1, 3, nil), endpoint("B", 2, 1, &models.HardwareProfile{CPUCores: 4})},
		{
			endpoint("A", 0, 0, &models.HardwareProfile{CPUFreqHz: 1800, CPUCores: 8, RAMAvail: 10}),
			endpoint("B", 3, 9, nil),
			endpoint("C", 0, 4, &models.HardwareProfile{CPUFreqHz: 2400, BatteryPercent: 70}),
		},
	}

	for _, key := range Keys() {
		for _, set := range sets {
			for count := 0; count < 5; count++ {
				got, ok := Select(key, set, count)
				require.True(t, ok, "policy %s returned none", key)

				member := false
				for _, e := range set {
					if e.ID == got.ID {
						member = true
					}
				}
				assert.True(t, member, "policy %s returned foreign endpoint %s", key, got.ID)
			}
		}
	}
}

func TestSelectEmpty(t *testing.T) {
	for _, key := range Keys() {
		_, ok := Select(key, nil, 0)
		assert.False(t, ok, "policy %s selected from an empty set", key)
	}
}

func TestRoundRobin(t *testing.T) {
	set := []models.Endpoint{endpoint("A", 0, 0, nil), endpoint("B", 5, 0, nil), endpoint("C", 0, 0, nil)}

	var got []string
	for count := 0; count < 4; count++ {
		e, ok := Select(RoundRobin, set, count)
		require.True(t, ok)
		got = append(got, e.ID)
	}
	assert.Equal(t, []string{"A", "B", "C", "A"}, got)
}

func TestFastest(t *testing.T) {
	t.Run("idle prefers completed", func(t *testing.T) {
		set := []models.Endpoint{endpoint("low", 0, 2, nil), endpoint("high", 0, 5, nil), endpoint("busy", 1, 50, nil)}
		e, _ := Select(Fastest, set, 0)
		assert.Equal(t, "high", e.ID)
	})

	t.Run("busy prefers fewer jobs", func(t *testing.T) {
		set := []models.Endpoint{endpoint("two", 2, 9, nil), endpoint("one", 1, 1, nil)}
		e, _ := Select(Fastest, set, 0)
		assert.Equal(t, "one", e.ID)
	})

	t.Run("busy tie uses completed", func(t *testing.T) {
		set := []models.Endpoint{endpoint("a", 1, 1, nil), endpoint("b", 1, 3, nil)}
		e, _ := Select(Fastest, set, 0)
		assert.Equal(t, "b", e.ID)
	})

	t.Run("full tie keeps discovery order", func(t *testing.T) {
		set := []models.Endpoint{endpoint("first", 0, 1, nil), endpoint("second", 0, 1, nil)}
		e, _ := Select(Fastest, set, 0)
		assert.Equal(t, "first", e.ID)
	})
}

func TestLeastBusyIgnoresIdleSpecialCase(t *testing.T) {
	set := []models.Endpoint{endpoint("a", 2, 0, nil), endpoint("b", 1, 0, nil), endpoint("c", 1, 7, nil)}
	e, _ := Select(LeastBusy, set, 0)
	assert.Equal(t, "c", e.ID)
}

func TestMetricPolicies(t *testing.T) {
	small := &models.HardwareProfile{CPUFreqHz: 1000, CPUCores: 2, RAMAvail: 1, StorageAvail: 1, BatteryPercent: 10}
	big := &models.HardwareProfile{CPUFreqHz: 3000, CPUCores: 8, RAMAvail: 8, StorageAvail: 8, BatteryPercent: 90}

	for _, key := range []Key{FastestCPU, MostCPUCores, MostRAM, MostStorage, HighestBattery} {
		t.Run(string(key), func(t *testing.T) {
			idle := []models.Endpoint{endpoint("unknown", 0, 9, nil), endpoint("small", 0, 0, small), endpoint("big", 0, 0, big)}
			e, _ := Select(key, idle, 0)
			assert.Equal(t, "big", e.ID)

			// an idle endpoint wins over a better busy one
			mixed := []models.Endpoint{endpoint("big", 1, 0, big), endpoint("small", 0, 0, small)}
			e, _ = Select(key, mixed, 0)
			assert.Equal(t, "small", e.ID)

			busy := []models.Endpoint{endpoint("bigA", 3, 0, big), endpoint("bigB", 1, 0, big), endpoint("small", 1, 0, small)}
			e, _ = Select(key, busy, 0)
			assert.Equal(t, "bigB", e.ID)
		})
	}
}

func TestMaxCapacityFrequencyTolerance(t *testing.T) {
	set := []models.Endpoint{
		endpoint("quad", 0, 0, &models.HardwareProfile{CPUFreqHz: 2000, CPUCores: 4}),
		endpoint("octa", 0, 0, &models.HardwareProfile{CPUFreqHz: 2015, CPUCores: 8}),
	}
	e, _ := Select(MaxCapacity, set, 0)
	assert.Equal(t, "octa", e.ID)

	// outside the tolerance the clock speed decides
	set[0].Hardware = &models.HardwareProfile{CPUFreqHz: 2500, CPUCores: 4}
	e, _ = Select(MaxCapacity, set, 0)
	assert.Equal(t, "quad", e.ID)
}

func TestMaxCapacityBusyRanksCapacityFirst(t *testing.T) {
	set := []models.Endpoint{
		endpoint("strong", 2, 0, &models.HardwareProfile{CPUFreqHz: 3000, CPUCores: 8}),
		endpoint("weak", 1, 0, &models.HardwareProfile{CPUFreqHz: 1000, CPUCores: 2}),
	}
	e, _ := Select(MaxCapacity, set, 0)
	assert.Equal(t, "strong", e.ID)

	// equal capacity falls through to fewest jobs
	set = append(set, endpoint("twin", 1, 0, &models.HardwareProfile{CPUFreqHz: 3000, CPUCores: 8}))
	e, _ = Select(MaxCapacity, set, 0)
	assert.Equal(t, "twin", e.ID)
}

func TestSelectReturnsCopy(t *testing.T) {
	set := []models.Endpoint{endpoint("A", 0, 0, nil)}
	e, _ := Select(Fastest, set, 0)
	e.AddJob("mutated")
	assert.True(t, set[0].Inactive())
}

func TestParseKey(t *testing.T) {
	k, err := ParseKey("max_capacity")
	require.NoError(t, err)
	assert.Equal(t, MaxCapacity, k)

	_, err = ParseKey("random")
	assert.Error(t, err)
	assert.Len(t, Keys(), 9)
}
