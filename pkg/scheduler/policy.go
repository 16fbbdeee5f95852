// Package scheduler selects which connected endpoint receives the next analysis job.
//
// Every policy operates on a point-in-time snapshot of the connected endpoints. The
// caller must re-validate that the chosen endpoint is still connected before sending.
package scheduler

import (
	"fmt"
	"sort"

	"github.com/psantana5/edgedash/pkg/models"
)

// Key names a scheduling policy in configuration
type Key string

const (
	RoundRobin     Key = "round_robin"
	Fastest        Key = "fastest"
	LeastBusy      Key = "least_busy"
	FastestCPU     Key = "fastest_cpu"
	MostCPUCores   Key = "most_cpu_cores"
	MostRAM        Key = "most_ram"
	MostStorage    Key = "most_storage"
	HighestBattery Key = "highest_battery"
	MaxCapacity    Key = "max_capacity"
)

// DefaultKey is used when no policy is configured
const DefaultKey = Fastest

// Policy picks an endpoint from the snapshot, returning -1 when none qualifies
type Policy func(endpoints []models.Endpoint, dispatchCount int) int

// Descriptor documents a policy for listings
type Descriptor struct {
	Key         Key
	Description string
	policy      Policy
}

var policies = map[Key]Descriptor{
	RoundRobin: {RoundRobin, "cycle through connected endpoints ignoring load", roundRobin},
	Fastest: {Fastest, "idle endpoint with most completed jobs, else fewest outstanding jobs",
		inactiveFirst(byCompleted, both(fewerJobs, byCompleted))},
	LeastBusy: {LeastBusy, "fewest outstanding jobs, ties by completed jobs",
		func(eps []models.Endpoint, _ int) int { return best(eps, everyEndpoint, both(fewerJobs, byCompleted)) }},
	FastestCPU:     {FastestCPU, "highest CPU clock speed", metricPolicy(cpuFreq)},
	MostCPUCores:   {MostCPUCores, "most CPU cores", metricPolicy(cpuCores)},
	MostRAM:        {MostRAM, "most available RAM", metricPolicy(ramAvail)},
	MostStorage:    {MostStorage, "most available storage", metricPolicy(storageAvail)},
	HighestBattery: {HighestBattery, "highest battery level", metricPolicy(battery)},
	MaxCapacity: {MaxCapacity, "best composite of CPU clock, cores and total RAM",
		inactiveFirst(both(byCapacity, byCompleted), both(byCapacity, both(fewerJobs, byCompleted)))},
}

// ParseKey validates a configured policy name
func ParseKey(s string) (Key, error) {
	k := Key(s)
	if _, ok := policies[k]; !ok {
		return "", fmt.Errorf("unknown scheduling algorithm %q", s)
	}
	return k, nil
}

// Keys returns every known policy key in sorted order
func Keys() []Key {
	keys := make([]Key, 0, len(policies))
	for k := range policies {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
	return keys
}

// Describe returns the descriptor for a known key
func Describe(k Key) (Descriptor, bool) {
	d, ok := policies[k]
	return d, ok
}

// Select applies the policy named by key. It returns a copy of the chosen endpoint,
// or false when endpoints is empty or the key is unknown.
func Select(key Key, endpoints []models.Endpoint, dispatchCount int) (*models.Endpoint, bool) {
	d, ok := policies[key]
	if !ok || len(endpoints) == 0 {
		return nil, false
	}
	idx := d.policy(endpoints, dispatchCount)
	if idx < 0 {
		return nil, false
	}
	chosen := endpoints[idx].Clone()
	return &chosen, true
}

func roundRobin(endpoints []models.Endpoint, dispatchCount int) int {
	if dispatchCount < 0 {
		dispatchCount = -dispatchCount
	}
	return dispatchCount % len(endpoints)
}

// comparator returns a positive number when a is preferred over b
type comparator func(a, b *models.Endpoint) int

func everyEndpoint(*models.Endpoint) bool { return true }
func idle(e *models.Endpoint) bool        { return e.Inactive() }

// best returns the index of the first endpoint passing keep that no later one beats
func best(endpoints []models.Endpoint, keep func(*models.Endpoint) bool, cmp comparator) int {
	chosen := -1
	for i := range endpoints {
		if !keep(&endpoints[i]) {
			continue
		}
		if chosen < 0 || cmp(&endpoints[i], &endpoints[chosen]) > 0 {
			chosen = i
		}
	}
	return chosen
}

func inactiveFirst(idleCmp, busyCmp comparator) Policy {
	return func(endpoints []models.Endpoint, _ int) int {
		if i := best(endpoints, idle, idleCmp); i >= 0 {
			return i
		}
		return best(endpoints, everyEndpoint, busyCmp)
	}
}

func both(first, second comparator) comparator {
	return func(a, b *models.Endpoint) int {
		if c := first(a, b); c != 0 {
			return c
		}
		return second(a, b)
	}
}

func byCompleted(a, b *models.Endpoint) int {
	return a.CompletedCount - b.CompletedCount
}

func fewerJobs(a, b *models.Endpoint) int {
	return b.JobCount() - a.JobCount()
}

func byCapacity(a, b *models.Endpoint) int {
	return models.CompareProcessing(a.Hardware, b.Hardware)
}

type metric func(*models.HardwareProfile) int64

func cpuFreq(h *models.HardwareProfile) int64      { return h.CPUFreqHz }
func cpuCores(h *models.HardwareProfile) int64     { return int64(h.CPUCores) }
func ramAvail(h *models.HardwareProfile) int64     { return h.RAMAvail }
func storageAvail(h *models.HardwareProfile) int64 { return h.StorageAvail }
func battery(h *models.HardwareProfile) int64      { return int64(h.BatteryPercent) }

// byMetric ranks endpoints without a hardware profile below any endpoint with one
func byMetric(m metric) comparator {
	return func(a, b *models.Endpoint) int {
		switch {
		case a.Hardware == nil && b.Hardware == nil:
			return 0
		case a.Hardware == nil:
			return -1
		case b.Hardware == nil:
			return 1
		}
		va, vb := m(a.Hardware), m(b.Hardware)
		switch {
		case va > vb:
			return 1
		case va < vb:
			return -1
		}
		return 0
	}
}

func metricPolicy(m metric) Policy {
	return inactiveFirst(
		both(byMetric(m), byCompleted),
		both(byMetric(m), both(fewerJobs, byCompleted)),
	)
}
