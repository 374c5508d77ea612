package health

import (
	"math"
	"sort"

	"github.com/howardjong/AgentPrice-sub003/status"
)

type OverallStatus string

const (
	StatusHealthy  OverallStatus = "healthy"
	StatusDegraded OverallStatus = "degraded"
	StatusCritical OverallStatus = "critical"
)

// Score table. The three weights sum to 100.
const (
	WeightMemory      = 25.0
	WeightCredentials = 20.0
	WeightProviders   = 55.0

	// MemoryUnavailableScore is awarded when no memory reading exists.
	MemoryUnavailableScore = 10.0

	HealthyCutoff  = 80
	DegradedCutoff = 50

	DefaultMemoryThreshold = 0.90
)

// ProviderFactor is the fraction of a provider's share awarded per state.
func ProviderFactor(s status.State) float64 {
	switch s {
	case status.StateConnected:
		return 1.0
	case status.StateRecovering:
		return 0.75
	case status.StateDegraded:
		return 0.5
	case status.StateThrottled:
		return 0.25
	default:
		return 0
	}
}

type MemoryReading struct {
	HeapUsed  uint64
	HeapTotal uint64
	Available bool
}

type MemoryStatus struct {
	UsagePercent float64 `json:"usagePercent"`
	Healthy      bool    `json:"healthy"`
	Available    bool    `json:"available"`
}

type Inputs struct {
	Providers       []status.ProviderStatus
	Memory          MemoryReading
	MemoryThreshold float64
	// Credentials maps provider name to key presence. Required limits which
	// of them count toward the score; empty means all of them.
	Credentials     map[string]bool
	Required        []string
	FilesystemReady bool
}

type Snapshot struct {
	OverallStatus   OverallStatus      `json:"overallStatus"`
	Memory          MemoryStatus       `json:"memory"`
	APIKeysPresent  map[string]bool    `json:"apiKeysPresent"`
	FilesystemReady bool               `json:"filesystemReady"`
	ProviderStates  map[string]string  `json:"providerStates"`
	ProviderScores  map[string]float64 `json:"providerScores"`
	CompositeScore  int                `json:"compositeScore"`
}

// Compute is the pure scoring function. Identical inputs always produce
// identical snapshots; providers are summed in name order.
func Compute(in Inputs) Snapshot {
	threshold := in.MemoryThreshold
	if threshold <= 0 || threshold > 1 {
		threshold = DefaultMemoryThreshold
	}

	snap := Snapshot{
		APIKeysPresent:  make(map[string]bool, len(in.Credentials)),
		FilesystemReady: in.FilesystemReady,
		ProviderStates:  make(map[string]string, len(in.Providers)),
		ProviderScores:  make(map[string]float64, len(in.Providers)),
	}

	memPoints := MemoryUnavailableScore
	if in.Memory.Available && in.Memory.HeapTotal > 0 {
		ratio := float64(in.Memory.HeapUsed) / float64(in.Memory.HeapTotal)
		snap.Memory = MemoryStatus{
			UsagePercent: math.Round(ratio*10000) / 100,
			Healthy:      ratio <= threshold,
			Available:    true,
		}
		if snap.Memory.Healthy {
			memPoints = WeightMemory
		} else {
			memPoints = 0
		}
	}

	for name, ok := range in.Credentials {
		snap.APIKeysPresent[name] = ok
	}
	required := in.Required
	if len(required) == 0 {
		required = make([]string, 0, len(in.Credentials))
		for name := range in.Credentials {
			required = append(required, name)
		}
	}
	credPoints := WeightCredentials
	if len(required) > 0 {
		present := 0
		for _, name := range required {
			if in.Credentials[name] {
				present++
			}
		}
		credPoints = WeightCredentials * float64(present) / float64(len(required))
	}

	providers := make([]status.ProviderStatus, len(in.Providers))
	copy(providers, in.Providers)
	sort.Slice(providers, func(i, j int) bool { return providers[i].Name < providers[j].Name })

	providerPoints := 0.0
	if len(providers) > 0 {
		share := WeightProviders / float64(len(providers))
		for _, p := range providers {
			pts := share * ProviderFactor(p.State)
			snap.ProviderStates[p.Name] = string(p.State)
			snap.ProviderScores[p.Name] = pts
			providerPoints += pts
		}
	}

	score := int(math.Round(memPoints + credPoints + providerPoints))
	if score < 0 {
		score = 0
	}
	if score > 100 {
		score = 100
	}
	snap.CompositeScore = score
	snap.OverallStatus = StatusFor(score)
	return snap
}

// StatusFor applies the two fixed cut points.
func StatusFor(score int) OverallStatus {
	switch {
	case score >= HealthyCutoff:
		return StatusHealthy
	case score >= DegradedCutoff:
		return StatusDegraded
	default:
		return StatusCritical
	}
}
