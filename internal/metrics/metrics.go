package metrics

import (
	"sort"
	"sync"
	"time"
)

const maxSamples = 1000

type Metrics struct {
	mutex         sync.RWMutex
	requests      int64
	outcomes      map[string]int64
	selections    map[string]int64
	attempts      map[string]int64
	retries       map[string]int64
	errors        map[string]int64
	responseTimes map[string][]time.Duration
	statusCodes   map[string]map[int]int64
	reachable     map[string]bool
	startTime     time.Time
}

type Snapshot struct {
	TotalRequests int64                     `json:"total_requests"`
	Outcomes      map[string]int64          `json:"outcomes"`
	Uptime        time.Duration             `json:"uptime"`
	Backends      map[string]BackendMetrics `json:"backends"`
	Algorithm     string                    `json:"algorithm"`
}

type BackendMetrics struct {
	Selections  int64         `json:"selections"`
	Attempts    int64         `json:"attempts"`
	Retries     int64         `json:"retries"`
	Errors      int64         `json:"errors"`
	Reachable   *bool         `json:"reachable,omitempty"`
	AvgResponse time.Duration `json:"avg_response"`
	P50Response time.Duration `json:"p50_response"`
	P95Response time.Duration `json:"p95_response"`
	P99Response time.Duration `json:"p99_response"`
	StatusCodes map[int]int64 `json:"status_codes"`
}

func (m *Metrics) IncrementRequests() {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	m.requests++
}

func (m *Metrics) RecordOutcome(outcome string) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	m.outcomes[outcome]++
}

func (m *Metrics) RecordBackendSelection(backend string) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	m.selections[backend]++
}

func (m *Metrics) RecordRetry(backend string) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	m.retries[backend]++
}

// RecordAttempt stores one finished upstream attempt. A StatusUpstreamError
// status counts as an error and contributes no latency sample.
func (m *Metrics) RecordAttempt(backend string, duration time.Duration, statusCode int) {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	m.attempts[backend]++

	if statusCode == StatusUpstreamError {
		m.errors[backend]++
		return
	}

	m.responseTimes[backend] = append(m.responseTimes[backend], duration)

	if len(m.responseTimes[backend]) > maxSamples {
		m.responseTimes[backend] = m.responseTimes[backend][1:]
	}

	if m.statusCodes[backend] == nil {
		m.statusCodes[backend] = make(map[int]int64)
	}
	m.statusCodes[backend][statusCode]++
}

func (m *Metrics) UpdateReachability(backend string, reachable bool) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	m.reachable[backend] = reachable
}

func (m *Metrics) Snapshot(algorithm string) Snapshot {
	m.mutex.RLock()
	defer m.mutex.RUnlock()

	snap := Snapshot{
		TotalRequests: m.requests,
		Outcomes:      make(map[string]int64, len(m.outcomes)),
		Uptime:        time.Since(m.startTime),
		Backends:      make(map[string]BackendMetrics),
		Algorithm:     algorithm,
	}

	for outcome, n := range m.outcomes {
		snap.Outcomes[outcome] = n
	}

	// Collect all unique backend URLs
	allBackends := make(map[string]bool)
	for _, source := range []map[string]int64{m.selections, m.attempts, m.retries} {
		for backend := range source {
			allBackends[backend] = true
		}
	}
	for backend := range m.reachable {
		allBackends[backend] = true
	}

	for backend := range allBackends {
		bm := BackendMetrics{
			Selections:  m.selections[backend],
			Attempts:    m.attempts[backend],
			Retries:     m.retries[backend],
			Errors:      m.errors[backend],
			StatusCodes: make(map[int]int64, len(m.statusCodes[backend])),
		}

		for code, n := range m.statusCodes[backend] {
			bm.StatusCodes[code] = n
		}

		if reachable, ok := m.reachable[backend]; ok {
			bm.Reachable = &reachable
		}

		durations := m.responseTimes[backend]
		if len(durations) > 0 {
			sorted := make([]time.Duration, len(durations))
			copy(sorted, durations)
			sort.Slice(sorted, func(i, j int) bool {
				return sorted[i] < sorted[j]
			})

			bm.AvgResponse = average(sorted)
			bm.P50Response = percentile(sorted, 0.50)
			bm.P95Response = percentile(sorted, 0.95)
			bm.P99Response = percentile(sorted, 0.99)
		}

		snap.Backends[backend] = bm
	}

	return snap
}

func NewMetrics() *Metrics {
	return &Metrics{
		outcomes:      make(map[string]int64),
		selections:    make(map[string]int64),
		attempts:      make(map[string]int64),
		retries:       make(map[string]int64),
		errors:        make(map[string]int64),
		responseTimes: make(map[string][]time.Duration),
		statusCodes:   make(map[string]map[int]int64),
		reachable:     make(map[string]bool),
		startTime:     time.Now(),
	}
}

func average(durations []time.Duration) time.Duration {
	if len(durations) == 0 {
		return 0
	}

	var sum time.Duration
	for _, d := range durations {
		sum += d
	}

	return sum / time.Duration(len(durations))
}

func percentile(sorted []time.Duration, p float64) time.Duration {
	if len(sorted) == 0 {
		return 0
	}

	index := int(float64(len(sorted)) * p)
	if index >= len(sorted) {
		index = len(sorted) - 1
	}

	return sorted[index]
}
