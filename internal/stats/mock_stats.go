package stats

import (
	"slices"

	"github.com/stretchr/testify/mock"
)

var _ StatsProvider = (*MockStatsUpdater)(nil)

// MockStatsUpdater records counter updates. Like StatsUpdater it panics on a
// name that is not in Metrics, so a misspelled counter fails the test.
type MockStatsUpdater struct {
	mock.Mock
}

// NewTolerantStatsUpdater accepts any number of updates to known counters.
func NewTolerantStatsUpdater() *MockStatsUpdater {
	m := &MockStatsUpdater{}
	m.On("Incr", mock.Anything).Maybe()
	m.On("Decr", mock.Anything).Maybe()
	return m
}

func (m *MockStatsUpdater) Incr(name string) {
	mustKnow(name)
	m.Called(name)
}

func (m *MockStatsUpdater) Decr(name string) {
	mustKnow(name)
	m.Called(name)
}

func (m *MockStatsUpdater) RegisterMetric(name string) {
	m.Called(name)
}

func (m *MockStatsUpdater) Run() {
	m.Called()
}

func mustKnow(name string) {
	if !slices.Contains(Metrics, name) {
		panic("metric not found: " + name)
	}
}
