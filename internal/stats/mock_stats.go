package stats

import "github.com/stretchr/testify/mock"

var _ StatsProvider = (*MockStatsUpdater)(nil)

type MockStatsUpdater struct {
	mock.Mock
}

// AllowAll accepts any metric call without asserting on it.
func (m *MockStatsUpdater) AllowAll() *MockStatsUpdater {
	m.On("RegisterMetric", mock.Anything).Maybe()
	m.On("Incr", mock.Anything).Maybe()
	m.On("Decr", mock.Anything).Maybe()
	return m
}

func (m *MockStatsUpdater) Incr(name string) {
	m.Called(name)
}

func (m *MockStatsUpdater) Decr(name string) {
	m.Called(name)
}

func (m *MockStatsUpdater) RegisterMetric(name string) {
	m.Called(name)
}
