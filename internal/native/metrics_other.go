//go:build !linux

package native

func (m *Metrics) read() (Reading, error) {
	return Reading{}, ErrMetricsUnsupported
}
