package observability

// MetricType distinguishes the supported metric primitives.
type MetricType string

const (
	// MetricCounter accumulates monotonically increasing values.
	MetricCounter MetricType = "counter"
	// MetricHistogram records observations into bucketed distributions.
	MetricHistogram MetricType = "histogram"
)

// Metric is a single measurement handed to a MetricsCollector.
type Metric struct {
	Name        string
	Type        MetricType
	Value       float64
	Unit        string
	Description string
	Labels      map[string]string
}

// MetricsCollector consumes measurements for aggregation or export.
type MetricsCollector interface {
	Collect(Metric)
}

// MetricsCollectorFunc adapts a function into a MetricsCollector.
type MetricsCollectorFunc func(Metric)

// Collect implements MetricsCollector.
func (f MetricsCollectorFunc) Collect(metric Metric) {
	f(metric)
}
