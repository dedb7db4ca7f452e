package observability

// MetricType distinguishes the supported measurement kinds.
type MetricType string

const (
	// MetricCounter is a monotonically increasing count.
	MetricCounter MetricType = "counter"
	// MetricGauge is a point-in-time value that can move both ways.
	MetricGauge MetricType = "gauge"
	// MetricHistogram records a distribution of observed values.
	MetricHistogram MetricType = "histogram"
)

// Metric is one measurement emitted by a conductor component. Components
// describe measurements abstractly; the collector decides how to expose them.
type Metric struct {
	Name        string
	Type        MetricType
	Value       float64
	Labels      map[string]string
	Description string
	Unit        string
}

// MetricsCollector consumes metrics for aggregation or export.
type MetricsCollector interface {
	Collect(Metric)
}

// MetricsCollectorFunc adapts a function into a MetricsCollector.
type MetricsCollectorFunc func(Metric)

// Collect implements MetricsCollector.
func (f MetricsCollectorFunc) Collect(metric Metric) {
	f(metric)
}

// NoopMetricsCollector discards all measurements.
type NoopMetricsCollector struct{}

// Collect implements MetricsCollector.
func (NoopMetricsCollector) Collect(Metric) {}

var _ MetricsCollector = MetricsCollectorFunc(nil)
var _ MetricsCollector = NoopMetricsCollector{}
