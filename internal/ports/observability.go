package ports

// Observability is handed to every component at construction and carries both
// structured logging and metric emission.
type Observability interface {
	LogInfo(msg string, fields ...Field)
	LogWarn(msg string, fields ...Field)
	LogError(msg string, err error, fields ...Field)

	IncCounter(name string, v float64)
	ObserveLatency(name string, seconds float64)
	SetGauge(name string, v float64)
}

// Field is a structured log/metric field used by Observability implementations.
type Field struct {
	Key   string
	Value any
}
