package observability

import "github.com/matthiaskaw/project-smart-lab/internal/ports"

// Nop discards all logs and metrics. Useful for embedding and tests.
type Nop struct{}

func NewNop() Nop { return Nop{} }

func (Nop) LogInfo(string, ...ports.Field)         {}
func (Nop) LogWarn(string, ...ports.Field)         {}
func (Nop) LogError(string, error, ...ports.Field) {}
func (Nop) IncCounter(string, float64)             {}
func (Nop) ObserveLatency(string, float64)         {}
func (Nop) SetGauge(string, float64)               {}

var _ ports.Observability = Nop{}
var _ ports.Observability = (*PromObs)(nil)
