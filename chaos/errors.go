package chaos

import (
	"errors"
	"fmt"
)

// ErrInjected matches every synthetic fault via errors.Is.
var ErrInjected = errors.New("chaos: injected fault")

// Category classifies a synthetic fault so callers can route retries.
type Category string

const (
	CategoryTransient Category = "transient"
	CategoryPermanent Category = "permanent"
	CategoryTimeout   Category = "timeout"
)

// Severity grades a synthetic fault for observability.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// InjectedError is the synthetic failure a strategy raises to abort a
// call before it reaches the inner provider.
type InjectedError struct {
	Op       Operation
	Key      string
	Strategy string
	Category Category
	Severity Severity
}

func (e *InjectedError) Error() string {
	return fmt.Sprintf("chaos: injected %s fault (%s severity) by %s on %s %q",
		e.Category, e.Severity, e.Strategy, e.Op, e.Key)
}

// Is lets errors.Is(err, ErrInjected) match any injected fault.
func (e *InjectedError) Is(target error) bool { return target == ErrInjected }

// Timeout reports whether the fault simulates a timeout, mirroring the
// net.Error convention so timeout-specific retry policy can apply.
func (e *InjectedError) Timeout() bool { return e.Category == CategoryTimeout }

// Transient reports whether the fault is tagged recoverable.
func (e *InjectedError) Transient() bool { return e.Category != CategoryPermanent }

// IsInjected reports whether err originates from a fault strategy rather
// than the inner provider or cancellation.
func IsInjected(err error) bool { return errors.Is(err, ErrInjected) }
