package ember

import (
	"errors"
	"fmt"
	"strings"
)

// ErrStopTraining is returned by a callback to request a clean early
// stop. The trainer finishes the current dispatch, runs on_fit_end and
// returns normally.
var ErrStopTraining = errors.New("ember: stop training")

// errorf creates a formatted error with the library prefix.
func errorf(format string, args ...interface{}) error {
	return fmt.Errorf("ember: "+format, args...)
}

// ConfigError reports a malformed or missing configuration field. It is
// raised at compose/validate/build time, never inside the training loop.
type ConfigError struct {
	Section string // "trainer", "optimizer", ...
	Field   string // yaml field name, "" for section-level problems
	Reason  string
}

func (e *ConfigError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("ember: invalid config %s: %s", e.Section, e.Reason)
	}
	return fmt.Sprintf("ember: invalid config %s.%s: %s", e.Section, e.Field, e.Reason)
}

func configErrorf(section, field, format string, args ...interface{}) *ConfigError {
	return &ConfigError{Section: section, Field: field, Reason: fmt.Sprintf(format, args...)}
}

// UnknownKeyError reports a registry lookup for a name that was never
// registered. Lookup by unknown name is a hard failure, never a silent
// default.
type UnknownKeyError struct {
	Category string
	Name     string
	Known    []string
}

func (e *UnknownKeyError) Error() string {
	return fmt.Sprintf("ember: unknown %s %q, registered: %s",
		e.Category, e.Name, strings.Join(e.Known, ", "))
}

// UnknownEventError reports a callback registered against a lifecycle
// event that does not exist. The event set is fixed and enumerated.
type UnknownEventError struct {
	Event Event
	Known []Event
}

func (e *UnknownEventError) Error() string {
	known := make([]string, len(e.Known))
	for i, ev := range e.Known {
		known[i] = string(ev)
	}
	return fmt.Sprintf("ember: unknown trainer event %q, valid events: %s",
		string(e.Event), strings.Join(known, ", "))
}

// NonFiniteError reports a NaN or Inf gradient norm detected during
// clipping while error_if_nonfinite is set. The run aborts before the
// optimizer step is applied; the last written checkpoint stays intact.
type NonFiniteError struct {
	Epoch int
	Step  int
	Norm  float64
}

func (e *NonFiniteError) Error() string {
	return fmt.Sprintf("ember: non-finite gradient norm %v at epoch %d step %d",
		e.Norm, e.Epoch, e.Step)
}

// MonitorError reports that the checkpoint manager's monitored metric is
// missing from the current metric record.
type MonitorError struct {
	Monitor   string
	Available []string
}

func (e *MonitorError) Error() string {
	return fmt.Sprintf("ember: monitored metric %q not found in metric record, available: %s",
		e.Monitor, strings.Join(e.Available, ", "))
}
