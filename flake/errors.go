package flake

import "fmt"

// ConfigurationError reports an invalid generator option
type ConfigurationError struct {
	Field  string
	Value  interface{}
	Reason string
}

func (e *ConfigurationError) Error() string {
	if e.Value == nil {
		return fmt.Sprintf("invalid configuration: %s: %s", e.Field, e.Reason)
	}
	return fmt.Sprintf("invalid configuration: %s=%v: %s", e.Field, e.Value, e.Reason)
}

// InvalidArgumentError reports a bad call-time argument
type InvalidArgumentError struct {
	Argument string
	Value    interface{}
	Reason   string
}

func (e *InvalidArgumentError) Error() string {
	return fmt.Sprintf("invalid argument %s=%v: %s", e.Argument, e.Value, e.Reason)
}

// InvalidIDError reports an id that cannot be decoded or fails acceptance checks
type InvalidIDError struct {
	Input  string
	Reason string
}

func (e *InvalidIDError) Error() string {
	return fmt.Sprintf("invalid id %q: %s", e.Input, e.Reason)
}

// RangeError reports an id that does not fit the requested integer type
type RangeError struct {
	ID    uint64
	Limit uint64
}

func (e *RangeError) Error() string {
	return fmt.Sprintf("id %d exceeds narrow integer limit %d", e.ID, e.Limit)
}
