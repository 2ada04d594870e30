package models

import "time"

// Step is a single command bound to exactly one triggering event.
type Step struct {
	Name           string `json:"name"                     validate:"required"       yaml:"name"`
	Event          string `json:"event"                    validate:"required"       yaml:"event"`
	Command        string `json:"command"                  validate:"required"       yaml:"command"`
	TimeoutSeconds int    `json:"timeoutSeconds,omitempty" validate:"min=0"          yaml:"timeoutSeconds,omitempty"`
}

// Timeout returns the configured timeout, zero when the step has none.
func (s Step) Timeout() time.Duration {
	return time.Duration(s.TimeoutSeconds) * time.Second
}
