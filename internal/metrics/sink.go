// Package metrics exposes run, sandbox and webhook counters to Prometheus.
//
// Each consumer package declares the narrow interface it needs; Sink is the
// union, implemented by PrometheusSink and NoopSink.
package metrics

import "time"

// Sink receives operational events. Implementations must not block.
type Sink interface {
	RunCreated(source string)
	RunTransitioned(status string)
	StepExecuted(outcome string, d time.Duration)
	WebhookRejected(reason string)
	DispatchStarted()
	DispatchFinished()
	DispatchRejected(reason string)
}

// NoopSink discards every event.
type NoopSink struct{}

func (NoopSink) RunCreated(string)                  {}
func (NoopSink) RunTransitioned(string)             {}
func (NoopSink) StepExecuted(string, time.Duration) {}
func (NoopSink) WebhookRejected(string)             {}
func (NoopSink) DispatchStarted()                   {}
func (NoopSink) DispatchFinished()                  {}
func (NoopSink) DispatchRejected(string)            {}
