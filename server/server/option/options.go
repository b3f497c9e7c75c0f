package option

import (
	"gitlab.com/meridian-workflow/meridian/internal/engine"
)

// ServerOptions contains settings that control how the engine server is
// assembled and behaves.
type ServerOptions struct {
	NatsURL      string
	UseNatsBus   bool
	EmbeddedNats bool
	Concurrency  int
	CronEnabled  bool
	ClaimCheck   engine.ClaimCheck
}

// Option represents an engine server option.
type Option interface {
	Configure(serverOptions *ServerOptions)
}

// NatsUrl sets the URL the server connects to when a NATS-backed bus is
// selected.
func NatsUrl(url string) natsUrlOption { //nolint
	return natsUrlOption{value: url}
}

type natsUrlOption struct{ value string }

func (o natsUrlOption) Configure(serverOptions *ServerOptions) {
	serverOptions.NatsURL = o.value
}

// Concurrency sets how many parallel handlers serve each NATS bus
// subscription.  It has no effect on the in-process bus.
func Concurrency(n int) concurrencyOption { //nolint
	return concurrencyOption{value: n}
}

type concurrencyOption struct{ value int }

func (o concurrencyOption) Configure(serverOptions *ServerOptions) {
	serverOptions.Concurrency = o.value
}

// WithNatsBus selects the NATS-backed event aggregator instead of the
// in-process one.
func WithNatsBus() natsBusOption { //nolint
	return natsBusOption{}
}

type natsBusOption struct{}

func (o natsBusOption) Configure(serverOptions *ServerOptions) {
	serverOptions.UseNatsBus = true
}

// WithEmbeddedNats runs a NATS server inside this process and selects the
// NATS-backed bus.  Useful for development and tests.
func WithEmbeddedNats() embeddedNatsOption { //nolint
	return embeddedNatsOption{}
}

type embeddedNatsOption struct{}

func (o embeddedNatsOption) Configure(serverOptions *ServerOptions) {
	serverOptions.EmbeddedNats = true
	serverOptions.UseNatsBus = true
}

// WithClaimCheck installs a capability check consulted before engine
// operations.
func WithClaimCheck(c engine.ClaimCheck) claimCheckOption { //nolint
	return claimCheckOption{value: c}
}

type claimCheckOption struct{ value engine.ClaimCheck }

func (o claimCheckOption) Configure(serverOptions *ServerOptions) {
	serverOptions.ClaimCheck = o.value
}

// DisableCron turns off timer start event scheduling.
func DisableCron() cronOption { //nolint
	return cronOption{}
}

type cronOption struct{}

func (o cronOption) Configure(serverOptions *ServerOptions) {
	serverOptions.CronEnabled = false
}
