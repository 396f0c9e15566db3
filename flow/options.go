package flow

import (
	"time"

	"github.com/flowforge/flowcore/flow/emit"
	"github.com/sirupsen/logrus"
)

// Option configures an Engine at construction time, the same functional-
// options idiom the teacher uses for its graph Engine (graph/options.go).
type Option func(*engineConfig)

// engineConfig collects options before NewEngine applies them.
type engineConfig struct {
	maxConcurrent      int
	historyLimit       int
	defaultFlowTimeout time.Duration
	interceptors       []Interceptor
	emitter            emit.Emitter
	metrics            *Metrics
	logger             *logrus.Logger
}

func defaultEngineConfig() engineConfig {
	return engineConfig{
		maxConcurrent:      8,
		historyLimit:       64,
		defaultFlowTimeout: 0,
		emitter:            emit.NewNullEmitter(),
		logger:             NewDefaultLogger(),
	}
}

// WithMaxConcurrentFlows bounds how many fibers the worker pool drives at
// once (§5: "a pool of worker threads drives N fibers"). Default: 8.
func WithMaxConcurrentFlows(n int) Option {
	return func(cfg *engineConfig) {
		if n > 0 {
			cfg.maxConcurrent = n
		}
	}
}

// WithHistoryLimit sets the per-FlowId bounded ring buffer size the
// HistoryRecorder interceptor keeps (§4.4). Default: 64.
func WithHistoryLimit(n int) Option {
	return func(cfg *engineConfig) {
		if n > 0 {
			cfg.historyLimit = n
		}
	}
}

// WithDefaultFlowTimeout records a default flow deadline in the engine
// configuration. The Engine does not read this value: no flow is given an
// implicit timeout, whatever d is.
func WithDefaultFlowTimeout(d time.Duration) Option {
	return func(cfg *engineConfig) {
		cfg.defaultFlowTimeout = d
	}
}

// WithInterceptors appends to the interceptor chain wrapping Transition
// (§4.4), outermost first. HistoryRecorder is added automatically, outside
// these. There is no hospitaliser interceptor: the FlowHospital is not part
// of this chain and is consulted by the Engine only when executing an action
// list fails. Use this for additional diagnostics.
func WithInterceptors(interceptors ...Interceptor) Option {
	return func(cfg *engineConfig) {
		cfg.interceptors = append(cfg.interceptors, interceptors...)
	}
}

// WithEmitter sets the observability channel transitions and history dumps
// are reported through (flow/emit). Default: emit.NewNullEmitter().
func WithEmitter(e emit.Emitter) Option {
	return func(cfg *engineConfig) {
		if e != nil {
			cfg.emitter = e
		}
	}
}

// WithMetrics attaches a Metrics collector; see metrics.go. Default: nil
// (metrics disabled).
func WithMetrics(m *Metrics) Option {
	return func(cfg *engineConfig) {
		cfg.metrics = m
	}
}

// WithLogger overrides the engine's ambient structured logger (log.go).
// Default: NewDefaultLogger(), a logrus.Logger at info level writing through
// FlowOutputSplitter.
func WithLogger(l *logrus.Logger) Option {
	return func(cfg *engineConfig) {
		if l != nil {
			cfg.logger = l
		}
	}
}
