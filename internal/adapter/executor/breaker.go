package executor

import (
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/sony/gobreaker/v2"
	"golang.org/x/crypto/ssh"
)

// Default circuit breaker settings.
const (
	defaultCBMaxFailures uint32        = 3
	defaultCBTimeout     time.Duration = 30 * time.Second
	defaultCBInterval    time.Duration = 60 * time.Second
)

// errDialAbandoned marks a dial cut short by the caller's context (abort or
// script timeout). It says nothing about the host and does not count as a failure.
var errDialAbandoned = errors.New("dial abandoned")

// BreakerConfig configures the per-host dial circuit breaker.
type BreakerConfig struct {
	// MaxFailures is the number of consecutive dial failures before the circuit opens.
	MaxFailures uint32
	// Timeout is how long the circuit stays open before transitioning to half-open.
	Timeout time.Duration
	// Interval is the cyclic period of the closed state for clearing failure counts.
	Interval time.Duration
}

// hostBreakers holds one breaker per SSH address, so an unreachable VM fails
// fast without affecting dials to other VMs.
type hostBreakers struct {
	mu       sync.Mutex
	breakers map[string]*gobreaker.CircuitBreaker[*ssh.Client]
	settings BreakerConfig
	logger   *slog.Logger
}

func newHostBreakers(cfg BreakerConfig, logger *slog.Logger) *hostBreakers {
	if cfg.MaxFailures == 0 {
		cfg.MaxFailures = defaultCBMaxFailures
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = defaultCBTimeout
	}
	if cfg.Interval == 0 {
		cfg.Interval = defaultCBInterval
	}
	return &hostBreakers{
		breakers: make(map[string]*gobreaker.CircuitBreaker[*ssh.Client]),
		settings: cfg,
		logger:   logger,
	}
}

func (h *hostBreakers) get(addr string) *gobreaker.CircuitBreaker[*ssh.Client] {
	h.mu.Lock()
	defer h.mu.Unlock()
	if cb, ok := h.breakers[addr]; ok {
		return cb
	}
	maxFailures := h.settings.MaxFailures
	cb := gobreaker.NewCircuitBreaker[*ssh.Client](gobreaker.Settings{
		Name:        "ssh:" + addr,
		MaxRequests: 1, // allow 1 probe in half-open state
		Interval:    h.settings.Interval,
		Timeout:     h.settings.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= maxFailures
		},
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, errDialAbandoned)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			h.logger.Warn("circuit breaker state change",
				"breaker", name,
				"from", from.String(),
				"to", to.String(),
			)
		},
	})
	h.breakers[addr] = cb
	return cb
}

// state reports the breaker state for addr, or closed when none exists yet.
func (h *hostBreakers) state(addr string) gobreaker.State {
	h.mu.Lock()
	cb, ok := h.breakers[addr]
	h.mu.Unlock()
	if !ok {
		return gobreaker.StateClosed
	}
	return cb.State()
}

func isOpenCircuit(err error) bool {
	return errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests)
}
