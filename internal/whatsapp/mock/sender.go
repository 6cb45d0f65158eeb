package mock

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/acme/whatsapp-broadcast/internal/whatsapp"
	apperrors "github.com/acme/whatsapp-broadcast/pkg/errors"
)

// Sender simulates the WhatsApp Business API. With the default options every
// send succeeds immediately.
type Sender struct {
	mu          sync.Mutex
	rng         *rand.Rand
	successRate float64
	latency     time.Duration
	fail        func(whatsapp.SendRequest) error
	sent        []whatsapp.SendRequest
}

// Option customizes the mock.
type Option func(*Sender)

// WithSuccessRate makes a fraction of sends fail transiently.
func WithSuccessRate(rate float64) Option {
	return func(s *Sender) { s.successRate = rate }
}

// WithLatency delays each send.
func WithLatency(d time.Duration) Option {
	return func(s *Sender) { s.latency = d }
}

// WithFailure decides per request whether the send fails.
func WithFailure(fn func(whatsapp.SendRequest) error) Option {
	return func(s *Sender) { s.fail = fn }
}

// NewSender constructs a mock sender.
func NewSender(opts ...Option) *Sender {
	s := &Sender{
		rng:         rand.New(rand.NewSource(time.Now().UnixNano())),
		successRate: 1,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Send implements whatsapp.Sender.
func (s *Sender) Send(ctx context.Context, req whatsapp.SendRequest) (whatsapp.Result, error) {
	if s.latency > 0 {
		select {
		case <-ctx.Done():
			return whatsapp.Result{}, apperrors.Transient(ctx.Err())
		case <-time.After(s.latency):
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.fail != nil {
		if err := s.fail(req); err != nil {
			return whatsapp.Result{}, whatsapp.Classify(err)
		}
	}
	if s.successRate < 1 && s.rng.Float64() >= s.successRate {
		return whatsapp.Result{}, apperrors.Transient(&whatsapp.StatusError{StatusCode: 503, Message: "simulated failure"})
	}

	s.sent = append(s.sent, req)
	return whatsapp.Result{ProviderMessageID: "wamid." + uuid.NewString()}, nil
}

// Sent returns the successfully sent requests in order.
func (s *Sender) Sent() []whatsapp.SendRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]whatsapp.SendRequest, len(s.sent))
	copy(out, s.sent)
	return out
}
