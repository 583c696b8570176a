package lifecycle

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/echocal/echocal-go/internal/config"
)

// SessionValidator is the slice of the session the monitor drives.
type SessionValidator interface {
	// ValidateCredential refreshes the session credential when needed and
	// reports whether the Identity is OAuth-linked.
	ValidateCredential(ctx context.Context) (oauthLinked bool, err error)
	MarkSoftExpired(expired bool)
}

// GrantChecker is the slice of the link manager the monitor drives.
type GrantChecker interface {
	EnsureConnected(ctx context.Context) error
}

// Monitor turns app lifecycle events into session validation work, throttled
// so that rapid foreground flips do not translate into request storms.
type Monitor struct {
	session SessionValidator
	linker  GrantChecker

	inactivityTimeout  time.Duration
	validationCooldown time.Duration
	clock              func() time.Time

	mu             sync.Mutex
	foreground     bool
	lastActivity   time.Time
	lastValidation time.Time
	validating     bool
}

func NewMonitor(session SessionValidator, linker GrantChecker, inactivityTimeout, validationCooldown time.Duration) *Monitor {
	return &Monitor{
		session:            session,
		linker:             linker,
		inactivityTimeout:  inactivityTimeout,
		validationCooldown: validationCooldown,
		clock:              time.Now,
	}
}

// OnForeground records the app becoming active. Crossing the inactivity
// threshold soft-expires the session before validation runs, so stale state
// is never presented as fresh.
func (m *Monitor) OnForeground(ctx context.Context) {
	m.mu.Lock()
	now := m.clock()
	m.foreground = true
	inactive := !m.lastActivity.IsZero() && now.Sub(m.lastActivity) > m.inactivityTimeout
	m.lastActivity = now
	m.mu.Unlock()

	if inactive {
		log.Info().Msg("inactivity threshold crossed, soft-expiring session")
		m.session.MarkSoftExpired(true)
	}

	m.ValidateOnResume(ctx)
}

// OnBackground records the app leaving the foreground. No validation runs;
// the timestamp feeds the next foreground's inactivity check.
func (m *Monitor) OnBackground() {
	m.mu.Lock()
	m.foreground = false
	m.lastActivity = m.clock()
	m.mu.Unlock()
}

// ValidateOnResume validates the session credential, at most once per
// cooldown window and never concurrently with itself.
func (m *Monitor) ValidateOnResume(ctx context.Context) {
	m.mu.Lock()
	now := m.clock()
	if m.validating || (!m.lastValidation.IsZero() && now.Sub(m.lastValidation) < m.validationCooldown) {
		m.mu.Unlock()
		return
	}
	m.validating = true
	m.lastValidation = now
	m.mu.Unlock()

	defer func() {
		m.mu.Lock()
		m.validating = false
		m.mu.Unlock()
	}()

	oauthLinked, err := m.session.ValidateCredential(ctx)
	if err != nil {
		log.Warn().Err(err).Msg("session validation failed")
		return
	}
	if !oauthLinked {
		return
	}

	if err := m.linker.EnsureConnected(ctx); err != nil {
		log.Warn().Err(err).Msg("calendar grant check failed on resume")
	}
}

// Run periodically re-validates while the app stays foregrounded, catching
// credentials that expire during a long active session. It blocks until ctx
// is done.
func (m *Monitor) Run(ctx context.Context) {
	ticker := time.NewTicker(config.ResumeCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.mu.Lock()
			active := m.foreground
			m.mu.Unlock()
			if active {
				m.ValidateOnResume(ctx)
			}
		}
	}
}
