package sessions

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"golang.org/x/time/rate"

	"github.com/vmarkovic/upflow/pkg/models"
	"github.com/vmarkovic/upflow/pkg/platform"
)

var (
	// ErrSessionUnavailable means the automation provider could not open a
	// session (provider down, open timeout). Infrastructural: retried with
	// backoff and never charged to the account's health.
	ErrSessionUnavailable = errors.New("session unavailable")
	// ErrSessionHealthCheckFailed means an opened session failed or timed
	// out its liveness probe. Same retry semantics as ErrSessionUnavailable.
	ErrSessionHealthCheckFailed = errors.New("session health check failed")
	// ErrSessionNotAuthenticated means the session is alive but the account
	// is not logged in. Surfaced as an account outcome, not retried here.
	ErrSessionNotAuthenticated = errors.New("session not authenticated")
	// ErrSessionBusy is a programming-invariant violation: a second worker
	// tried to acquire an account whose session is already held.
	ErrSessionBusy = errors.New("session already busy")
)

// Provider is the external automation service that hosts remote browser
// sessions. Provider-specific quirk handling stays behind this interface.
type Provider interface {
	OpenSession(ctx context.Context, account models.Account) (endpointRef string, err error)
	CloseSession(ctx context.Context, endpointRef string) error
	Probe(ctx context.Context, endpointRef string) (alive bool, err error)
}

// Logger defines the logging interface for the session pool
type Logger interface {
	Infof(format string, args ...interface{})
	Errorf(format string, args ...interface{})
}

type Config struct {
	OpenTimeout    time.Duration `yaml:"open_timeout"`
	ProbeTimeout   time.Duration `yaml:"probe_timeout"`
	MaxIdle        time.Duration `yaml:"max_idle"`
	CloseTimeout   time.Duration `yaml:"close_timeout"`
	MaxUnavailable int           `yaml:"max_unavailable"` // consecutive open failures before skipping the account
	OpensPerSecond float64       `yaml:"opens_per_second"`
	OpenBurst      int           `yaml:"open_burst"`
}

func DefaultConfig() Config {
	return Config{
		OpenTimeout:    60 * time.Second,
		ProbeTimeout:   10 * time.Second,
		MaxIdle:        5 * time.Minute,
		CloseTimeout:   15 * time.Second,
		MaxUnavailable: 3,
		OpensPerSecond: 1,
		OpenBurst:      2,
	}
}

// Pool maps accounts to remote browser sessions. At most one non-closed
// session exists per account; a busy session is exclusively owned by the
// worker that acquired it. Session opens go through a token bucket so a
// burst of workers cannot hammer the provider.
type Pool struct {
	provider Provider
	adapter  platform.Adapter
	cfg      Config
	logger   Logger
	limiter  *rate.Limiter

	// onUnavailable fires after MaxUnavailable consecutive open failures for
	// one account; the scheduler wires it to the account pool's skip list.
	onUnavailable func(accountID string)

	mu       sync.Mutex
	sessions map[string]*models.Session // keyed by account ID
	unavail  map[string]int
	now      func() time.Time
}

func NewPool(provider Provider, adapter platform.Adapter, cfg Config, logger Logger) *Pool {
	return &Pool{
		provider: provider,
		adapter:  adapter,
		cfg:      cfg,
		logger:   logger,
		limiter:  rate.NewLimiter(rate.Limit(cfg.OpensPerSecond), cfg.OpenBurst),
		sessions: make(map[string]*models.Session),
		unavail:  make(map[string]int),
		now:      time.Now,
	}
}

// OnAccountUnavailable registers the callback invoked when an account's
// session entry is marked error after repeated provider failures.
func (p *Pool) OnAccountUnavailable(fn func(accountID string)) {
	p.onUnavailable = fn
}

// InUse reports whether the account's session is currently held or being
// opened by a worker. The account pool consults this during selection so two
// workers do not race for the same account.
func (p *Pool) InUse(accountID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	s := p.sessions[accountID]
	return s != nil && (s.Status == models.BusySessionStatus || s.Status == models.OpeningSessionStatus)
}

// Acquire hands the caller exclusive ownership of a live, logged-in session
// for the account, reusing an idle one or opening a new one lazily.
func (p *Pool) Acquire(ctx context.Context, account models.Account) (*models.Session, error) {
	p.mu.Lock()
	existing := p.sessions[account.ID]
	if existing != nil {
		switch existing.Status {
		case models.BusySessionStatus, models.OpeningSessionStatus:
			p.mu.Unlock()
			return nil, errors.Wrapf(ErrSessionBusy, "account %s", account.ID)
		case models.IdleSessionStatus:
			existing.Status = models.BusySessionStatus
			p.mu.Unlock()
			return existing, nil
		}
		// error or closed entries are replaced below
	}
	// hold the account's slot while opening so a concurrent Acquire for the
	// same account fails fast instead of opening a second session
	placeholder := &models.Session{
		ID:        uuid.NewString(),
		AccountID: account.ID,
		Status:    models.OpeningSessionStatus,
		OpenedAt:  p.now(),
	}
	p.sessions[account.ID] = placeholder
	p.mu.Unlock()

	session, err := p.open(ctx, account, placeholder)
	if err != nil {
		p.mu.Lock()
		if errors.Is(err, ErrSessionUnavailable) {
			p.unavail[account.ID]++
			if p.unavail[account.ID] >= p.cfg.MaxUnavailable {
				placeholder.Status = models.ErrorSessionStatus
				p.unavail[account.ID] = 0
				p.mu.Unlock()
				p.logger.Errorf("Account %s: %d consecutive session failures, skipping for one cycle", account.ID, p.cfg.MaxUnavailable)
				if p.onUnavailable != nil {
					p.onUnavailable(account.ID)
				}
				return nil, err
			}
		}
		delete(p.sessions, account.ID)
		p.mu.Unlock()
		return nil, err
	}

	p.mu.Lock()
	p.unavail[account.ID] = 0
	p.sessions[account.ID] = session
	p.mu.Unlock()
	return session, nil
}

func (p *Pool) open(ctx context.Context, account models.Account, session *models.Session) (*models.Session, error) {
	if err := p.limiter.Wait(ctx); err != nil {
		return nil, errors.Wrap(ErrSessionUnavailable, err.Error())
	}

	openCtx, cancel := context.WithTimeout(ctx, p.cfg.OpenTimeout)
	defer cancel()
	endpointRef, err := p.provider.OpenSession(openCtx, account)
	if err != nil {
		p.logger.Errorf("Failed to open session for account %s: %v", account.ID, err)
		return nil, errors.Wrap(ErrSessionUnavailable, err.Error())
	}
	session.EndpointRef = endpointRef

	probeCtx, cancelProbe := context.WithTimeout(ctx, p.cfg.ProbeTimeout)
	defer cancelProbe()
	alive, err := p.provider.Probe(probeCtx, endpointRef)
	if err != nil || !alive {
		p.closeEndpoint(endpointRef)
		if err != nil {
			return nil, errors.Wrap(ErrSessionHealthCheckFailed, err.Error())
		}
		return nil, errors.Wrapf(ErrSessionHealthCheckFailed, "session for account %s not alive", account.ID)
	}
	session.LastHealthCheck = p.now()

	checkCtx, cancelCheck := context.WithTimeout(ctx, p.cfg.ProbeTimeout)
	defer cancelCheck()
	loggedIn, err := p.adapter.CheckSession(checkCtx, session)
	if err != nil {
		p.closeEndpoint(endpointRef)
		return nil, errors.Wrap(ErrSessionHealthCheckFailed, err.Error())
	}
	if !loggedIn {
		p.closeEndpoint(endpointRef)
		return nil, errors.Wrapf(ErrSessionNotAuthenticated, "account %s", account.ID)
	}

	session.LoggedIn = true
	session.Status = models.BusySessionStatus
	p.logger.Infof("Opened session %s for account %s", session.ID, account.ID)
	return session, nil
}

// Release returns a busy session to the pool. With keepOpen the session goes
// back to idle for reuse; otherwise it is closed at the provider. The
// provider call happens outside the pool lock so a slow close cannot stall
// acquisition for other accounts.
func (p *Pool) Release(session *models.Session, keepOpen bool) {
	p.mu.Lock()
	if session.Status != models.BusySessionStatus {
		p.mu.Unlock()
		p.logger.Errorf("Release of session %s in status %s ignored", session.ID, session.Status)
		return
	}
	if keepOpen {
		session.Status = models.IdleSessionStatus
		session.LastReleasedAt = p.now()
		p.mu.Unlock()
		return
	}
	ref := p.detachLocked(session)
	p.mu.Unlock()
	p.closeEndpoint(ref)
}

// Sweep closes sessions that have been idle longer than MaxIdle. Run on a
// schedule to bound external resource usage.
func (p *Pool) Sweep() int {
	p.mu.Lock()
	cutoff := p.now().Add(-p.cfg.MaxIdle)
	var refs []string
	for _, s := range p.sessions {
		if s.Status == models.IdleSessionStatus && s.LastReleasedAt.Before(cutoff) {
			p.logger.Infof("Closing idle session %s for account %s", s.ID, s.AccountID)
			refs = append(refs, p.detachLocked(s))
		}
	}
	p.mu.Unlock()
	for _, ref := range refs {
		p.closeEndpoint(ref)
	}
	return len(refs)
}

// CloseAll tears down every non-closed session. Called on shutdown.
func (p *Pool) CloseAll() {
	p.mu.Lock()
	var refs []string
	for _, s := range p.sessions {
		if s.Status == models.ClosedSessionStatus {
			continue
		}
		refs = append(refs, p.detachLocked(s))
	}
	p.mu.Unlock()
	for _, ref := range refs {
		p.closeEndpoint(ref)
	}
}

// ActiveSessions returns a snapshot of non-closed sessions, for operational
// inspection.
func (p *Pool) ActiveSessions() []models.Session {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]models.Session, 0, len(p.sessions))
	for _, s := range p.sessions {
		out = append(out, *s)
	}
	return out
}

// detachLocked marks the session closed and drops it from the pool, returning
// the endpoint the caller still has to close at the provider. Caller holds
// p.mu; the provider call must happen after the lock is released.
func (p *Pool) detachLocked(s *models.Session) string {
	s.Status = models.ClosedSessionStatus
	s.LoggedIn = false
	delete(p.sessions, s.AccountID)
	return s.EndpointRef
}

func (p *Pool) closeEndpoint(endpointRef string) {
	if endpointRef == "" {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), p.cfg.CloseTimeout)
	defer cancel()
	if err := p.provider.CloseSession(ctx, endpointRef); err != nil {
		p.logger.Errorf("Failed to close session endpoint: %v", err)
	}
}
