package accounts

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/vmarkovic/upflow/pkg/models"
	"github.com/vmarkovic/upflow/pkg/storage"
)

// ErrNoneAvailable is returned by Select when no account is eligible right
// now. Callers back off and retry; it is never charged to anyone's health.
var ErrNoneAvailable = errors.New("no eligible account available")

// casAttempts bounds the optimistic-concurrency retry loop on account rows.
const casAttempts = 10

// Logger defines the logging interface for the account pool
type Logger interface {
	Infof(format string, args ...interface{})
	Errorf(format string, args ...interface{})
}

// Policy holds the account health and quota tuning knobs. The increments and
// thresholds are product policy, not derived values; deployments tune them
// through configuration.
type Policy struct {
	MinHealth      int           `yaml:"min_health"`      // selection floor
	Cooldown       time.Duration `yaml:"cooldown"`        // min gap between actions on one account
	SuccessReward  int           `yaml:"success_reward"`  // health gained per successful upload
	FailurePenalty int           `yaml:"failure_penalty"` // health lost per failed upload
	SuspendBelow   int           `yaml:"suspend_below"`   // auto-suspend threshold
}

func DefaultPolicy() Policy {
	return Policy{
		MinHealth:      50,
		Cooldown:       30 * time.Minute,
		SuccessReward:  2,
		FailurePenalty: 10,
		SuspendBelow:   30,
	}
}

// Pool answers "which account, if any, is eligible right now" and applies
// task outcomes to per-account health and quota state. All account mutation
// goes through a compare-and-swap loop against the store so concurrent
// workers reporting for the same account never lose updates.
type Pool struct {
	store    storage.Store
	policy   Policy
	strategy Strategy
	logger   Logger

	// inUse reports whether a worker currently holds the account's session;
	// such accounts are never handed out again until released.
	inUse func(accountID string) bool

	mu   sync.Mutex
	skip map[string]struct{} // accounts excluded for one selection cycle
	now  func() time.Time
}

func NewPool(store storage.Store, policy Policy, strategy Strategy, logger Logger) *Pool {
	if strategy == nil {
		strategy = HealthFirst{}
	}
	return &Pool{
		store:    store,
		policy:   policy,
		strategy: strategy,
		logger:   logger,
		skip:     make(map[string]struct{}),
		now:      time.Now,
	}
}

// ExcludeInUse registers the in-use check consulted during selection. The
// scheduler wires it to the session pool so one account is never selected by
// two workers at once.
func (p *Pool) ExcludeInUse(fn func(accountID string) bool) {
	p.inUse = fn
}

// Select returns the account the next task should run on, or ErrNoneAvailable.
// An account is eligible when it is active, under its daily quota, at or above
// the health floor, outside its cool-down window, not skip-listed, and its
// session is not held by another worker.
func (p *Pool) Select(ctx context.Context) (models.Account, error) {
	if err := ctx.Err(); err != nil {
		return models.Account{}, err
	}
	all, err := p.store.ListAccounts()
	if err != nil {
		return models.Account{}, errors.Wrap(err, "list accounts")
	}

	p.mu.Lock()
	skipped := p.skip
	p.skip = make(map[string]struct{})
	now := p.now()
	p.mu.Unlock()

	var candidates []models.Account
	for _, a := range all {
		if a.Status != models.ActiveAccountStatus {
			continue
		}
		if a.QuotaExhausted() {
			continue
		}
		if a.HealthScore < p.policy.MinHealth {
			continue
		}
		if a.LastActionTime != nil && now.Sub(*a.LastActionTime) < p.policy.Cooldown {
			continue
		}
		if _, ok := skipped[a.ID]; ok {
			continue
		}
		if p.inUse != nil && p.inUse(a.ID) {
			continue
		}
		candidates = append(candidates, a)
	}
	if len(candidates) == 0 {
		return models.Account{}, ErrNoneAvailable
	}
	return p.strategy.Pick(candidates), nil
}

// ReportOutcome applies one attempt's outcome to the account. Success raises
// health and consumes quota; any failure lowers health and may auto-suspend
// the account below the threshold. Auth-lost failures additionally set the
// sticky needs-reauth flag for the account-management layer to act on.
func (p *Pool) ReportOutcome(ctx context.Context, accountID string, outcome models.Outcome) error {
	return p.update(ctx, accountID, func(a *models.Account) {
		now := p.now()
		if outcome.Success() {
			a.HealthScore = clamp(a.HealthScore + p.policy.SuccessReward)
			a.DailyUploadCount++
			a.LastActionTime = &now
			return
		}
		penalty := p.policy.FailurePenalty
		if outcome.Kind == models.ContentRejectedOutcome {
			// the account did nothing wrong when the payload itself is
			// invalid; a single decrement keeps the signal without the sting
			penalty = 1
		}
		a.HealthScore = clamp(a.HealthScore - penalty)
		if outcome.Kind == models.AuthLostOutcome {
			a.NeedsReauth = true
		}
		if a.HealthScore < p.policy.SuspendBelow && a.Status == models.ActiveAccountStatus {
			a.Status = models.SuspendedAccountStatus
			p.logger.Infof("Account %s suspended: health %d below threshold %d", accountID, a.HealthScore, p.policy.SuspendBelow)
		}
	})
}

// BindSession records the session currently bound to the account, or clears
// it when sessionID is empty.
func (p *Pool) BindSession(ctx context.Context, accountID, sessionID string) error {
	return p.update(ctx, accountID, func(a *models.Account) {
		if sessionID == "" {
			a.BoundSessionID = nil
			return
		}
		a.BoundSessionID = &sessionID
	})
}

// SkipForCycle excludes the account from exactly one upcoming Select pass.
// The session pool calls this after repeated provider failures so a broken
// account does not keep winning selection.
func (p *Pool) SkipForCycle(accountID string) {
	p.mu.Lock()
	p.skip[accountID] = struct{}{}
	p.mu.Unlock()
}

// ResetDailyCounts zeroes every account's daily upload counter. Scheduled on
// the daily boundary; running it more than once per day is harmless.
func (p *Pool) ResetDailyCounts(ctx context.Context) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	n, err := p.store.ResetDailyCounts()
	if err != nil {
		return 0, errors.Wrap(err, "reset daily counts")
	}
	if n > 0 {
		p.logger.Infof("Daily quota reset for %d accounts", n)
	}
	return n, nil
}

// update runs a read-modify-write with optimistic retry on version conflicts.
func (p *Pool) update(ctx context.Context, accountID string, mutate func(*models.Account)) error {
	for attempt := 0; attempt < casAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		a, err := p.store.GetAccount(accountID)
		if err != nil {
			return errors.Wrapf(err, "get account %s", accountID)
		}
		mutate(&a)
		err = p.store.UpdateAccount(a)
		if err == nil {
			return nil
		}
		if !errors.Is(err, storage.ErrVersionConflict) {
			return errors.Wrapf(err, "update account %s", accountID)
		}
	}
	return errors.Errorf("update account %s: too many version conflicts", accountID)
}

func clamp(health int) int {
	if health < 0 {
		return 0
	}
	if health > 100 {
		return 100
	}
	return health
}
