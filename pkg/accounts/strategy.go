package accounts

import (
	"sort"
	"time"

	"github.com/vmarkovic/upflow/pkg/models"
)

// Strategy orders eligible accounts and picks the one to run the next task.
// Candidates handed to Pick have already passed the eligibility filters.
type Strategy interface {
	Pick(candidates []models.Account) models.Account
}

// HealthFirst prefers the healthiest account, spreading load across accounts
// with equal health by favouring the one with the fewest uploads today and
// the longest-idle one after that.
type HealthFirst struct{}

func (HealthFirst) Pick(candidates []models.Account) models.Account {
	sort.SliceStable(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]
		if a.HealthScore != b.HealthScore {
			return a.HealthScore > b.HealthScore
		}
		if a.DailyUploadCount != b.DailyUploadCount {
			return a.DailyUploadCount < b.DailyUploadCount
		}
		return lastAction(a).Before(lastAction(b))
	})
	return candidates[0]
}

// RoundRobin rotates through eligible accounts by least-recent action,
// ignoring health beyond the eligibility threshold.
type RoundRobin struct{}

func (RoundRobin) Pick(candidates []models.Account) models.Account {
	sort.SliceStable(candidates, func(i, j int) bool {
		return lastAction(candidates[i]).Before(lastAction(candidates[j]))
	})
	return candidates[0]
}

func lastAction(a models.Account) time.Time {
	if a.LastActionTime == nil {
		return time.Time{}
	}
	return *a.LastActionTime
}
