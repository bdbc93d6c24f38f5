// Package reputation decides dispute-counter and ban outcomes. Pure logic:
// persistence stays with the caller.
package reputation

import "lnescrow/internal/models"

type Engine struct {
	MaxDisputes int
}

// Outcome is the post-dispute reputation of one user.
type Outcome struct {
	UserID   string
	Disputes int
	Banned   bool
}

// RecordDispute increments the user's dispute counter and decides whether the
// user crosses the ban threshold. The counter is monotone and a ban is
// one-way: a banned user stays banned whatever the counter says.
func (e Engine) RecordDispute(user *models.User) Outcome {
	disputes := user.Disputes + 1
	return Outcome{
		UserID:   user.ID,
		Disputes: disputes,
		Banned:   user.Banned || disputes >= e.MaxDisputes,
	}
}
