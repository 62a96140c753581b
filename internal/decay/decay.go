// Package decay computes the relationship crystal from its persisted seed.
//
// Crystal Algorithm:
//   - Level is a pure function of time since the last interaction:
//     <=24h radiant, <=72h balanced, <=168h fading, otherwise cracked
//   - Only the seed (created-at, last-interaction-at, streak) is stored;
//     the level is recomputed on every read and never trusted from storage
//   - Streak counts consecutive calendar days with at least one message and
//     is only advanced when a new interaction happens
//   - Calendar days are evaluated in the location of the "now" argument
package decay

import "time"

// Level is the discrete relationship strength.
type Level string

const (
	Radiant  Level = "radiant"
	Balanced Level = "balanced"
	Fading   Level = "fading"
	Cracked  Level = "cracked"
)

// Upper bounds, inclusive, checked in order.
const (
	RadiantWithin  = 24 * time.Hour
	BalancedWithin = 72 * time.Hour
	FadingWithin   = 168 * time.Hour
)

// Seed is the persisted part of a relationship.
type Seed struct {
	CreatedAt         time.Time
	LastInteractionAt time.Time
	Streak            int
}

// Crystal is the read-time view of a relationship.
type Crystal struct {
	Level             Level     `json:"level"`
	Streak            int       `json:"streak"`
	CreatedAt         time.Time `json:"created_at"`
	LastInteractionAt time.Time `json:"last_interaction_at"`
}

// Change describes what an interaction did to the level.
type Change struct {
	From  Level `json:"from,omitempty"`
	To    Level `json:"to"`
	First bool  `json:"first"`
}

// Changed reports whether the level moved.
func (c Change) Changed() bool {
	return c.First || c.From != c.To
}

// Celebrate reports whether the change is a milestone: the relationship's
// creation, or a return to radiant from any other level.
func (c Change) Celebrate() bool {
	return c.First || (c.To == Radiant && c.From != Radiant)
}

// LevelFor maps an elapsed duration to a level. Negative durations (clock
// skew) count as radiant.
func LevelFor(elapsed time.Duration) Level {
	switch {
	case elapsed <= RadiantWithin:
		return Radiant
	case elapsed <= BalancedWithin:
		return Balanced
	case elapsed <= FadingWithin:
		return Fading
	default:
		return Cracked
	}
}

// LevelAt returns the level of seed as seen at now.
func LevelAt(seed Seed, now time.Time) Level {
	return LevelFor(now.Sub(seed.LastInteractionAt))
}

// Evaluate returns the presentation value of seed at now.
func Evaluate(seed Seed, now time.Time) Crystal {
	return Crystal{
		Level:             LevelAt(seed, now),
		Streak:            seed.Streak,
		CreatedAt:         seed.CreatedAt,
		LastInteractionAt: seed.LastInteractionAt,
	}
}

// Interact advances prev (nil for the first ever interaction) by an
// interaction happening at now.
func Interact(prev *Seed, now time.Time) (Seed, Change) {
	if prev == nil {
		return Seed{CreatedAt: now, LastInteractionAt: now, Streak: 1},
			Change{To: Radiant, First: true}
	}

	from := LevelAt(*prev, now)
	next := Seed{
		CreatedAt:         prev.CreatedAt,
		LastInteractionAt: now,
		Streak:            NextStreak(prev.LastInteractionAt, prev.Streak, now),
	}
	return next, Change{From: from, To: Radiant}
}

// NextStreak applies the daily streak rule: same calendar day keeps the
// streak, the previous day extends it, any larger gap resets it to 1.
func NextStreak(last time.Time, streak int, now time.Time) int {
	if streak < 1 {
		streak = 1
	}
	switch days := daysBetween(last, now); {
	case days <= 0:
		return streak
	case days == 1:
		return streak + 1
	default:
		return 1
	}
}

// daysBetween counts calendar-day boundaries between a and b in b's location.
func daysBetween(a, b time.Time) int {
	loc := b.Location()
	ay, am, ad := a.In(loc).Date()
	by, bm, bd := b.Date()
	da := time.Date(ay, am, ad, 12, 0, 0, 0, time.UTC)
	db := time.Date(by, bm, bd, 12, 0, 0, 0, time.UTC)
	return int(db.Sub(da).Hours() / 24)
}
