package scoring

import (
	"errors"
	"strings"
	"time"
)

const (
	BasePoints      = 10
	EdgePoints      = 5
	PenaltyUnit     = 5
	FirstBloodBonus = 25
	StreakBonus     = 10
	FrenzyBonus     = 40
	LastHitBonus    = 50

	StreakEvery      = 3
	FrenzyPlacements = 5
	FrenzyWindow     = 60 * time.Second
)

type Bonus string

const (
	BonusFirstBlood Bonus = "FIRST_BLOOD"
	BonusStreak     Bonus = "STREAK"
	BonusFrenzy     Bonus = "FRENZY"
	BonusLastHit    Bonus = "LAST_HIT"
)

var ErrInvalidArgument = errors.New("INVALID_ARGUMENT: placement context and player are required")

// Progress is the per-player running state the calculator reads and updates.
// It is owned by the session holding the player; the calculator never retains it.
type Progress struct {
	CurrentStreak    int         `json:"currentStreak"`
	RecentPlacements []time.Time `json:"-"`
}

type PlacementContext struct {
	Player          *Progress
	EdgePiece       bool
	FirstPlacement  bool
	CompletesPuzzle bool
}

type Result struct {
	Points  int     `json:"points"`
	Bonuses []Bonus `json:"bonuses,omitempty"`
	Label   string  `json:"label,omitempty"`
}

type Calculator struct {
	now func() time.Time
}

type Option func(*Calculator)

func WithClock(now func() time.Time) Option {
	return func(c *Calculator) {
		c.now = now
	}
}

func NewCalculator(opts ...Option) *Calculator {
	c := &Calculator{now: time.Now}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// CalculatePointsForPlacement scores one successful placement. Every bonus is
// evaluated independently, so a single placement can collect several of them.
func (c *Calculator) CalculatePointsForPlacement(ctx *PlacementContext) (Result, error) {
	if ctx == nil || ctx.Player == nil {
		return Result{}, ErrInvalidArgument
	}

	result := Result{Points: BasePoints}
	if ctx.EdgePiece {
		result.Points = EdgePoints
	}

	if ctx.FirstPlacement {
		result.add(BonusFirstBlood, FirstBloodBonus)
	}

	ctx.Player.CurrentStreak++
	if ctx.Player.CurrentStreak%StreakEvery == 0 {
		result.add(BonusStreak, StreakBonus)
	}

	if c.recordPlacement(ctx.Player) {
		result.add(BonusFrenzy, FrenzyBonus)
	}

	if ctx.CompletesPuzzle {
		result.add(BonusLastHit, LastHitBonus)
	}

	if len(result.Bonuses) > 0 {
		names := make([]string, len(result.Bonuses))
		for i, b := range result.Bonuses {
			names[i] = string(b)
		}
		result.Label = strings.Join(names, ", ")
	}

	return result, nil
}

// recordPlacement appends to the bounded timestamp log and reports whether the
// last FrenzyPlacements placements all happened inside FrenzyWindow. The log is
// cleared when it fires so the bonus re-arms only after fresh placements.
func (c *Calculator) recordPlacement(p *Progress) bool {
	now := c.now()
	p.RecentPlacements = append(p.RecentPlacements, now)
	if len(p.RecentPlacements) > FrenzyPlacements {
		p.RecentPlacements = p.RecentPlacements[len(p.RecentPlacements)-FrenzyPlacements:]
	}

	if len(p.RecentPlacements) < FrenzyPlacements {
		return false
	}

	oldest := p.RecentPlacements[len(p.RecentPlacements)-FrenzyPlacements]
	if now.Sub(oldest) > FrenzyWindow {
		return false
	}

	p.RecentPlacements = p.RecentPlacements[:0]
	return true
}

// CalculatePenaltyPoints is linear in the miss streak with a floor of one unit.
func CalculatePenaltyPoints(missStreak int) int {
	return PenaltyUnit * max(1, missStreak)
}

func (r *Result) add(b Bonus, points int) {
	r.Points += points
	r.Bonuses = append(r.Bonuses, b)
}
