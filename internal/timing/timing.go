// Package timing computes human-like pacing for a conversation: reply delays, the nudge
// ladder, reactivation offsets and the timeout rule. It performs no I/O.
package timing

import (
	"math/rand/v2"
	"sync"
	"time"

	"parley.app/dialog/internal/model"
)

const (
	shortMessageChars = 50
	longMessageChars  = 150
)

// Engine is safe for concurrent use. Two engines created with the same seed produce the same
// sequence of delays and picks.
type Engine struct {
	mu  sync.Mutex
	rng *rand.Rand
}

// New seeds the engine. A zero seed draws one from the runtime source.
func New(seed uint64) *Engine {
	if seed == 0 {
		seed = rand.Uint64()
	}
	return &Engine{rng: rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))}
}

// RealisticDelay picks a reply delay for a message of length characters. Short messages draw
// from the lower half of the tier range and long messages from the upper half.
func (e *Engine) RealisticDelay(length int, tier model.DepthTier) time.Duration {
	p := ProfileFor(tier)
	lo, hi := p.MinDelay.Milliseconds(), p.MaxDelay.Milliseconds()
	mid := lo + (hi-lo)/2

	switch {
	case length <= shortMessageChars:
		hi = mid
	case length > longMessageChars:
		lo = mid
	}

	e.mu.Lock()
	ms := lo + e.rng.Int64N(hi-lo+1)
	e.mu.Unlock()

	return time.Duration(ms) * time.Millisecond
}

// NudgeSchedule returns the nudge ladder, capped at MaxNudges rungs with non-decreasing
// thresholds. The ladder is the same for every tier.
func (e *Engine) NudgeSchedule(model.DepthTier) []NudgeStep {
	out := make([]NudgeStep, len(nudgeLadder))
	copy(out, nudgeLadder)
	return out
}

// ReactivationSchedule returns the tier's reactivation offsets; quick has none.
func (e *Engine) ReactivationSchedule(tier model.DepthTier) []Reactivation {
	return ProfileFor(tier).Reactivations
}

// Pick returns a random element of pool, or "" when the pool is empty.
func (e *Engine) Pick(pool []string) string {
	if len(pool) == 0 {
		return ""
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return pool[e.rng.IntN(len(pool))]
}

// ShouldTimeout is true once the tier's max duration has elapsed since creation, or the
// transcript holds at least twice the tier's max interactions.
func (e *Engine) ShouldTimeout(conv *model.Conversation, messageCount int, now time.Time) bool {
	p := ProfileFor(conv.DepthTier)
	if now.Sub(conv.CreatedAt) >= p.MaxDuration {
		return true
	}
	return messageCount >= p.MaxInteractions*2
}

// TimeoutMinutes is the persisted timeout for a tier.
func TimeoutMinutes(tier model.DepthTier) int {
	return ProfileFor(tier).TimeoutMinutes
}

// DueAt returns when r fires for conv.
func (r Reactivation) DueAt(conv *model.Conversation) time.Time {
	if r.FromCreation {
		return conv.CreatedAt.Add(r.Offset)
	}
	return conv.LastActivity().Add(r.Offset)
}
