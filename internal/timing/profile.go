package timing

import (
	"time"

	"parley.app/dialog/internal/model"
)

// Profile is the pacing configuration of one depth tier.
type Profile struct {
	MaxInteractions int
	MaxDuration     time.Duration
	MinDelay        time.Duration
	MaxDelay        time.Duration
	TimeoutMinutes  int
	Reactivations   []Reactivation
}

// NudgeStep is one rung of the nudge ladder: the step fires once After has elapsed since the
// last activity.
type NudgeStep struct {
	After time.Duration
	Tone  model.NudgeType
}

// Reactivation is a long-horizon follow-up. Offset is measured from the conversation creation
// time when FromCreation is set, otherwise from the last activity.
type Reactivation struct {
	Offset       time.Duration
	FromCreation bool
	Pool         []string
}

const MaxNudges = 3

var nudgeLadder = []NudgeStep{
	{After: 30 * time.Second, Tone: model.NudgeTypeGentle},
	{After: 60 * time.Second, Tone: model.NudgeTypeModerate},
	{After: 120 * time.Second, Tone: model.NudgeTypeDirect},
}

var profiles = map[model.DepthTier]Profile{
	model.DepthTierQuick: {
		MaxInteractions: 5,
		MaxDuration:     30 * time.Minute,
		MinDelay:        3 * time.Second,
		MaxDelay:        8 * time.Second,
		TimeoutMinutes:  30,
	},
	model.DepthTierIntermediate: {
		MaxInteractions: 10,
		MaxDuration:     24 * time.Hour,
		MinDelay:        5 * time.Second,
		MaxDelay:        15 * time.Second,
		TimeoutMinutes:  24 * 60,
		Reactivations: []Reactivation{
			{Offset: 2 * time.Hour, Pool: []string{
				"Hi! Just checking in, are you still there?",
				"Hey, did you get a chance to look at my last message?",
				"Hello again! Whenever you have a minute I'd love to continue.",
			}},
			{Offset: 6 * time.Hour, Pool: []string{
				"Hi, sorry to bother you again. Could we pick this up where we left off?",
				"Hey! I'm still interested, is now a better time to talk?",
			}},
			{Offset: 12 * time.Hour, Pool: []string{
				"Hello! Last try for today, let me know if you can still help me.",
				"Hi, I'll keep an eye out for your reply. Thanks in advance!",
			}},
		},
	},
	model.DepthTierDeep: {
		MaxInteractions: 20,
		MaxDuration:     5 * 24 * time.Hour,
		MinDelay:        8 * time.Second,
		MaxDelay:        25 * time.Second,
		TimeoutMinutes:  5 * 24 * 60,
		Reactivations: []Reactivation{
			{Offset: 2 * 24 * time.Hour, FromCreation: true, Pool: []string{
				"Good morning! I was thinking about our conversation, can we continue?",
				"Hi! Picking this back up, do you have a moment today?",
			}},
			{Offset: 3 * 24 * time.Hour, FromCreation: true, Pool: []string{
				"Hello! I still have a few questions, whenever suits you.",
				"Hi there, just following up on what we talked about.",
			}},
			{Offset: 4 * 24 * time.Hour, FromCreation: true, Pool: []string{
				"Hi! Trying one more time, I'd really appreciate your help.",
				"Hello, hope your week is going well. Can we wrap this up?",
			}},
		},
	},
}

// ProfileFor returns the tier's profile; unknown tiers fall back to quick.
func ProfileFor(tier model.DepthTier) Profile {
	if p, ok := profiles[tier]; ok {
		return p
	}
	return profiles[model.DepthTierQuick]
}
