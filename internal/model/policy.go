package model

import (
	"fmt"
	"slices"
	"time"
)

// Channel is a notification transport used for check-ins and notices.
type Channel string

const (
	ChannelEmail Channel = "email"
	ChannelSMS   Channel = "sms"
	ChannelVoice Channel = "voice"
	ChannelPush  Channel = "push"
)

// ValidChannels contains all supported channels.
var ValidChannels = []Channel{ChannelEmail, ChannelSMS, ChannelVoice, ChannelPush}

// IsValid checks if the channel is supported.
func (c Channel) IsValid() bool {
	return slices.Contains(ValidChannels, c)
}

// Policy bounds. A case is never confirmed on fewer than MinUnansweredAttempts
// unanswered check-ins spread over MinDistinctDays calendar days.
const (
	MinUnansweredAttempts = 3
	MinDistinctDays       = 3
	MinPolicyInterval     = 24 * time.Hour
	MinResponseTimeout    = time.Hour
)

// InactivityPolicy controls how a user's inactivity is probed and confirmed.
type InactivityPolicy struct {
	UserID           string        `json:"user_id"`
	Enabled          bool          `json:"enabled"`
	CheckInThreshold int           `json:"check_in_threshold"`
	Interval         time.Duration `json:"interval"`
	ResponseTimeout  time.Duration `json:"response_timeout"`
	GracePeriod      time.Duration `json:"grace_period"`
	Channels         []Channel     `json:"channels"`
	UpdatedAt        time.Time     `json:"updated_at"`
}

// Validate checks policy invariants. Violations are returned as *PolicyViolation.
func (p *InactivityPolicy) Validate() error {
	if p.CheckInThreshold < MinUnansweredAttempts {
		return &PolicyViolation{
			Rule:   "check_in_threshold",
			Detail: fmt.Sprintf("must be at least %d", MinUnansweredAttempts),
		}
	}
	if p.Interval < MinPolicyInterval {
		return &PolicyViolation{Rule: "interval", Detail: "must be at least 24h"}
	}
	if p.ResponseTimeout < MinResponseTimeout {
		return &PolicyViolation{Rule: "response_timeout", Detail: "must be at least 1h"}
	}
	if p.ResponseTimeout > p.Interval {
		return &PolicyViolation{Rule: "response_timeout", Detail: "must not exceed interval"}
	}
	if p.GracePeriod < 0 {
		return &PolicyViolation{Rule: "grace_period", Detail: "must not be negative"}
	}
	if len(p.Channels) == 0 {
		return &PolicyViolation{Rule: "channels", Detail: "at least one channel is required"}
	}
	seen := make(map[Channel]bool, len(p.Channels))
	for _, ch := range p.Channels {
		if !ch.IsValid() {
			return &PolicyViolation{Rule: "channels", Detail: fmt.Sprintf("unknown channel %q", ch)}
		}
		if seen[ch] {
			return &PolicyViolation{Rule: "channels", Detail: fmt.Sprintf("duplicate channel %q", ch)}
		}
		seen[ch] = true
	}
	return nil
}

// RequiredUnanswered returns the unanswered-attempt count needed for confirmation.
func (p *InactivityPolicy) RequiredUnanswered() int {
	return max(p.CheckInThreshold, MinUnansweredAttempts)
}

// ChannelForProbe returns the channel for the n-th probe (1-based), rotating
// through the configured order.
func (p *InactivityPolicy) ChannelForProbe(seq int) Channel {
	if len(p.Channels) == 0 {
		return ChannelEmail
	}
	if seq < 1 {
		seq = 1
	}
	return p.Channels[(seq-1)%len(p.Channels)]
}

// NextChannel returns the first configured channel after current that is not in tried.
func (p *InactivityPolicy) NextChannel(current Channel, tried []Channel) (Channel, bool) {
	start := slices.Index(p.Channels, current)
	for i := 1; i <= len(p.Channels); i++ {
		ch := p.Channels[(start+i+len(p.Channels))%len(p.Channels)]
		if !slices.Contains(tried, ch) {
			return ch, true
		}
	}
	return "", false
}
