package notify

import (
	"fmt"
	"strings"
	"time"
)

// Channel is a delivery channel.
type Channel string

const (
	ChannelEmail Channel = "email"
	ChannelInApp Channel = "inApp"
	ChannelPush  Channel = "push"
)

// DigestFrequency controls email digest batching.
type DigestFrequency string

const (
	DigestImmediate DigestFrequency = "immediate"
	DigestDaily     DigestFrequency = "daily"
	DigestWeekly    DigestFrequency = "weekly"
)

// QuietHours is a daily window during which delivery is deferred. The
// window wraps past midnight when Start > End.
type QuietHours struct {
	Enabled  bool   `json:"enabled"`
	Start    string `json:"start"` // "15:04"
	End      string `json:"end"`
	Timezone string `json:"timezone"`
}

// Location resolves the configured timezone, defaulting to UTC.
func (q QuietHours) Location() (*time.Location, error) {
	if q.Timezone == "" {
		return time.UTC, nil
	}
	return time.LoadLocation(q.Timezone)
}

// Contains reports whether t falls inside [Start, End) in the configured
// timezone. A zero-length window contains nothing.
func (q QuietHours) Contains(t time.Time) (bool, error) {
	if !q.Enabled {
		return false, nil
	}
	loc, err := q.Location()
	if err != nil {
		return false, fmt.Errorf("invalid quiet hours timezone %q: %w", q.Timezone, err)
	}
	start, err := minuteOfDay(q.Start)
	if err != nil {
		return false, err
	}
	end, err := minuteOfDay(q.End)
	if err != nil {
		return false, err
	}
	if start == end {
		return false, nil
	}

	local := t.In(loc)
	m := local.Hour()*60 + local.Minute()

	if start < end {
		return m >= start && m < end, nil
	}
	// Window wraps past midnight, e.g. 22:00-08:00.
	return m >= start || m < end, nil
}

func minuteOfDay(hhmm string) (int, error) {
	parsed, err := time.Parse("15:04", hhmm)
	if err != nil {
		return 0, fmt.Errorf("invalid quiet hours time %q: %w", hhmm, err)
	}
	return parsed.Hour()*60 + parsed.Minute(), nil
}

// Preferences is the per-user notification configuration. It is supplied
// at engine construction and replaceable wholesale via SavePreferences.
type Preferences struct {
	Channels        map[Channel]bool `json:"channels"`
	Categories      map[Type]bool    `json:"categories"`
	DigestFrequency DigestFrequency  `json:"digestFrequency"`
	QuietHours      QuietHours       `json:"quietHours"`
	Keywords        []string         `json:"keywords"`
	Projects        []string         `json:"projects"` // subscribed project ids
}

// DefaultPreferences enables every channel and category with immediate
// delivery and no quiet hours.
func DefaultPreferences() Preferences {
	return Preferences{
		Channels: map[Channel]bool{
			ChannelEmail: true,
			ChannelInApp: true,
			ChannelPush:  true,
		},
		Categories: map[Type]bool{
			TypeDeployment: true,
			TypeMention:    true,
			TypeConflict:   true,
			TypeActivity:   true,
			TypeSystem:     true,
		},
		DigestFrequency: DigestImmediate,
	}
}

// EnabledChannels returns the channels the user has switched on.
func (p Preferences) EnabledChannels() []Channel {
	var out []Channel
	for _, ch := range []Channel{ChannelEmail, ChannelInApp, ChannelPush} {
		if p.Channels[ch] {
			out = append(out, ch)
		}
	}
	return out
}

// Subscribed reports whether the user follows the given project.
func (p Preferences) Subscribed(project string) bool {
	for _, id := range p.Projects {
		if id == project {
			return true
		}
	}
	return false
}

// MatchesKeywords reports whether the message contains at least one of the
// user's keywords, case-insensitively. An empty keyword list matches
// everything.
func (p Preferences) MatchesKeywords(message string) bool {
	if len(p.Keywords) == 0 {
		return true
	}
	lower := strings.ToLower(message)
	for _, kw := range p.Keywords {
		if kw == "" {
			continue
		}
		if strings.Contains(lower, strings.ToLower(kw)) {
			return true
		}
	}
	return false
}

// copy returns a deep copy so a saved snapshot cannot alias the live one.
func (p Preferences) copy() Preferences {
	out := p
	out.Channels = make(map[Channel]bool, len(p.Channels))
	for k, v := range p.Channels {
		out.Channels[k] = v
	}
	out.Categories = make(map[Type]bool, len(p.Categories))
	for k, v := range p.Categories {
		out.Categories[k] = v
	}
	out.Keywords = append([]string(nil), p.Keywords...)
	out.Projects = append([]string(nil), p.Projects...)
	return out
}
