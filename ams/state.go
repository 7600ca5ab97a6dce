package ams

import "sort"

// Playback states reported in the player's playback info
const (
	StatePaused         = 0
	StatePlaying        = 1
	StateRewinding      = 2
	StateFastForwarding = 3
)

// MediaState is the phone's now-playing state as last reported. Unset
// fields are nil.
type MediaState struct {
	Device   string    `json:"device"`
	Name     string    `json:"name,omitempty"`
	State    int       `json:"state"`
	Rate     *float64  `json:"rate,omitempty"`
	Elapsed  *float64  `json:"elapsed,omitempty"`
	Title    *string   `json:"title,omitempty"`
	Artist   *string   `json:"artist,omitempty"`
	Album    *string   `json:"album,omitempty"`
	Duration *float64  `json:"duration,omitempty"`
	Allowed  []Command `json:"allowed"`
}

// Playing reports whether the player is playing, rewinding or fast forwarding
func (s *MediaState) Playing() bool {
	return s.State >= StatePlaying && s.State <= StateFastForwarding
}

// Cleared reports whether there is nothing worth showing: no playback info
// has been received, or the player reset it.
func (s *MediaState) Cleared() bool {
	return s.State == StatePaused && s.Rate == nil && s.Elapsed == nil
}

// Allows reports whether c is in the allowed command set
func (s *MediaState) Allows(c Command) bool {
	for _, a := range s.Allowed {
		if a == c {
			return true
		}
	}
	return false
}

// Subtitle is "album - artist", either alone, or empty
func (s *MediaState) Subtitle() string {
	switch {
	case s.Album != nil && s.Artist != nil:
		return *s.Album + " - " + *s.Artist
	case s.Album != nil:
		return *s.Album
	case s.Artist != nil:
		return *s.Artist
	}
	return ""
}

// Snapshot returns a copy sharing nothing mutable with s
func (s *MediaState) Snapshot() MediaState {
	c := *s
	c.Allowed = append([]Command{}, s.Allowed...)
	sort.Slice(c.Allowed, func(i, j int) bool { return c.Allowed[i] < c.Allowed[j] })
	return c
}

// Publisher receives debounced media snapshots
type Publisher interface {
	PublishMedia(state MediaState)
	ClearMedia(device string)
}
