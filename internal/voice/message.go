package voice

import (
	"fmt"
	"math"
	"sort"
	"strings"
	"time"
)

// GroupSeparator joins the per-speaker blocks of a group message.
const GroupSeparator = "\n----\n"

// EngagementLevel maps an engagement counter onto a 0..100 familiarity
// level. Growth is linear for the first ten turns, then slows down.
func EngagementLevel(counter int64) int {
	v := float64(counter)
	switch {
	case counter <= 0:
		return 0
	case counter <= 10:
		return int(counter)
	case counter <= 175:
		return int(math.Floor(math.Sqrt(9+16*v) - 3))
	default:
		lvl := int(math.Floor((math.Sqrt(v/175)-1)*35.967 + 50))
		if lvl > 100 {
			return 100
		}
		return lvl
	}
}

// BuildUserMessage renders one speaker's utterance with the header the
// chat backend instructions expect.
func BuildUserMessage(p Profile, text string, at time.Time) string {
	var b strings.Builder
	fmt.Fprintf(&b, "engagement_level: %d\n", EngagementLevel(p.EngagementCounter))
	fmt.Fprintf(&b, "id: %s\n", p.ID)
	fmt.Fprintf(&b, "name: %s\n", p.DisplayName)
	fmt.Fprintf(&b, "pronoun: %s\n", pronounOrDefault(p.PronounClass))
	fmt.Fprintf(&b, "time: %s\n", at.Format("15:04"))
	b.WriteString("####\n")
	b.WriteString(strings.TrimSpace(text))
	return b.String()
}

// BuildGroupMessage renders several utterances ordered by speaker ID.
func BuildGroupMessage(profiles map[SpeakerID]Profile, texts map[SpeakerID]string, at time.Time) string {
	ids := make([]SpeakerID, 0, len(texts))
	for id := range texts {
		ids = append(ids, id)
	}
	sortSpeakers(ids)
	parts := make([]string, 0, len(ids))
	for _, id := range ids {
		parts = append(parts, BuildUserMessage(profiles[id], texts[id], at))
	}
	return strings.Join(parts, GroupSeparator)
}

func pronounOrDefault(p string) string {
	if p == "" {
		return "unknown"
	}
	return p
}

// sortSpeakers orders IDs ascending. Numeric snowflakes compare by value.
func sortSpeakers(ids []SpeakerID) {
	sort.Slice(ids, func(i, j int) bool { return speakerLess(ids[i], ids[j]) })
}

func speakerLess(a, b SpeakerID) bool {
	if len(a) != len(b) && isDigits(string(a)) && isDigits(string(b)) {
		return len(a) < len(b)
	}
	return a < b
}

func isDigits(s string) bool {
	if s == "" {
		return false
	}
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return true
}
