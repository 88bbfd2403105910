package presence

import "time"

// DateLayout is how calendar dates are stored.
const DateLayout = "2006-01-02"

// Streak counts consecutive calendar days on which the channel opened.
type Streak struct {
	Count    int
	LastDate string // DateLayout, empty before the first open
}

// Advance returns the streak as of today's date. The second result is false
// when the streak was already counted today, in which case s is returned
// unchanged.
func (s Streak) Advance(today time.Time) (Streak, bool) {
	date := today.Format(DateLayout)
	if s.LastDate == date {
		return s, false
	}

	next := Streak{Count: 1, LastDate: date}
	if s.LastDate == today.AddDate(0, 0, -1).Format(DateLayout) {
		next.Count = s.Count + 1
	}
	return next, true
}
