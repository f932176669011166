package challenge

import (
	"sort"
	"time"
)

type EventType string

const (
	EventInvite EventType = "invite"
	EventScore  EventType = "score"
	EventVolume EventType = "volume"
)

// RecentEventLimit caps the live event feed. Older events are paged in
// backward from a timestamp cursor.
const RecentEventLimit = 15

type Challenge struct {
	ID          string    `json:"id" firestore:"id"`
	Name        string    `json:"name" firestore:"name"`
	Description string    `json:"description" firestore:"description"`
	CreatorID   string    `json:"creator_id" firestore:"creatorId"`
	StartTime   time.Time `json:"start_time" firestore:"startTime"`
	EndTime     time.Time `json:"end_time" firestore:"endTime"`

	// Loaded from the participants/events subcollections, never stored
	// on the root document.
	Participants []*Participant `json:"participants" firestore:"-"`
	Events       []*Event       `json:"events" firestore:"-"`
}

type Participant struct {
	ID           string    `json:"id" firestore:"id"`
	Name         string    `json:"name" firestore:"name"`
	InviteCount  int       `json:"invite_count" firestore:"inviteCount"`
	TotalJabs    int       `json:"total_jabs" firestore:"totalJabs"`
	AverageScore float64   `json:"average_score" firestore:"averageScore"`
	FinalScore   float64   `json:"final_score" firestore:"finalScore"`
	FCMToken     string    `json:"-" firestore:"fcmToken"`
	JoinedAt     time.Time `json:"joined_at" firestore:"joinedAt"`
}

type Event struct {
	ID         string    `json:"id" firestore:"id"`
	Timestamp  time.Time `json:"timestamp" firestore:"timestamp"`
	Type       EventType `json:"type" firestore:"type"`
	UserID     string    `json:"user_id" firestore:"userId"`
	UserName   string    `json:"user_name" firestore:"userName"`
	Details    string    `json:"details" firestore:"details"`
	FeedbackID string    `json:"feedback_id,omitempty" firestore:"feedbackId,omitempty"`
}

// IsActive reports whether now falls inside the half-open window
// [StartTime, EndTime).
func (c *Challenge) IsActive(now time.Time) bool {
	return !now.Before(c.StartTime) && now.Before(c.EndTime)
}

func (c *Challenge) HasEnded(now time.Time) bool {
	return !now.Before(c.EndTime)
}

func (c *Challenge) IsPending(now time.Time) bool {
	return now.Before(c.StartTime)
}

func (c *Challenge) Participant(userID string) *Participant {
	for _, p := range c.Participants {
		if p.ID == userID {
			return p
		}
	}
	return nil
}

// ScoreMultiplier converts a 0-10 average score into the jab-volume
// multiplier, clamped to [0.1, 2.0].
func ScoreMultiplier(averageScore float64) float64 {
	m := averageScore / 10.0
	if m < 0.1 {
		return 0.1
	}
	if m > 2.0 {
		return 2.0
	}
	return m
}

// FinalScore is the composite standing of a participant. It is a pure
// function of the three stored aggregates; the participant document only
// carries it as a cached projection for sorting.
func FinalScore(inviteCount, totalJabs int, averageScore float64) float64 {
	return float64(inviteCount)*50.0*0.5 + float64(totalJabs)*0.2*ScoreMultiplier(averageScore)
}

// NextAverage folds one more submission score into a running mean.
func NextAverage(averageScore float64, totalJabs int, score float64) float64 {
	return (averageScore*float64(totalJabs) + score) / float64(totalJabs+1)
}

// ApplyScore returns the participant's aggregates after counting one more
// scored submission. The receiver is not mutated.
func (p Participant) ApplyScore(score float64) Participant {
	p.AverageScore = NextAverage(p.AverageScore, p.TotalJabs, score)
	p.TotalJabs++
	p.FinalScore = FinalScore(p.InviteCount, p.TotalJabs, p.AverageScore)
	return p
}

// ApplyInvite credits the participant with one recruited member.
func (p Participant) ApplyInvite() Participant {
	p.InviteCount++
	p.FinalScore = FinalScore(p.InviteCount, p.TotalJabs, p.AverageScore)
	return p
}

// SelectActive picks the single challenge treated as active for a user.
// Tie-break when several windows overlap: earliest StartTime, then lowest ID.
func SelectActive(challenges []*Challenge, now time.Time) *Challenge {
	var active *Challenge
	for _, c := range challenges {
		if !c.IsActive(now) {
			continue
		}
		if active == nil ||
			c.StartTime.Before(active.StartTime) ||
			(c.StartTime.Equal(active.StartTime) && c.ID < active.ID) {
			active = c
		}
	}
	return active
}

// SelectCompleted filters challenges that have ended, newest ending first.
// Pending challenges belong to neither list.
func SelectCompleted(challenges []*Challenge, now time.Time) []*Challenge {
	completed := make([]*Challenge, 0)
	for _, c := range challenges {
		if c.HasEnded(now) {
			completed = append(completed, c)
		}
	}
	sort.Slice(completed, func(i, j int) bool {
		if !completed[i].EndTime.Equal(completed[j].EndTime) {
			return completed[i].EndTime.After(completed[j].EndTime)
		}
		return completed[i].ID < completed[j].ID
	})
	return completed
}
