package challenge

import "time"

type CreateChallengeRequest struct {
	Name        string     `json:"name"`
	Description string     `json:"description"`
	UserName    string     `json:"user_name"`
	StartTime   *time.Time `json:"start_time,omitempty"`
	EndTime     *time.Time `json:"end_time,omitempty"`
	// DurationHours is used when explicit times are not supplied.
	DurationHours int `json:"duration_hours,omitempty"`
}

type JoinChallengeRequest struct {
	UserName   string `json:"user_name"`
	ReferrerID string `json:"referrer_id,omitempty"`
}

type FeedbackScoredRequest struct {
	FeedbackID string  `json:"feedback_id"`
	UserID     string  `json:"user_id"`
	Score      float64 `json:"score"`
}

type EventsResponse struct {
	Events  []*Event   `json:"events"`
	HasMore bool       `json:"has_more"`
	Cursor  *time.Time `json:"cursor,omitempty"`
}

type ActiveChallengeResponse struct {
	Challenge *Challenge `json:"challenge"`
}

type CompletedChallengesResponse struct {
	Challenges []*Challenge `json:"challenges"`
}
