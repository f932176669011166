package feedback

import "time"

type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// Feedback is one analyzed training submission. The document is created
// when a video upload starts and the ML backend writes the score and flips
// the status to completed when pose analysis finishes.
type Feedback struct {
	ID        string             `json:"id" firestore:"id"`
	UserID    string             `json:"user_id" firestore:"userId"`
	VideoURL  string             `json:"video_url" firestore:"videoUrl"`
	Status    Status             `json:"status" firestore:"status"`
	Score     float64            `json:"score" firestore:"score"`
	Metrics   map[string]float64 `json:"metrics,omitempty" firestore:"metrics,omitempty"`
	CreatedAt time.Time          `json:"created_at" firestore:"createdAt"`
	UpdatedAt time.Time          `json:"updated_at" firestore:"updatedAt"`
}
