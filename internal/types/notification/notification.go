package notification

import (
	"time"

	"github.com/google/uuid"
)

type NotificationType string

const (
	TypeChallengeInvite    NotificationType = "challenge_invite"
	TypeChallengeScore     NotificationType = "challenge_score"
	TypeChallengeCompleted NotificationType = "challenge_completed"
)

type Notification struct {
	ID          uuid.UUID        `json:"id" db:"id"`
	UserID      string           `json:"user_id" db:"user_id"`
	Type        NotificationType `json:"type" db:"type"`
	Title       string           `json:"title" db:"title"`
	Body        string           `json:"body" db:"body"`
	ChallengeID string           `json:"challenge_id" db:"challenge_id"`
	ActorID     string           `json:"actor_id,omitempty" db:"actor_id"`
	Data        map[string]any   `json:"data,omitempty" db:"data"`
	ReadAt      *time.Time       `json:"read_at,omitempty" db:"read_at"`
	CreatedAt   time.Time        `json:"created_at" db:"created_at"`
}

type CreateNotificationRequest struct {
	UserID      string           `json:"user_id"`
	Type        NotificationType `json:"type"`
	Title       string           `json:"title"`
	Body        string           `json:"body"`
	ChallengeID string           `json:"challenge_id"`
	ActorID     string           `json:"actor_id,omitempty"`
	Data        map[string]any   `json:"data,omitempty"`
}

type RegisterDeviceRequest struct {
	Token    string `json:"token"`
	Platform string `json:"platform"`
}

type NotificationListResponse struct {
	Notifications []*Notification `json:"notifications"`
	UnreadCount   int             `json:"unread_count"`
	TotalCount    int             `json:"total_count"`
	Page          int             `json:"page"`
	PageSize      int             `json:"page_size"`
}
