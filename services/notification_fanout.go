package services

import (
	"bytes"
	"context"
	"encoding/json"
	"log"
	"net/http"
	"sync"
	"time"

	"cloud.google.com/go/firestore"
	"google.golang.org/api/iterator"

	"jabFormAPI/internal/types/challenge"
	"jabFormAPI/internal/types/notification"
)

// PushNotificationProvider is the device-delivery boundary (FCM in
// production, a mock in tests).
type PushNotificationProvider interface {
	SendPush(ctx context.Context, tokens []string, title, body string, data map[string]string) error
}

// NotificationFanout delivers best-effort notifications to the other
// participants of a challenge whenever membership or scores change.
// Failures are logged, never propagated and never retried here.
type NotificationFanout struct {
	fs           *firestore.Client
	inbox        *NotificationService
	pushProvider PushNotificationProvider
	endpointURL  string
	httpClient   *http.Client
	workers      int
	jobQueue     chan *fanoutJob
	stopChan     chan struct{}
	wg           sync.WaitGroup
}

type fanoutJob struct {
	ChallengeID string
	ActorID     string
	Title       string
	Body        string
}

// NewNotificationFanout starts the worker pool. endpointURL is the
// server-side notification dispatcher; empty disables the webhook call.
func NewNotificationFanout(fs *firestore.Client, inbox *NotificationService, endpointURL string) *NotificationFanout {
	f := &NotificationFanout{
		fs:          fs,
		inbox:       inbox,
		endpointURL: endpointURL,
		httpClient:  &http.Client{Timeout: 10 * time.Second},
		workers:     5,
		jobQueue:    make(chan *fanoutJob, 100),
		stopChan:    make(chan struct{}),
	}

	f.startWorkers()
	return f
}

// SetPushProvider injects the real FCM provider from main.go.
func (f *NotificationFanout) SetPushProvider(provider PushNotificationProvider) {
	f.pushProvider = provider
}

func (f *NotificationFanout) startWorkers() {
	for i := 0; i < f.workers; i++ {
		f.wg.Add(1)
		go f.worker()
	}
}

func (f *NotificationFanout) worker() {
	defer f.wg.Done()
	for {
		select {
		case job := <-f.jobQueue:
			f.processJob(job)
		case <-f.stopChan:
			return
		}
	}
}

// NotifyChallenge queues a fan-out to every participant of the challenge
// except the acting user. Fire and forget: a full queue drops the job.
func (f *NotificationFanout) NotifyChallenge(challengeID, actorID, title, body string) {
	job := &fanoutJob{
		ChallengeID: challengeID,
		ActorID:     actorID,
		Title:       title,
		Body:        body,
	}

	select {
	case f.jobQueue <- job:
	default:
		log.Printf("Fanout: queue full, dropping notification for challenge %s", challengeID)
	}
}

func (f *NotificationFanout) processJob(job *fanoutJob) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	recipients, tokens := f.loadRecipients(ctx, job)

	if f.inbox != nil {
		for _, p := range recipients {
			req := &notification.CreateNotificationRequest{
				UserID:      p.ID,
				Type:        notification.TypeChallengeScore,
				Title:       job.Title,
				Body:        job.Body,
				ChallengeID: job.ChallengeID,
				ActorID:     job.ActorID,
			}
			if _, err := f.inbox.CreateNotification(ctx, req); err != nil {
				log.Printf("Fanout: failed to write inbox row for %s: %v", p.ID, err)
			}
		}
	}

	if f.pushProvider != nil && len(tokens) > 0 {
		data := map[string]string{"challengeId": job.ChallengeID}
		if err := f.pushProvider.SendPush(ctx, tokens, job.Title, job.Body, data); err != nil {
			log.Printf("Fanout: push failed for challenge %s: %v", job.ChallengeID, err)
		}
	}

	f.postWebhook(ctx, job)
}

func (f *NotificationFanout) loadRecipients(ctx context.Context, job *fanoutJob) ([]*challenge.Participant, []string) {
	it := f.fs.Collection(challengesCollection).
		Doc(job.ChallengeID).
		Collection(participantsSubcol).
		Documents(ctx)
	defer it.Stop()

	var recipients []*challenge.Participant
	var tokens []string
	for {
		snap, err := it.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			log.Printf("Fanout: failed to load participants of %s: %v", job.ChallengeID, err)
			break
		}

		var p challenge.Participant
		if err := snap.DataTo(&p); err != nil {
			continue
		}
		if p.ID == job.ActorID {
			continue
		}
		recipients = append(recipients, &p)
		if p.FCMToken != "" {
			tokens = append(tokens, p.FCMToken)
		}
	}
	return recipients, tokens
}

// postWebhook forwards the notification to the server-side dispatcher.
// Only success/failure is consumed from the response.
func (f *NotificationFanout) postWebhook(ctx context.Context, job *fanoutJob) {
	if f.endpointURL == "" {
		return
	}

	payload, err := json.Marshal(map[string]string{
		"message":     job.Body,
		"challengeId": job.ChallengeID,
	})
	if err != nil {
		log.Printf("Fanout: failed to marshal webhook payload: %v", err)
		return
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, f.endpointURL, bytes.NewReader(payload))
	if err != nil {
		log.Printf("Fanout: failed to build webhook request: %v", err)
		return
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := f.httpClient.Do(req)
	if err != nil {
		log.Printf("Fanout: webhook call failed for challenge %s: %v", job.ChallengeID, err)
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		log.Printf("Fanout: webhook returned %d for challenge %s", resp.StatusCode, job.ChallengeID)
	}
}

// Stop drains the workers gracefully.
func (f *NotificationFanout) Stop() {
	log.Println("Stopping notification fanout...")
	close(f.stopChan)
	f.wg.Wait()
	log.Println("Notification fanout stopped")
}

// Mock implementation for testing

type MockPushProvider struct {
	mu    sync.Mutex
	Calls [][]string
}

func (m *MockPushProvider) SendPush(ctx context.Context, tokens []string, title, body string, data map[string]string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Calls = append(m.Calls, tokens)
	log.Printf("MOCK PUSH: Sending to %d devices: %s - %s", len(tokens), title, body)
	return nil
}
