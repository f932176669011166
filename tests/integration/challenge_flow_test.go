package integration

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"cloud.google.com/go/firestore"
	"github.com/google/uuid"

	"jabFormAPI/internal/types/challenge"
	"jabFormAPI/internal/types/feedback"
	"jabFormAPI/services"
)

// These tests run against the Firestore emulator:
//
//	gcloud emulators firestore start --host-port=localhost:8915
//	FIRESTORE_EMULATOR_HOST=localhost:8915 go test ./tests/integration/...
func setupFirestore(t *testing.T) *firestore.Client {
	t.Helper()

	if os.Getenv("FIRESTORE_EMULATOR_HOST") == "" {
		t.Skip("FIRESTORE_EMULATOR_HOST not set, skipping emulator tests")
	}

	client, err := firestore.NewClient(context.Background(), "jabform-test")
	if err != nil {
		t.Fatalf("Failed to create firestore client: %v", err)
	}
	t.Cleanup(func() { client.Close() })
	return client
}

func TestChallengeLifecycle(t *testing.T) {
	client := setupFirestore(t)
	svc := services.NewChallengeService(client)
	ctx := context.Background()

	creatorID := "user-" + uuid.NewString()
	joinerID := "user-" + uuid.NewString()

	// 1. Create
	c, err := svc.CreateChallenge(ctx, creatorID, &challenge.CreateChallengeRequest{
		Name:          "Sparring week",
		Description:   "One week of daily jab sessions",
		UserName:      "Ana",
		DurationHours: 48,
	})
	if err != nil {
		t.Fatalf("CreateChallenge: %v", err)
	}
	if len(c.Participants) != 1 || c.Participants[0].ID != creatorID {
		t.Fatalf("new challenge participants = %+v, want only the creator", c.Participants)
	}
	if len(c.Events) != 1 || c.Events[0].Type != challenge.EventInvite {
		t.Fatalf("new challenge events = %+v, want one invite event", c.Events)
	}

	// 2. Join with the creator as referrer
	if err := svc.HandleInvite(ctx, c.ID, joinerID, "Ben", creatorID); err != nil {
		t.Fatalf("HandleInvite: %v", err)
	}

	// Joining twice is a conflict, not a second participant.
	if err := svc.HandleInvite(ctx, c.ID, joinerID, "Ben", creatorID); !errors.Is(err, challenge.ErrAlreadyInChallenge) {
		t.Errorf("second join error = %v, want ErrAlreadyInChallenge", err)
	}

	if err := svc.HandleInvite(ctx, "no-such-challenge", joinerID, "Ben", ""); !errors.Is(err, challenge.ErrInvalidChallenge) {
		t.Errorf("joining a missing challenge error = %v, want ErrInvalidChallenge", err)
	}

	// 3. Referrer got the invite credit
	loaded, err := svc.GetChallenge(ctx, c.ID)
	if err != nil {
		t.Fatalf("GetChallenge: %v", err)
	}
	creator := loaded.Participant(creatorID)
	if creator == nil || creator.InviteCount != 1 {
		t.Errorf("creator after referral = %+v, want InviteCount 1", creator)
	}
	if len(loaded.Participants) != 2 {
		t.Errorf("participants = %d, want 2", len(loaded.Participants))
	}

	// 4. Score a feedback, exactly once
	feedbackID := "fb-" + uuid.NewString()
	if err := svc.ProcessFeedbackScored(ctx, joinerID, feedbackID, 8.0, time.Now().UTC()); err != nil {
		t.Fatalf("ProcessFeedbackScored: %v", err)
	}
	if err := svc.ProcessFeedbackScored(ctx, joinerID, feedbackID, 8.0, time.Now().UTC()); !errors.Is(err, challenge.ErrDuplicateEvent) {
		t.Errorf("redelivered feedback error = %v, want ErrDuplicateEvent", err)
	}

	loaded, err = svc.GetChallenge(ctx, c.ID)
	if err != nil {
		t.Fatalf("GetChallenge after scoring: %v", err)
	}
	joiner := loaded.Participant(joinerID)
	if joiner == nil {
		t.Fatal("joiner participant missing")
	}
	if joiner.TotalJabs != 1 || joiner.AverageScore != 8.0 {
		t.Errorf("joiner aggregates = jabs %d avg %v, want 1 and 8.0", joiner.TotalJabs, joiner.AverageScore)
	}
	wantFinal := challenge.FinalScore(0, 1, 8.0)
	if joiner.FinalScore != wantFinal {
		t.Errorf("joiner final score = %v, want %v", joiner.FinalScore, wantFinal)
	}

	// 5. A user with no membership is a silent no-op
	if err := svc.ProcessFeedbackScored(ctx, "user-"+uuid.NewString(), "fb-"+uuid.NewString(), 5.0, time.Now().UTC()); err != nil {
		t.Errorf("feedback without an active challenge should be a no-op, got %v", err)
	}

	// 6. Resolution
	active, err := svc.ActiveChallengeForUser(ctx, joinerID)
	if err != nil {
		t.Fatalf("ActiveChallengeForUser: %v", err)
	}
	if active == nil || active.ID != c.ID {
		t.Errorf("active challenge = %+v, want %s", active, c.ID)
	}

	// 7. Still inside its window, so completion is refused
	if _, err := svc.CompleteChallenge(ctx, c.ID); !errors.Is(err, challenge.ErrChallengeStillActive) {
		t.Errorf("completing an active challenge error = %v, want ErrChallengeStillActive", err)
	}
}

func TestChallengeCompletionMigration(t *testing.T) {
	client := setupFirestore(t)
	svc := services.NewChallengeService(client)
	ctx := context.Background()

	userID := "user-" + uuid.NewString()
	start := time.Now().UTC().Add(-2 * time.Hour)
	end := time.Now().UTC().Add(-1 * time.Hour)

	c, err := svc.CreateChallenge(ctx, userID, &challenge.CreateChallengeRequest{
		Name:      "Already over",
		UserName:  "Ana",
		StartTime: &start,
		EndTime:   &end,
	})
	if err != nil {
		t.Fatalf("CreateChallenge: %v", err)
	}

	// Expired but not yet swept: the window check alone must reject the
	// join, leaving nothing behind.
	lateID := "user-" + uuid.NewString()
	if err := svc.HandleInvite(ctx, c.ID, lateID, "Late", userID); !errors.Is(err, challenge.ErrChallengeEnded) {
		t.Errorf("joining an expired challenge error = %v, want ErrChallengeEnded", err)
	}
	beforeMigration, err := svc.GetChallenge(ctx, c.ID)
	if err != nil {
		t.Fatalf("GetChallenge: %v", err)
	}
	if len(beforeMigration.Participants) != 1 {
		t.Errorf("rejected join left %d participants, want 1", len(beforeMigration.Participants))
	}
	if len(beforeMigration.Events) != 1 {
		t.Errorf("rejected join left %d events, want 1", len(beforeMigration.Events))
	}
	if p := beforeMigration.Participant(userID); p == nil || p.InviteCount != 0 {
		t.Errorf("rejected join credited the referrer: %+v", p)
	}

	migrated, err := svc.CompleteChallenge(ctx, c.ID)
	if err != nil {
		t.Fatalf("CompleteChallenge: %v", err)
	}
	if migrated.ID != c.ID {
		t.Errorf("migrated challenge id = %s, want %s", migrated.ID, c.ID)
	}

	// Idempotent: the live copy is gone.
	if _, err := svc.CompleteChallenge(ctx, c.ID); !errors.Is(err, challenge.ErrInvalidChallenge) {
		t.Errorf("second completion error = %v, want ErrInvalidChallenge", err)
	}

	// The migrated copy keeps its subcollections and stays resolvable.
	loaded, err := svc.GetChallenge(ctx, c.ID)
	if err != nil {
		t.Fatalf("GetChallenge after migration: %v", err)
	}
	if len(loaded.Participants) != 1 || len(loaded.Events) != 1 {
		t.Errorf("migrated challenge kept %d participants and %d events, want 1 and 1",
			len(loaded.Participants), len(loaded.Events))
	}

	completed, err := svc.CompletedChallengesForUser(ctx, userID)
	if err != nil {
		t.Fatalf("CompletedChallengesForUser: %v", err)
	}
	found := false
	for _, cc := range completed {
		if cc.ID == c.ID {
			found = true
		}
	}
	if !found {
		t.Error("migrated challenge missing from the completed list")
	}

	active, err := svc.ActiveChallengeForUser(ctx, userID)
	if err != nil {
		t.Fatalf("ActiveChallengeForUser: %v", err)
	}
	if active != nil {
		t.Errorf("active challenge = %+v, want nil after migration", active)
	}

	// An ended challenge cannot be joined, migrated or not.
	if err := svc.HandleInvite(ctx, c.ID, "user-"+uuid.NewString(), "Late", ""); !errors.Is(err, challenge.ErrInvalidChallenge) {
		t.Errorf("joining a migrated challenge error = %v, want ErrInvalidChallenge", err)
	}
}

func TestSweepExpiredChallenges(t *testing.T) {
	client := setupFirestore(t)
	svc := services.NewChallengeService(client)
	ctx := context.Background()

	userID := "user-" + uuid.NewString()
	start := time.Now().UTC().Add(-3 * time.Hour)
	end := time.Now().UTC().Add(-2 * time.Hour)

	expired, err := svc.CreateChallenge(ctx, userID, &challenge.CreateChallengeRequest{
		Name:      "Expired",
		UserName:  "Ana",
		StartTime: &start,
		EndTime:   &end,
	})
	if err != nil {
		t.Fatalf("CreateChallenge: %v", err)
	}

	stillOpen, err := svc.CreateChallenge(ctx, userID, &challenge.CreateChallengeRequest{
		Name:          "Still open",
		UserName:      "Ana",
		DurationHours: 24,
	})
	if err != nil {
		t.Fatalf("CreateChallenge: %v", err)
	}

	moved, err := svc.SweepExpiredChallenges(ctx)
	if err != nil {
		t.Fatalf("SweepExpiredChallenges: %v", err)
	}
	if moved < 1 {
		t.Errorf("sweep moved %d challenges, want at least 1", moved)
	}

	if _, err := svc.CompleteChallenge(ctx, expired.ID); !errors.Is(err, challenge.ErrInvalidChallenge) {
		t.Errorf("expired challenge should already be migrated, got %v", err)
	}

	active, err := svc.ActiveChallengeForUser(ctx, userID)
	if err != nil {
		t.Fatalf("ActiveChallengeForUser: %v", err)
	}
	if active == nil || active.ID != stillOpen.ID {
		t.Errorf("active after sweep = %+v, want %s", active, stillOpen.ID)
	}
}

func TestEventsPaging(t *testing.T) {
	client := setupFirestore(t)
	svc := services.NewChallengeService(client)
	ctx := context.Background()

	userID := "user-" + uuid.NewString()
	c, err := svc.CreateChallenge(ctx, userID, &challenge.CreateChallengeRequest{
		Name:          "Event feed",
		UserName:      "Ana",
		DurationHours: 24,
	})
	if err != nil {
		t.Fatalf("CreateChallenge: %v", err)
	}

	// 20 scored feedbacks on top of the creation event.
	for i := 0; i < 20; i++ {
		if err := svc.ProcessFeedbackScored(ctx, userID, "fb-"+uuid.NewString(), 7.0, time.Now().UTC()); err != nil {
			t.Fatalf("ProcessFeedbackScored #%d: %v", i, err)
		}
	}

	loaded, err := svc.GetChallenge(ctx, c.ID)
	if err != nil {
		t.Fatalf("GetChallenge: %v", err)
	}
	if len(loaded.Events) != challenge.RecentEventLimit {
		t.Fatalf("live feed has %d events, want the cap of %d", len(loaded.Events), challenge.RecentEventLimit)
	}

	cursor := loaded.Events[len(loaded.Events)-1].Timestamp
	older, err := svc.EventsBefore(ctx, c.ID, cursor, challenge.RecentEventLimit)
	if err != nil {
		t.Fatalf("EventsBefore: %v", err)
	}
	// 21 events total, 15 in the live feed, 6 older.
	if len(older) != 6 {
		t.Errorf("paged in %d older events, want 6", len(older))
	}
	for _, ev := range older {
		if !ev.Timestamp.Before(cursor) {
			t.Errorf("paged event %s at %s is not before the cursor %s", ev.ID, ev.Timestamp, cursor)
		}
	}
}

func TestRegisterDeviceToken(t *testing.T) {
	client := setupFirestore(t)
	svc := services.NewChallengeService(client)
	ctx := context.Background()

	userID := "user-" + uuid.NewString()
	c, err := svc.CreateChallenge(ctx, userID, &challenge.CreateChallengeRequest{
		Name:          "Token home",
		UserName:      "Ana",
		DurationHours: 24,
	})
	if err != nil {
		t.Fatalf("CreateChallenge: %v", err)
	}

	if err := svc.RegisterDeviceToken(ctx, userID, "device-token-1"); err != nil {
		t.Fatalf("RegisterDeviceToken: %v", err)
	}

	loaded, err := svc.GetChallenge(ctx, c.ID)
	if err != nil {
		t.Fatalf("GetChallenge: %v", err)
	}
	p := loaded.Participant(userID)
	if p == nil || p.FCMToken != "device-token-1" {
		t.Errorf("participant token = %+v, want device-token-1", p)
	}
}

func TestFeedbackOutsideWindowIgnored(t *testing.T) {
	client := setupFirestore(t)
	svc := services.NewChallengeService(client)
	ctx := context.Background()

	userID := "user-" + uuid.NewString()
	c, err := svc.CreateChallenge(ctx, userID, &challenge.CreateChallengeRequest{
		Name:          "Fresh start",
		UserName:      "Ana",
		DurationHours: 24,
	})
	if err != nil {
		t.Fatalf("CreateChallenge: %v", err)
	}

	// A feedback scored before the window opened belongs to no challenge
	// that is active now; it must be silently dropped, not counted.
	stale := time.Now().UTC().Add(-2 * time.Hour)
	if err := svc.ProcessFeedbackScored(ctx, userID, "fb-"+uuid.NewString(), 9.0, stale); err != nil {
		t.Fatalf("stale feedback should be a no-op, got %v", err)
	}

	// Same for one scored after the window closes.
	afterEnd := time.Now().UTC().Add(48 * time.Hour)
	if err := svc.ProcessFeedbackScored(ctx, userID, "fb-"+uuid.NewString(), 9.0, afterEnd); err != nil {
		t.Fatalf("post-window feedback should be a no-op, got %v", err)
	}

	loaded, err := svc.GetChallenge(ctx, c.ID)
	if err != nil {
		t.Fatalf("GetChallenge: %v", err)
	}
	p := loaded.Participant(userID)
	if p == nil || p.TotalJabs != 0 || p.AverageScore != 0 {
		t.Errorf("out-of-window feedback changed aggregates: %+v", p)
	}
	if len(loaded.Events) != 1 {
		t.Errorf("out-of-window feedback appended events: %d, want only the creation event", len(loaded.Events))
	}
}

func TestFeedbackWatcherSkipsBacklog(t *testing.T) {
	client := setupFirestore(t)
	svc := services.NewChallengeService(client)
	ctx := context.Background()

	userID := "user-" + uuid.NewString()

	// A completed feedback from two hours ago, long before the challenge
	// below exists. A watcher start replays it in the initial snapshot.
	staleID := "fb-" + uuid.NewString()
	staleAt := time.Now().UTC().Add(-2 * time.Hour)
	if _, err := client.Collection("feedback").Doc(staleID).Set(ctx, &feedback.Feedback{
		ID:        staleID,
		UserID:    userID,
		Status:    feedback.StatusCompleted,
		Score:     9.0,
		CreatedAt: staleAt,
		UpdatedAt: staleAt,
	}); err != nil {
		t.Fatalf("failed to seed stale feedback: %v", err)
	}

	c, err := svc.CreateChallenge(ctx, userID, &challenge.CreateChallengeRequest{
		Name:          "Restart safety",
		UserName:      "Ana",
		DurationHours: 24,
	})
	if err != nil {
		t.Fatalf("CreateChallenge: %v", err)
	}

	watcher := services.NewFeedbackWatcher(client, svc)
	watcher.Start()
	defer watcher.Stop()

	// A feedback completed now must flow through the watcher into the
	// challenge.
	freshID := "fb-" + uuid.NewString()
	now := time.Now().UTC()
	if _, err := client.Collection("feedback").Doc(freshID).Set(ctx, &feedback.Feedback{
		ID:        freshID,
		UserID:    userID,
		Status:    feedback.StatusCompleted,
		Score:     7.0,
		CreatedAt: now,
		UpdatedAt: now,
	}); err != nil {
		t.Fatalf("failed to write fresh feedback: %v", err)
	}

	deadline := time.Now().Add(15 * time.Second)
	var loaded *challenge.Challenge
	for {
		loaded, err = svc.GetChallenge(ctx, c.ID)
		if err != nil {
			t.Fatalf("GetChallenge: %v", err)
		}
		if p := loaded.Participant(userID); p != nil && p.TotalJabs > 0 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("timed out waiting for the fresh feedback to be counted")
		}
		time.Sleep(200 * time.Millisecond)
	}

	// The watcher saw both documents; only the fresh one may count. The
	// stale doc is delivered first (initial snapshot), so by the time the
	// fresh score landed it has already been through the processor.
	p := loaded.Participant(userID)
	if p.TotalJabs != 1 || p.AverageScore != 7.0 {
		t.Errorf("aggregates = jabs %d avg %v, want exactly the fresh 7.0", p.TotalJabs, p.AverageScore)
	}
	for _, ev := range loaded.Events {
		if ev.FeedbackID == staleID {
			t.Errorf("backlog feedback %s was replayed into the new challenge", staleID)
		}
	}
}

func TestChallengeListenerLive(t *testing.T) {
	client := setupFirestore(t)
	svc := services.NewChallengeService(client)
	ctx := context.Background()

	userID := "user-" + uuid.NewString()

	updates := make(chan services.ChallengeSnapshot, 32)
	listener := services.NewChallengeListener(svc, func(s services.ChallengeSnapshot) {
		select {
		case updates <- s:
		default:
		}
	})
	listener.StartListening(userID)
	defer listener.StopListening()

	c, err := svc.CreateChallenge(ctx, userID, &challenge.CreateChallengeRequest{
		Name:          "Watched",
		UserName:      "Ana",
		DurationHours: 24,
	})
	if err != nil {
		t.Fatalf("CreateChallenge: %v", err)
	}

	waitFor := func(desc string, cond func(services.ChallengeSnapshot) bool) {
		t.Helper()
		deadline := time.After(15 * time.Second)
		for {
			select {
			case snap := <-updates:
				if cond(snap) {
					return
				}
			case <-deadline:
				t.Fatalf("timed out waiting for %s", desc)
			}
		}
	}

	waitFor("the challenge to become active", func(s services.ChallengeSnapshot) bool {
		return s.Active != nil && s.Active.ID == c.ID
	})

	// A scored feedback must surface through the events watch.
	if err := svc.ProcessFeedbackScored(ctx, userID, "fb-"+uuid.NewString(), 9.0, time.Now().UTC()); err != nil {
		t.Fatalf("ProcessFeedbackScored: %v", err)
	}
	waitFor("the score event to appear", func(s services.ChallengeSnapshot) bool {
		if s.Active == nil {
			return false
		}
		for _, ev := range s.Active.Events {
			if ev.Type == challenge.EventScore {
				return true
			}
		}
		return false
	})

	listener.StopListening()
	listener.StopListening() // idempotent after a real session too
}
