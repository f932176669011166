package services

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"cloud.google.com/go/firestore"
	"github.com/google/uuid"
	"google.golang.org/api/iterator"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"jabFormAPI/internal/types/challenge"
	"jabFormAPI/middleware"
)

const (
	challengesCollection = "challenges"
	completedCollection  = "completedChallenges"
	participantsSubcol   = "participants"
	eventsSubcol         = "events"

	defaultChallengeDuration = 7 * 24 * time.Hour
)

// ChallengeNotifier is the fan-out boundary. Delivery is best effort and
// must never block or fail the calling operation.
type ChallengeNotifier interface {
	NotifyChallenge(challengeID, actorID, title, body string)
}

type ChallengeService struct {
	fs       *firestore.Client
	notifier ChallengeNotifier
}

func NewChallengeService(fs *firestore.Client) *ChallengeService {
	return &ChallengeService{fs: fs}
}

// SetNotifier injects the fan-out dispatcher from main.go.
func (s *ChallengeService) SetNotifier(n ChallengeNotifier) {
	s.notifier = n
}

func (s *ChallengeService) challengeRef(challengeID string) *firestore.DocumentRef {
	return s.fs.Collection(challengesCollection).Doc(challengeID)
}

func (s *ChallengeService) participantsCol(challengeID string) *firestore.CollectionRef {
	return s.challengeRef(challengeID).Collection(participantsSubcol)
}

func (s *ChallengeService) eventsCol(challengeID string) *firestore.CollectionRef {
	return s.challengeRef(challengeID).Collection(eventsSubcol)
}

// CreateChallenge writes the challenge root document, the creator as the
// sole initial participant and the initiating invite event in a single
// transaction, so a failure never leaves a half-created challenge behind.
func (s *ChallengeService) CreateChallenge(ctx context.Context, creatorID string, req *challenge.CreateChallengeRequest) (*challenge.Challenge, error) {
	if req.Name == "" {
		return nil, fmt.Errorf("challenge name is required")
	}

	now := time.Now().UTC()
	start := now
	if req.StartTime != nil {
		start = req.StartTime.UTC()
	}

	end := start.Add(defaultChallengeDuration)
	if req.EndTime != nil {
		end = req.EndTime.UTC()
	} else if req.DurationHours > 0 {
		end = start.Add(time.Duration(req.DurationHours) * time.Hour)
	}

	if !end.After(start) {
		return nil, fmt.Errorf("challenge end time must be after start time")
	}

	c := &challenge.Challenge{
		ID:          uuid.New().String(),
		Name:        req.Name,
		Description: req.Description,
		CreatorID:   creatorID,
		StartTime:   start,
		EndTime:     end,
	}

	creator := &challenge.Participant{
		ID:       creatorID,
		Name:     req.UserName,
		JoinedAt: now,
	}

	ev := &challenge.Event{
		ID:        uuid.New().String(),
		Timestamp: now,
		Type:      challenge.EventInvite,
		UserID:    creatorID,
		UserName:  req.UserName,
		Details:   fmt.Sprintf("%s started the challenge", req.UserName),
	}

	err := s.fs.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		if err := tx.Create(s.challengeRef(c.ID), c); err != nil {
			return err
		}
		if err := tx.Create(s.participantsCol(c.ID).Doc(creator.ID), creator); err != nil {
			return err
		}
		return tx.Create(s.eventsCol(c.ID).Doc(ev.ID), ev)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create challenge: %w", err)
	}

	log.Printf("Challenge %s created by %s (window %s - %s)", c.ID, creatorID, start.Format(time.RFC3339), end.Format(time.RFC3339))

	// The caller gets the fresh challenge immediately, without waiting for
	// a listener round-trip.
	c.Participants = []*challenge.Participant{creator}
	c.Events = []*challenge.Event{ev}
	return c, nil
}

// HandleInvite joins a user into a challenge. The participant record, the
// invite event and the referrer's invite credit are applied atomically.
// Joining a challenge whose window has closed fails with ErrChallengeEnded;
// joining twice fails with ErrAlreadyInChallenge.
func (s *ChallengeService) HandleInvite(ctx context.Context, challengeID, userID, userName, referrerID string) error {
	snap, err := s.challengeRef(challengeID).Get(ctx)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return challenge.ErrInvalidChallenge
		}
		return fmt.Errorf("failed to fetch challenge %s: %w", challengeID, err)
	}

	var c challenge.Challenge
	if err := snap.DataTo(&c); err != nil {
		log.Printf("HandleInvite: Failed to decode challenge %s: %v", challengeID, err)
		return challenge.ErrInvalidChallenge
	}

	now := time.Now().UTC()
	if c.HasEnded(now) {
		return challenge.ErrChallengeEnded
	}

	pRef := s.participantsCol(challengeID).Doc(userID)

	err = s.fs.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		// All reads first: Firestore transactions reject reads after writes.
		_, err := tx.Get(pRef)
		if err == nil {
			return challenge.ErrAlreadyInChallenge
		}
		if status.Code(err) != codes.NotFound {
			return err
		}

		var referrer *challenge.Participant
		var referrerRef *firestore.DocumentRef
		if referrerID != "" && referrerID != userID {
			referrerRef = s.participantsCol(challengeID).Doc(referrerID)
			rSnap, err := tx.Get(referrerRef)
			if err == nil {
				var r challenge.Participant
				if err := rSnap.DataTo(&r); err == nil {
					referrer = &r
				}
			} else if status.Code(err) != codes.NotFound {
				return err
			}
		}

		p := &challenge.Participant{
			ID:       userID,
			Name:     userName,
			JoinedAt: now,
		}
		if err := tx.Create(pRef, p); err != nil {
			return err
		}

		ev := &challenge.Event{
			ID:        uuid.New().String(),
			Timestamp: now,
			Type:      challenge.EventInvite,
			UserID:    userID,
			UserName:  userName,
			Details:   fmt.Sprintf("%s joined the challenge", userName),
		}
		if err := tx.Create(s.eventsCol(challengeID).Doc(ev.ID), ev); err != nil {
			return err
		}

		if referrer != nil {
			credited := referrer.ApplyInvite()
			if err := tx.Update(referrerRef, []firestore.Update{
				{Path: "inviteCount", Value: credited.InviteCount},
				{Path: "finalScore", Value: credited.FinalScore},
			}); err != nil {
				return err
			}
		}

		return nil
	})
	if err != nil {
		if errors.Is(err, challenge.ErrAlreadyInChallenge) {
			return challenge.ErrAlreadyInChallenge
		}
		return fmt.Errorf("failed to join challenge %s: %w", challengeID, err)
	}

	log.Printf("Challenge %s: %s joined (referrer=%q)", challengeID, userID, referrerID)
	middleware.CountChallengeEvent(string(challenge.EventInvite))

	if s.notifier != nil {
		s.notifier.NotifyChallenge(challengeID, userID, c.Name, fmt.Sprintf("%s joined the challenge!", userName))
	}

	return nil
}

// ProcessFeedbackScored applies one completed feedback score to the user's
// active challenge, exactly once per feedback id. Missing user, no active
// challenge, or a scoredAt outside the active window is a no-op, not an
// error: a feedback only counts toward the challenge it was scored during,
// so replaying old completed feedback (a watcher restart delivers the whole
// backlog) cannot leak into whatever challenge is active now. The duplicate
// check, the participant aggregate update and the score event append run in
// one transaction, so a re-delivered feedback notification can never
// double-count and a crash can never leave the aggregates and the event log
// disagreeing.
func (s *ChallengeService) ProcessFeedbackScored(ctx context.Context, userID, feedbackID string, score float64, scoredAt time.Time) error {
	if userID == "" || feedbackID == "" {
		log.Printf("ProcessFeedbackScored: missing user or feedback id, skipping")
		return nil
	}
	if scoredAt.IsZero() {
		scoredAt = time.Now().UTC()
	}

	active, err := s.ActiveChallengeForUser(ctx, userID)
	if err != nil {
		return fmt.Errorf("failed to resolve active challenge for %s: %w", userID, err)
	}
	if active == nil {
		log.Printf("ProcessFeedbackScored: no active challenge for %s, skipping feedback %s", userID, feedbackID)
		return nil
	}
	if !active.IsActive(scoredAt) {
		log.Printf("ProcessFeedbackScored: feedback %s scored at %s, outside the window of challenge %s, skipping",
			feedbackID, scoredAt.Format(time.RFC3339), active.ID)
		return nil
	}

	pRef := s.participantsCol(active.ID).Doc(userID)
	var updated challenge.Participant

	err = s.fs.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		dupQuery := s.eventsCol(active.ID).Where("feedbackId", "==", feedbackID).Limit(1)
		dupIter := tx.Documents(dupQuery)
		defer dupIter.Stop()

		_, err := dupIter.Next()
		if err == nil {
			return challenge.ErrDuplicateEvent
		}
		if err != iterator.Done {
			return err
		}

		pSnap, err := tx.Get(pRef)
		if err != nil {
			return fmt.Errorf("%w: %v", challenge.ErrParticipantUpdateFailed, err)
		}

		var p challenge.Participant
		if err := pSnap.DataTo(&p); err != nil {
			return fmt.Errorf("%w: %v", challenge.ErrParticipantUpdateFailed, err)
		}

		updated = p.ApplyScore(score)
		if err := tx.Update(pRef, []firestore.Update{
			{Path: "totalJabs", Value: updated.TotalJabs},
			{Path: "averageScore", Value: updated.AverageScore},
			{Path: "finalScore", Value: updated.FinalScore},
		}); err != nil {
			return err
		}

		ev := &challenge.Event{
			ID:         uuid.New().String(),
			Timestamp:  time.Now().UTC(),
			Type:       challenge.EventScore,
			UserID:     userID,
			UserName:   p.Name,
			Details:    fmt.Sprintf("%s scored %.1f on a jab session", p.Name, score),
			FeedbackID: feedbackID,
		}
		return tx.Create(s.eventsCol(active.ID).Doc(ev.ID), ev)
	})
	if err != nil {
		if errors.Is(err, challenge.ErrDuplicateEvent) {
			log.Printf("ProcessFeedbackScored: feedback %s already counted on challenge %s", feedbackID, active.ID)
			return challenge.ErrDuplicateEvent
		}
		return fmt.Errorf("failed to process feedback %s: %w", feedbackID, err)
	}

	log.Printf("Challenge %s: %s scored %.1f (jabs=%d avg=%.2f final=%.2f)",
		active.ID, userID, score, updated.TotalJabs, updated.AverageScore, updated.FinalScore)
	middleware.CountChallengeEvent(string(challenge.EventScore))

	if s.notifier != nil {
		s.notifier.NotifyChallenge(active.ID, userID, active.Name,
			fmt.Sprintf("%s just scored %.1f!", updated.Name, score))
	}

	return nil
}

// CompleteChallenge moves an ended challenge into the completed store:
// the root document plus its participants and events are copied into
// completedChallenges and the originals deleted, all in one transaction.
// A challenge whose window is still open fails with ErrChallengeStillActive.
func (s *ChallengeService) CompleteChallenge(ctx context.Context, challengeID string) (*challenge.Challenge, error) {
	srcRoot := s.challengeRef(challengeID)
	destRoot := s.fs.Collection(completedCollection).Doc(challengeID)

	var migrated challenge.Challenge

	err := s.fs.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		rootSnap, err := tx.Get(srcRoot)
		if err != nil {
			if status.Code(err) == codes.NotFound {
				return challenge.ErrInvalidChallenge
			}
			return err
		}

		var c challenge.Challenge
		if err := rootSnap.DataTo(&c); err != nil {
			return challenge.ErrInvalidChallenge
		}
		if !c.HasEnded(time.Now().UTC()) {
			return challenge.ErrChallengeStillActive
		}

		type docCopy struct {
			src  *firestore.DocumentRef
			data map[string]interface{}
		}

		readAll := func(col *firestore.CollectionRef) ([]docCopy, error) {
			it := tx.Documents(col)
			defer it.Stop()
			var out []docCopy
			for {
				snap, err := it.Next()
				if err == iterator.Done {
					break
				}
				if err != nil {
					return nil, err
				}
				out = append(out, docCopy{src: snap.Ref, data: snap.Data()})
			}
			return out, nil
		}

		participants, err := readAll(srcRoot.Collection(participantsSubcol))
		if err != nil {
			return err
		}
		events, err := readAll(srcRoot.Collection(eventsSubcol))
		if err != nil {
			return err
		}

		if err := tx.Set(destRoot, rootSnap.Data()); err != nil {
			return err
		}
		for _, d := range participants {
			if err := tx.Set(destRoot.Collection(participantsSubcol).Doc(d.src.ID), d.data); err != nil {
				return err
			}
			if err := tx.Delete(d.src); err != nil {
				return err
			}
		}
		for _, d := range events {
			if err := tx.Set(destRoot.Collection(eventsSubcol).Doc(d.src.ID), d.data); err != nil {
				return err
			}
			if err := tx.Delete(d.src); err != nil {
				return err
			}
		}
		if err := tx.Delete(srcRoot); err != nil {
			return err
		}

		migrated = c
		return nil
	})
	if err != nil {
		if errors.Is(err, challenge.ErrInvalidChallenge) || errors.Is(err, challenge.ErrChallengeStillActive) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to complete challenge %s: %w", challengeID, err)
	}

	log.Printf("Challenge %s migrated to completed store", challengeID)
	middleware.CountChallengeMigration()
	return &migrated, nil
}

// SweepExpiredChallenges migrates every challenge whose window has closed.
// Returns the number of challenges moved.
func (s *ChallengeService) SweepExpiredChallenges(ctx context.Context) (int, error) {
	it := s.fs.Collection(challengesCollection).
		Where("endTime", "<=", time.Now().UTC()).
		Documents(ctx)
	defer it.Stop()

	moved := 0
	for {
		snap, err := it.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return moved, fmt.Errorf("failed to scan expired challenges: %w", err)
		}

		if _, err := s.CompleteChallenge(ctx, snap.Ref.ID); err != nil {
			// The challenge may have been migrated concurrently; keep sweeping.
			if errors.Is(err, challenge.ErrInvalidChallenge) || errors.Is(err, challenge.ErrChallengeStillActive) {
				continue
			}
			log.Printf("Sweep: failed to complete challenge %s: %v", snap.Ref.ID, err)
			continue
		}
		moved++
	}

	return moved, nil
}

// GetChallenge loads one challenge with its participants and recent events
// from either store, live first.
func (s *ChallengeService) GetChallenge(ctx context.Context, challengeID string) (*challenge.Challenge, error) {
	c, err := s.loadChallenge(ctx, s.challengeRef(challengeID))
	if err == nil {
		return c, nil
	}
	if !errors.Is(err, challenge.ErrInvalidChallenge) {
		return nil, err
	}
	return s.loadChallenge(ctx, s.fs.Collection(completedCollection).Doc(challengeID))
}

func (s *ChallengeService) loadChallenge(ctx context.Context, ref *firestore.DocumentRef) (*challenge.Challenge, error) {
	snap, err := ref.Get(ctx)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return nil, challenge.ErrInvalidChallenge
		}
		return nil, fmt.Errorf("failed to fetch challenge %s: %w", ref.ID, err)
	}

	var c challenge.Challenge
	if err := snap.DataTo(&c); err != nil {
		return nil, challenge.ErrInvalidChallenge
	}

	participants, err := s.loadParticipants(ctx, ref)
	if err != nil {
		return nil, err
	}
	c.Participants = participants

	events, err := s.loadRecentEvents(ctx, ref)
	if err != nil {
		return nil, err
	}
	c.Events = events

	return &c, nil
}

func (s *ChallengeService) loadParticipants(ctx context.Context, ref *firestore.DocumentRef) ([]*challenge.Participant, error) {
	it := ref.Collection(participantsSubcol).OrderBy("joinedAt", firestore.Asc).Documents(ctx)
	defer it.Stop()

	participants := make([]*challenge.Participant, 0)
	for {
		snap, err := it.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to load participants of %s: %w", ref.ID, err)
		}
		var p challenge.Participant
		if err := snap.DataTo(&p); err != nil {
			log.Printf("Skipping undecodable participant %s of challenge %s: %v", snap.Ref.ID, ref.ID, err)
			continue
		}
		participants = append(participants, &p)
	}
	return participants, nil
}

func (s *ChallengeService) loadRecentEvents(ctx context.Context, ref *firestore.DocumentRef) ([]*challenge.Event, error) {
	it := ref.Collection(eventsSubcol).
		OrderBy("timestamp", firestore.Desc).
		Limit(challenge.RecentEventLimit).
		Documents(ctx)
	defer it.Stop()

	events := make([]*challenge.Event, 0)
	for {
		snap, err := it.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to load events of %s: %w", ref.ID, err)
		}
		var ev challenge.Event
		if err := snap.DataTo(&ev); err != nil {
			log.Printf("Skipping undecodable event %s of challenge %s: %v", snap.Ref.ID, ref.ID, err)
			continue
		}
		events = append(events, &ev)
	}
	return events, nil
}

// EventsBefore pages the event log backward from a timestamp cursor.
func (s *ChallengeService) EventsBefore(ctx context.Context, challengeID string, before time.Time, limit int) ([]*challenge.Event, error) {
	if limit <= 0 {
		limit = challenge.RecentEventLimit
	}

	it := s.eventsCol(challengeID).
		Where("timestamp", "<", before).
		OrderBy("timestamp", firestore.Desc).
		Limit(limit).
		Documents(ctx)
	defer it.Stop()

	events := make([]*challenge.Event, 0)
	for {
		snap, err := it.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to page events of %s: %w", challengeID, err)
		}
		var ev challenge.Event
		if err := snap.DataTo(&ev); err != nil {
			continue
		}
		events = append(events, &ev)
	}
	return events, nil
}

// ChallengesForUser discovers every challenge the user belongs to via a
// collection-group query over the participants subcollections. The query
// spans both stores; results are split by parent collection.
func (s *ChallengeService) ChallengesForUser(ctx context.Context, userID string) (live, migrated []*challenge.Challenge, err error) {
	it := s.fs.CollectionGroup(participantsSubcol).Where("id", "==", userID).Documents(ctx)
	defer it.Stop()

	for {
		snap, err := it.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, nil, fmt.Errorf("failed to query memberships for %s: %w", userID, err)
		}

		challengeRef := snap.Ref.Parent.Parent
		if challengeRef == nil {
			continue
		}

		c, err := s.loadChallenge(ctx, challengeRef)
		if err != nil {
			if errors.Is(err, challenge.ErrInvalidChallenge) {
				continue
			}
			return nil, nil, err
		}

		switch challengeRef.Parent.ID {
		case completedCollection:
			migrated = append(migrated, c)
		default:
			live = append(live, c)
		}
	}

	return live, migrated, nil
}

// ActiveChallengeForUser returns the single challenge treated as active for
// the user, or nil when none is in its window.
func (s *ChallengeService) ActiveChallengeForUser(ctx context.Context, userID string) (*challenge.Challenge, error) {
	live, _, err := s.ChallengesForUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	return challenge.SelectActive(live, time.Now().UTC()), nil
}

// CompletedChallengesForUser lists ended challenges, newest ending first.
// Both already-migrated challenges and expired ones the sweeper has not yet
// moved are included.
func (s *ChallengeService) CompletedChallengesForUser(ctx context.Context, userID string) ([]*challenge.Challenge, error) {
	live, migrated, err := s.ChallengesForUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	return challenge.SelectCompleted(append(migrated, live...), time.Now().UTC()), nil
}

// RegisterDeviceToken stores the push token on every live participant
// record of the user so the fan-out can reach their device.
func (s *ChallengeService) RegisterDeviceToken(ctx context.Context, userID, token string) error {
	it := s.fs.CollectionGroup(participantsSubcol).Where("id", "==", userID).Documents(ctx)
	defer it.Stop()

	updatedCount := 0
	for {
		snap, err := it.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return fmt.Errorf("failed to query memberships for %s: %w", userID, err)
		}

		parent := snap.Ref.Parent.Parent
		if parent == nil || parent.Parent.ID == completedCollection {
			continue
		}

		if _, err := snap.Ref.Update(ctx, []firestore.Update{{Path: "fcmToken", Value: token}}); err != nil {
			log.Printf("RegisterDeviceToken: failed to update participant %s of %s: %v", userID, parent.ID, err)
			continue
		}
		updatedCount++
	}

	log.Printf("RegisterDeviceToken: stored token for %s on %d participant records", userID, updatedCount)
	return nil
}
