package services

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"cloud.google.com/go/firestore"
	"google.golang.org/api/iterator"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"jabFormAPI/internal/types/challenge"
)

// ChallengeSnapshot is the listener's observable state: the single active
// challenge (if any) plus the user's completed challenges, newest first.
type ChallengeSnapshot struct {
	Active    *challenge.Challenge   `json:"active"`
	Completed []*challenge.Challenge `json:"completed"`
}

// ChallengeListener maintains a live view of one user's challenges without
// polling. A membership watch (collection-group query on participants)
// discovers the challenges; the active one additionally gets a root-document
// watch (deletion, field updates) and an events watch (most recent 15).
type ChallengeListener struct {
	svc      *ChallengeService
	onUpdate func(ChallengeSnapshot)

	mu           sync.Mutex
	userID       string
	cancel       context.CancelFunc
	activeCancel context.CancelFunc
	activeID     string
	active       *challenge.Challenge
	completed    []*challenge.Challenge
	wg           sync.WaitGroup
}

func NewChallengeListener(svc *ChallengeService, onUpdate func(ChallengeSnapshot)) *ChallengeListener {
	return &ChallengeListener{
		svc:      svc,
		onUpdate: onUpdate,
	}
}

// StartListening subscribes to every challenge the user participates in.
// A previous subscription for another user is torn down first.
func (l *ChallengeListener) StartListening(userID string) {
	l.StopListening()

	ctx, cancel := context.WithCancel(context.Background())

	l.mu.Lock()
	l.userID = userID
	l.cancel = cancel
	l.mu.Unlock()

	l.wg.Add(1)
	go l.watchMemberships(ctx, userID)
}

// StopListening tears down all live subscriptions. Safe to call repeatedly
// and with nothing active.
func (l *ChallengeListener) StopListening() {
	l.mu.Lock()
	if l.cancel != nil {
		l.cancel()
		l.cancel = nil
	}
	if l.activeCancel != nil {
		l.activeCancel()
		l.activeCancel = nil
	}
	l.userID = ""
	l.mu.Unlock()

	l.wg.Wait()
}

// Snapshot returns the current observable state.
func (l *ChallengeListener) Snapshot() ChallengeSnapshot {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.snapshotLocked()
}

func (l *ChallengeListener) snapshotLocked() ChallengeSnapshot {
	completed := make([]*challenge.Challenge, len(l.completed))
	copy(completed, l.completed)
	return ChallengeSnapshot{Active: l.active, Completed: completed}
}

func (l *ChallengeListener) emit() {
	l.mu.Lock()
	snap := l.snapshotLocked()
	cb := l.onUpdate
	l.mu.Unlock()

	if cb != nil {
		cb(snap)
	}
}

func (l *ChallengeListener) watchMemberships(ctx context.Context, userID string) {
	defer l.wg.Done()

	it := l.svc.fs.CollectionGroup(participantsSubcol).
		Where("id", "==", userID).
		Snapshots(ctx)
	defer it.Stop()

	for {
		qsnap, err := it.Next()
		if err != nil {
			// A failing watch leaves prior state untouched; the UI keeps
			// stale data instead of going blank.
			if status.Code(err) == codes.Canceled || errors.Is(err, context.Canceled) {
				return
			}
			log.Printf("ChallengeListener: membership watch for %s failed: %v", userID, err)
			return
		}
		l.refresh(ctx, qsnap.Documents)
	}
}

// refresh rebuilds the listener state from one membership snapshot.
func (l *ChallengeListener) refresh(ctx context.Context, docs *firestore.DocumentIterator) {
	var live, migrated []*challenge.Challenge

	for {
		snap, err := docs.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			log.Printf("ChallengeListener: failed to read membership doc: %v", err)
			return
		}

		challengeRef := snap.Ref.Parent.Parent
		if challengeRef == nil {
			continue
		}

		c, err := l.svc.loadChallenge(ctx, challengeRef)
		if err != nil {
			if errors.Is(err, challenge.ErrInvalidChallenge) {
				continue
			}
			log.Printf("ChallengeListener: failed to load challenge %s: %v", challengeRef.ID, err)
			continue
		}

		if challengeRef.Parent.ID == completedCollection {
			migrated = append(migrated, c)
		} else {
			live = append(live, c)
		}
	}

	now := time.Now().UTC()
	active := challenge.SelectActive(live, now)
	completed := challenge.SelectCompleted(append(migrated, live...), now)

	l.mu.Lock()
	l.completed = completed

	switch {
	case active == nil:
		if l.activeCancel != nil {
			l.activeCancel()
			l.activeCancel = nil
		}
		l.active = nil
		l.activeID = ""
	case active.ID != l.activeID:
		if l.activeCancel != nil {
			l.activeCancel()
		}
		actx, acancel := context.WithCancel(ctx)
		l.activeCancel = acancel
		l.active = active
		l.activeID = active.ID
		l.wg.Add(2)
		go l.watchActiveDoc(actx, active.ID)
		go l.watchActiveEvents(actx, active.ID)
	default:
		l.active = active
	}
	l.mu.Unlock()

	l.emit()
}

// watchActiveDoc follows the active challenge's root document to pick up
// field updates and server-side deletion.
func (l *ChallengeListener) watchActiveDoc(ctx context.Context, challengeID string) {
	defer l.wg.Done()

	it := l.svc.challengeRef(challengeID).Snapshots(ctx)
	defer it.Stop()

	for {
		snap, err := it.Next()
		if err != nil {
			if status.Code(err) == codes.Canceled || errors.Is(err, context.Canceled) {
				return
			}
			log.Printf("ChallengeListener: active doc watch for %s failed: %v", challengeID, err)
			return
		}

		if !snap.Exists() {
			l.clearActiveIf(challengeID)
			return
		}

		var c challenge.Challenge
		if err := snap.DataTo(&c); err != nil {
			log.Printf("ChallengeListener: failed to decode challenge %s: %v", challengeID, err)
			continue
		}

		l.mu.Lock()
		if l.activeID == challengeID && l.active != nil {
			c.Participants = l.active.Participants
			c.Events = l.active.Events
			l.active = &c
		}
		l.mu.Unlock()

		l.emit()
	}
}

// watchActiveEvents follows the active challenge's most recent events.
func (l *ChallengeListener) watchActiveEvents(ctx context.Context, challengeID string) {
	defer l.wg.Done()

	it := l.svc.eventsCol(challengeID).
		OrderBy("timestamp", firestore.Desc).
		Limit(challenge.RecentEventLimit).
		Snapshots(ctx)
	defer it.Stop()

	for {
		qsnap, err := it.Next()
		if err != nil {
			if status.Code(err) == codes.Canceled || errors.Is(err, context.Canceled) {
				return
			}
			log.Printf("ChallengeListener: events watch for %s failed: %v", challengeID, err)
			return
		}

		events := make([]*challenge.Event, 0, challenge.RecentEventLimit)
		for {
			snap, err := qsnap.Documents.Next()
			if err == iterator.Done {
				break
			}
			if err != nil {
				log.Printf("ChallengeListener: failed to read event of %s: %v", challengeID, err)
				break
			}
			var ev challenge.Event
			if err := snap.DataTo(&ev); err != nil {
				continue
			}
			events = append(events, &ev)
		}

		l.setActiveEvents(challengeID, events)
	}
}

// setActiveEvents swaps in a fresh copy of the active challenge carrying the
// new event feed. Snapshots handed to onUpdate keep the pointer they were
// emitted with, so the struct behind an emitted snapshot is never written to.
func (l *ChallengeListener) setActiveEvents(challengeID string, events []*challenge.Event) {
	l.mu.Lock()
	if l.activeID != challengeID || l.active == nil {
		l.mu.Unlock()
		return
	}
	c := *l.active
	c.Events = events
	l.active = &c
	l.mu.Unlock()

	l.emit()
}

// clearActiveIf drops the active challenge after a server-side deletion,
// but only if the state still refers to that challenge: a new active
// challenge may already have been assigned before the deletion notification
// arrived.
func (l *ChallengeListener) clearActiveIf(challengeID string) {
	l.mu.Lock()
	if l.activeID != challengeID {
		l.mu.Unlock()
		return
	}
	l.active = nil
	l.activeID = ""
	if l.activeCancel != nil {
		l.activeCancel()
		l.activeCancel = nil
	}
	l.mu.Unlock()

	l.emit()
}
