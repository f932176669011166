package services

import (
	"context"
	"errors"
	"log"
	"sync"

	"cloud.google.com/go/firestore"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"jabFormAPI/internal/types/challenge"
	"jabFormAPI/internal/types/feedback"
)

const feedbackCollection = "feedback"

// FeedbackWatcher follows the feedback collection for documents the ML
// backend has flipped to completed and routes each one into the challenge
// event processor. Re-delivery is harmless: the processor's duplicate-event
// guard turns a second delivery of the same feedback into a no-op.
type FeedbackWatcher struct {
	fs  *firestore.Client
	svc *ChallengeService

	mu     sync.Mutex
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewFeedbackWatcher(fs *firestore.Client, svc *ChallengeService) *FeedbackWatcher {
	return &FeedbackWatcher{fs: fs, svc: svc}
}

func (w *FeedbackWatcher) Start() {
	ctx, cancel := context.WithCancel(context.Background())

	w.mu.Lock()
	if w.cancel != nil {
		w.mu.Unlock()
		cancel()
		return
	}
	w.cancel = cancel
	w.mu.Unlock()

	w.wg.Add(1)
	go w.watch(ctx)
	log.Println("Feedback watcher started")
}

func (w *FeedbackWatcher) Stop() {
	w.mu.Lock()
	if w.cancel != nil {
		w.cancel()
		w.cancel = nil
	}
	w.mu.Unlock()

	w.wg.Wait()
	log.Println("Feedback watcher stopped")
}

func (w *FeedbackWatcher) watch(ctx context.Context) {
	defer w.wg.Done()

	it := w.fs.Collection(feedbackCollection).
		Where("status", "==", string(feedback.StatusCompleted)).
		Snapshots(ctx)
	defer it.Stop()

	for {
		qsnap, err := it.Next()
		if err != nil {
			if status.Code(err) == codes.Canceled || errors.Is(err, context.Canceled) {
				return
			}
			log.Printf("FeedbackWatcher: watch failed: %v", err)
			return
		}

		for _, change := range qsnap.Changes {
			if change.Kind == firestore.DocumentRemoved {
				continue
			}

			var fb feedback.Feedback
			if err := change.Doc.DataTo(&fb); err != nil {
				log.Printf("FeedbackWatcher: failed to decode feedback %s: %v", change.Doc.Ref.ID, err)
				continue
			}
			if fb.ID == "" {
				fb.ID = change.Doc.Ref.ID
			}

			w.process(ctx, &fb)
		}
	}
}

func (w *FeedbackWatcher) process(ctx context.Context, fb *feedback.Feedback) {
	// UpdatedAt is when the ML backend flipped the status to completed; the
	// processor uses it to drop feedback that predates the active window, so
	// the initial snapshot's backlog of old completed docs stays inert.
	err := w.svc.ProcessFeedbackScored(ctx, fb.UserID, fb.ID, fb.Score, fb.UpdatedAt)
	if err != nil {
		if errors.Is(err, challenge.ErrDuplicateEvent) {
			// Expected on re-delivery; the score was already counted.
			return
		}
		log.Printf("FeedbackWatcher: failed to apply feedback %s: %v", fb.ID, err)
	}
}
