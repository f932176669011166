package services

import (
	"context"
	"log"
	"sync"
	"time"
)

// CompletionSweeper periodically migrates challenges whose window has
// closed into the completed store. Running this server-side means expiry
// does not depend on a client happening to open the app at the right time.
type CompletionSweeper struct {
	svc      *ChallengeService
	interval time.Duration
	stopChan chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

func NewCompletionSweeper(svc *ChallengeService, interval time.Duration) *CompletionSweeper {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	return &CompletionSweeper{
		svc:      svc,
		interval: interval,
		stopChan: make(chan struct{}),
	}
}

func (s *CompletionSweeper) Start() {
	s.wg.Add(1)
	go s.run()
	log.Printf("Completion sweeper started (interval %s)", s.interval)
}

func (s *CompletionSweeper) run() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.sweep()
		case <-s.stopChan:
			return
		}
	}
}

func (s *CompletionSweeper) sweep() {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	moved, err := s.svc.SweepExpiredChallenges(ctx)
	if err != nil {
		log.Printf("Sweep: %v", err)
	}
	if moved > 0 {
		log.Printf("Sweep: migrated %d expired challenges", moved)
	}
}

func (s *CompletionSweeper) Stop() {
	s.stopOnce.Do(func() { close(s.stopChan) })
	s.wg.Wait()
	log.Println("Completion sweeper stopped")
}
