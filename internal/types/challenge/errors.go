package challenge

import "errors"

var (
	// ErrInvalidChallenge - the referenced challenge does not exist or
	// its document failed to decode.
	ErrInvalidChallenge = errors.New("challenge not found")

	// ErrAlreadyInChallenge - join attempted by an existing participant.
	ErrAlreadyInChallenge = errors.New("user is already in this challenge")

	// ErrChallengeEnded - join attempted after the active window closed.
	ErrChallengeEnded = errors.New("this challenge has ended")

	// ErrParticipantUpdateFailed - generic write failure on a participant.
	ErrParticipantUpdateFailed = errors.New("failed to update participant")

	// ErrDuplicateEvent - the feedback id was already recorded. Recoverable:
	// callers should treat it as "already counted", not retry.
	ErrDuplicateEvent = errors.New("score was already recorded for this feedback")

	// ErrChallengeStillActive - completion requested before the window closed.
	ErrChallengeStillActive = errors.New("challenge is still active")
)
