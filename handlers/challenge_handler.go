package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"jabFormAPI/internal/types/challenge"
	"jabFormAPI/middleware"
	"jabFormAPI/services"
)

type ChallengeHandler struct {
	challengeService *services.ChallengeService
}

func NewChallengeHandler(challengeService *services.ChallengeService) *ChallengeHandler {
	return &ChallengeHandler{
		challengeService: challengeService,
	}
}

func (h *ChallengeHandler) CreateChallenge(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 10*time.Second)
	defer cancel()

	userID, ok := middleware.GetUserID(ctx)
	if !ok {
		respondWithError(w, http.StatusUnauthorized, "User not authenticated")
		return
	}

	var req challenge.CreateChallengeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondWithError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	c, err := h.challengeService.CreateChallenge(ctx, userID, &req)
	if err != nil {
		log.Printf("CreateChallenge Handler: %v", err)
		respondWithError(w, http.StatusBadRequest, err.Error())
		return
	}

	respondWithJSON(w, http.StatusCreated, c)
}

func (h *ChallengeHandler) JoinChallenge(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 10*time.Second)
	defer cancel()

	userID, ok := middleware.GetUserID(ctx)
	if !ok {
		respondWithError(w, http.StatusUnauthorized, "User not authenticated")
		return
	}

	challengeID := mux.Vars(r)["challengeID"]

	var req challenge.JoinChallengeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondWithError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	err := h.challengeService.HandleInvite(ctx, challengeID, userID, req.UserName, req.ReferrerID)
	if err != nil {
		switch {
		case errors.Is(err, challenge.ErrInvalidChallenge):
			respondWithError(w, http.StatusNotFound, "Challenge not found")
		case errors.Is(err, challenge.ErrChallengeEnded):
			respondWithError(w, http.StatusGone, "This challenge has ended")
		case errors.Is(err, challenge.ErrAlreadyInChallenge):
			respondWithError(w, http.StatusConflict, "You are already in this challenge")
		default:
			log.Printf("JoinChallenge Handler: %v", err)
			respondWithError(w, http.StatusInternalServerError, "Failed to join challenge")
		}
		return
	}

	respondWithJSON(w, http.StatusCreated, map[string]string{"message": "Joined challenge successfully"})
}

func (h *ChallengeHandler) GetActiveChallenge(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 10*time.Second)
	defer cancel()

	userID, ok := middleware.GetUserID(ctx)
	if !ok {
		respondWithError(w, http.StatusUnauthorized, "User not authenticated")
		return
	}

	active, err := h.challengeService.ActiveChallengeForUser(ctx, userID)
	if err != nil {
		log.Printf("GetActiveChallenge Handler: %v", err)
		respondWithError(w, http.StatusInternalServerError, "Failed to load active challenge")
		return
	}

	respondWithJSON(w, http.StatusOK, challenge.ActiveChallengeResponse{Challenge: active})
}

func (h *ChallengeHandler) GetCompletedChallenges(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 10*time.Second)
	defer cancel()

	userID, ok := middleware.GetUserID(ctx)
	if !ok {
		respondWithError(w, http.StatusUnauthorized, "User not authenticated")
		return
	}

	completed, err := h.challengeService.CompletedChallengesForUser(ctx, userID)
	if err != nil {
		log.Printf("GetCompletedChallenges Handler: %v", err)
		respondWithError(w, http.StatusInternalServerError, "Failed to load completed challenges")
		return
	}

	respondWithJSON(w, http.StatusOK, challenge.CompletedChallengesResponse{Challenges: completed})
}

// GetChallengeEvents serves the live feed (most recent 15) or, with a
// ?before= RFC3339 cursor, pages backward through the event history.
func (h *ChallengeHandler) GetChallengeEvents(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 10*time.Second)
	defer cancel()

	if _, ok := middleware.GetUserID(ctx); !ok {
		respondWithError(w, http.StatusUnauthorized, "User not authenticated")
		return
	}

	challengeID := mux.Vars(r)["challengeID"]

	if beforeParam := r.URL.Query().Get("before"); beforeParam != "" {
		before, err := time.Parse(time.RFC3339, beforeParam)
		if err != nil {
			respondWithError(w, http.StatusBadRequest, "Invalid 'before' cursor, use RFC3339")
			return
		}

		events, err := h.challengeService.EventsBefore(ctx, challengeID, before, challenge.RecentEventLimit)
		if err != nil {
			log.Printf("GetChallengeEvents Handler: %v", err)
			respondWithError(w, http.StatusInternalServerError, "Failed to page events")
			return
		}

		resp := challenge.EventsResponse{Events: events, HasMore: len(events) == challenge.RecentEventLimit}
		if len(events) > 0 {
			resp.Cursor = &events[len(events)-1].Timestamp
		}
		respondWithJSON(w, http.StatusOK, resp)
		return
	}

	c, err := h.challengeService.GetChallenge(ctx, challengeID)
	if err != nil {
		if errors.Is(err, challenge.ErrInvalidChallenge) {
			respondWithError(w, http.StatusNotFound, "Challenge not found")
			return
		}
		log.Printf("GetChallengeEvents Handler: %v", err)
		respondWithError(w, http.StatusInternalServerError, "Failed to load events")
		return
	}

	resp := challenge.EventsResponse{Events: c.Events, HasMore: len(c.Events) == challenge.RecentEventLimit}
	if len(c.Events) > 0 {
		resp.Cursor = &c.Events[len(c.Events)-1].Timestamp
	}
	respondWithJSON(w, http.StatusOK, resp)
}

// CompleteChallenge lets a client opportunistically trigger the completion
// check; the sweeper covers the case where no client does.
func (h *ChallengeHandler) CompleteChallenge(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 30*time.Second)
	defer cancel()

	if _, ok := middleware.GetUserID(ctx); !ok {
		respondWithError(w, http.StatusUnauthorized, "User not authenticated")
		return
	}

	challengeID := mux.Vars(r)["challengeID"]

	migrated, err := h.challengeService.CompleteChallenge(ctx, challengeID)
	if err != nil {
		switch {
		case errors.Is(err, challenge.ErrInvalidChallenge):
			respondWithError(w, http.StatusNotFound, "Challenge not found")
		case errors.Is(err, challenge.ErrChallengeStillActive):
			respondWithJSON(w, http.StatusOK, map[string]string{"message": "Challenge is still active"})
		default:
			log.Printf("CompleteChallenge Handler: %v", err)
			respondWithError(w, http.StatusInternalServerError, "Failed to complete challenge")
		}
		return
	}

	respondWithJSON(w, http.StatusOK, migrated)
}

// FeedbackScored is the ML backend's callback once pose analysis finishes.
// A duplicate delivery is a benign outcome, not an error.
func (h *ChallengeHandler) FeedbackScored(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 10*time.Second)
	defer cancel()

	var req challenge.FeedbackScoredRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondWithError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	if req.FeedbackID == "" || req.UserID == "" {
		respondWithError(w, http.StatusBadRequest, "feedback_id and user_id are required")
		return
	}

	// The callback arrives as the analysis finishes, so the delivery time is
	// the scoring time.
	err := h.challengeService.ProcessFeedbackScored(ctx, req.UserID, req.FeedbackID, req.Score, time.Now().UTC())
	if err != nil {
		if errors.Is(err, challenge.ErrDuplicateEvent) {
			respondWithJSON(w, http.StatusOK, map[string]string{"message": "Score already recorded"})
			return
		}
		log.Printf("FeedbackScored Handler: %v", err)
		respondWithError(w, http.StatusInternalServerError, "Failed to process feedback")
		return
	}

	respondWithJSON(w, http.StatusOK, map[string]string{"message": "Score recorded"})
}

// Helper functions
func respondWithJSON(w http.ResponseWriter, code int, payload interface{}) {
	response, err := json.Marshal(payload)
	if err != nil {
		w.WriteHeader(http.StatusInternalServerError)
		w.Write([]byte(`{"error": "Internal server error"}`))
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	w.Write(response)
}

func respondWithError(w http.ResponseWriter, code int, message string) {
	respondWithJSON(w, code, map[string]string{"error": message})
}
