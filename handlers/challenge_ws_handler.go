package handlers

import (
	"encoding/json"
	"log"
	"net/http"
	"time"

	"firebase.google.com/go/v4/auth"
	"github.com/gorilla/websocket"

	"jabFormAPI/services"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// ChallengeWSHandler streams the live challenge state over a websocket:
// connect starts a listener for the authenticated user, disconnect tears
// it down.
type ChallengeWSHandler struct {
	challengeService *services.ChallengeService
	authClient       *auth.Client
}

func NewChallengeWSHandler(challengeService *services.ChallengeService, authClient *auth.Client) *ChallengeWSHandler {
	return &ChallengeWSHandler{
		challengeService: challengeService,
		authClient:       authClient,
	}
}

func (h *ChallengeWSHandler) Subscribe(w http.ResponseWriter, r *http.Request) {
	// Browsers cannot set headers on websocket dials, so the ID token
	// arrives as a query parameter.
	token := r.URL.Query().Get("token")
	if token == "" {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	decoded, err := h.authClient.VerifyIDToken(r.Context(), token)
	if err != nil {
		log.Printf("WS: token verification failed: %v", err)
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}
	userID := decoded.UID

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("WS: could not upgrade connection: %v", err)
		return
	}

	send := make(chan []byte, 16)

	listener := services.NewChallengeListener(h.challengeService, func(snap services.ChallengeSnapshot) {
		data, err := json.Marshal(map[string]interface{}{
			"action":    "challenge_update",
			"active":    snap.Active,
			"completed": snap.Completed,
		})
		if err != nil {
			log.Printf("WS: failed to marshal snapshot for %s: %v", userID, err)
			return
		}
		select {
		case send <- data:
		default:
			// A slow consumer only ever misses intermediate snapshots;
			// the next update carries the full state again.
		}
	})

	listener.StartListening(userID)
	log.Printf("WS: listening for %s", userID)

	go h.writePump(conn, send)
	h.readPump(conn)

	listener.StopListening()
	close(send)
	log.Printf("WS: stopped listening for %s", userID)
}

// readPump discards client messages; it exists to detect disconnects and
// answer pings.
func (h *ChallengeWSHandler) readPump(conn *websocket.Conn) {
	defer conn.Close()

	conn.SetReadLimit(512)
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (h *ChallengeWSHandler) writePump(conn *websocket.Conn, send <-chan []byte) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		conn.Close()
	}()

	for {
		select {
		case message, ok := <-send:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
