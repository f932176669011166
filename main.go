package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"time"

	gorilllaHandlers "github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"jabFormAPI/handlers"
	"jabFormAPI/internal/firebase"
	"jabFormAPI/internal/notification"
	"jabFormAPI/middleware"
	"jabFormAPI/services"
)

var (
	dbPool              *pgxpool.Pool
	fbClients           *firebase.Clients
	challengeService    *services.ChallengeService
	notificationService *services.NotificationService
	notificationFanout  *services.NotificationFanout
	fcmService          *notification.FCMService
	feedbackWatcher     *services.FeedbackWatcher
	completionSweeper   *services.CompletionSweeper
)

func init() {
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var err error
	fbClients, err = firebase.NewClients(ctx, "./serviceAccountKey.json")
	if err != nil {
		log.Fatal("Failed to initialize Firebase:", err)
	}
	log.Println("Firebase initialized successfully")

	dbURL := os.Getenv("DATABASE_URL")
	if dbURL == "" {
		log.Fatal("DATABASE_URL environment variable is not set")
	}

	poolConfig, err := pgxpool.ParseConfig(dbURL)
	if err != nil {
		log.Fatal("Failed to parse database URL:", err)
	}

	poolConfig.MaxConns = 25
	poolConfig.MinConns = 5
	poolConfig.MaxConnLifetime = time.Hour
	poolConfig.MaxConnIdleTime = 30 * time.Minute
	poolConfig.HealthCheckPeriod = time.Minute

	dbPool, err = pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		log.Fatal("Failed to create connection pool:", err)
	}

	if err := dbPool.Ping(ctx); err != nil {
		log.Fatal("Failed to ping database:", err)
	}

	log.Println("Successfully connected to NeonDB")

	notificationService = services.NewNotificationService(dbPool)
	notificationFanout = services.NewNotificationFanout(fbClients.Firestore, notificationService, os.Getenv("FEEDBACK_WEBHOOK_URL"))
	challengeService = services.NewChallengeService(fbClients.Firestore)
	challengeService.SetNotifier(notificationFanout)

	if fbClients.Messaging != nil {
		fcmService = notification.NewFCMService(fbClients.Messaging)
		notificationFanout.SetPushProvider(fcmService)
		log.Println("FCM Push Provider initialized successfully")
	} else {
		log.Println("Warning: FCM messaging client unavailable, pushes disabled")
	}

	feedbackWatcher = services.NewFeedbackWatcher(fbClients.Firestore, challengeService)
	completionSweeper = services.NewCompletionSweeper(challengeService, 0)

	middleware.InitPrometheus()
}

func main() {
	defer func() {
		log.Println("Closing database connection pool...")
		dbPool.Close()
		fbClients.Close()
	}()

	feedbackWatcher.Start()
	completionSweeper.Start()

	// Initialize handlers
	challengeHandler := handlers.NewChallengeHandler(challengeService)
	challengeWSHandler := handlers.NewChallengeWSHandler(challengeService, fbClients.Auth)
	notificationHandler := handlers.NewNotificationHandler(notificationService, challengeService)

	r := mux.NewRouter()

	// Websocket route sits outside the standard middleware chain: the
	// token travels as a query parameter, not an Authorization header.
	r.HandleFunc("/api/v1/challenges/ws", challengeWSHandler.Subscribe)

	standardRouter := r.PathPrefix("/").Subrouter()

	go middleware.CleanupVisitors()

	standardRouter.Use(middleware.RateLimitMiddleware)
	standardRouter.Use(middleware.MonitorMiddleware)

	standardRouter.Handle("/metrics", middleware.BasicAuthMiddleware(promhttp.Handler()))

	standardRouter.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()

		if err := dbPool.Ping(ctx); err != nil {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusServiceUnavailable)
			w.Write([]byte(`{"status": "unhealthy", "error": "database connection failed"}`))
			return
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status": "healthy", "service": "jabForm-api"}`))
	}).Methods("GET")

	// ML backend callback, authenticated by shared secret rather than a
	// user token.
	standardRouter.Handle("/internal/feedback-scored",
		middleware.InternalSecretMiddleware(http.HandlerFunc(challengeHandler.FeedbackScored))).Methods("POST")

	// -------------------------------------------------------------------------
	// API V1 SUBROUTER
	// -------------------------------------------------------------------------
	api := standardRouter.PathPrefix("/api/v1").Subrouter()

	// -------------------------------------------------------------------------
	// PROTECTED ROUTES (REQUIRE AUTH HEADER)
	// -------------------------------------------------------------------------
	protected := api.PathPrefix("").Subrouter()
	protected.Use(middleware.FirebaseAuthMiddleware(fbClients.Auth))

	protected.Handle("/challenges",
		middleware.WriteRateLimitMiddleware(http.HandlerFunc(challengeHandler.CreateChallenge))).Methods("POST")
	protected.HandleFunc("/challenges/active", challengeHandler.GetActiveChallenge).Methods("GET")
	protected.HandleFunc("/challenges/completed", challengeHandler.GetCompletedChallenges).Methods("GET")
	protected.Handle("/challenges/{challengeID}/join",
		middleware.WriteRateLimitMiddleware(http.HandlerFunc(challengeHandler.JoinChallenge))).Methods("POST")
	protected.HandleFunc("/challenges/{challengeID}/events", challengeHandler.GetChallengeEvents).Methods("GET")
	protected.HandleFunc("/challenges/{challengeID}/complete", challengeHandler.CompleteChallenge).Methods("POST")

	protected.HandleFunc("/notifications", notificationHandler.GetNotifications).Methods("GET")
	protected.HandleFunc("/notifications/unread-count", notificationHandler.GetUnreadCount).Methods("GET")
	protected.HandleFunc("/notifications/{id}/read", notificationHandler.MarkAsRead).Methods("PUT")
	protected.HandleFunc("/notifications/read-all", notificationHandler.MarkAllAsRead).Methods("PUT")
	protected.HandleFunc("/notifications/{id}", notificationHandler.DeleteNotification).Methods("DELETE")
	protected.HandleFunc("/notifications/register-device", notificationHandler.RegisterDevice).Methods("POST")

	// CORS configuration
	corsHandler := gorilllaHandlers.CORS(
		gorilllaHandlers.AllowedOrigins([]string{"*"}),
		gorilllaHandlers.AllowedMethods([]string{"GET", "POST", "PUT", "DELETE", "OPTIONS"}),
		gorilllaHandlers.AllowedHeaders([]string{"Content-Type", "Authorization", "X-Internal-Secret"}),
		gorilllaHandlers.ExposedHeaders([]string{"Content-Length"}),
		gorilllaHandlers.AllowCredentials(),
	)

	port := os.Getenv("PORT")
	if port == "" {
		port = "3333"
	}
	port = ":" + port

	server := http.Server{
		Addr:         port,
		Handler:      corsHandler(r),
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		log.Printf("Starting server on port %s", port)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("Error starting server:", err)
		}
	}()

	// Graceful shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt)

	sig := <-sigChan
	log.Println("Got signal:", sig)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("Server shutdown error: %v", err)
	}

	feedbackWatcher.Stop()
	completionSweeper.Stop()
	notificationFanout.Stop()

	log.Println("Server shutdown complete")
}
