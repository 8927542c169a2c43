// cmd/server/main.go
package main

import (
	"context"
	"log"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/joho/godotenv"
	"github.com/robfig/cron/v3"

	"github.com/unclebandit/mailreach-backend/internal/config"
	"github.com/unclebandit/mailreach-backend/internal/controller"
	"github.com/unclebandit/mailreach-backend/internal/db"
	"github.com/unclebandit/mailreach-backend/internal/mail"
	"github.com/unclebandit/mailreach-backend/internal/queue"
	"github.com/unclebandit/mailreach-backend/internal/ratelimit"
	"github.com/unclebandit/mailreach-backend/internal/repository"
	"github.com/unclebandit/mailreach-backend/internal/service"
)

func main() {
	// Load .env
	if err := godotenv.Load(); err != nil {
		log.Println("no .env file found, relying on OS environment variables")
	}

	cfg := config.Load()

	conn, err := db.Connect()
	if err != nil {
		log.Fatalf("failed to connect to DB: %v", err)
	}
	defer conn.Close()
	log.Println("connected to database")

	campaignRepo := &repository.CampaignRepository{DB: conn}
	trackingRepo := &repository.TrackingRepository{DB: conn}
	mailboxRepo := &repository.MailboxRepository{DB: conn}

	var events queue.Publisher = queue.NoopPublisher{}
	if cfg.AMQPURL != "" {
		pub, err := queue.NewAMQPPublisher(cfg.AMQPURL, "campaign_events")
		if err != nil {
			log.Fatalf("failed to connect to RabbitMQ: %v", err)
		}
		defer pub.Close()
		events = pub
		log.Println("campaign events publishing to RabbitMQ")
	}

	graph := mail.NewGraphClient(cfg.GraphEndpoint, cfg.TokenEndpoint, cfg.ClientID, cfg.ClientSecret)
	limiter := ratelimit.New(cfg.MaxSendsPerMinute)

	dispatcher := service.NewDispatcher(
		campaignRepo, trackingRepo, mailboxRepo,
		graph, graph, limiter, events, cfg.BaseURL,
	)

	campaignService := &service.CampaignService{
		CampaignRepo:   campaignRepo,
		TrackingRepo:   trackingRepo,
		MailboxRepo:    mailboxRepo,
		Conflicts:      &service.ConflictDetector{CampaignRepo: campaignRepo},
		Dispatcher:     dispatcher,
		MinIntervalMin: cfg.MinSendIntervalMin,
	}

	reconciler := service.NewBounceReconciler(campaignRepo, trackingRepo, mailboxRepo, graph, events)

	// Resume campaigns interrupted by the previous shutdown before taking
	// traffic.
	recovery := service.NewRecoveryCoordinator(campaignRepo, trackingRepo, dispatcher)
	if _, _, err := recovery.ResumeInterrupted(); err != nil {
		log.Printf("recovery failed: %v", err)
	}

	// Periodic bounce reconciliation.
	c := cron.New()
	if _, err := c.AddFunc(cfg.BounceCheckSpec, func() {
		reconciler.Sweep(context.Background())
	}); err != nil {
		log.Fatalf("invalid bounce check schedule %q: %v", cfg.BounceCheckSpec, err)
	}
	c.Start()
	defer c.Stop()

	campaignController := &controller.CampaignController{
		CampaignService:  campaignService,
		BounceReconciler: reconciler,
	}
	trackingController := &controller.TrackingController{
		TrackingRepo: trackingRepo,
	}

	r := chi.NewRouter()

	// Campaign routes
	r.Post("/api/campaigns", campaignController.CreateCampaign)
	r.Get("/api/campaigns", campaignController.ListCampaigns)
	r.Get("/api/campaigns/{id}/status", campaignController.GetCampaignStatus)
	r.Post("/api/campaigns/{id}/stop", campaignController.StopCampaign)
	r.Post("/api/campaigns/{id}/check-bounces", campaignController.CheckBounces)

	// Tracking routes
	r.Get("/api/track/open/{id}", trackingController.TrackOpen)
	r.Get("/api/track/click/{id}", trackingController.TrackClick)
	r.Get("/api/tracking/{id}", trackingController.GetTracking)
	r.Post("/api/tracking/{id}/bounce", trackingController.MarkBounced)

	log.Printf("server running on :%s", cfg.Port)
	log.Fatal(http.ListenAndServe(":"+cfg.Port, r))
}
