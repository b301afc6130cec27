package main

import (
	"context"
	"log"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	"chat-sync/internal/config"
	"chat-sync/internal/db"
	"chat-sync/internal/handlers"
	"chat-sync/internal/observability"
	"chat-sync/internal/presence"
	"chat-sync/internal/queue"
	"chat-sync/internal/rabbitmq"
	"chat-sync/internal/repositories"
	"chat-sync/internal/sync"
	"chat-sync/internal/telemetry"
	"chat-sync/internal/transport"
	"chat-sync/internal/ws"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	database, err := db.Connect(cfg.DB.DSN)
	if err != nil {
		log.Fatalf("failed to connect to db: %v", err)
	}

	shutdownTracing, err := observability.InitTracing(context.Background(), "chat-sync", cfg.Trace.Endpoint)
	if err != nil {
		log.Fatalf("failed to init tracing: %v", err)
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = shutdownTracing(ctx)
	}()

	if cfg.AMQP.URL != "" {
		eventPublisher, err := observability.NewAMQPPublisher(cfg.AMQP.URL, cfg.AMQP.Exchange)
		if err != nil {
			log.Printf("event publisher unavailable, ws events dropped: %v", err)
		} else {
			observability.SetPublisher(eventPublisher)
			defer eventPublisher.Close()
		}
	}

	auditPublisher := rabbitmq.NewPublisher(cfg.AMQP.URL, cfg.AMQP.Exchange)
	defer auditPublisher.Close()
	log.Printf("audit publisher mode=%s reason=%q", rabbitmq.PublisherMode(auditPublisher), rabbitmq.PublisherNoopReason(auditPublisher))
	audit := telemetry.NewAuditEmitter(auditPublisher, "audit.chat_sync", "chat-sync", cfg.Trace.Environment)

	chatRepo := repositories.NewChatRepo(database)
	messageRepo := repositories.NewMessageRepo(database)

	hub := ws.NewHub()
	roster := presence.NewRoster(nil)
	hubFeed := transport.NewHubFeed(hub, messageRepo)
	repoFeed := transport.NewRepoFeed(hub, chatRepo, messageRepo, cfg.Sync.WindowSize)

	engines := sync.NewManager(func(chatID, selfID string) *sync.Engine {
		return sync.NewEngine(sync.Config{
			ChatID:     chatID,
			SelfID:     selfID,
			Live:       hubFeed,
			History:    repoFeed,
			Sender:     repoFeed,
			ReadMarker: repoFeed,
			Typing:     hubFeed,
			WindowSize: cfg.Sync.WindowSize,
			PageSize:   cfg.Sync.PageSize,
			QueueOptions: []queue.Option{
				queue.WithMaxAttempts(cfg.Sync.MaxAttempts),
				queue.WithSweepInterval(cfg.Sync.SweepInterval),
			},
		})
	})
	defer engines.Close()

	syncHandler := handlers.NewSyncHandler(chatRepo, messageRepo, engines, repoFeed, roster, audit)
	feedWS := ws.NewFeedWebSocketHandler(hub, chatRepo, roster)

	router := gin.Default()
	router.Use(gin.Recovery())
	router.Use(otelgin.Middleware("chat-sync"))
	router.Use(observability.HTTPMetricsMiddleware())

	router.GET("/healthz", func(c *gin.Context) { c.JSON(200, gin.H{"status": "ok"}) })
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	router.POST("/chats", syncHandler.StartChat)
	router.GET("/chats/:chat_id", syncHandler.GetChat)
	router.GET("/chats/:chat_id/messages", syncHandler.GetMessages)
	router.POST("/chats/:chat_id/messages", syncHandler.PostMessage)
	router.GET("/chats/:chat_id/messages/older", syncHandler.GetOlderMessages)
	router.POST("/chats/:chat_id/messages/:message_id/retry", syncHandler.RetryMessage)
	router.PATCH("/chats/:chat_id/messages/:message_id", syncHandler.EditMessage)
	router.DELETE("/chats/:chat_id/messages/:message_id", syncHandler.DeleteMessageForMe)
	router.DELETE("/chats/:chat_id/messages/:message_id/all", syncHandler.DeleteMessageForAll)
	router.POST("/chats/:chat_id/read", syncHandler.MarkRead)
	router.POST("/chats/:chat_id/typing", syncHandler.Typing)
	router.DELETE("/chats/:chat_id/typing", syncHandler.StopTyping)
	router.POST("/chats/:chat_id/connectivity", syncHandler.Connectivity)
	router.DELETE("/chats/:chat_id/session", syncHandler.CloseSession)
	router.GET("/presence/:user_id", syncHandler.GetPresence)

	router.GET("/ws/chats/:chat_id", feedWS.Handle)

	if err := router.Run(cfg.ListenAddr()); err != nil {
		log.Fatalf("server error: %v", err)
	}
}
