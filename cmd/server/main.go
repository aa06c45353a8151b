package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/govtheppl/chat-server/internal/auth"
	"github.com/govtheppl/chat-server/internal/config"
	"github.com/govtheppl/chat-server/internal/export"
	"github.com/govtheppl/chat-server/internal/handlers"
	"github.com/govtheppl/chat-server/internal/presence"
	"github.com/govtheppl/chat-server/internal/pubsub"
	"github.com/govtheppl/chat-server/internal/rooms"
	"github.com/govtheppl/chat-server/internal/store"
	"github.com/govtheppl/chat-server/internal/ws"
)

func main() {
	// Initialize logger
	logger := logrus.New()
	logger.SetFormatter(&logrus.JSONFormatter{})
	logger.SetLevel(logrus.InfoLevel)

	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		logger.Fatalf("Failed to load config: %v", err)
	}

	// Initialize database connection
	db, err := export.NewPostgresDB(cfg.Database.URL, cfg.Database.MinConns, cfg.Database.MaxConns)
	if err != nil {
		logger.Fatalf("Failed to connect to database: %v", err)
	}
	defer db.Close()

	if err := export.RunMigrations(db); err != nil {
		logger.Fatalf("Failed to run migrations: %v", err)
	}

	// Initialize Redis
	redisOpts, err := redis.ParseURL(cfg.Redis.URL)
	if err != nil {
		logger.Fatalf("Failed to parse Redis URL: %v", err)
	}
	redisClient := redis.NewClient(redisOpts)
	defer redisClient.Close()

	// Initialize services
	chatStore := store.NewRedisStore(redisClient, cfg.Redis.MessageTTL, logger)

	exporter, err := export.NewExporter(db, cfg.Database.QueryTimeout, logger)
	if err != nil {
		logger.Fatalf("Failed to create exporter: %v", err)
	}
	defer exporter.Close()

	roomManager := rooms.NewRoomManager()
	hub := ws.NewHub(logger)
	validator := auth.NewValidator(cfg.JWT.Secret, cfg.JWT.Algorithm)
	presenceService := presence.NewService(redisClient, exporter, roomManager.IsUserConnected, logger)

	server := handlers.NewServer(hub, roomManager, chatStore, exporter, validator, presenceService, logger)
	server.Register(hub)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Start pub/sub listener for chat events from the REST API
	subscriber := pubsub.NewSubscriber(redisClient, server.PubSubHandlers(), logger)
	subscriber.Start(ctx)

	// Sweep idle sessions
	server.StartInactivitySweep(ctx, 30*time.Second)

	// Connection-level metrics
	prometheus.MustRegister(prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Name: "chat_server_active_connections",
			Help: "Number of live websocket sessions",
		},
		func() float64 { return float64(hub.ActiveConnections()) },
	))
	prometheus.MustRegister(prometheus.NewCounterFunc(
		prometheus.CounterOpts{
			Name: "chat_server_events_delivered_total",
			Help: "Total websocket frames queued for delivery",
		},
		func() float64 { return float64(hub.EventsDelivered()) },
	))

	// Setup HTTP server with Gin
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(prometheusMiddleware())

	// Health check endpoint
	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":  "healthy",
			"service": "chat-server",
		})
	})

	// Readiness check endpoint
	router.GET("/ready", func(c *gin.Context) {
		if err := db.PingContext(c.Request.Context()); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{
				"status": "not ready",
				"error":  "database unavailable",
			})
			return
		}
		if err := chatStore.Ping(c.Request.Context()); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{
				"status": "not ready",
				"error":  "redis unavailable",
			})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ready"})
	})

	// Metrics endpoint
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	// WebSocket endpoint. Origin checking is permissive when no allowlist is
	// configured: real security is token auth at the handshake level.
	upgrader := &websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin: func(r *http.Request) bool {
			if len(cfg.WebSocket.AllowedOrigins) == 0 {
				return true
			}
			origin := r.Header.Get("Origin")
			for _, allowed := range cfg.WebSocket.AllowedOrigins {
				if origin == allowed {
					return true
				}
			}
			logger.WithField("origin", origin).Warn("Rejected websocket origin")
			return false
		},
	}

	router.GET("/ws", func(c *gin.Context) {
		if hub.ActiveConnections() >= cfg.WebSocket.MaxConnections {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "Server at capacity"})
			return
		}
		hub.ServeConn(c.Writer, c.Request, upgrader)
	})

	// Start HTTP server
	httpServer := &http.Server{
		Addr:           cfg.Server.Addr(),
		Handler:        router,
		ReadTimeout:    15 * time.Second,
		WriteTimeout:   15 * time.Second,
		IdleTimeout:    60 * time.Second,
		MaxHeaderBytes: 1 << 20, // 1MB
	}

	go func() {
		logger.Infof("Starting chat server on %s", cfg.Server.Addr())
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatalf("Failed to start HTTP server: %v", err)
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down server...")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Errorf("HTTP server shutdown error: %v", err)
	}
	subscriber.Close()

	logger.Info("Server stopped")
}

// prometheusMiddleware returns a gin middleware for request metrics.
func prometheusMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		c.Next()

		duration := time.Since(start)
		status := c.Writer.Status()

		httpDuration.WithLabelValues(
			c.Request.Method,
			c.FullPath(),
			fmt.Sprintf("%d", status),
		).Observe(duration.Seconds())

		httpRequests.WithLabelValues(
			c.Request.Method,
			c.FullPath(),
			fmt.Sprintf("%d", status),
		).Inc()
	}
}

// Prometheus metrics
var (
	httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name: "http_request_duration_seconds",
			Help: "HTTP request latencies in seconds",
		},
		[]string{"method", "path", "status"},
	)

	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)
)

func init() {
	prometheus.MustRegister(httpDuration)
	prometheus.MustRegister(httpRequests)
}
