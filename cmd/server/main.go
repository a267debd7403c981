package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"checkout-service/config"
	"checkout-service/internal/api"
	"checkout-service/internal/broker"
	"checkout-service/internal/gateway"
	"checkout-service/internal/redisclient"
	"checkout-service/internal/service"
	"checkout-service/internal/store"
	"checkout-service/internal/util"
	"checkout-service/internal/worker"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// checkoutStore is what the process needs from either store backend
type checkoutStore interface {
	service.SessionStore
	service.InventorySource
	worker.ProcessedEvents
	api.Pinger
}

func main() {

	cfg := config.Load()

	if err := util.InitLogger(cfg.Server.Env, cfg.Server.LogLevel); err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer util.SyncLogger()

	logger := util.GetLogger()
	logger.Info("Starting checkout service")

	shutdownTracer, err := util.InitTracer(cfg.Observ.JaegerEndpoint, cfg.Server.Env)
	if err != nil {
		log.Fatalf("Failed to initialize tracer: %v", err)
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracer(ctx); err != nil {
			log.Printf("Error shutting down tracer: %v", err)
		}
	}()

	var db checkoutStore
	switch cfg.Database.Driver {
	case "memory":
		db = store.NewMemoryStore()
		log.Println("Using in-memory store")
	default:
		pg, err := store.NewStore(cfg.Database.URL)
		if err != nil {
			log.Fatalf("Failed to connect to database: %v", err)
		}
		defer pg.Close()
		log.Println("Database connected")

		if cfg.Database.RunMigrations {
			if err := pg.RunMigrations(); err != nil {
				log.Fatalf("Failed to run migrations: %v", err)
			}
			log.Println("Migrations applied")
		}
		db = pg
	}

	redisClient, err := redisclient.NewClient(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
	if err != nil {
		log.Fatalf("Failed to connect to Redis: %v", err)
	}
	defer redisClient.Close()
	log.Println("Redis connected")

	var checkoutPublisher, cartPublisher broker.Publisher
	if cfg.Kafka.Enabled {
		checkoutProducer := broker.NewProducer(cfg.Kafka.Brokers, cfg.Kafka.TopicCheckout)
		defer checkoutProducer.Close()
		cartProducer := broker.NewProducer(cfg.Kafka.Brokers, cfg.Kafka.TopicCart)
		defer cartProducer.Close()
		checkoutPublisher, cartPublisher = checkoutProducer, cartProducer
		log.Println("Kafka producers initialized")
	} else {
		checkoutPublisher, cartPublisher = broker.NewLogPublisher(), broker.NewLogPublisher()
		log.Println("Kafka disabled, events are only logged")
	}
	eventPublisher := broker.NewEventPublisher(checkoutPublisher, cartPublisher)

	paymentGateway := gateway.NewBreakerGateway(
		gateway.NewSimulatedGateway(cfg.Payment.SuccessRate),
		gateway.BreakerConfig{
			MaxFailures: cfg.Payment.BreakerMaxFailures,
			OpenTimeout: cfg.Payment.BreakerOpen,
			CallTimeout: cfg.Payment.Timeout,
		},
	)

	inventoryClient := service.NewInventoryClient(db, redisClient)
	sessionManager := service.NewCheckoutSessionManager(db, redisClient, redisClient, paymentGateway, eventPublisher,
		service.ManagerConfig{
			SessionTTL:     cfg.Checkout.SessionTTL,
			IdempotencyTTL: cfg.Checkout.IdempotencyTTL,
			SweepBatchSize: cfg.Checkout.SweepBatchSize,
		})
	orderFinalizer := service.NewOrderFinalizer(db, redisClient, eventPublisher, inventoryClient)

	ctx := context.Background()
	if err := inventoryClient.SyncInventoryToRedis(ctx); err != nil {
		log.Printf("Failed to sync inventory to Redis: %v", err)
	}

	workerCtx, workerCancel := context.WithCancel(context.Background())
	defer workerCancel()

	sweeper := worker.NewSweeper(sessionManager, orderFinalizer, redisClient, worker.SweeperConfig{
		Interval:     cfg.Checkout.SweepInterval,
		PaidGrace:    cfg.Checkout.PaidGrace,
		RecoverLimit: cfg.Checkout.SweepBatchSize,
	})
	go sweeper.Run(workerCtx)

	var stoppers []func() error
	if cfg.Kafka.Enabled {
		paymentConsumer := broker.NewConsumer(cfg.Kafka.Brokers, cfg.Kafka.TopicPayment, cfg.Kafka.ConsumerGroup)
		paymentWorker := worker.NewPaymentWorker(paymentConsumer, sessionManager, orderFinalizer, db,
			cfg.Checkout.AutoFinalizeOnPayment)
		go func() {
			if err := paymentWorker.Start(workerCtx); err != nil && workerCtx.Err() == nil {
				logger.Error("Payment worker error", zap.Error(err))
			}
		}()

		cartConsumer := broker.NewConsumer(cfg.Kafka.Brokers, cfg.Kafka.TopicCart, cfg.Kafka.ConsumerGroup)
		cartWorker := worker.NewCartClearWorker(cartConsumer, orderFinalizer,
			cfg.Checkout.CartClearMaxAttempts, cfg.Checkout.CartClearBackoff)
		go func() {
			if err := cartWorker.Start(workerCtx); err != nil && workerCtx.Err() == nil {
				logger.Error("Cart clear worker error", zap.Error(err))
			}
		}()

		stoppers = append(stoppers, paymentWorker.Stop, cartWorker.Stop)
	}

	if cfg.Server.Env == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	handler := api.NewHandler(sessionManager, orderFinalizer, map[string]api.Pinger{
		"store": db,
		"redis": redisClient,
	})
	handler.SetupRoutes(router, api.JWTAuth([]byte(cfg.Auth.JWTSecret)))

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%s", cfg.Server.Port),
		Handler: router,
	}

	go func() {
		log.Printf("Starting HTTP server on port %s", cfg.Server.Port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Failed to start server: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("Shutting down server...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("Server forced to shutdown: %v", err)
	}

	workerCancel()
	for _, stop := range stoppers {
		if err := stop(); err != nil {
			log.Printf("Error stopping worker: %v", err)
		}
	}

	log.Println("Server exited")
}
