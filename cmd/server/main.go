package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"settlement-service/config"
	"settlement-service/internal/api"
	"settlement-service/internal/broker"
	"settlement-service/internal/gateway"
	"settlement-service/internal/redisclient"
	"settlement-service/internal/service"
	"settlement-service/internal/store"
	"settlement-service/internal/util"
	"settlement-service/internal/worker"

	"github.com/gin-gonic/gin"
)

func main() {

	cfg := config.Load()

	if err := util.InitLogger(cfg.Server.Env); err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer util.SyncLogger()

	logger := util.GetLogger()
	logger.Info("Starting settlement service")

	tp, err := util.InitTracer("settlement-service", cfg.Observ.JaegerEndpoint)
	if err != nil {
		log.Fatalf("Failed to initialize tracer: %v", err)
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tp.Shutdown(ctx); err != nil {
			log.Printf("Error shutting down tracer: %v", err)
		}
	}()

	db, err := store.NewStore(cfg.Database.URL)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer db.Close()
	log.Println("Database connected")

	redisClient, err := redisclient.NewClient(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
	if err != nil {
		log.Fatalf("Failed to connect to Redis: %v", err)
	}
	defer redisClient.Close()
	log.Println("Redis connected")

	producer := broker.NewProducer(cfg.Kafka.Brokers, cfg.Kafka.TopicNotifications)
	defer producer.Close()
	log.Println("Kafka producer initialized")

	notifier := broker.NewNotificationBus(producer)

	gatewayTimeout := time.Duration(cfg.Gateway.TimeoutMS) * time.Millisecond
	gw := newGatewayClient(cfg, gatewayTimeout)
	normalizer := gateway.NewNormalizer(gw, redisClient)

	assignmentClient := service.NewAssignmentClient(cfg.Business.AssignmentServiceURL)
	invoiceClient := service.NewInvoiceClient(cfg.Business.InvoiceServiceURL, cfg.Business.InvoiceSenderIdentity)

	ledger := service.NewCoinLedger(db, notifier)
	sm := service.NewStateMachine(db)
	fulfillment := service.NewFulfillment(assignmentClient, invoiceClient, db, db, redisClient)
	orchestrator := service.NewOrchestrator(db, ledger, sm, gw, fulfillment, notifier,
		gatewayTimeout, cfg.Business.CoinExpiryDays)
	poller := service.NewStatusPoller(db, gw, orchestrator, fulfillment, sm, notifier, gatewayTimeout)
	checkout := service.NewCheckoutService(db, db, db, gw, orchestrator, cfg.Gateway.Currency, cfg.Business.RewardRatePercent)

	workerCtx, workerCancel := context.WithCancel(context.Background())
	defer workerCancel()

	relayConsumer := broker.NewConsumer(cfg.Kafka.Brokers, cfg.Kafka.TopicGatewayRelay, cfg.Kafka.ConsumerGroup)
	defer relayConsumer.Close()
	relayWorker := worker.NewRelayWorker(relayConsumer, normalizer, orchestrator)
	go func() {
		if err := relayWorker.Run(workerCtx); err != nil && err != context.Canceled {
			log.Printf("Relay worker error: %v", err)
		}
	}()

	invoiceWorker := worker.NewInvoiceRetryWorker(redisClient, db, fulfillment,
		cfg.Business.InvoiceRetryMax, time.Duration(cfg.Business.InvoiceRetrySeconds)*time.Second)
	go func() {
		if err := invoiceWorker.Run(workerCtx); err != nil && err != context.Canceled {
			log.Printf("Invoice retry worker error: %v", err)
		}
	}()

	sweepWorker := worker.NewExpirySweepWorker(ledger,
		time.Duration(cfg.Business.ExpirySweepSeconds)*time.Second, 100)
	go func() {
		if err := sweepWorker.Run(workerCtx); err != nil && err != context.Canceled {
			log.Printf("Expiry sweep worker error: %v", err)
		}
	}()

	if cfg.Server.Env == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.Default()
	handler := api.NewHandler(checkout, orchestrator, poller, sm, normalizer, db)
	handler.SetupRoutes(router)

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

	log.Println("Server exited")
}

func newGatewayClient(cfg *config.Config, timeout time.Duration) gateway.Client {
	switch cfg.Gateway.Provider {
	case "telr":
		storeID, err := strconv.Atoi(cfg.Gateway.KeyID)
		if err != nil {
			log.Fatalf("GATEWAY_KEY_ID must be the numeric Telr store id: %v", err)
		}
		return gateway.NewTelrClient(cfg.Gateway.BaseURL, storeID,
			cfg.Gateway.KeySecret, cfg.Gateway.WebhookSecret,
			cfg.Server.Env != "production", timeout)
	default:
		return gateway.NewRazorpayClient(cfg.Gateway.BaseURL,
			cfg.Gateway.KeyID, cfg.Gateway.KeySecret, cfg.Gateway.WebhookSecret, timeout)
	}
}
