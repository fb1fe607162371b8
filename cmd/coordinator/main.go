package main

import (
	"context"
	"database/sql"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/lib/pq"

	"github.com/civicmesh/coordinator/internal/agents"
	"github.com/civicmesh/coordinator/internal/config"
	"github.com/civicmesh/coordinator/internal/detector"
	"github.com/civicmesh/coordinator/internal/escalation"
	"github.com/civicmesh/coordinator/internal/httpserver"
	"github.com/civicmesh/coordinator/internal/ledger"
	"github.com/civicmesh/coordinator/internal/negotiation"
	"github.com/civicmesh/coordinator/internal/orchestrator"
	"github.com/civicmesh/coordinator/internal/policy"
	"github.com/civicmesh/coordinator/internal/rules"
	"github.com/civicmesh/coordinator/internal/scoring"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config load: %v", err)
	}

	var store ledger.Store
	if cfg.DatabaseURL != "" {
		db, err := sql.Open("postgres", cfg.DatabaseURL)
		if err != nil {
			log.Fatalf("db open: %v", err)
		}
		defer db.Close()
		db.SetMaxOpenConns(10)
		db.SetMaxIdleConns(5)
		db.SetConnMaxLifetime(30 * time.Minute)
		if err := db.Ping(); err != nil {
			log.Fatalf("db ping: %v", err)
		}
		pg := ledger.NewPGStore(db)
		if err := pg.EnsureSchema(context.Background()); err != nil {
			log.Fatalf("ledger schema: %v", err)
		}
		store = pg
	} else {
		log.Printf("[startup] no database configured, using in-memory ledger")
		store = ledger.NewMemoryStore()
	}

	policies := policy.Set{}
	if cfg.PolicyFile != "" {
		policies, err = policy.LoadFile(cfg.PolicyFile)
		if err != nil {
			log.Fatalf("policy load: %v", err)
		}
	}

	ruleEngine := rules.New()

	var negotiator negotiation.GenerativeNegotiator
	if cfg.NegotiationURL != "" {
		client, err := negotiation.NewHTTPClient(negotiation.HTTPClientConfig{
			BaseURL: cfg.NegotiationURL,
			Timeout: cfg.NegotiationTimeout,
			Retries: 2,
		})
		if err != nil {
			log.Fatalf("negotiation client init: %v", err)
		}
		negotiator = client
	} else {
		log.Printf("[startup] no negotiation service configured, complex cases fall back to rules")
	}
	negEngine := negotiation.New(negotiator, ruleEngine, cfg.NegotiationTimeout, cfg.ConfidenceFloor)

	gateway := escalation.New(nil, escalation.Thresholds{
		CostCeiling:     cfg.EscalationCostCeiling,
		ConfidenceFloor: cfg.EscalationConfidenceFloor,
	}, cfg.ApprovalTimeout)

	var publisher orchestrator.Publisher
	if len(cfg.KafkaBrokers) > 0 {
		kp, err := ledger.NewKafkaPublisher(ledger.KafkaPublisherConfig{
			Brokers: cfg.KafkaBrokers,
			Topic:   cfg.KafkaTopic,
		})
		if err != nil {
			log.Fatalf("kafka publisher init: %v", err)
		}
		defer kp.Close()
		publisher = kp
	}

	var archiver ledger.Archiver
	if cfg.S3Bucket != "" {
		a, err := ledger.NewS3Archiver(context.Background(), cfg.S3Bucket, cfg.S3Prefix)
		if err != nil {
			log.Fatalf("s3 archiver init: %v", err)
		}
		archiver = a
	}

	var agentPort agents.Port = agents.NoopPort{}
	if len(cfg.AgentEndpoints) > 0 {
		agentPort = agents.NewHTTPPort(agents.HTTPPortConfig{
			Endpoints: cfg.AgentEndpoints,
			Timeout:   cfg.AgentTimeout,
		})
	} else {
		log.Printf("[startup] no agent endpoints configured, department calls disabled")
	}

	orch := orchestrator.New(orchestrator.Options{
		Detector:         detector.New(policies),
		Scorer:           scoring.New(cfg.ScoreWeights, cfg.ReferenceCostCeiling, cfg.MaxChainLength),
		RuleEngine:       ruleEngine,
		Negotiator:       negEngine,
		Gateway:          gateway,
		Ledger:           store,
		Publisher:        publisher,
		Archiver:         archiver,
		AgentPort:        agentPort,
		Policies:         policies,
		RoutingThreshold: cfg.RoutingThreshold,
		AgentTimeout:     cfg.AgentTimeout,
		ActiveRetention:  cfg.ActiveRetention,
	})

	server := httpserver.New(cfg, orch)
	httpServer := &http.Server{
		Addr:    cfg.Addr,
		Handler: server.Router(),
	}

	go func() {
		log.Printf("coordination service listening on %s", cfg.Addr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("http server error: %v", err)
		}
	}()

	waitForShutdown(httpServer)
}

func waitForShutdown(srv *http.Server) {
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	ctx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(ctx); err != nil {
		log.Printf("graceful shutdown failed: %v", err)
	}
}
