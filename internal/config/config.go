package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Weights are the complexity score term weights. Each term is monotonic, so
// tuning a weight never flips routing direction for that term.
type Weights struct {
	Conflicts float64
	Agents    float64
	Emergency float64
	Cost      float64
	Depth     float64
}

type Config struct {
	Addr        string
	DatabaseURL string
	PolicyFile  string

	ScoreWeights         Weights
	ReferenceCostCeiling float64
	MaxChainLength       int
	RoutingThreshold     float64

	NegotiationURL     string
	NegotiationTimeout time.Duration
	ConfidenceFloor    float64

	EscalationCostCeiling     float64
	EscalationConfidenceFloor float64
	ApprovalTimeout           time.Duration

	AgentTimeout    time.Duration
	ActiveRetention time.Duration
	AgentEndpoints  map[string]string

	KafkaBrokers []string
	KafkaTopic   string
	S3Bucket     string
	S3Prefix     string

	JWTSecret       string
	AllowDebugToken bool
	DebugToken      string
}

const (
	defaultAddr                 = ":8071"
	defaultRoutingThreshold     = 0.5
	defaultReferenceCostCeiling = 10_000_000
	defaultMaxChainLength       = 5
	defaultNegotiationTimeout   = 10 * time.Second
	defaultConfidenceFloor      = 0.3
	defaultEscalationCost       = 5_000_000
	defaultEscalationConfidence = 0.7
	defaultApprovalTimeout      = 15 * time.Minute
	defaultAgentTimeout         = 30 * time.Second
	defaultActiveRetention      = 24 * time.Hour
)

func Load() (Config, error) {
	cfg := Config{
		Addr:        getEnv("COORDINATOR_ADDR", defaultAddr),
		DatabaseURL: firstNonEmpty(os.Getenv("COORDINATOR_DATABASE_URL"), os.Getenv("DATABASE_URL")),
		PolicyFile:  os.Getenv("COORDINATOR_POLICY_FILE"),
		ScoreWeights: Weights{
			Conflicts: getFloat("COORDINATOR_WEIGHT_CONFLICTS", 0.2),
			Agents:    getFloat("COORDINATOR_WEIGHT_AGENTS", 0.1),
			Emergency: getFloat("COORDINATOR_WEIGHT_EMERGENCY", 0.3),
			Cost:      getFloat("COORDINATOR_WEIGHT_COST", 0.2),
			Depth:     getFloat("COORDINATOR_WEIGHT_DEPTH", 0.2),
		},
		ReferenceCostCeiling:      getFloat("COORDINATOR_REFERENCE_COST", defaultReferenceCostCeiling),
		MaxChainLength:            getInt("COORDINATOR_MAX_CHAIN_LENGTH", defaultMaxChainLength),
		RoutingThreshold:          getFloat("COORDINATOR_ROUTING_THRESHOLD", defaultRoutingThreshold),
		NegotiationURL:            os.Getenv("COORDINATOR_NEGOTIATION_URL"),
		NegotiationTimeout:        getDuration("COORDINATOR_NEGOTIATION_TIMEOUT", defaultNegotiationTimeout),
		ConfidenceFloor:           getFloat("COORDINATOR_CONFIDENCE_FLOOR", defaultConfidenceFloor),
		EscalationCostCeiling:     getFloat("COORDINATOR_ESCALATION_COST_CEILING", defaultEscalationCost),
		EscalationConfidenceFloor: getFloat("COORDINATOR_ESCALATION_CONFIDENCE_FLOOR", defaultEscalationConfidence),
		ApprovalTimeout:           getDuration("COORDINATOR_APPROVAL_TIMEOUT", defaultApprovalTimeout),
		AgentTimeout:              getDuration("COORDINATOR_AGENT_TIMEOUT", defaultAgentTimeout),
		ActiveRetention:           getDuration("COORDINATOR_ACTIVE_RETENTION", defaultActiveRetention),
		AgentEndpoints:            parsePairs(os.Getenv("COORDINATOR_AGENT_ENDPOINTS")),
		KafkaBrokers:              parseCSV(os.Getenv("COORDINATOR_KAFKA_BROKERS")),
		KafkaTopic:                getEnv("COORDINATOR_KAFKA_TOPIC", "coordination.cases"),
		S3Bucket:                  os.Getenv("COORDINATOR_S3_BUCKET"),
		S3Prefix:                  os.Getenv("COORDINATOR_S3_PREFIX"),
		JWTSecret:                 os.Getenv("COORDINATOR_JWT_SECRET"),
		AllowDebugToken:           getBool("COORDINATOR_ALLOW_DEBUG_TOKEN", false),
		DebugToken:                os.Getenv("COORDINATOR_DEBUG_TOKEN"),
	}
	if cfg.RoutingThreshold < 0 || cfg.RoutingThreshold > 1 {
		return Config{}, fmt.Errorf("COORDINATOR_ROUTING_THRESHOLD must be in [0,1]")
	}
	if cfg.MaxChainLength < 1 {
		return Config{}, fmt.Errorf("COORDINATOR_MAX_CHAIN_LENGTH must be >= 1")
	}
	if cfg.JWTSecret == "" && !cfg.AllowDebugToken {
		return Config{}, fmt.Errorf("COORDINATOR_JWT_SECRET required unless COORDINATOR_ALLOW_DEBUG_TOKEN is set")
	}
	return cfg, nil
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

func getInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func getFloat(key string, fallback float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return fallback
}

func getBool(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}

func getDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}

// parsePairs reads comma-separated key=value pairs, e.g.
// "water-dept=http://water:8080,roads-dept=http://roads:8080".
func parsePairs(raw string) map[string]string {
	if raw == "" {
		return nil
	}
	out := make(map[string]string)
	for _, pair := range strings.Split(raw, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		key, value, ok := strings.Cut(pair, "=")
		key, value = strings.TrimSpace(key), strings.TrimSpace(value)
		if !ok || key == "" || value == "" {
			continue
		}
		out[key] = value
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

func parseCSV(raw string) []string {
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if v := strings.TrimSpace(p); v != "" {
			out = append(out, v)
		}
	}
	return out
}
