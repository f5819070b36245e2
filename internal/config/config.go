// Package config loads the controller's environment-backed configuration.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
)

// Config is assembled once at startup and passed into components by
// construction so tests can substitute partial configs.
type Config struct {
	// HTTP surface
	ListenAddr string `validate:"required"`

	// Container registry
	RegistryURL      string `validate:"required"`
	RegistryUsername string
	RegistryPassword string

	// Orchestrator
	Namespace       string `validate:"required"`
	KubeconfigPath  string // empty = in-cluster
	GatewayName     string `validate:"required"`
	GatewayPrefix   string `validate:"required,startswith=/"`
	ImagePullSecret string

	// Artifact store
	StoreEndpoint  string `validate:"required"`
	StoreAccessKey string
	StoreSecretKey string
	StoreBucket    string `validate:"required"`
	StoreSecure    bool

	// Metadata store
	RedisAddr     string `validate:"required"`
	RedisPassword string
	RedisDB       int

	// Source acquisition
	WorkDir     string `validate:"required"`
	GitTimeout  time.Duration
	VCSOverride map[string]string // host -> provider name

	// Signing
	SigningEnabled  bool
	SigningKeyPath  string
	VerifyPubPath   string
	SigningPassword string
	AllowInsecure   bool

	// Scans
	AVScanEnabled   bool
	SASTEnabled     bool
	VulnScanEnabled bool
	ScanTimeout     time.Duration
	VulnSeverities  string // e.g. "CRITICAL,HIGH"
	SASTThresholds  SASTThresholds

	// Resource ranges
	Resources ResourceRanges

	// Kubeflow
	KubeflowURL        string
	MultiUserPipelines bool

	// Notifications
	MQTTBroker    string
	MQTTUsername  string
	MQTTPassword  string
	MQTTBaseTopic string

	// Feature flags
	DownloadEnabled bool

	// Pipeline timeouts
	PushTimeout time.Duration
	PollEvery   time.Duration
}

// SASTThresholds holds the per-rule-type issue count ceilings.
type SASTThresholds struct {
	CodeSmells      int
	Bugs            int
	Vulnerabilities int
}

// ResourceRanges bounds the per-version resource budget fields.
type ResourceRanges struct {
	CPURequestMin float64
	CPURequestMax float64
	CPULimitMin   float64
	CPULimitMax   float64
	MemRequestMin float64 // GiB
	MemRequestMax float64
	MemLimitMin   float64
	MemLimitMax   float64
	ReplicasMin   int
	ReplicasMax   int
}

// Load reads configuration from the environment and validates it.
func Load() (*Config, error) {
	cfg := &Config{
		ListenAddr:       envOr("LISTEN_ADDR", ":6789"),
		RegistryURL:      os.Getenv("PLUGINS_CONTAINER_REGISTRY_URL"),
		RegistryUsername: os.Getenv("PLUGINS_CONTAINER_REGISTRY_USERNAME"),
		RegistryPassword: os.Getenv("PLUGINS_CONTAINER_REGISTRY_PASSWORD"),

		Namespace:       envOr("PLUGIN_NAMESPACE", "plugins"),
		KubeconfigPath:  os.Getenv("KUBECONFIG"),
		GatewayName:     envOr("GATEWAY_NAME", "plugin-gateway"),
		GatewayPrefix:   envOr("GATEWAY_PREFIX", "/gateway"),
		ImagePullSecret: os.Getenv("IMAGE_PULL_SECRET"),

		StoreEndpoint:  os.Getenv("STORE_ENDPOINT"),
		StoreAccessKey: os.Getenv("STORE_ACCESS_KEY"),
		StoreSecretKey: os.Getenv("STORE_SECRET_KEY"),
		StoreBucket:    envOr("STORE_BUCKET", "plugins"),
		StoreSecure:    envBool("STORE_SECURE", false),

		RedisAddr:     envOr("REDIS_ADDR", "localhost:6379"),
		RedisPassword: os.Getenv("REDIS_PASSWORD"),
		RedisDB:       envInt("REDIS_DB", 0),

		WorkDir:    envOr("WORK_DIR", "/var/lib/plugin-manager"),
		GitTimeout: envDuration("GIT_TIMEOUT", 5*time.Minute),

		SigningEnabled:  envBool("SIGNING_ENABLED", true),
		SigningKeyPath:  envOr("SIGNING_KEY_PATH", "/etc/cosign/cosign.key"),
		VerifyPubPath:   envOr("VERIFY_PUB_PATH", "/etc/cosign/cosign.pub"),
		SigningPassword: os.Getenv("COSIGN_PASSWORD"),
		AllowInsecure:   envBool("ALLOW_INSECURE_REGISTRY", false),

		AVScanEnabled:   envBool("ANTIVIRUS_SCAN", true),
		SASTEnabled:     envBool("SAST_SCAN", true),
		VulnScanEnabled: envBool("VULNERABILITY_SCAN", true),
		ScanTimeout:     envDuration("SCAN_TIMEOUT", 10*time.Minute),
		VulnSeverities:  envOr("VULNERABILITY_SCAN_LEVEL", "CRITICAL,HIGH"),
		SASTThresholds: SASTThresholds{
			CodeSmells:      envInt("SAST_CODE_SMELL_THRESHOLD", 100),
			Bugs:            envInt("SAST_BUG_THRESHOLD", 0),
			Vulnerabilities: envInt("SAST_VULNERABILITY_THRESHOLD", 0),
		},

		Resources: ResourceRanges{
			CPURequestMin: envFloat("CPU_REQUEST_LOWER_BOUND", 0),
			CPURequestMax: envFloat("CPU_REQUEST_UPPER_BOUND", 8),
			CPULimitMin:   envFloat("CPU_LIMIT_LOWER_BOUND", 0),
			CPULimitMax:   envFloat("CPU_LIMIT_UPPER_BOUND", 8),
			MemRequestMin: envFloat("MEMORY_REQUEST_LOWER_BOUND", 0),
			MemRequestMax: envFloat("MEMORY_REQUEST_UPPER_BOUND", 16),
			MemLimitMin:   envFloat("MEMORY_LIMIT_LOWER_BOUND", 0),
			MemLimitMax:   envFloat("MEMORY_LIMIT_UPPER_BOUND", 16),
			ReplicasMin:   envInt("REPLICA_LOWER_BOUND", 0),
			ReplicasMax:   envInt("REPLICA_UPPER_BOUND", 5),
		},

		KubeflowURL:        os.Getenv("KUBEFLOW_URL"),
		MultiUserPipelines: envBool("KUBEFLOW_MULTI_USER", false),

		MQTTBroker:    os.Getenv("MQTT_BROKER"),
		MQTTUsername:  os.Getenv("MQTT_USERNAME"),
		MQTTPassword:  os.Getenv("MQTT_PASSWORD"),
		MQTTBaseTopic: envOr("MQTT_BASE_TOPIC", "notifications"),

		DownloadEnabled: envBool("DOWNLOAD_IMAGE_ENABLED", false),

		PushTimeout: envDuration("PUSH_TIMEOUT", 10*time.Minute),
		PollEvery:   envDuration("STATUS_POLL_INTERVAL", 5*time.Second),
	}

	if hosts := os.Getenv("VCS_HOST_OVERRIDES"); hosts != "" {
		cfg.VCSOverride = map[string]string{}
		for _, pair := range strings.Split(hosts, ",") {
			host, provider, ok := strings.Cut(pair, "=")
			if !ok {
				return nil, fmt.Errorf("malformed VCS_HOST_OVERRIDES entry %q", pair)
			}
			cfg.VCSOverride[strings.TrimSpace(host)] = strings.TrimSpace(provider)
		}
	}

	if err := validator.New().Struct(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envBool(key string, def bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

func envInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func envFloat(key string, def float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return def
	}
	return f
}

func envDuration(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return def
	}
	return d
}
