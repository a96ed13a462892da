package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"time"

	"go-face-gateway/logging"
	redis "go-face-gateway/redis"

	"github.com/joho/godotenv"
	"github.com/sethvargo/go-retry"
)

type SessionConfig struct {
	JwtPrivateKeyPath string `json:"jwt_private_key_path"`
	Issuer            string `json:"issuer"`
	ValidityMinutes   int    `json:"validity_minutes"`
}

type Config struct {
	ServerConfig ServerConfig `json:"server_config"`

	RecognitionServiceUrl string         `json:"recognition_service_url"`
	LogLevel              string         `json:"log_level,omitempty"`
	SessionConfig         *SessionConfig `json:"session_config,omitempty"`

	StorageType         string                    `json:"storage_type"`
	RedisConfig         redis.RedisConfig         `json:"redis_config,omitempty"`
	RedisSentinelConfig redis.RedisSentinelConfig `json:"redis_sentinel_config,omitempty"`
}

func main() {
	if err := godotenv.Load(); err != nil {
		slog.Debug("No .env file loaded, relying on the environment", "error", err)
	}

	configPath := flag.String("config", "", "Path for the config.json to use")
	flag.Parse()

	if *configPath == "" {
		slog.Error("please provide a config path using the --config flag")
		os.Exit(1)
	}

	slog.Info("using config", "path", *configPath)

	config, err := readConfigFile(*configPath)
	if err != nil {
		slog.Error("failed to read config file", "error", err)
		os.Exit(1)
	}
	applyEnvOverrides(&config)

	logging.InitLogger(config.LogLevel)

	if config.RecognitionServiceUrl == "" {
		slog.Error("recognition_service_url is required (config file or RECOGNITION_SERVICE_URL)")
		os.Exit(1)
	}

	slog.Info("hosting on", "host", config.ServerConfig.Host, "port", config.ServerConfig.Port)
	slog.Info("recognition service", "url", config.RecognitionServiceUrl)

	recognitionClient := NewFaceServiceClient(config.RecognitionServiceUrl)
	waitForRecognitionService(recognitionClient)

	attemptStore, err := createAttemptStore(&config)
	if err != nil {
		slog.Error("failed to instantiate attempt store", "error", err)
		os.Exit(1)
	}

	sessionCreator, err := createSessionCreator(&config)
	if err != nil {
		slog.Error("failed to instantiate session creator", "error", err)
		os.Exit(1)
	}

	serverState := ServerState{
		recognitionClient: recognitionClient,
		attemptStore:      attemptStore,
		sessionCreator:    sessionCreator,
		operations:        newOperationGate(),
	}

	server, err := NewServer(&serverState, config.ServerConfig)
	if err != nil {
		slog.Error("failed to create server", "error", err)
		os.Exit(1)
	}

	if err := server.ListenAndServe(); err != nil {
		slog.Error("failed to listen and serve", "error", err)
		os.Exit(1)
	}
}

func readConfigFile(path string) (Config, error) {
	configBytes, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}

	var config Config
	if err := json.Unmarshal(configBytes, &config); err != nil {
		return Config{}, err
	}

	return config, nil
}

// applyEnvOverrides lets the deployment point an existing config at a
// different recognition service or port without editing the file.
func applyEnvOverrides(config *Config) {
	if url := os.Getenv("RECOGNITION_SERVICE_URL"); url != "" {
		config.RecognitionServiceUrl = url
	}
	if portStr := os.Getenv("PORT"); portStr != "" {
		if port, err := strconv.Atoi(portStr); err == nil {
			config.ServerConfig.Port = port
		} else {
			slog.Warn("ignoring invalid PORT env variable", "value", portStr)
		}
	}
}

func createAttemptStore(config *Config) (AttemptStore, error) {
	switch config.StorageType {
	case "redis":
		slog.Info("Using redis attempt store")
		client, err := redis.NewRedisClient(&config.RedisConfig)
		if err != nil {
			return nil, err
		}
		return NewRedisAttemptStore(client, config.RedisConfig.Namespace), nil
	case "redis_sentinel":
		slog.Info("Using redis sentinel attempt store")
		client, err := redis.NewRedisSentinelClient(&config.RedisSentinelConfig)
		if err != nil {
			return nil, err
		}
		return NewRedisAttemptStore(client, config.RedisSentinelConfig.Namespace), nil
	case "memory", "":
		slog.Info("Using in memory attempt store")
		return NewInMemoryAttemptStore(), nil
	}
	return nil, fmt.Errorf("%v is not a valid storage type", config.StorageType)
}

func createSessionCreator(config *Config) (SessionCreator, error) {
	if config.SessionConfig == nil {
		slog.Info("Session issuance disabled, no session_config present")
		return nil, nil
	}

	validity := time.Duration(config.SessionConfig.ValidityMinutes) * time.Minute
	if validity <= 0 {
		validity = time.Hour
	}

	return NewJwtSessionCreator(
		config.SessionConfig.JwtPrivateKeyPath,
		config.SessionConfig.Issuer,
		validity,
	)
}

// waitForRecognitionService probes the recognition service with backoff
// so a fresh deployment does not greet its first user with upstream
// errors while the models are still loading. An unreachable service is
// not fatal: every biometric operation reports its own failure.
func waitForRecognitionService(client RecognitionClient) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	backoff := retry.WithMaxDuration(30*time.Second, retry.NewExponential(500*time.Millisecond))
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		if err := client.HealthCheck(ctx); err != nil {
			slog.Debug("Recognition service not ready yet", "error", err)
			return retry.RetryableError(err)
		}
		return nil
	})

	if err != nil {
		slog.Warn("Recognition service is not reachable, continuing anyway", "error", err)
	} else {
		slog.Info("Recognition service is reachable")
	}
}
