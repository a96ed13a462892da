package main

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func writeTestConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, os.WriteFile(path, []byte(content), 0600))
	return path
}

func TestReadConfigFile(t *testing.T) {
	path := writeTestConfig(t, `{
		"server_config": {"host": "0.0.0.0", "port": 8080, "max_frame_edge": 640},
		"recognition_service_url": "http://recognition:8000",
		"storage_type": "memory",
		"log_level": "debug"
	}`)

	config, err := readConfigFile(path)
	require.NoError(t, err)
	require.Equal(t, "0.0.0.0", config.ServerConfig.Host)
	require.Equal(t, 8080, config.ServerConfig.Port)
	require.Equal(t, 640, config.ServerConfig.MaxFrameEdge)
	require.Equal(t, "http://recognition:8000", config.RecognitionServiceUrl)
	require.Equal(t, "memory", config.StorageType)
	require.Equal(t, "debug", config.LogLevel)
	require.Nil(t, config.SessionConfig)
}

func TestReadConfigFile_Missing(t *testing.T) {
	_, err := readConfigFile(filepath.Join(t.TempDir(), "nope.json"))
	require.Error(t, err)
}

func TestReadConfigFile_InvalidJSON(t *testing.T) {
	path := writeTestConfig(t, "{not json")
	_, err := readConfigFile(path)
	require.Error(t, err)
}

func TestApplyEnvOverrides(t *testing.T) {
	t.Setenv("RECOGNITION_SERVICE_URL", "http://other:9000")
	t.Setenv("PORT", "9090")

	config := Config{RecognitionServiceUrl: "http://recognition:8000"}
	config.ServerConfig.Port = 8080

	applyEnvOverrides(&config)
	require.Equal(t, "http://other:9000", config.RecognitionServiceUrl)
	require.Equal(t, 9090, config.ServerConfig.Port)
}

func TestApplyEnvOverrides_InvalidPortIgnored(t *testing.T) {
	t.Setenv("PORT", "not-a-port")

	config := Config{}
	config.ServerConfig.Port = 8080

	applyEnvOverrides(&config)
	require.Equal(t, 8080, config.ServerConfig.Port)
}

func TestCreateAttemptStore_Memory(t *testing.T) {
	store, err := createAttemptStore(&Config{StorageType: "memory"})
	require.NoError(t, err)
	require.IsType(t, &InMemoryAttemptStore{}, store)
}

func TestCreateAttemptStore_DefaultsToMemory(t *testing.T) {
	store, err := createAttemptStore(&Config{})
	require.NoError(t, err)
	require.IsType(t, &InMemoryAttemptStore{}, store)
}

func TestCreateAttemptStore_UnknownType(t *testing.T) {
	_, err := createAttemptStore(&Config{StorageType: "carrier-pigeon"})
	require.Error(t, err)
	require.Contains(t, err.Error(), "not a valid storage type")
}

func TestCreateSessionCreator_Disabled(t *testing.T) {
	creator, err := createSessionCreator(&Config{})
	require.NoError(t, err)
	require.Nil(t, creator)
}

func TestCreateSessionCreator_FromKeyFile(t *testing.T) {
	config := &Config{
		SessionConfig: &SessionConfig{
			JwtPrivateKeyPath: writeTestPrivateKey(t),
			Issuer:            "face-gateway",
			ValidityMinutes:   30,
		},
	}

	creator, err := createSessionCreator(config)
	require.NoError(t, err)
	require.NotNil(t, creator)

	token, err := creator.CreateSessionJwt(testProfile())
	require.NoError(t, err)

	claims, err := creator.VerifySessionJwt(token)
	require.NoError(t, err)
	require.Equal(t, "face-gateway", claims.Issuer)
	require.WithinDuration(t, time.Now().Add(30*time.Minute), claims.ExpiresAt.Time, 5*time.Second)
}
