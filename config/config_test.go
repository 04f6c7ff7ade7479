package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load("", filepath.Join(t.TempDir(), "missing.env"))
	require.NoError(t, err)

	assert.Equal(t, "sagaflow", cfg.Service.Name)
	assert.Equal(t, "memory", cfg.Transport.Kind)
	assert.Equal(t, 100, cfg.Recovery.MaxActive)
	assert.Equal(t, "sql", cfg.Scheduler.Lock)
	assert.Equal(t, "sagaflow.PUBLISH_STUDENT_REGISTRATION_SAGA", cfg.SagaTopic("PUBLISH_STUDENT_REGISTRATION_SAGA"))
	assert.Equal(t, "sagaflow.sagaflow.events", cfg.EventsTopic())
}

func TestLoad_YAMLOverridesDefaults(t *testing.T) {
	path := writeFile(t, "sagaflow.yaml", `
service:
  name: registration
  topic_prefix: "edx."
database:
  driver: pgx
  dsn: postgres://sagaflow@localhost/sagaflow
transport:
  kind: nats
  nats:
    url: nats://nats:4222
outbox:
  grace_period: 2m
  batch_size: 50
scheduler:
  lock: redis
  sweep_interval: 30s
`)
	cfg, err := Load(path, filepath.Join(t.TempDir(), "missing.env"))
	require.NoError(t, err)

	assert.Equal(t, "registration", cfg.Service.Name)
	assert.Equal(t, "pgx", cfg.Database.Driver)
	assert.Equal(t, "nats", cfg.Transport.Kind)
	assert.Equal(t, "nats://nats:4222", cfg.Transport.NATS.URL)
	assert.Equal(t, 2*time.Minute, cfg.Outbox.GracePeriod)
	assert.Equal(t, 50, cfg.Outbox.BatchSize)
	assert.Equal(t, 30*time.Second, cfg.Scheduler.SweepInterval)
	// 未出现的字段保留默认值
	assert.Equal(t, time.Minute, cfg.Outbox.SweepInterval)
	assert.Equal(t, "edx.registration.events", cfg.EventsTopic())
}

func TestLoad_EnvFileAndEnvironment(t *testing.T) {
	envFile := writeFile(t, ".env", "SAGAFLOW_SERVICE_NAME=from-dotenv\nSAGAFLOW_MAX_ACTIVE=25\n")
	t.Setenv("SAGAFLOW_WORKERS", "4")
	t.Setenv("SAGAFLOW_SWEEP_INTERVAL", "15s")
	t.Setenv("SAGAFLOW_SERVICE_NAME", "from-env")
	t.Cleanup(func() { _ = os.Unsetenv("SAGAFLOW_MAX_ACTIVE") })

	cfg, err := Load("", envFile)
	require.NoError(t, err)

	// godotenv 不覆盖已存在的环境变量
	assert.Equal(t, "from-env", cfg.Service.Name)
	assert.Equal(t, 25, cfg.Recovery.MaxActive)
	assert.Equal(t, 4, cfg.Dispatcher.Workers)
	assert.Equal(t, 15*time.Second, cfg.Scheduler.SweepInterval)
}

func TestLoad_InvalidEnvValue(t *testing.T) {
	t.Setenv("SAGAFLOW_MAX_ACTIVE", "many")
	_, err := Load("", filepath.Join(t.TempDir(), "missing.env"))
	assert.ErrorContains(t, err, "SAGAFLOW_MAX_ACTIVE")
}

func TestLoad_Validation(t *testing.T) {
	cases := map[string]string{
		"unknown transport":  "transport:\n  kind: kafka\n",
		"unknown driver":     "database:\n  driver: mysql\n",
		"zero max active":    "recovery:\n  max_active: 0\n",
		"s3 without bucket":  "collaborators:\n  artifacts:\n    kind: s3\n",
		"redis lock no addr": "scheduler:\n  lock: redis\ntransport:\n  redis:\n    addr: \"\"\n",
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			path := writeFile(t, "bad.yaml", body)
			_, err := Load(path, filepath.Join(t.TempDir(), "missing.env"))
			assert.Error(t, err)
		})
	}
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}
