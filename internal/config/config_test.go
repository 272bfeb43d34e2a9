package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, contents string) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), "owntrackstodb.yaml")
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o600))
	return path
}

const minimal = `
mqtt:
  host: broker.example.net
database:
  host: db.example.net
  dbname: owntracks
`

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, minimal))
	require.NoError(t, err)

	require.Equal(t, "info", cfg.LogLevel)
	require.Equal(t, ":8000", cfg.HTTPPort)
	require.Equal(t, "broker.example.net", cfg.MQTT.Host)
	require.Equal(t, 1883, cfg.MQTT.Port)
	require.Equal(t, "owntracks/#", cfg.MQTT.Topic)
	require.Equal(t, "o2db", cfg.MQTT.ClientIDPrefix)
	require.False(t, cfg.MQTT.TLS)
	require.Equal(t, 30*time.Second, cfg.MQTT.KeepAlive)
	require.Equal(t, 5432, cfg.Database.Port)
	require.Equal(t, "disable", cfg.Database.SSLMode)
	require.Equal(t, 5*time.Second, cfg.Database.QueryTimeout)
	require.True(t, cfg.Spill.Enabled)
	require.Equal(t, "data/spill.db", cfg.Spill.Path)
}

func TestLoad_FullFile(t *testing.T) {
	cfg, err := Load(writeConfig(t, `
log_level: debug
http_port: ":9100"
mqtt:
  host: broker.example.net
  port: 8883
  tls: true
  ca: /etc/ssl/broker-ca.pem
  username: o2db
  password: hunter2
  topic: owntracks/#
  keepalive: 45s
  connect_timeout: 3s
database:
  host: db.example.net
  port: 5433
  username: owntracks
  password: sekrit
  dbname: locations
  sslmode: require
  query_timeout: 2s
spill:
  enabled: false
  path: /var/lib/o2db/spill.db
`))
	require.NoError(t, err)

	require.Equal(t, "debug", cfg.LogLevel)
	require.Equal(t, ":9100", cfg.HTTPPort)
	require.True(t, cfg.MQTT.TLS)
	require.Equal(t, 8883, cfg.MQTT.Port)
	require.Equal(t, "/etc/ssl/broker-ca.pem", cfg.MQTT.CACertFile)
	require.Equal(t, "hunter2", cfg.MQTT.Password)
	require.Equal(t, 45*time.Second, cfg.MQTT.KeepAlive)
	require.Equal(t, 3*time.Second, cfg.MQTT.ConnectTimeout)
	require.Equal(t, 5433, cfg.Database.Port)
	require.Equal(t, "locations", cfg.Database.DBName)
	require.Equal(t, "require", cfg.Database.SSLMode)
	require.Equal(t, 2*time.Second, cfg.Database.QueryTimeout)
	require.False(t, cfg.Spill.Enabled)
}

func TestLoad_MissingRequiredFields(t *testing.T) {
	cases := map[string]string{
		"no mqtt host":   "database:\n  host: db\n  dbname: x\n",
		"no db host":     "mqtt:\n  host: broker\ndatabase:\n  dbname: x\n",
		"no db name":     "mqtt:\n  host: broker\ndatabase:\n  host: db\n",
		"empty file":     "",
	}
	for name, contents := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Load(writeConfig(t, contents))
			require.Error(t, err)
		})
	}
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("O2DB_MQTT_HOST", "env-broker.example.net")
	t.Setenv("O2DB_DATABASE_PASSWORD", "from-env")

	cfg, err := Load(writeConfig(t, minimal))
	require.NoError(t, err)

	require.Equal(t, "env-broker.example.net", cfg.MQTT.Host)
	require.Equal(t, "from-env", cfg.Database.Password)
}

func TestLoad_MissingFileUsesEnv(t *testing.T) {
	t.Setenv("O2DB_MQTT_HOST", "broker")
	t.Setenv("O2DB_DATABASE_HOST", "db")
	t.Setenv("O2DB_DATABASE_DBNAME", "owntracks")

	cfg, err := Load(filepath.Join(t.TempDir(), "does-not-exist.yaml"))
	require.NoError(t, err)
	require.Equal(t, "broker", cfg.MQTT.Host)
}

func TestLoad_UnparseableFile(t *testing.T) {
	_, err := Load(writeConfig(t, "mqtt: [unclosed"))
	require.Error(t, err)
}
