package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfigDefaults(t *testing.T) {
	t.Setenv("DATABASE_URL", "file::memory:")
	t.Setenv("DATABASE_DRIVER", "sqlite")

	cfg, err := LoadConfig()
	require.NoError(t, err)

	assert.Equal(t, "8080", cfg.Port)
	assert.Equal(t, 5*time.Second, cfg.JobPollInterval)
	assert.Equal(t, 2*time.Minute, cfg.JobWindow)
	assert.Equal(t, 10, cfg.JobBatchSize)
	assert.Equal(t, 24*time.Hour, cfg.FlowIdleWindow)
	assert.Equal(t, int64(1), cfg.DefaultCompanyID)
	assert.Equal(t, "55", cfg.PhoneCountryCode)
	assert.Empty(t, cfg.RabbitSpecificEvents)
}

func TestLoadConfigOverrides(t *testing.T) {
	t.Setenv("DATABASE_URL", "postgres://localhost/autoflow")
	t.Setenv("JOB_WINDOW", "90s")
	t.Setenv("JOB_BATCH_SIZE", "25")
	t.Setenv("AMQP_SPECIFIC_EVENTS", "tag.assigned, flow.job.failed,")

	cfg, err := LoadConfig()
	require.NoError(t, err)

	assert.Equal(t, "postgres", cfg.DatabaseDriver)
	assert.Equal(t, 90*time.Second, cfg.JobWindow)
	assert.Equal(t, 25, cfg.JobBatchSize)
	assert.Equal(t, []string{"tag.assigned", "flow.job.failed"}, cfg.RabbitSpecificEvents)
}

func TestLoadConfigErrors(t *testing.T) {
	cases := map[string]map[string]string{
		"missing dsn":      {"DATABASE_URL": ""},
		"bad driver":       {"DATABASE_URL": "x", "DATABASE_DRIVER": "mysql"},
		"bad duration":     {"DATABASE_URL": "x", "JOB_POLL_INTERVAL": "soon"},
		"bad batch":        {"DATABASE_URL": "x", "JOB_BATCH_SIZE": "0"},
		"bad company":      {"DATABASE_URL": "x", "DEFAULT_COMPANY_ID": "acme"},
		"negative workers": {"DATABASE_URL": "x", "TAG_TRIGGER_WORKERS": "-1"},
	}
	for name, env := range cases {
		t.Run(name, func(t *testing.T) {
			for k, v := range env {
				t.Setenv(k, v)
			}
			_, err := LoadConfig()
			assert.Error(t, err)
		})
	}
}
