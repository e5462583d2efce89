package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefault_EngineConstants(t *testing.T) {
	cfg := Default()

	assert.Equal(t, 50.0, cfg.Consensus.DivergenceThreshold)
	assert.Equal(t, 2, cfg.Consensus.MinReviewsForDivergence)
	assert.Equal(t, 0.7, cfg.Consensus.PeerBlendRatio)
	assert.Equal(t, 0.5, cfg.Consensus.AIFloorRatio)
	assert.Equal(t, 300, cfg.Consensus.MaxXP)
	assert.Equal(t, 5, cfg.Voting.MinVotes)
	assert.Equal(t, 0.5, cfg.Voting.MajorityThreshold)
	assert.Equal(t, 168*time.Hour, cfg.Voting.VoteTimeout())
	assert.Equal(t, 10, cfg.Aggregation.MissedReviewPenalty)
	assert.Equal(t, []int{1500, 1000, 500}, cfg.Awards.RankAmounts)
	assert.Equal(t, 3, cfg.Awards.CooldownMonths)
	assert.Equal(t, 30*time.Second, cfg.Locks.LockTTL())

	require.NoError(t, cfg.ValidateEngine())
}

func TestLoad_FileAndEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	content := `
database:
  postgres:
    host: db.internal
    database: reputation
    user: engine
  redis:
    host: cache.internal
voting:
  min_votes: 7
awards:
  rank_amounts: [2000, 1000, 500]
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	t.Setenv("VOTING_MAJORITY_THRESHOLD", "0.6")
	t.Setenv("SERVER_PORT", "9090")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "db.internal", cfg.Database.Postgres.Host)
	assert.Equal(t, 5432, cfg.Database.Postgres.Port)
	assert.Equal(t, 7, cfg.Voting.MinVotes)
	assert.Equal(t, 0.6, cfg.Voting.MajorityThreshold)
	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, []int{2000, 1000, 500}, cfg.Awards.RankAmounts)
	assert.Equal(t, "5 0 * * 1", cfg.Scheduler.WeeklyResetCron)
}

func TestValidate(t *testing.T) {
	valid := func() *Config {
		cfg := Default()
		cfg.Database.Postgres.Host = "localhost"
		cfg.Database.Postgres.Database = "reputation"
		cfg.Database.Postgres.User = "engine"
		cfg.Database.Redis.Host = "localhost"
		return cfg
	}

	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr string
	}{
		{name: "valid", mutate: func(c *Config) {}},
		{name: "missing postgres host", mutate: func(c *Config) { c.Database.Postgres.Host = "" }, wantErr: "database.postgres.host"},
		{name: "missing redis host", mutate: func(c *Config) { c.Database.Redis.Host = "" }, wantErr: "database.redis.host"},
		{name: "blend below half", mutate: func(c *Config) { c.Consensus.PeerBlendRatio = 0.4 }, wantErr: "peer_blend_ratio"},
		{name: "majority of one", mutate: func(c *Config) { c.Voting.MajorityThreshold = 1 }, wantErr: "majority_threshold"},
		{name: "zero min votes", mutate: func(c *Config) { c.Voting.MinVotes = 0 }, wantErr: "min_votes"},
		{name: "two award amounts", mutate: func(c *Config) { c.Awards.RankAmounts = []int{1500, 1000} }, wantErr: "rank_amounts"},
		{name: "increasing amounts", mutate: func(c *Config) { c.Awards.RankAmounts = []int{500, 1000, 1500} }, wantErr: "non-increasing"},
		{name: "negative cooldown", mutate: func(c *Config) { c.Awards.CooldownMonths = -1 }, wantErr: "cooldown_months"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestSchedulerConfig_GetLocation(t *testing.T) {
	cfg := SchedulerConfig{Timezone: "Europe/Paris"}
	loc, err := cfg.GetLocation()
	require.NoError(t, err)
	assert.Equal(t, "Europe/Paris", loc.String())

	cfg.Timezone = "Nowhere/Special"
	_, err = cfg.GetLocation()
	assert.Error(t, err)
}

func TestLoad_EnvOnly(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("POSTGRES_HOST", "db")
	t.Setenv("POSTGRES_DB", "reputation")
	t.Setenv("POSTGRES_USER", "engine")
	t.Setenv("REDIS_HOST", "cache")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "db", cfg.Database.Postgres.Host)
	assert.Equal(t, 8080, cfg.Server.Port)

	_, err = Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}
