package config

import (
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	cfg := Load()

	if cfg.Matchmaking.HumanSearchTimeout != 45*time.Second {
		t.Errorf("HumanSearchTimeout = %s, want 45s", cfg.Matchmaking.HumanSearchTimeout)
	}
	if cfg.Matchmaking.SearchInterval != 3*time.Second {
		t.Errorf("SearchInterval = %s, want 3s", cfg.Matchmaking.SearchInterval)
	}
	if cfg.Matchmaking.MinSearchAttempts != 10 {
		t.Errorf("MinSearchAttempts = %d, want 10", cfg.Matchmaking.MinSearchAttempts)
	}
	if cfg.Matchmaking.SkillThreshold != 1.5 {
		t.Errorf("SkillThreshold = %g, want 1.5", cfg.Matchmaking.SkillThreshold)
	}
	if cfg.Matchmaking.MaxQueueSize != 1000 {
		t.Errorf("MaxQueueSize = %d, want 1000", cfg.Matchmaking.MaxQueueSize)
	}
	if cfg.Dispatch.HeartbeatInterval != 30*time.Second {
		t.Errorf("HeartbeatInterval = %s, want 30s", cfg.Dispatch.HeartbeatInterval)
	}
	if cfg.Dispatch.ConnectionTimeout != 60*time.Second {
		t.Errorf("ConnectionTimeout = %s, want 60s", cfg.Dispatch.ConnectionTimeout)
	}
}

func TestLoadClampsSearchTimeout(t *testing.T) {
	t.Setenv("HUMAN_SEARCH_TIMEOUT_MS", "300000") // above the 180s ceiling

	cfg := Load()
	if cfg.Matchmaking.HumanSearchTimeout != 180*time.Second {
		t.Errorf("HumanSearchTimeout = %s, want clamp to 180s", cfg.Matchmaking.HumanSearchTimeout)
	}
}

func TestLoadBadValuesFallBack(t *testing.T) {
	t.Setenv("SEARCH_INTERVAL_MS", "banana")
	t.Setenv("MIN_SEARCH_ATTEMPTS", "3.5")
	t.Setenv("SKILL_MATCHING_THRESHOLD", "-1")

	cfg := Load()
	if cfg.Matchmaking.SearchInterval != 3*time.Second {
		t.Errorf("SearchInterval = %s, want default 3s", cfg.Matchmaking.SearchInterval)
	}
	if cfg.Matchmaking.MinSearchAttempts != 10 {
		t.Errorf("MinSearchAttempts = %d, want default 10", cfg.Matchmaking.MinSearchAttempts)
	}
	if cfg.Matchmaking.SkillThreshold != 1.5 {
		t.Errorf("SkillThreshold = %g, want default 1.5", cfg.Matchmaking.SkillThreshold)
	}
}

func TestKafkaBrokerList(t *testing.T) {
	t.Setenv("KAFKA_BROKERS", "broker-1:9092, broker-2:9092,")

	cfg := Load()
	if len(cfg.KafkaBrokers) != 2 {
		t.Fatalf("KafkaBrokers = %v, want 2 entries", cfg.KafkaBrokers)
	}
	if cfg.KafkaBrokers[1] != "broker-2:9092" {
		t.Errorf("KafkaBrokers[1] = %q", cfg.KafkaBrokers[1])
	}
}
