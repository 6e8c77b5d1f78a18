package app

import (
	"os"
	"time"

	"github.com/yungbote/neurobridge-contentgen/internal/artifacts"
	"github.com/yungbote/neurobridge-contentgen/internal/clarifier"
	"github.com/yungbote/neurobridge-contentgen/internal/data/db"
	"github.com/yungbote/neurobridge-contentgen/internal/pipeline/orchestrator"
	"github.com/yungbote/neurobridge-contentgen/internal/platform/envutil"
	"github.com/yungbote/neurobridge-contentgen/internal/platform/openai"
	"github.com/yungbote/neurobridge-contentgen/internal/platform/redisclient"
	"github.com/yungbote/neurobridge-contentgen/internal/retrieval"
)

type Config struct {
	ServiceName string
	Environment string
	Version     string
	HTTPAddr    string

	CorpusPath       string
	StageCatalogPath string
	SlideFontPath    string
	SlideFontSize    float64
	ScriptMaxSeconds int
	WordsPerMinute   int
	SpeechVoice      string
	NotifyChannel    string

	DB           db.Config
	Redis        redisclient.Config
	Artifacts    artifacts.Config
	OpenAI       openai.Config
	Retrieval    retrieval.Config
	Clarifier    clarifier.Config
	Orchestrator orchestrator.Config
	Pool         orchestrator.PoolConfig
	Sweeper      orchestrator.SweeperConfig
}

func LoadConfig() Config {
	return Config{
		ServiceName: envutil.String("SERVICE_NAME", "contentgen"),
		Environment: envutil.String("ENVIRONMENT", "development"),
		Version:     envutil.String("SERVICE_VERSION", "dev"),
		HTTPAddr:    ":" + envutil.String("PORT", "8080"),

		CorpusPath:       envutil.String("CORPUS_PATH", ""),
		StageCatalogPath: envutil.String("STAGE_CATALOG_PATH", ""),
		SlideFontPath:    envutil.String("SLIDE_FONT", ""),
		SlideFontSize:    envutil.Float("SLIDE_FONT_SIZE", 36),
		ScriptMaxSeconds: envutil.Int("SCRIPT_MAX_SECONDS", 180),
		WordsPerMinute:   envutil.Int("NARRATION_WPM", 150),
		SpeechVoice:      envutil.String("OPENAI_SPEECH_VOICE", "alloy"),
		NotifyChannel:    envutil.String("NOTIFY_CHANNEL", "contentgen:completed"),

		DB:           db.ConfigFromEnv(),
		Redis:        redisclient.ConfigFromEnv(),
		Artifacts:    artifacts.ConfigFromEnv(),
		OpenAI:       openai.ConfigFromEnv(),
		Retrieval:    retrieval.ConfigFromEnv(),
		Clarifier:    clarifier.ConfigFromEnv(),
		Orchestrator: orchestrator.ConfigFromEnv(),
		Pool:         orchestrator.PoolConfigFromEnv(),
		Sweeper:      orchestrator.SweeperConfigFromEnv(),
	}
}

func logMode() string {
	if m := os.Getenv("LOG_MODE"); m != "" {
		return m
	}
	return "development"
}

// shutdownGrace bounds Close.
const shutdownGrace = 10 * time.Second
