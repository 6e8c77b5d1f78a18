package app

import (
	"context"
	"fmt"

	"github.com/yungbote/neurobridge-contentgen/internal/clarifier"
	"github.com/yungbote/neurobridge-contentgen/internal/notify"
	"github.com/yungbote/neurobridge-contentgen/internal/observability"
	"github.com/yungbote/neurobridge-contentgen/internal/pipeline/catalog"
	"github.com/yungbote/neurobridge-contentgen/internal/pipeline/orchestrator"
	"github.com/yungbote/neurobridge-contentgen/internal/pipeline/providers"
	"github.com/yungbote/neurobridge-contentgen/internal/pipeline/stages"
	"github.com/yungbote/neurobridge-contentgen/internal/platform/logger"
	"github.com/yungbote/neurobridge-contentgen/internal/retrieval"
	"github.com/yungbote/neurobridge-contentgen/internal/services/requests"
)

type Services struct {
	Clarifier *clarifier.Clarifier
	Requests  requests.Service

	// Pipeline side; nil when the process only serves the API.
	Notifier     notify.Notifier
	Orchestrator *orchestrator.Orchestrator
	Pool         *orchestrator.Pool
	Sweeper      *orchestrator.Sweeper
}

func wireServices(
	ctx context.Context,
	log *logger.Logger,
	cfg Config,
	cat *catalog.Catalog,
	clients Clients,
	repos Repos,
	metrics *observability.Metrics,
	withPipeline bool,
) (Services, error) {
	log.Info("Wiring services...")

	var provider *providers.OpenAI
	var nlu clarifier.TopicExtractor
	if clients.OpenAI != nil {
		provider = providers.NewOpenAI(clients.OpenAI, cfg.SpeechVoice, cfg.OpenAI.VideoSize, log)
		nlu = provider
	}
	clar := clarifier.New(nlu, cfg.Clarifier, log)

	out := Services{
		Clarifier: clar,
		Requests:  requests.NewService(log, repos.Ledger, clar, clients.Broker),
	}
	if !withPipeline {
		return out, nil
	}
	if provider == nil {
		return Services{}, fmt.Errorf("worker requires OPENAI_API_KEY")
	}

	var embedder retrieval.Embedder = clients.OpenAI
	opener := corpusOpener{store: clients.Artifacts, cfg: cfg.Artifacts, log: log}
	engine, err := resolveRetrievalEngine(ctx, log, cfg, opener, embedder)
	if err != nil {
		return Services{}, err
	}

	var slides *stages.SlideRenderer
	if cfg.SlideFontPath != "" {
		face, err := stages.LoadSlideFont(cfg.SlideFontPath, cfg.SlideFontSize)
		if err != nil {
			return Services{}, fmt.Errorf("load slide font: %w", err)
		}
		slides = stages.NewSlideRenderer(face)
	}

	set, err := stages.NewSet(stages.Deps{
		Log:       log,
		NLU:       provider,
		Clarifier: clar,
		Retriever: engine,
		Scripts:   provider,
		Speech:    provider,
		Video:     provider,
		Store:     clients.Artifacts,
		Budget:    stages.Budget{MaxSeconds: cfg.ScriptMaxSeconds, WordsPerMinute: cfg.WordsPerMinute},
		Slides:    slides,
		KeyPrefix: cfg.Artifacts.Prefix,
	})
	if err != nil {
		return Services{}, err
	}

	notifier := notify.NewLogNotifier(log)
	if clients.Redis != nil {
		notifier, err = notify.NewRedisNotifier(clients.Redis, cfg.NotifyChannel, log)
		if err != nil {
			return Services{}, err
		}
	}

	orch, err := orchestrator.New(orchestrator.Deps{
		Log:      log,
		Ledger:   repos.Ledger,
		Catalog:  cat,
		Stages:   set,
		Notifier: notifier,
		Metrics:  metrics,
	}, cfg.Orchestrator)
	if err != nil {
		return Services{}, err
	}

	out.Notifier = notifier
	out.Orchestrator = orch
	out.Pool = orchestrator.NewPool(clients.Broker, orch, cfg.Pool, log)
	out.Sweeper = orchestrator.NewSweeper(repos.Ledger, clients.Broker, cfg.Sweeper, log)
	return out, nil
}
