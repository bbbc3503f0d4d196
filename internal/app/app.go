// Package app assembles the conversation service from configuration.
package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/bedrockagentruntime"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	awsdynamodb "github.com/aws/aws-sdk-go-v2/service/dynamodb"
	awspolly "github.com/aws/aws-sdk-go-v2/service/polly"
	awss3 "github.com/aws/aws-sdk-go-v2/service/s3"
	awsssm "github.com/aws/aws-sdk-go-v2/service/ssm"

	"career-agent/internal/audio"
	"career-agent/internal/config"
	"career-agent/internal/integrations/bedrock"
	"career-agent/internal/integrations/objectstore"
	"career-agent/internal/integrations/openai"
	"career-agent/internal/integrations/paramstore"
	"career-agent/internal/integrations/polly"
	"career-agent/internal/observability"
	"career-agent/internal/rag"
	"career-agent/internal/render"
	"career-agent/internal/repository"
	"career-agent/internal/usecase"
)

// AudioStore saves and serves synthesized clips.
type AudioStore interface {
	Save(ctx context.Context, clip []byte) (string, error)
	Open(ctx context.Context, name string) (io.ReadCloser, error)
}

type Options struct {
	// Voice enables speech synthesis, transcription and the audio store.
	Voice bool
}

type App struct {
	Service *usecase.ConversationService
	Audio   AudioStore
	Metrics *observability.Metrics

	closers []func() error
}

// Close releases connections held by the stores.
func (a *App) Close() error {
	var errs []error
	for _, c := range a.closers {
		errs = append(errs, c())
	}
	return errors.Join(errs...)
}

// Build wires every collaborator of the conversation service.
func Build(ctx context.Context, cfg *config.Config, logger *slog.Logger, opts Options) (*App, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("app: load AWS config: %w", err)
	}

	ssmClient, err := paramstore.New(awsssm.NewFromConfig(awsCfg))
	if err != nil {
		return nil, fmt.Errorf("app: create SSM client: %w", err)
	}

	a := &App{Metrics: observability.NewMetrics()}

	store, closeStore, err := newStore(ctx, cfg.Store, awsCfg)
	if err != nil {
		return nil, err
	}
	if closeStore != nil {
		a.closers = append(a.closers, closeStore)
	}

	var openaiClient *openai.Client
	if cfg.LLM.ParamPrefix != "" {
		var clientOpts []openai.Option
		if cfg.LLM.OpenAIBaseURL != "" {
			clientOpts = append(clientOpts, openai.WithBaseURL(cfg.LLM.OpenAIBaseURL))
		}
		openaiClient, err = openai.NewClient(ssmClient, cfg.LLM.ParamPrefix, clientOpts...)
		if err != nil {
			return nil, fmt.Errorf("app: create OpenAI client: %w", err)
		}
	}

	var llm rag.LLMClient
	switch cfg.LLM.Provider {
	case config.ProviderOpenAI:
		llm = openaiClient
	default:
		llm, err = bedrock.NewChatClient(bedrockruntime.NewFromConfig(awsCfg), bedrock.DefaultInferenceParams())
		if err != nil {
			return nil, fmt.Errorf("app: create Bedrock client: %w", err)
		}
	}

	retriever, err := newRetriever(cfg.LLM, awsCfg)
	if err != nil {
		return nil, err
	}

	renderer := render.New()
	var params rag.ParamGetter
	if cfg.LLM.ParamPrefix != "" {
		params = ssmClient
	}
	pipeline, err := rag.NewPipeline(params, retriever, llm, renderer, rag.Config{
		ParamPrefix:  cfg.LLM.ParamPrefix,
		Model:        cfg.LLM.Model,
		SystemPrompt: cfg.LLM.SystemPrompt,
	})
	if err != nil {
		return nil, fmt.Errorf("app: create pipeline: %w", err)
	}

	deps := usecase.Dependencies{
		Answerer: pipeline,
		Store:    store,
		Renderer: renderer,
		Observer: a.Metrics,
		Logger:   logger,
	}
	if opts.Voice {
		tts, err := polly.New(awspolly.NewFromConfig(awsCfg), cfg.Speech.Voice)
		if err != nil {
			return nil, fmt.Errorf("app: create Polly client: %w", err)
		}
		deps.TextToSpeech = tts
		if openaiClient != nil {
			deps.SpeechToText = openaiClient
		} else {
			logger.Warn("speech transcription disabled: PARAM_PREFIX is not set")
		}

		files, err := newAudioStore(cfg.Speech, awsCfg)
		if err != nil {
			return nil, err
		}
		a.Audio = files
		deps.Audio = files
	}

	a.Service, err = usecase.NewConversationService(deps, usecase.Config{
		MaxQuestionLength: cfg.Turn.MaxQuestionLength,
		HistoryTurns:      cfg.Turn.HistoryTurns,
		PersistAttempts:   cfg.Turn.PersistAttempts,
		UpstreamTimeout:   cfg.Turn.UpstreamTimeout,
		StorageTimeout:    cfg.Turn.StorageTimeout,
		SpeechTimeout:     cfg.Turn.SpeechTimeout,
		Language:          cfg.Speech.Language,
		Voice:             cfg.Speech.Voice,
	})
	if err != nil {
		return nil, fmt.Errorf("app: create conversation service: %w", err)
	}
	return a, nil
}

func newStore(ctx context.Context, cfg config.StoreConfig, awsCfg aws.Config) (usecase.TranscriptStore, func() error, error) {
	switch cfg.Backend {
	case config.BackendRedis:
		store, err := repository.NewRedisStore(ctx, repository.RedisConfig{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
			Prefix:   cfg.RedisPrefix,
		})
		if err != nil {
			return nil, nil, fmt.Errorf("app: create redis store: %w", err)
		}
		return store, store.Close, nil
	default:
		store, err := repository.New(awsdynamodb.NewFromConfig(awsCfg), cfg.Table)
		if err != nil {
			return nil, nil, fmt.Errorf("app: create dynamodb store: %w", err)
		}
		return store, nil, nil
	}
}

func newRetriever(cfg config.LLMConfig, awsCfg aws.Config) (rag.Retriever, error) {
	if cfg.KnowledgeBaseID == "" {
		return rag.NoRetriever{}, nil
	}
	r, err := bedrock.NewRetriever(bedrockagentruntime.NewFromConfig(awsCfg), cfg.KnowledgeBaseID, cfg.Results)
	if err != nil {
		return nil, fmt.Errorf("app: create knowledge base retriever: %w", err)
	}
	return r, nil
}

func newAudioStore(cfg config.SpeechConfig, awsCfg aws.Config) (AudioStore, error) {
	if cfg.AudioBucket == "" {
		store, err := audio.NewDirStore(cfg.AudioDir)
		if err != nil {
			return nil, fmt.Errorf("app: create audio directory store: %w", err)
		}
		return store, nil
	}
	objects, err := objectstore.New(awss3.NewFromConfig(awsCfg), cfg.AudioBucket)
	if err != nil {
		return nil, fmt.Errorf("app: create object store: %w", err)
	}
	store, err := audio.NewS3Store(objects, cfg.AudioPrefix)
	if err != nil {
		return nil, fmt.Errorf("app: create audio bucket store: %w", err)
	}
	return store, nil
}
