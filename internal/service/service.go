// Package service wires detection, anonymization, storage and audit into
// the operations exposed by the API, the queue worker and the CLI.
package service

import (
	"context"
	stderrors "errors"
	"fmt"
	"unicode/utf8"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/openredact/clinical/internal/anonymizer"
	"github.com/openredact/clinical/internal/models"
	"github.com/openredact/clinical/internal/pii"
	"github.com/openredact/clinical/internal/pipeline"
	"github.com/openredact/clinical/internal/storage"
	"github.com/openredact/clinical/pkg/errors"
	"github.com/openredact/clinical/pkg/logger"
)

// Audit channels.
const (
	ChannelAPI   = "api"
	ChannelBatch = "batch"
	ChannelQueue = "queue"
	ChannelCLI   = "cli"
)

// AuditSink receives one PII-free event per anonymization.
type AuditSink interface {
	Record(ctx context.Context, ev *models.AuditEvent) error
}

// Config wires the collaborators of a Service.
type Config struct {
	Detector  *pii.Detector
	Sources   []pii.EntitySource
	Blacklist storage.ListStore
	Whitelist storage.ListStore
	Templates storage.TemplateStore
	Sinks     []AuditSink

	// Default is the mechanism used when no template is given.
	Default      models.Mechanism
	MaxTextRunes int
	MaxBatchSize int
	// Channel tags audit events of Anonymize. Defaults to ChannelAPI.
	Channel string

	Pool   pipeline.PoolConfig
	Logger *zap.Logger
}

// Service runs the anonymization operations.
type Service struct {
	resolver *pii.Resolver
	primary  *pii.Resolver
	engine   *anonymizer.Engine
	pool     *pipeline.WorkerPool

	blacklist storage.ListStore
	whitelist storage.ListStore
	templates storage.TemplateStore
	sinks     []AuditSink

	defaults     models.Mechanism
	maxTextRunes int
	maxBatchSize int
	channel      string
	logger       *zap.Logger
}

// New creates a Service and starts its batch worker pool. Call Close to
// stop it.
func New(ctx context.Context, config Config) (*Service, error) {
	log := logger.OrNop(config.Logger)

	resolver, err := pii.NewResolver(pii.ResolverConfig{
		Detector:  config.Detector,
		Sources:   config.Sources,
		Blocklist: config.Blacklist,
		Allowlist: config.Whitelist,
		Logger:    log,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create resolver: %w", err)
	}

	if config.Default.Type == "" {
		config.Default = models.Redact()
	}
	if err := config.Default.Validate(); err != nil {
		return nil, fmt.Errorf("invalid default mechanism: %w", err)
	}
	if config.MaxTextRunes <= 0 {
		config.MaxTextRunes = 100000
	}
	if config.MaxBatchSize <= 0 {
		config.MaxBatchSize = 100
	}
	if config.Channel == "" {
		config.Channel = ChannelAPI
	}

	s := &Service{
		resolver:     resolver,
		primary:      resolver.Primary(),
		engine:       anonymizer.New(log),
		blacklist:    config.Blacklist,
		whitelist:    config.Whitelist,
		templates:    config.Templates,
		sinks:        config.Sinks,
		defaults:     config.Default,
		maxTextRunes: config.MaxTextRunes,
		maxBatchSize: config.MaxBatchSize,
		channel:      config.Channel,
		logger:       log,
	}

	poolConfig := config.Pool
	poolConfig.Logger = log
	s.pool = pipeline.NewWorkerPool(ctx, poolConfig, func(ctx context.Context, job *models.Job) (*models.Result, error) {
		return s.anonymize(ctx, job.ID, job.Text, job.TemplateID, ChannelBatch)
	})
	s.pool.Start()

	log.Info("Service ready",
		zap.Strings("ner_sources", resolver.Sources()),
		zap.String("default_mechanism", string(config.Default.Type)),
	)
	return s, nil
}

// Close stops the batch worker pool.
func (s *Service) Close() {
	s.pool.Stop()
}

// Blacklist returns the block-list store.
func (s *Service) Blacklist() storage.ListStore { return s.blacklist }

// Whitelist returns the allow-list store.
func (s *Service) Whitelist() storage.ListStore { return s.whitelist }

// Templates returns the template store.
func (s *Service) Templates() storage.TemplateStore { return s.templates }

// Healthy reports whether the batch pool accepts work.
func (s *Service) Healthy() bool { return s.pool.IsHealthy() }

// PoolMetrics returns the batch pool statistics.
func (s *Service) PoolMetrics() pipeline.PoolMetrics { return s.pool.GetMetrics() }

// NERSources returns the configured NER source names.
func (s *Service) NERSources() []string { return s.resolver.Sources() }

// Detection is the outcome of FindPIIs.
type Detection struct {
	Text             string          `json:"text"`
	Entities         []models.Entity `json:"entities"`
	TotalFound       int             `json:"total_found"`
	WhitelistedCount int             `json:"whitelisted_count"`
}

// FindPIIs detects entities without rewriting text. With useAllModels
// false only the first NER source runs.
func (s *Service) FindPIIs(ctx context.Context, text string, useAllModels bool) (*Detection, error) {
	if err := s.ValidateText(text); err != nil {
		return nil, err
	}

	r := s.resolver
	if !useAllModels {
		r = s.primary
	}
	entities, err := r.FindAllEntities(ctx, text)
	if err != nil {
		return nil, err
	}

	d := &Detection{Text: text, Entities: entities, TotalFound: len(entities)}
	for _, e := range entities {
		if e.Whitelisted {
			d.WhitelistedCount++
		}
	}

	s.logger.Info("PII detection completed",
		logger.Text("text", text),
		zap.Int("entities", d.TotalFound),
		zap.Int("whitelisted", d.WhitelistedCount),
	)
	return d, nil
}

// Anonymize detects and rewrites all PII in text. An empty templateID uses
// the default mechanism for every label.
func (s *Service) Anonymize(ctx context.Context, text, templateID string) (*models.Result, error) {
	return s.anonymize(ctx, uuid.NewString(), text, templateID, s.channel)
}

// ProcessJob anonymizes a queued job. It has the pipeline.Handler
// signature.
func (s *Service) ProcessJob(ctx context.Context, job *models.Job) (*models.Result, error) {
	if err := job.Validate(); err != nil {
		return nil, errors.InvalidInput("invalid job").WithDetails(err.Error())
	}
	return s.anonymize(ctx, job.ID, job.Text, job.TemplateID, ChannelQueue)
}

// BatchItem is one entry of an AnonymizeBatch response.
type BatchItem struct {
	Result    *models.Result `json:"result,omitempty"`
	Error     string         `json:"error,omitempty"`
	ErrorCode errors.Code    `json:"error_code,omitempty"`
}

// AnonymizeBatch anonymizes texts concurrently with one template.
// Per-text failures are reported in the item; the returned error covers
// the batch as a whole (size, template lookup). Items match input order.
func (s *Service) AnonymizeBatch(ctx context.Context, texts []string, templateID string) ([]BatchItem, error) {
	if len(texts) == 0 {
		return nil, errors.InvalidInput("texts must not be empty")
	}
	if len(texts) > s.maxBatchSize {
		return nil, errors.LimitExceeded("batch", s.maxBatchSize)
	}
	if _, err := s.mechanisms(ctx, templateID); err != nil {
		return nil, err
	}

	jobs := make([]*models.Job, len(texts))
	for i, text := range texts {
		jobs[i] = &models.Job{ID: uuid.NewString(), Text: text, TemplateID: templateID}
	}

	outcomes := s.pool.Batch(ctx, jobs)
	items := make([]BatchItem, len(outcomes))
	for i, out := range outcomes {
		if out.Err != nil {
			items[i] = BatchItem{Error: out.Err.Error(), ErrorCode: codeOf(out.Err)}
			continue
		}
		items[i] = BatchItem{Result: out.Result}
	}
	return items, nil
}

func (s *Service) anonymize(ctx context.Context, requestID, text, templateID, channel string) (*models.Result, error) {
	if err := s.ValidateText(text); err != nil {
		return nil, err
	}
	config, err := s.mechanisms(ctx, templateID)
	if err != nil {
		return nil, err
	}

	entities, allow, err := s.resolver.Find(ctx, text)
	if err != nil {
		return nil, err
	}

	kept := make([]models.Entity, 0, len(entities))
	for _, e := range entities {
		if !e.Whitelisted {
			kept = append(kept, e)
		}
	}

	result, err := s.engine.Anonymize(text, kept, config, allow.Set())
	if err != nil {
		return nil, err
	}

	s.audit(ctx, models.NewAuditEvent(requestID, templateID, channel, result))

	s.logger.Info("Anonymization completed",
		zap.String("request_id", requestID),
		zap.String("channel", channel),
		logger.Text("text", text),
		zap.Int("entities_found", result.EntitiesFound),
		zap.Int("entities_anonymized", result.EntitiesAnonymized),
	)
	return result, nil
}

// mechanisms returns the configuration for templateID.
func (s *Service) mechanisms(ctx context.Context, templateID string) (models.MechanismConfig, error) {
	if templateID == "" {
		return models.MechanismConfig{Default: s.defaults}, nil
	}
	if s.templates == nil {
		return models.MechanismConfig{}, errors.NotFound("template").WithDetails(templateID)
	}
	t, err := s.templates.Get(ctx, templateID)
	if err != nil {
		return models.MechanismConfig{}, errors.Wrap(err, errors.CodeUnavailable, "failed to load template")
	}
	if t == nil {
		return models.MechanismConfig{}, errors.NotFound("template").WithDetails(templateID)
	}
	return t.Config(), nil
}

// audit fans ev out to every sink. Sink failures never fail the request.
func (s *Service) audit(ctx context.Context, ev *models.AuditEvent) {
	for _, sink := range s.sinks {
		if err := sink.Record(ctx, ev); err != nil {
			s.logger.Warn("Failed to record audit event",
				zap.String("request_id", ev.RequestID),
				zap.Error(err),
			)
		}
	}
}

// ValidateText checks the text length limits of every operation.
func (s *Service) ValidateText(text string) error {
	n := utf8.RuneCountInString(text)
	if n == 0 {
		return errors.InvalidInput("text must not be empty")
	}
	if n > s.maxTextRunes {
		return errors.Newf(errors.CodeInvalidInput, "text must be at most %d characters", s.maxTextRunes)
	}
	return nil
}

func codeOf(err error) errors.Code {
	if stderrors.Is(err, context.DeadlineExceeded) {
		return errors.CodeTimeout
	}
	return errors.CodeOf(err)
}
