package worker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"loombot/internal/engine"
	"loombot/internal/metrics"
	"loombot/internal/provider"
	"loombot/internal/queue"
)

const mediaFetchLimit = 16 << 20

// Deliverer sends a finished reply back to the surface a job came from.
// The telegram gateway implements it; the playground replies in-band and
// never goes through the queue.
type Deliverer interface {
	DeliverText(ctx context.Context, job queue.TurnJob, text string) error
}

// TurnEngine is the slice of the engine the worker drives.
type TurnEngine interface {
	RunTurn(ctx context.Context, req engine.TurnRequest) (engine.TurnResult, error)
}

type Worker struct {
	engine        TurnEngine
	queue         *queue.StreamQueue
	deliverer     Deliverer
	httpClient    *http.Client
	maxJobRetries int
	logger        zerolog.Logger
	metrics       *metrics.Metrics
}

type Config struct {
	Engine        TurnEngine
	Queue         *queue.StreamQueue
	Deliverer     Deliverer
	HTTPClient    *http.Client
	MaxJobRetries int
	Logger        zerolog.Logger
	Metrics       *metrics.Metrics
}

func New(cfg Config) *Worker {
	m := cfg.Metrics
	if m == nil {
		m = metrics.Global()
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: 30 * time.Second}
	}
	if cfg.MaxJobRetries < 0 {
		cfg.MaxJobRetries = 0
	}
	return &Worker{
		engine:        cfg.Engine,
		queue:         cfg.Queue,
		deliverer:     cfg.Deliverer,
		httpClient:    cfg.HTTPClient,
		maxJobRetries: cfg.MaxJobRetries,
		logger:        cfg.Logger,
		metrics:       m,
	}
}

func (w *Worker) Start(ctx context.Context, concurrency int) error {
	if err := w.queue.EnsureGroup(ctx); err != nil {
		return err
	}
	if concurrency < 1 {
		concurrency = 1
	}

	wg := sync.WaitGroup{}
	for i := 0; i < concurrency; i++ {
		wg.Add(1)
		go func(slot int) {
			defer wg.Done()
			w.consumeLoop(ctx, slot)
		}(i)
	}

	<-ctx.Done()
	wg.Wait()
	return nil
}

func (w *Worker) consumeLoop(ctx context.Context, slot int) {
	log := w.logger.With().Int("slot", slot).Logger()
	for {
		if err := ctx.Err(); err != nil {
			return
		}

		messages, err := w.queue.Read(ctx, 1)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Error().Err(err).Msg("failed to read queue")
			time.Sleep(1 * time.Second)
			continue
		}
		if len(messages) == 0 {
			continue
		}

		for _, msg := range messages {
			err := w.processJob(ctx, msg.Job)
			if err == nil {
				w.metrics.ProcessedJobs.Inc()
				if ackErr := w.queue.Ack(ctx, msg.ID); ackErr != nil {
					log.Error().Err(ackErr).Str("msg_id", msg.ID).Msg("failed to ack message")
				}
				continue
			}

			w.metrics.FailedJobs.Inc()
			log.Error().Err(err).Str("job_id", msg.Job.JobID).Int("attempt", msg.Job.Attempts).Msg("job failed")

			// Exhaustion will not heal on redelivery; tell the user and stop.
			if errors.Is(err, engine.ErrCredentialsExhausted) || msg.Job.Attempts >= w.maxJobRetries {
				_ = w.deliverer.DeliverText(ctx, msg.Job, "The assistant is unavailable right now. Please try again later.")
				if ackErr := w.queue.Ack(ctx, msg.ID); ackErr != nil {
					log.Error().Err(ackErr).Str("msg_id", msg.ID).Msg("failed to ack terminal failed message")
				}
				continue
			}

			msg.Job.Attempts++
			if _, enqueueErr := w.queue.Enqueue(ctx, msg.Job); enqueueErr != nil {
				log.Error().Err(enqueueErr).Str("job_id", msg.Job.JobID).Msg("failed to re-enqueue failed job")
				continue
			}
			if ackErr := w.queue.Ack(ctx, msg.ID); ackErr != nil {
				log.Error().Err(ackErr).Str("msg_id", msg.ID).Msg("failed to ack after re-enqueue")
			}
		}
	}
}

func (w *Worker) processJob(ctx context.Context, job queue.TurnJob) error {
	req := engine.TurnRequest{
		TenantID:       job.TenantID,
		ConversationID: job.ConversationID,
		Platform:       job.Platform,
		ChatType:       job.ChatType,
		GroupID:        job.GroupID,
		SenderID:       job.SenderID,
		SenderName:     job.SenderName,
		Text:           job.Text,
	}
	if job.MediaURL != "" {
		blob, err := w.fetchMedia(ctx, job.MediaURL, job.MediaMIME)
		if err != nil {
			w.logger.Warn().Err(err).Str("job_id", job.JobID).Msg("inbound media fetch failed, continuing without it")
		} else {
			req.Media = blob
		}
	}

	result, err := w.engine.RunTurn(ctx, req)
	if err != nil {
		return fmt.Errorf("run turn: %w", err)
	}
	if result.Suppressed {
		return nil
	}

	if err := w.deliverer.DeliverText(ctx, job, result.Text); err != nil {
		return fmt.Errorf("deliver reply: %w", err)
	}
	return nil
}

func (w *Worker) fetchMedia(ctx context.Context, rawURL, mime string) (*provider.Blob, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, fmt.Errorf("build media request: %w", err)
	}
	resp, err := w.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch media: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("media status %d", resp.StatusCode)
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, mediaFetchLimit))
	if err != nil {
		return nil, fmt.Errorf("read media: %w", err)
	}
	if mime == "" {
		mime = resp.Header.Get("Content-Type")
	}
	if mime == "" {
		mime = "application/octet-stream"
	}
	return &provider.Blob{MIMEType: mime, Data: data}, nil
}
