package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"captn/internal/chatflow"
	"captn/internal/conversation"
	"captn/internal/metrics"
	"captn/internal/providers"
	"captn/internal/queue"
	"captn/internal/storage"
)

type Invalidator interface {
	Invalidate(ctx context.Context, userID, chatID int64) error
}

// ChainGuard is released when a chat's follow-up chain ends so the next
// in-progress reply can start a new one.
type ChainGuard interface {
	Release(ctx context.Context, chatID int64) error
}

type Worker struct {
	store         chatflow.Store
	queue         *queue.StreamQueue
	agent         providers.Agent
	notifier      Invalidator
	guard         ChainGuard
	temperature   float64
	maxJobRetries int
	maxRounds     int
	backoffBase   time.Duration
	reclaimIdle   time.Duration
	logger        zerolog.Logger
	metrics       *metrics.Metrics
}

type Config struct {
	Store         chatflow.Store
	Queue         *queue.StreamQueue
	Agent         providers.Agent
	Notifier      Invalidator
	Guard         ChainGuard
	Temperature   float64
	MaxJobRetries int
	MaxRounds     int
	BackoffBase   time.Duration
	// ReclaimIdle is how long a job may stay unacknowledged before another
	// worker takes it over.
	ReclaimIdle time.Duration
	Logger      zerolog.Logger
	Metrics     *metrics.Metrics
}

func New(cfg Config) *Worker {
	m := cfg.Metrics
	if m == nil {
		m = metrics.Global()
	}
	if cfg.MaxJobRetries < 0 {
		cfg.MaxJobRetries = 0
	}
	if cfg.MaxRounds <= 0 {
		cfg.MaxRounds = 10
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = time.Second
	}
	if cfg.ReclaimIdle <= 0 {
		cfg.ReclaimIdle = 5 * time.Minute
	}
	return &Worker{
		store:         cfg.Store,
		queue:         cfg.Queue,
		agent:         cfg.Agent,
		notifier:      cfg.Notifier,
		guard:         cfg.Guard,
		temperature:   cfg.Temperature,
		maxJobRetries: cfg.MaxJobRetries,
		maxRounds:     cfg.MaxRounds,
		backoffBase:   cfg.BackoffBase,
		reclaimIdle:   cfg.ReclaimIdle,
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

	wg.Add(1)
	go func() {
		defer wg.Done()
		w.reclaimLoop(ctx)
	}()

	<-ctx.Done()
	wg.Wait()
	return nil
}

func (w *Worker) reclaimLoop(ctx context.Context) {
	log := w.logger.With().Str("loop", "reclaim").Logger()
	ticker := time.NewTicker(w.reclaimIdle / 2)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		w.reclaimOnce(ctx, log)
	}
}

func (w *Worker) reclaimOnce(ctx context.Context, log zerolog.Logger) {
	messages, err := w.queue.Reclaim(ctx, w.reclaimIdle, 10)
	if err != nil {
		if ctx.Err() == nil {
			log.Error().Err(err).Msg("failed to reclaim stalled jobs")
		}
		return
	}
	for _, msg := range messages {
		log.Warn().Str("job_id", msg.Job.JobID).Int64("chat_id", msg.Job.ChatID).Msg("reclaimed stalled follow-up")
		w.handle(ctx, log, msg)
	}
}

func (w *Worker) consumeLoop(ctx context.Context, slot int) {
	log := w.logger.With().Str("consumer", w.queue.Consumer()).Int("slot", slot).Logger()
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
			time.Sleep(w.backoffBase)
			continue
		}
		for _, msg := range messages {
			w.handle(ctx, log, msg)
		}
	}
}

func (w *Worker) handle(ctx context.Context, log zerolog.Logger, msg queue.Message) {
	chainOpen, err := w.processJob(ctx, msg.Job)
	if err == nil {
		w.metrics.ProcessedJobs.Inc()
		if !chainOpen {
			w.release(ctx, msg.Job.ChatID)
		}
		if ackErr := w.queue.Ack(ctx, msg.ID); ackErr != nil {
			log.Error().Err(ackErr).Str("msg_id", msg.ID).Msg("failed to ack message")
		}
		return
	}

	w.metrics.FailedJobs.Inc()
	log.Error().Err(err).Str("job_id", msg.Job.JobID).Int64("chat_id", msg.Job.ChatID).Int("attempt", msg.Job.Attempts).Msg("follow-up failed")

	if msg.Job.Attempts < w.maxJobRetries {
		msg.Job.Attempts++
		if _, enqueueErr := w.queue.Enqueue(ctx, msg.Job); enqueueErr != nil {
			log.Error().Err(enqueueErr).Str("job_id", msg.Job.JobID).Msg("failed to re-enqueue failed job")
			return
		}
		if ackErr := w.queue.Ack(ctx, msg.ID); ackErr != nil {
			log.Error().Err(ackErr).Str("msg_id", msg.ID).Msg("failed to ack after re-enqueue")
		}
		return
	}

	w.giveUp(ctx, msg.Job)
	if ackErr := w.queue.Ack(ctx, msg.ID); ackErr != nil {
		log.Error().Err(ackErr).Str("msg_id", msg.ID).Msg("failed to ack terminal failed message")
	}
}

// processJob runs one more agent round on a chat whose team is still working.
// chainOpen reports whether the chat's follow-up chain continues past this
// job, either with a queued next round or under another owner.
func (w *Worker) processJob(ctx context.Context, job queue.FollowUpJob) (chainOpen bool, err error) {
	chat, err := w.store.GetChat(ctx, job.ChatID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return false, nil
		}
		return false, err
	}
	if chat.UserID != job.UserID {
		// the guard belongs to the owner's chain
		return true, nil
	}
	if !chatflow.IsInProgress(chat.TeamStatus) {
		return false, nil
	}

	loading := true
	if err := w.store.UpdateChat(ctx, chat.ID, storage.ChatUpdate{ShowLoader: &loading}); err != nil {
		return false, err
	}
	w.invalidate(ctx, chat)

	turns, err := w.store.ListTurns(ctx, chat.ID)
	if err != nil {
		return false, err
	}

	w.metrics.AgentCalls.Inc()
	reply, err := w.agent.Reply(ctx, providers.AgentRequest{
		Messages:                    conversation.Format(turns),
		Temperature:                 w.temperature,
		ChatID:                      chat.ID,
		TeamID:                      chat.TeamID,
		ChatType:                    chat.ChatType,
		AgentChatHistory:            chat.AgentChatHistory,
		ProposedUserAction:          chat.ProposedUserAction,
		UserRespondedWithNextAction: chat.UserRespondedWithNextAction,
	})
	if err != nil {
		w.metrics.AgentFailures.Inc()
		return false, fmt.Errorf("agent follow-up: %w", err)
	}

	assistant, err := chatflow.ApplyReply(ctx, w.store, chat.ID, reply)
	if err != nil {
		return false, err
	}
	if assistant != nil {
		w.metrics.TurnsAppended.WithLabelValues(storage.RoleAssistant).Inc()
	}
	w.invalidate(ctx, chat)

	if !chatflow.IsInProgress(reply.TeamStatus) {
		return false, nil
	}
	if job.Round >= w.maxRounds {
		w.logger.Warn().Int64("chat_id", chat.ID).Int("round", job.Round).Msg("follow-up round limit reached")
		return false, nil
	}
	next := queue.FollowUpJob{ChatID: chat.ID, UserID: job.UserID, Round: job.Round + 1}
	if _, err := w.queue.Enqueue(ctx, next); err != nil {
		w.logger.Error().Err(err).Int64("chat_id", chat.ID).Msg("failed to enqueue next follow-up round")
		return false, nil
	}
	w.metrics.EnqueuedJobs.Inc()
	return true, nil
}

func (w *Worker) giveUp(ctx context.Context, job queue.FollowUpJob) {
	loading := false
	if err := w.store.UpdateChat(ctx, job.ChatID, storage.ChatUpdate{ShowLoader: &loading}); err != nil && !errors.Is(err, storage.ErrNotFound) {
		w.logger.Error().Err(err).Int64("chat_id", job.ChatID).Msg("failed to clear loading flag")
	}
	w.release(ctx, job.ChatID)
	w.invalidate(ctx, storage.Chat{ID: job.ChatID, UserID: job.UserID})
}

func (w *Worker) release(ctx context.Context, chatID int64) {
	if w.guard == nil {
		return
	}
	if err := w.guard.Release(context.WithoutCancel(ctx), chatID); err != nil {
		w.logger.Error().Err(err).Int64("chat_id", chatID).Msg("failed to release follow-up guard")
	}
}

func (w *Worker) invalidate(ctx context.Context, chat storage.Chat) {
	if w.notifier == nil {
		return
	}
	if err := w.notifier.Invalidate(ctx, chat.UserID, chat.ID); err != nil {
		w.logger.Warn().Err(err).Int64("chat_id", chat.ID).Msg("failed to notify live views")
	}
}
