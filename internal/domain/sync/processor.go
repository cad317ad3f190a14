package sync

import (
	"context"
	"errors"
	stdsync "sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// ItemRetriever polls the remote endpoint for resources updated since the
// given mark and feeds them to consume in batches. It returns the mark the
// next poll should start from.
type ItemRetriever interface {
	Poll(ctx context.Context, lastUpdated time.Time, maxSearchCount int, consume func(items []ItemInfo) error) (time.Time, error)
}

// ItemHandler processes one deduplicated item, typically by running it
// through the transformation pipeline.
type ItemHandler func(ctx context.Context, item ItemInfo) error

// ProcessorOptions tunes one group processor.
type ProcessorOptions struct {
	GroupID         uuid.UUID
	PollRate        time.Duration
	MaxSearchCount  int
	MaxProcessedAge time.Duration
	WorkerCount     int
}

// Processor drives one data group: poll, dedup against the processed and
// stored ledgers, dispatch new items to the handler, advance the group's
// last-updated mark and purge aged ledger rows.
type Processor struct {
	queue     QueueRepository
	processed ProcessedRepository
	stored    StoredRepository
	groups    GroupRepository
	retriever ItemRetriever
	handler   ItemHandler
	opts      ProcessorOptions
	logger    zerolog.Logger
	nowFunc   func() time.Time
}

func NewProcessor(queue QueueRepository, processed ProcessedRepository, stored StoredRepository,
	groups GroupRepository, retriever ItemRetriever, handler ItemHandler,
	opts ProcessorOptions, logger zerolog.Logger) *Processor {
	if opts.WorkerCount <= 0 {
		opts.WorkerCount = 1
	}
	return &Processor{
		queue:     queue,
		processed: processed,
		stored:    stored,
		groups:    groups,
		retriever: retriever,
		handler:   handler,
		opts:      opts,
		logger:    logger.With().Str("component", "sync-processor").Stringer("group", opts.GroupID).Logger(),
		nowFunc:   time.Now,
	}
}

// ProcessGroup runs one poll cycle. A cycle arriving before the poll rate has
// elapsed is skipped silently.
func (p *Processor) ProcessGroup(ctx context.Context) error {
	if p.opts.PollRate > 0 {
		ok, err := p.groups.Requested(ctx, p.opts.GroupID, p.opts.PollRate)
		if err != nil {
			return err
		}
		if !ok {
			p.logger.Debug().Msg("poll rate not yet reached")
			return nil
		}
	}

	origLastUpdated, err := p.groups.LastUpdated(ctx, p.opts.GroupID)
	if err != nil {
		return err
	}

	var enqueued int
	begin := p.nowFunc()
	lastUpdated, err := p.retriever.Poll(ctx, origLastUpdated, p.opts.MaxSearchCount, func(items []ItemInfo) error {
		n, err := p.consumeBatch(ctx, items)
		enqueued += n
		return err
	})
	if err != nil {
		return err
	}
	if err := p.groups.UpdateLastUpdated(ctx, p.opts.GroupID, lastUpdated); err != nil {
		return err
	}

	// The purge must run after the mark advance and must stay synchronous:
	// the mark may otherwise be older than already purged ledger rows.
	if p.opts.MaxProcessedAge > 0 {
		cutoff := p.nowFunc().Add(-p.opts.MaxProcessedAge)
		if _, err := p.processed.DeleteOldest(ctx, p.opts.GroupID, cutoff); err != nil {
			return err
		}
		if _, err := p.stored.DeleteOldest(ctx, p.opts.GroupID, cutoff); err != nil {
			return err
		}
	}

	if enqueued > 0 {
		p.logger.Info().Int("items", enqueued).
			Dur("elapsed", p.nowFunc().Sub(begin)).
			Msg("processed polled group")
	} else {
		p.logger.Debug().Msg("processed polled group without new items")
	}
	return nil
}

// consumeBatch dedups one polled batch and dispatches the remaining items
// across the worker pool. It returns the number of items handled.
func (p *Processor) consumeBatch(ctx context.Context, items []ItemInfo) (int, error) {
	processedAt := p.nowFunc()
	candidates := make([]string, 0, len(items))
	for _, item := range items {
		candidates = append(candidates, item.ProcessedID(processedAt))
	}
	processedIDs, err := p.processed.Find(ctx, p.opts.GroupID, candidates)
	if err != nil {
		return 0, err
	}
	storedIDs, err := p.stored.Find(ctx, p.opts.GroupID, candidates)
	if err != nil {
		return 0, err
	}

	var (
		wg       stdsync.WaitGroup
		mu       stdsync.Mutex
		firstErr error
		handled  int
	)
	sem := make(chan struct{}, p.opts.WorkerCount)
	for _, item := range items {
		processedID := item.ProcessedID(processedAt)
		if _, ok := processedIDs[processedID]; ok {
			continue
		}
		if _, ok := storedIDs[processedID]; ok {
			continue
		}

		wg.Add(1)
		sem <- struct{}{}
		go func(item ItemInfo, processedID string) {
			defer wg.Done()
			defer func() { <-sem }()
			ok, err := p.dispatch(ctx, item, processedID, processedAt)
			mu.Lock()
			defer mu.Unlock()
			if err != nil && firstErr == nil {
				firstErr = err
			}
			if ok {
				handled++
			}
		}(item, processedID)
	}
	wg.Wait()
	return handled, firstErr
}

// dispatch marks the item processed, guards it with the queue and runs the
// handler. Duplicate marks and concurrent enqueues are silent skips.
func (p *Processor) dispatch(ctx context.Context, item ItemInfo, processedID string, processedAt time.Time) (bool, error) {
	fresh, err := p.processed.Mark(ctx, p.opts.GroupID, processedID, processedAt)
	if err != nil {
		return false, err
	}
	if !fresh {
		return false, nil
	}

	err = p.queue.Enqueue(ctx, p.opts.GroupID, item.ID)
	if errors.Is(err, ErrAlreadyQueued) {
		p.logger.Debug().Str("item", item.ID).Msg("item is already queued")
		return false, nil
	}
	if errors.Is(err, ErrItemStale) {
		p.logger.Warn().Str("item", item.ID).Msg("queued item is stale, skipping")
		return false, nil
	}
	if err != nil {
		return false, err
	}

	handleErr := p.handler(ctx, item)
	if _, err := p.queue.Dequeue(ctx, p.opts.GroupID, item.ID); err != nil {
		p.logger.Error().Err(err).Str("item", item.ID).Msg("dequeue failed")
	}
	if handleErr != nil {
		// Drop the mark so the next poll cycle retries this change version
		// instead of deduplicating it away.
		if err := p.processed.Unmark(ctx, p.opts.GroupID, processedID); err != nil {
			p.logger.Error().Err(err).Str("item", item.ID).Msg("unmark failed")
		}
		return false, handleErr
	}
	return true, nil
}
