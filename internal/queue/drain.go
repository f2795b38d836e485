package queue

import (
	"log/slog"

	"github.com/nextlevelbuilder/clawrelay/internal/clock"
)

// ScheduleDrain starts the drain loop for key unless one is already
// running. The loop waits out the debounce window, drains one (possibly
// merged) turn, hands it to runner, and repeats until the key is empty.
func (q *Queue) ScheduleDrain(key string, runner Runner) {
	q.mu.Lock()
	st := q.keys[key]
	if st == nil || st.draining || q.ctx.Err() != nil {
		q.mu.Unlock()
		return
	}
	st.draining = true
	q.wg.Add(1)
	q.mu.Unlock()

	go q.drain(key, st, runner)
}

func (q *Queue) drain(key string, st *keyState, runner Runner) {
	defer q.wg.Done()

	for {
		if err := q.waitDebounce(st); err != nil {
			q.stopDraining(key, st)
			return
		}

		q.mu.Lock()
		if len(st.items) == 0 {
			st.draining = false
			if st.dropped == 0 {
				delete(q.keys, key)
			}
			q.mu.Unlock()
			return
		}
		batch, rest := takeBatch(st.items, st.settings.Mode)
		st.items = rest
		dropped, previews := st.dropped, st.previews
		st.dropped, st.previews = 0, nil
		q.mu.Unlock()

		turn := buildTurn(batch, buildOverflowNotice(dropped, previews))
		err := runner(q.ctx, turn)
		if err == nil {
			q.mu.Lock()
			st.failures = 0
			q.mu.Unlock()
			continue
		}
		if q.ctx.Err() != nil {
			q.stopDraining(key, st)
			return
		}

		q.mu.Lock()
		st.failures++
		if st.failures > q.maxRetries {
			st.failures = 0
			q.mu.Unlock()
			slog.Error("queue: drain retries exhausted, discarding batch",
				"key", key, "turns", len(batch), "error", err)
			continue
		}
		// Head re-queue: the failed batch goes back in front of anything
		// that arrived during the attempt. Redeliveries of a batch message
		// that slipped in while it was out of the buffer are dropped.
		requeued := append(make([]Turn, 0, len(batch)+len(st.items)), batch...)
		for _, it := range st.items {
			if isDuplicate(batch, it, DedupMessageID) {
				slog.Debug("queue: dropped redelivery of re-queued turn", "key", key, "message_id", it.MessageID)
				continue
			}
			requeued = append(requeued, it)
		}
		st.items = requeued
		st.dropped += dropped
		st.previews = append(previews, st.previews...)
		attempt := st.failures
		q.mu.Unlock()

		slog.Warn("queue: drain failed, re-queued turn", "key", key, "attempt", attempt, "error", err)
		if err := clock.Sleep(q.ctx, q.retryDelay); err != nil {
			q.stopDraining(key, st)
			return
		}
	}
}

// waitDebounce blocks until no enqueue has happened for the key's
// debounce window.
func (q *Queue) waitDebounce(st *keyState) error {
	for {
		q.mu.Lock()
		remaining := st.settings.Debounce - q.now().Sub(st.lastEnqueued)
		q.mu.Unlock()
		if remaining <= 0 {
			return q.ctx.Err()
		}
		if err := clock.Sleep(q.ctx, remaining); err != nil {
			return err
		}
	}
}

func (q *Queue) stopDraining(key string, st *keyState) {
	q.mu.Lock()
	st.draining = false
	q.mu.Unlock()
	slog.Debug("queue: drain stopped", "key", key)
}

// takeBatch pops the next unit of work. Collect mode takes the leading
// run of turns sharing the head turn's route; other modes take one turn.
func takeBatch(items []Turn, mode Mode) (batch, rest []Turn) {
	n := 1
	if mode == ModeCollect {
		head := items[0].Route.mergeKey()
		for n < len(items) && items[n].Route.mergeKey() == head {
			n++
		}
	}
	batch = append([]Turn(nil), items[:n]...)
	rest = append([]Turn(nil), items[n:]...)
	return batch, rest
}

// buildTurn produces the turn handed to the runner. Merged turns keep
// the first turn's routing and run parameters.
func buildTurn(batch []Turn, notice string) Turn {
	turn := batch[0]
	turn.Merged = len(batch)
	if len(batch) > 1 {
		turn.Prompt = buildCollectPrompt(batch)
		turn.MessageID = batch[len(batch)-1].MessageID
		var images []string
		for _, t := range batch {
			images = append(images, t.Run.Images...)
		}
		turn.Run.Images = images
	}
	if notice != "" {
		turn.Prompt = notice + "\n\n" + turn.Prompt
	}
	return turn
}
