package gateway

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/smsgate/smsgate/internal/message"
	"github.com/smsgate/smsgate/internal/modem"
)

// Poller ingests the modem inbox on a fixed interval. It keeps a
// last-seen inbox index, persisted in gateway_state, and relies on the
// store's uniqueness constraint as the real dedup: the cursor is an
// optimization, the constraint is the guarantee.
type Poller struct {
	modem    ModemClient
	messages *message.Store
	state    *StateStore
	logger   *slog.Logger
	interval time.Duration

	lastSeen int

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewPoller creates the inbound poller.
func NewPoller(client ModemClient, messages *message.Store, state *StateStore, logger *slog.Logger, interval time.Duration) *Poller {
	return &Poller{
		modem:    client,
		messages: messages,
		state:    state,
		logger:   logger,
		interval: interval,
	}
}

// Start loads the persisted cursor and begins polling.
func (p *Poller) Start(ctx context.Context) {
	lastSeen, err := p.state.LastSeenIndex(ctx)
	if err != nil {
		// Start from 0; the uniqueness constraint absorbs the re-scan.
		p.logger.Warn("failed to load inbox cursor, starting from 0", "error", err)
		lastSeen = 0
	}
	p.lastSeen = lastSeen

	ctx, p.cancel = context.WithCancel(ctx)
	p.wg.Add(1)
	go p.loop(ctx)
	p.logger.Info("inbound poller started", "interval", p.interval, "last_seen_index", lastSeen)
}

// Stop halts polling and waits for an in-flight poll to finish.
func (p *Poller) Stop() {
	if p.cancel != nil {
		p.cancel()
	}
	p.wg.Wait()
}

func (p *Poller) loop(ctx context.Context) {
	defer p.wg.Done()
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.PollOnce(ctx)
		}
	}
}

// PollOnce lists the inbox and ingests every entry beyond the cursor.
// On a list failure the cursor is not advanced.
func (p *Poller) PollOnce(ctx context.Context) {
	inbox, err := p.modem.ListInbox(ctx, modem.BoxTypeInbox)
	if err != nil {
		p.logger.Warn("inbox poll failed", "error", err)
		return
	}

	maxSeen := p.lastSeen
	for _, in := range inbox {
		if in.Index <= p.lastSeen {
			continue
		}

		_, err := p.messages.CreateIncoming(ctx, message.Incoming{
			Phone:       in.Phone,
			Content:     in.Content,
			ModemIndex:  in.Index,
			ModemStatus: in.Status,
			ModemDate:   in.Date,
		})
		if err != nil && !errors.Is(err, message.ErrDuplicateIncoming) {
			// Stop before advancing past the failed slot so the next
			// poll retries it.
			p.logger.Error("failed to ingest incoming message",
				"modem_index", in.Index, "error", err)
			break
		}
		if err == nil {
			p.logger.Info("incoming message ingested", "modem_index", in.Index)
		}
		if in.Index > maxSeen {
			maxSeen = in.Index
		}
	}

	if maxSeen != p.lastSeen {
		p.lastSeen = maxSeen
		if err := p.state.SetLastSeenIndex(ctx, maxSeen); err != nil {
			p.logger.Warn("failed to persist inbox cursor", "error", err)
		}
	}
}
