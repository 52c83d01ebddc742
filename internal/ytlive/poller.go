package ytlive

import (
	"context"
	"encoding/json"
	"time"

	"github.com/pkg/errors"
	"google.golang.org/api/youtube/v3"

	"github.com/you/livetap/internal/core"
)

// poller is the synthetic transport for YouTube: each Recv hands out one
// buffered chat item and fetches the next page once the buffer is empty,
// honouring the server suggested interval.
type poller struct {
	src         *Source
	svc         *youtube.Service
	chatID      string
	minInterval time.Duration

	pending [][]byte
	next    time.Time
	ended   bool
}

func (p *poller) Recv(ctx context.Context) ([]byte, error) {
	for len(p.pending) == 0 {
		if p.ended {
			return nil, errors.Wrapf(core.ErrNotLive, "youtube: chat %s went offline", p.chatID)
		}
		if !sleepContext(ctx, time.Until(p.next)) {
			return nil, ctx.Err()
		}
		if err := p.poll(ctx); err != nil {
			return nil, err
		}
	}
	item := p.pending[0]
	p.pending = p.pending[1:]
	return item, nil
}

func (p *poller) poll(ctx context.Context) error {
	call := p.svc.LiveChatMessages.List(p.chatID, []string{"snippet", "authorDetails"}).Context(ctx)
	if tok := p.src.token(); tok != "" {
		call = call.PageToken(tok)
	}
	resp, err := call.Do()
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return apiError(err, "youtube: poll chat")
	}

	for _, item := range resp.Items {
		raw, err := json.Marshal(item)
		if err != nil {
			continue
		}
		p.pending = append(p.pending, raw)
	}
	if resp.NextPageToken != "" {
		p.src.setToken(resp.NextPageToken)
	}
	if resp.OfflineAt != "" {
		p.ended = true
	}

	interval := time.Duration(resp.PollingIntervalMillis) * time.Millisecond
	if interval < p.minInterval {
		interval = p.minInterval
	}
	p.next = time.Now().Add(interval)
	return nil
}

func (p *poller) Close() error { return nil }

func sleepContext(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
