package source

import (
	"context"
	"net/http"
	"sync"
	"time"

	"nhooyr.io/websocket"

	"github.com/you/livetap/internal/core"
)

const (
	defaultDialTimeout = 10 * time.Second
	defaultReadLimit   = 1 << 20
)

type WSOptions struct {
	Header      http.Header
	HTTPClient  *http.Client
	DialTimeout time.Duration
	ReadLimit   int64
}

// WSTransport reads whole websocket messages as raw payloads.
type WSTransport struct {
	conn *websocket.Conn

	writeMu   sync.Mutex
	closeOnce sync.Once
	closeErr  error
}

// DialWebSocket opens a websocket to url. Failures wrap core.ErrUpstream.
func DialWebSocket(ctx context.Context, url string, opts WSOptions) (*WSTransport, error) {
	timeout := opts.DialTimeout
	if timeout <= 0 {
		timeout = defaultDialTimeout
	}
	dialCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	conn, resp, err := websocket.Dial(dialCtx, url, &websocket.DialOptions{
		HTTPHeader: opts.Header,
		HTTPClient: opts.HTTPClient,
	})
	if err != nil {
		if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
			return nil, core.Tag(core.ErrAuthMissing, err, "websocket: dial")
		}
		return nil, core.Tag(core.ErrUpstream, err, "websocket: dial")
	}
	limit := opts.ReadLimit
	if limit <= 0 {
		limit = defaultReadLimit
	}
	conn.SetReadLimit(limit)
	return &WSTransport{conn: conn}, nil
}

func (t *WSTransport) Recv(ctx context.Context) ([]byte, error) {
	_, data, err := t.conn.Read(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, core.Tag(core.ErrUpstream, err, "websocket: read")
	}
	return data, nil
}

// WriteText sends one text frame. Safe for concurrent use.
func (t *WSTransport) WriteText(ctx context.Context, payload string) error {
	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	if err := t.conn.Write(ctx, websocket.MessageText, []byte(payload)); err != nil {
		return core.Tag(core.ErrUpstream, err, "websocket: write")
	}
	return nil
}

func (t *WSTransport) Close() error {
	t.closeOnce.Do(func() {
		t.closeErr = t.conn.Close(websocket.StatusNormalClosure, "")
	})
	return t.closeErr
}
