package twitchirc

import (
	"context"
	"fmt"
	"log"
	"math/rand/v2"
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/you/livetap/internal/core"
	"github.com/you/livetap/internal/source"
)

const (
	DefaultIRCURL = "wss://irc-ws.chat.twitch.tv:443"

	// Twitch pings roughly every five minutes; silence past this is a dead link.
	defaultIdleTimeout = 6 * time.Minute
)

// ircConn is an anonymous IRC session carried over a websocket. Recv answers
// PING itself and hands every other line to the caller.
type ircConn struct {
	ws          *source.WSTransport
	channel     string
	idleTimeout time.Duration
	pending     []string
}

func dialIRC(ctx context.Context, url, channel string, idle time.Duration) (*ircConn, error) {
	ws, err := source.DialWebSocket(ctx, url, source.WSOptions{})
	if err != nil {
		return nil, err
	}
	if idle <= 0 {
		idle = defaultIdleTimeout
	}
	c := &ircConn{ws: ws, channel: channel, idleTimeout: idle}

	nick := fmt.Sprintf("justinfan%d", rand.IntN(100000))
	for _, line := range []string{
		"CAP REQ :twitch.tv/tags twitch.tv/commands",
		"NICK " + nick,
		"JOIN #" + channel,
	} {
		if err := ws.WriteText(ctx, line+"\r\n"); err != nil {
			_ = ws.Close()
			return nil, err
		}
	}
	log.Printf("twitchirc: joined #%s as %s", channel, nick)
	return c, nil
}

func (c *ircConn) Recv(ctx context.Context) ([]byte, error) {
	for {
		for len(c.pending) > 0 {
			line := c.pending[0]
			c.pending = c.pending[1:]
			if line == "" {
				continue
			}

			if payload, ok := strings.CutPrefix(line, "PING "); ok {
				if err := c.ws.WriteText(ctx, "PONG "+payload+"\r\n"); err != nil {
					return nil, err
				}
				continue
			}
			if isReconnect(line) {
				return nil, errors.Wrap(core.ErrUpstream, "twitchirc: server requested reconnect")
			}
			if authFailure(line) {
				return nil, errors.Wrap(core.ErrAuthMissing, "twitchirc: login rejected")
			}
			return []byte(line), nil
		}

		readCtx, cancel := context.WithTimeout(ctx, c.idleTimeout)
		data, err := c.ws.Recv(readCtx)
		cancel()
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, err
		}
		for _, line := range strings.Split(string(data), "\n") {
			c.pending = append(c.pending, strings.TrimRight(line, "\r"))
		}
	}
}

func (c *ircConn) Close() error {
	return c.ws.Close()
}

func isReconnect(line string) bool {
	fields := strings.Fields(line)
	for _, f := range fields {
		if strings.HasPrefix(f, "@") || strings.HasPrefix(f, ":") {
			continue
		}
		return f == "RECONNECT"
	}
	return false
}

func authFailure(line string) bool {
	if !strings.Contains(line, " NOTICE ") {
		return false
	}
	lower := strings.ToLower(line)
	return strings.Contains(lower, "login authentication failed") ||
		strings.Contains(lower, "improperly formatted auth") ||
		strings.Contains(lower, "login unsuccessful")
}
