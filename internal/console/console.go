// Package console fans TLV PIPE/DEBUG traffic out to observability
// sinks: a colorized stdout sink grounded on kryptco-kr's fatih/color
// helpers, and an optional Redis pub/sub mirror grounded on
// librescoot-bluetooth-service's redis.Client wrapper.
package console

import (
	"context"
	"fmt"
	"time"

	"github.com/fatih/color"
	"github.com/redis/go-redis/v9"
)

// Sink receives a chunk of bytes observed on a named TLV channel.
type Sink interface {
	Write(channel string, data []byte)
}

// Stdout prints PIPE bytes in cyan, DEBUG bytes dim, and resync events
// in red.
type Stdout struct {
	pipe   *color.Color
	debug  *color.Color
	resync *color.Color
}

// NewStdout constructs a Stdout sink with color enabled unconditionally,
// matching the teacher's EnableColor-on-construct convention.
func NewStdout() *Stdout {
	pipe := color.New(color.FgHiCyan)
	pipe.EnableColor()
	debug := color.New(color.FgHiBlack)
	debug.EnableColor()
	resync := color.New(color.FgHiRed)
	resync.EnableColor()
	return &Stdout{pipe: pipe, debug: debug, resync: resync}
}

func (s *Stdout) Write(channel string, data []byte) {
	switch channel {
	case "debug":
		s.debug.Printf("%s\n", data)
	case "resync":
		s.resync.Printf("tlv resync: %d bytes discarded\n", len(data))
	default:
		s.pipe.Printf("%s", data)
	}
}

// Redis mirrors every sink write to a pub/sub channel as a
// best-effort, fire-and-forget publish — the same drop-on-backpressure
// posture as the bridge hub.
type Redis struct {
	client  *redis.Client
	ctx     context.Context
	channel string
	bridge  string
}

// NewRedis dials addr and returns a Redis sink publishing under
// "<channel>:<bridge>:<tlv-channel>".
func NewRedis(addr, password string, db int, channel, bridge string) (*Redis, error) {
	client := redis.NewClient(&redis.Options{Addr: addr, Password: password, DB: db})
	ctx := context.Background()
	pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		return nil, fmt.Errorf("console: redis connect: %w", err)
	}
	return &Redis{client: client, ctx: ctx, channel: channel, bridge: bridge}, nil
}

func (r *Redis) Write(channel string, data []byte) {
	key := fmt.Sprintf("%s:%s:%s", r.channel, r.bridge, channel)
	_ = r.client.Publish(r.ctx, key, data).Err()
}

// Close releases the underlying Redis connection.
func (r *Redis) Close() error { return r.client.Close() }

// Multi fans writes out to every configured sink.
type Multi []Sink

func (m Multi) Write(channel string, data []byte) {
	for _, s := range m {
		s.Write(channel, data)
	}
}
