// Package distribution replicates generated PAC scripts between instances
// through redis, so only the leader has to talk to the registry.
package distribution

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const (
	pacRedisKeyPrefix = "pacgen:pac:"
	pacRedisChannel   = "pacgen:pac:updates"
	pacRedisOpTimeout = 30 * time.Second
)

var ErrNoScript = errors.New("distribution: no script stored in redis")

type updatePayload struct {
	Country   string `json:"country"`
	SHA256    string `json:"sha256"`
	Origin    string `json:"origin"`
	UpdatedAt string `json:"updated_at,omitempty"`
}

type redisKV interface {
	Get(ctx context.Context, key string) *redis.StringCmd
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.StatusCmd
	Publish(ctx context.Context, channel string, message interface{}) *redis.IntCmd
}

// ScriptWriter persists a script received from another instance.
type ScriptWriter interface {
	ReadPAC() ([]byte, error)
	WritePAC(script []byte) error
}

type Distributor struct {
	client redisKV
	writer ScriptWriter
	origin string
}

func New(client redisKV, writer ScriptWriter) *Distributor {
	return &Distributor{client: client, writer: writer, origin: uuid.NewString()}
}

// PublishPAC stores script under the country key and notifies subscribers.
func (d *Distributor) PublishPAC(ctx context.Context, country string, script []byte) error {
	if len(script) == 0 {
		return errors.New("distribution: refusing to publish an empty script")
	}

	opCtx, cancel := redisTimeoutCtx(ctx)
	defer cancel()

	if err := d.client.Set(opCtx, pacRedisKey(country), script, 0).Err(); err != nil {
		return fmt.Errorf("distribution: store script: %w", err)
	}

	data, err := json.Marshal(updatePayload{
		Country:   country,
		SHA256:    digest(script),
		Origin:    d.origin,
		UpdatedAt: time.Now().UTC().Format(time.RFC3339),
	})
	if err != nil {
		return fmt.Errorf("distribution: serialize payload: %w", err)
	}
	if err := d.client.Publish(opCtx, pacRedisChannel, data).Err(); err != nil {
		return fmt.Errorf("distribution: publish notification: %w", err)
	}
	return nil
}

// Pull copies the stored script for country into the local artifact. It
// reports whether the local file changed.
func (d *Distributor) Pull(ctx context.Context, country string) (bool, error) {
	opCtx, cancel := redisTimeoutCtx(ctx)
	defer cancel()

	script, err := d.client.Get(opCtx, pacRedisKey(country)).Bytes()
	if errors.Is(err, redis.Nil) || (err == nil && len(script) == 0) {
		return false, ErrNoScript
	}
	if err != nil {
		return false, fmt.Errorf("distribution: fetch script: %w", err)
	}

	current, err := d.writer.ReadPAC()
	if err == nil && bytes.Equal(current, script) {
		return false, nil
	}
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Warn("distribution: read local script", "error", err)
	}

	if err := d.writer.WritePAC(script); err != nil {
		return false, err
	}
	return true, nil
}

// Subscribe applies update notifications for country until ctx is done.
func Subscribe(ctx context.Context, client *redis.Client, d *Distributor, country string) {
	if updated, err := d.Pull(ctx, country); err != nil && !errors.Is(err, ErrNoScript) {
		log.Error("distribution: initial pull failed", "error", err)
	} else if updated {
		log.Info("distribution: loaded script from redis", "country", country)
	}

	pubsub := client.Subscribe(ctx, pacRedisChannel)
	defer pubsub.Close()

	for {
		msg, err := pubsub.ReceiveMessage(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, redis.ErrClosed) || ctx.Err() != nil {
				return
			}
			log.Error("distribution: subscription error", "error", err)
			time.Sleep(time.Second)
			continue
		}
		d.handleMessage(ctx, msg.Payload, country)
	}
}

func (d *Distributor) handleMessage(ctx context.Context, raw string, country string) bool {
	var payload updatePayload
	if err := json.Unmarshal([]byte(raw), &payload); err != nil {
		log.Error("distribution: invalid payload", "error", err)
		return false
	}
	if payload.Origin == d.origin || !strings.EqualFold(payload.Country, country) {
		return false
	}

	updated, err := d.Pull(ctx, country)
	if err != nil {
		log.Error("distribution: failed to apply update", "error", err)
		return false
	}
	if updated {
		log.Info("distribution: applied update", "country", country, "sha256", payload.SHA256)
	}
	return updated
}

func pacRedisKey(country string) string {
	return pacRedisKeyPrefix + strings.ToUpper(country)
}

func digest(script []byte) string {
	sum := sha256.Sum256(script)
	return hex.EncodeToString(sum[:])
}

func redisTimeoutCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	if ctx == nil {
		ctx = context.Background()
	}
	if deadline, hasDeadline := ctx.Deadline(); hasDeadline && time.Until(deadline) <= pacRedisOpTimeout {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, pacRedisOpTimeout)
}
