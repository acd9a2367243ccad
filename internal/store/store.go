// Package store is cowboy's optional Redis persistence: step records for
// the pipeline and binding records for the bot manager. Services run
// without it; a nil *Store skips every write and reports ErrDisabled on
// reads.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/lox/cowboy/internal/protocol"
)

// ErrDisabled is returned by reads when no Redis is configured.
var ErrDisabled = errors.New("store: not configured")

// Store wraps one Redis client.
type Store struct {
	rdb    *redis.Client
	logger zerolog.Logger
}

// Open connects to Redis at url (redis://host:port/db) and pings it.
func Open(ctx context.Context, url string, logger zerolog.Logger) (*Store, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	rdb := redis.NewClient(opts)
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	logger.Info().Str("addr", opts.Addr).Msg("redis store enabled")
	return &Store{rdb: rdb, logger: logger.With().Str("component", "store").Logger()}, nil
}

func (s *Store) Close() error {
	if s == nil {
		return nil
	}
	return s.rdb.Close()
}

// Enabled reports whether writes will land anywhere.
func (s *Store) Enabled() bool { return s != nil }

func stepKey(gameID string, seq uint64) string {
	return fmt.Sprintf("cowboy:steps:%s:%d", gameID, seq)
}

func stepIndexKey(gameID string) string {
	return "cowboy:steps:" + gameID
}

func bindingKey(gameID, playerID string) string {
	return fmt.Sprintf("cowboy:bots:%s:%s", gameID, playerID)
}

func bindingIndexKey(gameID string) string {
	return "cowboy:bots:" + gameID
}

// RecordStep persists one step event as a hash plus a ZSET index entry.
// Writes are idempotent: a replayed step overwrites itself.
func (s *Store) RecordStep(ctx context.Context, step *protocol.StepEvent) error {
	if s == nil {
		return nil
	}
	payload, err := json.Marshal(step)
	if err != nil {
		return fmt.Errorf("encode step: %w", err)
	}
	key := stepKey(step.GameID, step.StepSeq)
	_, err = s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, key, map[string]any{
			"game_id":       step.GameID,
			"step_seq":      step.StepSeq,
			"turn_no":       step.TurnNo,
			"round_no":      step.RoundNo,
			"event_type":    string(step.EventType),
			"result_status": string(step.ResultStatus),
			"created_at":    step.CreatedAt.Format(time.RFC3339Nano),
			"payload":       payload,
		})
		pipe.ZAdd(ctx, stepIndexKey(step.GameID), redis.Z{Score: float64(step.StepSeq), Member: key})
		return nil
	})
	if err != nil {
		return fmt.Errorf("record step %s/%d: %w", step.GameID, step.StepSeq, err)
	}
	return nil
}

// Steps returns a game's recorded step events with fromSeq <= step_seq <=
// toSeq, in step order. toSeq 0 means no upper bound.
func (s *Store) Steps(ctx context.Context, gameID string, fromSeq, toSeq uint64) ([]protocol.StepEvent, error) {
	if s == nil {
		return nil, ErrDisabled
	}
	maxScore := "+inf"
	if toSeq > 0 {
		maxScore = strconv.FormatUint(toSeq, 10)
	}
	keys, err := s.rdb.ZRangeByScore(ctx, stepIndexKey(gameID), &redis.ZRangeBy{
		Min: strconv.FormatUint(fromSeq, 10),
		Max: maxScore,
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("scan step index: %w", err)
	}

	steps := make([]protocol.StepEvent, 0, len(keys))
	for _, key := range keys {
		payload, err := s.rdb.HGet(ctx, key, "payload").Result()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("read step %s: %w", key, err)
		}
		var step protocol.StepEvent
		if err := json.Unmarshal([]byte(payload), &step); err != nil {
			s.logger.Warn().Err(err).Str("key", key).Msg("bad step payload")
			continue
		}
		steps = append(steps, step)
	}
	return steps, nil
}

// BindingRecord is the bot manager's audit trail for one seat.
type BindingRecord struct {
	GameID            string
	PlayerID          string
	PlayerName        string
	BotID             string
	BotServiceBaseURL string
	BotStatus         string
	Model             string
	GameGuideVersion  string
	UpdatedAt         time.Time
}

// RecordBinding upserts one seat's binding record; status transitions are
// recorded by rewriting the hash.
func (s *Store) RecordBinding(ctx context.Context, rec *BindingRecord) error {
	if s == nil {
		return nil
	}
	key := bindingKey(rec.GameID, rec.PlayerID)
	_, err := s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, key, map[string]any{
			"game_id":              rec.GameID,
			"player_id":            rec.PlayerID,
			"player_name":          rec.PlayerName,
			"bot_id":               rec.BotID,
			"bot_service_base_url": rec.BotServiceBaseURL,
			"bot_status":           rec.BotStatus,
			"model":                rec.Model,
			"game_guide_version":   rec.GameGuideVersion,
			"updated_at":           rec.UpdatedAt.Format(time.RFC3339Nano),
		})
		pipe.SAdd(ctx, bindingIndexKey(rec.GameID), rec.PlayerID)
		return nil
	})
	if err != nil {
		return fmt.Errorf("record binding %s/%s: %w", rec.GameID, rec.PlayerID, err)
	}
	return nil
}

// BindingsByGame returns every recorded binding for a game.
func (s *Store) BindingsByGame(ctx context.Context, gameID string) ([]BindingRecord, error) {
	if s == nil {
		return nil, ErrDisabled
	}
	playerIDs, err := s.rdb.SMembers(ctx, bindingIndexKey(gameID)).Result()
	if err != nil {
		return nil, fmt.Errorf("scan binding index: %w", err)
	}

	records := make([]BindingRecord, 0, len(playerIDs))
	for _, playerID := range playerIDs {
		fields, err := s.rdb.HGetAll(ctx, bindingKey(gameID, playerID)).Result()
		if err != nil {
			return nil, fmt.Errorf("read binding %s/%s: %w", gameID, playerID, err)
		}
		if len(fields) == 0 {
			continue
		}
		records = append(records, parseBinding(fields))
	}
	return records, nil
}

func parseBinding(fields map[string]string) BindingRecord {
	rec := BindingRecord{
		GameID:            fields["game_id"],
		PlayerID:          fields["player_id"],
		PlayerName:        fields["player_name"],
		BotID:             fields["bot_id"],
		BotServiceBaseURL: fields["bot_service_base_url"],
		BotStatus:         fields["bot_status"],
		Model:             fields["model"],
		GameGuideVersion:  fields["game_guide_version"],
	}
	if at, err := time.Parse(time.RFC3339Nano, fields["updated_at"]); err == nil {
		rec.UpdatedAt = at
	}
	return rec
}
