package services

import (
	"context"
	"strconv"
	"strings"
	"time"

	"media-usage-tracker/internal/store"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
)

// PresenceRecord is the ephemeral marker of one live client connection.
// Its existence is the liveness signal; there is no TTL. Removal happens
// when the owning connection's disconnect hook fires, or explicitly when
// the caller switches identity mid-session.
type PresenceRecord struct {
	PrincipalID string    `json:"principal_id"`
	LastSeen    time.Time `json:"last_seen"`
	ClientInfo  string    `json:"client_info"`
}

// PresenceService owns the presence:online keyspace. One record per
// connection, not per principal: two tabs for the same user are two records,
// and the live-user count is the connection count by design.
type PresenceService struct {
	rdb *redis.Client
}

func NewPresenceService(rdb *redis.Client) *PresenceService {
	return &PresenceService{rdb: rdb}
}

// AnonymousPrincipal mints an id for a session with no authenticated user.
func AnonymousPrincipal() string {
	return "anon_" + strings.ReplaceAll(uuid.New().String(), "-", "")[:9]
}

// Connect writes a fresh record under a new opaque connection key and
// returns the key. The caller is responsible for pairing it with a
// disconnect hook that calls Disconnect.
func (p *PresenceService) Connect(ctx context.Context, principalID, clientInfo string) (string, error) {
	key := uuid.New().String()

	err := p.rdb.HSet(ctx, store.PresencePrefix+key,
		"principal_id", principalID,
		"last_seen", time.Now().Unix(),
		"client_info", clientInfo,
	).Err()
	if err != nil {
		return "", err
	}

	return key, nil
}

// Disconnect removes the record for a connection key. Removing a key that
// is already gone is a no-op, so cleanup of a previous session and the
// disconnect hook may both run without coordination.
func (p *PresenceService) Disconnect(ctx context.Context, connectionKey string) error {
	if connectionKey == "" {
		return nil
	}
	return p.rdb.Del(ctx, store.PresencePrefix+connectionKey).Err()
}

// Switch replaces the record held for a session with one owned by a new
// principal (anonymous to authenticated, or vice versa on sign-out). The
// old record is deleted first so a mid-switch crash leaves at most one.
func (p *PresenceService) Switch(ctx context.Context, oldKey, principalID, clientInfo string) (string, error) {
	if err := p.Disconnect(ctx, oldKey); err != nil {
		return "", err
	}
	return p.Connect(ctx, principalID, clientInfo)
}

// Get loads a presence record. The second return reports existence.
func (p *PresenceService) Get(ctx context.Context, connectionKey string) (*PresenceRecord, bool, error) {
	vals, err := p.rdb.HGetAll(ctx, store.PresencePrefix+connectionKey).Result()
	if err != nil {
		return nil, false, err
	}
	if len(vals) == 0 {
		return nil, false, nil
	}

	record := &PresenceRecord{
		PrincipalID: vals["principal_id"],
		ClientInfo:  vals["client_info"],
	}
	if ts, err := strconv.ParseInt(vals["last_seen"], 10, 64); err == nil {
		record.LastSeen = time.Unix(ts, 0).UTC()
	}
	return record, true, nil
}

// LiveUsers counts the records currently under the presence keyspace. It is
// recomputed from the live record set on every call and therefore never
// drifts. SCAN may return a key more than once while the keyspace changes,
// so keys are collected into a set before counting.
func (p *PresenceService) LiveUsers(ctx context.Context) (int64, error) {
	seen := make(map[string]struct{})
	var cursor uint64

	for {
		keys, next, err := p.rdb.Scan(ctx, cursor, store.PresencePrefix+"*", 100).Result()
		if err != nil {
			return 0, err
		}
		for _, key := range keys {
			seen[key] = struct{}{}
		}

		cursor = next
		if cursor == 0 {
			return int64(len(seen)), nil
		}
	}
}
