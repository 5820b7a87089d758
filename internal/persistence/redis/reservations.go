// SPDX-License-Identifier: Apache-2.0

package redis

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/adiadia/readmodel-runtime/internal/domain"
	"github.com/adiadia/readmodel-runtime/internal/reservation"
)

// Row layout, all keys of one scope share a hash slot:
//
//	<prefix>:rv:{<scope>}:v:<value>  hash owner, token, exp (unix ms, "" when confirmed), version
//	<prefix>:rv:{<scope>}:idx        sorted set of values, score 0 (lexicographic order)
//	<prefix>:rv:{<scope>}:t:<token>  set of values that carried the token
//
// Token sets are pruned lazily, so readers re-check the row's token.

const tokenHeldLua = `
local function token_held(tokset, token, self, now, rowprefix)
	for _, v in ipairs(redis.call('SMEMBERS', tokset)) do
		if v ~= self then
			local row = redis.call('HMGET', rowprefix .. v, 'token', 'exp')
			if row[1] == token and (row[2] == '' or tonumber(row[2]) > now) then
				return true
			end
		end
	end
	return false
end
`

// KEYS: row, index. ARGV: value, owner, token, exp, now, rowprefix, tokprefix.
var insertScript = goredis.NewScript(tokenHeldLua + `
if redis.call('EXISTS', KEYS[1]) == 1 then
	return 0
end
local value, owner, token, exp = ARGV[1], ARGV[2], ARGV[3], ARGV[4]
local now = tonumber(ARGV[5])
if token ~= '' and token_held(ARGV[7] .. token, token, value, now, ARGV[6]) then
	return -1
end
redis.call('HSET', KEYS[1], 'owner', owner, 'token', token, 'exp', exp, 'version', 1)
redis.call('ZADD', KEYS[2], 0, value)
if token ~= '' then
	redis.call('SADD', ARGV[7] .. token, value)
end
return 1
`)

// KEYS: row. ARGV: value, owner, token, exp, now, rowprefix, tokprefix, expected version.
var casScript = goredis.NewScript(tokenHeldLua + `
local current = redis.call('HGET', KEYS[1], 'version')
if not current or tonumber(current) ~= tonumber(ARGV[8]) then
	return 0
end
local value, owner, token, exp = ARGV[1], ARGV[2], ARGV[3], ARGV[4]
local now = tonumber(ARGV[5])
if token ~= '' and token_held(ARGV[7] .. token, token, value, now, ARGV[6]) then
	return -1
end
local old = redis.call('HGET', KEYS[1], 'token')
if old and old ~= '' and old ~= token then
	redis.call('SREM', ARGV[7] .. old, value)
end
redis.call('HSET', KEYS[1], 'owner', owner, 'token', token, 'exp', exp, 'version', tonumber(current) + 1)
if token ~= '' then
	redis.call('SADD', ARGV[7] .. token, value)
end
return 1
`)

// KEYS: index. ARGV: now, limit, rowprefix. Returns flat rows of
// value, owner, token, exp, version.
var availableScript = goredis.NewScript(`
local now, limit = tonumber(ARGV[1]), tonumber(ARGV[2])
local out, found = {}, 0
for _, v in ipairs(redis.call('ZRANGE', KEYS[1], 0, -1)) do
	local row = redis.call('HMGET', ARGV[3] .. v, 'owner', 'token', 'exp', 'version')
	if row[3] and row[3] ~= '' and tonumber(row[3]) <= now then
		table.insert(out, v)
		table.insert(out, row[1])
		table.insert(out, row[2])
		table.insert(out, row[3])
		table.insert(out, row[4])
		found = found + 1
		if limit > 0 and found >= limit then
			break
		end
	end
end
return out
`)

// ReservationStore keeps reserved values in Redis. Each write is one Lua
// script, so it is atomic with respect to every other client.
type ReservationStore struct {
	client goredis.UniversalClient
	prefix string
}

func NewReservationStore(client goredis.UniversalClient, prefix string) *ReservationStore {
	return &ReservationStore{client: client, prefix: prefixOrDefault(prefix)}
}

func (s *ReservationStore) scopeKey(scope string) string {
	return s.prefix + ":rv:{" + scope + "}"
}

func (s *ReservationStore) rowPrefix(scope string) string {
	return s.scopeKey(scope) + ":v:"
}

func (s *ReservationStore) tokenPrefix(scope string) string {
	return s.scopeKey(scope) + ":t:"
}

func (s *ReservationStore) indexKey(scope string) string {
	return s.scopeKey(scope) + ":idx"
}

func (s *ReservationStore) Get(ctx context.Context, scope, value string) (domain.ReservedValue, bool, error) {
	fields, err := s.client.HGetAll(ctx, s.rowPrefix(scope)+value).Result()
	if err != nil {
		return domain.ReservedValue{}, false, fmt.Errorf("redis get reserved value: %w", err)
	}
	if len(fields) == 0 {
		return domain.ReservedValue{}, false, nil
	}
	rv, err := decodeRow(scope, value, fields["owner"], fields["token"], fields["exp"], fields["version"])
	if err != nil {
		return domain.ReservedValue{}, false, err
	}
	return rv, true, nil
}

func (s *ReservationStore) ListByConfirmationToken(ctx context.Context, scope, token string) ([]domain.ReservedValue, error) {
	values, err := s.client.SMembers(ctx, s.tokenPrefix(scope)+token).Result()
	if err != nil {
		return nil, fmt.Errorf("redis list token members: %w", err)
	}
	sort.Strings(values)

	cmds := make([]*goredis.MapStringStringCmd, len(values))
	_, err = s.client.Pipelined(ctx, func(p goredis.Pipeliner) error {
		for i, v := range values {
			cmds[i] = p.HGetAll(ctx, s.rowPrefix(scope)+v)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("redis read token rows: %w", err)
	}

	out := make([]domain.ReservedValue, 0, len(values))
	for i, cmd := range cmds {
		fields := cmd.Val()
		if fields["token"] != token {
			continue
		}
		rv, err := decodeRow(scope, values[i], fields["owner"], fields["token"], fields["exp"], fields["version"])
		if err != nil {
			return nil, err
		}
		out = append(out, rv)
	}
	return out, nil
}

func (s *ReservationStore) ListAvailable(ctx context.Context, scope string, now time.Time, limit int) ([]domain.ReservedValue, error) {
	raw, err := availableScript.Run(ctx, s.client,
		[]string{s.indexKey(scope)},
		now.UnixMilli(), limit, s.rowPrefix(scope),
	).StringSlice()
	if err != nil {
		return nil, fmt.Errorf("redis list available: %w", err)
	}

	out := make([]domain.ReservedValue, 0, len(raw)/5)
	for i := 0; i+4 < len(raw); i += 5 {
		rv, err := decodeRow(scope, raw[i], raw[i+1], raw[i+2], raw[i+3], raw[i+4])
		if err != nil {
			return nil, err
		}
		out = append(out, rv)
	}
	return out, nil
}

func (s *ReservationStore) Insert(ctx context.Context, rv domain.ReservedValue, now time.Time) (bool, error) {
	res, err := insertScript.Run(ctx, s.client,
		[]string{s.rowPrefix(rv.Scope) + rv.Value, s.indexKey(rv.Scope)},
		s.writeArgs(rv, now)...,
	).Int()
	if err != nil {
		return false, fmt.Errorf("redis insert reserved value: %w", err)
	}
	return scriptOutcome(res)
}

func (s *ReservationStore) CompareAndSwap(ctx context.Context, expectedVersion int64, rv domain.ReservedValue, now time.Time) (bool, error) {
	args := append(s.writeArgs(rv, now), expectedVersion)
	res, err := casScript.Run(ctx, s.client,
		[]string{s.rowPrefix(rv.Scope) + rv.Value},
		args...,
	).Int()
	if err != nil {
		return false, fmt.Errorf("redis update reserved value: %w", err)
	}
	return scriptOutcome(res)
}

func (s *ReservationStore) writeArgs(rv domain.ReservedValue, now time.Time) []any {
	token := ""
	if rv.ConfirmationToken != nil {
		token = *rv.ConfirmationToken
	}
	exp := ""
	if rv.Expiration != nil {
		exp = strconv.FormatInt(rv.Expiration.UnixMilli(), 10)
	}
	return []any{
		rv.Value,
		rv.OwnerToken,
		token,
		exp,
		now.UnixMilli(),
		s.rowPrefix(rv.Scope),
		s.tokenPrefix(rv.Scope),
	}
}

func scriptOutcome(res int) (bool, error) {
	switch res {
	case 1:
		return true, nil
	case -1:
		return false, reservation.ErrConfirmationTokenInUse
	default:
		return false, nil
	}
}

var errCorruptRow = errors.New("corrupt reserved value row")

func decodeRow(scope, value, owner, token, exp, version string) (domain.ReservedValue, error) {
	rv := domain.ReservedValue{Value: value, Scope: scope, OwnerToken: owner}

	if token != "" {
		t := token
		rv.ConfirmationToken = &t
	}
	if exp != "" {
		ms, err := strconv.ParseInt(exp, 10, 64)
		if err != nil {
			return domain.ReservedValue{}, fmt.Errorf("%w: exp %q", errCorruptRow, exp)
		}
		e := time.UnixMilli(ms).UTC()
		rv.Expiration = &e
	}
	v, err := strconv.ParseInt(version, 10, 64)
	if err != nil {
		return domain.ReservedValue{}, fmt.Errorf("%w: version %q", errCorruptRow, version)
	}
	rv.Version = v
	return rv, nil
}
