package state

import (
	"context"
	"fmt"
	"time"

	"github.com/valkey-io/valkey-go"
)

// Sets the gate to expire after the interval unless it is already set.
// Returns {1} if allowed, {0, remaining_ms} otherwise.
const allowScript = `
	if redis.call('SET', KEYS[1], '1', 'NX', 'PX', ARGV[1]) then
		return {1}
	end
	return {0, redis.call('PTTL', KEYS[1])}
`

type ValkeyStore struct {
	client valkey.Client
}

func NewValkeyStore(client valkey.Client) *ValkeyStore {
	return &ValkeyStore{client: client}
}

func (v *ValkeyStore) Allow(ctx context.Context, key string, interval time.Duration) (bool, time.Duration, error) {
	resp := v.client.Do(ctx, v.client.B().Eval().Script(allowScript).Numkeys(1).
		Key(Key("gate", key)).
		Arg(fmt.Sprintf("%d", interval.Milliseconds())).
		Build())

	result, err := resp.AsIntSlice()
	if err != nil {
		return false, 0, err
	}
	if result[0] == 1 {
		return true, 0, nil
	}
	wait := time.Duration(0)
	if len(result) > 1 && result[1] > 0 {
		wait = time.Duration(result[1]) * time.Millisecond
	}
	return false, wait, nil
}

func (v *ValkeyStore) Save(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return v.client.Do(ctx, v.client.B().Set().
		Key(key).
		Value(valkey.BinaryString(value)).
		Ex(ttl).
		Build(),
	).Error()
}

func (v *ValkeyStore) Load(ctx context.Context, key string) ([]byte, error) {
	resp := v.client.Do(ctx, v.client.B().Get().Key(key).Build())
	if err := resp.Error(); err != nil {
		if valkey.IsValkeyNil(err) {
			return nil, nil
		}
		return nil, err
	}
	return resp.AsBytes()
}
