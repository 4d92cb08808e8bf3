package state

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"

	"github.com/sidekick-labs/sidekick/internal/llm"
	"github.com/sidekick-labs/sidekick/internal/util"
)

// EtcdStore persists agent state in etcd for multi-node deployments.
// The lock CAS uses transaction guards on the lock key's revision, so
// two nodes racing for the same agent resolve on the server.
type EtcdStore struct {
	client *clientv3.Client
	prefix string
}

// NewEtcdStore wraps an existing etcd client. prefix namespaces all
// keys, e.g. "sidekick/".
func NewEtcdStore(client *clientv3.Client, prefix string) *EtcdStore {
	if prefix != "" && !strings.HasSuffix(prefix, "/") {
		prefix += "/"
	}
	return &EtcdStore{client: client, prefix: prefix}
}

func (s *EtcdStore) stateKey(agentID string) string {
	return s.prefix + "agents/" + agentID + "/state"
}

func (s *EtcdStore) lockKey(agentID string) string {
	return s.prefix + "agents/" + agentID + "/lock"
}

func (s *EtcdStore) historyPrefix(agentID string) string {
	return s.prefix + "agents/" + agentID + "/history/"
}

func (s *EtcdStore) LoadState(ctx context.Context, agentID string) (Runtime, error) {
	resp, err := s.client.Get(ctx, s.stateKey(agentID))
	if err != nil {
		return Runtime{}, fmt.Errorf("state: etcd get %s: %w", agentID, err)
	}
	var rt Runtime
	if len(resp.Kvs) > 0 {
		if err := json.Unmarshal(resp.Kvs[0].Value, &rt); err != nil {
			return Runtime{}, fmt.Errorf("state: decode %s: %w", agentID, err)
		}
	}
	lock, _, err := s.loadLock(ctx, agentID)
	if err != nil {
		return Runtime{}, err
	}
	rt.Lock = lock
	return rt, nil
}

func (s *EtcdStore) loadLock(ctx context.Context, agentID string) (*LockInfo, int64, error) {
	resp, err := s.client.Get(ctx, s.lockKey(agentID))
	if err != nil {
		return nil, 0, fmt.Errorf("state: etcd get lock %s: %w", agentID, err)
	}
	if len(resp.Kvs) == 0 {
		return nil, 0, nil
	}
	var lock LockInfo
	if err := json.Unmarshal(resp.Kvs[0].Value, &lock); err != nil {
		return nil, 0, fmt.Errorf("state: decode lock %s: %w", agentID, err)
	}
	return &lock, resp.Kvs[0].ModRevision, nil
}

func (s *EtcdStore) UpdateState(ctx context.Context, agentID string, fn func(*Runtime)) (Runtime, error) {
	key := s.stateKey(agentID)
	// Optimistic retry loop on the state key's revision.
	for {
		resp, err := s.client.Get(ctx, key)
		if err != nil {
			return Runtime{}, fmt.Errorf("state: etcd get %s: %w", agentID, err)
		}
		var rt Runtime
		var rev int64
		if len(resp.Kvs) > 0 {
			if err := json.Unmarshal(resp.Kvs[0].Value, &rt); err != nil {
				return Runtime{}, fmt.Errorf("state: decode %s: %w", agentID, err)
			}
			rev = resp.Kvs[0].ModRevision
		}

		fn(&rt)
		rt.UpdatedAt = time.Now().UTC()
		rt.Lock = nil // the lock lives under its own key

		data, err := json.Marshal(rt)
		if err != nil {
			return Runtime{}, fmt.Errorf("state: encode %s: %w", agentID, err)
		}

		txn, err := s.client.Txn(ctx).
			If(clientv3.Compare(clientv3.ModRevision(key), "=", rev)).
			Then(clientv3.OpPut(key, string(data))).
			Commit()
		if err != nil {
			return Runtime{}, fmt.Errorf("state: etcd put %s: %w", agentID, err)
		}
		if txn.Succeeded {
			return rt, nil
		}
		if err := ctx.Err(); err != nil {
			return Runtime{}, err
		}
	}
}

func (s *EtcdStore) CASLock(ctx context.Context, agentID string, expected, next *LockInfo) (bool, error) {
	key := s.lockKey(agentID)

	current, rev, err := s.loadLock(ctx, agentID)
	if err != nil {
		return false, err
	}
	if !lockMatches(current, expected) {
		return false, nil
	}

	var op clientv3.Op
	if next != nil {
		data, err := json.Marshal(next)
		if err != nil {
			return false, fmt.Errorf("state: encode lock: %w", err)
		}
		op = clientv3.OpPut(key, string(data))
	} else {
		op = clientv3.OpDelete(key)
	}

	// Guard on the revision observed above: a concurrent claim bumps
	// it and the transaction falls through to false.
	txn, err := s.client.Txn(ctx).
		If(clientv3.Compare(clientv3.ModRevision(key), "=", rev)).
		Then(op).
		Commit()
	if err != nil {
		return false, fmt.Errorf("state: etcd cas lock %s: %w", agentID, err)
	}
	return txn.Succeeded, nil
}

func (s *EtcdStore) AppendHistory(ctx context.Context, agentID string, entries []llm.Message) error {
	for _, entry := range entries {
		data, err := json.Marshal(entry)
		if err != nil {
			return fmt.Errorf("state: encode history entry: %w", err)
		}
		// ULID keys sort lexicographically in append order.
		key := s.historyPrefix(agentID) + util.NewID()
		if _, err := s.client.Put(ctx, key, string(data)); err != nil {
			return fmt.Errorf("state: etcd append history %s: %w", agentID, err)
		}
	}
	return nil
}

func (s *EtcdStore) History(ctx context.Context, agentID string) ([]llm.Message, error) {
	resp, err := s.client.Get(ctx, s.historyPrefix(agentID),
		clientv3.WithPrefix(), clientv3.WithSort(clientv3.SortByKey, clientv3.SortAscend))
	if err != nil {
		return nil, fmt.Errorf("state: etcd history %s: %w", agentID, err)
	}
	var out []llm.Message
	for _, kv := range resp.Kvs {
		var msg llm.Message
		if err := json.Unmarshal(kv.Value, &msg); err != nil {
			return nil, fmt.Errorf("state: decode history entry: %w", err)
		}
		out = append(out, msg)
	}
	return out, nil
}

func (s *EtcdStore) ClearHistory(ctx context.Context, agentID string) error {
	if _, err := s.client.Delete(ctx, s.historyPrefix(agentID), clientv3.WithPrefix()); err != nil {
		return fmt.Errorf("state: etcd clear history %s: %w", agentID, err)
	}
	return nil
}

func (s *EtcdStore) ListAgents(ctx context.Context) ([]string, error) {
	prefix := s.prefix + "agents/"
	resp, err := s.client.Get(ctx, prefix,
		clientv3.WithPrefix(), clientv3.WithKeysOnly())
	if err != nil {
		return nil, fmt.Errorf("state: etcd list agents: %w", err)
	}
	seen := make(map[string]bool)
	var ids []string
	for _, kv := range resp.Kvs {
		rest := strings.TrimPrefix(string(kv.Key), prefix)
		id, _, ok := strings.Cut(rest, "/")
		if ok && !seen[id] {
			seen[id] = true
			ids = append(ids, id)
		}
	}
	return ids, nil
}
