package lock

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.etcd.io/etcd/api/v3/v3rpc/rpctypes"
	clientv3 "go.etcd.io/etcd/client/v3"
)

const etcdKeyPrefix = "/locks/"

// EtcdStore 基于 etcd 事务和租约的锁后端
type EtcdStore struct {
	client *clientv3.Client
	mu     sync.Mutex
	leases map[string]clientv3.LeaseID // key+token -> 租约，释放时回收
}

func NewEtcdStore(endpoints []string, dialTimeout time.Duration) (*EtcdStore, error) {
	cli, err := clientv3.New(clientv3.Config{
		Endpoints:   endpoints,
		DialTimeout: dialTimeout,
	})
	if err != nil {
		return nil, fmt.Errorf("创建etcd客户端失败: %w", err)
	}
	return &EtcdStore{
		client: cli,
		leases: make(map[string]clientv3.LeaseID),
	}, nil
}

// leaseSeconds etcd 租约以秒为单位，不足一秒向上取整
func leaseSeconds(ttl time.Duration) int64 {
	secs := int64((ttl + time.Second - 1) / time.Second)
	if secs < 1 {
		secs = 1
	}
	return secs
}

func (s *EtcdStore) SetIfAbsent(ctx context.Context, key, token string, ttl time.Duration) (bool, error) {
	key = etcdKeyPrefix + key

	grant, err := s.client.Grant(ctx, leaseSeconds(ttl))
	if err != nil {
		return false, fmt.Errorf("创建租约失败: %w", err)
	}

	resp, err := s.client.Txn(ctx).
		If(clientv3.Compare(clientv3.CreateRevision(key), "=", 0)).
		Then(clientv3.OpPut(key, token, clientv3.WithLease(grant.ID))).
		Commit()
	if err != nil {
		s.revoke(grant.ID)
		return false, fmt.Errorf("事务执行失败: %w", err)
	}
	if !resp.Succeeded {
		s.revoke(grant.ID)
		return false, nil
	}

	s.mu.Lock()
	s.leases[key+"\x00"+token] = grant.ID
	s.mu.Unlock()
	return true, nil
}

func (s *EtcdStore) CompareAndDelete(ctx context.Context, key, token string) (bool, error) {
	key = etcdKeyPrefix + key

	resp, err := s.client.Txn(ctx).
		If(clientv3.Compare(clientv3.Value(key), "=", token)).
		Then(clientv3.OpDelete(key)).
		Commit()
	if err != nil {
		return false, fmt.Errorf("事务执行失败: %w", err)
	}

	s.mu.Lock()
	leaseID, ok := s.leases[key+"\x00"+token]
	delete(s.leases, key+"\x00"+token)
	s.mu.Unlock()
	if ok {
		s.revoke(leaseID)
	}
	return resp.Succeeded, nil
}

// Extend 续约锁所在的租约。etcd 租约时长在创建时确定，ttl 只用于确认调用方意图
func (s *EtcdStore) Extend(ctx context.Context, key, token string, _ time.Duration) (bool, error) {
	key = etcdKeyPrefix + key

	s.mu.Lock()
	leaseID, ok := s.leases[key+"\x00"+token]
	s.mu.Unlock()
	if !ok {
		return false, nil
	}

	resp, err := s.client.Get(ctx, key)
	if err != nil {
		return false, err
	}
	if len(resp.Kvs) == 0 || string(resp.Kvs[0].Value) != token {
		return false, nil
	}
	if _, err := s.client.KeepAliveOnce(ctx, leaseID); err != nil {
		if errors.Is(err, rpctypes.ErrLeaseNotFound) {
			return false, nil
		}
		return false, fmt.Errorf("续约租约失败: %w", err)
	}
	return true, nil
}

func (s *EtcdStore) Exists(ctx context.Context, key string) (bool, error) {
	resp, err := s.client.Get(ctx, etcdKeyPrefix+key, clientv3.WithCountOnly())
	if err != nil {
		return false, err
	}
	return resp.Count > 0, nil
}

// revoke 租约回收失败只会让键晚一些过期
func (s *EtcdStore) revoke(id clientv3.LeaseID) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_, _ = s.client.Revoke(ctx, id)
}

// Close 回收所有未释放的租约并关闭客户端
func (s *EtcdStore) Close() error {
	s.mu.Lock()
	leases := s.leases
	s.leases = make(map[string]clientv3.LeaseID)
	s.mu.Unlock()

	for _, id := range leases {
		s.revoke(id)
	}
	return s.client.Close()
}
