// internal/infra/etcd/etcd_kv_store.go
package etcd

import (
	"context"
	"fmt"
	"log/slog"
	"path"

	"contractor-dispatch/internal/domain"

	clientv3 "go.etcd.io/etcd/client/v3"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const (
	KVPrefix = "/dispatch/kv/"
)

type etcdKVStore struct {
	client *clientv3.Client
	prefix string
	logger *slog.Logger
	tracer trace.Tracer
}

// NewEtcdKVStore creates a key-value store under prefix. Versions are etcd mod revisions.
func NewEtcdKVStore(client *clientv3.Client, prefix string, logger *slog.Logger) domain.KVStore {
	if prefix == "" {
		prefix = KVPrefix
	}
	return &etcdKVStore{
		client: client,
		prefix: prefix,
		logger: logger.With("component", "etcd-kv-store"),
		tracer: otel.Tracer("contractor-dispatch-etcd-repo"),
	}
}

func (s *etcdKVStore) key(k string) string {
	return path.Join(s.prefix, k)
}

func (s *etcdKVStore) Get(ctx context.Context, k string) ([]byte, int64, error) {
	ctx, span := s.tracer.Start(ctx, "repo.etcd.Get")
	defer span.End()
	key := s.key(k)
	span.SetAttributes(attribute.String("etcd.key", key))

	resp, err := s.client.Get(ctx, key)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to get key from etcd")
		return nil, 0, fmt.Errorf("failed to get %s from etcd: %w", key, err)
	}
	if len(resp.Kvs) == 0 {
		return nil, 0, nil
	}
	kv := resp.Kvs[0]
	span.SetAttributes(attribute.Int64("etcd.mod_revision", kv.ModRevision))
	return kv.Value, kv.ModRevision, nil
}

func (s *etcdKVStore) Set(ctx context.Context, k string, value []byte) error {
	ctx, span := s.tracer.Start(ctx, "repo.etcd.Put")
	defer span.End()
	key := s.key(k)
	span.SetAttributes(attribute.String("etcd.key", key))

	if _, err := s.client.Put(ctx, key, string(value)); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to put key to etcd")
		return fmt.Errorf("failed to put %s to etcd: %w", key, err)
	}
	return nil
}

// CompareAndSet commits the put only if the key's mod revision still equals version.
// A key that does not exist has mod revision 0.
func (s *etcdKVStore) CompareAndSet(ctx context.Context, k string, version int64, value []byte) (bool, error) {
	ctx, span := s.tracer.Start(ctx, "repo.etcd.CompareAndSet")
	defer span.End()
	key := s.key(k)
	span.SetAttributes(attribute.String("etcd.key", key), attribute.Int64("etcd.expected_revision", version))

	resp, err := s.client.Txn(ctx).
		If(clientv3.Compare(clientv3.ModRevision(key), "=", version)).
		Then(clientv3.OpPut(key, string(value))).
		Commit()
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "etcd txn failed")
		return false, fmt.Errorf("failed to commit txn on %s: %w", key, err)
	}
	span.SetAttributes(attribute.Bool("etcd.txn_succeeded", resp.Succeeded))
	if !resp.Succeeded {
		s.logger.Debug("compare-and-set lost", "key", key, "expected_revision", version)
	}
	return resp.Succeeded, nil
}
