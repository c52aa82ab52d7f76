package profilecenter

import (
	"context"
	"strconv"
	"strings"
	"time"

	"github.com/db-incubator/asyncmysql/pkg/config"
	"github.com/pingcap/errors"
	"go.etcd.io/etcd/clientv3"
)

const etcdDialTimeout = 3 * time.Second

// EtcdSource serves profile documents out of one etcd prefix, one key per
// profile. It is read-only: writing profiles is the job of whatever ops
// tooling owns the prefix. The store revision of the range read doubles as
// the version, so an unchanged prefix never triggers a registry rebuild.
type EtcdSource struct {
	kv     clientv3.KV
	prefix string
	close  func() error
}

func NewEtcdSource(cfg config.ProfileEtcd) (*EtcdSource, error) {
	etcdClient, err := clientv3.New(clientv3.Config{
		Endpoints:   cfg.Addrs,
		Username:    cfg.Username,
		Password:    cfg.Password,
		DialTimeout: etcdDialTimeout,
	})
	if err != nil {
		return nil, errors.WithMessage(err, "create etcd profile source error")
	}
	return &EtcdSource{
		kv:     clientv3.NewKV(etcdClient),
		prefix: normalizePrefix(cfg.BasePath),
		close:  etcdClient.Close,
	}, nil
}

// NewEtcdSourceWithKV injects an existing KV, for tests and for processes
// that already hold an etcd client.
func NewEtcdSourceWithKV(kv clientv3.KV, prefix string) *EtcdSource {
	return &EtcdSource{
		kv:     kv,
		prefix: normalizePrefix(prefix),
	}
}

func (s *EtcdSource) FetchAll(ctx context.Context) ([]Document, string, error) {
	resp, err := s.kv.Get(ctx, s.prefix, clientv3.WithPrefix())
	if err != nil {
		return nil, "", errors.WithMessage(err, "fetch profiles from etcd error")
	}
	docs := make([]Document, 0, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		docs = append(docs, Document{
			Origin: "etcd:" + string(kv.Key),
			Data:   kv.Value,
		})
	}
	return docs, "rev:" + strconv.FormatInt(resp.Header.Revision, 10), nil
}

func (s *EtcdSource) Close() error {
	if s.close == nil {
		return nil
	}
	return s.close()
}

// normalizePrefix forces a trailing slash so the range read cannot match a
// sibling prefix that merely shares the spelling.
func normalizePrefix(prefix string) string {
	if prefix == "" || strings.HasSuffix(prefix, "/") {
		return prefix
	}
	return prefix + "/"
}
