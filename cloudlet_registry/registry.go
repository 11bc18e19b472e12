// Package cloudlet_registry keeps cloudlet records in etcd and answers
// FindCloudlet from them, for deployments without a DME in front.
package cloudlet_registry

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/mobiledgex/edge-cloud-sdk-android/edge_events/protocol"
	log "github.com/sirupsen/logrus"
	"go.etcd.io/etcd/api/v3/mvccpb"
	clientv3 "go.etcd.io/etcd/client/v3"
)

const DefaultPrefix = "/edge_cloudlets/"

type EtcdConfig struct {
	Endpoints   []string
	DialTimeout time.Duration
	Prefix      string
}

func DefaultEtcdConfig() EtcdConfig {
	return EtcdConfig{
		Endpoints:   []string{"localhost:2379"},
		DialTimeout: 5 * time.Second,
		Prefix:      DefaultPrefix,
	}
}

type Registry struct {
	client *clientv3.Client
	prefix string
	prober *Prober
}

// NewRegistry connects to etcd. prober may be nil, in which case performance
// requests are answered by proximity.
func NewRegistry(config EtcdConfig, prober *Prober) (*Registry, error) {
	if config.Prefix == "" {
		config.Prefix = DefaultPrefix
	}
	client, err := clientv3.New(clientv3.Config{
		Endpoints:   config.Endpoints,
		DialTimeout: config.DialTimeout,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create etcd client: %w", err)
	}
	return &Registry{client: client, prefix: config.Prefix, prober: prober}, nil
}

func (r *Registry) Close() {
	if r.client != nil {
		r.client.Close()
	}
}

func (r *Registry) key(name string) string {
	return r.prefix + name
}

func (r *Registry) PublishCloudlet(ctx context.Context, c *Cloudlet) error {
	if c.Name == "" || c.Fqdn == "" {
		return fmt.Errorf("cloudlet name and fqdn are required")
	}
	c.UpdatedAt = time.Now()
	data, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal cloudlet: %w", err)
	}
	if _, err := r.client.Put(ctx, r.key(c.Name), string(data)); err != nil {
		return fmt.Errorf("failed to publish cloudlet %s: %w", c.Name, err)
	}
	log.Infof("[CloudletRegistry] cloudlet published, name:%s, fqdn:%s", c.Name, c.Fqdn)
	return nil
}

func (r *Registry) RemoveCloudlet(ctx context.Context, name string) error {
	if _, err := r.client.Delete(ctx, r.key(name)); err != nil {
		return fmt.Errorf("failed to remove cloudlet %s: %w", name, err)
	}
	log.Infof("[CloudletRegistry] cloudlet removed, name:%s", name)
	return nil
}

func (r *Registry) ListCloudlets(ctx context.Context) ([]*Cloudlet, error) {
	resp, err := r.client.Get(ctx, r.prefix, clientv3.WithPrefix(), clientv3.WithSort(clientv3.SortByKey, clientv3.SortAscend))
	if err != nil {
		return nil, fmt.Errorf("failed to list cloudlets: %w", err)
	}
	values := make([][]byte, 0, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		values = append(values, kv.Value)
	}
	return decodeCloudlets(values), nil
}

// decodeCloudlets skips records that do not parse.
func decodeCloudlets(values [][]byte) []*Cloudlet {
	out := make([]*Cloudlet, 0, len(values))
	for _, v := range values {
		var c Cloudlet
		if err := json.Unmarshal(v, &c); err != nil {
			log.Warningf("[CloudletRegistry] bad cloudlet record, err:%v", err)
			continue
		}
		if c.Fqdn == "" {
			continue
		}
		out = append(out, &c)
	}
	return out
}

// FindCloudlet selects among the registered cloudlets.
func (r *Registry) FindCloudlet(ctx context.Context, criteria protocol.FindCloudletCriteria) (*protocol.FindCloudletResult, error) {
	cloudlets, err := r.ListCloudlets(ctx)
	if err != nil {
		return nil, err
	}
	best, mode, err := SelectCloudlet(ctx, cloudlets, criteria, r.prober)
	if err != nil {
		return nil, err
	}
	log.Infof("[CloudletRegistry] cloudlet selected, name:%s, fqdn:%s, mode:%s", best.Name, best.Fqdn, mode)
	return &protocol.FindCloudletResult{Reply: best.reply(), Mode: mode, ResolvedAt: time.Now()}, nil
}

// Watch calls onChange with the full cloudlet list whenever the prefix
// changes, until ctx is done.
func (r *Registry) Watch(ctx context.Context, onChange func([]*Cloudlet)) error {
	watchChan := r.client.Watch(ctx, r.prefix, clientv3.WithPrefix())
	for {
		select {
		case <-ctx.Done():
			return nil
		case resp, ok := <-watchChan:
			if !ok {
				return fmt.Errorf("watch channel closed")
			}
			if err := resp.Err(); err != nil {
				return fmt.Errorf("watch cloudlets: %w", err)
			}
			var puts, deletes int
			for _, ev := range resp.Events {
				switch ev.Type {
				case mvccpb.PUT:
					puts++
				case mvccpb.DELETE:
					deletes++
				}
			}
			log.Infof("[CloudletRegistry] cloudlets changed, puts:%d, deletes:%d", puts, deletes)
			cloudlets, err := r.ListCloudlets(ctx)
			if err != nil {
				log.Warningf("[CloudletRegistry] relist after watch event failed, err:%v", err)
				continue
			}
			onChange(cloudlets)
		}
	}
}
