package swarmstate

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"path"
	"strings"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"
)

// EtcdPublisherOptions configures the etcd-backed status publisher.
type EtcdPublisherOptions struct {
	Endpoints   []string
	DialTimeout time.Duration
	Namespace   string
	Prefix      string
	TLS         *tls.Config
	Coordinator string
	Clock       func() time.Time
}

// EtcdPublisher persists coordinator run state in etcd so the whole fleet can
// be inspected from one place.
type EtcdPublisher struct {
	client          *clientv3.Client
	prefix          string
	coordinator     string
	now             func() time.Time
	coordinatorPath string
}

type recordPayload struct {
	Coordinator string `json:"coordinator"`
	Phase       string `json:"phase"`
	Code        string `json:"code,omitempty"`
	Reason      string `json:"reason,omitempty"`
	ReportedAt  string `json:"reported_at"`
}

// NewEtcdPublisher constructs a status publisher backed by etcd.
func NewEtcdPublisher(opts EtcdPublisherOptions) (*EtcdPublisher, error) {
	if len(opts.Endpoints) == 0 {
		return nil, errors.New("status publisher requires at least one etcd endpoint")
	}
	trimmedPrefix := strings.TrimSpace(opts.Prefix)
	if trimmedPrefix == "" {
		trimmedPrefix = "coordinator_status"
	}
	coordinator := strings.TrimSpace(opts.Coordinator)
	if coordinator == "" {
		return nil, errors.New("status publisher requires a coordinator name")
	}
	clock := opts.Clock
	if clock == nil {
		clock = time.Now
	}
	dialTimeout := opts.DialTimeout
	if dialTimeout <= 0 {
		dialTimeout = 5 * time.Second
	}

	cfg := clientv3.Config{
		Endpoints:           opts.Endpoints,
		DialTimeout:         dialTimeout,
		TLS:                 opts.TLS,
		RejectOldCluster:    true,
		PermitWithoutStream: true,
	}

	client, err := clientv3.New(cfg)
	if err != nil {
		return nil, fmt.Errorf("create etcd client: %w", err)
	}

	normalizedPrefix := strings.TrimRight(applyNamespace(opts.Namespace, trimmedPrefix), "/")
	coordinatorPath := path.Join(normalizedPrefix, coordinator)

	return &EtcdPublisher{
		client:          client,
		prefix:          normalizedPrefix,
		coordinator:     coordinator,
		now:             clock,
		coordinatorPath: coordinatorPath,
	}, nil
}

// Close releases underlying client resources.
func (p *EtcdPublisher) Close() error {
	if p == nil {
		return nil
	}
	return p.client.Close()
}

// PublishRunning implements Publisher.
func (p *EtcdPublisher) PublishRunning(ctx context.Context) error {
	return p.store(ctx, recordPayload{Coordinator: p.coordinator, Phase: PhaseRunning})
}

// PublishHalted implements Publisher.
func (p *EtcdPublisher) PublishHalted(ctx context.Context, code, reason string) error {
	return p.store(ctx, recordPayload{
		Coordinator: p.coordinator,
		Phase:       PhaseHalted,
		Code:        strings.TrimSpace(code),
		Reason:      strings.TrimSpace(reason),
	})
}

// PublishStopped implements Publisher.
func (p *EtcdPublisher) PublishStopped(ctx context.Context) error {
	return p.store(ctx, recordPayload{Coordinator: p.coordinator, Phase: PhaseStopped})
}

func (p *EtcdPublisher) store(ctx context.Context, payload recordPayload) error {
	if ctx == nil {
		ctx = context.Background()
	}

	payload.ReportedAt = p.now().UTC().Format(time.RFC3339Nano)
	encoded, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	ctx = clientv3.WithRequireLeader(ctx)
	_, err = p.client.Put(ctx, p.coordinatorPath, string(encoded))
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return err
		}
		return fmt.Errorf("store coordinator status entry: %w", err)
	}
	return nil
}

// Status implements Publisher.
func (p *EtcdPublisher) Status(ctx context.Context) ([]Record, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	ctx = clientv3.WithRequireLeader(ctx)
	prefix := p.prefix
	if prefix == "" {
		prefix = "/"
	}
	if !strings.HasSuffix(prefix, "/") {
		prefix += "/"
	}
	resp, err := p.client.Get(ctx, prefix, clientv3.WithPrefix())
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return nil, err
		}
		return nil, fmt.Errorf("list coordinator status entries: %w", err)
	}

	records := make([]Record, 0, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		var payload recordPayload
		if err := json.Unmarshal(kv.Value, &payload); err != nil {
			return nil, fmt.Errorf("parse coordinator status payload: %w", err)
		}
		reportedAt, err := time.Parse(time.RFC3339Nano, payload.ReportedAt)
		if err != nil {
			return nil, fmt.Errorf("parse coordinator status timestamp: %w", err)
		}
		coordinator := payload.Coordinator
		if coordinator == "" {
			coordinator = strings.TrimPrefix(string(kv.Key), prefix)
		}
		records = append(records, Record{
			Coordinator: coordinator,
			Phase:       payload.Phase,
			Code:        payload.Code,
			Reason:      payload.Reason,
			ReportedAt:  reportedAt,
		})
	}

	return records, nil
}

func applyNamespace(namespace, key string) string {
	normalizedKey := "/" + strings.TrimLeft(key, "/")
	trimmedNamespace := strings.Trim(namespace, "/")
	if trimmedNamespace == "" {
		return normalizedKey
	}
	return "/" + trimmedNamespace + normalizedKey
}

var _ Publisher = (*EtcdPublisher)(nil)
