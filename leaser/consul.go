package leaser

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"os"
	"path"
	"strings"
	"time"

	"github.com/hashicorp/consul/api"

	"github.com/greenplum-dr/drsync/metrics"
)

// Default lease settings, matching the teacher's litefs/consul defaults.
const (
	DefaultSessionName = "drsync-publisher"
	DefaultTTL         = 10 * time.Second
	DefaultLockDelay   = 1 * time.Second
)

// ConsulLeaser obtains the single-publisher lock via a Consul session held
// on a fixed KV key.
type ConsulLeaser struct {
	consulURL string
	client    *api.Client

	// SessionName is the name associated with the Consul session.
	SessionName string

	// Key is the Consul KV key used to acquire the lock.
	Key string

	// KeyPrefix is prepended to Key. Populated from the URL's path if set.
	KeyPrefix string

	TTL       time.Duration
	LockDelay time.Duration
}

// NewConsulLeaser returns a new ConsulLeaser targeting key on the Consul
// cluster at consulURL.
func NewConsulLeaser(consulURL, key string) *ConsulLeaser {
	return &ConsulLeaser{
		consulURL:   consulURL,
		SessionName: DefaultSessionName,
		Key:         key,
		TTL:         DefaultTTL,
		LockDelay:   DefaultLockDelay,
	}
}

// Open initializes the underlying Consul client.
func (l *ConsulLeaser) Open() error {
	u, err := url.Parse(l.consulURL)
	if err != nil {
		return fmt.Errorf("parse consul url: %w", err)
	}
	if l.Key == "" {
		return fmt.Errorf("must specify a consul key")
	}

	config := api.DefaultConfig()
	config.HttpClient = http.DefaultClient
	config.Address = u.Host
	config.Scheme = u.Scheme
	if u.User != nil {
		config.Token, _ = u.User.Password()
	}
	if v := strings.TrimPrefix(u.Path, "/"); v != "" {
		l.KeyPrefix = v
	}

	if l.client, err = api.NewClient(config); err != nil {
		return fmt.Errorf("new consul client: %w", err)
	}
	return nil
}

// Type returns "consul".
func (l *ConsulLeaser) Type() string { return "consul" }

func (l *ConsulLeaser) kvKey() string {
	return path.Join(l.KeyPrefix, l.Key)
}

// Acquire creates a Consul session and attempts to lock the KV key with it.
// The KV value carries diagnostic info (hostname, pid) about the holder, not
// anything the rest of this repo reads back.
func (l *ConsulLeaser) Acquire(ctx context.Context) (_ Lease, retErr error) {
	sessionID, _, err := l.client.Session().CreateNoChecks(&api.SessionEntry{
		Name:      l.SessionName,
		Behavior:  "delete",
		LockDelay: l.LockDelay,
		TTL:       l.TTL.String(),
	}, nil)
	if err != nil {
		return nil, fmt.Errorf("create consul session: %w", err)
	}
	lease := newConsulLease(l, sessionID, time.Now())

	defer func() {
		if retErr != nil {
			_ = lease.Close()
		}
	}()

	hostname, _ := os.Hostname()
	value := []byte(fmt.Sprintf("%s pid=%d", hostname, os.Getpid()))

	acquired, _, err := l.client.KV().Acquire(&api.KVPair{
		Key:     l.kvKey(),
		Value:   value,
		Session: sessionID,
	}, nil)
	if err != nil {
		return nil, fmt.Errorf("put consul key/value: %w", err)
	} else if !acquired {
		return nil, ErrLeaseHeld
	}
	metrics.LeaseHeldGauge.Set(1)
	return lease, nil
}

// consulLease is a held Consul session lock on one KV key.
type consulLease struct {
	leaser    *ConsulLeaser
	sessionID string
	renewedAt time.Time
}

func newConsulLease(leaser *ConsulLeaser, sessionID string, renewedAt time.Time) *consulLease {
	return &consulLease{leaser: leaser, sessionID: sessionID, renewedAt: renewedAt}
}

func (l *consulLease) ID() string { return l.sessionID }

func (l *consulLease) TTL() time.Duration { return l.leaser.TTL }

func (l *consulLease) RenewedAt() time.Time { return l.renewedAt }

// Renew resets the session's TTL. Returns ErrLeaseExpired if the session
// no longer exists (e.g. it lapsed because this process stalled too long).
func (l *consulLease) Renew(ctx context.Context) error {
	entry, _, err := l.leaser.client.Session().Renew(l.sessionID, nil)
	if err != nil {
		return fmt.Errorf("renew consul session: %w", err)
	} else if entry == nil {
		return ErrLeaseExpired
	}
	l.renewedAt = time.Now()
	return nil
}

// Close releases the KV key and destroys the session.
func (l *consulLease) Close() error {
	metrics.LeaseHeldGauge.Set(0)
	kvKey := l.leaser.kvKey()
	if ok, _, err := l.leaser.client.KV().Release(&api.KVPair{
		Key:     kvKey,
		Session: l.sessionID,
	}, nil); err != nil {
		log.Printf("consul key release error: key=%s session=%s: %v", kvKey, l.sessionID, err)
	} else if !ok {
		log.Printf("cannot release consul key: key=%s session=%s", kvKey, l.sessionID)
	}

	_, err := l.leaser.client.Session().Destroy(l.sessionID, nil)
	if err != nil {
		return fmt.Errorf("destroy consul session: %w", err)
	}
	return nil
}
