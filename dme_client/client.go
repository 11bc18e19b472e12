// Package dme_client talks to the Distributed Match Engine: registration,
// FindCloudlet and the dialer for the edge events stream.
package dme_client

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/mobiledgex/edge-cloud-sdk-android/edge_events/edge_errors"
	"github.com/mobiledgex/edge-cloud-sdk-android/edge_events/event_channel"
	"github.com/mobiledgex/edge-cloud-sdk-android/edge_events/protocol"
	log "github.com/sirupsen/logrus"
	"google.golang.org/grpc"
	"google.golang.org/grpc/connectivity"
	"google.golang.org/grpc/credentials/insecure"
)

var (
	ErrNotFound           = errors.New("no cloudlet found")
	ErrRegistrationFailed = errors.New("register client failed")
)

type Config struct {
	Address   string
	OrgName   string
	AppName   string
	AppVers   string
	AuthToken string
	UniqueId  string

	DialRetries    int
	RetryInterval  time.Duration
	AttemptTimeout time.Duration
	CallTimeout    time.Duration
	// DialOptions replace the default insecure transport.
	DialOptions    []grpc.DialOption
}

type Client struct {
	cfg  Config
	conn *grpc.ClientConn
	api  *protocol.MatchEngineApiClient

	mu            sync.RWMutex
	sessionCookie string
}

func (c *Config) applyDefaults() {
	if c.DialRetries <= 0 {
		c.DialRetries = 3
	}
	if c.RetryInterval <= 0 {
		c.RetryInterval = 2 * time.Second
	}
	if c.AttemptTimeout <= 0 {
		c.AttemptTimeout = 10 * time.Second
	}
	if c.CallTimeout <= 0 {
		c.CallTimeout = 10 * time.Second
	}
	if len(c.DialOptions) == 0 {
		c.DialOptions = []grpc.DialOption{grpc.WithTransportCredentials(insecure.NewCredentials())}
	}
}

// NewClient connects to the DME, retrying a few times before giving up.
func NewClient(ctx context.Context, cfg Config) (*Client, error) {
	if cfg.Address == "" {
		return nil, fmt.Errorf("dme address is required")
	}
	cfg.applyDefaults()

	conn, err := grpc.NewClient(cfg.Address, cfg.DialOptions...)
	if err != nil {
		return nil, fmt.Errorf("create dme client for %s: %w", cfg.Address, err)
	}

	for i := 0; i < cfg.DialRetries; i++ {
		if err = waitReady(ctx, conn, cfg.AttemptTimeout); err == nil {
			break
		}
		log.Warningf("[DmeClient] connect attempt failed, address:%s, attempt:%d/%d, err:%v", cfg.Address, i+1, cfg.DialRetries, err)
		if ctx.Err() != nil {
			break
		}
		if i < cfg.DialRetries-1 {
			select {
			case <-time.After(cfg.RetryInterval):
			case <-ctx.Done():
			}
		}
	}
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to connect to dme %s after %d retries: %w", cfg.Address, cfg.DialRetries, err)
	}

	log.Infof("[DmeClient] connected, address:%s", cfg.Address)
	return &Client{cfg: cfg, conn: conn, api: protocol.NewMatchEngineApiClient(conn)}, nil
}

func waitReady(ctx context.Context, conn *grpc.ClientConn, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	conn.Connect()
	for {
		state := conn.GetState()
		if state == connectivity.Ready {
			return nil
		}
		if !conn.WaitForStateChange(ctx, state) {
			return fmt.Errorf("connection not ready, state:%s: %w", state, ctx.Err())
		}
	}
}

// RegisterClient registers the app and keeps the session cookie.
func (c *Client) RegisterClient(ctx context.Context) (*protocol.RegisterClientReply, error) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.CallTimeout)
	defer cancel()
	reply, err := c.api.RegisterClient(ctx, &protocol.RegisterClientRequest{
		OrgName:   c.cfg.OrgName,
		AppName:   c.cfg.AppName,
		AppVers:   c.cfg.AppVers,
		AuthToken: c.cfg.AuthToken,
		UniqueId:  c.cfg.UniqueId,
	})
	if err != nil {
		return nil, fmt.Errorf("register client: %w", err)
	}
	if reply.Status != protocol.RegisterSuccess || reply.SessionCookie == "" {
		return nil, fmt.Errorf("%w: status %d", ErrRegistrationFailed, reply.Status)
	}

	c.mu.Lock()
	c.sessionCookie = reply.SessionCookie
	c.mu.Unlock()
	log.Infof("[DmeClient] registered, org:%s, app:%s, version:%s", c.cfg.OrgName, c.cfg.AppName, c.cfg.AppVers)
	return reply, nil
}

func (c *Client) SessionCookie() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.sessionCookie
}

// SetSessionCookie restores a cookie saved by an earlier run.
func (c *Client) SetSessionCookie(cookie string) {
	c.mu.Lock()
	c.sessionCookie = cookie
	c.mu.Unlock()
}

// FindCloudlet asks the DME for the best cloudlet. The criteria's cookie
// wins over the registered one.
func (c *Client) FindCloudlet(ctx context.Context, criteria protocol.FindCloudletCriteria) (*protocol.FindCloudletResult, error) {
	const op = "FindCloudlet"
	cookie := criteria.SessionCookie
	if cookie == "" {
		cookie = c.SessionCookie()
	}
	if cookie == "" {
		return nil, edge_errors.New(op, edge_errors.CodeMissingSessionCookie, nil)
	}

	ctx, cancel := context.WithTimeout(ctx, c.cfg.CallTimeout)
	defer cancel()
	reply, err := c.api.FindCloudlet(ctx, &protocol.FindCloudletRequest{
		SessionCookie: cookie,
		CarrierName:   criteria.CarrierName,
		GpsLocation:   criteria.Location,
	})
	if err != nil {
		return nil, fmt.Errorf("find cloudlet: %w", err)
	}
	if reply.Status != protocol.FindFound {
		return nil, ErrNotFound
	}
	log.Infof("[DmeClient] cloudlet found, fqdn:%s, mode:%s", reply.Fqdn, criteria.Mode)
	return &protocol.FindCloudletResult{Reply: reply, Mode: criteria.Mode, ResolvedAt: time.Now()}, nil
}

// Dialer opens edge events streams with the same transport settings.
func (c *Client) Dialer() event_channel.Dialer {
	return event_channel.NewGrpcDialer(c.cfg.DialOptions...)
}

func (c *Client) Address() string { return c.cfg.Address }

func (c *Client) Close() error {
	return c.conn.Close()
}
