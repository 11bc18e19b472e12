package dme_client

import (
	"context"
	"testing"
	"time"

	"github.com/mobiledgex/edge-cloud-sdk-android/edge_events/edge_errors"
	"github.com/mobiledgex/edge-cloud-sdk-android/edge_events/fake_dme"
	"github.com/mobiledgex/edge-cloud-sdk-android/edge_events/protocol"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(t *testing.T, srv *fake_dme.Server) *Client {
	t.Helper()
	c, err := NewClient(context.Background(), Config{
		Address:     fake_dme.Target,
		OrgName:     "MobiledgeX",
		AppName:     "edge-app",
		AppVers:     "1.0",
		DialOptions: srv.DialOptions(),
	})
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return c
}

func TestNewClientRequiresAddress(t *testing.T) {
	_, err := NewClient(context.Background(), Config{})
	assert.Error(t, err)
}

func TestNewClientRetriesThenFails(t *testing.T) {
	srv := fake_dme.Start()
	opts := srv.DialOptions()
	srv.Stop()

	start := time.Now()
	_, err := NewClient(context.Background(), Config{
		Address:        fake_dme.Target,
		DialRetries:    2,
		RetryInterval:  10 * time.Millisecond,
		AttemptTimeout: 50 * time.Millisecond,
		DialOptions:    opts,
	})
	assert.Error(t, err)
	assert.Less(t, time.Since(start), 2*time.Second)
}

func TestRegisterClient(t *testing.T) {
	srv := fake_dme.Start()
	defer srv.Stop()
	c := newTestClient(t, srv)

	assert.Empty(t, c.SessionCookie())
	reply, err := c.RegisterClient(context.Background())
	require.NoError(t, err)
	assert.Equal(t, protocol.RegisterSuccess, reply.Status)
	assert.Equal(t, fake_dme.SessionCookie, c.SessionCookie())
}

func TestRegisterClientRejected(t *testing.T) {
	srv := fake_dme.Start()
	defer srv.Stop()
	c, err := NewClient(context.Background(), Config{Address: fake_dme.Target, DialOptions: srv.DialOptions()})
	require.NoError(t, err)
	defer c.Close()

	_, err = c.RegisterClient(context.Background())
	assert.Error(t, err)
	assert.Empty(t, c.SessionCookie())
}

func TestFindCloudlet(t *testing.T) {
	srv := fake_dme.Start(&protocol.FindCloudletReply{
		Status:           protocol.FindFound,
		Fqdn:             "cloudlet-a.example.com",
		EdgeEventsCookie: "ee-a",
	})
	defer srv.Stop()
	c := newTestClient(t, srv)

	_, err := c.FindCloudlet(context.Background(), protocol.FindCloudletCriteria{})
	assert.ErrorIs(t, err, edge_errors.ErrMissingSessionCookie)

	_, err = c.RegisterClient(context.Background())
	require.NoError(t, err)

	result, err := c.FindCloudlet(context.Background(), protocol.FindCloudletCriteria{
		Location: &protocol.Loc{Latitude: 1, Longitude: 2},
		Mode:     protocol.ModePerformance,
	})
	require.NoError(t, err)
	assert.Equal(t, "cloudlet-a.example.com", result.Fqdn())
	assert.Equal(t, "ee-a", result.EdgeEventsCookie())
	assert.Equal(t, protocol.ModePerformance, result.Mode)
	assert.False(t, result.ResolvedAt.IsZero())
	assert.Equal(t, 1, srv.FindCloudletCalls())

	_, err = c.FindCloudlet(context.Background(), protocol.FindCloudletCriteria{SessionCookie: "stale"})
	assert.Error(t, err)
}

func TestFindCloudletNotFound(t *testing.T) {
	srv := fake_dme.Start()
	defer srv.Stop()
	c := newTestClient(t, srv)
	c.SetSessionCookie(fake_dme.SessionCookie)

	_, err := c.FindCloudlet(context.Background(), protocol.FindCloudletCriteria{})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestDialerOpensStream(t *testing.T) {
	srv := fake_dme.Start()
	defer srv.Stop()
	c := newTestClient(t, srv)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	ch, err := c.Dialer().Dial(ctx, c.Address())
	require.NoError(t, err)
	defer ch.Close()

	require.NoError(t, ch.Send(ctx, &protocol.ClientEdgeEvent{EventType: protocol.ClientEventInitConnection, SessionCookie: "x"}))
	ev, err := ch.Recv()
	require.NoError(t, err)
	assert.Equal(t, protocol.ServerEventInitConnection, ev.EventType)
}
