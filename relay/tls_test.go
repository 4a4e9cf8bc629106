package relay

import (
	"context"
	"testing"
	"time"

	"github.com/geoweaver/gwrelay/delivery"
	"github.com/geoweaver/gwrelay/history"
	"github.com/geoweaver/gwrelay/history/memstore"
	inet "github.com/geoweaver/gwrelay/internal/net"
	"github.com/hashicorp/go-retryablehttp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func startTLSServer(t *testing.T, certs *Certs) (*Server, string) {
	addr, err := inet.FreeLoopbackAddr()
	require.NoError(t, err)
	tlsConfig, err := certs.ServerTLSConfig()
	require.NoError(t, err)
	s, err := NewServer(
		history.NewManager(memstore.New(), nil),
		WithLogger(zaptest.NewLogger(t)),
		WithListenAddr(addr),
		WithTLSConfig(tlsConfig),
	)
	require.NoError(t, err)

	go s.Run()
	t.Cleanup(func() {
		assert.NoError(t, s.Stop())
	})
	return s, "https://" + addr
}

func newTLSClient(t *testing.T, certs *Certs, url string, opts ...ClientOption) *Client {
	tlsConfig, err := certs.ClientTLSConfig()
	require.NoError(t, err)
	opts = append(opts, WithClientTLSConfig(tlsConfig), WithClientWaitInterval(10*time.Millisecond))
	return NewClient(zaptest.NewLogger(t).Sugar(), url, opts...)
}

func TestMutualTLS(t *testing.T) {
	certs, err := GenerateCerts("127.0.0.1", "localhost")
	require.NoError(t, err)
	s, url := startTLSServer(t, certs)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	client := newTLSClient(t, certs, url)
	require.NoError(t, client.WaitForServer(ctx))

	s.Sessions().Enqueue("tok", delivery.Format("h1", "over tls"))
	msgs, err := client.Poll(ctx, "tok", 0)
	require.NoError(t, err)
	assert.Equal(t, []Message{{RecordID: "h1", Payload: "over tls"}}, msgs)

	got := make(chan Message, 1)
	go client.Watch(ctx, "tok", func(m Message) bool {
		got <- m
		return false
	})
	require.Eventually(t, func() bool {
		_, ok := s.Sessions().Find("tok")
		return ok
	}, 5*time.Second, 10*time.Millisecond)
	s.Sessions().Send(ctx, "tok", delivery.Format("h1", "pushed"))
	select {
	case m := <-got:
		assert.Equal(t, "pushed", m.Payload)
	case <-ctx.Done():
		t.Fatal("no pushed message over TLS")
	}
}

func TestMutualTLSRejectsUnknownClient(t *testing.T) {
	serverCerts, err := GenerateCerts("127.0.0.1")
	require.NoError(t, err)
	_, url := startTLSServer(t, serverCerts)

	// trusts the server but presents a client cert from another CA
	otherCerts, err := GenerateCerts("127.0.0.1")
	require.NoError(t, err)
	otherCerts.CACertPEM = serverCerts.CACertPEM

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	good := newTLSClient(t, serverCerts, url)
	require.NoError(t, good.WaitForServer(ctx))

	bad := newTLSClient(t, otherCerts, url, WithCustomizeRetryableClient(func(r *retryablehttp.Client) {
		r.RetryMax = 0
	}))
	assert.Error(t, bad.SendHeartbeat(ctx))
}

func TestCertsDir(t *testing.T) {
	certs, err := GenerateCerts("localhost")
	require.NoError(t, err)
	dir := t.TempDir()
	require.NoError(t, certs.WriteDir(dir))

	read, err := ReadCertsDir(dir)
	require.NoError(t, err)
	assert.Equal(t, certs, read)

	_, err = read.ServerTLSConfig()
	assert.NoError(t, err)
	_, err = read.ClientTLSConfig()
	assert.NoError(t, err)
}
