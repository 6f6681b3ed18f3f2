package rpcutil

import (
	"context"
	"io"
	"testing"

	"github.com/pingcap/errors"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
)

type Request struct{}
type Response struct{}

var (
	req *Request = nil
)

type mockRPCClient struct {
	cnt int
}

func (c *mockRPCClient) MockRPC(ctx context.Context, req *Request, opts ...grpc.CallOption) (*Response, error) {
	c.cnt++
	return nil, nil
}

func (c *mockRPCClient) MockFailRPC(ctx context.Context, req *Request, opts ...grpc.CallOption) (*Response, error) {
	c.cnt++
	return nil, errors.New("mock fail")
}

type closeCounter struct {
	closed int
}

func (c *closeCounter) Close() error {
	c.closed++
	return nil
}

func TestFailoverRpcClients(t *testing.T) {
	t.Parallel()

	testClient := &mockRPCClient{}
	conns := &closeCounter{}
	dial := func(_ context.Context, addr string) (*mockRPCClient, io.Closer, error) {
		if addr == "bad" {
			return nil, nil, errors.New("refused")
		}
		return testClient, conns, nil
	}

	ctx := context.Background()
	clients, err := NewFailoverRpcClients(ctx, []string{"url1", "http://url2", "bad"}, dial)
	require.NoError(t, err)
	require.Equal(t, "url1", clients.Leader())
	_, err = DoFailoverRPC(ctx, clients, req, (*mockRPCClient).MockRPC)
	require.NoError(t, err)
	require.Equal(t, 1, testClient.cnt)

	// reset
	testClient.cnt = 0
	_, err = DoFailoverRPC(ctx, clients, req, (*mockRPCClient).MockFailRPC)
	require.Error(t, err)
	require.Equal(t, 2, testClient.cnt)

	clients.UpdateClients(ctx, []string{"url1", "url2", "url3"}, "url3")
	testClient.cnt = 0
	_, err = DoFailoverRPC(ctx, clients, req, (*mockRPCClient).MockFailRPC)
	require.Error(t, err)
	require.Equal(t, 3, testClient.cnt)
	require.Equal(t, "url3", clients.Leader())

	clients.UpdateClients(ctx, []string{"url1"}, "")
	require.Equal(t, 2, conns.closed)
	clients.Close()
	require.Equal(t, 3, conns.closed)
}

func TestNoReachableClient(t *testing.T) {
	t.Parallel()

	dial := func(context.Context, string) (*mockRPCClient, io.Closer, error) {
		return nil, nil, errors.New("refused")
	}
	_, err := NewFailoverRpcClients(context.Background(), []string{"a", "b"}, dial)
	require.Error(t, err)
}
