package rpcutil

import (
	"context"
	"io"
	"strings"
	"sync"

	"github.com/pingcap/log"
	"go.uber.org/zap"
	"google.golang.org/grpc"

	"github.com/hanfei1991/dagsched/pkg/errors"
)

// failoverRpcClientType should be limited to rpc client types, but golang can't
// let us do it. So we left an alias to any.
type failoverRpcClientType any

// clientHolder groups a RPC client and it's closing function.
type clientHolder[T failoverRpcClientType] struct {
	conn   io.Closer
	client T
}

// DialFunc dials addr and returns the client with the connection to close.
type DialFunc[T failoverRpcClientType] func(ctx context.Context, addr string) (T, io.Closer, error)

// FailoverRpcClients holds one client per supervisor. An RPC can be served
// by any of them.
type FailoverRpcClients[T failoverRpcClientType] struct {
	urls        []string
	leader      string
	clientsLock sync.RWMutex
	clients     map[string]*clientHolder[T]
	dialer      DialFunc[T]
}

func NewFailoverRpcClients[T failoverRpcClientType](
	ctx context.Context,
	urls []string,
	dialer DialFunc[T],
) (*FailoverRpcClients[T], error) {
	ret := &FailoverRpcClients[T]{
		clients: make(map[string]*clientHolder[T]),
		dialer:  dialer,
	}
	err := ret.init(ctx, urls)
	if err != nil {
		return nil, err
	}
	ret.leader = ret.urls[0]
	return ret, nil
}

func (c *FailoverRpcClients[T]) init(ctx context.Context, urls []string) error {
	c.UpdateClients(ctx, urls, "")
	if len(c.clients) == 0 {
		return errors.ErrGrpcBuildConn.GenWithStackByArgs(strings.Join(urls, ","))
	}
	return nil
}

// UpdateClients receives the supervisor addresses, dials the new ones and
// closes the clients of the addresses that disappeared.
func (c *FailoverRpcClients[T]) UpdateClients(ctx context.Context, urls []string, leaderURL string) {
	c.clientsLock.Lock()
	defer c.clientsLock.Unlock()

	c.leader = leaderURL

	notFound := make(map[string]struct{}, len(c.clients))
	for addr := range c.clients {
		notFound[addr] = struct{}{}
	}

	for _, addr := range urls {
		addr = strings.TrimPrefix(addr, "http://")
		delete(notFound, addr)
		if _, ok := c.clients[addr]; !ok {
			log.L().Info("add new supervisor client", zap.String("addr", addr))
			cli, conn, err := c.dialer(ctx, addr)
			if err != nil {
				log.L().Warn("dial to supervisor failed", zap.String("addr", addr), zap.Error(err))
				continue
			}
			c.urls = append(c.urls, addr)
			c.clients[addr] = &clientHolder[T]{conn: conn, client: cli}
		}
	}

	for k := range notFound {
		if conn := c.clients[k].conn; conn != nil {
			if err := conn.Close(); err != nil {
				log.L().Warn("close supervisor client failed", zap.String("addr", k), zap.Error(err))
			}
		}
		delete(c.clients, k)
	}
}

// Leader returns the address reported as leader, if any.
func (c *FailoverRpcClients[T]) Leader() string {
	c.clientsLock.RLock()
	defer c.clientsLock.RUnlock()
	return c.leader
}

// Close closes every client.
func (c *FailoverRpcClients[T]) Close() {
	c.UpdateClients(context.Background(), nil, "")
}

// DoFailoverRPC calls RPC on given clients one by one until one succeeds.
// It should be a method of FailoverRpcClients, but golang can't let us do it, so
// we use a public function.
func DoFailoverRPC[
	C failoverRpcClientType,
	Req any,
	Resp any,
	F func(C, context.Context, Req, ...grpc.CallOption) (Resp, error),
](
	ctx context.Context,
	clients *FailoverRpcClients[C],
	req Req,
	rpc F,
) (Resp, error) {
	clients.clientsLock.RLock()
	defer clients.clientsLock.RUnlock()

	var (
		resp Resp
		err  error
	)

	if len(clients.clients) == 0 {
		return resp, errors.ErrGrpcBuildConn.GenWithStackByArgs("any supervisor")
	}
	for _, cli := range clients.clients {
		resp, err = rpc(cli.client, ctx, req)
		if err == nil {
			return resp, nil
		}
	}
	return resp, err
}
