package rpcutil

import (
	"context"
	"net"
	"testing"

	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"
)

type echoRequest struct {
	Text string `json:"text"`
}

type echoResponse struct {
	Text  string `json:"text"`
	Count int    `json:"count"`
}

type echoServer interface {
	Echo(context.Context, *echoRequest) (*echoResponse, error)
	Crash(context.Context, *echoRequest) (*echoResponse, error)
}

type echoImpl struct {
	count int
}

func (e *echoImpl) Echo(_ context.Context, req *echoRequest) (*echoResponse, error) {
	e.count++
	return &echoResponse{Text: req.Text, Count: e.count}, nil
}

func (e *echoImpl) Crash(context.Context, *echoRequest) (*echoResponse, error) {
	panic("crash")
}

const echoService = "dagsched.test.Echo"

var echoServiceDesc = grpc.ServiceDesc{
	ServiceName: echoService,
	HandlerType: (*echoServer)(nil),
	Methods: []grpc.MethodDesc{
		UnaryMethod(echoService, "Echo", echoServer.Echo),
		UnaryMethod(echoService, "Crash", echoServer.Crash),
	},
}

func TestJSONCodecRoundTrip(t *testing.T) {
	t.Parallel()

	lis := bufconn.Listen(1 << 20)
	srv := grpc.NewServer(ServerOptions()...)
	srv.RegisterService(&echoServiceDesc, &echoImpl{})
	go func() {
		_ = srv.Serve(lis)
	}()
	defer srv.Stop()

	opts := append(DialOptions(), grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
		return lis.DialContext(ctx)
	}))
	conn, err := grpc.Dial("bufnet", opts...)
	require.NoError(t, err)
	defer conn.Close()

	ctx := context.Background()
	resp, err := Invoke[echoRequest, echoResponse](ctx, conn, echoService, "Echo", &echoRequest{Text: "hi"})
	require.NoError(t, err)
	require.Equal(t, "hi", resp.Text)
	require.Equal(t, 1, resp.Count)

	_, err = Invoke[echoRequest, echoResponse](ctx, conn, echoService, "Crash", &echoRequest{})
	require.Error(t, err)
	require.Equal(t, codes.Internal, status.Code(err))

	_, err = Invoke[echoRequest, echoResponse](ctx, conn, echoService, "Missing", &echoRequest{})
	require.Equal(t, codes.Unimplemented, status.Code(err))
}
