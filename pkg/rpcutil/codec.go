package rpcutil

import (
	"context"
	"encoding/json"

	grpcmiddleware "github.com/grpc-ecosystem/go-grpc-middleware"
	grpczap "github.com/grpc-ecosystem/go-grpc-middleware/logging/zap"
	grpcrecovery "github.com/grpc-ecosystem/go-grpc-middleware/recovery"
	"github.com/pingcap/log"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"google.golang.org/grpc"
	"google.golang.org/grpc/backoff"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/encoding"
	"google.golang.org/grpc/status"
)

// CodecName is the content subtype of every rpc of the scheduler.
const CodecName = "json"

// jsonCodec encodes rpc messages as json, so plain go structs serve as
// request and response types.
type jsonCodec struct{}

func (jsonCodec) Marshal(v interface{}) ([]byte, error) {
	return json.Marshal(v)
}

func (jsonCodec) Unmarshal(data []byte, v interface{}) error {
	return json.Unmarshal(data, v)
}

func (jsonCodec) Name() string {
	return CodecName
}

func init() {
	encoding.RegisterCodec(jsonCodec{})
}

// DialOptions returns the options to dial a scheduler rpc server.
func DialOptions() []grpc.DialOption {
	return []grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(grpc.ForceCodec(jsonCodec{})),
		grpc.WithConnectParams(grpc.ConnectParams{Backoff: backoff.DefaultConfig}),
	}
}

// ServerOptions returns the options of a scheduler rpc server. Handler
// panics are turned into Internal errors and every call is logged.
func ServerOptions() []grpc.ServerOption {
	recoveryOpt := grpcrecovery.WithRecoveryHandler(func(p interface{}) error {
		log.L().Error("rpc handler panicked", zap.Any("panic", p), zap.Stack("stack"))
		return status.Errorf(codes.Internal, "panic: %v", p)
	})
	return []grpc.ServerOption{
		grpc.ForceServerCodec(jsonCodec{}),
		grpc.UnaryInterceptor(grpcmiddleware.ChainUnaryServer(
			grpcrecovery.UnaryServerInterceptor(recoveryOpt),
			grpczap.UnaryServerInterceptor(log.L(), grpczap.WithLevels(codeToLevel)),
		)),
	}
}

func codeToLevel(code codes.Code) zapcore.Level {
	if code == codes.OK {
		return zap.DebugLevel
	}
	return grpczap.DefaultCodeToLevel(code)
}

// UnaryMethod builds the descriptor of a unary method of service S.
func UnaryMethod[S any, Req any, Resp any](
	service, method string,
	call func(S, context.Context, *Req) (*Resp, error),
) grpc.MethodDesc {
	fullMethod := "/" + service + "/" + method
	return grpc.MethodDesc{
		MethodName: method,
		Handler: func(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
			in := new(Req)
			if err := dec(in); err != nil {
				return nil, err
			}
			if interceptor == nil {
				return call(srv.(S), ctx, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod}
			handler := func(ctx context.Context, req interface{}) (interface{}, error) {
				return call(srv.(S), ctx, req.(*Req))
			}
			return interceptor(ctx, in, info, handler)
		},
	}
}

// Invoke calls the unary method of service on cc.
func Invoke[Req any, Resp any](
	ctx context.Context, cc grpc.ClientConnInterface, service, method string, in *Req, opts ...grpc.CallOption,
) (*Resp, error) {
	out := new(Resp)
	if err := cc.Invoke(ctx, "/"+service+"/"+method, in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}
