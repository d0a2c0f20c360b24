// Command toolrund is a demo Tool Protocol server (spec.md §4.9): it hosts
// a small registry of canned tools over gRPC so orchestratord's tool_proto
// client has something to invoke without a real external agent runtime.
// Not part of production wiring — orchestratord only dials it when
// tool_proto.addr is explicitly configured.
package main

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"net"
	"os"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"

	"github.com/anumate/orchestrator/internal/toolproto"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "toolrund:", err)
		os.Exit(1)
	}
}

func run() error {
	logger, err := zap.NewProduction()
	if err != nil {
		return fmt.Errorf("build logger: %w", err)
	}
	defer logger.Sync()

	addr := os.Getenv("TOOLRUND_ADDR")
	if addr == "" {
		addr = ":9090"
	}

	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", addr, err)
	}

	grpcServer := grpc.NewServer()
	toolproto.RegisterToolProtocolServer(grpcServer, toolproto.NewServer(demoRegistry{}, logger))

	logger.Info("toolrund listening", zap.String("addr", addr))
	return grpcServer.Serve(lis)
}

// demoRegistry implements toolproto.Handler with a handful of named demo
// tools plus an echo fallback, standing in for the real agent runtime this
// package is a client for.
type demoRegistry struct{}

func (demoRegistry) Invoke(ctx context.Context, tool string, params map[string]any) (map[string]any, error) {
	switch tool {
	case "fail_tool":
		return nil, errors.New("demo tool configured to always fail")
	case "sleep_tool":
		delay := 100 * time.Millisecond
		if ms, ok := params["delay_ms"].(float64); ok {
			delay = time.Duration(ms) * time.Millisecond
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(delay):
		}
		return map[string]any{"tool": tool, "slept_ms": delay.Milliseconds()}, nil
	case "random_tool":
		return map[string]any{"tool": tool, "value": rand.Intn(100)}, nil
	default:
		out := make(map[string]any, len(params)+1)
		for k, v := range params {
			out[k] = v
		}
		out["tool"] = tool
		return out, nil
	}
}
