package service

import (
	"bytes"
	"context"
	"log/slog"
	"strings"
	"testing"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
)

var info = &grpc.UnaryServerInfo{FullMethod: "/dococr.ocr.v1.Engine/Extract"}

func TestRecoveryTurnsPanicIntoInternal(t *testing.T) {
	var buf bytes.Buffer
	intercept := RecoveryUnaryInterceptor(slog.New(slog.NewTextHandler(&buf, nil)))

	_, err := intercept(context.Background(), nil, info, func(ctx context.Context, req any) (any, error) {
		panic("boom")
	})
	if status.Code(err) != codes.Internal {
		t.Fatalf("code = %v, want Internal", status.Code(err))
	}
	if !strings.Contains(buf.String(), "panic recovered") || !strings.Contains(buf.String(), "boom") {
		t.Fatalf("log = %q", buf.String())
	}
}

func TestLoggingRecordsOutcome(t *testing.T) {
	var buf bytes.Buffer
	intercept := UnaryLoggingInterceptor(slog.New(slog.NewTextHandler(&buf, nil)))

	ctx := metadata.NewIncomingContext(context.Background(), metadata.Pairs(filenameKey, "scan.png"))
	resp, err := intercept(ctx, nil, info, func(ctx context.Context, req any) (any, error) {
		return "ok", nil
	})
	if err != nil || resp != "ok" {
		t.Fatalf("resp = %v, err = %v", resp, err)
	}
	if out := buf.String(); !strings.Contains(out, "level=INFO") || !strings.Contains(out, "file_name=scan.png") || !strings.Contains(out, "code=OK") {
		t.Fatalf("log = %q", out)
	}

	buf.Reset()
	_, err = intercept(context.Background(), nil, info, func(ctx context.Context, req any) (any, error) {
		return nil, status.Error(codes.InvalidArgument, "bad document")
	})
	if status.Code(err) != codes.InvalidArgument {
		t.Fatalf("err = %v", err)
	}
	if out := buf.String(); !strings.Contains(out, "level=WARN") || !strings.Contains(out, "code=InvalidArgument") {
		t.Fatalf("log = %q", out)
	}
}
