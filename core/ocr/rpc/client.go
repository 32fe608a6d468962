package rpc

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"github.com/you-humble/dococr/core/ocr"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

// Dial opens a lazy plaintext connection sized for documents up to maxMsgBytes.
func Dial(addr string, maxMsgBytes int, opts ...grpc.DialOption) (*grpc.ClientConn, error) {
	opts = append([]grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(
			grpc.MaxCallSendMsgSize(maxMsgBytes),
			grpc.MaxCallRecvMsgSize(maxMsgBytes),
		),
	}, opts...)

	conn, err := grpc.NewClient(addr, opts...)
	if err != nil {
		return nil, fmt.Errorf("grpc client %s: %w", addr, err)
	}
	return conn, nil
}

// Client is an ocr.Engine backed by a remote process.
type Client struct {
	name   string
	conn   grpc.ClientConnInterface
	health healthpb.HealthClient
}

func NewClient(name string, conn grpc.ClientConnInterface) *Client {
	return &Client{
		name:   name,
		conn:   conn,
		health: healthpb.NewHealthClient(conn),
	}
}

func (c *Client) Name() string { return c.name }

func (c *Client) Probe(ctx context.Context) (string, error) {
	hc, err := c.health.Check(ctx, &healthpb.HealthCheckRequest{Service: ServiceName})
	if err != nil {
		return "", fmt.Errorf("health check: %w", err)
	}
	if hc.GetStatus() != healthpb.HealthCheckResponse_SERVING {
		return "", fmt.Errorf("engine %s is %s", c.name, hc.GetStatus())
	}

	out := new(structpb.Struct)
	if err := c.conn.Invoke(ctx, infoMethod, &emptypb.Empty{}, out); err != nil {
		return "", fmt.Errorf("info: %w", err)
	}
	return out.GetFields()["version"].GetStringValue(), nil
}

// Extract cannot observe remote page progress; callers see a single jump on completion.
func (c *Client) Extract(ctx context.Context, doc ocr.Document, opts ocr.Options) (ocr.Result, error) {
	md := metadata.Pairs(
		mdFilename, url.QueryEscape(doc.Filename),
		mdContentType, doc.ContentType,
		mdPreprocess, strconv.FormatBool(opts.Preprocess),
	)
	if opts.DPI > 0 {
		md.Set(mdDPI, strconv.Itoa(opts.DPI))
	}
	if len(opts.Languages) > 0 {
		md.Set(mdLanguages, strings.Join(opts.Languages, ","))
	}
	ctx = metadata.NewOutgoingContext(ctx, md)

	var trailer metadata.MD
	out := new(structpb.Struct)
	if err := c.conn.Invoke(ctx, extractMethod, wrapperspb.Bytes(doc.Data), out, grpc.Trailer(&trailer)); err != nil {
		return ocr.Result{}, fromStatus(ctx, err, trailer)
	}

	res, err := decodeResult(out)
	if err != nil {
		return ocr.Result{}, ocr.NewProcessingError(ocr.ReasonEngineFailure, err)
	}
	return res, nil
}

func fromStatus(ctx context.Context, err error, trailer metadata.MD) error {
	if cerr := ctx.Err(); cerr != nil {
		return errors.Join(cerr, err)
	}

	st, _ := status.FromError(err)
	reason := first(trailer, mdReason)
	if reason == "" {
		switch st.Code() {
		case codes.InvalidArgument:
			reason = ocr.ReasonMalformedInput
		case codes.DeadlineExceeded:
			reason = ocr.ReasonTimeout
		case codes.Unavailable:
			reason = ocr.ReasonUnavailable
		default:
			reason = ocr.ReasonEngineFailure
		}
	}
	return ocr.NewProcessingError(reason, errors.New(st.Message()))
}
