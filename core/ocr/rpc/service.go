// Package rpc exposes an ocr.Engine over gRPC and consumes remote ones.
//
// The wire contract uses well-known protobuf types only, so sidecars written
// in other languages can implement it without shared generated code:
//
//	/dococr.ocr.v1.Engine/Extract  google.protobuf.BytesValue -> google.protobuf.Struct
//	/dococr.ocr.v1.Engine/Info     google.protobuf.Empty      -> google.protobuf.Struct
//
// Extraction options travel as request metadata; the failure reason of a
// rejected document comes back in the x-ocr-reason trailer.
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
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

const (
	ServiceName   = "dococr.ocr.v1.Engine"
	extractMethod = "/" + ServiceName + "/Extract"
	infoMethod    = "/" + ServiceName + "/Info"

	mdFilename    = "x-ocr-filename"
	mdContentType = "x-ocr-content-type"
	mdDPI         = "x-ocr-dpi"
	mdPreprocess  = "x-ocr-preprocess"
	mdLanguages   = "x-ocr-languages"
	mdReason      = "x-ocr-reason"
)

var serviceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*ocr.Engine)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Extract", Handler: extractHandler},
		{MethodName: "Info", Handler: infoHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "dococr/ocr/v1/engine",
}

// Register serves eng on s under ServiceName.
func Register(s grpc.ServiceRegistrar, eng ocr.Engine) {
	s.RegisterService(&serviceDesc, eng)
}

func extractHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(wrapperspb.BytesValue)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return extract(ctx, srv.(ocr.Engine), in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: extractMethod}
	handler := func(ctx context.Context, req any) (any, error) {
		return extract(ctx, srv.(ocr.Engine), req.(*wrapperspb.BytesValue))
	}
	return interceptor(ctx, in, info, handler)
}

func infoHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(emptypb.Empty)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return describe(ctx, srv.(ocr.Engine))
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: infoMethod}
	handler := func(ctx context.Context, _ any) (any, error) {
		return describe(ctx, srv.(ocr.Engine))
	}
	return interceptor(ctx, in, info, handler)
}

func extract(ctx context.Context, eng ocr.Engine, in *wrapperspb.BytesValue) (*structpb.Struct, error) {
	md, _ := metadata.FromIncomingContext(ctx)
	filename, err := url.QueryUnescape(first(md, mdFilename))
	if err != nil {
		return nil, status.Errorf(codes.InvalidArgument, "bad %s: %v", mdFilename, err)
	}
	doc := ocr.Document{
		Filename:    filename,
		ContentType: first(md, mdContentType),
		Data:        in.GetValue(),
	}
	opts := ocr.Options{
		Preprocess: first(md, mdPreprocess) == "true",
	}
	if v := first(md, mdDPI); v != "" {
		dpi, err := strconv.Atoi(v)
		if err != nil {
			return nil, status.Errorf(codes.InvalidArgument, "bad %s: %v", mdDPI, err)
		}
		opts.DPI = dpi
	}
	if v := first(md, mdLanguages); v != "" {
		opts.Languages = strings.Split(v, ",")
	}

	res, err := eng.Extract(ctx, doc, opts)
	if err != nil {
		return nil, toStatus(ctx, err)
	}

	out, err := encodeResult(res)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "encode result: %v", err)
	}
	return out, nil
}

func describe(ctx context.Context, eng ocr.Engine) (*structpb.Struct, error) {
	version, err := eng.Probe(ctx)
	if err != nil {
		return nil, status.Errorf(codes.Unavailable, "probe %s: %v", eng.Name(), err)
	}
	return structpb.NewStruct(map[string]any{
		"name":    eng.Name(),
		"version": version,
	})
}

func toStatus(ctx context.Context, err error) error {
	if errors.Is(err, context.Canceled) {
		return status.Error(codes.Canceled, err.Error())
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return status.Error(codes.DeadlineExceeded, err.Error())
	}

	reason := ocr.ReasonOf(err)
	_ = grpc.SetTrailer(ctx, metadata.Pairs(mdReason, reason))

	switch reason {
	case ocr.ReasonMalformedInput, ocr.ReasonUnsupportedFormat:
		return status.Error(codes.InvalidArgument, err.Error())
	case ocr.ReasonTimeout:
		return status.Error(codes.DeadlineExceeded, err.Error())
	case ocr.ReasonUnavailable:
		return status.Error(codes.Unavailable, err.Error())
	default:
		return status.Error(codes.Internal, err.Error())
	}
}

func encodeResult(res ocr.Result) (*structpb.Struct, error) {
	pages := make([]any, 0, len(res.Pages))
	for _, p := range res.Pages {
		pages = append(pages, map[string]any{
			"number":     p.Number,
			"text":       p.Text,
			"confidence": p.Confidence,
		})
	}
	return structpb.NewStruct(map[string]any{
		"engine_version": res.EngineVersion,
		"pages":          pages,
	})
}

func decodeResult(s *structpb.Struct) (ocr.Result, error) {
	fields := s.GetFields()
	res := ocr.Result{EngineVersion: fields["engine_version"].GetStringValue()}

	list := fields["pages"].GetListValue()
	if list == nil {
		return ocr.Result{}, fmt.Errorf("response has no pages list")
	}
	for i, v := range list.GetValues() {
		page := v.GetStructValue()
		if page == nil {
			return ocr.Result{}, fmt.Errorf("page %d is not an object", i)
		}
		pf := page.GetFields()
		res.Pages = append(res.Pages, ocr.Page{
			Number:     int(pf["number"].GetNumberValue()),
			Text:       pf["text"].GetStringValue(),
			Confidence: pf["confidence"].GetNumberValue(),
		})
	}
	return res, nil
}

func first(md metadata.MD, key string) string {
	if v := md.Get(key); len(v) > 0 {
		return v[0]
	}
	return ""
}
