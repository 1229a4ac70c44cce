package grpcserver

import (
	"context"
	"fmt"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"
)

// AdminClient calls a running daemon's admin service.
type AdminClient struct {
	conn  *grpc.ClientConn
	token string
}

// DialAdmin connects to target using the JSON codec. Extra options are appended, which lets tests
// inject a dialer.
func DialAdmin(target string, token string, options ...grpc.DialOption) (*AdminClient, error) {
	dialOptions := append([]grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(grpc.CallContentSubtype(CodecName)),
	}, options...)
	conn, err := grpc.NewClient(target, dialOptions...)
	if err != nil {
		return nil, fmt.Errorf("dial admin %s: %w", target, err)
	}
	return &AdminClient{conn: conn, token: token}, nil
}

// Close releases the connection.
func (client *AdminClient) Close() error {
	return client.conn.Close()
}

func (client *AdminClient) invoke(ctx context.Context, method string, request any, response any) error {
	ctx = metadata.AppendToOutgoingContext(ctx, metadataAuthorization, bearerPrefix+client.token)
	return client.conn.Invoke(ctx, fullMethod(method), request, response)
}

func call[Response any](ctx context.Context, client *AdminClient, method string, request any) (*Response, error) {
	response := new(Response)
	if err := client.invoke(ctx, method, request, response); err != nil {
		return nil, err
	}
	return response, nil
}

func (client *AdminClient) OpenPeriod(ctx context.Context, request *OpenPeriodRequest) (*PoolsResponse, error) {
	return call[PoolsResponse](ctx, client, "OpenPeriod", request)
}

func (client *AdminClient) ListPools(ctx context.Context, request *ListPoolsRequest) (*PoolsResponse, error) {
	return call[PoolsResponse](ctx, client, "ListPools", request)
}

func (client *AdminClient) CloseOut(ctx context.Context, request *CloseOutRequest) (*CloseOutResponse, error) {
	return call[CloseOutResponse](ctx, client, "CloseOut", request)
}

func (client *AdminClient) DeactivatePool(ctx context.Context, request *DeactivatePoolRequest) (*Empty, error) {
	return call[Empty](ctx, client, "DeactivatePool", request)
}

func (client *AdminClient) OverrideRegion(ctx context.Context, request *OverrideRegionRequest) (*OverrideRegionResponse, error) {
	return call[OverrideRegionResponse](ctx, client, "OverrideRegion", request)
}

func (client *AdminClient) Reconcile(ctx context.Context, request *ReconcileRequest) (*ReconcileResponse, error) {
	return call[ReconcileResponse](ctx, client, "Reconcile", request)
}
