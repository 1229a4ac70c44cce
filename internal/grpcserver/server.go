// Package grpcserver exposes the operator surface: period rollover, close-out, pool deactivation,
// region overrides, and payout reconciliation.
package grpcserver

import (
	"context"
	"crypto/subtle"
	"errors"
	"strings"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	"github.com/MarkoPoloResearchLab/rewardpool/internal/regions"
	"github.com/MarkoPoloResearchLab/rewardpool/pkg/ledger"
)

const (
	// ServiceName is the fully qualified gRPC service name.
	ServiceName = "rewardpool.admin.v1.AdminService"

	metadataAuthorization = "authorization"
	bearerPrefix          = "Bearer "

	errorUnauthenticated = "unauthenticated"
	errorUnknownRegion   = "unknown_region"
)

// PeriodOperations drives the monthly lifecycle.
type PeriodOperations interface {
	OpenPeriod(ctx context.Context, period ledger.Period) ([]ledger.RegionPool, error)
	CloseOut(ctx context.Context, country ledger.CountryCode, period ledger.Period) (ledger.ConversionBatch, error)
	CloseOutPeriod(ctx context.Context, period ledger.Period) ([]ledger.ConversionBatch, error)
	Reconcile(ctx context.Context) (int, error)
}

// PoolOperations manages individual pools.
type PoolOperations interface {
	Deactivate(ctx context.Context, country ledger.CountryCode, period ledger.Period) error
	ListPools(ctx context.Context, period ledger.Period) ([]ledger.RegionPool, error)
}

// AccountOperations resolves and reassigns accounts.
type AccountOperations interface {
	Account(ctx context.Context, userID ledger.UserID) (ledger.Account, error)
	OverrideRegion(ctx context.Context, accountID ledger.AccountID, country ledger.CountryCode, currency ledger.CurrencyCode, idempotencyKey ledger.IdempotencyKey, reason string) (ledger.Entry, error)
}

// AdminService is the handler contract registered with grpc.ServiceDesc.
type AdminService interface {
	OpenPeriod(ctx context.Context, request *OpenPeriodRequest) (*PoolsResponse, error)
	ListPools(ctx context.Context, request *ListPoolsRequest) (*PoolsResponse, error)
	CloseOut(ctx context.Context, request *CloseOutRequest) (*CloseOutResponse, error)
	DeactivatePool(ctx context.Context, request *DeactivatePoolRequest) (*Empty, error)
	OverrideRegion(ctx context.Context, request *OverrideRegionRequest) (*OverrideRegionResponse, error)
	Reconcile(ctx context.Context, request *ReconcileRequest) (*ReconcileResponse, error)
}

// AdminServer implements AdminService on top of the ledger components.
type AdminServer struct {
	periods  PeriodOperations
	pools    PoolOperations
	accounts AccountOperations
	catalog  *regions.Catalog
	logger   *zap.Logger
}

// NewAdminServer wires the admin handlers.
func NewAdminServer(periods PeriodOperations, pools PoolOperations, accounts AccountOperations, catalog *regions.Catalog, logger *zap.Logger) (*AdminServer, error) {
	if periods == nil || pools == nil || accounts == nil || catalog == nil {
		return nil, errors.New("grpcserver: missing dependency")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &AdminServer{periods: periods, pools: pools, accounts: accounts, catalog: catalog, logger: logger.Named("admin")}, nil
}

// Register attaches the admin service to a gRPC server.
func Register(server grpc.ServiceRegistrar, admin AdminService) {
	server.RegisterService(&adminServiceDesc, admin)
}

func (server *AdminServer) OpenPeriod(ctx context.Context, request *OpenPeriodRequest) (*PoolsResponse, error) {
	period, err := ledger.NewPeriod(request.Period)
	if err != nil {
		return nil, mapToGRPCError(err)
	}
	pools, err := server.periods.OpenPeriod(ctx, period)
	if err != nil {
		return nil, mapToGRPCError(err)
	}
	return newPoolsResponse(pools), nil
}

func (server *AdminServer) ListPools(ctx context.Context, request *ListPoolsRequest) (*PoolsResponse, error) {
	period, err := ledger.NewPeriod(request.Period)
	if err != nil {
		return nil, mapToGRPCError(err)
	}
	pools, err := server.pools.ListPools(ctx, period)
	if err != nil {
		return nil, mapToGRPCError(err)
	}
	return newPoolsResponse(pools), nil
}

func (server *AdminServer) CloseOut(ctx context.Context, request *CloseOutRequest) (*CloseOutResponse, error) {
	period, err := ledger.NewPeriod(request.Period)
	if err != nil {
		return nil, mapToGRPCError(err)
	}
	if strings.TrimSpace(request.Country) == "" {
		batches, closeErr := server.periods.CloseOutPeriod(ctx, period)
		response := &CloseOutResponse{Batches: make([]Batch, 0, len(batches))}
		for _, batch := range batches {
			response.Batches = append(response.Batches, newBatch(batch))
		}
		if closeErr != nil {
			server.logger.Error("period close-out incomplete", zap.String("period", period.String()), zap.Error(closeErr))
			return nil, mapToGRPCError(closeErr)
		}
		return response, nil
	}
	country, err := ledger.NewCountryCode(request.Country)
	if err != nil {
		return nil, mapToGRPCError(err)
	}
	batch, err := server.periods.CloseOut(ctx, country, period)
	if err != nil {
		return nil, mapToGRPCError(err)
	}
	return &CloseOutResponse{Batches: []Batch{newBatch(batch)}}, nil
}

func (server *AdminServer) DeactivatePool(ctx context.Context, request *DeactivatePoolRequest) (*Empty, error) {
	country, err := ledger.NewCountryCode(request.Country)
	if err != nil {
		return nil, mapToGRPCError(err)
	}
	period, err := ledger.NewPeriod(request.Period)
	if err != nil {
		return nil, mapToGRPCError(err)
	}
	if err := server.pools.Deactivate(ctx, country, period); err != nil {
		return nil, mapToGRPCError(err)
	}
	return &Empty{}, nil
}

func (server *AdminServer) OverrideRegion(ctx context.Context, request *OverrideRegionRequest) (*OverrideRegionResponse, error) {
	userID, err := ledger.NewUserID(request.UserID)
	if err != nil {
		return nil, mapToGRPCError(err)
	}
	country, err := ledger.NewCountryCode(request.Country)
	if err != nil {
		return nil, mapToGRPCError(err)
	}
	idempotencyKey, err := ledger.NewIdempotencyKey(request.IdempotencyKey)
	if err != nil {
		return nil, mapToGRPCError(err)
	}
	region, supported := server.catalog.Lookup(country)
	if !supported {
		return nil, status.Error(codes.InvalidArgument, errorUnknownRegion)
	}
	account, err := server.accounts.Account(ctx, userID)
	if err != nil {
		return nil, mapToGRPCError(err)
	}
	entry, err := server.accounts.OverrideRegion(ctx, account.AccountID, region.Country, region.Currency, idempotencyKey, request.Reason)
	if err != nil {
		return nil, mapToGRPCError(err)
	}
	server.logger.Info("region overridden",
		zap.String("user_id", userID.String()),
		zap.String("country", region.Country.String()),
		zap.String("reason", request.Reason))
	return &OverrideRegionResponse{
		EntryID:      entry.EntryID.String(),
		CountryCode:  region.Country.String(),
		CurrencyCode: region.Currency.String(),
	}, nil
}

func (server *AdminServer) Reconcile(ctx context.Context, _ *ReconcileRequest) (*ReconcileResponse, error) {
	redispatched, err := server.periods.Reconcile(ctx)
	if err != nil {
		return nil, mapToGRPCError(err)
	}
	return &ReconcileResponse{Redispatched: redispatched}, nil
}

func newPoolsResponse(pools []ledger.RegionPool) *PoolsResponse {
	response := &PoolsResponse{Pools: make([]Pool, 0, len(pools))}
	for _, pool := range pools {
		response.Pools = append(response.Pools, newPool(pool))
	}
	return response
}

// TokenInterceptor rejects calls whose bearer token does not match.
func TokenInterceptor(token string) grpc.UnaryServerInterceptor {
	expected := []byte(token)
	return func(ctx context.Context, request any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		incoming, _ := metadata.FromIncomingContext(ctx)
		for _, value := range incoming.Get(metadataAuthorization) {
			presented, found := strings.CutPrefix(value, bearerPrefix)
			if found && len(expected) > 0 && subtle.ConstantTimeCompare([]byte(presented), expected) == 1 {
				return handler(ctx, request)
			}
		}
		return nil, status.Error(codes.Unauthenticated, errorUnauthenticated)
	}
}

type errorMapping struct {
	target error
	code   codes.Code
	reason string
}

var errorMappings = []errorMapping{
	{ledger.ErrInvalidUserID, codes.InvalidArgument, "invalid_user_id"},
	{ledger.ErrInvalidCountryCode, codes.InvalidArgument, "invalid_country_code"},
	{ledger.ErrInvalidPeriod, codes.InvalidArgument, "invalid_period"},
	{ledger.ErrInvalidIdempotencyKey, codes.InvalidArgument, "invalid_idempotency_key"},
	{ledger.ErrUnknownAccount, codes.NotFound, "unknown_account"},
	{ledger.ErrUnknownPool, codes.NotFound, "unknown_pool"},
	{ledger.ErrBatchAlreadyProcessed, codes.FailedPrecondition, "batch_already_processed"},
	{ledger.ErrPoolClosed, codes.FailedPrecondition, "pool_closed"},
	{ledger.ErrPoolInactive, codes.FailedPrecondition, "pool_inactive"},
	{ledger.ErrDuplicateIdempotencyKey, codes.AlreadyExists, "duplicate_idempotency_key"},
	{ledger.ErrLedgerInvariantViolation, codes.DataLoss, "ledger_invariant_violation"},
}

func mapToGRPCError(source error) error {
	for _, mapping := range errorMappings {
		if errors.Is(source, mapping.target) {
			return status.Error(mapping.code, mapping.reason)
		}
	}
	return status.Error(codes.Internal, source.Error())
}
