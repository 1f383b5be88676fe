// Package poller implements the upstream side of the gateway: a resilient
// ChirpStack client that probes server liveness, enumerates devices,
// fetches per-device metric series on a fixed period, and projects the
// latest samples into the shared store.
package poller

import (
	"context"
	"fmt"
	"time"

	"github.com/chirpstack/chirpstack/api/go/v4/api"
	"github.com/chirpstack/chirpstack/api/go/v4/common"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/timestamppb"

	"github.com/guycorbaz/opcgw/errors"
	"github.com/guycorbaz/opcgw/types"
)

// listPageSize bounds ListApplications/ListDevices responses. The gateway
// mirrors a configured topology, so a single page is plenty.
const listPageSize = 200

// SeriesKind mirrors the upstream metric kind. Only gauges carry a
// last-value semantic the gateway can project.
type SeriesKind int

// Upstream series kinds.
const (
	SeriesGauge SeriesKind = iota
	SeriesCounter
	SeriesAbsolute
)

// String implements fmt.Stringer for SeriesKind.
func (k SeriesKind) String() string {
	switch k {
	case SeriesGauge:
		return "gauge"
	case SeriesCounter:
		return "counter"
	case SeriesAbsolute:
		return "absolute"
	default:
		return "unknown"
	}
}

// Application is an upstream application as returned by the server.
type Application struct {
	ID   string
	Name string
}

// Device is an upstream device as returned by the server.
type Device struct {
	DevEUI string
	Name   string
}

// Series is one named metric series returned by a device fetch. Samples
// and Timestamps are parallel; the upstream reports missing intervals as
// NaN-free zero-length datasets rather than nulls, so both may be empty.
type Series struct {
	Name       string
	Kind       SeriesKind
	Timestamps []time.Time
	Samples    []float64
}

// Client is the upstream API surface the poller depends on. It is an
// interface so tests can substitute a fake server.
type Client interface {
	// ListApplications lists the tenant's applications. Doubles as the
	// liveness probe: it is the cheapest authenticated call.
	ListApplications(ctx context.Context, tenantID string) ([]Application, error)
	// ListDevices lists the devices of one application.
	ListDevices(ctx context.Context, applicationID string) ([]Device, error)
	// DeviceMetrics fetches the metric series of one device over a window.
	DeviceMetrics(ctx context.Context, devEUI string, start, end time.Time) (map[string]Series, error)
	// Enqueue places a downlink command on the device's queue.
	Enqueue(ctx context.Context, cmd types.DeviceCommand) error
	// Close releases the underlying connection.
	Close() error
}

// grpcClient implements Client over the ChirpStack gRPC API.
type grpcClient struct {
	conn    *grpc.ClientConn
	apps    api.ApplicationServiceClient
	devices api.DeviceServiceClient
}

// bearerAuth injects the API token on every call as per-RPC credentials.
type bearerAuth struct {
	token string
}

func (b bearerAuth) GetRequestMetadata(_ context.Context, _ ...string) (map[string]string, error) {
	return map[string]string{"authorization": "Bearer " + b.token}, nil
}

func (bearerAuth) RequireTransportSecurity() bool {
	return false
}

// NewClient creates a ChirpStack client over one long-lived connection.
// The connection is lazy; a down server surfaces on the first call, not
// here.
func NewClient(server, apiToken string) (Client, error) {
	conn, err := grpc.NewClient(server,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithPerRPCCredentials(bearerAuth{token: apiToken}),
	)
	if err != nil {
		return nil, errors.WrapFatal(err, "poller", "NewClient",
			fmt.Sprintf("create channel to %s", server))
	}

	return &grpcClient{
		conn:    conn,
		apps:    api.NewApplicationServiceClient(conn),
		devices: api.NewDeviceServiceClient(conn),
	}, nil
}

func (c *grpcClient) ListApplications(ctx context.Context, tenantID string) ([]Application, error) {
	resp, err := c.apps.List(ctx, &api.ListApplicationsRequest{
		Limit:    listPageSize,
		TenantId: tenantID,
	})
	if err != nil {
		return nil, classify(err, "ListApplications", "list applications")
	}

	apps := make([]Application, 0, len(resp.Result))
	for _, item := range resp.Result {
		apps = append(apps, Application{ID: item.Id, Name: item.Name})
	}
	return apps, nil
}

func (c *grpcClient) ListDevices(ctx context.Context, applicationID string) ([]Device, error) {
	resp, err := c.devices.List(ctx, &api.ListDevicesRequest{
		Limit:         listPageSize,
		ApplicationId: applicationID,
	})
	if err != nil {
		return nil, classify(err, "ListDevices", "list devices")
	}

	devs := make([]Device, 0, len(resp.Result))
	for _, item := range resp.Result {
		devs = append(devs, Device{DevEUI: item.DevEui, Name: item.Name})
	}
	return devs, nil
}

func (c *grpcClient) DeviceMetrics(ctx context.Context, devEUI string, start, end time.Time) (map[string]Series, error) {
	resp, err := c.devices.GetMetrics(ctx, &api.GetDeviceMetricsRequest{
		DevEui:      devEUI,
		Start:       timestamppb.New(start),
		End:         timestamppb.New(end),
		Aggregation: common.Aggregation_MINUTE,
	})
	if err != nil {
		return nil, classify(err, "DeviceMetrics", "get device metrics")
	}

	series := make(map[string]Series, len(resp.Metrics))
	for name, m := range resp.Metrics {
		series[name] = convertSeries(name, m)
	}
	return series, nil
}

func (c *grpcClient) Enqueue(ctx context.Context, cmd types.DeviceCommand) error {
	_, err := c.devices.Enqueue(ctx, &api.EnqueueDeviceQueueItemRequest{
		QueueItem: &api.DeviceQueueItem{
			DevEui:    cmd.DeviceID,
			FPort:     cmd.FPort,
			Confirmed: cmd.Confirmed,
			Data:      cmd.Data,
		},
	})
	if err != nil {
		return classify(err, "Enqueue", "enqueue device command")
	}
	return nil
}

func (c *grpcClient) Close() error {
	return c.conn.Close()
}

// convertSeries flattens an upstream metric to the poller's series type.
// Only the first dataset participates: ChirpStack returns one dataset per
// metric for device telemetry.
func convertSeries(name string, m *common.Metric) Series {
	s := Series{
		Name: name,
		Kind: convertKind(m.Kind),
	}
	for _, ts := range m.Timestamps {
		s.Timestamps = append(s.Timestamps, ts.AsTime())
	}
	if len(m.Datasets) > 0 {
		for _, v := range m.Datasets[0].Data {
			s.Samples = append(s.Samples, float64(v))
		}
	}
	return s
}

func convertKind(k common.MetricKind) SeriesKind {
	switch k {
	case common.MetricKind_COUNTER:
		return SeriesCounter
	case common.MetricKind_ABSOLUTE:
		return SeriesAbsolute
	default:
		return SeriesGauge
	}
}

// classify maps a gRPC error to the gateway error taxonomy. Network and
// server-side failures are transient; authentication and request shape
// problems are permanent and must not be retried.
func classify(err error, method, action string) error {
	st, ok := status.FromError(err)
	if !ok {
		return errors.WrapTransient(err, "poller", method, action)
	}

	switch st.Code() {
	case codes.Unavailable, codes.DeadlineExceeded, codes.ResourceExhausted, codes.Aborted:
		return errors.WrapTransient(err, "poller", method, action)
	case codes.Unauthenticated, codes.PermissionDenied:
		return errors.WrapInvalid(errors.ErrUpstreamAuth, "poller", method, action)
	case codes.InvalidArgument, codes.NotFound, codes.FailedPrecondition:
		return errors.WrapInvalid(err, "poller", method, action)
	default:
		return errors.WrapTransient(err, "poller", method, action)
	}
}
