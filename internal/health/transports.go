package health

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/health/grpc_health_v1"

	"github.com/microserviceframe/reverse-proxy/internal/domain"
)

// Built-in probe transport ids.
const (
	TransportHTTP = "http"
	TransportGRPC = "grpc"
)

// HTTPTransport probes a destination with a GET against its health path.
// Any 2xx response is a success; everything else, including timeouts, is
// a failure.
type HTTPTransport struct {
	client *http.Client
}

// NewHTTPTransport creates the HTTP probe transport.
func NewHTTPTransport() *HTTPTransport {
	return &HTTPTransport{
		client: &http.Client{
			Transport: &http.Transport{
				MaxIdleConns:        10,
				IdleConnTimeout:     30 * time.Second,
				DisableCompression:  true,
				MaxIdleConnsPerHost: 2,
			},
		},
	}
}

func (t *HTTPTransport) Name() string { return TransportHTTP }

func (t *HTTPTransport) Probe(ctx context.Context, d *domain.Destination, opts domain.HealthCheckOptions) error {
	path := opts.Path
	if path == "" {
		path = "/health"
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, d.Address+path, nil)
	if err != nil {
		return fmt.Errorf("build probe request: %w", err)
	}
	req.Header.Set("User-Agent", "ReverseProxy-HealthProber/1.0")

	resp, err := t.client.Do(req)
	if err != nil {
		return fmt.Errorf("probe request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("probe returned status %d", resp.StatusCode)
	}
	return nil
}

// GRPCTransport probes a destination via the standard gRPC health
// checking protocol (grpc.health.v1.Health/Check).
type GRPCTransport struct{}

// NewGRPCTransport creates the gRPC probe transport.
func NewGRPCTransport() *GRPCTransport {
	return &GRPCTransport{}
}

func (t *GRPCTransport) Name() string { return TransportGRPC }

func (t *GRPCTransport) Probe(ctx context.Context, d *domain.Destination, opts domain.HealthCheckOptions) error {
	conn, err := grpc.NewClient(grpcTarget(d.Address),
		grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return fmt.Errorf("dial destination: %w", err)
	}
	defer conn.Close()

	resp, err := grpc_health_v1.NewHealthClient(conn).Check(ctx, &grpc_health_v1.HealthCheckRequest{})
	if err != nil {
		return fmt.Errorf("health check rpc: %w", err)
	}
	if resp.GetStatus() != grpc_health_v1.HealthCheckResponse_SERVING {
		return fmt.Errorf("destination reports status %s", resp.GetStatus())
	}
	return nil
}

// grpcTarget strips an http(s) scheme if the address carries one, since
// gRPC targets are host:port.
func grpcTarget(address string) string {
	address = strings.TrimPrefix(address, "https://")
	address = strings.TrimPrefix(address, "http://")
	return address
}
