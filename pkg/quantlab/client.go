// Package quantlab is a Go client for the quantlab backtest gRPC service.
package quantlab

import (
	"context"
	"fmt"
	"math"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/types/known/structpb"
)

const (
	runMethod  = "/quantlab.Backtest/Run"
	listMethod = "/quantlab.Backtest/ListStrategies"
	dateLayout = "2006-01-02"
)

// Client calls a quantlab server.
type Client struct {
	conn grpc.ClientConnInterface
	// closer is set when the client owns the connection.
	closer interface{ Close() error }
}

// Dial creates a client for the server at addr. Without options the
// connection is plaintext.
func Dial(addr string, opts ...grpc.DialOption) (*Client, error) {
	if len(opts) == 0 {
		opts = []grpc.DialOption{grpc.WithTransportCredentials(insecure.NewCredentials())}
	}
	conn, err := grpc.NewClient(addr, opts...)
	if err != nil {
		return nil, fmt.Errorf("connecting to %s: %w", addr, err)
	}
	return &Client{conn: conn, closer: conn}, nil
}

// NewClient wraps an existing connection. Close does not close it.
func NewClient(conn grpc.ClientConnInterface) *Client {
	return &Client{conn: conn}
}

// Close releases a connection created by Dial.
func (c *Client) Close() error {
	if c.closer == nil {
		return nil
	}
	return c.closer.Close()
}

// RunRequest selects the data and strategies for a backtest. Zero fields use
// the server defaults.
type RunRequest struct {
	Symbol     string
	Benchmark  string
	Market     string
	Start      time.Time
	End        time.Time
	Strategies []string
	RunID      string
}

// StrategyResult is the outcome of one strategy. Metrics the server could not
// compute are NaN.
type StrategyResult struct {
	Status  string
	Error   string
	Metrics map[string]float64
}

// RunResponse is the result of a backtest.
type RunResponse struct {
	RunID   string
	Results map[string]StrategyResult
}

// Run backtests req on the server.
func (c *Client) Run(ctx context.Context, req RunRequest) (*RunResponse, error) {
	fields := map[string]any{"symbol": req.Symbol}
	if req.Benchmark != "" {
		fields["benchmark"] = req.Benchmark
	}
	if req.Market != "" {
		fields["market"] = req.Market
	}
	if !req.Start.IsZero() {
		fields["start"] = req.Start.Format(dateLayout)
	}
	if !req.End.IsZero() {
		fields["end"] = req.End.Format(dateLayout)
	}
	if req.RunID != "" {
		fields["run_id"] = req.RunID
	}
	if len(req.Strategies) > 0 {
		names := make([]any, len(req.Strategies))
		for i, n := range req.Strategies {
			names[i] = n
		}
		fields["strategies"] = names
	}
	in, err := structpb.NewStruct(fields)
	if err != nil {
		return nil, fmt.Errorf("encoding request: %w", err)
	}

	out := new(structpb.Struct)
	if err := c.conn.Invoke(ctx, runMethod, in, out); err != nil {
		return nil, err
	}

	resp := &RunResponse{
		RunID:   out.GetFields()["run_id"].GetStringValue(),
		Results: make(map[string]StrategyResult),
	}
	for name, v := range out.GetFields()["results"].GetStructValue().GetFields() {
		f := v.GetStructValue().GetFields()
		r := StrategyResult{
			Status:  f["status"].GetStringValue(),
			Error:   f["error"].GetStringValue(),
			Metrics: make(map[string]float64),
		}
		for k, m := range f["metrics"].GetStructValue().GetFields() {
			if _, isNull := m.GetKind().(*structpb.Value_NullValue); isNull {
				r.Metrics[k] = math.NaN()
				continue
			}
			r.Metrics[k] = m.GetNumberValue()
		}
		resp.Results[name] = r
	}
	return resp, nil
}

// ListStrategies returns the strategy names the server can run.
func (c *Client) ListStrategies(ctx context.Context) ([]string, error) {
	out := new(structpb.Struct)
	if err := c.conn.Invoke(ctx, listMethod, &structpb.Struct{}, out); err != nil {
		return nil, err
	}
	var names []string
	for _, v := range out.GetFields()["strategies"].GetListValue().GetValues() {
		names = append(names, v.GetStringValue())
	}
	return names, nil
}
