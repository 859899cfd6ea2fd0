// Package flightexport streams prune-score batches to an Arrow Flight
// endpoint, so a discovery run can hand its results to a vector store
// or dashboard without touching disk.
package flightexport

import (
	"context"
	"fmt"
	"time"

	"github.com/apache/arrow-go/v18/arrow/flight"
	"github.com/apache/arrow-go/v18/arrow/ipc"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/23skdu/longbow-whittle/internal/artifact"
	"github.com/23skdu/longbow-whittle/internal/logger"
	"github.com/23skdu/longbow-whittle/internal/metrics"
	"github.com/23skdu/longbow-whittle/internal/prune"
)

// DefaultTimeout bounds one export round trip.
const DefaultTimeout = 30 * time.Second

// Exporter wraps an Arrow Flight client for score transport.
type Exporter struct {
	addr    string
	timeout time.Duration
	client  flight.Client
}

// New prepares an exporter for the given address. No connection happens
// until Connect.
func New(addr string) *Exporter {
	return &Exporter{addr: addr, timeout: DefaultTimeout}
}

// Connect dials the Flight endpoint.
func (e *Exporter) Connect(ctx context.Context) error {
	client, err := flight.NewClientWithMiddlewareCtx(ctx, e.addr, nil, nil,
		grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return fmt.Errorf("failed to create Flight client: %w", err)
	}
	e.client = client
	return nil
}

// Close disconnects from the Flight endpoint.
func (e *Exporter) Close() error {
	if e.client != nil {
		return e.client.Close()
	}
	return nil
}

// Export sends one score batch over DoPut. The descriptor path carries
// the task and algorithm so the receiver can file the batch.
func (e *Exporter) Export(ctx context.Context, scores *prune.Scores, meta artifact.Meta) error {
	if e.client == nil {
		return fmt.Errorf("client not connected, call Connect() first")
	}

	rec, err := artifact.Record(scores, meta)
	if err != nil {
		return err
	}
	defer rec.Release()

	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	stream, err := e.client.DoPut(ctx)
	if err != nil {
		return fmt.Errorf("failed to open DoPut stream: %w", err)
	}

	w := flight.NewRecordWriter(stream, ipc.WithSchema(rec.Schema()))
	w.SetFlightDescriptor(&flight.FlightDescriptor{
		Type: flight.DescriptorPATH,
		Path: []string{"scores", meta.Task, meta.Algorithm},
	})
	if err := w.Write(rec); err != nil {
		w.Close()
		return fmt.Errorf("failed to write record: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("failed to close record writer: %w", err)
	}
	if err := stream.CloseSend(); err != nil {
		return fmt.Errorf("failed to close DoPut stream: %w", err)
	}

	modules := len(scores.Graph().Modules)
	metrics.RecordScoresExported(modules)
	logger.Log.With("flightexport").Info("scores exported",
		"addr", e.addr,
		"modules", modules,
		"algorithm", meta.Algorithm,
	)
	return nil
}
