package otelinit

import (
	"context"
	"testing"
)

func TestInitMetricsNoExporter(t *testing.T) {
	ctx := context.Background()
	shutdown, instr := InitMetrics(ctx, "test-service")
	instr.RetryAttempts.Add(ctx, 1)
	instr.CircuitOpenTransitions.Add(ctx, 1)
	_ = shutdown(ctx)
}
