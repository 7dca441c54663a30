// Package remote is a client for a content-addressable remote cache speaking
// the subset of the Bazel Remote Execution API that this cache needs:
// capability discovery, missing-blob queries, batched blob upload/download,
// and action-result lookup/update. Reads fail open (a circuit-open or
// exhausted-retry error is treated as a miss); writes fail silent (a local
// Put never fails because the remote mirror is unreachable).
package remote

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"

	"github.com/rawkode/cuenv-sub003/internal/resilience"
)

// Digest identifies a blob by content hash and size, mirroring REAPI's
// Digest message.
type Digest struct {
	Hash      string
	SizeBytes int64
}

// ActionResult mirrors the REAPI ActionResult fields this cache persists:
// exit code and output blob digests. Unknown/extra fields in a decoded
// payload are not an error; a field that fails to decode into its expected
// type is (see DecodeActionResult).
type ActionResult struct {
	ExitCode      int32
	OutputDigests map[string]Digest // relative output path -> digest
	StdoutDigest  *Digest
	StderrDigest  *Digest
}

// Capabilities mirrors the subset of ServerCapabilities this client checks
// before attempting batch operations.
type Capabilities struct {
	MaxBatchTotalSizeBytes int64
	DigestFunction         string
}

// Config configures a Client.
type Config struct {
	Address           string
	InstanceName      string
	MaxAttempts       uint64
	InitialBackoff    time.Duration
	MaxBackoff        time.Duration
	DialTimeout       time.Duration
	CallTimeout       time.Duration
	CircuitWindow     time.Duration
	CircuitBuckets    int
	CircuitMinSamples int64
	CircuitFailRate   float64
	CircuitHalfOpen   time.Duration
	CircuitMaxProbes  int64
}

// DefaultConfig returns reasonable defaults for a local sidecar or a
// same-datacenter remote cache.
func DefaultConfig(address string) Config {
	return Config{
		Address:           address,
		MaxAttempts:       4,
		InitialBackoff:    50 * time.Millisecond,
		MaxBackoff:        2 * time.Second,
		DialTimeout:       5 * time.Second,
		CallTimeout:       10 * time.Second,
		CircuitWindow:     time.Minute,
		CircuitBuckets:    6,
		CircuitMinSamples: 10,
		CircuitFailRate:   0.5,
		CircuitHalfOpen:   30 * time.Second,
		CircuitMaxProbes:  3,
	}
}

// Client is a retry-wrapped, circuit-breaker-guarded REAPI client.
type Client struct {
	cfg     Config
	conn    *grpc.ClientConn
	breaker *resilience.CircuitBreaker
}

// Dial connects to the remote cache backend. The connection itself is not
// retried here; transient dial failures surface to the caller, who decides
// whether a missing remote cache is fatal at startup.
func Dial(ctx context.Context, cfg Config) (*Client, error) {
	dialCtx, cancel := context.WithTimeout(ctx, cfg.DialTimeout)
	defer cancel()

	conn, err := grpc.DialContext(dialCtx, cfg.Address,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithBlock(),
	)
	if err != nil {
		return nil, fmt.Errorf("remote: dial %s: %w", cfg.Address, err)
	}

	breaker := resilience.NewCircuitBreaker(
		cfg.CircuitWindow, cfg.CircuitBuckets, int(cfg.CircuitMinSamples),
		cfg.CircuitFailRate, cfg.CircuitHalfOpen, int(cfg.CircuitMaxProbes),
	)

	return &Client{cfg: cfg, conn: conn, breaker: breaker}, nil
}

// Close releases the underlying gRPC connection.
func (c *Client) Close() error { return c.conn.Close() }

// BreakerState exposes the circuit breaker's current state for health
// reporting.
func (c *Client) BreakerState() resilience.BreakerState { return c.breaker.State() }

func isTransient(err error) bool {
	if err == nil {
		return false
	}
	st, ok := status.FromError(err)
	if !ok {
		return true
	}
	switch st.Code() {
	case codes.InvalidArgument, codes.NotFound, codes.AlreadyExists,
		codes.PermissionDenied, codes.Unauthenticated, codes.FailedPrecondition:
		return false
	default:
		return true
	}
}

func (c *Client) backoffPolicy() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.cfg.InitialBackoff
	b.MaxInterval = c.cfg.MaxBackoff
	return backoff.WithMaxRetries(b, c.cfg.MaxAttempts)
}

// call runs fn under the circuit breaker and an exponential backoff retry
// loop, classifying errors with isTransient so permission/not-found style
// errors are never retried.
func (c *Client) call(ctx context.Context, fn func(ctx context.Context) error) error {
	if !c.breaker.Allow() {
		return errCircuitOpen
	}

	var lastErr error
	op := func() error {
		callCtx, cancel := context.WithTimeout(ctx, c.cfg.CallTimeout)
		defer cancel()
		err := fn(callCtx)
		lastErr = err
		if err == nil {
			return nil
		}
		if !isTransient(err) {
			return backoff.Permanent(err)
		}
		return err
	}

	err := backoff.Retry(op, backoff.WithContext(c.backoffPolicy(), ctx))
	if err != nil {
		c.breaker.RecordResult(false)
		if lastErr != nil {
			return lastErr
		}
		return err
	}
	c.breaker.RecordResult(true)
	return nil
}

var errCircuitOpen = fmt.Errorf("remote: circuit breaker open")

// ErrCircuitOpen reports whether err indicates the circuit breaker rejected
// the call without attempting it.
func ErrCircuitOpen(err error) bool { return err == errCircuitOpen }
