package remote

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

const (
	methodGetCapabilities    = "/build.bazel.remote.execution.v2.Capabilities/GetCapabilities"
	methodFindMissingBlobs   = "/build.bazel.remote.execution.v2.ContentAddressableStorage/FindMissingBlobs"
	methodBatchUpdateBlobs   = "/build.bazel.remote.execution.v2.ContentAddressableStorage/BatchUpdateBlobs"
	methodBatchReadBlobs     = "/build.bazel.remote.execution.v2.ContentAddressableStorage/BatchReadBlobs"
	methodGetActionResult    = "/build.bazel.remote.execution.v2.ActionCache/GetActionResult"
	methodUpdateActionResult = "/build.bazel.remote.execution.v2.ActionCache/UpdateActionResult"
)

func (c *Client) invoke(ctx context.Context, method string, req, reply interface{}) error {
	return c.conn.Invoke(ctx, method, req, reply, grpc.CallContentSubtype(codecName))
}

type getCapabilitiesRequest struct {
	InstanceName string `json:"instance_name"`
}

type serverCapabilities struct {
	MaxBatchTotalSizeBytes int64  `json:"max_batch_total_size_bytes"`
	DigestFunction         string `json:"digest_function"`
}

// GetCapabilities queries the remote cache's advertised limits, notably the
// max batch size used to chunk BatchUpdateBlobs/BatchReadBlobs calls.
func (c *Client) GetCapabilities(ctx context.Context) (Capabilities, error) {
	var resp serverCapabilities
	err := c.call(ctx, func(ctx context.Context) error {
		return c.invoke(ctx, methodGetCapabilities, &getCapabilitiesRequest{InstanceName: c.cfg.InstanceName}, &resp)
	})
	if err != nil {
		return Capabilities{}, err
	}
	return Capabilities{
		MaxBatchTotalSizeBytes: resp.MaxBatchTotalSizeBytes,
		DigestFunction:         resp.DigestFunction,
	}, nil
}

type findMissingBlobsRequest struct {
	InstanceName string   `json:"instance_name"`
	BlobDigests  []Digest `json:"blob_digests"`
}

type findMissingBlobsResponse struct {
	MissingBlobDigests []Digest `json:"missing_blob_digests"`
}

// FindMissingBlobs returns the subset of digests the remote cache does not
// already hold, so the caller uploads only what's missing. On circuit-open
// or exhausted retry, it fails open by reporting every digest as missing —
// the subsequent upload attempt will itself fail silently if the remote is
// still unreachable, so no correctness is lost, only an avoidable round
// trip.
func (c *Client) FindMissingBlobs(ctx context.Context, digests []Digest) ([]Digest, error) {
	var resp findMissingBlobsResponse
	err := c.call(ctx, func(ctx context.Context) error {
		return c.invoke(ctx, methodFindMissingBlobs, &findMissingBlobsRequest{
			InstanceName: c.cfg.InstanceName,
			BlobDigests:  digests,
		}, &resp)
	})
	if err != nil {
		return digests, err
	}
	return resp.MissingBlobDigests, nil
}

type blobUpload struct {
	Digest Digest `json:"digest"`
	Data   []byte `json:"data"`
}

type batchUpdateBlobsRequest struct {
	InstanceName string       `json:"instance_name"`
	Requests     []blobUpload `json:"requests"`
}

type blobUploadResult struct {
	Digest Digest `json:"digest"`
	Status int32  `json:"status"`
}

type batchUpdateBlobsResponse struct {
	Responses []blobUploadResult `json:"responses"`
}

// BatchUpdateBlobs uploads blobs in one round trip. It fails silent: on any
// error the blobs are simply not mirrored remotely, and the caller's local
// write is unaffected.
func (c *Client) BatchUpdateBlobs(ctx context.Context, blobs map[Digest][]byte) error {
	reqs := make([]blobUpload, 0, len(blobs))
	for d, data := range blobs {
		reqs = append(reqs, blobUpload{Digest: d, Data: data})
	}
	var resp batchUpdateBlobsResponse
	return c.call(ctx, func(ctx context.Context) error {
		return c.invoke(ctx, methodBatchUpdateBlobs, &batchUpdateBlobsRequest{
			InstanceName: c.cfg.InstanceName,
			Requests:     reqs,
		}, &resp)
	})
}

type batchReadBlobsRequest struct {
	InstanceName string   `json:"instance_name"`
	Digests      []Digest `json:"digests"`
}

type blobReadResult struct {
	Digest Digest `json:"digest"`
	Data   []byte `json:"data"`
	Status int32  `json:"status"`
}

type batchReadBlobsResponse struct {
	Responses []blobReadResult `json:"responses"`
}

// BatchReadBlobs downloads blobs in one round trip. It fails open: any
// error returns a nil map so the caller treats every requested digest as a
// cache miss rather than surfacing a remote-cache outage to the task build.
func (c *Client) BatchReadBlobs(ctx context.Context, digests []Digest) (map[Digest][]byte, error) {
	var resp batchReadBlobsResponse
	err := c.call(ctx, func(ctx context.Context) error {
		return c.invoke(ctx, methodBatchReadBlobs, &batchReadBlobsRequest{
			InstanceName: c.cfg.InstanceName,
			Digests:      digests,
		}, &resp)
	})
	if err != nil {
		return nil, err
	}
	out := make(map[Digest][]byte, len(resp.Responses))
	for _, r := range resp.Responses {
		if r.Status == 0 {
			out[r.Digest] = r.Data
		}
	}
	return out, nil
}

type actionResultWire struct {
	ExitCode      int32             `json:"exit_code"`
	OutputDigests map[string]Digest `json:"output_digests"`
	StdoutDigest  *Digest           `json:"stdout_digest,omitempty"`
	StderrDigest  *Digest           `json:"stderr_digest,omitempty"`
}

type getActionResultRequest struct {
	InstanceName string `json:"instance_name"`
	ActionDigest Digest `json:"action_digest"`
}

// GetActionResult looks up a previously recorded action result by action
// digest. It fails open: a circuit-open or not-found condition is reported
// as (ActionResult{}, false, nil) so the caller treats it as a cache miss,
// never as a hard failure of the build.
func (c *Client) GetActionResult(ctx context.Context, actionDigest Digest) (ActionResult, bool, error) {
	var resp actionResultWire
	err := c.call(ctx, func(ctx context.Context) error {
		return c.invoke(ctx, methodGetActionResult, &getActionResultRequest{
			InstanceName: c.cfg.InstanceName,
			ActionDigest: actionDigest,
		}, &resp)
	})
	if err != nil {
		if ErrCircuitOpen(err) || status.Code(err) == codes.NotFound {
			return ActionResult{}, false, nil
		}
		return ActionResult{}, false, err
	}
	return DecodeActionResult(resp)
}

// DecodeActionResult converts the wire shape into ActionResult, applying
// Bazel REAPI field parity: unknown additional fields are ignored, but a
// field present with a value that cannot be interpreted (here, a digest
// whose Hash is empty while SizeBytes is non-zero) is a serialization
// error rather than a silent miss.
func DecodeActionResult(w actionResultWire) (ActionResult, bool, error) {
	for path, d := range w.OutputDigests {
		if d.SizeBytes != 0 && d.Hash == "" {
			return ActionResult{}, false, &DecodeError{Field: "output_digests[" + path + "]"}
		}
	}
	return ActionResult{
		ExitCode:      w.ExitCode,
		OutputDigests: w.OutputDigests,
		StdoutDigest:  w.StdoutDigest,
		StderrDigest:  w.StderrDigest,
	}, true, nil
}

// DecodeError reports a malformed field in a decoded ActionResult payload.
type DecodeError struct {
	Field string
}

func (e *DecodeError) Error() string {
	return "remote: malformed action result field: " + e.Field
}

type updateActionResultRequest struct {
	InstanceName string           `json:"instance_name"`
	ActionDigest Digest           `json:"action_digest"`
	ActionResult actionResultWire `json:"action_result"`
}

// UpdateActionResult persists an action result remotely. Fails silent: the
// local cache write already succeeded by the time this is called, so a
// remote mirroring error is logged by the caller, never propagated as a
// task failure.
func (c *Client) UpdateActionResult(ctx context.Context, actionDigest Digest, result ActionResult) error {
	wire := actionResultWire{
		ExitCode:      result.ExitCode,
		OutputDigests: result.OutputDigests,
		StdoutDigest:  result.StdoutDigest,
		StderrDigest:  result.StderrDigest,
	}
	var resp actionResultWire
	return c.call(ctx, func(ctx context.Context) error {
		return c.invoke(ctx, methodUpdateActionResult, &updateActionResultRequest{
			InstanceName: c.cfg.InstanceName,
			ActionDigest: actionDigest,
			ActionResult: wire,
		}, &resp)
	})
}
