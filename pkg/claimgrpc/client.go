package claimgrpc

import (
	"context"
	"encoding/json"
	"strconv"
	"time"

	"github.com/pkg/errors"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/fortiblox/x1-custody/internal/types"
	"github.com/fortiblox/x1-custody/pkg/runtime"
)

// Client talks to a Claim service.
type Client struct {
	cc     *grpc.ClientConn
	client ClaimClient

	// Timeout applies per RPC when non-zero.
	Timeout time.Duration
}

// DialOptions configures Dial.
type DialOptions struct {
	// Timeout applies to the initial dial when non-zero.
	Timeout time.Duration
}

// Dial connects to the service at target without transport security.
func Dial(target string, opts DialOptions) (*Client, error) {
	ctx := context.Background()
	if opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.Timeout)
		defer cancel()
	}

	cc, err := grpc.DialContext(ctx, target, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, errors.Wrapf(err, "dial %s", target)
	}
	return NewClientConn(cc), nil
}

// NewClientConn wraps an established connection.
func NewClientConn(cc *grpc.ClientConn) *Client {
	return &Client{cc: cc, client: NewClaimClient(cc)}
}

func (c *Client) Close() error {
	if c == nil || c.cc == nil {
		return nil
	}
	return c.cc.Close()
}

func (c *Client) ctx(parent context.Context) (context.Context, context.CancelFunc) {
	if c.Timeout > 0 {
		return context.WithTimeout(parent, c.Timeout)
	}
	return context.WithCancel(parent)
}

// SubmitError is returned when the program rejected a submitted transaction.
type SubmitError struct {
	Err error

	// Code is the program's custom error code, if it reported one.
	Code    uint32
	HasCode bool
}

func (e *SubmitError) Error() string {
	if e.HasCode {
		return "custom program error " + strconv.FormatUint(uint64(e.Code), 10) + ": " + e.Err.Error()
	}
	return e.Err.Error()
}

func (e *SubmitError) Unwrap() error { return e.Err }

// Submit sends a signed transaction and returns its signature.
func (c *Client) Submit(ctx context.Context, tx *runtime.Transaction) (types.Signature, error) {
	ctx, cancel := c.ctx(ctx)
	defer cancel()

	var trailer metadata.MD
	reply, err := c.client.Submit(ctx, wrapperspb.Bytes(tx.Serialize()), grpc.Trailer(&trailer))
	if err != nil {
		if vals := trailer.Get(CustomCodeTrailer); len(vals) > 0 {
			if code, perr := strconv.ParseUint(vals[0], 10, 32); perr == nil {
				return types.Signature{}, &SubmitError{Err: err, Code: uint32(code), HasCode: true}
			}
		}
		return types.Signature{}, err
	}
	return types.SignatureFromBase58(reply.GetValue())
}

// Simulate runs a transaction on the service without committing it.
func (c *Client) Simulate(ctx context.Context, tx *runtime.Transaction) (*SimulateResponse, error) {
	ctx, cancel := c.ctx(ctx)
	defer cancel()

	reply, err := c.client.Simulate(ctx, wrapperspb.Bytes(tx.Serialize()))
	if err != nil {
		return nil, err
	}
	var resp SimulateResponse
	if err := json.Unmarshal(reply.GetValue(), &resp); err != nil {
		return nil, errors.Wrap(err, "decode simulation result")
	}
	return &resp, nil
}

// Authority returns the service's treasury authority address.
func (c *Client) Authority(ctx context.Context) (types.Pubkey, error) {
	ctx, cancel := c.ctx(ctx)
	defer cancel()

	reply, err := c.client.Authority(ctx, &emptypb.Empty{})
	if err != nil {
		return types.Pubkey{}, err
	}
	return types.PubkeyFromBase58(reply.GetValue())
}
