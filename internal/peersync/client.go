package peersync

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"provlog/internal/rangeset"
)

// DialAndRequest sends one request on a fresh connection and reads its
// response.
func DialAndRequest(ctx context.Context, network, address string, req *Request) (*Response, error) {
	conn, err := (&net.Dialer{}).DialContext(ctx, network, address)
	if err != nil {
		return nil, err
	}
	defer conn.Close()
	if dl, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(dl)
	}
	payload, err := MarshalMessage(req)
	if err != nil {
		return nil, err
	}
	if err := WriteFrame(conn, payload); err != nil {
		return nil, err
	}
	frame, err := ReadFrame(bufio.NewReader(conn))
	if err != nil {
		return nil, err
	}
	return UnmarshalResponse(frame)
}

// Client talks to one peer. Overloaded answers are retried with backoff.
type Client struct {
	Network   string
	Address   string
	AuthToken string
	Timeout   time.Duration
	// Retries bounds resends of an overloaded request.
	Retries uint64
	Log     *zap.Logger

	seq atomic.Uint64
}

func NewClient(address, authToken string, log *zap.Logger) *Client {
	if log == nil {
		log = zap.NewNop()
	}
	return &Client{Network: "tcp", Address: address, AuthToken: authToken, Timeout: 10 * time.Second, Retries: 5, Log: log}
}

func (c *Client) do(ctx context.Context, op Operation, fill func(*Request)) (*Response, error) {
	req := &Request{
		RequestId: strconv.FormatUint(c.seq.Add(1), 10),
		AuthToken: c.AuthToken,
		Operation: int32(op),
	}
	if fill != nil {
		fill(req)
	}
	var res *Response
	call := func() error {
		cctx, cancel := context.WithTimeout(ctx, c.Timeout)
		defer cancel()
		r, err := DialAndRequest(cctx, c.Network, c.Address, req)
		if err != nil {
			return backoff.Permanent(err)
		}
		if r.ErrorCode != int32(ErrorCodeOK) {
			rerr := &RemoteError{Code: ErrorCode(r.ErrorCode), Message: r.ErrorMessage}
			if rerr.Retryable() {
				return rerr
			}
			return backoff.Permanent(rerr)
		}
		res = r
		return nil
	}
	b := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), c.Retries), ctx)
	err := backoff.RetryNotify(call, b, func(err error, wait time.Duration) {
		c.Log.Debug("peer overloaded, retrying", zap.String("peer", c.Address), zap.Stringer("operation", op), zap.Duration("wait", wait))
	})
	if err != nil {
		return nil, fmt.Errorf("peersync %s %s: %w", op, c.Address, err)
	}
	return res, nil
}

func (c *Client) Ping(ctx context.Context) (time.Time, error) {
	res, err := c.do(ctx, OperationPing, nil)
	if err != nil {
		return time.Time{}, err
	}
	if res.Pong == nil {
		return time.Time{}, errors.New("peersync: empty pong")
	}
	return time.Unix(0, res.Pong.UnixTimeNs).UTC(), nil
}

// Health returns the peer's idle flag and loader state.
func (c *Client) Health(ctx context.Context) (bool, string, error) {
	res, err := c.do(ctx, OperationHealth, nil)
	if err != nil {
		return false, "", err
	}
	if res.Health == nil {
		return false, "", errors.New("peersync: empty health response")
	}
	return res.Health.Idle, res.Health.State, nil
}

// FetchIndex returns the peer's whole index.
func (c *Client) FetchIndex(ctx context.Context) (*rangeset.RangeSet, error) {
	res, err := c.do(ctx, OperationGetIndex, nil)
	if err != nil {
		return nil, err
	}
	return indexOf(res)
}

// FetchMissing returns the identifiers the peer holds that local lacks.
func (c *Client) FetchMissing(ctx context.Context, local *rangeset.RangeSet) (*rangeset.RangeSet, error) {
	res, err := c.do(ctx, OperationGetMissing, func(r *Request) {
		r.Missing = &MissingRequest{PeerIndex: local.String()}
	})
	if err != nil {
		return nil, err
	}
	return indexOf(res)
}

// FetchRecords returns LOG lines for every record the peer stores with an id
// in [from, to], following truncated responses until the range is covered.
func (c *Client) FetchRecords(ctx context.Context, from, to uint64, fn func(lines []string) error) error {
	for {
		res, err := c.do(ctx, OperationGetRecords, func(r *Request) {
			r.Records = &RecordsRequest{From: from, To: to}
		})
		if err != nil {
			return err
		}
		if res.Records == nil {
			return errors.New("peersync: empty records response")
		}
		if len(res.Records.Lines) > 0 {
			if err := fn(res.Records.Lines); err != nil {
				return err
			}
		}
		if !res.Records.Truncated || res.Records.Next <= from || res.Records.Next > to {
			return nil
		}
		from = res.Records.Next
	}
}

// Pull copies into sink every record the peer has that local lacks and
// returns how many lines were written.
func (c *Client) Pull(ctx context.Context, local *rangeset.RangeSet, sink func(lines []string) error) (int, error) {
	missing, err := c.FetchMissing(ctx, local)
	if err != nil {
		return 0, err
	}
	total := 0
	it := missing.Ranges()
	for {
		first, last, ok := it.Next()
		if !ok {
			return total, nil
		}
		err := c.FetchRecords(ctx, first, last, func(lines []string) error {
			total += len(lines)
			return sink(lines)
		})
		if err != nil {
			return total, err
		}
	}
}

func indexOf(res *Response) (*rangeset.RangeSet, error) {
	if res.Index == nil {
		return nil, errors.New("peersync: empty index response")
	}
	return rangeset.Parse(res.Index.Text)
}
