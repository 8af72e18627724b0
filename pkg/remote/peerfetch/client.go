package peerfetch

import (
	"context"
	"fmt"

	"google.golang.org/grpc"

	"ankurah-core/pkg/clock"
	"ankurah-core/pkg/event"
	"ankurah-core/pkg/retrieval"
)

// Client is a RemoteFetcher over one peer connection, using grpc.Invoke
// directly against the hand-written ServiceDesc instead of a generated
// client stub.
type Client struct {
	conn *grpc.ClientConn
}

// NewClient wraps an already-dialed connection (insecure.NewCredentials
// for local/benchmark use, TLS in production, chosen by the caller per
// environment).
func NewClient(conn *grpc.ClientConn) *Client {
	return &Client{conn: conn}
}

var _ retrieval.RemoteFetcher = (*Client)(nil)

// GetEvents asks the peer for ids and decodes whatever it returns.
func (c *Client) GetEvents(ctx context.Context, ids []clock.EventId) ([]event.Event, error) {
	req := &GetEventsRequest{Ids: make([]string, len(ids))}
	for i, id := range ids {
		req.Ids[i] = id.String()
	}

	resp := new(GetEventsResponse)
	if err := c.conn.Invoke(ctx, ServiceName+"/GetEvents", req, resp, grpc.CallContentSubtype(CodecName)); err != nil {
		return nil, fmt.Errorf("peerfetch: GetEvents: %w", err)
	}

	events := make([]event.Event, 0, len(resp.Events))
	for _, w := range resp.Events {
		e, err := event.Decode(w)
		if err != nil {
			return nil, fmt.Errorf("peerfetch: decode peer event: %w", err)
		}
		events = append(events, e)
	}
	return events, nil
}
