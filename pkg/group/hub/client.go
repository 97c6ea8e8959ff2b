package hub

import (
	"context"

	"github.com/mikekulinski/dwarfkeeper/pkg/group"
	"google.golang.org/grpc"
)

// Client sends client requests to the members of one group through a hub. It implements
// group.Querier.
type Client struct {
	conn  grpc.ClientConnInterface
	group string
}

var _ group.Querier = (*Client)(nil)

func NewClient(conn grpc.ClientConnInterface, groupName string) *Client {
	return &Client{conn: conn, group: groupName}
}

func (c *Client) Query(ctx context.Context, tag group.Tag, payload []byte) ([]byte, error) {
	req := &QueryRequest{Group: c.group, Tag: tag, Payload: payload}
	resp := &QueryResponse{}
	if err := c.conn.Invoke(ctx, fullMethod("Query"), req, resp); err != nil {
		return nil, fromStatus(err)
	}
	return resp.Payload, nil
}

// View returns the current view of the group.
func (c *Client) View(ctx context.Context) (group.View, error) {
	resp := &JoinResponse{}
	if err := c.conn.Invoke(ctx, fullMethod("GetView"), &GetViewRequest{Group: c.group}, resp); err != nil {
		return group.View{}, fromStatus(err)
	}
	return resp.View, nil
}
