// Package client is the stub applications use to talk to a DwarfKeeper group. Every call sends a
// single command to one server of the group and returns its reply. Calls are never retried.
package client

import (
	"context"
	"fmt"

	"github.com/mikekulinski/dwarfkeeper/pkg/dwarf"
	"github.com/mikekulinski/dwarfkeeper/pkg/group"
	"github.com/mikekulinski/dwarfkeeper/pkg/group/hub"
	"github.com/mikekulinski/dwarfkeeper/pkg/utils"
	"google.golang.org/grpc"
)

type Client struct {
	querier  group.Querier
	clientID string
	// conn is only set when the client dialed the hub itself.
	conn *grpc.ClientConn
}

var _ dwarf.Keeper = (*Client)(nil)

// NewClient creates a client that sends its requests through q.
func NewClient(q group.Querier) *Client {
	return &Client{
		querier:  q,
		clientID: utils.NewClientID(),
	}
}

// Dial connects to the hub at addr and returns a client of the group groupName.
func Dial(addr, groupName string, opts ...grpc.DialOption) (*Client, error) {
	clientID := utils.NewClientID()
	opts = append(opts,
		grpc.WithChainUnaryInterceptor(clientIDUnaryInterceptor(clientID)),
		grpc.WithChainStreamInterceptor(clientIDStreamInterceptor(clientID)),
	)
	conn, err := hub.Dial(addr, opts...)
	if err != nil {
		return nil, err
	}
	return &Client{
		querier:  hub.NewClient(conn, groupName),
		clientID: clientID,
		conn:     conn,
	}, nil
}

func (c *Client) ID() string {
	return c.clientID
}

// Close releases the connection of a client created with Dial.
func (c *Client) Close() error {
	if c.conn == nil {
		return nil
	}
	if err := c.conn.Close(); err != nil {
		return fmt.Errorf("closing the hub connection: %w", err)
	}
	return nil
}

// Do sends cmd to a server of the group and returns its reply.
func (c *Client) Do(ctx context.Context, cmd dwarf.Command) (*dwarf.Stat, error) {
	resp, err := c.querier.Query(ctx, group.TagRequest, dwarf.EncodeCommand(cmd))
	if err != nil {
		return nil, fmt.Errorf("sending %s: %w", cmd.Op, err)
	}
	stat, err := dwarf.DecodeStat(resp)
	if err != nil {
		return nil, fmt.Errorf("decoding reply to %s: %w", cmd.Op, err)
	}
	return stat, nil
}

func (c *Client) Create(ctx context.Context, path, data string) (*dwarf.Stat, error) {
	return c.Do(ctx, dwarf.NewCommand(dwarf.CREATE, path, data))
}

func (c *Client) Delete(ctx context.Context, path string) (*dwarf.Stat, error) {
	return c.Do(ctx, dwarf.NewCommand(dwarf.DELETE, path))
}

func (c *Client) SetNode(ctx context.Context, path, data string) (*dwarf.Stat, error) {
	return c.Do(ctx, dwarf.NewCommand(dwarf.SET_NODE, path, data))
}

func (c *Client) GetNode(ctx context.Context, path string) (*dwarf.Stat, error) {
	return c.Do(ctx, dwarf.NewCommand(dwarf.GET_NODE, path))
}

func (c *Client) GetNodeAll(ctx context.Context, path string) (*dwarf.Stat, error) {
	return c.Do(ctx, dwarf.NewCommand(dwarf.GET_ALL, path))
}

func (c *Client) GetChildren(ctx context.Context, path string) (*dwarf.Stat, error) {
	return c.Do(ctx, dwarf.NewCommand(dwarf.GET_CHILDREN, path))
}

func (c *Client) GetChildren2(ctx context.Context, path string) (*dwarf.Stat, error) {
	return c.Do(ctx, dwarf.NewCommand(dwarf.GET_CHILDREN2, path))
}

func (c *Client) Exists(ctx context.Context, path string) (*dwarf.Stat, error) {
	return c.Do(ctx, dwarf.NewCommand(dwarf.EXISTS, path))
}

func (c *Client) Test(ctx context.Context, msg string) (*dwarf.Stat, error) {
	return c.Do(ctx, dwarf.NewCommand(dwarf.TEST, msg))
}
