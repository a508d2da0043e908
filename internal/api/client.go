package api

import (
	"context"
	"fmt"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

// Client talks to a session daemon over its Unix domain socket.
type Client struct {
	conn *grpc.ClientConn
}

// NewClient dials the daemon socket. The connection is established lazily.
func NewClient(socketPath string) (*Client, error) {
	conn, err := grpc.NewClient(
		"unix://"+socketPath,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(grpc.CallContentSubtype(CodecName)),
	)
	if err != nil {
		return nil, fmt.Errorf("dial daemon: %w", err)
	}
	return &Client{conn: conn}, nil
}

// Close closes the gRPC connection.
func (c *Client) Close() error {
	return c.conn.Close()
}

func invoke[Resp any](ctx context.Context, c *Client, method string, in any) (*Resp, error) {
	out := new(Resp)
	if err := c.conn.Invoke(ctx, fullMethod(method), in, out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) Status(ctx context.Context) (*StatusResponse, error) {
	return invoke[StatusResponse](ctx, c, "Status", &Empty{})
}

func (c *Client) Conversations(ctx context.Context) (*ConversationsResponse, error) {
	return invoke[ConversationsResponse](ctx, c, "Conversations", &Empty{})
}

func (c *Client) Open(ctx context.Context, conversationID string) (*MessagesResponse, error) {
	return invoke[MessagesResponse](ctx, c, "Open", &OpenRequest{ConversationID: conversationID})
}

func (c *Client) Messages(ctx context.Context) (*MessagesResponse, error) {
	return invoke[MessagesResponse](ctx, c, "Messages", &Empty{})
}

func (c *Client) Send(ctx context.Context, req *SendRequest) (*SendResponse, error) {
	return invoke[SendResponse](ctx, c, "Send", req)
}

func (c *Client) MarkRead(ctx context.Context, messageID string) error {
	_, err := invoke[Empty](ctx, c, "MarkRead", &MarkReadRequest{MessageID: messageID})
	return err
}

func (c *Client) Refresh(ctx context.Context) (*MessagesResponse, error) {
	return invoke[MessagesResponse](ctx, c, "Refresh", &Empty{})
}

func (c *Client) CloseConversation(ctx context.Context) error {
	_, err := invoke[Empty](ctx, c, "Close", &Empty{})
	return err
}

func (c *Client) Pending(ctx context.Context) (*PendingResponse, error) {
	return invoke[PendingResponse](ctx, c, "Pending", &Empty{})
}

func (c *Client) Drain(ctx context.Context) (*DrainResponse, error) {
	return invoke[DrainResponse](ctx, c, "Drain", &Empty{})
}

func (c *Client) SetNetwork(ctx context.Context, online bool) error {
	_, err := invoke[Empty](ctx, c, "SetNetwork", &SetNetworkRequest{Online: online})
	return err
}

func (c *Client) SignOut(ctx context.Context) error {
	_, err := invoke[Empty](ctx, c, "SignOut", &Empty{})
	return err
}

func (c *Client) Search(ctx context.Context, req *SearchRequest) (*SearchResponse, error) {
	return invoke[SearchResponse](ctx, c, "Search", req)
}

// Watch streams engine events whose kind starts with prefix until ctx ends or
// fn returns an error.
func (c *Client) Watch(ctx context.Context, prefix string, fn func(*Event) error) error {
	stream, err := c.conn.NewStream(ctx, &ServiceDesc.Streams[0], fullMethod("Watch"))
	if err != nil {
		return err
	}
	if err := stream.SendMsg(&WatchRequest{Prefix: prefix}); err != nil {
		return err
	}
	if err := stream.CloseSend(); err != nil {
		return err
	}
	for {
		evt := new(Event)
		if err := stream.RecvMsg(evt); err != nil {
			return err
		}
		if err := fn(evt); err != nil {
			return err
		}
	}
}
