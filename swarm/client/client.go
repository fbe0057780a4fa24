// Package client is a typed wrapper around the Peer RPC service.
package client

import (
	"context"
	"time"

	"peerwatch/net/crpc"
	"peerwatch/swarm/protocol"
)

type Client struct {
	*crpc.Client
}

func Dial(ctx context.Context, address string, timeout time.Duration) (*Client, error) {
	c, err := crpc.Dial(ctx, "tcp", address, timeout)
	if err != nil {
		return nil, err
	}
	return &Client{Client: c}, nil
}

func (c *Client) Hello(ctx context.Context, req *protocol.HelloRequest) (*protocol.HelloResponse, error) {
	res := &protocol.HelloResponse{}
	if err := c.Call(ctx, protocol.MethodHello, req, res); err != nil {
		return nil, err
	}
	return res, nil
}

func (c *Client) Ping(ctx context.Context, req *protocol.PingRequest) (*protocol.PingResponse, error) {
	res := &protocol.PingResponse{}
	if err := c.Call(ctx, protocol.MethodPing, req, res); err != nil {
		return nil, err
	}
	return res, nil
}

func (c *Client) Status(ctx context.Context) (*protocol.StatusResponse, error) {
	res := &protocol.StatusResponse{}
	if err := c.Call(ctx, protocol.MethodStatus, &protocol.StatusRequest{}, res); err != nil {
		return nil, err
	}
	return res, nil
}
