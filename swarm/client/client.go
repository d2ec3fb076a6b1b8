package client

import (
	"context"
	"peernet/chainhash"
	"peernet/datamodel/chain"
	"peernet/net/crpc"
	"peernet/swarm/protocol"
)

// Client is the typed view of a peer's RPC service
type Client struct {
	*crpc.Client
}

// Dial connects to the peer service at endpoint and identifies every request with pubkey.
func Dial(ctx context.Context, endpoint string, pubkey string) (*Client, error) {
	rpcc, err := crpc.Dial(ctx, "tcp", endpoint, pubkey)
	if err != nil {
		return nil, err
	}
	return &Client{Client: rpcc}, nil
}

func (c *Client) DoHandshake(ctx context.Context, hsk *protocol.Handshake) (*protocol.HandshakeReply, error) {
	res := &protocol.HandshakeReply{}
	if err := c.Call(ctx, protocol.MethodDoHandshake, hsk, res); err != nil {
		return nil, err
	}
	return res, nil
}

func (c *Client) ConfirmHandshake(ctx context.Context) error {
	return c.Call(ctx, protocol.MethodConfirmHandshake, &protocol.ConfirmHandshakeRequest{}, &protocol.VoidReply{})
}

func (c *Client) Ping(ctx context.Context) error {
	return c.Call(ctx, protocol.MethodPing, &protocol.PingRequest{}, &protocol.VoidReply{})
}

func (c *Client) Disconnect(ctx context.Context, reason *protocol.DisconnectReason) error {
	return c.Call(ctx, protocol.MethodDisconnect, reason, &protocol.VoidReply{})
}

func (c *Client) RequestBlock(ctx context.Context, h chainhash.Hash) (*chain.Block, error) {
	res := &protocol.BlockReply{}
	if err := c.Call(ctx, protocol.MethodRequestBlock, &protocol.BlockRequest{Hash: h}, res); err != nil {
		return nil, err
	}
	return res.Block, nil
}

func (c *Client) RequestBlocks(ctx context.Context, previous chainhash.Hash, count int) ([]*chain.Block, error) {
	res := &protocol.BlockList{}
	req := &protocol.BlocksRequest{PreviousBlockHash: previous, Count: count}
	if err := c.Call(ctx, protocol.MethodRequestBlocks, req, res); err != nil {
		return nil, err
	}
	return res.Blocks, nil
}

func (c *Client) SendAnnouncements(ctx context.Context, items []*chain.BlockAnnouncement) error {
	return c.Call(ctx, protocol.MethodAnnouncementStream, &protocol.AnnouncementBatch{Announcements: items}, &protocol.VoidReply{})
}

func (c *Client) SendTransactions(ctx context.Context, items []*chain.Transaction) error {
	return c.Call(ctx, protocol.MethodTransactionStream, &protocol.TransactionBatch{Transactions: items}, &protocol.VoidReply{})
}

func (c *Client) SendBlocks(ctx context.Context, items []*chain.Block) error {
	return c.Call(ctx, protocol.MethodBlockStream, &protocol.BlockBatch{Blocks: items}, &protocol.VoidReply{})
}

func (c *Client) SendLibAnnouncements(ctx context.Context, items []*chain.LibAnnouncement) error {
	return c.Call(ctx, protocol.MethodLibAnnouncementStream, &protocol.LibAnnouncementBatch{Announcements: items}, &protocol.VoidReply{})
}
