package restapi

import (
	"context"
	"fmt"
	"net/url"
	"strconv"

	"github.com/barterline/parley/internal/model"
)

// NegotiationResponse wraps a single negotiation snapshot.
type NegotiationResponse struct {
	Negotiation model.NegotiationChannel `json:"negotiation"`
}

// MessagesResponse wraps a page of channel history.
type MessagesResponse struct {
	Messages []model.Message `json:"messages"`
	Cursor   string          `json:"cursor"`
}

// IdentityResponse wraps the authenticated user's identity.
type IdentityResponse struct {
	Identity model.Identity `json:"identity"`
}

// GetMessagesOptions filters a history page request.
type GetMessagesOptions struct {
	Limit  int
	Cursor string
	// AfterRound returns only messages from rounds greater than this.
	AfterRound int
}

// GetNegotiation fetches the authoritative state of a negotiation channel.
func (c *Client) GetNegotiation(ctx context.Context, channelID string) (*model.NegotiationChannel, error) {
	var resp NegotiationResponse
	if err := c.get(ctx, "/negotiations/"+channelID, nil, &resp); err != nil {
		return nil, fmt.Errorf("get negotiation %s: %w", channelID, err)
	}
	return &resp.Negotiation, nil
}

// GetMessages fetches a page of message history for a channel.
func (c *Client) GetMessages(ctx context.Context, channelID string, opts GetMessagesOptions) (*MessagesResponse, error) {
	query := url.Values{}

	if opts.Limit > 0 {
		query.Set("limit", strconv.Itoa(opts.Limit))
	}
	if opts.Cursor != "" {
		query.Set("cursor", opts.Cursor)
	}
	if opts.AfterRound > 0 {
		query.Set("after_round", strconv.Itoa(opts.AfterRound))
	}

	var resp MessagesResponse
	if err := c.get(ctx, "/negotiations/"+channelID+"/messages", query, &resp); err != nil {
		return nil, fmt.Errorf("get messages %s: %w", channelID, err)
	}

	return &resp, nil
}

// GetAllMessages fetches the full history by paginating through results.
func (c *Client) GetAllMessages(ctx context.Context, channelID string, opts GetMessagesOptions) ([]model.Message, error) {
	var all []model.Message
	opts.Limit = 200 // Max page size

	for {
		resp, err := c.GetMessages(ctx, channelID, opts)
		if err != nil {
			return nil, err
		}

		all = append(all, resp.Messages...)

		if resp.Cursor == "" {
			break
		}
		opts.Cursor = resp.Cursor
	}

	return all, nil
}

// GetIdentity fetches the identity behind the configured token.
func (c *Client) GetIdentity(ctx context.Context) (*model.Identity, error) {
	var resp IdentityResponse
	if err := c.get(ctx, "/me", nil, &resp); err != nil {
		return nil, fmt.Errorf("get identity: %w", err)
	}
	return &resp.Identity, nil
}
