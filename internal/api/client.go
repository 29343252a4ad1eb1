// Package api is the request/response side of the remote service: the
// session check, conversation history, sending, and mark-read calls.
package api

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/omochice/matcha-sync/pkg/protocol"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
)

// RequestError is the typed failure returned by every call.
type RequestError struct {
	Op     string
	Status int
	Err    error
}

func (e *RequestError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("%s: status %d: %v", e.Op, e.Status, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *RequestError) Unwrap() error {
	return e.Err
}

// Profile is the authenticated user as reported by the session check.
type Profile struct {
	ID        protocol.UserID `json:"id"`
	Verified  bool            `json:"verified"`
	Firstname string          `json:"firstname"`
}

// Client talks to the REST API. It is safe for concurrent use.
type Client struct {
	http *resty.Client
	log  zerolog.Logger

	mu    sync.RWMutex
	token string
}

// New creates a Client for the API rooted at baseURL.
func New(baseURL string, timeout time.Duration, log zerolog.Logger) *Client {
	return NewWithHTTPClient(resty.New(), baseURL, timeout, log)
}

// NewWithHTTPClient is New with a caller supplied resty client, used by tests.
func NewWithHTTPClient(rc *resty.Client, baseURL string, timeout time.Duration, log zerolog.Logger) *Client {
	rc.SetBaseURL(baseURL).
		SetTimeout(timeout).
		SetHeader("Accept", "application/json")
	return &Client{
		http: rc,
		log:  log.With().Str("component", "api").Logger(),
	}
}

// SetToken sets the credential sent with every request.
func (c *Client) SetToken(token string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.token = token
}

func (c *Client) request(ctx context.Context) *resty.Request {
	c.mu.RLock()
	token := c.token
	c.mu.RUnlock()
	r := c.http.R().SetContext(ctx)
	if token != "" {
		r.SetAuthToken(token)
	}
	return r
}

// WhoAmI performs the session check.
func (c *Client) WhoAmI(ctx context.Context) (Profile, error) {
	var p Profile
	resp, err := c.request(ctx).SetResult(&p).Get("/api/auth/whoami")
	if err := c.check("whoami", resp, err, nil); err != nil {
		return Profile{}, err
	}
	if p.ID <= 0 {
		return Profile{}, &RequestError{Op: "whoami", Status: resp.StatusCode(), Err: errors.Wrap(protocol.ErrMalformed, "profile has no id")}
	}
	return p, nil
}

// History fetches the ordered messages of a conversation. A response that
// contains a message from another conversation is rejected as a whole.
func (c *Client) History(ctx context.Context, conv protocol.ConversationID) ([]protocol.Message, error) {
	var raw []map[string]any
	resp, err := c.request(ctx).
		SetPathParam("id", strconv.FormatInt(int64(conv), 10)).
		SetResult(&raw).
		Get("/api/conv/{id}/messages")
	if err := c.check("history", resp, err, protocol.ErrInvalidConversation); err != nil {
		return nil, err
	}
	out := make([]protocol.Message, 0, len(raw))
	for _, item := range raw {
		m, err := messageInConversation(item, conv)
		if err != nil {
			return nil, &RequestError{Op: "history", Status: resp.StatusCode(), Err: err}
		}
		m.Origin = protocol.OriginHistory
		out = append(out, m)
	}
	return out, nil
}

// Send posts a message and returns the server-confirmed copy.
func (c *Client) Send(ctx context.Context, conv protocol.ConversationID, body string) (protocol.Message, error) {
	var raw map[string]any
	resp, err := c.request(ctx).
		SetPathParam("id", strconv.FormatInt(int64(conv), 10)).
		SetBody(map[string]any{"message": body, "conversation_id": int64(conv)}).
		SetResult(&raw).
		Post("/api/conv/{id}/messages")
	if err := c.check("send", resp, err, protocol.ErrInvalidConversation); err != nil {
		return protocol.Message{}, err
	}
	m, err := messageInConversation(raw, conv)
	if err == nil && !m.Confirmed() {
		err = errors.Wrap(protocol.ErrMalformed, "send response has no message id")
	}
	if err != nil {
		return protocol.Message{}, &RequestError{Op: "send", Status: resp.StatusCode(), Err: err}
	}
	return m, nil
}

// MarkRead tells the remote service that the target notifications were read.
func (c *Client) MarkRead(ctx context.Context, target protocol.ReadTarget) error {
	r := c.request(ctx)
	path := "/api/user/notifications/read"
	switch target.Kind {
	case protocol.ReadKindNotification:
		r.SetPathParam("id", target.NotificationID)
		path += "/{id}"
	case protocol.ReadKindCategory:
		r.SetQueryParam("type", target.Category.String())
	case protocol.ReadKindConversation:
		r.SetQueryParam("conversation_id", strconv.FormatInt(int64(target.ConversationID), 10))
	}
	resp, err := r.Post(path)
	return c.check("mark read", resp, err, nil)
}

func (c *Client) check(op string, resp *resty.Response, err error, notFound error) error {
	if err != nil {
		return &RequestError{Op: op, Err: err}
	}
	status := resp.StatusCode()
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return &RequestError{Op: op, Status: status, Err: protocol.ErrUnauthorized}
	case (status == http.StatusNotFound || status == http.StatusBadRequest) && notFound != nil:
		return &RequestError{Op: op, Status: status, Err: notFound}
	case resp.IsError():
		return &RequestError{Op: op, Status: status, Err: errors.Errorf("unexpected response %q", resp.String())}
	}
	c.log.Debug().Str("op", op).Int("status", status).Dur("elapsed", resp.Time()).Msg("Request completed")
	return nil
}

// messageInConversation normalizes a REST message object that may omit its
// conversation id.
func messageInConversation(item map[string]any, conv protocol.ConversationID) (protocol.Message, error) {
	if item == nil {
		return protocol.Message{}, errors.Wrap(protocol.ErrMalformed, "empty message object")
	}
	if _, ok := item["conversation_id"]; !ok {
		item["conversation_id"] = float64(conv)
	}
	m, err := protocol.MessageFromWire(item)
	if err != nil {
		return protocol.Message{}, err
	}
	if m.ConversationID != conv {
		return protocol.Message{}, errors.Wrapf(protocol.ErrMalformed, "message belongs to conversation %d", m.ConversationID)
	}
	return m, nil
}
