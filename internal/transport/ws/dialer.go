package ws

import (
	"context"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/gobwas/ws"
	"github.com/omochice/matcha-sync/internal/connection"
	"github.com/omochice/matcha-sync/pkg/protocol"
	"github.com/pkg/errors"
)

// Dialer opens push channel connections authenticated by an identity.
type Dialer struct {
	URL     string
	Timeout time.Duration
}

// NewDialer creates a Dialer for the endpoint at rawURL.
func NewDialer(rawURL string, timeout time.Duration) *Dialer {
	return &Dialer{URL: rawURL, Timeout: timeout}
}

var _ connection.Dialer = (*Dialer)(nil)

// Dial implements connection.Dialer. A 401 or 403 handshake response is
// reported as protocol.ErrUnauthorized.
func (d *Dialer) Dial(ctx context.Context, id protocol.Identity) (connection.Conn, error) {
	u, err := url.Parse(d.URL)
	if err != nil {
		return nil, errors.Wrap(err, "invalid socket url")
	}
	q := u.Query()
	q.Set("user_id", strconv.FormatInt(int64(id.UserID), 10))
	u.RawQuery = q.Encode()

	header := http.Header{}
	if id.Token != "" {
		header.Set("Authorization", "Bearer "+id.Token)
	}

	var rejected int
	dialer := ws.Dialer{
		Timeout: d.Timeout,
		Header:  ws.HandshakeHeaderHTTP(header),
		OnStatusError: func(status int, reason []byte, resp io.Reader) {
			rejected = status
		},
	}

	conn, br, _, err := dialer.Dial(ctx, u.String())
	if err != nil {
		if rejected == http.StatusUnauthorized || rejected == http.StatusForbidden {
			return nil, errors.Wrapf(protocol.ErrUnauthorized, "handshake rejected with status %d", rejected)
		}
		return nil, errors.Wrap(err, "failed to connect to server")
	}
	return newConn(conn, br), nil
}
