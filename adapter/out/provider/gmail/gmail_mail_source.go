// Package gmail adapts the Gmail API to the core's MailSource port.
package gmail

import (
	"context"
	"encoding/base64"
	"fmt"
	"net/mail"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sony/gobreaker"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	gmailapi "google.golang.org/api/gmail/v1"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"

	"knowledgetree/core/domain"
	"knowledgetree/core/port/out"
	"knowledgetree/pkg/crypto"
	"knowledgetree/pkg/httputil"
	"knowledgetree/pkg/logger"
)

// Config configures the adapter's OAuth client.
type Config struct {
	ClientID     string
	ClientSecret string
	RedirectURL  string
}

// Adapter implements out.MailSource against the Gmail API, resolving a
// refresh token per account through OAuthRepo and refreshing it lazily.
type Adapter struct {
	oauth2Config *oauth2.Config
	oauthRepo    out.OAuthRepository
	cb           *gobreaker.CircuitBreaker
}

// NewAdapter wires an Adapter. oauthRepo resolves the stored refresh
// token for an account; the adapter never performs the authorization
// dance itself; connections are seeded out of band.
func NewAdapter(cfg Config, oauthRepo out.OAuthRepository) *Adapter {
	oc := &oauth2.Config{
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
		RedirectURL:  cfg.RedirectURL,
		Scopes:       []string{gmailapi.GmailReadonlyScope},
		Endpoint:     google.Endpoint,
	}
	cbSettings := gobreaker.Settings{
		Name:        "gmail-api",
		MaxRequests: 3,
		Interval:    60 * time.Second,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			ratio := float64(counts.TotalFailures) / float64(counts.Requests)
			return counts.ConsecutiveFailures > 5 || (counts.Requests >= 10 && ratio >= 0.6)
		},
	}
	return &Adapter{
		oauth2Config: oc,
		oauthRepo:    oauthRepo,
		cb:           gobreaker.NewCircuitBreaker(cbSettings),
	}
}

func (a *Adapter) service(ctx context.Context, accountID uuid.UUID) (*gmailapi.Service, string, error) {
	conn, err := a.oauthRepo.GetByAccount(ctx, accountID)
	if err != nil {
		return nil, "", fmt.Errorf("%s: %w", string(domain.ErrAuthMissing), err)
	}
	if conn == nil {
		return nil, "", fmt.Errorf("%s: no gmail connection for account %s", string(domain.ErrAuthMissing), accountID)
	}
	refresh, err := crypto.DecryptToken(conn.RefreshToken)
	if err != nil {
		refresh = conn.RefreshToken
	}
	token := &oauth2.Token{AccessToken: conn.AccessToken, RefreshToken: refresh, Expiry: conn.ExpiresAt}
	// Route the oauth transport over the Gmail-tuned connection pool.
	ctx = context.WithValue(ctx, oauth2.HTTPClient, httputil.GmailClient())
	svc, err := gmailapi.NewService(ctx, option.WithTokenSource(a.oauth2Config.TokenSource(ctx, token)))
	if err != nil {
		return nil, "", fmt.Errorf("%s: %w", string(domain.ErrMailSourceUnavailable), err)
	}
	return svc, conn.Email, nil
}

// ListSent streams every message the account sent since the given time.
func (a *Adapter) ListSent(ctx context.Context, accountID uuid.UUID, since time.Time) (<-chan domain.Message, <-chan error) {
	return a.stream(ctx, accountID, fmt.Sprintf("in:sent after:%d", since.Unix()))
}

// ListWith streams every message exchanged with one address, both
// directions, since the given time.
func (a *Adapter) ListWith(ctx context.Context, accountID uuid.UUID, address string, since time.Time) (<-chan domain.Message, <-chan error) {
	query := fmt.Sprintf("(from:%s OR to:%s) after:%d", address, address, since.Unix())
	return a.stream(ctx, accountID, query)
}

func (a *Adapter) stream(ctx context.Context, accountID uuid.UUID, query string) (<-chan domain.Message, <-chan error) {
	out := make(chan domain.Message, 64)
	errc := make(chan error, 1)

	go func() {
		defer close(out)
		defer close(errc)

		svc, ownerEmail, err := a.service(ctx, accountID)
		if err != nil {
			errc <- err
			return
		}

		pageToken := ""
		for {
			select {
			case <-ctx.Done():
				errc <- ctx.Err()
				return
			default:
			}

			var resp *gmailapi.ListMessagesResponse
			_, cbErr := a.cb.Execute(func() (interface{}, error) {
				req := svc.Users.Messages.List("me").Q(query).MaxResults(100).Context(ctx)
				if pageToken != "" {
					req = req.PageToken(pageToken)
				}
				var apiErr error
				resp, apiErr = req.Do()
				return nil, apiErr
			})
			if cbErr != nil {
				errc <- fmt.Errorf("%s: %w", string(domain.ErrMailSourceUnavailable), classify(cbErr))
				return
			}

			for _, ref := range resp.Messages {
				select {
				case <-ctx.Done():
					errc <- ctx.Err()
					return
				default:
				}
				full, err := svc.Users.Messages.Get("me", ref.Id).Format("full").Context(ctx).Do()
				if err != nil {
					logger.Warn("gmail: failed to fetch message %s: %v", ref.Id, err)
					continue
				}
				msg, ok := convert(accountID, full, ownerEmail)
				if !ok {
					continue
				}
				out <- msg
			}

			if resp.NextPageToken == "" {
				return
			}
			pageToken = resp.NextPageToken
		}
	}()

	return out, errc
}

func classify(err error) error {
	if apiErr, ok := err.(*googleapi.Error); ok {
		switch apiErr.Code {
		case 401, 403:
			return fmt.Errorf("%s: %w", string(domain.ErrAuthMissing), err)
		}
	}
	return err
}

func convert(accountID uuid.UUID, m *gmailapi.Message, ownerEmail string) (domain.Message, bool) {
	header := func(name string) string {
		for _, h := range m.Payload.Headers {
			if h.Name == name {
				return h.Value
			}
		}
		return ""
	}

	from := parseAddress(header("From"))
	to := parseAddresses(header("To"))
	cc := parseAddresses(header("Cc"))
	bcc := parseAddresses(header("Bcc"))

	ts := time.UnixMilli(m.InternalDate)
	if m.InternalDate == 0 {
		if parsed, err := mail.ParseDate(header("Date")); err == nil {
			ts = parsed
		}
	}

	direction := domain.DirectionInbound
	if strings.EqualFold(from, ownerEmail) {
		direction = domain.DirectionOutbound
	}

	return domain.Message{
		AccountID:  accountID,
		ExternalID: m.Id,
		Direction:  direction,
		Timestamp:  ts,
		From:       from,
		To:         to,
		Cc:         cc,
		Bcc:        bcc,
		Subject:    header("Subject"),
		Body:       decodeBody(m.Payload),
		ThreadID:   m.ThreadId,
	}, true
}

func decodeBody(part *gmailapi.MessagePart) string {
	if part == nil {
		return ""
	}
	if part.MimeType == "text/plain" && part.Body != nil && part.Body.Data != "" {
		if data, err := base64.URLEncoding.DecodeString(part.Body.Data); err == nil {
			return string(data)
		}
	}
	for _, p := range part.Parts {
		if body := decodeBody(p); body != "" {
			return body
		}
	}
	return ""
}

func parseAddress(s string) string {
	addr, err := mail.ParseAddress(s)
	if err != nil {
		return s
	}
	return addr.Address
}

func parseAddresses(s string) []string {
	list, err := mail.ParseAddressList(s)
	if err != nil {
		if s == "" {
			return nil
		}
		return []string{s}
	}
	addrs := make([]string, len(list))
	for i, a := range list {
		addrs[i] = a.Address
	}
	return addrs
}
