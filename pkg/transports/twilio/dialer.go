package twilio

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/twilio/twilio-go"
	api "github.com/twilio/twilio-go/rest/api/v2010"

	"github.com/harunnryd/duplex/pkg/transports"
)

type callCreator interface {
	CreateCall(params *api.CreateCallParams) (*api.ApiV2010Call, error)
}

// Dialer places outbound calls that connect back to this transport's
// voice webhook, where they become sessions like any inbound call.
type Dialer struct {
	cfg    Config
	client callCreator
}

func NewDialer(cfg Config) *Dialer {
	return &Dialer{cfg: cfg.withDefaults()}
}

func (d *Dialer) Dial(ctx context.Context, to, from, webhook string) (string, error) {
	return d.DialWithOptions(ctx, to, from, webhook, transports.DialOptions{})
}

// DialWithOptions places the call and returns its SID. An empty webhook
// uses the transport's voice URL; room and trace id ride along as query
// parameters and come back on the media stream.
func (d *Dialer) DialWithOptions(ctx context.Context, to, from, webhook string, opts transports.DialOptions) (string, error) {
	if strings.TrimSpace(to) == "" || strings.TrimSpace(from) == "" {
		return "", errors.New("twilio dial: to and from are required")
	}
	if d.cfg.AccountSID == "" || d.cfg.AuthToken == "" {
		return "", errors.New("twilio dial: account_sid and auth_token are required")
	}
	if webhook == "" {
		webhook = (&Transport{cfg: d.cfg}).voiceWebhookURL()
	}
	webhook, err := withDialContext(webhook, opts)
	if err != nil {
		return "", fmt.Errorf("twilio dial: webhook url: %w", err)
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}

	params := &api.CreateCallParams{}
	params.SetTo(to)
	params.SetFrom(from)
	params.SetUrl(webhook)
	if digits := strings.TrimSpace(opts.SendDigits); digits != "" {
		params.SetSendDigits(digits)
	}
	if secs := int(opts.RingTimeout.Seconds()); secs > 0 {
		params.SetTimeout(secs)
	}
	if d.cfg.StatusCallbackPath != "" && d.cfg.PublicURL != "" {
		params.SetStatusCallback("https://" + normalizePublicURL(d.cfg.PublicURL) + d.cfg.StatusCallbackPath)
		params.SetStatusCallbackEvent([]string{"completed"})
	}

	resp, err := d.creator().CreateCall(params)
	if err != nil {
		return "", fmt.Errorf("twilio create call: %w", err)
	}
	if resp == nil || resp.Sid == nil {
		return "", errors.New("twilio create call: response has no call sid")
	}
	return *resp.Sid, nil
}

func (d *Dialer) creator() callCreator {
	if d.client != nil {
		return d.client
	}
	rest := twilio.NewRestClientWithParams(twilio.ClientParams{
		Username: d.cfg.AccountSID,
		Password: d.cfg.AuthToken,
	})
	return rest.Api
}

func withDialContext(webhook string, opts transports.DialOptions) (string, error) {
	if opts.Room == "" && opts.TraceID == "" {
		return webhook, nil
	}
	u, err := url.Parse(webhook)
	if err != nil {
		return "", err
	}
	q := u.Query()
	if opts.Room != "" {
		q.Set(paramRoom, opts.Room)
	}
	if opts.TraceID != "" {
		q.Set(paramTraceID, opts.TraceID)
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}
