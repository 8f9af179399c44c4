// File: internal/mailbox/disposable.go
package mailbox

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/nyxra/enroller/internal/config"
	"github.com/nyxra/enroller/internal/mailcode"
)

// DisposableBackend drives a temporary-mailbox management API. The mailbox is
// created lazily in EnsureMailbox and deleted unconditionally in Dispose,
// regardless of how the run ended.
type DisposableBackend struct {
	cfg       config.DisposableConfig
	allowList []string
	client    *http.Client
	logger    *zap.Logger

	address  string
	password string
}

// NewDisposableBackend wires a disposable-mailbox client.
func NewDisposableBackend(cfg config.DisposableConfig, allowList []string, logger *zap.Logger) *DisposableBackend {
	return &DisposableBackend{
		cfg:       cfg,
		allowList: allowList,
		client:    &http.Client{Timeout: 30 * time.Second},
		logger:    logger.Named("disposable"),
	}
}

func (d *DisposableBackend) Address() string { return d.address }

// EnsureMailbox creates the temporary address on first call.
func (d *DisposableBackend) EnsureMailbox(ctx context.Context) error {
	if d.address != "" {
		return nil
	}

	name := strings.ReplaceAll(uuid.NewString(), "-", "")[:12]
	password := uuid.NewString()

	create := map[string]string{
		"name":     name,
		"password": password,
	}
	if d.cfg.Domain != "" {
		create["domain"] = d.cfg.Domain
	}
	payload, err := json.Marshal(create)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		d.endpoint("/mailboxes"), bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-API-Key", d.cfg.APIKey)

	resp, err := d.client.Do(req)
	if err != nil {
		return fmt.Errorf("creating mailbox: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return err
	}
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return fmt.Errorf("mailbox creation returned %d: %s", resp.StatusCode, truncate(body, 200))
	}

	var created struct {
		Email string `json:"email"`
	}
	if err := json.Unmarshal(body, &created); err != nil {
		return fmt.Errorf("decoding mailbox creation response: %w", err)
	}
	if created.Email == "" {
		return fmt.Errorf("mailbox service returned no address")
	}

	d.address = created.Email
	d.password = password
	d.logger.Info("Temporary mailbox created.", zap.String("address", d.address))
	return nil
}

// WaitForCode polls the message list, fetches full bodies for allow-listed
// senders, and runs the extractor against each.
func (d *DisposableBackend) WaitForCode(ctx context.Context, maxWait, pollInterval time.Duration) (string, error) {
	if d.address == "" {
		return "", fmt.Errorf("mailbox not created; call EnsureMailbox first")
	}
	return pollForCode(ctx, d.logger, maxWait, pollInterval, d.sweep)
}

// Dispose deletes the temporary mailbox. Safe to call on both success and
// failure paths; once the address is cleared further calls are no-ops.
func (d *DisposableBackend) Dispose(ctx context.Context) error {
	if d.address == "" {
		return nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodDelete,
		d.endpoint("/mailboxes/"+url.PathEscape(d.address)), nil)
	if err != nil {
		return err
	}
	req.Header.Set("X-API-Key", d.cfg.APIKey)

	resp, err := d.client.Do(req)
	if err != nil {
		return fmt.Errorf("deleting mailbox %s: %w", d.address, err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode >= 300 {
		return fmt.Errorf("mailbox deletion returned %d", resp.StatusCode)
	}

	d.logger.Info("Temporary mailbox deleted.", zap.String("address", d.address))
	d.address = ""
	d.password = ""
	return nil
}

func (d *DisposableBackend) sweep(ctx context.Context) (string, bool, error) {
	list, err := d.listMessages(ctx)
	if err != nil {
		return "", false, err
	}

	for _, stub := range list {
		if !senderAllowed(stub.From, d.allowList) {
			continue
		}
		msg, err := d.fetchMessage(ctx, stub.UID)
		if err != nil {
			return "", false, err
		}
		if code, ok := mailcode.ExtractFromMail(msg.HTMLBody, msg.TextBody); ok {
			return code, true, nil
		}
	}
	return "", false, nil
}

func (d *DisposableBackend) listMessages(ctx context.Context) ([]Message, error) {
	endpoint := fmt.Sprintf("%s/mailboxes/%s/messages?limit=20&offset=0",
		strings.TrimRight(d.cfg.BaseURL, "/"), url.PathEscape(d.address))

	body, err := d.get(ctx, endpoint)
	if err != nil {
		return nil, err
	}

	var payload struct {
		Messages []struct {
			UID     string `json:"uid"`
			From    string `json:"from"`
			Subject string `json:"subject"`
		} `json:"messages"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, fmt.Errorf("decoding message list: %w", err)
	}

	messages := make([]Message, 0, len(payload.Messages))
	for _, m := range payload.Messages {
		messages = append(messages, Message{UID: m.UID, From: m.From, Subject: m.Subject})
	}
	return messages, nil
}

func (d *DisposableBackend) fetchMessage(ctx context.Context, uid string) (Message, error) {
	endpoint := fmt.Sprintf("%s/mailboxes/%s/messages/%s",
		strings.TrimRight(d.cfg.BaseURL, "/"), url.PathEscape(d.address), url.PathEscape(uid))

	body, err := d.get(ctx, endpoint)
	if err != nil {
		return Message{}, err
	}

	var payload struct {
		UID  string `json:"uid"`
		From string `json:"from"`
		Text string `json:"text"`
		HTML string `json:"html"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return Message{}, fmt.Errorf("decoding message %s: %w", uid, err)
	}
	return Message{UID: uid, From: payload.From, TextBody: payload.Text, HTMLBody: payload.HTML}, nil
}

// get performs an authenticated GET against a message endpoint. Message
// endpoints require the per-mailbox password header on top of the API key.
func (d *DisposableBackend) get(ctx context.Context, endpoint string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("X-API-Key", d.cfg.APIKey)
	req.Header.Set("X-Mailbox-Password", d.password)

	resp, err := d.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("mailbox API returned %d: %s", resp.StatusCode, truncate(body, 200))
	}
	return body, nil
}

func (d *DisposableBackend) endpoint(path string) string {
	return strings.TrimRight(d.cfg.BaseURL, "/") + path
}
