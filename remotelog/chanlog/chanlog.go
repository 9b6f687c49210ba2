// Package chanlog implements remotelog.Log over the messages of a chat
// channel, using a Discord-compatible REST API. Each message bearing exactly
// one attachment is an Entry of the Log: the attachment is the Entry blob and
// the message content is its caption. Other messages of the channel are
// ignored.
//
// Message IDs are snowflakes, which order by post time when compared
// numerically. Entry IDs are snowflakes zero-padded to twenty digits, so that
// they also order when compared as strings.
package chanlog

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/keepsakebot/keepsake/remotelog"
	pkgerrors "github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
)

// MaxPageSize is the largest number of messages the API returns per request.
const MaxPageSize = 100

// Config of a channel Log.
type Config struct {
	// BaseURL of the REST API.
	BaseURL string `long:"base-url" env:"BASE_URL" default:"https://discord.com/api/v10" description:"Base URL of the channel REST API"`
	// Token presented in the Authorization header, as "Bot <Token>".
	Token string `long:"token" env:"TOKEN" description:"Bot token used to authenticate with the channel API"`
	// RequestsPerSecond bounds the steady-state rate of API requests.
	RequestsPerSecond float64 `long:"rps" env:"RPS" default:"2" description:"Maximum steady-state API requests per second"`
	// Burst of requests permitted above RequestsPerSecond.
	Burst int `long:"burst" env:"BURST" default:"5" description:"Maximum burst of API requests"`
}

// Log is a remotelog.Log of channel messages.
type Log struct {
	cfg     Config
	channel string
	client  *http.Client
	limiter *rate.Limiter
}

// New returns a Log of messages in |channel|. If |client| is nil,
// http.DefaultClient is used.
func New(cfg Config, channel string, client *http.Client) (*Log, error) {
	if _, err := strconv.ParseUint(channel, 10, 64); err != nil {
		return nil, fmt.Errorf("invalid channel ID %q", channel)
	} else if _, err = url.Parse(cfg.BaseURL); err != nil || cfg.BaseURL == "" {
		return nil, fmt.Errorf("invalid base URL %q", cfg.BaseURL)
	}
	if client == nil {
		client = http.DefaultClient
	}
	var limit = rate.Inf
	if cfg.RequestsPerSecond > 0 {
		limit = rate.Limit(cfg.RequestsPerSecond)
	}
	if cfg.Burst < 1 {
		cfg.Burst = 1
	}
	return &Log{
		cfg:     cfg,
		channel: channel,
		client:  client,
		limiter: rate.NewLimiter(limit, cfg.Burst),
	}, nil
}

// message is the subset of an API message used by Log.
type message struct {
	ID          string       `json:"id"`
	Content     string       `json:"content"`
	Timestamp   time.Time    `json:"timestamp"`
	Attachments []attachment `json:"attachments"`
}

type postPayload struct {
	Content     string           `json:"content"`
	Attachments []postAttachment `json:"attachments"`
}

// postAttachment references the multipart file "files[ID]".
type postAttachment struct {
	ID       int    `json:"id"`
	Filename string `json:"filename"`
}

type attachment struct {
	ID       string `json:"id"`
	Filename string `json:"filename"`
	Size     int64  `json:"size"`
	URL      string `json:"url"`
}

func (m message) entry() (remotelog.Entry, bool) {
	if len(m.Attachments) != 1 {
		return remotelog.Entry{}, false
	}
	var id, ok = padID(m.ID)
	if !ok {
		return remotelog.Entry{}, false
	}
	return remotelog.Entry{
		ID:      id,
		Name:    m.Attachments[0].Filename,
		Caption: m.Content,
		Size:    m.Attachments[0].Size,
		Created: m.Timestamp,
	}, true
}

// List implements remotelog.Log. As messages without an attachment aren't
// Entries, List may issue several requests to fill a page.
func (l *Log) List(ctx context.Context, pageSize int, before string) ([]remotelog.Entry, error) {
	if pageSize < 1 {
		return nil, fmt.Errorf("invalid page size %d", pageSize)
	}
	if before != "" {
		var mid, ok = unpadID(before)
		if !ok {
			return nil, fmt.Errorf("invalid cursor %q", before)
		}
		before = mid
	}
	var out []remotelog.Entry

	for len(out) < pageSize {
		var limit = pageSize - len(out)
		if limit > MaxPageSize {
			limit = MaxPageSize
		}
		var q = url.Values{"limit": {strconv.Itoa(limit)}}
		if before != "" {
			q.Set("before", before)
		}
		var msgs []message
		if err := l.doJSON(ctx, "list", http.MethodGet, l.channelPath("messages")+"?"+q.Encode(), nil, "", &msgs); err != nil {
			return nil, err
		}
		for _, m := range msgs {
			if e, ok := m.entry(); ok {
				out = append(out, e)
			}
		}
		if len(msgs) < limit {
			break // End of the channel.
		}
		before = msgs[len(msgs)-1].ID
	}
	return out, nil
}

// Post implements remotelog.Log.
func (l *Log) Post(ctx context.Context, name string, blob []byte, caption string) (remotelog.Entry, error) {
	var body bytes.Buffer
	var w = multipart.NewWriter(&body)

	var payload, err = json.Marshal(postPayload{
		Content:     caption,
		Attachments: []postAttachment{{ID: 0, Filename: name}},
	})
	if err != nil {
		return remotelog.Entry{}, err
	}
	if err = w.WriteField("payload_json", string(payload)); err != nil {
		return remotelog.Entry{}, err
	}
	part, err := w.CreateFormFile("files[0]", name)
	if err != nil {
		return remotelog.Entry{}, err
	}
	if _, err = part.Write(blob); err != nil {
		return remotelog.Entry{}, err
	} else if err = w.Close(); err != nil {
		return remotelog.Entry{}, err
	}

	var msg message
	if err = l.doJSON(ctx, "post", http.MethodPost, l.channelPath("messages"), body.Bytes(), w.FormDataContentType(), &msg); err != nil {
		return remotelog.Entry{}, err
	}
	var e, ok = msg.entry()
	if !ok {
		return remotelog.Entry{}, fmt.Errorf("post: response message %s has %d attachments", msg.ID, len(msg.Attachments))
	}
	log.WithFields(log.Fields{
		"channel": l.channel,
		"id":      e.ID,
		"name":    name,
		"size":    e.Size,
	}).Debug("posted channel log entry")

	return e, nil
}

// Delete implements remotelog.Log.
func (l *Log) Delete(ctx context.Context, id string) error {
	var mid, ok = unpadID(id)
	if !ok {
		return nil // Cannot exist.
	}
	var err = l.doJSON(ctx, "delete", http.MethodDelete, l.channelPath("messages", mid), nil, "", nil)
	if isNotFound(err) {
		return nil
	}
	return err
}

// Open implements remotelog.Log. Attachment URLs expire, so the message is
// fetched anew to obtain a current one.
func (l *Log) Open(ctx context.Context, e remotelog.Entry) (io.ReadCloser, error) {
	var mid, ok = unpadID(e.ID)
	if !ok {
		return nil, fmt.Errorf("%s: %w", e.ID, remotelog.ErrNotFound)
	}
	var msg message
	var err = l.doJSON(ctx, "open", http.MethodGet, l.channelPath("messages", mid), nil, "", &msg)
	if isNotFound(err) {
		return nil, fmt.Errorf("%s: %w", e.ID, remotelog.ErrNotFound)
	} else if err != nil {
		return nil, err
	} else if len(msg.Attachments) != 1 {
		return nil, fmt.Errorf("%s: %w", e.ID, remotelog.ErrNotFound)
	}

	// Attachments are served by a CDN which takes no authorization.
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, msg.Attachments[0].URL, nil)
	if err != nil {
		return nil, err
	}
	if err = l.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	resp, err := l.client.Do(req)
	if err != nil {
		return nil, remotelog.Transient("open", err)
	}
	if err = checkStatus("open", resp); err != nil {
		resp.Body.Close()
		if isNotFound(err) {
			return nil, fmt.Errorf("%s: %w", e.ID, remotelog.ErrNotFound)
		}
		return nil, err
	}
	return resp.Body, nil
}

func (l *Log) channelPath(parts ...string) string {
	return "/channels/" + l.channel + "/" + strings.Join(parts, "/")
}

// doJSON issues a rate-limited API request, and decodes a JSON response into
// |out| if it's non-nil.
func (l *Log) doJSON(ctx context.Context, op, method, path string, body []byte, contentType string, out interface{}) error {
	if err := l.limiter.Wait(ctx); err != nil {
		return err
	}
	var rd io.Reader
	if body != nil {
		rd = bytes.NewReader(body)
	}
	var req, err = http.NewRequestWithContext(ctx, method, strings.TrimSuffix(l.cfg.BaseURL, "/")+path, rd)
	if err != nil {
		return err
	}
	if l.cfg.Token != "" {
		req.Header.Set("Authorization", "Bot "+l.cfg.Token)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}

	resp, err := l.client.Do(req)
	if err != nil {
		if ctx.Err() == context.Canceled {
			return err
		}
		return remotelog.Transient(op, err)
	}
	defer resp.Body.Close()

	if err = checkStatus(op, resp); err != nil {
		return err
	} else if out == nil {
		return nil
	} else if err = json.NewDecoder(resp.Body).Decode(out); err != nil {
		return remotelog.Transient(op, pkgerrors.WithMessage(err, "decoding response"))
	}
	return nil
}

// StatusError is an unexpected HTTP response status.
type StatusError struct {
	Op         string
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s: unexpected status %d: %s", e.Op, e.StatusCode, e.Body)
}

// checkStatus returns nil for 2xx responses. Rate limiting and server errors
// are transient. Other statuses, including authorization failures, are not.
func checkStatus(op string, resp *http.Response) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	var b, _ = io.ReadAll(io.LimitReader(resp.Body, 512))
	var err = &StatusError{Op: op, StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(b))}

	if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
		return remotelog.Transient(op, err)
	}
	return err
}

func isNotFound(err error) bool {
	var se *StatusError
	return pkgerrors.As(err, &se) && se.StatusCode == http.StatusNotFound
}

func padID(id string) (string, bool) {
	var n, err = strconv.ParseUint(id, 10, 64)
	if err != nil {
		return "", false
	}
	return fmt.Sprintf("%020d", n), true
}

func unpadID(id string) (string, bool) {
	var n, err = strconv.ParseUint(id, 10, 64)
	if err != nil {
		return "", false
	}
	return strconv.FormatUint(n, 10), true
}
