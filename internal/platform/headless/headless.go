// Package headless adapts the local browser-automation agent to the pool's
// Driver and the publisher's Surface/EvidenceSource interfaces.
//
// The agent owns the actual headless browser contexts and exposes them over
// a local HTTP API; this package holds no UI knowledge. One Client serves
// all interfaces, so a single wiring line covers the whole platform side.
package headless

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/jatenner/xBOT-sub003/internal/browser"
	"github.com/jatenner/xBOT-sub003/internal/ledger"
	"github.com/jatenner/xBOT-sub003/internal/publish"
)

type Config struct {
	// BaseURL of the automation agent, e.g. "http://127.0.0.1:8844".
	BaseURL string
	Timeout time.Duration
}

func (c Config) withDefaults() Config {
	if strings.TrimSpace(c.BaseURL) == "" {
		c.BaseURL = "http://127.0.0.1:8844"
	}
	if c.Timeout <= 0 {
		c.Timeout = 90 * time.Second
	}
	return c
}

type Client struct {
	base string
	http *http.Client
}

func New(cfg Config) *Client {
	cfg = cfg.withDefaults()
	return &Client{
		base: strings.TrimRight(cfg.BaseURL, "/"),
		http: &http.Client{Timeout: cfg.Timeout},
	}
}

// session is the pool Handle: one browser context held by the agent.
type session struct {
	c  *Client
	id string
}

func (s *session) Close(ctx context.Context) error {
	return s.c.do(ctx, http.MethodDelete, "/v1/sessions/"+s.id, nil, nil)
}

// Open implements browser.Driver.
func (c *Client) Open(ctx context.Context) (browser.Handle, error) {
	var out struct {
		ID string `json:"id"`
	}
	if err := c.do(ctx, http.MethodPost, "/v1/sessions", nil, &out); err != nil {
		return nil, fmt.Errorf("open session: %w", err)
	}
	if out.ID == "" {
		return nil, errors.New("open session: agent returned empty id")
	}
	return &session{c: c, id: out.ID}, nil
}

// Execute implements publish.Surface.
func (c *Client) Execute(ctx context.Context, sess *browser.Session, payload string) (publish.ActionResult, error) {
	id, err := agentID(sess)
	if err != nil {
		return publish.ActionResult{}, err
	}

	in := map[string]string{"text": payload}
	var out struct {
		Executed       bool   `json:"executed"`
		Rejected       bool   `json:"rejected"`
		Reason         string `json:"reason"`
		ConfirmationID string `json:"confirmation_id"`
		RedirectURL    string `json:"redirect_url"`
	}
	err = c.do(ctx, http.MethodPost, "/v1/sessions/"+id+"/post", in, &out)
	res := publish.ActionResult{
		Executed:       out.Executed,
		Rejected:       out.Rejected,
		Reason:         out.Reason,
		ConfirmationID: out.ConfirmationID,
		RedirectURL:    out.RedirectURL,
	}
	if err != nil {
		// A timeout mid-request is ambiguous: the click may have landed
		// before the response was lost. Report it executed so the caller
		// goes through confirmation instead of blind retry.
		if isTimeout(err) {
			res.Executed = true
		}
		return res, fmt.Errorf("post action: %w", err)
	}
	return res, nil
}

// RecentActivity implements publish.EvidenceSource.
func (c *Client) RecentActivity(ctx context.Context, sess *browser.Session) ([]publish.Evidence, error) {
	id, err := agentID(sess)
	if err != nil {
		return nil, err
	}
	var out []struct {
		Content    string    `json:"content"`
		PlatformID string    `json:"platform_id"`
		PostedAt   time.Time `json:"posted_at"`
	}
	if err := c.do(ctx, http.MethodGet, "/v1/sessions/"+id+"/timeline", nil, &out); err != nil {
		return nil, fmt.Errorf("timeline: %w", err)
	}
	items := make([]publish.Evidence, 0, len(out))
	for _, it := range out {
		items = append(items, publish.Evidence{
			Content:    it.Content,
			PlatformID: it.PlatformID,
			PostedAt:   it.PostedAt,
		})
	}
	return items, nil
}

// Engagements reads current engagement numbers for the account's items.
func (c *Client) Engagements(ctx context.Context, sess *browser.Session) ([]ledger.Engagement, error) {
	id, err := agentID(sess)
	if err != nil {
		return nil, err
	}
	var out []struct {
		PlatformID string `json:"platform_id"`
		Likes      int    `json:"likes"`
		Reposts    int    `json:"reposts"`
		Replies    int    `json:"replies"`
	}
	if err := c.do(ctx, http.MethodGet, "/v1/sessions/"+id+"/engagement", nil, &out); err != nil {
		return nil, fmt.Errorf("engagement: %w", err)
	}
	items := make([]ledger.Engagement, 0, len(out))
	now := time.Now().UTC()
	for _, it := range out {
		items = append(items, ledger.Engagement{
			PlatformID:  it.PlatformID,
			Likes:       it.Likes,
			Reposts:     it.Reposts,
			Replies:     it.Replies,
			CollectedAt: now,
		})
	}
	return items, nil
}

var errAgentStatus = errors.New("agent error status")

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne interface{ Timeout() bool }
	return errors.As(err, &ne) && ne.Timeout()
}

func agentID(sess *browser.Session) (string, error) {
	s, ok := sess.Handle().(*session)
	if !ok || s == nil {
		return "", errors.New("headless: session was not opened by this driver")
	}
	return s.id, nil
}

func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, body)
	if err != nil {
		return err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return fmt.Errorf("%w: %s %s: %d %s", errAgentStatus, method, path, resp.StatusCode, strings.TrimSpace(string(msg)))
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
