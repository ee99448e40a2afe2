package platform

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/jmehdipour/social-publisher/internal/apperr"
	"github.com/jmehdipour/social-publisher/internal/model"
	"github.com/jmehdipour/social-publisher/internal/util"
	"go.uber.org/zap"
)

// ErrPostNotFound is wrapped into the error when the platform answers 404.
var ErrPostNotFound = errors.New("post not found on platform")

// apiClient is the shared JSON-over-HTTP plumbing for the REST adapters.
type apiClient struct {
	platform model.Platform
	baseURL  string
	token    string
	hc       *http.Client
	log      *zap.Logger
}

type request struct {
	method string
	path   string
	query  url.Values
	json   any
	form   url.Values
}

func (c *apiClient) do(ctx context.Context, op string, r request, out any) ([]byte, error) {
	u := c.baseURL + r.path
	if len(r.query) > 0 {
		u += "?" + r.query.Encode()
	}

	var body io.Reader
	contentType := ""
	switch {
	case r.json != nil:
		b, err := json.Marshal(r.json)
		if err != nil {
			return nil, apperr.Wrap(apperr.KindInternal, op, "encode request", err)
		}
		body, contentType = bytes.NewReader(b), "application/json"
	case r.form != nil:
		body, contentType = strings.NewReader(r.form.Encode()), "application/x-www-form-urlencoded"
	}

	req, err := http.NewRequestWithContext(ctx, r.method, u, body)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindInternal, op, "build request", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}

	res, err := c.hc.Do(req)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindTransient, op, c.platform.DisplayName()+" is unreachable", err)
	}
	defer res.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(res.Body, 4<<20))
	if err != nil {
		return nil, apperr.Wrap(apperr.KindTransient, op, "read response", err)
	}

	if res.StatusCode/100 != 2 {
		c.log.Warn("platform call failed",
			zap.String("op", op),
			zap.Int("status", res.StatusCode),
			zap.String("body", util.RedactSecrets(string(raw))),
		)
		return raw, classifyStatus(op, c.platform, res.StatusCode, providerMessage(raw))
	}

	if out != nil && len(raw) > 0 {
		if err := json.Unmarshal(raw, out); err != nil {
			return raw, apperr.Wrap(apperr.KindTransient, op, "unreadable response", err)
		}
	}
	return raw, nil
}

// classifyStatus maps provider HTTP status to the error taxonomy.
func classifyStatus(op string, p model.Platform, status int, msg string) error {
	reason := fmt.Sprintf("%s returned %d", p.DisplayName(), status)
	if msg != "" {
		reason += ": " + msg
	}

	switch {
	case status == http.StatusUnauthorized:
		return apperr.New(apperr.KindReconnectionRequired, op, reason)
	case status == http.StatusTooManyRequests || status >= 500:
		return apperr.New(apperr.KindTransient, op, reason)
	case status == http.StatusNotFound:
		return apperr.Wrap(apperr.KindRejected, op, reason, ErrPostNotFound)
	default:
		return apperr.New(apperr.KindRejected, op, reason)
	}
}

// providerMessage pulls a short human readable message out of common error shapes.
func providerMessage(raw []byte) string {
	var env struct {
		Error  json.RawMessage `json:"error"`
		Detail string          `json:"detail"`
		Title  string          `json:"title"`
	}
	if json.Unmarshal(raw, &env) != nil {
		return ""
	}

	msg := env.Detail
	if msg == "" {
		msg = env.Title
	}
	if len(env.Error) > 0 {
		var obj struct {
			Message string `json:"message"`
		}
		var s string
		if json.Unmarshal(env.Error, &obj) == nil && obj.Message != "" {
			msg = obj.Message
		} else if json.Unmarshal(env.Error, &s) == nil && s != "" {
			msg = s
		}
	}

	return util.Truncate(util.RedactSecrets(msg), 200)
}

func isNotFound(err error) bool { return errors.Is(err, ErrPostNotFound) }
