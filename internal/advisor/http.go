package advisor

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// #region config
// HTTPConfig configures the remote advisor endpoint.
type HTTPConfig struct {
	Endpoint string
	APIKey   string
	Model    string
	Timeout  time.Duration
}

// DefaultHTTPConfig reads ADVISOR_ENDPOINT, ADVISOR_API_KEY, ADVISOR_MODEL
// and ADVISOR_TIMEOUT_MS from the environment. An empty endpoint means no
// remote advisor is configured.
func DefaultHTTPConfig() HTTPConfig {
	cfg := HTTPConfig{
		Endpoint: os.Getenv("ADVISOR_ENDPOINT"),
		APIKey:   os.Getenv("ADVISOR_API_KEY"),
		Model:    os.Getenv("ADVISOR_MODEL"),
		Timeout:  15 * time.Second,
	}
	if v := os.Getenv("ADVISOR_TIMEOUT_MS"); v != "" {
		if ms, err := strconv.Atoi(v); err == nil && ms > 0 {
			cfg.Timeout = time.Duration(ms) * time.Millisecond
		}
	}
	return cfg
}

// #endregion config

// #region schema
// responseSchema constrains what a remote advisor may send back. Edits with
// kinds outside the whitelist never make it past decoding.
const responseSchema = `{
  "type": "object",
  "required": ["edits"],
  "properties": {
    "rationale": {"type": "string"},
    "edits": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["kind"],
        "properties": {
          "kind": {
            "type": "string",
            "enum": ["add_condition", "add_order_constraint", "narrow_scope", "deprecate_rule"]
          },
          "rule_id": {"type": "string"},
          "condition": {
            "type": "object",
            "required": ["field", "operator"],
            "properties": {
              "field": {"type": "string"},
              "operator": {"type": "string", "enum": ["exists", "eq", "neq"]},
              "value": {"type": "string"}
            }
          },
          "must_follow": {
            "type": "array",
            "items": {"type": "string"}
          },
          "action": {"type": "string"},
          "scope": {"type": "string"},
          "reason": {"type": "string"}
        }
      }
    }
  }
}`

var compiledSchema = jsonschema.MustCompileString("advisor-response.json", responseSchema)

// #endregion schema

// #region http-advisor
// HTTP is an Advisor backed by a JSON-over-HTTP endpoint.
type HTTP struct {
	cfg    HTTPConfig
	client *http.Client
}

// NewHTTP returns an HTTP advisor. The configured timeout bounds the whole
// round trip; callers may tighten it further through ctx.
func NewHTTP(cfg HTTPConfig) *HTTP {
	return &HTTP{cfg: cfg, client: &http.Client{Timeout: cfg.Timeout}}
}

// Propose implements Advisor. The response body is checked against the
// edit schema before decoding, so a misbehaving endpoint degrades to an
// error instead of smuggling arbitrary edits in.
func (h *HTTP) Propose(ctx context.Context, req Request) (Response, error) {
	if h.cfg.Endpoint == "" {
		return Response{}, fmt.Errorf("advisor: no endpoint configured")
	}

	body, err := json.Marshal(struct {
		Model string `json:"model,omitempty"`
		Request
	}{Model: h.cfg.Model, Request: req})
	if err != nil {
		return Response{}, fmt.Errorf("advisor: encode request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, h.cfg.Endpoint, bytes.NewReader(body))
	if err != nil {
		return Response{}, fmt.Errorf("advisor: build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if h.cfg.APIKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+h.cfg.APIKey)
	}

	resp, err := h.client.Do(httpReq)
	if err != nil {
		return Response{}, fmt.Errorf("advisor: call %s: %w", h.cfg.Endpoint, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return Response{}, fmt.Errorf("advisor: read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return Response{}, fmt.Errorf("advisor: endpoint returned %d: %s", resp.StatusCode, truncate(raw, 200))
	}

	var decoded any
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return Response{}, fmt.Errorf("advisor: malformed response: %w", err)
	}
	if err := compiledSchema.Validate(decoded); err != nil {
		return Response{}, fmt.Errorf("advisor: response failed schema: %w", err)
	}

	var out Response
	if err := json.Unmarshal(raw, &out); err != nil {
		return Response{}, fmt.Errorf("advisor: decode response: %w", err)
	}
	return out, nil
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}

// #endregion http-advisor
