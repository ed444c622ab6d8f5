package trigger

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"crypto/sha512"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"hash"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/flowforge/triggers/pkg/models"
)

// Request is the normalized inbound HTTP request the dispatcher consumes
// (§6 "Webhook request normalization"). The surrounding transport is
// responsible for producing this shape; the dispatcher never opens a
// socket itself.
type Request struct {
	Method  string
	Path    string
	Headers map[string]string // case-preserved as received; dispatcher reads case-insensitively
	Body    map[string]any
	Query   map[string]string
	IP      string
}

func (r Request) header(name string) (string, bool) {
	for k, v := range r.Headers {
		if strings.EqualFold(k, name) {
			return v, true
		}
	}
	return "", false
}

// Response is the normalized outbound shape (§6).
type Response struct {
	Status  int
	Headers map[string]string
	Body    map[string]any
}

// AuthType enumerates the webhook authentication modes in §4.6.
type AuthType string

const (
	AuthNone   AuthType = "none"
	AuthBearer AuthType = "bearer"
	AuthBasic  AuthType = "basic"
	AuthHMAC   AuthType = "hmac"
	AuthAPIKey AuthType = "api-key"
)

// AuthConfig is the typed view of WebhookConfig's auth sub-object.
type AuthConfig struct {
	Type       AuthType
	Secret     string
	HeaderName string
	Algorithm  string // "sha256" (default) or "sha512", hmac only
}

// WebhookRoute is everything the dispatcher needs to run the pipeline for
// one registered webhook trigger.
type WebhookRoute struct {
	TriggerID  string
	WorkflowID string
	Method     string
	Path       string // lower-cased, matched case-insensitively
	Auth       AuthConfig

	IPWhitelist []string

	RateLimit *RateLimiterConfig // nil disables rate limiting for this route

	DeduplicationKey    func(body map[string]any) string
	DeduplicationWindow time.Duration

	ValidatePayload  func(body map[string]any) bool
	TransformPayload func(body map[string]any) any
}

// WebhookDispatcher converts a normalized Request into at most one trigger
// firing (§4.5). Grounded on the teacher's webhook_registry's path/method
// index plus auth/signature checks (webhook_registry_test.go), generalized
// to the full auth/rate-limit/dedup/validate/transform/fire pipeline §4.5
// specifies.
type WebhookDispatcher struct {
	mu     sync.RWMutex
	routes map[string]*WebhookRoute   // triggerID -> route
	index  map[string][]string        // "METHOD path" -> triggerIDs in registration order

	limiter *RateLimiter
	dedup   *DeduplicationCache
	onFire  FireFunc

	onDuplicate func(triggerID string)
	onInvalid   func(triggerID string)
	onAuthFail  func(triggerID string)
	onSuccess   func(triggerID, runID string)
	onError     func(triggerID string, err error)
}

// NewWebhookDispatcher creates a dispatcher sharing the supplied
// rate-limiter and dedup cache (so Manager can also expose them for
// teardown on unregister).
func NewWebhookDispatcher(limiter *RateLimiter, dedup *DeduplicationCache, onFire FireFunc) *WebhookDispatcher {
	return &WebhookDispatcher{
		routes:  make(map[string]*WebhookRoute),
		index:   make(map[string][]string),
		limiter: limiter,
		dedup:   dedup,
		onFire:  onFire,
	}
}

func (d *WebhookDispatcher) OnDuplicate(f func(triggerID string)) { d.onDuplicate = f }
func (d *WebhookDispatcher) OnInvalid(f func(triggerID string))   { d.onInvalid = f }
func (d *WebhookDispatcher) OnAuthFail(f func(triggerID string))  { d.onAuthFail = f }
func (d *WebhookDispatcher) OnSuccess(f func(triggerID, runID string)) { d.onSuccess = f }
func (d *WebhookDispatcher) OnError(f func(triggerID string, err error)) { d.onError = f }

func routeKey(method, path string) string {
	return strings.ToUpper(method) + " " + strings.ToLower(path)
}

// Register installs a route. If another enabled trigger already shares
// (method, path), it remains first in registration order (§4.5, §9 open
// question (a)); the caller (Manager) is responsible for logging the
// ambiguity.
func (d *WebhookDispatcher) Register(route *WebhookRoute) {
	d.mu.Lock()
	defer d.mu.Unlock()

	route.Path = strings.ToLower(route.Path)
	route.Method = strings.ToUpper(route.Method)
	d.routes[route.TriggerID] = route

	key := routeKey(route.Method, route.Path)
	for _, id := range d.index[key] {
		if id == route.TriggerID {
			return
		}
	}
	d.index[key] = append(d.index[key], route.TriggerID)
}

// Unregister tears down a route's index entry and shared rate-limit/dedup
// state, per the §3 unregister invariant.
func (d *WebhookDispatcher) Unregister(triggerID string) {
	d.mu.Lock()
	route, ok := d.routes[triggerID]
	if ok {
		delete(d.routes, triggerID)
		key := routeKey(route.Method, route.Path)
		ids := d.index[key]
		for i, id := range ids {
			if id == triggerID {
				d.index[key] = append(ids[:i], ids[i+1:]...)
				break
			}
		}
	}
	d.mu.Unlock()

	d.limiter.RemoveTrigger(triggerID)
	d.dedup.RemoveTrigger(triggerID)
}

// HasConflict reports whether another enabled route already owns
// (method, path), for Manager to log per §9 open question (a).
func (d *WebhookDispatcher) HasConflict(method, path string) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.index[routeKey(method, path)]) > 0
}

// Dispatch runs the full pipeline (§4.5 steps 1-7). A nil *Response with a
// nil error means no enabled trigger matched (the transport decides
// whether that becomes a 404).
func (d *WebhookDispatcher) Dispatch(ctx context.Context, req Request) (*Response, error) {
	d.mu.RLock()
	ids := d.index[routeKey(req.Method, req.Path)]
	var route *WebhookRoute
	if len(ids) > 0 {
		route = d.routes[ids[0]]
	}
	d.mu.RUnlock()

	if route == nil {
		return nil, nil
	}

	// 1. Authenticate.
	if err := d.authenticate(route, req); err != nil {
		if d.onAuthFail != nil {
			d.onAuthFail(route.TriggerID)
		}
		return &Response{Status: 401, Body: map[string]any{"error": err.Error()}}, nil
	}

	if err := checkIPWhitelist(route.IPWhitelist, req.IP); err != nil {
		if d.onAuthFail != nil {
			d.onAuthFail(route.TriggerID)
		}
		return &Response{Status: 401, Body: map[string]any{"error": err.Error()}}, nil
	}

	// 2. Rate-limit.
	if route.RateLimit != nil {
		clientKey := req.IP
		if clientKey == "" {
			clientKey = "unknown"
		}
		decision := d.limiter.Consume(route.TriggerID, clientKey, 1, *route.RateLimit)
		if !decision.Allowed {
			return &Response{
				Status: 429,
				Headers: map[string]string{
					"Retry-After":           fmt.Sprintf("%.0f", decision.RetryAfter.Seconds()),
					"X-RateLimit-Remaining": fmt.Sprintf("%.0f", decision.Remaining),
					"X-RateLimit-Reset":     fmt.Sprintf("%d", decision.ResetAt.Unix()),
				},
			}, nil
		}
	}

	// 3. Deduplicate.
	if route.DeduplicationKey != nil {
		key := route.DeduplicationKey(req.Body)
		window := route.DeduplicationWindow
		if d.dedup.IsDuplicate(route.TriggerID, key, window) {
			if d.onDuplicate != nil {
				d.onDuplicate(route.TriggerID)
			}
			return &Response{Status: 200, Body: map[string]any{"deduplicated": true}}, nil
		}
	}

	// 4. Validate.
	if route.ValidatePayload != nil && !route.ValidatePayload(req.Body) {
		if d.onInvalid != nil {
			d.onInvalid(route.TriggerID)
		}
		return &Response{Status: 400, Body: map[string]any{"error": "payload validation failed"}}, nil
	}

	// 5. Transform.
	var payload any = req.Body
	if route.TransformPayload != nil {
		payload = route.TransformPayload(req.Body)
	}

	// 6. Fire.
	headers := make(map[string]string, len(req.Headers))
	for k, v := range req.Headers {
		headers[strings.ToLower(k)] = v
	}

	tctx := models.TriggerContext{
		TriggerID:   route.TriggerID,
		TriggerType: models.TriggerTypeWebhook,
		Timestamp:   time.Now(),
		Payload:     payload,
		Headers:     headers,
		Metadata: map[string]any{
			"path":   route.Path,
			"method": route.Method,
			"query":  req.Query,
			"ip":     req.IP,
		},
	}

	runID, err := d.onFire(ctx, route.TriggerID, tctx)
	if err != nil {
		if d.onError != nil {
			d.onError(route.TriggerID, err)
		}
		return &Response{Status: 500, Body: map[string]any{"error": "internal error"}}, nil
	}

	if d.onSuccess != nil {
		d.onSuccess(route.TriggerID, runID)
	}
	return &Response{Status: 202, Body: map[string]any{"accepted": true, "run_id": runID, "trigger_id": route.TriggerID}}, nil
}

// authenticate implements §4.6. All header reads are case-insensitive.
func (d *WebhookDispatcher) authenticate(route *WebhookRoute, req Request) error {
	switch route.Auth.Type {
	case "", AuthNone:
		return nil

	case AuthBearer:
		got, ok := req.header("Authorization")
		if !ok || !strings.HasPrefix(got, "Bearer ") {
			return fmt.Errorf("missing bearer token")
		}
		token := strings.TrimPrefix(got, "Bearer ")
		if subtle.ConstantTimeCompare([]byte(token), []byte(route.Auth.Secret)) != 1 {
			return fmt.Errorf("invalid bearer token")
		}
		return nil

	case AuthBasic:
		got, ok := req.header("Authorization")
		if !ok || !strings.HasPrefix(got, "Basic ") {
			return fmt.Errorf("missing basic credentials")
		}
		decoded, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(got, "Basic "))
		if err != nil {
			return fmt.Errorf("malformed basic credentials")
		}
		if subtle.ConstantTimeCompare(decoded, []byte(route.Auth.Secret)) != 1 {
			return fmt.Errorf("invalid basic credentials")
		}
		return nil

	case AuthHMAC:
		headerName := route.Auth.HeaderName
		if headerName == "" {
			headerName = "X-Signature"
		}
		got, ok := req.header(headerName)
		if !ok {
			return fmt.Errorf("missing signature header %s", headerName)
		}
		got = strings.TrimPrefix(got, "sha256=")
		got = strings.TrimPrefix(got, "sha512=")

		algo := route.Auth.Algorithm
		if algo == "" {
			algo = "sha256"
		}
		expected := computeHMAC(algo, route.Auth.Secret, bodyString(req.Body))
		if subtle.ConstantTimeCompare([]byte(strings.ToLower(got)), []byte(expected)) != 1 {
			return fmt.Errorf("signature mismatch")
		}
		return nil

	case AuthAPIKey:
		headerName := route.Auth.HeaderName
		if headerName == "" {
			headerName = "X-API-Key"
		}
		got, ok := req.header(headerName)
		if !ok {
			return fmt.Errorf("missing API key header %s", headerName)
		}
		if subtle.ConstantTimeCompare([]byte(got), []byte(route.Auth.Secret)) != 1 {
			return fmt.Errorf("invalid API key")
		}
		return nil

	default:
		return fmt.Errorf("unknown auth type %q", route.Auth.Type)
	}
}

func computeHMAC(algorithm, secret, body string) string {
	var mac hash.Hash
	if algorithm == "sha512" {
		mac = hmac.New(sha512.New, []byte(secret))
	} else {
		mac = hmac.New(sha256.New, []byte(secret))
	}
	mac.Write([]byte(body))
	return hex.EncodeToString(mac.Sum(nil))
}

func bodyString(body map[string]any) string {
	data, err := json.Marshal(body)
	if err != nil {
		return ""
	}
	return string(data)
}

// checkIPWhitelist allows every source IP when whitelist is empty;
// otherwise sourceIP must match an exact address or fall within a CIDR
// range in whitelist. Matches the teacher's webhook_registry semantics
// (exact strings and CIDR ranges, IPv4 and IPv6, non-string/invalid
// entries skipped rather than rejecting the whole list).
func checkIPWhitelist(whitelist []string, sourceIP string) error {
	if len(whitelist) == 0 {
		return nil
	}

	ip := net.ParseIP(sourceIP)
	if ip == nil {
		return fmt.Errorf("invalid source IP: %s", sourceIP)
	}

	for _, entry := range whitelist {
		if strings.Contains(entry, "/") {
			_, network, err := net.ParseCIDR(entry)
			if err != nil {
				continue
			}
			if network.Contains(ip) {
				return nil
			}
			continue
		}
		if entry == sourceIP {
			return nil
		}
		if candidate := net.ParseIP(entry); candidate != nil && candidate.Equal(ip) {
			return nil
		}
	}

	return fmt.Errorf("source IP %s not in whitelist", sourceIP)
}
