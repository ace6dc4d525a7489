package httpapi

import (
	"context"
	"fmt"
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"pesatrack.app/internal/audit"
	"pesatrack.app/internal/obs"
)

type requestIDKey struct{}

// RequestID assigns each request a correlation id, honoring one supplied by
// an upstream proxy.
func RequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := strings.TrimSpace(r.Header.Get("X-Request-Id"))
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set("X-Request-Id", id)
		ctx := context.WithValue(r.Context(), requestIDKey{}, id)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func requestIDFrom(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

type statusWriter struct {
	http.ResponseWriter
	code    int
	started time.Time
	wrote   bool
}

func (w *statusWriter) WriteHeader(code int) {
	if !w.wrote {
		w.wrote = true
		w.code = code
		// Header must be set before the status line goes out.
		w.Header().Set("X-Process-Time", fmt.Sprintf("%.6f", time.Since(w.started).Seconds()))
	}
	w.ResponseWriter.WriteHeader(code)
}

func (w *statusWriter) Write(b []byte) (int, error) {
	if !w.wrote {
		w.WriteHeader(http.StatusOK)
	}
	return w.ResponseWriter.Write(b)
}

// Logging emits one JSON line per request.
func Logging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sw := &statusWriter{ResponseWriter: w, code: http.StatusOK, started: time.Now()}
		next.ServeHTTP(sw, r)
		obs.LogRequest(map[string]any{
			"ts":          time.Now().UTC().Format(time.RFC3339Nano),
			"level":       "info",
			"msg":         "request_complete",
			"request_id":  requestIDFrom(r.Context()),
			"method":      r.Method,
			"path":        r.URL.Path,
			"status":      sw.code,
			"duration_ms": time.Since(sw.started).Milliseconds(),
			"ip":          audit.ClientIP(r),
		})
	})
}

// SecurityHeaders sets the hardening headers on every response. HSTS is
// added only when the request arrived over TLS.
func SecurityHeaders(next http.Handler) http.Handler {
	const csp = "default-src 'self'; " +
		"script-src 'self' 'unsafe-inline' 'unsafe-eval'; " +
		"style-src 'self' 'unsafe-inline'; " +
		"img-src 'self' data: https:; " +
		"font-src 'self' https:; " +
		"connect-src 'self' https:; " +
		"frame-ancestors 'none';"

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := w.Header()
		h.Set("X-Content-Type-Options", "nosniff")
		h.Set("X-Frame-Options", "DENY")
		h.Set("X-XSS-Protection", "1; mode=block")
		h.Set("Referrer-Policy", "strict-origin-when-cross-origin")
		h.Set("Permissions-Policy", "geolocation=(), microphone=(), camera=()")
		h.Set("Content-Security-Policy", csp)
		if r.TLS != nil || strings.EqualFold(r.Header.Get("X-Forwarded-Proto"), "https") {
			h.Set("Strict-Transport-Security", "max-age=31536000; includeSubDomains")
		}
		next.ServeHTTP(w, r)
	})
}

// CORS allows browser clients from the configured origins.
func CORS(next http.Handler, allowedOrigins []string) http.Handler {
	allowed := make(map[string]bool, len(allowedOrigins))
	for _, o := range allowedOrigins {
		allowed[o] = true
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin != "" && (allowed[origin] || allowed["*"]) {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Vary", "Origin")
		}
		w.Header().Set("Access-Control-Allow-Methods", "GET,POST,PUT,DELETE,OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type,Authorization,X-Request-Id")
		w.Header().Set("Access-Control-Max-Age", "600")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// RequestSizeLimit rejects oversized requests up front by Content-Length.
func RequestSizeLimit(next http.Handler, maxBytes int64) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.ContentLength > maxBytes {
			writeErrorDetails(w, http.StatusRequestEntityTooLarge, "REQUEST_TOO_LARGE",
				fmt.Sprintf("Request body too large. Maximum size: %d bytes", maxBytes),
				map[string]any{
					"max_size":      maxBytes,
					"received_size": r.ContentLength,
				})
			return
		}
		next.ServeHTTP(w, r)
	})
}

// MaxBodyBytes caps the body stream as a backstop for requests that lied
// about (or omitted) Content-Length.
func MaxBodyBytes(next http.Handler, maxBytes int64) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxBytes)
		next.ServeHTTP(w, r)
	})
}

var suspiciousPatterns = []*regexp.Regexp{
	// SQL injection
	regexp.MustCompile(`(?i)(\bunion\b|\bselect\b|\binsert\b|\bupdate\b|\bdelete\b|\bdrop\b)`),
	// XSS
	regexp.MustCompile(`(?i)(<script|javascript:|onload=|onerror=)`),
	// Path traversal
	regexp.MustCompile(`(\.\./|\.\.\\)`),
	// Command injection
	regexp.MustCompile("(;|\\||&|\\$\\(|`)"),
}

var scannerAgents = []string{"sqlmap", "nikto", "nmap", "masscan", "zap"}

const largeBodyThreshold = 10 << 20

// SecurityMonitoring inspects each request for known attack signatures and
// records a security event for matches. It is advisory only: the request is
// never blocked here. Event emission is throttled per source IP so a
// scanner cannot flood the event table.
type SecurityMonitoring struct {
	audits *audit.Service

	mu       sync.Mutex
	throttle map[string]*throttleEntry
}

type throttleEntry struct {
	lim  *rate.Limiter
	seen time.Time
}

func NewSecurityMonitoring(audits *audit.Service) *SecurityMonitoring {
	return &SecurityMonitoring{audits: audits, throttle: map[string]*throttleEntry{}}
}

func (m *SecurityMonitoring) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		m.inspect(r)
		next.ServeHTTP(w, r)
	})
}

func (m *SecurityMonitoring) inspect(r *http.Request) {
	req := audit.ContextFromRequest(r)

	target := strings.ToLower(r.URL.Path + "?" + r.URL.RawQuery)
	for _, pattern := range suspiciousPatterns {
		if pattern.MatchString(target) {
			m.emit(r.Context(), req, "suspicious_request_pattern",
				fmt.Sprintf("Suspicious pattern detected: %s", pattern.String()),
				audit.SeverityHigh, r)
			break
		}
	}

	if r.ContentLength > largeBodyThreshold {
		m.emit(r.Context(), req, "large_request_body",
			fmt.Sprintf("Large request body: %d bytes", r.ContentLength),
			audit.SeverityMedium, r)
	}

	ua := strings.ToLower(r.Header.Get("User-Agent"))
	for _, agent := range scannerAgents {
		if strings.Contains(ua, agent) {
			m.emit(r.Context(), req, "suspicious_user_agent",
				fmt.Sprintf("Suspicious user agent: %s", ua),
				audit.SeverityHigh, r)
			break
		}
	}
}

func (m *SecurityMonitoring) emit(ctx context.Context, req audit.RequestContext, eventType, description string, severity audit.Severity, r *http.Request) {
	if !m.allow(req.IPAddress) {
		return
	}
	m.audits.LogSecurityEvent(ctx, audit.EventRecord{
		EventType:   eventType,
		Severity:    severity,
		Description: description,
		Metadata: map[string]any{
			"path":   r.URL.Path,
			"method": r.Method,
			"query":  r.URL.RawQuery,
		},
		Request: req,
	})
}

// allow rate-limits event emission to one per second with a small burst,
// per source IP.
func (m *SecurityMonitoring) allow(ip string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.throttle[ip]
	if !ok {
		e = &throttleEntry{lim: rate.NewLimiter(rate.Limit(1), 5)}
		m.throttle[ip] = e
	}
	e.seen = time.Now()

	if len(m.throttle) > 10000 {
		cutoff := time.Now().Add(-10 * time.Minute)
		for k, v := range m.throttle {
			if v.seen.Before(cutoff) {
				delete(m.throttle, k)
			}
		}
	}
	return e.lim.Allow()
}

var auditExcludedPaths = []string{"/healthz", "/readyz", "/metrics", "/favicon.ico"}

// AuditRequests writes an audit entry for significant requests: anything
// above low severity that maps to a known action. Low-severity reads pass
// through unrecorded to keep the table useful.
func AuditRequests(audits *audit.Service) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			for _, p := range auditExcludedPaths {
				if strings.HasPrefix(r.URL.Path, p) {
					next.ServeHTTP(w, r)
					return
				}
			}

			sw := &statusWriter{ResponseWriter: w, code: http.StatusOK, started: time.Now()}
			next.ServeHTTP(sw, r)

			action := auditActionFor(r.Method, r.URL.Path)
			severity := auditSeverityFor(sw.code, r.URL.Path, r.Method)
			if action == "" || severity == audit.SeverityLow {
				return
			}

			outcome := audit.OutcomeSuccess
			if sw.code >= 400 {
				outcome = audit.OutcomeFailure
			}
			audits.LogAction(r.Context(), audit.ActionRecord{
				Action:      action,
				Severity:    severity,
				Description: fmt.Sprintf("%s %s - %d", r.Method, r.URL.Path, sw.code),
				Outcome:     outcome,
				Details: map[string]any{
					"status_code":  sw.code,
					"process_time": time.Since(sw.started).Seconds(),
					"request_id":   requestIDFrom(r.Context()),
				},
				Request: audit.ContextFromRequest(r),
			})
		})
	}
}

func auditActionFor(method, path string) audit.Action {
	switch {
	case strings.Contains(path, "/auth/login"):
		return audit.ActionLogin
	case strings.Contains(path, "/auth/logout"):
		return audit.ActionLogout
	case strings.Contains(path, "/auth/register"):
		return audit.ActionUserCreated
	case strings.Contains(path, "/transactions"):
		switch method {
		case http.MethodPost:
			return audit.ActionTransactionCreated
		case http.MethodPut, http.MethodPatch:
			return audit.ActionTransactionUpdated
		case http.MethodDelete:
			return audit.ActionTransactionDeleted
		}
	case strings.Contains(path, "/accounts"):
		switch method {
		case http.MethodPost:
			return audit.ActionAccountCreated
		case http.MethodPut, http.MethodPatch:
			return audit.ActionAccountUpdated
		case http.MethodDelete:
			return audit.ActionAccountDeleted
		}
	case strings.Contains(path, "/kra"):
		if strings.Contains(path, "file") {
			return audit.ActionTaxFilingSubmitted
		}
		return audit.ActionKRAAPICall
	case strings.Contains(path, "/reports"):
		if strings.Contains(path, "generate") {
			return audit.ActionReportGenerated
		}
		if strings.Contains(path, "export") {
			return audit.ActionReportExported
		}
	}
	return ""
}

func auditSeverityFor(status int, path, method string) audit.Severity {
	for _, critical := range []string{"/auth/", "/kra/", "/admin/"} {
		if strings.Contains(path, critical) {
			if status >= 400 {
				return audit.SeverityHigh
			}
			return audit.SeverityMedium
		}
	}
	if status >= 500 {
		return audit.SeverityHigh
	}
	if status >= 400 {
		return audit.SeverityMedium
	}
	switch method {
	case http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete:
		return audit.SeverityMedium
	}
	return audit.SeverityLow
}

// retryAfter formats seconds-until for Retry-After headers.
func retryAfter(reset int64) string {
	secs := reset - time.Now().Unix()
	if secs < 0 {
		secs = 0
	}
	return strconv.FormatInt(secs, 10)
}
