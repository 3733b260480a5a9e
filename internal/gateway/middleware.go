package gateway

import (
	"crypto/sha256"
	"encoding/hex"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/relayforge/llm-gateway/pkg/apierr"
	"github.com/valyala/fasthttp"
)

// Context keys set by middleware for downstream handlers.
const (
	ctxRequestID  = "request_id"
	ctxUserID     = "user_id"
	ctxAPIKeyName = "api_key_name"
)

// recovery catches panics in any handler and returns a 500 without crashing
// the server process. The panic value is logged at ERROR level.
func recovery(next fasthttp.RequestHandler) fasthttp.RequestHandler {
	return func(ctx *fasthttp.RequestCtx) {
		defer func() {
			if r := recover(); r != nil {
				slog.Error("handler_panic",
					slog.Any("panic", r),
					slog.String("path", string(ctx.Path())),
					slog.String("method", string(ctx.Method())),
				)
				ctx.ResetBody()
				ctx.SetStatusCode(fasthttp.StatusInternalServerError)
				ctx.SetContentType("application/json")
				ctx.SetBodyString(`{"error":{"message":"internal server error","type":"server_error","code":"internal_error"}}`)
			}
		}()
		next(ctx)
	}
}

// requestID ensures every request has an X-Request-ID header. If the client
// does not supply one a UUID v4 is generated. The ID doubles as the durable
// request record's primary key.
func requestID(next fasthttp.RequestHandler) fasthttp.RequestHandler {
	return func(ctx *fasthttp.RequestCtx) {
		id := string(ctx.Request.Header.Peek("X-Request-ID"))
		if _, err := uuid.Parse(id); err != nil {
			id = uuid.New().String()
		}
		ctx.Response.Header.Set("X-Request-ID", id)
		ctx.SetUserValue(ctxRequestID, id)
		next(ctx)
	}
}

// timing records the total handler duration in the X-Response-Time response
// header. The value uses Go's default Duration string format (e.g. "2.5ms").
func timing(next fasthttp.RequestHandler) fasthttp.RequestHandler {
	return func(ctx *fasthttp.RequestCtx) {
		start := time.Now()
		next(ctx)
		ctx.Response.Header.Set("X-Response-Time", time.Since(start).String())
	}
}

// securityHeaders adds HTTP security headers recommended by OWASP to every
// response. These headers have no effect on the API functionality but harden
// the server against common web attacks.
func securityHeaders(next fasthttp.RequestHandler) fasthttp.RequestHandler {
	return func(ctx *fasthttp.RequestCtx) {
		next(ctx)
		h := &ctx.Response.Header
		h.Set("Strict-Transport-Security", "max-age=31536000; includeSubDomains")
		h.Set("X-Content-Type-Options", "nosniff")
		h.Set("X-Frame-Options", "DENY")
		// X-XSS-Protection is deprecated; set to 0 and rely on CSP instead.
		h.Set("X-XSS-Protection", "0")
		// API-only CSP: no HTML resources served, so deny everything.
		h.Set("Content-Security-Policy", "default-src 'none'")
		h.Set("Referrer-Policy", "no-referrer")
		h.Set("Permissions-Policy", "geolocation=(), camera=(), microphone=()")
	}
}

// corsHandler returns a CORS middleware configured for the given allowed origins.
//
//   - nil or []string{"*"} → Access-Control-Allow-Origin: *  (open)
//   - specific origins      → joined with ", "  (strict allowlist)
//
// OPTIONS preflight requests are answered with 204 No Content and no body.
func corsHandler(origins []string) func(fasthttp.RequestHandler) fasthttp.RequestHandler {
	origin := "*"
	if len(origins) > 0 && !(len(origins) == 1 && origins[0] == "*") {
		origin = strings.Join(origins, ", ")
	}
	return func(next fasthttp.RequestHandler) fasthttp.RequestHandler {
		return func(ctx *fasthttp.RequestCtx) {
			ctx.Response.Header.Set("Access-Control-Allow-Origin", origin)
			ctx.Response.Header.Set("Access-Control-Allow-Methods", "GET, POST, PUT, PATCH, DELETE, OPTIONS")
			ctx.Response.Header.Set("Access-Control-Allow-Headers",
				"Authorization, Content-Type, X-Request-ID, X-Price-Performance-Ratio, X-Provider")

			if string(ctx.Method()) == fasthttp.MethodOptions {
				ctx.SetStatusCode(fasthttp.StatusNoContent)
				return
			}
			next(ctx)
		}
	}
}

// authRequired resolves the Authorization bearer token against the api_keys
// table and loads the caller's identity into the request context. The wallet
// balance is checked up front so requests from drained accounts never reach
// an upstream.
func (g *Gateway) authRequired(next fasthttp.RequestHandler) fasthttp.RequestHandler {
	return func(ctx *fasthttp.RequestCtx) {
		token := parseBearerToken(string(ctx.Request.Header.Peek("Authorization")))
		if token == "" {
			apierr.Write(ctx, fasthttp.StatusUnauthorized,
				"missing or malformed Authorization header",
				apierr.TypeAuthenticationErr, apierr.CodeInvalidAPIKey)
			return
		}

		sum := sha256.Sum256([]byte(token))
		key, err := g.store.APIKeyByHash(ctx, hex.EncodeToString(sum[:]))
		if err != nil {
			g.log.Error("api key lookup failed", slog.String("error", err.Error()))
			apierr.Write(ctx, fasthttp.StatusInternalServerError,
				"authentication backend unavailable",
				apierr.TypeServerError, apierr.CodeInternalError)
			return
		}
		if key == nil || key.Disabled {
			apierr.Write(ctx, fasthttp.StatusUnauthorized,
				"invalid API key",
				apierr.TypeAuthenticationErr, apierr.CodeInvalidAPIKey)
			return
		}

		balance, err := g.store.WalletBalance(ctx, key.UserID)
		if err != nil {
			g.log.Error("wallet read failed",
				slog.String("user_id", key.UserID),
				slog.String("error", err.Error()),
			)
			apierr.Write(ctx, fasthttp.StatusInternalServerError,
				"wallet backend unavailable",
				apierr.TypeServerError, apierr.CodeInternalError)
			return
		}
		if balance <= 0 {
			apierr.Write(ctx, fasthttp.StatusPaymentRequired,
				"insufficient funds",
				apierr.TypeInsufficientFunds, apierr.CodeInsufficientfunds)
			return
		}

		ctx.SetUserValue(ctxUserID, key.UserID)
		ctx.SetUserValue(ctxAPIKeyName, key.Name)
		next(ctx)
	}
}

// webhookAuth guards the accounting and invalidation webhooks with the
// shared X-Webhook-Secret header.
func (g *Gateway) webhookAuth(next fasthttp.RequestHandler) fasthttp.RequestHandler {
	return func(ctx *fasthttp.RequestCtx) {
		if g.webhookSecret == "" ||
			string(ctx.Request.Header.Peek("X-Webhook-Secret")) != g.webhookSecret {
			apierr.Write(ctx, fasthttp.StatusUnauthorized,
				"invalid webhook secret",
				apierr.TypeAuthenticationErr, apierr.CodeInvalidAPIKey)
			return
		}
		next(ctx)
	}
}

func parseBearerToken(header string) string {
	header = strings.TrimSpace(header)
	if header == "" {
		return ""
	}
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}

// applyMiddleware wraps h with the given middleware chain. The first middleware
// in the slice becomes the outermost wrapper (executes first on request,
// last on response). This matches the conventional "left-to-right" ordering:
//
//	applyMiddleware(h, mw1, mw2) → mw1(mw2(h))
func applyMiddleware(h fasthttp.RequestHandler, mws ...func(fasthttp.RequestHandler) fasthttp.RequestHandler) fasthttp.RequestHandler {
	for i := len(mws) - 1; i >= 0; i-- {
		h = mws[i](h)
	}
	return h
}
