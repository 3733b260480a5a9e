package gateway

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"testing"

	"github.com/valyala/fasthttp"

	"github.com/relayforge/llm-gateway/internal/store"
)

// --- recovery middleware ----------------------------------------------------

func TestRecovery_NoPanic(t *testing.T) {
	handler := recovery(func(ctx *fasthttp.RequestCtx) {
		ctx.SetStatusCode(fasthttp.StatusOK)
		ctx.SetBodyString("ok")
	})

	ctx := &fasthttp.RequestCtx{}
	handler(ctx)

	if ctx.Response.StatusCode() != fasthttp.StatusOK {
		t.Errorf("expected 200, got %d", ctx.Response.StatusCode())
	}
}

func TestRecovery_CatchesPanic(t *testing.T) {
	handler := recovery(func(ctx *fasthttp.RequestCtx) {
		panic("mock panic")
	})

	ctx := &fasthttp.RequestCtx{}
	handler(ctx)

	if ctx.Response.StatusCode() != fasthttp.StatusInternalServerError {
		t.Errorf("expected 500, got %d", ctx.Response.StatusCode())
	}
	if string(ctx.Response.Header.ContentType()) != "application/json" {
		t.Errorf("expected application/json content type, got %s",
			string(ctx.Response.Header.ContentType()))
	}
	body := string(ctx.Response.Body())
	if !containsStr(body, "internal server error") {
		t.Errorf("expected error body to contain 'internal server error', got: %s", body)
	}
}

// --- requestID middleware ---------------------------------------------------

func TestRequestID_GeneratesWhenMissing(t *testing.T) {
	handler := requestID(func(ctx *fasthttp.RequestCtx) {
		id, _ := ctx.UserValue(ctxRequestID).(string)
		if id == "" {
			t.Error("request_id should be generated")
		}
	})

	ctx := &fasthttp.RequestCtx{}
	handler(ctx)

	respID := string(ctx.Response.Header.Peek("X-Request-ID"))
	if respID == "" {
		t.Error("X-Request-ID response header should be set")
	}
}

func TestRequestID_PreservesValidUUID(t *testing.T) {
	const id = "3f6c2b3e-9a47-4f7e-8a4b-2b1d5c6e7f80"
	handler := requestID(func(ctx *fasthttp.RequestCtx) {
		got, _ := ctx.UserValue(ctxRequestID).(string)
		if got != id {
			t.Errorf("expected preserved ID, got %s", got)
		}
	})

	ctx := &fasthttp.RequestCtx{}
	ctx.Request.Header.Set("X-Request-ID", id)
	handler(ctx)

	respID := string(ctx.Response.Header.Peek("X-Request-ID"))
	if respID != id {
		t.Errorf("expected %q in response, got %s", id, respID)
	}
}

func TestRequestID_ReplacesNonUUID(t *testing.T) {
	// The ID is the durable record's primary key; arbitrary client strings
	// are replaced rather than trusted.
	handler := requestID(func(ctx *fasthttp.RequestCtx) {})

	ctx := &fasthttp.RequestCtx{}
	ctx.Request.Header.Set("X-Request-ID", "custom-id-123")
	handler(ctx)

	respID := string(ctx.Response.Header.Peek("X-Request-ID"))
	if respID == "custom-id-123" || respID == "" {
		t.Errorf("non-UUID id should be regenerated, got %q", respID)
	}
}

// --- timing middleware ------------------------------------------------------

func TestTiming_SetsHeader(t *testing.T) {
	handler := timing(func(ctx *fasthttp.RequestCtx) {
		ctx.SetStatusCode(fasthttp.StatusOK)
	})

	ctx := &fasthttp.RequestCtx{}
	handler(ctx)

	rt := string(ctx.Response.Header.Peek("X-Response-Time"))
	if rt == "" {
		t.Error("X-Response-Time header should be set")
	}
}

// --- securityHeaders middleware ---------------------------------------------

func TestSecurityHeaders_AllSet(t *testing.T) {
	handler := securityHeaders(func(ctx *fasthttp.RequestCtx) {
		ctx.SetStatusCode(fasthttp.StatusOK)
	})

	ctx := &fasthttp.RequestCtx{}
	handler(ctx)

	expected := map[string]string{
		"Strict-Transport-Security": "max-age=31536000; includeSubDomains",
		"X-Content-Type-Options":    "nosniff",
		"X-Frame-Options":           "DENY",
		"X-XSS-Protection":          "0",
		"Content-Security-Policy":   "default-src 'none'",
		"Referrer-Policy":           "no-referrer",
	}

	for header, want := range expected {
		got := string(ctx.Response.Header.Peek(header))
		if got != want {
			t.Errorf("header %s: expected %q, got %q", header, want, got)
		}
	}

	pp := string(ctx.Response.Header.Peek("Permissions-Policy"))
	if pp == "" {
		t.Error("Permissions-Policy header should be set")
	}
}

// --- corsHandler middleware -------------------------------------------------

func TestCORS_Wildcard(t *testing.T) {
	handler := corsHandler(nil)(func(ctx *fasthttp.RequestCtx) {
		ctx.SetStatusCode(fasthttp.StatusOK)
	})

	ctx := &fasthttp.RequestCtx{}
	ctx.Request.Header.SetMethod("GET")
	handler(ctx)

	origin := string(ctx.Response.Header.Peek("Access-Control-Allow-Origin"))
	if origin != "*" {
		t.Errorf("expected wildcard origin, got %q", origin)
	}
}

func TestCORS_SpecificOrigins(t *testing.T) {
	origins := []string{"https://app.relayforge.dev", "https://dashboard.relayforge.dev"}
	handler := corsHandler(origins)(func(ctx *fasthttp.RequestCtx) {
		ctx.SetStatusCode(fasthttp.StatusOK)
	})

	ctx := &fasthttp.RequestCtx{}
	ctx.Request.Header.SetMethod("GET")
	handler(ctx)

	got := string(ctx.Response.Header.Peek("Access-Control-Allow-Origin"))
	expected := "https://app.relayforge.dev, https://dashboard.relayforge.dev"
	if got != expected {
		t.Errorf("expected %q, got %q", expected, got)
	}
}

func TestCORS_PreflightReturns204(t *testing.T) {
	handler := corsHandler(nil)(func(ctx *fasthttp.RequestCtx) {
		ctx.SetStatusCode(fasthttp.StatusOK)
		ctx.SetBodyString("should not be reached")
	})

	ctx := &fasthttp.RequestCtx{}
	ctx.Request.Header.SetMethod("OPTIONS")
	handler(ctx)

	if ctx.Response.StatusCode() != fasthttp.StatusNoContent {
		t.Errorf("preflight should return 204, got %d", ctx.Response.StatusCode())
	}
	if len(ctx.Response.Body()) != 0 {
		t.Error("preflight should have empty body")
	}
}

func TestCORS_AllowedHeaders(t *testing.T) {
	handler := corsHandler(nil)(func(ctx *fasthttp.RequestCtx) {
		ctx.SetStatusCode(fasthttp.StatusOK)
	})

	ctx := &fasthttp.RequestCtx{}
	ctx.Request.Header.SetMethod("GET")
	handler(ctx)

	allowHeaders := string(ctx.Response.Header.Peek("Access-Control-Allow-Headers"))
	for _, h := range []string{"Authorization", "Content-Type", "X-Request-ID",
		"X-Price-Performance-Ratio", "X-Provider"} {
		if !containsStr(allowHeaders, h) {
			t.Errorf("expected %q in Allow-Headers, got %q", h, allowHeaders)
		}
	}
}

// --- authRequired middleware -------------------------------------------------

func keyHash(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

func authGateway(fs *fakeStore) *Gateway {
	return newGateway(fs, &fakeRegistry{}, &fixedSelector{}, &fakeFamilies{}, newStubExec())
}

func TestAuthRequired_Passes(t *testing.T) {
	fs := newFakeStore()
	fs.keys[keyHash("sk-valid")] = &store.APIKey{Name: "main", UserID: "user-7"}
	fs.balances["user-7"] = 12.5

	var gotUser, gotKey string
	handler := authGateway(fs).authRequired(func(ctx *fasthttp.RequestCtx) {
		gotUser, _ = ctx.UserValue(ctxUserID).(string)
		gotKey, _ = ctx.UserValue(ctxAPIKeyName).(string)
		ctx.SetStatusCode(fasthttp.StatusOK)
	})

	ctx := &fasthttp.RequestCtx{}
	ctx.Request.Header.Set("Authorization", "Bearer sk-valid")
	handler(ctx)

	if ctx.Response.StatusCode() != fasthttp.StatusOK {
		t.Fatalf("status = %d, body: %s", ctx.Response.StatusCode(), ctx.Response.Body())
	}
	if gotUser != "user-7" || gotKey != "main" {
		t.Errorf("identity = %q/%q", gotUser, gotKey)
	}
}

func TestAuthRequired_MissingHeader(t *testing.T) {
	handler := authGateway(newFakeStore()).authRequired(func(ctx *fasthttp.RequestCtx) {
		t.Error("handler should not run")
	})

	ctx := &fasthttp.RequestCtx{}
	handler(ctx)

	if ctx.Response.StatusCode() != fasthttp.StatusUnauthorized {
		t.Errorf("status = %d, want 401", ctx.Response.StatusCode())
	}
}

func TestAuthRequired_MalformedHeader(t *testing.T) {
	for _, header := range []string{"sk-raw-token", "Basic dXNlcg==", "Bearer"} {
		handler := authGateway(newFakeStore()).authRequired(func(ctx *fasthttp.RequestCtx) {
			t.Errorf("handler should not run for %q", header)
		})

		ctx := &fasthttp.RequestCtx{}
		ctx.Request.Header.Set("Authorization", header)
		handler(ctx)

		if ctx.Response.StatusCode() != fasthttp.StatusUnauthorized {
			t.Errorf("header %q: status = %d, want 401", header, ctx.Response.StatusCode())
		}
	}
}

func TestAuthRequired_UnknownKey(t *testing.T) {
	handler := authGateway(newFakeStore()).authRequired(func(ctx *fasthttp.RequestCtx) {
		t.Error("handler should not run")
	})

	ctx := &fasthttp.RequestCtx{}
	ctx.Request.Header.Set("Authorization", "Bearer sk-unknown")
	handler(ctx)

	if ctx.Response.StatusCode() != fasthttp.StatusUnauthorized {
		t.Errorf("status = %d, want 401", ctx.Response.StatusCode())
	}
}

func TestAuthRequired_DisabledKey(t *testing.T) {
	fs := newFakeStore()
	fs.keys[keyHash("sk-off")] = &store.APIKey{Name: "off", UserID: "user-1", Disabled: true}
	fs.balances["user-1"] = 5

	handler := authGateway(fs).authRequired(func(ctx *fasthttp.RequestCtx) {
		t.Error("handler should not run")
	})

	ctx := &fasthttp.RequestCtx{}
	ctx.Request.Header.Set("Authorization", "Bearer sk-off")
	handler(ctx)

	if ctx.Response.StatusCode() != fasthttp.StatusUnauthorized {
		t.Errorf("status = %d, want 401 for a disabled key", ctx.Response.StatusCode())
	}
}

func TestAuthRequired_StoreError(t *testing.T) {
	fs := newFakeStore()
	fs.keyErr = errors.New("connection reset")

	handler := authGateway(fs).authRequired(func(ctx *fasthttp.RequestCtx) {
		t.Error("handler should not run")
	})

	ctx := &fasthttp.RequestCtx{}
	ctx.Request.Header.Set("Authorization", "Bearer sk-valid")
	handler(ctx)

	// A backend failure is not the caller's fault; never report 401.
	if ctx.Response.StatusCode() != fasthttp.StatusInternalServerError {
		t.Errorf("status = %d, want 500", ctx.Response.StatusCode())
	}
}

func TestAuthRequired_DrainedWallet(t *testing.T) {
	fs := newFakeStore()
	fs.keys[keyHash("sk-broke")] = &store.APIKey{Name: "broke", UserID: "user-2"}
	fs.balances["user-2"] = 0

	handler := authGateway(fs).authRequired(func(ctx *fasthttp.RequestCtx) {
		t.Error("handler should not run")
	})

	ctx := &fasthttp.RequestCtx{}
	ctx.Request.Header.Set("Authorization", "Bearer sk-broke")
	handler(ctx)

	if ctx.Response.StatusCode() != fasthttp.StatusPaymentRequired {
		t.Errorf("status = %d, want 402", ctx.Response.StatusCode())
	}
	if !containsStr(string(ctx.Response.Body()), "insufficient funds") {
		t.Errorf("body = %s", ctx.Response.Body())
	}
}

func TestParseBearerToken(t *testing.T) {
	cases := map[string]string{
		"Bearer sk-123":   "sk-123",
		"bearer sk-123":   "sk-123",
		"Bearer  sk-123 ": "sk-123",
		"Token sk-123":    "",
		"Bearer":          "",
		"":                "",
	}
	for in, want := range cases {
		if got := parseBearerToken(in); got != want {
			t.Errorf("parseBearerToken(%q) = %q, want %q", in, got, want)
		}
	}
}

// --- webhookAuth middleware ---------------------------------------------------

func TestWebhookAuth_Passes(t *testing.T) {
	g := authGateway(newFakeStore()) // webhook secret "hook-secret"
	handler := g.webhookAuth(func(ctx *fasthttp.RequestCtx) {
		ctx.SetStatusCode(fasthttp.StatusOK)
	})

	ctx := &fasthttp.RequestCtx{}
	ctx.Request.Header.Set("X-Webhook-Secret", "hook-secret")
	handler(ctx)

	if ctx.Response.StatusCode() != fasthttp.StatusOK {
		t.Errorf("status = %d", ctx.Response.StatusCode())
	}
}

func TestWebhookAuth_WrongSecret(t *testing.T) {
	g := authGateway(newFakeStore())
	handler := g.webhookAuth(func(ctx *fasthttp.RequestCtx) {
		t.Error("handler should not run")
	})

	ctx := &fasthttp.RequestCtx{}
	ctx.Request.Header.Set("X-Webhook-Secret", "guess")
	handler(ctx)

	if ctx.Response.StatusCode() != fasthttp.StatusUnauthorized {
		t.Errorf("status = %d, want 401", ctx.Response.StatusCode())
	}
}

func TestWebhookAuth_UnconfiguredSecretRejectsAll(t *testing.T) {
	g := newGateway(newFakeStore(), &fakeRegistry{}, &fixedSelector{}, &fakeFamilies{}, newStubExec())
	g.webhookSecret = ""

	handler := g.webhookAuth(func(ctx *fasthttp.RequestCtx) {
		t.Error("handler should not run")
	})

	ctx := &fasthttp.RequestCtx{}
	ctx.Request.Header.Set("X-Webhook-Secret", "")
	handler(ctx)

	if ctx.Response.StatusCode() != fasthttp.StatusUnauthorized {
		t.Errorf("status = %d, want 401 when no secret is configured", ctx.Response.StatusCode())
	}
}

// --- applyMiddleware --------------------------------------------------------

func TestApplyMiddleware_Order(t *testing.T) {
	var order []string

	mw1 := func(next fasthttp.RequestHandler) fasthttp.RequestHandler {
		return func(ctx *fasthttp.RequestCtx) {
			order = append(order, "mw1-before")
			next(ctx)
			order = append(order, "mw1-after")
		}
	}
	mw2 := func(next fasthttp.RequestHandler) fasthttp.RequestHandler {
		return func(ctx *fasthttp.RequestCtx) {
			order = append(order, "mw2-before")
			next(ctx)
			order = append(order, "mw2-after")
		}
	}

	handler := applyMiddleware(func(ctx *fasthttp.RequestCtx) {
		order = append(order, "handler")
	}, mw1, mw2)

	ctx := &fasthttp.RequestCtx{}
	handler(ctx)

	// mw1 is outermost, mw2 is inner.
	expected := []string{"mw1-before", "mw2-before", "handler", "mw2-after", "mw1-after"}
	if len(order) != len(expected) {
		t.Fatalf("expected %d calls, got %d: %v", len(expected), len(order), order)
	}
	for i, v := range expected {
		if order[i] != v {
			t.Errorf("position %d: expected %q, got %q", i, v, order[i])
		}
	}
}

func TestApplyMiddleware_NoMiddlewares(t *testing.T) {
	called := false
	handler := applyMiddleware(func(ctx *fasthttp.RequestCtx) {
		called = true
	})

	ctx := &fasthttp.RequestCtx{}
	handler(ctx)

	if !called {
		t.Error("handler should be called even with no middlewares")
	}
}

// --- helper -----------------------------------------------------------------

func containsStr(s, substr string) bool {
	for i := 0; i <= len(s)-len(substr); i++ {
		if s[i:i+len(substr)] == substr {
			return true
		}
	}
	return false
}
