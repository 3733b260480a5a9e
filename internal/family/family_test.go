package family

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/relayforge/llm-gateway/internal/adapters"
	_ "github.com/relayforge/llm-gateway/internal/adapters/openai"
	"github.com/relayforge/llm-gateway/internal/cache"
	"github.com/relayforge/llm-gateway/internal/llm"
	"github.com/relayforge/llm-gateway/internal/store"
)

type fakeVariants struct {
	byID map[string][]*store.ModelVariant
}

func (f *fakeVariants) VariantsForModelID(ctx context.Context, id string) ([]*store.ModelVariant, error) {
	return f.byID[id], nil
}

// fakeExec answers every evaluator call with a fixed assistant reply.
type fakeExec struct {
	reply string
	usage *llm.Usage
	err   error

	calls int
	last  *llm.ChatRequest
}

func (f *fakeExec) Do(ctx context.Context, ad adapters.Adapter, req *llm.ChatRequest, v *store.ModelVariant) (*llm.ChatCompletion, error) {
	f.calls++
	f.last = req
	if f.err != nil {
		return nil, f.err
	}
	return &llm.ChatCompletion{
		ID:     "chatcmpl-eval",
		Object: "chat.completion",
		Model:  req.Model,
		Choices: []llm.Choice{{
			Message: llm.ChoiceMessage{Role: "assistant", Content: f.reply},
		}},
		Usage: f.usage,
	}, nil
}

func testFamily() *store.Family {
	return &store.Family{
		FamilyID:           "smart-chat",
		EvaluationModelID:  "gpt-4o-mini",
		EvaluationProvider: "openai",
		ScoreRanges: store.ScoreRanges{
			{MinScore: 1, MaxScore: 30, TargetModel: "gpt-4o-mini", Reason: "simple prompt"},
			{MinScore: 31, MaxScore: 70, TargetModel: "gpt-4o"},
			{MinScore: 71, MaxScore: 100, TargetModel: "o1", Reason: "hard prompt"},
		},
		FallbackModel:        "gpt-4o",
		FallbackProvider:     "openai",
		CacheDurationMinutes: 10,
		EvaluationTimeoutMs:  5000,
		Enabled:              true,
	}
}

func evaluatorCatalog() *fakeVariants {
	return &fakeVariants{byID: map[string][]*store.ModelVariant{
		"gpt-4o-mini": {{
			ModelID:             "gpt-4o-mini",
			Provider:            "openai",
			ProviderModelID:     "gpt-4o-mini",
			Adapter:             "openai",
			PricePerInputToken:  0.15,
			PricePerOutputToken: 0.6,
			Enabled:             true,
		}},
	}}
}

func userReq(text string) *llm.ChatRequest {
	return &llm.ChatRequest{
		Model: "smart-chat",
		Messages: []llm.Message{{
			Role:    llm.RoleUser,
			Content: []llm.ContentPart{{Type: llm.PartText, Text: text}},
		}},
	}
}

func TestEvaluateAndRoute_BandSelection(t *testing.T) {
	cases := []struct {
		reply     string
		wantModel string
		wantScore int
	}{
		{"12", "gpt-4o-mini", 12},
		{"42", "gpt-4o", 42},
		{"99", "o1", 99},
		{"Score: 55.", "gpt-4o", 55},
	}

	for _, c := range cases {
		t.Run(c.reply, func(t *testing.T) {
			exec := &fakeExec{reply: c.reply}
			r := New(evaluatorCatalog(), exec, nil, nil, nil)

			res, err := r.EvaluateAndRoute(context.Background(), testFamily(), userReq("hello"))
			if err != nil {
				t.Fatalf("EvaluateAndRoute: %v", err)
			}
			if res.SelectedModel != c.wantModel {
				t.Errorf("selected model = %q, want %q", res.SelectedModel, c.wantModel)
			}
			if res.ComplexityScore != c.wantScore {
				t.Errorf("score = %d, want %d", res.ComplexityScore, c.wantScore)
			}
			// Band matches leave provider choice to the selector.
			if res.SelectedProvider != "" {
				t.Errorf("selected provider = %q, want empty", res.SelectedProvider)
			}
			if res.FromCache {
				t.Error("fresh evaluation marked as cached")
			}
		})
	}
}

func TestEvaluateAndRoute_EvaluatorFailureUsesFallback(t *testing.T) {
	exec := &fakeExec{err: errors.New("upstream 503")}
	r := New(evaluatorCatalog(), exec, nil, nil, nil)

	res, err := r.EvaluateAndRoute(context.Background(), testFamily(), userReq("hello"))
	if err != nil {
		t.Fatalf("EvaluateAndRoute: %v", err)
	}
	if res.SelectedModel != "gpt-4o" || res.SelectedProvider != "openai" {
		t.Errorf("fallback = %s/%s, want openai/gpt-4o", res.SelectedProvider, res.SelectedModel)
	}
	if !strings.Contains(res.Reasoning, "evaluation failed") {
		t.Errorf("reasoning = %q", res.Reasoning)
	}
}

func TestEvaluateAndRoute_MissingEvaluatorUsesFallback(t *testing.T) {
	r := New(&fakeVariants{}, &fakeExec{reply: "10"}, nil, nil, nil)

	res, err := r.EvaluateAndRoute(context.Background(), testFamily(), userReq("hello"))
	if err != nil {
		t.Fatalf("EvaluateAndRoute: %v", err)
	}
	if res.SelectedModel != "gpt-4o" {
		t.Errorf("selected model = %q, want the fallback", res.SelectedModel)
	}
}

func TestEvaluateAndRoute_ScoreGapFallsThrough(t *testing.T) {
	fam := testFamily()
	fam.ScoreRanges = store.ScoreRanges{
		{MinScore: 1, MaxScore: 30, TargetModel: "gpt-4o-mini"},
		{MinScore: 61, MaxScore: 100, TargetModel: "o1"},
	}
	exec := &fakeExec{reply: "45"}
	r := New(evaluatorCatalog(), exec, nil, nil, nil)

	res, err := r.EvaluateAndRoute(context.Background(), fam, userReq("hello"))
	if err != nil {
		t.Fatalf("EvaluateAndRoute: %v", err)
	}
	if res.SelectedModel != "gpt-4o" {
		t.Errorf("selected model = %q, want the fallback for an uncovered score", res.SelectedModel)
	}
	if res.ComplexityScore != 45 {
		t.Errorf("score = %d, want the real score carried through", res.ComplexityScore)
	}
}

func TestEvaluateAndRoute_DisabledFamily(t *testing.T) {
	fam := testFamily()
	fam.Enabled = false
	r := New(evaluatorCatalog(), &fakeExec{reply: "10"}, nil, nil, nil)

	if _, err := r.EvaluateAndRoute(context.Background(), fam, userReq("hello")); err == nil {
		t.Fatal("expected an error for a disabled family")
	}
}

func TestEvaluateAndRoute_Memoized(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	exec := &fakeExec{reply: "42", usage: &llm.Usage{PromptTokens: 100, CompletionTokens: 2, TotalTokens: 102}}
	r := New(evaluatorCatalog(), exec, cache.NewMemoryCache(ctx), nil, nil)
	fam := testFamily()

	first, err := r.EvaluateAndRoute(ctx, fam, userReq("same question"))
	if err != nil {
		t.Fatalf("first call: %v", err)
	}
	if first.FromCache {
		t.Fatal("first call served from cache")
	}
	if first.EvaluationCost <= 0 {
		t.Errorf("first call evaluation cost = %f, want > 0", first.EvaluationCost)
	}

	second, err := r.EvaluateAndRoute(ctx, fam, userReq("same question"))
	if err != nil {
		t.Fatalf("second call: %v", err)
	}
	if !second.FromCache {
		t.Error("identical request not served from cache")
	}
	if second.SelectedModel != first.SelectedModel {
		t.Errorf("cached model = %q, want %q", second.SelectedModel, first.SelectedModel)
	}
	if second.EvaluationCost != 0 || second.EvaluationTokens != 0 {
		t.Errorf("cached result carries cost %f / tokens %d, want zero", second.EvaluationCost, second.EvaluationTokens)
	}
	if exec.calls != 1 {
		t.Errorf("evaluator ran %d times, want 1", exec.calls)
	}

	// A different conversation misses the memo.
	if _, err := r.EvaluateAndRoute(ctx, fam, userReq("different question")); err != nil {
		t.Fatalf("third call: %v", err)
	}
	if exec.calls != 2 {
		t.Errorf("evaluator ran %d times after a distinct request, want 2", exec.calls)
	}
}

func TestEvaluateAndRoute_ExcludedFamilySkipsMemo(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	exclusions, err := cache.NewExclusionList([]string{"smart-chat"}, nil)
	if err != nil {
		t.Fatal(err)
	}
	exec := &fakeExec{reply: "42"}
	r := New(evaluatorCatalog(), exec, cache.NewMemoryCache(ctx), exclusions, nil)

	for i := 0; i < 2; i++ {
		if _, err := r.EvaluateAndRoute(ctx, testFamily(), userReq("same question")); err != nil {
			t.Fatalf("call %d: %v", i, err)
		}
	}
	if exec.calls != 2 {
		t.Errorf("evaluator ran %d times, want 2 for an excluded family", exec.calls)
	}
}

func TestEvaluateAndRoute_EvaluatorRequestShape(t *testing.T) {
	exec := &fakeExec{reply: "42"}
	r := New(evaluatorCatalog(), exec, nil, nil, nil)

	req := userReq("how do I sort a slice")
	req.User = "user-7"
	if _, err := r.EvaluateAndRoute(context.Background(), testFamily(), req); err != nil {
		t.Fatal(err)
	}

	eval := exec.last
	if eval.Model != "gpt-4o-mini" {
		t.Errorf("evaluator model = %q", eval.Model)
	}
	if eval.MaxTokens == nil || *eval.MaxTokens != evaluationMaxTokens {
		t.Errorf("evaluator max_tokens = %v, want %d", eval.MaxTokens, evaluationMaxTokens)
	}
	if eval.Temperature == nil || *eval.Temperature != 0 {
		t.Error("evaluator temperature not pinned to 0")
	}
	if eval.User != "user-7" {
		t.Errorf("evaluator user = %q, want the caller's user", eval.User)
	}
	if len(eval.Messages) != 2 || eval.Messages[0].Role != llm.RoleSystem {
		t.Fatalf("evaluator messages = %+v", eval.Messages)
	}
	if !strings.Contains(eval.Messages[1].Text(), "how do I sort a slice") {
		t.Error("conversation payload missing the user text")
	}
}

func TestParseScore(t *testing.T) {
	cases := []struct {
		in   string
		want int
	}{
		{"42", 42},
		{" 7 \n", 7},
		{"Complexity: 88", 88},
		{"0", 1},
		{"350", 100},
		{"not a number", defaultScore},
		{"", defaultScore},
	}
	for _, c := range cases {
		if got := parseScore(c.in); got != c.want {
			t.Errorf("parseScore(%q) = %d, want %d", c.in, got, c.want)
		}
	}
}

func TestEvaluationCost(t *testing.T) {
	v := &store.ModelVariant{PricePerInputToken: 0.15, PricePerOutputToken: 0.6}

	if got := evaluationCost(&llm.Usage{Cost: 0.0123}, v); got != 0.0123 {
		t.Errorf("upstream-reported cost ignored: %f", got)
	}

	got := evaluationCost(&llm.Usage{PromptTokens: 1000, CompletionTokens: 10}, v)
	want := (1000*0.15 + 10*0.6) / 1000
	if got != want {
		t.Errorf("catalog-priced cost = %f, want %f", got, want)
	}

	unpriced := &store.ModelVariant{}
	if got := evaluationCost(nil, unpriced); got != fallbackEvaluationCost {
		t.Errorf("flat cost = %f, want %f", got, fallbackEvaluationCost)
	}
}

func TestTruncateMessages(t *testing.T) {
	long := strings.Repeat("a", maxTokensPerMessage*charsPerToken*3)
	msgs := []llm.Message{
		{Role: llm.RoleUser, Content: []llm.ContentPart{{Type: llm.PartText, Text: "short"}}},
		{Role: llm.RoleUser, Content: []llm.ContentPart{{Type: llm.PartText, Text: long}}},
	}

	out := truncateMessages(msgs)
	if out[0].Text() != "short" {
		t.Errorf("short message altered: %q", out[0].Text())
	}
	clipped := out[1].Text()
	if len(clipped) >= len(long) {
		t.Fatal("long message not truncated")
	}
	if !strings.Contains(clipped, strings.TrimSpace(ellipsis)) {
		t.Error("truncated message carries no ellipsis marker")
	}
	if !strings.HasPrefix(clipped, "aaa") || !strings.HasSuffix(clipped, "aaa") {
		t.Error("truncation dropped the head or tail of the message")
	}
	// The input slice is never mutated.
	if msgs[1].Text() != long {
		t.Error("truncateMessages mutated its input")
	}
}

func TestTruncateMessages_MultiByteText(t *testing.T) {
	long := strings.Repeat("宇", maxTokensPerMessage*charsPerToken*3)
	msgs := []llm.Message{
		{Role: llm.RoleUser, Content: []llm.ContentPart{{Type: llm.PartText, Text: long}}},
	}

	clipped := truncateMessages(msgs)[0].Text()
	if !utf8.ValidString(clipped) {
		t.Fatal("clipping split a multi-byte rune")
	}
	if !strings.HasPrefix(clipped, "宇") || !strings.HasSuffix(clipped, "宇") {
		t.Error("truncation dropped the head or tail of the message")
	}
}

func TestCompress_DropsOnlyMiddleMessages(t *testing.T) {
	var msgs []llm.Message
	for i := 0; i < 8; i++ {
		msgs = append(msgs, llm.Message{
			Role:    llm.RoleUser,
			Content: []llm.ContentPart{{Type: llm.PartText, Text: fmt.Sprintf("message %d", i)}},
		})
	}

	// The judge nominates protected indices too; only 2 and 3 are droppable.
	exec := &fakeExec{reply: "[0, 2, 3, 6, 7]"}
	r := New(evaluatorCatalog(), exec, nil, nil, nil)

	out := r.compress(context.Background(), testFamily(), msgs)
	if len(out) != 6 {
		t.Fatalf("kept %d messages, want 6", len(out))
	}
	if out[0].Text() != "message 0" {
		t.Error("first message not preserved")
	}
	for i, want := range []string{"message 5", "message 6", "message 7"} {
		if got := out[len(out)-3+i].Text(); got != want {
			t.Errorf("tail message = %q, want %q", got, want)
		}
	}
}

func TestCompress_FailureReturnsInput(t *testing.T) {
	var msgs []llm.Message
	for i := 0; i < 8; i++ {
		msgs = append(msgs, llm.Message{
			Role:    llm.RoleUser,
			Content: []llm.ContentPart{{Type: llm.PartText, Text: fmt.Sprintf("message %d", i)}},
		})
	}

	exec := &fakeExec{err: errors.New("judge unavailable")}
	r := New(evaluatorCatalog(), exec, nil, nil, nil)
	if out := r.compress(context.Background(), testFamily(), msgs); len(out) != len(msgs) {
		t.Errorf("failed compression changed the conversation: %d messages", len(out))
	}

	garbled := &fakeExec{reply: "cannot decide"}
	r = New(evaluatorCatalog(), garbled, nil, nil, nil)
	if out := r.compress(context.Background(), testFamily(), msgs); len(out) != len(msgs) {
		t.Errorf("unparsable judge reply changed the conversation: %d messages", len(out))
	}
}
