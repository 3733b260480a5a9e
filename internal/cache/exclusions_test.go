package cache

import "testing"

func TestExclusionList_ExactMatch(t *testing.T) {
	el, err := NewExclusionList([]string{"smart-chat", "draft-family"}, nil)
	if err != nil {
		t.Fatal(err)
	}

	if !el.Matches("smart-chat") {
		t.Error("exact rule should match")
	}
	if el.Matches("smart-chat-v2") {
		t.Error("exact rule must not match a prefix")
	}
	if el.Matches("gpt-4o") {
		t.Error("unlisted model matched")
	}
}

func TestExclusionList_PatternMatch(t *testing.T) {
	el, err := NewExclusionList(nil, []string{`^exp-`, `-preview$`})
	if err != nil {
		t.Fatal(err)
	}

	cases := []struct {
		name string
		want bool
	}{
		{"exp-router-7", true},
		{"gpt-4o-preview", true},
		{"gpt-4o", false},
		{"my-exp-model", false},
	}
	for _, tc := range cases {
		if got := el.Matches(tc.name); got != tc.want {
			t.Errorf("Matches(%q) = %v, want %v", tc.name, got, tc.want)
		}
	}
}

func TestExclusionList_InvalidPattern(t *testing.T) {
	if _, err := NewExclusionList(nil, []string{`[unclosed`}); err == nil {
		t.Error("invalid pattern should fail at construction")
	}
}

func TestExclusionList_EmptyRulesSkipped(t *testing.T) {
	el, err := NewExclusionList([]string{"", "smart-chat"}, []string{""})
	if err != nil {
		t.Fatal(err)
	}
	if el.Len() != 1 {
		t.Errorf("Len = %d, want empty rules dropped", el.Len())
	}
	if el.Matches("") {
		t.Error("empty name matched")
	}
}

func TestExclusionList_NilSafe(t *testing.T) {
	var el *ExclusionList
	if el.Matches("anything") {
		t.Error("nil list should never match")
	}
	if el.Len() != 0 {
		t.Error("nil list should report zero rules")
	}
}
