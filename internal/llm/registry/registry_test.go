package registry

import "testing"

func TestBuildKinds(t *testing.T) {
	for _, kind := range []string{"openai_compat", "openai", "openai_responses"} {
		if _, err := Build(BuildOptions{Kind: kind, BaseURL: "https://api.openai.com/v1"}); err != nil {
			t.Fatalf("build %s: %v", kind, err)
		}
	}
	if _, err := Build(BuildOptions{Kind: "anthropic_messages"}); err == nil {
		t.Fatalf("expected unsupported kind to fail")
	}
}
