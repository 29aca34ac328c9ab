package xonotify

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/xostack/xonotify/llm"
)

func TestNewClient_Providers(t *testing.T) {
	tests := []struct {
		name     string
		settings Settings
	}{
		{"openai", Settings{Provider: ProviderOpenAI, Credential: "sk-test"}},
		{"huggingface", Settings{Provider: ProviderHuggingFace, Credential: "hf_test", Timeout: 5 * time.Second}},
		{"ollama", Settings{Provider: ProviderOllama, ServerAddress: "http://localhost:11434", Model: "gemma:2b"}},
		{"ollama default address", Settings{Provider: ProviderOllama}},
		{"mixed case", Settings{Provider: "OpenAI", Credential: "sk-test"}},
		{"padded name", Settings{Provider: "  Ollama ", ServerAddress: "http://localhost:11434"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client, err := NewClient(tt.settings, nil)
			if err != nil {
				t.Fatalf("Expected no error, got: %v", err)
			}
			defer client.Close()

			want := strings.ToLower(strings.TrimSpace(tt.settings.Provider))
			if client.ProviderName() != want {
				t.Errorf("Expected provider name '%s', got '%s'", want, client.ProviderName())
			}
		})
	}
}

func TestNewClient_Gemini(t *testing.T) {
	client, err := NewClient(Settings{Provider: ProviderGemini, Credential: "test-api-key"}, nil)
	if err != nil {
		t.Skipf("Skipping: genai client creation failed: %v", err)
	}
	defer client.Close()

	if client.ProviderName() != ProviderGemini {
		t.Errorf("Expected provider name 'gemini', got '%s'", client.ProviderName())
	}
}

func TestNewClient_BlankCredential(t *testing.T) {
	for _, provider := range []string{ProviderOpenAI, ProviderGemini, ProviderHuggingFace} {
		t.Run(provider, func(t *testing.T) {
			// The address is unroutable: a network attempt would fail differently.
			_, err := NewClient(Settings{Provider: provider, Credential: "  ", ServerAddress: "http://127.0.0.1:1"}, nil)
			if err == nil {
				t.Fatal("Expected error for blank credential")
			}
			if !errors.Is(err, llm.ErrInvalidCredential) {
				t.Errorf("Expected ErrInvalidCredential, got: %v", err)
			}
			if llm.KindOf(err) != llm.KindInvalidCredential {
				t.Errorf("Expected KindInvalidCredential, got %v", llm.KindOf(err))
			}
		})
	}
}

func TestNewClient_UnknownProvider(t *testing.T) {
	_, err := NewClient(Settings{Provider: "anthropic", Credential: "x"}, nil)
	if err == nil {
		t.Fatal("Expected error for unsupported provider")
	}
	if !strings.Contains(err.Error(), "unsupported LLM provider") {
		t.Errorf("Expected unsupported provider error, got: %v", err)
	}

	_, err = NewClient(Settings{}, nil)
	if err == nil || !strings.Contains(err.Error(), "no LLM provider specified") {
		t.Errorf("Expected missing provider error, got: %v", err)
	}
}

func TestNewClient_InvalidServerAddress(t *testing.T) {
	_, err := NewClient(Settings{Provider: ProviderOllama, ServerAddress: "ftp://example.com"}, nil)
	if err == nil {
		t.Fatal("Expected error for non-http ollama address")
	}
}
