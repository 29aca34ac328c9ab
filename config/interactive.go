package config

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/xostack/xonotify"
)

// WriteInteractive guides the user through creating the configuration file
// at cfgPath, reading answers from in and writing prompts to out. At least
// one provider must be configured.
func WriteInteractive(cfgPath string, in io.Reader, out io.Writer) (Config, error) {
	reader := bufio.NewReader(in)
	ask := func(prompt string) string {
		fmt.Fprint(out, prompt)
		line, _ := reader.ReadString('\n')
		return strings.TrimSpace(line)
	}

	cfg := defaultConfig()
	cfg.LLMs = make(map[string]LLMConfig)

	fmt.Fprintln(out, "\n--- xonotify configuration ---")
	fmt.Fprintln(out, "Please provide details for at least one LLM provider.")

	// --- Ollama ---
	ollamaURL := ask(fmt.Sprintf("Enter Ollama base URL (leave empty to skip, '-' for %s): ", DefaultOllamaURL))
	if ollamaURL == "-" {
		ollamaURL = DefaultOllamaURL
	}
	if ollamaURL != "" {
		if err := validateOllamaURL(ollamaURL); err != nil {
			fmt.Fprintf(out, "Warning: could not connect to Ollama at %s: %v\n", ollamaURL, err)
			fmt.Fprintln(out, "   The configuration will be saved anyway. Make sure Ollama is running.")
		} else {
			fmt.Fprintf(out, "Connected to Ollama at %s\n", ollamaURL)
		}
		cfg.LLMs[xonotify.ProviderOllama] = LLMConfig{BaseURL: ollamaURL}
	}

	// --- Hosted providers ---
	for _, p := range []struct{ name, label string }{
		{xonotify.ProviderOpenAI, "OpenAI API key"},
		{xonotify.ProviderGemini, "Gemini API key"},
		{xonotify.ProviderHuggingFace, "Hugging Face access token"},
	} {
		key := ask(fmt.Sprintf("Enter %s (leave empty to skip): ", p.label))
		if key == "" {
			continue
		}
		cfg.LLMs[p.name] = LLMConfig{APIKey: key}
		fmt.Fprintf(out, "%s configured\n", p.label)
	}

	if len(cfg.LLMs) == 0 {
		fmt.Fprintln(out, "\nNo LLM providers configured.")
		return Config{}, errors.New("at least one LLM provider must be configured")
	}

	// --- Default provider ---
	available := make([]string, 0, len(cfg.LLMs))
	for provider := range cfg.LLMs {
		available = append(available, provider)
	}
	sort.Strings(available)
	if _, ok := cfg.LLMs[cfg.DefaultProvider]; !ok {
		cfg.DefaultProvider = available[0]
	}

	choice := ask(fmt.Sprintf("Enter default LLM provider (available: %s; default: %s): ",
		strings.Join(available, ", "), cfg.DefaultProvider))
	if choice != "" {
		if _, exists := cfg.LLMs[choice]; !exists {
			return Config{}, fmt.Errorf("invalid default provider '%s': no configuration found for this provider", choice)
		}
		cfg.DefaultProvider = choice
	}
	fmt.Fprintf(out, "Default provider: %s\n", cfg.DefaultProvider)

	// --- Notification broker ---
	if amqpURL := ask("Enter AMQP broker URL for delivering notifications (leave empty to log them): "); amqpURL != "" {
		cfg.Notify.AMQPURL = amqpURL
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	if err := Save(cfgPath, cfg); err != nil {
		return Config{}, err
	}

	fmt.Fprintf(out, "\nConfiguration file created successfully at %s\n", cfgPath)
	return cfg, nil
}

// Save writes cfg as TOML to cfgPath with owner-only permissions.
func Save(cfgPath string, cfg Config) error {
	configDir := filepath.Dir(cfgPath)
	if err := os.MkdirAll(configDir, DefaultDirPerm); err != nil {
		return fmt.Errorf("failed to create config directory %s: %w", configDir, err)
	}

	file, err := os.OpenFile(cfgPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, DefaultFilePerm)
	if err != nil {
		return fmt.Errorf("failed to create config file %s: %w", cfgPath, err)
	}
	defer file.Close()

	if err := toml.NewEncoder(file).Encode(cfg); err != nil {
		return fmt.Errorf("failed to encode configuration to TOML: %w", err)
	}
	return nil
}

// validateOllamaURL attempts to connect to the Ollama base URL.
func validateOllamaURL(rawURL string) error {
	if rawURL == "" {
		return errors.New("URL cannot be empty")
	}

	parsedURL, err := url.ParseRequestURI(rawURL)
	if err != nil {
		return fmt.Errorf("invalid URL format: %w", err)
	}
	if parsedURL.Scheme != "http" && parsedURL.Scheme != "https" {
		return errors.New("URL scheme must be http or https")
	}

	// Ollama answers "Ollama is running" at the root; reachability is enough.
	client := &http.Client{Timeout: 5 * time.Second}
	resp, err := client.Get(parsedURL.String())
	if err != nil {
		return fmt.Errorf("failed to connect to Ollama server at %s: %w", rawURL, err)
	}
	resp.Body.Close()
	return nil
}
