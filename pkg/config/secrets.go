package config

import (
	"errors"

	"github.com/zalando/go-keyring"
)

// KeyringService is the service name secrets are stored under in the OS
// keyring.
const KeyringService = "companion"

// SecretSource looks up credentials by their environment variable name.
type SecretSource interface {
	Secret(name string) (string, bool)
}

// KeyringSecrets reads secrets from the OS keyring.
type KeyringSecrets struct{}

// Secret implements SecretSource.
func (KeyringSecrets) Secret(name string) (string, bool) {
	val, err := keyring.Get(KeyringService, name)
	if err != nil || val == "" {
		return "", false
	}
	return val, true
}

// StoreSecret saves a credential in the OS keyring.
func StoreSecret(name, value string) error {
	if name == "" || value == "" {
		return errors.New("secret name and value are required")
	}
	return keyring.Set(KeyringService, name, value)
}

// DeleteSecret removes a credential from the OS keyring.
func DeleteSecret(name string) error {
	err := keyring.Delete(KeyringService, name)
	if errors.Is(err, keyring.ErrNotFound) {
		return nil
	}
	return err
}

// SecretNames lists the credentials that may live in the keyring.
func SecretNames() []string {
	return []string{
		"GROQ_API_KEY", "OPENAI_API_KEY", "ANTHROPIC_API_KEY", "TOGETHER_API_KEY",
		"ELEVENLABS_API_KEY", "EMBEDDING_API_KEY",
	}
}

// resolveSecrets fills empty credentials from src. Values from the
// environment or the config file always win.
func resolveSecrets(s *Settings, src SecretSource) {
	targets := map[string]*string{
		"GROQ_API_KEY":       &s.GroqAPIKey,
		"OPENAI_API_KEY":     &s.OpenAIAPIKey,
		"ANTHROPIC_API_KEY":  &s.AnthropicAPIKey,
		"TOGETHER_API_KEY":   &s.TogetherAPIKey,
		"ELEVENLABS_API_KEY": &s.ElevenLabsAPIKey,
		"EMBEDDING_API_KEY":  &s.EmbeddingAPIKey,
	}
	for _, name := range SecretNames() {
		p := targets[name]
		if *p != "" {
			continue
		}
		if val, ok := src.Secret(name); ok {
			*p = val
		}
	}
	if s.EmbeddingAPIKey == "" {
		s.EmbeddingAPIKey = s.OpenAIAPIKey
	}
}
