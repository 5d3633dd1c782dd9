package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func TestEncryptDecryptSecretsRoundTrip(t *testing.T) {
	tmpDir := t.TempDir()

	password := "test-password-12345"
	secrets := map[string]string{
		"GITHUB_TOKEN":      "ghp_test123456789",
		"GEMINI_API_KEY":    "AIza-test",
		"ANTHROPIC_API_KEY": "sk-ant-test123",
		"OPENAI_API_KEY":    "sk-test-openai",
	}

	if err := EncryptSecretsFile(tmpDir, password, secrets); err != nil {
		t.Fatalf("Failed to encrypt secrets: %v", err)
	}

	secretsPath := filepath.Join(tmpDir, ConfigDir, SecretsFilename)
	info, err := os.Stat(secretsPath)
	if err != nil {
		t.Fatalf("Secrets file was not created: %v", err)
	}
	if info.Mode().Perm() != 0600 {
		t.Errorf("Expected file permissions 0600, got %04o", info.Mode().Perm())
	}

	decrypted, err := DecryptSecretsFile(tmpDir, password)
	if err != nil {
		t.Fatalf("Failed to decrypt secrets: %v", err)
	}
	if len(decrypted) != len(secrets) {
		t.Errorf("Expected %d secrets, got %d", len(secrets), len(decrypted))
	}
	for key, expectedValue := range secrets {
		if actualValue, exists := decrypted[key]; !exists {
			t.Errorf("Secret %s not found in decrypted data", key)
		} else if actualValue != expectedValue {
			t.Errorf("Secret %s: expected %q, got %q", key, expectedValue, actualValue)
		}
	}
}

func TestDecryptWithWrongPassword(t *testing.T) {
	tmpDir := t.TempDir()

	if err := EncryptSecretsFile(tmpDir, "correct-password", map[string]string{"GITHUB_TOKEN": "ghp_x"}); err != nil {
		t.Fatalf("Failed to encrypt secrets: %v", err)
	}

	_, err := DecryptSecretsFile(tmpDir, "wrong-password")
	if err == nil {
		t.Fatal("Expected decryption to fail with wrong password, but it succeeded")
	}
	if err.Error() != "decryption failed (wrong password or corrupted file)" {
		t.Errorf("Expected specific error message, got: %v", err)
	}
}

func TestSecretsFileExists(t *testing.T) {
	tmpDir := t.TempDir()

	if SecretsFileExists(tmpDir) {
		t.Error("Expected SecretsFileExists to return false when file doesn't exist")
	}
	if err := EncryptSecretsFile(tmpDir, "pw", map[string]string{"GITHUB_TOKEN": "ghp_test"}); err != nil {
		t.Fatalf("Failed to encrypt secrets: %v", err)
	}
	if !SecretsFileExists(tmpDir) {
		t.Error("Expected SecretsFileExists to return true when file exists")
	}
}

func TestGetSecretPrecedence(t *testing.T) {
	t.Setenv("FD_TEST_SECRET", "from-env-var")

	store := NewSecrets(map[string]string{"FD_TEST_SECRET": "from-secrets-file"})
	secret, err := store.Get("FD_TEST_SECRET")
	if err != nil {
		t.Fatalf("Expected to get secret, got error: %v", err)
	}
	if secret != "from-secrets-file" {
		t.Errorf("Expected secret from secrets file (precedence), got: %q", secret)
	}

	store.Delete("FD_TEST_SECRET")
	secret, err = store.Get("FD_TEST_SECRET")
	if err != nil {
		t.Fatalf("Expected to get secret from env var, got error: %v", err)
	}
	if secret != "from-env-var" {
		t.Errorf("Expected secret from env var, got: %q", secret)
	}

	os.Unsetenv("FD_TEST_SECRET")
	_, err = store.Get("FD_TEST_SECRET")
	if !errors.Is(err, ErrSecretNotFound) {
		t.Errorf("Expected ErrSecretNotFound, got %v", err)
	}
}

func TestSecretsSaveAndLoad(t *testing.T) {
	tmpDir := t.TempDir()

	store := NewSecrets(nil)
	store.Set("OPENAI_API_KEY", "sk-1")
	store.Set("GITHUB_TOKEN", "ghp-2")
	if err := store.Save(tmpDir, "pw"); err != nil {
		t.Fatalf("Save: %v", err)
	}

	loaded, err := LoadSecrets(tmpDir, "pw")
	if err != nil {
		t.Fatalf("LoadSecrets: %v", err)
	}
	names := loaded.Names()
	if len(names) != 2 || names[0] != "GITHUB_TOKEN" || names[1] != "OPENAI_API_KEY" {
		t.Errorf("unexpected names %v", names)
	}

	if _, err := LoadSecrets(tmpDir, "nope"); err == nil {
		t.Error("expected wrong password to fail")
	}

	envOnly, err := LoadSecrets(t.TempDir(), "")
	if err != nil {
		t.Fatalf("LoadSecrets without file: %v", err)
	}
	if len(envOnly.Names()) != 0 {
		t.Errorf("expected empty store, got %v", envOnly.Names())
	}
}

func TestDecryptFixesPermissions(t *testing.T) {
	tmpDir := t.TempDir()
	if err := EncryptSecretsFile(tmpDir, "pw", map[string]string{"A": "b"}); err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	path := SecretsPath(tmpDir)
	if err := os.Chmod(path, 0644); err != nil {
		t.Fatalf("chmod: %v", err)
	}
	if _, err := DecryptSecretsFile(tmpDir, "pw"); err != nil {
		t.Fatalf("decrypt: %v", err)
	}
	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("stat: %v", err)
	}
	if info.Mode().Perm() != 0600 {
		t.Errorf("expected permissions to be corrected to 0600, got %04o", info.Mode().Perm())
	}
}

func TestCorruptedSecretsFile(t *testing.T) {
	tmpDir := t.TempDir()

	dir := filepath.Join(tmpDir, ConfigDir)
	if err := os.MkdirAll(dir, 0755); err != nil {
		t.Fatalf("Failed to create %s directory: %v", ConfigDir, err)
	}
	if err := os.WriteFile(filepath.Join(dir, SecretsFilename), []byte("corrupted"), 0600); err != nil {
		t.Fatalf("Failed to write corrupted file: %v", err)
	}

	_, err := DecryptSecretsFile(tmpDir, "any-password")
	if err == nil {
		t.Fatal("Expected error when decrypting corrupted file, got nil")
	}
	if err.Error() != "secrets file is corrupted or invalid format (too small)" {
		t.Errorf("unexpected error message: %v", err)
	}
}

func TestEmptySecrets(t *testing.T) {
	tmpDir := t.TempDir()

	if err := EncryptSecretsFile(tmpDir, "test-password", map[string]string{}); err != nil {
		t.Fatalf("Failed to encrypt empty secrets: %v", err)
	}
	decrypted, err := DecryptSecretsFile(tmpDir, "test-password")
	if err != nil {
		t.Fatalf("Failed to decrypt empty secrets: %v", err)
	}
	if len(decrypted) != 0 {
		t.Errorf("Expected 0 secrets, got %d", len(decrypted))
	}
}
