package credentials_test

import (
	"crypto/rand"
	"encoding/base64"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/schnicklfritz/comfyui-model-downloader/internal/credentials"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleProfile() credentials.RemoteProfile {
	return credentials.RemoteProfile{
		Provider:        "s3",
		AccessKeyID:     "AKIAEXAMPLE",
		SecretAccessKey: "super-secret-value",
		Bucket:          "models",
		Endpoint:        "http://localhost:9000",
		Region:          "us-east-1",
	}
}

func TestSaveAndGet(t *testing.T) {
	store, err := credentials.NewStore(t.TempDir())
	require.NoError(t, err)

	require.NoError(t, store.Save("minio", sampleProfile()))

	profile, err := store.Get("minio")
	require.NoError(t, err)
	require.NotNil(t, profile)
	assert.Equal(t, sampleProfile(), *profile)
}

func TestSecretsAreEncryptedOnDisk(t *testing.T) {
	dir := t.TempDir()
	store, err := credentials.NewStore(dir)
	require.NoError(t, err)

	require.NoError(t, store.Save("minio", sampleProfile()))

	raw, err := os.ReadFile(filepath.Join(dir, "remotes.json"))
	require.NoError(t, err)

	content := string(raw)
	assert.NotContains(t, content, "AKIAEXAMPLE")
	assert.NotContains(t, content, "super-secret-value")
	assert.Contains(t, content, `"provider": "s3"`)
	assert.Contains(t, content, `"bucket": "models"`)
}

func TestGetUnknownRemote(t *testing.T) {
	store, err := credentials.NewStore(t.TempDir())
	require.NoError(t, err)

	profile, err := store.Get("nope")
	assert.NoError(t, err)
	assert.Nil(t, profile)
}

func TestListIsSorted(t *testing.T) {
	store, err := credentials.NewStore(t.TempDir())
	require.NoError(t, err)

	for _, name := range []string{"wasabi", "backblaze", "minio"} {
		require.NoError(t, store.Save(name, sampleProfile()))
	}

	names, err := store.List()
	require.NoError(t, err)
	assert.Equal(t, []string{"backblaze", "minio", "wasabi"}, names)
}

func TestDelete(t *testing.T) {
	store, err := credentials.NewStore(t.TempDir())
	require.NoError(t, err)

	require.NoError(t, store.Save("minio", sampleProfile()))
	require.NoError(t, store.Delete("minio"))

	profile, err := store.Get("minio")
	require.NoError(t, err)
	assert.Nil(t, profile)

	assert.NoError(t, store.Delete("never-existed"))
}

func TestSaveValidation(t *testing.T) {
	store, err := credentials.NewStore(t.TempDir())
	require.NoError(t, err)

	noProvider := sampleProfile()
	noProvider.Provider = ""

	noKeys := sampleProfile()
	noKeys.SecretAccessKey = ""

	noBucket := sampleProfile()
	noBucket.Bucket = ""

	assert.Error(t, store.Save("", sampleProfile()))
	assert.Error(t, store.Save("  ", sampleProfile()))
	assert.Error(t, store.Save("minio", noProvider))
	assert.Error(t, store.Save("minio", noKeys))
	assert.Error(t, store.Save("minio", noBucket))
}

func TestKeyPersistsAcrossReopen(t *testing.T) {
	dir := t.TempDir()

	store, err := credentials.NewStore(dir)
	require.NoError(t, err)
	require.NoError(t, store.Save("minio", sampleProfile()))

	reopened, err := credentials.NewStore(dir)
	require.NoError(t, err)

	profile, err := reopened.Get("minio")
	require.NoError(t, err)
	require.NotNil(t, profile)
	assert.Equal(t, "super-secret-value", profile.SecretAccessKey)
}

func TestMissingKeyWithSavedProfiles(t *testing.T) {
	dir := t.TempDir()

	store, err := credentials.NewStore(dir)
	require.NoError(t, err)
	require.NoError(t, store.Save("minio", sampleProfile()))

	require.NoError(t, os.Remove(filepath.Join(dir, ".modelfetch.key")))

	_, err = credentials.NewStore(dir)
	assert.ErrorIs(t, err, credentials.ErrKeyMaterial)
}

func TestMissingKeyWithEmptyStoreRegenerates(t *testing.T) {
	dir := t.TempDir()

	_, err := credentials.NewStore(dir)
	require.NoError(t, err)
	require.NoError(t, os.Remove(filepath.Join(dir, ".modelfetch.key")))

	store, err := credentials.NewStore(dir)
	require.NoError(t, err)
	require.NoError(t, store.Save("minio", sampleProfile()))
}

func TestDecryptFailureKeepsCiphertext(t *testing.T) {
	dir := t.TempDir()

	store, err := credentials.NewStore(dir)
	require.NoError(t, err)
	require.NoError(t, store.Save("minio", sampleProfile()))

	// Swap the key file for a different valid key so stored ciphertexts no
	// longer open.
	wrongKey := make([]byte, 32)
	_, err = rand.Read(wrongKey)
	require.NoError(t, err)
	encoded := base64.StdEncoding.EncodeToString(wrongKey)
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".modelfetch.key"), []byte(encoded), 0o600))

	reopened, err := credentials.NewStore(dir)
	require.NoError(t, err)

	profile, err := reopened.Get("minio")
	assert.ErrorIs(t, err, credentials.ErrDecrypt)
	require.NotNil(t, profile)
	assert.NotEqual(t, "AKIAEXAMPLE", profile.AccessKeyID)
	assert.NotEmpty(t, profile.AccessKeyID)
	assert.Equal(t, "models", profile.Bucket)
}

func TestGitignoreCoversSensitiveFiles(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".gitignore"), []byte("*.log\n"), 0o644))

	_, err := credentials.NewStore(dir)
	require.NoError(t, err)

	raw, err := os.ReadFile(filepath.Join(dir, ".gitignore"))
	require.NoError(t, err)

	content := string(raw)
	assert.Contains(t, content, "*.log")
	assert.Contains(t, content, ".modelfetch.key")
	assert.Contains(t, content, "remotes.json")

	// Reopening must not append the entries a second time.
	_, err = credentials.NewStore(dir)
	require.NoError(t, err)

	raw, err = os.ReadFile(filepath.Join(dir, ".gitignore"))
	require.NoError(t, err)
	assert.Equal(t, 1, strings.Count(string(raw), ".modelfetch.key"))
}
