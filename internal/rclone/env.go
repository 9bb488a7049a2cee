package rclone

import (
	"sort"
	"strings"

	"github.com/schnicklfritz/comfyui-model-downloader/internal/credentials"
)

const envPrefix = "RCLONE_CONFIG_"

func remotePrefix(name string) string {
	return envPrefix + strings.ToUpper(name) + "_"
}

// Bindings computes the RCLONE_CONFIG_<NAME>_* variables that describe one
// remote to rclone. Nothing is written to the process environment; callers
// pass the result to Environ and hand that to the subprocess.
func Bindings(name string, profile credentials.RemoteProfile) map[string]string {
	prefix := remotePrefix(name)

	vars := map[string]string{
		prefix + "TYPE": profile.Provider,
	}
	if profile.AccessKeyID != "" {
		vars[prefix+"ACCESS_KEY_ID"] = profile.AccessKeyID
	}
	if profile.SecretAccessKey != "" {
		vars[prefix+"SECRET_ACCESS_KEY"] = profile.SecretAccessKey
	}
	if profile.Bucket != "" {
		vars[prefix+"BUCKET"] = profile.Bucket
	}
	if profile.Endpoint != "" {
		vars[prefix+"ENDPOINT"] = profile.Endpoint
	}
	if profile.Region != "" {
		vars[prefix+"REGION"] = profile.Region
	}

	// rclone's s3 backend wants a PROVIDER sub-option for the major clouds.
	switch strings.ToLower(profile.Provider) {
	case "s3":
		vars[prefix+"PROVIDER"] = "AWS"
	case "google cloud storage":
		vars[prefix+"PROVIDER"] = "GCS"
	case "azureblob":
		vars[prefix+"PROVIDER"] = "AzureBlob"
	}

	return vars
}

// Environ builds a subprocess environment from base: entries carrying this
// remote's prefix are dropped so stale configuration cannot leak through,
// then the fresh bindings are appended in sorted order.
func Environ(base []string, name string, profile credentials.RemoteProfile) []string {
	prefix := remotePrefix(name)

	env := make([]string, 0, len(base))
	for _, kv := range base {
		key, _, _ := strings.Cut(kv, "=")
		if strings.HasPrefix(key, prefix) {
			continue
		}
		env = append(env, kv)
	}

	bindings := Bindings(name, profile)
	keys := make([]string, 0, len(bindings))
	for key := range bindings {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	for _, key := range keys {
		env = append(env, key+"="+bindings[key])
	}
	return env
}
