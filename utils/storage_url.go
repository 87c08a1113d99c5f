package utils

import (
	"net/url"
	"os"
	"strings"
)

// ObjectKeyFromURI turns the storage reference of an uploaded file into a bucket
// object key. It accepts raw keys ("biz/2024-Q1/sales.csv"), gs:// URIs and the
// usual https GCS URL shapes. It returns "" for anything else.
func ObjectKeyFromURI(raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" || strings.Contains(raw, "..") {
		return ""
	}
	if !strings.Contains(raw, "://") {
		return strings.TrimPrefix(raw, "/")
	}
	if strings.HasPrefix(raw, "gs://") {
		parts := strings.SplitN(strings.TrimPrefix(raw, "gs://"), "/", 2)
		if len(parts) == 2 {
			return parts[1]
		}
		return ""
	}

	parsed, err := url.Parse(raw)
	if err != nil {
		return ""
	}
	host := strings.ToLower(parsed.Host)
	p := strings.TrimPrefix(parsed.Path, "/")
	switch {
	case host == "storage.googleapis.com" || host == "storage.cloud.google.com":
		parts := strings.SplitN(p, "/", 2)
		if len(parts) == 2 {
			return parts[1]
		}
	case strings.HasSuffix(host, ".storage.googleapis.com"):
		return p
	}

	if gcsURL, bucket := strings.TrimSpace(os.Getenv("GCS_URL")), strings.TrimSpace(os.Getenv("GCS_BUCKET")); gcsURL != "" && bucket != "" {
		prefix := "https://" + gcsURL + "/" + bucket + "/"
		if strings.HasPrefix(raw, prefix) {
			return strings.TrimPrefix(raw, prefix)
		}
	}
	return ""
}
