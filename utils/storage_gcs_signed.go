package utils

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"cloud.google.com/go/compute/metadata"
	"cloud.google.com/go/storage"
	"golang.org/x/oauth2/google"
	"google.golang.org/api/iamcredentials/v1"
	"google.golang.org/api/option"
)

// SignedDownload is a time-limited link to an uploaded source file.
type SignedDownload struct {
	URL       string    `json:"url"`
	ObjectKey string    `json:"object_key"`
	ExpiresAt time.Time `json:"expires_at"`
}

// SignedUpload is a time-limited PUT target for a source file the browser uploads directly.
type SignedUpload struct {
	UploadURL string            `json:"upload_url"`
	Method    string            `json:"method"`
	Headers   map[string]string `json:"headers"`
	ObjectKey string            `json:"object_key"`
	ExpiresAt time.Time         `json:"expires_at"`
}

// urlSigner fills the identity half of SignedURLOptions.
type urlSigner interface {
	apply(opts *storage.SignedURLOptions)
}

// keySigner signs locally with a service account private key.
type keySigner struct {
	email string
	pem   []byte
}

func (s keySigner) apply(opts *storage.SignedURLOptions) {
	opts.GoogleAccessID = s.email
	opts.PrivateKey = s.pem
}

// blobSigner delegates signing to the IAM Credentials API under ADC.
type blobSigner struct {
	email string
	svc   *iamcredentials.Service
}

func (s blobSigner) apply(opts *storage.SignedURLOptions) {
	opts.GoogleAccessID = s.email
	opts.SignBytes = s.sign
}

func (s blobSigner) sign(payload []byte) ([]byte, error) {
	name := "projects/-/serviceAccounts/" + s.email
	resp, err := s.svc.Projects.ServiceAccounts.SignBlob(name, &iamcredentials.SignBlobRequest{
		Payload: base64.StdEncoding.EncodeToString(payload),
	}).Do()
	if err != nil {
		return nil, fmt.Errorf("sign blob as %s: %w", s.email, err)
	}
	return base64.StdEncoding.DecodeString(resp.SignedBlob)
}

var (
	signerMu sync.Mutex
	signer   urlSigner
)

// currentSigner resolves the signer on first success and keeps it.
func currentSigner(ctx context.Context) (urlSigner, error) {
	signerMu.Lock()
	defer signerMu.Unlock()
	if signer != nil {
		return signer, nil
	}
	s, ok, err := keySignerFromEnv(os.Getenv)
	if err != nil {
		return nil, err
	}
	if !ok {
		if s, err = newBlobSigner(ctx); err != nil {
			return nil, err
		}
	}
	signer = s
	return signer, nil
}

// keySignerFromEnv reads GCS_CREDENTIALS_JSON, or the GCS_SIGNER_EMAIL and
// GCS_SIGNER_PRIVATE_KEY pair. ok is false when neither is set.
func keySignerFromEnv(getenv func(string) string) (urlSigner, bool, error) {
	if raw := strings.TrimSpace(getenv("GCS_CREDENTIALS_JSON")); raw != "" {
		var key struct {
			ClientEmail string `json:"client_email"`
			PrivateKey  string `json:"private_key"`
		}
		if err := json.Unmarshal([]byte(raw), &key); err != nil {
			return nil, false, fmt.Errorf("GCS_CREDENTIALS_JSON: %w", err)
		}
		if key.ClientEmail == "" || key.PrivateKey == "" {
			return nil, false, errors.New("GCS_CREDENTIALS_JSON needs client_email and private_key")
		}
		return keySigner{email: key.ClientEmail, pem: unescapePEM(key.PrivateKey)}, true, nil
	}
	email, pem := strings.TrimSpace(getenv("GCS_SIGNER_EMAIL")), strings.TrimSpace(getenv("GCS_SIGNER_PRIVATE_KEY"))
	if email == "" || pem == "" {
		return nil, false, nil
	}
	return keySigner{email: email, pem: unescapePEM(pem)}, true, nil
}

// unescapePEM restores newlines flattened to "\n" by env files.
func unescapePEM(key string) []byte {
	return []byte(strings.ReplaceAll(key, `\n`, "\n"))
}

func newBlobSigner(ctx context.Context) (urlSigner, error) {
	email := strings.TrimSpace(os.Getenv("GCS_SIGNER_EMAIL"))
	if email == "" && metadata.OnGCE() {
		var err error
		if email, err = metadata.Email("default"); err != nil {
			return nil, fmt.Errorf("metadata service account: %w", err)
		}
	}
	if email == "" {
		return nil, errors.New("no signing identity: set GCS_CREDENTIALS_JSON or GCS_SIGNER_EMAIL")
	}
	creds, err := google.FindDefaultCredentials(ctx, iamcredentials.CloudPlatformScope)
	if err != nil {
		return nil, fmt.Errorf("application default credentials: %w", err)
	}
	svc, err := iamcredentials.NewService(ctx, option.WithCredentials(creds))
	if err != nil {
		return nil, err
	}
	return blobSigner{email: email, svc: svc}, nil
}

// SignDownload signs a V4 GET URL for objectKey in GCS_BUCKET.
func SignDownload(ctx context.Context, objectKey string, ttl time.Duration) (*SignedDownload, error) {
	opts := &storage.SignedURLOptions{Method: "GET"}
	url, err := signObject(ctx, objectKey, ttl, opts)
	if err != nil {
		return nil, err
	}
	return &SignedDownload{URL: url, ObjectKey: objectKey, ExpiresAt: opts.Expires}, nil
}

// SignUpload signs a V4 PUT URL. The client must send the same Content-Type.
func SignUpload(ctx context.Context, objectKey, contentType string, ttl time.Duration) (*SignedUpload, error) {
	opts := &storage.SignedURLOptions{Method: "PUT", ContentType: contentType}
	url, err := signObject(ctx, objectKey, ttl, opts)
	if err != nil {
		return nil, err
	}
	return &SignedUpload{
		UploadURL: url,
		Method:    opts.Method,
		Headers:   map[string]string{"Content-Type": contentType},
		ObjectKey: objectKey,
		ExpiresAt: opts.Expires,
	}, nil
}

func signObject(ctx context.Context, objectKey string, ttl time.Duration, opts *storage.SignedURLOptions) (string, error) {
	bucket := strings.TrimSpace(os.Getenv("GCS_BUCKET"))
	if bucket == "" {
		return "", errors.New("GCS_BUCKET is not set")
	}
	if objectKey == "" || strings.Contains(objectKey, "..") {
		return "", fmt.Errorf("invalid object key %q", objectKey)
	}
	s, err := currentSigner(ctx)
	if err != nil {
		return "", err
	}
	opts.Scheme = storage.SigningSchemeV4
	opts.Expires = time.Now().UTC().Add(ttl).Truncate(time.Second)
	s.apply(opts)
	return storage.SignedURL(bucket, objectKey, opts)
}
