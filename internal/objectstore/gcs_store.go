package objectstore

import (
	"context"
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/json"
	"encoding/pem"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/text/secure/precis"
)

// GCSConfig configures the GCS-style Store backend, authenticated with a
// service-account JWT bearer token rather than SigV4.
type GCSConfig struct {
	Endpoint       string
	PublicEndpoint string
	Bucket         string
	Prefix         string
	ServiceAccount GCSServiceAccount
	RequestTimeout time.Duration
}

// GCSServiceAccount holds the fields of a service-account JSON key file
// needed to mint a bearer token.
type GCSServiceAccount struct {
	ClientEmail string
	PrivateKey  string // PEM-encoded PKCS#1 or PKCS#8 RSA private key
	TokenURL    string
	Scope       string
}

// NewGCSStore constructs a Store backed by a GCS-style JSON API endpoint.
func NewGCSStore(cfg GCSConfig) (Store, error) {
	bucket := strings.TrimSpace(cfg.Bucket)
	endpoint := strings.TrimSpace(cfg.Endpoint)
	if bucket == "" || endpoint == "" {
		return nil, fmt.Errorf("objectstore: bucket and endpoint are required")
	}
	key, err := parsePrivateKey(cfg.ServiceAccount.PrivateKey)
	if err != nil {
		return nil, fmt.Errorf("objectstore: parse service account key: %w", err)
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = defaultRequestTimeout
	}
	if cfg.ServiceAccount.TokenURL == "" {
		cfg.ServiceAccount.TokenURL = "https://oauth2.googleapis.com/token"
	}
	if cfg.ServiceAccount.Scope == "" {
		cfg.ServiceAccount.Scope = "https://www.googleapis.com/auth/devstorage.read_write"
	}
	cfg.Bucket = bucket
	return &gcsStore{
		cfg:        cfg,
		key:        key,
		httpClient: &http.Client{Timeout: cfg.RequestTimeout},
	}, nil
}

type gcsStore struct {
	cfg        GCSConfig
	key        *rsa.PrivateKey
	httpClient *http.Client

	mu        sync.Mutex
	token     string
	tokenExp  time.Time
}

func (c *gcsStore) PutFile(ctx context.Context, key, path, contentType, cacheControl string) error {
	body, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("objectstore: read %s: %w", path, err)
	}
	return c.PutBuffer(ctx, key, contentType, body, cacheControl)
}

func (c *gcsStore) PutBuffer(ctx context.Context, key, contentType string, body []byte, cacheControl string) error {
	finalKey, err := c.normalizeKey(key)
	if err != nil {
		return err
	}
	target := c.uploadURL(finalKey)
	request, err := http.NewRequestWithContext(ctx, http.MethodPost, target, strings.NewReader(string(body)))
	if err != nil {
		return fmt.Errorf("objectstore: create upload request: %w", err)
	}
	if contentType != "" {
		request.Header.Set("Content-Type", contentType)
	}
	if cacheControl != "" {
		request.Header.Set("Cache-Control", cacheControl)
	}
	if err := c.authorize(ctx, request); err != nil {
		return err
	}
	response, err := c.httpClient.Do(request)
	if err != nil {
		return fmt.Errorf("objectstore: put %s: %w", finalKey, err)
	}
	defer response.Body.Close()
	if response.StatusCode < 200 || response.StatusCode >= 300 {
		return fmt.Errorf("objectstore: put %s: unexpected status %d", finalKey, response.StatusCode)
	}
	return nil
}

func (c *gcsStore) Get(ctx context.Context, key string) (io.ReadCloser, error) {
	finalKey, err := c.normalizeKey(key)
	if err != nil {
		return nil, err
	}
	target := c.objectURL(finalKey) + "?alt=media"
	request, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, fmt.Errorf("objectstore: create get request: %w", err)
	}
	if err := c.authorize(ctx, request); err != nil {
		return nil, err
	}
	response, err := c.httpClient.Do(request)
	if err != nil {
		return nil, fmt.Errorf("objectstore: get %s: %w", finalKey, err)
	}
	if response.StatusCode < 200 || response.StatusCode >= 300 {
		response.Body.Close()
		return nil, fmt.Errorf("objectstore: get %s: unexpected status %d", finalKey, response.StatusCode)
	}
	return response.Body, nil
}

func (c *gcsStore) Head(ctx context.Context, key string) (ObjectInfo, error) {
	finalKey, err := c.normalizeKey(key)
	if err != nil {
		return ObjectInfo{}, err
	}
	target := c.objectURL(finalKey)
	request, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return ObjectInfo{}, fmt.Errorf("objectstore: create head request: %w", err)
	}
	if err := c.authorize(ctx, request); err != nil {
		return ObjectInfo{}, err
	}
	response, err := c.httpClient.Do(request)
	if err != nil {
		return ObjectInfo{}, fmt.Errorf("objectstore: head %s: %w", finalKey, err)
	}
	defer response.Body.Close()
	if response.StatusCode < 200 || response.StatusCode >= 300 {
		return ObjectInfo{}, fmt.Errorf("objectstore: head %s: unexpected status %d", finalKey, response.StatusCode)
	}
	var meta struct {
		Size        string `json:"size"`
		ContentType string `json:"contentType"`
		ETag        string `json:"etag"`
		Updated     string `json:"updated"`
	}
	if err := json.NewDecoder(response.Body).Decode(&meta); err != nil {
		return ObjectInfo{}, fmt.Errorf("objectstore: decode head metadata for %s: %w", finalKey, err)
	}
	info := ObjectInfo{Key: finalKey, ContentType: meta.ContentType, ETag: meta.ETag}
	if size, err := strconv.ParseInt(meta.Size, 10, 64); err == nil {
		info.Size = size
	}
	if t, err := time.Parse(time.RFC3339, meta.Updated); err == nil {
		info.ModTime = t
	}
	return info, nil
}

func (c *gcsStore) Delete(ctx context.Context, key string) error {
	finalKey, err := c.normalizeKey(key)
	if err != nil {
		return err
	}
	target := c.objectURL(finalKey)
	request, err := http.NewRequestWithContext(ctx, http.MethodDelete, target, nil)
	if err != nil {
		return fmt.Errorf("objectstore: create delete request: %w", err)
	}
	if err := c.authorize(ctx, request); err != nil {
		return err
	}
	response, err := c.httpClient.Do(request)
	if err != nil {
		return fmt.Errorf("objectstore: delete %s: %w", finalKey, err)
	}
	defer response.Body.Close()
	if response.StatusCode >= 200 && response.StatusCode < 300 || response.StatusCode == http.StatusNotFound {
		return nil
	}
	return fmt.Errorf("objectstore: delete %s: unexpected status %d", finalKey, response.StatusCode)
}

func (c *gcsStore) SignedURL(ctx context.Context, key, method string, expires time.Duration) (string, error) {
	finalKey, err := c.normalizeKey(key)
	if err != nil {
		return "", err
	}
	expiresAt := time.Now().Add(expires).Unix()
	payload := strings.Join([]string{
		strings.ToUpper(method),
		"",
		"",
		strconv.FormatInt(expiresAt, 10),
		"/" + c.cfg.Bucket + "/" + finalKey,
	}, "\n")
	hashed := sha256Sum(payload)
	signature, err := rsa.SignPKCS1v15(rand.Reader, c.key, crypto.SHA256, hashed)
	if err != nil {
		return "", fmt.Errorf("objectstore: sign url: %w", err)
	}
	values := url.Values{}
	values.Set("GoogleAccessId", c.cfg.ServiceAccount.ClientEmail)
	values.Set("Expires", strconv.FormatInt(expiresAt, 10))
	values.Set("Signature", base64.StdEncoding.EncodeToString(signature))
	base := c.objectURL(finalKey)
	return base + "?" + values.Encode(), nil
}

func (c *gcsStore) normalizeKey(key string) (string, error) {
	trimmed := strings.TrimLeft(strings.TrimSpace(key), "/")
	normalized, err := precis.OpaqueString.String(trimmed)
	if err != nil {
		return "", fmt.Errorf("objectstore: normalize key %q: %w", key, err)
	}
	prefix := strings.Trim(strings.TrimSpace(c.cfg.Prefix), "/")
	if prefix == "" {
		return normalized, nil
	}
	if normalized == "" {
		return prefix, nil
	}
	if normalized == prefix || strings.HasPrefix(normalized, prefix+"/") {
		return normalized, nil
	}
	return prefix + "/" + normalized, nil
}

func (c *gcsStore) objectURL(key string) string {
	base := strings.TrimRight(c.cfg.Endpoint, "/")
	return fmt.Sprintf("%s/storage/v1/b/%s/o/%s", base, url.PathEscape(c.cfg.Bucket), url.PathEscape(key))
}

func (c *gcsStore) uploadURL(key string) string {
	base := strings.TrimRight(c.cfg.Endpoint, "/")
	values := url.Values{}
	values.Set("uploadType", "media")
	values.Set("name", key)
	return fmt.Sprintf("%s/upload/storage/v1/b/%s/o?%s", base, url.PathEscape(c.cfg.Bucket), values.Encode())
}

func (c *gcsStore) authorize(ctx context.Context, req *http.Request) error {
	token, err := c.bearerToken(ctx)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	return nil
}

func (c *gcsStore) bearerToken(ctx context.Context) (string, error) {
	c.mu.Lock()
	if c.token != "" && time.Now().Before(c.tokenExp) {
		token := c.token
		c.mu.Unlock()
		return token, nil
	}
	c.mu.Unlock()

	assertion, err := c.signAssertion()
	if err != nil {
		return "", err
	}
	form := url.Values{}
	form.Set("grant_type", "urn:ietf:params:oauth:grant-type:jwt-bearer")
	form.Set("assertion", assertion)
	request, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.ServiceAccount.TokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return "", fmt.Errorf("objectstore: create token request: %w", err)
	}
	request.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	response, err := c.httpClient.Do(request)
	if err != nil {
		return "", fmt.Errorf("objectstore: fetch bearer token: %w", err)
	}
	defer response.Body.Close()
	if response.StatusCode < 200 || response.StatusCode >= 300 {
		return "", fmt.Errorf("objectstore: fetch bearer token: unexpected status %d", response.StatusCode)
	}
	var payload struct {
		AccessToken string `json:"access_token"`
		ExpiresIn   int64  `json:"expires_in"`
	}
	if err := json.NewDecoder(response.Body).Decode(&payload); err != nil {
		return "", fmt.Errorf("objectstore: decode token response: %w", err)
	}
	c.mu.Lock()
	c.token = payload.AccessToken
	c.tokenExp = time.Now().Add(time.Duration(payload.ExpiresIn)*time.Second - 30*time.Second)
	c.mu.Unlock()
	return payload.AccessToken, nil
}

func (c *gcsStore) signAssertion() (string, error) {
	now := time.Now().UTC()
	header := base64URL([]byte(`{"alg":"RS256","typ":"JWT"}`))
	claims := fmt.Sprintf(
		`{"iss":%q,"scope":%q,"aud":%q,"iat":%d,"exp":%d}`,
		c.cfg.ServiceAccount.ClientEmail, c.cfg.ServiceAccount.Scope, c.cfg.ServiceAccount.TokenURL,
		now.Unix(), now.Add(time.Hour).Unix(),
	)
	body := header + "." + base64URL([]byte(claims))
	hashed := sha256Sum(body)
	signature, err := rsa.SignPKCS1v15(rand.Reader, c.key, crypto.SHA256, hashed)
	if err != nil {
		return "", fmt.Errorf("objectstore: sign jwt: %w", err)
	}
	return body + "." + base64URL(signature), nil
}

func base64URL(b []byte) string {
	return base64.RawURLEncoding.EncodeToString(b)
}

func sha256Sum(s string) []byte {
	sum := sha256.Sum256([]byte(s))
	return sum[:]
}

func parsePrivateKey(pemData string) (*rsa.PrivateKey, error) {
	block, _ := pem.Decode([]byte(pemData))
	if block == nil {
		return nil, fmt.Errorf("no PEM block found")
	}
	if key, err := x509.ParsePKCS1PrivateKey(block.Bytes); err == nil {
		return key, nil
	}
	key, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, err
	}
	rsaKey, ok := key.(*rsa.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("private key is not RSA")
	}
	return rsaKey, nil
}
