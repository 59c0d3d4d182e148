package objectstore

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"
)

// S3Config configures the S3-compatible Store backend.
type S3Config struct {
	Endpoint       string
	PublicEndpoint string
	Bucket         string
	Prefix         string
	Region         string
	AccessKey      string
	SecretKey      string
	UseSSL         bool
	RequestTimeout time.Duration
}

const defaultRequestTimeout = 30 * time.Second

// NewS3Store constructs a Store backed by an S3-compatible object
// storage endpoint, signed with AWS Signature Version 4.
func NewS3Store(cfg S3Config) (Store, error) {
	bucket := strings.TrimSpace(cfg.Bucket)
	endpoint := strings.TrimSpace(cfg.Endpoint)
	if bucket == "" || endpoint == "" {
		return nil, fmt.Errorf("objectstore: bucket and endpoint are required")
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = defaultRequestTimeout
	}
	scheme := "http"
	if cfg.UseSSL {
		scheme = "https"
	}
	host := endpoint
	if strings.Contains(host, "://") {
		parsed, err := url.Parse(host)
		if err != nil {
			return nil, fmt.Errorf("objectstore: parse endpoint: %w", err)
		}
		host = parsed.Host
	}
	baseURL := &url.URL{Scheme: scheme, Host: host}
	if baseURL.Host == "" {
		return nil, fmt.Errorf("objectstore: endpoint has no host")
	}
	cfg.Bucket = bucket
	return &s3Store{cfg: cfg, endpoint: baseURL, httpClient: &http.Client{Timeout: cfg.RequestTimeout}}, nil
}

type s3Store struct {
	cfg        S3Config
	endpoint   *url.URL
	httpClient *http.Client
}

func (c *s3Store) PutFile(ctx context.Context, key, path, contentType, cacheControl string) error {
	body, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("objectstore: read %s: %w", path, err)
	}
	return c.PutBuffer(ctx, key, contentType, body, cacheControl)
}

func (c *s3Store) PutBuffer(ctx context.Context, key, contentType string, body []byte, cacheControl string) error {
	finalKey := c.applyPrefix(key)
	target := c.objectURL(finalKey)
	request, err := http.NewRequestWithContext(ctx, http.MethodPut, target.String(), bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("objectstore: create put request: %w", err)
	}
	if contentType != "" {
		request.Header.Set("Content-Type", contentType)
	}
	if cacheControl != "" {
		request.Header.Set("Cache-Control", cacheControl)
	}
	if err := c.signRequest(request, hashSHA256Hex(body)); err != nil {
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

func (c *s3Store) Get(ctx context.Context, key string) (io.ReadCloser, error) {
	finalKey := c.applyPrefix(key)
	target := c.objectURL(finalKey)
	request, err := http.NewRequestWithContext(ctx, http.MethodGet, target.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("objectstore: create get request: %w", err)
	}
	if err := c.signRequest(request, emptyPayloadHash); err != nil {
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

func (c *s3Store) Head(ctx context.Context, key string) (ObjectInfo, error) {
	finalKey := c.applyPrefix(key)
	target := c.objectURL(finalKey)
	request, err := http.NewRequestWithContext(ctx, http.MethodHead, target.String(), nil)
	if err != nil {
		return ObjectInfo{}, fmt.Errorf("objectstore: create head request: %w", err)
	}
	if err := c.signRequest(request, emptyPayloadHash); err != nil {
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
	info := ObjectInfo{Key: finalKey, ContentType: response.Header.Get("Content-Type"), ETag: response.Header.Get("ETag")}
	if size, err := strconv.ParseInt(response.Header.Get("Content-Length"), 10, 64); err == nil {
		info.Size = size
	}
	if modified := response.Header.Get("Last-Modified"); modified != "" {
		if t, err := time.Parse(http.TimeFormat, modified); err == nil {
			info.ModTime = t
		}
	}
	return info, nil
}

func (c *s3Store) Delete(ctx context.Context, key string) error {
	finalKey := c.applyPrefix(key)
	target := c.objectURL(finalKey)
	request, err := http.NewRequestWithContext(ctx, http.MethodDelete, target.String(), nil)
	if err != nil {
		return fmt.Errorf("objectstore: create delete request: %w", err)
	}
	if err := c.signRequest(request, emptyPayloadHash); err != nil {
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

func (c *s3Store) SignedURL(ctx context.Context, key, method string, expires time.Duration) (string, error) {
	finalKey := c.applyPrefix(key)
	target := c.objectURL(finalKey)
	accessKey := strings.TrimSpace(c.cfg.AccessKey)
	secretKey := strings.TrimSpace(c.cfg.SecretKey)
	if accessKey == "" || secretKey == "" {
		return "", fmt.Errorf("objectstore: signed URLs require access/secret keys")
	}
	region := strings.TrimSpace(c.cfg.Region)
	if region == "" {
		region = "us-east-1"
	}
	now := time.Now().UTC()
	amzDate := now.Format("20060102T150405Z")
	dateStamp := now.Format("20060102")
	scope := strings.Join([]string{dateStamp, region, "s3", "aws4_request"}, "/")
	credential := accessKey + "/" + scope

	query := target.Query()
	query.Set("X-Amz-Algorithm", "AWS4-HMAC-SHA256")
	query.Set("X-Amz-Credential", credential)
	query.Set("X-Amz-Date", amzDate)
	query.Set("X-Amz-Expires", strconv.Itoa(int(expires.Seconds())))
	query.Set("X-Amz-SignedHeaders", "host")
	target.RawQuery = query.Encode()

	canonicalRequest := strings.Join([]string{
		strings.ToUpper(method),
		canonicalURI(target),
		target.RawQuery,
		"host:" + target.Host + "\n",
		"host",
		"UNSIGNED-PAYLOAD",
	}, "\n")
	hash := sha256.Sum256([]byte(canonicalRequest))
	stringToSign := strings.Join([]string{
		"AWS4-HMAC-SHA256",
		amzDate,
		scope,
		hex.EncodeToString(hash[:]),
	}, "\n")
	signingKey := deriveSigningKey(secretKey, dateStamp, region)
	signature := hmacSHA256Hex(signingKey, stringToSign)

	query.Set("X-Amz-Signature", signature)
	target.RawQuery = query.Encode()
	return target.String(), nil
}

func (c *s3Store) applyPrefix(key string) string {
	trimmed := strings.TrimLeft(strings.TrimSpace(key), "/")
	prefix := strings.Trim(strings.TrimSpace(c.cfg.Prefix), "/")
	if prefix == "" {
		return trimmed
	}
	if trimmed == "" {
		return prefix
	}
	if trimmed == prefix || strings.HasPrefix(trimmed, prefix+"/") {
		return trimmed
	}
	return prefix + "/" + trimmed
}

func (c *s3Store) objectURL(finalKey string) *url.URL {
	path := "/" + strings.TrimLeft(c.cfg.Bucket, "/")
	trimmedKey := strings.TrimLeft(finalKey, "/")
	if trimmedKey != "" {
		path += "/" + trimmedKey
	}
	u := *c.endpoint
	u.Path = path
	return &u
}

func (c *s3Store) signRequest(req *http.Request, payloadHash string) error {
	req.Host = req.URL.Host
	req.Header.Set("Host", req.URL.Host)
	req.Header.Set("x-amz-content-sha256", payloadHash)
	accessKey := strings.TrimSpace(c.cfg.AccessKey)
	secretKey := strings.TrimSpace(c.cfg.SecretKey)
	if accessKey == "" || secretKey == "" {
		return nil
	}
	region := strings.TrimSpace(c.cfg.Region)
	if region == "" {
		region = "us-east-1"
	}
	now := time.Now().UTC()
	amzDate := now.Format("20060102T150405Z")
	dateStamp := now.Format("20060102")
	req.Header.Set("x-amz-date", amzDate)
	canonicalHeaders, signedHeaders := canonicalizeHeaders(req)
	canonicalRequest := strings.Join([]string{
		req.Method,
		canonicalURI(req.URL),
		canonicalQuery(req.URL),
		canonicalHeaders,
		signedHeaders,
		payloadHash,
	}, "\n")
	hash := sha256.Sum256([]byte(canonicalRequest))
	scope := strings.Join([]string{dateStamp, region, "s3", "aws4_request"}, "/")
	stringToSign := strings.Join([]string{
		"AWS4-HMAC-SHA256",
		amzDate,
		scope,
		hex.EncodeToString(hash[:]),
	}, "\n")
	signingKey := deriveSigningKey(secretKey, dateStamp, region)
	signature := hmacSHA256Hex(signingKey, stringToSign)
	authorization := fmt.Sprintf(
		"AWS4-HMAC-SHA256 Credential=%s/%s, SignedHeaders=%s, Signature=%s",
		accessKey, scope, signedHeaders, signature,
	)
	req.Header.Set("Authorization", authorization)
	return nil
}

func canonicalizeHeaders(req *http.Request) (string, string) {
	headerMap := make(map[string][]string)
	for key, values := range req.Header {
		lower := strings.ToLower(key)
		if lower == "authorization" {
			continue
		}
		cleaned := make([]string, 0, len(values))
		for _, v := range values {
			cleaned = append(cleaned, strings.TrimSpace(v))
		}
		headerMap[lower] = cleaned
	}
	if _, ok := headerMap["host"]; !ok && req.Host != "" {
		headerMap["host"] = []string{req.Host}
	}
	keys := make([]string, 0, len(headerMap))
	for key := range headerMap {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	var builder strings.Builder
	var signed []string
	for _, key := range keys {
		values := headerMap[key]
		builder.WriteString(key)
		builder.WriteByte(':')
		builder.WriteString(strings.Join(values, ","))
		builder.WriteByte('\n')
		signed = append(signed, key)
	}
	return builder.String(), strings.Join(signed, ";")
}

func canonicalURI(u *url.URL) string {
	if u == nil {
		return "/"
	}
	path := u.EscapedPath()
	if path == "" {
		return "/"
	}
	if !strings.HasPrefix(path, "/") {
		return "/" + path
	}
	return path
}

func canonicalQuery(u *url.URL) string {
	if u == nil {
		return ""
	}
	values, err := url.ParseQuery(u.RawQuery)
	if err != nil || len(values) == 0 {
		return ""
	}
	keys := make([]string, 0, len(values))
	for key := range values {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	var builder strings.Builder
	for idx, key := range keys {
		if idx > 0 {
			builder.WriteByte('&')
		}
		sort.Strings(values[key])
		for vIdx, value := range values[key] {
			if vIdx > 0 {
				builder.WriteByte('&')
			}
			builder.WriteString(url.QueryEscape(key))
			builder.WriteByte('=')
			builder.WriteString(url.QueryEscape(value))
		}
	}
	return builder.String()
}

func deriveSigningKey(secret, dateStamp, region string) []byte {
	kDate := hmacSHA256([]byte("AWS4"+secret), []byte(dateStamp))
	kRegion := hmacSHA256(kDate, []byte(region))
	kService := hmacSHA256(kRegion, []byte("s3"))
	return hmacSHA256(kService, []byte("aws4_request"))
}

func hmacSHA256(key []byte, data []byte) []byte {
	mac := hmac.New(sha256.New, key)
	mac.Write(data)
	return mac.Sum(nil)
}

func hmacSHA256Hex(key []byte, data string) string {
	mac := hmac.New(sha256.New, key)
	mac.Write([]byte(data))
	return hex.EncodeToString(mac.Sum(nil))
}

var emptyPayloadHash = hashSHA256Hex(nil)

func hashSHA256Hex(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
