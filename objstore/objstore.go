package objstore

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/aliyun/aliyun-oss-go-sdk/oss"
	"github.com/aliyun/credentials-go/credentials"
)

// Store wraps one OSS bucket used for both raw tender uploads and playbook
// result artifacts. Two clients: internal endpoint for server-side traffic,
// public endpoint for URLs handed to browsers.
type Store struct {
	bucketName string

	serverBucket *oss.Bucket
	signBucket   *oss.Bucket

	cred credentials.Credential

	rawPrefix    string
	resultPrefix string
	signExpiry   time.Duration
}

func NewFromEnv() (*Store, bool, error) {
	bucket := strings.TrimSpace(os.Getenv("OSS_BUCKET"))
	if bucket == "" {
		return nil, false, nil
	}

	region := strings.TrimSpace(os.Getenv("OSS_REGION"))
	if region == "" {
		// AuthV4 needs a region; default to the deployment's home region.
		region = "cn-heyuan"
	}

	internalEndpoint := strings.TrimSpace(os.Getenv("OSS_ENDPOINT_INTERNAL"))
	publicEndpoint := strings.TrimSpace(os.Getenv("OSS_ENDPOINT_PUBLIC"))
	if internalEndpoint == "" && publicEndpoint == "" {
		return nil, true, errors.New("OSS_BUCKET is set but OSS_ENDPOINT_INTERNAL/OSS_ENDPOINT_PUBLIC are missing")
	}
	if publicEndpoint == "" {
		// Signed URLs must be reachable from the browser; internal-only
		// endpoints would sign unreachable hosts.
		publicEndpoint = internalEndpoint
	}
	if internalEndpoint == "" {
		internalEndpoint = publicEndpoint
	}

	rawPrefix := strings.Trim(strings.TrimSpace(os.Getenv("OSS_RAW_PREFIX")), "/")
	if rawPrefix == "" {
		rawPrefix = "tenders"
	}
	resultPrefix := strings.Trim(strings.TrimSpace(os.Getenv("OSS_RESULT_PREFIX")), "/")
	if resultPrefix == "" {
		resultPrefix = rawPrefix
	}

	expirySec := readEnvInt64Default("OSS_SIGN_EXPIRE_SECONDS", 600)
	if expirySec <= 0 {
		expirySec = 600
	}

	cred, err := newAlibabaCredential(region) // local AK, ACK RRSA(OIDC), or any other chain
	if err != nil {
		return nil, true, fmt.Errorf("init alibaba credentials failed: %w", err)
	}
	// Validate early so a missing RRSA injection doesn't surface later as a
	// misleading anonymous-request 403 from OSS.
	if err := validateAlibabaCredential(cred); err != nil {
		return nil, true, err
	}

	provider := &credentialsProvider{cred: cred}

	serverClient, err := newOSSClient(internalEndpoint, region, provider)
	if err != nil {
		return nil, true, fmt.Errorf("init oss server client failed: %w", err)
	}
	signClient, err := newOSSClient(publicEndpoint, region, provider)
	if err != nil {
		return nil, true, fmt.Errorf("init oss sign client failed: %w", err)
	}

	sb, err := serverClient.Bucket(bucket)
	if err != nil {
		return nil, true, fmt.Errorf("open oss bucket(server) failed: %w", err)
	}
	pb, err := signClient.Bucket(bucket)
	if err != nil {
		return nil, true, fmt.Errorf("open oss bucket(sign) failed: %w", err)
	}

	return &Store{
		bucketName:   bucket,
		serverBucket: sb,
		signBucket:   pb,
		cred:         cred,
		rawPrefix:    rawPrefix,
		resultPrefix: resultPrefix,
		signExpiry:   time.Duration(expirySec) * time.Second,
	}, true, nil
}

func newAlibabaCredential(region string) (credentials.Credential, error) {
	roleArn := strings.TrimSpace(os.Getenv("ALIBABA_CLOUD_ROLE_ARN"))
	providerArn := strings.TrimSpace(os.Getenv("ALIBABA_CLOUD_OIDC_PROVIDER_ARN"))
	tokenFile := strings.TrimSpace(os.Getenv("ALIBABA_CLOUD_OIDC_TOKEN_FILE"))
	if roleArn != "" && providerArn != "" && tokenFile != "" {
		cfg := new(credentials.Config).
			SetType("oidc_role_arn").
			SetRoleArn(roleArn).
			SetOIDCProviderArn(providerArn).
			SetOIDCTokenFilePath(tokenFile)

		stsEndpoint := strings.TrimSpace(os.Getenv("ALIBABA_CLOUD_STS_ENDPOINT"))
		if stsEndpoint == "" {
			stsEndpoint = "sts.aliyuncs.com"
			if strings.TrimSpace(region) != "" {
				stsEndpoint = "sts." + strings.TrimSpace(region) + ".aliyuncs.com"
			}
		}
		cfg.SetSTSEndpoint(stsEndpoint)
		return credentials.NewCredential(cfg)
	}
	return credentials.NewCredential(nil)
}

func validateAlibabaCredential(cred credentials.Credential) error {
	if cred == nil {
		return errors.New("alibaba credential not initialized (RRSA/AK/STS all unavailable)")
	}
	c, err := cred.GetCredential()
	if err != nil {
		return fmt.Errorf("fetch alibaba temporary credential failed (check RRSA injection / STS reachability): %w", err)
	}
	if c == nil || c.AccessKeyId == nil || c.AccessKeySecret == nil || strings.TrimSpace(*c.AccessKeyId) == "" || strings.TrimSpace(*c.AccessKeySecret) == "" {
		return errors.New("alibaba credential empty: RRSA probably not injected (check ALIBABA_CLOUD_ROLE_ARN / ALIBABA_CLOUD_OIDC_PROVIDER_ARN / ALIBABA_CLOUD_OIDC_TOKEN_FILE)")
	}
	return nil
}

func newOSSClient(endpoint, region string, provider oss.CredentialsProvider) (*oss.Client, error) {
	endpoint = strings.TrimSpace(endpoint)
	if endpoint == "" {
		return nil, errors.New("endpoint empty")
	}
	opts := []oss.ClientOption{
		oss.SetCredentialsProvider(provider),
		oss.AuthVersion(oss.AuthV4),
	}
	if strings.TrimSpace(region) != "" {
		opts = append(opts, oss.Region(region))
	}
	return oss.New(endpoint, "", "", opts...)
}

func (s *Store) Enabled() bool { return s != nil && s.serverBucket != nil && s.signBucket != nil }

func (s *Store) Bucket() string {
	if s == nil {
		return ""
	}
	return s.bucketName
}

// RawObjectKey is where one uploaded document lives.
func (s *Store) RawObjectKey(tenderID, storedName string) string {
	tenderID = strings.TrimSpace(tenderID)
	name := strings.TrimSpace(storedName)
	if name == "" {
		name = "upload"
	}
	// prevent path traversal in object key
	name = path.Base(strings.ReplaceAll(name, "\\", "/"))
	return path.Join(s.rawPrefix, tenderID, "raw", name)
}

// ResultObjectKey is the timestamp-qualified key of one playbook run's
// artifact. Keys are append-only: each run gets a fresh timestamp.
func (s *Store) ResultObjectKey(tenderID string, at time.Time) string {
	tenderID = strings.TrimSpace(tenderID)
	stamp := at.UTC().Format("20060102T150405Z")
	return path.Join(s.resultPrefix, tenderID, "rag", "results-"+stamp+".json")
}

// URIFor returns the oss:// URI of an object key.
func (s *Store) URIFor(objectKey string) string {
	return "oss://" + s.bucketName + "/" + strings.TrimLeft(objectKey, "/")
}

// KeyFromURI is the inverse of URIFor; returns ok=false for foreign URIs.
func (s *Store) KeyFromURI(uri string) (string, bool) {
	prefix := "oss://" + s.bucketName + "/"
	if !strings.HasPrefix(uri, prefix) {
		return "", false
	}
	return strings.TrimPrefix(uri, prefix), true
}

func (s *Store) ensureCred() error {
	if s == nil || s.cred == nil {
		return errors.New("alibaba credential not initialized")
	}
	return validateAlibabaCredential(s.cred)
}

// SignUploadURL returns a presigned PUT URL for a browser-direct upload.
// The content type is pinned into the signature, so the client must send
// the same Content-Type header.
func (s *Store) SignUploadURL(objectKey, contentType string) (string, map[string]string, error) {
	if !s.Enabled() {
		return "", nil, errors.New("oss not enabled")
	}
	if err := s.ensureCred(); err != nil {
		return "", nil, err
	}
	objectKey = strings.TrimLeft(strings.TrimSpace(objectKey), "/")
	if objectKey == "" {
		return "", nil, errors.New("objectKey empty")
	}
	opts := []oss.Option{}
	headers := map[string]string{}
	if ct := strings.TrimSpace(contentType); ct != "" {
		opts = append(opts, oss.ContentType(ct))
		headers["Content-Type"] = ct
	}
	u, err := s.signBucket.SignURL(objectKey, oss.HTTPPut, int64(s.signExpiry.Seconds()), opts...)
	if err != nil {
		return "", nil, err
	}
	return u, headers, nil
}

// PutJSON writes one immutable JSON artifact.
func (s *Store) PutJSON(objectKey string, body []byte) error {
	if !s.Enabled() {
		return errors.New("oss not enabled")
	}
	if err := s.ensureCred(); err != nil {
		return err
	}
	objectKey = strings.TrimLeft(strings.TrimSpace(objectKey), "/")
	if objectKey == "" {
		return errors.New("objectKey empty")
	}
	return s.serverBucket.PutObject(
		objectKey,
		bytes.NewReader(body),
		oss.ContentType("application/json"),
		oss.CacheControl("no-store"),
	)
}

// GetObject streams an object via the internal endpoint.
func (s *Store) GetObject(objectKey string) (io.ReadCloser, error) {
	if !s.Enabled() {
		return nil, errors.New("oss not enabled")
	}
	if err := s.ensureCred(); err != nil {
		return nil, err
	}
	objectKey = strings.TrimLeft(strings.TrimSpace(objectKey), "/")
	if objectKey == "" {
		return nil, errors.New("objectKey empty")
	}
	return s.serverBucket.GetObject(objectKey)
}

// GetObjectBytes reads a whole object into memory. Result artifacts and
// raw tender documents are both capped well below anything problematic.
func (s *Store) GetObjectBytes(objectKey string) ([]byte, error) {
	rc, err := s.GetObject(objectKey)
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	return io.ReadAll(rc)
}

// SignDownloadURL returns a presigned GET URL with an attachment filename.
func (s *Store) SignDownloadURL(objectKey, downloadFilename string) (string, error) {
	if !s.Enabled() {
		return "", errors.New("oss not enabled")
	}
	if err := s.ensureCred(); err != nil {
		return "", err
	}
	objectKey = strings.TrimLeft(strings.TrimSpace(objectKey), "/")
	if objectKey == "" {
		return "", errors.New("objectKey empty")
	}

	name := strings.TrimSpace(downloadFilename)
	if name == "" {
		name = path.Base(objectKey)
	}
	escaped := url.PathEscape(name)
	disp := fmt.Sprintf("attachment; filename=%q; filename*=UTF-8''%s", name, escaped)

	return s.signBucket.SignURL(
		objectKey,
		oss.HTTPGet,
		int64(s.signExpiry.Seconds()),
		oss.ResponseContentDisposition(disp),
	)
}

// --- Credentials bridge: credentials-go -> OSS SDK V1 ---

type credentialsProvider struct {
	cred credentials.Credential
}

type ossCred struct {
	AccessKeyId     string
	AccessKeySecret string
	SecurityToken   string
}

func (c *ossCred) GetAccessKeyID() string     { return c.AccessKeyId }
func (c *ossCred) GetAccessKeySecret() string { return c.AccessKeySecret }
func (c *ossCred) GetSecurityToken() string   { return c.SecurityToken }

func (p *credentialsProvider) GetCredentials() oss.Credentials {
	out, err := p.cred.GetCredential()
	if err != nil || out == nil || out.AccessKeyId == nil || out.AccessKeySecret == nil {
		// The V1 provider interface can't return errors; empty credentials
		// make the request itself fail with a visible error.
		return &ossCred{}
	}
	token := ""
	if out.SecurityToken != nil {
		token = *out.SecurityToken
	}
	return &ossCred{
		AccessKeyId:     deref(out.AccessKeyId),
		AccessKeySecret: deref(out.AccessKeySecret),
		SecurityToken:   token,
	}
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func readEnvInt64Default(key string, def int64) int64 {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return def
	}
	return n
}
