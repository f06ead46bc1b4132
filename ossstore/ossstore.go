// Package ossstore persists terminal session snapshots and export files to
// Alibaba Cloud OSS. It is optional: when OSS_BUCKET is unset the service runs
// without snapshots and exports are disabled.
package ossstore

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/aliyun/aliyun-oss-go-sdk/oss"
	"github.com/aliyun/credentials-go/credentials"
)

type Store struct {
	bucketName string

	uploadBucket *oss.Bucket
	signBucket   *oss.Bucket

	cred credentials.Credential

	prefix     string
	signExpiry time.Duration
}

// NewFromEnv returns (nil, false, nil) when OSS_BUCKET is unset, which means
// OSS is intentionally disabled. The bool reports whether OSS was requested.
func NewFromEnv() (*Store, bool, error) {
	bucket := strings.TrimSpace(os.Getenv("OSS_BUCKET"))
	if bucket == "" {
		return nil, false, nil
	}

	region := strings.TrimSpace(os.Getenv("OSS_REGION"))
	if region == "" {
		// AuthV4 signing needs a region even when the endpoint implies one.
		region = "cn-heyuan"
	}

	internalEndpoint := strings.TrimSpace(os.Getenv("OSS_ENDPOINT_INTERNAL"))
	publicEndpoint := strings.TrimSpace(os.Getenv("OSS_ENDPOINT_PUBLIC"))
	if internalEndpoint == "" && publicEndpoint == "" {
		return nil, true, errors.New("OSS_BUCKET is set but OSS_ENDPOINT_INTERNAL/OSS_ENDPOINT_PUBLIC are both empty")
	}
	// Signed URLs must resolve from a browser, so the public endpoint backs
	// signing; uploads prefer the internal endpoint to stay off the public net.
	if publicEndpoint == "" {
		publicEndpoint = internalEndpoint
	}
	if internalEndpoint == "" {
		internalEndpoint = publicEndpoint
	}

	prefix := strings.TrimSpace(os.Getenv("OSS_PREFIX"))
	prefix = strings.Trim(prefix, "/")
	if prefix == "" {
		prefix = "arb-sessions"
	}

	expirySec := readEnvInt64Default("OSS_SIGN_EXPIRE_SECONDS", 600)
	if expirySec <= 0 {
		expirySec = 600
	}

	cred, err := newAlibabaCredential(region)
	if err != nil {
		return nil, true, fmt.Errorf("init alibaba credentials failed: %w", err)
	}
	// Validate eagerly so a missing RRSA injection fails here instead of as a
	// misleading anonymous-request 403 on the first PutObject.
	if err := validateAlibabaCredential(cred); err != nil {
		return nil, true, err
	}

	provider := &credentialsProvider{cred: cred}

	uploadClient, err := newOSSClient(internalEndpoint, region, provider)
	if err != nil {
		return nil, true, fmt.Errorf("init oss upload client failed: %w", err)
	}
	signClient, err := newOSSClient(publicEndpoint, region, provider)
	if err != nil {
		return nil, true, fmt.Errorf("init oss sign client failed: %w", err)
	}

	ub, err := uploadClient.Bucket(bucket)
	if err != nil {
		return nil, true, fmt.Errorf("open oss bucket(upload) failed: %w", err)
	}
	sb, err := signClient.Bucket(bucket)
	if err != nil {
		return nil, true, fmt.Errorf("open oss bucket(sign) failed: %w", err)
	}

	return &Store{
		bucketName:   bucket,
		uploadBucket: ub,
		signBucket:   sb,
		cred:         cred,
		prefix:       prefix,
		signExpiry:   time.Duration(expirySec) * time.Second,
	}, true, nil
}

func newAlibabaCredential(region string) (credentials.Credential, error) {
	// When the RRSA env vars are injected, pin the OIDC flow explicitly and
	// allow overriding the STS endpoint for clusters without public egress.
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
		return errors.New("alibaba credential not initialized (no RRSA/AK/STS available)")
	}
	c, err := cred.GetCredential()
	if err != nil {
		return fmt.Errorf("fetch alibaba temporary credential failed (check RRSA injection / STS reachability): %w", err)
	}
	if c == nil || c.AccessKeyId == nil || c.AccessKeySecret == nil || strings.TrimSpace(*c.AccessKeyId) == "" || strings.TrimSpace(*c.AccessKeySecret) == "" {
		return errors.New("alibaba credential is empty: RRSA env vars are likely missing (ALIBABA_CLOUD_ROLE_ARN / ALIBABA_CLOUD_OIDC_PROVIDER_ARN / ALIBABA_CLOUD_OIDC_TOKEN_FILE)")
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
	// AK/SK stay empty here, all credentials flow through the provider.
	return oss.New(endpoint, "", "", opts...)
}

func (s *Store) Enabled() bool { return s != nil && s.uploadBucket != nil && s.signBucket != nil }

func (s *Store) ObjectKeyForRun(runID string) string {
	return path.Join(s.prefix, "runs", strings.TrimSpace(runID)+".json")
}

func (s *Store) ObjectKeyForComparison(compID string) string {
	return path.Join(s.prefix, "comparisons", strings.TrimSpace(compID)+".json")
}

func (s *Store) ObjectKeyForExport(compID string) string {
	return path.Join(s.prefix, "exports", strings.TrimSpace(compID)+".xlsx")
}

func (s *Store) ensureCred() error {
	if s == nil || s.cred == nil {
		return errors.New("alibaba credential not initialized (no RRSA/AK/STS available)")
	}
	return validateAlibabaCredential(s.cred)
}

// PutJSON uploads v marshalled as JSON.
func (s *Store) PutJSON(objectKey string, v any) error {
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
	body, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return s.uploadBucket.PutObject(objectKey, bytes.NewReader(body),
		oss.ContentType("application/json"))
}

func (s *Store) PutResultFile(objectKey, localPath string) error {
	if !s.Enabled() {
		return errors.New("oss not enabled")
	}
	if err := s.ensureCred(); err != nil {
		return err
	}
	objectKey = strings.TrimLeft(strings.TrimSpace(objectKey), "/")
	localPath = strings.TrimSpace(localPath)
	if objectKey == "" || localPath == "" {
		return errors.New("invalid objectKey/localPath")
	}

	return s.uploadBucket.PutObjectFromFile(
		objectKey,
		localPath,
		oss.ContentType("application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"),
	)
}

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
		name = "comparison.xlsx"
	}
	escaped := url.PathEscape(name)
	disp := fmt.Sprintf("attachment; filename=%q; filename*=UTF-8''%s", "comparison.xlsx", escaped)

	u, err := s.signBucket.SignURL(
		objectKey,
		oss.HTTPGet,
		int64(s.signExpiry.Seconds()),
		oss.ResponseContentDisposition(disp),
	)
	if err != nil {
		return "", err
	}
	return u, nil
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
		// The V1 provider interface cannot return an error; empty credentials
		// make the request itself fail with a visible error instead.
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
