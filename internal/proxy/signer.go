package proxy

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/http"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	v4 "github.com/aws/aws-sdk-go-v2/aws/signer/v4"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/credentials/stscreds"
	"github.com/aws/aws-sdk-go-v2/service/sts"
)

// Signer selects and applies the signing profile named in a whitelist
// entry, using host-held static or session credentials. A signer never
// has access to the raw proxied
// request's destination credentials, only the host's own cloud
// credentials, which the sandbox itself never sees: no environment
// variable inside the sandbox carries cloud credential material.
type Signer interface {
	// Name identifies the profile for config lookup and logging.
	Name() string
	// Sign mutates req in place, adding whatever headers the profile
	// requires. Called after whitelist approval, before the request is
	// forwarded upstream.
	Sign(ctx context.Context, req *http.Request, body []byte) error
	// AllowsConnect reports whether this profile may run on a CONNECT
	// (TLS-tunneled) target: "signing profiles that require
	// header injection are disallowed on CONNECT targets unless the
	// upstream terminates TLS at the proxy."
	AllowsConnect() bool
}

// PassthroughSigner is the "non-signed profile": the proxy acts as a
// transparent forward proxy after whitelist approval, injecting nothing.
type PassthroughSigner struct{}

func (PassthroughSigner) Name() string                                              { return "passthrough" }
func (PassthroughSigner) Sign(context.Context, *http.Request, []byte) error          { return nil }
func (PassthroughSigner) AllowsConnect() bool                                        { return true }

// SigV4Signer signs requests with host-held AWS static or session
// credentials using the cloud SigV4 algorithm, for whitelist entries whose
// signing_profile names an AWS service (e.g. "aws-sigv4:s3",
// "aws-sigv4:bedrock").
type SigV4Signer struct {
	profile     string
	region      string
	service     string
	credentials aws.CredentialsProvider
	signer      *v4.Signer
}

// NewSigV4Signer builds a signer bound to one AWS service and region,
// using static or session credentials resolved on the host; the
// container itself never holds these.
func NewSigV4Signer(profile, region, service string, creds aws.CredentialsProvider) *SigV4Signer {
	return &SigV4Signer{
		profile:     profile,
		region:      region,
		service:     service,
		credentials: creds,
		signer:      v4.NewSigner(),
	}
}

// NewSigV4SignerFromStatic is a convenience constructor for the common
// case of host-configured static access key/secret/session token.
func NewSigV4SignerFromStatic(profile, region, service, accessKeyID, secretAccessKey, sessionToken string) *SigV4Signer {
	return NewSigV4Signer(profile, region, service, credentials.NewStaticCredentialsProvider(accessKeyID, secretAccessKey, sessionToken))
}

// NewSigV4SignerFromAssumedRole builds a signer whose credentials are STS
// session credentials assumed on the host, refreshed through a cache so
// long-lived daemons keep signing across session expiry.
func NewSigV4SignerFromAssumedRole(profile, region, service, roleARN string, cfg aws.Config) *SigV4Signer {
	provider := stscreds.NewAssumeRoleProvider(sts.NewFromConfig(cfg), roleARN)
	return NewSigV4Signer(profile, region, service, aws.NewCredentialsCache(provider))
}

func (s *SigV4Signer) Name() string { return s.profile }

// AllowsConnect is false: SigV4 requires computing a header over the
// request body and canonical headers, which is only possible when the
// proxy itself terminates TLS, so it is disallowed on a plain CONNECT tunnel.
func (s *SigV4Signer) AllowsConnect() bool { return false }

func (s *SigV4Signer) Sign(ctx context.Context, req *http.Request, body []byte) error {
	creds, err := s.credentials.Retrieve(ctx)
	if err != nil {
		return fmt.Errorf("resolve host credentials for profile %s: %w", s.profile, err)
	}
	sum := sha256.Sum256(body)
	payloadHash := hex.EncodeToString(sum[:])
	return s.signer.SignHTTP(ctx, creds, req, payloadHash, s.service, s.region, time.Now())
}
