package capability

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials/stscreds"
	"github.com/aws/aws-sdk-go-v2/service/sts"

	"github.com/nucleus-ops/nucleus/internal/model"
	"github.com/nucleus-ops/nucleus/internal/storage"
)

// maxAttempts caps SDK retries for throttled inspection calls.
const maxAttempts = 3

// ErrUnknownAccount is returned when a target names an account with no
// registered cross-account role.
var ErrUnknownAccount = errors.New("capability: unknown cloud account")

// Target identifies whose cloud an invocation inspects.
type Target struct {
	TenantID  string
	AccountID string
	Region    string
}

// AccountResolver looks up the cross-account role for a tenant's account.
type AccountResolver interface {
	GetCloudAccount(ctx context.Context, tenantID, accountID string) (model.CloudAccount, error)
}

// Source builds a capability set for one invocation.
type Source interface {
	ForInvocation(ctx context.Context, target Target) (*Set, error)
}

// Provider builds per-invocation Sets backed by the AWS SDK. Without an
// account it uses the ambient credential chain; with one it assumes the
// account's role.
type Provider struct {
	base          aws.Config
	defaultRegion string
	accounts      AccountResolver
	logger        *slog.Logger

	// newBackends is replaced in tests.
	newBackends func(aws.Config) Backends

	mu    sync.Mutex
	creds map[string]*aws.CredentialsCache
}

// NewProvider loads the ambient AWS configuration. accounts may be nil, in
// which case account-scoped targets are rejected.
func NewProvider(ctx context.Context, defaultRegion string, accounts AccountResolver, logger *slog.Logger) (*Provider, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx,
		awsconfig.WithRegion(defaultRegion),
		awsconfig.WithRetryMaxAttempts(maxAttempts),
	)
	if err != nil {
		return nil, fmt.Errorf("capability: load aws config: %w", err)
	}
	return newProvider(cfg, defaultRegion, accounts, logger), nil
}

func newProvider(cfg aws.Config, defaultRegion string, accounts AccountResolver, logger *slog.Logger) *Provider {
	if logger == nil {
		logger = slog.Default()
	}
	return &Provider{
		base:          cfg,
		defaultRegion: defaultRegion,
		accounts:      accounts,
		logger:        logger,
		newBackends:   BackendsFromConfig,
		creds:         make(map[string]*aws.CredentialsCache),
	}
}

// ForInvocation returns a fresh Set for target. The region comes from the
// target, then the account's first configured region, then the default.
func (p *Provider) ForInvocation(ctx context.Context, target Target) (*Set, error) {
	cfg := p.base.Copy()
	region := target.Region

	if target.AccountID != "" {
		if p.accounts == nil {
			return nil, fmt.Errorf("%w: %s", ErrUnknownAccount, target.AccountID)
		}
		acct, err := p.accounts.GetCloudAccount(ctx, target.TenantID, target.AccountID)
		if err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				return nil, fmt.Errorf("%w: %s", ErrUnknownAccount, target.AccountID)
			}
			return nil, fmt.Errorf("capability: resolve account: %w", err)
		}
		if region == "" && len(acct.Regions) > 0 {
			region = acct.Regions[0]
		}
		cfg.Credentials = p.roleCredentials(acct)
	}
	if region == "" {
		region = p.defaultRegion
	}
	cfg.Region = region

	return NewSet(region, p.newBackends(cfg)), nil
}

// roleCredentials returns a cached assume-role provider per tenant account so
// STS is not called on every step.
func (p *Provider) roleCredentials(acct model.CloudAccount) *aws.CredentialsCache {
	key := acct.TenantID + "/" + acct.AccountID + "/" + acct.RoleARN
	p.mu.Lock()
	defer p.mu.Unlock()
	if c, ok := p.creds[key]; ok {
		return c
	}
	stsClient := sts.NewFromConfig(p.base)
	assume := stscreds.NewAssumeRoleProvider(stsClient, acct.RoleARN, func(o *stscreds.AssumeRoleOptions) {
		o.RoleSessionName = sessionName(acct.TenantID)
		if acct.ExternalID != "" {
			o.ExternalID = aws.String(acct.ExternalID)
		}
	})
	c := aws.NewCredentialsCache(assume)
	p.creds[key] = c
	p.logger.Info("capability: assuming role", "tenant_id", acct.TenantID, "account_id", acct.AccountID)
	return c
}

// sessionName keeps the role session name within STS limits.
func sessionName(tenantID string) string {
	name := "nucleus-" + tenantID
	if len(name) > 64 {
		name = name[:64]
	}
	return name
}
