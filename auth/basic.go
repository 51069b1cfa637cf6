package auth

import (
	"fmt"
	"time"

	autherrors "github.com/presenton/auth-service/internal/errors"
	"github.com/presenton/auth-service/users"
)

// BasicProvider authenticates against the local user store. It is only
// consulted when the identity provider is not configured for the deployment.
type BasicProvider struct {
	users   users.UserRepo
	nowTime func() time.Time
}

// BasicProviderOption defines a function type to modify the provider.
type BasicProviderOption func(*BasicProvider)

// WithBasicNowTime sets the now time function (primarily for testing)
func WithBasicNowTime(nowFunc func() time.Time) BasicProviderOption {
	return func(p *BasicProvider) {
		p.nowTime = nowFunc
	}
}

func NewBasicProvider(repo users.UserRepo, options ...BasicProviderOption) *BasicProvider {
	p := &BasicProvider{
		users:   repo,
		nowTime: time.Now,
	}
	for _, opt := range options {
		opt(p)
	}
	return p
}

// Authenticate verifies the credentials and returns the matching user.
// Unknown users and bad passwords are indistinguishable to the caller.
func (p *BasicProvider) Authenticate(username, password string) (*users.User, error) {
	user, err := p.users.GetByUsername(username)
	if err != nil {
		user, err = p.users.GetByEmail(username)
	}
	if err != nil {
		return nil, fmt.Errorf("[BasicProvider.Authenticate] %w", autherrors.ErrInvalidCredentials)
	}
	if user.Blocked {
		return nil, fmt.Errorf("[BasicProvider.Authenticate] %w", autherrors.ErrUserBlocked)
	}
	if !users.CheckPasswordHash(password, user.PasswordHash) {
		return nil, fmt.Errorf("[BasicProvider.Authenticate] %w", autherrors.ErrInvalidCredentials)
	}

	user.LastLogin = p.nowTime()
	if err := p.users.Upsert(user); err != nil {
		return nil, fmt.Errorf("[BasicProvider.Authenticate] failed to record login: %w", err)
	}
	return user, nil
}

// PrincipalFromUser maps a local user onto the same principal shape the
// identity provider produces.
func PrincipalFromUser(u *users.User) Principal {
	p := Principal{
		Sub:          u.ID,
		Name:         u.Name,
		Email:        u.Email,
		GivenName:    u.GivenName,
		FamilyName:   u.FamilyName,
		Roles:        append([]string{}, u.Roles...),
		Department:   u.Department,
		Organization: u.Organization,
	}
	if p.Roles == nil {
		p.Roles = []string{}
	}
	return p
}
