package usecase

import (
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/fairyhunter13/ai-chat-proxy/internal/config"
	"github.com/fairyhunter13/ai-chat-proxy/internal/domain"
)

// Account field limits.
const (
	MinPasswordLen = 6
	MaxPasswordLen = 128
)

var usernamePattern = regexp.MustCompile(`^[a-zA-Z0-9_.-]{3,32}$`)

// dummyHash keeps Authenticate's cost similar for unknown users.
var dummyHash, _ = HashPassword("not-a-real-password", DefaultArgon2Params)

// AccountService registers and authenticates users.
type AccountService struct {
	Users  domain.UserRepository
	Cfg    config.Config
	Params Argon2Params
}

// NewAccountService constructs an AccountService.
func NewAccountService(users domain.UserRepository, cfg config.Config) AccountService {
	return AccountService{Users: users, Cfg: cfg, Params: DefaultArgon2Params}
}

// ValidUsername reports whether u is an acceptable username.
func ValidUsername(u string) bool { return usernamePattern.MatchString(u) }

// Register creates an account. Usernames listed in DEVELOPER_USERNAMES get the
// developer flag.
func (s AccountService) Register(ctx domain.Context, username, password string) (domain.User, error) {
	username = strings.TrimSpace(username)
	if !ValidUsername(username) {
		return domain.User{}, fmt.Errorf("%w: username must be 3-32 letters, digits, '_', '.' or '-'", domain.ErrInvalidArgument)
	}
	if len(password) < MinPasswordLen || len(password) > MaxPasswordLen {
		return domain.User{}, fmt.Errorf("%w: password must be %d-%d characters", domain.ErrInvalidArgument, MinPasswordLen, MaxPasswordLen)
	}
	hash, err := HashPassword(password, s.Params)
	if err != nil {
		return domain.User{}, fmt.Errorf("op=account.register: %w", err)
	}
	u := domain.User{Username: username, PasswordHash: hash, IsDeveloper: s.Cfg.IsDeveloper(username)}
	id, err := s.Users.Create(ctx, u)
	if err != nil {
		return domain.User{}, fmt.Errorf("op=account.register: %w", err)
	}
	u.ID = id
	return u, nil
}

// Authenticate checks credentials. Unknown users and wrong passwords are
// indistinguishable to the caller.
func (s AccountService) Authenticate(ctx domain.Context, username, password string) (domain.User, error) {
	u, err := s.Users.GetByUsername(ctx, strings.TrimSpace(username))
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			VerifyPassword(password, dummyHash)
			return domain.User{}, fmt.Errorf("%w: invalid username or password", domain.ErrUnauthorized)
		}
		return domain.User{}, fmt.Errorf("op=account.authenticate: %w", err)
	}
	if !VerifyPassword(password, u.PasswordHash) {
		return domain.User{}, fmt.Errorf("%w: invalid username or password", domain.ErrUnauthorized)
	}
	return u, nil
}

// Get loads a user by id.
func (s AccountService) Get(ctx domain.Context, id string) (domain.User, error) {
	u, err := s.Users.GetByID(ctx, id)
	if err != nil {
		return domain.User{}, fmt.Errorf("op=account.get: %w", err)
	}
	return u, nil
}
