package setup

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"

	"github.com/levenlabs/go-lflag"

	"github.com/raterudder/gmpusage/pkg/gmp"
	"github.com/raterudder/gmpusage/pkg/log"
	"github.com/raterudder/gmpusage/pkg/storage"
	"github.com/raterudder/gmpusage/pkg/types"
)

var (
	// ErrInvalidAuth means GMP rejected the username or password.
	ErrInvalidAuth = errors.New("invalid_auth")
	// ErrCannotConnect means GMP could not be reached during login.
	ErrCannotConnect = errors.New("cannot_connect")
	// ErrUnknown covers any other setup failure.
	ErrUnknown = errors.New("unknown")
	// ErrAccountRequired means no account was discovered and none was
	// configured.
	ErrAccountRequired = errors.New("account id required")
	// ErrAccountNotFound means several accounts were discovered and the
	// configured one is not among them.
	ErrAccountNotFound = errors.New("account id not among discovered accounts")
)

// Options are the credentials and account given by the operator.
type Options struct {
	Username string
	// Password may be empty once an entry has been stored.
	Password  string
	AccountID string
}

// Configured registers the setup flags.
func Configured() *Options {
	o := &Options{}
	username := lflag.RequiredString("gmp-username", "GMP account username")
	password := lflag.String("gmp-password", "", "GMP account password, only required until it has been stored")
	accountID := lflag.String("gmp-account-id", "", "GMP account number to poll when more than one (or none) is discovered")

	lflag.Do(func() {
		o.Username = strings.TrimSpace(*username)
		o.Password = *password
		o.AccountID = strings.TrimSpace(*accountID)
	})
	return o
}

// Authenticator is the part of *gmp.Client used to pick an account.
type Authenticator interface {
	Login(ctx context.Context) error
	DiscoverAccountIDs(ctx context.Context) ([]string, error)
	ClientID() string
}

// NewClientFunc builds an Authenticator for the given credentials.
type NewClientFunc func(username, password string) Authenticator

// Resolve returns the entry to poll with. A stored entry for the username is
// reused as long as the options do not contradict it. Otherwise it logs in,
// discovers the accounts, picks one and stores the new entry.
func Resolve(ctx context.Context, db storage.Database, opts Options, newClient NewClientFunc) (types.Entry, error) {
	if opts.Username == "" {
		return types.Entry{}, fmt.Errorf("%w: username is required", ErrUnknown)
	}
	ctx = log.With(ctx, log.Ctx(ctx).With(slog.String("username", opts.Username)))

	stored, err := db.GetEntry(ctx, opts.Username)
	switch {
	case err == nil:
		if reusable(stored, opts) {
			log.Ctx(ctx).DebugContext(ctx, "using stored entry", slog.String("accountID", stored.AccountID))
			return stored, nil
		}
		if opts.Password == "" {
			opts.Password = stored.Password
		}
	case errors.Is(err, storage.ErrEntryNotFound):
	default:
		return types.Entry{}, fmt.Errorf("failed to get stored entry: %w", err)
	}

	if opts.Password == "" {
		return types.Entry{}, fmt.Errorf("%w: password is required", ErrUnknown)
	}

	client := newClient(opts.Username, opts.Password)
	if err := client.Login(ctx); err != nil {
		return types.Entry{}, loginError(err)
	}

	accounts, err := client.DiscoverAccountIDs(ctx)
	if err != nil {
		// discovery is best effort
		log.Ctx(ctx).WarnContext(ctx, "failed to discover accounts", slog.Any("error", err))
		accounts = nil
	}

	accountID, err := chooseAccount(accounts, opts.AccountID)
	if err != nil {
		return types.Entry{}, err
	}

	entry := types.Entry{
		Username:  opts.Username,
		Password:  opts.Password,
		ClientID:  client.ClientID(),
		AccountID: accountID,
	}
	if err := db.SetEntry(ctx, entry); err != nil {
		return types.Entry{}, fmt.Errorf("failed to store entry: %w", err)
	}
	log.Ctx(ctx).InfoContext(
		ctx,
		"stored new entry",
		slog.String("accountID", accountID),
		slog.Int("discovered", len(accounts)),
	)
	return entry, nil
}

func reusable(stored types.Entry, opts Options) bool {
	if stored.AccountID == "" || stored.Password == "" {
		return false
	}
	if opts.Password != "" && opts.Password != stored.Password {
		return false
	}
	if opts.AccountID != "" && opts.AccountID != stored.AccountID {
		return false
	}
	return true
}

func loginError(err error) error {
	switch {
	case errors.Is(err, gmp.ErrAuth):
		return fmt.Errorf("%w: %w", ErrInvalidAuth, err)
	case errors.Is(err, gmp.ErrConnection):
		return fmt.Errorf("%w: %w", ErrCannotConnect, err)
	default:
		return fmt.Errorf("%w: %w", ErrUnknown, err)
	}
}

// chooseAccount picks the account to poll: the only discovered one, the
// configured one when it was discovered, or the configured one when nothing
// was discovered.
func chooseAccount(discovered []string, configured string) (string, error) {
	configured = strings.TrimSpace(configured)
	switch len(discovered) {
	case 0:
		if configured == "" {
			return "", ErrAccountRequired
		}
		return configured, nil
	case 1:
		return discovered[0], nil
	}
	if configured == "" {
		return "", fmt.Errorf("%w: choose one of %s", ErrAccountRequired, strings.Join(discovered, ", "))
	}
	if !slices.Contains(discovered, configured) {
		return "", fmt.Errorf("%w: %s not in %s", ErrAccountNotFound, configured, strings.Join(discovered, ", "))
	}
	return configured, nil
}
