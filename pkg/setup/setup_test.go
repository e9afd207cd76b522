package setup

import (
	"context"
	"errors"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/raterudder/gmpusage/pkg/gmp"
	"github.com/raterudder/gmpusage/pkg/log"
	"github.com/raterudder/gmpusage/pkg/storage"
	"github.com/raterudder/gmpusage/pkg/storage/storagemock"
	"github.com/raterudder/gmpusage/pkg/types"
)

func init() {
	log.SetDefaultLogLevel(slog.LevelError)
}

type mockAuthenticator struct {
	mock.Mock
}

func (m *mockAuthenticator) Login(ctx context.Context) error {
	return m.Called(ctx).Error(0)
}

func (m *mockAuthenticator) DiscoverAccountIDs(ctx context.Context) ([]string, error) {
	args := m.Called(ctx)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]string), args.Error(1)
}

func (m *mockAuthenticator) ClientID() string {
	return "cid"
}

func factory(t *testing.T, a *mockAuthenticator, wantPassword string) NewClientFunc {
	return func(username, password string) Authenticator {
		assert.Equal(t, "user@example.com", username)
		assert.Equal(t, wantPassword, password)
		return a
	}
}

func TestResolve(t *testing.T) {
	ctx := context.Background()
	opts := Options{Username: "user@example.com", Password: "hunter2"}

	t.Run("SingleAccount", func(t *testing.T) {
		db := &storagemock.MockDatabase{}
		a := &mockAuthenticator{}
		db.On("GetEntry", mock.Anything, "user@example.com").Return(types.Entry{}, storage.ErrEntryNotFound)
		a.On("Login", mock.Anything).Return(nil)
		a.On("DiscoverAccountIDs", mock.Anything).Return([]string{"1234567"}, nil)
		want := types.Entry{Username: "user@example.com", Password: "hunter2", ClientID: "cid", AccountID: "1234567"}
		db.On("SetEntry", mock.Anything, want).Return(nil)

		entry, err := Resolve(ctx, db, opts, factory(t, a, "hunter2"))
		require.NoError(t, err)
		assert.Equal(t, want, entry)
		db.AssertExpectations(t)
		a.AssertExpectations(t)
	})

	t.Run("MultipleAccountsConfigured", func(t *testing.T) {
		db := &storagemock.MockDatabase{}
		a := &mockAuthenticator{}
		db.On("GetEntry", mock.Anything, "user@example.com").Return(types.Entry{}, storage.ErrEntryNotFound)
		a.On("Login", mock.Anything).Return(nil)
		a.On("DiscoverAccountIDs", mock.Anything).Return([]string{"1111111", "2222222"}, nil)
		db.On("SetEntry", mock.Anything, mock.MatchedBy(func(e types.Entry) bool {
			return e.AccountID == "2222222"
		})).Return(nil)

		o := opts
		o.AccountID = " 2222222 "
		entry, err := Resolve(ctx, db, o, factory(t, a, "hunter2"))
		require.NoError(t, err)
		assert.Equal(t, "2222222", entry.AccountID)
	})

	t.Run("MultipleAccountsNotConfigured", func(t *testing.T) {
		db := &storagemock.MockDatabase{}
		a := &mockAuthenticator{}
		db.On("GetEntry", mock.Anything, "user@example.com").Return(types.Entry{}, storage.ErrEntryNotFound)
		a.On("Login", mock.Anything).Return(nil)
		a.On("DiscoverAccountIDs", mock.Anything).Return([]string{"1111111", "2222222"}, nil)

		_, err := Resolve(ctx, db, opts, factory(t, a, "hunter2"))
		assert.ErrorIs(t, err, ErrAccountRequired)
		assert.ErrorContains(t, err, "1111111, 2222222")
		db.AssertNotCalled(t, "SetEntry", mock.Anything, mock.Anything)
	})

	t.Run("MultipleAccountsUnknown", func(t *testing.T) {
		db := &storagemock.MockDatabase{}
		a := &mockAuthenticator{}
		db.On("GetEntry", mock.Anything, "user@example.com").Return(types.Entry{}, storage.ErrEntryNotFound)
		a.On("Login", mock.Anything).Return(nil)
		a.On("DiscoverAccountIDs", mock.Anything).Return([]string{"1111111", "2222222"}, nil)

		o := opts
		o.AccountID = "3333333"
		_, err := Resolve(ctx, db, o, factory(t, a, "hunter2"))
		assert.ErrorIs(t, err, ErrAccountNotFound)
	})

	t.Run("DiscoveryFailsFallsBackToConfigured", func(t *testing.T) {
		db := &storagemock.MockDatabase{}
		a := &mockAuthenticator{}
		db.On("GetEntry", mock.Anything, "user@example.com").Return(types.Entry{}, storage.ErrEntryNotFound)
		a.On("Login", mock.Anything).Return(nil)
		a.On("DiscoverAccountIDs", mock.Anything).Return(nil, errors.New("boom"))
		db.On("SetEntry", mock.Anything, mock.Anything).Return(nil)

		o := opts
		o.AccountID = "7654321"
		entry, err := Resolve(ctx, db, o, factory(t, a, "hunter2"))
		require.NoError(t, err)
		assert.Equal(t, "7654321", entry.AccountID)
	})

	t.Run("NoAccountsNoneConfigured", func(t *testing.T) {
		db := &storagemock.MockDatabase{}
		a := &mockAuthenticator{}
		db.On("GetEntry", mock.Anything, "user@example.com").Return(types.Entry{}, storage.ErrEntryNotFound)
		a.On("Login", mock.Anything).Return(nil)
		a.On("DiscoverAccountIDs", mock.Anything).Return([]string{}, nil)

		o := opts
		o.AccountID = "   "
		_, err := Resolve(ctx, db, o, factory(t, a, "hunter2"))
		assert.ErrorIs(t, err, ErrAccountRequired)
	})

	t.Run("LoginErrors", func(t *testing.T) {
		tests := []struct {
			name string
			err  error
			want error
		}{
			{"Auth", &gmp.Error{Kind: gmp.KindAuth, StatusCode: 401, Message: "rejected"}, ErrInvalidAuth},
			{"Connection", &gmp.Error{Kind: gmp.KindConnection, Message: "dial"}, ErrCannotConnect},
			{"Other", errors.New("surprise"), ErrUnknown},
		}
		for _, tt := range tests {
			t.Run(tt.name, func(t *testing.T) {
				db := &storagemock.MockDatabase{}
				a := &mockAuthenticator{}
				db.On("GetEntry", mock.Anything, "user@example.com").Return(types.Entry{}, storage.ErrEntryNotFound)
				a.On("Login", mock.Anything).Return(tt.err)

				_, err := Resolve(ctx, db, opts, factory(t, a, "hunter2"))
				assert.ErrorIs(t, err, tt.want)
				assert.ErrorIs(t, err, tt.err)
				a.AssertNotCalled(t, "DiscoverAccountIDs", mock.Anything)
			})
		}
	})

	t.Run("StoredEntryReused", func(t *testing.T) {
		db := &storagemock.MockDatabase{}
		stored := types.Entry{Username: "user@example.com", Password: "hunter2", ClientID: "cid", AccountID: "1234567"}
		db.On("GetEntry", mock.Anything, "user@example.com").Return(stored, nil)

		entry, err := Resolve(ctx, db, Options{Username: "user@example.com"}, func(string, string) Authenticator {
			t.Fatal("no client should be created")
			return nil
		})
		require.NoError(t, err)
		assert.Equal(t, stored, entry)
	})

	t.Run("StoredPasswordUsedForNewAccount", func(t *testing.T) {
		db := &storagemock.MockDatabase{}
		a := &mockAuthenticator{}
		stored := types.Entry{Username: "user@example.com", Password: "hunter2", ClientID: "cid", AccountID: "1234567"}
		db.On("GetEntry", mock.Anything, "user@example.com").Return(stored, nil)
		a.On("Login", mock.Anything).Return(nil)
		a.On("DiscoverAccountIDs", mock.Anything).Return([]string{"1234567", "7654321"}, nil)
		db.On("SetEntry", mock.Anything, mock.Anything).Return(nil)

		entry, err := Resolve(ctx, db, Options{Username: "user@example.com", AccountID: "7654321"}, factory(t, a, "hunter2"))
		require.NoError(t, err)
		assert.Equal(t, "7654321", entry.AccountID)
		assert.Equal(t, "hunter2", entry.Password)
	})

	t.Run("MissingPassword", func(t *testing.T) {
		db := &storagemock.MockDatabase{}
		db.On("GetEntry", mock.Anything, "user@example.com").Return(types.Entry{}, storage.ErrEntryNotFound)

		_, err := Resolve(ctx, db, Options{Username: "user@example.com"}, nil)
		assert.ErrorContains(t, err, "password is required")
	})

	t.Run("StorageError", func(t *testing.T) {
		db := &storagemock.MockDatabase{}
		db.On("GetEntry", mock.Anything, "user@example.com").Return(types.Entry{}, errors.New("unavailable"))

		_, err := Resolve(ctx, db, opts, nil)
		assert.ErrorContains(t, err, "unavailable")
	})
}

func TestChooseAccount(t *testing.T) {
	tests := []struct {
		name       string
		discovered []string
		configured string
		want       string
		wantErr    error
	}{
		{"Single", []string{"1234567"}, "", "1234567", nil},
		{"SingleIgnoresConfigured", []string{"1234567"}, "7654321", "1234567", nil},
		{"NoneConfigured", nil, " 7654321 ", "7654321", nil},
		{"NoneMissing", nil, "", "", ErrAccountRequired},
		{"ManyChosen", []string{"1111111", "2222222"}, "1111111", "1111111", nil},
		{"ManyMissing", []string{"1111111", "2222222"}, "", "", ErrAccountRequired},
		{"ManyUnknown", []string{"1111111", "2222222"}, "3333333", "", ErrAccountNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := chooseAccount(tt.discovered, tt.configured)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}
