package server

import (
	"context"
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"log/slog"
	"testing"
	"time"

	"cloud.google.com/go/civil"
	"github.com/coreos/go-oidc/v3/oidc"
	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/raterudder/gmpusage/pkg/log"
	"github.com/raterudder/gmpusage/pkg/storage/storagemock"
	"github.com/raterudder/gmpusage/pkg/types"
	"github.com/raterudder/gmpusage/pkg/value"
)

func init() {
	log.SetDefaultLogLevel(slog.LevelError)
}

var testToday = civil.Date{Year: 2026, Month: time.October, Day: 15}

type mockPoller struct {
	mock.Mock
}

func (m *mockPoller) AccountID() string {
	return "1234567"
}

func (m *mockPoller) Today() civil.Date {
	return testToday
}

func (m *mockPoller) SelectedDate() civil.Date {
	return m.Called().Get(0).(civil.Date)
}

func (m *mockPoller) SetSelectedDate(d civil.Date) {
	m.Called(d)
}

func (m *mockPoller) Data() (types.PollingResult, bool) {
	args := m.Called()
	return args.Get(0).(types.PollingResult), args.Bool(1)
}

func (m *mockPoller) LastUpdateSuccess() bool {
	return m.Called().Bool(0)
}

func (m *mockPoller) Refresh(ctx context.Context) (types.PollingResult, error) {
	args := m.Called(ctx)
	return args.Get(0).(types.PollingResult), args.Error(1)
}

func testResult(t *testing.T, total float64) types.PollingResult {
	t.Helper()
	status, err := value.Parse([]byte(`{"active":true,"partialMeterOff":true}`))
	require.NoError(t, err)
	return types.PollingResult{
		UsageSummary: types.UsageSummary{
			HourlyValues: []value.Value{},
			TodayTotal:   total,
			LastHourKWH:  0.25,
		},
		Status:         status,
		Monthly:        value.EmptyObject(),
		Daily:          value.EmptyObject(),
		SelectedHourly: value.EmptyObject(),
		EVDaily:        value.EmptyObject(),
		SelectedDate:   testToday,
		Errors:         map[string]string{},
		UpdatedAt:      time.Date(2026, time.October, 15, 12, 0, 0, 0, time.UTC),
	}
}

func newTestServer(p *mockPoller) (*Server, *storagemock.MockDatabase) {
	db := &storagemock.MockDatabase{}
	srv := New(p, db, ":0")
	srv.now = func() time.Time {
		return time.Date(2026, time.October, 15, 12, 30, 0, 0, time.UTC)
	}
	return srv, db
}

const (
	testIssuer   = "https://issuer.example.com"
	testAudience = "test-audience"
)

type testSigner struct {
	key *rsa.PrivateKey
}

// setupOIDCTest returns a verifier trusting the returned signer.
func setupOIDCTest(t *testing.T) (tokenVerifier, *testSigner) {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	keySet := &oidc.StaticKeySet{PublicKeys: []crypto.PublicKey{key.Public()}}
	verifier := oidc.NewVerifier(testIssuer, keySet, &oidc.Config{ClientID: testAudience})
	return verifier.Verify, &testSigner{key: key}
}

func (s *testSigner) token(t *testing.T, email string, verified bool, audience string) string {
	t.Helper()
	tok := jwt.NewWithClaims(jwt.SigningMethodRS256, jwt.MapClaims{
		"iss":            testIssuer,
		"aud":            audience,
		"sub":            "subject-" + email,
		"email":          email,
		"email_verified": verified,
		"iat":            time.Now().Unix(),
		"exp":            time.Now().Add(time.Hour).Unix(),
	})
	signed, err := tok.SignedString(s.key)
	require.NoError(t, err)
	return signed
}
