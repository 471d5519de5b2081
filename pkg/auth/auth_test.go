package auth

import (
	"crypto/x509"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sidkik/zynk/pkg/certs"
	"github.com/sidkik/zynk/pkg/config"
	"github.com/sidkik/zynk/pkg/protocol"
)

var testLockout = config.Lockout{
	MaxFailures: 3,
	Window:      config.Duration{Duration: time.Minute},
	Duration:    config.Duration{Duration: 10 * time.Minute},
}

func TestAuthenticate(t *testing.T) {
	ca, err := certs.GenerateCA("ca", time.Hour)
	require.NoError(t, err)
	otherCA, err := certs.GenerateCA("other", time.Hour)
	require.NoError(t, err)

	issue := func(ca certs.Pair, name string) *x509.Certificate {
		pair, err := certs.Issue(ca, name, nil, false, time.Hour)
		require.NoError(t, err)
		return pair.Cert
	}
	laptopCert := issue(ca, "laptop")
	ciCert := issue(ca, "ci")
	rogueCert := issue(otherCA, "ci")

	tokenHash, err := HashToken([]byte("hunter2"))
	require.NoError(t, err)

	pool := x509.NewCertPool()
	pool.AddCert(ca.Cert)

	registry := NewRegistry([]config.ClientPolicy{
		{Name: "laptop", Fingerprints: []string{certs.Fingerprint(laptopCert)}},
		{Name: "both", Fingerprints: []string{certs.Fingerprint(laptopCert)},
			TokenHash: tokenHash},
		{Name: "token", TokenHash: tokenHash},
		{Name: "ci"},
		{Name: "broken", TokenHash: "scrypt$1"},
	})

	tests := []struct {
		name       string
		client     string
		certs      []*x509.Certificate
		token      string
		expFactors []string
		expError   bool
	}{
		{
			name:       "Fingerprint",
			client:     "laptop",
			certs:      []*x509.Certificate{laptopCert},
			expFactors: []string{FactorCertificate},
		},
		{
			name:     "WrongFingerprint",
			client:   "laptop",
			certs:    []*x509.Certificate{ciCert},
			expError: true,
		},
		{
			name:     "NoCertificate",
			client:   "laptop",
			expError: true,
		},
		{
			name:       "CertificateAndToken",
			client:     "both",
			certs:      []*x509.Certificate{laptopCert},
			token:      "hunter2",
			expFactors: []string{FactorCertificate, FactorToken},
		},
		{
			name:     "CertificateWithoutToken",
			client:   "both",
			certs:    []*x509.Certificate{laptopCert},
			expError: true,
		},
		{
			name:       "Token",
			client:     "token",
			token:      "hunter2",
			expFactors: []string{FactorToken},
		},
		{
			name:     "WrongToken",
			client:   "token",
			token:    "hunter3",
			expError: true,
		},
		{
			name:       "CAVerified",
			client:     "ci",
			certs:      []*x509.Certificate{ciCert},
			expFactors: []string{FactorCertificate},
		},
		{
			name:     "CANameMismatch",
			client:   "ci",
			certs:    []*x509.Certificate{laptopCert},
			expError: true,
		},
		{
			name:     "UntrustedCA",
			client:   "ci",
			certs:    []*x509.Certificate{rogueCert},
			expError: true,
		},
		{
			name:     "UnknownClient",
			client:   "mallory",
			token:    "hunter2",
			expError: true,
		},
		{
			name:     "MalformedHash",
			client:   "broken",
			token:    "hunter2",
			expError: true,
		},
	}

	for _, test := range tests {
		test := test
		t.Run(test.name, func(t *testing.T) {
			authenticator := &Authenticator{
				Registry:  registry,
				Throttle:  NewThrottle(clockwork.NewFakeClock(), testLockout),
				ClientCAs: pool,
			}

			hello := protocol.Hello{Client: test.client}
			if test.token != "" {
				hello.Token = []byte(test.token)
			}

			id, err := authenticator.Authenticate("10.0.0.1", test.certs, hello)
			if test.expError {
				assert.IsType(t, Failure{}, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, test.client, id.Name)
			assert.Equal(t, test.expFactors, id.Factors)
		})
	}
}

func TestAuthenticateWithoutCA(t *testing.T) {
	authenticator := &Authenticator{
		Registry: NewRegistry([]config.ClientPolicy{{Name: "ci"}}),
		Throttle: NewThrottle(clockwork.NewFakeClock(), testLockout),
	}

	_, err := authenticator.Authenticate("10.0.0.1", nil, protocol.Hello{Client: "ci"})
	assert.Equal(t, Failure{Client: "ci",
		Reason: "no authentication method configured"}, err)
}

func TestLockout(t *testing.T) {
	clock := clockwork.NewFakeClock()
	tokenHash, err := HashToken([]byte("hunter2"))
	require.NoError(t, err)

	authenticator := &Authenticator{
		Registry: NewRegistry([]config.ClientPolicy{{Name: "a", TokenHash: tokenHash}}),
		Throttle: NewThrottle(clock, testLockout),
	}

	good := protocol.Hello{Client: "a", Token: []byte("hunter2")}
	bad := protocol.Hello{Client: "a", Token: []byte("wrong")}

	for i := 0; i < testLockout.MaxFailures; i++ {
		_, err := authenticator.Authenticate("attacker", nil, bad)
		assert.IsType(t, Failure{}, err)
	}

	// Even the right token is refused while locked out.
	_, err = authenticator.Authenticate("attacker", nil, good)
	assert.Equal(t, LockedOut{Until: clock.Now().Add(10 * time.Minute)}, err)

	// Other hosts aren't affected.
	_, err = authenticator.Authenticate("friend", nil, good)
	assert.NoError(t, err)

	clock.Advance(10*time.Minute + time.Second)
	_, err = authenticator.Authenticate("attacker", nil, good)
	assert.NoError(t, err)
}

func TestConcurrentAttempts(t *testing.T) {
	clock := clockwork.NewFakeClock()
	authenticator := &Authenticator{
		Registry: NewRegistry([]config.ClientPolicy{{Name: "a", TokenHash: "scrypt$hash"}}),
		Throttle: NewThrottle(clock, testLockout),
	}

	var verified int32
	release := make(chan struct{})
	verifyToken = func(string, []byte) (bool, error) {
		atomic.AddInt32(&verified, 1)
		<-release
		return false, nil
	}
	defer func() { verifyToken = VerifyToken }()

	const attempts = 10
	var wg sync.WaitGroup
	var refused int32
	errs := make(chan error, attempts)
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := authenticator.Authenticate("attacker", nil,
				protocol.Hello{Client: "a", Token: []byte("wrong")})
			if _, ok := err.(TooManyAttempts); ok {
				atomic.AddInt32(&refused, 1)
			}
			errs <- err
		}()
	}

	// Every attempt is either refused up front or waiting on the token
	// check.
	assert.Eventually(t, func() bool {
		return atomic.LoadInt32(&verified)+atomic.LoadInt32(&refused) == attempts
	}, 5*time.Second, 10*time.Millisecond)
	close(release)
	wg.Wait()
	close(errs)

	assert.Equal(t, int32(testLockout.MaxFailures), atomic.LoadInt32(&verified))
	assert.Equal(t, int32(attempts-testLockout.MaxFailures), atomic.LoadInt32(&refused))
	for err := range errs {
		if _, ok := err.(TooManyAttempts); !ok {
			assert.IsType(t, Failure{}, err)
		}
	}

	_, err := authenticator.Authenticate("attacker", nil,
		protocol.Hello{Client: "a", Token: []byte("wrong")})
	assert.IsType(t, LockedOut{}, err)
	assert.Equal(t, int32(testLockout.MaxFailures), atomic.LoadInt32(&verified))
}

func TestThrottleBegin(t *testing.T) {
	clock := clockwork.NewFakeClock()
	throttle := NewThrottle(clock, testLockout)

	// Pending attempts count towards the limit along with recent failures.
	assert.NoError(t, throttle.Begin("host"))
	throttle.Failure("host")
	assert.NoError(t, throttle.Begin("host"))
	assert.NoError(t, throttle.Begin("host"))
	assert.Equal(t, TooManyAttempts{}, throttle.Begin("host"))

	// Other hosts aren't affected.
	assert.NoError(t, throttle.Begin("other"))

	// A success clears the failures, but other attempts are still pending.
	throttle.Success("host")
	assert.NoError(t, throttle.Begin("host"))
	assert.NoError(t, throttle.Begin("host"))
	assert.Equal(t, TooManyAttempts{}, throttle.Begin("host"))

	throttle.Failure("host")
	throttle.Failure("host")
	assert.True(t, throttle.Failure("host"))
	assert.Equal(t, LockedOut{Until: clock.Now().Add(10 * time.Minute)},
		throttle.Begin("host"))
}

func TestThrottleDisabled(t *testing.T) {
	throttle := NewThrottle(clockwork.NewFakeClock(), config.Lockout{})
	for i := 0; i < 10; i++ {
		assert.NoError(t, throttle.Begin("host"))
		assert.False(t, throttle.Failure("host"))
	}
	assert.Equal(t, 0, throttle.hosts.Len())
}

func TestThrottleWindow(t *testing.T) {
	clock := clockwork.NewFakeClock()
	throttle := NewThrottle(clock, testLockout)

	// Failures that fall out of the window don't count.
	assert.False(t, throttle.Failure("host"))
	assert.False(t, throttle.Failure("host"))
	clock.Advance(2 * time.Minute)
	assert.False(t, throttle.Failure("host"))
	assert.False(t, throttle.Failure("host"))
	locked, _ := throttle.Locked("host")
	assert.False(t, locked)

	assert.True(t, throttle.Failure("host"))
	locked, until := throttle.Locked("host")
	assert.True(t, locked)
	assert.Equal(t, clock.Now().Add(10*time.Minute), until)
}

func TestThrottleSuccessClears(t *testing.T) {
	clock := clockwork.NewFakeClock()
	throttle := NewThrottle(clock, testLockout)

	throttle.Failure("host")
	throttle.Failure("host")
	throttle.Success("host")
	assert.False(t, throttle.Failure("host"))
	assert.False(t, throttle.Failure("host"))
	assert.True(t, throttle.Failure("host"))
}

func TestThrottleBounded(t *testing.T) {
	throttle := NewThrottle(clockwork.NewFakeClock(), testLockout)
	for i := 0; i < throttleSize*2; i++ {
		throttle.Failure(string(rune(i)))
	}
	assert.Equal(t, throttleSize, throttle.hosts.Len())
}

func TestRegistryReplace(t *testing.T) {
	registry := NewRegistry([]config.ClientPolicy{{Name: "a"}})
	_, ok := registry.Lookup("a")
	assert.True(t, ok)

	registry.Replace([]config.ClientPolicy{{Name: "b"}, {Name: "c"}})
	_, ok = registry.Lookup("a")
	assert.False(t, ok)
	assert.Equal(t, 2, registry.Len())
}
