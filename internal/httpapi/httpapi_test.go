package httpapi

import (
	"bytes"
	"context"
	"crypto/ecdsa"
	"encoding/json"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/git-hunters/githunters/internal/cache"
	"github.com/git-hunters/githunters/internal/chain"
	"github.com/git-hunters/githunters/internal/chain/chaintest"
	"github.com/git-hunters/githunters/internal/database"
	"github.com/git-hunters/githunters/internal/database/memory"
	"github.com/git-hunters/githunters/internal/events"
	"github.com/git-hunters/githunters/internal/github"
	"github.com/git-hunters/githunters/internal/logging"
	"github.com/git-hunters/githunters/internal/middleware"
	"github.com/git-hunters/githunters/internal/secretstore"
)

var (
	escrowAddr   = common.HexToAddress("0x00000000000000000000000000000000000e5c40")
	registryAddr = common.HexToAddress("0x0000000000000000000000000000000000e9157e")
	contributor  = common.HexToAddress("0x00000000000000000000000000000000000c0de1")
)

type envelope struct {
	Success bool                   `json:"success"`
	Data    json.RawMessage        `json:"data"`
	Error   string                 `json:"error"`
	Code    string                 `json:"code"`
	Details map[string]interface{} `json:"details"`
}

type fixture struct {
	t        *testing.T
	server   *httptest.Server
	github   *httptest.Server
	backend  *chaintest.Backend
	operator *ecdsa.PrivateKey
	store    *memory.Store
	cache    *cache.Memory
	hub      *events.Hub
}

type fixtureOpts struct {
	noChain  bool
	noSigner bool
}

// fakeGitHub serves the OAuth token endpoint and the REST endpoints the
// handlers call. Code "good" exchanges for token "gho_good".
func fakeGitHub(t *testing.T) *httptest.Server {
	mux := http.NewServeMux()
	mux.HandleFunc("/login/oauth/access_token", func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		w.Header().Set("Content-Type", "application/json")
		if r.Form.Get("code") != "good" {
			fmt.Fprint(w, `{"error":"bad_verification_code"}`)
			return
		}
		fmt.Fprint(w, `{"access_token":"gho_good","token_type":"bearer","scope":"repo"}`)
	})
	authorized := func(w http.ResponseWriter, r *http.Request) bool {
		if r.Header.Get("Authorization") != "Bearer gho_good" {
			w.WriteHeader(http.StatusUnauthorized)
			fmt.Fprint(w, `{"message":"Bad credentials"}`)
			return false
		}
		return true
	}
	mux.HandleFunc("/user", func(w http.ResponseWriter, r *http.Request) {
		if authorized(w, r) {
			fmt.Fprint(w, `{"id":4242,"login":"octo","name":"Octo Cat"}`)
		}
	})
	mux.HandleFunc("/user/repos", func(w http.ResponseWriter, r *http.Request) {
		if authorized(w, r) {
			fmt.Fprint(w, `[{"id":1,"full_name":"Octo/Hello","permissions":{"admin":true}},{"id":2,"full_name":"octo/other"}]`)
		}
	})
	mux.HandleFunc("/repos/octo/hello/issues", func(w http.ResponseWriter, r *http.Request) {
		if authorized(w, r) {
			fmt.Fprint(w, `[
				{"number":7,"title":"Fix it","state":"open","user":{"login":"a"},"labels":[{"name":"bug"}]},
				{"number":8,"title":"A PR","state":"open","pull_request":{"url":"x"}},
				{"number":9,"title":"Docs","state":"open"}
			]`)
		}
	})
	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)
	return server
}

func newFixture(t *testing.T, o fixtureOpts) *fixture {
	t.Helper()
	logger := logging.Discard()
	store := memory.New()
	mc := cache.NewMemory()
	hub := events.NewHub(logger, nil)
	t.Cleanup(hub.Close)

	gh := fakeGitHub(t)
	oauth, err := github.NewOAuth(github.OAuthConfig{
		ClientID:     "client",
		ClientSecret: "secret",
		RedirectURL:  "http://localhost/api/auth/github/callback",
		AuthURL:      gh.URL + "/login/oauth/authorize",
		TokenURL:     gh.URL + "/login/oauth/access_token",
	})
	require.NoError(t, err)

	sealer, err := secretstore.New([]byte("0123456789abcdef0123456789abcdef"), "github-token")
	require.NoError(t, err)

	f := &fixture{t: t, github: gh, store: store, cache: mc, hub: hub}
	deps := Deps{
		Store:  store,
		Cache:  mc,
		Auth:   middleware.NewAuthMiddleware([]byte("test-secret-test-secret-test-sec"), time.Hour, store, logger),
		OAuth:  oauth,
		GitHub: github.NewCached(github.NewClient(gh.URL, 5*time.Second), mc, time.Minute, logger),
		Sealer: sealer,
		Hub:    hub,
		Logger: logger,
		Contracts: chain.ContractAddresses{
			Escrow:   escrowAddr.Hex(),
			Registry: registryAddr.Hex(),
		},
	}
	if !o.noChain {
		f.backend = chaintest.New(escrowAddr, registryAddr)
		if !o.noSigner {
			f.operator, err = crypto.GenerateKey()
			require.NoError(t, err)
		}
		deps.Chain = chain.NewClient(f.backend, chaintest.DefaultChainID, f.operator)
	}

	srv, err := NewServer(deps, Options{
		Version:        "test",
		AllowedOrigins: []string{"https://githunters.dev"},
		TxPollInterval: time.Millisecond,
		TxWaitTimeout:  200 * time.Millisecond,
	})
	require.NoError(t, err)
	f.server = httptest.NewServer(srv.Handler())
	t.Cleanup(f.server.Close)
	return f
}

func (f *fixture) request(method, path, token string, body interface{}, header ...string) (*http.Response, envelope) {
	f.t.Helper()
	var rd io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(f.t, err)
		rd = bytes.NewReader(raw)
	}
	req, err := http.NewRequest(method, f.server.URL+path, rd)
	require.NoError(f.t, err)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	for i := 0; i+1 < len(header); i += 2 {
		req.Header.Set(header[i], header[i+1])
	}

	client := &http.Client{CheckRedirect: func(*http.Request, []*http.Request) error {
		return http.ErrUseLastResponse
	}}
	resp, err := client.Do(req)
	require.NoError(f.t, err)
	defer resp.Body.Close()

	var env envelope
	raw, err := io.ReadAll(resp.Body)
	require.NoError(f.t, err)
	if len(raw) > 0 && strings.HasPrefix(resp.Header.Get("Content-Type"), "application/json") {
		require.NoError(f.t, json.Unmarshal(raw, &env), string(raw))
	}
	return resp, env
}

func decode[T any](t *testing.T, env envelope) T {
	t.Helper()
	var out T
	require.True(t, env.Success, "expected success, got %s (%s)", env.Error, env.Code)
	require.NoError(t, json.Unmarshal(env.Data, &out))
	return out
}

// walletLogin signs in with a fresh key and returns the token and address.
func (f *fixture) walletLogin() (string, string) {
	f.t.Helper()
	key, err := crypto.GenerateKey()
	require.NoError(f.t, err)
	address := crypto.PubkeyToAddress(key.PublicKey).Hex()

	resp, env := f.request(http.MethodGet, "/api/auth/wallet/nonce?address="+address, "", nil)
	require.Equal(f.t, http.StatusOK, resp.StatusCode)
	nonce := decode[map[string]string](f.t, env)

	sig, err := chain.SignPersonalMessage(key, nonce["message"])
	require.NoError(f.t, err)
	resp, env = f.request(http.MethodPost, "/api/auth/wallet", "", map[string]string{
		"address":   address,
		"message":   nonce["message"],
		"signature": sig,
	})
	require.Equal(f.t, http.StatusOK, resp.StatusCode, env.Error)
	auth := decode[struct {
		Token string        `json:"token"`
		User  database.User `json:"user"`
	}](f.t, env)
	return auth.Token, strings.ToLower(address)
}

// =============================================================================
// Health and routing
// =============================================================================

func TestHealth(t *testing.T) {
	f := newFixture(t, fixtureOpts{})
	resp, env := f.request(http.MethodGet, "/health", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	health := decode[healthResponse](t, env)
	assert.Equal(t, "ok", health.Status)
	assert.Equal(t, "test", health.Version)
	assert.True(t, health.Chain.Configured)
	assert.Equal(t, "31337", health.Chain.ChainID)
	assert.NotEmpty(t, health.Chain.Signer)
	assert.NotEmpty(t, resp.Header.Get("X-Trace-ID"))
}

func TestHealthDegradedWhenDatabaseFails(t *testing.T) {
	f := newFixture(t, fixtureOpts{noChain: true})
	f.store.SetError(fmt.Errorf("connection refused"))

	resp, env := f.request(http.MethodGet, "/health", "", nil)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	health := decode[healthResponse](t, env)
	assert.Equal(t, "unhealthy", health.Status)
	assert.Equal(t, "connection refused", health.Database)
	assert.False(t, health.Chain.Configured)
}

func TestUnknownRoute(t *testing.T) {
	f := newFixture(t, fixtureOpts{})
	resp, env := f.request(http.MethodGet, "/api/nope", "", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, "NOT_FOUND", env.Code)

	resp, _ = f.request(http.MethodDelete, "/api/auth/wallet", "", nil)
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
}

func TestCORSPreflight(t *testing.T) {
	f := newFixture(t, fixtureOpts{})
	resp, _ := f.request(http.MethodOptions, "/api/contracts/bounties", "", nil,
		"Origin", "https://githunters.dev",
		"Access-Control-Request-Method", "POST")
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	assert.Equal(t, "https://githunters.dev", resp.Header.Get("Access-Control-Allow-Origin"))
}

// =============================================================================
// Wallet auth
// =============================================================================

func TestWalletLoginMeLogout(t *testing.T) {
	f := newFixture(t, fixtureOpts{})
	token, address := f.walletLogin()

	resp, env := f.request(http.MethodGet, "/api/auth/me", token, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	me := decode[struct {
		User         database.User `json:"user"`
		GitHubLinked bool          `json:"githubLinked"`
		AuthMethod   string        `json:"authMethod"`
	}](t, env)
	assert.Equal(t, address, me.User.Address)
	assert.False(t, me.GitHubLinked)
	assert.Equal(t, middleware.AuthMethodWallet, me.AuthMethod)

	resp, _ = f.request(http.MethodPost, "/api/auth/logout", token, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp, _ = f.request(http.MethodGet, "/api/auth/me", token, nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestWalletNonceRejectsBadAddress(t *testing.T) {
	f := newFixture(t, fixtureOpts{})
	resp, env := f.request(http.MethodGet, "/api/auth/wallet/nonce?address=0x123", "", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "VALIDATION_FAILED", env.Code)
}

func TestWalletVerifyRejects(t *testing.T) {
	f := newFixture(t, fixtureOpts{})
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	address := crypto.PubkeyToAddress(key.PublicKey).Hex()
	other, err := crypto.GenerateKey()
	require.NoError(t, err)

	_, env := f.request(http.MethodGet, "/api/auth/wallet/nonce?address="+address, "", nil)
	message := decode[map[string]string](t, env)["message"]

	goodSig, err := chain.SignPersonalMessage(key, message)
	require.NoError(t, err)
	otherSig, err := chain.SignPersonalMessage(other, message)
	require.NoError(t, err)
	staleMessage := SignInMessage(strings.ToLower(address), "deadbeef")
	staleSig, err := chain.SignPersonalMessage(key, staleMessage)
	require.NoError(t, err)

	tests := []struct {
		name   string
		body   map[string]string
		status int
	}{
		{"missing fields", map[string]string{"address": address}, http.StatusBadRequest},
		{"wrong signer", map[string]string{"address": address, "message": message, "signature": otherSig}, http.StatusUnauthorized},
		{"stale nonce", map[string]string{"address": address, "message": staleMessage, "signature": staleSig}, http.StatusUnauthorized},
		{"unknown address", map[string]string{"address": contributor.Hex(), "message": message, "signature": goodSig}, http.StatusUnauthorized},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, env := f.request(http.MethodPost, "/api/auth/wallet", "", tt.body)
			assert.Equal(t, tt.status, resp.StatusCode, env.Error)
			assert.False(t, env.Success)
		})
	}

	// The nonce is still valid after the failed attempts, and single use.
	body := map[string]string{"address": address, "message": message, "signature": goodSig}
	resp, _ := f.request(http.MethodPost, "/api/auth/wallet", "", body)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp, _ = f.request(http.MethodPost, "/api/auth/wallet", "", body)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

// =============================================================================
// GitHub auth
// =============================================================================

func (f *fixture) githubStart(token string) (state string, cookie *http.Cookie) {
	f.t.Helper()
	resp, env := f.request(http.MethodGet, "/api/auth/github?mode=json", token, nil)
	require.Equal(f.t, http.StatusOK, resp.StatusCode, env.Error)
	authURL, err := url.Parse(decode[map[string]string](f.t, env)["url"])
	require.NoError(f.t, err)
	state = authURL.Query().Get("state")
	require.NotEmpty(f.t, state)

	for _, c := range resp.Cookies() {
		if c.Name == stateCookieName {
			cookie = c
		}
	}
	require.NotNil(f.t, cookie)
	assert.Equal(f.t, state, cookie.Value)
	assert.True(f.t, cookie.HttpOnly)
	return state, cookie
}

func (f *fixture) githubCallback(state string, cookie *http.Cookie, code string) (*http.Response, envelope) {
	f.t.Helper()
	path := "/api/auth/github/callback?" + url.Values{"state": {state}, "code": {code}}.Encode()
	if cookie == nil {
		return f.request(http.MethodGet, path, "", nil)
	}
	return f.request(http.MethodGet, path, "", nil, "Cookie", cookie.Name+"="+cookie.Value)
}

func TestGitHubStartRedirects(t *testing.T) {
	f := newFixture(t, fixtureOpts{})
	resp, _ := f.request(http.MethodGet, "/api/auth/github", "", nil)
	require.Equal(t, http.StatusFound, resp.StatusCode)
	loc, err := url.Parse(resp.Header.Get("Location"))
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(loc.String(), f.github.URL+"/login/oauth/authorize"))
	assert.Equal(t, "client", loc.Query().Get("client_id"))
}

func TestGitHubLoginCreatesUserAndSealsToken(t *testing.T) {
	f := newFixture(t, fixtureOpts{})
	state, cookie := f.githubStart("")

	resp, env := f.githubCallback(state, cookie, "good")
	require.Equal(t, http.StatusOK, resp.StatusCode, env.Error)
	auth := decode[authResponse](t, env)
	assert.NotEmpty(t, auth.Token)
	assert.Equal(t, "octo", auth.User.GitHubLogin)

	stored, err := f.store.GetUserByGitHubID(context.Background(), 4242)
	require.NoError(t, err)
	assert.NotEqual(t, "gho_good", stored.GitHubToken)
	assert.True(t, strings.HasPrefix(stored.GitHubToken, "v1:"))

	// Logging in again resolves to the same user.
	state, cookie = f.githubStart("")
	resp, env = f.githubCallback(state, cookie, "good")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, stored.ID, decode[authResponse](t, env).User.ID)
}

func TestGitHubLinksToWalletUser(t *testing.T) {
	f := newFixture(t, fixtureOpts{})
	walletToken, address := f.walletLogin()

	state, cookie := f.githubStart(walletToken)
	resp, env := f.githubCallback(state, cookie, "good")
	require.Equal(t, http.StatusOK, resp.StatusCode, env.Error)
	auth := decode[authResponse](t, env)
	assert.Equal(t, address, auth.User.Address)
	assert.Equal(t, "octo", auth.User.GitHubLogin)

	// A second wallet cannot claim the same GitHub account.
	otherToken, _ := f.walletLogin()
	state, cookie = f.githubStart(otherToken)
	resp, env = f.githubCallback(state, cookie, "good")
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	assert.Equal(t, "CONFLICT", env.Code)
}

func TestLogoutDropsCachedGitHubRepos(t *testing.T) {
	f := newFixture(t, fixtureOpts{})
	state, cookie := f.githubStart("")
	_, env := f.githubCallback(state, cookie, "good")
	token := decode[authResponse](t, env).Token

	resp, _ := f.request(http.MethodGet, "/api/auth/repos", token, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	cached := f.cache.Len()
	require.NotZero(t, cached)

	resp, _ = f.request(http.MethodPost, "/api/auth/logout", token, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, cached-1, f.cache.Len())
}

func TestGitHubCallbackRejects(t *testing.T) {
	f := newFixture(t, fixtureOpts{})

	t.Run("missing cookie", func(t *testing.T) {
		state, _ := f.githubStart("")
		resp, _ := f.githubCallback(state, nil, "good")
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	})
	t.Run("state mismatch", func(t *testing.T) {
		_, cookie := f.githubStart("")
		resp, _ := f.githubCallback("forged", cookie, "good")
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	})
	t.Run("state reused", func(t *testing.T) {
		state, cookie := f.githubStart("")
		resp, _ := f.githubCallback(state, cookie, "good")
		require.Equal(t, http.StatusOK, resp.StatusCode)
		resp, _ = f.githubCallback(state, cookie, "good")
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	})
	t.Run("bad code", func(t *testing.T) {
		state, cookie := f.githubStart("")
		resp, _ := f.githubCallback(state, cookie, "bad")
		assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	})
}

func TestGitHubReposAndIssues(t *testing.T) {
	f := newFixture(t, fixtureOpts{})
	ctx := context.Background()

	walletToken, _ := f.walletLogin()
	resp, env := f.request(http.MethodGet, "/api/auth/repos", walletToken, nil)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode, "wallet-only users have no GitHub token")
	assert.Equal(t, "FORBIDDEN", env.Code)

	state, cookie := f.githubStart("")
	_, env = f.githubCallback(state, cookie, "good")
	token := decode[authResponse](t, env).Token

	require.NoError(t, f.store.UpsertRepository(ctx, &database.Repository{FullName: "octo/hello", Active: true}))
	require.NoError(t, f.store.UpsertBounty(ctx, &database.Bounty{
		ID: "1", RepoFullName: "octo/hello", IssueNumber: 7, AmountWei: "1000", Status: database.BountyOpen,
	}))

	resp, env = f.request(http.MethodGet, "/api/auth/repos", token, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode, env.Error)
	repos := decode[[]repoView](t, env)
	require.Len(t, repos, 2)
	assert.True(t, repos[0].Registered)
	assert.True(t, repos[0].CanAdmin)
	assert.False(t, repos[1].Registered)

	resp, env = f.request(http.MethodGet, "/api/auth/repos/Octo/Hello/issues", token, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode, env.Error)
	issues := decode[[]issueView](t, env)
	require.Len(t, issues, 2)
	assert.Equal(t, int64(7), issues[0].Number)
	require.NotNil(t, issues[0].Bounty)
	assert.Equal(t, "1000", issues[0].Bounty.AmountWei)
	assert.Nil(t, issues[1].Bounty)
}

// =============================================================================
// Contracts
// =============================================================================

func TestContractLifecycle(t *testing.T) {
	f := newFixture(t, fixtureOpts{})
	token, _ := f.walletLogin()
	operator := strings.ToLower(crypto.PubkeyToAddress(f.operator.PublicKey).Hex())

	resp, env := f.request(http.MethodPost, "/api/contracts/repos?wait=true", token,
		map[string]string{"repo": "Octo/Hello", "metadataCid": "bafy123"})
	require.Equal(t, http.StatusOK, resp.StatusCode, env.Error)
	tx := decode[txResponse](t, env)
	assert.Equal(t, database.TxConfirmed, tx.Status)
	assert.NotZero(t, tx.BlockNumber)

	resp, env = f.request(http.MethodGet, "/api/contracts/repos/octo/hello", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	repo := decode[repoResponse](t, env)
	assert.True(t, repo.Registered)
	assert.Equal(t, operator, repo.OwnerAddress)
	assert.Equal(t, "bafy123", repo.MetadataCID)

	resp, env = f.request(http.MethodGet, "/api/contracts/repos?owner="+operator, "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	owned := decode[[]database.Repository](t, env)
	require.Len(t, owned, 1)
	assert.Equal(t, "octo/hello", owned[0].FullName)

	resp, env = f.request(http.MethodPost, "/api/contracts/pools/octo/hello/donate?wait=true", token,
		map[string]string{"amount": "1.5"})
	require.Equal(t, http.StatusOK, resp.StatusCode, env.Error)

	resp, env = f.request(http.MethodGet, "/api/contracts/pools/octo/hello", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	pool := decode[map[string]interface{}](t, env)
	assert.Equal(t, "1500000000000000000", pool["balanceWei"])
	assert.Equal(t, "1.5", pool["balance"])

	resp, env = f.request(http.MethodPost, "/api/contracts/bounties?wait=true", token,
		map[string]interface{}{"repo": "octo/hello", "issue": 7, "amount": "1"})
	require.Equal(t, http.StatusOK, resp.StatusCode, env.Error)

	resp, env = f.request(http.MethodGet, "/api/contracts/bounties/octo/hello/7", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode, env.Error)
	bounty := decode[database.Bounty](t, env)
	assert.Equal(t, "1", bounty.ID)
	assert.Equal(t, database.BountyOpen, bounty.Status)
	assert.Equal(t, "1000000000000000000", bounty.AmountWei)

	resp, env = f.request(http.MethodPost, "/api/contracts/bounties/1/release?wait=true", token,
		map[string]string{"contributor": contributor.Hex()})
	require.Equal(t, http.StatusOK, resp.StatusCode, env.Error)

	resp, env = f.request(http.MethodGet, "/api/contracts/bounties/octo/hello/7", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	bounty = decode[database.Bounty](t, env)
	assert.Equal(t, database.BountyReleased, bounty.Status)
	assert.Equal(t, strings.ToLower(contributor.Hex()), bounty.Contributor)

	// Releasing twice would revert at gas estimation.
	resp, env = f.request(http.MethodPost, "/api/contracts/bounties/1/release", token,
		map[string]string{"contributor": contributor.Hex()})
	assert.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)
	assert.Equal(t, "TX_REVERTED", env.Code)
}

func TestWriteWithoutWaitRecordsPendingTx(t *testing.T) {
	f := newFixture(t, fixtureOpts{})
	token, _ := f.walletLogin()

	resp, env := f.request(http.MethodPost, "/api/contracts/pools/octo/hello/donate", token,
		map[string]string{"amount": "0.25"})
	require.Equal(t, http.StatusAccepted, resp.StatusCode, env.Error)
	tx := decode[txResponse](t, env)
	assert.Equal(t, database.TxPending, tx.Status)
	assert.Equal(t, "donateToPool", tx.Kind)

	record, err := f.store.GetTx(context.Background(), tx.TxHash)
	require.NoError(t, err)
	assert.Equal(t, database.TxPending, record.Status)
	assert.Equal(t, strings.ToLower(escrowAddr.Hex()), record.To)

	resp, env = f.request(http.MethodGet, "/api/contracts/tx/"+tx.TxHash, "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	status := decode[database.TxRecord](t, env)
	assert.Equal(t, database.TxConfirmed, status.Status)
	assert.Equal(t, "donateToPool", status.Kind)
}

func TestWriteValidation(t *testing.T) {
	f := newFixture(t, fixtureOpts{})
	token, _ := f.walletLogin()

	tests := []struct {
		name string
		path string
		body interface{}
	}{
		{"bad repo", "/api/contracts/repos", map[string]string{"repo": "not a repo"}},
		{"zero donation", "/api/contracts/pools/octo/hello/donate", map[string]string{"amount": "0"}},
		{"too many decimals", "/api/contracts/pools/octo/hello/donate", map[string]string{"amount": "0.0000000000000000001"}},
		{"negative bounty", "/api/contracts/bounties", map[string]interface{}{"repo": "octo/hello", "issue": 1, "amount": "-1"}},
		{"missing issue", "/api/contracts/bounties", map[string]interface{}{"repo": "octo/hello", "amount": "1"}},
		{"bad contributor", "/api/contracts/bounties/1/release", map[string]string{"contributor": "0x0"}},
		{"unknown field", "/api/contracts/repos", map[string]string{"repo": "octo/hello", "owner": "x"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, env := f.request(http.MethodPost, tt.path, token, tt.body)
			assert.Equal(t, http.StatusBadRequest, resp.StatusCode, env.Error)
		})
	}
	assert.Empty(t, f.backend.Sent())
}

func TestWritesRequireAuth(t *testing.T) {
	f := newFixture(t, fixtureOpts{})
	resp, env := f.request(http.MethodPost, "/api/contracts/bounties/1/cancel", "", nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Equal(t, "UNAUTHORIZED", env.Code)
}

func TestWritesWithoutSigner(t *testing.T) {
	f := newFixture(t, fixtureOpts{noSigner: true})
	token, _ := f.walletLogin()
	resp, env := f.request(http.MethodPost, "/api/contracts/bounties/1/cancel", token, nil)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	assert.Equal(t, "UNAVAILABLE", env.Code)
}

func TestReadsFallBackToCacheWithoutChain(t *testing.T) {
	f := newFixture(t, fixtureOpts{noChain: true})
	ctx := context.Background()
	require.NoError(t, f.store.UpsertPool(ctx, &database.Pool{RepoFullName: "octo/hello", BalanceWei: "2000000000000000000"}))
	require.NoError(t, f.store.UpsertBounty(ctx, &database.Bounty{
		ID: "3", RepoFullName: "octo/hello", IssueNumber: 5, AmountWei: "10", Status: database.BountyOpen,
	}))

	resp, env := f.request(http.MethodGet, "/api/contracts/pools/octo/hello", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "2", decode[map[string]interface{}](t, env)["balance"])

	resp, env = f.request(http.MethodGet, "/api/contracts/bounties/octo/hello/5", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "3", decode[database.Bounty](t, env).ID)

	resp, _ = f.request(http.MethodGet, "/api/contracts/bounties/octo/hello/6", "", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, _ = f.request(http.MethodGet, "/api/contracts/repos/octo/hello", "", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, env = f.request(http.MethodGet, "/api/contracts/balance/"+contributor.Hex(), "", nil)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	assert.Equal(t, "UNAVAILABLE", env.Code)
}

func TestBalance(t *testing.T) {
	f := newFixture(t, fixtureOpts{})
	f.backend.SetBalance(contributor, new(big.Int).Mul(big.NewInt(3), big.NewInt(1e18)))

	resp, env := f.request(http.MethodGet, "/api/contracts/balance/"+contributor.Hex(), "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	bal := decode[map[string]string](t, env)
	assert.Equal(t, "3", bal["balance"])
	assert.Equal(t, strings.ToLower(contributor.Hex()), bal["address"])
}

func TestGetBountyNotFound(t *testing.T) {
	f := newFixture(t, fixtureOpts{})
	resp, env := f.request(http.MethodGet, "/api/contracts/bounties/octo/hello/1", "", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, "NOT_FOUND", env.Code)
}

// =============================================================================
// Transactions
// =============================================================================

func TestTxWait(t *testing.T) {
	f := newFixture(t, fixtureOpts{})
	ok := common.HexToHash("0x01")
	reverted := common.HexToHash("0x02")
	unknown := common.HexToHash("0x03")
	f.backend.AddReceipt(ok, 1)
	f.backend.AddReceipt(reverted, 0)

	resp, env := f.request(http.MethodPost, "/api/contracts/tx/"+ok.Hex()+"/wait", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode, env.Error)
	assert.Equal(t, database.TxConfirmed, decode[txResponse](t, env).Status)

	resp, env = f.request(http.MethodPost, "/api/contracts/tx/"+reverted.Hex()+"/wait", "", nil)
	assert.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)
	assert.Equal(t, "TX_REVERTED", env.Code)
	assert.Equal(t, strings.ToLower(reverted.Hex()), env.Details["txHash"])

	resp, env = f.request(http.MethodPost, "/api/contracts/tx/"+unknown.Hex()+"/wait?timeout=20ms", "", nil)
	assert.Equal(t, http.StatusGatewayTimeout, resp.StatusCode)
	assert.Equal(t, "TIMEOUT", env.Code)

	record, err := f.store.GetTx(context.Background(), strings.ToLower(reverted.Hex()))
	require.NoError(t, err)
	assert.Equal(t, database.TxReverted, record.Status)
	assert.Equal(t, "external", record.Kind)

	_, err = f.store.GetTx(context.Background(), strings.ToLower(unknown.Hex()))
	assert.True(t, database.IsNotFound(err), "timed-out wait on an unknown hash must not be stored")
}

func TestTxWaitShortTimeoutKeepsRecordPending(t *testing.T) {
	f := newFixture(t, fixtureOpts{})
	ctx := context.Background()
	fresh := common.HexToHash("0x0b")
	stale := common.HexToHash("0x0c")
	require.NoError(t, f.store.UpsertTx(ctx, &database.TxRecord{
		Hash: strings.ToLower(fresh.Hex()), Kind: "donateToPool", Status: database.TxPending, SubmittedAt: time.Now().UTC(),
	}))
	require.NoError(t, f.store.UpsertTx(ctx, &database.TxRecord{
		Hash: strings.ToLower(stale.Hex()), Kind: "donateToPool", Status: database.TxPending, SubmittedAt: time.Now().Add(-time.Minute).UTC(),
	}))

	resp, env := f.request(http.MethodPost, "/api/contracts/tx/"+fresh.Hex()+"/wait?timeout=1ms", "", nil)
	assert.Equal(t, http.StatusGatewayTimeout, resp.StatusCode)
	assert.Equal(t, "TIMEOUT", env.Code)

	record, err := f.store.GetTx(ctx, strings.ToLower(fresh.Hex()))
	require.NoError(t, err)
	assert.Equal(t, database.TxPending, record.Status)

	f.backend.AddReceipt(fresh, 1)
	pending, err := f.store.ListPendingTxs(ctx, 10)
	require.NoError(t, err)
	var hashes []string
	for _, p := range pending {
		hashes = append(hashes, p.Hash)
	}
	assert.Contains(t, hashes, strings.ToLower(fresh.Hex()))

	// A record older than the server's wait timeout is given up on.
	resp, _ = f.request(http.MethodPost, "/api/contracts/tx/"+stale.Hex()+"/wait?timeout=1ms", "", nil)
	assert.Equal(t, http.StatusGatewayTimeout, resp.StatusCode)
	record, err = f.store.GetTx(ctx, strings.ToLower(stale.Hex()))
	require.NoError(t, err)
	assert.Equal(t, database.TxTimeout, record.Status)
}

func TestTxStatus(t *testing.T) {
	f := newFixture(t, fixtureOpts{})
	hash := common.HexToHash("0x0a")

	resp, env := f.request(http.MethodGet, "/api/contracts/tx/"+hash.Hex(), "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, database.TxPending, decode[database.TxRecord](t, env).Status)

	f.backend.AddReceipt(hash, 0)
	resp, env = f.request(http.MethodGet, "/api/contracts/tx/"+hash.Hex(), "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	status := decode[database.TxRecord](t, env)
	assert.Equal(t, database.TxReverted, status.Status)
	assert.NotZero(t, status.BlockNumber)

	resp, env = f.request(http.MethodGet, "/api/contracts/tx/0x1234", "", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "VALIDATION_FAILED", env.Code)

	resp, env = f.request(http.MethodPost, "/api/contracts/tx/"+hash.Hex()+"/wait?timeout=soon", "", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}
