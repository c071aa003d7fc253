package httpapi

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"github.com/git-hunters/githunters/internal/cache"
	"github.com/git-hunters/githunters/internal/chain"
	"github.com/git-hunters/githunters/internal/database"
	svcerrors "github.com/git-hunters/githunters/internal/errors"
	"github.com/git-hunters/githunters/internal/github"
	"github.com/git-hunters/githunters/internal/httputil"
	"github.com/git-hunters/githunters/internal/middleware"
)

const (
	stateCookieName  = "gh_oauth_state"
	stateCachePrefix = "oauth:state:"
)

type authResponse struct {
	Token     string         `json:"token"`
	ExpiresAt time.Time      `json:"expiresAt"`
	User      *database.User `json:"user"`
}

func generateNonce() (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}

// SignInMessage is the text a wallet signs to log in.
func SignInMessage(address, nonce string) string {
	return fmt.Sprintf("Sign this message to authenticate with Git Hunters.\n\nAddress: %s\nNonce: %s", address, nonce)
}

// =============================================================================
// Wallet
// =============================================================================

func (s *Server) handleWalletNonce(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	address, err := chain.NormalizeAddress(r.URL.Query().Get("address"))
	if err != nil {
		s.fail(w, r, svcerrors.Validation("address", err.Error()))
		return
	}

	user, err := s.deps.Store.GetUserByAddress(ctx, address)
	if database.IsNotFound(err) {
		user = &database.User{ID: uuid.NewString(), Address: address}
	} else if err != nil {
		s.fail(w, r, err)
		return
	}

	nonce, err := generateNonce()
	if err != nil {
		s.fail(w, r, svcerrors.Internal("failed to generate nonce", err))
		return
	}
	user.Nonce = nonce
	if err := s.deps.Store.UpsertUser(ctx, user); err != nil {
		s.fail(w, r, err)
		return
	}

	httputil.WriteJSON(w, http.StatusOK, map[string]string{
		"nonce":   nonce,
		"message": SignInMessage(address, nonce),
	})
}

func (s *Server) handleWalletVerify(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var req struct {
		Address   string `json:"address"`
		Message   string `json:"message"`
		Signature string `json:"signature"`
	}
	if err := httputil.DecodeJSON(w, r, &req); err != nil {
		s.fail(w, r, err)
		return
	}
	if req.Message == "" || req.Signature == "" {
		s.fail(w, r, svcerrors.BadRequest("address, message and signature are required"))
		return
	}
	address, err := chain.NormalizeAddress(req.Address)
	if err != nil {
		s.fail(w, r, svcerrors.Validation("address", err.Error()))
		return
	}

	user, err := s.deps.Store.GetUserByAddress(ctx, address)
	if database.IsNotFound(err) {
		s.fail(w, r, svcerrors.Unauthorized("request a nonce first"))
		return
	} else if err != nil {
		s.fail(w, r, err)
		return
	}

	// The nonce is single use and must be part of the signed text.
	if user.Nonce == "" || !strings.Contains(req.Message, user.Nonce) {
		s.logger.LogSecurityEvent(ctx, "wallet_nonce_mismatch", map[string]interface{}{"address": address})
		s.fail(w, r, svcerrors.Unauthorized("invalid nonce"))
		return
	}
	if err := chain.VerifyPersonalSignature(address, req.Message, req.Signature); err != nil {
		s.logger.LogSecurityEvent(ctx, "wallet_signature_rejected", map[string]interface{}{
			"address": address,
			"error":   err.Error(),
		})
		s.fail(w, r, svcerrors.Unauthorized("invalid signature"))
		return
	}

	next, err := generateNonce()
	if err != nil {
		s.fail(w, r, svcerrors.Internal("failed to rotate nonce", err))
		return
	}
	user.Nonce = next
	if err := s.deps.Store.UpsertUser(ctx, user); err != nil {
		s.fail(w, r, err)
		return
	}

	s.issue(w, r, user, middleware.AuthMethodWallet)
}

func (s *Server) issue(w http.ResponseWriter, r *http.Request, user *database.User, method string) {
	token, expires, err := s.deps.Auth.Issue(r.Context(), user, method)
	if err != nil {
		s.fail(w, r, svcerrors.Internal("failed to issue token", err))
		return
	}
	httputil.WriteJSON(w, http.StatusOK, authResponse{Token: token, ExpiresAt: expires, User: user})
}

// =============================================================================
// GitHub OAuth
// =============================================================================

type pendingState struct {
	LinkUserID string `json:"linkUserId,omitempty"`
}

// handleGitHubStart begins the OAuth flow. A caller that is already signed
// in (e.g. with a wallet) gets the GitHub account linked to the same user.
func (s *Server) handleGitHubStart(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if s.deps.OAuth == nil {
		s.fail(w, r, svcerrors.Unavailable("github login not configured"))
		return
	}

	var pending pendingState
	if h := r.Header.Get("Authorization"); h != "" {
		token := strings.TrimSpace(strings.TrimPrefix(h, "Bearer "))
		claims, err := s.deps.Auth.Authenticate(ctx, token)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		pending.LinkUserID = claims.UserID
	}

	state, err := github.NewState()
	if err != nil {
		s.fail(w, r, svcerrors.Internal("failed to create oauth state", err))
		return
	}
	if err := cache.SetJSON(ctx, s.deps.Cache, stateCachePrefix+state, pending, s.opts.StateTTL); err != nil {
		s.fail(w, r, svcerrors.Internal("failed to store oauth state", err))
		return
	}

	http.SetCookie(w, &http.Cookie{
		Name:     stateCookieName,
		Value:    state,
		Path:     "/api/auth/github",
		MaxAge:   int(s.opts.StateTTL.Seconds()),
		HttpOnly: true,
		Secure:   s.opts.SecureCookies,
		SameSite: http.SameSiteLaxMode,
	})

	url := s.deps.OAuth.AuthCodeURL(state)
	if r.URL.Query().Get("mode") == "json" {
		httputil.WriteJSON(w, http.StatusOK, map[string]string{"url": url})
		return
	}
	http.Redirect(w, r, url, http.StatusFound)
}

func (s *Server) clearStateCookie(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name:     stateCookieName,
		Value:    "",
		Path:     "/api/auth/github",
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   s.opts.SecureCookies,
		SameSite: http.SameSiteLaxMode,
	})
}

func (s *Server) handleGitHubCallback(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if s.deps.OAuth == nil || s.deps.GitHub == nil {
		s.fail(w, r, svcerrors.Unavailable("github login not configured"))
		return
	}

	q := r.URL.Query()
	if e := q.Get("error"); e != "" {
		s.fail(w, r, svcerrors.Unauthorized("github authorization denied: "+e))
		return
	}
	state := q.Get("state")
	cookie, err := r.Cookie(stateCookieName)
	if state == "" || err != nil || cookie.Value != state {
		s.logger.LogSecurityEvent(ctx, "oauth_state_mismatch", nil)
		s.fail(w, r, svcerrors.BadRequest("invalid oauth state"))
		return
	}
	s.clearStateCookie(w)

	var pending pendingState
	ok, err := cache.TakeJSON(ctx, s.deps.Cache, stateCachePrefix+state, &pending)
	if err != nil {
		s.fail(w, r, svcerrors.Internal("failed to read oauth state", err))
		return
	}
	if !ok {
		s.fail(w, r, svcerrors.BadRequest("oauth state expired"))
		return
	}

	tok, err := s.deps.OAuth.Exchange(ctx, q.Get("code"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	ghUser, err := s.deps.GitHub.GetUser(ctx, tok.AccessToken)
	if err != nil {
		s.fail(w, r, err)
		return
	}

	user, err := s.resolveGitHubUser(r, pending.LinkUserID, ghUser)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	user.GitHubID = ghUser.ID
	user.GitHubLogin = ghUser.Login
	sealed, err := s.sealToken(tok.AccessToken, user.ID)
	if err != nil {
		s.fail(w, r, svcerrors.Internal("failed to seal token", err))
		return
	}
	user.GitHubToken = sealed
	if err := s.deps.Store.UpsertUser(ctx, user); err != nil {
		s.fail(w, r, err)
		return
	}

	s.issue(w, r, user, middleware.AuthMethodGitHub)
}

// resolveGitHubUser picks the user a GitHub login belongs to: the linking
// user if any, else the user already holding the GitHub id, else a new one.
func (s *Server) resolveGitHubUser(r *http.Request, linkUserID string, gh *github.User) (*database.User, error) {
	ctx := r.Context()
	existing, err := s.deps.Store.GetUserByGitHubID(ctx, gh.ID)
	if err != nil && !database.IsNotFound(err) {
		return nil, err
	}

	if linkUserID == "" {
		if existing != nil {
			return existing, nil
		}
		return &database.User{ID: uuid.NewString()}, nil
	}

	if existing != nil && existing.ID != linkUserID {
		return nil, svcerrors.Conflict("github account is linked to another user")
	}
	user, err := s.deps.Store.GetUser(ctx, linkUserID)
	if err != nil {
		return nil, err
	}
	return user, nil
}

func (s *Server) sealToken(token, userID string) (string, error) {
	if s.deps.Sealer == nil {
		return token, nil
	}
	return s.deps.Sealer.Seal(token, userID)
}

func (s *Server) openToken(user *database.User) (string, error) {
	if user.GitHubToken == "" {
		return "", svcerrors.Forbidden("github account not linked")
	}
	if s.deps.Sealer == nil {
		return user.GitHubToken, nil
	}
	token, err := s.deps.Sealer.Open(user.GitHubToken, user.ID)
	if err != nil {
		return "", svcerrors.Internal("failed to open github token", err)
	}
	return token, nil
}

// =============================================================================
// Session
// =============================================================================

func (s *Server) currentUser(r *http.Request) (*database.User, error) {
	claims, ok := middleware.ClaimsFromContext(r.Context())
	if !ok {
		return nil, svcerrors.Unauthorized("")
	}
	user, err := s.deps.Store.GetUser(r.Context(), claims.UserID)
	if database.IsNotFound(err) {
		return nil, svcerrors.Unauthorized("user no longer exists")
	}
	return user, err
}

func (s *Server) handleMe(w http.ResponseWriter, r *http.Request) {
	user, err := s.currentUser(r)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	claims, _ := middleware.ClaimsFromContext(r.Context())
	httputil.WriteJSON(w, http.StatusOK, map[string]interface{}{
		"user":         user,
		"githubLinked": user.GitHubToken != "",
		"authMethod":   claims.AuthMethod,
	})
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if err := s.deps.Auth.Revoke(ctx, middleware.TokenFromContext(ctx)); err != nil && !database.IsNotFound(err) {
		s.fail(w, r, err)
		return
	}
	s.forgetGitHubResponses(r)
	httputil.WriteJSON(w, http.StatusOK, map[string]bool{"loggedOut": true})
}

// forgetGitHubResponses drops the caller's cached repository list so the next
// login sees fresh permissions. Failures are logged only.
func (s *Server) forgetGitHubResponses(r *http.Request) {
	inv, ok := s.deps.GitHub.(github.Invalidator)
	if !ok {
		return
	}
	user, err := s.currentUser(r)
	if err != nil || user.GitHubToken == "" {
		return
	}
	token, err := s.openToken(user)
	if err == nil {
		err = inv.Invalidate(r.Context(), token)
	}
	if err != nil {
		s.logger.WithContext(r.Context()).WithError(err).Warn("failed to drop cached github responses")
	}
}

// =============================================================================
// GitHub data
// =============================================================================

type repoView struct {
	github.Repo
	Registered bool `json:"registered"`
}

func (s *Server) handleGitHubRepos(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	user, err := s.currentUser(r)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	token, err := s.openToken(user)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if s.deps.GitHub == nil {
		s.fail(w, r, svcerrors.Unavailable("github api not configured"))
		return
	}

	repos, err := s.deps.GitHub.ListRepos(ctx, token)
	if err != nil {
		s.fail(w, r, err)
		return
	}

	out := make([]repoView, 0, len(repos))
	for _, repo := range repos {
		_, err := s.deps.Store.GetRepository(ctx, strings.ToLower(repo.FullName))
		out = append(out, repoView{Repo: repo, Registered: err == nil})
	}
	httputil.WriteJSON(w, http.StatusOK, out)
}

type issueView struct {
	github.Issue
	Bounty *database.Bounty `json:"bounty,omitempty"`
}

func (s *Server) handleGitHubIssues(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	vars := mux.Vars(r)
	repo, err := chain.NormalizeRepo(vars["owner"] + "/" + vars["repo"])
	if err != nil {
		s.fail(w, r, svcerrors.Validation("repo", err.Error()))
		return
	}
	user, err := s.currentUser(r)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	token, err := s.openToken(user)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if s.deps.GitHub == nil {
		s.fail(w, r, svcerrors.Unavailable("github api not configured"))
		return
	}

	issues, err := s.deps.GitHub.ListIssues(ctx, token, repo)
	if err != nil {
		s.fail(w, r, err)
		return
	}

	bounties, err := s.deps.Store.ListBountiesByRepo(ctx, repo)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	byIssue := make(map[int64]*database.Bounty, len(bounties))
	for i := range bounties {
		b := &bounties[i]
		// Prefer an open bounty over historical ones for the same issue.
		if cur, ok := byIssue[b.IssueNumber]; !ok || cur.Status != database.BountyOpen {
			byIssue[b.IssueNumber] = b
		}
	}

	out := make([]issueView, 0, len(issues))
	for _, issue := range issues {
		out = append(out, issueView{Issue: issue, Bounty: byIssue[issue.Number]})
	}
	httputil.WriteJSON(w, http.StatusOK, out)
}
