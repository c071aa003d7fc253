package httpapi

import (
	"context"
	"errors"
	"math/big"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gorilla/mux"

	"github.com/git-hunters/githunters/internal/chain"
	"github.com/git-hunters/githunters/internal/database"
	svcerrors "github.com/git-hunters/githunters/internal/errors"
	"github.com/git-hunters/githunters/internal/events"
	"github.com/git-hunters/githunters/internal/httputil"
)

// txResponse is returned by every write endpoint.
type txResponse struct {
	TxHash      string `json:"txHash"`
	Kind        string `json:"kind"`
	Status      string `json:"status"`
	BlockNumber uint64 `json:"blockNumber,omitempty"`
	GasUsed     uint64 `json:"gasUsed,omitempty"`
}

func repoFromVars(r *http.Request) (string, error) {
	vars := mux.Vars(r)
	repo, err := chain.NormalizeRepo(vars["owner"] + "/" + vars["repo"])
	if err != nil {
		return "", svcerrors.Validation("repo", err.Error())
	}
	return repo, nil
}

func bountyIDFromVars(r *http.Request) (*big.Int, error) {
	id, ok := new(big.Int).SetString(mux.Vars(r)["id"], 10)
	if !ok || id.Sign() <= 0 {
		return nil, svcerrors.Validation("id", "must be a positive integer")
	}
	return id, nil
}

func parseAmount(field, amount string) (*big.Int, error) {
	wei, err := chain.ParseEther(amount)
	if err != nil {
		return nil, svcerrors.Validation(field, err.Error())
	}
	if wei.Sign() <= 0 {
		return nil, svcerrors.Validation(field, "must be greater than zero")
	}
	return wei, nil
}

func (s *Server) requireEscrow() error {
	if s.deps.Chain == nil || s.escrow == nil {
		return errChainUnavailable
	}
	return nil
}

func (s *Server) requireRegistry() error {
	if s.deps.Chain == nil || s.registry == nil {
		return errChainUnavailable
	}
	return nil
}

func (s *Server) requireSigner() error {
	if s.deps.Chain == nil {
		return errChainUnavailable
	}
	if !s.deps.Chain.HasSigner() {
		return svcerrors.Unavailable("operator signer not configured")
	}
	return nil
}

func wantsWait(r *http.Request) bool {
	v, err := strconv.ParseBool(r.URL.Query().Get("wait"))
	return err == nil && v
}

// submit broadcasts an operator transaction and either waits for its receipt
// (?wait=true) or records it pending for the reconciler and answers 202.
func (s *Server) submit(w http.ResponseWriter, r *http.Request, kind string, to common.Address, send func(ctx context.Context) (common.Hash, error)) {
	ctx := r.Context()
	if err := s.requireSigner(); err != nil {
		s.fail(w, r, err)
		return
	}

	hash, err := send(ctx)
	if err != nil {
		s.fail(w, r, chainError(err))
		return
	}

	record := &database.TxRecord{
		Hash:        strings.ToLower(hash.Hex()),
		Kind:        kind,
		To:          strings.ToLower(to.Hex()),
		Status:      database.TxPending,
		SubmittedAt: time.Now().UTC(),
	}
	if op, ok := s.deps.Chain.Operator(); ok {
		record.From = strings.ToLower(op.Hex())
	}
	if err := s.deps.Store.UpsertTx(ctx, record); err != nil {
		// The tx is already broadcast; the indexer still picks up its events.
		s.logger.WithContext(ctx).WithError(err).WithField("tx", record.Hash).Warn("failed to record pending transaction")
	}
	s.logger.WithContext(ctx).WithFields(map[string]interface{}{
		"tx":   record.Hash,
		"kind": kind,
	}).Info("transaction submitted")

	if !wantsWait(r) {
		httputil.WriteJSON(w, http.StatusAccepted, txResponse{TxHash: record.Hash, Kind: kind, Status: database.TxPending})
		return
	}

	res, err := s.deps.Chain.WaitForReceipt(ctx, hash, s.opts.TxPollInterval, s.opts.TxWaitTimeout)
	s.resolve(ctx, record, res, err)
	if err != nil {
		se := toServiceError(chainError(err))
		s.fail(w, r, se.WithDetails("txHash", record.Hash))
		return
	}
	httputil.WriteJSON(w, http.StatusOK, txResponse{
		TxHash:      record.Hash,
		Kind:        kind,
		Status:      record.Status,
		BlockNumber: res.BlockNumber,
		GasUsed:     res.GasUsed,
	})
}

// resolve stores and publishes the outcome of a receipt wait. Errors other
// than revert and timeout leave the record pending, as does a timeout on a
// record younger than the wait timeout.
func (s *Server) resolve(ctx context.Context, record *database.TxRecord, res *chain.TxResult, err error) {
	eventType := ""
	switch {
	case err == nil:
		record.Status = database.TxConfirmed
		eventType = events.TypeTxConfirmed
	case errors.Is(err, chain.ErrTxReverted):
		record.Status = database.TxReverted
		record.Error = "transaction reverted"
		eventType = events.TypeTxReverted
	case errors.Is(err, chain.ErrTxTimeout):
		// A caller-shortened wait says nothing about the tx itself; the
		// reconciler keeps polling until the record is older than the
		// server's wait timeout.
		if time.Since(record.SubmittedAt) < s.opts.TxWaitTimeout {
			return
		}
		record.Status = database.TxTimeout
		record.Error = "no receipt before deadline"
		eventType = events.TypeTxTimeout
	default:
		return
	}
	if res != nil {
		record.BlockNumber = int64(res.BlockNumber)
	}
	if record.Status != database.TxTimeout {
		now := time.Now().UTC()
		record.ConfirmedAt = &now
	}
	if uerr := s.deps.Store.UpsertTx(ctx, record); uerr != nil {
		s.logger.WithContext(ctx).WithError(uerr).WithField("tx", record.Hash).Warn("failed to record transaction outcome")
	}
	if s.deps.Hub != nil {
		s.deps.Hub.Publish(events.Event{
			Type:   eventType,
			TxHash: record.Hash,
			Block:  uint64(record.BlockNumber),
			Data:   record,
		})
	}
}

// =============================================================================
// Reads
// =============================================================================

func (s *Server) handleBalance(w http.ResponseWriter, r *http.Request) {
	if s.deps.Chain == nil {
		s.fail(w, r, errChainUnavailable)
		return
	}
	addr, err := chain.ParseAddress(mux.Vars(r)["address"])
	if err != nil {
		s.fail(w, r, svcerrors.Validation("address", err.Error()))
		return
	}
	wei, err := s.deps.Chain.BalanceAt(r.Context(), addr)
	if err != nil {
		s.fail(w, r, chainError(err))
		return
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]string{
		"address":    strings.ToLower(addr.Hex()),
		"balanceWei": wei.String(),
		"balance":    chain.FormatEther(wei),
	})
}

type repoResponse struct {
	database.Repository
	Registered bool `json:"registered"`
}

func (s *Server) handleGetRepo(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	repo, err := repoFromVars(r)
	if err != nil {
		s.fail(w, r, err)
		return
	}

	if s.registry == nil {
		cached, err := s.deps.Store.GetRepository(ctx, repo)
		if database.IsNotFound(err) {
			s.fail(w, r, errNotFound("repository", repo))
			return
		} else if err != nil {
			s.fail(w, r, err)
			return
		}
		httputil.WriteJSON(w, http.StatusOK, repoResponse{Repository: *cached, Registered: true})
		return
	}

	entry, err := s.registry.GetRepository(ctx, repo)
	if err != nil {
		s.fail(w, r, chainError(err))
		return
	}
	if !entry.Registered() {
		httputil.WriteJSON(w, http.StatusOK, repoResponse{Repository: database.Repository{FullName: repo}})
		return
	}

	out := database.Repository{
		FullName:     repo,
		OwnerAddress: strings.ToLower(entry.Owner.Hex()),
		MetadataCID:  entry.MetadataCID,
		Active:       entry.Active,
		UpdatedAt:    time.Now().UTC(),
	}
	if entry.RegisteredAt > 0 {
		out.RegisteredAt = time.Unix(int64(entry.RegisteredAt), 0).UTC()
	}
	if err := s.deps.Store.UpsertRepository(ctx, &out); err != nil {
		s.logger.WithContext(ctx).WithError(err).Warn("failed to cache repository")
	}
	httputil.WriteJSON(w, http.StatusOK, repoResponse{Repository: out, Registered: true})
}

func (s *Server) handleListRepos(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	owner, err := chain.NormalizeAddress(r.URL.Query().Get("owner"))
	if err != nil {
		s.fail(w, r, svcerrors.Validation("owner", err.Error()))
		return
	}

	if s.registry == nil {
		repos, err := s.deps.Store.ListRepositoriesByOwner(ctx, owner)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		httputil.WriteJSON(w, http.StatusOK, repos)
		return
	}

	names, err := s.registry.GetOwnerRepositories(ctx, common.HexToAddress(owner))
	if err != nil {
		s.fail(w, r, chainError(err))
		return
	}
	repos := make([]database.Repository, 0, len(names))
	for _, name := range names {
		repo := database.Repository{FullName: strings.ToLower(name), OwnerAddress: owner, Active: true}
		if cached, err := s.deps.Store.GetRepository(ctx, repo.FullName); err == nil {
			repo = *cached
		}
		repos = append(repos, repo)
	}
	httputil.WriteJSON(w, http.StatusOK, repos)
}

func (s *Server) handleGetPool(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	repo, err := repoFromVars(r)
	if err != nil {
		s.fail(w, r, err)
		return
	}

	if s.escrow == nil {
		pool, err := s.deps.Store.GetPool(ctx, repo)
		if database.IsNotFound(err) {
			pool = &database.Pool{RepoFullName: repo, BalanceWei: "0"}
		} else if err != nil {
			s.fail(w, r, err)
			return
		}
		s.writePool(w, pool)
		return
	}

	balance, err := s.escrow.GetPoolBalance(ctx, repo)
	if err != nil {
		s.fail(w, r, chainError(err))
		return
	}
	pool := &database.Pool{RepoFullName: repo, BalanceWei: balance.String(), UpdatedAt: time.Now().UTC()}
	if err := s.deps.Store.UpsertPool(ctx, pool); err != nil {
		s.logger.WithContext(ctx).WithError(err).Warn("failed to cache pool balance")
	}
	s.writePool(w, pool)
}

func (s *Server) writePool(w http.ResponseWriter, pool *database.Pool) {
	wei, ok := new(big.Int).SetString(pool.BalanceWei, 10)
	if !ok {
		wei = new(big.Int)
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]interface{}{
		"repo":       pool.RepoFullName,
		"balanceWei": wei.String(),
		"balance":    chain.FormatEther(wei),
		"updatedAt":  pool.UpdatedAt,
	})
}

func bountyFromChain(b *chain.Bounty) *database.Bounty {
	out := &database.Bounty{
		ID:           b.ID.String(),
		RepoFullName: strings.ToLower(b.Repo),
		IssueNumber:  int64(b.IssueNumber),
		AmountWei:    b.Amount.String(),
		Status:       b.Status.String(),
		UpdatedAt:    time.Now().UTC(),
	}
	if b.Contributor != (common.Address{}) {
		out.Contributor = strings.ToLower(b.Contributor.Hex())
	}
	if b.CreatedAt > 0 {
		out.CreatedAt = time.Unix(int64(b.CreatedAt), 0).UTC()
	}
	return out
}

func (s *Server) handleGetBounty(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	repo, err := repoFromVars(r)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	issue, err := strconv.ParseUint(mux.Vars(r)["issue"], 10, 64)
	if err != nil || issue == 0 {
		s.fail(w, r, svcerrors.Validation("issue", "must be a positive integer"))
		return
	}

	if s.escrow == nil {
		bounties, err := s.deps.Store.ListBountiesByRepo(ctx, repo)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		var found *database.Bounty
		for i := range bounties {
			b := &bounties[i]
			if b.IssueNumber == int64(issue) && (found == nil || b.Status == database.BountyOpen) {
				found = b
			}
		}
		if found == nil {
			s.fail(w, r, errNotFound("bounty", repo+"#"+strconv.FormatUint(issue, 10)))
			return
		}
		httputil.WriteJSON(w, http.StatusOK, found)
		return
	}

	onChain, err := s.escrow.FindBounty(ctx, repo, issue)
	if err != nil {
		s.fail(w, r, chainError(err))
		return
	}
	bounty := bountyFromChain(onChain)
	if err := s.deps.Store.UpsertBounty(ctx, bounty); err != nil {
		s.logger.WithContext(ctx).WithError(err).Warn("failed to cache bounty")
	}
	httputil.WriteJSON(w, http.StatusOK, bounty)
}

// =============================================================================
// Writes
// =============================================================================

func (s *Server) handleRegisterRepo(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Repo        string `json:"repo"`
		MetadataCID string `json:"metadataCid"`
	}
	if err := httputil.DecodeJSON(w, r, &req); err != nil {
		s.fail(w, r, err)
		return
	}
	repo, err := chain.NormalizeRepo(req.Repo)
	if err != nil {
		s.fail(w, r, svcerrors.Validation("repo", err.Error()))
		return
	}
	if err := s.requireRegistry(); err != nil {
		s.fail(w, r, err)
		return
	}
	s.submit(w, r, "registerRepository", s.registry.Address(), func(ctx context.Context) (common.Hash, error) {
		return s.registry.RegisterRepository(ctx, repo, strings.TrimSpace(req.MetadataCID))
	})
}

func (s *Server) handleDonate(w http.ResponseWriter, r *http.Request) {
	repo, err := repoFromVars(r)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	var req struct {
		Amount string `json:"amount"`
	}
	if err := httputil.DecodeJSON(w, r, &req); err != nil {
		s.fail(w, r, err)
		return
	}
	wei, err := parseAmount("amount", req.Amount)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if err := s.requireEscrow(); err != nil {
		s.fail(w, r, err)
		return
	}
	s.submit(w, r, "donateToPool", s.escrow.Address(), func(ctx context.Context) (common.Hash, error) {
		return s.escrow.DonateToPool(ctx, repo, wei)
	})
}

func (s *Server) handleCreateBounty(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Repo   string `json:"repo"`
		Issue  uint64 `json:"issue"`
		Amount string `json:"amount"`
	}
	if err := httputil.DecodeJSON(w, r, &req); err != nil {
		s.fail(w, r, err)
		return
	}
	repo, err := chain.NormalizeRepo(req.Repo)
	if err != nil {
		s.fail(w, r, svcerrors.Validation("repo", err.Error()))
		return
	}
	if req.Issue == 0 {
		s.fail(w, r, svcerrors.Validation("issue", "must be a positive integer"))
		return
	}
	wei, err := parseAmount("amount", req.Amount)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if err := s.requireEscrow(); err != nil {
		s.fail(w, r, err)
		return
	}
	s.submit(w, r, "createBounty", s.escrow.Address(), func(ctx context.Context) (common.Hash, error) {
		return s.escrow.CreateBounty(ctx, repo, req.Issue, wei)
	})
}

func (s *Server) handleReleaseBounty(w http.ResponseWriter, r *http.Request) {
	id, err := bountyIDFromVars(r)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	var req struct {
		Contributor string `json:"contributor"`
	}
	if err := httputil.DecodeJSON(w, r, &req); err != nil {
		s.fail(w, r, err)
		return
	}
	contributor, err := chain.ParseAddress(req.Contributor)
	if err != nil {
		s.fail(w, r, svcerrors.Validation("contributor", err.Error()))
		return
	}
	if err := s.requireEscrow(); err != nil {
		s.fail(w, r, err)
		return
	}
	s.submit(w, r, "releaseBounty", s.escrow.Address(), func(ctx context.Context) (common.Hash, error) {
		return s.escrow.ReleaseBounty(ctx, id, contributor)
	})
}

func (s *Server) handleCancelBounty(w http.ResponseWriter, r *http.Request) {
	id, err := bountyIDFromVars(r)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if err := s.requireEscrow(); err != nil {
		s.fail(w, r, err)
		return
	}
	s.submit(w, r, "cancelBounty", s.escrow.Address(), func(ctx context.Context) (common.Hash, error) {
		return s.escrow.CancelBounty(ctx, id)
	})
}
