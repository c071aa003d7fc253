package httpapi

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gorilla/mux"

	"github.com/git-hunters/githunters/internal/chain"
	"github.com/git-hunters/githunters/internal/database"
	svcerrors "github.com/git-hunters/githunters/internal/errors"
	"github.com/git-hunters/githunters/internal/httputil"
)

func txHashFromVars(r *http.Request) (common.Hash, string, error) {
	hash, err := chain.ParseTxHash(mux.Vars(r)["hash"])
	if err != nil {
		return common.Hash{}, "", svcerrors.Validation("hash", "must be a 0x-prefixed 32-byte hex string")
	}
	return hash, strings.ToLower(hash.Hex()), nil
}

// handleTxStatus performs one receipt lookup and merges it with the stored
// record, if any.
func (s *Server) handleTxStatus(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	hash, key, err := txHashFromVars(r)
	if err != nil {
		s.fail(w, r, err)
		return
	}

	record, err := s.deps.Store.GetTx(ctx, key)
	if database.IsNotFound(err) {
		record = nil
	} else if err != nil {
		s.fail(w, r, err)
		return
	}

	if s.deps.Chain == nil {
		if record == nil {
			s.fail(w, r, errNotFound("transaction", key))
			return
		}
		httputil.WriteJSON(w, http.StatusOK, record)
		return
	}

	res, pending, err := s.deps.Chain.ReceiptStatus(ctx, hash)
	if err != nil {
		s.fail(w, r, chainError(err))
		return
	}
	if record == nil {
		record = &database.TxRecord{Hash: key, Status: database.TxPending}
	}
	if !pending {
		record.BlockNumber = int64(res.BlockNumber)
		record.Status = database.TxConfirmed
		if !res.Succeeded() {
			record.Status = database.TxReverted
		}
	}
	httputil.WriteJSON(w, http.StatusOK, record)
}

// handleTxWait blocks until a transaction sent by any wallet is mined. The
// timeout query parameter is capped at the server's wait timeout.
func (s *Server) handleTxWait(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	hash, key, err := txHashFromVars(r)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if s.deps.Chain == nil {
		s.fail(w, r, errChainUnavailable)
		return
	}

	timeout := s.opts.TxWaitTimeout
	if v := r.URL.Query().Get("timeout"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil || d <= 0 {
			s.fail(w, r, svcerrors.Validation("timeout", "must be a positive duration such as 60s"))
			return
		}
		if d < timeout {
			timeout = d
		}
	}

	record, err := s.deps.Store.GetTx(ctx, key)
	unknown := database.IsNotFound(err)
	if unknown {
		record = &database.TxRecord{Hash: key, Kind: "external", Status: database.TxPending, SubmittedAt: time.Now().UTC()}
	} else if err != nil {
		s.fail(w, r, err)
		return
	}

	res, err := s.deps.Chain.WaitForReceipt(ctx, hash, s.opts.TxPollInterval, timeout)
	// Unknown hashes are only recorded once they have a receipt, so arbitrary hashes
	// cannot fill the store.
	if !(unknown && errors.Is(err, chain.ErrTxTimeout)) {
		s.resolve(ctx, record, res, err)
	}
	if err != nil {
		se := toServiceError(chainError(err))
		s.fail(w, r, se.WithDetails("txHash", key))
		return
	}
	httputil.WriteJSON(w, http.StatusOK, txResponse{
		TxHash:      key,
		Kind:        record.Kind,
		Status:      record.Status,
		BlockNumber: res.BlockNumber,
		GasUsed:     res.GasUsed,
	})
}
