package transport

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	gwruntime "github.com/grpc-ecosystem/grpc-gateway/v2/runtime"
	"go.uber.org/zap"
)

type tipResponse struct {
	Hash   string `json:"hash"`
	Height uint64 `json:"height"`
}

type cycleResponse struct {
	Started    time.Time    `json:"started"`
	DurationMS int64        `json:"duration_ms"`
	ForkHeight int64        `json:"fork_height"`
	Applied    int          `json:"applied"`
	RolledBack int          `json:"rolled_back"`
	Tip        *tipResponse `json:"tip,omitempty"`
	Error      string       `json:"error,omitempty"`
}

type statusResponse struct {
	State     string         `json:"state"`
	LastCycle *cycleResponse `json:"last_cycle,omitempty"`
}

type blockResponse struct {
	Hash     string    `json:"hash"`
	PrevHash string    `json:"prev_hash"`
	Height   uint64    `json:"height"`
	Time     time.Time `json:"time"`
}

type transactionResponse struct {
	TxID   string    `json:"txid"`
	Amount int64     `json:"amount"`
	Time   time.Time `json:"time"`
}

type orphanResponse struct {
	blockResponse
	TxCount    uint32    `json:"tx_count"`
	OrphanedAt time.Time `json:"orphaned_at"`
}

type errorResponse struct {
	Error string `json:"error"`
}

type restHandler struct {
	status  Status
	blocks  Blocks
	orphans Orphans
	logger  *zap.Logger
}

// NewRESTHandler serves the mirror's status and committed blocks.
// orphans may be nil, in which case /v1/orphans is not routed.
func NewRESTHandler(status Status, blocks Blocks, orphans Orphans, logger *zap.Logger) (http.Handler, error) {
	h := &restHandler{status: status, blocks: blocks, orphans: orphans, logger: logger.Named("rest")}

	routes := map[string]gwruntime.HandlerFunc{
		"/v1/tip":                        h.tip,
		"/v1/status":                     h.state,
		"/v1/blocks/{height}":            h.block,
		"/v1/blocks/{hash}/transactions": h.transactions,
	}
	if orphans != nil {
		routes["/v1/orphans/{height}"] = h.orphaned
	}

	mux := gwruntime.NewServeMux()
	for path, fn := range routes {
		if err := mux.HandlePath(http.MethodGet, path, fn); err != nil {
			return nil, err
		}
	}
	return mux, nil
}

func (h *restHandler) tip(w http.ResponseWriter, r *http.Request, _ map[string]string) {
	tip, err := h.status.CurrentTip(r.Context())
	if err != nil {
		h.unavailable(w, "read tip", err)
		return
	}
	if tip == nil {
		h.write(w, http.StatusNotFound, errorResponse{Error: "mirror is empty"})
		return
	}
	h.write(w, http.StatusOK, tipResponse{Hash: tip.Hash, Height: tip.Height})
}

func (h *restHandler) state(w http.ResponseWriter, _ *http.Request, _ map[string]string) {
	resp := statusResponse{State: h.status.State().String()}

	res, err := h.status.LastResult()
	if res != nil {
		c := &cycleResponse{
			Started:    res.Started,
			DurationMS: res.Duration.Milliseconds(),
			ForkHeight: res.Plan.ForkHeight,
			Applied:    res.Applied,
			RolledBack: len(res.RolledBack),
		}
		if res.Tip != nil {
			c.Tip = &tipResponse{Hash: res.Tip.Hash, Height: res.Tip.Height}
		}
		if err != nil {
			c.Error = err.Error()
		}
		resp.LastCycle = c
	}
	h.write(w, http.StatusOK, resp)
}

func (h *restHandler) block(w http.ResponseWriter, r *http.Request, params map[string]string) {
	height, ok := h.height(w, params)
	if !ok {
		return
	}
	block, err := h.blocks.BlockByHeight(r.Context(), height)
	if err != nil {
		h.unavailable(w, "read block", err)
		return
	}
	if block == nil {
		h.write(w, http.StatusNotFound, errorResponse{Error: "block not found"})
		return
	}
	h.write(w, http.StatusOK, blockResponse{Hash: block.Hash, PrevHash: block.PrevHash, Height: block.Height, Time: block.Time})
}

func (h *restHandler) transactions(w http.ResponseWriter, r *http.Request, params map[string]string) {
	txs, err := h.blocks.TransactionsByBlock(r.Context(), params["hash"])
	if err != nil {
		h.unavailable(w, "read transactions", err)
		return
	}
	resp := make([]transactionResponse, len(txs))
	for i, tx := range txs {
		resp[i] = transactionResponse{TxID: tx.TxID, Amount: tx.Amount, Time: tx.Time}
	}
	h.write(w, http.StatusOK, resp)
}

func (h *restHandler) orphaned(w http.ResponseWriter, r *http.Request, params map[string]string) {
	height, ok := h.height(w, params)
	if !ok {
		return
	}
	blocks, err := h.orphans.OrphanedBlocks(r.Context(), height)
	if err != nil {
		h.unavailable(w, "read orphaned blocks", err)
		return
	}
	resp := make([]orphanResponse, len(blocks))
	for i, o := range blocks {
		resp[i] = orphanResponse{
			blockResponse: blockResponse{Hash: o.Block.Hash, PrevHash: o.Block.PrevHash, Height: o.Block.Height, Time: o.Block.Time},
			TxCount:       o.TxCount,
			OrphanedAt:    o.OrphanedAt,
		}
	}
	h.write(w, http.StatusOK, resp)
}

func (h *restHandler) height(w http.ResponseWriter, params map[string]string) (uint64, bool) {
	height, err := strconv.ParseUint(params["height"], 10, 64)
	if err != nil {
		h.write(w, http.StatusBadRequest, errorResponse{Error: "height must be a non-negative integer"})
		return 0, false
	}
	return height, true
}

func (h *restHandler) unavailable(w http.ResponseWriter, op string, err error) {
	h.logger.Warn(op+" failed", zap.Error(err))
	h.write(w, http.StatusServiceUnavailable, errorResponse{Error: err.Error()})
}

func (h *restHandler) write(w http.ResponseWriter, code int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		h.logger.Warn("write response failed", zap.Error(err))
	}
}
