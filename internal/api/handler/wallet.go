package handler

import (
	"net/http"

	"github.com/ayo6706/dispatch-ledger/internal/service"
)

// WalletHandler serves balances and statements. Workers see their own wallet.
type WalletHandler struct {
	wallet *service.WalletService
}

func NewWalletHandler(wallet *service.WalletService) *WalletHandler {
	return &WalletHandler{wallet: wallet}
}

// GetBalance handles GET /v1/users/{id}/wallet.
func (h *WalletHandler) GetBalance(w http.ResponseWriter, r *http.Request) {
	userID, ok := pathUUID(w, r, "id")
	if !ok || !ownerOrAdmin(w, r, userID) {
		return
	}
	balance, err := h.wallet.Balance(r.Context(), userID)
	if err != nil {
		RespondServiceError(w, r, err, "get wallet balance")
		return
	}
	RespondJSON(w, http.StatusOK, balance)
}

// GetStatement handles GET /v1/users/{id}/wallet/statement?page=&size=.
func (h *WalletHandler) GetStatement(w http.ResponseWriter, r *http.Request) {
	userID, ok := pathUUID(w, r, "id")
	if !ok || !ownerOrAdmin(w, r, userID) {
		return
	}
	page, err := queryInt(r, "page", 1)
	if err != nil {
		RespondError(w, r, http.StatusBadRequest, "request/invalid-page", err.Error())
		return
	}
	size, err := queryInt(r, "size", 50)
	if err != nil {
		RespondError(w, r, http.StatusBadRequest, "request/invalid-size", err.Error())
		return
	}

	txs, err := h.wallet.Statement(r.Context(), userID, page, size)
	if err != nil {
		RespondServiceError(w, r, err, "get wallet statement")
		return
	}
	RespondJSON(w, http.StatusOK, map[string]any{
		"items": txs,
		"page":  page,
		"size":  size,
		"count": len(txs),
	})
}
