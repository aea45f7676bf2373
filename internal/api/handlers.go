/**
 * @description
 * This file contains the HTTP handlers for the wallet-service's API endpoints.
 * Handlers are responsible for parsing incoming requests, calling the appropriate
 * methods on the application service, and writing the HTTP response. They act as
 * the bridge between the web layer and the business logic layer.
 *
 * Error mapping follows the taxonomy of the transfer engine: unresolved
 * addresses map to 404, validation and business-outcome failures to 400,
 * authentication failures to 401. Infrastructure failures surface as 500 and
 * the caller should retry the whole request.
 *
 * @dependencies
 * - encoding/json, log, net/http: Standard Go libraries.
 * - internal/app, internal/domain, internal/store: For service logic, models, and custom errors.
 */

package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"

	"github.com/flowpay/wallet-service/internal/app"
	"github.com/flowpay/wallet-service/internal/domain"
	"github.com/flowpay/wallet-service/internal/store"
)

// WalletHandlers holds the application service that handlers will use.
type WalletHandlers struct {
	service *app.Service
}

// NewWalletHandlers creates a new instance of WalletHandlers.
func NewWalletHandlers(service *app.Service) *WalletHandlers {
	return &WalletHandlers{service: service}
}

// transferResponse is sent back to the client once a transfer attempt reaches a
// terminal state. For business-outcome failures the committed FAILED record is
// included alongside the error message so clients can show the audit entry.
type transferResponse struct {
	Message     string                    `json:"message,omitempty"`
	Error       string                    `json:"error,omitempty"`
	Transaction *domain.TransactionRecord `json:"transaction,omitempty"`
}

// OpenAccountHandler handles requests to open a new wallet account.
func (h *WalletHandlers) OpenAccountHandler(w http.ResponseWriter, r *http.Request) {
	var req domain.OpenAccountRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		log.Printf("level=warn component=api endpoint=open_account outcome=reject reason=invalid_json err=%v", err)
		h.writeError(w, http.StatusBadRequest, fmt.Sprintf("Invalid request body: %v", err))
		return
	}

	account, err := h.service.OpenAccount(r.Context(), req)
	if err != nil {
		switch {
		case errors.Is(err, store.ErrAddressTaken):
			h.writeError(w, http.StatusConflict, "Payment address already in use.")
		case errors.Is(err, app.ErrOwnerNameRequired),
			errors.Is(err, app.ErrInvalidEmail),
			errors.Is(err, app.ErrAddressRequired),
			errors.Is(err, app.ErrInvalidPINFormat):
			h.writeError(w, http.StatusBadRequest, err.Error())
		default:
			log.Printf("level=error component=api endpoint=open_account outcome=failed err=%v", err)
			h.writeError(w, http.StatusInternalServerError, "Could not open account.")
		}
		return
	}

	log.Printf("level=info component=api endpoint=open_account outcome=created account_id=%s", account.ID)
	h.writeJSON(w, http.StatusCreated, account)
}

// TransferHandler handles fund transfer requests from the authenticated account.
func (h *WalletHandlers) TransferHandler(w http.ResponseWriter, r *http.Request) {
	senderID, ok := GetAccountID(r.Context())
	if !ok {
		h.writeError(w, http.StatusInternalServerError, "Could not get account ID from context")
		return
	}

	var req domain.TransferRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		log.Printf("level=warn component=api endpoint=transfer outcome=reject reason=invalid_json err=%v", err)
		h.writeError(w, http.StatusBadRequest, fmt.Sprintf("Invalid request body: %v", err))
		return
	}

	record, err := h.service.Transfer(r.Context(), senderID, req)
	if err != nil {
		log.Printf("level=warn component=api endpoint=transfer outcome=failed sender_id=%s err=%v", senderID, err)
		switch {
		case errors.Is(err, app.ErrReceiverNotFound):
			h.writeError(w, http.StatusNotFound, "Receiver address not found.")
		case errors.Is(err, store.ErrAccountNotFound):
			// The authenticated sender has no account row. The token is valid
			// but stale; this is not a bad receiver address.
			h.writeError(w, http.StatusNotFound, "Account not found.")
		case errors.Is(err, app.ErrInvalidAmount), errors.Is(err, app.ErrSelfTransfer):
			h.writeError(w, http.StatusBadRequest, err.Error())
		case errors.Is(err, app.ErrInvalidPIN):
			h.writeError(w, http.StatusUnauthorized, "Invalid transaction PIN.")
		case errors.Is(err, app.ErrTransferRateLimited):
			h.writeError(w, http.StatusTooManyRequests, "Too many transfer attempts. Please wait and try again.")
		case errors.Is(err, store.ErrInsufficientBalance):
			h.writeJSON(w, http.StatusBadRequest, transferResponse{
				Error:       store.ErrInsufficientBalance.Error(),
				Transaction: record,
			})
		case record != nil:
			// An aborted unit still commits a FAILED audit record; return it
			// alongside the error so clients can show the entry.
			h.writeJSON(w, http.StatusInternalServerError, transferResponse{
				Error:       "Transfer could not be processed. Please retry.",
				Transaction: record,
			})
		default:
			h.writeError(w, http.StatusInternalServerError, "Transfer could not be processed. Please retry.")
		}
		return
	}

	h.writeJSON(w, http.StatusCreated, transferResponse{
		Message:     "Transfer successful",
		Transaction: record,
	})
}

// HistoryHandler returns the transaction history projection for the
// authenticated account, filtered by type and status query parameters.
func (h *WalletHandlers) HistoryHandler(w http.ResponseWriter, r *http.Request) {
	accountID, ok := GetAccountID(r.Context())
	if !ok {
		h.writeError(w, http.StatusInternalServerError, "Could not get account ID from context")
		return
	}

	entries, err := h.service.History(r.Context(), accountID,
		r.URL.Query().Get("type"), r.URL.Query().Get("status"))
	if err != nil {
		if errors.Is(err, app.ErrInvalidHistoryFilter) {
			h.writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		if errors.Is(err, store.ErrAccountNotFound) {
			h.writeError(w, http.StatusNotFound, "Account not found.")
			return
		}
		log.Printf("level=error component=api endpoint=history outcome=failed account_id=%s err=%v", accountID, err)
		h.writeError(w, http.StatusInternalServerError, "Could not retrieve transaction history.")
		return
	}

	h.writeJSON(w, http.StatusOK, entries)
}

// BalanceHandler returns the current balance for the authenticated account.
func (h *WalletHandlers) BalanceHandler(w http.ResponseWriter, r *http.Request) {
	accountID, ok := GetAccountID(r.Context())
	if !ok {
		h.writeError(w, http.StatusInternalServerError, "Could not get account ID from context")
		return
	}

	balance, err := h.service.Balance(r.Context(), accountID)
	if err != nil {
		if errors.Is(err, store.ErrAccountNotFound) {
			h.writeError(w, http.StatusNotFound, "Account not found.")
			return
		}
		log.Printf("level=error component=api endpoint=balance outcome=failed account_id=%s err=%v", accountID, err)
		h.writeError(w, http.StatusInternalServerError, "Could not retrieve balance.")
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]interface{}{"balance": balance})
}

// writeJSON is a helper for writing JSON responses.
func (h *WalletHandlers) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if data != nil {
		json.NewEncoder(w).Encode(data)
	}
}

// writeError is a helper for writing JSON error responses.
func (h *WalletHandlers) writeError(w http.ResponseWriter, status int, message string) {
	h.writeJSON(w, status, map[string]string{"error": message})
}
