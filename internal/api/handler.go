// Package api exposes the hub's HTTP surface: public payment acceptance and
// token verification, plus JWT-protected channel administration.
package api

import (
	"errors"
	"math/big"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/offchan/offchan/internal/auth"
	"github.com/offchan/offchan/internal/channel"
	"github.com/offchan/offchan/internal/manager"
	"github.com/offchan/offchan/internal/payment"
)

// Handler holds the HTTP handlers over the channel manager.
type Handler struct {
	account  string
	channels *manager.ChannelManager
	tokens   *auth.Service
	logger   *zap.Logger
}

// NewHandler creates an API handler. account is the hub's ledger account,
// used as the default party for admin operations.
func NewHandler(account string, channels *manager.ChannelManager, tokens *auth.Service, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{
		account:  account,
		channels: channels,
		tokens:   tokens,
		logger:   logger,
	}
}

// HealthCheck reports liveness.
func (h *Handler) HealthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":    "healthy",
		"account":   h.account,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

// AcceptPayment takes a wire payment and returns its redemption token.
// Invalid payments are answered with 402.
func (h *Handler) AcceptPayment(c *gin.Context) {
	var p payment.Payment
	if err := c.ShouldBindJSON(&p); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	token, err := h.channels.AcceptPayment(c.Request.Context(), &p)
	if err != nil {
		if errors.Is(err, manager.ErrPaymentNotValid) {
			c.JSON(http.StatusPaymentRequired, gin.H{"error": "payment is not valid"})
			return
		}
		h.logger.Error("failed to accept payment",
			zap.String("channel_id", p.ChannelID.String()),
			zap.Error(err),
		)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to accept payment"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"token": token})
}

// VerifyToken reports whether a redemption token was issued by this hub.
func (h *Handler) VerifyToken(c *gin.Context) {
	valid, err := h.channels.VerifyToken(c.Request.Context(), c.Param("token"))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to verify token"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"valid": valid})
}

// channelView is the JSON shape of a channel.
type channelView struct {
	ChannelID        string `json:"channelId"`
	Sender           string `json:"sender"`
	Receiver         string `json:"receiver"`
	Value            string `json:"value"`
	Spent            string `json:"spent"`
	State            string `json:"state"`
	TokenContract    string `json:"tokenContract,omitempty"`
	SettlementPeriod string `json:"settlementPeriod,omitempty"`
}

func viewOf(ch *channel.PaymentChannel) channelView {
	view := channelView{
		ChannelID:     ch.ChannelID.String(),
		Sender:        ch.Sender,
		Receiver:      ch.Receiver,
		Value:         ch.Value.String(),
		Spent:         ch.Spent.String(),
		State:         ch.State.String(),
		TokenContract: ch.TokenContract,
	}
	if ch.SettlementPeriod != nil {
		view.SettlementPeriod = ch.SettlementPeriod.String()
	}
	return view
}

// ListChannels returns every locally known channel.
func (h *Handler) ListChannels(c *gin.Context) {
	all, err := h.channels.Channels(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list channels"})
		return
	}
	views := make([]channelView, 0, len(all))
	for _, ch := range all {
		views = append(views, viewOf(ch))
	}
	c.JSON(http.StatusOK, gin.H{"channels": views})
}

// GetChannel resolves one channel, reconciling against the ledger.
func (h *Handler) GetChannel(c *gin.Context) {
	id, err := channel.ParseID(c.Param("channelId"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	ch, err := h.channels.ChannelByID(c.Request.Context(), id)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to resolve channel"})
		return
	}
	if ch == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "channel not found"})
		return
	}
	c.JSON(http.StatusOK, viewOf(ch))
}

// OpenChannelRequest is the admin open request.
type OpenChannelRequest struct {
	Receiver      string `json:"receiver" binding:"required"`
	Amount        string `json:"amount" binding:"required"`
	MinDeposit    string `json:"minDeposit"`
	TokenContract string `json:"tokenContract"`
}

// OpenChannel opens a channel from the hub account to a receiver.
func (h *Handler) OpenChannel(c *gin.Context) {
	var req OpenChannelRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	amount, ok := new(big.Int).SetString(req.Amount, 10)
	if !ok {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid amount"})
		return
	}
	var minDeposit *big.Int
	if req.MinDeposit != "" {
		minDeposit, ok = new(big.Int).SetString(req.MinDeposit, 10)
		if !ok {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid minDeposit"})
			return
		}
	}

	ch, err := h.channels.OpenChannel(c.Request.Context(), manager.OpenRequest{
		Sender:        h.adminAccount(c),
		Receiver:      req.Receiver,
		Amount:        amount,
		MinDeposit:    minDeposit,
		TokenContract: req.TokenContract,
	})
	if err != nil {
		h.logger.Error("failed to open channel", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to open channel"})
		return
	}
	c.JSON(http.StatusCreated, viewOf(ch))
}

// DepositRequest is the admin deposit request.
type DepositRequest struct {
	Value string `json:"value" binding:"required"`
}

// Deposit adds funds to a channel.
func (h *Handler) Deposit(c *gin.Context) {
	id, err := channel.ParseID(c.Param("channelId"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	var req DepositRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	value, ok := new(big.Int).SetString(req.Value, 10)
	if !ok {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid value"})
		return
	}

	if err := h.channels.Deposit(c.Request.Context(), id, value); err != nil {
		if errors.Is(err, manager.ErrChannelNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "channel not found"})
			return
		}
		h.logger.Error("failed to deposit", zap.String("channel_id", id.String()), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to deposit"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "deposited"})
}

// CloseChannel settles or claims a channel.
func (h *Handler) CloseChannel(c *gin.Context) {
	id, err := channel.ParseID(c.Param("channelId"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	result, err := h.channels.CloseChannel(c.Request.Context(), id)
	if err != nil {
		switch {
		case errors.Is(err, manager.ErrChannelNotFound):
			c.JSON(http.StatusNotFound, gin.H{"error": "channel not found"})
		case errors.Is(err, manager.ErrChannelAlreadySettled):
			c.JSON(http.StatusConflict, gin.H{"error": "channel already settled"})
		default:
			h.logger.Error("failed to close channel", zap.String("channel_id", id.String()), zap.Error(err))
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to close channel"})
		}
		return
	}
	c.JSON(http.StatusOK, gin.H{"txHash": result.TxHash})
}

// PayRequest is the admin pay request.
type PayRequest struct {
	Amount string `json:"amount" binding:"required"`
	Meta   string `json:"meta"`
}

// Pay builds, records and returns the next payment on a channel.
func (h *Handler) Pay(c *gin.Context) {
	id, err := channel.ParseID(c.Param("channelId"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	var req PayRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	amount, ok := new(big.Int).SetString(req.Amount, 10)
	if !ok {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid amount"})
		return
	}

	p, err := h.channels.NextPayment(c.Request.Context(), id, amount, req.Meta)
	if err != nil {
		switch {
		case errors.Is(err, manager.ErrChannelNotFound):
			c.JSON(http.StatusNotFound, gin.H{"error": "channel not found"})
		case errors.Is(err, manager.ErrInsufficientChannelValue):
			c.JSON(http.StatusConflict, gin.H{"error": "insufficient channel value"})
		default:
			h.logger.Error("failed to build payment", zap.String("channel_id", id.String()), zap.Error(err))
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to build payment"})
		}
		return
	}
	token, err := h.channels.SpendChannel(c.Request.Context(), p, "")
	if err != nil {
		h.logger.Error("failed to record payment", zap.String("channel_id", id.String()), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to record payment"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"token": token, "payment": p})
}

// adminAccount resolves the acting account: the authenticated claim when
// present, the hub account otherwise.
func (h *Handler) adminAccount(c *gin.Context) string {
	if account := c.GetString(contextAccountKey); account != "" {
		return account
	}
	return h.account
}
