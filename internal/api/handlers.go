package api

import (
	"encoding/json"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	checkoutctx "github.com/yourorg/nursery-checkout/internal/context"
	"github.com/yourorg/nursery-checkout/internal/gateway"
	"github.com/yourorg/nursery-checkout/internal/monitor"
	"github.com/yourorg/nursery-checkout/internal/order"
	"github.com/yourorg/nursery-checkout/internal/orchestrator"
)

const sessionKey = "checkout.session"

type startSessionRequest struct {
	Cart     order.CartSnapshot  `json:"cart"`
	Shipping *order.ShippingInfo `json:"shipping,omitempty"`
}

type payRequest struct {
	Gateway gateway.Kind `json:"gateway"`
}

type confirmCardRequest struct {
	PaymentMethodID string `json:"paymentMethodId"`
}

type approveWalletRequest struct {
	OrderID string `json:"orderId"`
	PayerID string `json:"payerId"`
}

// bind validates the raw body against contract and decodes it into dst.
func (s *Server) bind(c *gin.Context, contract string, dst interface{}) bool {
	body, err := c.GetRawData()
	if err != nil {
		badRequest(c, "Invalid request format: "+err.Error())
		return false
	}
	valid, problems, err := s.contracts.Validate(contract, body)
	if err != nil {
		badRequest(c, "Invalid request format: "+err.Error())
		return false
	}
	if !valid {
		c.AbortWithStatusJSON(http.StatusBadRequest, errorBody{
			Error:    "Invalid request format: " + monitor.FormatErrors(problems),
			Code:     "bad_request",
			Problems: problems,
		})
		return false
	}
	if err := json.Unmarshal(body, dst); err != nil {
		badRequest(c, "Invalid request format: "+err.Error())
		return false
	}
	return true
}

// loadSession resolves :id and rejects sessions of other buyers as not
// found.
func (s *Server) loadSession() gin.HandlerFunc {
	return func(c *gin.Context) {
		o, err := s.registry.Get(c.Param("id"))
		if err == nil && o.Customer().ID != buyerFrom(c).Customer.ID {
			err = orchestrator.ErrSessionNotFound
		}
		if err != nil {
			writeError(c, err, nil)
			return
		}
		tc := checkoutctx.FromContext(c.Request.Context()).With("session_id", o.ID())
		c.Request = c.Request.WithContext(checkoutctx.WithTraceContext(c.Request.Context(), tc))
		c.Set(sessionKey, o)
		c.Next()
	}
}

func sessionFrom(c *gin.Context) *orchestrator.Orchestrator {
	return c.MustGet(sessionKey).(*orchestrator.Orchestrator)
}

// respond writes the session snapshot, or the error with the snapshot.
func respond(c *gin.Context, o *orchestrator.Orchestrator, err error) {
	if err != nil {
		writeError(c, err, o)
		return
	}
	c.JSON(http.StatusOK, o.Snapshot())
}

func (s *Server) startSession(c *gin.Context) {
	var req startSessionRequest
	if !s.bind(c, monitor.ContractStartSession, &req) {
		return
	}
	o := s.registry.Start(req.Cart, buyerFrom(c).Customer)
	if req.Shipping != nil {
		if err := o.UpdateShipping(*req.Shipping); err != nil {
			writeError(c, err, o)
			return
		}
	}
	s.logger.Info("API: checkout session started", append(checkoutctx.FromContext(c.Request.Context()).Fields(),
		zap.String("session_id", o.ID()), zap.Int("items", len(req.Cart.Items)))...)
	c.JSON(http.StatusCreated, o.Snapshot())
}

func (s *Server) getSession(c *gin.Context) {
	c.JSON(http.StatusOK, sessionFrom(c).Snapshot())
}

func (s *Server) updateShipping(c *gin.Context) {
	var info order.ShippingInfo
	if !s.bind(c, monitor.ContractShipping, &info) {
		return
	}
	o := sessionFrom(c)
	respond(c, o, o.UpdateShipping(info))
}

func (s *Server) proceed(c *gin.Context) {
	o := sessionFrom(c)
	_, err := o.Proceed(c.Request.Context())
	respond(c, o, err)
}

func (s *Server) pay(c *gin.Context) {
	var req payRequest
	if !s.bind(c, monitor.ContractPay, &req) {
		return
	}
	o := sessionFrom(c)
	_, err := o.Pay(c.Request.Context(), req.Gateway)
	respond(c, o, err)
}

func (s *Server) handOff(c *gin.Context) {
	o := sessionFrom(c)
	_, err := o.HandOff()
	respond(c, o, err)
}

func (s *Server) confirmCard(c *gin.Context) {
	var req confirmCardRequest
	if !s.bind(c, monitor.ContractConfirmCard, &req) {
		return
	}
	o := sessionFrom(c)
	_, err := o.ConfirmCard(c.Request.Context(), gateway.PaymentMethodDetails{PaymentMethodID: req.PaymentMethodID})
	respond(c, o, err)
}

func (s *Server) approveWallet(c *gin.Context) {
	var req approveWalletRequest
	if !s.bind(c, monitor.ContractApproveWallet, &req) {
		return
	}
	o := sessionFrom(c)
	_, err := o.ApproveWallet(c.Request.Context(), gateway.Approval{ExternalOrderID: req.OrderID, PayerID: req.PayerID})
	respond(c, o, err)
}

func (s *Server) returnFromGateway(c *gin.Context) {
	o := sessionFrom(c)
	_, err := o.ReturnFromGateway()
	respond(c, o, err)
}

func (s *Server) retry(c *gin.Context) {
	o := sessionFrom(c)
	respond(c, o, o.RetryPayment())
}

func (s *Server) cancel(c *gin.Context) {
	o := sessionFrom(c)
	respond(c, o, o.Cancel(c.Request.Context()))
}

func (s *Server) detach(c *gin.Context) {
	sessionFrom(c).Detach()
	c.Status(http.StatusNoContent)
}

// webhook applies a server-to-server gateway notification. Only a verified
// notification can move an order to paid.
func (s *Server) webhook(c *gin.Context) {
	kind, err := gateway.ParseKind(c.Param("gateway"))
	if err != nil {
		c.AbortWithStatusJSON(http.StatusNotFound, errorBody{Error: err.Error(), Code: "not_found"})
		return
	}
	body, err := c.GetRawData()
	if err != nil {
		badRequest(c, "Invalid request format: "+err.Error())
		return
	}
	if kind == gateway.LocalGatewayA || kind == gateway.LocalGatewayB {
		valid, problems, err := s.contracts.Validate(monitor.ContractLocalPayNotification, body)
		if err != nil || !valid {
			s.logger.Warn("API: webhook failed contract validation", zap.String("gateway", string(kind)), zap.Strings("problems", problems))
			badRequest(c, "Invalid notification: "+monitor.FormatErrors(problems))
			return
		}
	}

	n, err := s.notifications.ParseNotification(kind, c.Request.Header, body)
	if err != nil {
		s.logger.Warn("API: webhook rejected", zap.String("gateway", string(kind)), zap.Error(err))
		writeError(c, err, nil)
		return
	}
	res, err := s.reconciler.Apply(c.Request.Context(), n)
	if err != nil {
		s.logger.Error("API: webhook not applied", zap.String("gateway", string(kind)), zap.String("order_id", n.OrderID), zap.Error(err))
		writeError(c, err, nil)
		return
	}
	c.JSON(http.StatusOK, res)
}

func (s *Server) healthCheck(c *gin.Context) {
	body := gin.H{"status": "ok", "sessions": s.registry.Len()}
	if s.health != nil {
		body["gateways"] = s.health.Status()
	}
	c.JSON(http.StatusOK, body)
}

func (s *Server) retrospective(c *gin.Context) {
	entries := s.journal.Entries(c.Query("session"))
	c.JSON(http.StatusOK, s.reporter.GenerateRetrospective(entries))
}

func (s *Server) cancelOrder(c *gin.Context) {
	o, err := s.orders.Cancel(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err, nil)
		return
	}
	s.logger.Info("API: order cancelled by admin", zap.String("order_id", o.ID))
	c.JSON(http.StatusOK, o)
}
