package api

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"wylloh/pkg/crypto"
	"wylloh/pkg/models"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/gin-gonic/gin"
)

type storeKeyRequest struct {
	// Key is the hex content key. A fresh key is generated when empty.
	Key string `json:"key"`
}

type grantRequest struct {
	Principal string     `json:"principal" binding:"required"`
	Level     string     `json:"level" binding:"required"`
	ExpiresAt *time.Time `json:"expiresAt"`
	ExpiresIn string     `json:"expiresIn"`
}

type recoveryRequest struct {
	Key string `json:"key"`
}

type purchaseRequest struct {
	Principal      string                        `json:"principal"`
	Quantity       int64                         `json:"quantity"`
	TxHash         string                        `json:"txHash"`
	RawTx          string                        `json:"rawTx"`
	Classification *models.ContentClassification `json:"classification"`
}

// bindOptionalJSON binds a request body that may be absent.
func bindOptionalJSON(c *gin.Context, obj interface{}) error {
	if err := c.ShouldBindJSON(obj); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

// storeKey keys the content and makes the caller its owner.
func (s *Server) storeKey(c *gin.Context) {
	owner, ok := s.principal(c)
	if !ok {
		return
	}
	var req storeKeyRequest
	if err := bindOptionalJSON(c, &req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	generated := req.Key == ""
	var (
		key crypto.ContentKey
		err error
	)
	if generated {
		key, err = crypto.GenerateContentKey()
	} else {
		key, err = crypto.ParseContentKey(req.Key)
	}
	if err != nil {
		s.respondError(c, "store key", err)
		return
	}
	defer crypto.Zero(key)

	contentID := c.Param("id")
	if err := s.manager.StoreKey(c.Request.Context(), contentID, key, owner); err != nil {
		s.respondError(c, "store key", err)
		return
	}

	resp := gin.H{"contentId": contentID, "owner": owner, "version": 1}
	if generated {
		resp["key"] = key.Hex()
	}
	c.JSON(http.StatusCreated, resp)
}

// retrieveKey returns the caller's effective key. Denial and absence are
// indistinguishable to the caller.
func (s *Server) retrieveKey(c *gin.Context) {
	principal, ok := s.principal(c)
	if !ok {
		return
	}
	level := models.AccessView
	if raw := c.Query("level"); raw != "" {
		parsed, err := models.ParseAccessLevel(raw)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		level = parsed
	}

	contentID := c.Param("id")
	key, found := s.manager.RetrieveKeyForLevel(c.Request.Context(), contentID, principal, level)
	if !found {
		c.JSON(http.StatusForbidden, gin.H{"error": "access denied"})
		return
	}
	defer crypto.Zero(key)

	c.JSON(http.StatusOK, gin.H{"contentId": contentID, "key": key.Hex(), "level": level.String()})
}

func (s *Server) listGrants(c *gin.Context) {
	principal, ok := s.principal(c)
	if !ok {
		return
	}
	grants, err := s.manager.ListGrants(c.Request.Context(), c.Param("id"), principal)
	if err != nil {
		s.respondError(c, "list grants", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"grants": grants, "count": len(grants)})
}

// grantAccess issues a grant from the caller. Owners are bootstrapped by
// storeKey or ownership verification, so self-grants are refused here.
func (s *Server) grantAccess(c *gin.Context) {
	issuer, ok := s.principal(c)
	if !ok {
		return
	}
	var req grantRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	recipient := models.NormalizePrincipal(req.Principal)
	if recipient == issuer {
		c.JSON(http.StatusBadRequest, gin.H{"error": "cannot grant access to yourself"})
		return
	}
	level, err := models.ParseAccessLevel(req.Level)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	expiresAt := req.ExpiresAt
	if req.ExpiresIn != "" {
		d, err := time.ParseDuration(req.ExpiresIn)
		if err != nil || d <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("invalid expiresIn %q", req.ExpiresIn)})
			return
		}
		at := time.Now().Add(d)
		expiresAt = &at
	}
	if expiresAt != nil && !expiresAt.After(time.Now()) {
		c.JSON(http.StatusBadRequest, gin.H{"error": models.ErrExpiredGrant.Error()})
		return
	}

	contentID := c.Param("id")
	if err := s.manager.GrantAccess(c.Request.Context(), contentID, issuer, recipient, level, expiresAt); err != nil {
		s.respondError(c, "grant", err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{
		"contentId": contentID,
		"principal": recipient,
		"level":     level.String(),
		"expiresAt": expiresAt,
	})
}

func (s *Server) revokeAccess(c *gin.Context) {
	issuer, ok := s.principal(c)
	if !ok {
		return
	}
	if err := s.manager.RevokeAccess(c.Request.Context(), c.Param("id"), issuer, c.Param("principal")); err != nil {
		s.respondError(c, "revoke", err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) rotateKey(c *gin.Context) {
	issuer, ok := s.principal(c)
	if !ok {
		return
	}
	ctx := c.Request.Context()
	contentID := c.Param("id")
	if err := s.manager.RotateKey(ctx, contentID, issuer); err != nil {
		s.respondError(c, "rotate", err)
		return
	}

	resp := gin.H{"contentId": contentID}
	if history, err := s.manager.RotationHistory(ctx, contentID); err == nil && len(history) > 0 {
		resp["rotation"] = history[len(history)-1]
		resp["version"] = history[len(history)-1].ToVersion
	}
	c.JSON(http.StatusOK, resp)
}

func (s *Server) rotationHistory(c *gin.Context) {
	principal, ok := s.principal(c)
	if !ok {
		return
	}
	ctx := c.Request.Context()
	contentID := c.Param("id")
	if err := s.manager.Registry().Require(ctx, "rotation history", contentID, principal, models.AccessFullControl); err != nil {
		s.respondError(c, "rotation history", err)
		return
	}
	history, err := s.manager.RotationHistory(ctx, contentID)
	if err != nil {
		s.respondError(c, "rotation history", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"rotations": history, "count": len(history)})
}

func (s *Server) withdrawContent(c *gin.Context) {
	issuer, ok := s.principal(c)
	if !ok {
		return
	}
	if err := s.manager.WithdrawContent(c.Request.Context(), c.Param("id"), issuer); err != nil {
		s.respondError(c, "withdraw", err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) verifyOwnership(c *gin.Context) {
	principal, ok := s.principal(c)
	if !ok {
		return
	}
	contentID := c.Param("id")
	owner := s.manager.VerifyOwnership(c.Request.Context(), contentID, principal)
	c.JSON(http.StatusOK, gin.H{"contentId": contentID, "principal": principal, "owner": owner})
}

// publishRecovery writes a wallet-recoverable envelope for the caller. The
// caller needs FULL_CONTROL; without a key in the body the current effective
// key is published.
func (s *Server) publishRecovery(c *gin.Context) {
	owner, ok := s.principal(c)
	if !ok {
		return
	}
	if !s.manager.RecoveryEnabled() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "recovery path is disabled"})
		return
	}
	var req recoveryRequest
	if err := bindOptionalJSON(c, &req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	ctx := c.Request.Context()
	contentID := c.Param("id")
	if err := s.manager.Registry().Require(ctx, "publish recovery", contentID, owner, models.AccessFullControl); err != nil {
		s.respondError(c, "publish recovery", err)
		return
	}

	var key crypto.ContentKey
	if req.Key != "" {
		parsed, err := crypto.ParseContentKey(req.Key)
		if err != nil {
			s.respondError(c, "publish recovery", err)
			return
		}
		key = parsed
	} else {
		current, found := s.manager.RetrieveKeyForLevel(ctx, contentID, owner, models.AccessFullControl)
		if !found {
			c.JSON(http.StatusNotFound, gin.H{"error": "no key available to publish"})
			return
		}
		key = current
	}
	defer crypto.Zero(key)

	addr, err := s.manager.PublishRecoverable(ctx, contentID, key, owner)
	if err != nil {
		s.respondError(c, "publish recovery", err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"contentId": contentID, "address": addr})
}

func (s *Server) recoverKey(c *gin.Context) {
	principal, ok := s.principal(c)
	if !ok {
		return
	}
	contentID := c.Param("id")
	key, found := s.manager.RecoverKey(c.Request.Context(), contentID, principal)
	if !found {
		c.JSON(http.StatusNotFound, gin.H{"error": "no recovery envelope for principal"})
		return
	}
	defer crypto.Zero(key)
	c.JSON(http.StatusOK, gin.H{"contentId": contentID, "key": key.Hex()})
}

// downloadContent streams the decrypted content. The optional address query
// names the ciphertext when it differs from the content ID.
func (s *Server) downloadContent(c *gin.Context) {
	principal, ok := s.principal(c)
	if !ok {
		return
	}
	plaintext, err := s.manager.GetDecryptedContent(c.Request.Context(), c.Param("id"), principal, c.Query("address"))
	if err != nil {
		s.respondError(c, "download", err)
		return
	}
	c.Data(http.StatusOK, "application/octet-stream", plaintext)
}

// recordPurchase either settles a signed purchase transaction for the caller,
// or, for a caller holding FULL_CONTROL, records an off-ledger purchase on a
// buyer's behalf.
func (s *Server) recordPurchase(c *gin.Context) {
	caller, ok := s.principal(c)
	if !ok {
		return
	}
	if s.manager.Purchases() == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "purchase ledger is not configured"})
		return
	}
	var req purchaseRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	ctx := c.Request.Context()
	contentID := c.Param("id")
	if err := models.ValidateContentID(contentID); err != nil {
		s.respondError(c, "purchase", err)
		return
	}

	if req.RawTx != "" {
		if req.Principal != "" && models.NormalizePrincipal(req.Principal) != caller {
			c.JSON(http.StatusBadRequest, gin.H{"error": "settled purchases are recorded for the caller"})
			return
		}
		if s.settlement == nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "no ledger configured for settlement"})
			return
		}
		rawTx, err := hexutil.Decode(req.RawTx)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("invalid rawTx: %v", err)})
			return
		}
		tx, err := s.manager.Purchases().SettlePurchase(ctx, s.settlement, caller, contentID, req.Quantity, rawTx)
		if err != nil {
			resp := gin.H{"error": err.Error()}
			if tx != nil {
				resp["transaction"] = tx
			}
			c.JSON(statusFor(err), resp)
			return
		}
		c.JSON(http.StatusCreated, gin.H{"transaction": tx})
		return
	}

	if err := s.manager.Registry().Require(ctx, "record purchase", contentID, caller, models.AccessFullControl); err != nil {
		s.respondError(c, "purchase", err)
		return
	}
	if req.Quantity <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "quantity must be positive"})
		return
	}
	rec := &models.PurchaseRecord{
		ContentID:      contentID,
		Principal:      req.Principal,
		Quantity:       req.Quantity,
		TxHash:         req.TxHash,
		Classification: req.Classification,
	}
	if err := s.manager.Purchases().RecordPurchase(ctx, rec); err != nil {
		s.respondError(c, "purchase", err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"purchase": rec})
}

// listPurchases returns the caller's purchase record and transactions.
func (s *Server) listPurchases(c *gin.Context) {
	principal, ok := s.principal(c)
	if !ok {
		return
	}
	ctx := c.Request.Context()
	contentID := c.Param("id")
	purchases := s.manager.Purchases()
	if purchases == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "purchase ledger is not configured"})
		return
	}

	rec, err := purchases.Purchase(ctx, principal, contentID)
	if err != nil {
		s.respondError(c, "list purchases", err)
		return
	}
	txs, err := purchases.Transactions(ctx, principal, contentID)
	if err != nil {
		s.respondError(c, "list purchases", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"purchase": rec, "transactions": txs})
}
