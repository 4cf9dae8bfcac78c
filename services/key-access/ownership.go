package key_access

import (
	"context"
	"fmt"
	"math/big"
	"time"

	"wylloh/features"
	"wylloh/logging"
	"wylloh/pkg/ledger"
	"wylloh/pkg/models"

	"go.opentelemetry.io/otel/attribute"
)

// Step names the stage of ownership verification that produced a result.
type Step string

const (
	StepPrimaryLedger   Step = "primary_ledger"
	StepSecondaryLedger Step = "secondary_ledger"
	StepPurchaseRecord  Step = "purchase_record"
	StepLegacyPurchase  Step = "legacy_purchase"
	StepTransactionLog  Step = "transaction_log"
)

// Resolution is the read-only outcome of Verify.
type Resolution struct {
	Owner   bool
	Step    Step
	Balance *big.Int
}

// VerifierOptions wires the ownership sources. Any of them may be nil.
type VerifierOptions struct {
	Primary   ledger.Ledger
	Secondary ledger.Ledger
	Purchases *PurchaseLedger
	Registry  *Registry
	// Backoff is the wait between a failed primary query and the secondary.
	Backoff time.Duration
	// LocalFallback enables the purchase-record and transaction-log steps.
	LocalFallback bool
}

// OwnershipVerifier decides whether a principal owns a content token.
type OwnershipVerifier struct {
	primary       ledger.Ledger
	secondary     ledger.Ledger
	purchases     *PurchaseLedger
	registry      *Registry
	backoff       time.Duration
	localFallback bool
	sleep         func(ctx context.Context, d time.Duration) error
	logger        *logging.Logger
}

func NewOwnershipVerifier(opts VerifierOptions) *OwnershipVerifier {
	if opts.Backoff < 0 {
		opts.Backoff = 0
	}
	return &OwnershipVerifier{
		primary:       opts.Primary,
		secondary:     opts.Secondary,
		purchases:     opts.Purchases,
		registry:      opts.Registry,
		backoff:       opts.Backoff,
		localFallback: opts.LocalFallback,
		sleep:         sleepContext,
		logger:        logging.GetLogger().WithComponent("ownership"),
	}
}

// LocalFallbackDefault reports whether the build enables the local purchase
// fallback steps.
func LocalFallbackDefault() bool {
	return features.ShouldEnableLedgerFallback()
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Verify walks the ownership steps in order and stops at the first positive
// result. It never writes. The only error it returns is cancellation or
// invalid input; source failures are logged and the next step is tried.
func (v *OwnershipVerifier) Verify(ctx context.Context, contentID, principal string) (res Resolution, err error) {
	principal = models.NormalizePrincipal(principal)
	if err := models.ValidateContentID(contentID); err != nil {
		return Resolution{}, fmt.Errorf("verify ownership: %w", err)
	}
	if principal == "" {
		return Resolution{}, fmt.Errorf("%w: principal is required", models.ErrInvalidInput)
	}

	ctx, span := startKeyAccessSpan(ctx, "OwnershipVerifier.Verify", attribute.String("content_id", contentID))
	defer span.End()
	defer func() {
		if err == nil {
			recordOwnershipOutcome(ctx, res)
			span.SetAttributes(attribute.Bool("owner", res.Owner), attribute.String("step", string(res.Step)))
		}
	}()

	if v.primary != nil {
		balance, qerr := v.queryLedger(ctx, StepPrimaryLedger, v.primary, contentID, principal)
		if qerr == nil && balance.Sign() > 0 {
			return Resolution{Owner: true, Step: StepPrimaryLedger, Balance: balance}, nil
		}
		if qerr != nil {
			if ctx.Err() != nil {
				return Resolution{}, ctx.Err()
			}
			retry := v.secondary
			step := StepSecondaryLedger
			if retry == nil {
				retry = v.primary
			}
			v.logger.Warn("Primary ledger query for %s/%s failed: %v; retrying via %s in %s",
				contentID, principal, qerr, retry.Name(), v.backoff)
			if err := v.sleep(ctx, v.backoff); err != nil {
				return Resolution{}, err
			}
			balance, qerr = v.queryLedger(ctx, step, retry, contentID, principal)
			if qerr == nil && balance.Sign() > 0 {
				return Resolution{Owner: true, Step: step, Balance: balance}, nil
			}
			if qerr != nil && ctx.Err() != nil {
				return Resolution{}, ctx.Err()
			}
		}
	}

	if !v.localFallback || v.purchases == nil {
		return Resolution{}, nil
	}

	if rec, perr := v.purchases.Purchase(ctx, principal, contentID); perr != nil {
		recordOwnershipStep(ctx, StepPurchaseRecord, "error")
		v.logger.Warn("Purchase record lookup for %s/%s failed: %v", contentID, principal, perr)
	} else if rec != nil && rec.Quantity > 0 {
		recordOwnershipStep(ctx, StepPurchaseRecord, "owner")
		return Resolution{Owner: true, Step: StepPurchaseRecord, Balance: big.NewInt(rec.Quantity)}, nil
	} else {
		recordOwnershipStep(ctx, StepPurchaseRecord, "none")
	}

	if ok, perr := v.purchases.HasLegacyPurchase(ctx, principal, contentID); perr != nil {
		recordOwnershipStep(ctx, StepLegacyPurchase, "error")
		v.logger.Warn("Legacy purchase lookup for %s/%s failed: %v", contentID, principal, perr)
	} else if ok {
		recordOwnershipStep(ctx, StepLegacyPurchase, "owner")
		return Resolution{Owner: true, Step: StepLegacyPurchase}, nil
	} else {
		recordOwnershipStep(ctx, StepLegacyPurchase, "none")
	}

	if ok, perr := v.purchases.HasCompletedPurchase(ctx, principal, contentID); perr != nil {
		recordOwnershipStep(ctx, StepTransactionLog, "error")
		v.logger.Warn("Transaction log lookup for %s/%s failed: %v", contentID, principal, perr)
	} else if ok {
		recordOwnershipStep(ctx, StepTransactionLog, "owner")
		return Resolution{Owner: true, Step: StepTransactionLog}, nil
	} else {
		recordOwnershipStep(ctx, StepTransactionLog, "none")
	}

	if err := ctx.Err(); err != nil {
		return Resolution{}, err
	}
	return Resolution{}, nil
}

func (v *OwnershipVerifier) queryLedger(ctx context.Context, step Step, l ledger.Ledger, contentID, principal string) (*big.Int, error) {
	balance, err := l.BalanceOf(ctx, principal, contentID)
	switch {
	case err != nil:
		recordOwnershipStep(ctx, step, "error")
		return nil, err
	case balance == nil || balance.Sign() <= 0:
		recordOwnershipStep(ctx, step, "none")
		return big.NewInt(0), nil
	default:
		recordOwnershipStep(ctx, step, "owner")
		return balance, nil
	}
}

// GrantIfOwner issues principal a self-signed FULL_CONTROL grant when res
// proves ownership. An existing non-expiring FULL_CONTROL grant is left as is.
func (v *OwnershipVerifier) GrantIfOwner(ctx context.Context, contentID, principal string, res Resolution) (bool, error) {
	if !res.Owner {
		return false, nil
	}
	if v.registry == nil {
		return false, fmt.Errorf("%w: no registry configured", models.ErrInvalidInput)
	}
	existing, err := v.registry.Get(ctx, contentID, principal)
	if err != nil {
		return false, err
	}
	if existing != nil && existing.Level == models.AccessFullControl && existing.ExpiresAt == nil {
		return false, nil
	}
	if err := v.registry.Grant(ctx, contentID, principal, principal, models.AccessFullControl, nil); err != nil {
		return false, err
	}
	v.logger.Info("Bootstrapped FULL_CONTROL on %s for owner %s via %s", contentID, models.NormalizePrincipal(principal), res.Step)
	return true, nil
}

// VerifyOwnership runs Verify then GrantIfOwner. Failures resolve to false.
func (v *OwnershipVerifier) VerifyOwnership(ctx context.Context, contentID, principal string) bool {
	res, err := v.Verify(ctx, contentID, principal)
	if err != nil {
		v.logger.Info("Ownership of %s by %s unresolved: %v", contentID, principal, err)
		return false
	}
	if !res.Owner {
		return false
	}
	if _, err := v.GrantIfOwner(ctx, contentID, principal, res); err != nil {
		v.logger.Warn("Owner %s verified for %s but grant bootstrap failed: %v", principal, contentID, err)
	}
	return true
}
