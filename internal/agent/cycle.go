// Package agent drives the control evaluation cycle: check, sign, chain,
// persist, claim, envelope, ticket. Controls run strictly sequentially so
// Merkle indices stay dense and each envelope's root reflects exactly the
// evidence appended before it.
package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/example/meridian/internal/canonical"
	"github.com/example/meridian/internal/checks"
	"github.com/example/meridian/internal/claims"
	"github.com/example/meridian/internal/config"
	"github.com/example/meridian/internal/envelope"
	"github.com/example/meridian/internal/logging"
	"github.com/example/meridian/internal/merkle"
	"github.com/example/meridian/internal/signing"
	"github.com/example/meridian/internal/ticketing"
)

// Collector is the identity stamped on every evidence record.
const Collector = "meridian-agent"

// Store is the persistence surface the cycle driver needs.
type Store interface {
	InsertEvidence(ctx context.Context, controlID, checkName string, rawData map[string]any,
		signature, merkleLeafHash string, merkleIndex int) (string, error)
	InsertRun(ctx context.Context, controlID, status, evidenceID string,
		summary map[string]any, ticketNumber, ticketSysID string) error
	InsertTrustEnvelope(ctx context.Context, env *envelope.TrustEnvelope) (string, error)
	LastTicket(ctx context.Context, controlID string) (string, error)
	LastTicketSysID(ctx context.Context, controlID string) (string, error)
	EvidenceLeafHashes(ctx context.Context) ([]string, error)
}

// TicketService is the ticketing surface the cycle driver needs.
type TicketService interface {
	CreateTicket(ctx context.Context, controlID, shortDescription, description,
		severity, evidenceID string) (ticketing.Ticket, error)
	IsTicketOpen(ctx context.Context, sysID string) bool
}

// Agent holds the wired dependencies for the evaluation loop. Fields are set
// at startup; cmd/agent replaces Store after a database reconnect.
type Agent struct {
	Settings config.AgentSettings
	Controls []config.Control
	Products config.ProductsFile

	IdP     checks.IdentityProvider
	Tickets TicketService
	Store   Store
	Keys    *signing.KeyPair
	Merkle  *merkle.Log

	Logger  *slog.Logger
	Metrics *Metrics
}

// evidencePayload is the signed unit and the Merkle leaf preimage. These are
// exactly the persisted fields; adding one would change every leaf hash.
type evidencePayload struct {
	ControlID   string         `json:"control_id"`
	ControlName string         `json:"control_name"`
	Check       string         `json:"check"`
	CollectedAt string         `json:"collected_at"`
	Collector   string         `json:"collector"`
	Realm       string         `json:"realm"`
	Status      string         `json:"status"`
	Summary     map[string]any `json:"summary"`
}

func (p evidencePayload) asMap() map[string]any {
	return map[string]any{
		"control_id":   p.ControlID,
		"control_name": p.ControlName,
		"check":        p.Check,
		"collected_at": p.CollectedAt,
		"collector":    p.Collector,
		"realm":        p.Realm,
		"status":       p.Status,
		"summary":      p.Summary,
	}
}

// RestoreMerkleLog seeds the in-memory log from the persisted leaf hashes.
// Called at startup before the first cycle and again after a database
// reconnect; LoadLeaves replaces whatever the log held before.
func (a *Agent) RestoreMerkleLog(ctx context.Context) error {
	hashes, err := a.Store.EvidenceLeafHashes(ctx)
	if err != nil {
		return fmt.Errorf("agent: restore merkle log: %w", err)
	}
	a.Merkle.LoadLeaves(hashes)

	root := a.Merkle.Root()
	if root == "" {
		root = "empty"
	} else {
		root = root[:16]
	}
	a.Logger.Info("merkle log reconstructed", "leaves", a.Merkle.Count(), "root", root)
	return nil
}

// RunCycle evaluates every configured control once, in config order. Failures
// in one control never abort the cycle; they are logged, counted, and
// aggregated into the returned error so the caller can decide whether a
// reconnect is warranted.
func (a *Agent) RunCycle(ctx context.Context) error {
	start := time.Now()
	runStart := canonical.Timestamp(start)
	ctrlProducts := a.Products.ControlProducts()

	// Every log line of this cycle carries the same run ID.
	ctx = logging.WithRunID(logging.NewContext(ctx, a.Logger), uuid.NewString())
	logger := logging.FromContext(ctx)

	logger.Info("starting control run", "controls", len(a.Controls))

	var errs []error
	for _, ctrl := range a.Controls {
		if err := a.runControl(ctx, ctrl, ctrlProducts[ctrl.ID], runStart); err != nil {
			errs = append(errs, err)
		}
	}

	root := a.Merkle.Root()
	if root == "" {
		root = "none"
	} else {
		root = root[:16]
	}
	logger.Info("run complete",
		"merkle_leaves", a.Merkle.Count(),
		"merkle_root", root,
		"duration", time.Since(start).String(),
		"errors", len(errs))
	a.Metrics.recordCycle(time.Since(start))

	return errors.Join(errs...)
}

// runControl performs the full ordered pipeline for one control.
func (a *Agent) runControl(ctx context.Context, ctrl config.Control, productIDs []string, runStart string) error {
	logger := logging.FromContext(ctx).With("control_id", ctrl.ID, "check", ctrl.Check)

	checkFn, ok := checks.Lookup(ctrl.Check)
	if !ok {
		// Startup validation rejects unknown names; this guards config
		// reloads from a future that doesn't exist yet.
		logger.Error("unknown check, skipping control")
		return nil
	}

	logger.Info("running control")
	result := a.safeCheck(ctx, checkFn, ctrl.Params, logger)

	// Build and sign the evidence payload.
	payload := evidencePayload{
		ControlID:   ctrl.ID,
		ControlName: ctrl.Name,
		Check:       ctrl.Check,
		CollectedAt: canonical.Timestamp(time.Now()),
		Collector:   Collector,
		Realm:       a.Settings.Realm,
		Status:      string(result.Status),
		Summary:     result.Summary,
	}

	signature, err := a.Keys.Sign(payload)
	if err != nil {
		logger.Error("evidence signing failed, aborting control", "error", err)
		return fmt.Errorf("sign evidence for %s: %w", ctrl.ID, err)
	}

	// Append to the Merkle log, then persist. Both must succeed together:
	// a failed insert rolls the in-memory append back so indices stay dense.
	leafHash, leafIndex, err := a.Merkle.Append(payload)
	if err != nil {
		logger.Error("merkle append failed, aborting control", "error", err)
		return fmt.Errorf("append evidence for %s: %w", ctrl.ID, err)
	}

	evidenceID, err := a.Store.InsertEvidence(ctx, ctrl.ID, ctrl.Check,
		payload.asMap(), signature, leafHash, leafIndex)
	if err != nil {
		a.Merkle.DropLast()
		logger.Error("evidence persist failed, aborting control", "error", err)
		return fmt.Errorf("persist evidence for %s: %w", ctrl.ID, err)
	}
	a.Metrics.recordEvidence()

	// Derive the signed claim.
	claim, err := claims.Build(result, evidenceID, ctrl, a.Keys, productIDs, a.Settings.Realm)
	if err != nil {
		logger.Error("claim build failed", "error", err)
	}

	// One envelope per product listing this control. Envelope failures are
	// logged and skipped; the claim and evidence row remain valid.
	if claim != nil {
		for _, productID := range productIDs {
			env, err := envelope.Build(ctrl, productID, []claims.Claim{*claim},
				a.Merkle, a.Keys, runStart, envelope.DisclosureFull)
			if err != nil {
				logger.Error("envelope build failed", "product_id", productID, "error", err)
				continue
			}
			if _, err := a.Store.InsertTrustEnvelope(ctx, env); err != nil {
				logger.Error("envelope persist failed", "product_id", productID, "error", err)
				continue
			}
			a.Metrics.recordEnvelope(ctrl.ID, productID)
			logger.Info("envelope stored",
				"envelope_id", env.EnvelopeID[:8],
				"product_id", productID,
				"trust_level", string(env.TrustLevel),
				"confidence", env.CompositeConfidence)
		}
	}

	// Ticketing: only failing controls ticket, and an open ticket from a
	// prior run is reused instead of duplicated.
	ticketNumber, ticketSysID := "", ""
	if result.Status == checks.StatusFail {
		ticketNumber, ticketSysID = a.resolveTicket(ctx, ctrl, result, evidenceID, logger)
	}

	if err := a.Store.InsertRun(ctx, ctrl.ID, string(result.Status), evidenceID,
		result.Summary, ticketNumber, ticketSysID); err != nil {
		logger.Error("run persist failed", "error", err)
		return fmt.Errorf("persist run for %s: %w", ctrl.ID, err)
	}

	a.Metrics.recordRun(ctrl.ID, string(result.Status))
	logger.Info("control complete", "status", string(result.Status), "ticket", ticketNumber)
	return nil
}

// safeCheck invokes the check, downgrading a panic to an error result so a
// misbehaving check cannot take the cycle down.
func (a *Agent) safeCheck(ctx context.Context, fn checks.Func, params map[string]any, logger *slog.Logger) (result checks.Result) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error("check panicked", "panic", r)
			result = checks.Result{
				Status:  checks.StatusError,
				Summary: map[string]any{"error": fmt.Sprintf("check panic: %v", r)},
			}
		}
	}()
	return fn(ctx, a.IdP, params)
}

// resolveTicket reuses the control's last ticket while it is still open,
// otherwise attempts to create a new one. Ticketing failures are logged and
// swallowed; the run row still records with null ticket fields.
func (a *Agent) resolveTicket(
	ctx context.Context,
	ctrl config.Control,
	result checks.Result,
	evidenceID string,
	logger *slog.Logger,
) (ticketNumber, ticketSysID string) {
	lastNumber, err := a.Store.LastTicket(ctx, ctrl.ID)
	if err != nil {
		logger.Error("last ticket lookup failed", "error", err)
	}

	if lastNumber != "" {
		lastSysID, err := a.Store.LastTicketSysID(ctx, ctrl.ID)
		if err != nil {
			logger.Error("last ticket sys_id lookup failed", "error", err)
		}
		if lastSysID != "" && a.Tickets.IsTicketOpen(ctx, lastSysID) {
			logger.Info("open ticket already exists, reusing", "ticket", lastNumber)
			return lastNumber, lastSysID
		}
	}

	ticket, err := a.Tickets.CreateTicket(ctx, ctrl.ID,
		result.ShortDescription, result.Description,
		ctrl.SeverityOrDefault(), evidenceID)
	if err != nil {
		logger.Error("ticket creation failed", "error", err)
		return "", ""
	}
	a.Metrics.recordTicket(ctrl.ID)
	return ticket.Number, ticket.SysID
}
