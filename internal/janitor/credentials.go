package janitor

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/jmehdipour/social-publisher/internal/credential"
	"github.com/jmehdipour/social-publisher/internal/metrics"
	"github.com/jmehdipour/social-publisher/internal/model"
	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"
)

type DiagnoseOptions struct {
	Fix       bool
	AccountID int64 // 0 = every account
}

type DiagnoseReport struct {
	Checked  int
	Problems []credential.Diagnosis
	Fixed    int
}

// DiagnoseCredentials test-decrypts stored tokens. With Fix, accounts with a
// corrupted token are deactivated; ciphertext is never rewritten.
func (j *Janitor) DiagnoseCredentials(ctx context.Context, opts DiagnoseOptions) (DiagnoseReport, error) {
	var accts []model.Account
	if opts.AccountID != 0 {
		a, err := j.Accounts.Get(ctx, nil, opts.AccountID)
		if err != nil {
			return DiagnoseReport{}, fmt.Errorf("load account %d: %w", opts.AccountID, err)
		}
		accts = []model.Account{a}
	} else {
		var err error
		if accts, err = j.Accounts.ListAll(ctx, nil, false); err != nil {
			return DiagnoseReport{}, fmt.Errorf("list accounts: %w", err)
		}
	}

	var rep DiagnoseReport
	for _, a := range accts {
		rep.Checked++
		d := j.Prober.Probe(a)
		if d.Status == credential.DiagnosisOK {
			continue
		}
		rep.Problems = append(rep.Problems, d)
		j.log.Warn("credential problem",
			zap.Int64("account_id", a.ID),
			zap.String("platform", a.Platform.String()),
			zap.String("status", string(d.Status)),
			zap.String("cause", d.Cause),
		)

		if !opts.Fix || !d.Corrupted() {
			continue
		}
		if a.ReconnectReason() == model.ReasonCorruptedToken && !a.IsActive {
			continue
		}
		if err := j.markCorrupted(ctx, a, d); err != nil {
			return rep, err
		}
		rep.Fixed++
	}
	return rep, nil
}

func (j *Janitor) markCorrupted(ctx context.Context, a model.Account, d credential.Diagnosis) error {
	now := j.now()
	a.Deactivate(model.ReasonCorruptedToken, now)
	a.SetMeta("token_diagnosis", map[string]any{
		"status":      d.Status,
		"cause":       d.Cause,
		"key_id":      d.KeyID,
		"detected_at": now.UTC().Format(time.RFC3339),
	})

	err := j.Tx.WithinTx(ctx, func(tx *sqlx.Tx) error {
		if err := j.Accounts.UpdateState(ctx, tx, a); err != nil {
			return err
		}
		return j.audit(ctx, tx, model.AuditEntityAccount, strconv.FormatInt(a.ID, 10), "deactivate",
			"operator: diagnose-tokens --fix", d)
	})
	if err != nil {
		return fmt.Errorf("mark account %d corrupted: %w", a.ID, err)
	}
	metrics.JanitorRepairsTotal.WithLabelValues("corrupted").Inc()
	return nil
}
