// Package resolution sequences a scanned payload through parsing,
// verification and status lookup.
package resolution

import (
	"context"

	"go.uber.org/zap"

	"docqr/internal/domain"
	"docqr/internal/locator"
	"docqr/internal/signature"
)

// StatusResolver is satisfied by *status.Resolver.
type StatusResolver interface {
	Resolve(ctx context.Context, v signature.VerifiedLocator) (domain.DocumentStatus, error)
}

// LocatorVerifier is satisfied by signature.Verifier.
type LocatorVerifier interface {
	Verify(l domain.Locator) (signature.VerifiedLocator, error)
}

// Orchestrator holds no state of its own beyond its collaborators.
type Orchestrator struct {
	verifier LocatorVerifier
	resolver StatusResolver
	log      *zap.Logger
}

func New(verifier LocatorVerifier, resolver StatusResolver, log *zap.Logger) *Orchestrator {
	if log == nil {
		log = zap.NewNop()
	}
	return &Orchestrator{verifier: verifier, resolver: resolver, log: log.Named("resolution")}
}

// ResolveScan parses raw, verifies it and looks up its status. The first
// failing stage ends the run; its typed error is returned unchanged.
func (o *Orchestrator) ResolveScan(ctx context.Context, raw string) (domain.DocumentStatus, error) {
	loc, err := locator.Parse(raw)
	if err != nil {
		o.log.Info("payload rejected", zap.String("kind", string(domain.KindOf(err))), zap.Error(err))
		return domain.DocumentStatus{}, err
	}
	verified, err := o.verifier.Verify(loc)
	if err != nil {
		o.log.Info("locator not trusted",
			zap.String("doc_uid", loc.DocUID),
			zap.String("revision", loc.Revision),
			zap.Int("page", loc.Page),
			zap.String("kind", string(domain.KindOf(err))),
			zap.Error(err))
		return domain.DocumentStatus{}, err
	}
	st, err := o.resolver.Resolve(ctx, verified)
	if err != nil {
		return domain.DocumentStatus{}, err
	}
	o.log.Info("document resolved",
		zap.String("doc_uid", st.DocUID),
		zap.String("revision", st.Revision),
		zap.Int("page", st.Page),
		zap.String("business_status", string(st.BusinessStatus)),
		zap.Bool("is_actual", st.IsActual))
	return st, nil
}
