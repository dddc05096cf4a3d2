// Package linker stamps accounting sessions with the router that reported them.
package linker

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/rufaromugabe/spotfi-sub000/internal/accounting"
	"github.com/rufaromugabe/spotfi-sub000/internal/metrics"
	"github.com/rufaromugabe/spotfi-sub000/internal/models"
	log "github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// Rule names the match that linked a session.
type Rule string

// Rules in priority order.
const (
	RuleNone          Rule = ""
	RuleNASIdentifier Rule = "nas_identifier"
	RuleClass         Rule = "class"
	RuleNASIP         Rule = "nas_ip"
	RuleMACSubstring  Rule = "mac_substring"
)

// Linker is the accounting hook that resolves a session's router. It only acts while
// the session has no gateway, so a linked session is never re-resolved.
type Linker struct {
	metrics *metrics.Metrics
}

// New constructs a Linker.
func New(m *metrics.Metrics) *Linker {
	return &Linker{metrics: m}
}

// AfterWrite implements accounting.Hook.
func (l *Linker) AfterWrite(ctx context.Context, tx *gorm.DB, change *accounting.Change) error {
	if change == nil || change.After == nil || change.After.GatewayID != nil {
		return nil
	}
	router, rule, errResolve := Resolve(ctx, tx, change.After)
	if errResolve != nil {
		return errResolve
	}
	if router == nil {
		return nil
	}
	errUpdate := tx.WithContext(ctx).Model(&models.AccountingSession{}).
		Where("id = ? AND gateway_id IS NULL", change.After.ID).
		Update("gateway_id", router.ID).Error
	if errUpdate != nil {
		return fmt.Errorf("linker: stamp session %s: %w", change.After.SessionID, errUpdate)
	}
	gatewayID := router.ID
	change.After.GatewayID = &gatewayID
	l.metrics.RecordSessionLinked(string(rule))
	log.WithFields(log.Fields{
		"component":  "linker",
		"session_id": change.After.SessionID,
		"gateway_id": gatewayID,
		"rule":       rule,
	}).Debug("linker: session linked")
	return nil
}

// Resolve finds the router for session, trying the NAS-Identifier, the session class,
// the NAS IP and finally the router MAC inside Called-Station-Id. It returns nil when
// nothing matches.
func Resolve(ctx context.Context, db *gorm.DB, session *models.AccountingSession) (*models.Router, Rule, error) {
	q := db.WithContext(ctx)

	if id := strings.TrimSpace(session.NASIdentifier); id != "" {
		router, err := takeRouter(q.Where("id = ?", id))
		if err != nil || router != nil {
			return router, RuleNASIdentifier, err
		}
	}
	if class := strings.TrimSpace(session.Class); class != "" {
		router, err := takeRouter(q.Where("id = ?", class))
		if err != nil || router != nil {
			return router, RuleClass, err
		}
	}
	if ip := strings.TrimSpace(session.NASIPAddress); ip != "" {
		router, err := takeRouter(q.Where("ip_address = ?", ip).Order("id ASC"))
		if err != nil || router != nil {
			return router, RuleNASIP, err
		}
	}
	if called := NormalizeMAC(session.CalledStationID); called != "" {
		router, err := takeRouter(q.
			Where("mac_address IS NOT NULL AND mac_address <> ''").
			Where("? LIKE '%' || REPLACE(REPLACE(REPLACE(UPPER(mac_address), ':', ''), '-', ''), '.', '') || '%'", called).
			Order("id ASC"))
		if err != nil || router != nil {
			return router, RuleMACSubstring, err
		}
	}
	return nil, RuleNone, nil
}

func takeRouter(q *gorm.DB) (*models.Router, error) {
	var router models.Router
	errTake := q.Take(&router).Error
	if errors.Is(errTake, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if errTake != nil {
		return nil, fmt.Errorf("linker: lookup router: %w", errTake)
	}
	return &router, nil
}

// NormalizeMAC upper-cases s and strips MAC separators.
func NormalizeMAC(s string) string {
	return strings.NewReplacer(":", "", "-", "", ".", "").Replace(strings.ToUpper(strings.TrimSpace(s)))
}
