// Package gateway is an embedded data access gateway: credential based
// sessions, row queries over named tables and an insert change feed.
// It stands in for a hosted backend so the dashboard runs end to end.
package gateway

import (
	"agency-crm/auth"
	"agency-crm/contract"
	"agency-crm/domain"
	"agency-crm/errors"
	"agency-crm/repositories"
	"agency-crm/runtime"
	"context"
	stderrors "errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/google/uuid"
	"github.com/samber/lo"
)

type Gateway struct {
	log         *slog.Logger
	credentials repositories.ICredentialRepository
	tables      repositories.ITableRepository
	registry    *runtime.Registry
	issuer      *auth.TokenIssuer

	clockMu   sync.Mutex
	lastStamp time.Time
	now       func() time.Time
}

func New(log *slog.Logger, db *badger.DB, issuer *auth.TokenIssuer, feedBufferSize int) *Gateway {
	return NewWithRepositories(log,
		repositories.NewCredentialRepository(db),
		repositories.NewTableRepository(db, log),
		runtime.NewRegistry(log, feedBufferSize),
		issuer)
}

func NewWithRepositories(log *slog.Logger, credentials repositories.ICredentialRepository,
	tables repositories.ITableRepository, registry *runtime.Registry, issuer *auth.TokenIssuer) *Gateway {
	return &Gateway{
		log:         log,
		credentials: credentials,
		tables:      tables,
		registry:    registry,
		issuer:      issuer,
		now:         time.Now,
	}
}

// ExchangeCredentials signs in and persists the issued token locally.
func (g *Gateway) ExchangeCredentials(ctx context.Context, email, password string) (contract.AuthSession, error) {
	if err := ctx.Err(); err != nil {
		return contract.AuthSession{}, err
	}
	credential, err := g.credentials.GetCredentialByEmail(email)
	if err != nil {
		if stderrors.Is(err, errors.ErrNotFound) {
			// Same answer as a wrong password to prevent user enumeration
			return contract.AuthSession{}, errors.ErrInvalidCredentials
		}
		return contract.AuthSession{}, err
	}

	match, err := auth.ComparePassword(password, credential.PasswordHash)
	if err != nil || !match {
		return contract.AuthSession{}, errors.ErrInvalidCredentials
	}
	return g.openSession(credential.ID, credential.Email)
}

// CreateCredential registers a new credential and signs it in.
func (g *Gateway) CreateCredential(ctx context.Context, email, password string) (contract.AuthSession, error) {
	if err := ctx.Err(); err != nil {
		return contract.AuthSession{}, err
	}
	hashedPassword, err := auth.HashPassword(password)
	if err != nil {
		return contract.AuthSession{}, fmt.Errorf("hashing failed: %w", err)
	}
	userID, err := g.credentials.CreateCredential(email, hashedPassword)
	if err != nil {
		return contract.AuthSession{}, err
	}
	g.log.Info("Credential created", "user_id", userID)
	return g.openSession(userID, email)
}

func (g *Gateway) openSession(userID, email string) (contract.AuthSession, error) {
	token, claims, err := g.issuer.Issue(userID, email)
	if err != nil {
		return contract.AuthSession{}, errors.ErrTokenGeneration
	}
	if err = g.credentials.SaveLocalToken(token); err != nil {
		return contract.AuthSession{}, err
	}
	return contract.AuthSession{
		UserID:    claims.UserID,
		Email:     claims.Email,
		Token:     token,
		ExpiresAt: claims.ExpiresAt.Time,
	}, nil
}

// CurrentSession returns the locally persisted session if it is still
// valid, nil otherwise. Stale tokens are forgotten on the way.
func (g *Gateway) CurrentSession(ctx context.Context) (*contract.AuthSession, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	token, err := g.credentials.LocalToken()
	if err != nil || token == "" {
		return nil, err
	}

	claims, err := g.issuer.Validate(token)
	if err != nil {
		g.log.Debug("Persisted token rejected", "error", err)
		return nil, g.credentials.ClearLocalToken()
	}
	revoked, err := g.credentials.IsRevoked(claims.ID)
	if err != nil {
		return nil, err
	}
	if revoked {
		return nil, g.credentials.ClearLocalToken()
	}
	return &contract.AuthSession{
		UserID:    claims.UserID,
		Email:     claims.Email,
		Token:     token,
		ExpiresAt: claims.ExpiresAt.Time,
	}, nil
}

// Revoke denies the session token and forgets it locally. The local copy
// is forgotten even when the denial fails; that failure is still returned.
func (g *Gateway) Revoke(ctx context.Context, session contract.AuthSession) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	var revokeErr error
	if claims, err := g.issuer.Validate(session.Token); err == nil {
		if revokeErr = g.credentials.Revoke(claims.ID, claims.ExpiresAt.Time); revokeErr != nil {
			g.log.Warn("Failed to revoke token", "user_id", session.UserID, "error", revokeErr)
		}
	}
	return stderrors.Join(revokeErr, g.forgetLocal(session.Token))
}

func (g *Gateway) forgetLocal(token string) error {
	local, err := g.credentials.LocalToken()
	if err != nil {
		return err
	}
	if local == token {
		return g.credentials.ClearLocalToken()
	}
	return nil
}

// DeleteCredential revokes the session and removes its credential.
func (g *Gateway) DeleteCredential(ctx context.Context, session contract.AuthSession) error {
	if err := g.Revoke(ctx, session); err != nil {
		return err
	}
	return g.credentials.DeleteCredential(session.Email)
}

// Select filters, orders, limits then projects the rows of a table.
func (g *Gateway) Select(ctx context.Context, table string, query contract.Query) ([]contract.Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	rows, err := g.tables.Scan(table)
	if err != nil {
		return nil, err
	}

	rows = lo.Filter(rows, func(r contract.Record, _ int) bool {
		return contract.MatchesAll(query.Filters, r)
	})
	if query.Order != nil {
		column, desc := query.Order.Column, query.Order.Descending
		sort.SliceStable(rows, func(i, j int) bool {
			if desc {
				return less(rows[j][column], rows[i][column])
			}
			return less(rows[i][column], rows[j][column])
		})
	}
	if query.Limit > 0 && len(rows) > query.Limit {
		rows = rows[:query.Limit]
	}
	if len(query.Columns) > 0 && !lo.Contains(query.Columns, "*") {
		rows = lo.Map(rows, func(r contract.Record, _ int) contract.Record {
			return lo.PickByKeys(r, query.Columns)
		})
	}
	return rows, nil
}

// Insert stores a row, filling id and timestamps when absent, then
// publishes it on the change feed.
func (g *Gateway) Insert(ctx context.Context, table string, record contract.Record) (contract.Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	row := make(contract.Record, len(record)+3)
	for k, v := range record {
		row[k] = v
	}
	if row.String("id") == "" {
		row["id"] = uuid.NewString()
	}
	stamp := domain.FormatTime(g.stamp())
	if row.String("created_at") == "" {
		row["created_at"] = stamp
	}
	if table != contract.TableMessages && table != contract.TablePayments && row.String("updated_at") == "" {
		row["updated_at"] = row["created_at"]
	}

	stored, err := g.tables.Insert(table, row)
	if err != nil {
		return nil, err
	}

	if table == contract.TableMessages {
		g.touchConversation(stored.String("conversation_id"), stored.String("created_at"))
	}
	g.registry.Publish(table, contract.EventInsert, stored)
	return stored, nil
}

// touchConversation keeps conversation lists ordered by latest activity.
func (g *Gateway) touchConversation(conversationID, at string) {
	if conversationID == "" {
		return
	}
	_, err := g.tables.Patch(contract.TableConversations,
		[]contract.Filter{contract.Eq("id", conversationID)},
		contract.Record{"updated_at": at})
	if err != nil {
		g.log.Warn("Failed to touch conversation", "conversation_id", conversationID, "error", err)
	}
}

// Update patches every matching row and returns how many changed.
func (g *Gateway) Update(ctx context.Context, table string, patch contract.Record, filters []contract.Filter) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	p := make(contract.Record, len(patch)+1)
	for k, v := range patch {
		p[k] = v
	}
	if table != contract.TableMessages && table != contract.TablePayments {
		p["updated_at"] = domain.FormatTime(g.stamp())
	}
	updated, err := g.tables.Patch(table, filters, p)
	if err != nil {
		return 0, err
	}
	return len(updated), nil
}

func (g *Gateway) Subscribe(ctx context.Context, table string, kind contract.EventKind, filters []contract.Filter) (contract.Subscription, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return g.registry.Subscribe(table, kind, filters), nil
}

// stamp returns a strictly increasing time so rows created by this
// gateway never share a created_at.
func (g *Gateway) stamp() time.Time {
	g.clockMu.Lock()
	defer g.clockMu.Unlock()
	now := g.now().UTC()
	if !now.After(g.lastStamp) {
		now = g.lastStamp.Add(time.Nanosecond)
	}
	g.lastStamp = now
	return now
}

func less(a, b any) bool {
	switch av := a.(type) {
	case string:
		if bv, ok := b.(string); ok {
			return av < bv
		}
	case float64:
		if bv, ok := b.(float64); ok {
			return av < bv
		}
	case bool:
		if bv, ok := b.(bool); ok {
			return !av && bv
		}
	case nil:
		return b != nil
	}
	return fmt.Sprint(a) < fmt.Sprint(b)
}
