// Package e2e runs user scenarios against a full in-process stack: badger,
// gateway, session store, router and synchronizer.
package e2e

import (
	"agency-crm/auth"
	"agency-crm/contract"
	"agency-crm/gateway"
	"agency-crm/session"
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/gookit/color"
	"github.com/mama165/sdk-go/logs"
	"github.com/stretchr/testify/suite"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"
)

type BaseSuite struct {
	suite.Suite
	Config Config
}

// SetupSuite loads the environment configuration before running scenarios
func (s *BaseSuite) SetupSuite() {
	var err error
	s.Config, err = LoadConfig()
	s.Require().NoError(err)
}

// Stack is one isolated deployment: its own badger directory and gateway.
type Stack struct {
	Log     *slog.Logger
	DB      *badger.DB
	Gateway *gateway.Gateway
}

// NewStack opens a fresh store in a temporary directory.
func (s *BaseSuite) NewStack() *Stack {
	db, err := badger.Open(badger.DefaultOptions(s.T().TempDir()).WithLoggingLevel(badger.ERROR))
	s.Require().NoError(err)
	s.T().Cleanup(func() { _ = db.Close() })

	log := logs.GetLoggerFromLevel(slog.LevelDebug)
	return &Stack{
		Log:     log,
		DB:      db,
		Gateway: gateway.New(log, db, auth.NewTokenIssuer("e2e-secret-0123456789", s.Config.TokenDuration), 32),
	}
}

// NewStore is a fresh process attached to the stack: it shares the
// persisted session like a restarted console would.
func (st *Stack) NewStore() *session.Store {
	return session.NewStore(st.Log, st.Gateway, st.Gateway)
}

// Step prints a header for the step and runs fn with a bounded context.
func (s *BaseSuite) Step(name string, fn func(ctx context.Context)) {
	header := fmt.Sprintf("  ====== %s ======", name)
	if s.Config.Colours {
		header = color.New(color.BgBlack, color.FgGreen).Render(header)
	}
	s.T().Log(header)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	fn(ctx)
}

// Dump logs rows as JSON when E2E_DEBUG_JSON is set.
func (s *BaseSuite) Dump(title string, rows []contract.Record) {
	if !s.Config.DebugJSON {
		return
	}
	marshaler := protojson.MarshalOptions{UseProtoNames: true, Multiline: true, EmitUnpopulated: true}
	for _, r := range rows {
		st, err := structpb.NewStruct(r)
		if err != nil {
			s.T().Logf("%s: %v", title, err)
			continue
		}
		s.T().Logf("%s:\n%s", title, marshaler.Format(st))
	}
}
