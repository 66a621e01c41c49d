//go:generate go run go.uber.org/mock/mockgen -source=contract.go -destination=../mocks/mock_contract.go -package=mocks
package contract

import (
	"context"
	"fmt"
	"reflect"
	"time"

	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"
)

// Table names exposed by the data gateway.
const (
	TableProfiles      = "profiles"
	TableConversations = "conversations"
	TableMessages      = "messages"
	TableServices      = "services"
	TableOrders        = "orders"
	TablePayments      = "payments"
)

// Record is one row of a gateway table. Values are JSON compatible.
type Record map[string]any

func (r Record) String(column string) string {
	v, _ := r[column].(string)
	return v
}

func (r Record) Bool(column string) bool {
	v, _ := r[column].(bool)
	return v
}

type Operator string

const (
	OpEq  Operator = "eq"
	OpNeq Operator = "neq"
)

type Filter struct {
	Column   string
	Operator Operator
	Value    any
}

func Eq(column string, value any) Filter {
	return Filter{Column: column, Operator: OpEq, Value: value}
}

func Neq(column string, value any) Filter {
	return Filter{Column: column, Operator: OpNeq, Value: value}
}

// Matches compares through structpb so that an int filter matches the
// float64 a decoded row carries.
func (f Filter) Matches(r Record) bool {
	equal := sameValue(r[f.Column], f.Value)
	if f.Operator == OpNeq {
		return !equal
	}
	return equal
}

func MatchesAll(filters []Filter, r Record) bool {
	for _, f := range filters {
		if !f.Matches(r) {
			return false
		}
	}
	return true
}

func (f Filter) String() string {
	return fmt.Sprintf("%s=%s.%v", f.Column, f.Operator, f.Value)
}

func sameValue(a, b any) bool {
	va, err := structpb.NewValue(a)
	if err != nil {
		return false
	}
	vb, err := structpb.NewValue(b)
	if err != nil {
		return false
	}
	return proto.Equal(va, vb)
}

type Order struct {
	Column     string
	Descending bool
}

type Query struct {
	Columns []string
	Filters []Filter
	Order   *Order
	Limit   int
}

type EventKind string

const EventInsert EventKind = "INSERT"

// AuthSession is a credential issued by the gateway.
type AuthSession struct {
	UserID    string
	Email     string
	Token     string
	ExpiresAt time.Time
}

type IAuth interface {
	ExchangeCredentials(ctx context.Context, email, password string) (AuthSession, error)
	CreateCredential(ctx context.Context, email, password string) (AuthSession, error)
	CurrentSession(ctx context.Context) (*AuthSession, error)
	Revoke(ctx context.Context, session AuthSession) error
	DeleteCredential(ctx context.Context, session AuthSession) error
}

type ITables interface {
	Select(ctx context.Context, table string, query Query) ([]Record, error)
	Insert(ctx context.Context, table string, record Record) (Record, error)
	Update(ctx context.Context, table string, patch Record, filters []Filter) (int, error)
}

// Subscription delivers inserted records until Unsubscribe closes C.
type Subscription interface {
	C() <-chan Record
	Unsubscribe()
}

type IFeed interface {
	Subscribe(ctx context.Context, table string, kind EventKind, filters []Filter) (Subscription, error)
}

// Worker is a long running background task. Returning nil means done;
// an error or a panic gets it restarted by its supervisor.
type Worker interface {
	Run(ctx context.Context) error
}

// GetWorkerName returns the worker's type name for logs.
func GetWorkerName(w Worker) string {
	if w == nil {
		return "NilWorker"
	}
	t := reflect.TypeOf(w)
	for t.Kind() == reflect.Ptr {
		t = t.Elem()
	}
	return t.Name()
}
