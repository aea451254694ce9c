package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"taskgrid/internal/config"
	"taskgrid/internal/domain"
	"taskgrid/internal/events"
	"taskgrid/internal/metrics"
	"taskgrid/internal/repo"
)

type Engine struct {
	DB     *sql.DB
	Repo   repo.Repo
	Events events.Writer
	Config *config.Config
	Now    func() time.Time
	Log    *logrus.Entry

	agents   *lru.Cache[string, domain.Agent]
	validate *validator.Validate
	tracer   trace.Tracer
}

func New(db *sql.DB, cfg *config.Config) Engine {
	if cfg == nil {
		cfg = config.Default()
	}
	size := cfg.Agents.CacheSize
	if size < 1 {
		size = 256
	}
	cache, _ := lru.New[string, domain.Agent](size)
	return Engine{
		DB:       db,
		Repo:     repo.Repo{DB: db},
		Events:   events.Writer{DB: db},
		Config:   cfg,
		Now:      time.Now,
		Log:      logrus.WithField("component", "engine"),
		agents:   cache,
		validate: validator.New(),
		tracer:   otel.Tracer("taskgrid/engine"),
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now().UTC()
	}
	return time.Now().UTC()
}

func (e Engine) log() *logrus.Entry {
	if e.Log != nil {
		return e.Log
	}
	l := logrus.New()
	l.SetLevel(logrus.PanicLevel)
	return logrus.NewEntry(l)
}

func (e Engine) cfg() *config.Config {
	if e.Config != nil {
		return e.Config
	}
	return config.Default()
}

// check runs struct validation and reports failures as ErrInvalidArgument.
func (e Engine) check(opts any) error {
	v := e.validate
	if v == nil {
		v = validator.New()
	}
	if err := v.Struct(opts); err != nil {
		return fmt.Errorf("%w: %v", domain.ErrInvalidArgument, err)
	}
	return nil
}

func (e Engine) span(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	t := e.tracer
	if t == nil {
		t = otel.Tracer("taskgrid/engine")
	}
	return t.Start(ctx, "engine."+name, trace.WithAttributes(attrs...))
}

// finish closes a span and counts stale-stamp refusals for entity.
func finish(span trace.Span, entity string, err *error) {
	if err != nil && *err != nil {
		if errors.Is(*err, repo.ErrConcurrencyConflict) {
			metrics.Conflict(entity)
		}
		span.RecordError(*err)
		span.SetStatus(codes.Error, (*err).Error())
	}
	span.End()
}

func (e Engine) appendEvent(ctx context.Context, tx *sql.Tx, entry events.Entry, payload events.EventPayload) error {
	w := e.Events
	w.Now = e.now
	return w.Append(ctx, tx, entry, payload)
}

func (e Engine) removal(actorID string) repo.Removal {
	return repo.Removal{At: e.now(), By: actorID, NewStamp: domain.NewStamp()}
}

// DeleteOptions identify a row to soft- or hard-delete. Stamp is required for
// soft delete and, when set, checked on hard delete.
type DeleteOptions struct {
	ID      uuid.UUID `validate:"required"`
	Stamp   string
	ActorID string `validate:"required"`
}

// StateOptions request a lifecycle move.
type StateOptions struct {
	ID      uuid.UUID `validate:"required"`
	Stamp   string    `validate:"required"`
	State   string    `validate:"required"`
	ActorID string    `validate:"required"`
}

func requireStamp(stamp string) error {
	if stamp == "" {
		return fmt.Errorf("%w: concurrency stamp is required", domain.ErrInvalidArgument)
	}
	return nil
}

// presented compares the caller's stamp with the one read in the transaction.
func presented(kind string, id uuid.UUID, want, got string) error {
	if want != got {
		return fmt.Errorf("%s %s: %w", kind, id, repo.ErrConcurrencyConflict)
	}
	return nil
}

func immutablePartition(requested *int, current int) error {
	if requested != nil && *requested != current {
		return fmt.Errorf("partition %d -> %d: %w", current, *requested, repo.ErrImmutableField)
	}
	return nil
}

func trimmed(field, v string) (string, error) {
	v = strings.TrimSpace(v)
	if v == "" {
		return "", fmt.Errorf("%w: %s is required", domain.ErrInvalidArgument, field)
	}
	return v, nil
}

func newID(id uuid.UUID) uuid.UUID {
	if id == uuid.Nil {
		return uuid.New()
	}
	return id
}

func timePtr(t time.Time) *time.Time {
	return &t
}
