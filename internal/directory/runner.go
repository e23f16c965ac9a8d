package directory

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/puzpuzpuz/xsync/v4"
	"github.com/robfig/cron/v3"
	"golang.org/x/time/rate"

	"github.com/strandsec/strand/internal/model"
	"github.com/strandsec/strand/internal/store"
	"github.com/strandsec/strand/internal/telemetry"
)

// DefaultSchedule is how often every syncable provider is reconciled.
const DefaultSchedule = "@every 3m"

// alertFailureFloor is the consecutive-failure count below which no admin
// email goes out even for parked providers.
const alertFailureFloor = 10

// alertInterval rate-limits admin emails per provider.
const alertInterval = 24 * time.Hour

// Store is the persistence surface the runner drives.
type Store interface {
	SyncableProviders(ctx context.Context) ([]store.SyncableProvider, error)
	ApplyDirectorySync(ctx context.Context, provider model.Provider, plan store.SyncPlan) (*store.SyncEffects, error)
	MarkProviderFailed(ctx context.Context, id model.ID, message string) (int, error)
	MarkProviderRequiresIntervention(ctx context.Context, id model.ID, message string) error
}

// Notifier delivers the admin alert for a parked provider.
type Notifier interface {
	NotifyProviderParked(ctx context.Context, provider model.Provider, message string) error
}

// Runner drives the periodic directory sync across all providers.
type Runner struct {
	store    Store
	adapters Registry
	notifier Notifier
	sink     telemetry.Sink
	logger   *log.Logger
	schedule string

	cron     *cron.Cron
	limiters *xsync.Map[model.ID, *rate.Limiter]
}

// Option tweaks a Runner.
type Option func(*Runner)

// WithNotifier installs the admin alert channel.
func WithNotifier(n Notifier) Option {
	return func(r *Runner) { r.notifier = n }
}

// WithSchedule overrides the cron spec, mainly for tests.
func WithSchedule(spec string) Option {
	return func(r *Runner) { r.schedule = spec }
}

// WithTelemetry installs the observability sink.
func WithTelemetry(sink telemetry.Sink) Option {
	return func(r *Runner) { r.sink = sink }
}

// NewRunner wires the sync loop. It does not start it.
func NewRunner(st Store, adapters Registry, logger *log.Logger, opts ...Option) *Runner {
	if logger == nil {
		logger = log.Default()
	}
	r := &Runner{
		store:    st,
		adapters: adapters,
		logger:   logger,
		schedule: DefaultSchedule,
		cron:     cron.New(),
		limiters: xsync.NewMap[model.ID, *rate.Limiter](),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Start schedules the sync loop.
func (r *Runner) Start(ctx context.Context) error {
	_, err := r.cron.AddFunc(r.schedule, func() { r.SyncAll(ctx) })
	if err != nil {
		return fmt.Errorf("schedule directory sync: %w", err)
	}
	r.cron.Start()
	return nil
}

// Stop halts scheduling and waits for a running tick.
func (r *Runner) Stop() {
	<-r.cron.Stop().Done()
}

// SyncAll reconciles every provider due for sync. Providers fail
// independently; one bad IdP never blocks the rest.
func (r *Runner) SyncAll(ctx context.Context) {
	providers, err := r.store.SyncableProviders(ctx)
	if err != nil {
		r.logger.Printf("[directory] list providers: %v", err)
		return
	}
	for _, sp := range providers {
		if err := r.syncProvider(ctx, sp); err != nil {
			r.recordFailure(ctx, sp, err)
		}
	}
}

// syncProvider runs one provider end to end: feature guard, fetch, apply.
func (r *Runner) syncProvider(ctx context.Context, sp store.SyncableProvider) error {
	provider := sp.Provider
	if !sp.Features.IdPSync {
		return errors.New("IdP sync is not enabled for this account")
	}

	adapter, err := r.adapters.Build(provider)
	if err != nil {
		return err
	}
	plan, err := r.fetchPlan(ctx, adapter)
	if err != nil {
		return err
	}

	eff, err := r.store.ApplyDirectorySync(ctx, provider, *plan)
	if err != nil {
		return err
	}
	r.logger.Printf("[directory] provider %s synced: +%d/~%d/-%d identities, +%d/-%d groups, +%d/-%d memberships",
		provider.ID,
		eff.IdentitiesInserted, eff.IdentitiesUpdated, eff.IdentitiesDeleted,
		eff.GroupsInserted, eff.GroupsDeleted,
		eff.MembershipsInserted, eff.MembershipsDeleted)
	if r.sink != nil {
		r.sink.DirectorySync(telemetry.DirectorySyncEvent{ProviderID: provider.ID, Succeeded: true})
	}
	return nil
}

// fetchPlan pulls the full desired state through the adapter.
func (r *Runner) fetchPlan(ctx context.Context, adapter Adapter) (*store.SyncPlan, error) {
	users, err := adapter.ListUsers(ctx)
	if err != nil {
		return nil, fmt.Errorf("list users: %w", err)
	}
	groups, err := adapter.ListGroups(ctx)
	if err != nil {
		return nil, fmt.Errorf("list groups: %w", err)
	}

	plan := &store.SyncPlan{
		Identities: make([]store.SyncIdentity, 0, len(users)),
		Groups:     make([]store.SyncGroup, 0, len(groups)),
	}
	for _, u := range users {
		plan.Identities = append(plan.Identities, store.SyncIdentity{
			ProviderIdentifier: u.ProviderIdentifier,
			Email:              u.Email,
		})
	}
	for _, g := range groups {
		plan.Groups = append(plan.Groups, store.SyncGroup{Name: g.Name})
		members, err := adapter.ListGroupMembers(ctx, g)
		if err != nil {
			return nil, fmt.Errorf("list members of %q: %w", g.Name, err)
		}
		for _, id := range members {
			plan.Memberships = append(plan.Memberships, store.SyncMembership{
				GroupName:          g.Name,
				ProviderIdentifier: id,
			})
		}
	}
	return plan, nil
}

// recordFailure classifies a sync error:
//
//   - unauthorized parks the provider and, past the failure floor, emails
//     the account admins at most once a day
//   - retry_later skips the tick without counting against the provider
//   - anything else is persisted and bumps the consecutive counter
func (r *Runner) recordFailure(ctx context.Context, sp store.SyncableProvider, cause error) {
	provider := sp.Provider

	switch {
	case errors.Is(cause, ErrUnauthorized):
		msg := "The identity provider rejected our credentials; reconnect the provider"
		if err := r.store.MarkProviderRequiresIntervention(ctx, provider.ID, msg); err != nil {
			r.logger.Printf("[directory] provider %s: park: %v", provider.ID, err)
			return
		}
		r.logger.Printf("[directory] error: provider %s requires manual intervention: %v", provider.ID, cause)
		if provider.ConsecutiveFailures+1 >= alertFailureFloor {
			r.alert(ctx, provider, msg)
		}

	case errors.Is(cause, ErrRetryLater):
		r.logger.Printf("[directory] provider %s unavailable, will retry: %v", provider.ID, cause)

	default:
		failures, err := r.store.MarkProviderFailed(ctx, provider.ID, cause.Error())
		if err != nil {
			r.logger.Printf("[directory] provider %s: record failure: %v", provider.ID, err)
			return
		}
		if r.sink != nil {
			r.sink.DirectorySync(telemetry.DirectorySyncEvent{ProviderID: provider.ID, ConsecutiveFailures: failures})
		}
		switch {
		case failures < 3:
			r.logger.Printf("[directory] info: provider %s sync failed (%d consecutive): %v", provider.ID, failures, cause)
		case failures < 100:
			r.logger.Printf("[directory] warning: provider %s sync failed (%d consecutive): %v", provider.ID, failures, cause)
		default:
			r.logger.Printf("[directory] error: provider %s sync failed (%d consecutive): %v", provider.ID, failures, cause)
		}
	}
}

func (r *Runner) alert(ctx context.Context, provider model.Provider, message string) {
	if r.notifier == nil {
		return
	}
	limiter, _ := r.limiters.LoadOrCompute(provider.ID, func() (*rate.Limiter, bool) {
		return rate.NewLimiter(rate.Every(alertInterval), 1), false
	})
	if !limiter.Allow() {
		return
	}
	if err := r.notifier.NotifyProviderParked(ctx, provider, message); err != nil {
		r.logger.Printf("[directory] provider %s: notify admins: %v", provider.ID, err)
	}
}
