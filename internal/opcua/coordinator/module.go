package coordinator

import (
	"context"
	"log/slog"
	"time"

	"github.com/gopcua/opcua"
	"go.uber.org/fx"
	"golang.org/x/sync/semaphore"

	"github.com/andonworks/opcua-runtime/config"
	"github.com/andonworks/opcua-runtime/internal/opcua/generic"
	"github.com/andonworks/opcua-runtime/internal/opcua/graphchange"
	"github.com/andonworks/opcua-runtime/internal/opcua/health"
	"github.com/andonworks/opcua-runtime/internal/opcua/loader"
	"github.com/andonworks/opcua-runtime/internal/opcua/model"
	"github.com/andonworks/opcua-runtime/internal/opcua/monitoritem"
	"github.com/andonworks/opcua-runtime/internal/opcua/polling"
	"github.com/andonworks/opcua-runtime/internal/opcua/registry"
	"github.com/andonworks/opcua-runtime/internal/opcua/session"
	"github.com/andonworks/opcua-runtime/internal/opcua/subscription"
	"github.com/andonworks/opcua-runtime/internal/opcua/transport"
	"github.com/andonworks/opcua-runtime/internal/opcua/writequeue"
)

// ProvideConfig adapts the host's config.Config into the per-component
// configs the coordinator and its collaborators need.
func ProvideConfig(cfg *config.Config) Config {
	return Config{
		HealthCheckInterval: cfg.SubscriptionHealthCheckInterval,
		StallThreshold:      int32(cfg.ReconnectHandlerTimeout / cfg.SubscriptionHealthCheckInterval),
		Session: session.Config{
			EndpointURL:             cfg.ServerURL,
			ApplicationName:         cfg.ApplicationName,
			SessionTimeout:          cfg.SessionTimeout,
			ReconnectHandlerTimeout: cfg.ReconnectHandlerTimeout,
		},
	}
}

// ProvideSubscriptionConfig maps config.Config to subscription.Config.
func ProvideSubscriptionConfig(cfg *config.Config) subscription.Config {
	return subscription.Config{
		MaxItemsPerSubscription:    cfg.MaximumItemsPerSubscription,
		PublishInterval:            cfg.DefaultPublishingInterval,
		KeepAliveCount:             cfg.SubscriptionKeepAliveCount,
		LifetimeCount:              cfg.SubscriptionLifetimeCount,
		Priority:                   cfg.SubscriptionPriority,
		MaxNotificationsPerPublish: cfg.SubscriptionMaxNotificationsPerPub,
	}
}

// ProvidePollingConfig maps config.Config to polling.Config.
func ProvidePollingConfig(cfg *config.Config) polling.Config {
	return polling.Config{
		Interval:         cfg.PollingInterval,
		BatchSize:        cfg.PollingBatchSize,
		BreakerThreshold: cfg.PollingCircuitBreakerThreshold,
		BreakerCooldown:  cfg.PollingCircuitBreakerCooldown,
	}
}

// ProvideMonitoredItemTier maps config.Config's sampling interval, queue size
// and discard-oldest defaults to the global-default tier (§4.3 tier 2). The
// data-change trigger and deadband defaults are not mapped, so this tier
// never causes a DataChangeFilter to be attached.
func ProvideMonitoredItemTier(cfg *config.Config) monitoritem.Tier {
	samplingMs := float64(cfg.DefaultSamplingInterval / time.Millisecond)
	queueSize := cfg.DefaultQueueSize
	discard := cfg.DefaultDiscardOldest
	return monitoritem.Tier{
		SamplingIntervalMs: &samplingMs,
		QueueSize:          &queueSize,
		DiscardOldest:      &discard,
	}
}

// ProvideSessionConfig projects the session-specific slice out of Config,
// since fx resolves providers by type and session.Config needs to be
// requestable on its own (e.g. by the dial function and reconnector below).
func ProvideSessionConfig(cfg Config) session.Config { return cfg.Session }

// ProvideRootSubject builds the generic, dynamically-grown root subject
// rooted at config.Config's RootNodeID (defaulting to the standard Objects
// folder, ns=0;i=85). A host with its own domain model overrides this
// provider with fx.Decorate/fx.Replace to supply a real mapped Subject.
func ProvideRootSubject(cfg *config.Config, reg *registry.Registry) model.Subject {
	root := generic.NewSubject(cfg.RootNodeID)
	reg.Track(root, model.ParseNodeId(cfg.RootNodeID))
	return root
}

// ProvideInstaller builds the coordinator's own loader.MonitoredItemInstaller:
// every item the loader installs is both subscribed immediately and
// retained for replay after a stack recreation (§4.13).
func ProvideInstaller(subs *subscription.Manager) *Installer { return NewInstaller(subs) }

// ProvideLoader wires the generic, zero-configuration subject loader: no
// property is pre-mapped, so every browsed child becomes a dynamic
// property, discovered and typed straight off the live server (§4.11). A
// host with a real attribute-mapping DSL overrides PropertyResolver et al.
func ProvideLoader(reg *registry.Registry, holder *session.Holder, installer *Installer, logger *slog.Logger) *loader.Loader {
	browser := transport.NewBrowser(holder)
	typeResolver := generic.TypeResolver{Client: holder}
	return loader.New(reg, browser, generic.SubjectFactory, generic.PropertyResolver{}, generic.FlatLayoutChecker{}, generic.DynamicPropertyPolicy{}, typeResolver, generic.DynamicPropertyFactory, installer, nil, logger)
}

// ProvideReconnector builds the default session.Reconnector: always ready,
// redialling via ProvideDialFn when triggered. A host with its own
// transport-specific reconnect handshake overrides this provider.
func ProvideReconnector(cfg session.Config) session.Reconnector {
	return transport.NewDefaultReconnector(cfg)
}

// ProvideDialFn supplies the session manager's dial function: a real
// *opcua.Client connected against cfg.EndpointURL (§4.8 "Create").
func ProvideDialFn() func(ctx context.Context, cfg session.Config) (*opcua.Client, error) {
	return transport.DialSession
}

// ProvideFullResync defaults to a no-op: generic mode performs no structural
// resync after a reconnect. This module constructs no graph change receiver
// either, so remote ModelChangeEvents are not applied in generic mode. A host
// running its own mapped domain model overrides this with a real
// reconciliation pass.
func ProvideFullResync() FullResync {
	return func(ctx context.Context) error { return nil }
}

// ApplyGate and FlushGate are distinct single-permit semaphores (§5): the
// apply-changes gate serialises Monitor/Unmonitor across subscription and
// health, the write-flush gate serialises Submit/Flush across writepipeline.
type ApplyGate struct{ *semaphore.Weighted }
type FlushGate struct{ *semaphore.Weighted }

func ProvideApplyGate() ApplyGate { return ApplyGate{semaphore.NewWeighted(1)} }
func ProvideFlushGate() FlushGate { return FlushGate{semaphore.NewWeighted(1)} }

// ProvidePipelineConfig builds the write pipeline's construction bundle.
// ReadAfterWrite is left nil by default; a host that needs the §4.12
// read-after-write hook overrides this provider with fx.Decorate.
func ProvidePipelineConfig(cfg *config.Config, gate FlushGate) PipelineConfig {
	return PipelineConfig{
		FlushGate:        gate.Weighted,
		MaxNodesPerWrite: cfg.MaximumItemsPerSubscription,
		ReadAfterWrite:   nil,
	}
}

// ProvideRegistry builds the subject registry; onLastUntrack is left nil
// here since monitored-item teardown is owned by the loader/subscription
// collaborators, which the host wires in.
func ProvideRegistry() *registry.Registry {
	return registry.New(4096, nil)
}

// ProvideWriteQueue sizes the write-failure queue from write_queue_size.
func ProvideWriteQueue(cfg *config.Config) *writequeue.Queue {
	return writequeue.New(cfg.WriteQueueSize)
}

// ProvidePollHolder builds the session.Holder that lets polling.Manager be
// constructed before the session.Manager it eventually reads from.
func ProvidePollHolder() *session.Holder { return session.NewHolder() }

// ProvidePollingManager wires polling.Manager against the holder and an
// updater that applies values onto the property graph via SetValueFromSource.
func ProvidePollingManager(cfg polling.Config, holder *session.Holder, logger *slog.Logger) *polling.Manager {
	updater := func(prop model.Property, newValue any, observedAt time.Time) {
		prop.SetValueFromSource(nil, observedAt, observedAt, newValue)
	}
	return polling.New(cfg, holder, updater, logger)
}

// ProvideSubscriptionManager wires subscription.Manager. The *opcua.Client
// starts nil and is populated by the session manager's first CreateSession
// via Transfer.
func ProvideSubscriptionManager(factory *monitoritem.Factory, poll *polling.Manager, cfg subscription.Config, gate ApplyGate, logger *slog.Logger) *subscription.Manager {
	updater := func(updates []subscription.Update) {
		for _, u := range updates {
			u.Property.SetValueFromSource(nil, u.SourceTimestamp, time.Now(), u.Value)
		}
	}
	return subscription.New(nil, factory, poll, updater, cfg, gate.Weighted, logger)
}

// ProvideMonitoredItemFactory builds the monitored-item factory from the
// global-default tier; per-property overrides are a host concern (tier 1,
// §4.3) and left nil here.
func ProvideMonitoredItemFactory(globalDefaults monitoritem.Tier) *monitoritem.Factory {
	return monitoritem.NewFactory(globalDefaults, nil)
}

// ProvideHealthMonitor wires the health monitor atop the subscription
// manager, which satisfies health.Filterer structurally.
func ProvideHealthMonitor(subs *subscription.Manager, cfg *config.Config, logger *slog.Logger) *health.Monitor {
	return health.New(subs, cfg.SubscriptionHealthCheckInterval, logger)
}

// Module wires the coordinator and every collaborator it needs end to end,
// using the generic (zero-configuration, dynamic-property-only) subject
// model by default. A host with its own attribute-mapping DSL overrides
// ProvideRootSubject, ProvideLoader, ProvideReconnector and/or
// ProvideFullResync with fx.Decorate to swap in its real domain model
// without touching the rest of the graph.
var Module = fx.Module("coordinator",
	fx.Provide(
		ProvideConfig,
		ProvideSessionConfig,
		ProvideSubscriptionConfig,
		ProvidePollingConfig,
		ProvideMonitoredItemTier,
		ProvideApplyGate,
		ProvideFlushGate,
		ProvidePipelineConfig,
		ProvideRegistry,
		ProvideRootSubject,
		ProvideWriteQueue,
		ProvidePollHolder,
		ProvideMonitoredItemFactory,
		ProvidePollingManager,
		ProvideSubscriptionManager,
		ProvideInstaller,
		ProvideLoader,
		ProvideReconnector,
		ProvideDialFn,
		ProvideFullResync,
		ProvideHealthMonitor,
		New,
	),
	fx.Invoke(registerLifecycle),
)

func registerLifecycle(lc fx.Lifecycle, c *Coordinator) {
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			return c.Start(ctx)
		},
		OnStop: func(ctx context.Context) error {
			return c.Dispose(ctx)
		},
	})
}

var _ graphchange.Materializer = (*loader.Loader)(nil)
