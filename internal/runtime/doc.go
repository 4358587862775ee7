/*
Package runtime provides the core dispatch infrastructure for natsflow.

# Architecture Overview

Applications declare subject handlers, tasks and middlewares on a Service.
Start binds every subscription to the middleware chain, hands the resulting
routes to the configured execution strategy, connects it and schedules the
tasks. Publish and Request go through the send side of the same chain.

# Package Structure

## Core Service (service.go)

The Service struct is the composition root that wires together:
  - Subscription and task registries
  - Middleware manager
  - Execution strategy (in-process client or bridge client)
  - Embedded bridge workers, when configured
  - HTTP servers for metrics and the handler introspection API

## Handler introspection (webui.go)

JSON endpoint listing every subscription with its counters.

# Sub-packages

  - bridge/: multi-process strategy: Listener, Sender, app-side Client, wire records
  - bus/: bus capability interfaces, NATS adapter (natsbus) and in-memory emulator (membus)
  - client/: in-process strategy
  - codec/: Bytes, UTF8, JSON, Custom and Schema payload codecs
  - config/: Service configuration with env loading and validation
  - errors/: Sentinel errors and error types
  - ids/: ULID correlation tokens and client ids
  - logging/: Logger interface and adapters
  - message/: Message and Header types
  - middleware/: Hook manager and built-in middlewares
  - queue/: Ordered blocking queues (Redis, memory) and the correlation store
  - registry/: Subscriptions and Tasks registries
  - subject/: Subject validation and wildcard matching
  - tasks/: Start-up and interval task scheduling

# Usage Example

	cfg := &natsflow.Config{
		NATSURL:        "nats://localhost:4222",
		MetricsEnabled: true,
		MetricsPort:    9090,
	}

	svc, err := natsflow.NewService(cfg, logger, natsflow.ServiceDependencies{})
	if err != nil {
		return err
	}

	natsflow.ListenJSON(svc, natsflow.JSONListener[Order, Receipt]{
		Subjects: []string{"orders.*.created"},
		Handler:  priceOrder,
	})

	svc.Start(ctx)
*/
package runtime
