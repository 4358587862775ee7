// Package natsflow is a small framework for microservices talking over NATS.
// Applications declare subject handlers, start-up and interval tasks, and
// middlewares on a Service; Start wires them into a live bus connection and
// dispatches every inbound message to the matching handlers, sending the
// handler result back when the message expects a reply.
//
// # Execution strategies
//
// Config.Strategy picks how handlers run:
//   - inprocess: one bus connection per service, one goroutine per message.
//   - bridge: the bus connection lives in a Listener and a Sender worker
//     (cmd/natsflow-bridge, or embedded with BridgeEmbedWorkers). Application
//     processes exchange records with the workers through Redis lists, so any
//     number of them can share one subscription and consume each subject in
//     publish order.
//
// Both strategies give the same observable behaviour: a request returns
// exactly what the handler computed, at most one reply is sent, and a request
// nobody answers fails with a TimeoutError after its timeout.
//
// # Middleware
//
// A middleware declares the hooks it implements (send-publish, send-request,
// listen-publish, listen-request, or the Send / Listen catch-alls) and wraps
// the operation like an onion: registration order going in, reverse order
// coming out. The default chain adds correlation ids, OpenTelemetry tracing,
// Prometheus metrics and panic recovery. Custom middleware can be added via
// ServiceDependencies.Middlewares or Service.AddMiddleware.
//
// # Job Hooks
//
// JobHooksMiddleware provides OnJobStart, OnJobDone, and OnJobError callbacks for
// custom logging, metrics collection, and alerting around handler execution.
package natsflow
