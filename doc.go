// Package meshtalk implements serverless peer-to-peer secure messaging on a
// local multicast segment.
//
// Participants find each other through periodic presence broadcasts, seal
// messages to each other's certificate keys and get at-least-once delivery
// from acknowledgements and burst retransmission. There is no server: every
// node talks to the same multicast group.
//
// # Getting Started
//
// Create a node, give it a display name and start it:
//
//	options := meshtalk.NewOptions()
//	options.DisplayName = "alice"
//	options.ApplyEnvironment()
//
//	node, err := meshtalk.New(ctx, options)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer node.Close(ctx)
//
//	if err := node.Start(ctx); err != nil {
//	    log.Fatal(err)
//	}
//
//	deliveries, cancel := node.Subscribe(16)
//	defer cancel()
//
//	go func() {
//	    for d := range deliveries {
//	        fmt.Printf("%s: %s\n", d.Message.Sender, d.Message.Payloads[0].Data)
//	    }
//	}()
//
//	_, err = node.SendText(ctx, "bob", "hi")
//
// # Services
//
// A [Node] owns one instance of each service:
//
//   - transport: chunking, reassembly and duplicate suppression on the
//     shared UDP socket
//   - identity: the self-signed certificate identity and its rotation
//   - discovery: presence announcements and the peer directory
//   - messaging: the outbox, the retransmission queue and the dispatcher
//
// Every service runs its loops as goroutines bound to its own lifetime.
// [Node.RestartAll] stops the transport, then the services that depend on
// it, waits briefly and starts them again in the same order. Identity
// changes trigger it automatically.
//
// # Persistence
//
// By default the identity, the peer directory and the message history live
// in memory. Setting [Options.RedisAddr] keeps the identity and peer
// directory in Redis, optionally encrypted with [Options.Passphrase];
// setting [Options.MongoURI] archives message history in MongoDB.
//
// # Environment
//
// [Options.ApplyEnvironment] reads MESHTALK_NAME, MESHTALK_GROUP,
// MESHTALK_PORT, MESHTALK_INTERFACE, MESHTALK_TTL, MESHTALK_LOOPBACK,
// MESHTALK_PASSPHRASE, MESHTALK_REDIS_ADDR, MESHTALK_REDIS_PASSWORD,
// MESHTALK_REDIS_DB, MESHTALK_MONGO_URI, MESHTALK_MONGO_DB and
// MESHTALK_RESTART_DELAY.
package meshtalk
