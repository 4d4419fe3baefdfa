// Package swarmchat implements the messaging core of a decentralized
// messenger whose envelopes are stored on a swarm of storage nodes.
//
// Messages are sealed so that only the recipient can open them and only the
// recipient learns who sent them. Closed groups share a rotating X25519 key
// pair whose history is kept so old messages stay readable. This package
// wires the subsystems into a single [Client]: the bbolt database, the node
// swarm, the retrying job queue and the sender and receiver pipelines.
//
// # Getting Started
//
//	options, err := swarmchat.NewOptions("/var/lib/swarmchat")
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	client, err := swarmchat.New(options)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer client.Kill()
//
//	fmt.Println("Session ID:", client.SessionID())
//
//	// Start the event loop
//	for client.IsRunning() {
//	    client.Iterate()
//	    time.Sleep(client.IterationInterval())
//	}
//
// # Sending
//
// Text messages are persisted first and delivered through the job queue,
// which retries transient failures with exponential backoff:
//
//	_, done, err := client.SendText(messaging.Contact{PublicKey: friendID}, "Hello!")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	if err := <-done; err != nil {
//	    log.Printf("delivery failed: %v", err)
//	}
//
// A send succeeds as soon as one storage node accepts the envelope. When all
// nodes fail the joined per-node errors are returned.
//
// # Closed Groups
//
// Group management lives on the [sender.Sender]:
//
//	groupKey, err := client.Sender().CreateGroup(ctx, "Book club", []string{alice, bob})
//	err = client.Sender().RemoveMembers(ctx, groupKey, []string{bob})
//
// Removing members generates a new key pair and distributes it, wrapped for
// each remaining member, before it is stored locally.
//
// # Open Groups
//
// Community rooms are polled after JoinOpenGroup. The blinded inbox the
// account has on the same server is polled with them:
//
//	err := client.JoinOpenGroup("https://chat.example", "lobby", serverKey)
//
// # Configuration
//
// Clients are usually configured from a TOML file, see the config package:
//
//	cfg, err := config.LoadFile("swarmchat.toml")
//	client, err := swarmchat.New(&swarmchat.Options{Config: cfg})
package swarmchat
