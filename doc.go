// Package agentpilot provides a client-side runtime for driving coding-agent
// processes over the Agent Client Protocol (ACP, JSON-RPC 2.0 over stdio).
//
// The root package defines the shared vocabulary: the [Event] stream emitted
// by a running session, the [Decision] values a permission responder may
// return, and the sentinel errors runtime operations produce.
//
// # Core Packages
//
//   - runtime/acp: the protocol session (spawn, handshake, prompt, dispatch)
//   - profile: per-agent transport policy (timeouts, filters, tool tables)
//   - transcript: persisted transcript store used for session resumption
//
// # Quick Start
//
//	prof := profile.Builtin("claude")
//	sess, err := acp.Start(acp.Config{Profile: prof, CWD: dir})
//	if err != nil { log.Fatal(err) }
//	defer sess.Dispose(ctx)
//	go func() {
//	    for ev := range sess.Events() {
//	        fmt.Println(ev.Kind, ev.TextDelta)
//	    }
//	}()
//	if err := sess.Initialize(ctx); err != nil { log.Fatal(err) }
//	if _, err := sess.NewSession(ctx); err != nil { log.Fatal(err) }
//	_, err = sess.Prompt(ctx, "add a README")
package agentpilot
