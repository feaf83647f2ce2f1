// Package sandbox manages the lifecycle of interactive sandbox containers.
//
// A Manager spawns one container per challenge on a container Engine,
// records it in a Registry and tears it down again on terminate, reset,
// idle timeout or shutdown. The Docker implementation of Engine lives in
// DockerEngine; MockEngine is an in-memory stand-in for tests.
//
// # Sessions
//
// Every spawned container is tracked as a Session keyed by its engine ID.
// A session holds at most one terminal attachment. Attaching a second
// client closes the first one's stream and then tells that client its
// terminal was disconnected.
//
// # Container settings
//
// Containers are created with a TTY and open stdin, running the configured
// shell as their main process:
//   - Name: <prefix>-<challenge>-<unix millis>-<8 random hex>
//   - Labels: sandboxd.managed=true and sandboxd.challenge=<challenge>
//   - NetworkMode: bridge unless configured otherwise, so the IP address
//     reported for a session may be empty
//   - Memory, CPU and PID limits when configured
//
// Containers are never auto-removed by the engine; terminate removes them
// explicitly so the registry and the engine stay in step.
//
// # Usage
//
//	engine, err := sandbox.NewDockerEngine()
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer engine.Close()
//
//	mgr := sandbox.NewManager(engine, sandbox.DefaultConfig(), logger)
//	session, err := mgr.Spawn(ctx, "web-101", "")
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	stream, err := mgr.OpenTerminal(ctx, session.ContainerID)
package sandbox
