// Package daemonize turns the calling process into a well-behaved Unix daemon
// and, once it is one, ensures a graceful shutdown when stop conditions are met.
//
// Opening a Context performs, in order: validation, detachment from the
// controlling terminal (double fork and setsid), chroot, working directory,
// umask, core dump prevention and privilege drop, closing of every
// file descriptor outside the preserved set, redirection of the standard
// streams, installation of the signal map and acquisition of the PID lock.
//
// The Go runtime is multithreaded and cannot fork. Each "fork" is a
// re-execution of the running binary with the same arguments and a marker in
// the environment, so main runs once per generation. Everything before Open
// must be safe to repeat; Open exits the intermediate generations and returns
// only in the daemon. Descriptors opened before Open survive into the daemon
// only when listed with WithFilesPreserve.
//
// Stop conditions once open:
//  1. A signal mapped to SignalTerminate is received from the OS.
//  2. The parent context given to Open is done.
//  3. ShutDown or Close is called.
//
// Example usage:
//
//	func main() {
//		d, err := daemonize.New(
//			daemonize.WithPIDFile(daemonize.NewPIDLockFile("/run/app.pid")),
//			daemonize.WithStderr(daemonize.StreamPath("/var/log/app.err")),
//			daemonize.WithShutdownGraceDuration(5*time.Second),
//		)
//		if err != nil {
//			log.Fatal(err)
//		}
//
//		if err := d.Open(context.Background()); err != nil {
//			log.Fatal(err)
//		}
//
//		ctx := d.CTX() // This ctx should be provided to the rest of the code
//
//		httpServer := NewHTTPModule(ctx) // binds only in the daemon
//		db := InitRepo(ctx)
//
//		d.OnShutDown(
//			httpServer.ShutDown,
//			daemonize.CancelCTX,
//			db.Stop,
//		)
//
//		d.Wait() // this will block until the graceful shutdown is initiated and done.
//	}
//
// Context:
// The context provided by .CTX() should be passed downstream to the rest of the code.
// It will get cancelled by default after the shutdown callbacks are done or, earlier,
// if daemonize.CancelCTX is registered as a shutdown callback.
//
// Shutdown callbacks:
// Using OnShutDown(f ...func(context.Context)) you can register callback functions that will be called
// (in registration order) once the graceful shutdown is initiated. The context that is given to each shutdown
// callback is not the same with .CTX(). It will be the parent context with a separate timeout (shutdown grace
// period) depending on the configuration. The PID lock is released after the last callback.
package daemonize
