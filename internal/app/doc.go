// Package app wires the fleet server together and runs it.
//
// New builds every component from a loaded configuration: the sqlite
// stores, the device registry, the websocket hub and the fleet hub on top
// of it, the license trust store and the bearer token service. The
// websocket hub is handed to the fleet hub as its broadcaster, then the
// fleet protocol is installed as the websocket hub's handler.
//
// Run starts the hub and the HTTP server under an errgroup. Cancelling the
// context shuts the server down, stops the hub and closes the database.
//
//	application, err := app.NewApplication()
//	if err != nil {
//	    return err
//	}
//	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
//	defer stop()
//	return application.Run(ctx)
package app
