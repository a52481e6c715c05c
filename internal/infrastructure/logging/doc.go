// Package logging provides structured logging for the persistence engine.
//
// Built on zap for zero-allocation structured logging. Production mode
// emits JSON; development mode emits colored console output. Every
// component takes a *logging.Logger; NewNop provides a silent default
// for tests.
package logging
